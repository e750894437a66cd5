// Package sequence владеет состоянием контакта в последовательности.
//
// Любой выход из active отменяет задачи контакта в очереди.
// Переходы выполняются условными UPDATE; проигравший гонку писатель
// получает false без ошибки.
package sequence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Outbound/internal/domain"
	"github.com/shaiso/Outbound/internal/telemetry"
)

// ErrInvalidTransition: переход запрещён графом состояний.
var ErrInvalidTransition = errors.New("invalid contact transition")

// ContactStore: операции над контактами, нужные машине состояний.
type ContactStore interface {
	Transition(ctx context.Context, id uuid.UUID, from []domain.ContactStatus, to domain.ContactStatus, reason string) (bool, error)
	Resume(ctx context.Context, id uuid.UUID, nextEligible time.Time) (bool, error)
	RecordSoftBounce(ctx context.Context, id uuid.UUID) (int, bool, error)
}

// JobCanceller отменяет задачи контакта.
type JobCanceller interface {
	CancelByContact(ctx context.Context, contactID uuid.UUID, reason string) (int64, error)
}

// Machine: машина состояний контакта.
type Machine struct {
	contacts ContactStore
	jobs     JobCanceller
	metrics  *telemetry.Metrics
	logger   *slog.Logger

	// softBounceLimit: на каком soft bounce подряд контакт считается bounced.
	softBounceLimit int
}

// Config: конфигурация Machine.
type Config struct {
	Contacts ContactStore
	Jobs     JobCanceller
	Metrics  *telemetry.Metrics
	Logger   *slog.Logger

	// SoftBounceLimit по умолчанию 3.
	SoftBounceLimit int
}

// New создаёт Machine.
func New(cfg Config) *Machine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	limit := cfg.SoftBounceLimit
	if limit <= 0 {
		limit = 3
	}
	return &Machine{
		contacts:        cfg.Contacts,
		jobs:            cfg.Jobs,
		metrics:         cfg.Metrics,
		logger:          logger,
		softBounceLimit: limit,
	}
}

// Pause: active → paused.
func (m *Machine) Pause(ctx context.Context, contactID uuid.UUID, reason string) (bool, error) {
	return m.leaveActive(ctx, contactID, domain.ContactStatusPaused, reason)
}

// MarkResponded: контакт ответил, дальше работает человек.
func (m *Machine) MarkResponded(ctx context.Context, contactID uuid.UUID, reason string) (bool, error) {
	return m.leaveActive(ctx, contactID, domain.ContactStatusResponded, reason)
}

// MarkConverted: контакт сконвертирован.
func (m *Machine) MarkConverted(ctx context.Context, contactID uuid.UUID) (bool, error) {
	return m.leaveActive(ctx, contactID, domain.ContactStatusConverted, "")
}

// MarkBounced: hard bounce.
func (m *Machine) MarkBounced(ctx context.Context, contactID uuid.UUID, reason string) (bool, error) {
	return m.leaveActive(ctx, contactID, domain.ContactStatusBounced, reason)
}

// MarkUnsubscribed: жалоба или отписка.
func (m *Machine) MarkUnsubscribed(ctx context.Context, contactID uuid.UUID, reason string) (bool, error) {
	return m.leaveActive(ctx, contactID, domain.ContactStatusUnsubscribed, reason)
}

// Complete: все шаги отправлены.
func (m *Machine) Complete(ctx context.Context, contactID uuid.UUID) (bool, error) {
	return m.leaveActive(ctx, contactID, domain.ContactStatusCompleted, "")
}

// SoftBounce ставит контакт на паузу soft_bounce.
// Начиная с softBounceLimit писем подряд контакт переводится в bounced.
// Вызывающий отвечает за то, чтобы одно письмо считалось один раз.
func (m *Machine) SoftBounce(ctx context.Context, contactID uuid.UUID) (domain.ContactStatus, bool, error) {
	count, ok, err := m.contacts.RecordSoftBounce(ctx, contactID)
	if err != nil {
		return "", false, err
	}
	if !ok {
		return "", false, nil
	}

	if count >= m.softBounceLimit {
		if _, err := m.MarkBounced(ctx, contactID, fmt.Sprintf("soft bounce limit reached (%d)", count)); err != nil {
			return "", false, err
		}
		return domain.ContactStatusBounced, true, nil
	}

	if err := m.cancelJobs(ctx, contactID, domain.PauseReasonSoftBounce); err != nil {
		return "", false, err
	}
	m.metrics.ContactTransition(string(domain.ContactStatusPaused))
	return domain.ContactStatusPaused, true, nil
}

// Resume: paused → active, следующая отправка не раньше nextEligible.
func (m *Machine) Resume(ctx context.Context, contactID uuid.UUID, nextEligible time.Time) (bool, error) {
	ok, err := m.contacts.Resume(ctx, contactID, nextEligible)
	if err != nil {
		return false, fmt.Errorf("resume contact: %w", err)
	}
	if ok {
		m.metrics.ContactTransition(string(domain.ContactStatusActive))
		telemetry.WithContactID(m.logger, contactID).Info("contact resumed", "next_eligible_send_at", nextEligible)
	}
	return ok, nil
}

// leaveActive переводит контакт в to и отменяет его задачи.
//
// Задачи отменяются и тогда, когда переход выполнил кто-то другой:
// контакт уже не active, значит задач в работе быть не должно.
func (m *Machine) leaveActive(ctx context.Context, contactID uuid.UUID, to domain.ContactStatus, reason string) (bool, error) {
	from := domain.SourcesFor(to)
	if len(from) == 0 {
		return false, fmt.Errorf("%w: to %s", ErrInvalidTransition, to)
	}

	ok, err := m.contacts.Transition(ctx, contactID, from, to, reason)
	if err != nil {
		return false, fmt.Errorf("transition contact to %s: %w", to, err)
	}

	if err := m.cancelJobs(ctx, contactID, string(to)); err != nil {
		return ok, err
	}

	if ok {
		m.metrics.ContactTransition(string(to))
		telemetry.WithContactID(m.logger, contactID).Info("contact transitioned",
			"to", to,
			"reason", reason,
		)
	}
	return ok, nil
}

func (m *Machine) cancelJobs(ctx context.Context, contactID uuid.UUID, reason string) error {
	n, err := m.jobs.CancelByContact(ctx, contactID, "contact "+reason)
	if err != nil {
		return fmt.Errorf("cancel jobs: %w", err)
	}
	if n > 0 {
		telemetry.WithContactID(m.logger, contactID).Info("jobs cancelled", "count", n, "reason", reason)
	}
	return nil
}
