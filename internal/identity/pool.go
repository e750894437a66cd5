// Package identity управляет пулом отправляющих аккаунтов.
//
// Pool выбирает аккаунт для отправки, ведёт health score, серию ошибок
// и дневную квоту. Счётчики меняются атомарными UPDATE в хранилище,
// Pool не держит состояния в памяти.
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Outbound/internal/domain"
	"github.com/shaiso/Outbound/internal/telemetry"
)

var (
	// ErrNoIdentityAvailable: нет активного аккаунта с квотой.
	// Это capacity, а не ошибка для немедленного retry.
	ErrNoIdentityAvailable = errors.New("no sending identity available")

	// ErrProbeFailed: health probe не прошёл, resume запрещён.
	ErrProbeFailed = errors.New("identity health probe failed")

	// ErrNotResumable: аккаунт уже активен или статус не позволяет resume.
	ErrNotResumable = errors.New("identity is not resumable")
)

// ErrorPenalty вычитается из score аккаунта в статусе error
// или с ненулевой серией ошибок.
const ErrorPenalty = 10.0

// ResumeMinHealth: health score после ручного resume.
const ResumeMinHealth = 50

// Store: операции над аккаунтами.
type Store interface {
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Identity, error)
	ListByTenant(ctx context.Context, tenantID uuid.UUID) ([]domain.Identity, error)
	ListSelectable(ctx context.Context, tenantID uuid.UUID) ([]domain.Identity, error)
	IncrementSuccess(ctx context.Context, id uuid.UUID, now time.Time) (*domain.Identity, error)
	IncrementFailure(ctx context.Context, id uuid.UUID, errMsg string, now time.Time) (*domain.Identity, error)
	ResetDaily(ctx context.Context, id uuid.UUID, day time.Time) (bool, error)
	ResetAllDaily(ctx context.Context, day time.Time) (int64, error)
	SetStatus(ctx context.Context, id uuid.UUID, from []domain.IdentityStatus, to domain.IdentityStatus) (bool, error)
	Reactivate(ctx context.Context, id uuid.UUID, from []domain.IdentityStatus, minHealth int) (bool, error)
	UpdateCredential(ctx context.Context, id uuid.UUID, cred domain.Credential) error
}

// Prober проверяет, что аккаунт может отправлять (SMTP NOOP, SES GetAccount).
type Prober interface {
	Probe(ctx context.Context, identity *domain.Identity) error
}

// CredentialSource обновляет учётные данные, если они истекают.
// changed=true означает, что новые данные нужно сохранить.
type CredentialSource interface {
	Ensure(ctx context.Context, identity *domain.Identity) (cred domain.Credential, changed bool, err error)
}

// Pool: пул отправляющих аккаунтов.
type Pool struct {
	store       Store
	prober      Prober
	credentials CredentialSource
	metrics     *telemetry.Metrics
	logger      *slog.Logger
	now         func() time.Time
}

// Config: конфигурация Pool.
type Config struct {
	Store       Store
	Prober      Prober           // обязателен для Resume
	Credentials CredentialSource // опционален: без него учётные данные не обновляются
	Metrics     *telemetry.Metrics
	Logger      *slog.Logger
	Now         func() time.Time
}

// NewPool создаёт Pool.
func NewPool(cfg Config) *Pool {
	p := &Pool{
		store:       cfg.Store,
		prober:      cfg.Prober,
		credentials: cfg.Credentials,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger,
		now:         cfg.Now,
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	if p.now == nil {
		p.now = time.Now
	}
	return p
}

// Score вычисляет рейтинг аккаунта:
//
//	health + 20 × remaining/daily_limit − penalty
//
// penalty = ErrorPenalty для статуса error или ненулевой серии ошибок.
func Score(i *domain.Identity, now time.Time) float64 {
	score := float64(i.HealthScore)
	if i.DailyLimit > 0 {
		score += 20 * float64(i.RemainingQuota(now)) / float64(i.DailyLimit)
	}
	if i.Status == domain.IdentityStatusError || i.ConsecutiveErrors > 0 {
		score -= ErrorPenalty
	}
	return score
}

// eligible: активен и есть квота.
func eligible(i *domain.Identity, now time.Time) bool {
	return i.Status.IsSelectable() && i.RemainingQuota(now) > 0
}

// SelectBest выбирает аккаунт для отправки.
//
// Предпочтительный аккаунт выигрывает, если он активен, с квотой
// и рабочими учётными данными. Иначе побеждает максимальный Score
// среди аккаунтов с валидными (при необходимости обновлёнными) данными.
func (p *Pool) SelectBest(ctx context.Context, tenantID uuid.UUID, preferredID *uuid.UUID) (*domain.Identity, error) {
	now := p.now().UTC()

	if preferredID != nil {
		pref, err := p.store.GetByID(ctx, *preferredID)
		if err == nil && pref.TenantID == tenantID && eligible(pref, now) {
			if p.ensureCredential(ctx, pref) {
				p.resetIfStale(ctx, pref, now)
				p.metrics.IdentitySelected("preferred")
				return pref, nil
			}
		}
	}

	candidates, err := p.store.ListSelectable(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list selectable identities: %w", err)
	}

	ranked := make([]*domain.Identity, 0, len(candidates))
	for i := range candidates {
		if eligible(&candidates[i], now) {
			ranked = append(ranked, &candidates[i])
		}
	}
	sort.SliceStable(ranked, func(a, b int) bool {
		return Score(ranked[a], now) > Score(ranked[b], now)
	})

	for _, cand := range ranked {
		if p.ensureCredential(ctx, cand) {
			p.resetIfStale(ctx, cand, now)
			p.metrics.IdentitySelected("scored")
			return cand, nil
		}
	}

	p.metrics.IdentitySelected("none")
	return nil, ErrNoIdentityAvailable
}

// resetIfStale сбрасывает счётчик за прошедший день.
// Квота уже посчитана как полная, сброс только синхронизирует хранилище.
func (p *Pool) resetIfStale(ctx context.Context, i *domain.Identity, now time.Time) {
	if !i.CounterDay.Before(domain.Day(now)) {
		return
	}
	if _, err := p.store.ResetDaily(ctx, i.ID, now); err != nil {
		telemetry.WithIdentityID(p.logger, i.ID).Warn("failed to reset stale daily counter", "error", err)
		return
	}
	i.DailySent = 0
	i.CounterDay = domain.Day(now)
}

// ensureCredential обновляет учётные данные при необходимости.
// Ошибка обновления переводит аккаунт в disconnected.
func (p *Pool) ensureCredential(ctx context.Context, i *domain.Identity) bool {
	if p.credentials == nil {
		return true
	}

	cred, changed, err := p.credentials.Ensure(ctx, i)
	if err != nil {
		logger := telemetry.WithIdentityID(p.logger, i.ID)
		logger.Warn("credential refresh failed, disconnecting identity", "error", err)
		ok, serr := p.store.SetStatus(ctx, i.ID,
			[]domain.IdentityStatus{domain.IdentityStatusActive, domain.IdentityStatusError},
			domain.IdentityStatusDisconnected)
		if serr != nil {
			logger.Error("failed to disconnect identity", "error", serr)
		}
		if ok {
			p.metrics.IdentityStatusChanged(string(domain.IdentityStatusDisconnected))
		}
		return false
	}

	if changed {
		if err := p.store.UpdateCredential(ctx, i.ID, cred); err != nil {
			// Токен в памяти валиден, отправка возможна; сохраним на следующем обновлении.
			telemetry.WithIdentityID(p.logger, i.ID).Warn("failed to persist refreshed credential", "error", err)
		}
		i.Credential = cred
	}
	return true
}

// Capacity: суммарный остаток квоты активных аккаунтов tenant.
func (p *Pool) Capacity(ctx context.Context, tenantID uuid.UUID, now time.Time) (int, error) {
	identities, err := p.store.ListSelectable(ctx, tenantID)
	if err != nil {
		return 0, fmt.Errorf("list selectable identities: %w", err)
	}
	total := 0
	for i := range identities {
		if identities[i].Status.IsSelectable() {
			total += identities[i].RemainingQuota(now)
		}
	}
	return total, nil
}

// RecordSuccess: успешная отправка.
func (p *Pool) RecordSuccess(ctx context.Context, id uuid.UUID) (*domain.Identity, error) {
	updated, err := p.store.IncrementSuccess(ctx, id, p.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("record success: %w", err)
	}
	return updated, nil
}

// RecordFailure: неудачная отправка по вине аккаунта или транспорта.
func (p *Pool) RecordFailure(ctx context.Context, id uuid.UUID, sendErr error) (*domain.Identity, error) {
	msg := ""
	if sendErr != nil {
		msg = sendErr.Error()
	}

	updated, err := p.store.IncrementFailure(ctx, id, msg, p.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("record failure: %w", err)
	}

	switch {
	case updated.Status == domain.IdentityStatusSuspended && updated.ConsecutiveErrors == domain.ErrorStreakForSuspended,
		updated.Status == domain.IdentityStatusError && updated.ConsecutiveErrors == domain.ErrorStreakForError:
		p.metrics.IdentityStatusChanged(string(updated.Status))
		telemetry.WithIdentityID(p.logger, id).Warn("identity degraded",
			"status", updated.Status,
			"consecutive_errors", updated.ConsecutiveErrors,
			"health_score", updated.HealthScore,
		)
	}
	return updated, nil
}

// ResetDaily обнуляет дневной счётчик аккаунта. Повтор за тот же день: no-op.
func (p *Pool) ResetDaily(ctx context.Context, id uuid.UUID, day time.Time) (bool, error) {
	return p.store.ResetDaily(ctx, id, day)
}

// ResetAllDaily обнуляет счётчики всех аккаунтов за день.
func (p *Pool) ResetAllDaily(ctx context.Context) (int64, error) {
	n, err := p.store.ResetAllDaily(ctx, domain.Day(p.now()))
	if err != nil {
		return 0, fmt.Errorf("reset daily counters: %w", err)
	}
	if n > 0 {
		p.logger.Info("daily identity counters reset", "count", n)
	}
	return n, nil
}

// Pause: ручная пауза аккаунта.
func (p *Pool) Pause(ctx context.Context, id uuid.UUID) (bool, error) {
	ok, err := p.store.SetStatus(ctx, id,
		[]domain.IdentityStatus{domain.IdentityStatusActive, domain.IdentityStatusError},
		domain.IdentityStatusPaused)
	if err != nil {
		return false, fmt.Errorf("pause identity: %w", err)
	}
	if ok {
		p.metrics.IdentityStatusChanged(string(domain.IdentityStatusPaused))
		telemetry.WithIdentityID(p.logger, id).Info("identity paused")
	}
	return ok, nil
}

// resumable: статусы, из которых возможен ручной resume.
var resumable = []domain.IdentityStatus{
	domain.IdentityStatusPaused,
	domain.IdentityStatusError,
	domain.IdentityStatusSuspended,
	domain.IdentityStatusDisconnected,
}

// Resume возвращает аккаунт в active после успешного health probe.
// Серия ошибок обнуляется, health поднимается минимум до ResumeMinHealth.
func (p *Pool) Resume(ctx context.Context, id uuid.UUID) error {
	ident, err := p.store.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if ident.Status == domain.IdentityStatusActive {
		return ErrNotResumable
	}

	if p.prober == nil {
		return fmt.Errorf("%w: no prober configured", ErrProbeFailed)
	}
	if err := p.prober.Probe(ctx, ident); err != nil {
		telemetry.WithIdentityID(p.logger, id).Warn("health probe failed", "error", err)
		return fmt.Errorf("%w: %v", ErrProbeFailed, err)
	}

	ok, err := p.store.Reactivate(ctx, id, resumable, ResumeMinHealth)
	if err != nil {
		return fmt.Errorf("reactivate identity: %w", err)
	}
	if !ok {
		return ErrNotResumable
	}

	p.metrics.IdentityStatusChanged(string(domain.IdentityStatusActive))
	telemetry.WithIdentityID(p.logger, id).Info("identity resumed", "previous_status", ident.Status)
	return nil
}

// Get возвращает аккаунт.
func (p *Pool) Get(ctx context.Context, id uuid.UUID) (*domain.Identity, error) {
	return p.store.GetByID(ctx, id)
}

// Usage: статистика использования аккаунтов tenant.
func (p *Pool) Usage(ctx context.Context, tenantID uuid.UUID) ([]domain.IdentityUsage, error) {
	identities, err := p.store.ListByTenant(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list identities: %w", err)
	}
	now := p.now().UTC()
	usage := make([]domain.IdentityUsage, 0, len(identities))
	for i := range identities {
		usage = append(usage, UsageOf(&identities[i], now))
	}
	return usage, nil
}

// UsageOf собирает статистику одного аккаунта.
func UsageOf(i *domain.Identity, now time.Time) domain.IdentityUsage {
	dailySent := i.DailySent
	if i.CounterDay.Before(domain.Day(now)) {
		dailySent = 0
	}
	return domain.IdentityUsage{
		IdentityID:        i.ID,
		Email:             i.Email,
		Provider:          i.Provider,
		Status:            i.Status,
		HealthScore:       i.HealthScore,
		DailySent:         dailySent,
		DailyLimit:        i.DailyLimit,
		RemainingQuota:    i.RemainingQuota(now),
		ConsecutiveErrors: i.ConsecutiveErrors,
		TotalSent:         i.TotalSent,
		TotalFailed:       i.TotalFailed,
		LastError:         i.LastError,
	}
}
