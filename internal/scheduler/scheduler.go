package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Outbound/internal/domain"
	"github.com/shaiso/Outbound/internal/repo"
	"github.com/shaiso/Outbound/internal/telemetry"
)

// CampaignStore: кампании для прохода планировщика.
type CampaignStore interface {
	ListByStatus(ctx context.Context, status domain.CampaignStatus) ([]domain.Campaign, error)
	SetStatus(ctx context.Context, id uuid.UUID, from []domain.CampaignStatus, to domain.CampaignStatus, reason string) (bool, error)
}

// ContactStore: выборка готовых контактов и запись следующего времени.
type ContactStore interface {
	ListDue(ctx context.Context, campaignID uuid.UUID, now time.Time, limit int) ([]domain.Contact, error)
	ScheduleNext(ctx context.Context, id uuid.UUID, next time.Time) (bool, error)
}

// JobStore: создание задач доставки.
type JobStore interface {
	Create(ctx context.Context, job *domain.DeliveryJob) error
	Cancel(ctx context.Context, id uuid.UUID, reason string) (bool, error)
	CountInFlight(ctx context.Context, campaignID uuid.UUID) (int, error)
}

// HistoryStore: окна статистики и тред предыдущего письма.
type HistoryStore interface {
	WindowStats(ctx context.Context, campaignID uuid.UUID, since time.Time) (domain.WindowStats, error)
	LastForContact(ctx context.Context, contactID uuid.UUID) (*domain.SendRecord, error)
}

// CapacityProvider: суммарный остаток квоты активных аккаунтов tenant.
type CapacityProvider interface {
	Capacity(ctx context.Context, tenantID uuid.UUID, now time.Time) (int, error)
}

// Completer завершает последовательность контакта.
type Completer interface {
	Complete(ctx context.Context, contactID uuid.UUID) (bool, error)
}

// JobPublisher публикует job.ready. Опционален: воркер подбирает задачи polling'ом.
type JobPublisher interface {
	PublishJobReady(ctx context.Context, jobID uuid.UUID) error
}

// Scheduler: планировщик отправок.
type Scheduler struct {
	campaigns CampaignStore
	contacts  ContactStore
	jobs      JobStore
	history   HistoryStore
	capacity  CapacityProvider
	sequence  Completer
	publisher JobPublisher
	metrics   *telemetry.Metrics
	logger    *slog.Logger
	now       func() time.Time

	batchSize       int
	maxAttempts     int
	breakerWindow   time.Duration
	breakerMinSends int
}

// Config: конфигурация Scheduler.
type Config struct {
	Campaigns CampaignStore
	Contacts  ContactStore
	Jobs      JobStore
	History   HistoryStore
	Capacity  CapacityProvider
	Sequence  Completer
	Publisher JobPublisher
	Metrics   *telemetry.Metrics
	Logger    *slog.Logger
	Now       func() time.Time

	BatchSize       int           // максимум контактов кампании за проход (default: 500)
	MaxAttempts     int           // попыток на задачу (default: 3)
	BreakerWindow   time.Duration // окно для bounce/complaint rate (default: 24h)
	BreakerMinSends int           // минимум отправок в окне для срабатывания (default: 20)
}

// New создаёт Scheduler.
func New(cfg Config) *Scheduler {
	s := &Scheduler{
		campaigns:       cfg.Campaigns,
		contacts:        cfg.Contacts,
		jobs:            cfg.Jobs,
		history:         cfg.History,
		capacity:        cfg.Capacity,
		sequence:        cfg.Sequence,
		publisher:       cfg.Publisher,
		metrics:         cfg.Metrics,
		logger:          cfg.Logger,
		now:             cfg.Now,
		batchSize:       cfg.BatchSize,
		maxAttempts:     cfg.MaxAttempts,
		breakerWindow:   cfg.BreakerWindow,
		breakerMinSends: cfg.BreakerMinSends,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.batchSize <= 0 {
		s.batchSize = 500
	}
	if s.maxAttempts <= 0 {
		s.maxAttempts = 3
	}
	if s.breakerWindow <= 0 {
		s.breakerWindow = 24 * time.Hour
	}
	if s.breakerMinSends <= 0 {
		s.breakerMinSends = 20
	}
	return s
}

// PassResult: итог прохода планировщика.
type PassResult struct {
	Campaigns int `json:"campaigns"`
	Scheduled int `json:"scheduled"`
	Completed int `json:"completed"`
	Skipped   int `json:"skipped"`
	Paused    int `json:"paused"`
	Errors    int `json:"errors"`
}

func (r *PassResult) add(o PassResult) {
	r.Scheduled += o.Scheduled
	r.Completed += o.Completed
	r.Skipped += o.Skipped
	r.Paused += o.Paused
	r.Errors += o.Errors
}

// Tick выполняет один проход по активным кампаниям.
//
// Ошибки одной кампании или одного контакта не блокируют остальные.
func (s *Scheduler) Tick(ctx context.Context) (PassResult, error) {
	start := time.Now()
	defer func() { s.metrics.ObservePass(time.Since(start)) }()

	now := s.now().UTC()
	var result PassResult

	campaigns, err := s.campaigns.ListByStatus(ctx, domain.CampaignStatusActive)
	if err != nil {
		return result, fmt.Errorf("list active campaigns: %w", err)
	}
	result.Campaigns = len(campaigns)

	for i := range campaigns {
		// Sequence читается один раз и дальше передаётся по значению.
		c := campaigns[i]

		res, err := s.processCampaign(ctx, c, now)
		if err != nil {
			result.Errors++
			telemetry.WithCampaignID(s.logger, c.ID).Error("failed to process campaign", "error", err)
			continue
		}
		result.add(res)
	}

	s.logger.Info("scheduling pass completed",
		"campaigns", result.Campaigns,
		"scheduled", result.Scheduled,
		"completed", result.Completed,
		"paused", result.Paused,
		"errors", result.Errors,
	)
	return result, nil
}

// processCampaign планирует одну кампанию.
func (s *Scheduler) processCampaign(ctx context.Context, c domain.Campaign, now time.Time) (PassResult, error) {
	var result PassResult
	logger := telemetry.WithCampaignID(s.logger, c.ID)

	// 1. Circuit breaker
	tripped, err := s.checkSafety(ctx, c, now)
	if err != nil {
		return result, err
	}
	if tripped {
		result.Paused++
		return result, nil
	}

	// 2. Бюджет отправок
	budget, err := s.budget(ctx, c, now)
	if err != nil {
		return result, err
	}
	if budget <= 0 {
		logger.Debug("no send capacity, skipping campaign")
		return result, nil
	}

	// 3. Готовые контакты, самые старые первыми
	contacts, err := s.contacts.ListDue(ctx, c.ID, now, budget)
	if err != nil {
		return result, fmt.Errorf("list due contacts: %w", err)
	}

	// 4. По задаче на контакт
	for i := range contacts {
		contact := &contacts[i]
		outcome, err := s.processContact(ctx, c, contact, now)
		if err != nil {
			result.Errors++
			telemetry.WithContactID(logger, contact.ID).Error("failed to schedule contact", "error", err)
			continue
		}
		switch outcome {
		case outcomeScheduled:
			result.Scheduled++
		case outcomeCompleted:
			result.Completed++
		default:
			result.Skipped++
		}
	}
	return result, nil
}

// checkSafety ставит кампанию на паузу, если bounce или complaint rate
// за окно превышает порог. Возвращает true, если кампания пропускается.
func (s *Scheduler) checkSafety(ctx context.Context, c domain.Campaign, now time.Time) (bool, error) {
	stats, err := s.history.WindowStats(ctx, c.ID, now.Add(-s.breakerWindow))
	if err != nil {
		return false, fmt.Errorf("window stats: %w", err)
	}
	if stats.Sent < s.breakerMinSends {
		return false, nil
	}

	safety := c.Sequence.Safety
	var reason string
	switch {
	case safety.MaxBounceRatePct > 0 && stats.BounceRatePct() > safety.MaxBounceRatePct:
		reason = domain.PauseReasonBounceRate
	case safety.MaxComplaintRatePct > 0 && stats.ComplaintRatePct() > safety.MaxComplaintRatePct:
		reason = domain.PauseReasonComplaintRate
	default:
		return false, nil
	}

	ok, err := s.campaigns.SetStatus(ctx, c.ID,
		[]domain.CampaignStatus{domain.CampaignStatusActive}, domain.CampaignStatusPaused, reason)
	if err != nil {
		return false, fmt.Errorf("pause campaign: %w", err)
	}
	if ok {
		s.metrics.BreakerTripped(reason)
		telemetry.WithCampaignID(s.logger, c.ID).Warn("campaign paused by circuit breaker",
			"reason", reason,
			"sent", stats.Sent,
			"bounce_rate_pct", stats.BounceRatePct(),
			"complaint_rate_pct", stats.ComplaintRatePct(),
		)
	}
	// Даже если паузу поставил кто-то другой, кампания уже не active.
	return true, nil
}

// budget: сколько задач можно поставить в этом проходе.
//
// min(часовой остаток, дневной остаток, квота аккаунтов), задачи
// в работе вычитаются из каждого.
func (s *Scheduler) budget(ctx context.Context, c domain.Campaign, now time.Time) (int, error) {
	safety := c.Sequence.Safety

	inFlight, err := s.jobs.CountInFlight(ctx, c.ID)
	if err != nil {
		return 0, fmt.Errorf("count in-flight jobs: %w", err)
	}

	hour, err := s.history.WindowStats(ctx, c.ID, now.Add(-time.Hour))
	if err != nil {
		return 0, fmt.Errorf("hourly stats: %w", err)
	}
	budget := safety.MaxSendsPerHour - hour.Sent - inFlight

	if safety.MaxSendsPerDay > 0 {
		loc := c.Sequence.Location()
		local := now.In(loc)
		midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
		day, err := s.history.WindowStats(ctx, c.ID, midnight)
		if err != nil {
			return 0, fmt.Errorf("daily stats: %w", err)
		}
		budget = min(budget, safety.MaxSendsPerDay-day.Sent-inFlight)
	}

	if s.capacity != nil {
		quota, err := s.capacity.Capacity(ctx, c.TenantID, now)
		if err != nil {
			return 0, fmt.Errorf("identity capacity: %w", err)
		}
		budget = min(budget, quota-inFlight)
	}

	return min(budget, s.batchSize), nil
}

const (
	outcomeScheduled = "scheduled"
	outcomeCompleted = "completed"
	outcomeSkipped   = "skipped"
)

// processContact ставит задачу для следующего шага контакта.
func (s *Scheduler) processContact(ctx context.Context, c domain.Campaign, contact *domain.Contact, now time.Time) (string, error) {
	seq := c.Sequence

	// 1. Последовательность закончилась
	if contact.SequencePosition >= seq.TotalSteps {
		if _, err := s.sequence.Complete(ctx, contact.ID); err != nil {
			return "", fmt.Errorf("complete sequence: %w", err)
		}
		return outcomeCompleted, nil
	}

	// 2. Payload шага
	payload, err := s.payloadFor(ctx, contact)
	if err != nil {
		return "", err
	}

	// 3. Задача. Уникальный индекс не даёт поставить вторую задачу в работе.
	job := domain.NewDeliveryJob(contact, payload, s.maxAttempts, now)
	if err := s.jobs.Create(ctx, job); err != nil {
		if errors.Is(err, repo.ErrAlreadyExists) {
			return outcomeSkipped, nil
		}
		return "", fmt.Errorf("create job: %w", err)
	}

	// 4. Следующий слот считается от отправки, которая случится сейчас.
	// Воркер пересчитает его от фактического last_sent_at.
	next := NextSendTime(&now, seq.IntervalDays, seq.AllowedWeekdays, seq.SendHour, now, seq.Location())
	ok, err := s.contacts.ScheduleNext(ctx, contact.ID, next)
	if err != nil {
		return "", fmt.Errorf("schedule next: %w", err)
	}
	if !ok {
		// Контакт ушёл из active между выборкой и записью.
		if _, err := s.jobs.Cancel(ctx, job.ID, "contact no longer active"); err != nil {
			return "", fmt.Errorf("cancel job: %w", err)
		}
		return outcomeSkipped, nil
	}

	s.metrics.JobScheduled()
	telemetry.WithJobID(s.logger, job.ID).Debug("job scheduled",
		"contact_id", contact.ID,
		"step", job.Step,
		"kind", job.Kind,
		"next_eligible_send_at", next,
	)

	// 5. job.ready: не критично, воркер найдёт задачу polling'ом
	if s.publisher != nil {
		if err := s.publisher.PublishJobReady(ctx, job.ID); err != nil {
			telemetry.WithJobID(s.logger, job.ID).Warn("failed to publish job.ready", "error", err)
		}
	}
	return outcomeScheduled, nil
}

// payloadFor: first_touch для шага 1, иначе follow_up в треде прошлого письма.
func (s *Scheduler) payloadFor(ctx context.Context, contact *domain.Contact) (domain.JobPayload, error) {
	step := contact.NextStep()
	if step == 1 {
		return domain.FirstTouchPayload{Step: step}, nil
	}

	payload := domain.FollowUpPayload{Step: step}
	last, err := s.history.LastForContact(ctx, contact.ID)
	switch {
	case err == nil:
		payload.ThreadMessageID = last.ProviderMessageID
		payload.ThreadSubject = last.Subject
	case errors.Is(err, repo.ErrNotFound):
		// история могла быть пустой после ручного импорта позиции
	default:
		return nil, fmt.Errorf("last send for contact: %w", err)
	}
	return payload, nil
}
