// Package control собирает операции управления движком в один фасад.
//
// API и CLI работают только через Service: запуск и пауза кампаний,
// ручной проход планировщика, прогон очереди, управление аккаунтами
// и контактами, список диалогов и приём событий от провайдеров.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Outbound/internal/domain"
	"github.com/shaiso/Outbound/internal/repo"
	"github.com/shaiso/Outbound/internal/scheduler"
	"github.com/shaiso/Outbound/internal/worker"
)

// ErrUnavailable: операция не настроена в этом процессе.
var ErrUnavailable = errors.New("operation not available")

type CampaignStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Campaign, error)
	SetStatus(ctx context.Context, id uuid.UUID, from []domain.CampaignStatus, to domain.CampaignStatus, reason string) (bool, error)
}

type ContactStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Contact, error)
	ArmCampaign(ctx context.Context, campaignID uuid.UUID, at time.Time) (int64, error)
	CountByStatus(ctx context.Context, campaignID uuid.UUID) (map[domain.ContactStatus]int, error)
}

type JobStore interface {
	CountByStatus(ctx context.Context, campaignID uuid.UUID) (map[domain.JobStatus]int, error)
}

type HistoryStore interface {
	Totals(ctx context.Context, campaignID uuid.UUID) (map[domain.DeliveryStatus]int, error)
}

type ConversationStore interface {
	ListByCampaign(ctx context.Context, campaignID uuid.UUID, handoffOnly bool) ([]domain.Conversation, error)
	CountByCampaign(ctx context.Context, campaignID uuid.UUID) (replies, handoffs int, err error)
}

type Sequence interface {
	Resume(ctx context.Context, contactID uuid.UUID, nextEligible time.Time) (bool, error)
}

// IdentityPool: реализуется identity.Pool.
type IdentityPool interface {
	Usage(ctx context.Context, tenantID uuid.UUID) ([]domain.IdentityUsage, error)
	Get(ctx context.Context, id uuid.UUID) (*domain.Identity, error)
	Pause(ctx context.Context, id uuid.UUID) (bool, error)
	Resume(ctx context.Context, id uuid.UUID) error
}

type Scheduler interface {
	Tick(ctx context.Context) (scheduler.PassResult, error)
}

type Queue interface {
	Drain(ctx context.Context) (worker.DrainResult, error)
}

// EventSink: реализуется reconcile.Reconciler.
type EventSink interface {
	Ingest(ctx context.Context, ev *domain.InboundEvent) (bool, error)
}

// Service: фасад управления.
type Service struct {
	campaigns     CampaignStore
	contacts      ContactStore
	jobs          JobStore
	history       HistoryStore
	conversations ConversationStore
	sequence      Sequence
	identities    IdentityPool
	scheduler     Scheduler
	queue         Queue
	events        EventSink

	logger *slog.Logger
	now    func() time.Time
}

type Config struct {
	Campaigns     CampaignStore
	Contacts      ContactStore
	Jobs          JobStore
	History       HistoryStore
	Conversations ConversationStore
	Sequence      Sequence
	Identities    IdentityPool

	// Scheduler, Queue и Events могут быть nil: соответствующие
	// операции вернут ErrUnavailable.
	Scheduler Scheduler
	Queue     Queue
	Events    EventSink

	Logger *slog.Logger
	Now    func() time.Time
}

// New создаёт Service.
func New(cfg Config) *Service {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Service{
		campaigns:     cfg.Campaigns,
		contacts:      cfg.Contacts,
		jobs:          cfg.Jobs,
		history:       cfg.History,
		conversations: cfg.Conversations,
		sequence:      cfg.Sequence,
		identities:    cfg.Identities,
		scheduler:     cfg.Scheduler,
		queue:         cfg.Queue,
		events:        cfg.Events,
		logger:        cfg.Logger.With("component", "control"),
		now:           cfg.Now,
	}
}

// StartCampaign: draft → active. Контакты без даты следующей отправки
// получают текущее время.
func (s *Service) StartCampaign(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	c, err := s.campaigns.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := c.Sequence.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", repo.ErrInvalidState, err)
	}
	return s.activate(ctx, c, domain.CampaignStatusDraft)
}

// ResumeCampaign: paused → active.
func (s *Service) ResumeCampaign(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	c, err := s.campaigns.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.activate(ctx, c, domain.CampaignStatusPaused)
}

func (s *Service) activate(ctx context.Context, c *domain.Campaign, from domain.CampaignStatus) (*domain.Campaign, error) {
	ok, err := s.campaigns.SetStatus(ctx, c.ID, []domain.CampaignStatus{from}, domain.CampaignStatusActive, "")
	if err != nil {
		return nil, fmt.Errorf("set campaign status: %w", err)
	}
	if !ok {
		return nil, s.campaignStateError(ctx, c.ID, from)
	}

	armed, err := s.contacts.ArmCampaign(ctx, c.ID, s.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("arm contacts: %w", err)
	}
	s.logger.Info("campaign activated", "campaign_id", c.ID, "from", from, "contacts_armed", armed)
	return s.campaigns.GetByID(ctx, c.ID)
}

// PauseCampaign: active → paused. Планировщик перестаёт создавать задачи,
// worker откладывает уже созданные.
func (s *Service) PauseCampaign(ctx context.Context, id uuid.UUID, reason string) (*domain.Campaign, error) {
	if reason == "" {
		reason = "manual"
	}
	ok, err := s.campaigns.SetStatus(ctx, id,
		[]domain.CampaignStatus{domain.CampaignStatusActive}, domain.CampaignStatusPaused, reason)
	if err != nil {
		return nil, fmt.Errorf("set campaign status: %w", err)
	}
	if !ok {
		return nil, s.campaignStateError(ctx, id, domain.CampaignStatusActive)
	}
	s.logger.Info("campaign paused", "campaign_id", id, "reason", reason)
	return s.campaigns.GetByID(ctx, id)
}

func (s *Service) campaignStateError(ctx context.Context, id uuid.UUID, want domain.CampaignStatus) error {
	c, err := s.campaigns.GetByID(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: campaign is %s, expected %s", repo.ErrInvalidState, c.Status, want)
}

// CampaignStatus собирает аналитику кампании.
func (s *Service) CampaignStatus(ctx context.Context, id uuid.UUID) (*domain.CampaignStats, error) {
	c, err := s.campaigns.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	contacts, err := s.contacts.CountByStatus(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("count contacts: %w", err)
	}
	jobs, err := s.jobs.CountByStatus(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	totals, err := s.history.Totals(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("history totals: %w", err)
	}
	replies, handoffs, err := s.conversations.CountByCampaign(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("count conversations: %w", err)
	}

	stats := &domain.CampaignStats{
		CampaignID:       c.ID,
		Status:           c.Status,
		ContactsByStatus: contacts,
		JobsByStatus:     jobs,
		Bounced:          totals[domain.DeliveryStatusBounced],
		Complained:       totals[domain.DeliveryStatusComplained],
		Replies:          replies,
		Handoffs:         handoffs,
	}
	for _, n := range totals {
		stats.Sent += n
	}
	// жалоба приходит только на доставленное письмо
	stats.Delivered = totals[domain.DeliveryStatusDelivered] + totals[domain.DeliveryStatusComplained]
	return stats, nil
}

// RunScheduler выполняет один проход планировщика.
func (s *Service) RunScheduler(ctx context.Context) (scheduler.PassResult, error) {
	if s.scheduler == nil {
		return scheduler.PassResult{}, fmt.Errorf("%w: scheduler", ErrUnavailable)
	}
	return s.scheduler.Tick(ctx)
}

// DrainQueue обрабатывает все готовые задачи.
func (s *Service) DrainQueue(ctx context.Context) (worker.DrainResult, error) {
	if s.queue == nil {
		return worker.DrainResult{}, fmt.Errorf("%w: queue", ErrUnavailable)
	}
	return s.queue.Drain(ctx)
}

// ListIdentities возвращает статистику аккаунтов tenant.
func (s *Service) ListIdentities(ctx context.Context, tenantID uuid.UUID) ([]domain.IdentityUsage, error) {
	return s.identities.Usage(ctx, tenantID)
}

func (s *Service) GetIdentity(ctx context.Context, id uuid.UUID) (*domain.Identity, error) {
	return s.identities.Get(ctx, id)
}

// PauseIdentity ставит аккаунт на ручную паузу.
func (s *Service) PauseIdentity(ctx context.Context, id uuid.UUID) (*domain.Identity, error) {
	ok, err := s.identities.Pause(ctx, id)
	if err != nil {
		return nil, err
	}
	ident, err := s.identities.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: identity is %s", repo.ErrInvalidState, ident.Status)
	}
	return ident, nil
}

// ResumeIdentity возвращает аккаунт в active после health probe.
// Ошибки identity.ErrProbeFailed и identity.ErrNotResumable возвращаются как есть.
func (s *Service) ResumeIdentity(ctx context.Context, id uuid.UUID) (*domain.Identity, error) {
	if err := s.identities.Resume(ctx, id); err != nil {
		return nil, err
	}
	return s.identities.Get(ctx, id)
}

// ResumeContact: paused → active, следующая отправка сразу.
func (s *Service) ResumeContact(ctx context.Context, id uuid.UUID) (*domain.Contact, error) {
	c, err := s.contacts.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Status != domain.ContactStatusPaused {
		return nil, fmt.Errorf("%w: contact is %s", repo.ErrInvalidState, c.Status)
	}

	ok, err := s.sequence.Resume(ctx, id, s.now().UTC())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: contact is no longer paused", repo.ErrInvalidState)
	}
	return s.contacts.GetByID(ctx, id)
}

// ListConversations: диалоги кампании, с handoffOnly только ожидающие человека.
func (s *Service) ListConversations(ctx context.Context, campaignID uuid.UUID, handoffOnly bool) ([]domain.Conversation, error) {
	if _, err := s.campaigns.GetByID(ctx, campaignID); err != nil {
		return nil, err
	}
	return s.conversations.ListByCampaign(ctx, campaignID, handoffOnly)
}

// IngestDelivery сохраняет событие доставки. false: дубликат.
func (s *Service) IngestDelivery(ctx context.Context, provider string, ev domain.DeliveryEvent) (bool, error) {
	inbound, err := domain.NewDeliveryInboundEvent(provider, ev)
	if err != nil {
		return false, fmt.Errorf("encode delivery event: %w", err)
	}
	return s.ingest(ctx, inbound)
}

// IngestReply сохраняет входящий ответ. false: дубликат.
func (s *Service) IngestReply(ctx context.Context, provider string, ev domain.ReplyEvent) (bool, error) {
	inbound, err := domain.NewReplyInboundEvent(provider, ev)
	if err != nil {
		return false, fmt.Errorf("encode reply event: %w", err)
	}
	return s.ingest(ctx, inbound)
}

func (s *Service) ingest(ctx context.Context, ev *domain.InboundEvent) (bool, error) {
	if s.events == nil {
		return false, fmt.Errorf("%w: event ingestion", ErrUnavailable)
	}
	ev.ReceivedAt = s.now().UTC()
	return s.events.Ingest(ctx, ev)
}
