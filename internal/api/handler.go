package api

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shaiso/Outbound/internal/domain"
	"github.com/shaiso/Outbound/internal/scheduler"
	"github.com/shaiso/Outbound/internal/telemetry"
	"github.com/shaiso/Outbound/internal/worker"
)

// Control — операции управления, реализуется control.Service.
type Control interface {
	StartCampaign(ctx context.Context, id uuid.UUID) (*domain.Campaign, error)
	PauseCampaign(ctx context.Context, id uuid.UUID, reason string) (*domain.Campaign, error)
	ResumeCampaign(ctx context.Context, id uuid.UUID) (*domain.Campaign, error)
	CampaignStatus(ctx context.Context, id uuid.UUID) (*domain.CampaignStats, error)

	RunScheduler(ctx context.Context) (scheduler.PassResult, error)
	DrainQueue(ctx context.Context) (worker.DrainResult, error)

	ListIdentities(ctx context.Context, tenantID uuid.UUID) ([]domain.IdentityUsage, error)
	GetIdentity(ctx context.Context, id uuid.UUID) (*domain.Identity, error)
	PauseIdentity(ctx context.Context, id uuid.UUID) (*domain.Identity, error)
	ResumeIdentity(ctx context.Context, id uuid.UUID) (*domain.Identity, error)

	ResumeContact(ctx context.Context, id uuid.UUID) (*domain.Contact, error)
	ListConversations(ctx context.Context, campaignID uuid.UUID, handoffOnly bool) ([]domain.Conversation, error)

	IngestDelivery(ctx context.Context, provider string, ev domain.DeliveryEvent) (bool, error)
	IngestReply(ctx context.Context, provider string, ev domain.ReplyEvent) (bool, error)
}

// Handler — главный обработчик API с зависимостями.
type Handler struct {
	control    Control
	signingKey string
	metrics    *telemetry.Metrics
	validate   *validator.Validate
	logger     *slog.Logger
	now        func() time.Time
}

// Config — конфигурация для создания Handler.
type Config struct {
	Control Control

	// WebhookSigningKey пустой: все webhook'и отклоняются.
	WebhookSigningKey string

	Metrics *telemetry.Metrics
	Logger  *slog.Logger
	Now     func() time.Time
}

// NewHandler создаёт новый Handler.
func NewHandler(cfg Config) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Handler{
		control:    cfg.Control,
		signingKey: cfg.WebhookSigningKey,
		metrics:    cfg.Metrics,
		validate:   validator.New(),
		logger:     cfg.Logger,
		now:        cfg.Now,
	}
}
