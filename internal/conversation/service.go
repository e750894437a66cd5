package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Outbound/internal/content"
	"github.com/shaiso/Outbound/internal/domain"
	"github.com/shaiso/Outbound/internal/telemetry"
)

// Store: хранилище переписок.
type Store interface {
	GetOrCreate(ctx context.Context, conv *domain.Conversation) (*domain.Conversation, error)
	ApplyReply(ctx context.Context, id uuid.UUID, u domain.ConversationUpdate) (*domain.Conversation, error)
}

// Sequence: переходы контакта, которые вызывает политика.
type Sequence interface {
	Pause(ctx context.Context, contactID uuid.UUID, reason string) (bool, error)
	MarkResponded(ctx context.Context, contactID uuid.UUID, reason string) (bool, error)
	MarkUnsubscribed(ctx context.Context, contactID uuid.UUID, reason string) (bool, error)
}

// Service применяет политику к ответам.
type Service struct {
	store      Store
	sequence   Sequence
	classifier *content.SafeClassifier
	logger     *slog.Logger
	now        func() time.Time
}

// Config: конфигурация Service.
type Config struct {
	Store    Store
	Sequence Sequence

	// Classifier оборачивается в content.SafeClassifier.
	Classifier content.Classifier

	Logger *slog.Logger
	Now    func() time.Time
}

// NewService создаёт Service.
func NewService(cfg Config) *Service {
	s := &Service{
		store:    cfg.Store,
		sequence: cfg.Sequence,
		logger:   cfg.Logger,
		now:      cfg.Now,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	s.classifier = content.NewSafeClassifier(cfg.Classifier, s.logger)
	return s
}

// Result: итог обработки ответа.
type Result struct {
	Intent       domain.Intent
	Decision     Decision
	Conversation *domain.Conversation

	// Transitioned: контакт сменил статус этим ответом.
	Transitioned bool
}

// HandleReply классифицирует ответ контакта и применяет решение.
func (s *Service) HandleReply(ctx context.Context, contact *domain.Contact, reply domain.ReplyEvent) (*Result, error) {
	logger := telemetry.WithCampaignID(telemetry.WithContactID(s.logger, contact.ID), contact.CampaignID)

	// Ошибка классификации уже превращена в other.
	intent, _ := s.classifier.Classify(ctx, reply.Subject, reply.Body)

	conv, err := s.store.GetOrCreate(ctx, domain.NewConversation(contact.CampaignID, contact.ID))
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}

	d := Decide(intent, conv.Stage)

	transitioned, err := s.applyContact(ctx, contact.ID, d)
	if err != nil {
		return nil, err
	}

	replyAt := reply.ReceivedAt
	if replyAt.IsZero() {
		replyAt = s.now().UTC()
	}
	u := domain.ConversationUpdate{
		Status:          d.Status(conv.Status),
		Stage:           d.Stage,
		RequiresHandoff: d.Handoff,
		SequencePaused:  d.StopsSequence(),
		PauseReason:     d.PauseReason,
		LastIntent:      intent,
		ReplyAt:         replyAt,
		ResponseAction:  d.Action,
	}
	if d.Action != domain.ResponseNone {
		at := s.now().UTC().Add(d.Delay)
		u.RespondAfter = &at
	}

	conv, err = s.store.ApplyReply(ctx, conv.ID, u)
	if err != nil {
		return nil, fmt.Errorf("apply reply: %w", err)
	}

	logger.Info("reply handled",
		"intent", intent,
		"stage", conv.Stage,
		"action", d.Action,
		"handoff", d.Handoff,
		"contact_effect", d.Contact,
	)

	return &Result{Intent: intent, Decision: d, Conversation: conv, Transitioned: transitioned}, nil
}

func (s *Service) applyContact(ctx context.Context, contactID uuid.UUID, d Decision) (bool, error) {
	var (
		ok  bool
		err error
	)
	switch d.Contact {
	case EffectPause:
		ok, err = s.sequence.Pause(ctx, contactID, d.PauseReason)
	case EffectResponded:
		ok, err = s.sequence.MarkResponded(ctx, contactID, d.PauseReason)
	case EffectUnsubscribe:
		ok, err = s.sequence.MarkUnsubscribed(ctx, contactID, d.PauseReason)
	default:
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("apply contact effect %s: %w", d.Contact, err)
	}
	return ok, nil
}
