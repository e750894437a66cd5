// Package reconcile применяет асинхронные события провайдера (доставка,
// bounce, жалобы, ответы) к истории отправок, контактам и перепискам.
//
// Webhook сохраняет нормализованное событие (идемпотентно по id события
// провайдера) и публикует event.inbound. Reconciler потребляет очередь и
// дополнительно опрашивает необработанные строки, захватывает строку
// условно, применяет и помечает обработанной. При ошибке строка
// освобождается и будет взята снова.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Outbound/internal/conversation"
	"github.com/shaiso/Outbound/internal/domain"
	"github.com/shaiso/Outbound/internal/mq"
	"github.com/shaiso/Outbound/internal/repo"
	"github.com/shaiso/Outbound/internal/telemetry"
)

// Значения по умолчанию.
const (
	defaultPollInterval    = 15 * time.Second
	defaultBatchSize       = 100
	defaultLease           = 2 * time.Minute
	defaultReplyWindow     = 30 * 24 * time.Hour
	defaultSoftBounceAfter = 72 * time.Hour
	defaultRetention       = 30 * 24 * time.Hour
)

var (
	// ErrEventNotFound: события нет в журнале.
	ErrEventNotFound = errors.New("inbound event not found")

	// ErrEventNotClaimable: событие уже обработано или захвачено.
	ErrEventNotClaimable = errors.New("inbound event is not claimable")

	// ErrMalformedPayload: payload события не разбирается.
	ErrMalformedPayload = errors.New("malformed event payload")
)

// EventStore: журнал входящих событий.
type EventStore interface {
	Insert(ctx context.Context, ev *domain.InboundEvent) (bool, error)
	GetByID(ctx context.Context, id uuid.UUID) (*domain.InboundEvent, error)
	Claim(ctx context.Context, id uuid.UUID, leaseBefore time.Time) (*domain.InboundEvent, bool, error)
	MarkProcessed(ctx context.Context, id uuid.UUID, errMsg string) error
	Release(ctx context.Context, id uuid.UUID, errMsg string) error
	ListPending(ctx context.Context, leaseBefore time.Time, limit int) ([]domain.InboundEvent, error)
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// HistoryStore: история отправок.
type HistoryStore interface {
	FindByMessageID(ctx context.Context, messageID string) (*domain.SendRecord, error)
	UpdateDeliveryStatus(ctx context.Context, messageID string, from []domain.DeliveryStatus, to domain.DeliveryStatus) (bool, error)
}

// ContactStore: поиск контактов.
type ContactStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Contact, error)
	FindRecentByEmail(ctx context.Context, email string, since time.Time) (*domain.Contact, error)
	ListSoftBounced(ctx context.Context, before time.Time, limit int) ([]domain.Contact, error)
	ResetSoftBounces(ctx context.Context, id uuid.UUID) error
}

// Sequence: переходы контакта по событиям.
type Sequence interface {
	MarkBounced(ctx context.Context, contactID uuid.UUID, reason string) (bool, error)
	MarkUnsubscribed(ctx context.Context, contactID uuid.UUID, reason string) (bool, error)
	SoftBounce(ctx context.Context, contactID uuid.UUID) (domain.ContactStatus, bool, error)
	Resume(ctx context.Context, contactID uuid.UUID, nextEligible time.Time) (bool, error)
}

// ReplyHandler применяет политику ответа.
type ReplyHandler interface {
	HandleReply(ctx context.Context, contact *domain.Contact, reply domain.ReplyEvent) (*conversation.Result, error)
}

// Publisher будит reconciler после сохранения события.
type Publisher interface {
	PublishInboundEvent(ctx context.Context, eventID uuid.UUID) error
}

// Reconciler применяет входящие события.
type Reconciler struct {
	events    EventStore
	history   HistoryStore
	contacts  ContactStore
	sequence  Sequence
	replies   ReplyHandler
	publisher Publisher
	conn      *mq.Connection
	metrics   *telemetry.Metrics
	logger    *slog.Logger
	now       func() time.Time

	pollInterval    time.Duration
	batchSize       int
	lease           time.Duration
	replyWindow     time.Duration
	softBounceAfter time.Duration
	retention       time.Duration

	consumer   *mq.Consumer
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
}

// Config: конфигурация Reconciler.
type Config struct {
	Events   EventStore
	History  HistoryStore
	Contacts ContactStore
	Sequence Sequence
	Replies  ReplyHandler

	// Publisher и Conn опциональны.
	Publisher Publisher
	Conn      *mq.Connection

	PollInterval time.Duration // default: 15s
	BatchSize    int           // default: 100
	Lease        time.Duration // default: 2m

	// ReplyWindow: окно сопоставления ответа по адресу отправителя.
	ReplyWindow time.Duration // default: 30d

	// SoftBounceResumeAfter: через сколько контакт после soft bounce возвращается в active.
	SoftBounceResumeAfter time.Duration // default: 72h

	// Retention: сколько хранить обработанные события.
	Retention time.Duration // default: 30d

	Metrics *telemetry.Metrics
	Logger  *slog.Logger
	Now     func() time.Time
}

// New создаёт Reconciler.
func New(cfg Config) *Reconciler {
	r := &Reconciler{
		events:          cfg.Events,
		history:         cfg.History,
		contacts:        cfg.Contacts,
		sequence:        cfg.Sequence,
		replies:         cfg.Replies,
		publisher:       cfg.Publisher,
		conn:            cfg.Conn,
		metrics:         cfg.Metrics,
		logger:          cfg.Logger,
		now:             cfg.Now,
		pollInterval:    orDefault(cfg.PollInterval, defaultPollInterval),
		batchSize:       cfg.BatchSize,
		lease:           orDefault(cfg.Lease, defaultLease),
		replyWindow:     orDefault(cfg.ReplyWindow, defaultReplyWindow),
		softBounceAfter: orDefault(cfg.SoftBounceResumeAfter, defaultSoftBounceAfter),
		retention:       orDefault(cfg.Retention, defaultRetention),
	}
	if r.batchSize <= 0 {
		r.batchSize = defaultBatchSize
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

// Ingest сохраняет событие и будит reconciler.
// inserted=false: событие уже было получено раньше.
func (r *Reconciler) Ingest(ctx context.Context, ev *domain.InboundEvent) (bool, error) {
	inserted, err := r.events.Insert(ctx, ev)
	if err != nil {
		return false, fmt.Errorf("insert inbound event: %w", err)
	}
	if !inserted {
		r.logger.Debug("duplicate inbound event", "provider", ev.Provider, "provider_event_id", ev.ProviderEventID)
		return false, nil
	}
	if r.publisher != nil {
		// Не критично: событие подберёт polling.
		if err := r.publisher.PublishInboundEvent(ctx, ev.ID); err != nil {
			r.logger.Warn("failed to publish inbound event", "event_id", ev.ID, "error", err)
		}
	}
	return true, nil
}

// Start запускает consumer events.inbound и polling.
func (r *Reconciler) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	r.cancelFunc = cancel

	r.logger.Info("starting reconciler", "poll_interval", r.pollInterval, "batch_size", r.batchSize)

	if r.conn != nil {
		r.consumer = mq.NewConsumer(r.conn, r.logger, mq.ConsumerConfig{
			Queue:    mq.QueueEventsInbound,
			Type:     mq.MessageTypeEventInbound,
			Handler:  r.handleInboundEvent,
			Prefetch: 10,
		})
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			if err := r.consumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				r.logger.Error("event consumer error", "error", err)
			}
		}()
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.pollLoop(ctx)
	}()
	return nil
}

// Stop останавливает Reconciler.
func (r *Reconciler) Stop() {
	r.logger.Info("stopping reconciler...")
	if r.cancelFunc != nil {
		r.cancelFunc()
	}
	if r.consumer != nil {
		r.consumer.Stop()
	}
	r.wg.Wait()
	r.logger.Info("reconciler stopped")
}

func (r *Reconciler) handleInboundEvent(ctx context.Context, id uuid.UUID) error {
	if _, err := r.ProcessEvent(ctx, id); err != nil {
		if errors.Is(err, ErrEventNotFound) || errors.Is(err, ErrEventNotClaimable) {
			return nil
		}
		return err
	}
	return nil
}

func (r *Reconciler) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	r.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.poll(ctx)
		}
	}
}

func (r *Reconciler) poll(ctx context.Context) {
	if _, err := r.ProcessPending(ctx); err != nil && ctx.Err() == nil {
		r.logger.Error("poll failed", "error", err)
	}
}

// ProcessPending обрабатывает пачку необработанных событий.
func (r *Reconciler) ProcessPending(ctx context.Context) (int, error) {
	pending, err := r.events.ListPending(ctx, r.leaseBefore(), r.batchSize)
	if err != nil {
		return 0, fmt.Errorf("list pending events: %w", err)
	}

	processed := 0
	for _, ev := range pending {
		if ctx.Err() != nil {
			return processed, ctx.Err()
		}
		if _, err := r.ProcessEvent(ctx, ev.ID); err != nil {
			if !errors.Is(err, ErrEventNotClaimable) {
				r.logger.Error("failed to process event", "event_id", ev.ID, "error", err)
			}
			continue
		}
		processed++
	}
	return processed, nil
}

func (r *Reconciler) leaseBefore() time.Time {
	return r.now().UTC().Add(-r.lease)
}

// ProcessEvent захватывает событие, применяет его и помечает обработанным.
// Возвращает эффект применения (для логов и метрик).
func (r *Reconciler) ProcessEvent(ctx context.Context, id uuid.UUID) (Effect, error) {
	ev, ok, err := r.events.Claim(ctx, id, r.leaseBefore())
	if err != nil {
		return "", fmt.Errorf("claim event: %w", err)
	}
	if !ok {
		if _, err := r.events.GetByID(ctx, id); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return "", fmt.Errorf("%w: %s", ErrEventNotFound, id)
			}
			return "", fmt.Errorf("get event: %w", err)
		}
		return "", ErrEventNotClaimable
	}

	logger := r.logger.With("event_id", ev.ID, "kind", ev.Kind, "provider", ev.Provider)

	effect, applyErr := r.apply(ctx, ev)
	var note string
	if errors.Is(applyErr, ErrMalformedPayload) {
		// Повтор не поможет: строка закрывается с текстом ошибки.
		logger.Warn("malformed event payload", "error", applyErr)
		note, applyErr = applyErr.Error(), nil
	}
	if applyErr != nil {
		logger.Warn("failed to apply event, releasing", "attempt", ev.Attempts, "error", applyErr)
		if err := r.events.Release(ctx, ev.ID, applyErr.Error()); err != nil {
			logger.Error("failed to release event", "error", err)
		}
		return "", applyErr
	}

	if err := r.events.MarkProcessed(ctx, ev.ID, note); err != nil {
		return effect, fmt.Errorf("mark event processed: %w", err)
	}

	r.metrics.EventApplied(string(ev.Kind), string(effect))
	logger.Info("event applied", "effect", effect)
	return effect, nil
}

func (r *Reconciler) apply(ctx context.Context, ev *domain.InboundEvent) (Effect, error) {
	switch ev.Kind {
	case domain.InboundEventDelivery:
		var d domain.DeliveryEvent
		if err := json.Unmarshal(ev.Payload, &d); err != nil {
			return EffectMalformed, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		return r.ApplyDelivery(ctx, d)

	case domain.InboundEventReply:
		var reply domain.ReplyEvent
		if err := json.Unmarshal(ev.Payload, &reply); err != nil {
			return EffectMalformed, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		return r.ApplyReply(ctx, reply)

	default:
		return EffectIgnored, nil
	}
}
