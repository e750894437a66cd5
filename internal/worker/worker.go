package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Outbound/internal/content"
	"github.com/shaiso/Outbound/internal/domain"
	"github.com/shaiso/Outbound/internal/mq"
	"github.com/shaiso/Outbound/internal/telemetry"
	"github.com/shaiso/Outbound/internal/transport"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Default configuration values.
const (
	defaultPollInterval = 10 * time.Second
	defaultBatchSize    = 50
	defaultPrefetch     = 5
	defaultConcurrency  = 4
	defaultJobTimeout   = 2 * time.Minute
	defaultBackoffBase  = time.Minute
	defaultBackoffMax   = time.Hour
)

// JobStore: операции над задачами доставки.
type JobStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*domain.DeliveryJob, error)
	ListReady(ctx context.Context, now time.Time, limit int) ([]domain.DeliveryJob, error)
	Claim(ctx context.Context, id uuid.UUID, now time.Time) (*domain.DeliveryJob, bool, error)
	IsSending(ctx context.Context, id uuid.UUID) (bool, error)
	MarkSent(ctx context.Context, id, identityID uuid.UUID, providerMessageID string, sentAt time.Time) (bool, error)
	MarkRetry(ctx context.Context, id uuid.UUID, runAfter time.Time, errMsg string) (bool, error)
	MarkFailed(ctx context.Context, id uuid.UUID, errMsg string) (bool, error)
	Cancel(ctx context.Context, id uuid.UUID, reason string) (bool, error)
	RecoverStale(ctx context.Context, staleBefore time.Time) (requeued, failed int64, err error)
}

// ContactStore: чтение контакта и запись факта отправки.
type ContactStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Contact, error)
	RecordSent(ctx context.Context, id uuid.UUID, step int, sentAt time.Time, next *time.Time) (bool, error)
	ScheduleNext(ctx context.Context, id uuid.UUID, next time.Time) (bool, error)
}

// CampaignStore: чтение кампании.
type CampaignStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Campaign, error)
}

// HistoryStore: история отправок.
type HistoryStore interface {
	Append(ctx context.Context, rec *domain.SendRecord) error
}

// IdentityPool: выбор аккаунта и учёт исходов.
type IdentityPool interface {
	SelectBest(ctx context.Context, tenantID uuid.UUID, preferredID *uuid.UUID) (*domain.Identity, error)
	RecordSuccess(ctx context.Context, id uuid.UUID) (*domain.Identity, error)
	RecordFailure(ctx context.Context, id uuid.UUID, sendErr error) (*domain.Identity, error)
}

// Sequence: переходы контакта, которые делает воркер.
type Sequence interface {
	MarkBounced(ctx context.Context, contactID uuid.UUID, reason string) (bool, error)
	Complete(ctx context.Context, contactID uuid.UUID) (bool, error)
}

// Publisher: отложенная публикация job.ready для retry.
type Publisher interface {
	PublishJobDelayed(ctx context.Context, jobID uuid.UUID, delay time.Duration) error
}

// Worker выполняет задачи доставки.
//
// Worker stateless: задачи приходят из jobs.ready (event-driven) и
// подбираются polling'ом из БД. Захват задачи условный, поэтому
// несколько воркеров могут работать с одной очередью.
type Worker struct {
	jobs      JobStore
	contacts  ContactStore
	campaigns CampaignStore
	history   HistoryStore
	pool      IdentityPool
	sequence  Sequence
	content   content.Generator
	sender    transport.Sender
	publisher Publisher
	conn      *mq.Connection
	limiter   *rate.Limiter
	metrics   *telemetry.Metrics

	pollInterval time.Duration
	batchSize    int
	concurrency  int
	jobTimeout   time.Duration
	backoffBase  time.Duration
	backoffMax   time.Duration

	logger *slog.Logger
	now    func() time.Time

	consumer   *mq.Consumer
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	stopped    bool
	stoppedMu  sync.RWMutex
}

// Config — конфигурация Worker.
type Config struct {
	Jobs      JobStore
	Contacts  ContactStore
	Campaigns CampaignStore
	History   HistoryStore
	Pool      IdentityPool
	Sequence  Sequence
	Content   content.Generator
	Sender    transport.Sender

	// Publisher и Conn опциональны: без них работает только polling.
	Publisher Publisher
	Conn      *mq.Connection

	// SendRate: отправок в секунду на процесс (0 — без ограничения).
	SendRate  float64
	SendBurst int

	PollInterval time.Duration // default: 10s
	BatchSize    int           // default: 50
	Concurrency  int           // default: 4
	JobTimeout   time.Duration // default: 2m
	BackoffBase  time.Duration // default: 1m
	BackoffMax   time.Duration // default: 1h

	Metrics *telemetry.Metrics
	Logger  *slog.Logger
	Now     func() time.Time
}

// New создаёт Worker.
func New(cfg Config) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = defaultJobTimeout
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = defaultBackoffBase
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = defaultBackoffMax
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.SendRate > 0 {
		burst := cfg.SendBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.SendRate), burst)
	}

	return &Worker{
		jobs:         cfg.Jobs,
		contacts:     cfg.Contacts,
		campaigns:    cfg.Campaigns,
		history:      cfg.History,
		pool:         cfg.Pool,
		sequence:     cfg.Sequence,
		content:      cfg.Content,
		sender:       cfg.Sender,
		publisher:    cfg.Publisher,
		conn:         cfg.Conn,
		limiter:      limiter,
		metrics:      cfg.Metrics,
		pollInterval: cfg.PollInterval,
		batchSize:    cfg.BatchSize,
		concurrency:  cfg.Concurrency,
		jobTimeout:   cfg.JobTimeout,
		backoffBase:  cfg.BackoffBase,
		backoffMax:   cfg.BackoffMax,
		logger:       cfg.Logger,
		now:          cfg.Now,
	}
}

// Start запускает consumer jobs.ready (если есть соединение) и polling.
func (w *Worker) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	w.cancelFunc = cancel

	w.logger.Info("starting worker",
		"poll_interval", w.pollInterval,
		"batch_size", w.batchSize,
		"concurrency", w.concurrency,
		"job_timeout", w.jobTimeout,
	)

	if w.conn != nil {
		w.consumer = mq.NewConsumer(w.conn, w.logger, mq.ConsumerConfig{
			Queue:    mq.QueueJobsReady,
			Type:     mq.MessageTypeJobReady,
			Handler:  w.handleJobReady,
			Prefetch: defaultPrefetch,
		})

		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			if err := w.consumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				w.logger.Error("job consumer error", "error", err)
			}
		}()
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.pollLoop(ctx)
	}()

	w.logger.Info("worker started")
	return nil
}

// Stop останавливает Worker и ждёт текущие задачи.
func (w *Worker) Stop() {
	w.stoppedMu.Lock()
	w.stopped = true
	w.stoppedMu.Unlock()

	w.logger.Info("stopping worker...")

	if w.cancelFunc != nil {
		w.cancelFunc()
	}
	if w.consumer != nil {
		w.consumer.Stop()
	}
	w.wg.Wait()

	w.logger.Info("worker stopped")
}

// IsStopped проверяет, остановлен ли Worker.
func (w *Worker) IsStopped() bool {
	w.stoppedMu.RLock()
	defer w.stoppedMu.RUnlock()
	return w.stopped
}

func (w *Worker) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	// Сразу при старте: подхватываем задачи, созданные пока воркер был выключен.
	w.poll(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.poll(ctx)
		}
	}
}

func (w *Worker) poll(ctx context.Context) {
	if _, err := w.drainBatch(ctx); err != nil && ctx.Err() == nil {
		w.logger.Error("poll failed", "error", err)
	}
}

// DrainResult: итог ручного прогона очереди.
type DrainResult struct {
	Processed int                 `json:"processed"`
	Outcomes  map[OutcomeKind]int `json:"outcomes"`
}

// Drain обрабатывает все задачи, готовые на момент вызова, один раз.
// Задачи, вернувшиеся в очередь с backoff, в этот прогон не попадают.
func (w *Worker) Drain(ctx context.Context) (DrainResult, error) {
	total := DrainResult{Outcomes: make(map[OutcomeKind]int)}
	seen := make(map[uuid.UUID]bool)

	for {
		ready, err := w.jobs.ListReady(ctx, w.now().UTC(), w.batchSize)
		if err != nil {
			return total, err
		}

		var batch []uuid.UUID
		for _, j := range ready {
			if !seen[j.ID] {
				seen[j.ID] = true
				batch = append(batch, j.ID)
			}
		}
		if len(batch) == 0 {
			return total, nil
		}

		res, err := w.processBatch(ctx, batch)
		total.Processed += res.Processed
		for k, v := range res.Outcomes {
			total.Outcomes[k] += v
		}
		if err != nil {
			return total, err
		}
	}
}

func (w *Worker) drainBatch(ctx context.Context) (DrainResult, error) {
	ready, err := w.jobs.ListReady(ctx, w.now().UTC(), w.batchSize)
	if err != nil {
		return DrainResult{}, err
	}
	if len(ready) == 0 {
		return DrainResult{}, nil
	}
	w.logger.Debug("poll found ready jobs", "count", len(ready))

	ids := make([]uuid.UUID, len(ready))
	for i := range ready {
		ids[i] = ready[i].ID
	}
	return w.processBatch(ctx, ids)
}

// processBatch обрабатывает задачи с ограниченным параллелизмом.
// Ошибка отдельной задачи логируется и не прерывает пачку.
func (w *Worker) processBatch(ctx context.Context, ids []uuid.UUID) (DrainResult, error) {
	var mu sync.Mutex
	res := DrainResult{Outcomes: make(map[OutcomeKind]int)}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.concurrency)

	for _, id := range ids {
		id := id
		g.Go(func() error {
			out, err := w.ProcessJob(gctx, id)
			if err != nil {
				if !errors.Is(err, ErrJobNotClaimable) && !errors.Is(err, ErrJobNotFound) {
					w.logger.Error("failed to process job", "job_id", id, "error", err)
				}
				return nil
			}
			mu.Lock()
			res.Processed++
			res.Outcomes[out.Kind]++
			mu.Unlock()
			return nil
		})
	}
	err := g.Wait()
	if err == nil {
		err = ctx.Err()
	}
	return res, err
}

// RecoverStale возвращает в очередь задачи, зависшие в sending дольше
// таймаута задачи (воркер упал посреди отправки).
func (w *Worker) RecoverStale(ctx context.Context) (requeued, failed int64, err error) {
	staleBefore := w.now().UTC().Add(-2 * w.jobTimeout)
	requeued, failed, err = w.jobs.RecoverStale(ctx, staleBefore)
	if err != nil {
		return 0, 0, err
	}
	if requeued > 0 || failed > 0 {
		w.logger.Warn("recovered stale jobs", "requeued", requeued, "failed", failed)
	}
	return requeued, failed, nil
}
