// Package app собирает компоненты Outbound из конфигурации.
//
// Каждый процесс (api, scheduler, worker, reconciler) создаёт App,
// берёт нужные ему части и закрывает App при остановке. RabbitMQ и
// Redis опциональны: без RabbitMQ процессы работают на polling, без
// Redis блокировка планировщика идёт через pg_advisory_lock.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/oauth2"

	"github.com/shaiso/Outbound/internal/config"
	"github.com/shaiso/Outbound/internal/content"
	"github.com/shaiso/Outbound/internal/control"
	"github.com/shaiso/Outbound/internal/conversation"
	"github.com/shaiso/Outbound/internal/identity"
	"github.com/shaiso/Outbound/internal/lock"
	"github.com/shaiso/Outbound/internal/mq"
	"github.com/shaiso/Outbound/internal/reconcile"
	"github.com/shaiso/Outbound/internal/repo"
	"github.com/shaiso/Outbound/internal/scheduler"
	"github.com/shaiso/Outbound/internal/sequence"
	"github.com/shaiso/Outbound/internal/telemetry"
	"github.com/shaiso/Outbound/internal/transport"
	"github.com/shaiso/Outbound/internal/worker"
)

// App: общие зависимости процесса.
type App struct {
	Config  *config.Config
	Logger  *slog.Logger
	Metrics *telemetry.Metrics

	DB    *pgxpool.Pool
	Repos *repo.Repos

	// MQ и Publisher nil, если RabbitMQ недоступен.
	MQ        *mq.Connection
	Publisher *mq.Publisher

	// Redis nil, если URL не задан.
	Redis *redis.Client

	Transport     *transport.Registry
	Identities    *identity.Pool
	Sequence      *sequence.Machine
	Content       *content.Resilient
	Conversations *conversation.Service
}

// New подключается к БД (обязательно), RabbitMQ и Redis (опционально)
// и собирает доменные сервисы.
func New(ctx context.Context, cfg *config.Config, name string, logger *slog.Logger) (*App, error) {
	a := &App{
		Config:  cfg,
		Logger:  logger,
		Metrics: telemetry.NewMetrics(prometheus.DefaultRegisterer),
	}

	pool, err := repo.NewPool(ctx, repo.PoolConfig{URL: cfg.Database.URL, MaxConns: cfg.Database.MaxConns})
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	a.DB = pool
	a.Repos = repo.NewRepos(pool)
	logger.Info("database connected")

	a.connectMQ(ctx, name)

	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		a.Redis = redis.NewClient(opts)
		if err := a.Redis.Ping(ctx).Err(); err != nil {
			logger.Warn("redis not available, falling back to advisory lock", "error", err)
			a.Redis.Close()
			a.Redis = nil
		} else {
			logger.Info("redis connected")
		}
	}

	a.Transport, err = buildTransport(ctx, cfg.Transport, logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Sequence = sequence.New(sequence.Config{
		Contacts: a.Repos.Contacts,
		Jobs:     a.Repos.Jobs,
		Metrics:  a.Metrics,
		Logger:   logger,
	})

	a.Identities = identity.NewPool(identity.Config{
		Store:       a.Repos.Identities,
		Prober:      a.Transport,
		Credentials: identity.NewOAuthCredentials(oauthConfigs(cfg.OAuth)),
		Metrics:     a.Metrics,
		Logger:      logger,
	})

	var generator content.Generator
	var classifier content.Classifier
	if cfg.Content.OpenAIKey != "" {
		llm := content.NewOpenAI(content.OpenAIConfig{
			APIKey:      cfg.Content.OpenAIKey,
			BaseURL:     cfg.Content.BaseURL,
			Model:       cfg.Content.Model,
			Temperature: cfg.Content.Temperature,
			MaxTokens:   cfg.Content.MaxTokens,
		}, logger)
		generator, classifier = llm, llm
	} else {
		logger.Info("openai key not set, using template content only")
	}
	a.Content = content.NewResilient(generator, content.NewFallback(), a.Metrics, logger)

	a.Conversations = conversation.NewService(conversation.Config{
		Store:      a.Repos.Conversations,
		Sequence:   a.Sequence,
		Classifier: classifier,
		Logger:     logger,
	})

	return a, nil
}

func (a *App) connectMQ(ctx context.Context, name string) {
	url := a.Config.RabbitMQ.URL
	if url == "" {
		a.Logger.Info("rabbitmq url not set, running in polling-only mode")
		return
	}

	conn, err := mq.NewConnection(url, name, a.Logger)
	if err != nil {
		a.Logger.Warn("RabbitMQ not available, running in polling-only mode", "error", err)
		return
	}
	a.Logger.Info("RabbitMQ connected")

	if err := mq.SetupTopology(ctx, conn); err != nil {
		a.Logger.Warn("failed to setup topology", "error", err)
	}
	a.MQ = conn
	a.Publisher = mq.NewPublisher(conn, a.Logger)
}

func buildTransport(ctx context.Context, cfg config.TransportConfig, logger *slog.Logger) (*transport.Registry, error) {
	reg := transport.NewRegistry()

	if cfg.SMTP.Enabled {
		reg.Register(transport.ProviderSMTP, transport.NewSMTPSender(transport.SMTPConfig{
			Timeout:       cfg.SMTP.Timeout,
			AllowInsecure: cfg.SMTP.AllowInsecure,
		}, logger))
	}
	if cfg.SES.Enabled {
		ses, err := transport.NewSESSender(ctx, transport.SESConfig{
			Region:           cfg.SES.Region,
			AccessKeyID:      cfg.SES.AccessKeyID,
			SecretAccessKey:  cfg.SES.SecretAccessKey,
			ConfigurationSet: cfg.SES.ConfigurationSet,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("init ses: %w", err)
		}
		reg.Register(transport.ProviderSES, ses)
	}
	if cfg.SendGrid.Enabled {
		reg.Register(transport.ProviderSendGrid, transport.NewSendGridSender(cfg.SendGrid.APIKey, cfg.SendGrid.Host, logger))
	}

	if len(reg.Providers()) == 0 {
		return nil, errors.New("no transport enabled")
	}
	logger.Info("transport ready", "providers", reg.Providers())
	return reg, nil
}

func oauthConfigs(clients map[string]config.OAuthClient) map[string]*oauth2.Config {
	out := make(map[string]*oauth2.Config, len(clients))
	for provider, c := range clients {
		out[provider] = &oauth2.Config{
			ClientID:     c.ClientID,
			ClientSecret: c.ClientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: c.TokenURL},
			Scopes:       c.Scopes,
		}
	}
	return out
}

// Scheduler создаёт планировщик отправок.
func (a *App) Scheduler() *scheduler.Scheduler {
	sc := a.Config.Scheduler
	cfg := scheduler.Config{
		Campaigns:       a.Repos.Campaigns,
		Contacts:        a.Repos.Contacts,
		Jobs:            a.Repos.Jobs,
		History:         a.Repos.History,
		Capacity:        a.Identities,
		Sequence:        a.Sequence,
		Metrics:         a.Metrics,
		Logger:          a.Logger,
		BatchSize:       sc.BatchSize,
		MaxAttempts:     sc.MaxAttempts,
		BreakerWindow:   sc.BreakerWindow,
		BreakerMinSends: sc.BreakerMinSends,
	}
	if a.Publisher != nil {
		cfg.Publisher = a.Publisher
	}
	return scheduler.New(cfg)
}

// Worker создаёт воркер доставки. Для Drain из API Start не вызывается.
func (a *App) Worker() *worker.Worker {
	wc := a.Config.Worker
	cfg := worker.Config{
		Jobs:         a.Repos.Jobs,
		Contacts:     a.Repos.Contacts,
		Campaigns:    a.Repos.Campaigns,
		History:      a.Repos.History,
		Pool:         a.Identities,
		Sequence:     a.Sequence,
		Content:      a.Content,
		Sender:       a.Transport,
		Conn:         a.MQ,
		SendRate:     wc.SendRate,
		SendBurst:    wc.SendBurst,
		PollInterval: wc.PollInterval,
		BatchSize:    wc.BatchSize,
		Concurrency:  wc.Concurrency,
		JobTimeout:   wc.JobTimeout,
		BackoffBase:  wc.BackoffBase,
		BackoffMax:   wc.BackoffMax,
		Metrics:      a.Metrics,
		Logger:       a.Logger,
	}
	if a.Publisher != nil {
		cfg.Publisher = a.Publisher
	}
	return worker.New(cfg)
}

// Reconciler создаёт обработчик входящих событий.
func (a *App) Reconciler() *reconcile.Reconciler {
	rc := a.Config.Reconciler
	cfg := reconcile.Config{
		Events:                a.Repos.Events,
		History:               a.Repos.History,
		Contacts:              a.Repos.Contacts,
		Sequence:              a.Sequence,
		Replies:               a.Conversations,
		Conn:                  a.MQ,
		PollInterval:          rc.PollInterval,
		ReplyWindow:           rc.ReplyWindow,
		SoftBounceResumeAfter: rc.SoftBounceResumeAfter,
		Retention:             rc.Retention,
		Metrics:               a.Metrics,
		Logger:                a.Logger,
	}
	if a.Publisher != nil {
		cfg.Publisher = a.Publisher
	}
	return reconcile.New(cfg)
}

// Control создаёт фасад операций. sched, queue и events могут быть nil.
func (a *App) Control(sched *scheduler.Scheduler, queue *worker.Worker, events *reconcile.Reconciler) *control.Service {
	cfg := control.Config{
		Campaigns:     a.Repos.Campaigns,
		Contacts:      a.Repos.Contacts,
		Jobs:          a.Repos.Jobs,
		History:       a.Repos.History,
		Conversations: a.Repos.Conversations,
		Sequence:      a.Sequence,
		Identities:    a.Identities,
		Logger:        a.Logger,
	}
	if sched != nil {
		cfg.Scheduler = sched
	}
	if queue != nil {
		cfg.Queue = queue
	}
	if events != nil {
		cfg.Events = events
	}
	return control.New(cfg)
}

// Lock создаёт распределённую блокировку: Redis, если подключён, иначе PostgreSQL.
func (a *App) Lock(key string) lock.Locker {
	return lock.New(a.Redis, a.DB, key, a.Config.Scheduler.LockTTL)
}

// Serve запускает HTTP сервер с /healthz и /metrics. register, если
// задан, добавляет остальные маршруты. Сервер останавливается при
// отмене ctx; ошибка запуска вызывает onError.
func (a *App) Serve(ctx context.Context, port int, register func(*http.ServeMux), onError func()) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())
	if register != nil {
		register(mux)
	}

	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		a.Logger.Info("listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Logger.Error("http server error", "error", err)
			if onError != nil {
				onError()
			}
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	return srv
}

// Close освобождает соединения.
func (a *App) Close() {
	if a.MQ != nil {
		a.MQ.Close()
	}
	if a.Redis != nil {
		a.Redis.Close()
	}
	if a.DB != nil {
		a.DB.Close()
	}
}
