// Outbound Scheduler — периодические задачи под распределённой блокировкой.
//
// Задачи:
//
//	pass         проход планировщика: создаёт задачи доставки
//	daily-reset  сброс дневных счётчиков аккаунтов
//	sweep        возврат контактов после soft bounce, восстановление
//	             зависших задач, очистка старых событий
//
// Несколько экземпляров безопасны: каждую задачу выполняет тот, кто
// взял блокировку (Redis или pg_advisory_lock).
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shaiso/Outbound/internal/app"
	"github.com/shaiso/Outbound/internal/config"
	"github.com/shaiso/Outbound/internal/scheduler"
	"github.com/shaiso/Outbound/internal/telemetry"
)

func main() {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		telemetry.SetupLogger(telemetry.LogConfigFromEnv()).Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := telemetry.SetupLogger(telemetry.LogConfig{Level: cfg.Log.Level, Format: cfg.Log.Format})
	logger.Info("starting outbound-scheduler")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(ctx, cfg, "outbound-scheduler", logger)
	if err != nil {
		logger.Error("failed to initialize", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	sched := a.Scheduler()
	w := a.Worker()
	rec := a.Reconciler()

	runner := scheduler.NewRunner(logger, time.UTC)
	tasks := []scheduler.Task{
		{
			Name: "pass",
			Spec: cfg.Scheduler.PassCron,
			Lock: a.Lock("outbound:scheduler:pass"),
			Run: func(ctx context.Context) error {
				_, err := sched.Tick(ctx)
				return err
			},
		},
		{
			Name: "daily-reset",
			Spec: cfg.Scheduler.DailyResetCron,
			Lock: a.Lock("outbound:scheduler:daily-reset"),
			Run: func(ctx context.Context) error {
				n, err := a.Identities.ResetAllDaily(ctx)
				if err == nil {
					logger.Info("daily counters reset", "identities", n)
				}
				return err
			},
		},
		{
			Name: "sweep",
			Spec: cfg.Scheduler.SweepCron,
			Lock: a.Lock("outbound:scheduler:sweep"),
			Run: func(ctx context.Context) error {
				return sweep(ctx, a, w.RecoverStale, rec.ResumeSoftBounced, rec.Prune)
			},
		},
	}
	for _, t := range tasks {
		if err := runner.Add(t); err != nil {
			logger.Error("failed to register task", "task", t.Name, "error", err)
			os.Exit(1)
		}
	}

	runner.Start(ctx)

	// HTTP: /healthz + /metrics
	a.Serve(ctx, cfg.Scheduler.Port, nil, cancel)

	<-ctx.Done()

	runner.Stop()
	logger.Info("outbound-scheduler stopped")
}

// sweep выполняет шаги обслуживания; ошибка одного шага не отменяет остальные.
func sweep(
	ctx context.Context,
	a *app.App,
	recoverStale func(context.Context) (int64, int64, error),
	resumeSoftBounced func(context.Context) (int, error),
	prune func(context.Context) (int64, error),
) error {
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	requeued, failed, err := recoverStale(ctx)
	keep(err)
	resumed, err := resumeSoftBounced(ctx)
	keep(err)
	pruned, err := prune(ctx)
	keep(err)

	a.Logger.Info("sweep finished",
		"jobs_requeued", requeued,
		"jobs_failed", failed,
		"contacts_resumed", resumed,
		"events_pruned", pruned,
	)
	return firstErr
}
