// Outbound Reconciler — применяет события доставки и ответы.
//
// Reconciler:
//   - Получает ID событий из RabbitMQ (events.inbound) и polling'ом из БД
//   - Обновляет статус доставки, переводит контакты (bounce, unsubscribe)
//   - Передаёт ответы в политику диалогов
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/shaiso/Outbound/internal/app"
	"github.com/shaiso/Outbound/internal/config"
	"github.com/shaiso/Outbound/internal/telemetry"
)

func main() {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		telemetry.SetupLogger(telemetry.LogConfigFromEnv()).Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := telemetry.SetupLogger(telemetry.LogConfig{Level: cfg.Log.Level, Format: cfg.Log.Format})
	logger.Info("starting outbound-reconciler")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(ctx, cfg, "outbound-reconciler", logger)
	if err != nil {
		logger.Error("failed to initialize", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	r := a.Reconciler()
	if err := r.Start(ctx); err != nil {
		logger.Error("failed to start reconciler", "error", err)
		os.Exit(1)
	}

	a.Serve(ctx, cfg.Reconciler.Port, nil, cancel)

	<-ctx.Done()

	r.Stop()
	logger.Info("outbound-reconciler stopped")
}
