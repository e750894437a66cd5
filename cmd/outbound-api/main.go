// Outbound API — HTTP интерфейс управления и приём webhook'ов провайдера.
//
// API:
//   - Запускает, ставит на паузу и возобновляет кампании
//   - Управляет отправляющими аккаунтами и контактами
//   - Выполняет проход планировщика и прогон очереди по запросу
//   - Принимает события доставки и входящие ответы (webhooks)
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/shaiso/Outbound/internal/api"
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

	// Инициализируем structured logging
	logger := telemetry.SetupLogger(telemetry.LogConfig{Level: cfg.Log.Level, Format: cfg.Log.Format})
	logger.Info("starting outbound-api")

	// graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(ctx, cfg, "outbound-api", logger)
	if err != nil {
		logger.Error("failed to initialize", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	if cfg.API.WebhookSigningKey == "" {
		logger.Warn("webhook signing key not set, all webhooks will be rejected")
	}

	// Планировщик и воркер без Start: только для ручных операций.
	svc := a.Control(a.Scheduler(), a.Worker(), a.Reconciler())

	handler := api.NewHandler(api.Config{
		Control:           svc,
		WebhookSigningKey: cfg.API.WebhookSigningKey,
		Metrics:           a.Metrics,
		Logger:            logger,
	})

	a.Serve(ctx, cfg.API.Port, handler.RegisterRoutes, cancel)

	// Ожидаем сигнал завершения
	<-ctx.Done()
	logger.Info("outbound-api stopped")
}
