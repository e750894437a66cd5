// Outbound Worker — выполняет задачи доставки.
//
// Worker:
//   - Получает задачи из RabbitMQ (jobs.ready) и polling'ом из БД
//   - Выбирает аккаунт, генерирует письмо, отправляет через транспорт
//   - Повторяет временные ошибки с exponential backoff
//   - Продвигает контакт по последовательности
//
// Workers масштабируются горизонтально.
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
	logger.Info("starting outbound-worker")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(ctx, cfg, "outbound-worker", logger)
	if err != nil {
		logger.Error("failed to initialize", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	w := a.Worker()
	if err := w.Start(ctx); err != nil {
		logger.Error("failed to start worker", "error", err)
		os.Exit(1)
	}

	// HTTP: /healthz + /metrics
	a.Serve(ctx, cfg.Worker.Port, nil, cancel)

	<-ctx.Done()

	w.Stop()
	logger.Info("outbound-worker stopped")
}
