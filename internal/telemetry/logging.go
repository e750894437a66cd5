package telemetry

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/google/uuid"
)

// LogConfig: настройки логгера.
type LogConfig struct {
	// Level: DEBUG, INFO, WARN, ERROR. По умолчанию INFO.
	Level string
	// Format: json (по умолчанию) или text.
	Format string
	// Output: куда писать, по умолчанию os.Stdout.
	Output io.Writer
}

// LogConfigFromEnv читает LOG_LEVEL и LOG_FORMAT.
func LogConfigFromEnv() LogConfig {
	return LogConfig{
		Level:  os.Getenv("LOG_LEVEL"),
		Format: os.Getenv("LOG_FORMAT"),
	}
}

// ParseLevel разбирает уровень логирования.
func ParseLevel(level string) slog.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SetupLogger инициализирует глобальный логгер.
//
// Формат вывода:
//   - "json" (по умолчанию) для production
//   - "text" для разработки
func SetupLogger(cfg LogConfig) *slog.Logger {
	level := ParseLevel(cfg.Level)
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(out, opts)
	} else {
		handler = slog.NewJSONHandler(out, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)

	return logger
}

type ctxKey string

const (
	// CtxLogger: ключ для логгера в контексте.
	CtxLogger ctxKey = "logger"
)

// WithLogger добавляет логгер в контекст.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, CtxLogger, logger)
}

// FromContext извлекает логгер из контекста.
// Если логгер не найден, возвращает глобальный.
func FromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(CtxLogger).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

// WithContactID возвращает логгер с contact_id.
func WithContactID(logger *slog.Logger, id uuid.UUID) *slog.Logger {
	return logger.With("contact_id", id.String())
}

// WithJobID возвращает логгер с job_id.
func WithJobID(logger *slog.Logger, id uuid.UUID) *slog.Logger {
	return logger.With("job_id", id.String())
}

// WithIdentityID возвращает логгер с identity_id.
func WithIdentityID(logger *slog.Logger, id uuid.UUID) *slog.Logger {
	return logger.With("identity_id", id.String())
}

// WithCampaignID возвращает логгер с campaign_id.
func WithCampaignID(logger *slog.Logger, id uuid.UUID) *slog.Logger {
	return logger.With("campaign_id", id.String())
}

// RedactEmail скрывает локальную часть адреса: "john.doe@acme.com" → "j***@acme.com".
func RedactEmail(email string) string {
	at := strings.LastIndex(email, "@")
	if at <= 0 {
		if email == "" {
			return ""
		}
		return "***"
	}
	return email[:1] + "***" + email[at:]
}
