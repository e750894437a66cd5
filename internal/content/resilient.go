package content

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shaiso/Outbound/internal/domain"
	"github.com/shaiso/Outbound/internal/telemetry"
)

// Причины перехода на шаблон.
const (
	ReasonGeneratorError = "generator_error"
	ReasonLowQuality     = "low_quality"
	ReasonNoGenerator    = "no_generator"
)

// Resilient: генератор с откатом на шаблон и порогом качества.
//
// Ошибка возвращается только если не удалось отрендерить и шаблон.
// Шаблонное письмо порог качества не проходит, оно отправляется как есть.
type Resilient struct {
	generator Generator
	fallback  *Fallback
	metrics   *telemetry.Metrics
	logger    *slog.Logger
}

// NewResilient создаёт обёртку. generator может быть nil.
func NewResilient(generator Generator, fallback *Fallback, metrics *telemetry.Metrics, logger *slog.Logger) *Resilient {
	if fallback == nil {
		fallback = NewFallback()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resilient{generator: generator, fallback: fallback, metrics: metrics, logger: logger}
}

// Generate реализует Generator.
func (r *Resilient) Generate(ctx context.Context, req Request) (Content, error) {
	logger := telemetry.WithContactID(r.logger, req.Contact.ID)

	if r.generator == nil {
		return r.useFallback(req, ReasonNoGenerator)
	}

	c, err := r.generator.Generate(ctx, req)
	if err != nil {
		// Отмена контекста задачи не маскируем: воркер решит сам.
		if ctx.Err() != nil {
			return Content{}, ctx.Err()
		}
		logger.Warn("content generation failed, using fallback", "error", err)
		return r.useFallback(req, ReasonGeneratorError)
	}

	minQuality := req.Campaign.Sequence.Safety.MinQualityScore
	if c.QualityScore < minQuality {
		logger.Info("generated content below quality threshold, using fallback",
			"quality_score", c.QualityScore,
			"min_quality_score", minQuality,
		)
		return r.useFallback(req, ReasonLowQuality)
	}
	return c, nil
}

func (r *Resilient) useFallback(req Request, reason string) (Content, error) {
	c, err := r.fallback.Render(req)
	if err != nil {
		return Content{}, fmt.Errorf("fallback after %s: %w", reason, err)
	}
	c.FallbackReason = reason
	r.metrics.ContentFallback(reason)
	return c, nil
}

// SafeClassifier: классификатор, который при ошибке возвращает other.
type SafeClassifier struct {
	inner  Classifier
	logger *slog.Logger
}

// NewSafeClassifier оборачивает классификатор. inner может быть nil.
func NewSafeClassifier(inner Classifier, logger *slog.Logger) *SafeClassifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &SafeClassifier{inner: inner, logger: logger}
}

// Classify никогда не возвращает ошибку.
func (s *SafeClassifier) Classify(ctx context.Context, subject, body string) (domain.Intent, error) {
	if intent, ok := Heuristic(subject, body); ok {
		return intent, nil
	}
	if s.inner == nil {
		return domain.IntentOther, nil
	}
	intent, err := s.inner.Classify(ctx, subject, body)
	if err != nil {
		s.logger.Warn("reply classification failed, treating as other", "error", err)
		return domain.IntentOther, nil
	}
	return intent, nil
}
