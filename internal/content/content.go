// Package content получает текст письма и классифицирует ответы.
//
// Генерация внешняя (OpenAI). Отказ генератора или низкое качество
// не блокируют отправку: письмо рендерится из liquid-шаблона кампании.
package content

import (
	"context"

	"github.com/shaiso/Outbound/internal/domain"
)

// Request: контекст для генерации одного письма.
type Request struct {
	Contact  domain.Contact
	Campaign domain.Campaign
	Step     int

	// ThreadSubject: тема предыдущего письма для follow-up.
	ThreadSubject string
}

// Content: готовое письмо.
type Content struct {
	Subject string
	Body    string

	// QualityScore в диапазоне [0, 1].
	QualityScore float64

	// Fallback: письмо собрано из шаблона.
	Fallback       bool
	FallbackReason string
}

// Generator генерирует письмо.
type Generator interface {
	Generate(ctx context.Context, req Request) (Content, error)
}

// Classifier определяет намерение во входящем ответе.
type Classifier interface {
	Classify(ctx context.Context, subject, body string) (domain.Intent, error)
}
