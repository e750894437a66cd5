// Package transport отправляет письма через провайдеров: SES, SMTP, SendGrid.
//
// Каждый Sender возвращает *Error с классификацией: Permanent означает,
// что получатель отвергнут окончательно (hard bounce при отправке).
// Остальные ошибки временные или относятся к аккаунту отправителя.
package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/shaiso/Outbound/internal/domain"
)

// Провайдеры.
const (
	ProviderSES      = "ses"
	ProviderSMTP     = "smtp"
	ProviderSendGrid = "sendgrid"
)

// Message: письмо одному получателю.
type Message struct {
	To     string
	ToName string

	Subject  string
	TextBody string

	// InReplyTo: provider message id письма, на которое отвечаем.
	InReplyTo  string
	References []string

	// Tags передаются провайдеру для корреляции событий.
	Tags map[string]string
}

// Result: итог успешной отправки.
type Result struct {
	Provider  string
	MessageID string
}

// Sender отправляет письмо от имени аккаунта.
type Sender interface {
	Send(ctx context.Context, from domain.Identity, msg Message) (Result, error)
}

// Prober проверяет, что аккаунт может отправлять.
type Prober interface {
	Probe(ctx context.Context, from *domain.Identity) error
}

// Error: ошибка отправки с классификацией.
type Error struct {
	Provider string

	// Code: SMTP или HTTP код ответа, 0 если неизвестен.
	Code int

	// Permanent: получатель отвергнут окончательно.
	Permanent bool

	// Auth: проблема с учётными данными аккаунта.
	Auth bool

	Err error
}

func (e *Error) Error() string {
	kind := "transient"
	switch {
	case e.Permanent:
		kind = "permanent"
	case e.Auth:
		kind = "auth"
	}
	if e.Code != 0 {
		return fmt.Sprintf("%s %s error (%d): %v", e.Provider, kind, e.Code, e.Err)
	}
	return fmt.Sprintf("%s %s error: %v", e.Provider, kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsPermanent проверяет, что получатель отвергнут окончательно.
// Неклассифицированные ошибки считаются временными.
func IsPermanent(err error) bool {
	var te *Error
	if errors.As(err, &te) {
		return te.Permanent
	}
	return false
}

// IsAuth проверяет, что ошибка вызвана учётными данными аккаунта.
func IsAuth(err error) bool {
	var te *Error
	if errors.As(err, &te) {
		return te.Auth
	}
	return false
}

func permanent(provider string, code int, err error) *Error {
	return &Error{Provider: provider, Code: code, Permanent: true, Err: err}
}

func transient(provider string, code int, err error) *Error {
	return &Error{Provider: provider, Code: code, Err: err}
}

func authError(provider string, code int, err error) *Error {
	return &Error{Provider: provider, Code: code, Auth: true, Err: err}
}
