package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
	"github.com/shaiso/Outbound/internal/domain"
)

const sendGridHost = "https://api.sendgrid.com"

// SendGridSender отправляет письма через SendGrid v3 API.
//
// API ключ берётся из Credential.Secret аккаунта, иначе общий ключ.
type SendGridSender struct {
	apiKey string
	host   string
	logger *slog.Logger
}

// NewSendGridSender создаёт отправителя. host пустой: api.sendgrid.com.
func NewSendGridSender(apiKey, host string, logger *slog.Logger) *SendGridSender {
	if host == "" {
		host = sendGridHost
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SendGridSender{apiKey: apiKey, host: host, logger: logger}
}

// Send реализует Sender.
func (s *SendGridSender) Send(ctx context.Context, from domain.Identity, msg Message) (Result, error) {
	key := s.keyFor(from)
	if key == "" {
		return Result{}, authError(ProviderSendGrid, 0, errors.New("sendgrid api key not configured"))
	}

	p := mail.NewPersonalization()
	p.AddTos(mail.NewEmail(msg.ToName, msg.To))
	for k, v := range msg.Tags {
		p.SetCustomArg(k, v)
	}

	m := mail.NewV3Mail()
	m.SetFrom(mail.NewEmail(from.DisplayName, from.Email))
	m.Subject = msg.Subject
	m.AddPersonalizations(p)
	m.AddContent(mail.NewContent("text/plain", msg.TextBody))
	if msg.InReplyTo != "" {
		m.SetHeader("In-Reply-To", angle(msg.InReplyTo))
		m.SetHeader("References", angle(msg.InReplyTo))
	}

	req := sendgrid.GetRequest(key, "/v3/mail/send", s.host)
	req.Method = http.MethodPost
	req.Body = mail.GetRequestBody(m)

	resp, err := sendgrid.MakeRequestWithContext(ctx, req)
	if err != nil {
		return Result{}, transient(ProviderSendGrid, 0, fmt.Errorf("sendgrid request: %w", err))
	}
	if err := classifySendGrid(resp.StatusCode, resp.Body); err != nil {
		return Result{}, err
	}

	var id string
	if ids := resp.Headers["X-Message-Id"]; len(ids) > 0 {
		id = ids[0]
	}
	return Result{Provider: ProviderSendGrid, MessageID: id}, nil
}

// Probe проверяет наличие API ключа.
func (s *SendGridSender) Probe(_ context.Context, from *domain.Identity) error {
	if s.keyFor(*from) == "" {
		return authError(ProviderSendGrid, 0, errors.New("sendgrid api key not configured"))
	}
	return nil
}

func (s *SendGridSender) keyFor(from domain.Identity) string {
	if from.Credential.Secret != "" {
		return from.Credential.Secret
	}
	return s.apiKey
}

func classifySendGrid(status int, body string) error {
	switch {
	case status < 300:
		return nil
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return authError(ProviderSendGrid, status, errors.New(body))
	case status == http.StatusTooManyRequests || status >= 500:
		return transient(ProviderSendGrid, status, errors.New(body))
	default:
		// 400: запрос не примут и при повторе.
		return permanent(ProviderSendGrid, status, errors.New(body))
	}
}
