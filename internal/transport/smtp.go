package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/shaiso/Outbound/internal/domain"
)

// SMTPConfig: настройки SMTP отправителя.
type SMTPConfig struct {
	// Timeout на одну команду, если у контекста нет дедлайна.
	Timeout time.Duration

	// AllowInsecure разрешает открытое соединение на портах кроме 465/587.
	AllowInsecure bool

	// TLSConfig для STARTTLS и SMTPS (по умолчанию ServerName = host).
	TLSConfig *tls.Config
}

// SMTPSender отправляет письма через SMTP сервер аккаунта.
//
// Аутентификация: PLAIN паролем или OAUTHBEARER access токеном.
// Если в учётных данных есть DKIM ключ, письмо подписывается.
type SMTPSender struct {
	cfg    SMTPConfig
	logger *slog.Logger
	now    func() time.Time
}

// NewSMTPSender создаёт отправителя.
func NewSMTPSender(cfg SMTPConfig, logger *slog.Logger) *SMTPSender {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SMTPSender{cfg: cfg, logger: logger, now: time.Now}
}

// Send реализует Sender.
func (s *SMTPSender) Send(ctx context.Context, from domain.Identity, msg Message) (Result, error) {
	messageID := NewMessageID(from.Email)
	data := BuildMIME(from, msg, messageID, s.now())

	if cred := from.Credential; cred.DKIMPrivateKey != "" {
		signer, err := NewDKIMSigner(emailDomain(from.Email), cred.DKIMSelector, cred.DKIMPrivateKey)
		if err != nil {
			s.logger.Warn("dkim key invalid, sending unsigned", "identity_id", from.ID, "error", err)
		} else if signed, err := signer.Sign(data); err != nil {
			s.logger.Warn("dkim signing failed, sending unsigned", "domain", signer.Domain(), "error", err)
		} else {
			data = signed
		}
	}

	c, err := s.dial(ctx, from.Credential)
	if err != nil {
		return Result{}, err
	}
	defer c.Close()

	if err := s.auth(c, from); err != nil {
		return Result{}, err
	}

	if err := c.Mail(from.Email, nil); err != nil {
		return Result{}, classifySMTP("MAIL FROM", err)
	}
	if err := c.Rcpt(msg.To, nil); err != nil {
		return Result{}, classifyRcpt(err)
	}

	w, err := c.Data()
	if err != nil {
		return Result{}, classifySMTP("DATA", err)
	}
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		_ = w.Close()
		return Result{}, transient(ProviderSMTP, 0, fmt.Errorf("write message data: %w", err))
	}
	if err := w.Close(); err != nil {
		return Result{}, classifySMTP("DATA close", err)
	}
	_ = c.Quit()

	return Result{Provider: ProviderSMTP, MessageID: messageID}, nil
}

// Probe выполняет подключение, аутентификацию и NOOP.
func (s *SMTPSender) Probe(ctx context.Context, from *domain.Identity) error {
	c, err := s.dial(ctx, from.Credential)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := s.auth(c, *from); err != nil {
		return err
	}
	if err := c.Noop(); err != nil {
		return classifySMTP("NOOP", err)
	}
	_ = c.Quit()
	return nil
}

func (s *SMTPSender) dial(ctx context.Context, cred domain.Credential) (*smtp.Client, error) {
	if cred.Host == "" {
		return nil, authError(ProviderSMTP, 0, errors.New("smtp host not configured"))
	}
	port := cred.Port
	if port == 0 {
		port = 587
	}
	addr := net.JoinHostPort(cred.Host, strconv.Itoa(port))

	tlsCfg := s.cfg.TLSConfig
	if tlsCfg == nil {
		tlsCfg = &tls.Config{ServerName: cred.Host, MinVersion: tls.VersionTLS12}
	}

	var (
		c   *smtp.Client
		err error
	)
	switch {
	case port == 465:
		c, err = smtp.DialTLS(addr, tlsCfg)
	case port == 587 || !s.cfg.AllowInsecure:
		c, err = smtp.DialStartTLS(addr, tlsCfg)
	default:
		c, err = smtp.Dial(addr)
	}
	if err != nil {
		return nil, transient(ProviderSMTP, 0, fmt.Errorf("connect %s: %w", addr, err))
	}

	timeout := s.cfg.Timeout
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left > 0 && left < timeout {
			timeout = left
		}
	}
	c.CommandTimeout = timeout
	c.SubmissionTimeout = timeout
	return c, nil
}

func (s *SMTPSender) auth(c *smtp.Client, from domain.Identity) error {
	cred := from.Credential
	username := cred.Username
	if username == "" {
		username = from.Email
	}

	var client sasl.Client
	switch {
	case cred.AccessToken != "":
		client = sasl.NewOAuthBearerClient(&sasl.OAuthBearerOptions{
			Username: username,
			Token:    cred.AccessToken,
			Host:     cred.Host,
			Port:     cred.Port,
		})
	case cred.Secret != "":
		client = sasl.NewPlainClient("", username, cred.Secret)
	default:
		return nil
	}

	if err := c.Auth(client); err != nil {
		var se *smtp.SMTPError
		if errors.As(err, &se) {
			return authError(ProviderSMTP, se.Code, err)
		}
		return authError(ProviderSMTP, 0, err)
	}
	return nil
}

// classifyRcpt: отказ 5xx на RCPT TO означает, что адрес не существует
// или не принимает почту. 5.7.x (политика, аутентификация) к адресу не относится.
func classifyRcpt(err error) error {
	var se *smtp.SMTPError
	if errors.As(err, &se) && se.Code >= 500 && se.Code < 600 && se.EnhancedCode[1] != 7 {
		return permanent(ProviderSMTP, se.Code, fmt.Errorf("RCPT TO: %w", err))
	}
	return classifySMTP("RCPT TO", err)
}

func classifySMTP(stage string, err error) error {
	var se *smtp.SMTPError
	if !errors.As(err, &se) {
		return transient(ProviderSMTP, 0, fmt.Errorf("%s: %w", stage, err))
	}
	switch {
	case se.Code == 530 || se.Code == 534 || se.Code == 535:
		return authError(ProviderSMTP, se.Code, fmt.Errorf("%s: %w", stage, err))
	case se.Code == 550 && se.EnhancedCode[1] == 1:
		return permanent(ProviderSMTP, se.Code, fmt.Errorf("%s: %w", stage, err))
	default:
		return transient(ProviderSMTP, se.Code, fmt.Errorf("%s: %w", stage, err))
	}
}
