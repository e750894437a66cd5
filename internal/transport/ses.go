package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/shaiso/Outbound/internal/domain"
)

// SESAPI: используемая часть клиента sesv2.
type SESAPI interface {
	SendEmail(ctx context.Context, in *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
	GetAccount(ctx context.Context, in *sesv2.GetAccountInput, optFns ...func(*sesv2.Options)) (*sesv2.GetAccountOutput, error)
}

// SESConfig: настройки AWS SES.
type SESConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string

	// ConfigurationSet для событий доставки.
	ConfigurationSet string
}

// SESSender отправляет raw письма через AWS SES v2.
type SESSender struct {
	client SESAPI
	region string
	cfgSet string
	logger *slog.Logger
	now    func() time.Time
}

// NewSESSender загружает AWS конфигурацию. Без ключей используется
// стандартная цепочка (env, shared config, IAM роль).
func NewSESSender(ctx context.Context, cfg SESConfig, logger *slog.Logger) (*SESSender, error) {
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewSESSenderWithClient(sesv2.NewFromConfig(awsCfg), cfg.Region, cfg.ConfigurationSet, logger), nil
}

// NewSESSenderWithClient создаёт отправителя с готовым клиентом.
func NewSESSenderWithClient(client SESAPI, region, configurationSet string, logger *slog.Logger) *SESSender {
	if logger == nil {
		logger = slog.Default()
	}
	return &SESSender{client: client, region: region, cfgSet: configurationSet, logger: logger, now: time.Now}
}

// Send реализует Sender.
func (s *SESSender) Send(ctx context.Context, from domain.Identity, msg Message) (Result, error) {
	if msg.InReplyTo != "" {
		msg.InReplyTo = s.headerID(msg.InReplyTo)
		refs := make([]string, len(msg.References))
		for i, r := range msg.References {
			refs[i] = s.headerID(r)
		}
		msg.References = refs
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(from.Email),
		Destination:      &types.Destination{ToAddresses: []string{msg.To}},
		Content: &types.EmailContent{
			Raw: &types.RawMessage{Data: BuildMIME(from, msg, "", s.now())},
		},
	}
	if s.cfgSet != "" {
		input.ConfigurationSetName = aws.String(s.cfgSet)
	}
	for k, v := range msg.Tags {
		input.EmailTags = append(input.EmailTags, types.MessageTag{Name: aws.String(k), Value: aws.String(v)})
	}

	out, err := s.client.SendEmail(ctx, input)
	if err != nil {
		return Result{}, classifySES(err)
	}
	return Result{Provider: ProviderSES, MessageID: aws.ToString(out.MessageId)}, nil
}

// Probe проверяет, что аккаунт SES может отправлять.
func (s *SESSender) Probe(ctx context.Context, _ *domain.Identity) error {
	out, err := s.client.GetAccount(ctx, &sesv2.GetAccountInput{})
	if err != nil {
		return classifySES(err)
	}
	if !out.SendingEnabled {
		return authError(ProviderSES, 0, errors.New("sending disabled for account"))
	}
	return nil
}

// headerID превращает SES message id в Message-ID заголовка.
func (s *SESSender) headerID(id string) string {
	id = domain.NormalizeMessageID(id)
	if strings.Contains(id, "@") {
		return id
	}
	host := "email.amazonses.com"
	if s.region != "" && s.region != "us-east-1" {
		host = s.region + ".amazonses.com"
	}
	return id + "@" + host
}

func classifySES(err error) error {
	var (
		rejected  *types.MessageRejected
		notVerif  *types.MailFromDomainNotVerifiedException
		suspended *types.AccountSuspendedException
		paused    *types.SendingPausedException
		notFound  *types.NotFoundException
	)
	switch {
	case errors.As(err, &rejected):
		return permanent(ProviderSES, 0, err)
	case errors.As(err, &notVerif), errors.As(err, &suspended), errors.As(err, &paused), errors.As(err, &notFound):
		return authError(ProviderSES, 0, err)
	default:
		return transient(ProviderSES, 0, err)
	}
}
