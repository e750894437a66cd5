package content

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/shaiso/Outbound/internal/domain"
)

// ErrEmptyCompletion: модель не вернула вариантов.
var ErrEmptyCompletion = errors.New("empty completion")

// OpenAIConfig: настройки клиента OpenAI.
type OpenAIConfig struct {
	APIKey      string
	BaseURL     string  // пусто: api.openai.com
	Model       string  // default: gpt-4o-mini
	Temperature float32 // default: 0.7
	MaxTokens   int     // default: 800
}

// OpenAI генерирует письма и классифицирует ответы через chat completions.
type OpenAI struct {
	client      *openai.Client
	model       string
	temperature float32
	maxTokens   int
	logger      *slog.Logger
}

// NewOpenAI создаёт клиента.
func NewOpenAI(cfg OpenAIConfig, logger *slog.Logger) *OpenAI {
	if cfg.Model == "" {
		cfg.Model = openai.GPT4oMini
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = 0.7
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 800
	}
	if logger == nil {
		logger = slog.Default()
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	return &OpenAI{
		client:      openai.NewClientWithConfig(clientCfg),
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		logger:      logger,
	}
}

const generateSystemPrompt = `You write short, personal B2B cold emails.
Reply with a JSON object: {"subject": string, "body": string, "quality_score": number}.
quality_score is your own 0..1 estimate of how relevant and personal the email is.
Plain text body, no markdown, no placeholders, under 150 words.`

type generated struct {
	Subject      string  `json:"subject"`
	Body         string  `json:"body"`
	QualityScore float64 `json:"quality_score"`
}

// Generate реализует Generator.
func (o *OpenAI) Generate(ctx context.Context, req Request) (Content, error) {
	raw, err := o.complete(ctx, generateSystemPrompt, generatePrompt(req))
	if err != nil {
		return Content{}, err
	}

	var out generated
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return Content{}, fmt.Errorf("decode generated email: %w", err)
	}
	if strings.TrimSpace(out.Subject) == "" || strings.TrimSpace(out.Body) == "" {
		return Content{}, fmt.Errorf("generated email has empty subject or body")
	}

	subject := out.Subject
	if req.ThreadSubject != "" {
		subject = replySubject(req.ThreadSubject)
	}
	return Content{
		Subject:      subject,
		Body:         out.Body,
		QualityScore: clamp01(out.QualityScore),
	}, nil
}

func generatePrompt(req Request) string {
	var b strings.Builder
	c := req.Contact
	fmt.Fprintf(&b, "Step %d of %d.\n", req.Step, req.Campaign.Sequence.TotalSteps)
	if req.Step > 1 {
		b.WriteString("This is a follow-up in the same thread; do not repeat the first email.\n")
	}
	fmt.Fprintf(&b, "Recipient: %s\n", strings.TrimSpace(c.FullName()))
	if c.Title != "" {
		fmt.Fprintf(&b, "Title: %s\n", c.Title)
	}
	if c.Company != "" {
		fmt.Fprintf(&b, "Company: %s\n", c.Company)
	}
	for k, v := range c.Attributes {
		fmt.Fprintf(&b, "%s: %v\n", k, v)
	}
	if req.Campaign.Sequence.Pitch != "" {
		fmt.Fprintf(&b, "\nWhat we offer:\n%s\n", req.Campaign.Sequence.Pitch)
	}
	return b.String()
}

const classifySystemPrompt = `Classify the intent of an email reply to a sales outreach.
Reply with a JSON object: {"intent": one of "interested", "not_interested", "question",
"objection", "unsubscribe", "auto_reply", "other"}.`

// Classify реализует Classifier. Неизвестная метка становится other.
func (o *OpenAI) Classify(ctx context.Context, subject, body string) (domain.Intent, error) {
	raw, err := o.complete(ctx, classifySystemPrompt, "Subject: "+subject+"\n\n"+body)
	if err != nil {
		return domain.IntentOther, err
	}

	var out struct {
		Intent string `json:"intent"`
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return domain.IntentOther, fmt.Errorf("decode intent: %w", err)
	}
	return domain.ParseIntent(strings.ToLower(strings.TrimSpace(out.Intent))), nil
}

// complete выполняет chat completion с ответом в JSON.
func (o *OpenAI) complete(ctx context.Context, system, user string) (string, error) {
	start := time.Now()
	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		Temperature:    o.temperature,
		MaxTokens:      o.maxTokens,
		ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject},
	})
	if err != nil {
		return "", fmt.Errorf("openai chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyCompletion
	}

	o.logger.Debug("openai completion",
		"model", o.model,
		"tokens", resp.Usage.TotalTokens,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return resp.Choices[0].Message.Content, nil
}

func replySubject(subject string) string {
	if strings.HasPrefix(strings.ToLower(subject), "re:") {
		return subject
	}
	return "Re: " + subject
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
