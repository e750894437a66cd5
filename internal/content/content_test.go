package content

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/shaiso/Outbound/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRequest() Request {
	return Request{
		Contact: domain.Contact{
			ID:        uuid.New(),
			Email:     "jane@acme.com",
			FirstName: "Jane",
			Company:   "Acme",
			Attributes: map[string]any{
				"industry": "logistics",
			},
		},
		Campaign: domain.Campaign{
			Name: "Q4 outreach",
			Sequence: domain.SequenceConfig{
				TotalSteps: 3,
				Pitch:      "we cut freight costs by 12%",
				Safety:     domain.SafetyThresholds{MinQualityScore: 0.6},
			},
		},
		Step: 1,
	}
}

// fakeOpenAI отвечает на /chat/completions заданным содержимым.
func fakeOpenAI(t *testing.T, content string, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/chat/completions"))
		if status != http.StatusOK {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"error":{"message":"boom","type":"server_error"}}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"created": 1,
			"model":   "gpt-4o-mini",
			"choices": []map[string]any{{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]any{"role": "assistant", "content": content},
			}},
			"usage": map[string]any{"prompt_tokens": 10, "completion_tokens": 10, "total_tokens": 20},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

type stubGenerator struct {
	content Content
	err     error
}

func (s stubGenerator) Generate(context.Context, Request) (Content, error) {
	return s.content, s.err
}

type stubClassifier struct {
	intent domain.Intent
	err    error
}

func (s stubClassifier) Classify(context.Context, string, string) (domain.Intent, error) {
	return s.intent, s.err
}

func TestOpenAIGenerate(t *testing.T) {
	srv := fakeOpenAI(t, `{"subject":"Freight at Acme","body":"Hi Jane, ...","quality_score":0.85}`, http.StatusOK)
	gen := NewOpenAI(OpenAIConfig{APIKey: "test", BaseURL: srv.URL + "/v1"}, nil)

	c, err := gen.Generate(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, "Freight at Acme", c.Subject)
	assert.Equal(t, "Hi Jane, ...", c.Body)
	assert.InDelta(t, 0.85, c.QualityScore, 1e-9)
	assert.False(t, c.Fallback)
}

func TestOpenAIGenerateFollowUpKeepsThread(t *testing.T) {
	srv := fakeOpenAI(t, `{"subject":"New subject","body":"Bumping this","quality_score":0.9}`, http.StatusOK)
	gen := NewOpenAI(OpenAIConfig{APIKey: "test", BaseURL: srv.URL + "/v1"}, nil)

	req := testRequest()
	req.Step = 2
	req.ThreadSubject = "Freight at Acme"

	c, err := gen.Generate(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "Re: Freight at Acme", c.Subject)
}

func TestOpenAIGenerateInvalidJSON(t *testing.T) {
	srv := fakeOpenAI(t, `not json`, http.StatusOK)
	gen := NewOpenAI(OpenAIConfig{APIKey: "test", BaseURL: srv.URL + "/v1"}, nil)

	_, err := gen.Generate(context.Background(), testRequest())
	require.Error(t, err)
}

func TestOpenAIClassify(t *testing.T) {
	tests := []struct {
		reply string
		want  domain.Intent
	}{
		{`{"intent":"interested"}`, domain.IntentInterested},
		{`{"intent":"Objection"}`, domain.IntentObjection},
		{`{"intent":"maybe"}`, domain.IntentOther},
	}
	for _, tt := range tests {
		t.Run(tt.reply, func(t *testing.T) {
			srv := fakeOpenAI(t, tt.reply, http.StatusOK)
			cls := NewOpenAI(OpenAIConfig{APIKey: "test", BaseURL: srv.URL + "/v1"}, nil)

			got, err := cls.Classify(context.Background(), "Re: hi", "sounds good")
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFallbackRender(t *testing.T) {
	f := NewFallback()
	req := testRequest()
	req.Campaign.Sequence.FallbackSubject = "Idea for {{ company }}"
	req.Campaign.Sequence.FallbackBody = "Hi {{ first_name }}, {{ pitch }} in {{ industry }}."

	c, err := f.Render(req)
	require.NoError(t, err)
	assert.Equal(t, "Idea for Acme", c.Subject)
	assert.Equal(t, "Hi Jane, we cut freight costs by 12% in logistics.", c.Body)
	assert.True(t, c.Fallback)
	assert.Equal(t, FallbackQuality, c.QualityScore)
}

func TestFallbackDefaults(t *testing.T) {
	f := NewFallback()
	req := testRequest()
	req.Contact.FirstName = ""
	req.Contact.Company = ""

	c, err := f.Render(req)
	require.NoError(t, err)
	assert.Equal(t, "a quick idea", c.Subject)
	assert.True(t, strings.HasPrefix(c.Body, "Hi there,"))
}

func TestFallbackInvalidTemplate(t *testing.T) {
	f := NewFallback()
	require.Error(t, f.Validate("{% if %}"))

	req := testRequest()
	req.Campaign.Sequence.FallbackBody = "{% if %}"
	_, err := f.Render(req)
	require.Error(t, err)
}

func TestResilient(t *testing.T) {
	good := Content{Subject: "s", Body: "b", QualityScore: 0.9}

	t.Run("passes quality gate", func(t *testing.T) {
		r := NewResilient(stubGenerator{content: good}, nil, nil, nil)
		c, err := r.Generate(context.Background(), testRequest())
		require.NoError(t, err)
		assert.Equal(t, good, c)
	})

	t.Run("low quality falls back", func(t *testing.T) {
		low := good
		low.QualityScore = 0.3
		r := NewResilient(stubGenerator{content: low}, nil, nil, nil)
		c, err := r.Generate(context.Background(), testRequest())
		require.NoError(t, err)
		assert.True(t, c.Fallback)
		assert.Equal(t, ReasonLowQuality, c.FallbackReason)
	})

	t.Run("generator error falls back", func(t *testing.T) {
		r := NewResilient(stubGenerator{err: errors.New("rate limited")}, nil, nil, nil)
		c, err := r.Generate(context.Background(), testRequest())
		require.NoError(t, err)
		assert.True(t, c.Fallback)
		assert.Equal(t, ReasonGeneratorError, c.FallbackReason)
	})

	t.Run("no generator", func(t *testing.T) {
		r := NewResilient(nil, nil, nil, nil)
		c, err := r.Generate(context.Background(), testRequest())
		require.NoError(t, err)
		assert.Equal(t, ReasonNoGenerator, c.FallbackReason)
	})

	t.Run("cancelled context is returned", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		r := NewResilient(stubGenerator{err: context.Canceled}, nil, nil, nil)
		_, err := r.Generate(ctx, testRequest())
		require.ErrorIs(t, err, context.Canceled)
	})
}

func TestSafeClassifier(t *testing.T) {
	t.Run("heuristic auto reply", func(t *testing.T) {
		c := NewSafeClassifier(stubClassifier{intent: domain.IntentInterested}, nil)
		got, err := c.Classify(context.Background(), "Automatic reply: hello", "I'm out")
		require.NoError(t, err)
		assert.Equal(t, domain.IntentAutoReply, got)
	})

	t.Run("heuristic unsubscribe", func(t *testing.T) {
		c := NewSafeClassifier(nil, nil)
		got, err := c.Classify(context.Background(), "Re: hi", "Please remove me from your list")
		require.NoError(t, err)
		assert.Equal(t, domain.IntentUnsubscribe, got)
	})

	t.Run("inner error becomes other", func(t *testing.T) {
		c := NewSafeClassifier(stubClassifier{err: errors.New("down")}, nil)
		got, err := c.Classify(context.Background(), "Re: hi", "what does it cost?")
		require.NoError(t, err)
		assert.Equal(t, domain.IntentOther, got)
	})

	t.Run("inner result", func(t *testing.T) {
		c := NewSafeClassifier(stubClassifier{intent: domain.IntentQuestion}, nil)
		got, err := c.Classify(context.Background(), "Re: hi", "what does it cost?")
		require.NoError(t, err)
		assert.Equal(t, domain.IntentQuestion, got)
	})
}
