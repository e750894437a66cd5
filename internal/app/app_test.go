package app

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/Outbound/internal/config"
	"github.com/shaiso/Outbound/internal/transport"
)

func TestBuildTransport(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	t.Run("no provider enabled", func(t *testing.T) {
		_, err := buildTransport(context.Background(), config.TransportConfig{}, logger)
		require.Error(t, err)
	})

	t.Run("smtp and sendgrid", func(t *testing.T) {
		reg, err := buildTransport(context.Background(), config.TransportConfig{
			SMTP:     config.SMTPConfig{Enabled: true},
			SendGrid: config.SendGridConfig{Enabled: true, APIKey: "SG.test"},
		}, logger)
		require.NoError(t, err)

		providers := reg.Providers()
		sort.Strings(providers)
		assert.Equal(t, []string{transport.ProviderSendGrid, transport.ProviderSMTP}, providers)
	})
}

func TestOAuthConfigs(t *testing.T) {
	out := oauthConfigs(map[string]config.OAuthClient{
		"smtp": {
			ClientID:     "client",
			ClientSecret: "secret",
			TokenURL:     "https://oauth2.example.com/token",
			Scopes:       []string{"https://mail.example.com/"},
		},
	})

	require.Contains(t, out, "smtp")
	cfg := out["smtp"]
	assert.Equal(t, "client", cfg.ClientID)
	assert.Equal(t, "secret", cfg.ClientSecret)
	assert.Equal(t, "https://oauth2.example.com/token", cfg.Endpoint.TokenURL)
	assert.Equal(t, []string{"https://mail.example.com/"}, cfg.Scopes)

	assert.Empty(t, oauthConfigs(nil))
}
