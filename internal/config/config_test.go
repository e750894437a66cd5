package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "outbound.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.API.Port)
	assert.Equal(t, 3, cfg.Scheduler.MaxAttempts)
	assert.Equal(t, 20, cfg.Scheduler.BreakerMinSends)
	assert.Equal(t, 72*time.Hour, cfg.Reconciler.SoftBounceResumeAfter)
	assert.True(t, cfg.Transport.SMTP.Enabled)
	assert.False(t, cfg.Transport.SendGrid.Enabled)
}

func TestLoad_YAMLFile(t *testing.T) {
	t.Chdir(t.TempDir())

	path := writeFile(t, `
database:
  url: postgres://db/outbound
worker:
  concurrency: 8
  poll_interval: 30s
  backoff_base: 2m
  backoff_max: 2h
scheduler:
  pass_cron: "*/10 * * * *"
oauth:
  google:
    client_id: id
    client_secret: secret
    token_url: https://oauth2.googleapis.com/token
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres://db/outbound", cfg.Database.URL)
	assert.Equal(t, 8, cfg.Worker.Concurrency)
	assert.Equal(t, 30*time.Second, cfg.Worker.PollInterval)
	assert.Equal(t, 2*time.Hour, cfg.Worker.BackoffMax)
	assert.Equal(t, "*/10 * * * *", cfg.Scheduler.PassCron)
	// не указанные в файле поля остаются по умолчанию
	assert.Equal(t, "0 0 * * *", cfg.Scheduler.DailyResetCron)
	require.Contains(t, cfg.OAuth, "google")
	assert.Equal(t, "id", cfg.OAuth["google"].ClientID)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	t.Chdir(t.TempDir())

	path := writeFile(t, "api:\n  port: 9000\n")
	t.Setenv("API_PORT", "9100")
	t.Setenv("DB_URL", "postgres://env/outbound")
	t.Setenv("SENDGRID_API_KEY", "SG.key")
	t.Setenv("SEND_RATE", "2.5")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.API.Port)
	assert.Equal(t, "postgres://env/outbound", cfg.Database.URL)
	assert.True(t, cfg.Transport.SendGrid.Enabled)
	assert.InDelta(t, 2.5, cfg.Worker.SendRate, 0.0001)
}

func TestLoad_DotEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("WEBHOOK_SIGNING_KEY=from-dotenv\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("WEBHOOK_SIGNING_KEY") })

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "from-dotenv", cfg.API.WebhookSigningKey)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		env  map[string]string
	}{
		{name: "bad cron", yaml: "scheduler:\n  pass_cron: \"every minute\"\n"},
		{name: "backoff max below base", yaml: "worker:\n  backoff_base: 1h\n  backoff_max: 1m\n"},
		{name: "max attempts out of range", yaml: "scheduler:\n  max_attempts: 0\n"},
		{name: "oauth without token url", yaml: "oauth:\n  google:\n    client_id: a\n    client_secret: b\n"},
		{name: "bad log format", yaml: "log:\n  format: xml\n"},
		{name: "non numeric port", env: map[string]string{"API_PORT": "eighty"}},
		{name: "malformed yaml", yaml: "worker: [\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Chdir(t.TempDir())
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			path := ""
			if tt.yaml != "" {
				path = writeFile(t, tt.yaml)
			}
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
