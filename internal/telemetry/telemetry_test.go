package telemetry

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedactEmail(t *testing.T) {
	assert.Equal(t, "j***@acme.com", RedactEmail("john.doe@acme.com"))
	assert.Equal(t, "***", RedactEmail("no-at-sign"))
	assert.Equal(t, "", RedactEmail(""))
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("WARN"))
	assert.Equal(t, slog.LevelInfo, ParseLevel(""))
}

func TestSetupLogger_JSONWithIDs(t *testing.T) {
	var buf bytes.Buffer
	logger := SetupLogger(LogConfig{Level: "INFO", Output: &buf})

	jobID := uuid.New()
	WithJobID(logger, jobID).Info("job sent")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "job sent", entry["msg"])
	assert.Equal(t, jobID.String(), entry["job_id"])
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	m.JobProcessed("sent")
	m.BreakerTripped("bounce_rate_exceeded")
}

func TestMetrics_Counts(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.JobProcessed("sent")
	m.JobProcessed("sent")
	m.JobProcessed("retry")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.JobsProcessed.WithLabelValues("sent")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.JobsProcessed.WithLabelValues("retry")))
}
