package logx

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriterLoggerAppliesFields(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := newWriter(&buf, "debug").With(String("comp", "queue"))
	log.Warn("job.failed", Int("attempts", 1), Err(nil))

	out := buf.String()
	assert.Contains(t, out, `"comp":"queue"`)
	assert.Contains(t, out, `"attempts":1`)
	assert.Contains(t, out, `"message":"job.failed"`)
	assert.Contains(t, out, `"caller":"logging_test.go:`)
	assert.NotContains(t, out, `"err"`)
}

func TestWriterLoggerHonorsLevel(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := newWriter(&buf, "error")
	log.Warn("hidden")
	log.Error("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func TestZeroLoggerIsNoop(t *testing.T) {
	t.Parallel()
	var log Logger
	assert.True(t, log.IsZero())
	log.Error("dropped")
	assert.False(t, Nop().IsZero())
	assert.False(t, log.With(String("k", "v")).IsZero())
}

func TestAlertWriterThrottlesAndFilters(t *testing.T) {
	t.Parallel()
	var alerts bytes.Buffer
	svc, log := New(Config{Level: "debug", Alerts: AlertConfig{Enabled: true, MinLevel: "warn", RatePerSec: 1}})
	svc.mu.Lock()
	svc.alertOut = &alerts
	svc.mu.Unlock()

	log.Info("quiet")
	log.Warn("first")
	log.Warn("second")

	lines := strings.Split(strings.TrimSpace(alerts.String()), "\n")
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "first")
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	assert.Equal(t, zerolog.WarnLevel, parseLevel(" Warning ", zerolog.InfoLevel))
	assert.Equal(t, zerolog.DebugLevel, parseLevel("DEBUG", zerolog.InfoLevel))
	assert.Equal(t, zerolog.InfoLevel, parseLevel("nonsense", zerolog.InfoLevel))
	assert.Equal(t, zerolog.ErrorLevel, parseLevel("", zerolog.ErrorLevel))
}
