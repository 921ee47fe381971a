package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestResolveDefaults(t *testing.T) {
	t.Setenv(TokenEnv, "")
	s, err := Resolve(&Config{})
	require.NoError(t, err)
	assert.Equal(t, DefaultBaseURL, s.BaseURL)
	assert.Equal(t, DefaultAPIDelay, s.APIDelay)
	assert.Equal(t, DefaultScrapeDelay, s.ScrapeDelay)
	assert.Equal(t, DefaultFailureBackoff, s.FailureBackoff)
	assert.Equal(t, DefaultTimeout, s.Timeout)
	assert.Empty(t, s.StorageDriver)
}

func TestResolveTokenFromEnv(t *testing.T) {
	t.Setenv(TokenEnv, "from-env")
	s, err := Resolve(&Config{API: APIConfig{Token: "from-file"}})
	require.NoError(t, err)
	assert.Equal(t, "from-env", s.Token)
}

func TestResolveRejectsInvalid(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		cfg  Config
	}{
		{name: "bad duration", cfg: Config{Queue: QueueConfig{APIDelay: "soon"}}},
		{name: "negative duration", cfg: Config{Queue: QueueConfig{FailureBackoff: "-1s"}}},
		{name: "bad url", cfg: Config{API: APIConfig{BaseURL: "jpdb.io"}}},
		{name: "negative rps", cfg: Config{API: APIConfig{MaxRPS: -1}}},
		{name: "unknown driver", cfg: Config{Storage: &StorageConfig{Driver: "redis", Path: "x"}}},
		{name: "sqlite without path", cfg: Config{Storage: &StorageConfig{Driver: "sqlite"}}},
		{name: "bad cron", cfg: Config{Schedules: []ScheduleConfig{{Name: "a", Spec: "every day", Action: ActionPing}}}},
		{name: "unknown action", cfg: Config{Schedules: []ScheduleConfig{{Name: "a", Spec: "@hourly", Action: "review"}}}},
		{name: "duplicate schedule", cfg: Config{Schedules: []ScheduleConfig{
			{Name: "a", Spec: "@hourly", Action: ActionPing},
			{Name: "a", Spec: "@daily", Action: ActionPing},
		}}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Resolve(&tt.cfg)
			require.Error(t, err)
		})
	}
}

func TestLoadYAML(t *testing.T) {
	t.Setenv(TokenEnv, "")
	dir := t.TempDir()
	p := writeFile(t, dir, "jpdbq.yaml", `
api:
  token: secret
  base_url: https://example.test/
queue:
  api_delay: 250ms
  failure_backoff: 2s
storage:
  driver: sqlite
  path: ./history.db
schedules:
  - name: keepalive
    spec: "@every 10m"
    action: ping
`)
	m := NewManager(p)
	cfg, err := m.Load()
	require.NoError(t, err)
	assert.Same(t, cfg, m.Get())

	s, err := Resolve(cfg)
	require.NoError(t, err)
	assert.Equal(t, "https://example.test", s.BaseURL)
	assert.Equal(t, "secret", s.Token)
	assert.Equal(t, 250*time.Millisecond, s.APIDelay)
	assert.Equal(t, 2*time.Second, s.FailureBackoff)
	assert.Equal(t, DefaultScrapeDelay, s.ScrapeDelay)
	assert.Equal(t, "sqlite", s.StorageDriver)
	assert.Equal(t, DefaultMaxRows, s.StorageMaxRows)
	require.Len(t, s.Schedules, 1)
	assert.True(t, s.Schedules[0].IsEnabled())
}

func TestParseRejectsUnknownFieldsAndTrailingData(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	_, err := NewManager(writeFile(t, dir, "a.json", `{"api":{"tokn":"x"}}`)).Parse()
	require.Error(t, err)

	_, err = NewManager(writeFile(t, dir, "b.json", `{"api":{}} {"api":{}}`)).Parse()
	require.ErrorContains(t, err, "trailing data")
}

func TestReloadPublishesOnlyChanges(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	p := writeFile(t, dir, "c.json", `{"queue":{"api_delay":"200ms"}}`)
	m := NewManager(p)
	_, err := m.Load()
	require.NoError(t, err)
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	published, err := m.Reload(context.Background())
	require.NoError(t, err)
	assert.False(t, published, "unchanged content must not publish")

	writeFile(t, dir, "c.json", `{"queue":{"api_delay":"300ms"}}`)
	published, err = m.Reload(context.Background())
	require.NoError(t, err)
	require.True(t, published)
	got := <-ch
	assert.Equal(t, "300ms", got.Queue.APIDelay)

	writeFile(t, dir, "c.json", `{"queue":{"api_delay":"later"}}`)
	_, err = m.Reload(context.Background())
	require.Error(t, err)
	assert.Equal(t, "300ms", m.Get().Queue.APIDelay, "invalid config must not be committed")
}

func TestReloadHonorsValidator(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	p := writeFile(t, dir, "d.json", `{}`)
	m := NewManager(p)
	_, err := m.Load()
	require.NoError(t, err)
	m.SetValidator(func(context.Context, *Config) error { return assert.AnError })

	writeFile(t, dir, "d.json", `{"logging":{"level":"debug"}}`)
	_, err = m.Reload(context.Background())
	require.ErrorIs(t, err, assert.AnError)
}

func TestWatchPicksUpEdits(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	p := writeFile(t, dir, "w.json", `{"logging":{"level":"info"}}`)
	m := NewManager(p)
	_, err := m.Load()
	require.NoError(t, err)
	ch := m.Subscribe(1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()

	var got *Config
	require.Eventually(t, func() bool {
		writeFile(t, dir, "w.json", `{"logging":{"level":"debug"}}`)
		select {
		case got = <-ch:
			return true
		default:
			return false
		}
	}, 5*time.Second, 300*time.Millisecond)
	assert.Equal(t, "debug", got.Logging.Level)

	cancel()
	<-done
}

func TestSummarize(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{API: APIConfig{Token: "a"}, Queue: QueueConfig{APIDelay: "200ms"}}
	newCfg := &Config{API: APIConfig{Token: "b"}, Queue: QueueConfig{APIDelay: "200ms"},
		Schedules: []ScheduleConfig{{Name: "p", Spec: "@hourly", Action: ActionPing}}}

	changed, fields := Summarize(oldCfg, newCfg)
	assert.Equal(t, []string{SectionAPI, SectionSchedules}, changed)
	assert.NotEmpty(t, fields)

	changed, _ = Summarize(newCfg, newCfg)
	assert.Empty(t, changed)
}

func TestResolveDiagnostics(t *testing.T) {
	t.Parallel()
	s, err := Resolve(&Config{Diagnostics: &DiagnosticsConfig{Enabled: true, Token: " t "}})
	require.NoError(t, err)
	assert.True(t, s.Diagnostics.Enabled)
	assert.Equal(t, DefaultDiagnosticsAddr, s.Diagnostics.Addr)
	assert.Equal(t, "t", s.Diagnostics.Token)

	s, err = Resolve(&Config{Diagnostics: &DiagnosticsConfig{Enabled: false, Addr: "nonsense"}})
	require.NoError(t, err)
	assert.False(t, s.Diagnostics.Enabled)

	_, err = Resolve(&Config{Diagnostics: &DiagnosticsConfig{Enabled: true, Addr: "no-port"}})
	require.Error(t, err)
}

func TestResolveTimezone(t *testing.T) {
	t.Parallel()
	s, err := Resolve(&Config{})
	require.NoError(t, err)
	assert.Equal(t, time.Local, s.Location)

	s, err = Resolve(&Config{Timezone: " UTC "})
	require.NoError(t, err)
	assert.Equal(t, "UTC", s.Location.String())

	_, err = Resolve(&Config{Timezone: "Mars/Olympus_Mons"})
	require.Error(t, err)

	changed, _ := Summarize(&Config{}, &Config{Timezone: "UTC"})
	assert.Equal(t, []string{SectionTimezone}, changed)
}
