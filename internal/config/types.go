package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "200ms", "1.5s").
type Config struct {
	API         APIConfig          `json:"api"`
	Queue       QueueConfig        `json:"queue"`
	Logging     LoggingConfig      `json:"logging"`
	Storage     *StorageConfig     `json:"storage,omitempty"`
	Schedules   []ScheduleConfig   `json:"schedules,omitempty"`
	Diagnostics *DiagnosticsConfig `json:"diagnostics,omitempty"`

	// Timezone is the IANA zone schedules fire in, e.g. "Asia/Tokyo".
	// Empty means the host's local zone.
	Timezone string `json:"timezone,omitempty"`
}

// APIConfig describes the remote service.
//
// Token may be left empty and supplied through JPDBQ_TOKEN instead.
type APIConfig struct {
	BaseURL   string `json:"base_url,omitempty"` // default: https://jpdb.io
	Token     string `json:"token,omitempty"`    // never logged
	UserAgent string `json:"user_agent,omitempty"`
	Timeout   string `json:"timeout,omitempty"` // per-request HTTP timeout, default 30s

	// MaxRPS is a client-side ceiling on request starts. 0 disables it and
	// leaves pacing entirely to the queue delays.
	MaxRPS float64 `json:"max_rps,omitempty"`
}

// QueueConfig holds pacing policy.
//
// Defaults:
//   - api_delay: "200ms"   (after direct API calls)
//   - scrape_delay: "1.1s" (after scrape-based calls)
//   - failure_backoff: "1.5s"
type QueueConfig struct {
	APIDelay       string `json:"api_delay,omitempty"`
	ScrapeDelay    string `json:"scrape_delay,omitempty"`
	FailureBackoff string `json:"failure_backoff,omitempty"`
}

type LoggingConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	File    LoggingFile   `json:"file"`
	Alerts  LoggingAlerts `json:"alerts"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingAlerts struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig controls job history persistence.
//
// Example:
//
//	storage: { driver: sqlite, path: ./jpdbq.db }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
	MaxRows     int    `json:"max_rows,omitempty"`     // sqlite only, default 10000
}

// ScheduleConfig enqueues Action on a cron Spec.
//
// Action values: "ping", "list_decks".
type ScheduleConfig struct {
	Name    string `json:"name"`
	Spec    string `json:"spec"`
	Action  string `json:"action"`
	Enabled *bool  `json:"enabled,omitempty"`
}

// IsEnabled defaults to true when the field is omitted.
func (s ScheduleConfig) IsEnabled() bool { return s.Enabled == nil || *s.Enabled }

// DiagnosticsConfig controls the daemon's status/pprof HTTP listener.
//
// A non-loopback addr needs a token unless allow_insecure is set.
type DiagnosticsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"` // default 127.0.0.1:6061
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
}
