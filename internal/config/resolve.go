package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// TokenEnv overrides api.token when set.
const TokenEnv = "JPDBQ_TOKEN"

const (
	DefaultBaseURL         = "https://jpdb.io"
	DefaultUserAgent       = "jpdbq/1.0"
	DefaultTimeout         = 30 * time.Second
	DefaultAPIDelay        = 200 * time.Millisecond
	DefaultScrapeDelay     = 1100 * time.Millisecond
	DefaultFailureBackoff  = 1500 * time.Millisecond
	DefaultMaxRows         = 10000
	DefaultDiagnosticsAddr = "127.0.0.1:6061"
)

// Known schedule actions.
const (
	ActionPing      = "ping"
	ActionListDecks = "list_decks"
)

var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Settings is Config with defaults applied and durations parsed.
type Settings struct {
	BaseURL   string
	Token     string
	UserAgent string
	Timeout   time.Duration
	MaxRPS    float64

	APIDelay       time.Duration
	ScrapeDelay    time.Duration
	FailureBackoff time.Duration

	StorageDriver      string
	StoragePath        string
	StorageBusyTimeout time.Duration
	StorageMaxRows     int

	Schedules []ScheduleConfig
	Location  *time.Location

	Diagnostics DiagnosticsSettings
}

// DiagnosticsSettings is DiagnosticsConfig with defaults applied.
type DiagnosticsSettings struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool
	Pprof         bool
}

// Resolve validates cfg and applies defaults. The token environment
// variable wins over the file.
func Resolve(cfg *Config) (Settings, error) {
	if cfg == nil {
		return Settings{}, errors.New("config is nil")
	}
	var s Settings
	var err error

	s.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.API.BaseURL), "/")
	if s.BaseURL == "" {
		s.BaseURL = DefaultBaseURL
	}
	if u, perr := url.Parse(s.BaseURL); perr != nil || u.Scheme == "" || u.Host == "" {
		return Settings{}, fmt.Errorf("api.base_url: invalid url %q", cfg.API.BaseURL)
	}
	s.Token = strings.TrimSpace(cfg.API.Token)
	if env := strings.TrimSpace(os.Getenv(TokenEnv)); env != "" {
		s.Token = env
	}
	s.UserAgent = strings.TrimSpace(cfg.API.UserAgent)
	if s.UserAgent == "" {
		s.UserAgent = DefaultUserAgent
	}
	if s.Timeout, err = ParseDurationOrDefault("api.timeout", cfg.API.Timeout, DefaultTimeout); err != nil {
		return Settings{}, err
	}
	if cfg.API.MaxRPS < 0 {
		return Settings{}, errors.New("api.max_rps: must be >= 0")
	}
	s.MaxRPS = cfg.API.MaxRPS

	if s.APIDelay, err = ParseDurationOrDefault("queue.api_delay", cfg.Queue.APIDelay, DefaultAPIDelay); err != nil {
		return Settings{}, err
	}
	if s.ScrapeDelay, err = ParseDurationOrDefault("queue.scrape_delay", cfg.Queue.ScrapeDelay, DefaultScrapeDelay); err != nil {
		return Settings{}, err
	}
	if s.FailureBackoff, err = ParseDurationOrDefault("queue.failure_backoff", cfg.Queue.FailureBackoff, DefaultFailureBackoff); err != nil {
		return Settings{}, err
	}

	if st := cfg.Storage; st != nil {
		s.StorageDriver = strings.ToLower(strings.TrimSpace(st.Driver))
		s.StoragePath = strings.TrimSpace(st.Path)
		if s.StorageBusyTimeout, err = ParseDurationOrDefault("storage.busy_timeout", st.BusyTimeout, 0); err != nil {
			return Settings{}, err
		}
		s.StorageMaxRows = st.MaxRows
		if s.StorageMaxRows <= 0 {
			s.StorageMaxRows = DefaultMaxRows
		}
		switch s.StorageDriver {
		case "", "none":
			s.StorageDriver = ""
		case "file", "sqlite", "sqlite3":
			if s.StoragePath == "" {
				return Settings{}, fmt.Errorf("storage.path is required for driver %q", s.StorageDriver)
			}
		default:
			return Settings{}, fmt.Errorf("storage.driver: unknown driver %q", st.Driver)
		}
	}

	seen := map[string]bool{}
	for i, sc := range cfg.Schedules {
		name := strings.TrimSpace(sc.Name)
		if name == "" {
			return Settings{}, fmt.Errorf("schedules[%d].name is required", i)
		}
		if seen[name] {
			return Settings{}, fmt.Errorf("schedules[%d]: duplicate name %q", i, name)
		}
		seen[name] = true
		if _, perr := cronParser.Parse(strings.TrimSpace(sc.Spec)); perr != nil {
			return Settings{}, fmt.Errorf("schedules[%d].spec: %w", i, perr)
		}
		switch strings.TrimSpace(sc.Action) {
		case ActionPing, ActionListDecks:
		default:
			return Settings{}, fmt.Errorf("schedules[%d].action: unknown action %q", i, sc.Action)
		}
		sc.Name = name
		sc.Spec = strings.TrimSpace(sc.Spec)
		sc.Action = strings.TrimSpace(sc.Action)
		s.Schedules = append(s.Schedules, sc)
	}

	s.Location = time.Local
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		if s.Location, err = time.LoadLocation(tz); err != nil {
			return Settings{}, fmt.Errorf("timezone: %w", err)
		}
	}

	if d := cfg.Diagnostics; d != nil && d.Enabled {
		s.Diagnostics = DiagnosticsSettings{
			Enabled:       true,
			Addr:          strings.TrimSpace(d.Addr),
			Token:         strings.TrimSpace(d.Token),
			AllowInsecure: d.AllowInsecure,
			Pprof:         d.Pprof,
		}
		if s.Diagnostics.Addr == "" {
			s.Diagnostics.Addr = DefaultDiagnosticsAddr
		}
		if _, _, perr := net.SplitHostPort(s.Diagnostics.Addr); perr != nil {
			return Settings{}, fmt.Errorf("diagnostics.addr: %w", perr)
		}
	}
	return s, nil
}

// Validate is the hot-reload validator: a config that doesn't resolve is
// rejected before it is committed.
func Validate(cfg *Config) error {
	_, err := Resolve(cfg)
	return err
}
