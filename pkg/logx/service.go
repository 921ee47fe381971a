package logx

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

type Config struct {
	Level   string
	Console bool
	File    FileConfig
	Alerts  AlertConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

// AlertConfig echoes high-severity lines to stderr, throttled so a failing
// remote service can't flood the terminal.
type AlertConfig struct {
	Enabled    bool
	MinLevel   string
	RatePerSec int
}

const defaultLogFile = "./jpdbq.log"

// Service owns the sinks behind every Logger it hands out and can swap them
// at runtime.
type Service struct {
	root atomic.Pointer[zerolog.Logger]

	mu       sync.Mutex
	file     *os.File
	alerts   *rate.Limiter
	alertMin zerolog.Level
	alertOut io.Writer
}

// New applies cfg and returns the Service with a Logger bound to it.
func New(cfg Config) (*Service, Logger) {
	s := &Service{alertOut: os.Stderr}
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) current() zerolog.Logger {
	if zl := s.root.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

// Apply rebuilds the sink set for cfg. Safe for concurrent use with logging.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rps := max(cfg.Alerts.RatePerSec, 1)
	s.alerts = rate.NewLimiter(rate.Limit(rps), rps)
	s.alertMin = parseLevel(cfg.Alerts.MinLevel, zerolog.WarnLevel)

	s.closeFileLocked()

	var sinks []io.Writer
	if cfg.Console {
		sinks = append(sinks, consoleWriter(os.Stdout))
	}
	if cfg.File.Enabled {
		if f := openLogFile(cfg.File.Path); f != nil {
			s.file = f
			sinks = append(sinks, zerolog.SyncWriter(f))
		}
	}
	if cfg.Alerts.Enabled {
		sinks = append(sinks, alertSink{s})
	}
	if len(sinks) == 0 {
		sinks = []io.Writer{consoleWriter(os.Stdout)}
	}

	zl := build(zerolog.MultiLevelWriter(sinks...), cfg.Level)
	s.root.Store(&zl)
}

func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeFileLocked()
}

func (s *Service) closeFileLocked() error {
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

// openLogFile reports failures on stderr; logging itself can't be used yet.
func openLogFile(path string) *os.File {
	path = strings.TrimSpace(path)
	if path == "" {
		path = defaultLogFile
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logx: open %s: %v\n", path, err)
		return nil
	}
	return f
}

// alertSink is best-effort: it never fails the write, so other sinks in the
// MultiLevelWriter keep working.
type alertSink struct{ svc *Service }

func (a alertSink) Write(p []byte) (int, error) { return a.WriteLevel(zerolog.NoLevel, p) }

func (a alertSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	a.svc.mu.Lock()
	lim, minLevel, out := a.svc.alerts, a.svc.alertMin, a.svc.alertOut
	a.svc.mu.Unlock()

	if out != nil && lim != nil && level != zerolog.NoLevel && level >= minLevel && lim.Allow() {
		_, _ = out.Write(p)
	}
	return len(p), nil
}
