// Package schedule triggers named actions on cron specs.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "jpdbq/pkg/logx"
)

// Action is what a schedule runs. Actions that go through the queue block
// until their job has run.
type Action func(ctx context.Context) error

type Entry struct {
	Name    string
	Spec    string
	Action  string
	Enabled bool
}

type Info struct {
	Name     string
	Spec     string
	Action   string
	Next     time.Time
	Prev     time.Time
	Runs     uint64
	Failures uint64
	LastErr  string
}

type entryState struct {
	Entry
	sched cron.Schedule
	id    cron.EntryID

	// guarded by Service.smu
	runs     uint64
	failures uint64
	lastErr  string
}

// Service owns a cron instance. Apply may be called before or after Start.
type Service struct {
	log     logx.Logger
	actions map[string]Action
	parser  cron.Parser
	loc     *time.Location

	mu      sync.Mutex
	ctx     context.Context
	c       *cron.Cron
	entries []*entryState

	smu sync.Mutex
}

type Option func(*Service)

func WithLogger(log logx.Logger) Option { return func(s *Service) { s.log = log } }

func WithLocation(loc *time.Location) Option {
	return func(s *Service) {
		if loc != nil {
			s.loc = loc
		}
	}
}

func New(actions map[string]Action, opts ...Option) *Service {
	s := &Service{
		log:     logx.Nop(),
		actions: actions,
		// SecondOptional allows both 5-field and 6-field (with seconds) specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		loc:    time.Local,
		ctx:    context.Background(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Apply replaces the schedule set. Disabled entries are dropped. Nothing is
// changed if any entry is invalid.
func (s *Service) Apply(entries []Entry) error {
	next := make([]*entryState, 0, len(entries))
	seen := map[string]bool{}
	for _, e := range entries {
		e.Name = strings.TrimSpace(e.Name)
		e.Spec = strings.TrimSpace(e.Spec)
		e.Action = strings.TrimSpace(e.Action)
		if e.Name == "" {
			return errors.New("schedule name is required")
		}
		if seen[e.Name] {
			return fmt.Errorf("schedule %q: duplicate name", e.Name)
		}
		seen[e.Name] = true
		if _, ok := s.actions[e.Action]; !ok {
			return fmt.Errorf("schedule %q: unknown action %q", e.Name, e.Action)
		}
		sched, err := s.parser.Parse(e.Spec)
		if err != nil {
			return fmt.Errorf("schedule %q: %w", e.Name, err)
		}
		if !e.Enabled {
			continue
		}
		next = append(next, &entryState{Entry: e, sched: sched})
	}

	// Specs are parsed above, so registration below cannot fail and the
	// cron instance always holds exactly s.entries.
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		for _, old := range s.entries {
			s.c.Remove(old.id)
		}
		for _, e := range next {
			s.addLocked(e)
		}
	}
	s.entries = next
	s.log.Info("schedules applied", logx.Int("count", len(next)))
	return nil
}

// Start begins triggering. ctx is handed to every action run.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	if ctx != nil {
		s.ctx = ctx
	}
	s.c = cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(s.loc),
		cron.WithChain(cron.Recover(cronLogger{s.log}), cron.SkipIfStillRunning(cronLogger{s.log})),
	)
	for _, e := range s.entries {
		s.addLocked(e)
	}
	s.c.Start()
	s.log.Info("scheduler started", logx.String("tz", s.loc.String()), logx.Int("schedules", len(s.entries)))
}

// Stop halts triggering and waits for running actions or ctx.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("scheduler stopped")
}

func (s *Service) addLocked(e *entryState) {
	action := s.actions[e.Action]
	ctx := s.ctx
	e.id = s.c.Schedule(e.sched, cron.FuncJob(func() {
		err := action(ctx)
		s.smu.Lock()
		e.runs++
		if err != nil {
			e.failures++
			e.lastErr = err.Error()
		}
		s.smu.Unlock()
		if err != nil {
			s.log.Warn("scheduled action failed", logx.String("name", e.Name), logx.String("action", e.Action), logx.Err(err))
			return
		}
		s.log.Debug("scheduled action done", logx.String("name", e.Name), logx.String("action", e.Action))
	}))
}

// Entries lists active schedules sorted by name.
func (s *Service) Entries() []Info {
	s.mu.Lock()
	out := make([]Info, 0, len(s.entries))
	for _, e := range s.entries {
		info := Info{Name: e.Name, Spec: e.Spec, Action: e.Action}
		if s.c != nil {
			ce := s.c.Entry(e.id)
			info.Next, info.Prev = ce.Next, ce.Prev
		}
		s.smu.Lock()
		info.Runs, info.Failures, info.LastErr = e.runs, e.failures, e.lastErr
		s.smu.Unlock()
		out = append(out, info)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// cronLogger adapts logx to cron.Logger.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, logx.Any("kv", kv))
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, logx.Err(err), logx.Any("kv", kv))
}
