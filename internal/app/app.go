// Package app wires configuration, logging, storage, the request queue and
// the jpdb client into one process.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"jpdbq/internal/config"
	"jpdbq/internal/eventbus"
	"jpdbq/internal/history"
	"jpdbq/internal/jpdb"
	"jpdbq/internal/observability/diag"
	"jpdbq/internal/queue"
	"jpdbq/internal/runtime/supervisor"
	"jpdbq/internal/schedule"
	"jpdbq/internal/storage"
	logx "jpdbq/pkg/logx"
	"jpdbq/pkg/systemd"
)

type App struct {
	cfgm     *config.Manager
	settings config.Settings
	applied  *config.Config

	sup     *supervisor.Supervisor
	diagSup *supervisor.Supervisor
	log     logx.Logger
	logs    *logx.Service
	bus     eventbus.Bus
	store   storage.Store

	queue    *queue.Queue
	client   *jpdb.Client
	recorder *history.Recorder
	sched    *schedule.Service

	// cancelJobs ends the context every queued job runs with.
	cancelJobs context.CancelFunc

	daemon bool
}

// New loads cfgPath and builds every component. Nothing runs until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	settings, err := config.Resolve(cfg)
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	store, err := storage.Open(storageConfig(settings), log.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	if store != nil {
		log.Debug("storage enabled", logx.String("driver", settings.StorageDriver))
	}

	jobCtx, cancelJobs := context.WithCancel(context.Background())
	q := queue.New(
		queue.WithContext(jobCtx),
		queue.WithBackoff(settings.FailureBackoff),
		queue.WithLogger(log.With(logx.String("comp", "queue"))),
		queue.WithBus(bus),
	)
	client := jpdb.New(q, clientConfig(settings), jpdb.WithLogger(log.With(logx.String("comp", "jpdb"))))
	rec := history.New(bus, store, history.WithLogger(log.With(logx.String("comp", "history"))))

	listDecks := func(ctx context.Context) error {
		decks, err := client.ListDecks(ctx)
		if err == nil {
			log.Debug("decks listed", logx.Int("count", len(decks)))
		}
		return err
	}
	actions := map[string]schedule.Action{
		config.ActionPing:      client.Ping,
		config.ActionListDecks: listDecks,
	}
	sched := schedule.New(actions,
		schedule.WithLogger(log.With(logx.String("comp", "scheduler"))),
		schedule.WithLocation(settings.Location),
	)
	if err := sched.Apply(scheduleEntries(settings)); err != nil {
		cancelJobs()
		if store != nil {
			_ = store.Close()
		}
		_ = logSvc.Close()
		return nil, err
	}

	cfgm.SetLogger(log.With(logx.String("comp", "config")))
	cfgm.SetValidator(func(_ context.Context, c *config.Config) error {
		_, err := config.Resolve(c)
		return err
	})

	return &App{
		cfgm:     cfgm,
		settings: settings,
		applied:  cfg,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		queue:    q,
		client:   client,
		recorder: rec,
		sched:    sched,

		cancelJobs: cancelJobs,
	}, nil
}

func (a *App) Client() *jpdb.Client         { return a.client }
func (a *App) Queue() *queue.Queue          { return a.queue }
func (a *App) History() *history.Recorder   { return a.recorder }
func (a *App) Schedules() *schedule.Service { return a.sched }
func (a *App) Logger() logx.Logger          { return a.log }
func (a *App) Settings() config.Settings    { return a.settings }

// Done is closed when the supervisor context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start runs the history recorder. One-shot commands need nothing else.
func (a *App) Start(ctx context.Context) error {
	if a.sup != nil {
		return fmt.Errorf("app already started")
	}
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log.With(logx.String("comp", "supervisor"))),
		supervisor.WithCancelOnError(true),
	)
	a.sup.Go("history.recorder", a.recorder.Run)
	return nil
}

// StartDaemon is Start plus the scheduler, config hot reload and systemd
// notifications.
func (a *App) StartDaemon(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		return err
	}
	a.daemon = true
	runCtx := a.sup.Context()

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return nil
			case newCfg, ok := <-sub:
				if !ok {
					return nil
				}
				a.applyConfig(latest(sub, newCfg))
			}
		}
	})
	a.sup.GoRestart("config.watch", a.cfgm.Watch, time.Second, 30*time.Second)
	a.sup.Go("systemd.watchdog", func(c context.Context) error {
		return systemd.Watchdog(c, func() bool { return a.sup.Err() == nil })
	})
	a.sup.Go("systemd.status", func(c context.Context) error {
		t := time.NewTicker(statusInterval)
		defer t.Stop()
		last := ""
		for {
			select {
			case <-c.Done():
				return nil
			case <-t.C:
				if line := statusLine(a.queue.Snapshot()); line != last {
					last = line
					_, _ = systemd.Status(line)
				}
			}
		}
	})

	a.sched.Start(runCtx)

	if d := a.settings.Diagnostics; d.Enabled {
		srv := diag.New(diag.Config{
			Addr:          d.Addr,
			Token:         d.Token,
			AllowInsecure: d.AllowInsecure,
			Pprof:         d.Pprof,
		}, func(c context.Context) (any, error) { return a.Status(c) }, a.log.With(logx.String("comp", "diag")))
		// Diagnostics are optional; a failing listener must not stop the daemon.
		a.diagSup = supervisor.New(runCtx, supervisor.WithLogger(a.log.With(logx.String("comp", "diag"))))
		a.diagSup.GoRestart("diagnostics.http", srv.Serve, time.Second, time.Minute)
	}

	if sent, err := systemd.Ready(); err != nil {
		a.log.Warn("systemd notify failed", logx.Err(err))
	} else if sent {
		a.log.Debug("systemd notified", logx.String("state", "READY"))
	}
	a.log.Info("daemon started",
		logx.String("base_url", a.settings.BaseURL),
		logx.Duration("api_delay", a.settings.APIDelay),
		logx.Duration("failure_backoff", a.settings.FailureBackoff),
		logx.Int("schedules", len(a.sched.Entries())),
	)
	return nil
}

const statusInterval = 10 * time.Second

// statusLine is the one-line summary shown by systemctl status.
func statusLine(snap queue.Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d pending, %d done, %d failed", snap.Pending, snap.Succeeded, snap.Failed)
	if snap.LastError != "" {
		msg := snap.LastError
		if len(msg) > 80 {
			msg = msg[:80] + "..."
		}
		fmt.Fprintf(&b, ", last error: %s", msg)
	}
	return b.String()
}

// Status is the document served on the diagnostics /status endpoint.
type Status struct {
	Queue      queue.Snapshot              `json:"queue"`
	Schedules  []schedule.Info             `json:"schedules"`
	Goroutines []supervisor.GoroutineStats `json:"goroutines"`
	Recent     []storage.JobRecord         `json:"recent"`
}

func (a *App) Status(ctx context.Context) (Status, error) {
	st := Status{
		Queue:     a.queue.Snapshot(),
		Schedules: a.sched.Entries(),
	}
	if a.sup != nil {
		st.Goroutines = a.sup.Snapshot()
	}
	if a.diagSup != nil {
		st.Goroutines = append(st.Goroutines, a.diagSup.Snapshot()...)
	}
	recent, err := a.recorder.Recent(ctx, 20)
	if err != nil {
		return Status{}, err
	}
	st.Recent = recent
	return st, nil
}

// latest drains queued reloads so only the newest config is applied.
func latest(sub <-chan *config.Config, cfg *config.Config) *config.Config {
	for {
		select {
		case newer := <-sub:
			if newer != nil {
				cfg = newer
			}
		default:
			return cfg
		}
	}
}

// applyConfig applies the parts of a reloaded config that can change at
// runtime. API credentials and storage need a restart.
func (a *App) applyConfig(newCfg *config.Config) {
	settings, err := config.Resolve(newCfg)
	if err != nil {
		a.log.Warn("reloaded config rejected; keeping previous", logx.Err(err))
		return
	}
	_, _ = systemd.Reloading()
	defer func() {
		_, _ = systemd.Ready()
		_, _ = systemd.Status("config reloaded; " + statusLine(a.queue.Snapshot()))
	}()

	sections, fields := config.Summarize(a.applied, newCfg)
	a.applied = newCfg
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	for _, s := range sections {
		switch s {
		case config.SectionLogging:
			a.logs.Apply(logConfig(newCfg))
		case config.SectionQueue:
			a.queue.SetBackoff(settings.FailureBackoff)
			a.client.SetDelays(settings.APIDelay, settings.ScrapeDelay)
		case config.SectionSchedules:
			if err := a.sched.Apply(scheduleEntries(settings)); err != nil {
				a.log.Warn("schedules not applied", logx.Err(err))
				settings.Schedules = a.settings.Schedules
			}
		case config.SectionAPI, config.SectionStorage, config.SectionDiagnostics, config.SectionTimezone:
			a.log.Warn("config section changed; restart required for changes to take effect", logx.String("section", s))
		}
	}
	// Keep reporting what is actually in effect for restart-only sections.
	settings.BaseURL, settings.Token, settings.UserAgent = a.settings.BaseURL, a.settings.Token, a.settings.UserAgent
	settings.Timeout, settings.MaxRPS = a.settings.Timeout, a.settings.MaxRPS
	settings.StorageDriver, settings.StoragePath = a.settings.StorageDriver, a.settings.StoragePath
	settings.StorageBusyTimeout, settings.StorageMaxRows = a.settings.StorageBusyTimeout, a.settings.StorageMaxRows
	settings.Diagnostics = a.settings.Diagnostics
	settings.Location = a.settings.Location
	a.settings = settings

	a.log.Info("config reloaded", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, fields...)...)
}

// Stop shuts components down in dependency order. Queued jobs are allowed to
// finish within ctx. It also releases an App that was never started.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	a.log.Debug("stopping", logx.String("reason", string(reason)))
	if a.daemon {
		_, _ = systemd.Stopping()
	}

	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, limit)
		defer cancel()
		if err := fn(stepCtx); err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		if took := time.Since(start); took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	}

	if a.diagSup != nil {
		step("diagnostics", 3*time.Second, a.diagSup.Stop)
	}
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	// Interrupted shutdowns abort in-flight requests instead of waiting them out.
	if reason == StopSignal || reason == StopFatalError {
		a.cancelJobs()
	}
	step("queue", 10*time.Second, a.queue.Close)
	a.cancelJobs()
	if a.sup != nil {
		step("supervisor", 3*time.Second, a.sup.Stop)
	}
	step("storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	if a.daemon {
		a.log.Info("stopped", logx.String("reason", string(reason)))
	}
	return a.logs.Close()
}
