package queue

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"jpdbq/internal/eventbus"
	logx "jpdbq/pkg/logx"
)

type entry struct {
	id       string
	name     string
	job      Job
	fut      *Future
	queuedAt time.Time
}

// Queue serializes jobs through a single worker goroutine.
//
// The worker is spawned on the first Enqueue and then parks on the wake
// channel whenever the pending list runs dry. running is set by the enqueue
// that finds the queue idle and cleared by the worker when it empties the
// list; both happen under mu, so only one drain is ever active.
type Queue struct {
	mu      sync.Mutex
	pending []*entry
	running bool
	started bool
	closed  bool
	backoff time.Duration
	idle    chan struct{} // closed while idle

	lastErr   string
	lastJobAt time.Time

	wake   chan struct{}
	exited chan struct{}

	ctx   context.Context
	log   logx.Logger
	bus   eventbus.Bus
	sleep func(time.Duration)
	now   func() time.Time

	processed atomic.Uint64
	succeeded atomic.Uint64
	failed    atomic.Uint64
}

type Option func(*Queue)

// WithBackoff sets the fixed pause after a failed job. Negative means zero.
func WithBackoff(d time.Duration) Option {
	return func(q *Queue) { q.backoff = max(d, 0) }
}

func WithLogger(log logx.Logger) Option { return func(q *Queue) { q.log = log } }

func WithBus(bus eventbus.Bus) Option { return func(q *Queue) { q.bus = bus } }

// WithContext sets the context handed to every job. The queue never cancels
// it; it exists so jobs can carry request-scoped values.
func WithContext(ctx context.Context) Option {
	return func(q *Queue) {
		if ctx != nil {
			q.ctx = ctx
		}
	}
}

// WithSleep replaces the pause implementation. Tests use it to observe
// pacing and backoff without waiting on the wall clock.
func WithSleep(fn func(time.Duration)) Option {
	return func(q *Queue) {
		if fn != nil {
			q.sleep = fn
		}
	}
}

func New(opts ...Option) *Queue {
	idle := make(chan struct{})
	close(idle)
	q := &Queue{
		backoff: DefaultBackoff,
		idle:    idle,
		wake:    make(chan struct{}, 1),
		exited:  make(chan struct{}),
		ctx:     context.Background(),
		log:     logx.Nop(),
		sleep:   time.Sleep,
		now:     time.Now,
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// Enqueue appends job to the queue and returns its Future.
// It never blocks; every failure is reported through the Future.
func (q *Queue) Enqueue(job Job) *Future { return q.EnqueueNamed("", job) }

// EnqueueNamed is Enqueue with a label used in logs, events and history.
func (q *Queue) EnqueueNamed(name string, job Job) *Future {
	name = strings.TrimSpace(name)
	if name == "" {
		name = "job"
	}
	f := newFuture(uuid.NewString(), name)
	if job == nil {
		f.reject(ErrNilJob)
		return f
	}
	now := q.now()

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		f.reject(ErrClosed)
		return f
	}
	q.pending = append(q.pending, &entry{id: f.id, name: name, job: job, fut: f, queuedAt: now})
	pending := len(q.pending)
	// Published under mu so job.queued always precedes job.started.
	q.publish(EventQueued, JobEvent{ID: f.id, Name: name, Queued: now})
	kick := false
	if !q.running {
		q.running = true
		q.idle = make(chan struct{})
		kick = true
		if !q.started {
			q.started = true
			go q.worker()
		}
	}
	q.mu.Unlock()

	if kick {
		q.signal()
	}
	q.log.Debug("job.queued", logx.String("job", name), logx.String("id", f.id), logx.Int("pending", pending))
	return f
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) worker() {
	defer close(q.exited)
	for range q.wake {
		q.drain()

		q.mu.Lock()
		done := q.closed && !q.running
		q.mu.Unlock()
		if done {
			return
		}
	}
}

// drain runs pending entries until the list is empty, then marks the queue idle.
func (q *Queue) drain() {
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.pending = nil
			if q.running {
				q.running = false
				close(q.idle)
			}
			q.mu.Unlock()
			return
		}
		e := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		backoff := q.backoff
		q.mu.Unlock()

		if pause := q.run(e, backoff); pause > 0 {
			q.sleep(pause)
		}
	}
}

// run executes one entry, settles its future and returns how long the worker
// must pause before the next entry. Counters and events are updated before
// the future settles so a caller that wakes up sees them.
func (q *Queue) run(e *entry, backoff time.Duration) time.Duration {
	start := q.now()
	queueDelay := max(start.Sub(e.queuedAt), 0)
	ev := JobEvent{ID: e.id, Name: e.name, Queued: e.queuedAt, Started: start, QueueDelay: queueDelay}

	q.log.Debug("job.started", logx.String("job", e.name), logx.String("id", e.id), logx.Duration("queue_delay", queueDelay))
	q.publish(EventStarted, ev)

	val, delay, err := q.invoke(e)
	ev.Duration = q.now().Sub(start)
	q.processed.Add(1)

	if err != nil {
		q.failed.Add(1)
		q.noteResult(err.Error())
		ev.Pause = backoff
		ev.Error = err.Error()
		q.log.Warn("job.failed", logx.String("job", e.name), logx.String("id", e.id), logx.Err(err), logx.Duration("dur", ev.Duration), logx.Duration("backoff", backoff))
		q.publish(EventFailed, ev)
		e.fut.reject(err)
		return backoff
	}

	delay = max(delay, 0)
	q.succeeded.Add(1)
	q.noteResult("")
	ev.Pause = delay
	if ev.Duration >= 750*time.Millisecond {
		q.log.Info("job.finished", logx.String("job", e.name), logx.String("id", e.id), logx.Duration("dur", ev.Duration), logx.Duration("delay", delay))
	} else {
		q.log.Debug("job.finished", logx.String("job", e.name), logx.String("id", e.id), logx.Duration("dur", ev.Duration), logx.Duration("delay", delay))
	}
	q.publish(EventFinished, ev)
	e.fut.resolve(val)
	return delay
}

// invoke guards against job panics so one bad job can't kill the worker.
func (q *Queue) invoke(e *entry) (val any, delay time.Duration, err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := string(debug.Stack())
			q.log.Error("job.panic", logx.String("job", e.name), logx.String("id", e.id), logx.Any("panic", r), logx.String("stack", stack))
			val, delay, err = nil, 0, &PanicError{Value: r, Stack: stack}
		}
	}()
	return e.job(q.ctx)
}

func (q *Queue) noteResult(errStr string) {
	q.mu.Lock()
	q.lastJobAt = q.now()
	if errStr != "" {
		q.lastErr = errStr
	}
	q.mu.Unlock()
}

func (q *Queue) publish(typ string, ev JobEvent) {
	if q.bus == nil {
		return
	}
	q.bus.Publish(eventbus.Event{Type: typ, Time: q.now(), Data: ev})
}

// SetBackoff changes the pause applied after subsequent failures.
func (q *Queue) SetBackoff(d time.Duration) {
	q.mu.Lock()
	q.backoff = max(d, 0)
	q.mu.Unlock()
}

// Drain blocks until the queue is idle or ctx ends.
func (q *Queue) Drain(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	q.mu.Lock()
	idle := q.idle
	q.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting jobs, lets already queued jobs finish, and waits for
// the worker to exit or ctx to end. It is for process shutdown only.
func (q *Queue) Close(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		if !q.started {
			q.started = true
			close(q.exited)
		}
	}
	q.mu.Unlock()
	q.signal()

	select {
	case <-q.exited:
		q.log.Debug("queue closed")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("queue close: %w", ctx.Err())
	}
}

func (q *Queue) Snapshot() Snapshot {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Snapshot{
		Pending:   len(q.pending),
		Running:   q.running,
		Closed:    q.closed,
		Backoff:   q.backoff,
		Processed: q.processed.Load(),
		Succeeded: q.succeeded.Load(),
		Failed:    q.failed.Load(),
		LastError: q.lastErr,
		LastJobAt: q.lastJobAt,
	}
}
