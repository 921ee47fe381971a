// Package history persists finished queue jobs and keeps the most recent ones
// in memory.
package history

import (
	"context"
	"sync"
	"time"

	"jpdbq/internal/eventbus"
	"jpdbq/internal/queue"
	"jpdbq/internal/storage"
	logx "jpdbq/pkg/logx"
)

const (
	DefaultRingSize = 100

	writeTimeout = 5 * time.Second
)

// Recorder turns job.finished and job.failed events into JobRecords.
// It subscribes in New, so no event published after New returns is missed
// as long as Run is eventually called.
type Recorder struct {
	store storage.Store
	log   logx.Logger

	events <-chan eventbus.Event
	unsub  func()

	mu   sync.Mutex
	ring []storage.JobRecord
	next int
	full bool
}

type Option func(*Recorder)

func WithLogger(log logx.Logger) Option { return func(r *Recorder) { r.log = log } }

// WithRingSize sets how many records Snapshot keeps. Values below 1 use the default.
func WithRingSize(n int) Option {
	return func(r *Recorder) {
		if n > 0 {
			r.ring = make([]storage.JobRecord, n)
		}
	}
}

// New subscribes to bus. store may be nil, in which case records only live
// in memory.
func New(bus eventbus.Bus, store storage.Store, opts ...Option) *Recorder {
	r := &Recorder{
		store: store,
		log:   logx.Nop(),
		ring:  make([]storage.JobRecord, DefaultRingSize),
	}
	for _, o := range opts {
		o(r)
	}
	r.events, r.unsub = bus.Subscribe(256, queue.EventFinished, queue.EventFailed)
	return r
}

// Run records events until ctx ends. Events already buffered when ctx ends
// are still written before it returns.
func (r *Recorder) Run(ctx context.Context) error {
	defer r.unsub()
	for {
		select {
		case ev, ok := <-r.events:
			if !ok {
				return nil
			}
			r.handle(ev)
		case <-ctx.Done():
			r.flush()
			return ctx.Err()
		}
	}
}

func (r *Recorder) flush() {
	for {
		select {
		case ev, ok := <-r.events:
			if !ok {
				return
			}
			r.handle(ev)
		default:
			return
		}
	}
}

func (r *Recorder) handle(ev eventbus.Event) {
	je, ok := ev.Data.(queue.JobEvent)
	if !ok {
		return
	}
	rec := toRecord(je, ev.Type == queue.EventFinished)
	r.remember(rec)

	if r.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := r.store.AppendJob(ctx, rec); err != nil {
		r.log.Warn("history write failed", logx.String("id", rec.ID), logx.String("job", rec.Name), logx.Err(err))
	}
}

func toRecord(je queue.JobEvent, ok bool) storage.JobRecord {
	return storage.JobRecord{
		ID:           je.ID,
		Name:         je.Name,
		QueuedAt:     je.Queued,
		StartedAt:    je.Started,
		QueueDelayMS: je.QueueDelay.Milliseconds(),
		DurationMS:   je.Duration.Milliseconds(),
		PauseMS:      je.Pause.Milliseconds(),
		OK:           ok,
		Error:        je.Error,
	}
}

func (r *Recorder) remember(rec storage.JobRecord) {
	r.mu.Lock()
	r.ring[r.next] = rec
	r.next = (r.next + 1) % len(r.ring)
	if r.next == 0 {
		r.full = true
	}
	r.mu.Unlock()
}

// Snapshot returns the records seen by this process, newest first.
func (r *Recorder) Snapshot() []storage.JobRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.next
	if r.full {
		n = len(r.ring)
	}
	out := make([]storage.JobRecord, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, r.ring[(r.next-i+len(r.ring))%len(r.ring)])
	}
	return out
}

// Recent reads from the store when there is one, else from memory.
func (r *Recorder) Recent(ctx context.Context, limit int) ([]storage.JobRecord, error) {
	if r.store != nil {
		return r.store.RecentJobs(ctx, limit)
	}
	out := r.Snapshot()
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
