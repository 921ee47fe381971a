package queue

import (
	"context"
	"time"
)

// DefaultBackoff is the pause after a failed job before the next one starts.
const DefaultBackoff = 1500 * time.Millisecond

// Job performs one external interaction. On success it returns its result
// and how long the queue must wait before starting the next job. On failure
// the delay is ignored and the queue's fixed backoff applies instead.
type Job func(ctx context.Context) (value any, delay time.Duration, err error)

// Event types published on the bus.
const (
	EventQueued   = "job.queued"
	EventStarted  = "job.started"
	EventFinished = "job.finished"
	EventFailed   = "job.failed"
)

// JobEvent is the payload of every job.* event.
type JobEvent struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Queued     time.Time     `json:"queued"`
	Started    time.Time     `json:"started,omitempty"`
	QueueDelay time.Duration `json:"queue_delay,omitempty"`
	Duration   time.Duration `json:"duration,omitempty"`
	// Pause is the pacing delay or backoff the worker applies after this job.
	Pause time.Duration `json:"pause,omitempty"`
	Error string        `json:"error,omitempty"`
}

// Snapshot is a point-in-time view for diagnostics.
type Snapshot struct {
	Pending   int
	Running   bool
	Closed    bool
	Backoff   time.Duration
	Processed uint64
	Succeeded uint64
	Failed    uint64
	LastError string
	LastJobAt time.Time
}
