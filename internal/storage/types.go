package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage. An empty Driver or "none" disables it.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	MaxRows     int           // sqlite only; older rows are pruned
}

// JobRecord is one finished queue job. Keep it compact and schema-stable.
type JobRecord struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	QueuedAt     time.Time `json:"queued_at"`
	StartedAt    time.Time `json:"started_at"`
	QueueDelayMS int64     `json:"queue_delay_ms"`
	DurationMS   int64     `json:"duration_ms"`
	PauseMS      int64     `json:"pause_ms"`
	OK           bool      `json:"ok"`
	Error        string    `json:"error,omitempty"`
}
