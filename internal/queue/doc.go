// Package queue implements a sequential, rate-limited job queue.
//
// Callers enqueue opaque jobs from any goroutine and receive a Future for
// their own result. A single worker drains the queue in strict FIFO order,
// one job at a time. After a successful job the worker sleeps for the delay
// the job reported; after a failed job it sleeps a fixed backoff. Failed jobs
// are never retried.
//
// The queue exists to flatten every call a client makes into one ordered,
// paced stream so the remote service's rate limit is never exceeded.
package queue
