package queue

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Future is the caller's handle on one enqueued job. It settles exactly once,
// either with the job's value or with its error.
type Future struct {
	id   string
	name string

	once sync.Once
	done chan struct{}
	val  any
	err  error
}

func newFuture(id, name string) *Future {
	return &Future{id: id, name: name, done: make(chan struct{})}
}

func (f *Future) ID() string   { return f.id }
func (f *Future) Name() string { return f.name }

// Done is closed once the future has settled.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the job settles or ctx ends. Giving up on the wait does
// not withdraw the job; it still runs in its turn.
func (f *Future) Wait(ctx context.Context) (any, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Result returns the outcome without blocking. ok is false while pending.
func (f *Future) Result() (val any, ok bool, err error) {
	select {
	case <-f.done:
		return f.val, true, f.err
	default:
		return nil, false, nil
	}
}

func (f *Future) resolve(v any) bool {
	settled := false
	f.once.Do(func() {
		f.val = v
		close(f.done)
		settled = true
	})
	return settled
}

func (f *Future) reject(err error) bool {
	settled := false
	f.once.Do(func() {
		f.err = err
		close(f.done)
		settled = true
	})
	return settled
}

// Await waits for f and asserts its value to T.
func Await[T any](ctx context.Context, f *Future) (T, error) {
	var zero T
	v, err := f.Wait(ctx)
	if err != nil {
		return zero, err
	}
	if v == nil {
		return zero, nil
	}
	out, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("%w: job %s returned %T, want %T", ErrResultType, f.name, v, zero)
	}
	return out, nil
}

// Do enqueues a typed job under name and waits for its result.
func Do[T any](ctx context.Context, q *Queue, name string, fn func(ctx context.Context) (T, time.Duration, error)) (T, error) {
	var job Job
	if fn != nil {
		job = func(ctx context.Context) (any, time.Duration, error) {
			v, d, err := fn(ctx)
			if err != nil {
				return nil, 0, err
			}
			return v, d, nil
		}
	}
	return Await[T](ctx, q.EnqueueNamed(name, job))
}
