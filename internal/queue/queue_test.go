package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jpdbq/internal/eventbus"
)

type sleepRecorder struct {
	mu    sync.Mutex
	calls []time.Duration
}

func (r *sleepRecorder) sleep(d time.Duration) {
	r.mu.Lock()
	r.calls = append(r.calls, d)
	r.mu.Unlock()
}

func (r *sleepRecorder) get() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.calls...)
}

func value(v any, d time.Duration) Job {
	return func(context.Context) (any, time.Duration, error) { return v, d, nil }
}

func failing(err error) Job {
	return func(context.Context) (any, time.Duration, error) { return nil, 0, err }
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestEnqueueOnIdleQueueStartsWorker(t *testing.T) {
	t.Parallel()
	q := New(WithSleep(func(time.Duration) {}))

	got, err := q.Enqueue(value("ok", 0)).Wait(waitCtx(t))
	require.NoError(t, err)
	assert.Equal(t, "ok", got)

	require.NoError(t, q.Drain(waitCtx(t)))
	snap := q.Snapshot()
	assert.False(t, snap.Running)
	assert.Zero(t, snap.Pending)
	assert.EqualValues(t, 1, snap.Processed)

	// A second round after going idle needs no external trigger either.
	got, err = q.Enqueue(value("again", 0)).Wait(waitCtx(t))
	require.NoError(t, err)
	assert.Equal(t, "again", got)
}

func TestFIFOOrder(t *testing.T) {
	t.Parallel()
	q := New(WithSleep(func(time.Duration) {}))

	var mu sync.Mutex
	var order []int
	futs := make([]*Future, 0, 100)
	for i := 0; i < 100; i++ {
		i := i
		futs = append(futs, q.Enqueue(func(context.Context) (any, time.Duration, error) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return i, 0, nil
		}))
	}
	for i, f := range futs {
		v, err := f.Wait(waitCtx(t))
		require.NoError(t, err)
		assert.Equal(t, i, v)
	}
	for i := range order {
		assert.Equal(t, i, order[i])
	}
}

func TestFIFOOrderAcrossConcurrentProducers(t *testing.T) {
	t.Parallel()
	q := New(WithSleep(func(time.Duration) {}))

	// enqMu makes the enqueue order observable: seq records it.
	var enqMu sync.Mutex
	var seq []int
	var runMu sync.Mutex
	var ran []int

	var wg sync.WaitGroup
	futs := make(chan *Future, 200)
	for p := 0; p < 10; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				id := p*100 + i
				enqMu.Lock()
				seq = append(seq, id)
				futs <- q.Enqueue(func(context.Context) (any, time.Duration, error) {
					runMu.Lock()
					ran = append(ran, id)
					runMu.Unlock()
					return nil, 0, nil
				})
				enqMu.Unlock()
			}
		}(p)
	}
	wg.Wait()
	close(futs)
	for f := range futs {
		_, err := f.Wait(waitCtx(t))
		require.NoError(t, err)
	}
	assert.Equal(t, seq, ran)
}

func TestSingleActiveWorker(t *testing.T) {
	t.Parallel()
	q := New(WithSleep(func(time.Duration) {}))

	var active, overlaps atomic.Int32
	job := func(context.Context) (any, time.Duration, error) {
		if active.Add(1) > 1 {
			overlaps.Add(1)
		}
		time.Sleep(50 * time.Microsecond)
		active.Add(-1)
		return nil, 0, nil
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	var all []*Future
	for p := 0; p < 16; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				f := q.Enqueue(job)
				mu.Lock()
				all = append(all, f)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	for _, f := range all {
		_, err := f.Wait(waitCtx(t))
		require.NoError(t, err)
	}
	assert.Zero(t, overlaps.Load(), "job bodies overlapped")
	assert.EqualValues(t, 400, q.Snapshot().Processed)
}

func TestPacingUsesReportedDelay(t *testing.T) {
	t.Parallel()
	rec := &sleepRecorder{}
	q := New(WithSleep(rec.sleep), WithBackoff(time.Second))

	a := q.Enqueue(value("a", 200*time.Millisecond))
	b := q.Enqueue(value("b", 0))
	c := q.Enqueue(value("c", -time.Second))
	for _, f := range []*Future{a, b, c} {
		_, err := f.Wait(waitCtx(t))
		require.NoError(t, err)
	}
	require.NoError(t, q.Drain(waitCtx(t)))

	// Zero and negative delays pause for nothing.
	assert.Equal(t, []time.Duration{200 * time.Millisecond}, rec.get())
}

func TestPacingWallClock(t *testing.T) {
	t.Parallel()
	const delay = 60 * time.Millisecond
	q := New()

	var firstDone, secondStart time.Time
	first := q.Enqueue(func(context.Context) (any, time.Duration, error) {
		firstDone = time.Now()
		return nil, delay, nil
	})
	second := q.Enqueue(func(context.Context) (any, time.Duration, error) {
		secondStart = time.Now()
		return nil, 0, nil
	})
	_, err := first.Wait(waitCtx(t))
	require.NoError(t, err)
	_, err = second.Wait(waitCtx(t))
	require.NoError(t, err)

	assert.GreaterOrEqual(t, secondStart.Sub(firstDone), delay-5*time.Millisecond)
}

func TestBackoffAfterFailure(t *testing.T) {
	t.Parallel()
	const backoff = 80 * time.Millisecond
	q := New(WithBackoff(backoff))

	boom := errors.New("boom")
	var failedAt, nextStart time.Time
	bad := q.Enqueue(func(context.Context) (any, time.Duration, error) {
		failedAt = time.Now()
		return nil, 0, boom
	})
	next := q.Enqueue(func(context.Context) (any, time.Duration, error) {
		nextStart = time.Now()
		return "fine", 0, nil
	})

	_, err := bad.Wait(waitCtx(t))
	require.ErrorIs(t, err, boom)
	v, err := next.Wait(waitCtx(t))
	require.NoError(t, err)
	assert.Equal(t, "fine", v)
	assert.GreaterOrEqual(t, nextStart.Sub(failedAt), backoff-5*time.Millisecond)
}

func TestBackoffIsFixedNotExponential(t *testing.T) {
	t.Parallel()
	rec := &sleepRecorder{}
	q := New(WithSleep(rec.sleep), WithBackoff(1500*time.Millisecond))

	var futs []*Future
	for i := 0; i < 4; i++ {
		futs = append(futs, q.Enqueue(failing(errors.New("nope"))))
	}
	for _, f := range futs {
		_, err := f.Wait(waitCtx(t))
		require.Error(t, err)
	}
	require.NoError(t, q.Drain(waitCtx(t)))
	assert.Equal(t, []time.Duration{
		1500 * time.Millisecond, 1500 * time.Millisecond, 1500 * time.Millisecond, 1500 * time.Millisecond,
	}, rec.get())
}

func TestFailedJobIsNotRetried(t *testing.T) {
	t.Parallel()
	q := New(WithSleep(func(time.Duration) {}))

	var calls atomic.Int32
	f := q.Enqueue(func(context.Context) (any, time.Duration, error) {
		calls.Add(1)
		return nil, 0, errors.New("transient")
	})
	_, err := f.Wait(waitCtx(t))
	require.Error(t, err)
	require.NoError(t, q.Drain(waitCtx(t)))
	assert.EqualValues(t, 1, calls.Load())
	assert.EqualValues(t, 1, q.Snapshot().Failed)
}

func TestFailureIsolation(t *testing.T) {
	t.Parallel()
	q := New(WithSleep(func(time.Duration) {}))

	a := q.Enqueue(failing(errors.New("a failed")))
	b := q.Enqueue(value(42, 0))

	_, errA := a.Wait(waitCtx(t))
	require.EqualError(t, errA, "a failed")
	v, errB := b.Wait(waitCtx(t))
	require.NoError(t, errB)
	assert.Equal(t, 42, v)

	snap := q.Snapshot()
	assert.EqualValues(t, 1, snap.Succeeded)
	assert.EqualValues(t, 1, snap.Failed)
	assert.Equal(t, "a failed", snap.LastError)
}

func TestEndToEndSettlementOrder(t *testing.T) {
	t.Parallel()
	const backoff = 100 * time.Millisecond
	q := New(WithBackoff(backoff))

	// Each job checks that its predecessor had already settled when it
	// started, which is the ordering callers rely on.
	var ran []string
	var j1, j2 *Future
	start := time.Now()
	j1 = q.Enqueue(func(context.Context) (any, time.Duration, error) {
		ran = append(ran, "j1")
		return "x", 0, nil
	})
	j2 = q.Enqueue(func(context.Context) (any, time.Duration, error) {
		ran = append(ran, "j2")
		v, ok, err := j1.Result()
		assert.True(t, ok, "j1 not settled before j2 started")
		assert.NoError(t, err)
		assert.Equal(t, "x", v)
		return nil, 0, errors.New("boom")
	})
	j3 := q.Enqueue(func(context.Context) (any, time.Duration, error) {
		ran = append(ran, "j3")
		_, ok, err := j2.Result()
		assert.True(t, ok, "j2 not settled before j3 started")
		assert.EqualError(t, err, "boom")
		return "y", 0, nil
	})

	v, err := j3.Wait(waitCtx(t))
	elapsed := time.Since(start)
	require.NoError(t, err)
	assert.Equal(t, "y", v)
	assert.Equal(t, []string{"j1", "j2", "j3"}, ran)

	v, ok, err := j1.Result()
	require.True(t, ok)
	require.NoError(t, err)
	assert.Equal(t, "x", v)
	_, ok, err = j2.Result()
	require.True(t, ok)
	assert.EqualError(t, err, "boom")

	assert.GreaterOrEqual(t, elapsed, backoff)
	assert.Less(t, elapsed, backoff+900*time.Millisecond)
}

func TestJobsRunWithConfiguredContext(t *testing.T) {
	t.Parallel()
	type key struct{}
	base, cancel := context.WithCancel(context.WithValue(context.Background(), key{}, "app"))
	q := New(WithContext(base), WithSleep(func(time.Duration) {}))

	seen := q.Enqueue(func(ctx context.Context) (any, time.Duration, error) {
		return ctx.Value(key{}), 0, nil
	})
	v, err := seen.Wait(waitCtx(t))
	require.NoError(t, err)
	assert.Equal(t, "app", v)

	cancel()
	cancelled := q.Enqueue(func(ctx context.Context) (any, time.Duration, error) {
		return nil, 0, ctx.Err()
	})
	_, err = cancelled.Wait(waitCtx(t))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPanickingJobRejectsAndQueueContinues(t *testing.T) {
	t.Parallel()
	rec := &sleepRecorder{}
	q := New(WithSleep(rec.sleep), WithBackoff(time.Second))

	bad := q.Enqueue(func(context.Context) (any, time.Duration, error) { panic("kaboom") })
	good := q.Enqueue(value("still here", 0))

	_, err := bad.Wait(waitCtx(t))
	var pe *PanicError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "kaboom", pe.Value)
	assert.NotEmpty(t, pe.Stack)

	v, err := good.Wait(waitCtx(t))
	require.NoError(t, err)
	assert.Equal(t, "still here", v)
	assert.Equal(t, []time.Duration{time.Second}, rec.get())
}

func TestNilJobRejectsImmediately(t *testing.T) {
	t.Parallel()
	q := New()
	f := q.Enqueue(nil)
	_, ok, err := f.Result()
	require.True(t, ok)
	assert.ErrorIs(t, err, ErrNilJob)
	assert.False(t, q.Snapshot().Running)
}

func TestWaitCancelDoesNotCancelJob(t *testing.T) {
	t.Parallel()
	q := New(WithSleep(func(time.Duration) {}))

	release := make(chan struct{})
	var ran atomic.Bool
	f := q.Enqueue(func(context.Context) (any, time.Duration, error) {
		<-release
		ran.Store(true)
		return "done", 0, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.Wait(ctx)
	require.ErrorIs(t, err, context.Canceled)

	close(release)
	v, err := f.Wait(waitCtx(t))
	require.NoError(t, err)
	assert.Equal(t, "done", v)
	assert.True(t, ran.Load())
}

func TestCloseDrainsPendingAndRejectsNewWork(t *testing.T) {
	t.Parallel()
	q := New(WithSleep(func(time.Duration) {}))

	release := make(chan struct{})
	first := q.Enqueue(func(context.Context) (any, time.Duration, error) {
		<-release
		return 1, 0, nil
	})
	second := q.Enqueue(value(2, 0))

	closed := make(chan error, 1)
	go func() { closed <- q.Close(waitCtx(t)) }()

	require.Eventually(t, func() bool { return q.Snapshot().Closed }, time.Second, time.Millisecond)
	late := q.Enqueue(value(3, 0))
	_, err := late.Wait(waitCtx(t))
	require.ErrorIs(t, err, ErrClosed)

	close(release)
	require.NoError(t, <-closed)
	v1, err := first.Wait(waitCtx(t))
	require.NoError(t, err)
	v2, err := second.Wait(waitCtx(t))
	require.NoError(t, err)
	assert.Equal(t, 1, v1)
	assert.Equal(t, 2, v2)
}

func TestCloseUnusedQueue(t *testing.T) {
	t.Parallel()
	q := New()
	require.NoError(t, q.Close(waitCtx(t)))
	require.NoError(t, q.Close(waitCtx(t)))
}

func TestSetBackoffAppliesToLaterFailures(t *testing.T) {
	t.Parallel()
	rec := &sleepRecorder{}
	q := New(WithSleep(rec.sleep), WithBackoff(time.Second))

	_, err := q.Enqueue(failing(errors.New("one"))).Wait(waitCtx(t))
	require.Error(t, err)
	require.NoError(t, q.Drain(waitCtx(t)))

	q.SetBackoff(250 * time.Millisecond)
	_, err = q.Enqueue(failing(errors.New("two"))).Wait(waitCtx(t))
	require.Error(t, err)
	require.NoError(t, q.Drain(waitCtx(t)))

	assert.Equal(t, []time.Duration{time.Second, 250 * time.Millisecond}, rec.get())
	assert.Equal(t, 250*time.Millisecond, q.Snapshot().Backoff)
}

func TestLifecycleEvents(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16, "job.")
	defer unsub()

	q := New(WithBus(bus), WithSleep(func(time.Duration) {}), WithBackoff(time.Second))
	_, err := q.EnqueueNamed("parse", value("ok", 200*time.Millisecond)).Wait(waitCtx(t))
	require.NoError(t, err)
	_, err = q.EnqueueNamed("review", failing(errors.New("unsupported"))).Wait(waitCtx(t))
	require.Error(t, err)
	require.NoError(t, q.Drain(waitCtx(t)))

	var types []string
	var last JobEvent
	for len(types) < 6 {
		select {
		case ev := <-events:
			types = append(types, ev.Type)
			last = ev.Data.(JobEvent)
		case <-waitCtx(t).Done():
			t.Fatalf("timed out, got %v", types)
		}
	}
	assert.Equal(t, []string{
		EventQueued, EventStarted, EventFinished,
		EventQueued, EventStarted, EventFailed,
	}, types)
	assert.Equal(t, "review", last.Name)
	assert.Equal(t, "unsupported", last.Error)
	assert.Equal(t, time.Second, last.Pause)
}

func TestAwaitAndDo(t *testing.T) {
	t.Parallel()
	q := New(WithSleep(func(time.Duration) {}))

	n, err := Do(waitCtx(t), q, "count", func(context.Context) (int, time.Duration, error) {
		return 7, 0, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 7, n)

	_, err = Await[string](waitCtx(t), q.Enqueue(value(7, 0)))
	require.ErrorIs(t, err, ErrResultType)

	_, err = Do[int](waitCtx(t), q, "nil", nil)
	require.ErrorIs(t, err, ErrNilJob)
}
