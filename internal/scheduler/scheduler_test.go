package scheduler

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

func fastConfig() Config {
	return Config{
		Workers:     2,
		Tick:        5 * time.Millisecond,
		BaseBackoff: 10 * time.Millisecond,
		MaxBackoff:  40 * time.Millisecond,
	}
}

func newScheduler(cfg Config) *Scheduler {
	s := New(cfg, nil)
	s.jitter = func(time.Duration) time.Duration { return 0 }
	return s
}

// start runs the scheduler until the test ends
func start(t *testing.T, s *Scheduler) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.NoError(t, s.Run(ctx))
	}()
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})
}

func stateOf(s *Scheduler, id string) State {
	w, _ := s.Get(id)
	return w.State
}

// ============================================================================
// One-shot work
// ============================================================================

func TestEnqueueOnceSucceeds(t *testing.T) {
	s := newScheduler(fastConfig())
	start(t, s)

	var calls atomic.Int32
	id := s.EnqueueOnce("reconcile", func(context.Context) error {
		calls.Add(1)
		return nil
	})

	require.Eventually(t, func() bool { return stateOf(s, id) == StateSucceeded }, waitFor, time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())

	w, ok := s.Get(id)
	require.True(t, ok)
	assert.Equal(t, "reconcile", w.Name)
	assert.Equal(t, 1, w.Runs)
	assert.False(t, w.FinishedAt.IsZero())
}

func TestEnqueueOnceFailureIsNotRetried(t *testing.T) {
	s := newScheduler(fastConfig())
	start(t, s)

	var calls atomic.Int32
	id := s.EnqueueOnce("reconcile", func(context.Context) error {
		calls.Add(1)
		return errors.New("summaries unavailable")
	})

	require.Eventually(t, func() bool { return stateOf(s, id) == StateFailed }, waitFor, time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())

	w, _ := s.Get(id)
	assert.Equal(t, "summaries unavailable", w.LastError)
}

func TestEnqueueOnceIsNotDeduplicated(t *testing.T) {
	s := newScheduler(fastConfig())
	start(t, s)

	var calls atomic.Int32
	fn := func(context.Context) error { calls.Add(1); return nil }
	a := s.EnqueueOnce("reconcile", fn)
	b := s.EnqueueOnce("reconcile", fn)
	assert.NotEqual(t, a, b)

	require.Eventually(t, func() bool { return calls.Load() == 2 }, waitFor, time.Millisecond)
}

func TestPanickingWorkFails(t *testing.T) {
	s := newScheduler(fastConfig())
	start(t, s)

	id := s.EnqueueOnce("boom", func(context.Context) error { panic("bad state") })
	require.Eventually(t, func() bool { return stateOf(s, id) == StateFailed }, waitFor, time.Millisecond)

	w, _ := s.Get(id)
	assert.Contains(t, w.LastError, "bad state")
}

func TestFinishedHistoryIsPruned(t *testing.T) {
	cfg := fastConfig()
	cfg.KeepHistory = 2
	s := newScheduler(cfg)
	start(t, s)

	var calls atomic.Int32
	for i := 0; i < 5; i++ {
		s.EnqueueOnce("reconcile", func(context.Context) error { calls.Add(1); return nil })
	}

	require.Eventually(t, func() bool { return calls.Load() == 5 }, waitFor, time.Millisecond)
	require.Eventually(t, func() bool { return len(s.List()) == 2 }, waitFor, time.Millisecond)
}

// TestCancelledPeriodicHistoryIsPruned: repeated cancel / reschedule of the
// same periodic work keeps at most KeepHistory cancelled items
func TestCancelledPeriodicHistoryIsPruned(t *testing.T) {
	cfg := fastConfig()
	cfg.KeepHistory = 3
	s := newScheduler(cfg)
	noop := func(context.Context) error { return nil }

	var ids []string
	for i := 0; i < 10; i++ {
		id, err := s.SchedulePeriodic("detect", Periodic{Interval: time.Hour}, noop)
		require.NoError(t, err)
		ids = append(ids, id)
		require.NoError(t, s.Cancel("detect"))
	}
	// REPLACE 取消的舊工作也算在內
	for i := 0; i < 5; i++ {
		_, err := s.SchedulePeriodic("detect", Periodic{Interval: time.Hour, Policy: PolicyReplace}, noop)
		require.NoError(t, err)
	}

	assert.Len(t, s.List(), cfg.KeepHistory+1)
	assert.Equal(t, 1, s.Stats()[StateEnqueued])
	assert.Equal(t, cfg.KeepHistory, s.Stats()[StateCancelled])

	_, ok := s.Get(ids[0])
	assert.False(t, ok, "oldest cancelled item is gone")
	w, ok := s.Lookup("detect")
	require.True(t, ok)
	assert.Equal(t, StateEnqueued, w.State)
}

// ============================================================================
// Periodic work
// ============================================================================

func TestSchedulePeriodicKeepsExisting(t *testing.T) {
	s := newScheduler(fastConfig())
	noop := func(context.Context) error { return nil }

	id1, err := s.SchedulePeriodic("detect", Periodic{Interval: time.Hour, Flex: 10 * time.Minute}, noop)
	require.NoError(t, err)
	id2, err := s.SchedulePeriodic("detect", Periodic{Interval: time.Minute}, noop)
	require.NoError(t, err)

	assert.Equal(t, id1, id2)
	assert.Equal(t, 1, s.Stats()[StateEnqueued])

	w, ok := s.Lookup("detect")
	require.True(t, ok)
	assert.Equal(t, time.Hour, w.Interval, "KEEP ignores the new parameters")
}

func TestSchedulePeriodicReplace(t *testing.T) {
	s := newScheduler(fastConfig())
	noop := func(context.Context) error { return nil }

	id1, err := s.SchedulePeriodic("detect", Periodic{Interval: time.Hour}, noop)
	require.NoError(t, err)
	id2, err := s.SchedulePeriodic("detect", Periodic{Interval: time.Minute, Policy: PolicyReplace}, noop)
	require.NoError(t, err)

	assert.NotEqual(t, id1, id2)
	assert.Equal(t, StateCancelled, stateOf(s, id1))
	assert.Equal(t, StateEnqueued, stateOf(s, id2))
}

func TestSchedulePeriodicRejectsZeroInterval(t *testing.T) {
	s := newScheduler(fastConfig())
	_, err := s.SchedulePeriodic("detect", Periodic{}, func(context.Context) error { return nil })
	assert.Error(t, err)
}

func TestNextRunFallsInFlexWindow(t *testing.T) {
	s := New(fastConfig(), nil)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }

	_, err := s.SchedulePeriodic("detect", Periodic{Interval: 12 * time.Hour, Flex: 3 * time.Hour}, func(context.Context) error { return nil })
	require.NoError(t, err)

	w, _ := s.Lookup("detect")
	assert.False(t, w.NextRun.Before(base.Add(9*time.Hour)))
	assert.True(t, w.NextRun.Before(base.Add(12*time.Hour)))
}

func TestPeriodicRepeats(t *testing.T) {
	s := newScheduler(fastConfig())
	start(t, s)

	var calls atomic.Int32
	_, err := s.SchedulePeriodic("detect", Periodic{Interval: 20 * time.Millisecond}, func(context.Context) error {
		calls.Add(1)
		return nil
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return calls.Load() >= 3 }, waitFor, time.Millisecond)
	w, _ := s.Lookup("detect")
	assert.NotEqual(t, StateSucceeded, w.State, "periodic work never terminates on success")
}

func TestPeriodicFailureBacksOff(t *testing.T) {
	s := newScheduler(fastConfig())
	start(t, s)

	var calls atomic.Int32
	_, err := s.SchedulePeriodic("detect", Periodic{Interval: time.Hour}, func(context.Context) error {
		if calls.Add(1) <= 2 {
			return errors.New("engine busy")
		}
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, s.TriggerNow("detect"))

	require.Eventually(t, func() bool {
		w, _ := s.Lookup("detect")
		return calls.Load() == 3 && w.State == StateEnqueued
	}, waitFor, time.Millisecond)

	w, _ := s.Lookup("detect")
	assert.Zero(t, w.Attempts, "success resets the backoff")
	assert.Empty(t, w.LastError)
	assert.Equal(t, 3, w.Runs)
	assert.True(t, w.NextRun.After(time.Now().Add(50*time.Minute)), "back on the regular period")
}

func TestBackoff(t *testing.T) {
	base, ceiling := 30*time.Second, 5*time.Hour
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 30 * time.Second},
		{1, 30 * time.Second},
		{2, time.Minute},
		{3, 2 * time.Minute},
		{10, 512 * 30 * time.Second},
		{11, 5 * time.Hour},
		{100, 5 * time.Hour},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Backoff(base, ceiling, tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestTriggerNowUnknown(t *testing.T) {
	s := newScheduler(fastConfig())
	assert.ErrorIs(t, s.TriggerNow("nope"), ErrUnknownWork)
	assert.ErrorIs(t, s.Cancel("nope"), ErrUnknownWork)
}

// ============================================================================
// Cancellation & constraints
// ============================================================================

func TestCancelRunningWork(t *testing.T) {
	s := newScheduler(fastConfig())
	start(t, s)

	started := make(chan struct{})
	stopped := make(chan error, 1)
	id, err := s.SchedulePeriodic("detect", Periodic{Interval: time.Hour}, func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		stopped <- ctx.Err()
		return ctx.Err()
	})
	require.NoError(t, err)
	require.NoError(t, s.TriggerNow("detect"))

	<-started
	require.NoError(t, s.Cancel("detect"))

	select {
	case err := <-stopped:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(waitFor):
		t.Fatal("running work was not cancelled")
	}

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StateCancelled, stateOf(s, id))
	_, ok := s.Lookup("detect")
	assert.False(t, ok, "cancelled work frees its name")
}

func TestConstraintDefersPeriodicOnly(t *testing.T) {
	var online atomic.Bool
	cfg := fastConfig()
	cfg.Constraints = []Constraint{func(context.Context) error {
		if !online.Load() {
			return ErrUnreachable
		}
		return nil
	}}
	s := newScheduler(cfg)
	start(t, s)

	var periodic, once atomic.Int32
	_, err := s.SchedulePeriodic("detect", Periodic{Interval: time.Hour}, func(context.Context) error {
		periodic.Add(1)
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, s.TriggerNow("detect"))
	s.EnqueueOnce("reconcile", func(context.Context) error { once.Add(1); return nil })

	require.Eventually(t, func() bool { return once.Load() == 1 }, waitFor, time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, periodic.Load())

	online.Store(true)
	require.Eventually(t, func() bool { return periodic.Load() == 1 }, waitFor, time.Millisecond)
}

func TestRunTwice(t *testing.T) {
	s := newScheduler(fastConfig())
	start(t, s)

	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.running
	}, waitFor, time.Millisecond)
	assert.ErrorIs(t, s.Run(context.Background()), ErrAlreadyRunning)
}

func TestNetworkReachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	check := NetworkReachable(srv.URL, srv.Client(), time.Second)
	assert.NoError(t, check(context.Background()), "any HTTP response counts as reachable")

	srv.Close()
	assert.ErrorIs(t, check(context.Background()), ErrUnreachable)
}
