package tasks_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"depot/internal/tasks"

	"github.com/stretchr/testify/require"
)

type fakeTask struct {
	name     string
	interval time.Duration
	delay    time.Duration
	err      error

	calls      atomic.Int64
	concurrent atomic.Int64
	overlap    atomic.Bool
}

func (f *fakeTask) Name() string            { return f.name }
func (f *fakeTask) Interval() time.Duration { return f.interval }

func (f *fakeTask) Run(ctx context.Context) error {
	if f.concurrent.Add(1) > 1 {
		f.overlap.Store(true)
	}
	defer f.concurrent.Add(-1)

	f.calls.Add(1)
	select {
	case <-time.After(f.delay):
	case <-ctx.Done():
		return ctx.Err()
	}
	return f.err
}

func runFor(t *testing.T, s *tasks.Scheduler, d time.Duration) {
	t.Helper()

	ctx, cancel := context.WithTimeout(t.Context(), d)
	defer cancel()
	require.NoError(t, s.Run(ctx))
}

func TestSchedulerRunsImmediatelyAndRepeats(t *testing.T) {
	t.Parallel()

	task := &fakeTask{name: "fast", interval: 20 * time.Millisecond}
	s := tasks.NewScheduler(task)

	runFor(t, s, 150*time.Millisecond)

	require.GreaterOrEqual(t, task.calls.Load(), int64(3))
	require.Equal(t, task.calls.Load(), s.Runs("fast"))
}

func TestSchedulerSkipsOverlappingRuns(t *testing.T) {
	t.Parallel()

	task := &fakeTask{name: "slow", interval: 10 * time.Millisecond, delay: 80 * time.Millisecond}
	s := tasks.NewScheduler(task)

	runFor(t, s, 200*time.Millisecond)

	require.False(t, task.overlap.Load(), "runs never overlap")
	require.LessOrEqual(t, task.calls.Load(), int64(3))
}

func TestSchedulerSurvivesTaskErrors(t *testing.T) {
	t.Parallel()

	failing := &fakeTask{name: "failing", interval: 10 * time.Millisecond, err: errors.New("boom")}
	healthy := &fakeTask{name: "healthy", interval: 10 * time.Millisecond}
	s := tasks.NewScheduler(failing, healthy)

	runFor(t, s, 100*time.Millisecond)

	require.Greater(t, failing.calls.Load(), int64(1), "a failure does not stop the schedule")
	require.Greater(t, healthy.calls.Load(), int64(1))
}

func TestSchedulerWaitsForInFlightRuns(t *testing.T) {
	t.Parallel()

	task := &fakeTask{name: "long", interval: time.Hour, delay: time.Hour}
	s := tasks.NewScheduler(task)

	done := make(chan error, 1)
	ctx, cancel := context.WithCancel(t.Context())
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return task.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
		require.Zero(t, task.concurrent.Load(), "Run returns only after the task observed cancellation")
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}
