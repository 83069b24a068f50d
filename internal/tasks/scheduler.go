// Package tasks runs periodic background work.
package tasks

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

type Task interface {
	Name() string
	Interval() time.Duration
	Run(ctx context.Context) error
}

type entry struct {
	task    Task
	running atomic.Bool
	runs    atomic.Int64
}

// Scheduler runs each registered task once at start and then on its
// interval. A tick that arrives while the previous run is still going is
// skipped.
type Scheduler struct {
	entries []*entry
	wg      sync.WaitGroup
}

func NewScheduler(tasks ...Task) *Scheduler {
	s := &Scheduler{}
	for _, t := range tasks {
		s.Add(t)
	}
	return s
}

// Add registers a task. It must be called before Run.
func (s *Scheduler) Add(t Task) {
	s.entries = append(s.entries, &entry{task: t})
}

// Runs reports how many times the named task has completed a run.
func (s *Scheduler) Runs(name string) int64 {
	for _, e := range s.entries {
		if e.task.Name() == name {
			return e.runs.Load()
		}
	}
	return 0
}

// Run blocks until ctx is done, then waits for in-flight runs to return.
func (s *Scheduler) Run(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)

	for _, e := range s.entries {
		eg.Go(func() error {
			return s.loop(ctx, e)
		})
	}

	err := eg.Wait()
	s.wg.Wait()
	return err
}

func (s *Scheduler) loop(ctx context.Context, e *entry) error {
	interval := e.task.Interval()
	if interval <= 0 {
		slog.Warn("Task has no interval, running once", "task", e.task.Name())
		s.trigger(ctx, e)
		return nil
	}

	slog.Info("Scheduling task", "task", e.task.Name(), "interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.trigger(ctx, e)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.trigger(ctx, e)
		}
	}
}

func (s *Scheduler) trigger(ctx context.Context, e *entry) {
	if !e.running.CompareAndSwap(false, true) {
		slog.Debug("Task still running, skipping tick", "task", e.task.Name())
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer e.running.Store(false)

		start := time.Now()
		err := e.task.Run(ctx)
		e.runs.Add(1)

		switch {
		case err != nil && ctx.Err() != nil:
			slog.Debug("Task interrupted by shutdown", "task", e.task.Name())
		case err != nil:
			slog.Error("Task failed", "task", e.task.Name(), "duration", time.Since(start), "err", err)
		default:
			slog.Debug("Task finished", "task", e.task.Name(), "duration", time.Since(start))
		}
	}()
}
