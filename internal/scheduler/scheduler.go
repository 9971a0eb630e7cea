// Package scheduler runs periodic housekeeping against the state database.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"
)

//go:generate mockgen -destination=mocks/mock_pruner.go -package=mocks github.com/mattjoyce/eventgw/internal/scheduler Pruner

// Pruner deletes rows older than cutoff. *storage.DeliveryLog satisfies it.
type Pruner interface {
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}

// Task is one piece of periodic work. Run returns how many rows it removed.
type Task struct {
	Name   string
	Every  time.Duration
	Jitter time.Duration
	Run    func(ctx context.Context) (int64, error)
}

// RetentionTask prunes everything in p older than retention.
func RetentionTask(name string, p Pruner, retention, every time.Duration) Task {
	return Task{
		Name:   name,
		Every:  every,
		Jitter: every / 10,
		Run: func(ctx context.Context) (int64, error) {
			return p.Prune(ctx, time.Now().Add(-retention))
		},
	}
}

// Scheduler runs each Task on its own ticker until stopped.
type Scheduler struct {
	tasks  []Task
	logger *slog.Logger
	stopCh chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

// New creates a Scheduler. Tasks with a non-positive interval or nil Run are skipped.
func New(logger *slog.Logger, tasks ...Task) *Scheduler {
	s := &Scheduler{
		logger: logger.With("component", "scheduler"),
		stopCh: make(chan struct{}),
	}
	for _, t := range tasks {
		if t.Every <= 0 || t.Run == nil {
			s.logger.Debug("skipping task", "task", t.Name)
			continue
		}
		s.tasks = append(s.tasks, t)
	}
	return s
}

// Start runs every task once immediately, then on its interval.
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info("starting scheduler", "tasks", len(s.tasks))
	for _, t := range s.tasks {
		s.wg.Add(1)
		go s.loop(ctx, t)
	}
}

// Stop ends every loop and waits for in-flight runs.
func (s *Scheduler) Stop() {
	s.once.Do(func() { close(s.stopCh) })
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, t Task) {
	defer s.wg.Done()

	s.runOnce(ctx, t)

	timer := time.NewTimer(calculateJitteredInterval(t.Every, t.Jitter))
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			s.runOnce(ctx, t)
			timer.Reset(calculateJitteredInterval(t.Every, t.Jitter))
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, t Task) {
	n, err := t.Run(ctx)
	switch {
	case err != nil && !errors.Is(err, context.Canceled):
		s.logger.Error("task failed", "task", t.Name, "error", err)
	case n > 0:
		s.logger.Info("task pruned rows", "task", t.Name, "rows", n)
	default:
		s.logger.Debug("task ran", "task", t.Name)
	}
}

// calculateJitteredInterval adds up to jitter on top of base.
func calculateJitteredInterval(base, jitter time.Duration) time.Duration {
	if jitter <= 0 {
		return base
	}
	return base + time.Duration(rand.Int63n(jitter.Nanoseconds()))
}
