// Package scheduler triggers fetch cycles once or on a fixed interval,
// never running two cycles at the same time.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ppiankov/threatintel/internal/model"
)

// Runner executes one fetch cycle
type Runner interface {
	RunCycle(ctx context.Context) (*model.CycleResult, error)
}

// Scheduler is single-flight: a cycle never starts while another is running
type Scheduler struct {
	runner Runner
	logger *slog.Logger
	mu     sync.Mutex

	// newTicker is replaced in tests
	newTicker func(d time.Duration) (<-chan time.Time, func())
}

// New creates a scheduler for runner
func New(runner Runner, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		runner: runner,
		logger: logger,
		newTicker: func(d time.Duration) (<-chan time.Time, func()) {
			t := time.NewTicker(d)
			return t.C, t.Stop
		},
	}
}

// RunOnce runs a single cycle and returns its error. A concurrent call waits
// for the in-flight cycle to finish before starting its own.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.runner.RunCycle(ctx)
	return err
}

// RunForever runs a cycle every interval until ctx is cancelled. The first
// cycle starts one interval after the call. Cycle failures are logged and the
// loop continues. Cancellation does not interrupt a running cycle; RunForever
// returns once it has finished.
func (s *Scheduler) RunForever(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticks, stop := s.newTicker(interval)
	defer stop()

	s.logger.Info("scheduler started", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return ctx.Err()
		case <-ticks:
		}

		// Let the cycle outlive a shutdown signal
		if err := s.RunOnce(context.WithoutCancel(ctx)); err != nil {
			s.logger.Warn("cycle failed; waiting for next tick", "error", err)
		}

		if ctx.Err() != nil {
			s.logger.Info("scheduler stopped")
			return ctx.Err()
		}
	}
}
