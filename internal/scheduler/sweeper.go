// Package scheduler runs the periodic background checks: queue timeouts and expired
// agent break/away states. One ticker drives both; no per-entry timers.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/psds-microservice/routing-service/internal/service"
)

// DefaultInterval — интервал фоновой проверки.
const DefaultInterval = 60 * time.Second

// SweepRunner is the part of the routing service the sweeper drives.
type SweepRunner interface {
	RunSweeps(ctx context.Context) service.SweepResult
}

type Sweeper struct {
	runner   SweepRunner
	interval time.Duration
	logger   *slog.Logger
}

func NewSweeper(runner SweepRunner, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{runner: runner, interval: interval, logger: logger.With("component", "sweeper")}
}

func (s *Sweeper) Interval() time.Duration { return s.interval }

// RunOnce runs a single pass.
func (s *Sweeper) RunOnce(ctx context.Context) service.SweepResult {
	res := s.runner.RunSweeps(ctx)
	if res != (service.SweepResult{}) {
		s.logger.Info("sweep done",
			"timed_out", res.TimedOut,
			"states_reset", res.StatesReset,
			"pulled", res.Pulled)
	}
	return res
}

// Run blocks until ctx is done, sweeping on every tick.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.logger.Info("sweeper started", "interval", s.interval)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopped")
			return nil
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}
