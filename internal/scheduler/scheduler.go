// Package scheduler triggers periodic sync cycles on the configured interval.
package scheduler

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/Jorge-Nunes/tag-padrin/internal/syncengine"
)

// DefaultInterval is used when the interval source fails or reports zero.
const DefaultInterval = 60 * time.Second

var errMissingDependencies = errors.New("scheduler: runner and interval source are required")

// IntervalSource reports the current polling interval. It is read every
// time the timer is armed.
type IntervalSource interface {
	Interval(ctx context.Context) (time.Duration, error)
}

// CycleRunner runs one sync cycle.
type CycleRunner interface {
	RunCycle(ctx context.Context, trigger syncengine.Trigger) (syncengine.CycleResult, error)
}

// Config describes the dependencies of Scheduler.
type Config struct {
	Runner    CycleRunner
	Intervals IntervalSource
	Logger    *zap.Logger
}

// Scheduler fires scheduled cycles one interval apart.
type Scheduler struct {
	runner     CycleRunner
	intervals  IntervalSource
	logger     *zap.Logger
	reschedule chan struct{}
	cancel     context.CancelFunc
	done       chan struct{}
}

// New constructs a Scheduler. Call Start to begin.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Runner == nil || cfg.Intervals == nil {
		return nil, errMissingDependencies
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		runner:     cfg.Runner,
		intervals:  cfg.Intervals,
		logger:     logger,
		reschedule: make(chan struct{}, 1),
		done:       make(chan struct{}),
	}, nil
}

// Start launches the timer loop. The first cycle runs one interval after start.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	go s.loop(ctx)
}

// Stop ends the loop and waits for it to exit. A cycle already running is
// left to the engine; Engine.Stop joins it.
func (s *Scheduler) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
}

// Reschedule re-reads the interval and restarts the timer from now.
func (s *Scheduler) Reschedule() {
	select {
	case s.reschedule <- struct{}{}:
	default:
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	timer := time.NewTimer(s.currentInterval(ctx))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.reschedule:
			stopTimer(timer)
			timer.Reset(s.currentInterval(ctx))
		case <-timer.C:
			s.runScheduled(ctx)
			timer.Reset(s.currentInterval(ctx))
		}
	}
}

func (s *Scheduler) runScheduled(ctx context.Context) {
	s.logger.Info("scheduled sync starting")
	result, err := s.runner.RunCycle(ctx, syncengine.TriggerScheduled)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("scheduled sync failed", zap.Error(err))
		}
		return
	}
	if result.Skipped {
		return
	}
	s.logger.Info("scheduled sync finished",
		zap.Int("success", result.SuccessCount),
		zap.Int("total", result.TotalDevices))
}

func (s *Scheduler) currentInterval(ctx context.Context) time.Duration {
	interval, err := s.intervals.Interval(ctx)
	if err != nil {
		s.logger.Warn("interval lookup failed; using default", zap.Error(err))
		return DefaultInterval
	}
	if interval <= 0 {
		return DefaultInterval
	}
	s.logger.Debug("sync timer armed", zap.Duration("interval", interval))
	return interval
}

func stopTimer(timer *time.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
}
