// Package retention deletes aged audit and position rows on a fixed cadence.
package retention

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/Jorge-Nunes/tag-padrin/internal/metrics"
	"github.com/Jorge-Nunes/tag-padrin/internal/tracking"
)

const (
	// DefaultDays is the retention window applied when none is configured.
	DefaultDays         = 7
	defaultInterval     = 24 * time.Hour
	defaultInitialDelay = time.Minute
)

// Pruner removes rows created before a cutoff.
type Pruner interface {
	PruneOlderThan(ctx context.Context, cutoff time.Time) (tracking.PruneCounts, error)
}

// Config holds the parameters for NewSweeper. Days of 0 disables sweeping.
type Config struct {
	Days         int
	Interval     time.Duration
	InitialDelay time.Duration
	Clock        func() time.Time
	Logger       *zap.Logger
}

// Sweeper runs PruneOlderThan once after an initial delay and then on every
// interval until stopped.
type Sweeper struct {
	pruner       Pruner
	retention    time.Duration
	interval     time.Duration
	initialDelay time.Duration
	clock        func() time.Time
	logger       *zap.Logger
	started      bool
	cancel       context.CancelFunc
	done         chan struct{}
}

// NewSweeper creates a sweeper but does not start it.
func NewSweeper(pruner Pruner, cfg Config) *Sweeper {
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	initialDelay := cfg.InitialDelay
	if initialDelay < 0 {
		initialDelay = defaultInitialDelay
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		pruner:       pruner,
		retention:    time.Duration(cfg.Days) * 24 * time.Hour,
		interval:     interval,
		initialDelay: initialDelay,
		clock:        clock,
		logger:       logger,
		done:         make(chan struct{}),
	}
}

// Start launches the background loop. It returns immediately.
func (s *Sweeper) Start(ctx context.Context) {
	s.started = true
	if s.retention <= 0 {
		s.logger.Info("retention sweeper disabled")
		close(s.done)
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	go s.loop(ctx)
	s.logger.Info("retention sweeper started",
		zap.Duration("retention", s.retention),
		zap.Duration("interval", s.interval),
		zap.Duration("initial_delay", s.initialDelay))
}

// Stop signals the loop to exit and waits for it. It is a no-op before Start.
func (s *Sweeper) Stop() {
	if !s.started {
		return
	}
	if s.cancel != nil {
		s.cancel()
	}
	<-s.done
}

// Sweep deletes every row older than the retention window.
func (s *Sweeper) Sweep(ctx context.Context) (tracking.PruneCounts, error) {
	cutoff := s.clock().UTC().Add(-s.retention)
	counts, err := s.pruner.PruneOlderThan(ctx, cutoff)
	if err != nil {
		s.logger.Error("retention sweep failed", zap.Time("cutoff", cutoff), zap.Error(err))
		return tracking.PruneCounts{}, err
	}
	metrics.RetentionDeleted.WithLabelValues("sync_logs").Add(float64(counts.SyncLogs))
	metrics.RetentionDeleted.WithLabelValues("forward_logs").Add(float64(counts.ForwardLogs))
	metrics.RetentionDeleted.WithLabelValues("positions").Add(float64(counts.Positions))
	s.logger.Info("retention sweep finished",
		zap.Time("cutoff", cutoff),
		zap.Int64("sync_logs", counts.SyncLogs),
		zap.Int64("forward_logs", counts.ForwardLogs),
		zap.Int64("positions", counts.Positions))
	return counts, nil
}

func (s *Sweeper) loop(ctx context.Context) {
	defer close(s.done)

	delay := time.NewTimer(s.initialDelay)
	select {
	case <-ctx.Done():
		delay.Stop()
		return
	case <-delay.C:
	}
	_, _ = s.Sweep(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = s.Sweep(ctx)
		}
	}
}
