package syncengine

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// DefaultPacingInterval spaces consecutive per-device updates.
const DefaultPacingInterval = 100 * time.Millisecond

// Pacer throttles per-device updates.
type Pacer interface {
	Wait(ctx context.Context) error
}

// NewIntervalPacer admits one update per interval with no burst.
func NewIntervalPacer(interval time.Duration) Pacer {
	if interval <= 0 {
		return NoopPacer{}
	}
	return rate.NewLimiter(rate.Every(interval), 1)
}

// NoopPacer never waits.
type NoopPacer struct{}

// Wait returns immediately unless ctx is already done.
func (NoopPacer) Wait(ctx context.Context) error {
	return ctx.Err()
}
