package engine

import (
	"context"
	"errors"
	"time"

	"github.com/coder/quartz"
)

const tickerTag = "roundclock"

// RoundClock fires the engine's tick handler at a fixed interval from a
// single monotonic clock source. Phase transitions are driven entirely
// by the timestamps it hands the handler, so round behavior does not
// depend on how many ticks actually fired.
type RoundClock struct {
	clock    quartz.Clock
	interval time.Duration
}

// NewRoundClock creates a clock driver. A non-positive interval falls
// back to 100ms.
func NewRoundClock(clock quartz.Clock, interval time.Duration) *RoundClock {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	return &RoundClock{clock: clock, interval: interval}
}

// Interval returns the tick period.
func (rc *RoundClock) Interval() time.Duration {
	return rc.interval
}

// Run invokes tick with the current time once per interval until ctx is
// cancelled. Cancellation is a clean stop, not an error.
func (rc *RoundClock) Run(ctx context.Context, tick func(now time.Time)) error {
	waiter := rc.clock.TickerFunc(ctx, rc.interval, func() error {
		tick(rc.clock.Now())
		return nil
	}, tickerTag)

	err := waiter.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}
