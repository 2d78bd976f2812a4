// Package realclock implements the Clock port with the standard time package.
package realclock

import (
	"time"

	"github.com/foothold-sh/foothold/internal/ports"
)

// Clock implements ports.Clock using real wall-clock time.
type Clock struct{}

// New returns a new real Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time.
func (c *Clock) Now() time.Time {
	return time.Now()
}

// Since returns the time elapsed since t.
func (c *Clock) Since(t time.Time) time.Duration {
	return time.Since(t)
}

// After returns a channel that receives the current time after duration d.
func (c *Clock) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

// NewTicker returns a Ticker delivering real ticks.
func (c *Clock) NewTicker(d time.Duration) ports.Ticker {
	return &realTicker{ticker: time.NewTicker(d)}
}

type realTicker struct {
	ticker *time.Ticker
}

func (t *realTicker) C() <-chan time.Time {
	return t.ticker.C
}

func (t *realTicker) Stop() {
	t.ticker.Stop()
}

var _ ports.Clock = (*Clock)(nil)
