// Package retry provides exponential backoff schedules for reconnect loops.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/juju/clock"
)

// Config holds backoff configuration.
type Config struct {
	InitialWait time.Duration // Wait before the second attempt
	MaxWait     time.Duration // Upper bound of a single wait
	Multiplier  float64       // Backoff multiplier
	Jitter      float64       // Jitter factor (0-1)
}

// DefaultConfig returns the schedule used while waiting for an endpoint to
// become healthy again: 1s doubling up to 10s.
func DefaultConfig() Config {
	return Config{
		InitialWait: 1 * time.Second,
		MaxWait:     10 * time.Second,
		Multiplier:  2.0,
	}
}

// Delay returns the wait before the given attempt (1-based). Attempts below
// one yield no wait.
func (c Config) Delay(attempt int) time.Duration {
	if attempt < 1 || c.InitialWait <= 0 {
		return 0
	}
	mult := c.Multiplier
	if mult < 1 {
		mult = 1
	}

	wait := float64(c.InitialWait) * math.Pow(mult, float64(attempt-1))
	if c.MaxWait > 0 && wait > float64(c.MaxWait) {
		wait = float64(c.MaxWait)
	}

	if c.Jitter > 0 {
		jitter := wait * c.Jitter * (rand.Float64()*2 - 1)
		wait += jitter
	}
	return time.Duration(wait)
}

// Backoff walks a Config schedule one step at a time.
type Backoff struct {
	cfg     Config
	attempt int
}

// NewBackoff starts a schedule at its first step.
func NewBackoff(cfg Config) *Backoff {
	return &Backoff{cfg: cfg}
}

// Next returns the next wait and advances the schedule.
func (b *Backoff) Next() time.Duration {
	b.attempt++
	return b.cfg.Delay(b.attempt)
}

// Reset rewinds the schedule to its first step.
func (b *Backoff) Reset() {
	b.attempt = 0
}

// Sleep waits for d on clk or until ctx is done.
func Sleep(ctx context.Context, clk clock.Clock, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-clk.After(d):
		return nil
	}
}
