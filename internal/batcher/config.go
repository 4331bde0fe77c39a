package batcher

import (
	"errors"
	"fmt"
	"time"

	"batchlog/internal/batch"
)

var (
	// ErrClosed is returned by operations on a closed Batcher or Factory.
	ErrClosed = errors.New("batcher closed")
	// ErrInvalidConfig wraps every configuration rejection.
	ErrInvalidConfig = errors.New("invalid batcher config")
	// ErrDrainTimeout is reported when shutdown gave up on some destinations.
	ErrDrainTimeout = errors.New("drain timed out")
)

// Config holds the timing policy of one destination.
type Config struct {
	// IdleThreshold is the debounce delay measured from the last arrival.
	IdleThreshold time.Duration
	// MaximumWaitTime caps latency, measured from the first pending arrival.
	MaximumWaitTime time.Duration
	// CooldownTime is the minimum spacing between two flushes.
	CooldownTime time.Duration
	// MaxDistinctArgs bounds the argument tuples kept per group. 0 selects
	// batch.DefaultMaxDistinctArgs.
	MaxDistinctArgs int
	// Throttle enables adaptive throttling of deliveries when non-nil.
	Throttle *ThrottleConfig
}

func DefaultConfig() Config {
	return Config{
		IdleThreshold:   time.Second,
		MaximumWaitTime: 30 * time.Second,
		CooldownTime:    15 * time.Second,
		MaxDistinctArgs: batch.DefaultMaxDistinctArgs,
	}
}

func (c Config) Validate() error {
	if c.IdleThreshold <= 0 {
		return fmt.Errorf("%w: idle_threshold must be > 0 (got %s)", ErrInvalidConfig, c.IdleThreshold)
	}
	if c.MaximumWaitTime <= 0 {
		return fmt.Errorf("%w: maximum_wait_time must be > 0 (got %s)", ErrInvalidConfig, c.MaximumWaitTime)
	}
	if c.CooldownTime < 0 {
		return fmt.Errorf("%w: cooldown_time must be >= 0 (got %s)", ErrInvalidConfig, c.CooldownTime)
	}
	if c.MaxDistinctArgs < 0 {
		return fmt.Errorf("%w: max_distinct_args must be >= 0 (got %d)", ErrInvalidConfig, c.MaxDistinctArgs)
	}
	if c.Throttle != nil {
		if err := c.Throttle.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// ThrottleConfig describes the spacing ladder of a Throttler.
//
// With Steps set, the ladder is exactly Steps. Otherwise it starts at
// MinSpacing and doubles up to Ceiling (16x MinSpacing when Ceiling is 0).
// One level is given back per QuietPeriod without flush attempts; a zero
// QuietPeriod uses the top of the ladder.
type ThrottleConfig struct {
	MinSpacing  time.Duration
	Ceiling     time.Duration
	QuietPeriod time.Duration
	Steps       []time.Duration
}

const defaultCeilingFactor = 16

func (c ThrottleConfig) Validate() error {
	if c.QuietPeriod < 0 {
		return fmt.Errorf("%w: throttle.quiet_period must be >= 0 (got %s)", ErrInvalidConfig, c.QuietPeriod)
	}
	if len(c.Steps) > 0 {
		for i, d := range c.Steps {
			if d <= 0 {
				return fmt.Errorf("%w: throttle.steps[%d] must be > 0 (got %s)", ErrInvalidConfig, i, d)
			}
			if i > 0 && d < c.Steps[i-1] {
				return fmt.Errorf("%w: throttle.steps must be non-decreasing (steps[%d]=%s < %s)", ErrInvalidConfig, i, d, c.Steps[i-1])
			}
		}
		return nil
	}
	if c.MinSpacing <= 0 {
		return fmt.Errorf("%w: throttle.min_spacing must be > 0 (got %s)", ErrInvalidConfig, c.MinSpacing)
	}
	if c.Ceiling != 0 && c.Ceiling < c.MinSpacing {
		return fmt.Errorf("%w: throttle.ceiling %s is below min_spacing %s", ErrInvalidConfig, c.Ceiling, c.MinSpacing)
	}
	return nil
}

// Ladder returns the spacing for each throttle level, lowest first.
func (c ThrottleConfig) Ladder() []time.Duration {
	if len(c.Steps) > 0 {
		return append([]time.Duration(nil), c.Steps...)
	}
	ceiling := c.Ceiling
	if ceiling <= 0 {
		ceiling = c.MinSpacing * defaultCeilingFactor
	}
	var out []time.Duration
	for d := c.MinSpacing; ; d *= 2 {
		if d >= ceiling {
			return append(out, ceiling)
		}
		out = append(out, d)
	}
}

func (c ThrottleConfig) quietPeriod(ladder []time.Duration) time.Duration {
	if c.QuietPeriod > 0 {
		return c.QuietPeriod
	}
	return ladder[len(ladder)-1]
}
