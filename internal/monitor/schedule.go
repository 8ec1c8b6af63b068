package monitor

import "time"

// Config bounds the adaptive probe backoff.
type Config struct {
	DefaultDelay   time.Duration
	MaxDelay       time.Duration
	StallThreshold time.Duration
	InboxSize      int
}

const (
	defaultProbeDelay     = 5 * time.Second
	defaultStallThreshold = 1200 * time.Second
	defaultInboxSize      = 64
)

func (c Config) withDefaults() Config {
	if c.DefaultDelay <= 0 {
		c.DefaultDelay = defaultProbeDelay
	}
	if c.MaxDelay < c.DefaultDelay {
		c.MaxDelay = 10 * c.DefaultDelay
	}
	if c.StallThreshold <= 0 {
		c.StallThreshold = defaultStallThreshold
	}
	if c.InboxSize <= 0 {
		c.InboxSize = defaultInboxSize
	}
	return c
}

// ProbeSchedule is the per-monitor probing state. Timeout only grows while
// the stall persists past the threshold and is capped at MaxDelay.
type ProbeSchedule struct {
	Running       bool
	StopRequested bool
	Timeout       time.Duration
}

// NextProbeDelay doubles current while the stall exceeds the threshold and
// resets to the default otherwise. The result never exceeds MaxDelay.
func NextProbeDelay(current, stall time.Duration, cfg Config) time.Duration {
	cfg = cfg.withDefaults()
	if stall <= cfg.StallThreshold {
		return cfg.DefaultDelay
	}
	if current < cfg.DefaultDelay {
		current = cfg.DefaultDelay
	}
	if current > cfg.MaxDelay/2 {
		return cfg.MaxDelay
	}
	return current * 2
}
