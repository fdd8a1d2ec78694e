package connection

import (
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultMaxAttempts   = 5
	defaultBaseDelay     = 1 * time.Second
	defaultMaxDelay      = 5 * time.Second
	defaultDialTimeout   = 10 * time.Second
	defaultSignalTimeout = 3 * time.Second

	// Outbound signal budget (events per second, burst).
	defaultOutboundRate  = 20
	defaultOutboundBurst = 40
)

// Config tunes reconnect and outbound behavior.
type Config struct {
	// MaxAttempts is the number of consecutive failed dials after which
	// the manager gives up and enters Failed.
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration

	DialTimeout   time.Duration
	SignalTimeout time.Duration

	OutboundRate  rate.Limit
	OutboundBurst int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:   defaultMaxAttempts,
		BaseDelay:     defaultBaseDelay,
		MaxDelay:      defaultMaxDelay,
		DialTimeout:   defaultDialTimeout,
		SignalTimeout: defaultSignalTimeout,
		OutboundRate:  defaultOutboundRate,
		OutboundBurst: defaultOutboundBurst,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = d.BaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = c.BaseDelay
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = d.DialTimeout
	}
	if c.SignalTimeout <= 0 {
		c.SignalTimeout = d.SignalTimeout
	}
	if c.OutboundRate <= 0 {
		c.OutboundRate = d.OutboundRate
	}
	if c.OutboundBurst <= 0 {
		c.OutboundBurst = d.OutboundBurst
	}
	return c
}

// Backoff returns the delay before the retry that follows the given number
// of consecutive failures: BaseDelay doubled per failure, capped at MaxDelay.
func (c Config) Backoff(failures int) time.Duration {
	if failures < 1 {
		failures = 1
	}
	d := c.BaseDelay
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= c.MaxDelay {
			return c.MaxDelay
		}
	}
	if d > c.MaxDelay {
		return c.MaxDelay
	}
	return d
}
