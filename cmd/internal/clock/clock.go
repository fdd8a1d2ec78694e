// Package clock abstracts wall time and one-shot timers so reconnect backoff,
// typing windows and heartbeats can be driven deterministically in tests.
package clock

import "time"

// Clock is the time source used by every timer-driven component.
type Clock interface {
	Now() time.Time
	// AfterFunc calls f in its own goroutine after d elapses.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a cancellable one-shot timer.
type Timer interface {
	// Stop prevents the timer from firing. It reports whether the call
	// stopped the timer.
	Stop() bool
}

// Real is the production clock.
type Real struct{}

// New returns the production clock.
func New() Real { return Real{} }

func (Real) Now() time.Time { return time.Now() }

func (Real) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
