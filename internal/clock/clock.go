// Package clock abstracts time so deadline-driven code can be driven by
// a fake clock in tests.
package clock

import "time"

// Clock is the time source used by the coordinator, the consensus
// engine, and the transports.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	// AfterFunc calls f on its own goroutine (real clock) or inline
	// during Advance (fake clock) once d has elapsed.
	AfterFunc(d time.Duration, f func()) *Timer
	NewTicker(d time.Duration) *Ticker
}

// Timer is a handle to a pending AfterFunc call.
type Timer struct {
	stop func() bool
}

// Stop prevents the timer from firing. It reports whether the call
// stopped the timer; false means it already fired or was stopped.
func (t *Timer) Stop() bool {
	if t == nil || t.stop == nil {
		return false
	}
	return t.stop()
}

// Ticker delivers ticks on C until stopped.
type Ticker struct {
	C    <-chan time.Time
	stop func()
}

// Stop turns off the ticker.
func (t *Ticker) Stop() {
	if t != nil && t.stop != nil {
		t.stop()
	}
}
