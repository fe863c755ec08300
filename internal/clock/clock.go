// Package clock abstracts wall-clock time for TTL and sliding-window logic.
//
// Every expiry decision in centrix (command TTLs, lock leases, approval
// tokens, alert windows, heartbeat freshness) compares a stored timestamp
// against Clock.Now(). Tests substitute testutil.FakeClock so windows can be
// crossed without sleeping.
package clock

import "time"

// Clock reports the current time.
type Clock interface {
	Now() time.Time
}

// System is the real wall clock.
type System struct{}

// Now returns time.Now().
func (System) Now() time.Time {
	return time.Now()
}

// Func adapts a plain function to the Clock interface.
type Func func() time.Time

// Now calls f.
func (f Func) Now() time.Time {
	return f()
}

// OrSystem returns c, or System when c is nil.
func OrSystem(c Clock) Clock {
	if c == nil {
		return System{}
	}
	return c
}

// Millis converts t to epoch milliseconds, the storage unit for timestamps.
func Millis(t time.Time) int64 {
	return t.UnixMilli()
}

// FromMillis converts epoch milliseconds back to a UTC time.
func FromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
