// Package system provides the wall clock.
package system

import "time"

// Clock implements fanout.Clock. Times are UTC at millisecond precision so
// they round-trip through JSON signals unchanged.
type Clock struct{}

// New creates a new Clock.
func New() Clock {
	return Clock{}
}

// Now returns the current time.
func (Clock) Now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}
