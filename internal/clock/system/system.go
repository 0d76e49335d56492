// Package system adapts the wall clock to the provision.Clock port. Every
// event timestamp in the service is stamped through this adapter, which is
// what lets tests substitute a deterministic clock.
package system

import "time"

// Clock stamps events with the current UTC wall time.
type Clock struct{}

// New returns the wall-clock adapter.
func New() *Clock {
	return &Clock{}
}

// Now reports the current time normalized to UTC.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}
