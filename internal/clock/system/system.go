// Package system provides the wall clock behind sync runs and job stamps.
package system

import "time"

// Clock reports UTC time. Catalog days are UTC days, so a sync's default
// end day is taken from this clock rather than local time.
type Clock struct {
	pinned time.Time
}

// New returns a Clock that follows the wall clock.
func New() *Clock {
	return &Clock{}
}

// At returns a Clock pinned to t, for replaying a sync as of a given day.
func At(t time.Time) *Clock {
	return &Clock{pinned: t.UTC()}
}

// Now returns the current time in UTC.
func (c *Clock) Now() time.Time {
	if c == nil || c.pinned.IsZero() {
		return time.Now().UTC()
	}
	return c.pinned
}
