// Package system provides the wall clock used to stamp signatures and artifact names.
package system

import "time"

// Clock reports the current time in a fixed location.
type Clock struct {
	loc *time.Location
}

// New creates a Clock that reports time in loc. A nil loc means UTC.
func New(loc *time.Location) *Clock {
	if loc == nil {
		loc = time.UTC
	}
	return &Clock{loc: loc}
}

// Now returns the current time in the clock's location.
func (c *Clock) Now() time.Time {
	return time.Now().In(c.loc)
}

// Location returns the location used by Now.
func (c *Clock) Location() *time.Location {
	return c.loc
}
