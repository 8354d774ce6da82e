// Package utils provides utility functions for the application.
package utils

import (
	"fmt"
	"time"
	_ "time/tzdata" // scheduling zone must resolve on minimal images
)

const (
	dateLayout  = "2006-01-02"
	clockLayout = "15:04:05"
)

// UTCNow returns the current time in UTC
func UTCNow() time.Time {
	return time.Now().UTC()
}

// SchedulingClock reports wall time in the single deployment-wide scheduling
// zone so that every instance agrees on what is due.
type SchedulingClock struct {
	loc   *time.Location
	nowFn func() time.Time
}

// NewSchedulingClock loads the IANA zone by name
func NewSchedulingClock(zone string) (*SchedulingClock, error) {
	if zone == "" {
		zone = DefaultSchedulingTimezone
	}
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return nil, fmt.Errorf("failed to load scheduling timezone %q: %w", zone, err)
	}
	return &SchedulingClock{loc: loc, nowFn: time.Now}, nil
}

// NewFixedClock returns a clock whose now is produced by nowFn; used in tests and tools
func NewFixedClock(loc *time.Location, nowFn func() time.Time) *SchedulingClock {
	if loc == nil {
		loc = time.UTC
	}
	return &SchedulingClock{loc: loc, nowFn: nowFn}
}

// Location returns the scheduling zone
func (c *SchedulingClock) Location() *time.Location {
	return c.loc
}

// Now returns the current instant in the scheduling zone
func (c *SchedulingClock) Now() time.Time {
	return c.nowFn().In(c.loc)
}

// Today returns the local calendar date and time of day
func (c *SchedulingClock) Today() (date, clock string) {
	now := c.Now()
	return now.Format(dateLayout), now.Format(clockLayout)
}

// Tomorrow returns the local calendar date of the next day
func (c *SchedulingClock) Tomorrow() string {
	return c.Now().AddDate(0, 0, 1).Format(dateLayout)
}

// Combine interprets a local date and time of day as an instant in the scheduling zone
func (c *SchedulingClock) Combine(date, clock string) (time.Time, error) {
	t, err := time.ParseInLocation(dateLayout+" "+clockLayout, date+" "+clock, c.loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid schedule %s %s: %w", date, clock, err)
	}
	return t, nil
}

// IsDue reports whether a local date and time of day is at or before now
func (c *SchedulingClock) IsDue(date, clock string) bool {
	today, now := c.Today()
	return date < today || (date == today && clock <= now)
}
