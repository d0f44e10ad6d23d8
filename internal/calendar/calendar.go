// Package calendar computes the service-local calendar day. Match days roll
// over at midnight in one fixed, named time zone regardless of where a user
// is.
package calendar

import (
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
)

// DateLayout is the wire and storage format of a match date.
const DateLayout = "2006-01-02"

// Calendar maps instants onto service-local dates.
type Calendar struct {
	loc *time.Location
	clk clockwork.Clock
}

// New loads the named time zone (e.g. "America/New_York").
func New(timeZone string, clk clockwork.Clock) (*Calendar, error) {
	loc, err := time.LoadLocation(timeZone)
	if err != nil {
		return nil, fmt.Errorf("calendar: load time zone %q: %w", timeZone, err)
	}
	return &Calendar{loc: loc, clk: clk}, nil
}

// Location returns the day-boundary time zone.
func (c *Calendar) Location() *time.Location {
	return c.loc
}

// Today returns the current service-local date.
func (c *Calendar) Today() string {
	return c.DateOf(c.clk.Now())
}

// DateOf returns the service-local date containing t.
func (c *Calendar) DateOf(t time.Time) string {
	return t.In(c.loc).Format(DateLayout)
}

// NextAt returns the next instant strictly after now whose local wall-clock
// time is hour:minute.
func (c *Calendar) NextAt(hour, minute int) time.Time {
	now := c.clk.Now().In(c.loc)
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, c.loc)
	if !next.After(now) {
		next = time.Date(now.Year(), now.Month(), now.Day()+1, hour, minute, 0, 0, c.loc)
	}
	return next
}

// ValidDate reports whether s is a well-formed match date.
func ValidDate(s string) bool {
	_, err := time.Parse(DateLayout, s)
	return err == nil
}
