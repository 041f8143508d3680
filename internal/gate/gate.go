package gate

import (
	"fmt"
	"time"
)

// Gate answers whether sending is permitted at a given wall-clock instant.
//
// The window is an inclusive-start/exclusive-end hour range in a fixed civil
// timezone: with start=7 end=22 sends are allowed from 07:00:00 up to (but not
// including) 22:00:00 local time. The predicate is pure and must be evaluated
// fresh on every decision; the answer changes as time passes.
type Gate struct {
	loc   *time.Location
	start int
	end   int
}

// New builds a gate for the given IANA timezone and hour range.
func New(timezone string, startHour, endHour int) (*Gate, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("gate: load timezone %q: %w", timezone, err)
	}
	if startHour < 0 || startHour > 23 {
		return nil, fmt.Errorf("gate: start hour %d out of range", startHour)
	}
	if endHour < 1 || endHour > 24 {
		return nil, fmt.Errorf("gate: end hour %d out of range", endHour)
	}
	if startHour >= endHour {
		return nil, fmt.Errorf("gate: start hour %d must be before end hour %d", startHour, endHour)
	}
	return &Gate{loc: loc, start: startHour, end: endHour}, nil
}

// IsOpen reports whether now falls inside the sending window.
func (g *Gate) IsOpen(now time.Time) bool {
	h := now.In(g.loc).Hour()
	return h >= g.start && h < g.end
}

// Location returns the gate's civil timezone.
func (g *Gate) Location() *time.Location { return g.loc }

// StartHour returns the window's opening hour.
func (g *Gate) StartHour() int { return g.start }

// EndHour returns the window's (exclusive) closing hour.
func (g *Gate) EndHour() int { return g.end }
