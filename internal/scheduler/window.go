package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Window is a recurring fire time plus a grace period. A scanner that wakes
// up inside [fire, fire+grace) still treats the fire as due.
type Window struct {
	expr     string
	schedule cron.Schedule
	grace    time.Duration
	loc      *time.Location
}

// ParseWindow parses a standard five-field cron expression or descriptor
// evaluated in the named timezone.
func ParseWindow(expr, tz string, grace time.Duration) (*Window, error) {
	loc := time.UTC
	if tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("load timezone %q: %w", tz, err)
		}
		loc = l
	}
	s, err := cron.ParseStandard("CRON_TZ=" + loc.String() + " " + expr)
	if err != nil {
		return nil, fmt.Errorf("parse schedule %q: %w", expr, err)
	}
	return &Window{expr: expr, schedule: s, grace: grace, loc: loc}, nil
}

// NewWindow wraps an arbitrary cron.Schedule.
func NewWindow(s cron.Schedule, grace time.Duration) *Window {
	return &Window{expr: "custom", schedule: s, grace: grace, loc: time.UTC}
}

func (w *Window) String() string { return w.expr }

func (w *Window) Location() *time.Location { return w.loc }

// Next returns the first fire time strictly after t.
func (w *Window) Next(t time.Time) time.Time {
	return w.schedule.Next(t)
}

// FireTime returns the fire time whose window contains t.
func (w *Window) FireTime(t time.Time) (time.Time, bool) {
	fire := w.schedule.Next(t.Add(-w.grace))
	if fire.IsZero() || fire.After(t) {
		return time.Time{}, false
	}
	return fire, true
}

func (w *Window) Contains(t time.Time) bool {
	_, ok := w.FireTime(t)
	return ok
}
