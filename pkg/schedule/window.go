package schedule

import (
	"fmt"
	"strings"
	"time"
)

// ClockTime is a wall-clock time of day in minutes after midnight.
type ClockTime int

// ParseClock parses "HH:MM".
func ParseClock(raw string) (ClockTime, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(raw))
	if err != nil {
		return 0, scheduleError(ErrValidation, fmt.Sprintf("invalid clock time %q, want HH:MM", raw))
	}
	return ClockTime(t.Hour()*60 + t.Minute()), nil
}

func (c ClockTime) String() string {
	return fmt.Sprintf("%02d:%02d", int(c)/60, int(c)%60)
}

// Window is a daily quiet period [Start, End) during which running jobs must
// wind down. End before Start means the window crosses midnight. The zero
// Window is disabled.
type Window struct {
	Start    ClockTime
	End      ClockTime
	Location *time.Location
}

// ParseWindow builds a window from two "HH:MM" values. Two empty values give
// a disabled window.
func ParseWindow(start, end string, loc *time.Location) (Window, error) {
	start, end = strings.TrimSpace(start), strings.TrimSpace(end)
	if start == "" && end == "" {
		return Window{}, nil
	}
	if start == "" || end == "" {
		return Window{}, scheduleError(ErrValidation, "termination window needs both start and end")
	}
	s, err := ParseClock(start)
	if err != nil {
		return Window{}, err
	}
	e, err := ParseClock(end)
	if err != nil {
		return Window{}, err
	}
	if s == e {
		return Window{}, scheduleError(ErrValidation, "termination window start and end must differ")
	}
	return Window{Start: s, End: e, Location: loc}, nil
}

// Enabled reports whether the window covers any time at all.
func (w Window) Enabled() bool { return w.Start != w.End }

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	if !w.Enabled() {
		return false
	}
	loc := w.Location
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	m := ClockTime(local.Hour()*60 + local.Minute())
	if w.Start < w.End {
		return m >= w.Start && m < w.End
	}
	return m >= w.Start || m < w.End
}

func (w Window) String() string {
	if !w.Enabled() {
		return "disabled"
	}
	return w.Start.String() + "-" + w.End.String()
}
