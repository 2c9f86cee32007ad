package schedule

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// five years of minutes covers any satisfiable expression, including Feb 29
const maxCronSearchMinutes = 5 * 366 * 24 * 60

// Schedule yields the next fire time strictly after a given instant.
type Schedule interface {
	Next(after time.Time) (time.Time, error)
}

// Parse accepts "@every <duration>" or a five-field cron expression
// (minute hour day-of-month month day-of-week) evaluated in loc.
func Parse(spec string, loc *time.Location) (Schedule, error) {
	spec = strings.TrimSpace(spec)
	if loc == nil {
		loc = time.UTC
	}
	if spec == "" {
		return nil, scheduleError(ErrValidation, "schedule is required")
	}
	if rest, ok := strings.CutPrefix(spec, "@every "); ok {
		interval, err := time.ParseDuration(strings.TrimSpace(rest))
		if err != nil {
			return nil, errors.Join(scheduleError(ErrValidation, "invalid @every duration"), err)
		}
		if interval <= 0 {
			return nil, scheduleError(ErrValidation, "@every duration must be > 0")
		}
		return every(interval), nil
	}

	fields := strings.Fields(spec)
	if len(fields) != 5 {
		return nil, scheduleError(ErrValidation, fmt.Sprintf("unsupported schedule format %q", spec))
	}
	expr, err := parseCron(fields)
	if err != nil {
		return nil, err
	}
	expr.loc = loc
	expr.spec = spec
	return expr, nil
}

// NextRun parses spec and returns its first fire time after now.
func NextRun(spec string, now time.Time, loc *time.Location) (time.Time, error) {
	s, err := Parse(spec, loc)
	if err != nil {
		return time.Time{}, err
	}
	return s.Next(now)
}

type every time.Duration

func (e every) Next(after time.Time) (time.Time, error) {
	return after.Add(time.Duration(e)).UTC(), nil
}

type field struct {
	wildcard bool
	values   map[int]struct{}
}

func (f field) has(v int) bool {
	if f.wildcard {
		return true
	}
	_, ok := f.values[v]
	return ok
}

type cronSchedule struct {
	spec                          string
	loc                           *time.Location
	minute, hour, dom, month, dow field
}

func (c *cronSchedule) Next(after time.Time) (time.Time, error) {
	candidate := after.Truncate(time.Minute).Add(time.Minute)
	for i := 0; i < maxCronSearchMinutes; i++ {
		local := candidate.In(c.loc)
		if c.matches(local) {
			return local.UTC(), nil
		}
		candidate = candidate.Add(time.Minute)
	}
	return time.Time{}, scheduleError(ErrValidation, fmt.Sprintf("no run time found for %q", c.spec))
}

// matches follows the classic cron rule: when both day fields are
// restricted, either one matching is enough.
func (c *cronSchedule) matches(t time.Time) bool {
	if !c.minute.has(t.Minute()) || !c.hour.has(t.Hour()) || !c.month.has(int(t.Month())) {
		return false
	}
	domOK := c.dom.has(t.Day())
	dowOK := c.dow.has(int(t.Weekday()))
	switch {
	case c.dom.wildcard && c.dow.wildcard:
		return true
	case c.dom.wildcard:
		return dowOK
	case c.dow.wildcard:
		return domOK
	default:
		return domOK || dowOK
	}
}

var cronFields = []struct {
	name     string
	min, max int
}{
	{"minute", 0, 59},
	{"hour", 0, 23},
	{"day-of-month", 1, 31},
	{"month", 1, 12},
	{"day-of-week", 0, 7},
}

func parseCron(raw []string) (*cronSchedule, error) {
	parsed := make([]field, len(cronFields))
	for i, spec := range cronFields {
		f, err := parseField(raw[i], spec.min, spec.max, i == 4)
		if err != nil {
			return nil, errors.Join(scheduleError(ErrValidation, fmt.Sprintf("invalid %s field %q", spec.name, raw[i])), err)
		}
		parsed[i] = f
	}
	return &cronSchedule{
		minute: parsed[0],
		hour:   parsed[1],
		dom:    parsed[2],
		month:  parsed[3],
		dow:    parsed[4],
	}, nil
}

func parseField(raw string, lo, hi int, weekday bool) (field, error) {
	raw = strings.TrimSpace(raw)
	if raw == "*" {
		return field{wildcard: true}, nil
	}
	values := map[int]struct{}{}
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			return field{}, scheduleError(ErrValidation, "empty list element")
		}
		if err := addRange(values, part, lo, hi, weekday); err != nil {
			return field{}, err
		}
	}
	return field{values: values}, nil
}

// addRange expands one list element: "*", "n", "a-b", each optionally "/step".
func addRange(values map[int]struct{}, part string, lo, hi int, weekday bool) error {
	base, stepRaw, hasStep := strings.Cut(part, "/")
	step := 1
	if hasStep {
		n, err := strconv.Atoi(strings.TrimSpace(stepRaw))
		if err != nil || n <= 0 {
			return scheduleError(ErrValidation, fmt.Sprintf("invalid step %q", stepRaw))
		}
		step = n
	}

	start, end := lo, hi
	base = strings.TrimSpace(base)
	switch {
	case base == "" || base == "*":
	case strings.Contains(base, "-"):
		a, b, _ := strings.Cut(base, "-")
		first, err := strconv.Atoi(strings.TrimSpace(a))
		if err != nil {
			return scheduleError(ErrValidation, fmt.Sprintf("invalid range start %q", a))
		}
		last, err := strconv.Atoi(strings.TrimSpace(b))
		if err != nil {
			return scheduleError(ErrValidation, fmt.Sprintf("invalid range end %q", b))
		}
		start, end = first, last
	default:
		n, err := strconv.Atoi(base)
		if err != nil {
			return scheduleError(ErrValidation, fmt.Sprintf("invalid value %q", base))
		}
		start, end = n, n
		if hasStep {
			end = hi
		}
	}

	if start < lo || end > hi || end < start {
		return scheduleError(ErrValidation, fmt.Sprintf("range %d-%d outside [%d,%d]", start, end, lo, hi))
	}
	for v := start; v <= end; v += step {
		if weekday && v == 7 {
			values[0] = struct{}{} // Sunday
			continue
		}
		values[v] = struct{}{}
	}
	return nil
}
