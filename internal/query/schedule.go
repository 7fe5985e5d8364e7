package query

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ScheduleKind describes the normalized kind of a schedule string.
//
// We intentionally keep this small: either a fixed interval in seconds or a
// wall-clock time of day. The string form is decided once at read time
// (ParseSchedule), never re-parsed ad hoc at call sites.
type ScheduleKind int

const (
	ScheduleInterval ScheduleKind = iota
	ScheduleExactTime
)

// Schedule is a parsed schedule string.
//
// Supported forms:
//   - Interval seconds: "60", "3600" (run again N seconds after last success)
//   - Exact time "HH:MM": "23:00" (run again at each day's occurrence)
type Schedule struct {
	Kind  ScheduleKind
	Every time.Duration // interval form
	Hour  int           // exact-time form
	Min   int
}

var reExactTime = regexp.MustCompile(`^([01]?\d|2[0-3]):([0-5]\d)$`)

// ParseSchedule parses a schedule string into its tagged variant.
func ParseSchedule(raw string) (Schedule, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Schedule{}, fmt.Errorf("schedule required")
	}

	if m := reExactTime.FindStringSubmatch(s); m != nil {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		return Schedule{Kind: ScheduleExactTime, Hour: hh, Min: mm}, nil
	}

	if n, err := strconv.Atoi(s); err == nil {
		if n < 0 {
			return Schedule{}, fmt.Errorf("interval must be >= 0 seconds")
		}
		return Schedule{Kind: ScheduleInterval, Every: time.Duration(n) * time.Second}, nil
	}

	return Schedule{}, fmt.Errorf("invalid schedule %q (use seconds like \"3600\" or a time of day like \"23:00\")", raw)
}

// DefaultBackoffCap bounds the interval multiplier: doubling per failure
// stops growing after six consecutive failures.
const DefaultBackoffCap = 64

// BackoffPolicy controls how consecutive failures slow a schedule down.
//
// Whether backoff applies to exact-time schedules is deliberately a policy
// knob: interval schedules always back off, time-of-day schedules only when
// ApplyToExactTime is set.
type BackoffPolicy struct {
	Cap              int
	ApplyToExactTime bool
}

// Multiplier returns the effective interval multiplier for a failure count:
// 1 for zero failures, doubling per failure, capped.
func (p BackoffPolicy) Multiplier(failures int) int {
	limit := p.Cap
	if limit <= 0 {
		limit = DefaultBackoffCap
	}
	if failures <= 0 {
		return 1
	}
	m := 1
	for i := 0; i < failures; i++ {
		m *= 2
		if m >= limit {
			return limit
		}
	}
	return m
}

// Due reports whether a query with this schedule is due for re-execution.
//
// lastRun is the retrieval time of the latest successful result; the zero
// time means the query never ran and is treated as infinitely overdue.
//
// Interval form: due once now-lastRun >= every * multiplier(failures).
// Exact-time form: due once lastRun predates the most recent occurrence of
// HH:MM at or before now (yesterday's occurrence if today's hasn't happened
// yet). With ApplyToExactTime set, the occurrence's deadline is pushed back
// by multiplier(failures) minutes.
func (s Schedule) Due(lastRun, now time.Time, failures int, pol BackoffPolicy) bool {
	if lastRun.IsZero() {
		return true
	}

	switch s.Kind {
	case ScheduleInterval:
		eff := s.Every * time.Duration(pol.Multiplier(failures))
		return now.Sub(lastRun) >= eff

	case ScheduleExactTime:
		occ := time.Date(now.Year(), now.Month(), now.Day(), s.Hour, s.Min, 0, 0, now.Location())
		if occ.After(now) {
			occ = occ.AddDate(0, 0, -1)
		}
		if !lastRun.Before(occ) {
			return false
		}
		if pol.ApplyToExactTime && failures > 0 {
			deadline := occ.Add(time.Duration(pol.Multiplier(failures)) * time.Minute)
			return !now.Before(deadline)
		}
		return true

	default:
		return false
	}
}
