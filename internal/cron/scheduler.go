package cron

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser accepts standard 5-field expressions (minute hour dom month dow).
var cronParser = cronlib.NewParser(cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow)

// NextRunTime calculates the next run time for a job. A nil time with nil
// error means the job will not run again.
func NextRunTime(job *Job, now time.Time) (*time.Time, error) {
	if !job.Enabled {
		return nil, nil
	}

	switch job.Schedule.Kind {
	case ScheduleKindAt:
		return nextRunAt(job, now)
	case ScheduleKindEvery:
		return nextRunEvery(job, now)
	case ScheduleKindCron:
		return nextRunCron(job, now)
	default:
		return nil, fmt.Errorf("unknown schedule kind: %s", job.Schedule.Kind)
	}
}

func nextRunAt(job *Job, now time.Time) (*time.Time, error) {
	at := time.UnixMilli(job.Schedule.AtMs)
	if at.After(now) {
		return &at, nil
	}
	// Past due: fire once immediately unless it already ran
	if job.State.LastRunAtMs != nil {
		return nil, nil
	}
	return &at, nil
}

func nextRunEvery(job *Job, now time.Time) (*time.Time, error) {
	if job.Schedule.EveryMs <= 0 {
		return nil, fmt.Errorf("invalid interval: %d", job.Schedule.EveryMs)
	}
	interval := time.Duration(job.Schedule.EveryMs) * time.Millisecond

	if job.State.LastRunAtMs == nil {
		next := time.UnixMilli(job.CreatedAtMs).Add(interval)
		if next.Before(now) {
			next = now.Add(interval)
		}
		return &next, nil
	}

	// Behind schedule: skip to the first future slot instead of bursting
	next := time.UnixMilli(*job.State.LastRunAtMs).Add(interval)
	for next.Before(now) {
		next = next.Add(interval)
	}
	return &next, nil
}

func nextRunCron(job *Job, now time.Time) (*time.Time, error) {
	if job.Schedule.Expr == "" {
		return nil, fmt.Errorf("empty cron expression")
	}
	sched, err := cronParser.Parse(job.Schedule.Expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", job.Schedule.Expr, err)
	}

	tz := time.Local
	if job.Schedule.Tz != "" {
		tz, err = time.LoadLocation(job.Schedule.Tz)
		if err != nil {
			return nil, fmt.Errorf("invalid timezone %q: %w", job.Schedule.Tz, err)
		}
	}

	next := sched.Next(now.In(tz))
	return &next, nil
}

// longUnits extends time.ParseDuration with day and week suffixes.
var longUnits = map[byte]time.Duration{
	'd': 24 * time.Hour,
	'w': 7 * 24 * time.Hour,
}

// ParseDuration parses human-friendly duration strings.
// Supports: "30s", "5m", "2h", "1d", "1w"
func ParseDuration(s string) (time.Duration, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}
	if unit, ok := longUnits[s[len(s)-1]]; ok {
		n, err := strconv.Atoi(s[:len(s)-1])
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q: %w", s, err)
		}
		return time.Duration(n) * unit, nil
	}
	return time.ParseDuration(s)
}

// ParseAt parses an "at" time specification: unix milliseconds
// ("1704067200000"), ISO 8601 ("2024-01-01T12:00:00Z", with or without
// zone), or relative ("+5m", "+2h", "+1d").
func ParseAt(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty time specification")
	}

	if rest, ok := strings.CutPrefix(s, "+"); ok {
		dur, err := ParseDuration(rest)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid relative time: %w", err)
		}
		return now.Add(dur), nil
	}

	if ms, err := strconv.ParseInt(s, 10, 64); err == nil && ms > 1000000000000 {
		return time.UnixMilli(ms), nil
	}

	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time format: %s", s)
}
