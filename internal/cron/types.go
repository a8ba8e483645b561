// Package cron provides scheduled agent turns.
package cron

import "time"

// Job is a scheduled agent turn.
type Job struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Enabled        bool     `json:"enabled"`
	CreatedAtMs    int64    `json:"createdAtMs"`
	UpdatedAtMs    int64    `json:"updatedAtMs"`
	Schedule       Schedule `json:"schedule"`
	Message        string   `json:"message"`
	Channel        string   `json:"channel,omitempty"` // delivery channel for the reply, empty means none
	DeleteAfterRun bool     `json:"deleteAfterRun,omitempty"`
	State          JobState `json:"state"`
}

// Schedule defines when a job should run.
type Schedule struct {
	Kind    string `json:"kind"`              // "at", "every", "cron"
	AtMs    int64  `json:"atMs,omitempty"`    // for "at": unix ms timestamp
	EveryMs int64  `json:"everyMs,omitempty"` // for "every": interval in ms
	Expr    string `json:"expr,omitempty"`    // for "cron": 5-field cron expression
	Tz      string `json:"tz,omitempty"`      // for "cron": IANA timezone
}

// JobState tracks the runtime state of a job.
type JobState struct {
	NextRunAtMs    *int64 `json:"nextRunAtMs,omitempty"`
	LastRunAtMs    *int64 `json:"lastRunAtMs,omitempty"`
	LastStatus     string `json:"lastStatus,omitempty"` // "ok", "error"
	LastError      string `json:"lastError,omitempty"`
	LastDurationMs int64  `json:"lastDurationMs,omitempty"`
}

// StoreFile is the root structure of the jobs file.
type StoreFile struct {
	Version int    `json:"version"`
	Jobs    []*Job `json:"jobs"`
}

// Schedule kind constants
const (
	ScheduleKindAt    = "at"
	ScheduleKindEvery = "every"
	ScheduleKindCron  = "cron"
)

// Job status constants
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// IsOneShot returns true if this is a one-shot job (at schedule).
func (j *Job) IsOneShot() bool {
	return j.Schedule.Kind == ScheduleKindAt
}

// SetNextRun updates the next run time.
func (j *Job) SetNextRun(t *time.Time) {
	if t == nil {
		j.State.NextRunAtMs = nil
	} else {
		ms := t.UnixMilli()
		j.State.NextRunAtMs = &ms
	}
}

// SetLastRun updates the last run state.
func (j *Job) SetLastRun(startTime time.Time, duration time.Duration, status, errStr string) {
	ms := startTime.UnixMilli()
	j.State.LastRunAtMs = &ms
	j.State.LastDurationMs = duration.Milliseconds()
	j.State.LastStatus = status
	j.State.LastError = errStr
	j.UpdatedAtMs = time.Now().UnixMilli()
}
