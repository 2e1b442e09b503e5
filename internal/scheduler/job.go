package scheduler

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Schedule kinds.
const (
	ScheduleInterval = "interval"
	ScheduleCron     = "cron"
	ScheduleAt       = "at"
)

// Action kinds. Each maps to one public operation of the core.
const (
	ActionSafetySweep  = "safety_sweep"
	ActionPropose      = "propose"
	ActionCompact      = "compact"
	ActionTransferSeed = "transfer_seed"
)

// Job is a scheduled background task.
type Job struct {
	ID       string         `json:"id" toml:"id"`
	Name     string         `json:"name" toml:"name"`
	Schedule ScheduleConfig `json:"schedule" toml:"schedule"`
	Action   ActionConfig   `json:"action" toml:"action"`
	Enabled  bool           `json:"enabled" toml:"enabled"`
	State    JobState       `json:"state" toml:"-"`
}

// ScheduleConfig defines when a job runs
type ScheduleConfig struct {
	Kind       string `json:"kind" toml:"kind"`
	IntervalMs int64  `json:"intervalMs,omitempty" toml:"intervalMs"`
	Expr       string `json:"expr,omitempty" toml:"expr"` // cron expression
	Time       string `json:"time,omitempty" toml:"time"` // "HH:MM" for daily
	Timezone   string `json:"timezone,omitempty" toml:"timezone"`
}

// ActionConfig defines what a job does
type ActionConfig struct {
	Kind string `json:"kind" toml:"kind"`
	// MinSamples is passed to the proposer. Zero uses its default.
	MinSamples uint64 `json:"minSamples,omitempty" toml:"minSamples"`
}

// JobState tracks job execution state
type JobState struct {
	LastRunAt    time.Time     `json:"lastRunAt,omitempty"`
	NextRunAt    time.Time     `json:"nextRunAt,omitempty"`
	RunCount     int64         `json:"runCount"`
	ErrorCount   int64         `json:"errorCount"`
	LastError    string        `json:"lastError,omitempty"`
	LastDuration time.Duration `json:"lastDuration,omitempty"`
	LastResult   string        `json:"lastResult,omitempty"`
}

// Validate checks if job configuration is valid
func (j *Job) Validate() error {
	if j.ID == "" {
		return fmt.Errorf("job ID required")
	}
	if j.Name == "" {
		j.Name = j.ID
	}

	switch j.Schedule.Kind {
	case ScheduleInterval:
		if j.Schedule.IntervalMs <= 0 {
			return fmt.Errorf("intervalMs must be positive")
		}
	case ScheduleCron:
		if j.Schedule.Expr == "" {
			return fmt.Errorf("cron expression required")
		}
		if _, err := cron.ParseStandard(j.Schedule.Expr); err != nil {
			return fmt.Errorf("invalid cron expression: %w", err)
		}
	case ScheduleAt:
		if j.Schedule.Time == "" {
			return fmt.Errorf("time required for 'at' schedule")
		}
		if _, err := time.Parse("15:04", j.Schedule.Time); err != nil {
			return fmt.Errorf("invalid time format (use HH:MM): %w", err)
		}
	default:
		return fmt.Errorf("unknown schedule kind: %s (use interval, cron, or at)", j.Schedule.Kind)
	}

	switch j.Action.Kind {
	case ActionSafetySweep, ActionPropose, ActionCompact, ActionTransferSeed:
	default:
		return fmt.Errorf("unknown action kind: %s (use safety_sweep, propose, compact, or transfer_seed)", j.Action.Kind)
	}
	return nil
}

// NextRun calculates the next run time based on schedule
func (j *Job) NextRun(from time.Time) (time.Time, error) {
	switch j.Schedule.Kind {
	case ScheduleInterval:
		return from.Add(time.Duration(j.Schedule.IntervalMs) * time.Millisecond), nil

	case ScheduleCron:
		schedule, err := cron.ParseStandard(j.Schedule.Expr)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse cron: %w", err)
		}
		return schedule.Next(from), nil

	case ScheduleAt:
		t, err := time.Parse("15:04", j.Schedule.Time)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse time: %w", err)
		}
		loc := time.Local
		if j.Schedule.Timezone != "" {
			loc, err = time.LoadLocation(j.Schedule.Timezone)
			if err != nil {
				return time.Time{}, fmt.Errorf("load timezone: %w", err)
			}
		}
		from = from.In(loc)
		next := time.Date(from.Year(), from.Month(), from.Day(), t.Hour(), t.Minute(), 0, 0, loc)
		if !next.After(from) {
			next = next.AddDate(0, 0, 1)
		}
		return next, nil

	default:
		return time.Time{}, fmt.Errorf("unknown schedule kind: %s", j.Schedule.Kind)
	}
}

// Clone creates a deep copy of the job
func (j *Job) Clone() *Job {
	data, _ := json.Marshal(j)
	var clone Job
	_ = json.Unmarshal(data, &clone)
	return &clone
}

// DefaultJobs returns the standard background jobs.
func DefaultJobs() []*Job {
	return []*Job{
		{
			ID: "safety-sweep", Name: "Safety sweep", Enabled: true,
			Schedule: ScheduleConfig{Kind: ScheduleInterval, IntervalMs: 5 * 60 * 1000},
			Action:   ActionConfig{Kind: ActionSafetySweep},
		},
		{
			ID: "propose", Name: "Variant proposals", Enabled: true,
			Schedule: ScheduleConfig{Kind: ScheduleCron, Expr: "0 3 * * *"},
			Action:   ActionConfig{Kind: ActionPropose, MinSamples: 10},
		},
		{
			ID: "compact", Name: "Log compaction", Enabled: true,
			Schedule: ScheduleConfig{Kind: ScheduleInterval, IntervalMs: 60 * 60 * 1000},
			Action:   ActionConfig{Kind: ActionCompact},
		},
		{
			ID: "transfer-seed", Name: "Transfer seeding", Enabled: true,
			Schedule: ScheduleConfig{Kind: ScheduleCron, Expr: "*/30 * * * *"},
			Action:   ActionConfig{Kind: ActionTransferSeed},
		},
	}
}
