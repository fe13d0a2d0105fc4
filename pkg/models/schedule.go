package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// TriggerType selects how a TriggerJob computes its next run.
type TriggerType string

const (
	TriggerTypeSchedule TriggerType = "schedule"
	TriggerTypePolling  TriggerType = "polling"
)

var (
	// ErrInvalidTriggerJob is returned when trigger job validation fails.
	ErrInvalidTriggerJob = errors.New("invalid trigger job configuration")

	cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
)

// TriggerJob is the persisted description of a recurring activation. There is
// at most one per (WorkflowID, TriggerID).
type TriggerJob struct {
	ID         string      `json:"id"`
	WorkflowID string      `json:"workflow_id"  validate:"required"`
	TriggerID  string      `json:"trigger_id"   validate:"required"`
	Type       TriggerType `json:"type"         validate:"required,oneof=schedule polling"`
	// JobKey is the handle used by the scheduling mechanism.
	JobKey string `json:"job_key"`

	// CronExpression uses the standard 5-field format (minute hour dom month dow).
	CronExpression string `json:"cron_expression,omitempty"`
	// PollIntervalMs is the fixed interval of polling triggers.
	PollIntervalMs int64  `json:"poll_interval_ms,omitempty"`
	Timezone       string `json:"timezone,omitempty"`

	// TriggerData is copied into the trigger data of every execution it starts.
	TriggerData map[string]any `json:"trigger_data,omitempty"`

	Active    bool       `json:"active"`
	LastRun   *time.Time `json:"last_run,omitempty"`
	NextRun   *time.Time `json:"next_run,omitempty"`
	FailCount int        `json:"fail_count"`
	LastError string     `json:"last_error,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// TriggerJobKey builds the scheduling handle for a workflow trigger.
func TriggerJobKey(workflowID, triggerID string) string {
	return "trigger:" + workflowID + ":" + triggerID
}

// PollInterval returns the polling interval as a duration.
func (j *TriggerJob) PollInterval() time.Duration {
	return time.Duration(j.PollIntervalMs) * time.Millisecond
}

// Location resolves the job's timezone, defaulting to UTC.
func (j *TriggerJob) Location() (*time.Location, error) {
	if j.Timezone == "" {
		return time.UTC, nil
	}

	loc, err := time.LoadLocation(j.Timezone)
	if err != nil {
		return nil, fmt.Errorf("%w: unknown timezone %q", ErrInvalidTriggerJob, j.Timezone)
	}

	return loc, nil
}

// ComputeNextRun returns the first run strictly after ref. Schedule triggers
// evaluate the cron expression in the job's timezone; polling triggers run
// one interval after the last run, or one interval after ref when they have
// never run.
func (j *TriggerJob) ComputeNextRun(ref time.Time) (time.Time, error) {
	switch j.Type {
	case TriggerTypeSchedule:
		schedule, err := cronParser.Parse(j.CronExpression)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: %w", ErrInvalidTriggerJob, err)
		}

		loc, err := j.Location()
		if err != nil {
			return time.Time{}, err
		}

		next := schedule.Next(ref.In(loc))
		if next.IsZero() {
			return time.Time{}, fmt.Errorf("%w: cron expression %q never fires", ErrInvalidTriggerJob, j.CronExpression)
		}

		return next.UTC(), nil
	case TriggerTypePolling:
		if j.PollIntervalMs <= 0 {
			return time.Time{}, fmt.Errorf("%w: poll interval must be positive", ErrInvalidTriggerJob)
		}

		base := ref
		if j.LastRun != nil {
			base = *j.LastRun
		}

		return base.Add(j.PollInterval()).UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("%w: unknown trigger type %q", ErrInvalidTriggerJob, j.Type)
	}
}

// IsDue reports whether the job should fire at now.
func (j *TriggerJob) IsDue(now time.Time) bool {
	return j.Active && j.NextRun != nil && !j.NextRun.After(now)
}

// Validate checks the fields required by the job's type.
func (j *TriggerJob) Validate() error {
	if j.WorkflowID == "" || j.TriggerID == "" {
		return fmt.Errorf("%w: workflow id and trigger id are required", ErrInvalidTriggerJob)
	}

	switch j.Type {
	case TriggerTypeSchedule:
		if j.CronExpression == "" {
			return fmt.Errorf("%w: cron expression is required", ErrInvalidTriggerJob)
		}

		if _, err := cronParser.Parse(j.CronExpression); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidTriggerJob, err)
		}

		_, err := j.Location()

		return err
	case TriggerTypePolling:
		if j.PollIntervalMs <= 0 {
			return fmt.Errorf("%w: poll interval must be positive", ErrInvalidTriggerJob)
		}

		return nil
	default:
		return fmt.Errorf("%w: unknown trigger type %q", ErrInvalidTriggerJob, j.Type)
	}
}

// Clone returns a copy of the job.
func (j *TriggerJob) Clone() *TriggerJob {
	if j == nil {
		return nil
	}

	c := *j
	c.TriggerData = CopyMap(j.TriggerData)

	return &c
}
