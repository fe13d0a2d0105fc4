// Package queue hands execution jobs from producers (API, trigger scheduler)
// to workers. Delivery is at-least-once: a job whose consumer dies before
// acknowledging it is delivered again.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dukex/runflow/pkg/models"
	"github.com/google/uuid"
)

const (
	DefaultName        = "executions"
	DefaultMaxAttempts = 3
)

var (
	// ErrClosed is returned by operations on a closed queue.
	ErrClosed = errors.New("queue is closed")

	// ErrInvalidJob is returned when a job lacks an execution id or kind.
	ErrInvalidJob = errors.New("invalid job")
)

// JobState is the lifecycle state tracked for every enqueued job.
type JobState string

const (
	JobStateQueued JobState = "queued"
	JobStateActive JobState = "active"
	JobStateDone   JobState = "done"
	JobStateFailed JobState = "failed"
)

type Queue interface {
	Enqueue(ctx context.Context, job *models.Job) error
	// Claim blocks until a job is available or ctx is done.
	Claim(ctx context.Context) (*Delivery, error)
	Ping(ctx context.Context) error
	Close() error
}

// Delivery is a claimed job. Exactly one of Ack or Nack must be called.
type Delivery struct {
	Job  models.Job
	ack  func(ctx context.Context) error
	nack func(ctx context.Context, cause error) error
}

// Ack marks the job done.
func (d *Delivery) Ack(ctx context.Context) error {
	return d.ack(ctx)
}

// Nack returns the job to the queue for another attempt, or marks it failed
// once its attempts are exhausted.
func (d *Delivery) Nack(ctx context.Context, cause error) error {
	return d.nack(ctx, cause)
}

// prepare fills the id and enqueue time of a new job.
func prepare(job *models.Job, now time.Time) error {
	if job == nil || job.ExecutionID == "" {
		return fmt.Errorf("%w: execution id is required", ErrInvalidJob)
	}

	switch job.Kind {
	case models.JobKindExecution, models.JobKindNode:
	case "":
		job.Kind = models.JobKindExecution
	default:
		return fmt.Errorf("%w: unknown job kind %q", ErrInvalidJob, job.Kind)
	}

	if job.ID == "" {
		job.ID = uuid.NewString()
	}

	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = now
	}

	return nil
}

// Retry returns the copy of job enqueued for its next attempt, and false
// when maxAttempts is exhausted.
func Retry(job models.Job, maxAttempts int) (models.Job, bool) {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	if job.Attempt+1 >= maxAttempts {
		return job, false
	}

	job.Attempt++

	return job, true
}
