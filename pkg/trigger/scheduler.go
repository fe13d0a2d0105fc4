// Package trigger keeps recurring workflow activations persisted and fires
// them when due.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dukex/runflow/pkg/metrics"
	"github.com/dukex/runflow/pkg/models"
	"github.com/dukex/runflow/pkg/persistence"
	"github.com/dukex/runflow/pkg/resilience"
	"github.com/robfig/cron/v3"
)

const DefaultPollInterval = 10 * time.Second

var ErrAlreadyStarted = errors.New("trigger scheduler already started")

// Starter creates and queues an execution of a workflow.
type Starter interface {
	Start(ctx context.Context, workflowID string, triggerData map[string]any) (*models.Execution, error)
}

// StarterFunc adapts a function to Starter.
type StarterFunc func(ctx context.Context, workflowID string, triggerData map[string]any) (*models.Execution, error)

func (f StarterFunc) Start(ctx context.Context, workflowID string, triggerData map[string]any) (*models.Execution, error) {
	return f(ctx, workflowID, triggerData)
}

// TriggerSpec is one entry of a workflow's trigger list.
type TriggerSpec struct {
	TriggerID      string             `json:"trigger_id"                 validate:"required"`
	Type           models.TriggerType `json:"type"                       validate:"required,oneof=schedule polling"`
	CronExpression string             `json:"cron_expression,omitempty"`
	PollIntervalMs int64              `json:"poll_interval_ms,omitempty"`
	Timezone       string             `json:"timezone,omitempty"`
	TriggerData    map[string]any     `json:"trigger_data,omitempty"`
}

func (s TriggerSpec) job(workflowID string) *models.TriggerJob {
	return &models.TriggerJob{
		WorkflowID:     workflowID,
		TriggerID:      s.TriggerID,
		Type:           s.Type,
		JobKey:         models.TriggerJobKey(workflowID, s.TriggerID),
		CronExpression: s.CronExpression,
		PollIntervalMs: s.PollIntervalMs,
		Timezone:       s.Timezone,
		TriggerData:    models.CopyMap(s.TriggerData),
		Active:         true,
	}
}

type Config struct {
	// PollInterval is how often due jobs are looked up.
	PollInterval time.Duration
}

type Scheduler struct {
	store   persistence.TriggerJobRepository
	starter Starter
	cfg     Config
	metrics *metrics.Collector
	logger  *slog.Logger
	now     func() time.Time

	mu   sync.Mutex
	cron *cron.Cron

	// serializes firing between the cron loop and explicit Tick calls
	tickMu sync.Mutex
}

func New(store persistence.TriggerJobRepository, starter Starter, cfg Config, collector *metrics.Collector, logger *slog.Logger) *Scheduler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Scheduler{
		store:   store,
		starter: starter,
		cfg:     cfg,
		metrics: collector,
		logger:  logger.With("module", "trigger_scheduler"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the scheduler's clock.
func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now

	return s
}

// NextRun returns the first run of job strictly after after.
func NextRun(job *models.TriggerJob, after time.Time) (time.Time, error) {
	return job.ComputeNextRun(after)
}

// Activate upserts one job per spec and schedules its next run. Every spec is
// validated before anything is written.
func (s *Scheduler) Activate(ctx context.Context, workflowID string, specs []TriggerSpec) ([]*models.TriggerJob, error) {
	jobs := make([]*models.TriggerJob, 0, len(specs))
	seen := make(map[string]bool, len(specs))

	var errs []error

	for _, spec := range specs {
		job := spec.job(workflowID)

		if seen[spec.TriggerID] {
			errs = append(errs, fmt.Errorf("%w: duplicate trigger id %q", models.ErrInvalidTriggerJob, spec.TriggerID))

			continue
		}

		seen[spec.TriggerID] = true

		if err := job.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("trigger %q: %w", spec.TriggerID, err))

			continue
		}

		jobs = append(jobs, job)
	}

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	now := s.now()
	out := make([]*models.TriggerJob, 0, len(jobs))

	for _, job := range jobs {
		stored, err := s.store.Upsert(ctx, job)
		if err != nil {
			return out, fmt.Errorf("failed to store trigger %q: %w", job.TriggerID, err)
		}

		next, err := NextRun(stored, now)
		if err != nil {
			return out, err
		}

		stored.NextRun = &next

		if err := s.store.UpdateRunState(ctx, stored); err != nil {
			return out, fmt.Errorf("failed to schedule trigger %q: %w", job.TriggerID, err)
		}

		s.logger.InfoContext(ctx, "trigger activated",
			"workflow_id", workflowID, "trigger_id", stored.TriggerID, "type", stored.Type, "next_run", next)

		out = append(out, stored)
	}

	return out, nil
}

// Deactivate stops every trigger of a workflow without deleting them.
func (s *Scheduler) Deactivate(ctx context.Context, workflowID string) (int, error) {
	n, err := s.store.SetWorkflowActive(ctx, workflowID, false)
	if err != nil {
		return 0, err
	}

	s.logger.InfoContext(ctx, "workflow triggers deactivated", "workflow_id", workflowID, "count", n)

	return n, nil
}

func (s *Scheduler) DeleteTrigger(ctx context.Context, workflowID, triggerID string) error {
	if err := s.store.Delete(ctx, workflowID, triggerID); err != nil {
		return err
	}

	s.logger.InfoContext(ctx, "trigger deleted", "workflow_id", workflowID, "trigger_id", triggerID)

	return nil
}

func (s *Scheduler) DeleteWorkflow(ctx context.Context, workflowID string) (int, error) {
	n, err := s.store.DeleteByWorkflow(ctx, workflowID)
	if err != nil {
		return 0, err
	}

	s.logger.InfoContext(ctx, "workflow triggers deleted", "workflow_id", workflowID, "count", n)

	return n, nil
}

// List returns the jobs of one workflow, or every job when workflowID is empty.
func (s *Scheduler) List(ctx context.Context, workflowID string) ([]*models.TriggerJob, error) {
	if workflowID == "" {
		return s.store.List(ctx)
	}

	return s.store.ByWorkflow(ctx, workflowID)
}

// Start fires overdue jobs once and then polls for due jobs until Stop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron != nil {
		return ErrAlreadyStarted
	}

	logger := cronLogger{logger: s.logger}
	runner := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(logger),
		cron.WithChain(cron.SkipIfStillRunning(logger), cron.Recover(logger)),
	)

	tickCtx := context.WithoutCancel(ctx)

	if _, err := runner.AddFunc(fmt.Sprintf("@every %s", s.cfg.PollInterval), func() {
		if _, err := s.Tick(tickCtx); err != nil {
			s.logger.ErrorContext(tickCtx, "trigger tick failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("failed to schedule trigger polling: %w", err)
	}

	if _, err := s.Tick(ctx); err != nil {
		s.logger.ErrorContext(ctx, "initial trigger tick failed", "error", err)
	}

	runner.Start()
	s.cron = runner

	s.logger.InfoContext(ctx, "trigger scheduler started", "poll_interval", s.cfg.PollInterval)

	return nil
}

// Stop waits for a running tick, bounded by ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	runner := s.cron
	s.cron = nil
	s.mu.Unlock()

	if runner == nil {
		return nil
	}

	select {
	case <-runner.Stop().Done():
		s.logger.InfoContext(ctx, "trigger scheduler stopped")

		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Tick fires every due job and returns how many fired. Jobs whose run could
// not be recorded are reported together as one batch error, indexed by
// their position among the due jobs; the others still fire.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	now := s.now()

	due, err := s.store.Due(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("failed to load due triggers: %w", err)
	}

	var (
		fired    int
		failures resilience.Aggregator
	)

	for i, job := range due {
		if ctx.Err() != nil {
			return fired, ctx.Err()
		}

		if err := s.fire(ctx, job, now); err != nil {
			s.logger.ErrorContext(ctx, "failed to record trigger run",
				"workflow_id", job.WorkflowID, "trigger_id", job.TriggerID, "error", err)
			failures.Add(i, fmt.Errorf("trigger %s/%s: %w", job.WorkflowID, job.TriggerID, err))

			continue
		}

		fired++
	}

	return fired, failures.Err()
}

// fire starts one execution. A job that missed several runs fires once and
// is rescheduled from now.
func (s *Scheduler) fire(ctx context.Context, job *models.TriggerJob, now time.Time) error {
	logger := s.logger.With("workflow_id", job.WorkflowID, "trigger_id", job.TriggerID, "type", job.Type)

	scheduledAt := now
	if job.NextRun != nil {
		scheduledAt = *job.NextRun
	}

	data := models.CopyMap(job.TriggerData)
	if data == nil {
		data = map[string]any{}
	}

	data["trigger_id"] = job.TriggerID
	data["trigger_type"] = string(job.Type)
	data["scheduled_at"] = scheduledAt.UTC().Format(time.RFC3339)
	data["fired_at"] = now.Format(time.RFC3339)

	execution, startErr := s.starter.Start(ctx, job.WorkflowID, data)

	job.LastRun = &now

	if startErr != nil {
		job.FailCount++
		job.LastError = resilience.RedactString(startErr.Error())

		s.metrics.TriggerFired(string(job.Type), "failed")
		logger.WarnContext(ctx, "trigger failed to start execution", "fail_count", job.FailCount, "error", startErr)
	} else {
		s.metrics.TriggerFired(string(job.Type), "started")

		if execution != nil {
			logger = logger.With("execution_id", execution.ID)
		}

		logger.InfoContext(ctx, "trigger fired", "scheduled_at", scheduledAt)
	}

	next, err := NextRun(job, now)
	if err != nil {
		job.NextRun = nil
		job.LastError = err.Error()

		logger.ErrorContext(ctx, "trigger cannot be rescheduled", "error", err)
	} else {
		job.NextRun = &next
	}

	return s.store.UpdateRunState(ctx, job)
}
