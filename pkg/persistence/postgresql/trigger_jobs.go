package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/runflow/pkg/models"
	"github.com/dukex/runflow/pkg/persistence"
	"github.com/google/uuid"
)

const triggerJobColumns = `
	id, workflow_id, trigger_id, type, job_key, cron_expression, poll_interval_ms, timezone,
	trigger_data, active, last_run, next_run, fail_count, last_error, created_at, updated_at`

// TriggerJobRepository handles trigger_jobs rows, unique per (workflow_id, trigger_id).
type TriggerJobRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// Upsert refreshes configuration on conflict and leaves id, created_at and
// run history untouched.
func (r *TriggerJobRepository) Upsert(ctx context.Context, job *models.TriggerJob) (*models.TriggerJob, error) {
	triggerData, err := jsonb(job.TriggerData)
	if err != nil {
		return nil, persistence.NewTriggerJobError("Upsert", job.WorkflowID, job.TriggerID, err)
	}

	id := job.ID
	if id == "" {
		id = uuid.NewString()
	}

	now := time.Now().UTC()

	query := `
		INSERT INTO trigger_jobs (` + triggerJobColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NULL, $11, 0, '', $12, $12)
		ON CONFLICT (workflow_id, trigger_id) DO UPDATE SET
			type = EXCLUDED.type,
			job_key = EXCLUDED.job_key,
			cron_expression = EXCLUDED.cron_expression,
			poll_interval_ms = EXCLUDED.poll_interval_ms,
			timezone = EXCLUDED.timezone,
			trigger_data = EXCLUDED.trigger_data,
			active = EXCLUDED.active,
			next_run = EXCLUDED.next_run,
			updated_at = EXCLUDED.updated_at
		RETURNING ` + triggerJobColumns

	row := r.db.QueryRowContext(ctx, query,
		id, job.WorkflowID, job.TriggerID, job.Type, job.JobKey, job.CronExpression, job.PollIntervalMs,
		job.Timezone, triggerData, job.Active, job.NextRun, now,
	)

	stored, err := scanTriggerJob(row)
	if err != nil {
		return nil, persistence.NewTriggerJobError("Upsert", job.WorkflowID, job.TriggerID, err)
	}

	return stored, nil
}

func (r *TriggerJobRepository) UpdateRunState(ctx context.Context, job *models.TriggerJob) error {
	return r.exec(ctx, "UpdateRunState", job.WorkflowID, job.TriggerID, `
		UPDATE trigger_jobs
		SET last_run = $3, next_run = $4, fail_count = $5, last_error = $6, updated_at = NOW()
		WHERE workflow_id = $1 AND trigger_id = $2`,
		job.LastRun, job.NextRun, job.FailCount, job.LastError)
}

func (r *TriggerJobRepository) SetActive(ctx context.Context, workflowID, triggerID string, active bool) error {
	return r.exec(ctx, "SetActive", workflowID, triggerID, `
		UPDATE trigger_jobs SET active = $3, updated_at = NOW()
		WHERE workflow_id = $1 AND trigger_id = $2`, active)
}

func (r *TriggerJobRepository) Delete(ctx context.Context, workflowID, triggerID string) error {
	return r.exec(ctx, "Delete", workflowID, triggerID,
		`DELETE FROM trigger_jobs WHERE workflow_id = $1 AND trigger_id = $2`)
}

func (r *TriggerJobRepository) exec(ctx context.Context, op, workflowID, triggerID, query string, extra ...any) error {
	args := append([]any{workflowID, triggerID}, extra...)

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return persistence.NewTriggerJobError(op, workflowID, triggerID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return persistence.NewTriggerJobError(op, workflowID, triggerID, err)
	}

	if affected == 0 {
		return persistence.NewTriggerJobError(op, workflowID, triggerID, persistence.ErrTriggerJobNotFound)
	}

	return nil
}

func (r *TriggerJobRepository) Get(ctx context.Context, workflowID, triggerID string) (*models.TriggerJob, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+triggerJobColumns+` FROM trigger_jobs WHERE workflow_id = $1 AND trigger_id = $2`,
		workflowID, triggerID)

	job, err := scanTriggerJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.NewTriggerJobError("Get", workflowID, triggerID, persistence.ErrTriggerJobNotFound)
	}

	if err != nil {
		return nil, persistence.NewTriggerJobError("Get", workflowID, triggerID, err)
	}

	return job, nil
}

func (r *TriggerJobRepository) ByWorkflow(ctx context.Context, workflowID string) ([]*models.TriggerJob, error) {
	return r.query(ctx,
		`SELECT `+triggerJobColumns+` FROM trigger_jobs WHERE workflow_id = $1 ORDER BY trigger_id`, workflowID)
}

func (r *TriggerJobRepository) List(ctx context.Context) ([]*models.TriggerJob, error) {
	return r.query(ctx, `SELECT `+triggerJobColumns+` FROM trigger_jobs ORDER BY workflow_id, trigger_id`)
}

func (r *TriggerJobRepository) Due(ctx context.Context, before time.Time) ([]*models.TriggerJob, error) {
	return r.query(ctx, `
		SELECT `+triggerJobColumns+` FROM trigger_jobs
		WHERE active AND next_run IS NOT NULL AND next_run <= $1
		ORDER BY next_run`, before)
}

func (r *TriggerJobRepository) SetWorkflowActive(ctx context.Context, workflowID string, active bool) (int, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE trigger_jobs SET active = $2, updated_at = NOW()
		WHERE workflow_id = $1 AND active <> $2`, workflowID, active)
	if err != nil {
		return 0, persistence.NewTriggerJobError("SetWorkflowActive", workflowID, "", err)
	}

	affected, err := result.RowsAffected()

	return int(affected), err
}

func (r *TriggerJobRepository) DeleteByWorkflow(ctx context.Context, workflowID string) (int, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM trigger_jobs WHERE workflow_id = $1`, workflowID)
	if err != nil {
		return 0, persistence.NewTriggerJobError("DeleteByWorkflow", workflowID, "", err)
	}

	affected, err := result.RowsAffected()

	return int(affected), err
}

func (r *TriggerJobRepository) query(ctx context.Context, query string, args ...any) ([]*models.TriggerJob, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query trigger jobs: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	jobs := []*models.TriggerJob{}

	for rows.Next() {
		job, err := scanTriggerJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trigger job: %w", err)
		}

		jobs = append(jobs, job)
	}

	return jobs, rows.Err()
}

func scanTriggerJob(row scanner) (*models.TriggerJob, error) {
	var (
		job              models.TriggerJob
		triggerData      []byte
		lastRun, nextRun sql.NullTime
	)

	err := row.Scan(
		&job.ID, &job.WorkflowID, &job.TriggerID, &job.Type, &job.JobKey, &job.CronExpression,
		&job.PollIntervalMs, &job.Timezone, &triggerData, &job.Active, &lastRun, &nextRun,
		&job.FailCount, &job.LastError, &job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := fromJSONB(triggerData, &job.TriggerData); err != nil {
		return nil, fmt.Errorf("failed to unmarshal trigger data: %w", err)
	}

	job.LastRun = timePtr(lastRun)
	job.NextRun = timePtr(nextRun)
	job.CreatedAt = job.CreatedAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()

	return &job, nil
}
