package file

import (
	"cmp"
	"context"
	"errors"
	"os"
	"slices"
	"time"

	"github.com/dukex/runflow/pkg/models"
	"github.com/dukex/runflow/pkg/persistence"
	"github.com/google/uuid"
)

// triggerJobRepository stores jobs as trigger_jobs/<workflow>/<trigger>.json,
// which makes (workflow, trigger) unique by construction.
type triggerJobRepository struct {
	fp *Persistence
}

func (r *triggerJobRepository) file(workflowID, triggerID string) string {
	return r.fp.path(triggerJobsDir, workflowID, triggerID+".json")
}

func (r *triggerJobRepository) read(op, workflowID, triggerID string) (*models.TriggerJob, error) {
	if err := errors.Join(validateID(workflowID), validateID(triggerID)); err != nil {
		return nil, persistence.NewTriggerJobError(op, workflowID, triggerID, err)
	}

	var job models.TriggerJob

	err := readJSON(r.file(workflowID, triggerID), &job)
	if errors.Is(err, os.ErrNotExist) {
		return nil, persistence.NewTriggerJobError(op, workflowID, triggerID, persistence.ErrTriggerJobNotFound)
	}

	if err != nil {
		return nil, persistence.NewTriggerJobError(op, workflowID, triggerID, err)
	}

	return &job, nil
}

func (r *triggerJobRepository) write(op string, job *models.TriggerJob) error {
	if err := writeJSON(r.file(job.WorkflowID, job.TriggerID), job); err != nil {
		return persistence.NewTriggerJobError(op, job.WorkflowID, job.TriggerID, err)
	}

	return nil
}

func (r *triggerJobRepository) Upsert(_ context.Context, job *models.TriggerJob) (*models.TriggerJob, error) {
	r.fp.mu.Lock()
	defer r.fp.mu.Unlock()

	stored := job.Clone()
	now := time.Now().UTC()

	existing, err := r.read("Upsert", job.WorkflowID, job.TriggerID)

	switch {
	case err == nil:
		stored.ID = existing.ID
		stored.CreatedAt = existing.CreatedAt
		stored.LastRun = existing.LastRun
		stored.FailCount = existing.FailCount
		stored.LastError = existing.LastError
	case persistence.IsTriggerJobNotFound(err):
		if stored.ID == "" {
			stored.ID = uuid.NewString()
		}

		stored.CreatedAt = now
	default:
		return nil, err
	}

	stored.UpdatedAt = now

	if err := r.write("Upsert", stored); err != nil {
		return nil, err
	}

	return stored, nil
}

func (r *triggerJobRepository) UpdateRunState(_ context.Context, job *models.TriggerJob) error {
	return r.modify("UpdateRunState", job.WorkflowID, job.TriggerID, func(existing *models.TriggerJob) {
		existing.LastRun = job.LastRun
		existing.NextRun = job.NextRun
		existing.FailCount = job.FailCount
		existing.LastError = job.LastError
	})
}

func (r *triggerJobRepository) SetActive(_ context.Context, workflowID, triggerID string, active bool) error {
	return r.modify("SetActive", workflowID, triggerID, func(existing *models.TriggerJob) {
		existing.Active = active
	})
}

func (r *triggerJobRepository) modify(op, workflowID, triggerID string, fn func(*models.TriggerJob)) error {
	r.fp.mu.Lock()
	defer r.fp.mu.Unlock()

	existing, err := r.read(op, workflowID, triggerID)
	if err != nil {
		return err
	}

	fn(existing)
	existing.UpdatedAt = time.Now().UTC()

	return r.write(op, existing)
}

func (r *triggerJobRepository) Get(_ context.Context, workflowID, triggerID string) (*models.TriggerJob, error) {
	r.fp.mu.RLock()
	defer r.fp.mu.RUnlock()

	return r.read("Get", workflowID, triggerID)
}

func (r *triggerJobRepository) ByWorkflow(_ context.Context, workflowID string) ([]*models.TriggerJob, error) {
	if err := validateID(workflowID); err != nil {
		return nil, persistence.NewTriggerJobError("ByWorkflow", workflowID, "", err)
	}

	r.fp.mu.RLock()
	defer r.fp.mu.RUnlock()

	jobs, err := readAll[models.TriggerJob](r.fp.path(triggerJobsDir, workflowID))
	if err != nil {
		return nil, err
	}

	sortJobs(jobs)

	return jobs, nil
}

func (r *triggerJobRepository) List(context.Context) ([]*models.TriggerJob, error) {
	r.fp.mu.RLock()
	defer r.fp.mu.RUnlock()

	return r.listLocked()
}

func (r *triggerJobRepository) listLocked() ([]*models.TriggerJob, error) {
	entries, err := os.ReadDir(r.fp.path(triggerJobsDir))
	if errors.Is(err, os.ErrNotExist) {
		return []*models.TriggerJob{}, nil
	}

	if err != nil {
		return nil, err
	}

	out := []*models.TriggerJob{}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		jobs, err := readAll[models.TriggerJob](r.fp.path(triggerJobsDir, entry.Name()))
		if err != nil {
			return nil, err
		}

		out = append(out, jobs...)
	}

	sortJobs(out)

	return out, nil
}

func (r *triggerJobRepository) Due(_ context.Context, before time.Time) ([]*models.TriggerJob, error) {
	r.fp.mu.RLock()
	all, err := r.listLocked()
	r.fp.mu.RUnlock()

	if err != nil {
		return nil, err
	}

	due := slices.DeleteFunc(all, func(j *models.TriggerJob) bool { return !j.IsDue(before) })
	slices.SortFunc(due, func(a, b *models.TriggerJob) int { return a.NextRun.Compare(*b.NextRun) })

	return due, nil
}

func (r *triggerJobRepository) SetWorkflowActive(ctx context.Context, workflowID string, active bool) (int, error) {
	jobs, err := r.ByWorkflow(ctx, workflowID)
	if err != nil {
		return 0, err
	}

	changed := 0

	for _, job := range jobs {
		if job.Active == active {
			continue
		}

		if err := r.SetActive(ctx, workflowID, job.TriggerID, active); err != nil {
			return changed, err
		}

		changed++
	}

	return changed, nil
}

func (r *triggerJobRepository) Delete(_ context.Context, workflowID, triggerID string) error {
	if err := errors.Join(validateID(workflowID), validateID(triggerID)); err != nil {
		return persistence.NewTriggerJobError("Delete", workflowID, triggerID, err)
	}

	r.fp.mu.Lock()
	defer r.fp.mu.Unlock()

	err := os.Remove(r.file(workflowID, triggerID))
	if errors.Is(err, os.ErrNotExist) {
		return persistence.NewTriggerJobError("Delete", workflowID, triggerID, persistence.ErrTriggerJobNotFound)
	}

	if err != nil {
		return persistence.NewTriggerJobError("Delete", workflowID, triggerID, err)
	}

	return nil
}

func (r *triggerJobRepository) DeleteByWorkflow(ctx context.Context, workflowID string) (int, error) {
	jobs, err := r.ByWorkflow(ctx, workflowID)
	if err != nil {
		return 0, err
	}

	r.fp.mu.Lock()
	defer r.fp.mu.Unlock()

	if err := os.RemoveAll(r.fp.path(triggerJobsDir, workflowID)); err != nil {
		return 0, persistence.NewTriggerJobError("DeleteByWorkflow", workflowID, "", err)
	}

	return len(jobs), nil
}

func sortJobs(jobs []*models.TriggerJob) {
	slices.SortFunc(jobs, func(a, b *models.TriggerJob) int {
		return cmp.Or(cmp.Compare(a.WorkflowID, b.WorkflowID), cmp.Compare(a.TriggerID, b.TriggerID))
	})
}
