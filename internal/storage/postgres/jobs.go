package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"

	"github.com/jmoiron/sqlx"

	"github.com/cuongbtq/msgroute/internal/routing"
	"github.com/cuongbtq/msgroute/internal/scheduler/domain"
)

const jobColumns = `job_id, message_id, queue, function, status, backout, batch_id, parallel,
	deferred_queue, abort_reason, created_at, updated_at`

// JobStore persists jobs through one transaction
type JobStore struct {
	q sqlx.ExtContext
}

// NewJobStore creates a job store over a database or transaction
func NewJobStore(q sqlx.ExtContext) *JobStore {
	return &JobStore{q: q}
}

func (s *JobStore) InsertJob(ctx context.Context, req routing.JobRequest) error {
	status, deferredQueue := domain.JobStatusPending, ""
	if req.Deferred {
		status, deferredQueue = domain.JobStatusDeferred, req.Queue
	}
	query := `
		INSERT INTO jobs (job_id, message_id, queue, function, status, batch_id, deferred_queue)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := s.q.ExecContext(ctx, query, req.ID, req.MessageID, req.Queue, req.Function, status, req.BatchID, deferredQueue)
	if err != nil {
		return fmt.Errorf("failed to insert job %s: %w", req.ID, err)
	}
	return nil
}

func (s *JobStore) ReleaseDeferred(ctx context.Context, queue string) ([]string, error) {
	query := `
		UPDATE jobs SET status = $1, deferred_queue = '', updated_at = now()
		WHERE status = $2 AND deferred_queue = $3
		RETURNING job_id
	`
	var ids []string
	if err := sqlx.SelectContext(ctx, s.q, &ids, query, domain.JobStatusPending, domain.JobStatusDeferred, queue); err != nil {
		return nil, fmt.Errorf("failed to release jobs of %s: %w", queue, err)
	}
	slices.Sort(ids)
	return ids, nil
}

// GetJob reads the job and locks its row until the transaction ends
func (s *JobStore) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	var job domain.Job
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE job_id = $1 FOR UPDATE`
	err := sqlx.GetContext(ctx, s.q, &job, query, jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domain.ErrJobNotFound, jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return &job, nil
}

func (s *JobStore) DeleteJob(ctx context.Context, jobID string) error {
	res, err := s.q.ExecContext(ctx, `DELETE FROM jobs WHERE job_id = $1`, jobID)
	if err != nil {
		return fmt.Errorf("failed to delete job %s: %w", jobID, err)
	}
	return expectOne(res, fmt.Errorf("%w: %s", domain.ErrJobNotFound, jobID))
}

func (s *JobStore) AbortJob(ctx context.Context, jobID, reason string) error {
	query := `UPDATE jobs SET status = $2, abort_reason = $3, updated_at = now() WHERE job_id = $1`
	res, err := s.q.ExecContext(ctx, query, jobID, domain.JobStatusAborted, reason)
	if err != nil {
		return fmt.Errorf("failed to abort job %s: %w", jobID, err)
	}
	return expectOne(res, fmt.Errorf("%w: %s", domain.ErrJobNotFound, jobID))
}

func (s *JobStore) DeferJob(ctx context.Context, jobID, queue string) error {
	query := `UPDATE jobs SET status = $2, deferred_queue = $3, updated_at = now() WHERE job_id = $1`
	res, err := s.q.ExecContext(ctx, query, jobID, domain.JobStatusDeferred, queue)
	if err != nil {
		return fmt.Errorf("failed to defer job %s: %w", jobID, err)
	}
	return expectOne(res, fmt.Errorf("%w: %s", domain.ErrJobNotFound, jobID))
}

var _ domain.JobStore = (*JobStore)(nil)
