package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	apidomain "github.com/cuongbtq/msgroute/internal/api/domain"
	"github.com/cuongbtq/msgroute/internal/routing"
	"github.com/cuongbtq/msgroute/internal/scheduler/domain"
	"github.com/cuongbtq/msgroute/internal/storage/postgres"
)

const jobColumns = `job_id, message_id, queue, function, status, backout, batch_id, parallel,
	deferred_queue, abort_reason, created_at, updated_at`

type Storage struct {
	db *sqlx.DB
}

func NewStorage(db *sqlx.DB) *Storage {
	return &Storage{db: db}
}

// CreateMessage stores rec and its first job in one transaction
func (s *Storage) CreateMessage(ctx context.Context, rec *routing.Record, job routing.JobRequest) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := postgres.NewMessageStore(tx).Insert(ctx, rec); err != nil {
		return err
	}
	if err := postgres.NewJobStore(tx).InsertJob(ctx, job); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit message %s: %w", rec.MessageID, err)
	}
	return nil
}

func (s *Storage) GetJobByID(ctx context.Context, jobID string) (*domain.Job, error) {
	var job domain.Job
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE job_id = $1`

	err := s.db.GetContext(ctx, &job, query, jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", apidomain.ErrJobNotFound, jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return &job, nil
}

// AbortJob aborts a job that has not ended yet. The row lock waits for a
// router currently processing the job.
func (s *Storage) AbortJob(ctx context.Context, jobID, reason string) (*domain.Job, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	jobs := postgres.NewJobStore(tx)
	job, err := jobs.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !apidomain.Abortable(job.Status) {
		return nil, fmt.Errorf("%w: %s is %s", apidomain.ErrJobNotAbortable, jobID, job.Status)
	}
	if err := jobs.AbortJob(ctx, jobID, reason); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit abort of %s: %w", jobID, err)
	}

	job.Status = domain.JobStatusAborted
	job.AbortReason = reason
	return job, nil
}

type JobFilter struct {
	Queue    string
	Status   string
	PageSize int
	Cursor   *JobCursor
}

type JobCursor struct {
	CreatedAt time.Time
	JobID     string
}

// ListJobs returns up to PageSize+1 jobs, newest first, so the caller can
// tell whether another page exists
func (s *Storage) ListJobs(ctx context.Context, filter JobFilter) ([]domain.Job, error) {
	var (
		conds []string
		args  []interface{}
	)
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.Queue != "" {
		conds = append(conds, "queue = "+arg(filter.Queue))
	}
	if filter.Status != "" {
		conds = append(conds, "status = "+arg(filter.Status))
	}
	if filter.Cursor != nil {
		conds = append(conds, fmt.Sprintf("(created_at, job_id) < (%s, %s)", arg(filter.Cursor.CreatedAt), arg(filter.Cursor.JobID)))
	}

	query := `SELECT ` + jobColumns + ` FROM jobs`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC, job_id DESC LIMIT " + arg(filter.PageSize+1)

	var jobs []domain.Job
	if err := s.db.SelectContext(ctx, &jobs, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return jobs, nil
}
