package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"

	"github.com/cuongbtq/msgroute/internal/aggregation"
	"github.com/cuongbtq/msgroute/internal/routing"
	"github.com/cuongbtq/msgroute/internal/scheduler/domain"
)

// Backend opens one database transaction per job
type Backend struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewBackend creates a backend over db
func NewBackend(db *sqlx.DB, logger *slog.Logger) *Backend {
	return &Backend{db: db, logger: logger}
}

func (b *Backend) Begin(ctx context.Context) (domain.Tx, error) {
	tx, err := b.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &Tx{
		tx:           tx,
		messages:     NewMessageStore(tx),
		aggregations: NewAggregationStore(tx),
		jobs:         NewJobStore(tx),
	}, nil
}

// IncrementBackout counts a failed attempt outside any job transaction
func (b *Backend) IncrementBackout(ctx context.Context, jobID string) (int, error) {
	var backout int
	query := `UPDATE jobs SET backout = backout + 1, updated_at = now() WHERE job_id = $1 RETURNING backout`
	err := b.db.GetContext(ctx, &backout, query, jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: %s", domain.ErrJobNotFound, jobID)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to increment backout of %s: %w", jobID, err)
	}
	b.logger.Debug("Job backout incremented",
		slog.String("job_id", jobID),
		slog.Int("backout", backout),
	)
	return backout, nil
}

// Messages returns a message store outside any job transaction
func (b *Backend) Messages() *MessageStore {
	return NewMessageStore(b.db)
}

// Tx is the transaction of one job
type Tx struct {
	tx           *sqlx.Tx
	messages     *MessageStore
	aggregations *AggregationStore
	jobs         *JobStore
}

func (t *Tx) Messages() routing.MessageStore { return t.messages }

func (t *Tx) Aggregations() aggregation.Store { return t.aggregations }

func (t *Tx) Jobs() domain.JobStore { return t.jobs }

func (t *Tx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (t *Tx) Rollback() error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("failed to roll back transaction: %w", err)
	}
	return nil
}

var _ domain.Backend = (*Backend)(nil)
