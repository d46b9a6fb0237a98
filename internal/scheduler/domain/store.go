package domain

import (
	"context"

	"github.com/cuongbtq/msgroute/internal/aggregation"
	"github.com/cuongbtq/msgroute/internal/routing"
)

// JobStore persists jobs inside a transaction
type JobStore interface {
	routing.JobWriter

	// GetJob returns a job or ErrJobNotFound
	GetJob(ctx context.Context, jobID string) (*Job, error)
	// DeleteJob removes a committed job
	DeleteJob(ctx context.Context, jobID string) error
	// AbortJob keeps the job with a terminal reason
	AbortJob(ctx context.Context, jobID, reason string) error
	// DeferJob parks the job on a held queue
	DeferJob(ctx context.Context, jobID, queue string) error
}

// Tx is the unit of atomicity of one job
type Tx interface {
	Messages() routing.MessageStore
	Aggregations() aggregation.Store
	Jobs() JobStore
	Commit() error
	Rollback() error
}

// Backend opens job transactions
type Backend interface {
	Begin(ctx context.Context) (Tx, error)
	// IncrementBackout counts a failed attempt outside the transaction that
	// was rolled back and returns the new count
	IncrementBackout(ctx context.Context, jobID string) (int, error)
}
