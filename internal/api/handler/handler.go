package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/cuongbtq/msgroute/internal/api/storage"
	"github.com/cuongbtq/msgroute/internal/routing"
	"github.com/cuongbtq/msgroute/internal/scheduler"
	"github.com/cuongbtq/msgroute/internal/scheduler/domain"
)

// Storage is the persistence used by the handlers
type Storage interface {
	CreateMessage(ctx context.Context, rec *routing.Record, job routing.JobRequest) error
	GetJobByID(ctx context.Context, jobID string) (*domain.Job, error)
	ListJobs(ctx context.Context, filter storage.JobFilter) ([]domain.Job, error)
	AbortJob(ctx context.Context, jobID, reason string) (*domain.Job, error)
}

// RuleSets stores the routing definitions watched by the routers
type RuleSets interface {
	Save(ctx context.Context, defs *routing.Definitions) (int64, error)
	BumpRevision(ctx context.Context) (int64, error)
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger   *slog.Logger
	Storage  Storage
	Notifier scheduler.Notifier
	RuleSets RuleSets
	Metrics  http.Handler
	// NewMessageID issues ids for messages posted without one
	NewMessageID func() string
	// NewJobID issues job ids
	NewJobID func() string
	Now      func() time.Time
}

// JobHandler handles job and message HTTP requests
type JobHandler struct {
	logger       *slog.Logger
	storage      Storage
	notifier     scheduler.Notifier
	newMessageID func() string
	newJobID     func() string
	now          func() time.Time
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	h := &JobHandler{
		logger:       deps.Logger,
		storage:      deps.Storage,
		notifier:     deps.Notifier,
		newMessageID: deps.NewMessageID,
		newJobID:     deps.NewJobID,
		now:          deps.Now,
	}
	if h.newMessageID == nil {
		h.newMessageID = func() string { return ulid.Make().String() }
	}
	if h.newJobID == nil {
		h.newJobID = uuid.NewString
	}
	if h.now == nil {
		h.now = time.Now
	}
	return h
}

// SchemaHandler handles rule set HTTP requests
type SchemaHandler struct {
	logger   *slog.Logger
	ruleSets RuleSets
}

// NewSchemaHandler creates a new SchemaHandler instance
func NewSchemaHandler(deps *Dependencies) *SchemaHandler {
	return &SchemaHandler{logger: deps.Logger, ruleSets: deps.RuleSets}
}
