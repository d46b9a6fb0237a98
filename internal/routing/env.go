package routing

import (
	"context"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/cuongbtq/msgroute/internal/aggregation"
)

// ActionRecorder observes performed actions
type ActionRecorder interface {
	RecordAction(action, result string)
}

// Env carries the collaborators of one job. It is owned by a single worker
// and never shared between jobs running at the same time.
type Env struct {
	Store       MessageStore
	Aggregation *aggregation.Manager
	Transformer DocumentTransformer
	Dispatcher  Dispatcher
	Jobs        JobWriter
	Config      *EngineConfig
	Logger      *slog.Logger
	Recorder    ActionRecorder

	UserID string
	// Bulk is set while the job processes the items of a rapid batch
	Bulk bool

	NewID func() string
	Now   func() time.Time

	// cursor is the sequence of the rule whose action is running
	cursor int
	trail  []string
}

func (e *Env) newID() string {
	if e.NewID != nil {
		return e.NewID()
	}
	return ulid.Make().String()
}

func (e *Env) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Env) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

// Cursor returns the sequence of the rule whose action is running. It is 0
// outside of rule evaluation.
func (e *Env) Cursor() int {
	return e.cursor
}

// Trail returns the descriptions of the actions performed so far
func (e *Env) Trail() []string {
	return e.trail
}

// ResetTrail clears the action trail before the next job
func (e *Env) ResetTrail() {
	e.trail = e.trail[:0]
}

func (e *Env) record(action ActionType, description string, err error) {
	if e.Recorder != nil {
		result := "ok"
		if err != nil {
			result = "error"
		}
		e.Recorder.RecordAction(string(action), result)
	}
	if err == nil && description != "" {
		e.trail = append(e.trail, description)
	}
}

// Investigate relocates msg to an investigation queue and returns the
// InvestigationError describing it. An empty queue selects the configured
// investigation queue.
func (e *Env) Investigate(ctx context.Context, msg *Message, queue, reason string, cause error) error {
	if queue == "" && e.Config != nil {
		queue = e.Config.InvestigationQueue()
	}
	inv := &InvestigationError{Queue: queue, Reason: reason, Err: cause}
	if queue == "" {
		inv.RelocationFailure = "no investigation queue configured"
		return inv
	}

	from, seq := msg.Queue, msg.Sequence
	msg.Queue = queue
	msg.Sequence = 0
	if err := e.Store.Move(ctx, from, &msg.Record); err != nil {
		msg.Queue, msg.Sequence = from, seq
		inv.RelocationFailure = err.Error()
		e.logger().Error("Failed to move message to investigation",
			slog.String("message_id", msg.MessageID),
			slog.String("queue", queue),
			slog.String("reason", reason),
			slog.Any("error", err),
		)
		return inv
	}

	e.logger().Warn("Message moved to investigation",
		slog.String("message_id", msg.MessageID),
		slog.String("from", from),
		slog.String("queue", queue),
		slog.String("reason", reason),
	)
	return inv
}
