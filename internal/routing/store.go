package routing

import "context"

// QueueDefinition describes one routing queue
type QueueDefinition struct {
	ID           int64  `db:"id" json:"id" yaml:"id"`
	Name         string `db:"name" json:"name" yaml:"name"`
	ServiceName  string `db:"service_name" json:"service_name" yaml:"service_name"`
	ServiceID    int64  `db:"service_id" json:"service_id" yaml:"service_id"`
	ExitpointDef string `db:"exitpoint_def" json:"exitpoint_def" yaml:"exitpoint"`
	HoldStatus   bool   `db:"hold_status" json:"hold_status" yaml:"held"`
}

// MessageStore persists messages. Implementations are bound to the
// transaction of the job that uses them.
type MessageStore interface {
	// Insert stores a new message row
	Insert(ctx context.Context, rec *Record) error
	// Update rewrites the row of rec in its current queue
	Update(ctx context.Context, rec *Record) error
	// Move relocates the row from fromQueue to rec.Queue
	Move(ctx context.Context, fromQueue string, rec *Record) error
	// Delete removes a message row
	Delete(ctx context.Context, queue, messageID string) error
	// Read returns a message row or ErrNotFound
	Read(ctx context.Context, queue, messageID string) (*Record, error)
	// ReadBatch returns the messages of a batch queued in queue, ordered by id
	ReadBatch(ctx context.Context, queue, batchID string) ([]*Record, error)
	// GetQueueDefinitions returns every configured queue
	GetQueueDefinitions(ctx context.Context) ([]QueueDefinition, error)
	// SetQueueHold changes the hold status of a queue
	SetQueueHold(ctx context.Context, queue string, held bool) error
	// WaitOn runs the named readiness procedure for a message
	WaitOn(ctx context.Context, procedure, messageID string) (bool, error)
}

// JobRequest asks for a new job to be scheduled once the current job commits
type JobRequest struct {
	ID        string
	MessageID string
	Queue     string
	Function  string
	BatchID   string
	// Deferred parks the job on Queue until the queue is released
	Deferred bool
}

// JobWriter creates and releases jobs inside the current job transaction
type JobWriter interface {
	InsertJob(ctx context.Context, req JobRequest) error
	// ReleaseDeferred returns the jobs parked on queue to the runnable state
	ReleaseDeferred(ctx context.Context, queue string) ([]string, error)
}

// DocumentTransformer applies a named template to a document
type DocumentTransformer interface {
	Transform(ctx context.Context, document []byte, templateName string, params map[string]string) ([]byte, string, error)
}

// Dispatcher sends a message to an external queue and returns the transport id
type Dispatcher interface {
	Send(ctx context.Context, queue string, message []byte) (string, error)
}
