package domain

import "time"

// Job is one unit of routing work on a message
type Job struct {
	JobID         string    `db:"job_id"`
	MessageID     string    `db:"message_id"`
	Queue         string    `db:"queue"`
	Function      string    `db:"function"`
	Status        string    `db:"status"`
	Backout       int       `db:"backout"`
	BatchID       string    `db:"batch_id"`
	Parallel      bool      `db:"parallel"`
	DeferredQueue string    `db:"deferred_queue"`
	AbortReason   string    `db:"abort_reason"`
	CreatedAt     time.Time `db:"created_at"`
	UpdatedAt     time.Time `db:"updated_at"`
}

// Acknowledger settles the notification a job was received with
type Acknowledger interface {
	Ack(multiple bool) error
	Nack(multiple, requeue bool) error
}

// JobMessage represents a job message from RabbitMQ
type JobMessage struct {
	JobID       string       `json:"job_id"`
	DeliveryTag uint64       `json:"-"`
	Ack         Acknowledger `json:"-"`
	// Requeues counts the local requeues of a message without a broker
	Requeues    int          `json:"-"`
}
