package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/cuongbtq/msgroute/internal/routing"
)

const messageColumns = `message_id, queue, correlation_id, batch_id, session_id, requestor, responder,
	request_type, priority, held, sequence, feedback, value_date, format, options, keywords, payload`

// messageRow is the column layout of a message
type messageRow struct {
	routing.Record
	KeywordsJSON []byte `db:"keywords"`
}

func toRow(rec *routing.Record) (*messageRow, error) {
	keywords := rec.Keywords
	if keywords == nil {
		keywords = map[string]string{}
	}
	data, err := json.Marshal(keywords)
	if err != nil {
		return nil, fmt.Errorf("failed to encode keywords: %w", err)
	}
	row := &messageRow{Record: *rec, KeywordsJSON: data}
	if row.RequestType == "" {
		row.RequestType = routing.RequestSingle
	}
	return row, nil
}

func (r *messageRow) record() (*routing.Record, error) {
	rec := r.Record
	if len(r.KeywordsJSON) > 0 {
		if err := json.Unmarshal(r.KeywordsJSON, &rec.Keywords); err != nil {
			return nil, fmt.Errorf("failed to decode keywords of %s: %w", rec.MessageID, err)
		}
	}
	if len(rec.Keywords) == 0 {
		rec.Keywords = nil
	}
	return &rec, nil
}

// MessageStore persists messages through one transaction
type MessageStore struct {
	q sqlx.ExtContext
}

// NewMessageStore creates a message store over q, a database or a transaction
func NewMessageStore(q sqlx.ExtContext) *MessageStore {
	return &MessageStore{q: q}
}

func (s *MessageStore) Insert(ctx context.Context, rec *routing.Record) error {
	row, err := toRow(rec)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO messages (` + messageColumns + `)
		VALUES (
			:message_id, :queue, :correlation_id, :batch_id, :session_id, :requestor, :responder,
			:request_type, :priority, :held, :sequence, :feedback, :value_date, :format, :options, :keywords, :payload
		)
	`
	if _, err := sqlx.NamedExecContext(ctx, s.q, query, row); err != nil {
		return fmt.Errorf("failed to insert message %s: %w", rec.MessageID, err)
	}
	return nil
}

func (s *MessageStore) Update(ctx context.Context, rec *routing.Record) error {
	return s.write(ctx, rec.Queue, rec, "update")
}

func (s *MessageStore) Move(ctx context.Context, fromQueue string, rec *routing.Record) error {
	return s.write(ctx, fromQueue, rec, "move")
}

// write rewrites the row of rec found in queue
func (s *MessageStore) write(ctx context.Context, queue string, rec *routing.Record, op string) error {
	row, err := toRow(rec)
	if err != nil {
		return err
	}
	query := `
		UPDATE messages SET
			queue = $2, correlation_id = $3, batch_id = $4, session_id = $5, requestor = $6,
			responder = $7, request_type = $8, priority = $9, held = $10, sequence = $11,
			feedback = $12, value_date = $13, format = $14, options = $15, keywords = $16,
			payload = $17, updated_at = now()
		WHERE message_id = $1 AND queue = $18
	`
	res, err := s.q.ExecContext(ctx, query,
		row.MessageID, row.Queue, row.CorrelationID, row.BatchID, row.SessionID, row.Requestor,
		row.Responder, row.RequestType, row.Priority, row.Held, row.Sequence,
		row.Feedback, row.ValueDate, row.Format, row.Options, row.KeywordsJSON,
		row.Payload, queue,
	)
	if err != nil {
		return fmt.Errorf("failed to %s message %s: %w", op, rec.MessageID, err)
	}
	return expectOne(res, fmt.Errorf("%w: %s in %s", routing.ErrNotFound, rec.MessageID, queue))
}

func (s *MessageStore) Delete(ctx context.Context, queue, messageID string) error {
	res, err := s.q.ExecContext(ctx, `DELETE FROM messages WHERE message_id = $1 AND queue = $2`, messageID, queue)
	if err != nil {
		return fmt.Errorf("failed to delete message %s: %w", messageID, err)
	}
	return expectOne(res, fmt.Errorf("%w: %s in %s", routing.ErrNotFound, messageID, queue))
}

func (s *MessageStore) Read(ctx context.Context, queue, messageID string) (*routing.Record, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE message_id = $1 AND ($2 = '' OR queue = $2)`

	var row messageRow
	err := sqlx.GetContext(ctx, s.q, &row, query, messageID, queue)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s in %s", routing.ErrNotFound, messageID, queue)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read message %s: %w", messageID, err)
	}
	return row.record()
}

func (s *MessageStore) ReadBatch(ctx context.Context, queue, batchID string) ([]*routing.Record, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE queue = $1 AND batch_id = $2 ORDER BY message_id`

	var rows []messageRow
	if err := sqlx.SelectContext(ctx, s.q, &rows, query, queue, batchID); err != nil {
		return nil, fmt.Errorf("failed to read batch %s: %w", batchID, err)
	}
	out := make([]*routing.Record, 0, len(rows))
	for i := range rows {
		rec, err := rows[i].record()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *MessageStore) GetQueueDefinitions(ctx context.Context) ([]routing.QueueDefinition, error) {
	var queues []routing.QueueDefinition
	query := `SELECT id, name, service_name, service_id, exitpoint_def, hold_status FROM queues ORDER BY id`
	if err := sqlx.SelectContext(ctx, s.q, &queues, query); err != nil {
		return nil, fmt.Errorf("failed to get queue definitions: %w", err)
	}
	return queues, nil
}

func (s *MessageStore) SetQueueHold(ctx context.Context, queue string, held bool) error {
	query := `
		INSERT INTO queues (name, hold_status) VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE SET hold_status = EXCLUDED.hold_status
	`
	if _, err := s.q.ExecContext(ctx, query, queue, held); err != nil {
		return fmt.Errorf("failed to set hold status of %s: %w", queue, err)
	}
	return nil
}

// WaitOn answers from wait_conditions; a message without a row is ready
func (s *MessageStore) WaitOn(ctx context.Context, procedure, messageID string) (bool, error) {
	var ready bool
	query := `SELECT ready FROM wait_conditions WHERE procedure = $1 AND message_id = $2`
	err := sqlx.GetContext(ctx, s.q, &ready, query, procedure, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to run wait procedure %s: %w", procedure, err)
	}
	return ready, nil
}

// SaveQueues upserts queue definitions
func (s *MessageStore) SaveQueues(ctx context.Context, queues []routing.QueueDefinition) error {
	query := `
		INSERT INTO queues (name, service_name, service_id, exitpoint_def, hold_status)
		VALUES (:name, :service_name, :service_id, :exitpoint_def, :hold_status)
		ON CONFLICT (name) DO UPDATE SET
			service_name = EXCLUDED.service_name,
			service_id = EXCLUDED.service_id,
			exitpoint_def = EXCLUDED.exitpoint_def
	`
	for _, q := range queues {
		if _, err := sqlx.NamedExecContext(ctx, s.q, query, q); err != nil {
			return fmt.Errorf("failed to save queue %s: %w", q.Name, err)
		}
	}
	return nil
}

func expectOne(res sql.Result, missing error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return missing
	}
	return nil
}

var _ routing.MessageStore = (*MessageStore)(nil)
