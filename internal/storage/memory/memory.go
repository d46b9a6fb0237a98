// Package memory keeps messages, jobs and correlation rows in process memory.
// Transactions are serialized and rolled back by restoring a snapshot.
package memory

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuongbtq/msgroute/internal/aggregation"
	"github.com/cuongbtq/msgroute/internal/routing"
	"github.com/cuongbtq/msgroute/internal/scheduler/domain"
)

// Stats counts message writes
type Stats struct {
	Inserts atomic.Int64
	Updates atomic.Int64
	Moves   atomic.Int64
	Deletes atomic.Int64
}

type state struct {
	messages     map[string]routing.Record
	queues       map[string]routing.QueueDefinition
	jobs         map[string]domain.Job
	aggregations map[string]map[string][]aggregation.Field
}

func newState() *state {
	return &state{
		messages:     map[string]routing.Record{},
		queues:       map[string]routing.QueueDefinition{},
		jobs:         map[string]domain.Job{},
		aggregations: map[string]map[string][]aggregation.Field{},
	}
}

func (s *state) clone() *state {
	c := &state{
		messages:     make(map[string]routing.Record, len(s.messages)),
		queues:       maps.Clone(s.queues),
		jobs:         maps.Clone(s.jobs),
		aggregations: make(map[string]map[string][]aggregation.Field, len(s.aggregations)),
	}
	for id, rec := range s.messages {
		c.messages[id] = copyRecord(rec)
	}
	for table, rows := range s.aggregations {
		cr := make(map[string][]aggregation.Field, len(rows))
		for key, fields := range rows {
			cr[key] = slices.Clone(fields)
		}
		c.aggregations[table] = cr
	}
	return c
}

// Store implements every persistence interface of the router
type Store struct {
	txMu sync.Mutex
	mu   sync.Mutex
	st   *state

	// Ready answers WaitOn procedures; unknown procedures are ready
	Ready map[string]bool
	Stats Stats
	now   func() time.Time
}

// New creates an empty store holding the given queues
func New(queues ...routing.QueueDefinition) *Store {
	s := &Store{st: newState(), Ready: map[string]bool{}, now: time.Now}
	for _, q := range queues {
		s.st.queues[q.Name] = q
	}
	return s
}

func copyRecord(rec routing.Record) routing.Record {
	rec.Keywords = maps.Clone(rec.Keywords)
	rec.Payload = slices.Clone(rec.Payload)
	return rec
}

// Insert stores a new message row
func (s *Store) Insert(ctx context.Context, rec *routing.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.st.messages[rec.MessageID]; ok {
		return fmt.Errorf("message %s already exists", rec.MessageID)
	}
	s.st.messages[rec.MessageID] = copyRecord(*rec)
	s.Stats.Inserts.Add(1)
	return nil
}

// Update rewrites the row of rec in its current queue
func (s *Store) Update(ctx context.Context, rec *routing.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.st.messages[rec.MessageID]
	if !ok || cur.Queue != rec.Queue {
		return fmt.Errorf("%w: %s in %s", routing.ErrNotFound, rec.MessageID, rec.Queue)
	}
	s.st.messages[rec.MessageID] = copyRecord(*rec)
	s.Stats.Updates.Add(1)
	return nil
}

// Move relocates the row from fromQueue to rec.Queue
func (s *Store) Move(ctx context.Context, fromQueue string, rec *routing.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.st.messages[rec.MessageID]
	if !ok || cur.Queue != fromQueue {
		return fmt.Errorf("%w: %s in %s", routing.ErrNotFound, rec.MessageID, fromQueue)
	}
	s.st.messages[rec.MessageID] = copyRecord(*rec)
	s.Stats.Moves.Add(1)
	return nil
}

// Delete removes a message row
func (s *Store) Delete(ctx context.Context, queue, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.st.messages[messageID]
	if !ok || cur.Queue != queue {
		return fmt.Errorf("%w: %s in %s", routing.ErrNotFound, messageID, queue)
	}
	delete(s.st.messages, messageID)
	s.Stats.Deletes.Add(1)
	return nil
}

// Read returns a message row or routing.ErrNotFound
func (s *Store) Read(ctx context.Context, queue, messageID string) (*routing.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.st.messages[messageID]
	if !ok || (queue != "" && cur.Queue != queue) {
		return nil, fmt.Errorf("%w: %s in %s", routing.ErrNotFound, messageID, queue)
	}
	rec := copyRecord(cur)
	return &rec, nil
}

// ReadBatch returns the messages of a batch queued in queue, ordered by id
func (s *Store) ReadBatch(ctx context.Context, queue, batchID string) ([]*routing.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*routing.Record
	for _, id := range slices.Sorted(maps.Keys(s.st.messages)) {
		rec := s.st.messages[id]
		if rec.Queue == queue && rec.BatchID == batchID {
			c := copyRecord(rec)
			out = append(out, &c)
		}
	}
	return out, nil
}

// GetQueueDefinitions returns every configured queue ordered by name
func (s *Store) GetQueueDefinitions(ctx context.Context) ([]routing.QueueDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]routing.QueueDefinition, 0, len(s.st.queues))
	for _, name := range slices.Sorted(maps.Keys(s.st.queues)) {
		out = append(out, s.st.queues[name])
	}
	return out, nil
}

// SetQueues replaces the queue definitions
func (s *Store) SetQueues(queues []routing.QueueDefinition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.st.queues)
	for _, q := range queues {
		s.st.queues[q.Name] = q
	}
}

// SetQueueHold changes the hold status of a queue
func (s *Store) SetQueueHold(ctx context.Context, queue string, held bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.st.queues[queue]
	if !ok {
		q = routing.QueueDefinition{Name: queue}
	}
	q.HoldStatus = held
	s.st.queues[queue] = q
	return nil
}

// WaitOn answers from Ready
func (s *Store) WaitOn(ctx context.Context, procedure, messageID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ready, ok := s.Ready[procedure]
	return !ok || ready, nil
}

// AllMessages returns every message ordered by id
func (s *Store) AllMessages() []routing.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]routing.Record, 0, len(s.st.messages))
	for _, id := range slices.Sorted(maps.Keys(s.st.messages)) {
		out = append(out, copyRecord(s.st.messages[id]))
	}
	return out
}

// AllJobs returns every job ordered by id
func (s *Store) AllJobs() []domain.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Job, 0, len(s.st.jobs))
	for _, id := range slices.Sorted(maps.Keys(s.st.jobs)) {
		out = append(out, s.st.jobs[id])
	}
	return out
}

func aggregationKey(token, id string) string {
	return token + "\x00" + id
}

func (s *Store) match(table, token, id string, trim bool) []string {
	var keys []string
	for _, key := range slices.Sorted(maps.Keys(s.st.aggregations[table])) {
		t, i, _ := strings.Cut(key, "\x00")
		if trim {
			t, i = strings.TrimSpace(t), strings.TrimSpace(i)
			if t == strings.TrimSpace(token) && i == strings.TrimSpace(id) {
				keys = append(keys, key)
			}
		} else if t == token && i == id {
			keys = append(keys, key)
		}
	}
	return keys
}

func fieldValue(fields []aggregation.Field, name string) string {
	for _, f := range fields {
		if f.Name == name {
			return f.Value
		}
	}
	return ""
}

// aggregationStore is the correlation row view of a Store
type aggregationStore struct {
	s *Store
}

// Aggregations returns the correlation row store
func (s *Store) Aggregations() aggregation.Store {
	return aggregationStore{s: s}
}

// Read returns the named field values of one correlation row
func (a aggregationStore) Read(ctx context.Context, table, token, id string, names []string, trim bool) ([]string, error) {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	keys := a.s.match(table, token, id, trim)
	if len(keys) == 0 {
		return nil, aggregation.ErrNoRows
	}
	fields := a.s.st.aggregations[table][keys[0]]
	values := make([]string, len(names))
	for i, name := range names {
		values[i] = fieldValue(fields, name)
	}
	return values, nil
}

// InsertRow adds a correlation row; an existing key inserts nothing
func (a aggregationStore) InsertRow(ctx context.Context, table, token, id string, fields []aggregation.Field, trim bool) (int64, error) {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	if len(a.s.match(table, token, id, trim)) > 0 {
		return 0, nil
	}
	rows, ok := a.s.st.aggregations[table]
	if !ok {
		rows = map[string][]aggregation.Field{}
		a.s.st.aggregations[table] = rows
	}
	rows[aggregationKey(token, id)] = slices.Clone(fields)
	return 1, nil
}

// UpdateRow merges fields into the rows matching the key and conditions
func (a aggregationStore) UpdateRow(ctx context.Context, table, token, id string, fields, conditions []aggregation.Field, trim bool) (int64, error) {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	var n int64
	for _, key := range a.s.match(table, token, id, trim) {
		row := a.s.st.aggregations[table][key]
		if !satisfies(row, conditions) {
			continue
		}
		for _, f := range fields {
			row = setField(row, f)
		}
		a.s.st.aggregations[table][key] = row
		n++
	}
	return n, nil
}

func satisfies(row, conditions []aggregation.Field) bool {
	for _, c := range conditions {
		if fieldValue(row, c.Name) != c.Value {
			return false
		}
	}
	return true
}

func setField(row []aggregation.Field, f aggregation.Field) []aggregation.Field {
	for i := range row {
		if row[i].Name == f.Name {
			row[i].Value = f.Value
			return row
		}
	}
	return append(row, f)
}
