package memory

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"github.com/cuongbtq/msgroute/internal/aggregation"
	"github.com/cuongbtq/msgroute/internal/routing"
	"github.com/cuongbtq/msgroute/internal/scheduler/domain"
)

type jobStore struct {
	s *Store
}

// Jobs returns the job store
func (s *Store) Jobs() domain.JobStore {
	return jobStore{s: s}
}

// Messages returns the message store
func (s *Store) Messages() routing.MessageStore {
	return s
}

func (j jobStore) InsertJob(ctx context.Context, req routing.JobRequest) error {
	j.s.mu.Lock()
	defer j.s.mu.Unlock()
	if _, ok := j.s.st.jobs[req.ID]; ok {
		return fmt.Errorf("job %s already exists", req.ID)
	}
	now := j.s.now()
	job := domain.Job{
		JobID:     req.ID,
		MessageID: req.MessageID,
		Queue:     req.Queue,
		Function:  req.Function,
		Status:    domain.JobStatusPending,
		BatchID:   req.BatchID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if req.Deferred {
		job.Status = domain.JobStatusDeferred
		job.DeferredQueue = req.Queue
	}
	j.s.st.jobs[req.ID] = job
	return nil
}

func (j jobStore) ReleaseDeferred(ctx context.Context, queue string) ([]string, error) {
	j.s.mu.Lock()
	defer j.s.mu.Unlock()
	var released []string
	for _, id := range slices.Sorted(maps.Keys(j.s.st.jobs)) {
		job := j.s.st.jobs[id]
		if job.Status != domain.JobStatusDeferred || job.DeferredQueue != queue {
			continue
		}
		job.Status = domain.JobStatusPending
		job.DeferredQueue = ""
		job.UpdatedAt = j.s.now()
		j.s.st.jobs[id] = job
		released = append(released, id)
	}
	return released, nil
}

func (j jobStore) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	j.s.mu.Lock()
	defer j.s.mu.Unlock()
	job, ok := j.s.st.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrJobNotFound, jobID)
	}
	return &job, nil
}

func (j jobStore) DeleteJob(ctx context.Context, jobID string) error {
	j.s.mu.Lock()
	defer j.s.mu.Unlock()
	if _, ok := j.s.st.jobs[jobID]; !ok {
		return fmt.Errorf("%w: %s", domain.ErrJobNotFound, jobID)
	}
	delete(j.s.st.jobs, jobID)
	return nil
}

func (j jobStore) AbortJob(ctx context.Context, jobID, reason string) error {
	return j.s.updateJob(jobID, func(job *domain.Job) {
		job.Status = domain.JobStatusAborted
		job.AbortReason = reason
	})
}

func (j jobStore) DeferJob(ctx context.Context, jobID, queue string) error {
	return j.s.updateJob(jobID, func(job *domain.Job) {
		job.Status = domain.JobStatusDeferred
		job.DeferredQueue = queue
	})
}

func (s *Store) updateJob(jobID string, fn func(*domain.Job)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.st.jobs[jobID]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrJobNotFound, jobID)
	}
	fn(&job)
	job.UpdatedAt = s.now()
	s.st.jobs[jobID] = job
	return nil
}

// IncrementBackout counts a failed attempt of a job
func (s *Store) IncrementBackout(ctx context.Context, jobID string) (int, error) {
	var backout int
	err := s.updateJob(jobID, func(job *domain.Job) {
		job.Backout++
		backout = job.Backout
	})
	return backout, err
}

// Begin starts a transaction. Transactions run one at a time.
func (s *Store) Begin(ctx context.Context) (domain.Tx, error) {
	s.txMu.Lock()
	s.mu.Lock()
	snapshot := s.st.clone()
	s.mu.Unlock()
	return &tx{s: s, snapshot: snapshot}, nil
}

type tx struct {
	s        *Store
	snapshot *state
	done     bool
}

func (t *tx) Messages() routing.MessageStore { return t.s }
func (t *tx) Aggregations() aggregation.Store { return t.s.Aggregations() }
func (t *tx) Jobs() domain.JobStore { return t.s.Jobs() }

func (t *tx) Commit() error {
	if t.done {
		return fmt.Errorf("transaction already finished")
	}
	t.done = true
	t.s.txMu.Unlock()
	return nil
}

func (t *tx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	t.s.mu.Lock()
	t.s.st = t.snapshot
	t.s.mu.Unlock()
	t.s.txMu.Unlock()
	return nil
}

var (
	_ domain.Backend       = (*Store)(nil)
	_ routing.MessageStore = (*Store)(nil)
	_ aggregation.Store    = aggregationStore{}
	_ domain.JobStore      = jobStore{}
)
