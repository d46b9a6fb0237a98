package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cuongbtq/msgroute/internal/scheduler/domain"
)

// JobPool hands received job notifications to the worker goroutines
type JobPool struct {
	jobs chan *domain.JobMessage
	done chan struct{}
	once sync.Once
}

// NewJobPool creates a pool buffering up to size notifications
func NewJobPool(size int) *JobPool {
	if size < 1 {
		size = 1
	}
	return &JobPool{
		jobs: make(chan *domain.JobMessage, size),
		done: make(chan struct{}),
	}
}

// Put blocks until the pool accepts msg
func (p *JobPool) Put(ctx context.Context, msg *domain.JobMessage) error {
	select {
	case <-p.done:
		return domain.ErrPoolShutdown
	default:
	}

	select {
	case <-p.done:
		return domain.ErrPoolShutdown
	case <-ctx.Done():
		return ctx.Err()
	case p.jobs <- msg:
		return nil
	}
}

// Take blocks until a notification is available. After Shutdown every Take
// returns ErrPoolShutdown.
func (p *JobPool) Take(ctx context.Context) (*domain.JobMessage, error) {
	select {
	case <-p.done:
		return nil, domain.ErrPoolShutdown
	default:
	}

	select {
	case <-p.done:
		return nil, domain.ErrPoolShutdown
	case <-ctx.Done():
		return nil, ctx.Err()
	case msg := <-p.jobs:
		return msg, nil
	}
}

// Shutdown wakes every blocked Put and Take
func (p *JobPool) Shutdown() {
	p.once.Do(func() { close(p.done) })
}

// Drain returns the notifications still buffered
func (p *JobPool) Drain() []*domain.JobMessage {
	var out []*domain.JobMessage
	for {
		select {
		case msg := <-p.jobs:
			out = append(out, msg)
		default:
			return out
		}
	}
}

// spawnWorkerPool spawns N worker goroutines based on concurrency configuration
func (w *Worker) spawnWorkerPool(ctx context.Context, g *errgroup.Group) {
	w.logger.Info("Spawning worker pool",
		slog.Int("concurrency", w.concurrency),
		slog.String("worker_id", w.workerID),
	)

	for i := 0; i < w.concurrency; i++ {
		g.Go(func() error {
			w.workerLoop(ctx, i)
			return nil
		})
	}

	w.logger.Info("Worker pool spawned successfully",
		slog.Int("worker_count", w.concurrency),
	)
}

// workerLoop is the main processing loop for each worker goroutine. A
// canceled ctx stops the loop once the current job has settled.
func (w *Worker) workerLoop(ctx context.Context, workerNum int) {
	wc := newWorkerContext(fmt.Sprintf("%s-%d", w.workerID, workerNum))
	w.logger.Info("Worker goroutine started",
		slog.String("worker_name", wc.name),
		slog.Int("worker_num", workerNum),
	)

	for {
		msg, err := w.pool.Take(ctx)
		if err != nil {
			reason := "context canceled"
			if errors.Is(err, domain.ErrPoolShutdown) {
				reason = "pool shut down"
			}
			w.logger.Info("Worker goroutine stopping - "+reason,
				slog.String("worker_name", wc.name),
			)
			return
		}

		w.logger.Info("Worker received job",
			slog.String("worker_name", wc.name),
			slog.String("job_id", msg.JobID),
			slog.Uint64("delivery_tag", msg.DeliveryTag),
		)

		state, err := w.processJob(ctx, wc, msg)
		w.settle(ctx, wc, msg, state, err)
	}
}

// settle acknowledges the notification of a processed job
func (w *Worker) settle(ctx context.Context, wc *workerContext, msg *domain.JobMessage, state string, err error) {
	if err == nil {
		w.logger.Info("Job completed successfully",
			slog.String("worker_name", wc.name),
			slog.String("job_id", msg.JobID),
			slog.String("state", state),
		)
		if msg.Ack != nil {
			if ackErr := msg.Ack.Ack(false); ackErr != nil {
				w.logger.Error("Failed to ACK message",
					slog.String("worker_name", wc.name),
					slog.String("job_id", msg.JobID),
					slog.String("error", ackErr.Error()),
				)
			}
		}
		return
	}

	w.logger.Error("Job processing failed",
		slog.String("worker_name", wc.name),
		slog.String("job_id", msg.JobID),
		slog.String("state", state),
		slog.String("error", err.Error()),
	)

	// Smart requeue decision based on error type
	requeue := shouldRequeueJob(err)

	if msg.Ack == nil {
		if requeue {
			go w.requeueLocal(ctx, msg)
		}
		return
	}

	if nackErr := msg.Ack.Nack(false, requeue); nackErr != nil {
		w.logger.Error("Failed to NACK message",
			slog.String("worker_name", wc.name),
			slog.String("job_id", msg.JobID),
			slog.String("error", nackErr.Error()),
		)
	} else {
		w.logger.Info("Message NACKed",
			slog.String("worker_name", wc.name),
			slog.String("job_id", msg.JobID),
			slog.Bool("requeue", requeue),
		)
	}
}

// maxRequeueShift caps the doubling of the local requeue delay
const maxRequeueShift = 6

// requeueBackoff returns the wait before the given local requeue
func requeueBackoff(base time.Duration, requeues int) time.Duration {
	return base << min(requeues, maxRequeueShift)
}

// requeueLocal puts a failed job back into the pool after its backoff
func (w *Worker) requeueLocal(ctx context.Context, msg *domain.JobMessage) {
	delay := requeueBackoff(w.requeueDelay, msg.Requeues)
	msg.Requeues++

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-w.stopChan:
		return
	case <-timer.C:
	}

	if err := w.pool.Put(ctx, msg); err != nil {
		w.logger.Warn("Failed to requeue job",
			slog.String("job_id", msg.JobID),
			slog.String("error", err.Error()),
		)
		return
	}
	w.logger.Debug("Job requeued",
		slog.String("job_id", msg.JobID),
		slog.Int("requeues", msg.Requeues),
		slog.Duration("delay", delay),
	)
}

// shouldRequeueJob determines if a job should be requeued based on the error type
func shouldRequeueJob(err error) bool {
	// Don't requeue if another worker owns the job
	if errors.Is(err, domain.ErrDuplicateKey) {
		return false
	}

	// Don't requeue if the job was aborted
	if errors.Is(err, domain.ErrJobAttemptsExceeded) {
		return false
	}

	// Don't requeue if the function can not be parsed
	if errors.Is(err, domain.ErrInvalidFunction) {
		return false
	}

	// Requeue for transient/retryable errors
	var retryableErr *domain.RetryableError
	if errors.As(err, &retryableErr) {
		return true
	}

	// Default: don't requeue for unknown errors
	return false
}
