package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/msgroute/internal/routing"
)

// JobNotice is the body of a job notification
type JobNotice struct {
	JobID string `json:"job_id"`
}

// Notifier announces runnable jobs
type Notifier interface {
	Notify(ctx context.Context, jobID string) error
}

// NotifierFunc adapts a function to Notifier
type NotifierFunc func(ctx context.Context, jobID string) error

func (f NotifierFunc) Notify(ctx context.Context, jobID string) error {
	return f(ctx, jobID)
}

// Publisher sends a notification body to the job queue
type Publisher interface {
	PublishWithRetry(ctx context.Context, body []byte, contentType string) error
}

// QueueNotifier publishes JSON job notices
type QueueNotifier struct {
	Publisher Publisher
}

func (n *QueueNotifier) Notify(ctx context.Context, jobID string) error {
	body, err := json.Marshal(JobNotice{JobID: jobID})
	if err != nil {
		return fmt.Errorf("failed to marshal job notice: %w", err)
	}
	if err := n.Publisher.PublishWithRetry(ctx, body, "application/json"); err != nil {
		return fmt.Errorf("failed to publish job %s: %w", jobID, err)
	}
	return nil
}

// LocalNotifier hands notifications straight to an in-process worker. The
// hand-off runs apart from the caller so a worker announcing jobs never
// waits on its own pool.
func LocalNotifier(w *Worker) Notifier {
	return NotifierFunc(func(ctx context.Context, jobID string) error {
		ctx = context.WithoutCancel(ctx)
		go func() {
			if err := w.Submit(ctx, jobID); err != nil {
				w.logger.Warn("Failed to submit job",
					slog.String("job_id", jobID),
					slog.String("error", err.Error()),
				)
			}
		}()
		return nil
	})
}

// jobCollector writes jobs through the transaction and remembers the
// runnable ones so they are announced after commit
type jobCollector struct {
	jobs     routing.JobWriter
	runnable []string
}

func (c *jobCollector) InsertJob(ctx context.Context, req routing.JobRequest) error {
	if err := c.jobs.InsertJob(ctx, req); err != nil {
		return err
	}
	if !req.Deferred {
		c.runnable = append(c.runnable, req.ID)
	}
	return nil
}

func (c *jobCollector) ReleaseDeferred(ctx context.Context, queue string) ([]string, error) {
	ids, err := c.jobs.ReleaseDeferred(ctx, queue)
	if err != nil {
		return nil, err
	}
	c.runnable = append(c.runnable, ids...)
	return ids, nil
}

// announce notifies the collected jobs. Failures are logged; the jobs stay
// pending in the store.
func (w *Worker) announce(ctx context.Context, c *jobCollector) {
	announce(ctx, w.logger, w.notifier, c)
}

func announce(ctx context.Context, logger *slog.Logger, notifier Notifier, c *jobCollector) {
	for _, id := range c.runnable {
		if err := notifier.Notify(ctx, id); err != nil {
			logger.Warn("Failed to announce job",
				slog.String("job_id", id),
				slog.String("error", err.Error()),
			)
		}
	}
	c.runnable = nil
}
