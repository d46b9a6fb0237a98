package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/msgroute/internal/aggregation"
	"github.com/cuongbtq/msgroute/internal/routing"
	"github.com/cuongbtq/msgroute/internal/scheduler/domain"
)

// Job states reported besides the routing outcomes
const (
	StateAborted  = "aborted"
	StateFailed   = "failed"
	StateDeferred = "deferred"
	StateRetry    = "retry"
	StateSkipped  = "skipped"
	StateBatch    = "batch"
)

// TokenTransportID correlates a dispatched message with its transport id
const TokenTransportID = "TRANSPORTID"

// execution is what running a job function left behind
type execution struct {
	state string
	msg   *routing.Message
}

// processJob runs one job inside one transaction. The returned error decides
// whether the notification is requeued.
func (w *Worker) processJob(ctx context.Context, wc *workerContext, msg *domain.JobMessage) (state string, err error) {
	start := time.Now()
	defer func() {
		w.recorder.RecordJob(state, time.Since(start))
	}()

	// Step 1: Claim the job id for this worker
	if err := w.inflightJobs.Add(msg.JobID, wc.name); err != nil {
		return StateSkipped, err
	}
	defer w.inflightJobs.Remove(msg.JobID)

	// A canceled worker still finishes the job it holds
	jobCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.jobTimeout)
	defer cancel()

	// Step 2: Wait for any pending schema reload
	lease := w.guard.Enter()
	defer lease.Release()

	schema := wc.snapshot(w.guard)
	if schema == nil {
		return StateRetry, domain.NewRetryableError(errors.New("no routing schema loaded"))
	}

	// Step 3: Open the job transaction and read the job
	tx, err := w.backend.Begin(jobCtx)
	if err != nil {
		return StateRetry, domain.NewRetryableError(fmt.Errorf("failed to begin transaction: %w", err))
	}
	finished := false
	defer func() {
		if finished {
			return
		}
		if rbErr := tx.Rollback(); rbErr != nil {
			w.logger.Warn("Failed to roll back job transaction",
				slog.String("job_id", msg.JobID),
				slog.String("error", rbErr.Error()),
			)
		}
	}()

	job, err := tx.Jobs().GetJob(jobCtx, msg.JobID)
	if errors.Is(err, domain.ErrJobNotFound) {
		w.logger.Warn("Job not found, dropping notification",
			slog.String("job_id", msg.JobID),
		)
		return StateSkipped, nil
	}
	if err != nil {
		return StateRetry, domain.NewRetryableError(fmt.Errorf("failed to get job: %w", err))
	}
	if job.Status == domain.JobStatusAborted || job.Status == domain.JobStatusDeferred {
		w.logger.Info("Job is not runnable, skipping",
			slog.String("job_id", job.JobID),
			slog.String("status", job.Status),
		)
		return StateSkipped, nil
	}
	if !job.Parallel {
		lease.Serialize()
	}

	// Step 4: Abort jobs that failed too often
	if job.Backout > w.maxBackout {
		reason := fmt.Sprintf("%s: backout %d", domain.ErrJobAttemptsExceeded, job.Backout)
		if err := w.abortJob(jobCtx, tx, job, reason); err != nil {
			return StateRetry, err
		}
		finished = true
		return StateAborted, fmt.Errorf("%w: job %s backout %d", domain.ErrJobAttemptsExceeded, job.JobID, job.Backout)
	}

	// Step 5: Park jobs of held queues
	held, err := queueHeld(jobCtx, tx.Messages(), job.Queue)
	if err != nil {
		return StateRetry, domain.NewRetryableError(err)
	}
	if held {
		if err := tx.Jobs().DeferJob(jobCtx, job.JobID, job.Queue); err != nil {
			return StateRetry, domain.NewRetryableError(fmt.Errorf("failed to defer job: %w", err))
		}
		if err := tx.Commit(); err != nil {
			return StateRetry, domain.NewRetryableError(fmt.Errorf("failed to commit deferred job: %w", err))
		}
		finished = true
		w.logger.Info("Job deferred on held queue",
			slog.String("job_id", job.JobID),
			slog.String("queue", job.Queue),
		)
		return StateDeferred, nil
	}

	// Step 6: Parse the job function
	fn, err := domain.ParseFunction(job.Function)
	if err != nil {
		if abortErr := w.abortJob(jobCtx, tx, job, err.Error()); abortErr != nil {
			return StateRetry, abortErr
		}
		finished = true
		return StateAborted, err
	}

	// Step 7: Run the job function
	jobs := &jobCollector{jobs: tx.Jobs()}
	env := w.newEnv(tx, schema.Config(), jobs)
	run, err := w.execute(jobCtx, env, schema, job, fn)

	// Step 8: Settle the transaction by severity
	if err != nil {
		severity := routing.SeverityOf(err)
		w.logFailure(job, env, run, severity, err)

		// Fatal failures keep what the job did so far and drop the job
		if severity == routing.SeverityFatal {
			if err := tx.Jobs().DeleteJob(jobCtx, job.JobID); err != nil {
				return StateRetry, domain.NewRetryableError(fmt.Errorf("failed to delete job: %w", err))
			}
			if err := tx.Commit(); err != nil {
				return StateRetry, domain.NewRetryableError(fmt.Errorf("failed to commit failed job: %w", err))
			}
			finished = true
			w.announce(ctx, jobs)
			w.logger.Warn("Job committed after fatal failure",
				slog.String("job_id", job.JobID),
				slog.String("queue", job.Queue),
				slog.Any("trail", env.Trail()),
			)
			return StateFailed, nil
		}

		finished = true
		if rbErr := tx.Rollback(); rbErr != nil {
			w.logger.Warn("Failed to roll back job transaction",
				slog.String("job_id", job.JobID),
				slog.String("error", rbErr.Error()),
			)
		}
		backout, bErr := w.backend.IncrementBackout(jobCtx, job.JobID)
		if bErr != nil {
			w.logger.Error("Failed to increment job backout",
				slog.String("job_id", job.JobID),
				slog.String("error", bErr.Error()),
			)
		}
		w.logger.Warn("Job rolled back for retry",
			slog.String("job_id", job.JobID),
			slog.Int("backout", backout),
		)
		return StateRetry, domain.NewRetryableError(err)
	}

	if err := tx.Jobs().DeleteJob(jobCtx, job.JobID); err != nil {
		return StateRetry, domain.NewRetryableError(fmt.Errorf("failed to delete job: %w", err))
	}
	if err := tx.Commit(); err != nil {
		return StateRetry, domain.NewRetryableError(fmt.Errorf("failed to commit job: %w", err))
	}
	finished = true
	w.announce(ctx, jobs)

	w.logger.Info("Job committed",
		slog.String("job_id", job.JobID),
		slog.String("queue", job.Queue),
		slog.String("state", run.state),
		slog.Any("trail", env.Trail()),
	)
	return run.state, nil
}

// abortJob keeps the job with a terminal reason and commits
func (w *Worker) abortJob(ctx context.Context, tx domain.Tx, job *domain.Job, reason string) error {
	if err := tx.Jobs().AbortJob(ctx, job.JobID, reason); err != nil {
		return domain.NewRetryableError(fmt.Errorf("failed to abort job: %w", err))
	}
	if err := tx.Commit(); err != nil {
		return domain.NewRetryableError(fmt.Errorf("failed to commit aborted job: %w", err))
	}
	w.logger.Warn("Job aborted",
		slog.String("job_id", job.JobID),
		slog.String("queue", job.Queue),
		slog.String("reason", reason),
	)
	return nil
}

func (w *Worker) logFailure(job *domain.Job, env *routing.Env, run execution, severity routing.Severity, err error) {
	attrs := []any{
		slog.String("job_id", job.JobID),
		slog.String("queue", job.Queue),
		slog.String("function", job.Function),
		slog.String("severity", severity.String()),
		slog.Any("trail", env.Trail()),
		slog.String("error", err.Error()),
	}
	if run.msg != nil {
		attrs = append(attrs,
			slog.String("message_id", run.msg.MessageID),
			slog.String("payload", string(run.msg.Payload)),
		)
	}
	var appErr *routing.AppError
	if errors.As(err, &appErr) && appErr.AdditionalInfo != "" {
		attrs = append(attrs, slog.String("additional_info", appErr.AdditionalInfo))
	}
	w.logger.Error("Job failed", attrs...)
}

func queueHeld(ctx context.Context, store routing.MessageStore, queue string) (bool, error) {
	queues, err := store.GetQueueDefinitions(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to get queue definitions: %w", err)
	}
	for _, q := range queues {
		if q.Name == queue {
			return q.HoldStatus, nil
		}
	}
	return false, nil
}

// execute runs the job function on the job's message, or on every message
// of a rapid batch
func (w *Worker) execute(ctx context.Context, env *routing.Env, schema *routing.Schema, job *domain.Job, fn domain.Function) (execution, error) {
	batchID, rapid := fn.Param("Batch")
	if !rapid {
		rec, err := env.Store.Read(ctx, job.Queue, job.MessageID)
		if err != nil {
			return execution{}, fmt.Errorf("failed to read message %s: %w", job.MessageID, err)
		}
		msg := routing.NewMessage(*rec)
		res, err := w.runFunction(ctx, env, schema, job, fn, msg)
		return execution{state: res.Outcome.String(), msg: msg}, err
	}

	recs, err := env.Store.ReadBatch(ctx, job.Queue, batchID)
	if err != nil {
		return execution{}, fmt.Errorf("failed to read batch %s: %w", batchID, err)
	}
	env.Bulk = true
	run := execution{state: StateBatch}
	for _, rec := range recs {
		msg := routing.NewMessage(*rec)
		run.msg = msg
		env.ResetTrail()
		if _, err := w.runFunction(ctx, env, schema, job, fn, msg); err != nil {
			return run, fmt.Errorf("batch %s item %s: %w", batchID, msg.MessageID, err)
		}
	}
	w.logger.Debug("Rapid batch processed",
		slog.String("job_id", job.JobID),
		slog.String("batch_id", batchID),
		slog.Int("items", len(recs)),
	)
	return run, nil
}

// runFunction applies the verb of fn to msg and routes it on
func (w *Worker) runFunction(ctx context.Context, env *routing.Env, schema *routing.Schema, job *domain.Job, fn domain.Function, msg *routing.Message) (routing.RouteResult, error) {
	if err := w.inflightMessages.Add(msg.MessageID, job.JobID); err != nil {
		return routing.RouteResult{}, err
	}
	defer w.inflightMessages.Remove(msg.MessageID)

	switch fn.Verb {
	case domain.VerbComplete:
		code, _ := fn.Param("Code")
		res, err := (&routing.Complete{Code: code}).Perform(ctx, env, msg)
		return routing.RouteResult{Outcome: res.Outcome, Queue: msg.Queue}, err

	case domain.VerbReply:
		queue, _ := fn.Param("Queue")
		res, err := (&routing.SendReply{Queue: queue}).Perform(ctx, env, msg)
		return routing.RouteResult{Outcome: res.Outcome, Queue: msg.Queue}, err

	case domain.VerbDispose:
		queue, ok := fn.Param("Queue")
		if !ok || queue == "" {
			return routing.RouteResult{}, routing.NewFatalError("Dispose without a target queue", fn.String(), domain.ErrInvalidFunction)
		}
		if _, err := (&routing.MoveTo{Queue: queue}).Perform(ctx, env, msg); err != nil {
			return routing.RouteResult{}, err
		}

	case domain.VerbUnhold:
		msg.Held = false
		if err := env.Store.Update(ctx, &msg.Record); err != nil {
			return routing.RouteResult{}, fmt.Errorf("failed to unhold message %s: %w", msg.MessageID, err)
		}
	}

	res, err := schema.Route(ctx, env, msg)
	if err != nil {
		return res, err
	}
	return res, w.settleRoute(ctx, env, msg, res)
}

// settleRoute persists where routing left the message and dispatches it when
// it reached an exitpoint
func (w *Worker) settleRoute(ctx context.Context, env *routing.Env, msg *routing.Message, res routing.RouteResult) error {
	switch res.Outcome {
	case routing.OutcomeCompleted, routing.OutcomeRedirected:
		return nil
	case routing.OutcomeExitpoint:
		if res.Exitpoint != "" {
			if err := w.dispatch(ctx, env, msg, res.Exitpoint); err != nil {
				return err
			}
		}
	}
	if err := env.Store.Update(ctx, &msg.Record); err != nil {
		return fmt.Errorf("failed to persist message %s: %w", msg.MessageID, err)
	}
	return nil
}

// dispatch sends the message to its exitpoint and correlates the transport
// id so the transport acknowledgement finds the message
func (w *Worker) dispatch(ctx context.Context, env *routing.Env, msg *routing.Message, exitpoint string) error {
	if env.Dispatcher == nil {
		return routing.NewFatalError("No dispatcher for exitpoint "+exitpoint, msg.MessageID, nil)
	}
	transportID, err := env.Dispatcher.Send(ctx, exitpoint, msg.Payload)
	if err != nil {
		return fmt.Errorf("failed to dispatch %s to %s: %w", msg.MessageID, exitpoint, err)
	}

	code := aggregation.NewCode(TokenTransportID, transportID).
		Set(routing.FieldMessageID, msg.MessageID).
		Set(routing.FieldQueue, msg.Queue).
		Set(routing.FieldStatus, routing.StatusPending)
	if err := env.Aggregation.AddRequest(ctx, code, aggregation.OptimisticInsert); err != nil {
		return fmt.Errorf("failed to correlate transport id %s: %w", transportID, err)
	}

	w.logger.Info("Message dispatched",
		slog.String("message_id", msg.MessageID),
		slog.String("exitpoint", exitpoint),
		slog.String("transport_id", transportID),
	)
	return nil
}
