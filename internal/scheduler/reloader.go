package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/cuongbtq/msgroute/internal/routing"
	"github.com/cuongbtq/msgroute/internal/scheduler/domain"
)

// Reloader watches the cut-off-time markers and the rule set, and swaps the
// schema when either changed
type Reloader struct {
	logger   *slog.Logger
	source   routing.DefinitionSource
	backend  domain.Backend
	guard    *Guard
	notifier Notifier
	recorder Recorder
	options  routing.EngineOptions
	plans    []string
	newEnv   func(tx domain.Tx, config *routing.EngineConfig, jobs routing.JobWriter) *routing.Env
	now      func() time.Time

	mu          sync.Mutex
	marker      string
	fingerprint string
}

// Run checks on every tick until ctx is done
func (r *Reloader) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Schema monitor stopped")
			return
		case <-ticker.C:
			if _, err := r.Check(ctx); err != nil {
				r.logger.Error("Schema reload failed, keeping the current schema",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// Check reloads the schema when the active marker, the rule set or the dirty
// flag of the current schema says so. It reports whether a reload happened.
func (r *Reloader) Check(ctx context.Context) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.source == nil {
		return false, errors.New("no rule definition source")
	}
	defs, err := r.source.Load(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to load definitions: %w", err)
	}
	marker, err := routing.ActiveMarker(defs.Markers, r.now())
	if err != nil {
		return false, err
	}
	fingerprint := defs.Fingerprint()

	current, _ := r.guard.Current()
	if current != nil && !current.Dirty() && marker == r.marker && fingerprint == r.fingerprint {
		return false, nil
	}

	if err := r.apply(ctx, defs, marker); err != nil {
		return false, err
	}
	r.marker = marker
	r.fingerprint = fingerprint
	r.recorder.RecordReload()
	return true, nil
}

// MarkDirty forces a reload on the next check
func (r *Reloader) MarkDirty() {
	if current, _ := r.guard.Current(); current != nil {
		current.MarkDirty()
	}
}

func (r *Reloader) apply(ctx context.Context, defs *routing.Definitions, marker string) error {
	// Step 1: Build the active sub-schemas, reporting every invalid rule
	var subs []*routing.SubSchema
	var result *multierror.Error
	for _, def := range routing.ActiveSubSchemas(defs.SubSchemas, marker) {
		sub, err := routing.BuildSubSchema(def)
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		subs = append(subs, sub)
	}
	if err := result.ErrorOrNil(); err != nil {
		return err
	}

	// Step 2: Swap under the write side of the guard, running the tear
	// routines of the sub-schemas that went away and the init routines of
	// the new ones in one transaction
	jobs := &jobCollector{}
	var activated, deactivated []int64
	var name string
	err := r.guard.Swap(func(prev *routing.Schema) (*routing.Schema, error) {
		tx, err := r.backend.Begin(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to begin reload transaction: %w", err)
		}
		committed := false
		defer func() {
			if !committed {
				_ = tx.Rollback()
			}
		}()

		queues := defs.Queues
		if len(queues) == 0 {
			queues, err = tx.Messages().GetQueueDefinitions(ctx)
			if err != nil {
				return nil, fmt.Errorf("failed to get queue definitions: %w", err)
			}
		}
		config := routing.NewEngineConfig(r.options, queues)
		next, err := routing.NewSchema(subs, config)
		if err != nil {
			return nil, err
		}
		for _, plan := range r.plans {
			if err := next.UsePlan(plan); err != nil {
				r.logger.Warn("Plan can not be used, routing by rules",
					slog.String("plan", plan),
					slog.String("error", err.Error()),
				)
			}
		}

		activated, deactivated = routing.DiffSchemas(prev, next)
		jobs.jobs = tx.Jobs()
		env := r.newEnv(tx, config, jobs)
		if prev != nil && len(deactivated) > 0 {
			if err := prev.RunRoutine(ctx, env, routing.RuleTear, deactivated); err != nil {
				return nil, err
			}
		}
		if len(activated) > 0 {
			if err := next.RunRoutine(ctx, env, routing.RuleInit, activated); err != nil {
				return nil, err
			}
		}

		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("failed to commit reload transaction: %w", err)
		}
		committed = true
		name = next.Name()
		return next, nil
	})
	if err != nil {
		return err
	}

	announce(ctx, r.logger, r.notifier, jobs)
	r.logger.Info("Schema reloaded",
		slog.String("schema", name),
		slog.String("marker", marker),
		slog.Int64("revision", defs.Revision),
		slog.Any("activated", activated),
		slog.Any("deactivated", deactivated),
	)
	return nil
}
