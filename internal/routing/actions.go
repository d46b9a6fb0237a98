package routing

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strconv"
	"strings"
	"time"

	"github.com/cuongbtq/msgroute/internal/aggregation"
	"github.com/cuongbtq/msgroute/internal/payload"
)

// MoveTo relocates the message to another queue and restarts its rules
type MoveTo struct {
	Queue string `param:"queue"`
}

func (a *MoveTo) Type() ActionType { return ActionMoveTo }
func (a *MoveTo) Terminal() bool { return false }
func (a *MoveTo) Mutates() bool { return false }
func (a *MoveTo) validate() error { return requireQueue(a.Queue) }

func (a *MoveTo) Perform(ctx context.Context, env *Env, msg *Message) (Result, error) {
	from := msg.Queue
	msg.Queue = a.Queue
	msg.Sequence = 0
	if err := env.Store.Move(ctx, from, &msg.Record); err != nil {
		msg.Queue = from
		return Result{}, fmt.Errorf("failed to move message %s to %s: %w", msg.MessageID, a.Queue, err)
	}
	return Result{Outcome: OutcomeContinue, Queue: a.Queue, Description: "Moved from " + from + " to " + a.Queue}, nil
}

// Complete records the final feedback of the message and removes it
type Complete struct {
	Code string `param:"code"`
}

func (a *Complete) Type() ActionType { return ActionComplete }
func (a *Complete) Terminal() bool { return true }
func (a *Complete) Mutates() bool { return true }

func (a *Complete) Perform(ctx context.Context, env *Env, msg *Message) (Result, error) {
	code := a.Code
	if code == "" {
		code = env.Config.CompleteCode()
	}

	msg.Feedback = code
	if fb := msg.FeedbackCode(); fb != nil && env.Aggregation != nil {
		fb.ClearFields()
		fb.Set(payload.FieldFeedback, code)
		fb.Set(FieldStatus, StatusCompleted)
		if err := env.Aggregation.AddRequest(ctx, fb, aggregation.OptimisticInsert); err != nil {
			return Result{}, fmt.Errorf("failed to record completion of %s: %w", msg.MessageID, err)
		}
	}

	if err := env.Store.Delete(ctx, msg.Queue, msg.MessageID); err != nil {
		return Result{}, fmt.Errorf("failed to delete completed message %s: %w", msg.MessageID, err)
	}
	return Result{Outcome: OutcomeCompleted, Description: "Completed with " + code}, nil
}

// Reactivate copies the message into a queue as a new message with its own job
type Reactivate struct {
	Queue string         `param:"queue"`
	Match []ConditionDef `param:"match"`

	conditions []*Condition
}

func (a *Reactivate) Type() ActionType { return ActionReactivate }
func (a *Reactivate) Terminal() bool { return false }
func (a *Reactivate) Mutates() bool { return false }

func (a *Reactivate) validate() error {
	if err := requireQueue(a.Queue); err != nil {
		return err
	}
	for _, def := range a.Match {
		c, err := def.Build()
		if err != nil {
			return err
		}
		a.conditions = append(a.conditions, c)
	}
	return nil
}

func (a *Reactivate) Perform(ctx context.Context, env *Env, msg *Message) (Result, error) {
	copied := msg.Clone(env.newID())
	copied.Queue = a.Queue
	copied.Sequence = 0
	copied.Held = false

	for _, c := range a.conditions {
		ok, err := c.Evaluate(copied)
		if err != nil {
			return Result{}, err
		}
		if !ok {
			return Result{Outcome: OutcomeContinue, Description: "Reactivation skipped, " + c.String() + " does not hold"}, nil
		}
	}

	if err := env.Store.Insert(ctx, &copied.Record); err != nil {
		return Result{}, fmt.Errorf("failed to insert reactivated message: %w", err)
	}
	req := JobRequest{ID: copied.MessageID, MessageID: copied.MessageID, Queue: a.Queue, Function: "F=Route"}
	if err := env.Jobs.InsertJob(ctx, req); err != nil {
		return Result{}, fmt.Errorf("failed to schedule reactivated message: %w", err)
	}
	return Result{Outcome: OutcomeContinue, Description: "Reactivated as " + copied.MessageID + " in " + a.Queue}, nil
}

// ChangeHoldStatus sets the hold flag and stops routing
type ChangeHoldStatus struct {
	Held bool `param:"held"`
}

func (a *ChangeHoldStatus) Type() ActionType { return ActionChangeHoldStatus }
func (a *ChangeHoldStatus) Terminal() bool { return true }
func (a *ChangeHoldStatus) Mutates() bool { return true }

func (a *ChangeHoldStatus) Perform(ctx context.Context, env *Env, msg *Message) (Result, error) {
	msg.Held = a.Held
	if err := env.Store.Update(ctx, &msg.Record); err != nil {
		return Result{}, fmt.Errorf("failed to change hold status of %s: %w", msg.MessageID, err)
	}
	return Result{Outcome: OutcomeHeld, Description: "Hold status set to " + strconv.FormatBool(a.Held)}, nil
}

// ChangePriority sets the message priority
type ChangePriority struct {
	Priority int `param:"priority"`
}

func (a *ChangePriority) Type() ActionType { return ActionChangePriority }
func (a *ChangePriority) Terminal() bool { return false }
func (a *ChangePriority) Mutates() bool { return true }

func (a *ChangePriority) Perform(ctx context.Context, env *Env, msg *Message) (Result, error) {
	msg.Priority = a.Priority
	if err := env.Store.Update(ctx, &msg.Record); err != nil {
		return Result{}, fmt.Errorf("failed to change priority of %s: %w", msg.MessageID, err)
	}
	return Result{Outcome: OutcomeContinue, Description: "Priority set to " + strconv.Itoa(a.Priority)}, nil
}

const valueDateLayout = "20060102"

// ChangeValueDate sets the value date. Date is a YYYYMMDD literal, TODAY or
// a day offset such as +1.
type ChangeValueDate struct {
	Date string `param:"date"`
}

func (a *ChangeValueDate) Type() ActionType { return ActionChangeValueDate }
func (a *ChangeValueDate) Terminal() bool { return false }
func (a *ChangeValueDate) Mutates() bool { return true }

func (a *ChangeValueDate) validate() error {
	_, err := a.resolve(time.Now())
	return err
}

func (a *ChangeValueDate) resolve(now time.Time) (string, error) {
	date := strings.ToUpper(strings.TrimSpace(a.Date))
	switch {
	case date == "" || date == "TODAY":
		return now.Format(valueDateLayout), nil
	case strings.HasPrefix(date, "+") || strings.HasPrefix(date, "-"):
		days, err := strconv.Atoi(date)
		if err != nil {
			return "", fmt.Errorf("invalid day offset %q", a.Date)
		}
		return now.AddDate(0, 0, days).Format(valueDateLayout), nil
	default:
		if _, err := time.Parse(valueDateLayout, date); err != nil {
			return "", fmt.Errorf("invalid value date %q", a.Date)
		}
		return date, nil
	}
}

func (a *ChangeValueDate) Perform(ctx context.Context, env *Env, msg *Message) (Result, error) {
	date, err := a.resolve(env.now())
	if err != nil {
		return Result{}, &ValidationError{Kind: "value date", Text: a.Date, Err: err}
	}
	msg.ValueDate = date
	if err := env.Store.Update(ctx, &msg.Record); err != nil {
		return Result{}, fmt.Errorf("failed to change value date of %s: %w", msg.MessageID, err)
	}
	return Result{Outcome: OutcomeContinue, Description: "Value date set to " + date}, nil
}

// Transform rewrites the payload with a named template
type Transform struct {
	Template string            `param:"template"`
	Params   map[string]string `param:"params"`
}

func (a *Transform) Type() ActionType { return ActionTransform }
func (a *Transform) Terminal() bool { return false }
func (a *Transform) Mutates() bool { return true }

func (a *Transform) validate() error {
	if a.Template == "" {
		return errors.New("template parameter is required")
	}
	return nil
}

func (a *Transform) Perform(ctx context.Context, env *Env, msg *Message) (Result, error) {
	if err := transformPayload(ctx, env, msg, a.Template, a.Params); err != nil {
		return Result{}, err
	}
	if err := env.Store.Update(ctx, &msg.Record); err != nil {
		return Result{}, fmt.Errorf("failed to store transformed message %s: %w", msg.MessageID, err)
	}
	return Result{Outcome: OutcomeContinue, Description: "Transformed with " + a.Template}, nil
}

func transformPayload(ctx context.Context, env *Env, msg *Message, template string, params map[string]string) error {
	args := maps.Clone(params)
	if args == nil {
		args = map[string]string{}
	}
	args["messageId"] = msg.MessageID
	args["queue"] = msg.Queue
	if env.UserID != "" {
		args["userId"] = env.UserID
	}

	out, format, err := env.Transformer.Transform(ctx, msg.Payload, template, args)
	if err != nil {
		return fmt.Errorf("failed to transform %s with %s: %w", msg.MessageID, template, err)
	}
	msg.SetPayload(out)
	if format != "" {
		msg.Format = format
	}
	return nil
}

// WaitOn holds the message until a readiness procedure reports it can go on
type WaitOn struct {
	Procedure string `param:"procedure"`
}

func (a *WaitOn) Type() ActionType { return ActionWaitOn }
func (a *WaitOn) Terminal() bool { return false }
func (a *WaitOn) Mutates() bool { return true }

func (a *WaitOn) validate() error {
	if a.Procedure == "" {
		return errors.New("procedure parameter is required")
	}
	return nil
}

func (a *WaitOn) Perform(ctx context.Context, env *Env, msg *Message) (Result, error) {
	ready, err := env.Store.WaitOn(ctx, a.Procedure, msg.MessageID)
	if err != nil {
		return Result{}, fmt.Errorf("failed to run %s for %s: %w", a.Procedure, msg.MessageID, err)
	}
	if ready {
		return Result{Outcome: OutcomeContinue, Description: a.Procedure + " ready"}, nil
	}

	msg.Held = true
	if err := env.Store.Update(ctx, &msg.Record); err != nil {
		return Result{}, fmt.Errorf("failed to hold message %s: %w", msg.MessageID, err)
	}
	return Result{Outcome: OutcomeHeld, Description: "Waiting on " + a.Procedure}, nil
}

// HoldQueue stops dispatching jobs of a queue
type HoldQueue struct {
	Queue string `param:"queue"`
}

func (a *HoldQueue) Type() ActionType { return ActionHoldQueue }
func (a *HoldQueue) Terminal() bool { return false }
func (a *HoldQueue) Mutates() bool { return false }

func (a *HoldQueue) Perform(ctx context.Context, env *Env, msg *Message) (Result, error) {
	queue := a.Queue
	if queue == "" {
		queue = msg.Queue
	}
	if err := env.Store.SetQueueHold(ctx, queue, true); err != nil {
		return Result{}, fmt.Errorf("failed to hold queue %s: %w", queue, err)
	}
	return Result{Outcome: OutcomeContinue, Description: "Queue " + queue + " held"}, nil
}

// ReleaseQueue resumes a held queue and releases the jobs deferred on it
type ReleaseQueue struct {
	Queue string `param:"queue"`
}

func (a *ReleaseQueue) Type() ActionType { return ActionReleaseQueue }
func (a *ReleaseQueue) Terminal() bool { return false }
func (a *ReleaseQueue) Mutates() bool { return false }

func (a *ReleaseQueue) Perform(ctx context.Context, env *Env, msg *Message) (Result, error) {
	queue := a.Queue
	if queue == "" {
		queue = msg.Queue
	}
	if err := env.Store.SetQueueHold(ctx, queue, false); err != nil {
		return Result{}, fmt.Errorf("failed to release queue %s: %w", queue, err)
	}
	released, err := env.Jobs.ReleaseDeferred(ctx, queue)
	if err != nil {
		return Result{}, fmt.Errorf("failed to release jobs of %s: %w", queue, err)
	}
	return Result{Outcome: OutcomeContinue, Description: fmt.Sprintf("Queue %s released with %d jobs", queue, len(released))}, nil
}
