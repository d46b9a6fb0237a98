package routing

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// RuleType is the routine a rule belongs to
type RuleType string

const (
	RuleNormal RuleType = "NORMAL"
	RuleInit   RuleType = "INIT"
	RuleTear   RuleType = "TEAR"
)

// Rule is an immutable (queue, sequence) entry of a schema. Its conditions are
// ANDed and an empty list always holds.
type Rule struct {
	ID         int64
	SchemaID   int64
	Queue      string
	Sequence   int
	Type       RuleType
	Conditions []*Condition
	Action     Action
}

// IsAlways reports whether the rule applies to every message reaching it
func (r *Rule) IsAlways() bool {
	for _, c := range r.Conditions {
		if !c.IsAlways() {
			return false
		}
	}
	return true
}

// Matches evaluates the conditions in order and stops at the first false one
func (r *Rule) Matches(msg *Message) (bool, error) {
	for _, c := range r.Conditions {
		ok, err := c.Evaluate(msg)
		if err != nil {
			return false, fmt.Errorf("rule %d condition %s: %w", r.ID, c, err)
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// Apply evaluates the rule against msg. A message whose cursor is at or past
// the rule is left alone. A failed condition moves the cursor to the rule.
func (r *Rule) Apply(ctx context.Context, env *Env, msg *Message) (Result, error) {
	if msg.Sequence >= r.Sequence {
		return Result{Outcome: OutcomeNoAction}, nil
	}

	ok, err := r.Matches(msg)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		msg.Sequence = r.Sequence
		return Result{Outcome: OutcomeNoAction}, nil
	}
	return r.perform(ctx, env, msg)
}

// perform runs the action of a rule whose conditions are known to hold
func (r *Rule) perform(ctx context.Context, env *Env, msg *Message) (Result, error) {
	prev := env.cursor
	env.cursor = r.Sequence
	res, err := r.Action.Perform(ctx, env, msg)
	env.cursor = prev
	if errors.Is(err, ErrMessageDeleted) {
		if res.Description == "" {
			res.Description = "Message deleted"
		}
		res.Outcome, res.Queue, err = OutcomeCompleted, "", nil
	}
	env.record(r.Action.Type(), res.Description, err)
	if err != nil {
		return Result{}, err
	}

	if res.Outcome == OutcomeContinue && res.Queue == "" {
		msg.Sequence = r.Sequence
	}
	return res, nil
}

// String identifies the rule in logs
func (r *Rule) String() string {
	parts := make([]string, 0, len(r.Conditions))
	for _, c := range r.Conditions {
		parts = append(parts, c.String())
	}
	cond := strings.Join(parts, " AND ")
	if cond == "" {
		cond = string(ConditionAlways)
	}
	return fmt.Sprintf("%s/%d %s -> %s", r.Queue, r.Sequence, cond, r.Action.Type())
}
