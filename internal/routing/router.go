package routing

import (
	"context"
	"fmt"
	"log/slog"
)

// MaxRoutingHops bounds the queue moves of one message within one job
const MaxRoutingHops = 32

// RouteResult is where a routing pass left the message
type RouteResult struct {
	Outcome   Outcome
	Queue     string
	Exitpoint string
}

// Route routes msg from its current queue. A usable normalized plan is tried
// first, then the plan tree of the queue, then rule by rule evaluation.
func (s *Schema) Route(ctx context.Context, env *Env, msg *Message) (RouteResult, error) {
	if msg.Sequence == 0 {
		if plan := s.usable[msg.Queue]; plan != nil {
			ok, err := plan.Holds(msg)
			if err == nil && ok {
				return s.applyNormalized(ctx, env, msg, plan)
			}
			if err != nil {
				env.logger().Debug("Plan precondition failed, walking the plan tree",
					slog.String("plan", plan.Name),
					slog.String("message_id", msg.MessageID),
					slog.Any("error", err),
				)
			}
		}
	}
	return s.ApplyPlanRouting(ctx, env, msg)
}

// ApplyQueueRouting evaluates the rules of each queue the message visits in
// sequence order
func (s *Schema) ApplyQueueRouting(ctx context.Context, env *Env, msg *Message) (RouteResult, error) {
	return s.applyQueueRouting(ctx, env, msg, 0)
}

func (s *Schema) applyQueueRouting(ctx context.Context, env *Env, msg *Message, hops int) (RouteResult, error) {
	for {
		moved := false
		for _, rule := range s.normal[msg.Queue] {
			res, err := rule.Apply(ctx, env, msg)
			if err != nil {
				return RouteResult{Queue: msg.Queue}, err
			}
			if res.Outcome == OutcomeNoAction {
				continue
			}
			if out, stop, err := s.advance(res, msg, &hops); stop {
				return out, err
			}
			if res.Queue != "" {
				moved = true
				break
			}
		}
		if !moved {
			return s.exit(msg), nil
		}
	}
}

// ApplyPlanRouting walks the plan tree of the message's queue, evaluating
// only fork conditions. Messages that are not at the start of an input
// queue, and truncated paths, continue rule by rule.
func (s *Schema) ApplyPlanRouting(ctx context.Context, env *Env, msg *Message) (RouteResult, error) {
	root, ok := s.plans.roots[msg.Queue]
	if !ok || msg.Sequence != 0 {
		return s.ApplyQueueRouting(ctx, env, msg)
	}

	hops := 0
	id := root
	for {
		n := &s.plans.nodes[id]
		for _, rule := range n.rules {
			res, err := rule.perform(ctx, env, msg)
			if err != nil {
				return RouteResult{Queue: msg.Queue}, err
			}
			if out, stop, err := s.advance(res, msg, &hops); stop {
				return out, err
			}
		}

		switch {
		case n.fork != nil:
			matched, err := n.fork.Matches(msg)
			if err != nil {
				return RouteResult{Queue: msg.Queue}, err
			}
			if matched {
				id = n.success
			} else {
				msg.Sequence = n.fork.Sequence
				id = n.fail
			}
		case n.truncated:
			return s.applyQueueRouting(ctx, env, msg, hops)
		default:
			return s.exit(msg), nil
		}
	}
}

func (s *Schema) applyNormalized(ctx context.Context, env *Env, msg *Message, plan *NormalizedPlan) (RouteResult, error) {
	hops := 0
	for _, st := range plan.steps {
		if !st.perform {
			msg.Sequence = st.rule.Sequence
			continue
		}
		res, err := st.rule.perform(ctx, env, msg)
		if err != nil {
			return RouteResult{Queue: msg.Queue}, err
		}
		if out, stop, err := s.advance(res, msg, &hops); stop {
			return out, err
		}
	}
	return s.exit(msg), nil
}

// advance interprets an action result and reports whether routing stops
func (s *Schema) advance(res Result, msg *Message, hops *int) (RouteResult, bool, error) {
	switch res.Outcome {
	case OutcomeHeld, OutcomeCompleted, OutcomeRedirected:
		return RouteResult{Outcome: res.Outcome, Queue: msg.Queue}, true, nil
	}
	if res.Queue != "" {
		*hops++
		if *hops > MaxRoutingHops {
			return RouteResult{Queue: msg.Queue}, true, fmt.Errorf("%w: message %s at %s", ErrRoutingLoop, msg.MessageID, msg.Queue)
		}
	}
	return RouteResult{}, false, nil
}

func (s *Schema) exit(msg *Message) RouteResult {
	return RouteResult{Outcome: OutcomeExitpoint, Queue: msg.Queue, Exitpoint: s.config.Exitpoint(msg.Queue)}
}
