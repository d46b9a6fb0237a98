package routing

import (
	"fmt"
	"strings"
)

// MaxPlanDepth bounds the forks and queue hops of one plan path
const MaxPlanDepth = 12

type planNode struct {
	startQueue string
	startSeq   int
	endQueue   string
	endSeq     int
	// rules is the trunk; their conditions are known to hold
	rules []*Rule
	// fork decides between the success and fail children
	fork      *Rule
	success   int
	fail      int
	parent    int
	depth     int
	terminal  bool
	exitpoint string
	truncated bool
}

// PlanSet is the arena of plan nodes compiled from a schema. Nodes refer to
// each other by index.
type PlanSet struct {
	nodes []planNode
	roots map[string]int
}

// CreatePlans compiles one decision tree per input queue. Input queues are
// the queues no MoveTo action targets.
func (s *Schema) CreatePlans() {
	ps := &PlanSet{roots: map[string]int{}}
	targets := map[string]bool{}
	for _, rules := range s.normal {
		for _, rule := range rules {
			if mv, ok := rule.Action.(*MoveTo); ok {
				targets[mv.Queue] = true
			}
		}
	}
	for _, queue := range s.Queues() {
		if targets[queue] {
			continue
		}
		root := ps.add(queue, 0, -1, 0)
		ps.roots[queue] = root
		ps.walk(s, root, queue, 0, 0)
	}
	s.plans = ps
	clear(s.named)
	clear(s.usable)
}

func (ps *PlanSet) add(queue string, seq, parent, depth int) int {
	ps.nodes = append(ps.nodes, planNode{
		startQueue: queue,
		startSeq:   seq,
		endQueue:   queue,
		endSeq:     seq,
		success:    -1,
		fail:       -1,
		parent:     parent,
		depth:      depth,
	})
	return len(ps.nodes) - 1
}

func (ps *PlanSet) walk(s *Schema, id int, queue string, cursor, depth int) {
	for {
		rule := s.nextRule(queue, cursor)
		if rule == nil {
			n := &ps.nodes[id]
			n.endQueue, n.endSeq = queue, cursor
			n.exitpoint = s.config.Exitpoint(queue)
			return
		}

		if !rule.IsAlways() {
			if depth >= MaxPlanDepth {
				n := &ps.nodes[id]
				n.endQueue, n.endSeq, n.truncated = queue, cursor, true
				return
			}
			ps.nodes[id].endQueue = queue
			ps.nodes[id].endSeq = cursor
			ps.nodes[id].fork = rule

			succ := ps.add(queue, cursor, id, depth+1)
			ps.nodes[id].success = succ
			if next, c, d, stop := ps.take(s, succ, rule, queue, depth+1); !stop {
				ps.walk(s, succ, next, c, d)
			}

			fail := ps.add(queue, rule.Sequence, id, depth+1)
			ps.nodes[id].fail = fail
			ps.walk(s, fail, queue, rule.Sequence, depth+1)
			return
		}

		var stop bool
		queue, cursor, depth, stop = ps.take(s, id, rule, queue, depth)
		if stop {
			return
		}
	}
}

// take appends rule to the trunk of node id and returns where the walk goes on
func (ps *PlanSet) take(s *Schema, id int, rule *Rule, queue string, depth int) (string, int, int, bool) {
	n := &ps.nodes[id]
	n.rules = append(n.rules, rule)
	if rule.Action.Terminal() {
		n.terminal = true
		n.endQueue, n.endSeq = queue, rule.Sequence
		return queue, rule.Sequence, depth, true
	}
	if mv, ok := rule.Action.(*MoveTo); ok {
		if depth >= MaxPlanDepth {
			n.endQueue, n.endSeq, n.truncated = mv.Queue, 0, true
			return mv.Queue, 0, depth, true
		}
		return mv.Queue, 0, depth + 1, false
	}
	return queue, rule.Sequence, depth, false
}

// Plans returns the leaf names of every plan tree. A name is the entry queue
// followed by the fork choices taken, S for success and F for fail.
func (s *Schema) Plans() []string {
	var names []string
	var visit func(id int, path string)
	visit = func(id int, path string) {
		n := &s.plans.nodes[id]
		if n.fork == nil {
			names = append(names, path)
			return
		}
		visit(n.success, path+"S")
		visit(n.fail, path+"F")
	}
	for _, queue := range s.Queues() {
		if root, ok := s.plans.roots[queue]; ok {
			visit(root, queue+":")
		}
	}
	return names
}

// planStep is one rule of a flattened plan. Skipped steps are forks whose
// conditions fail on the path; they only move the cursor.
type planStep struct {
	rule    *Rule
	perform bool
}

// NormalizedPlan is one root to leaf path flattened into a precondition and
// a rule list
type NormalizedPlan struct {
	Name       string
	EntryQueue string
	// Success conditions must all hold
	Success []*Condition
	// Fail groups are the condition lists of forks that must not match
	Fail [][]*Condition

	steps []planStep
}

// Rules returns the rules the plan performs in order
func (p *NormalizedPlan) Rules() []*Rule {
	rules := make([]*Rule, 0, len(p.steps))
	for _, st := range p.steps {
		if st.perform {
			rules = append(rules, st.rule)
		}
	}
	return rules
}

// Holds reports whether msg takes the plan's path
func (p *NormalizedPlan) Holds(msg *Message) (bool, error) {
	for _, c := range p.Success {
		ok, err := c.Evaluate(msg)
		if err != nil || !ok {
			return false, err
		}
	}
	for _, group := range p.Fail {
		all := true
		for _, c := range group {
			ok, err := c.Evaluate(msg)
			if err != nil {
				return false, err
			}
			if !ok {
				all = false
				break
			}
		}
		if all {
			return false, nil
		}
	}
	return true, nil
}

// UsePlan flattens the named leaf path and makes it the fast path of its
// entry queue. Paths that fork after an action which changes evaluated
// state, or fork on routing state, are refused.
func (s *Schema) UsePlan(name string) error {
	entry, path, ok := strings.Cut(name, ":")
	root, found := s.plans.roots[entry]
	if !ok || !found {
		return fmt.Errorf("%w: %s", ErrPlanNotFound, name)
	}

	p := &NormalizedPlan{Name: name, EntryQueue: entry}
	seenSuccess := map[string]bool{}
	seenFail := map[string]bool{}
	mutated := false

	id := root
	for i := 0; ; i++ {
		n := &s.plans.nodes[id]
		for _, rule := range n.rules {
			p.steps = append(p.steps, planStep{rule: rule, perform: true})
			mutated = mutated || rule.Action.Mutates()
		}

		if n.fork == nil {
			if i != len(path) {
				return fmt.Errorf("%w: %s", ErrPlanNotFound, name)
			}
			if n.truncated {
				return fmt.Errorf("%w: %s is truncated", ErrPlanNotNormalizable, name)
			}
			break
		}
		if i >= len(path) {
			return fmt.Errorf("%w: %s", ErrPlanNotFound, name)
		}
		if mutated {
			return fmt.Errorf("%w: %s forks on %s after a state changing action", ErrPlanNotNormalizable, name, n.fork)
		}
		for _, c := range n.fork.Conditions {
			if c.DependsOnRouting() {
				return fmt.Errorf("%w: %s forks on routing state %s", ErrPlanNotNormalizable, name, c)
			}
		}

		switch path[i] {
		case 'S':
			for _, c := range n.fork.Conditions {
				if key := c.Key(); !seenSuccess[key] {
					seenSuccess[key] = true
					p.Success = append(p.Success, c)
				}
			}
			id = n.success
		case 'F':
			keys := make([]string, 0, len(n.fork.Conditions))
			for _, c := range n.fork.Conditions {
				keys = append(keys, c.Key())
			}
			if key := strings.Join(keys, "&"); !seenFail[key] {
				seenFail[key] = true
				p.Fail = append(p.Fail, n.fork.Conditions)
			}
			p.steps = append(p.steps, planStep{rule: n.fork})
			id = n.fail
		default:
			return fmt.Errorf("%w: %s", ErrPlanNotFound, name)
		}
	}

	s.named[name] = p
	s.usable[entry] = p
	return nil
}

// NormalizedPlan returns a plan selected with UsePlan
func (s *Schema) NormalizedPlan(name string) (*NormalizedPlan, bool) {
	p, ok := s.named[name]
	return p, ok
}
