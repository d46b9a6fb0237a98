package routing

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync/atomic"

	"github.com/hashicorp/go-multierror"
)

// SubSchema is a named group of rules enabled together
type SubSchema struct {
	ID     int64
	Name   string
	Marker string
	Rules  []*Rule
}

// Schema owns the rules of every active sub-schema and the plans compiled
// from them. A schema is not changed once it is published to workers; a
// reload builds a new one.
type Schema struct {
	name   string
	ids    []int64
	normal map[string][]*Rule
	init   map[string][]*Rule
	tear   map[string][]*Rule
	config *EngineConfig

	plans  *PlanSet
	named  map[string]*NormalizedPlan
	usable map[string]*NormalizedPlan

	dirty atomic.Bool
}

// NewSchema indexes the rules of subs and compiles their plans
func NewSchema(subs []*SubSchema, config *EngineConfig) (*Schema, error) {
	if config == nil {
		config = NewEngineConfig(EngineOptions{}, nil)
	}
	s := &Schema{
		normal: map[string][]*Rule{},
		init:   map[string][]*Rule{},
		tear:   map[string][]*Rule{},
		config: config,
		named:  map[string]*NormalizedPlan{},
		usable: map[string]*NormalizedPlan{},
	}

	var result *multierror.Error
	names := make([]string, 0, len(subs))
	for _, sub := range subs {
		names = append(names, sub.Name)
		s.ids = append(s.ids, sub.ID)
		for _, rule := range sub.Rules {
			if err := s.add(rule); err != nil {
				result = multierror.Append(result, err)
			}
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		return nil, err
	}

	for _, index := range []map[string][]*Rule{s.normal, s.init, s.tear} {
		for _, rules := range index {
			slices.SortStableFunc(rules, func(a, b *Rule) int { return cmp.Compare(a.Sequence, b.Sequence) })
		}
	}
	s.name = strings.Join(names, "+")
	s.CreatePlans()
	return s, nil
}

func (s *Schema) add(rule *Rule) error {
	index := s.normal
	switch rule.Type {
	case RuleInit:
		index = s.init
	case RuleTear:
		index = s.tear
	}
	for _, existing := range index[rule.Queue] {
		if existing.Sequence != rule.Sequence {
			continue
		}
		if rule.Type == RuleTear {
			return nil
		}
		return &ValidationError{
			Kind: "rule",
			Text: fmt.Sprintf("%s/%d", rule.Queue, rule.Sequence),
			Err:  fmt.Errorf("sequence already used by rule %d", existing.ID),
		}
	}
	index[rule.Queue] = append(index[rule.Queue], rule)
	return nil
}

// Name is the names of the active sub-schemas joined by "+"
func (s *Schema) Name() string { return s.name }

// Config returns the engine caches the schema was built with
func (s *Schema) Config() *EngineConfig { return s.config }

// SubSchemaIDs returns the ids of the active sub-schemas
func (s *Schema) SubSchemaIDs() []int64 { return s.ids }

// Rules returns the normal rules of queue ordered by sequence
func (s *Schema) Rules(queue string) []*Rule { return s.normal[queue] }

// Queues returns the queues holding normal rules in name order
func (s *Schema) Queues() []string {
	return slices.Sorted(maps.Keys(s.normal))
}

// MarkDirty flags the schema for replacement at the next reload check
func (s *Schema) MarkDirty() { s.dirty.Store(true) }

// Dirty reports whether a reload was requested
func (s *Schema) Dirty() bool { return s.dirty.Load() }

func (s *Schema) nextRule(queue string, cursor int) *Rule {
	for _, rule := range s.normal[queue] {
		if rule.Sequence > cursor {
			return rule
		}
	}
	return nil
}

// RunRoutine applies the init or tear rules of the given sub-schemas once,
// each against a synthetic message staged in the rule's queue for the
// duration of the rule
func (s *Schema) RunRoutine(ctx context.Context, env *Env, typ RuleType, schemaIDs []int64) error {
	index := s.init
	if typ == RuleTear {
		index = s.tear
	}
	for _, queue := range slices.Sorted(maps.Keys(index)) {
		for _, rule := range index[queue] {
			if !slices.Contains(schemaIDs, rule.SchemaID) {
				continue
			}
			if err := runRoutineRule(ctx, env, rule, queue); err != nil {
				return fmt.Errorf("%s rule %d of %s: %w", strings.ToLower(string(typ)), rule.ID, queue, err)
			}
		}
	}
	return nil
}

func runRoutineRule(ctx context.Context, env *Env, rule *Rule, queue string) error {
	msg := NewMessage(Record{MessageID: env.newID(), Queue: queue})
	if err := env.Store.Insert(ctx, &msg.Record); err != nil {
		return fmt.Errorf("failed to stage routine message: %w", err)
	}
	if _, err := rule.Apply(ctx, env, msg); err != nil {
		return err
	}
	// Completing actions remove the message themselves
	if err := env.Store.Delete(ctx, msg.Queue, msg.MessageID); err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("failed to drop routine message: %w", err)
	}
	return nil
}

// DiffSchemas returns the sub-schemas that next activates and the ones it
// no longer contains. prev may be nil.
func DiffSchemas(prev, next *Schema) (activated, deactivated []int64) {
	var before []int64
	if prev != nil {
		before = prev.ids
	}
	for _, id := range next.ids {
		if !slices.Contains(before, id) {
			activated = append(activated, id)
		}
	}
	for _, id := range before {
		if !slices.Contains(next.ids, id) {
			deactivated = append(deactivated, id)
		}
	}
	return activated, deactivated
}
