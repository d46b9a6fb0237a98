package routing_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/msgroute/internal/aggregation"
	"github.com/cuongbtq/msgroute/internal/routing"
)

func TestNewSchema_DuplicateSequence(t *testing.T) {
	sub, err := routing.BuildSubSchema(routing.SubSchemaDef{ID: 1, Name: "MAIN", Rules: []routing.RuleDef{
		{ID: 1, Queue: "Q1", Sequence: 10, Action: act("MoveTo", "Q2")},
		{ID: 2, Queue: "Q1", Sequence: 10, Action: act("MoveTo", "Q3")},
		{ID: 3, Queue: "Q2", Sequence: 10, Action: act("MoveTo", "Q3")},
	}})
	require.NoError(t, err)

	_, err = routing.NewSchema([]*routing.SubSchema{sub}, nil)
	require.Error(t, err)
	var verr *routing.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "Q1/10", verr.Text)
}

func TestNewSchema_TearDuplicateKeepsFirst(t *testing.T) {
	sub, err := routing.BuildSubSchema(routing.SubSchemaDef{ID: 1, Name: "MAIN", Rules: []routing.RuleDef{
		{ID: 1, Queue: "Q1", Sequence: 1, Type: "TEAR", Action: act("ReleaseQueue", "Q2")},
		{ID: 2, Queue: "Q1", Sequence: 1, Type: "TEAR", Action: act("ReleaseQueue", "Q3")},
	}})
	require.NoError(t, err)
	schema, err := routing.NewSchema([]*routing.SubSchema{sub}, nil)
	require.NoError(t, err)

	h := newHarness(t, testOptions)
	ctx := context.Background()
	require.NoError(t, h.store.SetQueueHold(ctx, "Q2", true))
	require.NoError(t, h.store.SetQueueHold(ctx, "Q3", true))

	require.NoError(t, schema.RunRoutine(ctx, h.env, routing.RuleTear, []int64{1}))
	assert.False(t, queueHeld(t, h, "Q2"))
	assert.True(t, queueHeld(t, h, "Q3"))
}

func TestNewSchema_NameAndQueues(t *testing.T) {
	first, err := routing.BuildSubSchema(routing.SubSchemaDef{ID: 1, Name: "DAY", Rules: []routing.RuleDef{
		ruleDef("Q2", 10, act("ChangePriority", "1")),
	}})
	require.NoError(t, err)
	second, err := routing.BuildSubSchema(routing.SubSchemaDef{ID: 2, Name: "FX", Rules: []routing.RuleDef{
		ruleDef("Q1", 10, act("MoveTo", "Q2")),
	}})
	require.NoError(t, err)

	schema, err := routing.NewSchema([]*routing.SubSchema{first, second}, nil)
	require.NoError(t, err)
	assert.Equal(t, "DAY+FX", schema.Name())
	assert.Equal(t, []int64{1, 2}, schema.SubSchemaIDs())
	assert.Equal(t, []string{"Q1", "Q2"}, schema.Queues())
	assert.False(t, schema.Dirty())
	schema.MarkDirty()
	assert.True(t, schema.Dirty())
}

func TestBuildSubSchema_ReportsEveryInvalidRule(t *testing.T) {
	_, err := routing.BuildSubSchema(routing.SubSchemaDef{ID: 1, Name: "MAIN", Rules: []routing.RuleDef{
		{ID: 1, Queue: "Q1", Sequence: 10, Action: act("Teleport", "Q2")},
		{ID: 2, Queue: "", Sequence: 20, Action: act("MoveTo", "Q2")},
		{ID: 3, Queue: "Q1", Sequence: 0, Action: act("MoveTo", "Q2")},
		{ID: 4, Queue: "Q1", Sequence: 40, Action: act("MoveTo", "Q2"), Conditions: []routing.ConditionDef{cond("MESSAGE", "MT")}},
		{ID: 5, Queue: "Q1", Sequence: 50, Action: act("MoveTo", "Q2")},
	}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sub-schema MAIN")
	assert.Contains(t, err.Error(), "4 errors occurred")

	var verr *routing.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestRunRoutine_InitAndTear(t *testing.T) {
	base, err := routing.BuildSubSchema(routing.SubSchemaDef{ID: 1, Name: "DAY", Rules: []routing.RuleDef{
		ruleDef("Q1", 10, act("MoveTo", "Q2")),
	}})
	require.NoError(t, err)
	cutoff, err := routing.BuildSubSchema(routing.SubSchemaDef{ID: 2, Name: "CUTOFF", Rules: []routing.RuleDef{
		{ID: 10, Queue: "Q1", Sequence: 1, Type: "INIT", Action: act("HoldQueue", "Q3")},
		{ID: 11, Queue: "Q1", Sequence: 1, Type: "TEAR", Action: act("ReleaseQueue", "Q3")},
	}})
	require.NoError(t, err)

	prev, err := routing.NewSchema([]*routing.SubSchema{base}, nil)
	require.NoError(t, err)
	next, err := routing.NewSchema([]*routing.SubSchema{base, cutoff}, nil)
	require.NoError(t, err)

	activated, deactivated := routing.DiffSchemas(prev, next)
	assert.Equal(t, []int64{2}, activated)
	assert.Empty(t, deactivated)

	h := newHarness(t, testOptions)
	ctx := context.Background()
	require.NoError(t, next.RunRoutine(ctx, h.env, routing.RuleInit, activated))
	assert.True(t, queueHeld(t, h, "Q3"))

	activated, deactivated = routing.DiffSchemas(next, prev)
	assert.Empty(t, activated)
	assert.Equal(t, []int64{2}, deactivated)
	require.NoError(t, next.RunRoutine(ctx, h.env, routing.RuleTear, deactivated))
	assert.False(t, queueHeld(t, h, "Q3"))

	// routines of other sub-schemas are not run
	require.NoError(t, next.RunRoutine(ctx, h.env, routing.RuleInit, []int64{1}))
	assert.False(t, queueHeld(t, h, "Q3"))
}

func TestRunRoutine_MessageActionsSeeStagedMessage(t *testing.T) {
	sub, err := routing.BuildSubSchema(routing.SubSchemaDef{ID: 1, Name: "MAIN", Rules: []routing.RuleDef{
		{ID: 1, Queue: "Q1", Sequence: 5, Type: "INIT", Action: act("ChangeHoldStatus", "true")},
		{ID: 2, Queue: "Q1", Sequence: 6, Type: "INIT", Action: act("ChangePriority", "3")},
		{ID: 3, Queue: "Q2", Sequence: 1, Type: "INIT", Action: act("Complete", "")},
	}})
	require.NoError(t, err)
	schema, err := routing.NewSchema([]*routing.SubSchema{sub}, nil)
	require.NoError(t, err)

	h := newHarness(t, testOptions)
	require.NoError(t, schema.RunRoutine(context.Background(), h.env, routing.RuleInit, []int64{1}))
	assert.Empty(t, h.store.AllMessages())
}

func TestDiffSchemas_FromNothing(t *testing.T) {
	schema := buildSchema(t, testOptions, ruleDef("Q1", 10, act("MoveTo", "Q2")))
	activated, deactivated := routing.DiffSchemas(nil, schema)
	assert.Equal(t, []int64{1}, activated)
	assert.Empty(t, deactivated)
}

func queueHeld(t *testing.T, h *harness, name string) bool {
	t.Helper()
	queues, err := h.store.GetQueueDefinitions(context.Background())
	require.NoError(t, err)
	for _, q := range queues {
		if q.Name == name {
			return q.HoldStatus
		}
	}
	t.Fatalf("queue %s not found", name)
	return false
}

func TestActiveMarker(t *testing.T) {
	markers := []routing.Marker{{Name: "OPEN", At: "08:00"}, {Name: "CUTOFF", At: "16:30"}}
	at := func(hour, minute int) time.Time { return time.Date(2024, 3, 15, hour, minute, 0, 0, time.UTC) }

	tests := []struct {
		name string
		now  time.Time
		want string
	}{
		{name: "morning", now: at(10, 0), want: "OPEN"},
		{name: "exactly at cut-off", now: at(16, 30), want: "CUTOFF"},
		{name: "evening", now: at(22, 15), want: "CUTOFF"},
		{name: "before first marker", now: at(7, 59), want: "CUTOFF"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := routing.ActiveMarker(markers, tt.now)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	got, err := routing.ActiveMarker(nil, at(10, 0))
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = routing.ActiveMarker([]routing.Marker{{Name: "BAD", At: "25:99"}}, at(10, 0))
	assert.Error(t, err)
}

func TestActiveSubSchemas(t *testing.T) {
	defs := []routing.SubSchemaDef{
		{ID: 1, Name: "ALWAYS"},
		{ID: 2, Name: "DAY", Marker: "OPEN"},
		{ID: 3, Name: "NIGHT", Marker: "CUTOFF"},
	}
	var ids []int64
	for _, d := range routing.ActiveSubSchemas(defs, "OPEN") {
		ids = append(ids, d.ID)
	}
	assert.Equal(t, []int64{1, 2}, ids)
}

const definitionsYAML = `
revision: 3
markers:
  - name: OPEN
    at: "08:00"
queues:
  - name: Q1
    exitpoint: OUT.Q1
  - name: Q2
    held: true
schemas:
  - id: 1
    name: MAIN
    rules:
      - id: 1
        queue: Q1
        sequence: 10
        conditions:
          - type: MESSAGE
            expression: MT == 103
        action:
          type: MoveTo
          param: Q2
      - id: 2
        queue: Q1
        sequence: 20
        action:
          type: Reactivate
          params:
            queue: Q3
            match:
              - type: METADATA
                expression: format == SWIFT
      - id: 3
        queue: Q2
        sequence: 10
        action:
          type: Aggregate
          params:
            strategy: update_or_fail
`

func TestParseDefinitions(t *testing.T) {
	defs, err := routing.ParseDefinitions([]byte(definitionsYAML))
	require.NoError(t, err)

	assert.Equal(t, int64(3), defs.Revision)
	assert.Equal(t, []routing.Marker{{Name: "OPEN", At: "08:00"}}, defs.Markers)
	require.Len(t, defs.Queues, 2)
	assert.Equal(t, "OUT.Q1", defs.Queues[0].ExitpointDef)
	assert.True(t, defs.Queues[1].HoldStatus)
	require.Len(t, defs.SubSchemas, 1)

	sub, err := routing.BuildSubSchema(defs.SubSchemas[0])
	require.NoError(t, err)
	require.Len(t, sub.Rules, 3)

	reactivate, ok := sub.Rules[1].Action.(*routing.Reactivate)
	require.True(t, ok)
	assert.Equal(t, "Q3", reactivate.Queue)
	require.Len(t, reactivate.Match, 1)

	agg, ok := sub.Rules[2].Action.(*routing.Aggregate)
	require.True(t, ok)
	assert.Equal(t, "update_or_fail", agg.Strategy)

	assert.NotEqual(t, defs.Fingerprint(), (&routing.Definitions{}).Fingerprint())
	again, err := routing.ParseDefinitions([]byte(definitionsYAML))
	require.NoError(t, err)
	assert.Equal(t, defs.Fingerprint(), again.Fingerprint())
}

func TestSeverityOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want routing.Severity
	}{
		{name: "plain error retries", err: errors.New("connection reset"), want: routing.SeverityRetry},
		{name: "app error", err: routing.NewFatalError("no payload", "", nil), want: routing.SeverityFatal},
		{name: "validation", err: &routing.ValidationError{Kind: "rule", Text: "1"}, want: routing.SeverityFatal},
		{name: "not found", err: routing.ErrNotFound, want: routing.SeverityFatal},
		{name: "routing loop", err: routing.ErrRoutingLoop, want: routing.SeverityFatal},
		{name: "relocated investigation", err: &routing.InvestigationError{Queue: "INVESTIGATE", Reason: "x"}, want: routing.SeverityFatal},
		{name: "failed relocation", err: &routing.InvestigationError{Reason: "x", RelocationFailure: "queue missing"}, want: routing.SeverityRetry},
		{name: "aggregation failure", err: &aggregation.FailureError{}, want: routing.SeverityFatal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, routing.SeverityOf(tt.err))
		})
	}
}
