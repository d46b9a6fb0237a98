package routing_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/msgroute/internal/aggregation"
	"github.com/cuongbtq/msgroute/internal/routing"
	"github.com/cuongbtq/msgroute/internal/storage/memory"
)

const mt103 = "{1:F01BANKBEBBAXXX0000000000}{2:I103BANKDEFFXXXXN}{3:{108:MUR0001}}{4:\n" +
	":20:REF-1\n" +
	":32A:230101EUR1500,00\n" +
	"-}"

const mt202 = "{1:F01BANKBEBBAXXX0000000000}{2:I202BANKDEFFXXXXN}{4:\n" +
	":20:REF-2\n" +
	":32A:230101USD90,00\n" +
	"-}"

const mt199 = "{1:F01BANKBEBBAXXX0000000000}{2:I199BANKDEFFXXXXN}{4:\n" +
	":20:REPLY-1\n" +
	":21:REF-1\n" +
	":79:PAID\n" +
	"-}"

var testQueues = []routing.QueueDefinition{
	{ID: 1, Name: "Q1", ServiceName: "SWIFT", ExitpointDef: "OUT.Q1"},
	{ID: 2, Name: "Q2", ServiceName: "SWIFT", ExitpointDef: "OUT.Q2"},
	{ID: 3, Name: "Q3", ServiceName: "SWIFT", ExitpointDef: "OUT.Q3"},
	{ID: 4, Name: "INVESTIGATE", ServiceName: "SWIFT"},
	{ID: 5, Name: "DELAYED", ServiceName: "SWIFT"},
	{ID: 6, Name: "DUPREPLY", ServiceName: "SWIFT"},
}

var testOptions = routing.EngineOptions{
	InvestigationQueue:   "INVESTIGATE",
	ReplyQueue:           "REPLIES",
	DuplicateQueues:      map[string]string{"SWIFT": "DUPREQ"},
	DuplicateReplyQueues: map[string]string{"SWIFT": "DUPREPLY"},
}

type sent struct {
	queue string
	data  string
}

type fakeDispatcher struct {
	sent []sent
	err  error
}

func (d *fakeDispatcher) Send(ctx context.Context, queue string, message []byte) (string, error) {
	if d.err != nil {
		return "", d.err
	}
	d.sent = append(d.sent, sent{queue: queue, data: string(message)})
	return fmt.Sprintf("T-%d", len(d.sent)), nil
}

type fakeTransformer struct {
	calls []string
	err   error
}

func (f *fakeTransformer) Transform(ctx context.Context, document []byte, templateName string, params map[string]string) ([]byte, string, error) {
	f.calls = append(f.calls, templateName)
	if f.err != nil {
		return nil, "", f.err
	}
	return document, "", nil
}

type harness struct {
	store       *memory.Store
	env         *routing.Env
	dispatcher  *fakeDispatcher
	transformer *fakeTransformer
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newHarness(t *testing.T, opts routing.EngineOptions) *harness {
	t.Helper()
	store := memory.New(testQueues...)
	h := &harness{
		store:       store,
		dispatcher:  &fakeDispatcher{},
		transformer: &fakeTransformer{},
	}
	seq := 0
	h.env = &routing.Env{
		Store:       store,
		Aggregation: aggregation.NewManager(store.Aggregations(), discardLogger()),
		Transformer: h.transformer,
		Dispatcher:  h.dispatcher,
		Jobs:        store.Jobs(),
		Config:      routing.NewEngineConfig(opts, testQueues),
		Logger:      discardLogger(),
		NewID: func() string {
			seq++
			return fmt.Sprintf("ID-%04d", seq)
		},
		Now: func() time.Time { return time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC) },
	}
	return h
}

// put stores a message and returns its in-memory form
func (h *harness) put(t *testing.T, rec routing.Record) *routing.Message {
	t.Helper()
	require.NoError(t, h.store.Insert(context.Background(), &rec))
	return routing.NewMessage(rec)
}

func cond(typ, expression string) routing.ConditionDef {
	return routing.ConditionDef{Type: typ, Expression: expression}
}

func act(typ, param string) routing.ActionDef {
	return routing.ActionDef{Type: typ, Param: param}
}

func ruleDef(queue string, seq int, action routing.ActionDef, conds ...routing.ConditionDef) routing.RuleDef {
	return routing.RuleDef{ID: int64(seq), Queue: queue, Sequence: seq, Action: action, Conditions: conds}
}

func buildSchema(t *testing.T, opts routing.EngineOptions, rules ...routing.RuleDef) *routing.Schema {
	t.Helper()
	for i := range rules {
		rules[i].ID = int64(i + 1)
	}
	sub, err := routing.BuildSubSchema(routing.SubSchemaDef{ID: 1, Name: "MAIN", Rules: rules})
	require.NoError(t, err)
	schema, err := routing.NewSchema([]*routing.SubSchema{sub}, routing.NewEngineConfig(opts, testQueues))
	require.NoError(t, err)
	return schema
}
