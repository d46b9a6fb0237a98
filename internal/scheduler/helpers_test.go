package scheduler

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/msgroute/internal/routing"
	"github.com/cuongbtq/msgroute/internal/scheduler/domain"
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

const pacs008Batch = `<Document xmlns="urn:iso:std:iso:20022:tech:xsd:pacs.008.001.08">
<FIToFICstmrCdtTrf>
<GrpHdr><MsgId>BATCH-1</MsgId><NbOfTxs>3</NbOfTxs></GrpHdr>
<CdtTrfTxInf><PmtId><EndToEndId>E2E-1</EndToEndId></PmtId><IntrBkSttlmAmt Ccy="EUR">10.00</IntrBkSttlmAmt></CdtTrfTxInf>
<CdtTrfTxInf><PmtId><EndToEndId>E2E-2</EndToEndId></PmtId><IntrBkSttlmAmt Ccy="EUR">20.00</IntrBkSttlmAmt></CdtTrfTxInf>
<CdtTrfTxInf><PmtId><EndToEndId>E2E-3</EndToEndId></PmtId><IntrBkSttlmAmt Ccy="EUR">30.00</IntrBkSttlmAmt></CdtTrfTxInf>
</FIToFICstmrCdtTrf>
</Document>`

var testQueues = []routing.QueueDefinition{
	{ID: 1, Name: "Q1", ServiceName: "SWIFT", ExitpointDef: "OUT.Q1"},
	{ID: 2, Name: "Q2", ServiceName: "SWIFT", ExitpointDef: "OUT.Q2"},
	{ID: 3, Name: "Q3", ServiceName: "SWIFT", ExitpointDef: "OUT.Q3"},
	{ID: 4, Name: "INVESTIGATE", ServiceName: "SWIFT"},
}

type staticSource struct {
	defs *routing.Definitions
	err  error
}

func (s *staticSource) Load(ctx context.Context) (*routing.Definitions, error) {
	return s.defs, s.err
}

type fakeDispatcher struct {
	mu   sync.Mutex
	sent []string
	err  error
}

func (d *fakeDispatcher) Send(ctx context.Context, queue string, message []byte) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return "", d.err
	}
	d.sent = append(d.sent, queue)
	return fmt.Sprintf("T-%d", len(d.sent)), nil
}

type recordingNotifier struct {
	mu  sync.Mutex
	ids []string
}

func (n *recordingNotifier) Notify(ctx context.Context, jobID string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.ids = append(n.ids, jobID)
	return nil
}

func (n *recordingNotifier) notified() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.ids...)
}

type rig struct {
	store      *memory.Store
	worker     *Worker
	source     *staticSource
	dispatcher *fakeDispatcher
	notifier   *recordingNotifier
	now        time.Time
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func rules(defs ...routing.RuleDef) *routing.Definitions {
	for i := range defs {
		defs[i].ID = int64(i + 1)
	}
	return &routing.Definitions{
		SubSchemas: []routing.SubSchemaDef{{ID: 1, Name: "MAIN", Rules: defs}},
	}
}

func ruleDef(queue string, seq int, typ, param string, conds ...routing.ConditionDef) routing.RuleDef {
	return routing.RuleDef{
		Queue:      queue,
		Sequence:   seq,
		Action:     routing.ActionDef{Type: typ, Param: param},
		Conditions: conds,
	}
}

func isMT(mt string) routing.ConditionDef {
	return routing.ConditionDef{Type: "MESSAGE", Expression: "MT == " + mt}
}

func newRig(t *testing.T, defs *routing.Definitions) *rig {
	t.Helper()
	r := &rig{
		store:      memory.New(testQueues...),
		source:     &staticSource{defs: defs},
		dispatcher: &fakeDispatcher{},
		notifier:   &recordingNotifier{},
		now:        time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC),
	}
	seq := 0
	r.worker = NewWorker(&Config{
		Logger:      discardLogger(),
		Backend:     r.store,
		Notifier:    r.notifier,
		Definitions: r.source,
		Dispatcher:  r.dispatcher,
		Options:     routing.EngineOptions{InvestigationQueue: "INVESTIGATE"},
		WorkerID:    "test",
		NewID: func() string {
			seq++
			return fmt.Sprintf("ID-%04d", seq)
		},
		Now: func() time.Time { return r.now },
	})
	return r
}

// load publishes the schema of the rig's definitions
func (r *rig) load(t *testing.T) {
	t.Helper()
	_, err := r.worker.reloader.Check(context.Background())
	require.NoError(t, err)
}

func (r *rig) put(t *testing.T, rec routing.Record, jobID, function string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, r.store.Insert(ctx, &rec))
	require.NoError(t, r.store.Jobs().InsertJob(ctx, routing.JobRequest{
		ID:        jobID,
		MessageID: rec.MessageID,
		Queue:     rec.Queue,
		Function:  function,
	}))
}

func (r *rig) process(jobID string) (string, error) {
	return r.worker.processJob(context.Background(), newWorkerContext("test-0"), &domain.JobMessage{JobID: jobID})
}

func (r *rig) job(t *testing.T, jobID string) *domain.Job {
	t.Helper()
	job, err := r.store.Jobs().GetJob(context.Background(), jobID)
	require.NoError(t, err)
	return job
}

// drain processes every announced job, and the jobs those announce, and
// returns the final state of each
func (r *rig) drain(t *testing.T) map[string]string {
	t.Helper()
	states := map[string]string{}
	for range 10 {
		pending := 0
		for _, id := range r.notifier.notified() {
			if _, done := states[id]; done {
				continue
			}
			pending++
			state, err := r.process(id)
			require.NoError(t, err, id)
			states[id] = state
		}
		if pending == 0 {
			return states
		}
	}
	require.FailNow(t, "announced jobs did not settle")
	return nil
}
