package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"io"
	"log/slog"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/msgroute/internal/aggregation"
	"github.com/cuongbtq/msgroute/internal/routing"
	"github.com/cuongbtq/msgroute/internal/scheduler/domain"
)

func newMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return sqlx.NewDb(db, "postgres"), mock
}

var messageHeader = []string{
	"message_id", "queue", "correlation_id", "batch_id", "session_id", "requestor", "responder",
	"request_type", "priority", "held", "sequence", "feedback", "value_date", "format", "options", "keywords", "payload",
}

func messageValues(id, queue, batch string) []driver.Value {
	return []driver.Value{id, queue, "", batch, "", "BANKBEBB", "", "SINGLE", 2, false, 10, "", "", "MT", "", []byte(`{"ref":"R1"}`), []byte("data")}
}

func TestMessageStore_Read(t *testing.T) {
	db, mock := newMock(t)
	store := NewMessageStore(db)

	rows := sqlmock.NewRows(messageHeader).AddRow(messageValues("M1", "Q1", "")...)
	mock.ExpectQuery(regexp.QuoteMeta("FROM messages WHERE message_id = $1 AND ($2 = '' OR queue = $2)")).
		WithArgs("M1", "Q1").
		WillReturnRows(rows)

	rec, err := store.Read(context.Background(), "Q1", "M1")
	require.NoError(t, err)
	assert.Equal(t, "Q1", rec.Queue)
	assert.Equal(t, 2, rec.Priority)
	assert.Equal(t, 10, rec.Sequence)
	assert.Equal(t, routing.RequestSingle, rec.RequestType)
	assert.Equal(t, map[string]string{"ref": "R1"}, rec.Keywords)
	assert.Equal(t, []byte("data"), rec.Payload)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMessageStore_ReadMissing(t *testing.T) {
	db, mock := newMock(t)
	store := NewMessageStore(db)

	mock.ExpectQuery("FROM messages").WillReturnError(sql.ErrNoRows)

	_, err := store.Read(context.Background(), "Q1", "M9")
	assert.ErrorIs(t, err, routing.ErrNotFound)
}

func TestMessageStore_Insert(t *testing.T) {
	db, mock := newMock(t)
	store := NewMessageStore(db)

	mock.ExpectExec("INSERT INTO messages").
		WithArgs("M1", "Q1", "", "", "", "", "", "SINGLE", 0, false, 0, "", "", "", "", []byte(`{}`), []byte("x")).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.Insert(context.Background(), &routing.Record{MessageID: "M1", Queue: "Q1", Payload: []byte("x")})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMessageStore_MoveMatchesSourceQueue(t *testing.T) {
	db, mock := newMock(t)
	store := NewMessageStore(db)

	mock.ExpectExec(regexp.QuoteMeta("WHERE message_id = $1 AND queue = $18")).
		WithArgs("M1", "Q2", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), "Q1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.Move(context.Background(), "Q1", &routing.Record{MessageID: "M1", Queue: "Q2"})
	assert.ErrorIs(t, err, routing.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMessageStore_ReadBatch(t *testing.T) {
	db, mock := newMock(t)
	store := NewMessageStore(db)

	rows := sqlmock.NewRows(messageHeader).
		AddRow(messageValues("B1-1", "Q1", "B1")...).
		AddRow(messageValues("B1-2", "Q1", "B1")...)
	mock.ExpectQuery(regexp.QuoteMeta("WHERE queue = $1 AND batch_id = $2 ORDER BY message_id")).
		WithArgs("Q1", "B1").
		WillReturnRows(rows)

	recs, err := store.ReadBatch(context.Background(), "Q1", "B1")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "B1-1", recs[0].MessageID)
	assert.Equal(t, "B1-2", recs[1].MessageID)
}

func TestMessageStore_WaitOnWithoutRowIsReady(t *testing.T) {
	db, mock := newMock(t)
	store := NewMessageStore(db)

	mock.ExpectQuery("FROM wait_conditions").WithArgs("SETTLED", "M1").WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("FROM wait_conditions").WithArgs("SETTLED", "M2").
		WillReturnRows(sqlmock.NewRows([]string{"ready"}).AddRow(false))

	ready, err := store.WaitOn(context.Background(), "SETTLED", "M1")
	require.NoError(t, err)
	assert.True(t, ready)

	ready, err = store.WaitOn(context.Background(), "SETTLED", "M2")
	require.NoError(t, err)
	assert.False(t, ready)
}

func TestMessageStore_GetQueueDefinitions(t *testing.T) {
	db, mock := newMock(t)
	store := NewMessageStore(db)

	rows := sqlmock.NewRows([]string{"id", "name", "service_name", "service_id", "exitpoint_def", "hold_status"}).
		AddRow(1, "Q1", "SWIFT", 7, "OUT.Q1", false).
		AddRow(2, "Q2", "SWIFT", 7, "", true)
	mock.ExpectQuery("FROM queues ORDER BY id").WillReturnRows(rows)

	queues, err := store.GetQueueDefinitions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []routing.QueueDefinition{
		{ID: 1, Name: "Q1", ServiceName: "SWIFT", ServiceID: 7, ExitpointDef: "OUT.Q1"},
		{ID: 2, Name: "Q2", ServiceName: "SWIFT", ServiceID: 7, HoldStatus: true},
	}, queues)
}

func TestAggregationStore_Read(t *testing.T) {
	db, mock := newMock(t)
	store := NewAggregationStore(db)

	mock.ExpectQuery(regexp.QuoteMeta("btrim(token) = btrim($2)")).
		WithArgs("REQUESTS", "MESSAGEID", "M1").
		WillReturnRows(sqlmock.NewRows([]string{"fields"}).AddRow([]byte(`{"QUEUE":"Q1","STATUS":"PENDING"}`)))

	values, err := store.Read(context.Background(), "REQUESTS", "MESSAGEID", "M1", []string{"STATUS", "REF", "QUEUE"}, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"PENDING", "", "Q1"}, values)
}

func TestAggregationStore_ReadMissing(t *testing.T) {
	db, mock := newMock(t)
	store := NewAggregationStore(db)

	mock.ExpectQuery(regexp.QuoteMeta("tbl = $1 AND token = $2 AND id = $3")).WillReturnError(sql.ErrNoRows)

	_, err := store.Read(context.Background(), "REQUESTS", "MESSAGEID", "M1", []string{"STATUS"}, false)
	assert.ErrorIs(t, err, aggregation.ErrNoRows)
}

func TestAggregationStore_InsertRow(t *testing.T) {
	db, mock := newMock(t)
	store := NewAggregationStore(db)

	mock.ExpectExec("INSERT INTO aggregations").
		WithArgs("REQUESTS", "MESSAGEID", "M1", []byte(`{"STATUS":"PENDING"}`)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	n, err := store.InsertRow(context.Background(), "REQUESTS", "MESSAGEID", "M1",
		[]aggregation.Field{{Name: "STATUS", Value: "PENDING"}}, false)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestAggregationStore_UpdateRowWithConditions(t *testing.T) {
	db, mock := newMock(t)
	store := NewAggregationStore(db)

	mock.ExpectExec(regexp.QuoteMeta("fields = fields || $4::jsonb")).
		WithArgs("REQUESTS", "MESSAGEID", "M1", []byte(`{"STATUS":"REPLIED"}`), []byte(`{"STATUS":"PENDING"}`)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	n, err := store.UpdateRow(context.Background(), "REQUESTS", "MESSAGEID", "M1",
		[]aggregation.Field{{Name: "STATUS", Value: "REPLIED"}},
		[]aggregation.Field{{Name: "STATUS", Value: "PENDING"}}, false)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestJobStore_GetJobLocksRow(t *testing.T) {
	db, mock := newMock(t)
	store := NewJobStore(db)

	mock.ExpectQuery(regexp.QuoteMeta("FROM jobs WHERE job_id = $1 FOR UPDATE")).
		WithArgs("J1").
		WillReturnRows(sqlmock.NewRows([]string{"job_id", "message_id", "queue", "function", "status", "backout"}).
			AddRow("J1", "M1", "Q1", "F=Route", "PENDING", 2))

	job, err := store.GetJob(context.Background(), "J1")
	require.NoError(t, err)
	assert.Equal(t, "M1", job.MessageID)
	assert.Equal(t, 2, job.Backout)
}

func TestJobStore_GetJobMissing(t *testing.T) {
	db, mock := newMock(t)
	store := NewJobStore(db)

	mock.ExpectQuery("FROM jobs").WillReturnError(sql.ErrNoRows)

	_, err := store.GetJob(context.Background(), "J9")
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestJobStore_InsertDeferred(t *testing.T) {
	db, mock := newMock(t)
	store := NewJobStore(db)

	mock.ExpectExec("INSERT INTO jobs").
		WithArgs("J1", "M1", "DELAYED", "F=Route", "DEFERRED", "", "DELAYED").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO jobs").
		WithArgs("J2", "M2", "Q1", "F=Route", "PENDING", "B1", "").
		WillReturnResult(sqlmock.NewResult(0, 1))

	ctx := context.Background()
	require.NoError(t, store.InsertJob(ctx, routing.JobRequest{ID: "J1", MessageID: "M1", Queue: "DELAYED", Function: "F=Route", Deferred: true}))
	require.NoError(t, store.InsertJob(ctx, routing.JobRequest{ID: "J2", MessageID: "M2", Queue: "Q1", Function: "F=Route", BatchID: "B1"}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestJobStore_ReleaseDeferredIsSorted(t *testing.T) {
	db, mock := newMock(t)
	store := NewJobStore(db)

	mock.ExpectQuery("UPDATE jobs SET status").
		WithArgs("PENDING", "DEFERRED", "Q3").
		WillReturnRows(sqlmock.NewRows([]string{"job_id"}).AddRow("J9").AddRow("J2"))

	ids, err := store.ReleaseDeferred(context.Background(), "Q3")
	require.NoError(t, err)
	assert.Equal(t, []string{"J2", "J9"}, ids)
}

func TestJobStore_AbortMissing(t *testing.T) {
	db, mock := newMock(t)
	store := NewJobStore(db)

	mock.ExpectExec("UPDATE jobs SET status").
		WithArgs("J1", "ABORTED", "boom").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.AbortJob(context.Background(), "J1", "boom")
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestBackend_CommitAndRollback(t *testing.T) {
	db, mock := newMock(t)
	backend := NewBackend(db, slog.New(slog.NewTextHandler(io.Discard, nil)))

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM jobs").WithArgs("J1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectBegin()
	mock.ExpectRollback()

	ctx := context.Background()
	tx, err := backend.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Jobs().DeleteJob(ctx, "J1"))
	require.NoError(t, tx.Commit())

	tx, err = backend.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())
	require.NoError(t, tx.Rollback())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBackend_IncrementBackout(t *testing.T) {
	db, mock := newMock(t)
	backend := NewBackend(db, slog.New(slog.NewTextHandler(io.Discard, nil)))

	mock.ExpectQuery(regexp.QuoteMeta("SET backout = backout + 1")).
		WithArgs("J1").
		WillReturnRows(sqlmock.NewRows([]string{"backout"}).AddRow(3))
	mock.ExpectQuery(regexp.QuoteMeta("SET backout = backout + 1")).
		WithArgs("J9").
		WillReturnError(sql.ErrNoRows)

	n, err := backend.IncrementBackout(context.Background(), "J1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	_, err = backend.IncrementBackout(context.Background(), "J9")
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestRuleSetSource_Load(t *testing.T) {
	db, mock := newMock(t)
	source := NewRuleSetSource(db, "default")

	defs := `{"markers":[{"name":"OPEN","at":"08:00"}],"schemas":[{"id":1,"name":"BASE","rules":[]}],"queues":[]}`
	mock.ExpectQuery("FROM rule_sets WHERE name").
		WithArgs("default").
		WillReturnRows(sqlmock.NewRows([]string{"revision", "definitions"}).AddRow(4, []byte(defs)))

	got, err := source.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(4), got.Revision)
	require.Len(t, got.SubSchemas, 1)
	assert.Equal(t, "BASE", got.SubSchemas[0].Name)
	assert.Equal(t, "08:00", got.Markers[0].At)
}

func TestRuleSetSource_Missing(t *testing.T) {
	db, mock := newMock(t)
	source := NewRuleSetSource(db, "default")

	mock.ExpectQuery("FROM rule_sets").WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("UPDATE rule_sets").WillReturnError(sql.ErrNoRows)

	_, err := source.Load(context.Background())
	assert.ErrorIs(t, err, ErrRuleSetNotFound)
	_, err = source.BumpRevision(context.Background())
	assert.ErrorIs(t, err, ErrRuleSetNotFound)
}

func TestRuleSetSource_Save(t *testing.T) {
	db, mock := newMock(t)
	source := NewRuleSetSource(db, "default")

	mock.ExpectQuery("INSERT INTO rule_sets").
		WithArgs("default", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"revision"}).AddRow(5))

	rev, err := source.Save(context.Background(), &routing.Definitions{SubSchemas: []routing.SubSchemaDef{{ID: 1, Name: "BASE"}}})
	require.NoError(t, err)
	assert.Equal(t, int64(5), rev)
}
