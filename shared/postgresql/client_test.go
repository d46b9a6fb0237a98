package postgresql

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const ddl = "CREATE TABLE IF NOT EXISTS queues (id BIGSERIAL PRIMARY KEY)"

func newMockClient(t *testing.T) (*Client, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewFromDB(sqlx.NewDb(db, "postgres"), logger), mock
}

func TestConfig_DSN(t *testing.T) {
	cfg := &Config{Host: "db", Port: 5432, User: "router", Password: "pw", Database: "router_db"}
	assert.Equal(t, "host=db port=5432 user=router password=pw dbname=router_db sslmode=disable", cfg.DSN())

	cfg.SSLMode = "require"
	assert.Contains(t, cfg.DSN(), "sslmode=require")
}

func TestClient_Migrate(t *testing.T) {
	client, mock := newMockClient(t)
	mock.ExpectBegin()
	mock.ExpectExec(ddl).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	require.NoError(t, client.Migrate(context.Background(), ddl))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClient_MigrateFailureRollsBack(t *testing.T) {
	client, mock := newMockClient(t)
	mock.ExpectBegin()
	mock.ExpectExec(ddl).WillReturnError(errors.New("permission denied"))
	mock.ExpectRollback()

	err := client.Migrate(context.Background(), ddl)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to apply schema")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClient_Close(t *testing.T) {
	client, mock := newMockClient(t)
	mock.ExpectClose()

	require.NoError(t, client.Close())
	assert.NoError(t, mock.ExpectationsWereMet())
}
