package postgres

// Schema creates the tables of the router. Aggregation rows are namespaced
// by the logical table named in the correlation code.
const Schema = `
CREATE TABLE IF NOT EXISTS queues (
	id            BIGSERIAL PRIMARY KEY,
	name          TEXT NOT NULL UNIQUE,
	service_name  TEXT NOT NULL DEFAULT '',
	service_id    BIGINT NOT NULL DEFAULT 0,
	exitpoint_def TEXT NOT NULL DEFAULT '',
	hold_status   BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE TABLE IF NOT EXISTS messages (
	message_id     TEXT PRIMARY KEY,
	queue          TEXT NOT NULL,
	correlation_id TEXT NOT NULL DEFAULT '',
	batch_id       TEXT NOT NULL DEFAULT '',
	session_id     TEXT NOT NULL DEFAULT '',
	requestor      TEXT NOT NULL DEFAULT '',
	responder      TEXT NOT NULL DEFAULT '',
	request_type   TEXT NOT NULL DEFAULT 'SINGLE',
	priority       INTEGER NOT NULL DEFAULT 0,
	held           BOOLEAN NOT NULL DEFAULT FALSE,
	sequence       INTEGER NOT NULL DEFAULT 0,
	feedback       TEXT NOT NULL DEFAULT '',
	value_date     TEXT NOT NULL DEFAULT '',
	format         TEXT NOT NULL DEFAULT '',
	options        TEXT NOT NULL DEFAULT '',
	keywords       JSONB NOT NULL DEFAULT '{}',
	payload        BYTEA,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_messages_batch ON messages (queue, batch_id);

CREATE TABLE IF NOT EXISTS jobs (
	job_id         TEXT PRIMARY KEY,
	message_id     TEXT NOT NULL DEFAULT '',
	queue          TEXT NOT NULL,
	function       TEXT NOT NULL DEFAULT '',
	status         TEXT NOT NULL DEFAULT 'PENDING',
	backout        INTEGER NOT NULL DEFAULT 0,
	batch_id       TEXT NOT NULL DEFAULT '',
	parallel       BOOLEAN NOT NULL DEFAULT FALSE,
	deferred_queue TEXT NOT NULL DEFAULT '',
	abort_reason   TEXT NOT NULL DEFAULT '',
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_jobs_queue ON jobs (queue, created_at DESC, job_id DESC);
CREATE INDEX IF NOT EXISTS idx_jobs_deferred ON jobs (deferred_queue) WHERE status = 'DEFERRED';

CREATE TABLE IF NOT EXISTS aggregations (
	tbl        TEXT NOT NULL,
	token      TEXT NOT NULL,
	id         TEXT NOT NULL,
	fields     JSONB NOT NULL DEFAULT '{}',
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (tbl, token, id)
);

CREATE TABLE IF NOT EXISTS wait_conditions (
	procedure  TEXT NOT NULL,
	message_id TEXT NOT NULL,
	ready      BOOLEAN NOT NULL DEFAULT FALSE,
	PRIMARY KEY (procedure, message_id)
);

CREATE TABLE IF NOT EXISTS rule_sets (
	name        TEXT PRIMARY KEY,
	revision    BIGINT NOT NULL DEFAULT 1,
	definitions JSONB NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
`
