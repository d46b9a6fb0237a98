package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/cuongbtq/msgroute/internal/aggregation"
)

// AggregationStore keeps correlation rows as JSONB field maps
type AggregationStore struct {
	q sqlx.ExtContext
}

// NewAggregationStore creates an aggregation store over a database or transaction
func NewAggregationStore(q sqlx.ExtContext) *AggregationStore {
	return &AggregationStore{q: q}
}

// keyClause matches the correlation key, trimmed when asked
func keyClause(trim bool) string {
	if trim {
		return `tbl = $1 AND btrim(token) = btrim($2) AND btrim(id) = btrim($3)`
	}
	return `tbl = $1 AND token = $2 AND id = $3`
}

func encodeFields(fields []aggregation.Field) ([]byte, error) {
	m := make(map[string]string, len(fields))
	for _, f := range fields {
		m[f.Name] = f.Value
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode aggregation fields: %w", err)
	}
	return data, nil
}

func (s *AggregationStore) Read(ctx context.Context, table, token, id string, names []string, trim bool) ([]string, error) {
	var data []byte
	query := `SELECT fields FROM aggregations WHERE ` + keyClause(trim) + ` LIMIT 1`
	err := sqlx.GetContext(ctx, s.q, &data, query, table, token, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, aggregation.ErrNoRows
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read aggregation %s/%s: %w", token, id, err)
	}

	var fields map[string]string
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("failed to decode aggregation %s/%s: %w", token, id, err)
	}
	values := make([]string, len(names))
	for i, name := range names {
		values[i] = fields[name]
	}
	return values, nil
}

func (s *AggregationStore) InsertRow(ctx context.Context, table, token, id string, fields []aggregation.Field, trim bool) (int64, error) {
	data, err := encodeFields(fields)
	if err != nil {
		return 0, err
	}
	query := `
		INSERT INTO aggregations (tbl, token, id, fields)
		SELECT $1, $2, $3, $4::jsonb
		WHERE NOT EXISTS (SELECT 1 FROM aggregations WHERE ` + keyClause(trim) + `)
		ON CONFLICT DO NOTHING
	`
	res, err := s.q.ExecContext(ctx, query, table, token, id, data)
	if err != nil {
		return 0, fmt.Errorf("failed to insert aggregation %s/%s: %w", token, id, err)
	}
	return res.RowsAffected()
}

func (s *AggregationStore) UpdateRow(ctx context.Context, table, token, id string, fields, conditions []aggregation.Field, trim bool) (int64, error) {
	data, err := encodeFields(fields)
	if err != nil {
		return 0, err
	}
	cond, err := encodeFields(conditions)
	if err != nil {
		return 0, err
	}
	query := `
		UPDATE aggregations SET fields = fields || $4::jsonb, updated_at = now()
		WHERE ` + keyClause(trim) + ` AND fields @> $5::jsonb
	`
	res, err := s.q.ExecContext(ctx, query, table, token, id, data, cond)
	if err != nil {
		return 0, fmt.Errorf("failed to update aggregation %s/%s: %w", token, id, err)
	}
	return res.RowsAffected()
}

var _ aggregation.Store = (*AggregationStore)(nil)
