package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/cuongbtq/msgroute/internal/routing"
)

// ErrRuleSetNotFound is returned when the named rule set has no row
var ErrRuleSetNotFound = errors.New("rule set not found")

// RuleSetSource loads routing definitions stored as JSON. The revision
// column is carried into the definitions so a bump forces a reload.
type RuleSetSource struct {
	db   *sqlx.DB
	name string
}

// NewRuleSetSource creates a source for the named rule set
func NewRuleSetSource(db *sqlx.DB, name string) *RuleSetSource {
	return &RuleSetSource{db: db, name: name}
}

func (s *RuleSetSource) Load(ctx context.Context) (*routing.Definitions, error) {
	var row struct {
		Revision    int64  `db:"revision"`
		Definitions []byte `db:"definitions"`
	}
	err := s.db.GetContext(ctx, &row, `SELECT revision, definitions FROM rule_sets WHERE name = $1`, s.name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRuleSetNotFound, s.name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load rule set %s: %w", s.name, err)
	}

	var defs routing.Definitions
	if err := json.Unmarshal(row.Definitions, &defs); err != nil {
		return nil, fmt.Errorf("failed to decode rule set %s: %w", s.name, err)
	}
	defs.Revision = row.Revision
	return &defs, nil
}

// Save stores defs as the new content of the rule set and returns its revision
func (s *RuleSetSource) Save(ctx context.Context, defs *routing.Definitions) (int64, error) {
	data, err := json.Marshal(defs)
	if err != nil {
		return 0, fmt.Errorf("failed to encode rule set: %w", err)
	}
	var revision int64
	query := `
		INSERT INTO rule_sets (name, definitions) VALUES ($1, $2::jsonb)
		ON CONFLICT (name) DO UPDATE SET
			definitions = EXCLUDED.definitions,
			revision = rule_sets.revision + 1,
			updated_at = now()
		RETURNING revision
	`
	if err := s.db.GetContext(ctx, &revision, query, s.name, data); err != nil {
		return 0, fmt.Errorf("failed to save rule set %s: %w", s.name, err)
	}
	return revision, nil
}

// BumpRevision forces routers watching the rule set to reload it
func (s *RuleSetSource) BumpRevision(ctx context.Context) (int64, error) {
	var revision int64
	query := `UPDATE rule_sets SET revision = revision + 1, updated_at = now() WHERE name = $1 RETURNING revision`
	err := s.db.GetContext(ctx, &revision, query, s.name)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: %s", ErrRuleSetNotFound, s.name)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to bump rule set %s: %w", s.name, err)
	}
	return revision, nil
}

var _ routing.DefinitionSource = (*RuleSetSource)(nil)
