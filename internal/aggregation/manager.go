package aggregation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// Strategy selects how AddRequest writes a correlation row
type Strategy int

const (
	// OptimisticInsert inserts and falls back to InsertOrUpdate on any failure
	OptimisticInsert Strategy = iota
	// OptimisticUpdate updates and raises ErrNoRowsUpdated when nothing matched
	// after the trimmed retry
	OptimisticUpdate
	// OptimisticUpdateTrimmed updates comparing the trimmed key only
	OptimisticUpdateTrimmed
	// InsertOrUpdate checks existence first
	InsertOrUpdate
	// UpdateOrFail updates an existing row or raises FailureError
	UpdateOrFail
)

func (s Strategy) String() string {
	switch s {
	case OptimisticInsert:
		return "optimistic_insert"
	case OptimisticUpdate:
		return "optimistic_update"
	case OptimisticUpdateTrimmed:
		return "optimistic_update_trimmed"
	case InsertOrUpdate:
		return "insert_or_update"
	case UpdateOrFail:
		return "update_or_fail"
	default:
		return "unknown"
	}
}

// ParseStrategy returns the strategy named by its String form
func ParseStrategy(name string) (Strategy, error) {
	for s := OptimisticInsert; s <= UpdateOrFail; s++ {
		if strings.EqualFold(s.String(), name) {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown aggregation strategy %q", name)
}

// Recorder receives one event per write
type Recorder interface {
	RecordAggregationWrite(strategy, result string)
}

// Manager joins asynchronous replies to request-time state through a Store.
// A Manager is bound to the store of one job and is not shared.
type Manager struct {
	store        Store
	logger       *slog.Logger
	defaultTable string
	recorder     Recorder
}

// Option configures a Manager
type Option func(*Manager)

// WithDefaultTable sets the table used by codes that do not name one
func WithDefaultTable(table string) Option {
	return func(m *Manager) { m.defaultTable = table }
}

// WithRecorder attaches a write recorder
func WithRecorder(r Recorder) Option {
	return func(m *Manager) { m.recorder = r }
}

// NewManager creates a Manager over store
func NewManager(store Store, logger *slog.Logger, opts ...Option) *Manager {
	m := &Manager{
		store:        store,
		logger:       logger,
		defaultTable: "AGGREGATION",
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) table(code *Code) string {
	if code.Table != "" {
		return code.Table
	}
	return m.defaultTable
}

// AddRequest writes the fields of code using strategy
func (m *Manager) AddRequest(ctx context.Context, code *Code, strategy Strategy) error {
	if code.IsEmpty() {
		return ErrEmptyCode
	}

	var err error
	switch strategy {
	case OptimisticInsert:
		err = m.optimisticInsert(ctx, code)
	case OptimisticUpdate:
		err = m.optimisticUpdate(ctx, code, false)
	case OptimisticUpdateTrimmed:
		err = m.optimisticUpdate(ctx, code, true)
	case InsertOrUpdate:
		err = m.insertOrUpdate(ctx, code)
	case UpdateOrFail:
		err = m.updateOrFail(ctx, code)
	default:
		err = fmt.Errorf("unknown aggregation strategy %d", strategy)
	}

	m.record(strategy, err)
	return err
}

func (m *Manager) record(strategy Strategy, err error) {
	if m.recorder == nil {
		return
	}
	result := "ok"
	var failure *FailureError
	switch {
	case err == nil:
	case errors.Is(err, ErrNoRowsUpdated):
		result = "no_rows"
	case errors.As(err, &failure):
		result = "failure"
	default:
		result = "error"
	}
	m.recorder.RecordAggregationWrite(strategy.String(), result)
}

func (m *Manager) optimisticInsert(ctx context.Context, code *Code) error {
	rows, err := m.store.InsertRow(ctx, m.table(code), code.Token, code.ID, code.Fields, false)
	if err == nil && rows > 0 {
		return nil
	}

	m.logger.Debug("Optimistic insert failed, falling back to insert-or-update",
		slog.String("token", code.Token),
		slog.String("id", code.ID),
		slog.Any("error", err),
	)
	return m.insertOrUpdate(ctx, code)
}

func (m *Manager) optimisticUpdate(ctx context.Context, code *Code, trim bool) error {
	table := m.table(code)
	rows, err := m.store.UpdateRow(ctx, table, code.Token, code.ID, code.Fields, code.Conditions, trim)
	if err != nil {
		return fmt.Errorf("failed to update aggregation %s: %w", code.Key(), err)
	}

	if rows == 0 && !trim {
		m.logger.Warn("Aggregation update matched no rows, retrying with trimmed key",
			slog.String("table", table),
			slog.String("token", code.Token),
			slog.String("id", code.ID),
		)
		rows, err = m.store.UpdateRow(ctx, table, code.Token, code.ID, code.Fields, code.Conditions, true)
		if err != nil {
			return fmt.Errorf("failed to update aggregation %s: %w", code.Key(), err)
		}
	}

	if rows == 0 {
		return fmt.Errorf("%w: %s=%s", ErrNoRowsUpdated, code.Token, code.ID)
	}
	return nil
}

func (m *Manager) insertOrUpdate(ctx context.Context, code *Code) error {
	table := m.table(code)
	trim, found, err := m.locate(ctx, table, code)
	if err != nil {
		return err
	}

	if found {
		rows, err := m.store.UpdateRow(ctx, table, code.Token, code.ID, code.Fields, code.Conditions, trim)
		if err != nil {
			return fmt.Errorf("failed to update aggregation %s: %w", code.Key(), err)
		}
		if rows == 0 {
			return fmt.Errorf("%w: %s=%s", ErrNoRowsUpdated, code.Token, code.ID)
		}
		return nil
	}

	if _, err := m.store.InsertRow(ctx, table, code.Token, code.ID, code.Fields, false); err != nil {
		return fmt.Errorf("failed to insert aggregation %s: %w", code.Key(), err)
	}
	return nil
}

func (m *Manager) updateOrFail(ctx context.Context, code *Code) error {
	table := m.table(code)
	trim, found, err := m.locate(ctx, table, code)
	if err != nil {
		return err
	}
	if !found {
		return &FailureError{Token: code.Token, ID: code.ID}
	}

	rows, err := m.store.UpdateRow(ctx, table, code.Token, code.ID, code.Fields, code.Conditions, trim)
	if err != nil {
		return fmt.Errorf("failed to update aggregation %s: %w", code.Key(), err)
	}
	if rows == 0 {
		return &FailureError{Token: code.Token, ID: code.ID}
	}
	return nil
}

// Exists reports whether a row is on file for code
func (m *Manager) Exists(ctx context.Context, code *Code) (bool, error) {
	if code.IsEmpty() {
		return false, ErrEmptyCode
	}
	_, found, err := m.locate(ctx, m.table(code), code)
	return found, err
}

// locate checks existence untrimmed, then trimmed
func (m *Manager) locate(ctx context.Context, table string, code *Code) (trim bool, found bool, err error) {
	_, trim, err = m.read(ctx, table, code, nil)
	switch {
	case err == nil:
		return trim, true, nil
	case errors.Is(err, ErrNoRows):
		return false, false, nil
	default:
		return false, false, err
	}
}

// Read fills the values of code's fields in place. The untrimmed key is tried
// first; a miss is logged and retried once with trimming.
func (m *Manager) Read(ctx context.Context, code *Code) error {
	if code.IsEmpty() {
		return ErrEmptyCode
	}

	names := code.FieldNames()
	values, _, err := m.read(ctx, m.table(code), code, names)
	if err != nil {
		return err
	}
	if len(values) != len(names) {
		return fmt.Errorf("aggregation read %s returned %d values for %d fields", code.Key(), len(values), len(names))
	}
	for i := range values {
		code.Fields[i].Value = values[i]
	}
	return nil
}

func (m *Manager) read(ctx context.Context, table string, code *Code, names []string) ([]string, bool, error) {
	values, err := m.store.Read(ctx, table, code.Token, code.ID, names, false)
	if err == nil {
		return values, false, nil
	}
	if !errors.Is(err, ErrNoRows) {
		return nil, false, fmt.Errorf("failed to read aggregation %s: %w", code.Key(), err)
	}

	m.logger.Warn("Aggregation read found no rows, retrying with trimmed key",
		slog.String("table", table),
		slog.String("token", code.Token),
		slog.String("id", code.ID),
	)

	values, err = m.store.Read(ctx, table, code.Token, code.ID, names, true)
	if err != nil {
		if errors.Is(err, ErrNoRows) {
			return nil, false, fmt.Errorf("%w: %s=%s", ErrNoRows, code.Token, code.ID)
		}
		return nil, false, fmt.Errorf("failed to read aggregation %s: %w", code.Key(), err)
	}
	return values, true, nil
}
