package aggregation

import "context"

// Store is the persistence contract for correlation rows.
//
// Read returns the values of the named fields in the order requested, or
// ErrNoRows. An empty names slice is an existence check. When trim is set the
// token and id are compared after trimming surrounding whitespace.
type Store interface {
	Read(ctx context.Context, table, token, id string, names []string, trim bool) ([]string, error)
	InsertRow(ctx context.Context, table, token, id string, fields []Field, trim bool) (int64, error)
	UpdateRow(ctx context.Context, table, token, id string, fields, conditions []Field, trim bool) (int64, error)
}
