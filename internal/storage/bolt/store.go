// Package bolt keeps correlation rows in an embedded bbolt file. Each logical
// table is a bucket keyed by token and id.
package bolt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.etcd.io/bbolt"

	"github.com/cuongbtq/msgroute/internal/aggregation"
)

const keySeparator = "\x00"

// Store is an aggregation.Store over a bbolt database
type Store struct {
	db *bbolt.DB
}

// Open opens or creates the database at path
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o640, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open aggregation cache %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

func rowKey(token, id string) []byte {
	return []byte(token + keySeparator + id)
}

// find returns the keys of bucket b matching token and id
func find(b *bbolt.Bucket, token, id string, trim bool) [][]byte {
	if b == nil {
		return nil
	}
	if !trim {
		key := rowKey(token, id)
		if b.Get(key) == nil {
			return nil
		}
		return [][]byte{key}
	}

	token, id = strings.TrimSpace(token), strings.TrimSpace(id)
	var keys [][]byte
	c := b.Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		t, i, ok := bytes.Cut(k, []byte(keySeparator))
		if !ok {
			continue
		}
		if strings.TrimSpace(string(t)) == token && strings.TrimSpace(string(i)) == id {
			keys = append(keys, bytes.Clone(k))
		}
	}
	return keys
}

func decode(data []byte) (map[string]string, error) {
	fields := map[string]string{}
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("failed to decode aggregation row: %w", err)
	}
	return fields, nil
}

func (s *Store) Read(ctx context.Context, table, token, id string, names []string, trim bool) ([]string, error) {
	var values []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(table))
		keys := find(b, token, id, trim)
		if len(keys) == 0 {
			return aggregation.ErrNoRows
		}
		fields, err := decode(b.Get(keys[0]))
		if err != nil {
			return err
		}
		values = make([]string, len(names))
		for i, name := range names {
			values[i] = fields[name]
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return values, nil
}

// InsertRow adds a row unless the key already exists
func (s *Store) InsertRow(ctx context.Context, table, token, id string, fields []aggregation.Field, trim bool) (int64, error) {
	var n int64
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(table))
		if err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", table, err)
		}
		if len(find(b, token, id, trim)) > 0 {
			return nil
		}
		row := make(map[string]string, len(fields))
		for _, f := range fields {
			row[f.Name] = f.Value
		}
		data, err := json.Marshal(row)
		if err != nil {
			return fmt.Errorf("failed to encode aggregation row: %w", err)
		}
		n = 1
		return b.Put(rowKey(token, id), data)
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// UpdateRow merges fields into the matching rows whose values satisfy conditions
func (s *Store) UpdateRow(ctx context.Context, table, token, id string, fields, conditions []aggregation.Field, trim bool) (int64, error) {
	var n int64
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(table))
		for _, key := range find(b, token, id, trim) {
			row, err := decode(b.Get(key))
			if err != nil {
				return err
			}
			if !satisfies(row, conditions) {
				continue
			}
			for _, f := range fields {
				row[f.Name] = f.Value
			}
			data, err := json.Marshal(row)
			if err != nil {
				return fmt.Errorf("failed to encode aggregation row: %w", err)
			}
			if err := b.Put(key, data); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

func satisfies(row map[string]string, conditions []aggregation.Field) bool {
	for _, c := range conditions {
		if row[c.Name] != c.Value {
			return false
		}
	}
	return true
}

var _ aggregation.Store = (*Store)(nil)
