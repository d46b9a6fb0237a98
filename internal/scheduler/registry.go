package scheduler

import (
	"fmt"
	"sync"

	"github.com/cuongbtq/msgroute/internal/scheduler/domain"
)

// Registry tracks keys owned by exactly one worker at a time
type Registry[K comparable, V any] struct {
	mu    sync.Mutex
	items map[K]V
}

// NewRegistry creates an empty registry
func NewRegistry[K comparable, V any]() *Registry[K, V] {
	return &Registry[K, V]{items: make(map[K]V)}
}

// Add claims key for value
func (r *Registry[K, V]) Add(key K, value V) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[key]; ok {
		return fmt.Errorf("%w: %v", domain.ErrDuplicateKey, key)
	}
	r.items[key] = value
	return nil
}

// Remove releases key and returns its value
func (r *Registry[K, V]) Remove(key K) (V, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	value, ok := r.items[key]
	if !ok {
		var zero V
		return zero, fmt.Errorf("%w: %v", domain.ErrMissingKey, key)
	}
	delete(r.items, key)
	return value, nil
}

// Get returns the value of key
func (r *Registry[K, V]) Get(key K) (V, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	value, ok := r.items[key]
	return value, ok
}

// Len returns the number of keys
func (r *Registry[K, V]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}
