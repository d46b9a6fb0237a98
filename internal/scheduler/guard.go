package scheduler

import (
	"sync"
	"sync/atomic"

	"github.com/cuongbtq/msgroute/internal/routing"
)

// Guard separates rule evaluation from schema reloads. Jobs evaluate under
// the read side; a reload takes the write side, so it waits for running jobs
// and new jobs wait for a pending reload.
type Guard struct {
	mu         sync.RWMutex
	serial     sync.Mutex
	schema     atomic.Pointer[routing.Schema]
	generation atomic.Int64
}

// Lease is the read side of the guard held by one job
type Lease struct {
	g      *Guard
	serial bool
}

// NewGuard creates a guard with no schema published
func NewGuard() *Guard {
	return &Guard{}
}

// Enter blocks until no reload is running or pending
func (g *Guard) Enter() *Lease {
	g.mu.RLock()
	return &Lease{g: g}
}

// Serialize makes the job the only non-parallel job evaluating
func (l *Lease) Serialize() {
	if !l.serial {
		l.g.serial.Lock()
		l.serial = true
	}
}

// Release gives the lease back
func (l *Lease) Release() {
	if l.serial {
		l.g.serial.Unlock()
		l.serial = false
	}
	l.g.mu.RUnlock()
}

// Current returns the published schema and its generation
func (g *Guard) Current() (*routing.Schema, int64) {
	return g.schema.Load(), g.generation.Load()
}

// Swap builds the next schema from the current one under the write side and
// publishes it. A failed build leaves the current schema in place.
func (g *Guard) Swap(build func(prev *routing.Schema) (*routing.Schema, error)) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	next, err := build(g.schema.Load())
	if err != nil {
		return err
	}
	g.schema.Store(next)
	g.generation.Add(1)
	return nil
}
