package scheduler

import "github.com/cuongbtq/msgroute/internal/routing"

// workerContext is the state one worker goroutine carries between jobs
type workerContext struct {
	name       string
	schema     *routing.Schema
	generation int64
}

func newWorkerContext(name string) *workerContext {
	return &workerContext{name: name, generation: -1}
}

// snapshot returns the schema the worker evaluates with, refreshed when a
// reload published a new generation. Callers hold a guard lease.
func (wc *workerContext) snapshot(g *Guard) *routing.Schema {
	schema, generation := g.Current()
	if generation != wc.generation {
		wc.schema = schema
		wc.generation = generation
	}
	return wc.schema
}
