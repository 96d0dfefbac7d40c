package worker

import (
	"context"
	"sort"
	"sync"

	"github.com/hyperengineering/fitsync/internal/types"
)

// Executor runs one scheduled task and returns the result stored on it.
type Executor interface {
	Execute(ctx context.Context, task types.ScheduledTask) (types.Data, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, task types.ScheduledTask) (types.Data, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, task types.ScheduledTask) (types.Data, error) {
	return f(ctx, task)
}

// Registry maps task types to their executors.
type Registry struct {
	mu        sync.RWMutex
	executors map[types.TaskType]Executor
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[types.TaskType]Executor)}
}

// Register adds the executor for tt.
// Panics if tt is unknown or already has an executor.
func (r *Registry) Register(tt types.TaskType, e Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !tt.Valid() {
		panic("unknown task type: " + string(tt))
	}
	if _, exists := r.executors[tt]; exists {
		panic("executor already registered: " + string(tt))
	}
	r.executors[tt] = e
}

// Get returns the executor for tt.
func (r *Registry) Get(tt types.TaskType) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.executors[tt]
	return e, ok
}

// RegisteredTypes returns the task types with an executor, sorted.
func (r *Registry) RegisteredTypes() []types.TaskType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]types.TaskType, 0, len(r.executors))
	for t := range r.executors {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
