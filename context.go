package cosched

import (
	"context"
)

// taskContextKey is the context key under which a running Task is
// stored.
type taskContextKey struct{}

func withTaskContext(ctx context.Context, task *Task) context.Context {
	return context.WithValue(ctx, taskContextKey{}, task)
}

// TaskFromContext returns the task whose body received ctx.
func TaskFromContext(ctx context.Context) (*Task, bool) {
	val, ok := ctx.Value(taskContextKey{}).(*Task)
	return val, ok
}

// MustTaskFromContext is TaskFromContext for callers that are known
// to run inside a task body. It panics otherwise.
func MustTaskFromContext(ctx context.Context) *Task {
	val, ok := TaskFromContext(ctx)
	if !ok {
		panic("cosched: task not found in context")
	}
	return val
}
