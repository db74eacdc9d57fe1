package comux

import (
	"context"
)

type taskContextKey struct{}

func withTaskContext[In, Out any](ctx context.Context, task *Task[In, Out]) context.Context {
	return context.WithValue(ctx, taskContextKey{}, task)
}

// TaskFromContext returns the Task running with ctx, if its type
// parameters match.
func TaskFromContext[In, Out any](ctx context.Context) (*Task[In, Out], bool) {
	val, ok := ctx.Value(taskContextKey{}).(*Task[In, Out])
	return val, ok
}

// TaskBaseFromContext returns the task running with ctx regardless of
// its type parameters.
func TaskBaseFromContext(ctx context.Context) (TaskBase, bool) {
	val, ok := ctx.Value(taskContextKey{}).(TaskBase)
	return val, ok
}

// MustTaskBaseFromContext is TaskBaseFromContext, panicking if ctx
// carries no task.
func MustTaskBaseFromContext(ctx context.Context) TaskBase {
	val, ok := ctx.Value(taskContextKey{}).(TaskBase)
	if !ok {
		panic("comux: task base not found in context")
	}
	return val
}

// ChanFromContext returns the completion Chan of the schedule running
// the task in ctx. Producers started from a task use it to mint ids
// and Senders without knowing the schedule's type parameters.
func ChanFromContext(ctx context.Context) (*Chan, bool) {
	task, ok := TaskBaseFromContext(ctx)
	if !ok {
		return nil, false
	}
	return task.channel(), true
}

// AwaitContext suspends the task running with ctx until the stream
// for id ends. See Task.Await.
func AwaitContext(ctx context.Context, id RecvID) ([]*Node, error) {
	task := MustTaskBaseFromContext(ctx)
	if err := ctx.Err(); err != nil {
		return nil, context.Cause(ctx)
	}
	return task.await(id)
}
