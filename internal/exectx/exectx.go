// Package exectx carries the task-local execution context that is
// entered before every method handler invocation: an execution id and
// the invoking node's authentication context, retrievable by any
// downstream code without explicit parameter threading.
package exectx

import "context"

// key is an unexported type so values stored under it cannot collide
// with keys set by other packages, per the standard context.WithValue
// convention.
type key struct{}

var execKey key

// ExecContext is the value installed for the duration of one method
// handler invocation.
type ExecContext struct {
	ExecutionId string
	NodeId      string
	NodeContext map[string]any
}

// With returns a derived context carrying ec. Each call installs an
// independent value; concurrent method calls on different contexts
// never observe each other's ExecContext.
func With(parent context.Context, ec ExecContext) context.Context {
	return context.WithValue(parent, execKey, ec)
}

// From retrieves the ExecContext installed by With, and false if none
// is present on ctx.
func From(ctx context.Context) (ExecContext, bool) {
	ec, ok := ctx.Value(execKey).(ExecContext)
	return ec, ok
}

// ExecutionId returns the execution id on ctx, or "" if none is
// present.
func ExecutionId(ctx context.Context) string {
	ec, ok := From(ctx)
	if !ok {
		return ""
	}
	return ec.ExecutionId
}
