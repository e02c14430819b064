package model

import "context"

// RunScope carries the correlation identifiers of the stage being processed.
// It is immutable after construction.
type RunScope struct {
	WorkflowRunID string
	WorkflowID    string
	Stage         int
	ActionKind    string
}

type runScopeKey struct{}

// WithRunScope stores the scope in the context.
func WithRunScope(ctx context.Context, scope RunScope) context.Context {
	return context.WithValue(ctx, runScopeKey{}, &scope)
}

// RunScopeFrom returns the scope stored in the context, or nil.
func RunScopeFrom(ctx context.Context) *RunScope {
	s, _ := ctx.Value(runScopeKey{}).(*RunScope)
	return s
}
