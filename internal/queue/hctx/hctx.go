// Package hctx carries per-delivery state between the queue runtime and a
// stage handler.
package hctx

import "context"

// State holds delivery metadata the runtime exposes to handlers and the
// handler-provided values it captures after the handler returns.
type State struct {
	// Set by the runtime before the handler runs.
	ID    string
	Queue string
	Type  string
	Retry int

	// Set by the handler.
	Progress int
	Result   []byte
}

// New creates a fresh handler state container.
func New() *State { return &State{} }

type ctxKey struct{}

// WithState returns a child context carrying the given handler state.
func WithState(parent context.Context, s *State) context.Context {
	return context.WithValue(parent, ctxKey{}, s)
}

// From extracts the handler state from context if present.
func From(ctx context.Context) (*State, bool) {
	v := ctx.Value(ctxKey{})
	if v == nil {
		return nil, false
	}
	st, ok := v.(*State)
	return st, ok
}
