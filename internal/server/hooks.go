package server

import (
	"context"

	"github.com/ashita-ai/kiroku/internal/model"
)

// EventHook receives every derived event within the server layer.
// Defined here (not in the root kiroku package) to avoid a circular import:
// internal/server → kiroku → internal/server would be a cycle.
// The root kiroku package adapts its public hook interface onto this one.
//
// Hooks for one event run concurrently up to the registry's delivery limit.
// A hook error is logged and does not fail the originating translation.
type EventHook interface {
	OnEvent(ctx context.Context, sessionID string, ev model.StreamEvent) error
}

// EventHookFunc adapts a function to the EventHook interface.
type EventHookFunc func(ctx context.Context, sessionID string, ev model.StreamEvent) error

func (f EventHookFunc) OnEvent(ctx context.Context, sessionID string, ev model.StreamEvent) error {
	return f(ctx, sessionID, ev)
}
