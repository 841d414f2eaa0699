package kiroku

import (
	"context"
	"net/http"
)

// EventHook receives every event derived by any session's translator.
// Multiple hooks may be registered via multiple WithEventHook calls.
//
// For one event, all hooks run concurrently up to the configured delivery
// limit, and the translation does not proceed to the next event until they
// return. A hook error is logged and never fails the translation.
type EventHook interface {
	OnEvent(ctx context.Context, sessionID string, ev StreamEvent) error
}

// Middleware wraps the root HTTP handler.
// Applied outermost (before routing), so it sees all requests including /health.
// Multiple middlewares are applied in registration order (first-registered = outermost).
type Middleware func(http.Handler) http.Handler
