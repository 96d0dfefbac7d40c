package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/hyperengineering/fitsync/internal/validation"
)

// ActorHeader names the caller on whose behalf a request acts.
const ActorHeader = "X-Actor-ID"

// DefaultActor is recorded when a request names no actor.
const DefaultActor = "api"

// actorContextKey is the context key for the acting user or service.
type actorContextKey struct{}

// WithActor returns a new context with the actor attached.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

// ActorFromContext extracts the actor from the context.
// Returns DefaultActor if not present or empty.
func ActorFromContext(ctx context.Context) string {
	actor, ok := ctx.Value(actorContextKey{}).(string)
	if !ok || actor == "" {
		return DefaultActor
	}
	return actor
}

// actorOr returns explicit when set, else the request's actor.
func actorOr(ctx context.Context, explicit string) string {
	if explicit != "" {
		return explicit
	}
	return ActorFromContext(ctx)
}

// ActorMiddleware attaches the X-Actor-ID header to the request context.
// Malformed values are ignored.
func ActorMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor := strings.TrimSpace(r.Header.Get(ActorHeader))
		if actor != "" && validation.ValidateIdentifier(ActorHeader, actor, validation.MaxActorLength) == nil {
			r = r.WithContext(WithActor(r.Context(), actor))
		}
		next.ServeHTTP(w, r)
	})
}
