package shared

import (
	"context"

	"github.com/google/uuid"
)

type traceKey struct{}
type actorIDKey struct{}
type clientIDKey struct{}
type methodKey struct{}

// WithTraceID attaches a trace_id to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID extracts trace_id from context. Returns "-" if absent.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewTraceID generates a new trace_id.
func NewTraceID() string {
	return uuid.NewString()
}

// WithActorID attaches the acting identity to the context.
func WithActorID(ctx context.Context, actorID string) context.Context {
	return context.WithValue(ctx, actorIDKey{}, actorID)
}

// ActorID extracts actor_id from context. Returns "" if absent.
func ActorID(ctx context.Context) string {
	if v, ok := ctx.Value(actorIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithClientID attaches a client session id to the context.
func WithClientID(ctx context.Context, clientID string) context.Context {
	return context.WithValue(ctx, clientIDKey{}, clientID)
}

// ClientID extracts client_id from context. Returns "" if absent.
func ClientID(ctx context.Context) string {
	if v, ok := ctx.Value(clientIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithMethod attaches the request method to the context.
func WithMethod(ctx context.Context, method string) context.Context {
	return context.WithValue(ctx, methodKey{}, method)
}

// Method extracts the request method. Returns "" if absent.
func Method(ctx context.Context) string {
	if v, ok := ctx.Value(methodKey{}).(string); ok {
		return v
	}
	return ""
}

// NewClientID generates a new client session id.
func NewClientID() string {
	return uuid.NewString()
}
