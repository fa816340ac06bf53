// Package shared carries request-scoped identifiers through context and
// provides the secret-redaction helpers used by logging and the journal.
package shared

import (
	"context"

	"github.com/google/uuid"
)

type agentNameKey struct{}
type turnIDKey struct{}
type traceIDKey struct{}
type taskIDKey struct{}

// WithAgentName attaches the owning agent's name to the context.
func WithAgentName(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, agentNameKey{}, name)
}

// AgentName extracts the agent name from context. Returns "" if absent.
func AgentName(ctx context.Context) string {
	if v, ok := ctx.Value(agentNameKey{}).(string); ok {
		return v
	}
	return ""
}

// WithTurnID attaches a turn id to the context.
func WithTurnID(ctx context.Context, turnID string) context.Context {
	return context.WithValue(ctx, turnIDKey{}, turnID)
}

// TurnID extracts the turn id from context. Returns "" if absent.
func TurnID(ctx context.Context) string {
	if v, ok := ctx.Value(turnIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithTraceID attaches a trace id to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey{}, traceID)
}

// TraceID extracts the trace id from context. Returns "-" if absent so log
// lines always carry a value.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceIDKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// WithTaskID attaches a scheduled-task id to the context.
func WithTaskID(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, taskIDKey{}, taskID)
}

// TaskID extracts the scheduled-task id from context. Returns "" if absent.
func TaskID(ctx context.Context) string {
	if v, ok := ctx.Value(taskIDKey{}).(string); ok {
		return v
	}
	return ""
}

// NewTraceID generates a fresh trace id.
func NewTraceID() string {
	return uuid.NewString()
}

// NewTurnID generates a fresh turn id.
func NewTurnID() string {
	return uuid.NewString()
}
