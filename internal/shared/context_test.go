package shared

import (
	"context"
	"testing"
)

func TestAgentName_RoundTrip(t *testing.T) {
	ctx := context.Background()

	// Default is empty.
	if got := AgentName(ctx); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}

	ctx = WithAgentName(ctx, "scribe")
	if got := AgentName(ctx); got != "scribe" {
		t.Fatalf("expected scribe, got %q", got)
	}

	// Overwrite.
	ctx = WithAgentName(ctx, "archivist")
	if got := AgentName(ctx); got != "archivist" {
		t.Fatalf("expected archivist, got %q", got)
	}
}

func TestTurnID_RoundTrip(t *testing.T) {
	ctx := context.Background()
	if got := TurnID(ctx); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
	ctx = WithTurnID(ctx, "turn-42")
	if got := TurnID(ctx); got != "turn-42" {
		t.Fatalf("expected turn-42, got %q", got)
	}
}

func TestTraceID_DefaultDash(t *testing.T) {
	ctx := context.Background()
	if got := TraceID(ctx); got != "-" {
		t.Fatalf("expected '-', got %q", got)
	}
	ctx = WithTraceID(ctx, "abc123")
	if got := TraceID(ctx); got != "abc123" {
		t.Fatalf("expected abc123, got %q", got)
	}
}

func TestTaskID_RoundTrip(t *testing.T) {
	ctx := context.Background()
	if got := TaskID(ctx); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
	ctx = WithTaskID(ctx, "task-7")
	if got := TaskID(ctx); got != "task-7" {
		t.Fatalf("expected task-7, got %q", got)
	}
}

func TestNewTraceID_Unique(t *testing.T) {
	a := NewTraceID()
	b := NewTraceID()
	if a == "" || b == "" {
		t.Fatal("expected non-empty trace ids")
	}
	if a == b {
		t.Fatalf("expected unique trace ids, got %q twice", a)
	}
}

func TestNewTurnID_Unique(t *testing.T) {
	a := NewTurnID()
	b := NewTurnID()
	if a == "" || b == "" {
		t.Fatal("expected non-empty turn ids")
	}
	if a == b {
		t.Fatalf("expected unique turn ids, got %q twice", a)
	}
}
