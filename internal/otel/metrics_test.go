package otel

import (
	"context"
	"testing"
)

func TestNewMetrics_AllInstrumentsCreated(t *testing.T) {
	p, err := Init(context.Background(), Config{
		Enabled:  true,
		Exporter: "none",
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	if m.TurnDuration == nil {
		t.Error("TurnDuration is nil")
	}
	if m.TurnsCompleted == nil {
		t.Error("TurnsCompleted is nil")
	}
	if m.TurnErrors == nil {
		t.Error("TurnErrors is nil")
	}
	if m.DelegationDuration == nil {
		t.Error("DelegationDuration is nil")
	}
	if m.TasksFired == nil {
		t.Error("TasksFired is nil")
	}
	if m.TaskRunFailures == nil {
		t.Error("TaskRunFailures is nil")
	}
	if m.InboxDelivered == nil {
		t.Error("InboxDelivered is nil")
	}
	if m.InboxArchived == nil {
		t.Error("InboxArchived is nil")
	}
	if m.ActiveHandles == nil {
		t.Error("ActiveHandles is nil")
	}
	if m.HandleEvictions == nil {
		t.Error("HandleEvictions is nil")
	}
	if m.ReindexRuns == nil {
		t.Error("ReindexRuns is nil")
	}
}

func TestNewMetrics_NoopMeter(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics on noop meter: %v", err)
	}
	// Recording on noop instruments must not panic.
	m.TasksFired.Add(context.Background(), 1)
	m.TurnDuration.Record(context.Background(), 0.25)
}
