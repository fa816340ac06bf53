package main

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/finchworks/aviary/internal/config"
	"github.com/finchworks/aviary/internal/persistence"
)

func TestEnsureAgents(t *testing.T) {
	store, err := persistence.Open(persistence.BackendFile, t.TempDir(), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	entries := []config.AgentEntry{
		{Name: "scribe", Description: "Keeps the notebooks.", Model: "sonnet"},
		{Name: "scout"},
		{Name: "Not A Valid Name"},
	}
	ensureAgents(context.Background(), store, entries, logger)

	agents, err := store.ListAgents(context.Background())
	if err != nil {
		t.Fatalf("list agents: %v", err)
	}
	if len(agents) != 2 {
		t.Fatalf("expected 2 agents (invalid name rejected), got %d", len(agents))
	}

	// A second pass must not overwrite live records.
	entries[0].Description = "changed"
	ensureAgents(context.Background(), store, entries, logger)

	scribe, err := store.GetAgent(context.Background(), "scribe")
	if err != nil {
		t.Fatalf("get scribe: %v", err)
	}
	if scribe.Description != "Keeps the notebooks." {
		t.Fatalf("description = %q, existing record must win", scribe.Description)
	}
	if scribe.Model != "sonnet" {
		t.Fatalf("model = %q, want sonnet", scribe.Model)
	}
}
