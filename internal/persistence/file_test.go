package persistence_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/finchworks/aviary/internal/persistence"
)

// The file backend doubles as the operator's debugging surface, so the
// on-disk tree is part of the contract: agents/<name>/agent.json,
// tasks/<id>.json, inbox/pending/<id>.json, sessions/<id>/session.json.
func TestFileStore_OnDiskLayout(t *testing.T) {
	home := t.TempDir()
	store, err := persistence.Open(persistence.BackendFile, home, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()
	ctx := context.Background()

	if _, err := store.CreateAgent(ctx, persistence.Agent{Name: "scribe"}); err != nil {
		t.Fatalf("create agent: %v", err)
	}
	task, err := store.CreateTask(ctx, persistence.ScheduledTask{
		AgentName:     "scribe",
		Prompt:        "tick",
		ScheduleType:  persistence.ScheduleInterval,
		ScheduleValue: "60000",
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	msg, err := store.SendMessage(ctx, persistence.InboxMessage{
		FromAgent: "courier", ToAgent: "scribe", Message: "hi",
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	session, err := store.CreateSession(ctx, persistence.Session{AgentName: "scribe"})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if _, err := store.WriteTaskRun(ctx, "scribe", persistence.TaskRun{
		TaskID: task.ID, Status: persistence.RunStatusSuccess,
	}); err != nil {
		t.Fatalf("write run: %v", err)
	}

	for _, rel := range []string{
		filepath.Join("agents", "scribe", "agent.json"),
		filepath.Join("agents", "scribe", "tasks", task.ID+".json"),
		filepath.Join("agents", "scribe", "tasks", "runs.jsonl"),
		filepath.Join("agents", "scribe", "inbox", "pending", msg.ID+".json"),
		filepath.Join("agents", "scribe", "sessions", session.ID, "session.json"),
		filepath.Join("agents", "scribe", "workspace"),
	} {
		if _, err := os.Stat(filepath.Join(home, rel)); err != nil {
			t.Fatalf("expected %s on disk: %v", rel, err)
		}
	}

	// Records are plain JSON an operator can read and edit.
	raw, err := os.ReadFile(filepath.Join(home, "agents", "scribe", "agent.json"))
	if err != nil {
		t.Fatalf("read agent.json: %v", err)
	}
	var onDisk map[string]any
	if err := json.Unmarshal(raw, &onDisk); err != nil {
		t.Fatalf("agent.json is not valid JSON: %v", err)
	}
	if onDisk["name"] != "scribe" {
		t.Fatalf("unexpected agent.json contents: %s", raw)
	}
}

func TestFileStore_RejectsEscapingPaths(t *testing.T) {
	fs, err := persistence.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	defer fs.Close()
	ctx := context.Background()

	for _, collection := range []string{"../outside", "agents/../../etc", "a/./b", ""} {
		if err := fs.Put(ctx, collection, "key", []byte(`{}`)); err == nil {
			t.Fatalf("expected rejection of collection %q", collection)
		}
	}
	if err := fs.Put(ctx, "agents/scribe", "..", []byte(`{}`)); err == nil {
		t.Fatalf("expected rejection of key '..'")
	}
}

func TestFileStore_AppendProducesJSONLines(t *testing.T) {
	dir := t.TempDir()
	fs, err := persistence.NewFileStore(dir)
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	defer fs.Close()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := fs.Append(ctx, "agents/scribe/memory", "journal", []byte(`{"i":`+string(rune('0'+i))+`}`)); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	raw, err := os.ReadFile(filepath.Join(dir, "agents", "scribe", "memory", "journal.jsonl"))
	if err != nil {
		t.Fatalf("read journal: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %d: %q", len(lines), raw)
	}
	if lines[0] != `{"i":0}` || lines[2] != `{"i":2}` {
		t.Fatalf("unexpected journal lines: %q", lines)
	}
}
