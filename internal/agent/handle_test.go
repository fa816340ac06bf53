package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/finchworks/aviary/internal/bus"
	"github.com/finchworks/aviary/internal/engine"
	"github.com/finchworks/aviary/internal/memory"
	"github.com/finchworks/aviary/internal/persistence"
)

func successScript(engineSessionID, text string) []engine.Event {
	return []engine.Event{
		{Type: engine.EventSessionStarted, SessionStarted: &engine.SessionStartedEvent{SessionID: engineSessionID, Model: "sonnet"}},
		{Type: engine.EventTextDelta, TextDelta: &engine.TextDeltaEvent{Text: text}},
		{Type: engine.EventResult, Result: &engine.ResultEvent{Text: text, DurationMs: 1200, NumTurns: 1, CostUSD: 0.01}},
	}
}

func TestRunTurn_CompletesAndCommits(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	if _, err := store.CreateAgent(ctx, persistence.Agent{Name: "scribe", Description: "Keeps the notebooks."}); err != nil {
		t.Fatalf("create agent: %v", err)
	}
	session, err := store.CreateSession(ctx, persistence.Session{AgentName: "scribe", Title: "notes"})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	invoker := &engine.ScriptedInvoker{Script: successScript("eng-abc", "all done")}
	pool := NewPool(PoolConfig{Store: store, Invoker: invoker, Instructions: "Always be concise."})
	h, err := pool.Get(ctx, "scribe")
	if err != nil {
		t.Fatalf("get handle: %v", err)
	}

	var seen []engine.EventType
	result, err := h.RunTurn(ctx, TurnRequest{
		SessionID: session.ID,
		Prompt:    "summarize the notes",
	}, func(ev engine.Event) { seen = append(seen, ev.Type) })
	if err != nil {
		t.Fatalf("run turn: %v", err)
	}
	if result.Text != "all done" {
		t.Fatalf("result text = %q, want %q", result.Text, "all done")
	}
	if result.EngineSessionID != "eng-abc" {
		t.Fatalf("engine session = %q, want eng-abc", result.EngineSessionID)
	}
	if result.DurationMs != 1200 || result.NumTurns != 1 {
		t.Fatalf("result usage = %+v", result)
	}
	if len(seen) != 3 || seen[0] != engine.EventSessionStarted || seen[2] != engine.EventResult {
		t.Fatalf("events seen = %v", seen)
	}

	req := invoker.Requests()[0]
	if req.WorkingDir != h.Workspace() {
		t.Fatalf("working dir = %q, want %q", req.WorkingDir, h.Workspace())
	}
	if !strings.Contains(req.SystemPromptAppend, "scribe") ||
		!strings.Contains(req.SystemPromptAppend, "Keeps the notebooks.") ||
		!strings.Contains(req.SystemPromptAppend, "Always be concise.") {
		t.Fatalf("system prompt = %q", req.SystemPromptAppend)
	}
	if req.Tools.Memory {
		t.Fatal("memory tools offered without a memory service")
	}
	if len(req.Tools.Builtins) == 0 {
		t.Fatal("builtin tools missing from manifest")
	}

	reloaded, err := store.GetSession(ctx, "scribe", session.ID)
	if err != nil {
		t.Fatalf("reload session: %v", err)
	}
	if reloaded.EngineSessionID != "eng-abc" {
		t.Fatalf("stored engine session = %q, want eng-abc", reloaded.EngineSessionID)
	}
	if reloaded.MessageCount != 2 {
		t.Fatalf("message count = %d, want 2", reloaded.MessageCount)
	}
	msgs, err := store.GetSessionMessages(ctx, "scribe", session.ID)
	if err != nil {
		t.Fatalf("get messages: %v", err)
	}
	if msgs[0].Role != persistence.RoleUser || msgs[0].Content != "summarize the notes" {
		t.Fatalf("first message = %+v", msgs[0])
	}
	if msgs[1].Role != persistence.RoleAssistant || msgs[1].Content != "all done" {
		t.Fatalf("second message = %+v", msgs[1])
	}
}

func TestRunTurn_ArchivesDrainedInboxDespiteDelegationFailure(t *testing.T) {
	store := openTestStore(t)
	createTestAgent(t, store, "bot-a")
	createTestAgent(t, store, "bot-b")
	ctx := context.Background()

	if _, err := store.SendMessage(ctx, persistence.InboxMessage{FromAgent: "bot-a", ToAgent: "bot-b", Message: "ping"}); err != nil {
		t.Fatalf("send: %v", err)
	}

	invoker := &engine.ScriptedInvoker{FinalErr: &engine.DelegationError{Err: errors.New("engine exploded")}}
	pool := NewPool(PoolConfig{Store: store, Invoker: invoker})
	h, err := pool.Get(ctx, "bot-b")
	if err != nil {
		t.Fatalf("get handle: %v", err)
	}

	_, err = h.RunTurn(ctx, TurnRequest{Prompt: "respond to your messages"}, nil)
	var de *engine.DelegationError
	if !errors.As(err, &de) {
		t.Fatalf("turn error = %v, want delegation failure", err)
	}

	// The drained message was handed to the engine and must be archived
	// even though the engine never answered.
	reqs := invoker.Requests()
	if len(reqs) != 1 || !strings.Contains(reqs[0].Prompt, "ping") {
		t.Fatalf("engine prompt missing drained message: %+v", reqs)
	}
	pending, err := store.GetPending(ctx, "bot-b")
	if err != nil {
		t.Fatalf("get pending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("pending after failed turn = %d messages, want 0", len(pending))
	}
	archived, err := store.ListArchived(ctx, "bot-b")
	if err != nil {
		t.Fatalf("list archived: %v", err)
	}
	if len(archived) != 1 || archived[0].ClaimedBy != "bot-b" {
		t.Fatalf("archived = %+v, want one message claimed by bot-b", archived)
	}
}

func TestRunTurn_ComposeFailureLeavesNoResidue(t *testing.T) {
	store := openTestStore(t)
	createTestAgent(t, store, "scribe")
	ctx := context.Background()
	if _, err := store.SendMessage(ctx, persistence.InboxMessage{FromAgent: "scout", ToAgent: "scribe", Message: "hello"}); err != nil {
		t.Fatalf("send: %v", err)
	}

	invoker := &engine.ScriptedInvoker{Script: successScript("eng-abc", "unused")}
	pool := NewPool(PoolConfig{Store: store, Invoker: invoker})
	h, err := pool.Get(ctx, "scribe")
	if err != nil {
		t.Fatalf("get handle: %v", err)
	}

	_, err = h.RunTurn(ctx, TurnRequest{SessionID: "no-such-session", Prompt: "hi"}, nil)
	if !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
	if len(invoker.Requests()) != 0 {
		t.Fatal("engine must not be invoked when composing fails")
	}

	// Composing failures leave the mailbox untouched.
	pending, err := store.GetPending(ctx, "scribe")
	if err != nil {
		t.Fatalf("get pending: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending = %d, want 1", len(pending))
	}
}

func TestRunTurn_CancelStillArchives(t *testing.T) {
	store := openTestStore(t)
	createTestAgent(t, store, "scribe")
	ctx := context.Background()
	if _, err := store.SendMessage(ctx, persistence.InboxMessage{FromAgent: "scout", ToAgent: "scribe", Message: "urgent"}); err != nil {
		t.Fatalf("send: %v", err)
	}

	invoker := &engine.ScriptedInvoker{
		Script:    successScript("eng-abc", "never finishes"),
		StepDelay: 20 * time.Millisecond,
	}
	pool := NewPool(PoolConfig{Store: store, Invoker: invoker})
	h, err := pool.Get(ctx, "scribe")
	if err != nil {
		t.Fatalf("get handle: %v", err)
	}

	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var once sync.Once
	_, err = h.RunTurn(turnCtx, TurnRequest{Prompt: "long job"}, func(engine.Event) {
		once.Do(cancel)
	})
	if !errors.Is(err, engine.ErrCancelled) {
		t.Fatalf("error = %v, want ErrCancelled", err)
	}

	pending, err := store.GetPending(ctx, "scribe")
	if err != nil {
		t.Fatalf("get pending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("pending after cancelled turn = %d messages, want 0", len(pending))
	}
}

func TestRunTurn_ResumeLifecycle(t *testing.T) {
	store := openTestStore(t)
	createTestAgent(t, store, "scribe")
	ctx := context.Background()
	session, err := store.CreateSession(ctx, persistence.Session{AgentName: "scribe"})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	invoker := &engine.ScriptedInvoker{Script: successScript("eng-777", "first answer")}
	pool := NewPool(PoolConfig{Store: store, Invoker: invoker})
	h, err := pool.Get(ctx, "scribe")
	if err != nil {
		t.Fatalf("get handle: %v", err)
	}

	if _, err := h.RunTurn(ctx, TurnRequest{SessionID: session.ID, Prompt: "take notes"}, nil); err != nil {
		t.Fatalf("first turn: %v", err)
	}
	if _, err := h.RunTurn(ctx, TurnRequest{SessionID: session.ID, Prompt: "continue"}, nil); err != nil {
		t.Fatalf("second turn: %v", err)
	}

	reqs := invoker.Requests()
	if len(reqs) != 2 {
		t.Fatalf("requests = %d, want 2", len(reqs))
	}
	if reqs[0].ResumeSession != "" {
		t.Fatalf("first turn resume = %q, want empty", reqs[0].ResumeSession)
	}
	if reqs[1].ResumeSession != "eng-777" {
		t.Fatalf("second turn resume = %q, want eng-777", reqs[1].ResumeSession)
	}
	// A resumed engine session already carries the history.
	if strings.Contains(reqs[1].Prompt, "Conversation so far") {
		t.Fatal("resumed turn must not replay the transcript")
	}
}

func TestRunTurn_ReplaysTranscriptWithoutResumeHandle(t *testing.T) {
	store := openTestStore(t)
	createTestAgent(t, store, "scribe")
	ctx := context.Background()
	session, err := store.CreateSession(ctx, persistence.Session{AgentName: "scribe"})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	for _, msg := range []persistence.SessionMessage{
		{Role: persistence.RoleUser, Content: "the password is swordfish"},
		{Role: persistence.RoleAssistant, Content: "noted"},
	} {
		if err := store.AppendSessionMessage(ctx, "scribe", session.ID, msg); err != nil {
			t.Fatalf("append message: %v", err)
		}
	}

	invoker := &engine.ScriptedInvoker{Script: successScript("eng-abc", "swordfish")}
	pool := NewPool(PoolConfig{Store: store, Invoker: invoker})
	h, err := pool.Get(ctx, "scribe")
	if err != nil {
		t.Fatalf("get handle: %v", err)
	}
	if _, err := h.RunTurn(ctx, TurnRequest{SessionID: session.ID, Prompt: "what was the password?"}, nil); err != nil {
		t.Fatalf("run turn: %v", err)
	}

	req := invoker.Requests()[0]
	if req.ResumeSession != "" {
		t.Fatalf("resume = %q, want empty", req.ResumeSession)
	}
	if !strings.Contains(req.Prompt, "Conversation so far") || !strings.Contains(req.Prompt, "swordfish") {
		t.Fatalf("prompt missing replayed history: %q", req.Prompt)
	}
}

func TestRunTurn_IsolatedTurnHasNoTranscript(t *testing.T) {
	store := openTestStore(t)
	createTestAgent(t, store, "scribe")
	ctx := context.Background()

	invoker := &engine.ScriptedInvoker{Script: successScript("eng-abc", "done")}
	pool := NewPool(PoolConfig{Store: store, Invoker: invoker})
	h, err := pool.Get(ctx, "scribe")
	if err != nil {
		t.Fatalf("get handle: %v", err)
	}

	result, err := h.RunTurn(ctx, TurnRequest{Prompt: "one-off job"}, nil)
	if err != nil {
		t.Fatalf("run turn: %v", err)
	}
	if result.Text != "done" {
		t.Fatalf("result = %q, want done", result.Text)
	}

	sessions, err := store.ListSessions(ctx, "scribe")
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 0 {
		t.Fatalf("isolated turn created %d session(s)", len(sessions))
	}
}

func TestRunTurn_JournalsToMemory(t *testing.T) {
	store := openTestStore(t)
	createTestAgent(t, store, "scribe")
	ctx := context.Background()

	mem := memory.NewService(store, nil, nil, 0, "")
	invoker := &engine.ScriptedInvoker{Script: successScript("eng-abc", "archived the notes")}
	pool := NewPool(PoolConfig{Store: store, Invoker: invoker, Memory: mem})
	h, err := pool.Get(ctx, "scribe")
	if err != nil {
		t.Fatalf("get handle: %v", err)
	}

	if _, err := h.RunTurn(ctx, TurnRequest{Prompt: "tidy up", SessionType: memory.SessionTask}, nil); err != nil {
		t.Fatalf("run turn: %v", err)
	}
	mem.Wait()

	if !invoker.Requests()[0].Tools.Memory {
		t.Fatal("memory tools missing from manifest")
	}
	entries, err := store.ReadMemoryEntries(ctx, "scribe")
	if err != nil {
		t.Fatalf("read journal: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("journal entries = %d, want 1", len(entries))
	}
	entry := string(entries[0])
	if !strings.Contains(entry, "tidy up") || !strings.Contains(entry, `"session_type":"task"`) {
		t.Fatalf("journal entry = %s", entry)
	}
	if _, err := store.ReadMemoryIndex(ctx, "scribe"); err != nil {
		t.Fatalf("memory index not written: %v", err)
	}
}

func TestRunTurn_PublishesLifecycleEvents(t *testing.T) {
	store := openTestStore(t)
	createTestAgent(t, store, "scribe")
	ctx := context.Background()

	eventBus := bus.New()
	sub := eventBus.Subscribe("turn.")
	invoker := &engine.ScriptedInvoker{Script: successScript("eng-abc", "done")}
	pool := NewPool(PoolConfig{Store: store, Invoker: invoker, Bus: eventBus})
	h, err := pool.Get(ctx, "scribe")
	if err != nil {
		t.Fatalf("get handle: %v", err)
	}
	if _, err := h.RunTurn(ctx, TurnRequest{Prompt: "work"}, nil); err != nil {
		t.Fatalf("run turn: %v", err)
	}

	for _, want := range []string{bus.TopicTurnStarted, bus.TopicTurnCompleted} {
		select {
		case ev := <-sub.Ch():
			if ev.Topic != want {
				t.Fatalf("topic = %q, want %q", ev.Topic, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}
