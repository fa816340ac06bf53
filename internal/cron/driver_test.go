package cron_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/finchworks/aviary/internal/agent"
	"github.com/finchworks/aviary/internal/bus"
	"github.com/finchworks/aviary/internal/cron"
	"github.com/finchworks/aviary/internal/engine"
	"github.com/finchworks/aviary/internal/persistence"
)

// waitFor polls check at short intervals until it returns true or the
// deadline elapses. This avoids fixed sleeps that cause flaky tests.
func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func openTestStore(t *testing.T, eventBus *bus.Bus) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(persistence.BackendFile, t.TempDir(), eventBus)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func createAgent(t *testing.T, store *persistence.Store, name string) {
	t.Helper()
	if _, err := store.CreateAgent(context.Background(), persistence.Agent{Name: name}); err != nil {
		t.Fatalf("create agent %s: %v", name, err)
	}
}

func newTestPool(store *persistence.Store, invoker engine.Invoker) *agent.Pool {
	return agent.NewPool(agent.PoolConfig{Store: store, Invoker: invoker})
}

func successScript(text string) []engine.Event {
	return []engine.Event{
		{Type: engine.EventSessionStarted, SessionStarted: &engine.SessionStartedEvent{SessionID: "eng-1"}},
		{Type: engine.EventResult, Result: &engine.ResultEvent{Text: text}},
	}
}

// createOnceTask inserts a one-shot task whose fire time is long past, so
// it is due on the driver's first scan.
func createOnceTask(t *testing.T, store *persistence.Store, agentName, prompt string, mode persistence.ContextMode) *persistence.ScheduledTask {
	t.Helper()
	task, err := store.CreateTask(context.Background(), persistence.ScheduledTask{
		AgentName:     agentName,
		Name:          "test-" + t.Name(),
		Prompt:        prompt,
		ScheduleType:  persistence.ScheduleOnce,
		ScheduleValue: "2020-01-02T03:04:05Z",
		ContextMode:   mode,
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

func TestDriver_FiresDueTaskAndRetiresOnce(t *testing.T) {
	store := openTestStore(t, nil)
	createAgent(t, store, "reporter")
	task := createOnceTask(t, store, "reporter", "compile the daily report", persistence.ContextIsolated)

	invoker := &engine.ScriptedInvoker{Script: successScript("report compiled")}
	driver := cron.NewDriver(cron.Config{
		Store:    store,
		Pool:     newTestPool(store, invoker),
		Interval: 50 * time.Millisecond,
	})
	ctx := context.Background()
	driver.Start(ctx)
	defer driver.Stop()

	var runs []persistence.TaskRun
	waitFor(t, 3*time.Second, func() bool {
		var err error
		runs, err = store.ListTaskRuns(ctx, "reporter", task.ID)
		return err == nil && len(runs) > 0
	})

	run := runs[0]
	if run.Status != persistence.RunStatusSuccess {
		t.Fatalf("run status = %s, want success", run.Status)
	}
	if run.Result != "report compiled" {
		t.Fatalf("run result = %q", run.Result)
	}
	if run.CompletedAt.Before(run.StartedAt) {
		t.Fatalf("completed %v before started %v", run.CompletedAt, run.StartedAt)
	}

	// A one-shot schedule retires after its run.
	waitFor(t, 3*time.Second, func() bool {
		reloaded, err := store.GetTask(ctx, "reporter", task.ID)
		return err == nil && reloaded.Status == persistence.TaskStatusCompleted
	})
	reloaded, err := store.GetTask(ctx, "reporter", task.ID)
	if err != nil {
		t.Fatalf("reload task: %v", err)
	}
	if reloaded.NextRun != nil {
		t.Fatalf("completed task still has nextRun %v", reloaded.NextRun)
	}
	if reloaded.LastRun == nil {
		t.Fatal("lastRun not stamped")
	}

	reqs := invoker.Requests()
	if len(reqs) != 1 || !strings.Contains(reqs[0].Prompt, "compile the daily report") {
		t.Fatalf("engine requests = %+v", reqs)
	}
}

func TestDriver_IntervalTaskKeepsFiring(t *testing.T) {
	store := openTestStore(t, nil)
	createAgent(t, store, "poller")
	ctx := context.Background()
	task, err := store.CreateTask(ctx, persistence.ScheduledTask{
		AgentName:     "poller",
		Prompt:        "poll the feeds",
		ScheduleType:  persistence.ScheduleInterval,
		ScheduleValue: "100",
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	invoker := &engine.ScriptedInvoker{Script: successScript("ok")}
	driver := cron.NewDriver(cron.Config{
		Store:    store,
		Pool:     newTestPool(store, invoker),
		Interval: 50 * time.Millisecond,
	})
	driver.Start(ctx)
	defer driver.Stop()

	waitFor(t, 5*time.Second, func() bool {
		runs, err := store.ListTaskRuns(ctx, "poller", task.ID)
		return err == nil && len(runs) >= 2
	})

	reloaded, err := store.GetTask(ctx, "poller", task.ID)
	if err != nil {
		t.Fatalf("reload task: %v", err)
	}
	if reloaded.Status != persistence.TaskStatusActive {
		t.Fatalf("task status = %s, want active", reloaded.Status)
	}
	if reloaded.NextRun == nil || reloaded.LastRun == nil {
		t.Fatalf("schedule not rolled forward: %+v", reloaded)
	}
	if !reloaded.NextRun.After(*reloaded.LastRun) {
		t.Fatalf("nextRun %v not after lastRun %v", reloaded.NextRun, reloaded.LastRun)
	}
}

func TestDriver_FailedRunAdvancesSchedule(t *testing.T) {
	eventBus := bus.New()
	sub := eventBus.Subscribe(bus.TopicTaskFailed)
	store := openTestStore(t, nil)
	createAgent(t, store, "flaky")
	ctx := context.Background()
	task, err := store.CreateTask(ctx, persistence.ScheduledTask{
		AgentName:     "flaky",
		Prompt:        "doomed",
		ScheduleType:  persistence.ScheduleInterval,
		ScheduleValue: "100",
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	invoker := &engine.ScriptedInvoker{FinalErr: &engine.DelegationError{Err: errors.New("engine down")}}
	driver := cron.NewDriver(cron.Config{
		Store:    store,
		Pool:     newTestPool(store, invoker),
		Bus:      eventBus,
		Interval: 50 * time.Millisecond,
	})
	driver.Start(ctx)
	defer driver.Stop()

	var runs []persistence.TaskRun
	waitFor(t, 5*time.Second, func() bool {
		var err error
		runs, err = store.ListTaskRuns(ctx, "flaky", task.ID)
		return err == nil && len(runs) >= 2
	})

	if runs[0].Status != persistence.RunStatusError {
		t.Fatalf("run status = %s, want error", runs[0].Status)
	}
	if !strings.Contains(runs[0].Error, "engine down") {
		t.Fatalf("run error = %q", runs[0].Error)
	}
	if runs[0].Result != "" {
		t.Fatalf("failed run has result %q", runs[0].Result)
	}

	// Failures retry on the next cycle, not immediately.
	reloaded, err := store.GetTask(ctx, "flaky", task.ID)
	if err != nil {
		t.Fatalf("reload task: %v", err)
	}
	if reloaded.NextRun == nil || reloaded.LastRun == nil || !reloaded.NextRun.After(*reloaded.LastRun) {
		t.Fatalf("failed run did not advance schedule: %+v", reloaded)
	}

	select {
	case ev := <-sub.Ch():
		failed, ok := ev.Payload.(bus.TaskRunEvent)
		if !ok || failed.TaskID != task.ID || !strings.Contains(failed.Err, "engine down") {
			t.Fatalf("task.failed payload = %+v", ev.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for task.failed event")
	}
}

func TestDriver_ShutdownMidRunLeavesScheduleDue(t *testing.T) {
	store := openTestStore(t, nil)
	createAgent(t, store, "slowpoke")
	task := createOnceTask(t, store, "slowpoke", "long haul", persistence.ContextIsolated)

	invoker := &engine.ScriptedInvoker{Script: successScript("never delivered"), StepDelay: 100 * time.Millisecond}
	driver := cron.NewDriver(cron.Config{
		Store:    store,
		Pool:     newTestPool(store, invoker),
		Interval: 20 * time.Millisecond,
	})
	ctx := context.Background()
	driver.Start(ctx)
	waitFor(t, 3*time.Second, func() bool { return len(invoker.Requests()) > 0 })
	driver.Stop()

	runs, err := store.ListTaskRuns(ctx, "slowpoke", task.ID)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("runs = %d, want 1", len(runs))
	}
	if runs[0].Status != persistence.RunStatusError {
		t.Fatalf("run status = %s, want error", runs[0].Status)
	}

	// A run cut short by shutdown re-fires after restart.
	reloaded, err := store.GetTask(ctx, "slowpoke", task.ID)
	if err != nil {
		t.Fatalf("reload task: %v", err)
	}
	if reloaded.Status != persistence.TaskStatusActive {
		t.Fatalf("task status = %s, want active", reloaded.Status)
	}
	if reloaded.NextRun == nil {
		t.Fatal("cancelled run must keep nextRun")
	}
}

func TestDriver_MainContextModeSharesOneSession(t *testing.T) {
	store := openTestStore(t, nil)
	createAgent(t, store, "analyst")
	ctx := context.Background()
	morning := createOnceTask(t, store, "analyst", "morning brief", persistence.ContextMain)
	evening := createOnceTask(t, store, "analyst", "evening brief", persistence.ContextMain)

	invoker := &engine.ScriptedInvoker{Script: successScript("briefed")}
	driver := cron.NewDriver(cron.Config{
		Store:    store,
		Pool:     newTestPool(store, invoker),
		Interval: 50 * time.Millisecond,
	})
	driver.Start(ctx)
	defer driver.Stop()

	waitFor(t, 5*time.Second, func() bool {
		for _, id := range []string{morning.ID, evening.ID} {
			reloaded, err := store.GetTask(ctx, "analyst", id)
			if err != nil || reloaded.Status != persistence.TaskStatusCompleted {
				return false
			}
		}
		return true
	})

	sessions, err := store.ListSessions(ctx, "analyst")
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("sessions = %d, want one shared main session", len(sessions))
	}
	if sessions[0].Title != "main" {
		t.Fatalf("session title = %q, want main", sessions[0].Title)
	}
	if sessions[0].MessageCount != 4 {
		t.Fatalf("message count = %d, want 4 (two prompted turns)", sessions[0].MessageCount)
	}
}
