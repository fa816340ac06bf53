//go:build ignore

// daemon_smoke is a standalone end-to-end check of the aviaryd turn
// pipeline. It builds the daemon binary, seeds a scratch home with one
// agent and a past-due one-shot task, points the engine at a stub script
// that speaks stream-json, starts the daemon, and verifies that:
//   - The driver fires the task and the run completes with the stub's result
//   - The one-shot schedule rolls to completed and never re-fires
//   - The engine session id from the init event lands on the session record
//   - SIGTERM shuts the daemon down cleanly (exit 0)
//
// Usage:
//
//	go run ./tools/verify/daemon_smoke/
package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/finchworks/aviary/internal/persistence"
)

const (
	agentName        = "courier"
	stubResult       = "errands complete"
	stubEngineSessID = "smoke-engine-session"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "FAIL: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("VERDICT PASS (daemon_smoke)")
}

func run() error {
	ctx := context.Background()

	// 1. Build the aviaryd binary.
	root := moduleRoot()
	binDir, err := os.MkdirTemp("", "daemon-smoke-bin-*")
	if err != nil {
		return fmt.Errorf("mktemp bin: %w", err)
	}
	defer os.RemoveAll(binDir)
	binPath := filepath.Join(binDir, "aviaryd")

	fmt.Println("BUILD aviaryd binary...")
	build := exec.Command("go", "build", "-o", binPath, "./cmd/aviaryd")
	build.Dir = root
	build.Stdout = os.Stdout
	build.Stderr = os.Stderr
	if err := build.Run(); err != nil {
		return fmt.Errorf("build binary: %w", err)
	}

	// 2. Create a scratch AVIARY_HOME with a stub engine and fast polling.
	home, err := os.MkdirTemp("", "daemon-smoke-home-*")
	if err != nil {
		return fmt.Errorf("mktemp home: %w", err)
	}
	defer os.RemoveAll(home)

	stubPath := filepath.Join(home, "stub-engine.sh")
	stub := "#!/bin/sh\n" +
		`echo '{"type":"system","subtype":"init","session_id":"` + stubEngineSessID + `","model":"stub"}'` + "\n" +
		`echo '{"type":"assistant","subtype":"text","text":"On it."}'` + "\n" +
		`echo '{"type":"result","subtype":"success","result":"` + stubResult + `","is_error":false,"duration_ms":42,"num_turns":1,"cost_usd":0.0001}'` + "\n"
	if err := os.WriteFile(stubPath, []byte(stub), 0o755); err != nil {
		return fmt.Errorf("write stub engine: %w", err)
	}

	configYAML := fmt.Sprintf(
		"log_level: debug\nbackend: file\nengine:\n  command: %q\n  timeout_seconds: 30\nscheduler:\n  poll_interval_seconds: 1\n  parallelism: 2\n",
		stubPath)
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(configYAML), 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	// 3. Seed the store: one agent, one already-due one-shot task.
	seed, err := persistence.Open(persistence.BackendFile, home, nil)
	if err != nil {
		return fmt.Errorf("open store for seeding: %w", err)
	}
	if _, err := seed.CreateAgent(ctx, persistence.Agent{Name: agentName}); err != nil {
		seed.Close()
		return fmt.Errorf("create agent: %w", err)
	}
	due := time.Now().UTC().Add(-time.Minute).Format(time.RFC3339)
	task, err := seed.CreateTask(ctx, persistence.ScheduledTask{
		AgentName:     agentName,
		Name:          "smoke-errand",
		Prompt:        "Run the morning errands.",
		ScheduleType:  persistence.ScheduleOnce,
		ScheduleValue: due,
	})
	if err != nil {
		seed.Close()
		return fmt.Errorf("create task: %w", err)
	}
	seed.Close()
	fmt.Printf("SEEDED agent %s with once task %s (due %s)\n", agentName, task.ID, due)

	// 4. Start the daemon.
	fmt.Println("START daemon...")
	daemon := exec.Command(binPath)
	daemon.Env = daemonEnv(home)
	daemon.Stdout = os.Stdout
	daemon.Stderr = os.Stderr
	if err := daemon.Start(); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}
	exited := make(chan error, 1)
	go func() { exited <- daemon.Wait() }()

	stopped := false
	defer func() {
		if stopped {
			return
		}
		_ = daemon.Process.Signal(os.Interrupt)
		select {
		case <-exited:
		case <-time.After(5 * time.Second):
			_ = daemon.Process.Kill()
			<-exited
		}
	}()

	// 5. Wait for the driver to fire the task and roll the schedule.
	fmt.Println("WAIT for task completion...")
	store, err := persistence.Open(persistence.BackendFile, home, nil)
	if err != nil {
		return fmt.Errorf("open store for polling: %w", err)
	}
	defer store.Close()

	if err := waitTaskCompleted(ctx, store, task.ID, exited, 20*time.Second); err != nil {
		return err
	}
	fmt.Println("TASK completed")

	// 6. Verify the run record carries the stub engine's result.
	runs, err := store.ListTaskRuns(ctx, agentName, task.ID)
	if err != nil {
		return fmt.Errorf("list task runs: %w", err)
	}
	if len(runs) != 1 {
		return fmt.Errorf("expected 1 task run, got %d", len(runs))
	}
	fmt.Printf("RUN %s status=%s result=%q\n", runs[0].ID, runs[0].Status, runs[0].Result)
	if runs[0].Status != persistence.RunStatusSuccess {
		return fmt.Errorf("expected run status %s, got %s (error=%q)",
			persistence.RunStatusSuccess, runs[0].Status, runs[0].Error)
	}
	if !strings.Contains(runs[0].Result, stubResult) {
		return fmt.Errorf("run result %q does not contain %q", runs[0].Result, stubResult)
	}

	// 7. Verify the schedule rolled: completed, nextRun cleared, lastRun set.
	rolled, err := store.GetTask(ctx, agentName, task.ID)
	if err != nil {
		return fmt.Errorf("reload task: %w", err)
	}
	if rolled.Status != persistence.TaskStatusCompleted {
		return fmt.Errorf("expected task status %s, got %s", persistence.TaskStatusCompleted, rolled.Status)
	}
	if rolled.NextRun != nil {
		return fmt.Errorf("expected nextRun cleared after one-shot run, got %v", rolled.NextRun)
	}
	if rolled.LastRun == nil {
		return fmt.Errorf("expected lastRun set after run")
	}

	// 8. Verify the engine session id was captured on the session record.
	sessions, err := store.ListSessions(ctx, agentName)
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}
	found := false
	for _, s := range sessions {
		if s.EngineSessionID == stubEngineSessID {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("no session carries engine session id %q (%d session(s))", stubEngineSessID, len(sessions))
	}
	fmt.Printf("SESSION engine id %s recorded\n", stubEngineSessID)

	// 9. SIGTERM and verify a clean exit.
	fmt.Println("SIGTERM daemon...")
	if err := daemon.Process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("sigterm: %w", err)
	}
	select {
	case err := <-exited:
		stopped = true
		if err != nil {
			return fmt.Errorf("daemon exit after SIGTERM: %v", err)
		}
	case <-time.After(10 * time.Second):
		return fmt.Errorf("daemon did not exit within 10s of SIGTERM")
	}
	fmt.Println("DAEMON exited cleanly")

	fmt.Println("ALL CHECKS PASSED")
	return nil
}

// waitTaskCompleted polls the task record until the driver marks it
// completed. The daemon process exiting while we wait fails immediately
// rather than burning the whole timeout; the exit value is re-buffered so
// the cleanup path can still observe it.
func waitTaskCompleted(ctx context.Context, store *persistence.Store, taskID string, exited chan error, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		select {
		case err := <-exited:
			exited <- err
			return fmt.Errorf("daemon exited before completing the task: %v", err)
		case <-time.After(200 * time.Millisecond):
		}
		task, err := store.GetTask(ctx, agentName, taskID)
		if err != nil {
			continue
		}
		if task.Status == persistence.TaskStatusCompleted {
			return nil
		}
	}
	return fmt.Errorf("task %s not completed after %v", taskID, timeout)
}

func moduleRoot() string {
	out, err := exec.Command("go", "env", "GOMOD").Output()
	if err != nil {
		fmt.Fprintf(os.Stderr, "go env GOMOD: %v\n", err)
		os.Exit(1)
	}
	gomod := strings.TrimSpace(string(out))
	if gomod == "" || gomod == os.DevNull {
		fmt.Fprintln(os.Stderr, "go env GOMOD returned empty; expected path to go.mod")
		os.Exit(1)
	}
	return filepath.Dir(gomod)
}

// daemonEnv scrubs AVIARY_* overrides from the inherited environment so the
// drill's config is the only one in effect. Go children resolve duplicate
// env keys to the first occurrence, so appending alone cannot override.
func daemonEnv(home string) []string {
	env := make([]string, 0, len(os.Environ())+1)
	for _, kv := range os.Environ() {
		if strings.HasPrefix(kv, "AVIARY_") {
			continue
		}
		env = append(env, kv)
	}
	return append(env, "AVIARY_HOME="+home)
}
