// Package cron drives background agent work: a polling driver that fires
// due scheduled tasks through the runtime pool, and a waker that runs a
// turn for agents when mail lands in their inbox.
package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"

	"github.com/finchworks/aviary/internal/agent"
	"github.com/finchworks/aviary/internal/bus"
	"github.com/finchworks/aviary/internal/engine"
	"github.com/finchworks/aviary/internal/memory"
	"github.com/finchworks/aviary/internal/otel"
	"github.com/finchworks/aviary/internal/persistence"
	"github.com/finchworks/aviary/internal/shared"
)

const (
	defaultInterval    = 30 * time.Second
	defaultParallelism = 4

	// finalizeTimeout bounds the run record write and schedule advance,
	// which run detached so shutdown cannot drop a finished run.
	finalizeTimeout = 30 * time.Second

	mainSessionTitle = "main"
)

// Config holds the dependencies for the due-task driver.
type Config struct {
	Store   *persistence.Store
	Pool    *agent.Pool
	Bus     *bus.Bus
	Logger  *slog.Logger
	Metrics *otel.Metrics
	Tracer  trace.Tracer

	// Interval is the due-scan tick; defaults to 30 seconds.
	Interval time.Duration
	// Parallelism caps concurrent task lanes per tick; defaults to 4.
	// Tasks of one agent always share a lane and run in due order.
	Parallelism int
}

// Driver periodically scans for due scheduled tasks and executes each one
// as a turn on the owning agent, recording a run and rolling the schedule
// forward. The store never self-triggers; this loop is the only mover.
type Driver struct {
	store   *persistence.Store
	pool    *agent.Pool
	bus     *bus.Bus
	logger  *slog.Logger
	metrics *otel.Metrics
	tracer  trace.Tracer

	interval    time.Duration
	parallelism int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDriver creates a Driver with the given config.
func NewDriver(cfg Config) *Driver {
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	parallelism := cfg.Parallelism
	if parallelism <= 0 {
		parallelism = defaultParallelism
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(otel.TracerName)
	}
	return &Driver{
		store:       cfg.Store,
		pool:        cfg.Pool,
		bus:         cfg.Bus,
		logger:      logger,
		metrics:     cfg.Metrics,
		tracer:      tracer,
		interval:    interval,
		parallelism: parallelism,
	}
}

// Start begins the driver loop in a background goroutine.
func (d *Driver) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	d.wg.Add(1)
	go d.loop(ctx)
	d.logger.Info("task driver started", "interval", d.interval, "parallelism", d.parallelism)
}

// Stop cancels the loop and waits for in-flight ticks to finish.
func (d *Driver) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
	d.logger.Info("task driver stopped")
}

func (d *Driver) loop(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	// Fire immediately on startup, then on each tick.
	d.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.tick(ctx)
		}
	}
}

// tick scans for due tasks and executes them: one lane per agent so an
// agent's tasks run in due order, lanes in parallel up to the cap.
func (d *Driver) tick(ctx context.Context) {
	ctx, span := otel.StartSpan(ctx, d.tracer, "driver.tick")
	defer span.End()

	now := time.Now().UTC()
	due, err := d.store.FindDueTasks(ctx, now)
	if err != nil {
		if ctx.Err() == nil {
			d.logger.Error("due-task scan failed", "error", err)
			span.RecordError(err)
		}
		return
	}
	span.SetAttributes(otel.AttrDueCount.Int(len(due)))
	if len(due) == 0 {
		return
	}

	lanes := make(map[string][]persistence.DueTask)
	var order []string
	for _, item := range due {
		if _, ok := lanes[item.AgentName]; !ok {
			order = append(order, item.AgentName)
		}
		lanes[item.AgentName] = append(lanes[item.AgentName], item)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.parallelism)
	for _, name := range order {
		lane := lanes[name]
		g.Go(func() error {
			for _, item := range lane {
				if gctx.Err() != nil {
					return nil
				}
				d.runTask(gctx, item)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// runTask executes one due task end to end: turn, run record, schedule
// advance, events. Failures are recorded, never propagated; one broken
// task must not take the tick down with it.
func (d *Driver) runTask(ctx context.Context, due persistence.DueTask) {
	task := due.Task
	ctx = shared.WithTaskID(shared.WithAgentName(ctx, due.AgentName), task.ID)
	logger := d.logger.With("agent", due.AgentName, "task_id", task.ID, "task_name", task.Name)

	ctx, span := otel.StartSpan(ctx, d.tracer, "task.run",
		otel.AttrAgentName.String(due.AgentName),
		otel.AttrTaskID.String(task.ID),
		otel.AttrScheduleKind.String(string(task.ScheduleType)),
	)
	defer span.End()

	attrs := metric.WithAttributes(otel.AttrAgentName.String(due.AgentName))
	if d.metrics != nil {
		d.metrics.TasksFired.Add(ctx, 1, attrs)
	}
	d.publish(bus.TopicTaskFired, bus.TaskRunEvent{TaskID: task.ID, Agent: due.AgentName})
	logger.Info("task fired", "schedule", task.ScheduleType, "context_mode", task.ContextMode)

	started := time.Now().UTC()
	result, runErr := d.execute(ctx, due)
	completed := time.Now().UTC()

	run := persistence.TaskRun{
		TaskID:      task.ID,
		Status:      persistence.RunStatusSuccess,
		DurationMs:  completed.Sub(started).Milliseconds(),
		StartedAt:   started,
		CompletedAt: completed,
	}
	if runErr != nil {
		run.Status = persistence.RunStatusError
		run.Error = runErr.Error()
	} else if result != nil {
		run.Result = result.Text
	}

	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	recorded, err := d.store.WriteTaskRun(fctx, due.AgentName, run)
	if err != nil {
		logger.Error("write task run failed", "error", err)
	}

	if errors.Is(runErr, engine.ErrCancelled) {
		// Shutdown raced the run; keep nextRun so the task re-fires.
		logger.Info("task run cancelled, schedule not advanced")
	} else {
		d.advance(fctx, due, completed, logger)
	}

	var runID string
	if recorded != nil {
		runID = recorded.ID
	}
	if runErr != nil {
		span.RecordError(runErr)
		if d.metrics != nil {
			d.metrics.TaskRunFailures.Add(ctx, 1, attrs)
		}
		d.publish(bus.TopicTaskFailed, bus.TaskRunEvent{TaskID: task.ID, Agent: due.AgentName, RunID: runID, Err: runErr.Error()})
		logger.Error("task run failed", "error", runErr, "duration_ms", run.DurationMs)
		return
	}
	d.publish(bus.TopicTaskCompleted, bus.TaskRunEvent{TaskID: task.ID, Agent: due.AgentName, RunID: runID})
	logger.Info("task run completed", "duration_ms", run.DurationMs)
}

// execute resolves the task's context mode and runs the turn.
func (d *Driver) execute(ctx context.Context, due persistence.DueTask) (*agent.TurnResult, error) {
	handle, err := d.pool.Get(ctx, due.AgentName)
	if err != nil {
		return nil, fmt.Errorf("acquire handle: %w", err)
	}

	req := agent.TurnRequest{
		Prompt:      due.Task.Prompt,
		SessionType: memory.SessionTask,
	}
	if due.Task.ContextMode == persistence.ContextMain {
		sessionID, err := d.mainSession(ctx, due.AgentName)
		if err != nil {
			return nil, fmt.Errorf("resolve main session: %w", err)
		}
		req.SessionID = sessionID
	}
	return handle.RunTurn(ctx, req, nil)
}

// mainSession finds or creates the agent's long-lived "main" conversation,
// shared by every task that opts into accumulated context.
func (d *Driver) mainSession(ctx context.Context, agentName string) (string, error) {
	sessions, err := d.store.ListSessions(ctx, agentName)
	if err != nil {
		return "", err
	}
	for _, s := range sessions {
		if s.Title == mainSessionTitle {
			return s.ID, nil
		}
	}
	created, err := d.store.CreateSession(ctx, persistence.Session{AgentName: agentName, Title: mainSessionTitle})
	if err != nil {
		return "", err
	}
	return created.ID, nil
}

// advance rolls the schedule forward after a run. The task is reloaded
// first: a concurrent edit to the schedule wins over the roll-forward, and
// a deleted task stays deleted.
func (d *Driver) advance(ctx context.Context, due persistence.DueTask, completed time.Time, logger *slog.Logger) {
	current, err := d.store.GetTask(ctx, due.AgentName, due.Task.ID)
	if err != nil {
		if !errors.Is(err, persistence.ErrNotFound) {
			logger.Error("reload task for schedule advance failed", "error", err)
		}
		return
	}
	if current.ScheduleType != due.Task.ScheduleType || current.ScheduleValue != due.Task.ScheduleValue {
		// Edited mid-run; the edit already recomputed nextRun.
		return
	}

	current.LastRun = &completed
	switch current.ScheduleType {
	case persistence.ScheduleOnce:
		current.Status = persistence.TaskStatusCompleted
		current.NextRun = nil
	default:
		next, err := persistence.ComputeNextRun(current.ScheduleType, current.ScheduleValue, completed)
		if err != nil {
			logger.Error("compute next run failed", "error", err)
			return
		}
		current.NextRun = &next
	}
	if _, err := d.store.UpdateTask(ctx, *current); err != nil {
		logger.Error("schedule advance failed", "error", err)
	}
}

func (d *Driver) publish(topic string, payload interface{}) {
	if d.bus != nil {
		d.bus.Publish(topic, payload)
	}
}
