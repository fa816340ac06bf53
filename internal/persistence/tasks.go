package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// CreateTask validates the schedule and persists a new task with
// status=active and nextRun computed. The owning agent must exist.
func (s *Store) CreateTask(ctx context.Context, task ScheduledTask) (*ScheduledTask, error) {
	if _, err := s.GetAgent(ctx, task.AgentName); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	next, err := ComputeNextRun(task.ScheduleType, task.ScheduleValue, now)
	if err != nil {
		return nil, err
	}

	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.ContextMode == "" {
		task.ContextMode = ContextIsolated
	}
	task.Status = TaskStatusActive
	task.NextRun = &next
	task.LastRun = nil
	task.CreatedAt = now

	value, err := json.Marshal(task)
	if err != nil {
		return nil, fmt.Errorf("marshal task: %w", err)
	}
	if err := s.rs.Create(ctx, tasksCollection(task.AgentName), task.ID, value); err != nil {
		return nil, err
	}
	return &task, nil
}

// GetTask returns a task by agent and id, or ErrNotFound.
func (s *Store) GetTask(ctx context.Context, agentName, taskID string) (*ScheduledTask, error) {
	value, err := s.rs.Get(ctx, tasksCollection(agentName), taskID)
	if err != nil {
		return nil, err
	}
	var task ScheduledTask
	if err := json.Unmarshal(value, &task); err != nil {
		return nil, fmt.Errorf("unmarshal task %q: %w", taskID, err)
	}
	return &task, nil
}

// ListTasksByAgent returns the agent's tasks sorted by creation time.
func (s *Store) ListTasksByAgent(ctx context.Context, agentName string) ([]ScheduledTask, error) {
	keys, err := s.rs.ListKeys(ctx, tasksCollection(agentName))
	if err != nil {
		return nil, err
	}
	var tasks []ScheduledTask
	for _, key := range keys {
		task, err := s.GetTask(ctx, agentName, key)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *task)
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].CreatedAt.Before(tasks[j].CreatedAt) })
	return tasks, nil
}

// UpdateTask writes the task back. NextRun is recomputed only when the
// schedule type or value changed; otherwise the caller's nextRun/lastRun
// stand as provided, which is how the due-task driver rolls a schedule
// forward after a run. Identity fields (id, agent, createdAt) are preserved
// from the stored record.
func (s *Store) UpdateTask(ctx context.Context, task ScheduledTask) (*ScheduledTask, error) {
	existing, err := s.GetTask(ctx, task.AgentName, task.ID)
	if err != nil {
		return nil, err
	}

	if task.ScheduleType != existing.ScheduleType || task.ScheduleValue != existing.ScheduleValue {
		next, err := ComputeNextRun(task.ScheduleType, task.ScheduleValue, time.Now().UTC())
		if err != nil {
			return nil, err
		}
		task.NextRun = &next
	}
	task.CreatedAt = existing.CreatedAt

	value, err := json.Marshal(task)
	if err != nil {
		return nil, fmt.Errorf("marshal task: %w", err)
	}
	if err := s.rs.Put(ctx, tasksCollection(task.AgentName), task.ID, value); err != nil {
		return nil, err
	}
	return &task, nil
}

// DeleteTask removes a task definition. Run records stay in the log.
func (s *Store) DeleteTask(ctx context.Context, agentName, taskID string) error {
	return s.rs.Delete(ctx, tasksCollection(agentName), taskID)
}

// FindDueTasks scans every agent's active tasks and returns those with
// nextRun <= now, earliest first so backlog cannot starve the oldest due
// task. The store never self-triggers; the driver polls this and rolls
// nextRun forward after executing.
func (s *Store) FindDueTasks(ctx context.Context, now time.Time) ([]DueTask, error) {
	names, err := s.rs.ListCollections(ctx, agentsTreeName)
	if err != nil {
		return nil, err
	}
	var due []DueTask
	for _, name := range names {
		tasks, err := s.ListTasksByAgent(ctx, name)
		if err != nil {
			return nil, err
		}
		for _, task := range tasks {
			if task.Status != TaskStatusActive || task.NextRun == nil {
				continue
			}
			if task.NextRun.After(now) {
				continue
			}
			due = append(due, DueTask{AgentName: name, Task: task})
		}
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].Task.NextRun.Before(*due[j].Task.NextRun)
	})
	return due, nil
}

// WriteTaskRun appends a run record to the agent's run log. It never mutates
// the originating task; interpreting the outcome (whether a failed run
// advances the schedule) is the driver's decision.
func (s *Store) WriteTaskRun(ctx context.Context, agentName string, run TaskRun) (*TaskRun, error) {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	value, err := json.Marshal(run)
	if err != nil {
		return nil, fmt.Errorf("marshal task run: %w", err)
	}
	if err := s.rs.Append(ctx, tasksCollection(agentName), taskRunsLogKey, value); err != nil {
		return nil, err
	}
	return &run, nil
}

// ListTaskRuns returns the run records for one task in append order.
func (s *Store) ListTaskRuns(ctx context.Context, agentName, taskID string) ([]TaskRun, error) {
	entries, err := s.rs.ReadLog(ctx, tasksCollection(agentName), taskRunsLogKey)
	if err != nil {
		return nil, err
	}
	var runs []TaskRun
	for _, entry := range entries {
		var run TaskRun
		if err := json.Unmarshal(entry, &run); err != nil {
			return nil, fmt.Errorf("unmarshal task run: %w", err)
		}
		if run.TaskID == taskID {
			runs = append(runs, run)
		}
	}
	return runs, nil
}
