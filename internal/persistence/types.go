package persistence

import "time"

type AgentStatus string

const (
	AgentStatusActive   AgentStatus = "active"
	AgentStatusInactive AgentStatus = "inactive"
)

// Agent is the directory record for one addressable agent. The directory is
// the sole writer of identity and status; the pool only reads.
type Agent struct {
	Name          string      `json:"name"`
	Status        AgentStatus `json:"status"`
	Description   string      `json:"description,omitempty"`
	Model         string      `json:"model,omitempty"`
	WorkspacePath string      `json:"workspace_path"`
	CreatedAt     time.Time   `json:"created_at"`
	LastActiveAt  time.Time   `json:"last_active_at"`
}

type ScheduleType string

const (
	ScheduleCron     ScheduleType = "cron"
	ScheduleInterval ScheduleType = "interval"
	ScheduleOnce     ScheduleType = "once"
)

type ContextMode string

const (
	ContextIsolated ContextMode = "isolated"
	ContextMain     ContextMode = "main"
)

type TaskStatus string

const (
	TaskStatusActive    TaskStatus = "active"
	TaskStatusPaused    TaskStatus = "paused"
	TaskStatusCompleted TaskStatus = "completed"
)

// ScheduledTask is a declarative unit of recurring or one-shot agent work.
// NextRun is always derived from ScheduleType/ScheduleValue, never set
// directly by callers.
type ScheduledTask struct {
	ID            string       `json:"id"`
	AgentName     string       `json:"agent_name"`
	Name          string       `json:"name,omitempty"`
	Prompt        string       `json:"prompt"`
	ScheduleType  ScheduleType `json:"schedule_type"`
	ScheduleValue string       `json:"schedule_value"`
	ContextMode   ContextMode  `json:"context_mode"`
	Status        TaskStatus   `json:"status"`
	NextRun       *time.Time   `json:"next_run,omitempty"`
	LastRun       *time.Time   `json:"last_run,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
}

// DueTask pairs a due task with its owning agent for the cross-agent scan.
type DueTask struct {
	AgentName string
	Task      ScheduledTask
}

type RunStatus string

const (
	RunStatusSuccess RunStatus = "success"
	RunStatusError   RunStatus = "error"
)

// TaskRun is one attempt at executing a scheduled task. Runs are append-only;
// writing one never mutates the originating task.
type TaskRun struct {
	ID          string    `json:"id"`
	TaskID      string    `json:"task_id"`
	Status      RunStatus `json:"status"`
	Result      string    `json:"result,omitempty"`
	Error       string    `json:"error,omitempty"`
	DurationMs  int64     `json:"duration_ms"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
}

type MessageType string

const (
	MessageTypeRequest  MessageType = "request"
	MessageTypeResponse MessageType = "response"
)

type MessageStatus string

const (
	MessagePending  MessageStatus = "pending"
	MessageArchived MessageStatus = "archived"
)

// InboxMessage is a store-and-forward message in a recipient's mailbox.
// The sender only creates; the recipient's turn archives via MarkRead.
type InboxMessage struct {
	ID          string        `json:"id"`
	FromAgent   string        `json:"from_agent"`
	ToAgent     string        `json:"to_agent"`
	Message     string        `json:"message"`
	MessageType MessageType   `json:"message_type"`
	RequestID   string        `json:"request_id,omitempty"`
	Status      MessageStatus `json:"status"`
	ClaimedBy   string        `json:"claimed_by,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	ReadAt      *time.Time    `json:"read_at,omitempty"`
}

// Session is conversation metadata. EngineSessionID is the opaque resumption
// token returned by the reasoning engine, captured once per session.
type Session struct {
	ID              string     `json:"id"`
	AgentName       string     `json:"agent_name"`
	Title           string     `json:"title,omitempty"`
	EngineSessionID string     `json:"engine_session_id,omitempty"`
	Model           string     `json:"model,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	LastMessageAt   *time.Time `json:"last_message_at,omitempty"`
	MessageCount    int        `json:"message_count"`
}

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// SessionMessage is one entry in a session's append-only message log.
type SessionMessage struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}
