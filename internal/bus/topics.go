package bus

// Inbox event topics.
const (
	TopicInboxDelivered = "inbox.delivered"
	TopicInboxArchived  = "inbox.archived"
)

// InboxDeliveredEvent is published when a message lands in an agent's inbox.
// The scheduler listens on this topic to wake the recipient ahead of its
// next poll.
type InboxDeliveredEvent struct {
	MessageID string // Message ID
	From      string // Sending agent name ("" for external senders)
	To        string // Recipient agent name
}

// InboxArchivedEvent is published after a turn commits fetched messages.
type InboxArchivedEvent struct {
	Agent string   // Recipient agent name
	IDs   []string // Archived message IDs
}

// Turn event topics.
const (
	TopicTurnStarted   = "turn.started"
	TopicTurnCompleted = "turn.completed"
	TopicTurnFailed    = "turn.failed"
	TopicTurnCancelled = "turn.cancelled"
)

// TurnEvent is published on turn state transitions.
type TurnEvent struct {
	Agent     string // Agent name
	TurnID    string // Turn ID
	SessionID string // Session the turn ran in
	Err       string // Failure detail (failed/cancelled only)
}

// Task event topics.
const (
	TopicTaskFired     = "task.fired"
	TopicTaskCompleted = "task.completed"
	TopicTaskFailed    = "task.failed"
)

// TaskRunEvent is published when a scheduled task fires, completes, or fails.
type TaskRunEvent struct {
	TaskID string // Task ID
	Agent  string // Owning agent name
	RunID  string // TaskRun record ID
	Err    string // Failure detail (failed only)
}

// Agent lifecycle topics.
const (
	TopicAgentAcquired = "agent.acquired"
	TopicAgentEvicted  = "agent.evicted"
	TopicAgentReleased = "agent.released"
)

// AgentLifecycleEvent is published when the pool constructs, evicts, or
// releases a handle.
type AgentLifecycleEvent struct {
	Agent string // Agent name
}

// Memory topics.
const (
	TopicMemoryReindexed = "memory.reindexed"
)

// MemoryReindexedEvent is published when a background reindex pass finishes.
type MemoryReindexedEvent struct {
	Agent   string // Agent name
	Entries int    // Journal entries indexed
}
