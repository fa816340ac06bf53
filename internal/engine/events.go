package engine

import (
	"encoding/json"
	"time"
)

// EventType discriminates the Event union.
type EventType string

const (
	EventSessionStarted EventType = "session_started"
	EventTextDelta      EventType = "text_delta"
	EventToolUse        EventType = "tool_use"
	EventResult         EventType = "result"
	EventError          EventType = "error"
)

// Event is one item on a turn's event stream. Exactly one payload pointer is
// non-nil, matching Type.
type Event struct {
	Type      EventType
	Timestamp time.Time

	SessionStarted *SessionStartedEvent
	TextDelta      *TextDeltaEvent
	ToolUse        *ToolUseEvent
	Result         *ResultEvent
	Error          *ErrorEvent
}

// SessionStartedEvent carries the engine's resumption handle. Emitted once
// near the start of a run; consumers treat the first occurrence as
// authoritative.
type SessionStartedEvent struct {
	SessionID string
	Model     string
}

// TextDeltaEvent is an incremental chunk of assistant text.
type TextDeltaEvent struct {
	Text string
}

// ToolUseEvent reports a tool invocation by the engine.
type ToolUseEvent struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// ResultEvent is the run's final outcome and usage accounting.
type ResultEvent struct {
	Text       string
	IsError    bool
	DurationMs int64
	NumTurns   int64
	CostUSD    float64
}

// ErrorEvent is an engine-reported error mid-stream.
type ErrorEvent struct {
	Message string
}
