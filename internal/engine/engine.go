// Package engine is the boundary to the external reasoning engine. The
// daemon composes a prompt and a capability manifest, hands them to an
// Invoker, and consumes the resulting event stream; it never interprets
// model output beyond the event envelope.
package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/finchworks/aviary/internal/toolsource"
)

// ErrCancelled reports that a turn was aborted by its caller (or by
// shutdown), as opposed to failing. Callers branch on it with errors.Is.
var ErrCancelled = errors.New("turn cancelled")

// DelegationError wraps an engine failure: spawn errors, non-zero exits,
// stream corruption, timeouts.
type DelegationError struct {
	Err error
}

func (e *DelegationError) Error() string {
	return fmt.Sprintf("delegation failed: %v", e.Err)
}

func (e *DelegationError) Unwrap() error {
	return e.Err
}

// InvokeRequest describes one engine run.
type InvokeRequest struct {
	Prompt             string
	Model              string
	WorkingDir         string
	SystemPromptAppend string
	Tools              toolsource.Manifest
	ResumeSession      string
}

// Invoker starts an engine run. A returned Stream means the run started;
// failures before that (bad binary, unwritable workspace) are returned
// directly.
type Invoker interface {
	Invoke(ctx context.Context, req InvokeRequest) (*Stream, error)
}

const streamBuffer = 64

// Stream delivers a run's events to a single consumer. The channel closes
// when the run ends; Err then reports how it ended (nil, ErrCancelled, or a
// DelegationError).
type Stream struct {
	events chan Event
	done   chan struct{}
	err    error
}

func newStream() *Stream {
	return &Stream{
		events: make(chan Event, streamBuffer),
		done:   make(chan struct{}),
	}
}

func (s *Stream) Events() <-chan Event {
	return s.events
}

// Err blocks until the stream has ended. Call after Events is drained.
func (s *Stream) Err() error {
	<-s.done
	return s.err
}

// emit delivers an event unless the consumer is gone.
func (s *Stream) emit(ctx context.Context, ev Event) {
	select {
	case s.events <- ev:
	case <-ctx.Done():
	}
}

func (s *Stream) close(err error) {
	s.err = err
	close(s.events)
	close(s.done)
}
