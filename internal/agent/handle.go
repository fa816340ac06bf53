// Package agent owns the runtime side of agents: a pool of lazily
// constructed handles, each executing turns against the reasoning engine
// with a compose / delegate / commit lifecycle. Directory records in the
// store stay authoritative; handles only cache runtime state.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/finchworks/aviary/internal/bus"
	"github.com/finchworks/aviary/internal/engine"
	"github.com/finchworks/aviary/internal/memory"
	"github.com/finchworks/aviary/internal/otel"
	"github.com/finchworks/aviary/internal/persistence"
	"github.com/finchworks/aviary/internal/shared"
)

// commitTimeout bounds the commit phase. Commit work runs detached from the
// turn's context so cancellation cannot skip it.
const commitTimeout = 30 * time.Second

// TurnRequest describes one unit of agent work.
type TurnRequest struct {
	// Prompt is the caller's instruction for this turn.
	Prompt string
	// SessionID selects the conversation the turn runs in. Empty means an
	// isolated one-off turn with no transcript.
	SessionID string
	// SessionType tags the memory journal entry. Defaults to interactive.
	SessionType string
}

// TurnResult is the outcome of a turn that completed.
type TurnResult struct {
	Text            string
	EngineSessionID string
	DurationMs      int64
	NumTurns        int64
	CostUSD         float64
}

// Handle is the pooled runtime for one agent.
type Handle struct {
	name         string
	description  string
	model        string
	workspace    string
	instructions string

	store    *persistence.Store
	invoker  engine.Invoker
	memory   *memory.Service
	eventBus *bus.Bus
	logger   *slog.Logger
	metrics  *otel.Metrics
	tracer   trace.Tracer

	turnMu   sync.Mutex   // serializes turns; concurrent drains would double-deliver mail
	lastUsed atomic.Int64 // unix nanos of last acquisition or turn activity
	inUse    atomic.Int32 // turns executing or waiting on this handle
}

// Name returns the agent this handle serves.
func (h *Handle) Name() string { return h.name }

// Workspace returns the agent's working directory.
func (h *Handle) Workspace() string { return h.workspace }

// InUse reports whether a turn is currently running on this handle.
func (h *Handle) InUse() bool { return h.inUse.Load() > 0 }

// LastUsed returns when the handle last saw activity.
func (h *Handle) LastUsed() time.Time { return time.Unix(0, h.lastUsed.Load()) }

func (h *Handle) touch() { h.lastUsed.Store(time.Now().UnixNano()) }

// RunTurn executes one turn. Turns on one handle serialize: a call blocks
// until any earlier turn finishes. Compose failures return before anything
// is persisted. Once delegation has been attempted the commit always runs,
// even when the turn failed or was cancelled, so drained inbox messages
// are archived exactly once and never resurrected.
//
// onEvent, when non-nil, receives every engine event as it arrives.
func (h *Handle) RunTurn(ctx context.Context, req TurnRequest, onEvent func(engine.Event)) (*TurnResult, error) {
	turnID := shared.NewTurnID()
	ctx = shared.WithTurnID(shared.WithAgentName(ctx, h.name), turnID)
	logger := h.logger.With("agent", h.name, "turn_id", turnID)

	h.inUse.Add(1)
	defer h.inUse.Add(-1)
	h.turnMu.Lock()
	defer h.turnMu.Unlock()
	h.touch()
	defer h.touch()

	ctx, span := otel.StartSpan(ctx, h.tracer, "agent.turn",
		otel.AttrAgentName.String(h.name),
		otel.AttrTurnID.String(turnID),
	)
	defer span.End()

	composeCtx, composeSpan := otel.StartSpan(ctx, h.tracer, "turn.compose")
	comp, err := h.compose(composeCtx, req)
	if err != nil {
		composeSpan.RecordError(err)
		composeSpan.End()
		return nil, err
	}
	composeSpan.End()

	logger.Info("turn started",
		"session_id", req.SessionID,
		"inbox_drained", len(comp.fetchedIDs),
		"resuming", comp.resume != "",
	)
	h.publish(bus.TopicTurnStarted, bus.TurnEvent{Agent: h.name, TurnID: turnID, SessionID: req.SessionID})

	start := time.Now()
	delegateCtx, delegateSpan := otel.StartClientSpan(ctx, h.tracer, "turn.delegate")
	captured := h.delegate(delegateCtx, comp, onEvent)
	if captured.err != nil {
		delegateSpan.RecordError(captured.err)
	}
	delegateSpan.End()
	delegation := time.Since(start)

	attrs := metric.WithAttributes(otel.AttrAgentName.String(h.name))
	if h.metrics != nil {
		h.metrics.DelegationDuration.Record(ctx, delegation.Seconds(), attrs)
	}

	commitCtx, commitSpan := otel.StartSpan(ctx, h.tracer, "turn.commit")
	h.commit(commitCtx, req, comp, &captured, logger)
	commitSpan.End()

	if h.metrics != nil {
		h.metrics.TurnDuration.Record(ctx, time.Since(start).Seconds(), attrs)
	}

	event := bus.TurnEvent{Agent: h.name, TurnID: turnID, SessionID: req.SessionID}
	switch {
	case errors.Is(captured.err, engine.ErrCancelled):
		logger.Info("turn cancelled", "duration_ms", delegation.Milliseconds())
		event.Err = captured.err.Error()
		h.publish(bus.TopicTurnCancelled, event)
		if h.metrics != nil {
			h.metrics.TurnErrors.Add(ctx, 1, attrs)
		}
		return nil, captured.err
	case captured.err != nil:
		logger.Error("turn failed", "error", captured.err, "duration_ms", delegation.Milliseconds())
		span.RecordError(captured.err)
		event.Err = captured.err.Error()
		h.publish(bus.TopicTurnFailed, event)
		if h.metrics != nil {
			h.metrics.TurnErrors.Add(ctx, 1, attrs)
		}
		return nil, captured.err
	}

	durationMs := captured.durationMs
	if durationMs == 0 {
		durationMs = delegation.Milliseconds()
	}
	logger.Info("turn completed",
		"duration_ms", durationMs,
		"num_turns", captured.numTurns,
		"cost_usd", captured.costUSD,
	)
	if h.metrics != nil {
		h.metrics.TurnsCompleted.Add(ctx, 1, attrs)
	}
	h.publish(bus.TopicTurnCompleted, event)
	return &TurnResult{
		Text:            captured.resultText,
		EngineSessionID: captured.engineSessionID,
		DurationMs:      durationMs,
		NumTurns:        captured.numTurns,
		CostUSD:         captured.costUSD,
	}, nil
}

// turnCapture is the side-channel state collected while events pass through
// to the caller unaltered.
type turnCapture struct {
	engineSessionID string
	resultText      string
	resultIsError   bool
	durationMs      int64
	numTurns        int64
	costUSD         float64
	err             error
}

// delegate runs the engine and tees the stream: every event reaches onEvent
// while the session handle and final result are captured on the side. The
// first session_started wins; later ones are ignored. This is the only
// phase that honors cancellation.
func (h *Handle) delegate(ctx context.Context, comp *composition, onEvent func(engine.Event)) turnCapture {
	var c turnCapture

	stream, err := h.invoker.Invoke(ctx, engine.InvokeRequest{
		Prompt:             comp.prompt,
		Model:              h.model,
		WorkingDir:         h.workspace,
		SystemPromptAppend: comp.system,
		Tools:              comp.manifest,
		ResumeSession:      comp.resume,
	})
	if err != nil {
		c.err = normalizeEngineErr(err)
		return c
	}

	for ev := range stream.Events() {
		if onEvent != nil {
			onEvent(ev)
		}
		switch ev.Type {
		case engine.EventSessionStarted:
			if c.engineSessionID == "" && ev.SessionStarted != nil {
				c.engineSessionID = ev.SessionStarted.SessionID
			}
		case engine.EventResult:
			if ev.Result != nil {
				c.resultText = ev.Result.Text
				c.resultIsError = ev.Result.IsError
				c.durationMs = ev.Result.DurationMs
				c.numTurns = ev.Result.NumTurns
				c.costUSD = ev.Result.CostUSD
			}
		}
	}

	c.err = stream.Err()
	if c.err == nil && c.resultIsError {
		c.err = &engine.DelegationError{Err: fmt.Errorf("engine reported failure: %.200s", c.resultText)}
	} else if c.err != nil {
		c.err = normalizeEngineErr(c.err)
	}
	return c
}

// normalizeEngineErr folds arbitrary invoker errors into the turn error
// taxonomy: cancellation stays distinguishable, everything else is a
// delegation failure.
func normalizeEngineErr(err error) error {
	if errors.Is(err, engine.ErrCancelled) {
		return err
	}
	var de *engine.DelegationError
	if errors.As(err, &de) {
		return err
	}
	return &engine.DelegationError{Err: err}
}

// commit applies the turn's side effects: archive what was drained, touch
// activity, extend the transcript, journal to memory. It runs detached from
// the turn's context so a cancelled turn still archives what it consumed.
// Store failures here are logged, never returned; a flaky write must not
// resurrect already-delivered messages into a retry loop.
func (h *Handle) commit(ctx context.Context, req TurnRequest, comp *composition, c *turnCapture, logger *slog.Logger) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), commitTimeout)
	defer cancel()

	if len(comp.fetchedIDs) > 0 {
		if err := h.store.MarkRead(cctx, h.name, comp.fetchedIDs); err != nil {
			logger.Error("archive drained inbox failed", "count", len(comp.fetchedIDs), "error", err)
		} else if h.metrics != nil {
			h.metrics.InboxArchived.Add(cctx, int64(len(comp.fetchedIDs)),
				metric.WithAttributes(otel.AttrAgentName.String(h.name)))
		}
	}

	if err := h.store.TouchAgentActivity(cctx, h.name); err != nil {
		logger.Warn("touch agent activity failed", "error", err)
	}

	if comp.session != nil {
		user := persistence.SessionMessage{Role: persistence.RoleUser, Content: req.Prompt}
		if err := h.store.AppendSessionMessage(cctx, h.name, comp.session.ID, user); err != nil {
			logger.Warn("append user message failed", "session_id", comp.session.ID, "error", err)
		}
		if c.err == nil && c.resultText != "" {
			reply := persistence.SessionMessage{Role: persistence.RoleAssistant, Content: c.resultText}
			if err := h.store.AppendSessionMessage(cctx, h.name, comp.session.ID, reply); err != nil {
				logger.Warn("append assistant message failed", "session_id", comp.session.ID, "error", err)
			}
		}
		if c.engineSessionID != "" && comp.session.EngineSessionID == "" {
			comp.session.EngineSessionID = c.engineSessionID
			if _, err := h.store.UpdateSession(cctx, *comp.session); err != nil {
				logger.Warn("save engine session handle failed", "session_id", comp.session.ID, "error", err)
			}
		}
	}

	if h.memory.Available(cctx) {
		entry := memory.Entry{
			SessionType: req.SessionType,
			Prompt:      req.Prompt,
			Result:      c.resultText,
		}
		if entry.SessionType == "" {
			entry.SessionType = memory.SessionInteractive
		}
		switch {
		case errors.Is(c.err, engine.ErrCancelled):
			entry.Result = "turn cancelled before completion"
		case c.err != nil:
			entry.Result = fmt.Sprintf("turn failed: %v", c.err)
		}
		if err := h.memory.AppendEntry(cctx, h.name, entry); err != nil {
			logger.Warn("memory journal append failed", "error", err)
		} else {
			h.memory.UpdateIndex(cctx, h.name)
		}
	}
}

func (h *Handle) publish(topic string, payload interface{}) {
	if h.eventBus != nil {
		h.eventBus.Publish(topic, payload)
	}
}
