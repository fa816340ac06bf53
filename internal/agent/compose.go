package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/finchworks/aviary/internal/persistence"
	"github.com/finchworks/aviary/internal/tokenutil"
	"github.com/finchworks/aviary/internal/toolsource"
)

// Prompt-assembly budgets in estimated tokens. The engine enforces the real
// context limit; these keep the composed prompt bounded before it leaves
// the daemon.
const (
	inboxBudget   = 2000
	historyBudget = 4000
)

// composition is everything gathered while composing a turn. Nothing in it
// has been persisted; a turn that fails before delegation leaves no trace.
type composition struct {
	prompt   string
	system   string
	resume   string
	manifest toolsource.Manifest

	fetched    []persistence.InboxMessage
	fetchedIDs []string
	session    *persistence.Session
}

func (h *Handle) compose(ctx context.Context, req TurnRequest) (*composition, error) {
	comp := &composition{}

	pending, err := h.store.GetPending(ctx, h.name)
	if err != nil {
		return nil, fmt.Errorf("drain inbox: %w", err)
	}
	comp.fetched = pending
	for _, m := range pending {
		comp.fetchedIDs = append(comp.fetchedIDs, m.ID)
	}

	var history []persistence.SessionMessage
	if req.SessionID != "" {
		session, err := h.store.GetSession(ctx, h.name, req.SessionID)
		if err != nil {
			return nil, fmt.Errorf("load session %s: %w", req.SessionID, err)
		}
		comp.session = session
		comp.resume = session.EngineSessionID
		// Replay the transcript only when the engine cannot resume
		// natively; a resumption handle already carries the history.
		if comp.resume == "" && session.MessageCount > 0 {
			history, err = h.store.GetSessionMessages(ctx, h.name, session.ID)
			if err != nil {
				return nil, fmt.Errorf("load transcript: %w", err)
			}
		}
	}

	sources, err := toolsource.Load(h.store.ToolsPath(h.name))
	if err != nil {
		// A broken tools.json narrows the turn to builtins instead of
		// blocking it.
		h.logger.Warn("tool sources unavailable", "agent", h.name, "error", err)
		sources = nil
	}
	comp.manifest = toolsource.BuildManifest(sources, h.memory.Available(ctx))

	comp.system = h.systemPrompt()
	comp.prompt = renderPrompt(req.Prompt, pending, history)
	return comp, nil
}

func (h *Handle) systemPrompt() string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s, an agent managed by the aviary daemon.", h.name)
	if h.description != "" {
		b.WriteString(" ")
		b.WriteString(h.description)
	}
	fmt.Fprintf(&b, "\nYour workspace directory is %s.", h.workspace)
	if h.instructions != "" {
		b.WriteString("\n\n")
		b.WriteString(h.instructions)
	}
	return b.String()
}

// renderPrompt assembles the engine prompt: drained inbox first, replayed
// history next, the caller's instruction last.
func renderPrompt(prompt string, inbox []persistence.InboxMessage, history []persistence.SessionMessage) string {
	var b strings.Builder
	if section := renderInbox(inbox); section != "" {
		b.WriteString(section)
		b.WriteString("\n")
	}
	if section := renderHistory(history); section != "" {
		b.WriteString(section)
		b.WriteString("\n")
	}
	b.WriteString(prompt)
	return b.String()
}

func renderInbox(msgs []persistence.InboxMessage) string {
	if len(msgs) == 0 {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "You have %d new message(s) from other agents:\n", len(msgs))
	for _, m := range msgs {
		fmt.Fprintf(&b, "[%s] from %s: %s\n", m.CreatedAt.UTC().Format(time.RFC3339), m.FromAgent, m.Message)
	}
	return tokenutil.TruncateToBudget(b.String(), inboxBudget)
}

func renderHistory(msgs []persistence.SessionMessage) string {
	if len(msgs) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Conversation so far:\n")
	for _, m := range msgs {
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
	}
	return tokenutil.TruncateToBudget(b.String(), historyBudget)
}
