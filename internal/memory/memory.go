// Package memory maintains each agent's long-term memory: an append-only
// journal of turn summaries plus a derived index. Journal writes are best
// effort; a memory failure never fails the turn that produced it.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/finchworks/aviary/internal/bus"
	"github.com/finchworks/aviary/internal/persistence"
	"github.com/finchworks/aviary/internal/tokenutil"
)

const (
	SessionInteractive = "interactive"
	SessionTask        = "task"
)

// reindexTimeout bounds one background index rebuild, including the external
// indexer command when configured.
const reindexTimeout = 2 * time.Minute

// Entry is one journal record: what the agent was asked and what came back,
// excerpted to the configured token budget.
type Entry struct {
	SessionType string    `json:"session_type"`
	Prompt      string    `json:"prompt"`
	Result      string    `json:"result"`
	Timestamp   time.Time `json:"timestamp"`
}

// Index is the digest record kept alongside the journal.
type Index struct {
	Entries     int       `json:"entries"`
	LastEntryAt time.Time `json:"last_entry_at,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Service owns the journal and index lifecycle for all agents.
type Service struct {
	store          *persistence.Store
	bus            *bus.Bus
	logger         *slog.Logger
	excerptTokens  int
	indexerCommand string

	wg sync.WaitGroup
}

// NewService wires the memory subsystem. indexerCommand is an optional
// external program run after each journal append; empty means the built-in
// digest only.
func NewService(store *persistence.Store, eventBus *bus.Bus, logger *slog.Logger, excerptTokens int, indexerCommand string) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if excerptTokens <= 0 {
		excerptTokens = 800
	}
	return &Service{
		store:          store,
		bus:            eventBus,
		logger:         logger,
		excerptTokens:  excerptTokens,
		indexerCommand: indexerCommand,
	}
}

// Available reports whether memory is usable; it gates the memory tools in
// the turn manifest.
func (s *Service) Available(ctx context.Context) bool {
	return s != nil && s.store != nil
}

// AppendEntry excerpts and journals one turn. Callers treat a returned error
// as log-worthy, not fatal.
func (s *Service) AppendEntry(ctx context.Context, agentName string, entry Entry) error {
	if !s.Available(ctx) {
		return fmt.Errorf("memory unavailable")
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	entry.Prompt = tokenutil.TruncateToBudget(entry.Prompt, s.excerptTokens)
	entry.Result = tokenutil.TruncateToBudget(entry.Result, s.excerptTokens)

	value, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal journal entry: %w", err)
	}
	return s.store.AppendMemoryEntry(ctx, agentName, value)
}

// UpdateIndex schedules a background index rebuild for the agent. It returns
// immediately; failures are logged and announced nowhere else.
func (s *Service) UpdateIndex(ctx context.Context, agentName string) {
	if !s.Available(ctx) {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		// The triggering turn may already be torn down; the rebuild gets its
		// own deadline.
		rctx, cancel := context.WithTimeout(context.Background(), reindexTimeout)
		defer cancel()
		if err := s.reindex(rctx, agentName); err != nil {
			s.logger.Warn("memory reindex failed", "agent", agentName, "error", err)
		}
	}()
}

// Wait blocks until all scheduled rebuilds finish. Shutdown and tests.
func (s *Service) Wait() {
	s.wg.Wait()
}

func (s *Service) reindex(ctx context.Context, agentName string) error {
	entries, err := s.store.ReadMemoryEntries(ctx, agentName)
	if err != nil {
		return fmt.Errorf("read journal: %w", err)
	}

	idx := Index{Entries: len(entries), UpdatedAt: time.Now().UTC()}
	if n := len(entries); n > 0 {
		var last Entry
		if err := json.Unmarshal(entries[n-1], &last); err == nil {
			idx.LastEntryAt = last.Timestamp
		}
	}

	if s.indexerCommand != "" {
		if err := s.runIndexer(ctx, agentName, entries); err != nil {
			return err
		}
	}

	value, err := json.Marshal(idx)
	if err != nil {
		return fmt.Errorf("marshal index: %w", err)
	}
	if err := s.store.WriteMemoryIndex(ctx, agentName, value); err != nil {
		return fmt.Errorf("write index: %w", err)
	}

	if s.bus != nil {
		s.bus.Publish(bus.TopicMemoryReindexed, bus.MemoryReindexedEvent{
			Agent:   agentName,
			Entries: idx.Entries,
		})
	}
	s.logger.Debug("memory reindexed", "agent", agentName, "entries", idx.Entries)
	return nil
}

// runIndexer exports the journal to a temp file and hands it to the external
// indexer, which owns whatever structure it builds from it.
func (s *Service) runIndexer(ctx context.Context, agentName string, entries []json.RawMessage) error {
	f, err := os.CreateTemp("", "aviary-journal-*.jsonl")
	if err != nil {
		return fmt.Errorf("export journal: %w", err)
	}
	defer os.Remove(f.Name())
	for _, entry := range entries {
		if _, err := f.Write(append(entry, '\n')); err != nil {
			f.Close()
			return fmt.Errorf("export journal: %w", err)
		}
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("export journal: %w", err)
	}

	cmd := exec.CommandContext(ctx, s.indexerCommand, agentName, f.Name())
	cmd.Env = append(os.Environ(), "AVIARY_AGENT="+agentName)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("indexer %s: %v: %s", s.indexerCommand, err, out)
	}
	return nil
}
