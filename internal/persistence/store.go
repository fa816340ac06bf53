// Package persistence holds the durable state of the daemon: the agent
// directory, scheduled tasks and their run records, per-agent inboxes, and
// conversation sessions. All of it flows through the RecordStore seam, so
// the flat-file and SQLite backends are interchangeable.
package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/finchworks/aviary/internal/bus"
)

// Backend names a RecordStore implementation.
type Backend string

const (
	BackendFile   Backend = "file"
	BackendSQLite Backend = "sqlite"
)

// Store bundles every entity store over one RecordStore.
type Store struct {
	rs   RecordStore
	home string
	bus  *bus.Bus // may be nil in tests
}

// Open constructs the selected backend rooted at homeDir. The file backend
// keeps records directly under homeDir (agents/<name>/...); the SQLite
// backend keeps them in homeDir/aviary.db. Workspace directories live on
// disk under homeDir in both cases.
func Open(backend Backend, homeDir string, eventBus *bus.Bus) (*Store, error) {
	var (
		rs  RecordStore
		err error
	)
	switch backend {
	case BackendFile, "":
		rs, err = NewFileStore(homeDir)
	case BackendSQLite:
		rs, err = NewSQLiteStore(filepath.Join(homeDir, "aviary.db"))
	default:
		return nil, fmt.Errorf("unknown backend %q", backend)
	}
	if err != nil {
		return nil, err
	}
	return &Store{rs: rs, home: homeDir, bus: eventBus}, nil
}

// NewStore wraps an existing RecordStore; used by tests and the doctor.
func NewStore(rs RecordStore, homeDir string, eventBus *bus.Bus) *Store {
	return &Store{rs: rs, home: homeDir, bus: eventBus}
}

// HomeDir returns the data root the store was opened at.
func (s *Store) HomeDir() string {
	return s.home
}

func (s *Store) Close() error {
	return s.rs.Close()
}

func (s *Store) publish(topic string, payload interface{}) {
	if s.bus != nil {
		s.bus.Publish(topic, payload)
	}
}

// Collection layout. The slash paths mirror the on-disk tree of the file
// backend; the SQLite backend stores them verbatim as collection names.
func agentCollection(name string) string {
	return "agents/" + name
}

func tasksCollection(name string) string {
	return "agents/" + name + "/tasks"
}

func sessionsPrefix(name string) string {
	return "agents/" + name + "/sessions"
}

func sessionCollection(name, sessionID string) string {
	return "agents/" + name + "/sessions/" + sessionID
}

func inboxPendingCollection(name string) string {
	return "agents/" + name + "/inbox/pending"
}

func inboxArchiveCollection(name string) string {
	return "agents/" + name + "/inbox/archive"
}

func memoryCollection(name string) string {
	return "agents/" + name + "/memory"
}

const (
	agentRecordKey  = "agent"
	sessionMetaKey  = "session"
	taskRunsLogKey  = "runs"
	messagesLogKey  = "messages"
	journalLogKey   = "journal"
	memoryIndexKey  = "index"
	agentsTreeName  = "agents"
	toolsRecordName = "tools"
)

// DefaultWorkspacePath is where an agent's working directory lives unless
// overridden at registration.
func (s *Store) DefaultWorkspacePath(name string) string {
	return filepath.Join(s.home, "agents", name, "workspace")
}

// ToolsPath is the on-disk location of an agent's capability-source file.
// Capability sources are operator-edited JSON, so they stay plain files even
// under the SQLite backend.
func (s *Store) ToolsPath(name string) string {
	return filepath.Join(s.home, "agents", name, "tools.json")
}

// ensureWorkspace creates the agent's working directory.
func ensureWorkspace(path string) error {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("create workspace: %w", err)
	}
	return nil
}

// AppendMemoryEntry adds one entry to the agent's memory journal stream.
func (s *Store) AppendMemoryEntry(ctx context.Context, agentName string, entry json.RawMessage) error {
	return s.rs.Append(ctx, memoryCollection(agentName), journalLogKey, entry)
}

// WriteMemoryIndex upserts the agent's memory index digest.
func (s *Store) WriteMemoryIndex(ctx context.Context, agentName string, value json.RawMessage) error {
	return s.rs.Put(ctx, memoryCollection(agentName), memoryIndexKey, value)
}

// ReadMemoryIndex returns the agent's memory index digest, or ErrNotFound.
func (s *Store) ReadMemoryIndex(ctx context.Context, agentName string) (json.RawMessage, error) {
	value, err := s.rs.Get(ctx, memoryCollection(agentName), memoryIndexKey)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(value), nil
}

// ReadMemoryEntries returns the agent's full journal in append order.
func (s *Store) ReadMemoryEntries(ctx context.Context, agentName string) ([]json.RawMessage, error) {
	raw, err := s.rs.ReadLog(ctx, memoryCollection(agentName), journalLogKey)
	if err != nil {
		return nil, err
	}
	out := make([]json.RawMessage, len(raw))
	for i, r := range raw {
		out[i] = json.RawMessage(r)
	}
	return out, nil
}
