package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/finchworks/aviary/internal/shared"
)

// CreateAgent registers a new agent. Name is the identity; Status, timestamps
// and the default workspace are filled in here. Fails with ErrAlreadyExists
// when the name is taken, leaving no partial state.
func (s *Store) CreateAgent(ctx context.Context, agent Agent) (*Agent, error) {
	if !shared.ValidAgentName(agent.Name) {
		return nil, fmt.Errorf("invalid agent name %q", agent.Name)
	}

	now := time.Now().UTC()
	agent.Status = AgentStatusActive
	agent.CreatedAt = now
	agent.LastActiveAt = now
	if agent.WorkspacePath == "" {
		agent.WorkspacePath = s.DefaultWorkspacePath(agent.Name)
	}

	value, err := json.Marshal(agent)
	if err != nil {
		return nil, fmt.Errorf("marshal agent: %w", err)
	}
	if err := s.rs.Create(ctx, agentCollection(agent.Name), agentRecordKey, value); err != nil {
		return nil, err
	}
	if err := ensureWorkspace(agent.WorkspacePath); err != nil {
		// Roll the registration back so a failed create leaves nothing.
		_ = s.rs.Delete(ctx, agentCollection(agent.Name), agentRecordKey)
		return nil, err
	}
	return &agent, nil
}

// EnsureAgent returns the existing agent or registers it. Used at startup to
// provision the agents declared in config.
func (s *Store) EnsureAgent(ctx context.Context, agent Agent) (*Agent, error) {
	existing, err := s.GetAgent(ctx, agent.Name)
	if err == nil {
		return existing, nil
	}
	created, err := s.CreateAgent(ctx, agent)
	if err != nil {
		return nil, err
	}
	return created, nil
}

// GetAgent returns the directory record, or ErrNotFound.
func (s *Store) GetAgent(ctx context.Context, name string) (*Agent, error) {
	value, err := s.rs.Get(ctx, agentCollection(name), agentRecordKey)
	if err != nil {
		return nil, err
	}
	var agent Agent
	if err := json.Unmarshal(value, &agent); err != nil {
		return nil, fmt.Errorf("unmarshal agent %q: %w", name, err)
	}
	return &agent, nil
}

// ListAgents returns all registered agents sorted by name.
func (s *Store) ListAgents(ctx context.Context) ([]Agent, error) {
	names, err := s.rs.ListCollections(ctx, agentsTreeName)
	if err != nil {
		return nil, err
	}
	var agents []Agent
	for _, name := range names {
		agent, err := s.GetAgent(ctx, name)
		if err != nil {
			// A bare directory without a record is not an agent.
			continue
		}
		agents = append(agents, *agent)
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].Name < agents[j].Name })
	return agents, nil
}

// SetAgentStatus flips an agent between active and inactive.
func (s *Store) SetAgentStatus(ctx context.Context, name string, status AgentStatus) error {
	agent, err := s.GetAgent(ctx, name)
	if err != nil {
		return err
	}
	agent.Status = status
	return s.putAgent(ctx, agent)
}

// TouchAgentActivity stamps lastActiveAt; called at the end of every
// committed turn.
func (s *Store) TouchAgentActivity(ctx context.Context, name string) error {
	agent, err := s.GetAgent(ctx, name)
	if err != nil {
		return err
	}
	agent.LastActiveAt = time.Now().UTC()
	return s.putAgent(ctx, agent)
}

// DeleteAgent removes the agent and cascades: every descendant record
// (tasks, runs, sessions, inbox, journal), the on-disk agent directory
// (workspace, tools.json), and any workspace configured outside it.
// Deleting an agent is the only cascading operation in the store.
func (s *Store) DeleteAgent(ctx context.Context, name string) error {
	agent, err := s.GetAgent(ctx, name)
	if err != nil {
		return err
	}
	if err := s.rs.DeleteTree(ctx, agentCollection(name)); err != nil {
		return err
	}
	agentDir := filepath.Join(s.home, "agents", name)
	if err := os.RemoveAll(agentDir); err != nil {
		return fmt.Errorf("remove agent dir: %w", err)
	}
	if agent.WorkspacePath != "" && !strings.HasPrefix(agent.WorkspacePath, agentDir) {
		if err := os.RemoveAll(agent.WorkspacePath); err != nil {
			return fmt.Errorf("remove workspace: %w", err)
		}
	}
	return nil
}

func (s *Store) putAgent(ctx context.Context, agent *Agent) error {
	value, err := json.Marshal(agent)
	if err != nil {
		return fmt.Errorf("marshal agent: %w", err)
	}
	return s.rs.Put(ctx, agentCollection(agent.Name), agentRecordKey, value)
}
