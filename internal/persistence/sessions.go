package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// CreateSession persists a new session shell for the agent. The engine's
// own session id is attached later, once the first turn reports it.
func (s *Store) CreateSession(ctx context.Context, session Session) (*Session, error) {
	if _, err := s.GetAgent(ctx, session.AgentName); err != nil {
		return nil, err
	}
	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	session.MessageCount = 0
	session.LastMessageAt = nil
	session.CreatedAt = time.Now().UTC()

	value, err := json.Marshal(session)
	if err != nil {
		return nil, fmt.Errorf("marshal session: %w", err)
	}
	if err := s.rs.Create(ctx, sessionCollection(session.AgentName, session.ID), sessionMetaKey, value); err != nil {
		return nil, err
	}
	return &session, nil
}

// GetSession returns one session's metadata, or ErrNotFound.
func (s *Store) GetSession(ctx context.Context, agentName, sessionID string) (*Session, error) {
	value, err := s.rs.Get(ctx, sessionCollection(agentName, sessionID), sessionMetaKey)
	if err != nil {
		return nil, err
	}
	var session Session
	if err := json.Unmarshal(value, &session); err != nil {
		return nil, fmt.Errorf("unmarshal session %q: %w", sessionID, err)
	}
	return &session, nil
}

// UpdateSession writes mutable session fields back. Message counters are
// owned by AppendSessionMessage and carried over from the stored record.
func (s *Store) UpdateSession(ctx context.Context, session Session) (*Session, error) {
	existing, err := s.GetSession(ctx, session.AgentName, session.ID)
	if err != nil {
		return nil, err
	}
	session.CreatedAt = existing.CreatedAt
	session.MessageCount = existing.MessageCount
	session.LastMessageAt = existing.LastMessageAt

	value, err := json.Marshal(session)
	if err != nil {
		return nil, fmt.Errorf("marshal session: %w", err)
	}
	if err := s.rs.Put(ctx, sessionCollection(session.AgentName, session.ID), sessionMetaKey, value); err != nil {
		return nil, err
	}
	return &session, nil
}

// DeleteSession removes the session and its transcript. Deleting a session
// that does not exist reports ErrNotFound.
func (s *Store) DeleteSession(ctx context.Context, agentName, sessionID string) error {
	if _, err := s.GetSession(ctx, agentName, sessionID); err != nil {
		return err
	}
	return s.rs.DeleteTree(ctx, sessionCollection(agentName, sessionID))
}

// ListSessions returns the agent's sessions, most recently created first.
func (s *Store) ListSessions(ctx context.Context, agentName string) ([]Session, error) {
	ids, err := s.rs.ListCollections(ctx, sessionsPrefix(agentName))
	if err != nil {
		return nil, err
	}
	var sessions []Session
	for _, id := range ids {
		session, err := s.GetSession(ctx, agentName, id)
		if err != nil {
			continue
		}
		sessions = append(sessions, *session)
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.After(sessions[j].CreatedAt)
	})
	return sessions, nil
}

// AppendSessionMessage appends to the transcript and bumps the session's
// message counter and last-activity stamp. Append order is the transcript's
// only ordering guarantee.
func (s *Store) AppendSessionMessage(ctx context.Context, agentName, sessionID string, msg SessionMessage) error {
	session, err := s.GetSession(ctx, agentName, sessionID)
	if err != nil {
		return err
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	value, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal session message: %w", err)
	}
	collection := sessionCollection(agentName, sessionID)
	if err := s.rs.Append(ctx, collection, messagesLogKey, value); err != nil {
		return err
	}

	session.MessageCount++
	at := msg.Timestamp
	session.LastMessageAt = &at
	out, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	return s.rs.Put(ctx, collection, sessionMetaKey, out)
}

// GetSessionMessages returns the transcript in append order.
func (s *Store) GetSessionMessages(ctx context.Context, agentName, sessionID string) ([]SessionMessage, error) {
	if _, err := s.GetSession(ctx, agentName, sessionID); err != nil {
		return nil, err
	}
	entries, err := s.rs.ReadLog(ctx, sessionCollection(agentName, sessionID), messagesLogKey)
	if err != nil {
		return nil, err
	}
	var msgs []SessionMessage
	for _, entry := range entries {
		var msg SessionMessage
		if err := json.Unmarshal(entry, &msg); err != nil {
			return nil, fmt.Errorf("unmarshal session message: %w", err)
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}
