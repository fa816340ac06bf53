package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/finchworks/aviary/internal/bus"
)

// SendMessage durably stores a message in the recipient's pending inbox and
// announces it on the bus. Delivery never depends on the recipient existing
// or being awake; an unknown recipient simply accumulates pending mail.
func (s *Store) SendMessage(ctx context.Context, msg InboxMessage) (*InboxMessage, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.MessageType == "" {
		msg.MessageType = MessageTypeRequest
	}
	msg.Status = MessagePending
	msg.ClaimedBy = ""
	msg.ReadAt = nil
	msg.CreatedAt = time.Now().UTC()

	value, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	if err := s.rs.Create(ctx, inboxPendingCollection(msg.ToAgent), msg.ID, value); err != nil {
		return nil, err
	}
	s.publish(bus.TopicInboxDelivered, bus.InboxDeliveredEvent{
		MessageID: msg.ID,
		From:      msg.FromAgent,
		To:        msg.ToAgent,
	})
	return &msg, nil
}

// GetPending returns the agent's unread messages oldest first. Reading does
// not consume: repeated calls return the same messages until MarkRead.
func (s *Store) GetPending(ctx context.Context, agentName string) ([]InboxMessage, error) {
	msgs, err := s.readInbox(ctx, inboxPendingCollection(agentName))
	if err != nil {
		return nil, err
	}
	return msgs, nil
}

// MarkRead moves the given pending messages into the archive, stamping
// readAt and the claiming agent. Already-archived or unknown ids are
// skipped, so replaying the same id set is harmless.
func (s *Store) MarkRead(ctx context.Context, agentName string, ids []string) error {
	pending := inboxPendingCollection(agentName)
	archive := inboxArchiveCollection(agentName)
	now := time.Now().UTC()

	var archived []string
	for _, id := range ids {
		value, err := s.rs.Get(ctx, pending, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		var msg InboxMessage
		if err := json.Unmarshal(value, &msg); err != nil {
			return fmt.Errorf("unmarshal message %q: %w", id, err)
		}
		msg.Status = MessageArchived
		msg.ClaimedBy = agentName
		readAt := now
		msg.ReadAt = &readAt

		out, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("marshal message: %w", err)
		}
		if err := s.rs.Put(ctx, archive, id, out); err != nil {
			return err
		}
		if err := s.rs.Delete(ctx, pending, id); err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		archived = append(archived, id)
	}
	if len(archived) > 0 {
		s.publish(bus.TopicInboxArchived, bus.InboxArchivedEvent{Agent: agentName, IDs: archived})
	}
	return nil
}

// ListArchived returns the agent's archived messages oldest first.
func (s *Store) ListArchived(ctx context.Context, agentName string) ([]InboxMessage, error) {
	return s.readInbox(ctx, inboxArchiveCollection(agentName))
}

func (s *Store) readInbox(ctx context.Context, collection string) ([]InboxMessage, error) {
	keys, err := s.rs.ListKeys(ctx, collection)
	if err != nil {
		return nil, err
	}
	var msgs []InboxMessage
	for _, key := range keys {
		value, err := s.rs.Get(ctx, collection, key)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		var msg InboxMessage
		if err := json.Unmarshal(value, &msg); err != nil {
			return nil, fmt.Errorf("unmarshal message %q: %w", key, err)
		}
		msgs = append(msgs, msg)
	}
	sort.Slice(msgs, func(i, j int) bool {
		if msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].ID < msgs[j].ID
		}
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
	return msgs, nil
}
