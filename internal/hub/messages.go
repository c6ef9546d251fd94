package hub

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/chorushq/chorus/internal/event"
	"github.com/chorushq/chorus/internal/ids"
	"github.com/chorushq/chorus/internal/store"
)

// Move modes for MoveMessages.
const (
	MoveOne   = "one"   // this message only
	MoveLater = "later" // this message and every later one in the topic
	MoveAll   = "all"   // every message in the topic by the same sender
)

// MoveResult reports the rows a move affected, in ascending message id
// order. EventIDs[i] is the event emitted for MessageIDs[i].
type MoveResult struct {
	MessageIDs []string `json:"message_ids"`
	EventIDs   []int64  `json:"event_ids"`
	Count      int      `json:"count"`
}

const messageColumns = "id, topic_id, channel_id, sender, content_raw, version, created_at, edited_at, deleted_at, deleted_by"

func scanMessage(row interface{ Scan(...any) error }) (*Message, error) {
	var m Message
	err := row.Scan(&m.ID, &m.TopicID, &m.ChannelID, &m.Sender, &m.ContentRaw,
		&m.Version, &m.CreatedAt, &m.EditedAt, &m.DeletedAt, &m.DeletedBy)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// CreateMessage appends a message to a topic. The message id is a monotonic
// ULID so lexical order equals insertion order; channel_id is copied from
// the topic inside the same transaction.
func (s *Service) CreateMessage(ctx context.Context, topicID, sender, contentRaw string) (*Message, int64, error) {
	if err := validateText("sender", sender); err != nil {
		return nil, 0, err
	}
	if contentRaw == "" {
		return nil, 0, errInvalidInput("content_raw must not be empty")
	}

	var m Message
	var eventID int64
	err := s.st.Write(ctx, func(tx *sql.Tx) error {
		var channelID string
		err := tx.QueryRow("SELECT channel_id FROM topics WHERE id = ?", topicID).Scan(&channelID)
		if err == sql.ErrNoRows {
			return errNotFound("topic", topicID)
		}
		if err != nil {
			return fmt.Errorf("resolve topic: %w", err)
		}

		now := store.Now()
		m = Message{
			ID:         ids.NewMessageID(),
			TopicID:    topicID,
			ChannelID:  channelID,
			Sender:     sender,
			ContentRaw: contentRaw,
			Version:    1,
			CreatedAt:  now,
		}
		_, err = tx.Exec(`
			INSERT INTO messages (id, topic_id, channel_id, sender, content_raw, version, created_at)
			VALUES (?, ?, ?, ?, ?, 1, ?)`,
			m.ID, m.TopicID, m.ChannelID, m.Sender, m.ContentRaw, m.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		if err := touchTopic(tx, topicID, now); err != nil {
			return err
		}

		eventID, err = store.AppendEvent(tx, event.Event{
			Name:   event.MessageCreated,
			Scope:  event.Scope{ChannelID: channelID, TopicID: topicID},
			Entity: &event.Entity{Type: event.EntityMessage, ID: m.ID},
			Data:   event.MarshalData(m),
		})
		return err
	})
	if err != nil {
		return nil, 0, err
	}
	s.logger.Debug("message created", "message_id", m.ID, "topic_id", topicID, "event_id", eventID)
	return &m, eventID, nil
}

// EditMessage replaces a message's content. Tombstoned messages fail with
// ALREADY_DELETED; a stale expected_version fails with VERSION_CONFLICT
// carrying the current version.
func (s *Service) EditMessage(ctx context.Context, messageID, contentRaw string, expectedVersion *int64) (*Message, int64, error) {
	if contentRaw == "" {
		return nil, 0, errInvalidInput("content_raw must not be empty")
	}

	var m *Message
	var eventID int64
	err := s.st.Write(ctx, func(tx *sql.Tx) error {
		var err error
		m, err = readMessageTx(tx, messageID)
		if err != nil {
			return err
		}
		if m.Deleted() {
			return errAlreadyDeleted(messageID)
		}
		if expectedVersion != nil && *expectedVersion != m.Version {
			return errVersionConflict(m.Version)
		}

		now := store.Now()
		m.ContentRaw = contentRaw
		m.EditedAt = &now
		m.Version++
		_, err = tx.Exec(
			"UPDATE messages SET content_raw = ?, edited_at = ?, version = ? WHERE id = ?",
			m.ContentRaw, now, m.Version, m.ID)
		if err != nil {
			return fmt.Errorf("update message: %w", err)
		}
		if err := touchTopic(tx, m.TopicID, now); err != nil {
			return err
		}

		eventID, err = store.AppendEvent(tx, event.Event{
			Name:   event.MessageEdited,
			Scope:  event.Scope{ChannelID: m.ChannelID, TopicID: m.TopicID},
			Entity: &event.Entity{Type: event.EntityMessage, ID: m.ID},
			Data: event.MarshalData(map[string]any{
				"content_raw": m.ContentRaw,
				"version":     m.Version,
				"edited_at":   now,
			}),
		})
		return err
	})
	if err != nil {
		return nil, 0, err
	}
	return m, eventID, nil
}

// DeleteMessage tombstones a message. The row remains readable; any later
// edit, delete, or move fails with ALREADY_DELETED.
func (s *Service) DeleteMessage(ctx context.Context, messageID, actor string, expectedVersion *int64) (*Message, int64, error) {
	if err := validateText("actor", actor); err != nil {
		return nil, 0, err
	}

	var m *Message
	var eventID int64
	err := s.st.Write(ctx, func(tx *sql.Tx) error {
		var err error
		m, err = readMessageTx(tx, messageID)
		if err != nil {
			return err
		}
		if m.Deleted() {
			return errAlreadyDeleted(messageID)
		}
		if expectedVersion != nil && *expectedVersion != m.Version {
			return errVersionConflict(m.Version)
		}

		now := store.Now()
		m.DeletedAt = &now
		m.DeletedBy = &actor
		m.Version++
		_, err = tx.Exec(
			"UPDATE messages SET deleted_at = ?, deleted_by = ?, version = ? WHERE id = ?",
			now, actor, m.Version, m.ID)
		if err != nil {
			return fmt.Errorf("delete message: %w", err)
		}
		if err := touchTopic(tx, m.TopicID, now); err != nil {
			return err
		}

		eventID, err = store.AppendEvent(tx, event.Event{
			Name:   event.MessageDeleted,
			Scope:  event.Scope{ChannelID: m.ChannelID, TopicID: m.TopicID},
			Entity: &event.Entity{Type: event.EntityMessage, ID: m.ID},
			Data: event.MarshalData(map[string]any{
				"version":    m.Version,
				"deleted_at": now,
				"deleted_by": actor,
			}),
		})
		return err
	})
	if err != nil {
		return nil, 0, err
	}
	return m, eventID, nil
}

// MoveMessages relocates messages to another topic in the same channel.
// Mode one moves the named message; later also moves every message in the
// topic with id >= it; all moves every message in the topic by the same
// sender. Tombstones fail mode one with ALREADY_DELETED and are skipped by
// later and all. One message.moved event is emitted per row in ascending
// message id order, with the destination in topic_id and the source in
// topic_id2.
func (s *Service) MoveMessages(ctx context.Context, messageID, toTopicID, mode string, expectedVersion *int64) (*MoveResult, error) {
	switch mode {
	case MoveOne, MoveLater, MoveAll:
	default:
		return nil, errInvalidInput("mode must be one, later, or all")
	}

	result := &MoveResult{MessageIDs: []string{}, EventIDs: []int64{}}
	err := s.st.Write(ctx, func(tx *sql.Tx) error {
		head, err := readMessageTx(tx, messageID)
		if err != nil {
			return err
		}
		if mode == MoveOne && head.Deleted() {
			return errAlreadyDeleted(messageID)
		}
		if expectedVersion != nil && *expectedVersion != head.Version {
			return errVersionConflict(head.Version)
		}

		var destChannel string
		err = tx.QueryRow("SELECT channel_id FROM topics WHERE id = ?", toTopicID).Scan(&destChannel)
		if err == sql.ErrNoRows {
			return errNotFound("topic", toTopicID)
		}
		if err != nil {
			return fmt.Errorf("resolve destination topic: %w", err)
		}
		if destChannel != head.ChannelID {
			return errCrossChannelMove()
		}

		affected, err := selectMoveSet(tx, head, mode, toTopicID)
		if err != nil {
			return err
		}
		if len(affected) == 0 {
			return nil
		}

		now := store.Now()
		for _, m := range affected {
			newVersion := m.Version + 1
			res, err := tx.Exec(
				"UPDATE messages SET topic_id = ?, version = ? WHERE id = ? AND version = ?",
				toTopicID, newVersion, m.ID, m.Version)
			if err != nil {
				return fmt.Errorf("move message %s: %w", m.ID, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("move message %s: %w", m.ID, err)
			}
			if n != 1 {
				// The row changed between the selection read and this
				// update; the whole operation fails.
				return errVersionConflict(m.Version)
			}

			eventID, err := store.AppendEvent(tx, event.Event{
				Name:   event.MessageMoved,
				Scope:  event.Scope{ChannelID: m.ChannelID, TopicID: toTopicID, TopicID2: m.TopicID},
				Entity: &event.Entity{Type: event.EntityMessage, ID: m.ID},
				Data: event.MarshalData(map[string]any{
					"from_topic_id": m.TopicID,
					"to_topic_id":   toTopicID,
					"version":       newVersion,
				}),
			})
			if err != nil {
				return err
			}
			result.MessageIDs = append(result.MessageIDs, m.ID)
			result.EventIDs = append(result.EventIDs, eventID)
		}

		if err := touchTopic(tx, head.TopicID, now); err != nil {
			return err
		}
		return touchTopic(tx, toTopicID, now)
	})
	if err != nil {
		return nil, err
	}
	result.Count = len(result.MessageIDs)
	s.logger.Info("messages moved", "mode", mode, "count", result.Count, "to_topic_id", toTopicID)
	return result, nil
}

// selectMoveSet returns the rows a move affects, ascending by id. A move to
// the topic the messages already live in still rewrites the rows; callers
// get the uniform event shape either way.
func selectMoveSet(tx *sql.Tx, head *Message, mode, toTopicID string) ([]*Message, error) {
	switch mode {
	case MoveOne:
		return []*Message{head}, nil
	case MoveLater:
		return queryMessagesTx(tx,
			"SELECT "+messageColumns+" FROM messages WHERE topic_id = ? AND id >= ? AND deleted_at IS NULL ORDER BY id ASC",
			head.TopicID, head.ID)
	case MoveAll:
		return queryMessagesTx(tx,
			"SELECT "+messageColumns+" FROM messages WHERE topic_id = ? AND sender = ? AND deleted_at IS NULL ORDER BY id ASC",
			head.TopicID, head.Sender)
	}
	return nil, errInvalidInput("mode must be one, later, or all")
}

func readMessageTx(tx *sql.Tx, id string) (*Message, error) {
	m, err := scanMessage(tx.QueryRow("SELECT "+messageColumns+" FROM messages WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return nil, errNotFound("message", id)
	}
	if err != nil {
		return nil, fmt.Errorf("read message: %w", err)
	}
	return m, nil
}

func queryMessagesTx(tx *sql.Tx, query string, args ...any) ([]*Message, error) {
	rows, err := tx.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return out, nil
}

// GetMessage returns one message, tombstoned or not.
func (s *Service) GetMessage(ctx context.Context, id string) (*Message, error) {
	m, err := scanMessage(s.st.DB().QueryRowContext(ctx,
		"SELECT "+messageColumns+" FROM messages WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return nil, errNotFound("message", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	return m, nil
}

// ListMessages pages a topic's messages ascending by id. before_id and
// after_id are exclusive cursors; hasMore is computed by over-fetching one
// row. Tombstones are included so clients can render them.
func (s *Service) ListMessages(ctx context.Context, topicID, beforeID, afterID string, limit int) ([]Message, bool, error) {
	if topicID == "" {
		return nil, false, errInvalidInput("topic_id is required")
	}
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}

	if _, err := s.GetTopic(ctx, topicID); err != nil {
		return nil, false, err
	}

	query := "SELECT " + messageColumns + " FROM messages WHERE topic_id = ?"
	args := []any{topicID}
	if afterID != "" {
		query += " AND id > ?"
		args = append(args, afterID)
	}
	if beforeID != "" {
		query += " AND id < ?"
		args = append(args, beforeID)
	}
	query += " ORDER BY id ASC LIMIT ?"
	args = append(args, limit+1)

	rows, err := s.st.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, false, fmt.Errorf("list messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	messages := []Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, false, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, false, fmt.Errorf("iterate messages: %w", err)
	}

	hasMore := len(messages) > limit
	if hasMore {
		messages = messages[:limit]
	}
	return messages, hasMore, nil
}
