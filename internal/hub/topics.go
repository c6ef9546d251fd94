package hub

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/chorushq/chorus/internal/event"
	"github.com/chorushq/chorus/internal/ids"
	"github.com/chorushq/chorus/internal/store"
)

// CreateTopic creates a topic in an existing channel and emits
// topic.created.
func (s *Service) CreateTopic(ctx context.Context, channelID, title string) (*Topic, int64, error) {
	if err := validateText("title", title); err != nil {
		return nil, 0, err
	}

	var tp Topic
	var eventID int64
	err := s.st.Write(ctx, func(tx *sql.Tx) error {
		var exists string
		err := tx.QueryRow("SELECT id FROM channels WHERE id = ?", channelID).Scan(&exists)
		if err == sql.ErrNoRows {
			return errNotFound("channel", channelID)
		}
		if err != nil {
			return fmt.Errorf("check channel: %w", err)
		}

		seq, err := store.NextSeq(tx, "topic")
		if err != nil {
			return err
		}
		now := store.Now()
		tp = Topic{
			ID:        ids.TopicID(seq),
			ChannelID: channelID,
			Title:     title,
			CreatedAt: now,
			UpdatedAt: now,
		}
		_, err = tx.Exec(
			"INSERT INTO topics (id, channel_id, title, created_at, updated_at) VALUES (?, ?, ?, ?, ?)",
			tp.ID, tp.ChannelID, tp.Title, tp.CreatedAt, tp.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert topic: %w", err)
		}

		eventID, err = store.AppendEvent(tx, event.Event{
			Name:   event.TopicCreated,
			Scope:  event.Scope{ChannelID: channelID, TopicID: tp.ID},
			Entity: &event.Entity{Type: event.EntityTopic, ID: tp.ID},
			Data:   event.MarshalData(tp),
		})
		return err
	})
	if err != nil {
		return nil, 0, err
	}
	s.logger.Info("topic created", "topic_id", tp.ID, "channel_id", channelID, "event_id", eventID)
	return &tp, eventID, nil
}

// RenameTopic updates a topic's title and emits topic.renamed.
func (s *Service) RenameTopic(ctx context.Context, topicID, title string) (*Topic, int64, error) {
	if err := validateText("title", title); err != nil {
		return nil, 0, err
	}

	var tp Topic
	var eventID int64
	err := s.st.Write(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRow(
			"SELECT id, channel_id, title, created_at, updated_at FROM topics WHERE id = ?", topicID).
			Scan(&tp.ID, &tp.ChannelID, &tp.Title, &tp.CreatedAt, &tp.UpdatedAt)
		if err == sql.ErrNoRows {
			return errNotFound("topic", topicID)
		}
		if err != nil {
			return fmt.Errorf("get topic: %w", err)
		}

		tp.Title = title
		tp.UpdatedAt = store.Now()
		_, err = tx.Exec("UPDATE topics SET title = ?, updated_at = ? WHERE id = ?",
			tp.Title, tp.UpdatedAt, tp.ID)
		if err != nil {
			return fmt.Errorf("rename topic: %w", err)
		}

		eventID, err = store.AppendEvent(tx, event.Event{
			Name:   event.TopicRenamed,
			Scope:  event.Scope{ChannelID: tp.ChannelID, TopicID: tp.ID},
			Entity: &event.Entity{Type: event.EntityTopic, ID: tp.ID},
			Data:   event.MarshalData(map[string]any{"title": title, "topic": tp}),
		})
		return err
	})
	if err != nil {
		return nil, 0, err
	}
	return &tp, eventID, nil
}

// GetTopic returns one topic by id.
func (s *Service) GetTopic(ctx context.Context, id string) (*Topic, error) {
	var tp Topic
	err := s.st.DB().QueryRowContext(ctx,
		"SELECT id, channel_id, title, created_at, updated_at FROM topics WHERE id = ?", id).
		Scan(&tp.ID, &tp.ChannelID, &tp.Title, &tp.CreatedAt, &tp.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, errNotFound("topic", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get topic: %w", err)
	}
	return &tp, nil
}

// ListTopics pages topics of a channel by offset+limit. hasMore is computed
// by over-fetching one row.
func (s *Service) ListTopics(ctx context.Context, channelID string, limit, offset int) ([]Topic, bool, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	if offset < 0 {
		offset = 0
	}

	if _, err := s.GetChannel(ctx, channelID); err != nil {
		return nil, false, err
	}

	rows, err := s.st.DB().QueryContext(ctx, `
		SELECT id, channel_id, title, created_at, updated_at FROM topics
		WHERE channel_id = ? ORDER BY created_at, id LIMIT ? OFFSET ?`,
		channelID, limit+1, offset)
	if err != nil {
		return nil, false, fmt.Errorf("list topics: %w", err)
	}
	defer func() { _ = rows.Close() }()

	topics := []Topic{}
	for rows.Next() {
		var tp Topic
		if err := rows.Scan(&tp.ID, &tp.ChannelID, &tp.Title, &tp.CreatedAt, &tp.UpdatedAt); err != nil {
			return nil, false, fmt.Errorf("scan topic: %w", err)
		}
		topics = append(topics, tp)
	}
	if err := rows.Err(); err != nil {
		return nil, false, fmt.Errorf("iterate topics: %w", err)
	}

	hasMore := len(topics) > limit
	if hasMore {
		topics = topics[:limit]
	}
	return topics, hasMore, nil
}

// touchTopic bumps a topic's updated_at inside a write transaction.
func touchTopic(tx *sql.Tx, topicID, now string) error {
	if _, err := tx.Exec("UPDATE topics SET updated_at = ? WHERE id = ?", now, topicID); err != nil {
		return fmt.Errorf("touch topic %s: %w", topicID, err)
	}
	return nil
}
