package hub

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/chorushq/chorus/internal/event"
	"github.com/chorushq/chorus/internal/ids"
	"github.com/chorushq/chorus/internal/store"
)

// CreateChannel allocates a sequential channel id and emits
// channel.created. Duplicate names fail with NAME_TAKEN.
func (s *Service) CreateChannel(ctx context.Context, name, description string) (*Channel, int64, error) {
	if err := validateText("name", name); err != nil {
		return nil, 0, err
	}

	var ch Channel
	var eventID int64
	err := s.st.Write(ctx, func(tx *sql.Tx) error {
		var existing string
		err := tx.QueryRow("SELECT id FROM channels WHERE name = ?", name).Scan(&existing)
		if err == nil {
			return errNameTaken(name)
		}
		if err != sql.ErrNoRows {
			return fmt.Errorf("check channel name: %w", err)
		}

		seq, err := store.NextSeq(tx, "channel")
		if err != nil {
			return err
		}
		ch = Channel{
			ID:          ids.ChannelID(seq),
			Name:        name,
			Description: description,
			CreatedAt:   store.Now(),
		}
		_, err = tx.Exec(
			"INSERT INTO channels (id, name, description, created_at) VALUES (?, ?, ?, ?)",
			ch.ID, ch.Name, ch.Description, ch.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert channel: %w", err)
		}

		eventID, err = store.AppendEvent(tx, event.Event{
			Name:   event.ChannelCreated,
			Scope:  event.Scope{ChannelID: ch.ID},
			Entity: &event.Entity{Type: event.EntityChannel, ID: ch.ID},
			Data:   event.MarshalData(ch),
		})
		return err
	})
	if err != nil {
		return nil, 0, err
	}
	s.logger.Info("channel created", "channel_id", ch.ID, "event_id", eventID)
	return &ch, eventID, nil
}

// GetChannel returns one channel by id.
func (s *Service) GetChannel(ctx context.Context, id string) (*Channel, error) {
	var ch Channel
	err := s.st.DB().QueryRowContext(ctx,
		"SELECT id, name, description, created_at FROM channels WHERE id = ?", id).
		Scan(&ch.ID, &ch.Name, &ch.Description, &ch.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, errNotFound("channel", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get channel: %w", err)
	}
	return &ch, nil
}

// ListChannels returns all channels in creation order.
func (s *Service) ListChannels(ctx context.Context) ([]Channel, error) {
	rows, err := s.st.DB().QueryContext(ctx,
		"SELECT id, name, description, created_at FROM channels ORDER BY created_at, id")
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	defer func() { _ = rows.Close() }()

	channels := []Channel{}
	for rows.Next() {
		var ch Channel
		if err := rows.Scan(&ch.ID, &ch.Name, &ch.Description, &ch.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan channel: %w", err)
		}
		channels = append(channels, ch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate channels: %w", err)
	}
	return channels, nil
}
