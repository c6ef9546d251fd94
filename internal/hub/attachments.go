package hub

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/chorushq/chorus/internal/event"
	"github.com/chorushq/chorus/internal/ids"
	"github.com/chorushq/chorus/internal/store"
)

// AddAttachmentParams are the inputs to AddAttachment.
type AddAttachmentParams struct {
	TopicID         string
	Kind            string
	Key             string
	ValueJSON       json.RawMessage
	DedupeKey       string
	SourceMessageID string
}

// AddAttachment inserts an attachment on a topic. When a row with the same
// (topic_id, kind, key, dedupe_key) exists, the existing row is returned
// with deduplicated=true and no event is emitted.
func (s *Service) AddAttachment(ctx context.Context, p AddAttachmentParams) (*Attachment, int64, bool, error) {
	if err := validateText("kind", p.Kind); err != nil {
		return nil, 0, false, err
	}
	if p.Key != "" {
		if err := validateText("key", p.Key); err != nil {
			return nil, 0, false, err
		}
	}
	if len(p.ValueJSON) == 0 || !json.Valid(p.ValueJSON) {
		return nil, 0, false, errInvalidInput("value_json must be a JSON object")
	}
	if p.Kind == "url" {
		if err := validateURLValue(p.ValueJSON); err != nil {
			return nil, 0, false, err
		}
	}

	var att Attachment
	var eventID int64
	var deduplicated bool
	err := s.st.Write(ctx, func(tx *sql.Tx) error {
		var channelID string
		err := tx.QueryRow("SELECT channel_id FROM topics WHERE id = ?", p.TopicID).Scan(&channelID)
		if err == sql.ErrNoRows {
			return errNotFound("topic", p.TopicID)
		}
		if err != nil {
			return fmt.Errorf("resolve topic: %w", err)
		}

		if p.SourceMessageID != "" {
			var exists string
			err := tx.QueryRow("SELECT id FROM messages WHERE id = ?", p.SourceMessageID).Scan(&exists)
			if err == sql.ErrNoRows {
				return errNotFound("message", p.SourceMessageID)
			}
			if err != nil {
				return fmt.Errorf("resolve source message: %w", err)
			}
		}

		existing, err := attachmentByTupleTx(tx, p.TopicID, p.Kind, p.Key, p.DedupeKey)
		if err != nil {
			return err
		}
		if existing != nil {
			att = *existing
			deduplicated = true
			return nil
		}

		att = Attachment{
			ID:              ids.NewAttachmentID(),
			TopicID:         p.TopicID,
			Kind:            p.Kind,
			Key:             p.Key,
			ValueJSON:       p.ValueJSON,
			DedupeKey:       p.DedupeKey,
			SourceMessageID: p.SourceMessageID,
			CreatedAt:       store.Now(),
		}
		_, err = tx.Exec(`
			INSERT INTO attachments (id, topic_id, kind, key, value_json, dedupe_key, source_message_id, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			att.ID, att.TopicID, att.Kind, att.Key, string(att.ValueJSON), att.DedupeKey,
			nullIfEmpty(att.SourceMessageID), att.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert attachment: %w", err)
		}

		eventID, err = store.AppendEvent(tx, event.Event{
			Name:   event.TopicAttachmentAdd,
			Scope:  event.Scope{ChannelID: channelID, TopicID: p.TopicID},
			Entity: &event.Entity{Type: event.EntityAttachment, ID: att.ID},
			Data:   event.MarshalData(att),
		})
		return err
	})
	if err != nil {
		return nil, 0, false, err
	}
	return &att, eventID, deduplicated, nil
}

func attachmentByTupleTx(tx *sql.Tx, topicID, kind, key, dedupeKey string) (*Attachment, error) {
	att, err := scanAttachment(tx.QueryRow(`
		SELECT id, topic_id, kind, key, value_json, dedupe_key, source_message_id, created_at
		FROM attachments WHERE topic_id = ? AND kind = ? AND key = ? AND dedupe_key = ?`,
		topicID, kind, key, dedupeKey))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("check attachment dedupe tuple: %w", err)
	}
	return att, nil
}

func scanAttachment(row interface{ Scan(...any) error }) (*Attachment, error) {
	var att Attachment
	var valueJSON string
	var source sql.NullString
	err := row.Scan(&att.ID, &att.TopicID, &att.Kind, &att.Key, &valueJSON,
		&att.DedupeKey, &source, &att.CreatedAt)
	if err != nil {
		return nil, err
	}
	att.ValueJSON = json.RawMessage(valueJSON)
	att.SourceMessageID = source.String
	return &att, nil
}

// ListAttachments returns a topic's attachments, optionally filtered by
// kind, in creation order.
func (s *Service) ListAttachments(ctx context.Context, topicID, kind string) ([]Attachment, error) {
	if _, err := s.GetTopic(ctx, topicID); err != nil {
		return nil, err
	}

	query := `
		SELECT id, topic_id, kind, key, value_json, dedupe_key, source_message_id, created_at
		FROM attachments WHERE topic_id = ?`
	args := []any{topicID}
	if kind != "" {
		query += " AND kind = ?"
		args = append(args, kind)
	}
	query += " ORDER BY created_at, id"

	rows, err := s.st.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list attachments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	attachments := []Attachment{}
	for rows.Next() {
		att, err := scanAttachment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan attachment: %w", err)
		}
		attachments = append(attachments, *att)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attachments: %w", err)
	}
	return attachments, nil
}

func nullIfEmpty(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
