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

// Snapshot captures the message fields the staleness guard compares. It is
// taken before plugin invocation and re-checked inside the transaction that
// would commit the plugin's outputs.
type Snapshot struct {
	MessageID  string
	TopicID    string
	ChannelID  string
	Sender     string
	ContentRaw string
	Version    int64
	DeletedAt  *string
}

// EnrichmentInput is one validated linkifier output row.
type EnrichmentInput struct {
	Kind      string
	SpanStart int64
	SpanEnd   int64
	Data      json.RawMessage
}

// ExtractedAttachment is one validated extractor output row.
type ExtractedAttachment struct {
	Kind      string
	Key       string
	ValueJSON json.RawMessage
	DedupeKey string
}

// SnapshotMessage reads the staleness-guard fields for a message.
func (s *Service) SnapshotMessage(ctx context.Context, messageID string) (*Snapshot, error) {
	var snap Snapshot
	err := s.st.DB().QueryRowContext(ctx, `
		SELECT id, topic_id, channel_id, sender, content_raw, version, deleted_at
		FROM messages WHERE id = ?`, messageID).
		Scan(&snap.MessageID, &snap.TopicID, &snap.ChannelID, &snap.Sender,
			&snap.ContentRaw, &snap.Version, &snap.DeletedAt)
	if err == sql.ErrNoRows {
		return nil, errNotFound("message", messageID)
	}
	if err != nil {
		return nil, fmt.Errorf("snapshot message: %w", err)
	}
	return &snap, nil
}

// snapshotStale re-reads the guard fields inside tx and reports whether
// they diverged from snap. A deleted or vanished row counts as stale.
func snapshotStale(tx *sql.Tx, snap *Snapshot) (bool, error) {
	var content string
	var version int64
	var deletedAt *string
	err := tx.QueryRow(
		"SELECT content_raw, version, deleted_at FROM messages WHERE id = ?", snap.MessageID).
		Scan(&content, &version, &deletedAt)
	if err == sql.ErrNoRows {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("re-read message %s: %w", snap.MessageID, err)
	}
	if content != snap.ContentRaw || version != snap.Version {
		return true, nil
	}
	if (deletedAt == nil) != (snap.DeletedAt == nil) {
		return true, nil
	}
	return false, nil
}

// ApplyEnrichments commits linkifier outputs for a message. If the message
// changed since snap was taken, everything is discarded: no rows, no event,
// stale=true. A non-empty commit emits one message.enriched event.
func (s *Service) ApplyEnrichments(ctx context.Context, snap *Snapshot, pluginName string, inputs []EnrichmentInput) (int64, bool, error) {
	if len(inputs) == 0 {
		return 0, false, nil
	}

	var eventID int64
	var stale bool
	err := s.st.Write(ctx, func(tx *sql.Tx) error {
		var err error
		stale, err = snapshotStale(tx, snap)
		if err != nil || stale {
			return err
		}

		now := store.Now()
		rows := make([]Enrichment, 0, len(inputs))
		for _, in := range inputs {
			enr := Enrichment{
				ID:             ids.NewEnrichmentID(),
				MessageID:      snap.MessageID,
				Kind:           in.Kind,
				SpanStart:      in.SpanStart,
				SpanEnd:        in.SpanEnd,
				Data:           in.Data,
				PluginName:     pluginName,
				MessageVersion: snap.Version,
				CreatedAt:      now,
			}
			_, err := tx.Exec(`
				INSERT INTO enrichments (id, message_id, kind, span_start, span_end, data_json, plugin_name, message_version, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				enr.ID, enr.MessageID, enr.Kind, enr.SpanStart, enr.SpanEnd,
				string(enr.Data), enr.PluginName, enr.MessageVersion, enr.CreatedAt)
			if err != nil {
				return fmt.Errorf("insert enrichment: %w", err)
			}
			rows = append(rows, enr)
		}

		eventID, err = store.AppendEvent(tx, event.Event{
			Name:   event.MessageEnriched,
			Scope:  event.Scope{ChannelID: snap.ChannelID, TopicID: snap.TopicID},
			Entity: &event.Entity{Type: event.EntityMessage, ID: snap.MessageID},
			Data: event.MarshalData(map[string]any{
				"plugin":      pluginName,
				"enrichments": rows,
			}),
		})
		return err
	})
	if err != nil {
		return 0, false, err
	}
	if stale {
		s.logger.Info("enrichments discarded: message changed during plugin run",
			"message_id", snap.MessageID, "plugin", pluginName)
	}
	return eventID, stale, nil
}

// ApplyExtracted commits extractor outputs as attachments on the message's
// topic, under the same staleness guard. Rows validate exactly like
// AddAttachment inputs; plugin output is untrusted. Dedupe-tuple hits are
// silently skipped. One topic.attachment_added event is emitted per
// inserted row; the returned ids are those events'.
func (s *Service) ApplyExtracted(ctx context.Context, snap *Snapshot, pluginName string, inputs []ExtractedAttachment) ([]int64, bool, error) {
	if len(inputs) == 0 {
		return nil, false, nil
	}
	for _, in := range inputs {
		if err := validateText("kind", in.Kind); err != nil {
			return nil, false, err
		}
		if in.Key != "" {
			if err := validateText("key", in.Key); err != nil {
				return nil, false, err
			}
		}
		if len(in.ValueJSON) == 0 || !json.Valid(in.ValueJSON) {
			return nil, false, errInvalidInput("value_json must be a JSON object")
		}
		if in.Kind == "url" {
			if err := validateURLValue(in.ValueJSON); err != nil {
				return nil, false, err
			}
		}
	}

	var eventIDs []int64
	var stale bool
	err := s.st.Write(ctx, func(tx *sql.Tx) error {
		var err error
		stale, err = snapshotStale(tx, snap)
		if err != nil || stale {
			return err
		}

		now := store.Now()
		for _, in := range inputs {
			existing, err := attachmentByTupleTx(tx, snap.TopicID, in.Kind, in.Key, in.DedupeKey)
			if err != nil {
				return err
			}
			if existing != nil {
				continue
			}

			att := Attachment{
				ID:              ids.NewAttachmentID(),
				TopicID:         snap.TopicID,
				Kind:            in.Kind,
				Key:             in.Key,
				ValueJSON:       in.ValueJSON,
				DedupeKey:       in.DedupeKey,
				SourceMessageID: snap.MessageID,
				CreatedAt:       now,
			}
			_, err = tx.Exec(`
				INSERT INTO attachments (id, topic_id, kind, key, value_json, dedupe_key, source_message_id, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				att.ID, att.TopicID, att.Kind, att.Key, string(att.ValueJSON),
				att.DedupeKey, att.SourceMessageID, att.CreatedAt)
			if err != nil {
				return fmt.Errorf("insert extracted attachment: %w", err)
			}

			eventID, err := store.AppendEvent(tx, event.Event{
				Name:   event.TopicAttachmentAdd,
				Scope:  event.Scope{ChannelID: snap.ChannelID, TopicID: snap.TopicID},
				Entity: &event.Entity{Type: event.EntityAttachment, ID: att.ID},
				Data:   event.MarshalData(att),
			})
			if err != nil {
				return err
			}
			eventIDs = append(eventIDs, eventID)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if stale {
		s.logger.Info("extracted attachments discarded: message changed during plugin run",
			"message_id", snap.MessageID, "plugin", pluginName)
	}
	return eventIDs, stale, nil
}

// ListEnrichments returns a message's enrichments in creation order.
func (s *Service) ListEnrichments(ctx context.Context, messageID string) ([]Enrichment, error) {
	if _, err := s.GetMessage(ctx, messageID); err != nil {
		return nil, err
	}

	rows, err := s.st.DB().QueryContext(ctx, `
		SELECT id, message_id, kind, span_start, span_end, data_json, plugin_name, message_version, created_at
		FROM enrichments WHERE message_id = ? ORDER BY created_at, id`, messageID)
	if err != nil {
		return nil, fmt.Errorf("list enrichments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	enrichments := []Enrichment{}
	for rows.Next() {
		var enr Enrichment
		var data string
		if err := rows.Scan(&enr.ID, &enr.MessageID, &enr.Kind, &enr.SpanStart, &enr.SpanEnd,
			&data, &enr.PluginName, &enr.MessageVersion, &enr.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan enrichment: %w", err)
		}
		enr.Data = json.RawMessage(data)
		enrichments = append(enrichments, enr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate enrichments: %w", err)
	}
	return enrichments, nil
}

// Search runs a full-text query, mapping the store's typed unavailability
// error onto the service taxonomy.
func (s *Service) Search(ctx context.Context, query, topicID, channelID string, limit int) ([]Message, error) {
	if query == "" {
		return nil, errInvalidInput("q is required")
	}
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}

	hits, err := s.st.SearchMessages(ctx, query, topicID, channelID, limit)
	if err == store.ErrSearchUnavailable {
		return nil, ErrSearchUnavailable
	}
	if err != nil {
		return nil, err
	}

	messages := []Message{}
	for _, h := range hits {
		m, err := s.GetMessage(ctx, h.MessageID)
		if err != nil {
			return nil, err
		}
		messages = append(messages, *m)
	}
	return messages, nil
}
