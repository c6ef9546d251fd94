// Package plugin runs workspace-local WebAssembly plugins against new and
// edited messages. Linkifiers annotate a message with enrichments;
// extractors promote structured attachments onto the topic. Guests are
// WASI command modules: JSON in on stdin, a JSON array out on stdout.
package plugin

import (
	"encoding/json"
	"fmt"

	"github.com/chorushq/chorus/internal/hub"
)

// invocation is the stdin payload a guest receives.
type invocation struct {
	Message invocationMessage `json:"message"`
	Config  map[string]any    `json:"config"`
}

type invocationMessage struct {
	ID         string `json:"id"`
	TopicID    string `json:"topic_id"`
	ChannelID  string `json:"channel_id"`
	Sender     string `json:"sender"`
	ContentRaw string `json:"content_raw"`
	Version    int64  `json:"version"`
}

func encodeInvocation(snap *hub.Snapshot, cfg map[string]any) ([]byte, error) {
	return json.Marshal(invocation{
		Message: invocationMessage{
			ID:         snap.MessageID,
			TopicID:    snap.TopicID,
			ChannelID:  snap.ChannelID,
			Sender:     snap.Sender,
			ContentRaw: snap.ContentRaw,
			Version:    snap.Version,
		},
		Config: cfg,
	})
}

// enrichmentRow is one element of a linkifier's stdout array.
type enrichmentRow struct {
	Kind string `json:"kind"`
	Span struct {
		Start int64 `json:"start"`
		End   int64 `json:"end"`
	} `json:"span"`
	Data json.RawMessage `json:"data"`
}

// parseEnrichments validates linkifier output. contentLen bounds the spans,
// measured in bytes of the content the guest saw.
func parseEnrichments(raw []byte, contentLen int) ([]hub.EnrichmentInput, error) {
	var rows []enrichmentRow
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("stdout is not a JSON array of enrichments: %w", err)
	}
	out := make([]hub.EnrichmentInput, 0, len(rows))
	for i, row := range rows {
		if row.Kind == "" {
			return nil, fmt.Errorf("enrichment %d: kind is empty", i)
		}
		if row.Span.Start < 0 || row.Span.Start > row.Span.End || row.Span.End > int64(contentLen) {
			return nil, fmt.Errorf("enrichment %d: span [%d,%d) out of bounds for %d-byte content",
				i, row.Span.Start, row.Span.End, contentLen)
		}
		data := row.Data
		if len(data) == 0 {
			data = json.RawMessage(`{}`)
		} else if !json.Valid(data) {
			return nil, fmt.Errorf("enrichment %d: data is not valid JSON", i)
		}
		out = append(out, hub.EnrichmentInput{
			Kind:      row.Kind,
			SpanStart: row.Span.Start,
			SpanEnd:   row.Span.End,
			Data:      data,
		})
	}
	return out, nil
}

// attachmentRow is one element of an extractor's stdout array.
type attachmentRow struct {
	Kind      string          `json:"kind"`
	Key       string          `json:"key"`
	ValueJSON json.RawMessage `json:"value_json"`
	DedupeKey string          `json:"dedupe_key"`
}

// parseAttachments validates extractor output shape. Kind-specific rules
// (url scheme checks) are enforced by the attachment service on insert.
func parseAttachments(raw []byte) ([]hub.ExtractedAttachment, error) {
	var rows []attachmentRow
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("stdout is not a JSON array of attachments: %w", err)
	}
	out := make([]hub.ExtractedAttachment, 0, len(rows))
	for i, row := range rows {
		if row.Kind == "" {
			return nil, fmt.Errorf("attachment %d: kind is empty", i)
		}
		if len(row.ValueJSON) == 0 || !json.Valid(row.ValueJSON) {
			return nil, fmt.Errorf("attachment %d: value_json is not valid JSON", i)
		}
		out = append(out, hub.ExtractedAttachment{
			Kind:      row.Kind,
			Key:       row.Key,
			ValueJSON: row.ValueJSON,
			DedupeKey: row.DedupeKey,
		})
	}
	return out, nil
}
