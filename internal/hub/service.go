// Package hub implements the entity services: channels, topics, messages,
// attachments, and enrichments. Every mutation runs inside the store's
// single write transaction and appends its journal events there, so no
// event can reference a row that is not visible post-commit.
package hub

import (
	"encoding/json"
	"log/slog"
	"net/url"
	"strings"

	"github.com/chorushq/chorus/internal/store"
)

// Service exposes the entity operations. It is safe for concurrent use;
// writes serialize on the store's write path.
type Service struct {
	st     *store.Store
	logger *slog.Logger
}

// New creates the service.
func New(st *store.Store, logger *slog.Logger) *Service {
	return &Service{st: st, logger: logger}
}

// Store returns the underlying store, used by the API layer for journal
// reads and health metadata.
func (s *Service) Store() *store.Store { return s.st }

// Channel is a top-level grouping. Names are unique and immutable.
type Channel struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	CreatedAt   string `json:"created_at"`
}

// Topic belongs to exactly one channel.
type Topic struct {
	ID        string `json:"id"`
	ChannelID string `json:"channel_id"`
	Title     string `json:"title"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// Message is one chat entry. Deletion is a tombstone: the row stays, with
// DeletedAt/DeletedBy set and the version bumped.
type Message struct {
	ID         string  `json:"id"`
	TopicID    string  `json:"topic_id"`
	ChannelID  string  `json:"channel_id"`
	Sender     string  `json:"sender"`
	ContentRaw string  `json:"content_raw"`
	Version    int64   `json:"version"`
	CreatedAt  string  `json:"created_at"`
	EditedAt   *string `json:"edited_at"`
	DeletedAt  *string `json:"deleted_at"`
	DeletedBy  *string `json:"deleted_by"`
}

// Deleted reports whether the message is tombstoned.
func (m *Message) Deleted() bool { return m.DeletedAt != nil }

// Attachment is a structured blob on a topic, optionally sourced from a
// message. (topic_id, kind, key, dedupe_key) is the dedupe tuple.
type Attachment struct {
	ID              string          `json:"id"`
	TopicID         string          `json:"topic_id"`
	Kind            string          `json:"kind"`
	Key             string          `json:"key,omitempty"`
	ValueJSON       json.RawMessage `json:"value_json"`
	DedupeKey       string          `json:"dedupe_key,omitempty"`
	SourceMessageID string          `json:"source_message_id,omitempty"`
	CreatedAt       string          `json:"created_at"`
}

// Enrichment is a plugin-derived annotation tied to a specific message
// version.
type Enrichment struct {
	ID             string          `json:"id"`
	MessageID      string          `json:"message_id"`
	Kind           string          `json:"kind"`
	SpanStart      int64           `json:"span_start"`
	SpanEnd        int64           `json:"span_end"`
	Data           json.RawMessage `json:"data"`
	PluginName     string          `json:"plugin_name"`
	MessageVersion int64           `json:"message_version"`
	CreatedAt      string          `json:"created_at"`
}

// validateText rejects empty strings and strings containing control bytes
// (including NUL). Used for names, titles, kinds, keys, and senders.
func validateText(field, value string) error {
	if value == "" {
		return errInvalidInput("%s must not be empty", field)
	}
	for _, r := range value {
		if r < 0x20 && r != '\t' || r == 0x7f {
			return errInvalidInput("%s must not contain control characters", field)
		}
	}
	return nil
}

// validateURLValue checks the url field of a url-kind attachment value. A
// real parser is used; only http and https schemes pass.
func validateURLValue(valueJSON json.RawMessage) error {
	var v struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(valueJSON, &v); err != nil || v.URL == "" {
		return errInvalidInput("url attachments require a value_json.url string")
	}
	u, err := url.Parse(v.URL)
	if err != nil {
		return errInvalidInput("value_json.url is not a valid URL")
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return errInvalidInput("value_json.url scheme must be http or https")
	}
	return nil
}
