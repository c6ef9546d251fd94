// Package event defines the journal event model shared by the store,
// the entity services, and the stream hub.
package event

import "encoding/json"

// Event names recognized by the hub. Every entity mutation emits at least
// one of these in the same transaction as the row writes.
const (
	ChannelCreated     = "channel.created"
	TopicCreated       = "topic.created"
	TopicRenamed       = "topic.renamed"
	MessageCreated     = "message.created"
	MessageEdited      = "message.edited"
	MessageDeleted     = "message.deleted"
	MessageMoved       = "message.moved"
	MessageEnriched    = "message.enriched"
	TopicAttachmentAdd = "topic.attachment_added"
)

// Entity type tags used in Event.Entity.
const (
	EntityChannel    = "channel"
	EntityTopic      = "topic"
	EntityMessage    = "message"
	EntityAttachment = "attachment"
)

// Scope locates an event in the channel/topic hierarchy. For message moves
// TopicID is the destination and TopicID2 the source topic.
type Scope struct {
	ChannelID string `json:"channel_id,omitempty"`
	TopicID   string `json:"topic_id,omitempty"`
	TopicID2  string `json:"topic_id2,omitempty"`
}

// Entity identifies the row an event is about.
type Entity struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// Event is one journal row. EventID is assigned by the store inside the
// writing transaction and is strictly increasing; commit order equals id
// order because all writes are serialized.
type Event struct {
	EventID int64           `json:"event_id"`
	TS      string          `json:"ts"`
	Name    string          `json:"name"`
	Scope   Scope           `json:"scope"`
	Entity  *Entity         `json:"entity,omitempty"`
	Data    json.RawMessage `json:"data"`
}

// MarshalData encodes v for use as Event.Data, falling back to an empty
// object on marshal failure so a journal row is never written with invalid
// JSON.
func MarshalData(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return b
}
