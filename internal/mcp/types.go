package mcp

import "encoding/json"

type PostMessageInput struct {
	TopicID string `json:"topic_id" jsonschema:"Topic to post into, e.g. tp_1"`
	Sender  string `json:"sender" jsonschema:"Sender name recorded on the message"`
	Content string `json:"content" jsonschema:"Message text"`
}

type PostMessageOutput struct {
	MessageID string `json:"message_id" jsonschema:"ID of the new message"`
	EventID   int64  `json:"event_id" jsonschema:"Journal event id of the commit"`
	Version   int64  `json:"version" jsonschema:"Message version, always 1 on create"`
}

type ListMessagesInput struct {
	TopicID  string `json:"topic_id" jsonschema:"Topic to read, e.g. tp_1"`
	BeforeID string `json:"before_id,omitempty" jsonschema:"Return messages strictly before this message id"`
	AfterID  string `json:"after_id,omitempty" jsonschema:"Return messages strictly after this message id"`
	Limit    int    `json:"limit,omitempty" jsonschema:"Max messages to return. Default 50, max 200"`
}

type MessageInfo struct {
	ID      string `json:"id" jsonschema:"Message id"`
	Sender  string `json:"sender" jsonschema:"Sender name"`
	Content string `json:"content" jsonschema:"Message text, empty when deleted"`
	Version int64  `json:"version" jsonschema:"Current version"`
	Created string `json:"created" jsonschema:"Creation timestamp"`
	Deleted bool   `json:"deleted" jsonschema:"True when the message is a tombstone"`
}

type ListMessagesOutput struct {
	Messages []MessageInfo `json:"messages" jsonschema:"Messages in ascending order"`
	HasMore  bool          `json:"has_more" jsonschema:"True when more pages exist"`
}

type CreateTopicInput struct {
	ChannelID string `json:"channel_id" jsonschema:"Channel to create the topic in, e.g. ch_1"`
	Title     string `json:"title" jsonschema:"Topic title"`
}

type CreateTopicOutput struct {
	TopicID string `json:"topic_id" jsonschema:"ID of the new topic"`
	EventID int64  `json:"event_id" jsonschema:"Journal event id of the commit"`
}

type ListChannelsInput struct{}

type ChannelInfo struct {
	ID          string `json:"id" jsonschema:"Channel id"`
	Name        string `json:"name" jsonschema:"Unique channel name"`
	Description string `json:"description" jsonschema:"Channel description"`
}

type ListChannelsOutput struct {
	Channels []ChannelInfo `json:"channels" jsonschema:"All channels"`
}

type ListTopicsInput struct {
	ChannelID string `json:"channel_id" jsonschema:"Channel to list, e.g. ch_1"`
	Limit     int    `json:"limit,omitempty" jsonschema:"Max topics to return. Default 50"`
	Offset    int    `json:"offset,omitempty" jsonschema:"Topics to skip"`
}

type TopicInfo struct {
	ID      string `json:"id" jsonschema:"Topic id"`
	Title   string `json:"title" jsonschema:"Topic title"`
	Updated string `json:"updated" jsonschema:"Last activity timestamp"`
}

type ListTopicsOutput struct {
	Topics  []TopicInfo `json:"topics" jsonschema:"Topics, most recently active first"`
	HasMore bool        `json:"has_more" jsonschema:"True when more pages exist"`
}

type AddAttachmentInput struct {
	TopicID   string         `json:"topic_id" jsonschema:"Topic to attach to, e.g. tp_1"`
	Kind      string         `json:"kind" jsonschema:"Attachment kind, e.g. url or note"`
	Key       string         `json:"key,omitempty" jsonschema:"Optional grouping key"`
	Value     map[string]any `json:"value" jsonschema:"Attachment payload. url kinds need a url field"`
	DedupeKey string         `json:"dedupe_key,omitempty" jsonschema:"Identical (kind,key,dedupe_key) on one topic dedupes silently"`
}

type AddAttachmentOutput struct {
	AttachmentID string `json:"attachment_id" jsonschema:"ID of the attachment row"`
	Deduplicated bool   `json:"deduplicated" jsonschema:"True when an existing row was reused"`
}

type WaitForEventInput struct {
	AfterEventID int64  `json:"after_event_id" jsonschema:"Only events with a larger id are considered"`
	TopicID      string `json:"topic_id,omitempty" jsonschema:"Only events scoped to this topic"`
	Name         string `json:"name,omitempty" jsonschema:"Only events with this name, e.g. message.created"`
	Timeout      int    `json:"timeout,omitempty" jsonschema:"Max seconds to wait. Default 60, max 300"`
}

type WaitForEventOutput struct {
	Status  string          `json:"status" jsonschema:"event or timeout"`
	EventID int64           `json:"event_id,omitempty" jsonschema:"ID of the matched event"`
	Name    string          `json:"name,omitempty" jsonschema:"Name of the matched event"`
	TopicID string          `json:"topic_id,omitempty" jsonschema:"Topic scope of the matched event"`
	Data    json.RawMessage `json:"data,omitempty" jsonschema:"Event payload"`
}
