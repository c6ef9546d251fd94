package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	gomcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/chorushq/chorus/internal/event"
	"github.com/chorushq/chorus/internal/hub"
)

const (
	defaultWaitSeconds = 60
	maxWaitSeconds     = 300
)

func (s *Server) handlePostMessage(
	ctx context.Context,
	req *gomcp.CallToolRequest,
	input PostMessageInput,
) (*gomcp.CallToolResult, PostMessageOutput, error) {
	if input.TopicID == "" || input.Sender == "" || input.Content == "" {
		return nil, PostMessageOutput{}, fmt.Errorf("topic_id, sender, and content are all required")
	}
	msg, eventID, err := s.cli.CreateMessage(ctx, input.TopicID, input.Sender, input.Content)
	if err != nil {
		return nil, PostMessageOutput{}, fmt.Errorf("post message: %w", err)
	}
	return nil, PostMessageOutput{MessageID: msg.ID, EventID: eventID, Version: msg.Version}, nil
}

func (s *Server) handleListMessages(
	ctx context.Context,
	req *gomcp.CallToolRequest,
	input ListMessagesInput,
) (*gomcp.CallToolResult, ListMessagesOutput, error) {
	if input.TopicID == "" {
		return nil, ListMessagesOutput{}, fmt.Errorf("'topic_id' is required")
	}
	msgs, hasMore, err := s.cli.ListMessages(ctx, input.TopicID, input.BeforeID, input.AfterID, input.Limit)
	if err != nil {
		return nil, ListMessagesOutput{}, fmt.Errorf("list messages: %w", err)
	}
	out := ListMessagesOutput{Messages: make([]MessageInfo, 0, len(msgs)), HasMore: hasMore}
	for _, m := range msgs {
		info := MessageInfo{
			ID:      m.ID,
			Sender:  m.Sender,
			Content: m.ContentRaw,
			Version: m.Version,
			Created: m.CreatedAt,
			Deleted: m.Deleted(),
		}
		if info.Deleted {
			info.Content = ""
		}
		out.Messages = append(out.Messages, info)
	}
	return nil, out, nil
}

func (s *Server) handleCreateTopic(
	ctx context.Context,
	req *gomcp.CallToolRequest,
	input CreateTopicInput,
) (*gomcp.CallToolResult, CreateTopicOutput, error) {
	if input.ChannelID == "" || input.Title == "" {
		return nil, CreateTopicOutput{}, fmt.Errorf("channel_id and title are required")
	}
	tp, eventID, err := s.cli.CreateTopic(ctx, input.ChannelID, input.Title)
	if err != nil {
		return nil, CreateTopicOutput{}, fmt.Errorf("create topic: %w", err)
	}
	return nil, CreateTopicOutput{TopicID: tp.ID, EventID: eventID}, nil
}

func (s *Server) handleListChannels(
	ctx context.Context,
	req *gomcp.CallToolRequest,
	input ListChannelsInput,
) (*gomcp.CallToolResult, ListChannelsOutput, error) {
	channels, err := s.cli.ListChannels(ctx)
	if err != nil {
		return nil, ListChannelsOutput{}, fmt.Errorf("list channels: %w", err)
	}
	out := ListChannelsOutput{Channels: make([]ChannelInfo, 0, len(channels))}
	for _, ch := range channels {
		out.Channels = append(out.Channels, ChannelInfo{ID: ch.ID, Name: ch.Name, Description: ch.Description})
	}
	return nil, out, nil
}

func (s *Server) handleListTopics(
	ctx context.Context,
	req *gomcp.CallToolRequest,
	input ListTopicsInput,
) (*gomcp.CallToolResult, ListTopicsOutput, error) {
	if input.ChannelID == "" {
		return nil, ListTopicsOutput{}, fmt.Errorf("'channel_id' is required")
	}
	topics, hasMore, err := s.cli.ListTopics(ctx, input.ChannelID, input.Limit, input.Offset)
	if err != nil {
		return nil, ListTopicsOutput{}, fmt.Errorf("list topics: %w", err)
	}
	out := ListTopicsOutput{Topics: make([]TopicInfo, 0, len(topics)), HasMore: hasMore}
	for _, tp := range topics {
		out.Topics = append(out.Topics, TopicInfo{ID: tp.ID, Title: tp.Title, Updated: tp.UpdatedAt})
	}
	return nil, out, nil
}

func (s *Server) handleAddAttachment(
	ctx context.Context,
	req *gomcp.CallToolRequest,
	input AddAttachmentInput,
) (*gomcp.CallToolResult, AddAttachmentOutput, error) {
	if input.TopicID == "" || input.Kind == "" {
		return nil, AddAttachmentOutput{}, fmt.Errorf("topic_id and kind are required")
	}
	value, err := json.Marshal(input.Value)
	if err != nil {
		return nil, AddAttachmentOutput{}, fmt.Errorf("encode value: %w", err)
	}
	att, deduplicated, err := s.cli.AddAttachment(ctx, input.TopicID, hub.AddAttachmentParams{
		TopicID:   input.TopicID,
		Kind:      input.Kind,
		Key:       input.Key,
		ValueJSON: value,
		DedupeKey: input.DedupeKey,
	})
	if err != nil {
		return nil, AddAttachmentOutput{}, fmt.Errorf("add attachment: %w", err)
	}
	return nil, AddAttachmentOutput{AttachmentID: att.ID, Deduplicated: deduplicated}, nil
}

// handleWaitForEvent follows the event stream until a matching event
// arrives. Timeouts return status "timeout" rather than an error so agent
// loops can poll without special-casing.
func (s *Server) handleWaitForEvent(
	ctx context.Context,
	req *gomcp.CallToolRequest,
	input WaitForEventInput,
) (*gomcp.CallToolResult, WaitForEventOutput, error) {
	timeout := input.Timeout
	if timeout <= 0 {
		timeout = defaultWaitSeconds
	}
	if timeout > maxWaitSeconds {
		timeout = maxWaitSeconds
	}

	waitCtx, cancel := context.WithTimeout(ctx, time.Duration(timeout)*time.Second)
	defer cancel()

	var matched *event.Event
	errFound := errors.New("matched")
	err := s.cli.Follow(waitCtx, input.AfterEventID, func(ev event.Event) error {
		if input.Name != "" && ev.Name != input.Name {
			return nil
		}
		if input.TopicID != "" && ev.Scope.TopicID != input.TopicID && ev.Scope.TopicID2 != input.TopicID {
			return nil
		}
		matched = &ev
		return errFound
	})

	switch {
	case matched != nil:
		return nil, WaitForEventOutput{
			Status:  "event",
			EventID: matched.EventID,
			Name:    matched.Name,
			TopicID: matched.Scope.TopicID,
			Data:    matched.Data,
		}, nil
	case errors.Is(err, context.DeadlineExceeded) || waitCtx.Err() == context.DeadlineExceeded:
		return nil, WaitForEventOutput{Status: "timeout"}, nil
	default:
		return nil, WaitForEventOutput{}, fmt.Errorf("wait for event: %w", err)
	}
}
