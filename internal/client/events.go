package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chorushq/chorus/internal/event"
	"github.com/chorushq/chorus/internal/hub"
)

// Events queries the journal. after < 0 means "tail only".
func (c *Client) Events(ctx context.Context, after int64, tail int) ([]event.Event, error) {
	var resp struct {
		Events []event.Event `json:"events"`
	}
	path := fmt.Sprintf("/api/v1/events?tail=%d", tail)
	if after >= 0 {
		path = fmt.Sprintf("/api/v1/events?after=%d&tail=%d", after, tail)
	}
	err := c.get(ctx, path, &resp)
	return resp.Events, err
}

// Search runs a full-text query against the daemon's index.
func (c *Client) Search(ctx context.Context, query, topicID, channelID string, limit int) ([]hub.Message, error) {
	var resp struct {
		Messages []hub.Message `json:"messages"`
	}
	q := url.Values{}
	q.Set("q", query)
	if topicID != "" {
		q.Set("topic_id", topicID)
	}
	if channelID != "" {
		q.Set("channel_id", channelID)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	err := c.get(ctx, "/api/v1/search?"+q.Encode(), &resp)
	return resp.Messages, err
}

// Follow connects to /ws, replays events after afterEventID, and invokes
// fn for every frame until ctx is canceled or fn returns an error.
func (c *Client) Follow(ctx context.Context, afterEventID int64, fn func(event.Event) error) error {
	u, err := url.Parse(c.base)
	if err != nil {
		return err
	}
	u.Scheme = "ws"
	u.Path = "/ws"
	u.RawQuery = "token=" + url.QueryEscape(c.token)

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	ws, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer func() { _ = ws.Close() }()

	if err := ws.WriteJSON(map[string]any{"type": "hello", "after_event_id": afterEventID}); err != nil {
		return err
	}

	// Close promptly when the caller gives up.
	go func() {
		<-ctx.Done()
		_ = ws.Close()
	}()

	var helloOK struct {
		Type        string `json:"type"`
		ReplayUntil int64  `json:"replay_until"`
	}
	if err := ws.ReadJSON(&helloOK); err != nil {
		return err
	}
	if helloOK.Type != "hello_ok" {
		return fmt.Errorf("unexpected first frame %q", helloOK.Type)
	}

	for {
		var frame struct {
			Type    string          `json:"type"`
			EventID int64           `json:"event_id"`
			TS      string          `json:"ts"`
			Name    string          `json:"name"`
			Scope   event.Scope     `json:"scope"`
			Entity  *event.Entity   `json:"entity"`
			Data    json.RawMessage `json:"data"`
		}
		if err := ws.ReadJSON(&frame); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if frame.Type != "event" {
			continue
		}
		if err := fn(event.Event{
			EventID: frame.EventID,
			TS:      frame.TS,
			Name:    frame.Name,
			Scope:   frame.Scope,
			Entity:  frame.Entity,
			Data:    frame.Data,
		}); err != nil {
			return err
		}
	}
}
