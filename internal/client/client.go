// Package client talks to a running chorus daemon from the same machine.
// It reads .chorus/server.json for the address and token, so CLI commands
// and the MCP server need no flags beyond the workspace path.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/chorushq/chorus/internal/daemon"
	"github.com/chorushq/chorus/internal/hub"
)

var (
	// ErrNoDaemon means server.json is absent: nothing is running here.
	ErrNoDaemon = errors.New("no daemon running in this workspace")
	// ErrUnreachable means server.json exists but the daemon does not
	// answer. Status commands map it to exit code 3.
	ErrUnreachable = errors.New("daemon is not reachable")
	// ErrAuthRejected means the recorded token was refused. Exit code 4.
	ErrAuthRejected = errors.New("daemon rejected the recorded token")
)

// APIError is a decoded error envelope from the daemon.
type APIError struct {
	Status    int
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details"`
	RequestID string         `json:"request_id"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Client is a thin HTTP wrapper over the daemon's v1 API.
type Client struct {
	base  string
	token string
	http  *http.Client
	sf    *daemon.ServerFile
}

// Connect reads server.json and returns a client. It does not probe the
// daemon; call Health for that.
func Connect(root string) (*Client, error) {
	sf, err := daemon.ReadServerFile(root)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoDaemon
	}
	if err != nil {
		return nil, err
	}
	return &Client{
		base:  sf.BaseURL(),
		token: sf.AuthToken,
		http:  &http.Client{Timeout: 30 * time.Second},
		sf:    sf,
	}, nil
}

// ServerFile returns the contact record the client was built from.
func (c *Client) ServerFile() *daemon.ServerFile { return c.sf }

// Health describes a live daemon.
type Health struct {
	Status          string `json:"status"`
	InstanceID      string `json:"instance_id"`
	DBID            string `json:"db_id"`
	SchemaVersion   int    `json:"schema_version"`
	ProtocolVersion int    `json:"protocol_version"`
	PID             int    `json:"pid"`
	UptimeSeconds   int64  `json:"uptime_seconds"`
}

// Health probes the daemon, folding transport failures into
// ErrUnreachable.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var h Health
	if err := c.get(ctx, "/health", &h); err != nil {
		var ae *APIError
		if errors.As(err, &ae) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	if h.InstanceID != c.sf.InstanceID {
		return nil, fmt.Errorf("%w: another daemon answered on the recorded port", ErrUnreachable)
	}
	return &h, nil
}

// VerifyAuth checks the recorded token against a mutation-path endpoint.
func (c *Client) VerifyAuth(ctx context.Context) error {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/v1/bootstrap", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode == http.StatusUnauthorized {
		return ErrAuthRejected
	}
	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func decodeError(resp *http.Response) error {
	ae := &APIError{Status: resp.StatusCode}
	if err := json.NewDecoder(resp.Body).Decode(ae); err != nil || ae.Code == "" {
		return fmt.Errorf("daemon returned status %d", resp.StatusCode)
	}
	return ae
}

// --- entity operations ---

// CreateChannel posts a new channel.
func (c *Client) CreateChannel(ctx context.Context, name, description string) (*hub.Channel, int64, error) {
	var resp struct {
		Channel *hub.Channel `json:"channel"`
		EventID int64        `json:"event_id"`
	}
	err := c.do(ctx, http.MethodPost, "/api/v1/channels",
		map[string]any{"name": name, "description": description}, &resp)
	return resp.Channel, resp.EventID, err
}

func (c *Client) ListChannels(ctx context.Context) ([]hub.Channel, error) {
	var resp struct {
		Channels []hub.Channel `json:"channels"`
	}
	err := c.get(ctx, "/api/v1/channels", &resp)
	return resp.Channels, err
}

func (c *Client) CreateTopic(ctx context.Context, channelID, title string) (*hub.Topic, int64, error) {
	var resp struct {
		Topic   *hub.Topic `json:"topic"`
		EventID int64      `json:"event_id"`
	}
	err := c.do(ctx, http.MethodPost, "/api/v1/topics",
		map[string]any{"channel_id": channelID, "title": title}, &resp)
	return resp.Topic, resp.EventID, err
}

func (c *Client) ListTopics(ctx context.Context, channelID string, limit, offset int) ([]hub.Topic, bool, error) {
	var resp struct {
		Topics  []hub.Topic `json:"topics"`
		HasMore bool        `json:"has_more"`
	}
	path := fmt.Sprintf("/api/v1/channels/%s/topics?limit=%d&offset=%d", channelID, limit, offset)
	err := c.get(ctx, path, &resp)
	return resp.Topics, resp.HasMore, err
}

func (c *Client) RenameTopic(ctx context.Context, topicID, title string) (*hub.Topic, error) {
	var resp struct {
		Topic *hub.Topic `json:"topic"`
	}
	err := c.do(ctx, http.MethodPatch, "/api/v1/topics/"+topicID,
		map[string]any{"title": title}, &resp)
	return resp.Topic, err
}

func (c *Client) CreateMessage(ctx context.Context, topicID, sender, content string) (*hub.Message, int64, error) {
	var resp struct {
		Message *hub.Message `json:"message"`
		EventID int64        `json:"event_id"`
	}
	err := c.do(ctx, http.MethodPost, "/api/v1/messages",
		map[string]any{"topic_id": topicID, "sender": sender, "content_raw": content}, &resp)
	return resp.Message, resp.EventID, err
}

func (c *Client) ListMessages(ctx context.Context, topicID, beforeID, afterID string, limit int) ([]hub.Message, bool, error) {
	var resp struct {
		Messages []hub.Message `json:"messages"`
		HasMore  bool          `json:"has_more"`
	}
	path := fmt.Sprintf("/api/v1/messages?topic_id=%s&before_id=%s&after_id=%s&limit=%d",
		topicID, beforeID, afterID, limit)
	err := c.get(ctx, path, &resp)
	return resp.Messages, resp.HasMore, err
}

func (c *Client) EditMessage(ctx context.Context, id, content string, expectedVersion *int64) (*hub.Message, error) {
	body := map[string]any{"op": "edit", "content_raw": content}
	if expectedVersion != nil {
		body["expected_version"] = *expectedVersion
	}
	var resp struct {
		Message *hub.Message `json:"message"`
	}
	err := c.do(ctx, http.MethodPatch, "/api/v1/messages/"+id, body, &resp)
	return resp.Message, err
}

func (c *Client) DeleteMessage(ctx context.Context, id, actor string, expectedVersion *int64) (*hub.Message, error) {
	body := map[string]any{"op": "delete", "actor": actor}
	if expectedVersion != nil {
		body["expected_version"] = *expectedVersion
	}
	var resp struct {
		Message *hub.Message `json:"message"`
	}
	err := c.do(ctx, http.MethodPatch, "/api/v1/messages/"+id, body, &resp)
	return resp.Message, err
}

func (c *Client) MoveMessages(ctx context.Context, id, toTopicID, mode string, expectedVersion *int64, confirm bool) (*hub.MoveResult, error) {
	body := map[string]any{"op": "move_topic", "to_topic_id": toTopicID, "mode": mode, "confirm": confirm}
	if expectedVersion != nil {
		body["expected_version"] = *expectedVersion
	}
	var res hub.MoveResult
	err := c.do(ctx, http.MethodPatch, "/api/v1/messages/"+id, body, &res)
	return &res, err
}

func (c *Client) AddAttachment(ctx context.Context, topicID string, p hub.AddAttachmentParams) (*hub.Attachment, bool, error) {
	var resp struct {
		Attachment   *hub.Attachment `json:"attachment"`
		Deduplicated bool            `json:"deduplicated"`
	}
	err := c.do(ctx, http.MethodPost, "/api/v1/topics/"+topicID+"/attachments", map[string]any{
		"kind":              p.Kind,
		"key":               p.Key,
		"value_json":        p.ValueJSON,
		"dedupe_key":        p.DedupeKey,
		"source_message_id": p.SourceMessageID,
	}, &resp)
	return resp.Attachment, resp.Deduplicated, err
}

func (c *Client) ListAttachments(ctx context.Context, topicID, kind string) ([]hub.Attachment, error) {
	var resp struct {
		Attachments []hub.Attachment `json:"attachments"`
	}
	err := c.get(ctx, "/api/v1/topics/"+topicID+"/attachments?kind="+kind, &resp)
	return resp.Attachments, err
}
