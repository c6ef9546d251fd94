// Package mcp exposes the hub to MCP clients over stdio. The server is a
// plain local client of the daemon: it reads server.json like the CLI and
// forwards tool calls as HTTP requests.
package mcp

import (
	"context"

	gomcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/chorushq/chorus/internal/client"
)

// Server bridges MCP tool calls to a running daemon.
type Server struct {
	root    string
	version string
	cli     *client.Client
	server  *gomcp.Server
}

// Option configures the MCP server.
type Option func(*Server)

// WithVersion sets the advertised server version.
func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

// NewServer connects to the workspace's daemon and registers the tools.
func NewServer(root string, opts ...Option) (*Server, error) {
	cli, err := client.Connect(root)
	if err != nil {
		return nil, err
	}

	s := &Server{root: root, version: "dev", cli: cli}
	for _, opt := range opts {
		opt(s)
	}

	s.server = gomcp.NewServer(
		&gomcp.Implementation{Name: "chorus", Version: s.version},
		nil,
	)
	s.registerTools()
	return s, nil
}

// Run serves MCP over stdin/stdout until the client disconnects.
func (s *Server) Run(ctx context.Context) error {
	return s.server.Run(ctx, &gomcp.StdioTransport{})
}

func (s *Server) registerTools() {
	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "post_message",
		Description: "Post a message to a topic in the workspace hub",
	}, s.handlePostMessage)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "list_messages",
		Description: "Read messages from a topic in ascending order, with cursor paging",
	}, s.handleListMessages)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "create_topic",
		Description: "Create a new topic inside a channel",
	}, s.handleCreateTopic)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "list_channels",
		Description: "List the workspace's channels",
	}, s.handleListChannels)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "list_topics",
		Description: "List topics in a channel, most recently active first",
	}, s.handleListTopics)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "add_attachment",
		Description: "Attach structured data (a url, a note) to a topic; identical attachments dedupe",
	}, s.handleAddAttachment)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "wait_for_event",
		Description: "Block until a matching hub event arrives or the timeout expires. For listener agents.",
	}, s.handleWaitForEvent)
}
