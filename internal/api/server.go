// Package api is the HTTP command surface: versioned JSON endpoints over
// the entity services, with bearer auth, rate limits, body caps, and the
// WebSocket upgrade mounted alongside.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/chorushq/chorus/internal/config"
	"github.com/chorushq/chorus/internal/hub"
	"github.com/chorushq/chorus/internal/stream"
)

// ProtocolVersion identifies the HTTP+WS wire contract. Clients refuse to
// talk to a daemon with a different major protocol.
const ProtocolVersion = 1

// Notifier is what a mutation handler pokes after commit. Satisfied by
// *stream.Hub and by the plugin pipeline's dispatcher.
type Notifier interface {
	Wake()
}

// Options configures a Server.
type Options struct {
	Service    *hub.Service
	Stream     *stream.Hub
	Notifiers  []Notifier // woken after every committed mutation
	Limits     config.LimitsConfig
	Token      string
	InstanceID string
	Logger     *slog.Logger

	// Static, when set, is mounted at / for a browser UI. API and /ws
	// routes take precedence.
	Static http.Handler
}

// Server carries the handler state. Draining flips via SetDraining; the
// zero value serves.
type Server struct {
	svc        *hub.Service
	stream     *stream.Hub
	notifiers  []Notifier
	limiter    *rateLimiter
	limits     config.LimitsConfig
	token      string
	instanceID string
	dbID       string
	schemaVer  int
	startedAt  time.Time
	static     http.Handler
	logger     *slog.Logger
	draining   atomic.Bool
}

// New builds a Server, reading identity metadata from the store.
func New(ctx context.Context, opts Options) (*Server, error) {
	dbID, err := opts.Service.Store().DBID(ctx)
	if err != nil {
		return nil, fmt.Errorf("read db id: %w", err)
	}
	schemaVer, err := opts.Service.Store().SchemaVersion(ctx)
	if err != nil {
		return nil, fmt.Errorf("read schema version: %w", err)
	}
	notifiers := opts.Notifiers
	if opts.Stream != nil {
		notifiers = append(notifiers, opts.Stream)
	}
	return &Server{
		svc:        opts.Service,
		stream:     opts.Stream,
		notifiers:  notifiers,
		limiter:    newRateLimiter(opts.Limits.RatePerSecond, opts.Limits.RateBurst, opts.Limits.GlobalRatePerSec, opts.Limits.GlobalRateBurst),
		limits:     opts.Limits,
		token:      opts.Token,
		instanceID: opts.InstanceID,
		dbID:       dbID,
		schemaVer:  schemaVer,
		startedAt:  time.Now(),
		static:     opts.Static,
		logger:     opts.Logger,
	}, nil
}

// SetDraining flips the shutdown flag; non-health requests then get 503.
func (s *Server) SetDraining(v bool) { s.draining.Store(v) }

// PurgeStale runs the rate-limiter cleanup until stop closes.
func (s *Server) PurgeStale(stop <-chan struct{}) { s.limiter.purgeLoop(stop) }

// Routes builds the full handler tree wrapped in the middleware chain.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/v1/bootstrap", s.handleBootstrap)

	mux.HandleFunc("GET /api/v1/channels", s.handleListChannels)
	mux.HandleFunc("POST /api/v1/channels", capBody(s.limits.MaxBodyBytes, s.authed(s.handleCreateChannel)))
	mux.HandleFunc("GET /api/v1/channels/{id}", s.handleGetChannel)
	mux.HandleFunc("GET /api/v1/channels/{id}/topics", s.handleListTopics)

	mux.HandleFunc("POST /api/v1/topics", capBody(s.limits.MaxBodyBytes, s.authed(s.handleCreateTopic)))
	mux.HandleFunc("GET /api/v1/topics/{id}", s.handleGetTopic)
	mux.HandleFunc("PATCH /api/v1/topics/{id}", capBody(s.limits.MaxBodyBytes, s.authed(s.handleRenameTopic)))
	mux.HandleFunc("GET /api/v1/topics/{id}/attachments", s.handleListAttachments)
	mux.HandleFunc("POST /api/v1/topics/{id}/attachments", capBody(s.limits.MaxAttachmentBytes, s.authed(s.handleAddAttachment)))

	mux.HandleFunc("GET /api/v1/messages", s.handleListMessages)
	mux.HandleFunc("POST /api/v1/messages", capBody(s.limits.MaxMessageBytes, s.authed(s.handleCreateMessage)))
	mux.HandleFunc("GET /api/v1/messages/{id}", s.handleGetMessage)
	mux.HandleFunc("PATCH /api/v1/messages/{id}", capBody(s.limits.MaxMessageBytes, s.authed(s.handlePatchMessage)))
	mux.HandleFunc("GET /api/v1/messages/{id}/enrichments", s.handleListEnrichments)

	mux.HandleFunc("GET /api/v1/events", s.handleEvents)
	mux.HandleFunc("GET /api/v1/search", s.handleSearch)

	if s.stream != nil {
		mux.HandleFunc("GET /ws", s.stream.HandleWS)
	}
	if s.static != nil {
		mux.Handle("/", s.static)
	}

	return s.wrap(mux)
}

// wake notifies the stream hub and the plugin pipeline that new events
// committed. Never blocks; called strictly after the transaction.
func (s *Server) wake() {
	for _, n := range s.notifiers {
		n.Wake()
	}
}

// decodeJSON parses a request body, translating size-cap hits into 413 and
// parse failures into 400.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			writeError(w, r, http.StatusRequestEntityTooLarge, CodePayloadTooLarge,
				fmt.Sprintf("request body exceeds %d bytes", mbe.Limit), nil)
			return false
		}
		writeError(w, r, http.StatusBadRequest, hub.CodeInvalidInput,
			"request body is not valid JSON", nil)
		return false
	}
	return true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":           "ok",
		"instance_id":      s.instanceID,
		"db_id":            s.dbID,
		"schema_version":   s.schemaVer,
		"protocol_version": ProtocolVersion,
		"pid":              os.Getpid(),
		"uptime_seconds":   int64(time.Since(s.startedAt).Seconds()),
	})
}

func (s *Server) handleBootstrap(w http.ResponseWriter, r *http.Request) {
	if !s.bootstrapToken(r) {
		writeError(w, r, http.StatusUnauthorized, CodeInvalidAuth, "invalid or missing token", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"instance_id":      s.instanceID,
		"db_id":            s.dbID,
		"protocol_version": ProtocolVersion,
		"schema_version":   s.schemaVer,
		"api_base":         "/api/v1",
		"ws_path":          "/ws",
		"server_time":      time.Now().UTC().Format(time.RFC3339),
	})
}
