package stream

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chorushq/chorus/internal/store"
)

// replayBatch is the journal page size during replay.
const replayBatch = 500

// Hub owns the live fan-out cursor and the set of connected clients.
// The broadcast loop is the only reader of post-cursor journal rows; API
// handlers nudge it with Wake after committing.
type Hub struct {
	st         *store.Store
	instanceID string
	token      string
	logger     *slog.Logger
	upgrader   websocket.Upgrader

	mu     sync.Mutex
	conns  map[*conn]struct{}
	cursor int64

	wakeCh   chan struct{}
	draining atomic.Bool
}

// New creates a hub. token is the instance bearer token the ws query
// parameter is compared against. The fan-out cursor is seeded here, before
// any listener can accept a hello: a connection arriving ahead of the
// broadcast loop must still see replay_until at the journal's current
// maximum, or the backlog would be skipped once the loop catches up.
func New(ctx context.Context, st *store.Store, instanceID, token string, logger *slog.Logger) (*Hub, error) {
	max, err := st.MaxEventID(ctx)
	if err != nil {
		return nil, err
	}
	return &Hub{
		st:         st,
		instanceID: instanceID,
		token:      token,
		logger:     logger,
		conns:      make(map[*conn]struct{}),
		cursor:     max,
		wakeCh:     make(chan struct{}, 1),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Local clients connect from file:// UIs and CLIs; origin
			// checks add nothing when auth is the URL token.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}, nil
}

// Wake signals the broadcast loop that new events committed. Non-blocking;
// callers must never invoke it while holding a write transaction.
func (h *Hub) Wake() {
	select {
	case h.wakeCh <- struct{}{}:
	default:
	}
}

// Run is the broadcast loop: it fans out newly committed events on every
// wake until ctx is canceled. Events committed before the first wake are
// already behind the cursor seeded in New.
func (h *Hub) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-h.wakeCh:
			h.pump(ctx)
		}
	}
}

// pump drains the journal past the cursor, delivering to every matching
// connection. Connections that cannot keep up are closed with 1008.
func (h *Hub) pump(ctx context.Context) {
	for {
		h.mu.Lock()
		cur := h.cursor
		h.mu.Unlock()

		evs, err := h.st.EventsAfter(ctx, cur, replayBatch)
		if err != nil {
			h.logger.Error("event fan-out read failed", "error", err)
			return
		}
		if len(evs) == 0 {
			return
		}

		h.mu.Lock()
		for _, ev := range evs {
			for c := range h.conns {
				if !c.enqueue(ev) {
					delete(h.conns, c)
					go c.closeWith(ClosePolicy, "backpressure")
					h.logger.Warn("connection dropped: outbound queue full",
						"event_id", ev.EventID)
				}
			}
			h.cursor = ev.EventID
		}
		h.mu.Unlock()
	}
}

// Shutdown closes every connection with 1001 and stops accepting new ones.
func (h *Hub) Shutdown() {
	h.draining.Store(true)
	h.mu.Lock()
	conns := make([]*conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.conns = make(map[*conn]struct{})
	h.mu.Unlock()

	for _, c := range conns {
		c.closeWith(CloseGoingAway, "daemon shutting down")
	}
}

// HandleWS upgrades GET /ws. Auth uses a token query parameter because
// browsers cannot set headers on an upgrade; the comparison is constant
// time and close reasons carry no token material.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	if h.draining.Load() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := newConn(ws)

	token := r.URL.Query().Get("token")
	if token == "" {
		c.closeWith(CloseMissingToken, "missing token")
		return
	}
	if h.token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(h.token)) != 1 {
		c.closeWith(CloseInvalidToken, "invalid token")
		return
	}

	go h.serve(c)
}

// serve drives one connection: hello, hello_ok, replay, then live.
func (h *Hub) serve(c *conn) {
	defer h.drop(c)

	hi, err := c.readHello()
	if err != nil {
		c.closeWith(ClosePolicy, "malformed hello")
		return
	}
	c.sub = compileSubscription(hi.Subscriptions)

	// Register before replay so no committed event can fall between the
	// replay window and live delivery; live frames at or below the
	// boundary are dropped at enqueue.
	h.mu.Lock()
	c.replayUntil = h.cursor
	h.conns[c] = struct{}{}
	h.mu.Unlock()

	if err := c.writeJSON(helloOK{Type: "hello_ok", ReplayUntil: c.replayUntil, InstanceID: h.instanceID}); err != nil {
		return
	}

	if err := h.replay(c, hi.AfterEventID); err != nil {
		c.closeWith(CloseInternal, "replay failed")
		return
	}

	readDone := make(chan struct{})
	go func() {
		c.readLoop()
		close(readDone)
	}()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case ev := <-c.sendCh:
			if err := c.writeJSON(frameFor(ev)); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.writePing(); err != nil {
				return
			}
		case <-readDone:
			return
		}
	}
}

// replay streams persisted events in (after, c.replayUntil] ascending.
func (h *Hub) replay(c *conn, after int64) error {
	ctx := context.Background()
	for after < c.replayUntil {
		evs, err := h.st.EventsRange(ctx, after, c.replayUntil, replayBatch)
		if err != nil {
			return err
		}
		if len(evs) == 0 {
			return nil
		}
		for _, ev := range evs {
			after = ev.EventID
			if !c.sub.matches(ev) {
				continue
			}
			if err := c.writeJSON(frameFor(ev)); err != nil {
				return err
			}
		}
	}
	return nil
}

func (h *Hub) drop(c *conn) {
	h.mu.Lock()
	delete(h.conns, c)
	h.mu.Unlock()
	c.closeWith(CloseNormal, "")
}

// ConnCount reports the number of registered connections.
func (h *Hub) ConnCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}
