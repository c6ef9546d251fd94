package stream

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chorushq/chorus/internal/event"
)

const (
	// sendQueueSize bounds the per-connection outbound queue. A live event
	// arriving while the queue is full closes the connection (1008) and the
	// client resumes from its last seen event_id.
	sendQueueSize = 4096

	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second
	pingInterval  = 54 * time.Second
	helloDeadline = 30 * time.Second
)

// conn is one WebSocket client. The write loop owns the socket for all
// data frames: handshake, replay, then live events from sendCh. The read
// loop only refreshes deadlines and detects disconnects.
type conn struct {
	ws     *websocket.Conn
	sub    subscription
	sendCh chan event.Event

	// replayUntil is the replay boundary captured at hello time. Live
	// events at or below it are dropped at enqueue; replay covers them.
	replayUntil int64

	mu     sync.Mutex
	closed bool
}

func newConn(ws *websocket.Conn) *conn {
	return &conn{
		ws:     ws,
		sendCh: make(chan event.Event, sendQueueSize),
	}
}

// enqueue offers a live event to the connection without blocking. It
// reports false when the outbound queue is full.
func (c *conn) enqueue(ev event.Event) bool {
	if ev.EventID <= c.replayUntil || !c.sub.matches(ev) {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return true
	}
	select {
	case c.sendCh <- ev:
		return true
	default:
		return false
	}
}

// readHello reads and validates the mandatory first frame.
func (c *conn) readHello() (*hello, error) {
	_ = c.ws.SetReadDeadline(time.Now().Add(helloDeadline))
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("read hello: %w", err)
	}
	var h hello
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("parse hello: %w", err)
	}
	if h.Type != "hello" || h.AfterEventID < 0 {
		return nil, fmt.Errorf("malformed hello frame")
	}
	return &h, nil
}

// readLoop discards inbound frames after the hello, keeping the read
// deadline refreshed via pongs. Returning signals disconnect.
func (c *conn) readLoop() {
	_ = c.ws.SetReadDeadline(time.Now().Add(readDeadline))
	c.ws.SetPongHandler(func(string) error {
		_ = c.ws.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})
	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(readDeadline))
	}
}

func (c *conn) writeJSON(v any) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeDeadline))
	return c.ws.WriteJSON(v)
}

func (c *conn) writePing() error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeDeadline))
	return c.ws.WriteMessage(websocket.PingMessage, nil)
}

// closeWith sends a close frame with the given code and a reason that must
// never contain token material, then closes the socket. Idempotent. The
// close frame goes out via WriteControl, which is safe against a write
// loop mid-frame; the broadcast loop calls this from its own goroutine
// when a queue overflows.
func (c *conn) closeWith(code int, reason string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeDeadline))
	_ = c.ws.Close()
}
