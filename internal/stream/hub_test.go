package stream

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chorushq/chorus/internal/event"
	"github.com/chorushq/chorus/internal/logging"
	"github.com/chorushq/chorus/internal/store"
)

const testToken = "tok-test"

type testHub struct {
	st  *store.Store
	hub *Hub
	srv *httptest.Server
}

func newTestHub(t *testing.T) *testHub {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "chorus.db"), store.Options{})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	hub, err := New(ctx, st, "inst_test", testToken, logging.ForTests())
	if err != nil {
		t.Fatalf("new hub: %v", err)
	}
	go func() { _ = hub.Run(ctx) }()

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	t.Cleanup(srv.Close)
	return &testHub{st: st, hub: hub, srv: srv}
}

// waitCursor blocks until the broadcast cursor reaches want, so tests can
// distinguish replay from live delivery.
func (th *testHub) waitCursor(t *testing.T, want int64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		th.hub.mu.Lock()
		cur := th.hub.cursor
		th.hub.mu.Unlock()
		if cur >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("cursor never reached %d", want)
}

func (th *testHub) append(t *testing.T, name, channelID, topicID string) int64 {
	t.Helper()
	var id int64
	err := th.st.Write(context.Background(), func(tx *sql.Tx) error {
		var err error
		id, err = store.AppendEvent(tx, event.Event{
			TS:    store.Now(),
			Name:  name,
			Scope: event.Scope{ChannelID: channelID, TopicID: topicID},
			Data:  json.RawMessage(`{}`),
		})
		return err
	})
	if err != nil {
		t.Fatalf("append event: %v", err)
	}
	return id
}

func (th *testHub) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(th.srv.URL, "http")
	if token != "" {
		url += "?token=" + token
	}
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = ws.Close() })
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	return ws
}

func sendHello(t *testing.T, ws *websocket.Conn, after int64, sub *subscriptionSpec) helloOK {
	t.Helper()
	if err := ws.WriteJSON(hello{Type: "hello", AfterEventID: after, Subscriptions: sub}); err != nil {
		t.Fatalf("write hello: %v", err)
	}
	var ok helloOK
	if err := ws.ReadJSON(&ok); err != nil {
		t.Fatalf("read hello_ok: %v", err)
	}
	if ok.Type != "hello_ok" {
		t.Fatalf("first frame type = %q, want hello_ok", ok.Type)
	}
	return ok
}

func readEvent(t *testing.T, ws *websocket.Conn) eventFrame {
	t.Helper()
	var fr eventFrame
	if err := ws.ReadJSON(&fr); err != nil {
		t.Fatalf("read event frame: %v", err)
	}
	if fr.Type != "event" {
		t.Fatalf("frame type = %q, want event", fr.Type)
	}
	return fr
}

func TestReplayThenLive(t *testing.T) {
	th := newTestHub(t)
	for i := 0; i < 5; i++ {
		th.append(t, event.MessageCreated, "ch_1", "tp_1")
	}
	th.hub.Wake()
	th.waitCursor(t, 5)

	ws := th.dial(t, testToken)
	ok := sendHello(t, ws, 0, nil)
	if ok.ReplayUntil != 5 {
		t.Fatalf("replay_until = %d, want 5", ok.ReplayUntil)
	}
	for want := int64(1); want <= 5; want++ {
		fr := readEvent(t, ws)
		if fr.EventID != want {
			t.Fatalf("replayed event_id = %d, want %d", fr.EventID, want)
		}
	}

	id := th.append(t, event.MessageEdited, "ch_1", "tp_1")
	th.hub.Wake()
	fr := readEvent(t, ws)
	if fr.EventID != id {
		t.Fatalf("live event_id = %d, want %d", fr.EventID, id)
	}
	if fr.Name != event.MessageEdited {
		t.Fatalf("live event name = %q, want %q", fr.Name, event.MessageEdited)
	}
}

func TestResumeSkipsSeenEvents(t *testing.T) {
	th := newTestHub(t)
	for i := 0; i < 5; i++ {
		th.append(t, event.MessageCreated, "ch_1", "tp_1")
	}
	th.hub.Wake()
	th.waitCursor(t, 5)

	ws := th.dial(t, testToken)
	ok := sendHello(t, ws, 3, nil)
	if ok.ReplayUntil != 5 {
		t.Fatalf("replay_until = %d, want 5", ok.ReplayUntil)
	}
	for want := int64(4); want <= 5; want++ {
		fr := readEvent(t, ws)
		if fr.EventID != want {
			t.Fatalf("event_id = %d, want %d", fr.EventID, want)
		}
	}
}

func TestSubscriptionFilters(t *testing.T) {
	th := newTestHub(t)
	th.append(t, event.MessageCreated, "ch_1", "tp_1")
	th.append(t, event.MessageCreated, "ch_1", "tp_2")
	th.append(t, event.MessageCreated, "ch_2", "tp_3")
	th.hub.Wake()
	th.waitCursor(t, 3)

	ws := th.dial(t, testToken)
	sendHello(t, ws, 0, &subscriptionSpec{Topics: []string{"tp_2"}})

	fr := readEvent(t, ws)
	if fr.EventID != 2 || fr.Scope.TopicID != "tp_2" {
		t.Fatalf("got event %d scope %+v, want 2 in tp_2", fr.EventID, fr.Scope)
	}

	// Live events outside the subscription stay invisible.
	th.append(t, event.MessageCreated, "ch_2", "tp_3")
	live := th.append(t, event.MessageCreated, "ch_1", "tp_2")
	th.hub.Wake()
	fr = readEvent(t, ws)
	if fr.EventID != live {
		t.Fatalf("live event_id = %d, want %d", fr.EventID, live)
	}
}

func TestMissingTokenCloses4401(t *testing.T) {
	th := newTestHub(t)
	ws := th.dial(t, "")
	_, _, err := ws.ReadMessage()
	if !websocket.IsCloseError(err, CloseMissingToken) {
		t.Fatalf("close err = %v, want code %d", err, CloseMissingToken)
	}
}

func TestInvalidTokenCloses4403(t *testing.T) {
	th := newTestHub(t)
	ws := th.dial(t, "not-the-token")
	_, _, err := ws.ReadMessage()
	if !websocket.IsCloseError(err, CloseInvalidToken) {
		t.Fatalf("close err = %v, want code %d", err, CloseInvalidToken)
	}
	if err != nil && strings.Contains(err.Error(), testToken) {
		t.Fatalf("close reason leaks token: %v", err)
	}
}

func TestMalformedHelloCloses1008(t *testing.T) {
	th := newTestHub(t)
	ws := th.dial(t, testToken)
	if err := ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"nope"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, _, err := ws.ReadMessage()
	if !websocket.IsCloseError(err, ClosePolicy) {
		t.Fatalf("close err = %v, want code %d", err, ClosePolicy)
	}
}

func TestShutdownCloses1001(t *testing.T) {
	th := newTestHub(t)
	ws := th.dial(t, testToken)
	sendHello(t, ws, 0, nil)

	// Wait for registration before shutting down.
	deadline := time.Now().Add(2 * time.Second)
	for th.hub.ConnCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if th.hub.ConnCount() == 0 {
		t.Fatal("connection never registered")
	}

	th.hub.Shutdown()
	_, _, err := ws.ReadMessage()
	if !websocket.IsCloseError(err, CloseGoingAway) {
		t.Fatalf("close err = %v, want code %d", err, CloseGoingAway)
	}
}

// A client that connects before the broadcast loop has processed its first
// wake must still see the full journal: the fan-out cursor is seeded at
// construction, not on first pump.
func TestHelloBeforeBroadcastSeesBacklog(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "chorus.db"), store.Options{})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	var last int64
	err = st.Write(context.Background(), func(tx *sql.Tx) error {
		for i := 0; i < 3; i++ {
			var err error
			last, err = store.AppendEvent(tx, event.Event{
				TS:    store.Now(),
				Name:  event.MessageCreated,
				Scope: event.Scope{ChannelID: "ch_1", TopicID: "tp_1"},
				Data:  json.RawMessage(`{}`),
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seed events: %v", err)
	}

	// Run is deliberately never started.
	hub, err := New(context.Background(), st, "inst_test", testToken, logging.ForTests())
	if err != nil {
		t.Fatalf("new hub: %v", err)
	}
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	t.Cleanup(srv.Close)
	th := &testHub{st: st, hub: hub, srv: srv}

	ws := th.dial(t, testToken)
	ok := sendHello(t, ws, 0, nil)
	if ok.ReplayUntil != last {
		t.Fatalf("replay_until = %d, want %d", ok.ReplayUntil, last)
	}
	for want := int64(1); want <= last; want++ {
		fr := readEvent(t, ws)
		if fr.EventID != want {
			t.Fatalf("replayed event_id = %d, want %d", fr.EventID, want)
		}
	}
}

// A consumer whose outbound queue overflows is dropped with 1008 and can
// resume from the last event it processed on a fresh connection.
func TestBackpressureDropsSlowConsumer(t *testing.T) {
	th := newTestHub(t)

	// Stand up a raw upgraded socket with a tiny outbound queue and no
	// serving goroutine draining it, then register it with the hub by hand:
	// the queue fills as soon as the fan-out outruns the consumer.
	connCh := make(chan *conn, 1)
	up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	raw := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		c := newConn(ws)
		c.sendCh = make(chan event.Event, 2)
		connCh <- c
	}))
	t.Cleanup(raw.Close)

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(raw.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = ws.Close() })
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	c := <-connCh

	th.hub.mu.Lock()
	c.replayUntil = th.hub.cursor
	th.hub.conns[c] = struct{}{}
	th.hub.mu.Unlock()

	// The consumer keeps up with the first event, then stalls.
	first := th.append(t, event.MessageCreated, "ch_1", "tp_1")
	th.hub.Wake()
	th.waitCursor(t, first)
	select {
	case ev := <-c.sendCh:
		if ev.EventID != first {
			t.Fatalf("queued event_id = %d, want %d", ev.EventID, first)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("first event never queued")
	}

	// Three more events against a two-slot queue: the third enqueue fails
	// and the hub closes the connection.
	var last int64
	for i := 0; i < 3; i++ {
		last = th.append(t, event.MessageCreated, "ch_1", "tp_1")
	}
	th.hub.Wake()
	th.waitCursor(t, last)

	_, _, err = ws.ReadMessage()
	if !websocket.IsCloseError(err, ClosePolicy) {
		t.Fatalf("close err = %v, want code %d", err, ClosePolicy)
	}
	if err == nil || !strings.Contains(err.Error(), "backpressure") {
		t.Fatalf("close reason = %v, want backpressure", err)
	}
	if got := th.hub.ConnCount(); got != 0 {
		t.Fatalf("conn count after drop = %d, want 0", got)
	}

	// Resume from the last processed event on a fresh connection.
	ws2 := th.dial(t, testToken)
	ok := sendHello(t, ws2, first, nil)
	if ok.ReplayUntil != last {
		t.Fatalf("replay_until = %d, want %d", ok.ReplayUntil, last)
	}
	for want := first + 1; want <= last; want++ {
		fr := readEvent(t, ws2)
		if fr.EventID != want {
			t.Fatalf("resumed event_id = %d, want %d", fr.EventID, want)
		}
	}
}

func TestReplayBatchesLargeBacklog(t *testing.T) {
	th := newTestHub(t)
	const n = replayBatch + 50
	err := th.st.Write(context.Background(), func(tx *sql.Tx) error {
		for i := 0; i < n; i++ {
			if _, err := store.AppendEvent(tx, event.Event{
				TS:    store.Now(),
				Name:  event.MessageCreated,
				Scope: event.Scope{ChannelID: "ch_1", TopicID: "tp_1"},
				Data:  json.RawMessage(fmt.Sprintf(`{"i":%d}`, i)),
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seed events: %v", err)
	}
	th.hub.Wake()
	th.waitCursor(t, n)

	ws := th.dial(t, testToken)
	ok := sendHello(t, ws, 0, nil)
	if ok.ReplayUntil != n {
		t.Fatalf("replay_until = %d, want %d", ok.ReplayUntil, n)
	}
	for want := int64(1); want <= n; want++ {
		fr := readEvent(t, ws)
		if fr.EventID != want {
			t.Fatalf("event_id = %d, want %d", fr.EventID, want)
		}
	}
}
