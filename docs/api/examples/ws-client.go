// Chorus WebSocket Client Example (Go)
//
// This example demonstrates:
// - Locating a running daemon via .chorus/server.json
// - The hello / hello_ok handshake with a resume point
// - Replaying the journal and following live events
// - Channel/topic subscription filters
//
// Usage (from a workspace with a running daemon):
//   go run ws-client.go [after-event-id]

package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"

	"github.com/gorilla/websocket"
)

// serverFile mirrors .chorus/server.json, the daemon's contact record.
type serverFile struct {
	InstanceID string `json:"instance_id"`
	Host       string `json:"host"`
	Port       int    `json:"port"`
	AuthToken  string `json:"auth_token"`
}

// Wire frames. The client sends exactly one hello; everything after the
// hello_ok acknowledgement is an event frame in ascending event_id order.

type hello struct {
	Type          string            `json:"type"`
	AfterEventID  int64             `json:"after_event_id"`
	Subscriptions *subscriptionSpec `json:"subscriptions,omitempty"`
}

type subscriptionSpec struct {
	Channels []string `json:"channels,omitempty"`
	Topics   []string `json:"topics,omitempty"`
}

type helloOK struct {
	Type        string `json:"type"`
	ReplayUntil int64  `json:"replay_until"`
	InstanceID  string `json:"instance_id"`
}

type eventFrame struct {
	Type    string `json:"type"`
	EventID int64  `json:"event_id"`
	TS      string `json:"ts"`
	Name    string `json:"name"`
	Scope   struct {
		ChannelID string `json:"channel_id,omitempty"`
		TopicID   string `json:"topic_id,omitempty"`
		TopicID2  string `json:"topic_id2,omitempty"`
	} `json:"scope"`
	Entity *struct {
		Type string `json:"type"`
		ID   string `json:"id"`
	} `json:"entity"`
	Data json.RawMessage `json:"data"`
}

func readServerFile(root string) (*serverFile, error) {
	data, err := os.ReadFile(filepath.Join(root, ".chorus", "server.json"))
	if err != nil {
		return nil, fmt.Errorf("no daemon contact record (is the daemon running?): %w", err)
	}
	var sf serverFile
	if err := json.Unmarshal(data, &sf); err != nil {
		return nil, fmt.Errorf("parse server.json: %w", err)
	}
	return &sf, nil
}

func main() {
	after := int64(0)
	if len(os.Args) > 1 {
		n, err := strconv.ParseInt(os.Args[1], 10, 64)
		if err != nil {
			log.Fatalf("bad after-event-id %q: %v", os.Args[1], err)
		}
		after = n
	}

	sf, err := readServerFile(".")
	if err != nil {
		log.Fatal(err)
	}

	// The token rides in the query string; the daemon closes with 4401
	// when it is missing and 4403 when it does not match.
	u := url.URL{
		Scheme:   "ws",
		Host:     fmt.Sprintf("%s:%d", sf.Host, sf.Port),
		Path:     "/ws",
		RawQuery: "token=" + url.QueryEscape(sf.AuthToken),
	}

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		log.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	log.Printf("✓ Connected to chorus daemon %s", sf.InstanceID)

	// Resume from `after`. Add Subscriptions to narrow the stream, e.g.
	//   Subscriptions: &subscriptionSpec{Topics: []string{"tp_1"}},
	if err := conn.WriteJSON(hello{Type: "hello", AfterEventID: after}); err != nil {
		log.Fatalf("send hello: %v", err)
	}

	var ack helloOK
	if err := conn.ReadJSON(&ack); err != nil {
		log.Fatalf("read hello_ok: %v", err)
	}
	if ack.Type != "hello_ok" {
		log.Fatalf("unexpected first frame %q", ack.Type)
	}
	log.Printf("✓ Replaying events %d..%d, then live", after+1, ack.ReplayUntil)

	// Close the socket on Ctrl+C so the read loop unblocks.
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	go func() {
		<-interrupt
		log.Println("closing...")
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = conn.Close()
	}()

	for {
		var frame eventFrame
		if err := conn.ReadJSON(&frame); err != nil {
			log.Printf("stream closed: %v", err)
			return
		}
		if frame.Type != "event" {
			continue
		}
		switch frame.Name {
		case "message.created":
			var data struct {
				Sender     string `json:"sender"`
				ContentRaw string `json:"content_raw"`
			}
			_ = json.Unmarshal(frame.Data, &data)
			fmt.Printf("📨 [%d] %s in %s: %s\n",
				frame.EventID, data.Sender, frame.Scope.TopicID, data.ContentRaw)
		case "message.moved":
			fmt.Printf("↪  [%d] message moved %s → %s\n",
				frame.EventID, frame.Scope.TopicID2, frame.Scope.TopicID)
		default:
			fmt.Printf("•  [%d] %s %s\n", frame.EventID, frame.Name, frame.Scope.TopicID)
		}
	}
}
