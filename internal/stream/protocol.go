// Package stream is the WebSocket side of the hub: one endpoint that
// replays persisted events past a client-supplied resume point, then fans
// out live events as mutations commit. Delivery is at-least-once in
// strictly ascending event_id order per connection; clients dedupe by id.
package stream

import (
	"encoding/json"

	"github.com/gorilla/websocket"

	"github.com/chorushq/chorus/internal/event"
)

// Close codes used on the socket. 4401 and 4403 are in the private range;
// the rest are standard.
const (
	CloseNormal       = websocket.CloseNormalClosure     // 1000
	CloseGoingAway    = websocket.CloseGoingAway         // 1001 daemon shutdown
	ClosePolicy       = websocket.ClosePolicyViolation   // 1008 malformed hello / backpressure
	CloseInternal     = websocket.CloseInternalServerErr // 1011
	CloseMissingToken = 4401
	CloseInvalidToken = 4403
)

// hello is the first and only frame a client must send.
type hello struct {
	Type          string            `json:"type"`
	AfterEventID  int64             `json:"after_event_id"`
	Subscriptions *subscriptionSpec `json:"subscriptions,omitempty"`
}

type subscriptionSpec struct {
	Channels []string `json:"channels,omitempty"`
	Topics   []string `json:"topics,omitempty"`
}

// helloOK acknowledges the hello and carries the replay boundary.
type helloOK struct {
	Type        string `json:"type"`
	ReplayUntil int64  `json:"replay_until"`
	InstanceID  string `json:"instance_id"`
}

// eventFrame is a journal event on the wire.
type eventFrame struct {
	Type    string          `json:"type"`
	EventID int64           `json:"event_id"`
	TS      string          `json:"ts"`
	Name    string          `json:"name"`
	Scope   event.Scope     `json:"scope"`
	Entity  *event.Entity   `json:"entity,omitempty"`
	Data    json.RawMessage `json:"data"`
}

func frameFor(ev event.Event) eventFrame {
	return eventFrame{
		Type:    "event",
		EventID: ev.EventID,
		TS:      ev.TS,
		Name:    ev.Name,
		Scope:   ev.Scope,
		Entity:  ev.Entity,
		Data:    ev.Data,
	}
}

// subscription is the compiled filter. Empty means all events.
type subscription struct {
	channels map[string]bool
	topics   map[string]bool
}

func compileSubscription(spec *subscriptionSpec) subscription {
	var sub subscription
	if spec == nil {
		return sub
	}
	if len(spec.Channels) > 0 {
		sub.channels = make(map[string]bool, len(spec.Channels))
		for _, id := range spec.Channels {
			sub.channels[id] = true
		}
	}
	if len(spec.Topics) > 0 {
		sub.topics = make(map[string]bool, len(spec.Topics))
		for _, id := range spec.Topics {
			sub.topics[id] = true
		}
	}
	return sub
}

// matches reports whether an event passes the filter: everything when the
// filter is empty, otherwise a hit on the scoped channel or either topic.
func (s subscription) matches(ev event.Event) bool {
	if s.channels == nil && s.topics == nil {
		return true
	}
	if s.channels != nil && ev.Scope.ChannelID != "" && s.channels[ev.Scope.ChannelID] {
		return true
	}
	if s.topics != nil {
		if ev.Scope.TopicID != "" && s.topics[ev.Scope.TopicID] {
			return true
		}
		if ev.Scope.TopicID2 != "" && s.topics[ev.Scope.TopicID2] {
			return true
		}
	}
	return false
}
