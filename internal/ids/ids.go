// Package ids mints and validates the identifier formats used across the
// hub: sequential ids for channels and topics, ULID-based ids for messages
// and everything whose lexical order must track insertion order.
package ids

import (
	"crypto/rand"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Identifier prefixes. Channel and topic ids carry a per-database sequence
// number ("ch_1", "tp_42"); the rest carry a ULID.
const (
	ChannelPrefix    = "ch_"
	TopicPrefix      = "tp_"
	MessagePrefix    = "msg_"
	AttachmentPrefix = "att_"
	EnrichmentPrefix = "enr_"
	DatabasePrefix   = "db_"
	InstancePrefix   = "inst_"
	RequestPrefix    = "req_"
)

var (
	ulidMu      sync.Mutex
	ulidEntropy = ulid.Monotonic(rand.Reader, 0)
)

// newULID returns a monotonic ULID string. The shared entropy source is
// mutex-guarded so ids minted in the same millisecond still sort in
// generation order.
func newULID() string {
	ulidMu.Lock()
	defer ulidMu.Unlock()
	id := ulid.MustNew(ulid.Timestamp(time.Now()), ulidEntropy)
	return id.String()
}

// NewMessageID mints a message id. Lexical order of message ids equals
// insertion order within a topic.
func NewMessageID() string { return MessagePrefix + newULID() }

// NewAttachmentID mints an attachment id.
func NewAttachmentID() string { return AttachmentPrefix + newULID() }

// NewEnrichmentID mints an enrichment id.
func NewEnrichmentID() string { return EnrichmentPrefix + newULID() }

// NewDatabaseID mints the one-time db_id stored in meta at first init.
func NewDatabaseID() string { return DatabasePrefix + newULID() }

// NewInstanceID mints the per-process instance id published in server.json
// and the health endpoint.
func NewInstanceID() string { return InstancePrefix + newULID() }

// NewRequestID mints a request id for responses that arrived without an
// X-Request-ID header.
func NewRequestID() string { return RequestPrefix + newULID() }

// ChannelID formats a channel id from its sequence number.
func ChannelID(seq int64) string { return ChannelPrefix + strconv.FormatInt(seq, 10) }

// TopicID formats a topic id from its sequence number.
func TopicID(seq int64) string { return TopicPrefix + strconv.FormatInt(seq, 10) }

// IsChannelID reports whether s has the channel id shape.
func IsChannelID(s string) bool { return isSeqID(s, ChannelPrefix) }

// IsTopicID reports whether s has the topic id shape.
func IsTopicID(s string) bool { return isSeqID(s, TopicPrefix) }

// IsMessageID reports whether s has the message id shape.
func IsMessageID(s string) bool { return isULIDID(s, MessagePrefix) }

func isSeqID(s, prefix string) bool {
	rest, ok := strings.CutPrefix(s, prefix)
	if !ok || rest == "" {
		return false
	}
	n, err := strconv.ParseInt(rest, 10, 64)
	return err == nil && n > 0
}

func isULIDID(s, prefix string) bool {
	rest, ok := strings.CutPrefix(s, prefix)
	if !ok {
		return false
	}
	_, err := ulid.Parse(rest)
	return err == nil
}

// ULIDTime extracts the embedded timestamp from a prefixed ULID id.
func ULIDTime(s string) (time.Time, error) {
	i := strings.IndexByte(s, '_')
	if i < 0 {
		return time.Time{}, fmt.Errorf("id %q has no prefix", s)
	}
	id, err := ulid.Parse(s[i+1:])
	if err != nil {
		return time.Time{}, fmt.Errorf("parse ulid: %w", err)
	}
	return ulid.Time(id.Time()), nil
}
