package ids

import (
	"sort"
	"strings"
	"testing"
	"time"
)

func TestMessageIDsSortInGenerationOrder(t *testing.T) {
	const n = 500
	generated := make([]string, n)
	for i := range n {
		generated[i] = NewMessageID()
	}

	sorted := make([]string, n)
	copy(sorted, generated)
	sort.Strings(sorted)

	for i := range n {
		if generated[i] != sorted[i] {
			t.Fatalf("id at position %d out of lexical order: %s", i, generated[i])
		}
	}
}

func TestMessageIDsUnique(t *testing.T) {
	seen := make(map[string]bool)
	for range 1000 {
		id := NewMessageID()
		if seen[id] {
			t.Fatalf("duplicate message id %s", id)
		}
		seen[id] = true
	}
}

func TestSequentialIDFormat(t *testing.T) {
	if got := ChannelID(1); got != "ch_1" {
		t.Errorf("ChannelID(1) = %q, want ch_1", got)
	}
	if got := TopicID(42); got != "tp_42" {
		t.Errorf("TopicID(42) = %q, want tp_42", got)
	}
}

func TestIsChannelID(t *testing.T) {
	cases := []struct {
		id   string
		want bool
	}{
		{"ch_1", true},
		{"ch_999", true},
		{"ch_0", false},
		{"ch_-1", false},
		{"ch_", false},
		{"ch_abc", false},
		{"tp_1", false},
		{"", false},
	}
	for _, c := range cases {
		if got := IsChannelID(c.id); got != c.want {
			t.Errorf("IsChannelID(%q) = %v, want %v", c.id, got, c.want)
		}
	}
}

func TestIsMessageID(t *testing.T) {
	if !IsMessageID(NewMessageID()) {
		t.Error("freshly minted message id failed validation")
	}
	for _, bad := range []string{"msg_", "msg_short", "att_01HQ3KJ7M9XVGW5B2N8RTYZCDE", "msg"} {
		if IsMessageID(bad) {
			t.Errorf("IsMessageID(%q) = true, want false", bad)
		}
	}
}

func TestPrefixes(t *testing.T) {
	checks := []struct {
		id     string
		prefix string
	}{
		{NewAttachmentID(), "att_"},
		{NewEnrichmentID(), "enr_"},
		{NewDatabaseID(), "db_"},
		{NewInstanceID(), "inst_"},
		{NewRequestID(), "req_"},
	}
	for _, c := range checks {
		if !strings.HasPrefix(c.id, c.prefix) {
			t.Errorf("id %q missing prefix %q", c.id, c.prefix)
		}
	}
}

func TestULIDTime(t *testing.T) {
	before := time.Now().Add(-time.Second)
	id := NewMessageID()
	after := time.Now().Add(time.Second)

	ts, err := ULIDTime(id)
	if err != nil {
		t.Fatalf("ULIDTime(%q): %v", id, err)
	}
	if ts.Before(before) || ts.After(after) {
		t.Errorf("embedded timestamp %v outside [%v, %v]", ts, before, after)
	}

	if _, err := ULIDTime("noprefix"); err == nil {
		t.Error("expected error for id without prefix")
	}
}
