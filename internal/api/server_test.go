package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/chorushq/chorus/internal/config"
	"github.com/chorushq/chorus/internal/hub"
	"github.com/chorushq/chorus/internal/logging"
	"github.com/chorushq/chorus/internal/store"
)

const testToken = "test-token-abcdef"

type testAPI struct {
	srv   *httptest.Server
	api   *Server
	svc   *hub.Service
	token string
}

func newTestAPI(t *testing.T, mutate func(*Options)) *testAPI {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "chorus.db"), store.Options{})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	svc := hub.New(st, logging.ForTests())
	opts := Options{
		Service:    svc,
		Limits:     config.Default().Limits,
		Token:      testToken,
		InstanceID: "inst_test",
		Logger:     logging.ForTests(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	api, err := New(t.Context(), opts)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	srv := httptest.NewServer(api.Routes())
	t.Cleanup(srv.Close)
	return &testAPI{srv: srv, api: api, svc: svc, token: opts.Token}
}

// do issues a request with the instance token and decodes the JSON body.
func (ta *testAPI) do(t *testing.T, method, path string, body any) (int, map[string]any) {
	t.Helper()
	return ta.doToken(t, method, path, body, ta.token)
}

func (ta *testAPI) doToken(t *testing.T, method, path string, body any, token string) (int, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, ta.srv.URL+path, rd)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := ta.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	var decoded map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp.StatusCode, decoded
}

// seed creates a channel and topic, returning their ids.
func (ta *testAPI) seed(t *testing.T) (string, string) {
	t.Helper()
	status, body := ta.do(t, "POST", "/api/v1/channels", map[string]any{"name": "general"})
	if status != http.StatusCreated {
		t.Fatalf("create channel: status %d body %v", status, body)
	}
	chID := body["channel"].(map[string]any)["id"].(string)
	status, body = ta.do(t, "POST", "/api/v1/topics", map[string]any{"channel_id": chID, "title": "standup"})
	if status != http.StatusCreated {
		t.Fatalf("create topic: status %d body %v", status, body)
	}
	return chID, body["topic"].(map[string]any)["id"].(string)
}

func TestHealthShape(t *testing.T) {
	ta := newTestAPI(t, nil)
	status, body := ta.doToken(t, "GET", "/health", nil, "")
	if status != http.StatusOK {
		t.Fatalf("health status = %d", status)
	}
	for _, key := range []string{"status", "instance_id", "db_id", "schema_version", "protocol_version", "pid", "uptime_seconds"} {
		if _, ok := body[key]; !ok {
			t.Errorf("health missing %q: %v", key, body)
		}
	}
	if body["status"] != "ok" {
		t.Errorf("status = %v, want ok", body["status"])
	}
}

func TestCreateAndFetchFlow(t *testing.T) {
	ta := newTestAPI(t, nil)
	chID, tpID := ta.seed(t)
	if chID != "ch_1" || tpID != "tp_1" {
		t.Fatalf("ids = %s/%s, want ch_1/tp_1", chID, tpID)
	}

	status, body := ta.do(t, "POST", "/api/v1/messages",
		map[string]any{"topic_id": tpID, "sender": "alice", "content_raw": "hello world"})
	if status != http.StatusCreated {
		t.Fatalf("create message: status %d body %v", status, body)
	}
	msg := body["message"].(map[string]any)
	if msg["version"].(float64) != 1 {
		t.Errorf("version = %v, want 1", msg["version"])
	}
	msgID := msg["id"].(string)

	status, body = ta.doToken(t, "GET", "/api/v1/messages/"+msgID, nil, "")
	if status != http.StatusOK {
		t.Fatalf("get message: status %d", status)
	}
	if got := body["message"].(map[string]any)["content_raw"]; got != "hello world" {
		t.Errorf("content_raw = %v", got)
	}

	status, body = ta.doToken(t, "GET", "/api/v1/messages?topic_id="+tpID, nil, "")
	if status != http.StatusOK || len(body["messages"].([]any)) != 1 {
		t.Fatalf("list messages: status %d body %v", status, body)
	}
}

func TestMutationsRequireAuth(t *testing.T) {
	ta := newTestAPI(t, nil)

	status, body := ta.doToken(t, "POST", "/api/v1/channels", map[string]any{"name": "x"}, "")
	if status != http.StatusUnauthorized || body["code"] != CodeMissingAuth {
		t.Fatalf("no token: status %d code %v", status, body["code"])
	}
	if body["request_id"] == "" {
		t.Error("error envelope missing request_id")
	}

	status, body = ta.doToken(t, "POST", "/api/v1/channels", map[string]any{"name": "x"}, "wrong")
	if status != http.StatusUnauthorized || body["code"] != CodeInvalidAuth {
		t.Fatalf("bad token: status %d code %v", status, body["code"])
	}

	// Reads stay open.
	status, _ = ta.doToken(t, "GET", "/api/v1/channels", nil, "")
	if status != http.StatusOK {
		t.Fatalf("unauthenticated read: status %d", status)
	}
}

func TestNoAuthConfigured(t *testing.T) {
	ta := newTestAPI(t, func(o *Options) { o.Token = "" })
	status, body := ta.doToken(t, "POST", "/api/v1/channels", map[string]any{"name": "x"}, "anything")
	if status != http.StatusServiceUnavailable || body["code"] != CodeNoAuthConfigured {
		t.Fatalf("status %d code %v", status, body["code"])
	}
}

func TestPatchEditAndVersionConflict(t *testing.T) {
	ta := newTestAPI(t, nil)
	_, tpID := ta.seed(t)
	_, body := ta.do(t, "POST", "/api/v1/messages",
		map[string]any{"topic_id": tpID, "sender": "alice", "content_raw": "v1"})
	msgID := body["message"].(map[string]any)["id"].(string)

	status, body := ta.do(t, "PATCH", "/api/v1/messages/"+msgID,
		map[string]any{"op": "edit", "content_raw": "v2", "expected_version": 1})
	if status != http.StatusOK {
		t.Fatalf("edit: status %d body %v", status, body)
	}
	if v := body["message"].(map[string]any)["version"].(float64); v != 2 {
		t.Fatalf("version after edit = %v, want 2", v)
	}

	status, body = ta.do(t, "PATCH", "/api/v1/messages/"+msgID,
		map[string]any{"op": "edit", "content_raw": "v3", "expected_version": 1})
	if status != http.StatusConflict || body["code"] != hub.CodeVersionConflict {
		t.Fatalf("stale edit: status %d code %v", status, body["code"])
	}
	if cur := body["details"].(map[string]any)["current"].(float64); cur != 2 {
		t.Fatalf("details.current = %v, want 2", cur)
	}
}

func TestPatchDeleteThenEditFails(t *testing.T) {
	ta := newTestAPI(t, nil)
	_, tpID := ta.seed(t)
	_, body := ta.do(t, "POST", "/api/v1/messages",
		map[string]any{"topic_id": tpID, "sender": "alice", "content_raw": "bye"})
	msgID := body["message"].(map[string]any)["id"].(string)

	status, body := ta.do(t, "PATCH", "/api/v1/messages/"+msgID,
		map[string]any{"op": "delete", "actor": "alice"})
	if status != http.StatusOK {
		t.Fatalf("delete: status %d body %v", status, body)
	}
	if body["message"].(map[string]any)["deleted_at"] == nil {
		t.Fatal("deleted_at not set")
	}

	status, body = ta.do(t, "PATCH", "/api/v1/messages/"+msgID,
		map[string]any{"op": "edit", "content_raw": "zombie"})
	if status != http.StatusConflict || body["code"] != hub.CodeAlreadyDeleted {
		t.Fatalf("edit after delete: status %d code %v", status, body["code"])
	}
}

func TestMoveAllRequiresConfirm(t *testing.T) {
	ta := newTestAPI(t, nil)
	chID, tpID := ta.seed(t)
	_, body := ta.do(t, "POST", "/api/v1/topics", map[string]any{"channel_id": chID, "title": "dest"})
	destID := body["topic"].(map[string]any)["id"].(string)
	_, body = ta.do(t, "POST", "/api/v1/messages",
		map[string]any{"topic_id": tpID, "sender": "alice", "content_raw": "m1"})
	msgID := body["message"].(map[string]any)["id"].(string)

	status, body := ta.do(t, "PATCH", "/api/v1/messages/"+msgID,
		map[string]any{"op": "move_topic", "to_topic_id": destID, "mode": "all"})
	if status != http.StatusBadRequest || body["code"] != hub.CodeInvalidInput {
		t.Fatalf("unconfirmed all-move: status %d code %v", status, body["code"])
	}

	status, body = ta.do(t, "PATCH", "/api/v1/messages/"+msgID,
		map[string]any{"op": "move_topic", "to_topic_id": destID, "mode": "all", "confirm": true})
	if status != http.StatusOK {
		t.Fatalf("confirmed all-move: status %d body %v", status, body)
	}
	if body["count"].(float64) != 1 {
		t.Fatalf("count = %v, want 1", body["count"])
	}
}

func TestUnknownPatchOp(t *testing.T) {
	ta := newTestAPI(t, nil)
	status, body := ta.do(t, "PATCH", "/api/v1/messages/msg_x", map[string]any{"op": "upsert"})
	if status != http.StatusBadRequest || body["code"] != hub.CodeInvalidInput {
		t.Fatalf("status %d code %v", status, body["code"])
	}
}

func TestPayloadTooLarge(t *testing.T) {
	ta := newTestAPI(t, func(o *Options) { o.Limits.MaxMessageBytes = 128 })
	_, tpID := ta.seed(t)
	status, body := ta.do(t, "POST", "/api/v1/messages",
		map[string]any{"topic_id": tpID, "sender": "alice", "content_raw": strings.Repeat("x", 4096)})
	if status != http.StatusRequestEntityTooLarge || body["code"] != CodePayloadTooLarge {
		t.Fatalf("status %d code %v", status, body["code"])
	}
}

func TestRateLimited(t *testing.T) {
	ta := newTestAPI(t, func(o *Options) {
		o.Limits.RatePerSecond = 1
		o.Limits.RateBurst = 2
	})
	var limited *http.Response
	for i := 0; i < 5; i++ {
		resp, err := ta.srv.Client().Get(ta.srv.URL + "/api/v1/channels")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			limited = resp
			break
		}
		_ = resp.Body.Close()
	}
	if limited == nil {
		t.Fatal("never rate limited after burst exhausted")
	}
	defer func() { _ = limited.Body.Close() }()
	if limited.Header.Get("Retry-After") == "" {
		t.Error("429 missing Retry-After header")
	}
	var body map[string]any
	if err := json.NewDecoder(limited.Body).Decode(&body); err != nil {
		t.Fatalf("decode 429 body: %v", err)
	}
	if body["code"] != CodeRateLimited {
		t.Errorf("code = %v, want %s", body["code"], CodeRateLimited)
	}
	if _, ok := body["details"].(map[string]any)["retry_after_ms"]; !ok {
		t.Error("429 missing details.retry_after_ms")
	}

	// Health bypasses the limiter.
	resp, err := ta.srv.Client().Get(ta.srv.URL + "/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health during limit: status %d", resp.StatusCode)
	}
}

func TestDrainingReturns503(t *testing.T) {
	ta := newTestAPI(t, nil)
	ta.api.SetDraining(true)

	status, body := ta.doToken(t, "GET", "/api/v1/channels", nil, "")
	if status != http.StatusServiceUnavailable || body["code"] != CodeShuttingDown {
		t.Fatalf("status %d code %v", status, body["code"])
	}

	status, _ = ta.doToken(t, "GET", "/health", nil, "")
	if status != http.StatusOK {
		t.Fatalf("health while draining: status %d", status)
	}
}

func TestSecurityHeadersAndRequestID(t *testing.T) {
	ta := newTestAPI(t, nil)
	req, _ := http.NewRequest("GET", ta.srv.URL+"/api/v1/channels", nil)
	req.Header.Set("X-Request-ID", "client-supplied-1")
	resp, err := ta.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if got := resp.Header.Get("X-Request-ID"); got != "client-supplied-1" {
		t.Errorf("X-Request-ID = %q, want echo", got)
	}
	if resp.Header.Get("X-Frame-Options") != "DENY" {
		t.Error("missing X-Frame-Options")
	}
	if resp.Header.Get("X-Content-Type-Options") != "nosniff" {
		t.Error("missing X-Content-Type-Options")
	}
	if !strings.Contains(resp.Header.Get("Content-Security-Policy"), "default-src 'self'") {
		t.Error("missing Content-Security-Policy")
	}
}

func TestRequestIDMintedWhenAbsent(t *testing.T) {
	ta := newTestAPI(t, nil)
	resp, err := ta.srv.Client().Get(ta.srv.URL + "/api/v1/channels")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if id := resp.Header.Get("X-Request-ID"); !strings.HasPrefix(id, "req_") {
		t.Errorf("minted id = %q, want req_ prefix", id)
	}
}

func TestEventsAfterAndTail(t *testing.T) {
	ta := newTestAPI(t, nil)
	_, tpID := ta.seed(t) // events 1, 2
	for i := 0; i < 3; i++ {
		ta.do(t, "POST", "/api/v1/messages",
			map[string]any{"topic_id": tpID, "sender": "alice", "content_raw": fmt.Sprintf("m%d", i)})
	} // events 3, 4, 5

	status, body := ta.doToken(t, "GET", "/api/v1/events?after=2", nil, "")
	if status != http.StatusOK {
		t.Fatalf("events after: status %d", status)
	}
	evs := body["events"].([]any)
	if len(evs) != 3 {
		t.Fatalf("len(events) = %d, want 3", len(evs))
	}
	for i, raw := range evs {
		if id := raw.(map[string]any)["event_id"].(float64); id != float64(3+i) {
			t.Errorf("events[%d].event_id = %v, want %d", i, id, 3+i)
		}
	}

	status, body = ta.doToken(t, "GET", "/api/v1/events?tail=2", nil, "")
	if status != http.StatusOK {
		t.Fatalf("events tail: status %d", status)
	}
	evs = body["events"].([]any)
	if len(evs) != 2 || evs[0].(map[string]any)["event_id"].(float64) != 4 {
		t.Fatalf("tail = %v, want events 4,5 ascending", evs)
	}
}

func TestSearchUnavailableWithoutIndex(t *testing.T) {
	ta := newTestAPI(t, nil)
	status, body := ta.doToken(t, "GET", "/api/v1/search?q=hello", nil, "")
	if status != http.StatusServiceUnavailable || body["code"] != hub.CodeSearchUnavail {
		t.Fatalf("status %d code %v", status, body["code"])
	}
}

func TestAttachmentDedupeOverHTTP(t *testing.T) {
	ta := newTestAPI(t, nil)
	_, tpID := ta.seed(t)
	add := map[string]any{
		"kind": "url", "key": "link",
		"value_json": map[string]any{"url": "https://example.com/a"},
		"dedupe_key": "https://example.com/a",
	}
	status, body := ta.do(t, "POST", "/api/v1/topics/"+tpID+"/attachments", add)
	if status != http.StatusCreated || body["deduplicated"] != false {
		t.Fatalf("first add: status %d body %v", status, body)
	}
	status, body = ta.do(t, "POST", "/api/v1/topics/"+tpID+"/attachments", add)
	if status != http.StatusOK || body["deduplicated"] != true {
		t.Fatalf("second add: status %d body %v", status, body)
	}
	id, ok := body["event_id"]
	if !ok {
		t.Error("dedupe hit must carry an explicit event_id field")
	}
	if id != nil {
		t.Errorf("dedupe hit event_id = %v, want null", id)
	}
}

func TestBootstrapTokenBound(t *testing.T) {
	ta := newTestAPI(t, nil)
	status, body := ta.doToken(t, "GET", "/api/v1/bootstrap", nil, "")
	if status != http.StatusUnauthorized {
		t.Fatalf("no token: status %d", status)
	}
	if raw, _ := json.Marshal(body); strings.Contains(string(raw), testToken) {
		t.Fatal("error response leaks token")
	}

	status, body = ta.doToken(t, "GET", "/api/v1/bootstrap?token="+testToken, nil, "")
	if status != http.StatusOK || body["ws_path"] != "/ws" {
		t.Fatalf("query token: status %d body %v", status, body)
	}
	status, _ = ta.do(t, "GET", "/api/v1/bootstrap", nil)
	if status != http.StatusOK {
		t.Fatalf("bearer token: status %d", status)
	}
}
