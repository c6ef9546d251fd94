package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/chorushq/chorus/internal/logging"
	"github.com/chorushq/chorus/internal/workspace"
)

func newRoot(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	if err := workspace.EnsureLayout(root); err != nil {
		t.Fatalf("ensure layout: %v", err)
	}
	return root
}

func TestLockRoundTrip(t *testing.T) {
	root := newRoot(t)
	if err := AcquireLock(t.Context(), root); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if pid := LockHolderPID(root); pid != os.Getpid() {
		t.Fatalf("holder pid = %d, want %d", pid, os.Getpid())
	}
	if err := ReleaseLock(root); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := ReleaseLock(root); err != nil {
		t.Fatalf("second release should be a no-op: %v", err)
	}
}

func TestStaleLockReclaimed(t *testing.T) {
	root := newRoot(t)
	// A lock with no server.json behind it belongs to a crashed daemon.
	if err := os.WriteFile(workspace.LockPath(root), []byte("99999\n2026-01-01T00:00:00Z\n"), 0o644); err != nil {
		t.Fatalf("plant stale lock: %v", err)
	}
	if err := AcquireLock(t.Context(), root); err != nil {
		t.Fatalf("acquire over stale lock: %v", err)
	}
	if pid := LockHolderPID(root); pid != os.Getpid() {
		t.Fatalf("lock not reclaimed, holder pid = %d", pid)
	}
}

func TestLockHeldByLiveDaemon(t *testing.T) {
	root := newRoot(t)

	holder := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok", "instance_id": "inst_live"})
	}))
	defer holder.Close()

	u, err := url.Parse(holder.URL)
	if err != nil {
		t.Fatalf("parse holder url: %v", err)
	}
	port, _ := strconv.Atoi(u.Port())
	if err := WriteServerFile(root, &ServerFile{
		InstanceID: "inst_live", Host: u.Hostname(), Port: port, PID: os.Getpid(),
		AuthToken: "x", StartedAt: "2026-01-01T00:00:00Z",
	}); err != nil {
		t.Fatalf("write server file: %v", err)
	}
	if err := os.WriteFile(workspace.LockPath(root), []byte("1\n2026-01-01T00:00:00Z\n"), 0o644); err != nil {
		t.Fatalf("plant lock: %v", err)
	}

	err = AcquireLock(t.Context(), root)
	if !errors.Is(err, ErrLockHeld) {
		t.Fatalf("err = %v, want ErrLockHeld", err)
	}
}

func TestLockReclaimedWhenInstanceMismatch(t *testing.T) {
	root := newRoot(t)

	// Some other process answers on the recorded port with a different
	// instance id; the recorded holder is gone.
	other := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok", "instance_id": "inst_other"})
	}))
	defer other.Close()

	u, _ := url.Parse(other.URL)
	port, _ := strconv.Atoi(u.Port())
	if err := WriteServerFile(root, &ServerFile{
		InstanceID: "inst_dead", Host: u.Hostname(), Port: port, PID: 1,
		AuthToken: "x", StartedAt: "2026-01-01T00:00:00Z",
	}); err != nil {
		t.Fatalf("write server file: %v", err)
	}
	if err := os.WriteFile(workspace.LockPath(root), []byte("1\nx\n"), 0o644); err != nil {
		t.Fatalf("plant lock: %v", err)
	}

	if err := AcquireLock(t.Context(), root); err != nil {
		t.Fatalf("acquire: %v", err)
	}
}

func TestServerFilePermissionsAndRoundTrip(t *testing.T) {
	root := newRoot(t)
	want := &ServerFile{
		InstanceID: "inst_a", DBID: "db_a", Host: "127.0.0.1", Port: 4242,
		PID: 77, AuthToken: "secret-token", StartedAt: "2026-08-26T00:00:00Z",
		ProtocolVersion: 1, SchemaVersion: 1,
	}
	if err := WriteServerFile(root, want); err != nil {
		t.Fatalf("write: %v", err)
	}

	info, err := os.Stat(workspace.ServerFilePath(root))
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("mode = %v, want 0600", info.Mode().Perm())
	}

	got, err := ReadServerFile(root)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if *got != *want {
		t.Fatalf("round trip: got %+v want %+v", got, want)
	}

	if err := RemoveServerFile(root); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := ReadServerFile(root); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("read after remove: %v", err)
	}
}

func TestNewTokenShape(t *testing.T) {
	a, err := NewToken()
	if err != nil {
		t.Fatalf("new token: %v", err)
	}
	if len(a) != 64 {
		t.Fatalf("token length = %d, want 64 hex chars", len(a))
	}
	b, _ := NewToken()
	if a == b {
		t.Fatal("two tokens are identical")
	}
}

// TestDaemonLifecycle boots a full daemon on an ephemeral port, talks to
// it over HTTP, and verifies the contact files disappear on shutdown.
func TestDaemonLifecycle(t *testing.T) {
	root := t.TempDir()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, Options{Root: root, Logger: logging.ForTests()})
	}()

	var sf *ServerFile
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		var err error
		if sf, err = ReadServerFile(root); err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if sf == nil {
		cancel()
		t.Fatal("server.json never appeared")
	}
	if sf.Host != "127.0.0.1" {
		t.Errorf("host = %q, want loopback", sf.Host)
	}
	if len(sf.AuthToken) != 64 {
		t.Errorf("auth token length = %d", len(sf.AuthToken))
	}

	resp, err := http.Get(sf.BaseURL() + "/health")
	if err != nil {
		cancel()
		t.Fatalf("health: %v", err)
	}
	var health map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&health)
	_ = resp.Body.Close()
	if health["instance_id"] != sf.InstanceID {
		t.Errorf("health instance_id = %v, want %v", health["instance_id"], sf.InstanceID)
	}

	// A mutation with the recorded token commits.
	body, _ := json.Marshal(map[string]any{"name": "general"})
	req, _ := http.NewRequest("POST", sf.BaseURL()+"/api/v1/channels", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+sf.AuthToken)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		cancel()
		t.Fatalf("create channel: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		cancel()
		t.Fatalf("create channel status = %d", resp.StatusCode)
	}

	// A second daemon in the same workspace must refuse to start.
	if err := AcquireLock(context.Background(), root); !errors.Is(err, ErrLockHeld) {
		t.Fatalf("second acquire = %v, want ErrLockHeld", err)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("daemon exit: %v", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("daemon did not stop")
	}

	if _, err := os.Stat(workspace.ServerFilePath(root)); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("server.json still present: %v", err)
	}
	if _, err := os.Stat(workspace.LockPath(root)); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("writer lock still present: %v", err)
	}
}

func TestRunRefusesSecondDaemon(t *testing.T) {
	root := t.TempDir()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- Run(ctx, Options{Root: root, Logger: logging.ForTests()}) }()

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := ReadServerFile(root); err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	err := Run(context.Background(), Options{Root: root, Logger: logging.ForTests()})
	if !errors.Is(err, ErrLockHeld) {
		t.Fatalf("second Run = %v, want ErrLockHeld", err)
	}
}
