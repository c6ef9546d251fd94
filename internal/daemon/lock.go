package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/chorushq/chorus/internal/workspace"
)

// healthProbeTimeout bounds the liveness check against a lock holder.
const healthProbeTimeout = 500 * time.Millisecond

// ErrLockHeld means another live daemon owns this workspace. Startup maps
// it to exit code 10.
var ErrLockHeld = errors.New("writer lock held by a live daemon")

// AcquireLock takes the single-writer lock for the workspace. The lock
// file is created O_CREATE|O_EXCL so exactly one process wins. On
// contention the existing holder is probed through server.json; a holder
// that answers /health with its own instance id keeps the lock, anything
// else is treated as a crashed daemon and the stale lock is reclaimed.
func AcquireLock(ctx context.Context, root string) error {
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(
			backoff.WithInitialInterval(50*time.Millisecond)), 5), ctx)

	return backoff.Retry(func() error {
		err := tryLock(root)
		if err == nil {
			return nil
		}
		if !errors.Is(err, os.ErrExist) {
			return backoff.Permanent(err)
		}
		if holderAlive(ctx, root) {
			return backoff.Permanent(ErrLockHeld)
		}
		// Holder is gone; clear the stale lock and let the next attempt
		// race for it.
		_ = os.Remove(workspace.LockPath(root))
		return fmt.Errorf("stale lock reclaimed, retrying")
	}, policy)
}

func tryLock(root string) error {
	f, err := os.OpenFile(workspace.LockPath(root), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	_, werr := fmt.Fprintf(f, "%d\n%s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
	cerr := f.Close()
	if werr != nil {
		_ = os.Remove(workspace.LockPath(root))
		return fmt.Errorf("write lock file: %w", werr)
	}
	if cerr != nil {
		_ = os.Remove(workspace.LockPath(root))
		return fmt.Errorf("close lock file: %w", cerr)
	}
	return nil
}

// holderAlive probes the recorded daemon. Only a health response carrying
// the same instance_id as server.json counts as alive; a different daemon
// on a recycled port does not hold our lock.
func holderAlive(ctx context.Context, root string) bool {
	sf, err := ReadServerFile(root)
	if err != nil {
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sf.BaseURL()+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return false
	}

	var health struct {
		InstanceID string `json:"instance_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return false
	}
	return health.InstanceID == sf.InstanceID
}

// ReleaseLock removes the lock file; already-absent is not an error.
func ReleaseLock(root string) error {
	err := os.Remove(workspace.LockPath(root))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// LockHolderPID parses the pid from an existing lock file, for status
// output. Returns 0 when the lock is absent or unreadable.
func LockHolderPID(root string) int {
	data, err := os.ReadFile(workspace.LockPath(root))
	if err != nil {
		return 0
	}
	line, _, _ := strings.Cut(string(data), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(line))
	if err != nil {
		return 0
	}
	return pid
}
