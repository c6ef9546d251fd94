package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/chorushq/chorus/internal/workspace"
)

// ServerFile is the contact card a running daemon leaves at
// .chorus/server.json. It contains the auth token, so it is written 0600
// and local clients read it instead of prompting.
type ServerFile struct {
	InstanceID      string `json:"instance_id"`
	DBID            string `json:"db_id"`
	Host            string `json:"host"`
	Port            int    `json:"port"`
	PID             int    `json:"pid"`
	AuthToken       string `json:"auth_token"`
	StartedAt       string `json:"started_at"`
	ProtocolVersion int    `json:"protocol_version"`
	SchemaVersion   int    `json:"schema_version"`
}

// BaseURL returns the daemon's HTTP base.
func (sf *ServerFile) BaseURL() string {
	return fmt.Sprintf("http://%s:%d", sf.Host, sf.Port)
}

// WriteServerFile writes server.json atomically with 0600 permissions: a
// same-directory temp file, an fsync-free rename, and a mode verification
// after the fact. Any failure leaves no partial file behind.
func WriteServerFile(root string, sf *ServerFile) error {
	path := workspace.ServerFilePath(root)
	data, err := json.MarshalIndent(sf, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal server file: %w", err)
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(filepath.Dir(path), ".server-*.json")
	if err != nil {
		return fmt.Errorf("create temp server file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}

	if err := tmp.Chmod(0o600); err != nil {
		cleanup()
		return fmt.Errorf("chmod server file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("write server file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close server file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename server file: %w", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("verify server file: %w", err)
	}
	if info.Mode().Perm() != 0o600 {
		_ = os.Remove(path)
		return fmt.Errorf("server file has mode %v, want 0600", info.Mode().Perm())
	}
	return nil
}

// ReadServerFile loads server.json. A missing file returns os.ErrNotExist.
func ReadServerFile(root string) (*ServerFile, error) {
	data, err := os.ReadFile(workspace.ServerFilePath(root))
	if err != nil {
		return nil, err
	}
	var sf ServerFile
	if err := json.Unmarshal(data, &sf); err != nil {
		return nil, fmt.Errorf("parse server file: %w", err)
	}
	return &sf, nil
}

// RemoveServerFile deletes server.json; already-absent is not an error.
func RemoveServerFile(root string) error {
	err := os.Remove(workspace.ServerFilePath(root))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
