package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// DefaultPath is where the ledger lives when no path is configured.
const DefaultPath = "~/.codessa/ledger.json"

// FileBackend stores the ledger as a JSON document on local disk.
type FileBackend struct {
	path string
}

type fileState struct {
	Version int      `json:"version"`
	Records []Record `json:"records"`
}

// NewFileBackend returns a backend for path. A leading "~/" is expanded to
// the user's home directory.
func NewFileBackend(path string) *FileBackend {
	if path == "" {
		path = DefaultPath
	}
	return &FileBackend{path: expandHome(path)}
}

// Path returns the resolved file path.
func (b *FileBackend) Path() string { return b.path }

func (b *FileBackend) Load(_ context.Context) ([]Record, error) {
	data, err := os.ReadFile(b.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read ledger: %w", err)
	}

	var s fileState
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse ledger %s: %w", b.path, err)
	}
	return s.Records, nil
}

// Save rewrites the whole file through a temp file and rename so a crash
// never leaves a truncated ledger.
func (b *FileBackend) Save(_ context.Context, records []Record) error {
	data, err := json.MarshalIndent(fileState{Version: 1, Records: records}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal ledger: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(b.path), 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}
	tmp := b.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write ledger: %w", err)
	}
	return os.Rename(tmp, b.path)
}

func expandHome(path string) string {
	if len(path) > 1 && path[0] == '~' && path[1] == '/' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
