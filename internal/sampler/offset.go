package sampler

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"lyricsync/pkg/fileutil"
)

// OffsetStore persists the user's lyric offset across sessions.
type OffsetStore struct {
	path string
	mu   sync.Mutex
}

type offsetFile struct {
	OffsetMs int64 `json:"offset_ms"`
}

func NewOffsetStore(path string) *OffsetStore {
	return &OffsetStore{path: path}
}

// Load returns 0 when nothing has been saved yet.
func (o *OffsetStore) Load() (int64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	data, err := os.ReadFile(o.path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read offset file %s: %w", o.path, err)
	}

	var f offsetFile
	if err := json.Unmarshal(data, &f); err != nil {
		return 0, fmt.Errorf("invalid offset file %s: %w", o.path, err)
	}
	return f.OffsetMs, nil
}

func (o *OffsetStore) Save(ms int64) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	data, err := json.Marshal(offsetFile{OffsetMs: ms})
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(o.path), 0755); err != nil {
		return fmt.Errorf("failed to create offset directory: %w", err)
	}
	return fileutil.WriteFileOverwrite(o.path, data, 0644)
}
