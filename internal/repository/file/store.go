package file

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"
)

// Store keeps application state as JSON documents in a config directory.
// Every write goes through an atomic rename so a crash mid-write never
// leaves a truncated document behind.
type Store struct {
	dir string
}

const (
	settingsFile    = "settings.json"
	preferencesFile = "preferences.json"
	deviceCacheFile = "device_cache.json"
	readerCacheFile = "reader_cache.json"
	uploadQueueFile = "upload_queue.json"
)

func NewStore(dir string) (*Store, error) {
	if dir == "" {
		return nil, errors.New("config dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create config dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) Dir() string { return s.dir }

// read decodes one document. A missing or corrupt file yields ok=false
// so callers fall back to defaults instead of failing startup.
func (s *Store) read(name string, out any) (bool, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("read %s: %w", name, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, nil
	}
	return true, nil
}

func (s *Store) write(name string, doc any) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}
	if err := renameio.WriteFile(filepath.Join(s.dir, name), append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}
