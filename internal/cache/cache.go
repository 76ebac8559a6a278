// Package cache persists the last telemetry snapshot so it can be shown
// before the controller link is up.
package cache

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/chaz8081/trumoto/internal/ble"
	"github.com/chaz8081/trumoto/internal/ble/protocol"
)

// FileName is the cache file inside the cache directory.
const FileName = "telemetry.yaml"

// document is the on-disk layout. It is keyed so more cached values can
// be added without breaking older files.
type document struct {
	LastTelemetry *protocol.Snapshot `yaml:"last_telemetry,omitempty"`
}

// Store is a ble.SnapshotStore backed by a YAML file.
type Store struct {
	mu   sync.Mutex
	path string
}

var _ ble.SnapshotStore = (*Store)(nil)

// New returns a Store that keeps its file in dir. The directory is created
// on the first Save.
func New(dir string) *Store {
	return &Store{path: filepath.Join(dir, FileName)}
}

// Path returns the cache file path.
func (s *Store) Path() string {
	return s.path
}

// Load returns the cached snapshot. A missing file is not an error.
func (s *Store) Load() (protocol.Snapshot, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return protocol.Snapshot{}, false, nil
	}
	if err != nil {
		return protocol.Snapshot{}, false, fmt.Errorf("cache: reading %s: %w", s.path, err)
	}

	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return protocol.Snapshot{}, false, fmt.Errorf("cache: parsing %s: %w", s.path, err)
	}
	if doc.LastTelemetry == nil {
		return protocol.Snapshot{}, false, nil
	}
	return *doc.LastTelemetry, true, nil
}

// Save replaces the cached snapshot. The file is written to a temp path
// and renamed so readers never see a partial document.
func (s *Store) Save(snap protocol.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := yaml.Marshal(document{LastTelemetry: &snap})
	if err != nil {
		return fmt.Errorf("cache: encoding snapshot: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("cache: creating directory: %w", err)
	}

	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("cache: writing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("cache: moving cache file: %w", err)
	}
	return nil
}

// Clear removes the cache file.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("cache: removing %s: %w", s.path, err)
	}
	return nil
}
