// Package watermark persists the per-partition TTL watermark across
// restarts. Without a persisted watermark every TTL decision would restart
// from zero after a reload.
package watermark

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"sync"
)

// Store loads and persists a partition watermark.
type Store interface {
	// Load returns the persisted watermark. The second result is false
	// when no watermark has been persisted yet.
	Load() (float64, bool, error)

	// Persist durably records the watermark.
	Persist(value float64) error

	// Close releases the store.
	Close() error
}

// FileStore persists the watermark as a small text file. Writes go through a
// temp file and an atomic rename so a crash never leaves a torn value.
type FileStore struct {
	path string
}

// NewFileStore creates a FileStore rooted at dir for the given partition.
// The directory is created if missing.
func NewFileStore(dir string, partition int) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("watermark: create dir: %w", err)
	}
	return &FileStore{
		path: filepath.Join(dir, fmt.Sprintf("ttl.watermark.%d", partition)),
	}, nil
}

// Load reads the persisted watermark, reporting false when the file does not
// exist yet.
func (s *FileStore) Load() (float64, bool, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("watermark: read %s: %w", s.path, err)
	}
	v, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return 0, false, fmt.Errorf("watermark: parse %s: %w", s.path, err)
	}
	return v, true, nil
}

// Persist writes the watermark via temp file + rename.
func (s *FileStore) Persist(value float64) error {
	tmp := s.path + ".tmp"
	data := strconv.FormatFloat(value, 'g', -1, 64)
	if err := os.WriteFile(tmp, []byte(data), 0o644); err != nil {
		return fmt.Errorf("watermark: write temp: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("watermark: rename: %w", err)
	}
	return nil
}

// Close is a no-op for FileStore.
func (s *FileStore) Close() error { return nil }

// MemoryStore keeps the watermark in memory. Useful for tables without TTL
// persistence and for tests.
type MemoryStore struct {
	mu    sync.Mutex
	value float64
	set   bool
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Load returns the last persisted value.
func (s *MemoryStore) Load() (float64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value, s.set, nil
}

// Persist records the value.
func (s *MemoryStore) Persist(value float64) error {
	if math.IsNaN(value) {
		return fmt.Errorf("watermark: refusing to persist NaN")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.value = value
	s.set = true
	return nil
}

// Close is a no-op for MemoryStore.
func (s *MemoryStore) Close() error { return nil }
