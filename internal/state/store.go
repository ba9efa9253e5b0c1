package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Store persists the lifecycle aggregate. Load returns New() when nothing
// was saved yet.
type Store interface {
	Load() (Lifecycle, error)
	Save(Lifecycle) error
}

type FileStore struct {
	path string
	mu   sync.Mutex
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) Load() (Lifecycle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return New(), nil
	}
	if err != nil {
		return Lifecycle{}, fmt.Errorf("read state %s: %w", s.path, err)
	}
	var l Lifecycle
	if err := json.Unmarshal(data, &l); err != nil {
		return Lifecycle{}, fmt.Errorf("decode state %s: %w", s.path, err)
	}
	return l, nil
}

func (s *FileStore) Save(l Lifecycle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(l, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	if err := writeFileAtomic(s.path, data, 0o644); err != nil {
		return fmt.Errorf("write state %s: %w", s.path, err)
	}
	return nil
}

// writeFileAtomic replaces path with data via a synced temp file in the
// same directory, so a crash leaves either the old or the new snapshot.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".state-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}

// MemoryStore keeps the aggregate in process. Backtests use it so replays
// never touch the live state file.
type MemoryStore struct {
	mu    sync.Mutex
	saved *Lifecycle
	saves int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Load() (Lifecycle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saved == nil {
		return New(), nil
	}
	return s.saved.Clone(), nil
}

func (s *MemoryStore) Save(l Lifecycle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := l.Clone()
	s.saved = &c
	s.saves++
	return nil
}

func (s *MemoryStore) Saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}
