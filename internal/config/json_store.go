package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/micro-nova/sensorsim/internal/models"
)

const debounceDelay = 500 * time.Millisecond

// JSONStore is an atomic JSON file store with debounced writes.
type JSONStore struct {
	mu      sync.Mutex
	path    string
	timer   *time.Timer
	pending *models.Board
}

// NewJSONStore creates a store for the board file at path.
func NewJSONStore(path string) *JSONStore {
	return &JSONStore{path: path}
}

// Path returns the file path used by this store.
func (s *JSONStore) Path() string { return s.path }

// Load reads the board from disk and migrates it. A missing file yields
// DefaultBoard; a file that does not parse is an error, since running a
// different board than the one asked for hides mistakes.
func (s *JSONStore) Load() (*models.Board, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			slog.Info("config: no board file, using default board", "path", s.path)
			def := models.DefaultBoard()
			return &def, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", s.path, err)
	}

	var b models.Board
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", s.path, err)
	}
	Migrate(&b)
	return &b, nil
}

// Save schedules a debounced write of the board to disk.
// The actual write happens after 500ms of no further Save calls.
func (s *JSONStore) Save(b *models.Board) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := b.DeepCopy()
	s.pending = &cp

	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(debounceDelay, func() {
		s.mu.Lock()
		pending := s.pending
		s.mu.Unlock()
		if pending != nil {
			if err := s.writeAtomic(pending); err != nil {
				slog.Error("config: failed to write board", "path", s.path, "err", err)
			}
		}
	})
	return nil
}

// Flush forces an immediate write of any pending board.
func (s *JSONStore) Flush() error {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	pending := s.pending
	s.mu.Unlock()
	if pending == nil {
		return nil
	}
	return s.writeAtomic(pending)
}

func (s *JSONStore) writeAtomic(b *models.Board) error {
	data, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return err
	}

	// Write to temp file, then rename (atomic on Linux)
	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmpPath, s.path)
}

var _ Store = (*JSONStore)(nil)
