package config

import (
	"sync"

	"github.com/micro-nova/sensorsim/internal/models"
)

// MemStore is an in-memory Store for tests that never writes to disk.
type MemStore struct {
	mu    sync.Mutex
	board *models.Board
}

// NewMemStore returns an empty in-memory store (Load yields DefaultBoard).
func NewMemStore() *MemStore {
	return &MemStore{}
}

// NewMemStoreWith returns a store preloaded with b.
func NewMemStoreWith(b models.Board) *MemStore {
	cp := b.DeepCopy()
	return &MemStore{board: &cp}
}

// Load returns a copy of the stored board, or DefaultBoard if none has been saved yet.
func (m *MemStore) Load() (*models.Board, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.board == nil {
		def := models.DefaultBoard()
		return &def, nil
	}
	cp := m.board.DeepCopy()
	return &cp, nil
}

// Save stores a deep copy of the given board in memory.
func (m *MemStore) Save(b *models.Board) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := b.DeepCopy()
	m.board = &cp
	return nil
}

// Path returns ":memory:" to indicate this is an in-memory store.
func (m *MemStore) Path() string { return ":memory:" }

// Flush is a no-op for in-memory stores.
func (m *MemStore) Flush() error { return nil }

var _ Store = (*MemStore)(nil)
