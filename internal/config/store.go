// Package config loads and saves the board description.
package config

import "github.com/micro-nova/sensorsim/internal/models"

// Store is the interface for persisting the board description.
type Store interface {
	// Load loads the board. Returns DefaultBoard if no file exists.
	Load() (*models.Board, error)

	// Save persists the board. Implementations may debounce rapid saves.
	Save(b *models.Board) error

	// Path returns the file path used by this store.
	Path() string

	// Flush forces an immediate write of any pending board.
	Flush() error
}
