package storage

import "errors"

// Common storage errors.
var (
	// ErrNotFound is returned when an entity is not found.
	ErrNotFound = errors.New("entity not found")

	// ErrConflict is returned when a compare-and-swap update lost against a
	// concurrent writer or a create hit an existing key.
	ErrConflict = errors.New("entity revision conflict")

	// ErrLocked is returned when a per-workflow lock is held elsewhere.
	ErrLocked = errors.New("workflow lock held")
)
