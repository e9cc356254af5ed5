package repo

import "errors"

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrRunExists is returned when run metadata for the id already exists.
	// A run cannot be re-created; callers must treat this as a conflict, not
	// a transient failure.
	ErrRunExists = errors.New("run already exists")
)
