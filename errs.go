package docstore

import "errors"

// Store-level errors, returned by Store implementations.
var (
	ErrNotFound        = errors.New("document not found")
	ErrAlreadyExists   = errors.New("document already exists")
	ErrVersionConflict = errors.New("version conflict")
	ErrUnavailable     = errors.New("store unavailable")
	ErrCancelled       = errors.New("operation cancelled")
)

// Repository-level errors. Store errors are translated into these at the
// Repository boundary so that callers only ever deal with one taxonomy.
var (
	ErrEntityNotFound         = errors.New("entity not found")
	ErrDuplicateID            = errors.New("duplicate id")
	ErrConcurrentModification = errors.New("concurrent modification")
	ErrMissingID              = errors.New("entity has no id")
	ErrMissingVersion         = errors.New("entity carries no version")
)

// ErrIteratorDone is returned by Iterator.Next when the sequence is exhausted.
var ErrIteratorDone = errors.New("no more documents")
