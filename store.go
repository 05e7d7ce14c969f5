package docstore

import (
	"context"
	"encoding/json"
	"errors"
)

// Store is the primitive document-database access layer. Implementations move
// (body, version) pairs and enforce conditional writes; they never cache, so
// every call is a round trip to the backing store.
//
// Error contract:
//   - Get/Replace/Remove return ErrNotFound when no document has the id.
//   - Insert returns ErrAlreadyExists when the id is taken.
//   - Replace/Remove return ErrVersionConflict when the expected version does
//     not match the stored one.
//   - Transport or server failures, including per-call timeout expiry, map to
//     ErrUnavailable; caller cancellation maps to ErrCancelled.
type Store interface {
	// Get returns the stored body and its current version.
	Get(ctx context.Context, id string) (json.RawMessage, Version, error)

	// Insert stores a new document and returns its initial version.
	Insert(ctx context.Context, id string, body json.RawMessage) (Version, error)

	// Replace overwrites the document body if the stored version still equals
	// expected, and returns the new version.
	Replace(ctx context.Context, id string, body json.RawMessage, expected Version) (Version, error)

	// Remove deletes the document. With expected == 0 the delete is
	// unconditional; otherwise it only succeeds if the stored version still
	// equals expected.
	Remove(ctx context.Context, id string, expected Version) error

	// QueryByType returns a lazy, finite iterator over the documents whose
	// discriminator field equals docType. A fresh call re-reads current store
	// state. Ordering is store-defined unless a sort option is given.
	QueryByType(ctx context.Context, docType string, options ...QueryOption) (Iterator[RawDocument], error)
}

// Iterator walks a query result. Next returns ErrIteratorDone once the
// sequence is exhausted. Close must be called to release the underlying
// cursor; it is safe to call after Next returned ErrIteratorDone.
type Iterator[T any] interface {
	Next() (*T, error)
	Close() error
}

// DrainIterator reads an iterator to the end and closes it.
func DrainIterator[T any](it Iterator[T]) ([]T, error) {
	defer it.Close()

	var out []T
	for {
		item, err := it.Next()
		if err != nil {
			if errors.Is(err, ErrIteratorDone) {
				return out, nil
			}
			return nil, err
		}
		out = append(out, *item)
	}
}

type sliceIterator[T any] struct {
	items []T
	pos   int
}

func (it *sliceIterator[T]) Next() (*T, error) {
	if it.pos >= len(it.items) {
		return nil, ErrIteratorDone
	}

	item := it.items[it.pos]
	it.pos++
	return &item, nil
}

func (it *sliceIterator[T]) Close() error { return nil }
