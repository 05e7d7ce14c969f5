package docstore

import (
	"log/slog"
	"time"
)

type RepositoryOption func(o *repositoryOption)

type repositoryOption struct {
	typeName   string
	logger     *slog.Logger
	now        func() time.Time
	newID      func() string
	strictList bool
}

// WithTypeName overrides the document type tag, which otherwise defaults to
// the snake_cased Go type name of the entity.
func WithTypeName(name string) RepositoryOption {
	return func(o *repositoryOption) {
		o.typeName = name
	}
}

// WithLogger sets the logger used for the documented permissive paths
// (degraded List, conflicting Delete). Defaults to slog.Default().
func WithLogger(logger *slog.Logger) RepositoryOption {
	return func(o *repositoryOption) {
		o.logger = logger
	}
}

// WithClock replaces the time source used to stamp CreatedAt/UpdatedAt.
func WithClock(now func() time.Time) RepositoryOption {
	return func(o *repositoryOption) {
		o.now = now
	}
}

// WithIDGenerator replaces the id generator used by Create when the entity
// carries no id. Defaults to uuid.NewString.
func WithIDGenerator(newID func() string) RepositoryOption {
	return func(o *repositoryOption) {
		o.newID = newID
	}
}

// WithStrictList makes List propagate store errors instead of degrading to an
// empty result. Off by default to preserve the permissive List contract.
func WithStrictList(strict bool) RepositoryOption {
	return func(o *repositoryOption) {
		o.strictList = strict
	}
}

type StoreOption func(o *storeOption)

type storeOption struct {
	callTimeout time.Duration
}

// WithCallTimeout sets a client-side per-call timeout on every store
// operation, as a safety net distinct from caller cancellation. Expiry
// surfaces as ErrUnavailable. Zero disables the net.
func WithCallTimeout(d time.Duration) StoreOption {
	return func(o *storeOption) {
		o.callTimeout = d
	}
}

func buildStoreOption(options []StoreOption) *storeOption {
	opt := &storeOption{}
	for _, op := range options {
		op(opt)
	}

	return opt
}

type QueryOption func(o *queryOption)

type fieldMatch struct {
	Path  string
	Value any
}

type queryOption struct {
	Filters  []fieldMatch
	Contains []fieldMatch
	Sorter   []string
	Limit    int
	Offset   int64
}

// WithFilter returns a QueryOption that restricts the result to documents
// whose field at path equals value. The path may be dotted to reach nested
// objects, e.g. "specs.color".
func WithFilter(path string, value any) QueryOption {
	return func(o *queryOption) {
		o.Filters = append(o.Filters, fieldMatch{Path: path, Value: value})
	}
}

// WithContains returns a QueryOption that restricts the result to documents
// whose string field at path contains substr, case-insensitively.
func WithContains(path string, substr string) QueryOption {
	return func(o *queryOption) {
		o.Contains = append(o.Contains, fieldMatch{Path: path, Value: substr})
	}
}

// WithSort returns a QueryOption that sets the sorting order for the query.
// The sorter parameter is a variadic slice of field paths to sort by,
// prefixed by "-" for descending order, and prefixed by "+" for ascending
// order.
//
// example:
//
//	WithSort("-price", "+name")
func WithSort(sorter ...string) QueryOption {
	return func(o *queryOption) {
		o.Sorter = append(o.Sorter, sorter...)
	}
}

// WithLimit returns a QueryOption that sets the limit for the number of
// documents to return.
func WithLimit(limit int) QueryOption {
	return func(o *queryOption) {
		o.Limit = limit
	}
}

// WithOffset returns a QueryOption that sets the offset for the documents
// returned.
func WithOffset(offset int64) QueryOption {
	return func(o *queryOption) {
		o.Offset = offset
	}
}

func buildQueryOption(options []QueryOption) *queryOption {
	opt := &queryOption{}
	for _, op := range options {
		op(opt)
	}

	return opt
}

// parseSortField splits a "+field" / "-field" sorter entry into the field
// path and its direction. A bare field name sorts ascending.
func parseSortField(s string) (path string, desc bool) {
	if s == "" {
		return "", false
	}

	switch s[0] {
	case '-':
		return s[1:], true
	case '+':
		return s[1:], false
	}

	return s, false
}
