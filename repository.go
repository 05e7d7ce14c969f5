package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"github.com/google/uuid"
	"github.com/iancoleman/strcase"
)

// Repository provides entity-typed CRUD with optimistic concurrency on top of
// a Store. T must be a struct embedding Meta; the second type parameter is
// inferred, so construction reads
//
//	repo := docstore.NewRepository[Product](store)
//
// Every entity persists as one JSON document tagged with the repository's
// document type, which defaults to the snake_cased name of T. Repositories
// are stateless per call and safe for concurrent use; correctness between
// concurrent writers rests entirely on the store's version check.
type Repository[T any, PT EntityPtr[T]] struct {
	store      Store
	typeName   string
	logger     *slog.Logger
	now        func() time.Time
	newID      func() string
	strictList bool
}

func NewRepository[T any, PT EntityPtr[T]](store Store, options ...RepositoryOption) *Repository[T, PT] {
	opt := &repositoryOption{}
	for _, op := range options {
		op(opt)
	}

	if opt.typeName == "" {
		var model T
		opt.typeName = strcase.ToSnake(reflect.TypeOf(model).Name())
	}

	if opt.logger == nil {
		opt.logger = slog.Default()
	}

	if opt.now == nil {
		opt.now = time.Now
	}

	if opt.newID == nil {
		opt.newID = uuid.NewString
	}

	return &Repository[T, PT]{
		store:      store,
		typeName:   opt.typeName,
		logger:     opt.logger,
		now:        opt.now,
		newID:      opt.newID,
		strictList: opt.strictList,
	}
}

// TypeName returns the discriminator tag this repository stamps on documents.
func (r *Repository[T, PT]) TypeName() string {
	return r.typeName
}

// Create persists a new entity. An empty id gets a generated one; the
// document type and CreatedAt are stamped by the repository regardless of
// what the caller put there. On success the store's version token is attached
// to the entity so that a later Update can supply it. A caller-supplied id
// that collides with an existing document fails with ErrDuplicateID.
func (r *Repository[T, PT]) Create(ctx context.Context, entity PT) error {
	meta := entity.DocumentMeta()
	if meta.ID == "" {
		meta.ID = r.newID()
	}

	meta.Type = r.typeName
	meta.CreatedAt = r.now().UTC()
	meta.UpdatedAt = nil

	body, err := json.Marshal(entity)
	if err != nil {
		return err
	}

	version, err := r.store.Insert(ctx, meta.ID, body)
	if err != nil {
		if errors.Is(err, ErrAlreadyExists) {
			return fmt.Errorf("%w: %q", ErrDuplicateID, meta.ID)
		}
		return err
	}

	meta.version = version
	return nil
}

// Get fetches the entity with the given id. The returned entity carries the
// version observed by the read; a missing id yields ErrNotFound.
func (r *Repository[T, PT]) Get(ctx context.Context, id string) (PT, error) {
	body, version, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	entity, err := r.decode(RawDocument{ID: id, Body: body, Version: version})
	if err != nil {
		return nil, err
	}

	return entity, nil
}

// Update overwrites the stored document with the given entity. The entity
// must carry the version obtained from a prior Create/Get/Update on the same
// id; the repository does not re-fetch, and it does not retry on conflict.
// The caller must re-fetch and decide how to merge (see Use for a helper).
// UpdatedAt is stamped on success only; on any failure the entity's in-memory
// fields are left as they were.
func (r *Repository[T, PT]) Update(ctx context.Context, entity PT) error {
	meta := entity.DocumentMeta()
	if meta.ID == "" {
		return ErrMissingID
	}

	if meta.version == 0 {
		return fmt.Errorf("%w: fetch %q before updating it", ErrMissingVersion, meta.ID)
	}

	// The discriminator is not user-editable after creation.
	prevType := meta.Type
	meta.Type = r.typeName

	now := r.now().UTC()
	prev := meta.UpdatedAt
	meta.UpdatedAt = &now

	body, err := json.Marshal(entity)
	if err != nil {
		meta.Type = prevType
		meta.UpdatedAt = prev
		return err
	}

	version, err := r.store.Replace(ctx, meta.ID, body, meta.version)
	if err != nil {
		meta.Type = prevType
		meta.UpdatedAt = prev
		switch {
		case errors.Is(err, ErrVersionConflict):
			return fmt.Errorf("%w: %q", ErrConcurrentModification, meta.ID)
		case errors.Is(err, ErrNotFound):
			return fmt.Errorf("%w: %q", ErrEntityNotFound, meta.ID)
		}
		return err
	}

	meta.version = version
	return nil
}

// Delete removes the document with the given id and reports whether this call
// did the removing. It reads the current version first, so no version needs
// to be supplied; an id that is already gone yields (false, nil). A writer
// that modifies or deletes the document between the read and the remove also
// yields (false, nil): deletion under contention means someone else changed
// the document and nothing was deleted. Transport failures propagate.
func (r *Repository[T, PT]) Delete(ctx context.Context, id string) (bool, error) {
	_, version, err := r.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}

	err = r.store.Remove(ctx, id, version)
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrVersionConflict) {
			r.logger.Warn("docstore: delete lost to a concurrent writer",
				slog.String("id", id),
				slog.String("documentType", r.typeName),
				slog.Any("err", err),
			)
			return false, nil
		}
		return false, err
	}

	return true, nil
}

// List returns every document of this repository's type. List is permissive:
// a store failure degrades to an empty result after logging what was
// swallowed, so that read-mostly callers keep rendering through an outage.
// WithStrictList(true) turns the degrade into a propagated error.
func (r *Repository[T, PT]) List(ctx context.Context) ([]PT, error) {
	entities, err := r.Find(ctx)
	if err != nil {
		if r.strictList {
			return nil, err
		}

		r.logger.Warn("docstore: list degraded to empty result",
			slog.String("documentType", r.typeName),
			slog.Any("err", err),
		)
		return nil, nil
	}

	return entities, nil
}

// Find returns the documents of this repository's type matching the given
// query options. Unlike List, Find always propagates store failures.
func (r *Repository[T, PT]) Find(ctx context.Context, options ...QueryOption) ([]PT, error) {
	it, err := r.store.QueryByType(ctx, r.typeName, options...)
	if err != nil {
		return nil, err
	}

	docs, err := DrainIterator(it)
	if err != nil {
		return nil, err
	}

	entities := make([]PT, 0, len(docs))
	for _, doc := range docs {
		entity, err := r.decode(doc)
		if err != nil {
			return nil, err
		}

		entities = append(entities, entity)
	}

	return entities, nil
}

func (r *Repository[T, PT]) decode(doc RawDocument) (PT, error) {
	var value T
	entity := PT(&value)
	if err := json.Unmarshal(doc.Body, entity); err != nil {
		return nil, fmt.Errorf("decode document %q: %w", doc.ID, err)
	}

	meta := entity.DocumentMeta()
	meta.ID = doc.ID
	meta.version = doc.Version

	return entity, nil
}
