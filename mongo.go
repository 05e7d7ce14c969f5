package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	mongoOptions "go.mongodb.org/mongo-driver/mongo/options"
)

// MongoStore keeps each document in a wrapper record
//
//	{ _id, docType, version, doc: <body> }
//
// so that the version counter stays store metadata outside the returned body.
// Conditional writes filter on {_id, version}: a stale token matches nothing,
// which is the same revision-guard trick CouchDB applies with _rev.
type MongoStore struct {
	collection  *mongo.Collection
	callTimeout time.Duration
}

type mongoDoc struct {
	ID      string `bson:"_id"`
	Type    string `bson:"docType"`
	Version uint64 `bson:"version"`
	Doc     bson.M `bson:"doc"`
}

// NewMongoStore wraps a collection of the given database and ensures the
// docType index the type-scoped queries rely on.
func NewMongoStore(ctx context.Context, db *mongo.Database, collName string, options ...StoreOption) (*MongoStore, error) {
	opt := buildStoreOption(options)

	collection := db.Collection(collName)

	_, err := collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "docType", Value: 1}},
	})
	if err != nil {
		return nil, fmt.Errorf("ensure docType index: %w", wrapMongoError(err))
	}

	return &MongoStore{
		collection:  collection,
		callTimeout: opt.callTimeout,
	}, nil
}

func (s *MongoStore) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.callTimeout <= 0 {
		return ctx, func() {}
	}

	return context.WithTimeout(ctx, s.callTimeout)
}

func (s *MongoStore) Get(ctx context.Context, id string) (json.RawMessage, Version, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var wrapper mongoDoc
	if err := s.collection.FindOne(ctx, bson.D{{Key: "_id", Value: id}}).Decode(&wrapper); err != nil {
		return nil, 0, wrapMongoError(err)
	}

	body, err := bson.MarshalExtJSON(wrapper.Doc, false, false)
	if err != nil {
		return nil, 0, err
	}

	return body, Version(wrapper.Version), nil
}

func (s *MongoStore) Insert(ctx context.Context, id string, body json.RawMessage) (Version, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	wrapper, err := newMongoDoc(id, initialVersion(), body)
	if err != nil {
		return 0, err
	}

	if _, err := s.collection.InsertOne(ctx, wrapper); err != nil {
		return 0, wrapMongoError(err)
	}

	return Version(wrapper.Version), nil
}

// initialVersion seeds the version counter of a freshly inserted document.
// Seeding from the clock instead of a constant keeps a token taken from a
// deleted document from validating against a later re-creation of the same
// id; Replace increments from the seed.
func initialVersion() uint64 {
	return uint64(time.Now().UnixNano())
}

func (s *MongoStore) Replace(ctx context.Context, id string, body json.RawMessage, expected Version) (Version, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	next := uint64(expected) + 1
	wrapper, err := newMongoDoc(id, next, body)
	if err != nil {
		return 0, err
	}

	filter := bson.D{
		{Key: "_id", Value: id},
		{Key: "version", Value: uint64(expected)},
	}
	res, err := s.collection.ReplaceOne(ctx, filter, wrapper)
	if err != nil {
		return 0, wrapMongoError(err)
	}

	if res.MatchedCount == 0 {
		return 0, s.conflictOrMissing(ctx, id)
	}

	return Version(next), nil
}

func (s *MongoStore) Remove(ctx context.Context, id string, expected Version) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	filter := bson.D{{Key: "_id", Value: id}}
	if expected != 0 {
		filter = append(filter, bson.E{Key: "version", Value: uint64(expected)})
	}

	res, err := s.collection.DeleteOne(ctx, filter)
	if err != nil {
		return wrapMongoError(err)
	}

	if res.DeletedCount == 0 {
		if expected == 0 {
			return ErrNotFound
		}
		return s.conflictOrMissing(ctx, id)
	}

	return nil
}

// conflictOrMissing tells a stale version apart from a vanished document
// after a conditional write matched nothing.
func (s *MongoStore) conflictOrMissing(ctx context.Context, id string) error {
	n, err := s.collection.CountDocuments(ctx, bson.D{{Key: "_id", Value: id}})
	if err != nil {
		return wrapMongoError(err)
	}

	if n == 0 {
		return ErrNotFound
	}

	return ErrVersionConflict
}

func (s *MongoStore) QueryByType(ctx context.Context, docType string, options ...QueryOption) (Iterator[RawDocument], error) {
	opt := buildQueryOption(options)

	ctx, cancel := s.opCtx(ctx)

	filter := bson.D{{Key: "docType", Value: docType}}
	for _, f := range opt.Filters {
		filter = append(filter, bson.E{Key: "doc." + f.Path, Value: f.Value})
	}

	for _, c := range opt.Contains {
		substr, _ := c.Value.(string)
		filter = append(filter, bson.E{Key: "doc." + c.Path, Value: primitive.Regex{
			Pattern: regexp.QuoteMeta(substr),
			Options: "i",
		}})
	}

	findOpts := mongoOptions.Find()
	if len(opt.Sorter) > 0 {
		var sorter bson.D
		for _, s := range opt.Sorter {
			path, desc := parseSortField(s)
			dir := 1
			if desc {
				dir = -1
			}
			sorter = append(sorter, bson.E{Key: "doc." + path, Value: dir})
		}
		findOpts.SetSort(sorter)
	}

	if opt.Limit > 0 {
		findOpts.SetLimit(int64(opt.Limit))
	}

	if opt.Offset > 0 {
		findOpts.SetSkip(opt.Offset)
	}

	cur, err := s.collection.Find(ctx, filter, findOpts)
	if err != nil {
		cancel()
		return nil, wrapMongoError(err)
	}

	return &mongoIterator{cur: cur, ctx: ctx, cancel: cancel}, nil
}

type mongoIterator struct {
	cur    *mongo.Cursor
	ctx    context.Context
	cancel context.CancelFunc
}

func (it *mongoIterator) Next() (*RawDocument, error) {
	if !it.cur.Next(it.ctx) {
		if err := it.cur.Err(); err != nil {
			return nil, wrapMongoError(err)
		}
		return nil, ErrIteratorDone
	}

	var wrapper mongoDoc
	if err := it.cur.Decode(&wrapper); err != nil {
		return nil, err
	}

	body, err := bson.MarshalExtJSON(wrapper.Doc, false, false)
	if err != nil {
		return nil, err
	}

	return &RawDocument{
		ID:      wrapper.ID,
		Body:    body,
		Version: Version(wrapper.Version),
	}, nil
}

func (it *mongoIterator) Close() error {
	defer it.cancel()
	return it.cur.Close(it.ctx)
}

func newMongoDoc(id string, version uint64, body json.RawMessage) (mongoDoc, error) {
	var doc bson.M
	if err := bson.UnmarshalExtJSON(body, false, &doc); err != nil {
		return mongoDoc{}, fmt.Errorf("parse document body: %w", err)
	}

	docType, err := docTypeOf(body)
	if err != nil {
		return mongoDoc{}, err
	}

	return mongoDoc{
		ID:      id,
		Type:    docType,
		Version: version,
		Doc:     doc,
	}, nil
}

func wrapMongoError(err error) error {
	switch {
	case err == nil:
		return nil
	case mongo.IsDuplicateKeyError(err):
		return fmt.Errorf("%w: %s", ErrAlreadyExists, err)
	case errors.Is(err, mongo.ErrNoDocuments):
		return fmt.Errorf("%w: %s", ErrNotFound, err)
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %w", ErrCancelled, err)
	case mongo.IsTimeout(err), errors.Is(err, context.DeadlineExceeded), mongo.IsNetworkError(err):
		return fmt.Errorf("%w: %s", ErrUnavailable, err)
	}

	return fmt.Errorf("%w: %s", ErrUnavailable, err)
}
