package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/couchbase/gocb/v2"
)

// CouchbaseStore maps the Store contract directly onto Couchbase KV
// operations: the CAS value is the version token, so conditional writes cost
// nothing extra. QueryByType runs a N1QL statement over the collection; it
// selects ids only and re-reads each document through KV, because CAS values
// do not survive a trip through N1QL's number type intact.
//
// The backing collection needs a primary or documentType index before the
// first query; provisioning it is a bootstrap concern, not the store's.
type CouchbaseStore struct {
	scope       *gocb.Scope
	collection  *gocb.Collection
	transcoder  *gocb.RawJSONTranscoder
	callTimeout time.Duration
}

func NewCouchbaseStore(bucket *gocb.Bucket, scopeName, collName string, options ...StoreOption) *CouchbaseStore {
	opt := buildStoreOption(options)

	scope := bucket.Scope(scopeName)

	return &CouchbaseStore{
		scope:       scope,
		collection:  scope.Collection(collName),
		transcoder:  gocb.NewRawJSONTranscoder(),
		callTimeout: opt.callTimeout,
	}
}

func (s *CouchbaseStore) Get(ctx context.Context, id string) (json.RawMessage, Version, error) {
	res, err := s.collection.Get(id, &gocb.GetOptions{
		Transcoder: s.transcoder,
		Timeout:    s.callTimeout,
		Context:    ctx,
	})
	if err != nil {
		return nil, 0, wrapCouchbaseError(err)
	}

	var body []byte
	if err := res.Content(&body); err != nil {
		return nil, 0, err
	}

	return body, Version(res.Cas()), nil
}

func (s *CouchbaseStore) Insert(ctx context.Context, id string, body json.RawMessage) (Version, error) {
	res, err := s.collection.Insert(id, []byte(body), &gocb.InsertOptions{
		Transcoder: s.transcoder,
		Timeout:    s.callTimeout,
		Context:    ctx,
	})
	if err != nil {
		return 0, wrapCouchbaseError(err)
	}

	return Version(res.Cas()), nil
}

func (s *CouchbaseStore) Replace(ctx context.Context, id string, body json.RawMessage, expected Version) (Version, error) {
	res, err := s.collection.Replace(id, []byte(body), &gocb.ReplaceOptions{
		Cas:        gocb.Cas(expected),
		Transcoder: s.transcoder,
		Timeout:    s.callTimeout,
		Context:    ctx,
	})
	if err != nil {
		return 0, wrapCouchbaseError(err)
	}

	return Version(res.Cas()), nil
}

func (s *CouchbaseStore) Remove(ctx context.Context, id string, expected Version) error {
	_, err := s.collection.Remove(id, &gocb.RemoveOptions{
		Cas:     gocb.Cas(expected),
		Timeout: s.callTimeout,
		Context: ctx,
	})
	if err != nil {
		return wrapCouchbaseError(err)
	}

	return nil
}

func (s *CouchbaseStore) QueryByType(ctx context.Context, docType string, options ...QueryOption) (Iterator[RawDocument], error) {
	opt := buildQueryOption(options)

	statement, params, err := s.buildQuery(docType, opt)
	if err != nil {
		return nil, err
	}

	result, err := s.scope.Query(statement, &gocb.QueryOptions{
		PositionalParameters: params,
		ScanConsistency:      gocb.QueryScanConsistencyRequestPlus,
		Timeout:              s.callTimeout,
		Context:              ctx,
	})
	if err != nil {
		return nil, wrapCouchbaseError(err)
	}

	return &couchbaseIterator{
		result: result,
		store:  s,
		ctx:    ctx,
	}, nil
}

func (s *CouchbaseStore) buildQuery(docType string, opt *queryOption) (string, []any, error) {
	var b strings.Builder
	params := []any{docType}

	fmt.Fprintf(&b, "SELECT META(d).id AS id FROM `%s` AS d WHERE d.`documentType` = $1", s.collection.Name())

	for _, f := range opt.Filters {
		path, err := n1qlPath(f.Path)
		if err != nil {
			return "", nil, err
		}

		params = append(params, f.Value)
		fmt.Fprintf(&b, " AND d.%s = $%d", path, len(params))
	}

	for _, c := range opt.Contains {
		path, err := n1qlPath(c.Path)
		if err != nil {
			return "", nil, err
		}

		substr, _ := c.Value.(string)
		params = append(params, substr)
		fmt.Fprintf(&b, " AND CONTAINS(LOWER(d.%s), LOWER($%d))", path, len(params))
	}

	if len(opt.Sorter) > 0 {
		var clauses []string
		for _, sorter := range opt.Sorter {
			fieldPath, desc := parseSortField(sorter)
			path, err := n1qlPath(fieldPath)
			if err != nil {
				return "", nil, err
			}

			dir := "ASC"
			if desc {
				dir = "DESC"
			}
			clauses = append(clauses, fmt.Sprintf("d.%s %s", path, dir))
		}
		fmt.Fprintf(&b, " ORDER BY %s", strings.Join(clauses, ", "))
	}

	if opt.Limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", opt.Limit)
	}

	if opt.Offset > 0 {
		fmt.Fprintf(&b, " OFFSET %d", opt.Offset)
	}

	return b.String(), params, nil
}

type couchbaseIterator struct {
	result *gocb.QueryResult
	store  *CouchbaseStore
	ctx    context.Context
}

func (it *couchbaseIterator) Next() (*RawDocument, error) {
	for it.result.Next() {
		var row struct {
			ID string `json:"id"`
		}
		if err := it.result.Row(&row); err != nil {
			return nil, wrapCouchbaseError(err)
		}

		body, version, err := it.store.Get(it.ctx, row.ID)
		if err != nil {
			// A document removed between the index scan and the KV read is
			// the weak consistency the query contract allows.
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}

		return &RawDocument{ID: row.ID, Body: body, Version: version}, nil
	}

	if err := it.result.Err(); err != nil {
		return nil, wrapCouchbaseError(err)
	}

	return nil, ErrIteratorDone
}

func (it *couchbaseIterator) Close() error {
	return it.result.Close()
}

// n1qlPath renders a dotted field path with every segment escaped, e.g.
// "specs.color" -> "`specs`.`color`".
func n1qlPath(path string) (string, error) {
	parts := strings.Split(path, ".")
	for i, part := range parts {
		if part == "" || strings.ContainsAny(part, "`") {
			return "", fmt.Errorf("invalid field path %q", path)
		}
		parts[i] = "`" + part + "`"
	}

	return strings.Join(parts, "."), nil
}

func wrapCouchbaseError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gocb.ErrDocumentNotFound):
		return fmt.Errorf("%w: %s", ErrNotFound, err)
	case errors.Is(err, gocb.ErrDocumentExists):
		return fmt.Errorf("%w: %s", ErrAlreadyExists, err)
	case errors.Is(err, gocb.ErrCasMismatch):
		return fmt.Errorf("%w: %s", ErrVersionConflict, err)
	case errors.Is(err, context.Canceled), errors.Is(err, gocb.ErrRequestCanceled):
		return fmt.Errorf("%w: %w", ErrCancelled, err)
	case errors.Is(err, gocb.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %s", ErrUnavailable, err)
	}

	return fmt.Errorf("%w: %s", ErrUnavailable, err)
}
