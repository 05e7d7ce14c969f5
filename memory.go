package docstore

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
)

// MemoryStore is an in-process Store backed by a map. It is the reference
// implementation used by the unit tests and works as a drop-in fake in
// callers' tests; it honors the full conditional-write contract of Store.
type MemoryStore struct {
	mux     sync.RWMutex
	docs    map[string]memoryDoc
	counter Version
}

type memoryDoc struct {
	docType string
	body    json.RawMessage
	version Version
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs: make(map[string]memoryDoc),
	}
}

func (s *MemoryStore) Get(ctx context.Context, id string) (json.RawMessage, Version, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, translateCtxErr(ctx, err)
	}

	s.mux.RLock()
	defer s.mux.RUnlock()

	doc, ok := s.docs[id]
	if !ok {
		return nil, 0, ErrNotFound
	}

	body := make(json.RawMessage, len(doc.body))
	copy(body, doc.body)

	return body, doc.version, nil
}

func (s *MemoryStore) Insert(ctx context.Context, id string, body json.RawMessage) (Version, error) {
	if err := ctx.Err(); err != nil {
		return 0, translateCtxErr(ctx, err)
	}

	docType, err := docTypeOf(body)
	if err != nil {
		return 0, err
	}

	s.mux.Lock()
	defer s.mux.Unlock()

	if _, ok := s.docs[id]; ok {
		return 0, ErrAlreadyExists
	}

	s.counter++
	s.docs[id] = memoryDoc{
		docType: docType,
		body:    append(json.RawMessage(nil), body...),
		version: s.counter,
	}

	return s.counter, nil
}

func (s *MemoryStore) Replace(ctx context.Context, id string, body json.RawMessage, expected Version) (Version, error) {
	if err := ctx.Err(); err != nil {
		return 0, translateCtxErr(ctx, err)
	}

	s.mux.Lock()
	defer s.mux.Unlock()

	doc, ok := s.docs[id]
	if !ok {
		return 0, ErrNotFound
	}

	if doc.version != expected {
		return 0, ErrVersionConflict
	}

	s.counter++
	doc.body = append(json.RawMessage(nil), body...)
	doc.version = s.counter
	s.docs[id] = doc

	return s.counter, nil
}

func (s *MemoryStore) Remove(ctx context.Context, id string, expected Version) error {
	if err := ctx.Err(); err != nil {
		return translateCtxErr(ctx, err)
	}

	s.mux.Lock()
	defer s.mux.Unlock()

	doc, ok := s.docs[id]
	if !ok {
		return ErrNotFound
	}

	if expected != 0 && doc.version != expected {
		return ErrVersionConflict
	}

	delete(s.docs, id)
	return nil
}

func (s *MemoryStore) QueryByType(ctx context.Context, docType string, options ...QueryOption) (Iterator[RawDocument], error) {
	if err := ctx.Err(); err != nil {
		return nil, translateCtxErr(ctx, err)
	}

	opt := buildQueryOption(options)

	s.mux.RLock()
	var rows []memoryRow
	for id, doc := range s.docs {
		if doc.docType != docType {
			continue
		}

		var fields map[string]any
		if err := json.Unmarshal(doc.body, &fields); err != nil {
			s.mux.RUnlock()
			return nil, err
		}

		rows = append(rows, memoryRow{
			doc: RawDocument{
				ID:      id,
				Body:    append(json.RawMessage(nil), doc.body...),
				Version: doc.version,
			},
			fields: fields,
		})
	}
	s.mux.RUnlock()

	rows = Filter(rows, func(r memoryRow) bool { return matchesQuery(r.fields, opt) })
	sortRows(rows, opt.Sorter)

	if opt.Offset > 0 {
		if opt.Offset >= int64(len(rows)) {
			rows = nil
		} else {
			rows = rows[opt.Offset:]
		}
	}

	if opt.Limit > 0 && opt.Limit < len(rows) {
		rows = rows[:opt.Limit]
	}

	matched := Map(rows, func(r memoryRow) RawDocument { return r.doc })

	return &sliceIterator[RawDocument]{items: matched}, nil
}

type memoryRow struct {
	doc    RawDocument
	fields map[string]any
}

func matchesQuery(fields map[string]any, opt *queryOption) bool {
	for _, f := range opt.Filters {
		val, ok := lookupPath(fields, f.Path)
		if !ok || !matchValue(val, f.Value) {
			return false
		}
	}

	for _, c := range opt.Contains {
		val, ok := lookupPath(fields, c.Path)
		if !ok {
			return false
		}

		str, ok := val.(string)
		if !ok {
			return false
		}

		substr, _ := c.Value.(string)
		if !strings.Contains(strings.ToLower(str), strings.ToLower(substr)) {
			return false
		}
	}

	return true
}

// sortRows orders rows in place, keyed by the decoded field values of each
// document. With no sorter the map-iteration order stands, which is the
// "store-defined" ordering the Store contract allows.
func sortRows(rows []memoryRow, sorter []string) {
	if len(sorter) == 0 {
		return
	}

	sort.SliceStable(rows, func(i, j int) bool {
		for _, s := range sorter {
			path, desc := parseSortField(s)
			vi, _ := lookupPath(rows[i].fields, path)
			vj, _ := lookupPath(rows[j].fields, path)
			cmp := compareValues(vi, vj)
			if cmp == 0 {
				continue
			}

			if desc {
				return cmp > 0
			}
			return cmp < 0
		}

		return false
	})
}

func docTypeOf(body json.RawMessage) (string, error) {
	var probe struct {
		Type string `json:"documentType"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return "", err
	}

	return probe.Type, nil
}
