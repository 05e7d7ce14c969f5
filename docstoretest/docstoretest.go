// Package docstoretest provides a conformance suite for docstore.Store
// implementations. Every backend shipped with docstore runs it, and backends
// written outside the module can run it the same way:
//
//	func TestMyStore(t *testing.T) {
//		docstoretest.Run(t, "mystore", func() docstore.Store {
//			return newMyStore(t)
//		})
//	}
//
// The factory is called once per subtest and must return an empty store.
package docstoretest

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/likearthian/docstore"
)

// StoreFactory creates an empty docstore.Store.
type StoreFactory func() docstore.Store

// Run tests a Store implementation against the full contract.
func Run(t *testing.T, name string, newStore StoreFactory) {
	t.Run(name, func(t *testing.T) {
		run(t, "InsertGet", newStore, testInsertGet)
		run(t, "InsertDuplicate", newStore, testInsertDuplicate)
		run(t, "Replace", newStore, testReplace)
		run(t, "Remove", newStore, testRemove)
		run(t, "RecreateInvalidatesOldTokens", newStore, testRecreateInvalidatesOldTokens)
		run(t, "QueryByType", newStore, testQueryByType)
		run(t, "QueryOptions", newStore, testQueryOptions)
		run(t, "QueryRestartable", newStore, testQueryRestartable)
		run(t, "Cancellation", newStore, testCancellation)
	})
}

func run(t *testing.T, name string, newStore StoreFactory, runner func(*testing.T, StoreFactory)) {
	t.Run(name, func(t *testing.T) {
		runner(t, newStore)
	})
}

func productBody(t *testing.T, name string, price float64, category string) json.RawMessage {
	t.Helper()

	body, err := json.Marshal(map[string]any{
		"id":           uuid.NewString(),
		"documentType": "product",
		"name":         name,
		"price":        price,
		"category":     category,
		"specs":        map[string]any{"color": "black", "weight": 1.2},
	})
	require.NoError(t, err)

	return body
}

func orderBody(t *testing.T, item string) json.RawMessage {
	t.Helper()

	body, err := json.Marshal(map[string]any{
		"id":           uuid.NewString(),
		"documentType": "order",
		"item":         item,
	})
	require.NoError(t, err)

	return body
}

func requireSameBody(t *testing.T, want, got json.RawMessage) {
	t.Helper()

	var wantDoc, gotDoc map[string]any
	require.NoError(t, json.Unmarshal(want, &wantDoc))
	require.NoError(t, json.Unmarshal(got, &gotDoc))

	if diff := cmp.Diff(wantDoc, gotDoc); diff != "" {
		t.Fatalf("stored body differs from inserted body (-want +got):\n%s", diff)
	}
}

func drainNames(t *testing.T, docs []docstore.RawDocument) []string {
	t.Helper()

	names := make([]string, 0, len(docs))
	for _, doc := range docs {
		var fields struct {
			Name string `json:"name"`
		}
		require.NoError(t, json.Unmarshal(doc.Body, &fields))
		names = append(names, fields.Name)
	}

	return names
}

func query(t *testing.T, store docstore.Store, docType string, options ...docstore.QueryOption) []docstore.RawDocument {
	t.Helper()

	it, err := store.QueryByType(context.Background(), docType, options...)
	require.NoError(t, err)

	docs, err := docstore.DrainIterator(it)
	require.NoError(t, err)

	return docs
}

func testInsertGet(t *testing.T, newStore StoreFactory) {
	store := newStore()
	ctx := context.Background()

	body := productBody(t, "Laptop", 999.99, "electronics")
	id := "product-1"

	version, err := store.Insert(ctx, id, body)
	require.NoError(t, err)
	require.NotZero(t, version, "a successful insert must hand out a version token")

	got, gotVersion, err := store.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, version, gotVersion)
	requireSameBody(t, body, got)

	_, _, err = store.Get(ctx, "no-such-id")
	require.ErrorIs(t, err, docstore.ErrNotFound)
}

func testInsertDuplicate(t *testing.T, newStore StoreFactory) {
	store := newStore()
	ctx := context.Background()

	body := productBody(t, "Laptop", 999.99, "electronics")
	_, err := store.Insert(ctx, "product-1", body)
	require.NoError(t, err)

	_, err = store.Insert(ctx, "product-1", productBody(t, "Phone", 499.99, "electronics"))
	require.ErrorIs(t, err, docstore.ErrAlreadyExists)

	// The losing insert must not have touched the stored document.
	got, _, err := store.Get(ctx, "product-1")
	require.NoError(t, err)
	requireSameBody(t, body, got)
}

func testReplace(t *testing.T, newStore StoreFactory) {
	store := newStore()
	ctx := context.Background()

	v1, err := store.Insert(ctx, "product-1", productBody(t, "Laptop", 999.99, "electronics"))
	require.NoError(t, err)

	updated := productBody(t, "Laptop", 1099.99, "electronics")
	v2, err := store.Replace(ctx, "product-1", updated, v1)
	require.NoError(t, err)
	require.NotEqual(t, v1, v2, "every successful write must produce a fresh version")

	got, gotVersion, err := store.Get(ctx, "product-1")
	require.NoError(t, err)
	require.Equal(t, v2, gotVersion)
	requireSameBody(t, updated, got)

	// The token v1 proved a state that no longer exists.
	_, err = store.Replace(ctx, "product-1", productBody(t, "Laptop", 1, "electronics"), v1)
	require.ErrorIs(t, err, docstore.ErrVersionConflict)

	_, err = store.Replace(ctx, "no-such-id", updated, v2)
	require.ErrorIs(t, err, docstore.ErrNotFound)
}

func testRemove(t *testing.T, newStore StoreFactory) {
	store := newStore()
	ctx := context.Background()

	v1, err := store.Insert(ctx, "product-1", productBody(t, "Laptop", 999.99, "electronics"))
	require.NoError(t, err)

	v2, err := store.Replace(ctx, "product-1", productBody(t, "Laptop", 1099.99, "electronics"), v1)
	require.NoError(t, err)

	err = store.Remove(ctx, "product-1", v1)
	require.ErrorIs(t, err, docstore.ErrVersionConflict)

	_, _, err = store.Get(ctx, "product-1")
	require.NoError(t, err, "a conflicting remove must leave the document in place")

	require.NoError(t, store.Remove(ctx, "product-1", v2))

	_, _, err = store.Get(ctx, "product-1")
	require.ErrorIs(t, err, docstore.ErrNotFound)

	err = store.Remove(ctx, "product-1", 0)
	require.ErrorIs(t, err, docstore.ErrNotFound)

	// expected == 0 removes unconditionally.
	_, err = store.Insert(ctx, "product-2", productBody(t, "Phone", 499.99, "electronics"))
	require.NoError(t, err)
	require.NoError(t, store.Remove(ctx, "product-2", 0))
}

func testRecreateInvalidatesOldTokens(t *testing.T, newStore StoreFactory) {
	store := newStore()
	ctx := context.Background()

	v1, err := store.Insert(ctx, "product-1", productBody(t, "Laptop", 999.99, "electronics"))
	require.NoError(t, err)

	require.NoError(t, store.Remove(ctx, "product-1", v1))

	recreated := productBody(t, "Phone", 499.99, "electronics")
	v2, err := store.Insert(ctx, "product-1", recreated)
	require.NoError(t, err)
	require.NotEqual(t, v1, v2, "a re-created document must not hand out a token an earlier incarnation used")

	// The token from the deleted incarnation proves a state that no longer
	// exists, so conditional writes carrying it must lose.
	_, err = store.Replace(ctx, "product-1", productBody(t, "Laptop", 1, "electronics"), v1)
	require.ErrorIs(t, err, docstore.ErrVersionConflict)

	err = store.Remove(ctx, "product-1", v1)
	require.ErrorIs(t, err, docstore.ErrVersionConflict)

	got, gotVersion, err := store.Get(ctx, "product-1")
	require.NoError(t, err)
	require.Equal(t, v2, gotVersion)
	requireSameBody(t, recreated, got)
}

func testQueryByType(t *testing.T, newStore StoreFactory) {
	store := newStore()
	ctx := context.Background()

	_, err := store.Insert(ctx, "product-1", productBody(t, "Laptop", 999.99, "electronics"))
	require.NoError(t, err)
	_, err = store.Insert(ctx, "product-2", productBody(t, "Chair", 49.99, "furniture"))
	require.NoError(t, err)
	_, err = store.Insert(ctx, "order-1", orderBody(t, "Laptop"))
	require.NoError(t, err)

	docs := query(t, store, "product")
	require.Len(t, docs, 2)
	for _, doc := range docs {
		require.NotZero(t, doc.Version)
		require.NotEmpty(t, doc.ID)
	}

	require.ElementsMatch(t, []string{"Laptop", "Chair"}, drainNames(t, docs))

	docs = query(t, store, "order")
	require.Len(t, docs, 1)
	require.Equal(t, "order-1", docs[0].ID)

	require.Empty(t, query(t, store, "customer"))
}

func testQueryOptions(t *testing.T, newStore StoreFactory) {
	store := newStore()
	ctx := context.Background()

	_, err := store.Insert(ctx, "product-1", productBody(t, "Laptop", 999.99, "electronics"))
	require.NoError(t, err)
	_, err = store.Insert(ctx, "product-2", productBody(t, "Phone", 499.99, "electronics"))
	require.NoError(t, err)
	_, err = store.Insert(ctx, "product-3", productBody(t, "Chair", 49.99, "furniture"))
	require.NoError(t, err)

	docs := query(t, store, "product", docstore.WithFilter("category", "electronics"))
	require.ElementsMatch(t, []string{"Laptop", "Phone"}, drainNames(t, docs))

	docs = query(t, store, "product", docstore.WithFilter("specs.color", "black"))
	require.Len(t, docs, 3, "dotted paths must reach nested objects")

	docs = query(t, store, "product", docstore.WithContains("name", "lap"))
	require.Equal(t, []string{"Laptop"}, drainNames(t, docs))

	docs = query(t, store, "product", docstore.WithSort("+price"))
	require.Equal(t, []string{"Chair", "Phone", "Laptop"}, drainNames(t, docs))

	docs = query(t, store, "product", docstore.WithSort("-price"))
	require.Equal(t, []string{"Laptop", "Phone", "Chair"}, drainNames(t, docs))

	docs = query(t, store, "product", docstore.WithSort("+price"), docstore.WithLimit(1), docstore.WithOffset(1))
	require.Equal(t, []string{"Phone"}, drainNames(t, docs))
}

func testQueryRestartable(t *testing.T, newStore StoreFactory) {
	store := newStore()
	ctx := context.Background()

	_, err := store.Insert(ctx, "product-1", productBody(t, "Laptop", 999.99, "electronics"))
	require.NoError(t, err)

	require.Len(t, query(t, store, "product"), 1)

	_, err = store.Insert(ctx, "product-2", productBody(t, "Phone", 499.99, "electronics"))
	require.NoError(t, err)

	// A fresh call re-reads current store state.
	require.Len(t, query(t, store, "product"), 2)

	it, err := store.QueryByType(ctx, "product")
	require.NoError(t, err)
	for {
		if _, err := it.Next(); err != nil {
			require.ErrorIs(t, err, docstore.ErrIteratorDone)
			break
		}
	}

	_, err = it.Next()
	require.ErrorIs(t, err, docstore.ErrIteratorDone, "an exhausted iterator stays exhausted")
	require.NoError(t, it.Close())
}

func testCancellation(t *testing.T, newStore StoreFactory) {
	store := newStore()

	version, err := store.Insert(context.Background(), "product-1", productBody(t, "Laptop", 999.99, "electronics"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err = store.Get(ctx, "product-1")
	require.ErrorIs(t, err, docstore.ErrCancelled)

	_, err = store.Insert(ctx, "product-2", productBody(t, "Phone", 499.99, "electronics"))
	require.ErrorIs(t, err, docstore.ErrCancelled)

	_, err = store.Replace(ctx, "product-1", productBody(t, "Laptop", 1099.99, "electronics"), version)
	require.ErrorIs(t, err, docstore.ErrCancelled)

	err = store.Remove(ctx, "product-1", version)
	require.ErrorIs(t, err, docstore.ErrCancelled)

	// Backends may surface the cancellation either when the query starts or
	// on the first pull from the iterator.
	it, err := store.QueryByType(ctx, "product")
	if err == nil {
		_, err = it.Next()
		require.NoError(t, it.Close())
	}
	require.ErrorIs(t, err, docstore.ErrCancelled)

	// The cancelled writes must have left the document alone.
	_, gotVersion, err := store.Get(context.Background(), "product-1")
	require.NoError(t, err)
	require.Equal(t, version, gotVersion)
}
