package docstore_test

import (
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/couchbase/gocb/v2"
	"github.com/stretchr/testify/require"

	"github.com/likearthian/docstore"
	"github.com/likearthian/docstore/docstoretest"
)

// Runs against a live cluster with a dedicated bucket; each subtest gets its
// own collection with a primary index so it starts empty.
func TestCouchbaseStore(t *testing.T) {
	connStr := os.Getenv("DOCSTORE_TEST_COUCHBASE")
	if connStr == "" {
		t.Skip("set DOCSTORE_TEST_COUCHBASE to a couchbase:// connstr to run this suite")
	}

	bucket, err := docstore.ConnectCouchbase(docstore.CouchbaseConfig{
		ConnStr:  connStr,
		Username: envOr("DOCSTORE_TEST_COUCHBASE_USER", "Administrator"),
		Password: envOr("DOCSTORE_TEST_COUCHBASE_PASSWORD", "password"),
		Bucket:   envOr("DOCSTORE_TEST_COUCHBASE_BUCKET", "docstore_test"),
	})
	require.NoError(t, err)

	mgr := bucket.Collections()

	docstoretest.Run(t, "couchbase", func() docstore.Store {
		collName := fmt.Sprintf("docs_%d", time.Now().UnixNano())
		require.NoError(t, mgr.CreateCollection(gocb.CollectionSpec{
			Name:      collName,
			ScopeName: "_default",
		}, nil))
		t.Cleanup(func() {
			_ = mgr.DropCollection(gocb.CollectionSpec{Name: collName, ScopeName: "_default"}, nil)
		})

		res, err := bucket.Scope("_default").Query(
			fmt.Sprintf("CREATE PRIMARY INDEX ON `%s`", collName),
			&gocb.QueryOptions{Timeout: 30 * time.Second},
		)
		require.NoError(t, err)
		require.NoError(t, res.Close())

		return docstore.NewCouchbaseStore(bucket, "_default", collName,
			docstore.WithCallTimeout(10*time.Second))
	})
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
