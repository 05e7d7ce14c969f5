package docstore_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/likearthian/docstore"
	"github.com/likearthian/docstore/docstoretest"
)

func TestMongoStore(t *testing.T) {
	uri := os.Getenv("DOCSTORE_TEST_MONGO")
	if uri == "" {
		t.Skip("set DOCSTORE_TEST_MONGO to a mongodb:// URI to run this suite")
	}

	ctx := context.Background()
	db, err := docstore.ConnectMongo(ctx, docstore.MongoConfig{
		URI:      uri,
		Database: "docstore_test",
	})
	require.NoError(t, err)

	docstoretest.Run(t, "mongo", func() docstore.Store {
		collName := fmt.Sprintf("docs_%d", time.Now().UnixNano())
		t.Cleanup(func() {
			_ = db.Collection(collName).Drop(context.Background())
		})

		store, err := docstore.NewMongoStore(ctx, db, collName, docstore.WithCallTimeout(10*time.Second))
		require.NoError(t, err)

		return store
	})
}
