package docstore_test

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/likearthian/docstore"
	"github.com/likearthian/docstore/docstoretest"
)

func newPGMock(t *testing.T) (*docstore.PostgresStore, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store := docstore.NewPostgresStore(sqlx.NewDb(db, "pgx"), "documents")
	return store, mock
}

var pgBody = json.RawMessage(`{"id":"product-1","documentType":"product","name":"Laptop","price":999.99}`)

const (
	pgInsertQry  = "INSERT INTO documents (id, doc_type, version, body) VALUES ($1, $2, nextval('documents_version_seq'), $3) RETURNING version"
	pgReplaceQry = "UPDATE documents SET version = nextval('documents_version_seq'), body = $2 WHERE id = $1 AND version = $3 RETURNING version"
)

func TestPostgresStore_Get(t *testing.T) {
	store, mock := newPGMock(t)

	mock.ExpectQuery("SELECT id, version, body FROM documents WHERE id = $1").
		WithArgs("product-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "version", "body"}).
			AddRow("product-1", int64(3), []byte(pgBody)))

	body, version, err := store.Get(context.Background(), "product-1")
	require.NoError(t, err)
	require.Equal(t, docstore.Version(3), version)
	require.JSONEq(t, string(pgBody), string(body))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetMissing(t *testing.T) {
	store, mock := newPGMock(t)

	mock.ExpectQuery("SELECT id, version, body FROM documents WHERE id = $1").
		WithArgs("product-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "version", "body"}))

	_, _, err := store.Get(context.Background(), "product-1")
	require.ErrorIs(t, err, docstore.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Insert(t *testing.T) {
	store, mock := newPGMock(t)

	mock.ExpectQuery(pgInsertQry).
		WithArgs("product-1", "product", []byte(pgBody)).
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(int64(7)))

	version, err := store.Insert(context.Background(), "product-1", pgBody)
	require.NoError(t, err)
	require.Equal(t, docstore.Version(7), version)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_InsertDuplicate(t *testing.T) {
	store, mock := newPGMock(t)

	mock.ExpectQuery(pgInsertQry).
		WithArgs("product-1", "product", []byte(pgBody)).
		WillReturnError(&pgconn.PgError{Code: pgerrcode.UniqueViolation})

	_, err := store.Insert(context.Background(), "product-1", pgBody)
	require.ErrorIs(t, err, docstore.ErrAlreadyExists)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Replace(t *testing.T) {
	store, mock := newPGMock(t)

	mock.ExpectQuery(pgReplaceQry).
		WithArgs("product-1", []byte(pgBody), int64(3)).
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(int64(4)))

	version, err := store.Replace(context.Background(), "product-1", pgBody, 3)
	require.NoError(t, err)
	require.Equal(t, docstore.Version(4), version)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ReplaceConflict(t *testing.T) {
	store, mock := newPGMock(t)

	mock.ExpectQuery(pgReplaceQry).
		WithArgs("product-1", []byte(pgBody), int64(2)).
		WillReturnRows(sqlmock.NewRows([]string{"version"}))
	mock.ExpectQuery("SELECT EXISTS (SELECT 1 FROM documents WHERE id = $1)").
		WithArgs("product-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	_, err := store.Replace(context.Background(), "product-1", pgBody, 2)
	require.ErrorIs(t, err, docstore.ErrVersionConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ReplaceMissing(t *testing.T) {
	store, mock := newPGMock(t)

	mock.ExpectQuery(pgReplaceQry).
		WithArgs("product-1", []byte(pgBody), int64(2)).
		WillReturnRows(sqlmock.NewRows([]string{"version"}))
	mock.ExpectQuery("SELECT EXISTS (SELECT 1 FROM documents WHERE id = $1)").
		WithArgs("product-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	_, err := store.Replace(context.Background(), "product-1", pgBody, 2)
	require.ErrorIs(t, err, docstore.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RecreateGetsFreshVersion(t *testing.T) {
	store, mock := newPGMock(t)

	mock.ExpectQuery(pgInsertQry).
		WithArgs("product-1", "product", []byte(pgBody)).
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(int64(1)))
	mock.ExpectExec("DELETE FROM documents WHERE id = $1 AND version = $2").
		WithArgs("product-1", int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	// The sequence has moved on, so the second incarnation of the id gets a
	// version the first one never held.
	mock.ExpectQuery(pgInsertQry).
		WithArgs("product-1", "product", []byte(pgBody)).
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(int64(2)))

	ctx := context.Background()
	v1, err := store.Insert(ctx, "product-1", pgBody)
	require.NoError(t, err)
	require.NoError(t, store.Remove(ctx, "product-1", v1))

	v2, err := store.Insert(ctx, "product-1", pgBody)
	require.NoError(t, err)
	require.NotEqual(t, v1, v2)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RemoveConditional(t *testing.T) {
	store, mock := newPGMock(t)

	mock.ExpectExec("DELETE FROM documents WHERE id = $1 AND version = $2").
		WithArgs("product-1", int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.Remove(context.Background(), "product-1", 3))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RemoveConflict(t *testing.T) {
	store, mock := newPGMock(t)

	mock.ExpectExec("DELETE FROM documents WHERE id = $1 AND version = $2").
		WithArgs("product-1", int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT EXISTS (SELECT 1 FROM documents WHERE id = $1)").
		WithArgs("product-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	err := store.Remove(context.Background(), "product-1", 2)
	require.ErrorIs(t, err, docstore.ErrVersionConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RemoveUnconditionalMissing(t *testing.T) {
	store, mock := newPGMock(t)

	mock.ExpectExec("DELETE FROM documents WHERE id = $1").
		WithArgs("product-1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.Remove(context.Background(), "product-1", 0)
	require.ErrorIs(t, err, docstore.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_QueryByType(t *testing.T) {
	store, mock := newPGMock(t)

	mock.ExpectQuery("SELECT id, version, body FROM documents WHERE doc_type = $1 AND body #>> $2::text[] = $3 ORDER BY body #> '{price}' ASC LIMIT 2").
		WithArgs("product", "{category}", "electronics").
		WillReturnRows(sqlmock.NewRows([]string{"id", "version", "body"}).
			AddRow("product-2", int64(1), []byte(`{"documentType":"product","name":"Phone","price":499.99,"category":"electronics"}`)).
			AddRow("product-1", int64(5), []byte(pgBody)))

	it, err := store.QueryByType(context.Background(), "product",
		docstore.WithFilter("category", "electronics"),
		docstore.WithSort("+price"),
		docstore.WithLimit(2),
	)
	require.NoError(t, err)

	docs, err := docstore.DrainIterator(it)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	require.Equal(t, "product-2", docs[0].ID)
	require.Equal(t, docstore.Version(5), docs[1].Version)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_QueryContains(t *testing.T) {
	store, mock := newPGMock(t)

	mock.ExpectQuery("SELECT id, version, body FROM documents WHERE doc_type = $1 AND body #>> $2::text[] ILIKE $3").
		WithArgs("product", "{name}", "%lap%").
		WillReturnRows(sqlmock.NewRows([]string{"id", "version", "body"}).
			AddRow("product-1", int64(1), []byte(pgBody)))

	it, err := store.QueryByType(context.Background(), "product", docstore.WithContains("name", "lap"))
	require.NoError(t, err)

	docs, err := docstore.DrainIterator(it)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_QueryRejectsBadPath(t *testing.T) {
	store, _ := newPGMock(t)

	_, err := store.QueryByType(context.Background(), "product",
		docstore.WithFilter("name; DROP TABLE documents", "x"))
	require.Error(t, err)
}

func TestPostgresStoreLive(t *testing.T) {
	dsn := os.Getenv("DOCSTORE_TEST_POSTGRES")
	if dsn == "" {
		t.Skip("set DOCSTORE_TEST_POSTGRES to a postgres:// DSN to run this suite")
	}

	db, err := sqlx.Open("pgx", dsn)
	require.NoError(t, err)
	require.NoError(t, db.Ping())
	t.Cleanup(func() { db.Close() })

	docstoretest.Run(t, "postgres", func() docstore.Store {
		table := fmt.Sprintf("docs_%d", time.Now().UnixNano())
		t.Cleanup(func() {
			_, _ = db.Exec("DROP TABLE IF EXISTS " + table)
		})

		store := docstore.NewPostgresStore(db, table, docstore.WithCallTimeout(10*time.Second))
		require.NoError(t, store.EnsureTable(context.Background()))

		return store
	})
}
