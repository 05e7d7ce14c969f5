package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
)

// PostgresStore keeps documents in a single table
//
//	(id text PRIMARY KEY, doc_type text, version bigint, body jsonb)
//
// with the version counter in its own column, outside the jsonb body.
// Conditional writes are guarded by "WHERE id = $1 AND version = $2", so a
// stale token updates zero rows. Every write draws its version from a
// table-wide sequence, so a token handed out for one incarnation of an id
// never validates against a later re-creation of the same id.
type PostgresStore struct {
	db          *sqlx.DB
	table       string
	callTimeout time.Duration
}

func NewPostgresStore(db *sqlx.DB, table string, options ...StoreOption) *PostgresStore {
	opt := buildStoreOption(options)

	return &PostgresStore{
		db:          db,
		table:       table,
		callTimeout: opt.callTimeout,
	}
}

// EnsureTable creates the document table and its doc_type index if they do
// not exist yet. One-shot DDL for bootstrap, not a migration system.
func (s *PostgresStore) EnsureTable(ctx context.Context) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id text PRIMARY KEY,
		doc_type text NOT NULL,
		version bigint NOT NULL,
		body jsonb NOT NULL
	)`, s.table)
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return wrapPostgresError(err)
	}

	idx := fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s_doc_type_idx ON %s (doc_type)", s.table, s.table)
	if _, err := s.db.ExecContext(ctx, idx); err != nil {
		return wrapPostgresError(err)
	}

	seq := fmt.Sprintf("CREATE SEQUENCE IF NOT EXISTS %s", s.versionSeq())
	if _, err := s.db.ExecContext(ctx, seq); err != nil {
		return wrapPostgresError(err)
	}

	return nil
}

func (s *PostgresStore) versionSeq() string {
	return s.table + "_version_seq"
}

func (s *PostgresStore) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.callTimeout <= 0 {
		return ctx, func() {}
	}

	return context.WithTimeout(ctx, s.callTimeout)
}

type pgRow struct {
	ID      string `db:"id"`
	Version int64  `db:"version"`
	Body    []byte `db:"body"`
}

func (s *PostgresStore) Get(ctx context.Context, id string) (json.RawMessage, Version, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var row pgRow
	qry := fmt.Sprintf("SELECT id, version, body FROM %s WHERE id = $1", s.table)
	if err := s.db.GetContext(ctx, &row, qry, id); err != nil {
		return nil, 0, wrapPostgresError(err)
	}

	return row.Body, Version(row.Version), nil
}

func (s *PostgresStore) Insert(ctx context.Context, id string, body json.RawMessage) (Version, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	docType, err := docTypeOf(body)
	if err != nil {
		return 0, err
	}

	var version int64
	qry := fmt.Sprintf("INSERT INTO %s (id, doc_type, version, body) VALUES ($1, $2, nextval('%s'), $3) RETURNING version", s.table, s.versionSeq())
	if err := s.db.GetContext(ctx, &version, qry, id, docType, []byte(body)); err != nil {
		return 0, wrapPostgresError(err)
	}

	return Version(version), nil
}

func (s *PostgresStore) Replace(ctx context.Context, id string, body json.RawMessage, expected Version) (Version, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var newVersion int64
	qry := fmt.Sprintf("UPDATE %s SET version = nextval('%s'), body = $2 WHERE id = $1 AND version = $3 RETURNING version", s.table, s.versionSeq())
	err := s.db.GetContext(ctx, &newVersion, qry, id, []byte(body), int64(expected))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, s.conflictOrMissing(ctx, id)
		}
		return 0, wrapPostgresError(err)
	}

	return Version(newVersion), nil
}

func (s *PostgresStore) Remove(ctx context.Context, id string, expected Version) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	qry := fmt.Sprintf("DELETE FROM %s WHERE id = $1", s.table)
	args := []any{id}
	if expected != 0 {
		qry += " AND version = $2"
		args = append(args, int64(expected))
	}

	res, err := s.db.ExecContext(ctx, qry, args...)
	if err != nil {
		return wrapPostgresError(err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return wrapPostgresError(err)
	}

	if n == 0 {
		if expected == 0 {
			return ErrNotFound
		}
		return s.conflictOrMissing(ctx, id)
	}

	return nil
}

func (s *PostgresStore) conflictOrMissing(ctx context.Context, id string) error {
	var exists bool
	qry := fmt.Sprintf("SELECT EXISTS (SELECT 1 FROM %s WHERE id = $1)", s.table)
	if err := s.db.GetContext(ctx, &exists, qry, id); err != nil {
		return wrapPostgresError(err)
	}

	if !exists {
		return ErrNotFound
	}

	return ErrVersionConflict
}

func (s *PostgresStore) QueryByType(ctx context.Context, docType string, options ...QueryOption) (Iterator[RawDocument], error) {
	opt := buildQueryOption(options)

	qb := sq.StatementBuilder.PlaceholderFormat(sq.Dollar).
		Select("id", "version", "body").
		From(s.table).
		Where(sq.Eq{"doc_type": docType})

	for _, f := range opt.Filters {
		path, err := pgTextArrayPath(f.Path)
		if err != nil {
			return nil, err
		}

		// #>> extracts as text; comparing printed forms keeps int filters
		// matching numeric fields.
		qb = qb.Where(sq.Expr("body #>> ?::text[] = ?", path, fmt.Sprint(f.Value)))
	}

	for _, c := range opt.Contains {
		path, err := pgTextArrayPath(c.Path)
		if err != nil {
			return nil, err
		}

		substr, _ := c.Value.(string)
		qb = qb.Where(sq.Expr("body #>> ?::text[] ILIKE ?", path, "%"+escapeLike(substr)+"%"))
	}

	for _, sorter := range opt.Sorter {
		path, desc := parseSortField(sorter)
		arrPath, err := pgTextArrayPath(path)
		if err != nil {
			return nil, err
		}

		dir := "ASC"
		if desc {
			dir = "DESC"
		}

		// #> keeps the jsonb type so numbers order numerically.
		qb = qb.OrderBy(fmt.Sprintf("body #> '%s' %s", arrPath, dir))
	}

	if opt.Limit > 0 {
		qb = qb.Limit(uint64(opt.Limit))
	}

	if opt.Offset > 0 {
		qb = qb.Offset(uint64(opt.Offset))
	}

	qry, args, err := qb.ToSql()
	if err != nil {
		return nil, err
	}

	ctx, cancel := s.opCtx(ctx)

	rows, err := s.db.QueryxContext(ctx, qry, args...)
	if err != nil {
		cancel()
		return nil, wrapPostgresError(err)
	}

	return &pgIterator{rows: rows, cancel: cancel}, nil
}

type pgIterator struct {
	rows   *sqlx.Rows
	cancel context.CancelFunc
}

func (it *pgIterator) Next() (*RawDocument, error) {
	if !it.rows.Next() {
		if err := it.rows.Err(); err != nil {
			return nil, wrapPostgresError(err)
		}
		return nil, ErrIteratorDone
	}

	var row pgRow
	if err := it.rows.StructScan(&row); err != nil {
		return nil, wrapPostgresError(err)
	}

	return &RawDocument{
		ID:      row.ID,
		Body:    row.Body,
		Version: Version(row.Version),
	}, nil
}

func (it *pgIterator) Close() error {
	defer it.cancel()
	return it.rows.Close()
}

// pgTextArrayPath renders a dotted field path as a postgres text[] literal,
// e.g. "specs.color" -> "{specs,color}". Paths are restricted to plain
// identifier characters because sort paths end up inside the SQL text.
func pgTextArrayPath(path string) (string, error) {
	for _, r := range path {
		ok := r == '.' || r == '_' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
		if !ok {
			return "", fmt.Errorf("invalid field path %q", path)
		}
	}

	return "{" + strings.ReplaceAll(path, ".", ",") + "}", nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func wrapPostgresError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("%w: %s", ErrNotFound, err)
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %w", ErrCancelled, err)
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %s", ErrUnavailable, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code == pgerrcode.UniqueViolation {
			return fmt.Errorf("%w: %s", ErrAlreadyExists, err)
		}
	}

	return fmt.Errorf("%w: %s", ErrUnavailable, err)
}
