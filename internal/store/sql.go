package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/tursodatabase/go-libsql"
	_ "modernc.org/sqlite"

	"github.com/rendis/procman/internal/identity"
	"github.com/rendis/procman/pkg/schema"
)

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// rebind rewrites '?' placeholders to the dialect's form.
func (d dialect) rebind(query string) string {
	if d != dialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SQLStore implements Store on database/sql for libSQL, SQLite and PostgreSQL.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
}

// NewSQLStore opens dsn with the named driver. libsql and sqlite take a file path or
// "file:" URI; pgx takes a PostgreSQL connection string.
func NewSQLStore(driver, dsn string) (*SQLStore, error) {
	var d dialect
	switch driver {
	case DriverLibSQL, DriverSQLite:
		d = dialectSQLite
	case DriverPgx:
		d = dialectPostgres
	default:
		return nil, schema.NewErrorf(schema.ErrCodeInvalidRequest, "unsupported store driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}

	if d == dialectSQLite {
		db.SetMaxOpenConns(1)
		// Some PRAGMAs return rows so we use QueryRow.
		pragmas := []string{
			"PRAGMA journal_mode=WAL",
			"PRAGMA synchronous=NORMAL",
			"PRAGMA busy_timeout=5000",
			"PRAGMA foreign_keys=ON",
			"PRAGMA temp_store=MEMORY",
		}
		for _, p := range pragmas {
			var result string
			_ = db.QueryRow(p).Scan(&result)
		}
	}

	return &SQLStore{db: db, dialect: d}, nil
}

// DB returns the underlying *sql.DB.
func (s *SQLStore) DB() *sql.DB { return s.db }

func (s *SQLStore) Close() error { return s.db.Close() }

func (s *SQLStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Migrate runs all pending database migrations.
func (s *SQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db, s.dialect)
}

func (s *SQLStore) q(query string) string { return s.dialect.rebind(query) }

// inTx runs fn in a transaction, committing when it returns nil.
func (s *SQLStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return translate(fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return translate(err)
	}
	if err := tx.Commit(); err != nil {
		return translate(fmt.Errorf("commit: %w", err))
	}
	return nil
}

// --- Error translation ---

// isUniqueViolation reports whether err is a unique constraint failure in any dialect.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// translate maps driver errors to coded errors. Coded errors pass through.
func translate(err error) error {
	if err == nil {
		return nil
	}
	var se *schema.Error
	if errors.As(err, &se) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if isUniqueViolation(err) {
		return schema.NewError(schema.ErrCodeAlreadyExists, "record already exists").WithCause(err)
	}
	return schema.NewErrorf(schema.ErrCodeStore, "store: %s", err.Error()).WithCause(err)
}

// --- Helpers ---

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func nanos(t time.Time) int64 { return t.UTC().UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func nullNanos(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().UnixNano()
}

func nanosPtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// identityColumns flattens an optional identity into (type, number, role, user id).
func identityColumns(id identity.OperatingIdentity) ([4]any, error) {
	if id == nil {
		return [4]any{nil, nil, nil, nil}, nil
	}
	rec, err := identity.ToRecord(id)
	if err != nil {
		return [4]any{}, err
	}
	return [4]any{rec.Type, rec.ActorNumber, rec.ActorRole, nullStr(rec.UserID)}, nil
}

// identityScan collects identity columns for scanning.
type identityScan struct {
	typ, number, role, userID sql.NullString
}

func (i *identityScan) dest() []any {
	return []any{&i.typ, &i.number, &i.role, &i.userID}
}

func (i *identityScan) identity() (identity.OperatingIdentity, error) {
	if !i.typ.Valid {
		return nil, nil
	}
	return identity.FromRecord(identity.Record{
		Type:        i.typ.String,
		ActorNumber: i.number.String,
		ActorRole:   i.role.String,
		UserID:      i.userID.String,
	})
}

// placeholders returns "?, ?, ..." with n entries.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

var _ Store = (*SQLStore)(nil)
