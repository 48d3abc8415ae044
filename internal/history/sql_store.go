package history

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
)

//go:embed migrations
var migrations embed.FS

// Dialect selects SQL flavor and migration set.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// Migrations returns the migration files for d.
func Migrations(d Dialect) (fs.FS, error) {
	return fs.Sub(migrations, "migrations/"+string(d))
}

// Migrate applies every pending migration for d.
func Migrate(ctx context.Context, db *sql.DB, d Dialect) error {
	fsys, err := Migrations(d)
	if err != nil {
		return err
	}
	gd := goose.DialectPostgres
	if d == DialectSQLite {
		gd = goose.DialectSQLite3
	}
	p, err := goose.NewProvider(gd, db, fsys)
	if err != nil {
		return fmt.Errorf("history: migration provider: %w", err)
	}
	if _, err := p.Up(ctx); err != nil {
		return fmt.Errorf("history: migrate: %w", err)
	}
	return nil
}

// SQLStore persists records in PostgreSQL or SQLite.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

// NewPostgresStore creates a PostgreSQL-backed store.
func NewPostgresStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db, dialect: DialectPostgres}
}

// NewSQLiteStore creates a SQLite-backed store.
func NewSQLiteStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db, dialect: DialectSQLite}
}

// Migrate applies the store's migrations.
func (s *SQLStore) Migrate(ctx context.Context) error {
	return Migrate(ctx, s.db, s.dialect)
}

// Ping checks the connection.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// ph returns the n-th (1-based) placeholder. SQLite's ?NNN form can be
// repeated like Postgres' $N.
func (s *SQLStore) ph(n int) string {
	if s.dialect == DialectSQLite {
		return "?" + strconv.Itoa(n)
	}
	return "$" + strconv.Itoa(n)
}

const columns = `id, correlation_id, origin, host, method, category, level, score,
	recommendation, allow, source, reason, reasons, verification, decided_at`

func (s *SQLStore) Append(ctx context.Context, r Record) error {
	ph := make([]string, 15)
	for i := range ph {
		ph[i] = s.ph(i + 1)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO decisions (`+columns+`) VALUES (`+strings.Join(ph, ", ")+`)`,
		r.ID, r.CorrelationID, r.Origin, r.Host, r.Method, r.Category, r.Level, r.Score,
		r.Recommendation, r.Allow, r.Source, nullString(r.Reason), nullString(joinReasons(r.Reasons)),
		r.Verification, r.DecidedAt.UTC(),
	)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (s *SQLStore) List(ctx context.Context, q Query) ([]Record, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return s.ph(len(args))
	}
	if q.Host != "" {
		where = append(where, "host = "+arg(q.Host))
	}
	if q.Cursor != nil {
		at, id := arg(q.Cursor.At.UTC()), arg(q.Cursor.ID)
		where = append(where, fmt.Sprintf("(decided_at < %s OR (decided_at = %s AND id < %s))", at, at, id))
	}

	stmt := `SELECT ` + columns + ` FROM decisions`
	if len(where) > 0 {
		stmt += ` WHERE ` + strings.Join(where, " AND ")
	}
	stmt += ` ORDER BY decided_at DESC, id DESC LIMIT ` + arg(q.limit())

	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLStore) Purge(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM decisions WHERE decided_at < `+s.ph(1), before.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (Record, error) {
	var (
		r       Record
		reason  sql.NullString
		reasons sql.NullString
	)
	err := sc.Scan(
		&r.ID, &r.CorrelationID, &r.Origin, &r.Host, &r.Method, &r.Category, &r.Level, &r.Score,
		&r.Recommendation, &r.Allow, &r.Source, &reason, &reasons, &r.Verification, &r.DecidedAt,
	)
	if err != nil {
		return Record{}, err
	}
	r.Reason = reason.String
	r.Reasons = splitReasons(reasons.String)
	r.DecidedAt = r.DecidedAt.UTC()
	return r, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique || liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

var _ Store = (*SQLStore)(nil)
