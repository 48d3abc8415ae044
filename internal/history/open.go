package history

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// Open selects a store from a DSN:
//
//	""  or "memory"              in-memory store
//	postgres://... postgresql:// PostgreSQL via lib/pq
//	sqlite://path, file:path     SQLite via go-sqlite3
//
// SQL stores are migrated before being returned. The returned close
// function is never nil.
func Open(ctx context.Context, dsn string) (Store, func() error, error) {
	nop := func() error { return nil }
	switch {
	case dsn == "" || dsn == "memory":
		return NewMemoryStore(), nop, nil
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			return nil, nop, fmt.Errorf("history: open postgres: %w", err)
		}
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(2)
		return finishOpen(ctx, NewPostgresStore(db))
	case strings.HasPrefix(dsn, "sqlite://"), strings.HasPrefix(dsn, "file:"):
		path := strings.TrimPrefix(dsn, "sqlite://")
		db, err := sql.Open("sqlite3", path)
		if err != nil {
			return nil, nop, fmt.Errorf("history: open sqlite: %w", err)
		}
		// one connection: an in-memory database exists per connection
		db.SetMaxOpenConns(1)
		return finishOpen(ctx, NewSQLiteStore(db))
	default:
		return nil, nop, fmt.Errorf("history: unsupported store %q", redact(dsn))
	}
}

func finishOpen(ctx context.Context, s *SQLStore) (Store, func() error, error) {
	if err := s.Ping(ctx); err != nil {
		_ = s.Close()
		return nil, func() error { return nil }, fmt.Errorf("history: connect: %w", err)
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, func() error { return nil }, err
	}
	return s, s.Close, nil
}

// redact drops everything after the scheme so credentials never reach logs.
func redact(dsn string) string {
	if i := strings.Index(dsn, "://"); i >= 0 {
		return dsn[:i+3] + "…"
	}
	if len(dsn) > 8 {
		return dsn[:8] + "…"
	}
	return dsn
}
