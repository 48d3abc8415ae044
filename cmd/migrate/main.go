// Command migrate runs decision-history migrations via goose.
//
// Usage:
//
//	go run ./cmd/migrate up          # Apply all pending migrations
//	go run ./cmd/migrate down        # Roll back the last migration
//	go run ./cmd/migrate status      # Show migration status
//	go run ./cmd/migrate version     # Show current schema version
//	go run ./cmd/migrate redo        # Roll back and re-apply last migration
//
// HISTORY_DSN (or DATABASE_URL) selects the database: postgres://... or
// sqlite://path.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"strings"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"

	"github.com/mbd888/walletgate/internal/history"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: migrate <command>")
		fmt.Println("Commands: up, down, status, version, redo, up-to <version>, down-to <version>")
		os.Exit(1)
	}

	dsn := os.Getenv("HISTORY_DSN")
	if dsn == "" {
		dsn = os.Getenv("DATABASE_URL")
	}
	if dsn == "" {
		log.Fatal("HISTORY_DSN or DATABASE_URL environment variable is required")
	}

	driver, dialect, source := "postgres", history.DialectPostgres, dsn
	switch {
	case strings.HasPrefix(dsn, "sqlite://"):
		driver, dialect, source = "sqlite3", history.DialectSQLite, strings.TrimPrefix(dsn, "sqlite://")
	case strings.HasPrefix(dsn, "file:"):
		driver, dialect = "sqlite3", history.DialectSQLite
	}

	db, err := sql.Open(driver, source)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer func() { _ = db.Close() }()

	if err := db.Ping(); err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	fsys, err := history.Migrations(dialect)
	if err != nil {
		log.Fatalf("Failed to load migrations: %v", err)
	}
	goose.SetBaseFS(fsys)
	if err := goose.SetDialect(string(dialect)); err != nil {
		log.Fatalf("Unsupported dialect: %v", err)
	}

	command := os.Args[1]
	args := os.Args[2:]

	if err := goose.RunContext(context.Background(), command, db, ".", args...); err != nil {
		log.Fatalf("Migration %s failed: %v", command, err)
	}
}
