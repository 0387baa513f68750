package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3" // sqlite3 driver
	"github.com/rs/zerolog"
)

// ErrNotFound is returned by lookups that match no row.
var ErrNotFound = errors.New("not found")

// Querier is satisfied by both *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Queries holds every statement of the store. It runs either on the pool
// or inside a transaction started by DB.InTx.
type Queries struct {
	q Querier
}

type DB struct {
	*sql.DB
	*Queries
	path   string
	logger *zerolog.Logger
}

const timeLayout = "2006-01-02 15:04:05.000000000"

func NewDB(path string, logger *zerolog.Logger) (*DB, error) {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	memory := path == ":memory:"
	if !memory {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dsn := path + "?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on&_txlock=immediate"
	if memory {
		dsn = ":memory:?_foreign_keys=on"
	}

	sqlDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if memory {
		sqlDB.SetMaxOpenConns(1)
	}

	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := createTables(sqlDB); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	logger.Info().Str("path", path).Msg("Database initialized")
	return &DB{DB: sqlDB, Queries: &Queries{q: sqlDB}, path: path, logger: logger}, nil
}

// Path returns the file the database was opened from.
func (db *DB) Path() string {
	return db.path
}

// InTx runs fn inside one transaction. fn must only use the Queries it is
// given; the transaction is rolled back when fn returns an error.
func (db *DB) InTx(ctx context.Context, fn func(q *Queries) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(&Queries{q: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			db.logger.Error().Err(rbErr).Msg("Transaction rollback failed")
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func createTables(db *sql.DB) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS webhook_events (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            workspace_id TEXT NOT NULL,
            vendor TEXT NOT NULL,
            object_type TEXT NOT NULL,
            action TEXT NOT NULL,
            external_id TEXT NOT NULL DEFAULT '',
            payload TEXT NOT NULL,
            processing_status TEXT NOT NULL DEFAULT 'pending',
            retry_count INTEGER NOT NULL DEFAULT 0,
            next_retry_at DATETIME,
            error_message TEXT,
            dedup_key TEXT,
            created_at DATETIME NOT NULL,
            started_at DATETIME,
            processed_at DATETIME
        )`,
		`CREATE TABLE IF NOT EXISTS webhook_events_archive (
            id INTEGER PRIMARY KEY,
            workspace_id TEXT NOT NULL,
            vendor TEXT NOT NULL,
            object_type TEXT NOT NULL,
            action TEXT NOT NULL,
            external_id TEXT NOT NULL,
            payload TEXT NOT NULL,
            processing_status TEXT NOT NULL,
            retry_count INTEGER NOT NULL,
            error_message TEXT,
            dedup_key TEXT,
            created_at DATETIME NOT NULL,
            processed_at DATETIME,
            archived_at DATETIME NOT NULL
        )`,
		`CREATE TABLE IF NOT EXISTS sync_status (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            workspace_id TEXT NOT NULL,
            entity_type TEXT NOT NULL,
            local_id INTEGER NOT NULL DEFAULT 0,
            external_id TEXT NOT NULL,
            sync_hash TEXT NOT NULL DEFAULT '',
            last_synced_at DATETIME NOT NULL,
            status TEXT NOT NULL DEFAULT 'synced'
        )`,
		`CREATE TABLE IF NOT EXISTS sync_conflicts (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            workspace_id TEXT NOT NULL,
            entity_type TEXT NOT NULL,
            local_id INTEGER NOT NULL DEFAULT 0,
            external_id TEXT NOT NULL,
            conflict_type TEXT NOT NULL,
            local_snapshot TEXT NOT NULL,
            external_snapshot TEXT NOT NULL,
            created_at DATETIME NOT NULL,
            resolved_at DATETIME,
            resolution TEXT
        )`,
		`CREATE TABLE IF NOT EXISTS leads (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            workspace_id TEXT NOT NULL,
            email TEXT,
            first_name TEXT NOT NULL DEFAULT '',
            last_name TEXT NOT NULL DEFAULT '',
            phone TEXT NOT NULL DEFAULT '',
            company TEXT NOT NULL DEFAULT '',
            title TEXT NOT NULL DEFAULT '',
            status TEXT NOT NULL DEFAULT 'new',
            tags TEXT NOT NULL DEFAULT '[]',
            metadata TEXT NOT NULL DEFAULT '{}',
            engagement_score INTEGER NOT NULL DEFAULT 0,
            deleted_at DATETIME,
            created_at DATETIME NOT NULL,
            updated_at DATETIME NOT NULL
        )`,
		`CREATE TABLE IF NOT EXISTS lead_activities (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            workspace_id TEXT NOT NULL,
            lead_id INTEGER,
            activity_type TEXT NOT NULL,
            dedup_key TEXT NOT NULL,
            description TEXT NOT NULL DEFAULT '',
            metadata TEXT NOT NULL DEFAULT '{}',
            occurred_at DATETIME NOT NULL,
            created_at DATETIME NOT NULL
        )`,
		`CREATE TABLE IF NOT EXISTS webhook_subscriptions (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            workspace_id TEXT NOT NULL,
            vendor TEXT NOT NULL,
            secret TEXT NOT NULL,
            remote_id TEXT,
            event_filters TEXT NOT NULL DEFAULT '[]',
            active BOOLEAN NOT NULL DEFAULT 1,
            created_at DATETIME NOT NULL
        )`,
		`CREATE TABLE IF NOT EXISTS sync_jobs (
            id TEXT PRIMARY KEY,
            workspace_id TEXT NOT NULL,
            vendor TEXT NOT NULL,
            status TEXT NOT NULL,
            options TEXT NOT NULL DEFAULT '{}',
            entities TEXT NOT NULL DEFAULT '[]',
            total INTEGER NOT NULL DEFAULT 0,
            processed INTEGER NOT NULL DEFAULT 0,
            created INTEGER NOT NULL DEFAULT 0,
            updated INTEGER NOT NULL DEFAULT 0,
            skipped INTEGER NOT NULL DEFAULT 0,
            failed INTEGER NOT NULL DEFAULT 0,
            last_error TEXT,
            created_at DATETIME NOT NULL,
            started_at DATETIME,
            finished_at DATETIME
        )`,

		`CREATE INDEX IF NOT EXISTS idx_events_due ON webhook_events(processing_status, created_at, id)`,
		`CREATE INDEX IF NOT EXISTS idx_events_workspace ON webhook_events(workspace_id, vendor, created_at)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_events_dedup ON webhook_events(workspace_id, dedup_key)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_sync_status_external ON sync_status(workspace_id, entity_type, external_id)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_status_local ON sync_status(workspace_id, entity_type, local_id)`,
		`CREATE INDEX IF NOT EXISTS idx_conflicts_workspace ON sync_conflicts(workspace_id, resolved_at)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_leads_email ON leads(workspace_id, email)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_activities_dedup ON lead_activities(workspace_id, dedup_key)`,
		`CREATE INDEX IF NOT EXISTS idx_activities_lead ON lead_activities(lead_id)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_subscriptions_vendor ON webhook_subscriptions(workspace_id, vendor)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_jobs_status ON sync_jobs(status)`,
	}

	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			return fmt.Errorf("error executing query %s: %w", query, err)
		}
	}
	return nil
}

// ts renders times as fixed-width UTC text so that string comparison in SQL
// matches chronological order.
func ts(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullTS(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return ts(*t)
}

func nullString(s *string) interface{} {
	if s == nil {
		return nil
	}
	return *s
}

func ptrString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func ptrTime(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

func encodeJSON(v interface{}, fallback string) string {
	raw, err := json.Marshal(v)
	if err != nil || string(raw) == "null" {
		return fallback
	}
	return string(raw)
}

func rawOrDefault(raw json.RawMessage, fallback string) string {
	if len(strings.TrimSpace(string(raw))) == 0 {
		return fallback
	}
	return string(raw)
}

func clampLimit(limit, def, max int) int {
	if limit <= 0 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}
