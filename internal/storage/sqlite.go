// Package storage persists behavioral profiles, intervention logs, wins and
// transactions for the coaching engine.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// DefaultBusyTimeoutMS is how long a writer waits on a locked database
// before giving up. The ledger and the repository share one file.
const DefaultBusyTimeoutMS = 5000

// DB wraps the SQLite database connection
type DB struct {
	conn     *sql.DB
	path     string
	isMemory bool
}

// Config for database initialization
type Config struct {
	Path          string `json:"path" yaml:"path"`
	InMemory      bool   `json:"in_memory" yaml:"in_memory"`
	BusyTimeoutMS int    `json:"busy_timeout_ms,omitempty" yaml:"busy_timeout_ms,omitempty"`
}

// Open opens or creates a SQLite database. Call Migrate before use.
func Open(cfg Config) (*DB, error) {
	var dsn string
	if cfg.InMemory {
		// Named per call so two repositories in one process never share
		// profiles through the shared cache
		dsn = fmt.Sprintf("file:mem-%s?mode=memory&cache=shared", uuid.NewString())
	} else {
		if cfg.Path == "" {
			return nil, fmt.Errorf("sqlite: path is required")
		}
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0700); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
		dsn = cfg.Path
	}

	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Per-user locking in the engine serialises profile writes; one
	// connection keeps ledger appends ordered with them.
	conn.SetMaxOpenConns(1)

	busy := cfg.BusyTimeoutMS
	if busy <= 0 {
		busy = DefaultBusyTimeoutMS
	}
	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout=%d", busy),
		"PRAGMA foreign_keys=ON",
	}
	if !cfg.InMemory {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL", "PRAGMA synchronous=NORMAL")
	}
	for _, p := range pragmas {
		if _, err := conn.Exec(p); err != nil {
			conn.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}

	return &DB{
		conn:     conn,
		path:     cfg.Path,
		isMemory: cfg.InMemory,
	}, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// Conn returns the underlying sql.DB. The ledger uses it to share the file.
func (db *DB) Conn() *sql.DB {
	return db.conn
}

// Path is the database file, empty for in-memory databases
func (db *DB) Path() string {
	if db.isMemory {
		return ""
	}
	return db.path
}

// Transaction runs fn in a transaction. A panic in fn rolls back and is
// re-raised.
func (db *DB) Transaction(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Stats counts the rows the engine keeps per table
type Stats struct {
	Profiles      int `json:"profiles"`
	Interventions int `json:"interventions"`
	Responded     int `json:"responded"`
	Wins          int `json:"wins"`
	Transactions  int `json:"transactions"`
}

// Stats reports row counts. The ledger is counted by the ledger itself.
func (db *DB) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	queries := []struct {
		dst   *int
		query string
	}{
		{&s.Profiles, "SELECT COUNT(*) FROM profiles"},
		{&s.Interventions, "SELECT COUNT(*) FROM interventions"},
		{&s.Responded, "SELECT COUNT(*) FROM interventions WHERE user_response IS NOT NULL AND user_response != ''"},
		{&s.Wins, "SELECT COUNT(*) FROM wins"},
		{&s.Transactions, "SELECT COUNT(*) FROM transactions"},
	}
	for _, q := range queries {
		if err := db.conn.QueryRowContext(ctx, q.query).Scan(q.dst); err != nil {
			return s, fmt.Errorf("stats: %w", err)
		}
	}
	return s, nil
}
