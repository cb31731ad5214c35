// Package sqlite is the temporal store: idempotent, chunked,
// composite-key upserts and reads over bars, plus the append-only job
// audit log and the board constituency tables.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"barsync/internal/metrics"

	_ "github.com/mattn/go-sqlite3"
)

// SQLite binds at most 999 parameters per statement by default; writes
// larger than that are split into sub-batches.
const defaultMaxParams = 999

// Config configures the store.
type Config struct {
	Path      string // database file, e.g. "data/bars.db"
	MaxParams int    // statement parameter limit; 0 means the SQLite default
}

// Store wraps a single SQLite database holding bars, job audits and
// board mappings.
type Store struct {
	db        *sql.DB
	maxParams int
	log       *slog.Logger
	mx        *metrics.Metrics
}

// New opens the database in WAL mode and creates the schema. mx may be nil.
func New(cfg Config, log *slog.Logger, mx *metrics.Metrics) (*Store, error) {
	db, err := sql.Open("sqlite3", cfg.Path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}

	// single writer; readers share the WAL
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	maxParams := cfg.MaxParams
	if maxParams <= 0 {
		maxParams = defaultMaxParams
	}

	log.Info("sqlite store opened", "path", cfg.Path, "max_params", maxParams)
	return &Store{db: db, maxParams: maxParams, log: log, mx: mx}, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS bars (
			class      TEXT NOT NULL,
			code       TEXT NOT NULL,
			name       TEXT NOT NULL DEFAULT '',
			timeframe  TEXT NOT NULL,
			trade_time TEXT NOT NULL,
			open       REAL NOT NULL,
			high       REAL NOT NULL,
			low        REAL NOT NULL,
			close      REAL NOT NULL,
			volume     REAL NOT NULL DEFAULT 0,
			amount     REAL NOT NULL DEFAULT 0,
			diff       REAL,
			signal     REAL,
			histogram  REAL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (class, code, timeframe, trade_time)
		);

		CREATE TABLE IF NOT EXISTS job_audit (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			job_type     TEXT NOT NULL,
			status       TEXT NOT NULL,
			record_count INTEGER NOT NULL DEFAULT 0,
			error_text   TEXT NOT NULL DEFAULT '',
			started_at   TEXT NOT NULL,
			completed_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS board_constituents (
			board_code TEXT NOT NULL,
			board_name TEXT NOT NULL DEFAULT '',
			position   INTEGER NOT NULL,
			code       TEXT NOT NULL,
			PRIMARY KEY (board_code, position)
		);
	`)
	return err
}

// DB returns the underlying sql.DB for health checks.
func (s *Store) DB() *sql.DB { return s.db }

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
