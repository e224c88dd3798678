// Package sqlite implements store.Store on an embedded SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"github.com/alimk/fieldwatch/pkg/store"
)

var _ store.Store = (*Store)(nil)

// Store wraps the SQLite database. The pool is limited to a single
// connection, which serialises every write and makes the read-check-insert
// transactions of the Insert*Unique methods atomic within the process.
type Store struct {
	db        *sql.DB
	path      string
	lastWrite atomic.Int64
}

// Open opens (or creates) the SQLite database at path and runs the schema
// migration. Use ":memory:" for a throwaway database.
func Open(path string) (*Store, error) {
	// WAL lets readers from other processes (the reporting layer) proceed
	// alongside our writer; busy_timeout retries for up to 5 s on lock
	// contention.
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	s := &Store{db: db, path: path}
	if err := s.loadLastWrite(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
CREATE TABLE IF NOT EXISTS environmental_readings (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    ts          INTEGER NOT NULL,
    temperature REAL,
    humidity    REAL,
    rainfall    REAL,
    thunder     INTEGER NOT NULL DEFAULT 0,
    pest_count  INTEGER NOT NULL DEFAULT 0,
    cpu_usage   REAL,
    status      TEXT    NOT NULL,
    latitude    REAL,
    longitude   REAL
);
CREATE INDEX IF NOT EXISTS idx_environmental_ts ON environmental_readings (ts DESC);

CREATE TABLE IF NOT EXISTS system_metrics (
    id               INTEGER PRIMARY KEY AUTOINCREMENT,
    ts               INTEGER NOT NULL,
    cpu_percent      REAL,
    ram_percent      REAL,
    ram_used_gb      REAL,
    ram_total_gb     REAL,
    storage_percent  REAL,
    storage_used_gb  REAL,
    storage_total_gb REAL,
    network_sent_mb  REAL,
    network_recv_mb  REAL,
    load_1min        REAL,
    load_5min        REAL,
    load_15min       REAL,
    cpu_temp         REAL,
    battery_level    REAL,
    status           TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_system_ts ON system_metrics (ts DESC);

CREATE TABLE IF NOT EXISTS detection_events (
    id               INTEGER PRIMARY KEY AUTOINCREMENT,
    ts               INTEGER NOT NULL,
    total_detections INTEGER NOT NULL DEFAULT 0,
    class_counts     TEXT    NOT NULL DEFAULT '{}',
    growth_stage     TEXT    NOT NULL,
    image_path       TEXT,
    latitude         REAL,
    longitude        REAL,
    status           TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_detection_ts ON detection_events (ts DESC);
`)
	return err
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// withTx runs fn inside a transaction, committing on nil and rolling back
// on any error.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *Store) loadLastWrite() error {
	var maxTS sql.NullInt64
	err := s.db.QueryRow(`
SELECT MAX(ts) FROM (
    SELECT MAX(ts) AS ts FROM environmental_readings
    UNION ALL SELECT MAX(ts) FROM system_metrics
    UNION ALL SELECT MAX(ts) FROM detection_events
)`).Scan(&maxTS)
	if err != nil {
		return fmt.Errorf("load last write: %w", err)
	}
	if maxTS.Valid {
		s.lastWrite.Store(time.Unix(0, maxTS.Int64).Unix())
	}
	return nil
}

func (s *Store) touch() {
	s.lastWrite.Store(time.Now().Unix())
}

// Stats returns row counts per table, the last write time and the database
// file size (0 for in-memory databases).
func (s *Store) Stats(ctx context.Context) (store.Stats, error) {
	var st store.Stats
	err := s.db.QueryRowContext(ctx, `
SELECT (SELECT COUNT(*) FROM environmental_readings),
       (SELECT COUNT(*) FROM system_metrics),
       (SELECT COUNT(*) FROM detection_events)`).
		Scan(&st.EnvironmentalRows, &st.SystemRows, &st.DetectionRows)
	if err != nil {
		return store.Stats{}, fmt.Errorf("count rows: %w", err)
	}
	st.LastWriteUnix = s.lastWrite.Load()
	if s.path != ":memory:" {
		if fi, err := os.Stat(s.path); err == nil {
			st.FileBytes = fi.Size()
		}
	}
	return st, nil
}

// Ping returns nil if the DB is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases all DB resources.
func (s *Store) Close() error {
	return s.db.Close()
}

func nullFloat(p *float64) sql.NullFloat64 {
	if p == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *p, Valid: true}
}

func floatPtr(n sql.NullFloat64) *float64 {
	if !n.Valid {
		return nil
	}
	v := n.Float64
	return &v
}

func nullString(p *string) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}

func stringPtr(n sql.NullString) *string {
	if !n.Valid {
		return nil
	}
	v := n.String
	return &v
}

func fromNanos(ns int64) time.Time {
	return time.Unix(0, ns).UTC()
}

func windowBounds(around time.Time, window time.Duration) (int64, int64) {
	return around.Add(-window).UnixNano(), around.Add(window).UnixNano()
}

func checkAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func noRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
