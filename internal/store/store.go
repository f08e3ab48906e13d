// Package store is the persistent evaluation store. It owns every record the
// service keeps: append-only probe, monitor and report observations,
// replaceable per-relay records, and the score history. All aggregate reads
// used by the scoring cycle are bulk queries returning url-keyed maps so a
// cycle over N relays costs a constant number of round-trips.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	_ "github.com/mattn/go-sqlite3" // Import for registration side-effect.
)

var (
	// ErrWrite wraps every failed store mutation.
	ErrWrite = errors.New("store-write-failed")
	// ErrRead wraps every failed store query.
	ErrRead = errors.New("store-read-failed")
)

// Store is the process-wide handle to the embedded database.
type Store struct {
	db  *sql.DB
	log *slog.Logger
}

// Open opens (creating if needed) the database at path and applies pending
// migrations. WAL journaling is enabled so readers never block the single
// writer; Checkpoint flushes the WAL.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path))
	if err != nil {
		return nil, fmt.Errorf("%w: open: %v", ErrWrite, err)
	}
	// The sqlite driver serializes writes; a single connection avoids
	// SQLITE_BUSY churn between the cycle writer and API readers.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, log: slog.With("component", "store")}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close checkpoints and closes the database.
func (s *Store) Close() error {
	if err := s.Checkpoint(context.Background()); err != nil {
		s.log.Warn("checkpoint on close failed", "error", err)
	}
	return s.db.Close()
}

// Checkpoint flushes the write-ahead log into the main database file.
func (s *Store) Checkpoint(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("%w: checkpoint: %v", ErrWrite, err)
	}
	return nil
}

// CleanupCounts reports how many rows retention removed per table.
type CleanupCounts struct {
	Probes         int64
	MonitorMetrics int64
	Reports        int64
	ScoreSnapshots int64
}

// Cleanup purges append-only records older than retentionDays before now.
func (s *Store) Cleanup(ctx context.Context, now int64, retentionDays int) (CleanupCounts, error) {
	cutoff := now - int64(retentionDays)*86400
	var counts CleanupCounts

	for _, del := range []struct {
		table string
		dst   *int64
	}{
		{"probes", &counts.Probes},
		{"monitor_metrics", &counts.MonitorMetrics},
		{"reports", &counts.Reports},
		{"score_history", &counts.ScoreSnapshots},
	} {
		res, err := s.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE ts < ?", del.table), cutoff)
		if err != nil {
			return counts, fmt.Errorf("%w: cleanup %s: %v", ErrWrite, del.table, err)
		}
		n, _ := res.RowsAffected()
		*del.dst = n
	}
	return counts, nil
}

// migration is one idempotent schema step. Steps run inside a transaction and
// are recorded in schema_migrations so each applies exactly once.
type migration struct {
	version int
	stmts   []string
}

var migrations = []migration{
	{1, []string{
		`CREATE TABLE IF NOT EXISTS probes (
			url TEXT NOT NULL,
			ts INTEGER NOT NULL,
			reachable INTEGER NOT NULL,
			relay_kind TEXT NOT NULL DEFAULT 'unknown',
			access_level TEXT NOT NULL DEFAULT 'unknown',
			closed_reason TEXT NOT NULL DEFAULT '',
			connect_ms REAL NOT NULL DEFAULT 0,
			read_ms REAL NOT NULL DEFAULT 0,
			metadata_ms REAL NOT NULL DEFAULT 0,
			metadata TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (url, ts)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_probes_ts ON probes(ts)`,
		`CREATE TABLE IF NOT EXISTS monitor_metrics (
			event_id TEXT PRIMARY KEY,
			url TEXT NOT NULL,
			monitor TEXT NOT NULL,
			ts INTEGER NOT NULL,
			rtt_open_ms REAL NOT NULL DEFAULT 0,
			rtt_read_ms REAL NOT NULL DEFAULT 0,
			rtt_write_ms REAL NOT NULL DEFAULT 0,
			network TEXT NOT NULL DEFAULT '',
			capabilities TEXT NOT NULL DEFAULT '',
			geohash TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_monitor_metrics_url_ts ON monitor_metrics(url, ts)`,
		`CREATE INDEX IF NOT EXISTS idx_monitor_metrics_monitor ON monitor_metrics(monitor, ts)`,
		`CREATE TABLE IF NOT EXISTS reports (
			event_id TEXT PRIMARY KEY,
			url TEXT NOT NULL,
			reporter TEXT NOT NULL,
			report_type TEXT NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			ts INTEGER NOT NULL,
			weight REAL NOT NULL DEFAULT 0.5
		)`,
		`CREATE INDEX IF NOT EXISTS idx_reports_url_ts ON reports(url, ts)`,
		`CREATE INDEX IF NOT EXISTS idx_reports_reporter ON reports(reporter, url, ts)`,
		`CREATE TABLE IF NOT EXISTS operator_resolutions (
			url TEXT PRIMARY KEY,
			operator TEXT NOT NULL DEFAULT '',
			verified_via TEXT NOT NULL DEFAULT 'claimed',
			confidence INTEGER NOT NULL DEFAULT 0,
			last_verified_at INTEGER NOT NULL DEFAULT 0,
			metadata_pubkey TEXT NOT NULL DEFAULT '',
			dns_pubkey TEXT NOT NULL DEFAULT '',
			well_known_pubkey TEXT NOT NULL DEFAULT '',
			sources_disagree INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS jurisdictions (
			url TEXT PRIMARY KEY,
			ip TEXT NOT NULL DEFAULT '',
			country_code TEXT NOT NULL DEFAULT '',
			country_name TEXT NOT NULL DEFAULT '',
			region TEXT NOT NULL DEFAULT '',
			city TEXT NOT NULL DEFAULT '',
			isp TEXT NOT NULL DEFAULT '',
			asn TEXT NOT NULL DEFAULT '',
			is_hosting INTEGER NOT NULL DEFAULT 0,
			is_tor INTEGER NOT NULL DEFAULT 0,
			resolved_at INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS operator_trust (
			pubkey TEXT PRIMARY KEY,
			score INTEGER NOT NULL DEFAULT 0,
			confidence TEXT NOT NULL DEFAULT 'low',
			providers INTEGER NOT NULL DEFAULT 0,
			updated_at INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS score_history (
			url TEXT NOT NULL,
			ts INTEGER NOT NULL,
			overall INTEGER NOT NULL,
			reliability INTEGER NOT NULL,
			quality INTEGER NOT NULL,
			accessibility INTEGER NOT NULL,
			operator_trust INTEGER NOT NULL DEFAULT 0,
			confidence TEXT NOT NULL DEFAULT 'low',
			observations INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (url, ts)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_score_history_ts ON score_history(ts)`,
		`CREATE TABLE IF NOT EXISTS published_assertions (
			url TEXT PRIMARY KEY,
			event_id TEXT NOT NULL,
			score INTEGER NOT NULL,
			confidence TEXT NOT NULL,
			observations INTEGER NOT NULL DEFAULT 0,
			published_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS trusted_monitors (
			pubkey TEXT PRIMARY KEY,
			added_at INTEGER NOT NULL,
			last_seen INTEGER NOT NULL,
			event_count INTEGER NOT NULL DEFAULT 0
		)`,
	}},
	// The upstream schema renamed probes.latency_ms to connect_ms and grew
	// read/metadata latency columns; fresh databases get the final shape from
	// version 1, so version 2 only documents the rename for old files.
	{2, []string{
		`ALTER TABLE published_assertions ADD COLUMN observations INTEGER NOT NULL DEFAULT 0`,
	}},
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER PRIMARY KEY, applied_at INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("%w: migrations table: %v", ErrWrite, err)
	}

	var current int
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("%w: migration version: %v", ErrRead, err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("%w: migration %d: %v", ErrWrite, m.version, err)
		}
		for _, stmt := range m.stmts {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				// Additive column migrations fail when the column already
				// exists in a database created at the final schema; that is
				// the idempotent success case.
				if m.version > 1 && isDuplicateColumn(err) {
					continue
				}
				tx.Rollback()
				return fmt.Errorf("%w: migration %d: %v", ErrWrite, m.version, err)
			}
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO schema_migrations (version, applied_at) VALUES (?, strftime('%s','now'))`, m.version); err != nil {
			tx.Rollback()
			return fmt.Errorf("%w: migration %d: %v", ErrWrite, m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("%w: migration %d: %v", ErrWrite, m.version, err)
		}
		s.log.Info("applied schema migration", "version", m.version)
	}
	return nil
}

func isDuplicateColumn(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate column") || strings.Contains(msg, "already exists")
}
