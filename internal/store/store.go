// Package store implements UsageStore: an embedded relational store for
// provider configs, history rows, raw snapshots, and reset events, backed
// by modernc.org/sqlite (pure Go, no cgo), grounded on the teacher's
// sql.Open("sqlite", dbPath) + idempotent-migration idiom.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/rygel/aiusagemonitor/internal/probe"
)

const schemaVersion = 1

// rawSnapshotTTL bounds how long raw_snapshots rows are retained.
const rawSnapshotTTL = 24 * time.Hour

// Store is the UsageStore: writes are serialized by mu. The database handle
// is limited to one open connection, so reads also run one at a time
// rather than in parallel with each other or with a write.
type Store struct {
	mu sync.Mutex
	db *sql.DB
}

// Open opens (creating if necessary) the SQLite database at path and runs
// idempotent migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS providers (
			provider_id TEXT PRIMARY KEY,
			display_name TEXT NOT NULL,
			config_json TEXT NOT NULL DEFAULT '{}'
		)`,
		`CREATE TABLE IF NOT EXISTS provider_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			provider_id TEXT NOT NULL,
			provider_name TEXT NOT NULL,
			is_available INTEGER NOT NULL,
			is_quota_based INTEGER NOT NULL,
			plan_class TEXT NOT NULL,
			requests_used REAL NOT NULL DEFAULT 0,
			requests_available REAL NOT NULL DEFAULT 0,
			requests_percentage REAL NOT NULL DEFAULT 0,
			usage_unit TEXT NOT NULL DEFAULT '',
			cost_used REAL NOT NULL DEFAULT 0,
			cost_limit REAL NOT NULL DEFAULT 0,
			description TEXT NOT NULL DEFAULT '',
			account_name TEXT NOT NULL DEFAULT '',
			auth_source TEXT NOT NULL DEFAULT '',
			next_reset_time TEXT,
			fetched_at TEXT NOT NULL,
			http_status INTEGER NOT NULL DEFAULT 0,
			response_latency_ms INTEGER NOT NULL DEFAULT 0,
			details_json TEXT NOT NULL DEFAULT '[]'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_history_provider ON provider_history(provider_id)`,
		`CREATE INDEX IF NOT EXISTS idx_history_fetched_at ON provider_history(fetched_at)`,
		`CREATE INDEX IF NOT EXISTS idx_history_provider_fetched_at ON provider_history(provider_id, fetched_at)`,
		`CREATE TABLE IF NOT EXISTS raw_snapshots (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			provider_id TEXT NOT NULL,
			raw_json TEXT NOT NULL,
			http_status INTEGER NOT NULL DEFAULT 0,
			fetched_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_snapshots_fetched_at ON raw_snapshots(fetched_at)`,
		`CREATE TABLE IF NOT EXISTS reset_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			provider_id TEXT NOT NULL,
			provider_name TEXT NOT NULL,
			previous_percentage REAL NOT NULL,
			new_percentage REAL NOT NULL,
			reset_type TEXT NOT NULL,
			timestamp TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_reset_events_timestamp ON reset_events(timestamp)`,
	}

	for _, stmt := range stmts {
		if err := s.execWithRetry(context.Background(), stmt); err != nil {
			return err
		}
	}

	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM schema_version`).Scan(&count); err != nil {
		return err
	}
	if count == 0 {
		if err := s.execWithRetry(context.Background(), `INSERT INTO schema_version(version) VALUES (?)`, schemaVersion); err != nil {
			return err
		}
	}
	return nil
}

// execWithRetry tolerates SQLite's transient "database is locked" error on
// writes by retrying briefly, per the spec's concurrency contract.
func (s *Store) execWithRetry(ctx context.Context, query string, args ...interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	for attempt := 0; attempt < 5; attempt++ {
		_, err = s.db.ExecContext(ctx, query, args...)
		if err == nil {
			return nil
		}
		if !isLockedErr(err) {
			return err
		}
		time.Sleep(time.Duration(attempt+1) * 20 * time.Millisecond)
	}
	return err
}

func isLockedErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}

// UpsertProvider inserts or updates a provider's catalog entry.
func (s *Store) UpsertProvider(ctx context.Context, providerID, displayName, configJSON string) error {
	return s.execWithRetry(ctx, `
		INSERT INTO providers(provider_id, display_name, config_json) VALUES (?, ?, ?)
		ON CONFLICT(provider_id) DO UPDATE SET display_name = excluded.display_name, config_json = excluded.config_json
	`, providerID, displayName, configJSON)
}

// AppendHistory batch-inserts one refresh cycle's worth of usage rows. Any
// row whose FetchedAt is zero gets the store's clock at write time.
func (s *Store) AppendHistory(ctx context.Context, usages []probe.Usage) error {
	if len(usages) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO provider_history (
			provider_id, provider_name, is_available, is_quota_based, plan_class,
			requests_used, requests_available, requests_percentage, usage_unit,
			cost_used, cost_limit, description, account_name, auth_source,
			next_reset_time, fetched_at, http_status, response_latency_ms, details_json
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, u := range usages {
		fetchedAt := u.FetchedAt
		if fetchedAt.IsZero() {
			fetchedAt = now
		}
		detailsJSON, err := marshalDetails(u.Details)
		if err != nil {
			return err
		}
		var resetTime interface{}
		if u.NextResetTime != nil {
			resetTime = u.NextResetTime.UTC().Format(time.RFC3339)
		}

		if _, err := stmt.ExecContext(ctx,
			u.ProviderID, u.ProviderName, boolToInt(u.IsAvailable), boolToInt(u.IsQuotaBased), u.PlanClass,
			u.RequestsUsed, u.RequestsAvailable, u.RequestsPercentage, u.UsageUnit,
			u.CostUsed, u.CostLimit, u.Description, u.AccountName, u.AuthSource,
			resetTime, fetchedAt.Format(time.RFC3339Nano), u.HTTPStatus, u.ResponseLatencyMs, detailsJSON,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// StoreRawSnapshot appends one raw-response row.
func (s *Store) StoreRawSnapshot(ctx context.Context, providerID, rawJSON string, httpStatus int) error {
	return s.execWithRetry(ctx, `
		INSERT INTO raw_snapshots (provider_id, raw_json, http_status, fetched_at) VALUES (?, ?, ?, ?)
	`, providerID, rawJSON, httpStatus, time.Now().UTC().Format(time.RFC3339Nano))
}

// StoreResetEvent appends a reset event row.
func (s *Store) StoreResetEvent(ctx context.Context, providerID, providerName string, previousPct, newPct float64, resetType string) error {
	return s.execWithRetry(ctx, `
		INSERT INTO reset_events (provider_id, provider_name, previous_percentage, new_percentage, reset_type, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`, providerID, providerName, previousPct, newPct, resetType, time.Now().UTC().Format(time.RFC3339Nano))
}

// Cleanup trims raw_snapshots older than rawSnapshotTTL. Safe to run after
// every refresh cycle.
func (s *Store) Cleanup(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-rawSnapshotTTL).Format(time.RFC3339Nano)
	return s.execWithRetry(ctx, `DELETE FROM raw_snapshots WHERE fetched_at < ?`, cutoff)
}

// Optimize runs engine-specific compaction.
func (s *Store) Optimize(ctx context.Context) error {
	return s.execWithRetry(ctx, `PRAGMA optimize`)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

