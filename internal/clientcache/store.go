// internal/clientcache/store.go
package clientcache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"

	"repo-timeline/internal/apperr"
	"repo-timeline/internal/model"
)

// SchemaVersion is stamped on every envelope. A loaded envelope with a
// different version is discarded as if it were absent.
const SchemaVersion = 2

// ExpiryWindow bounds how long an envelope stays readable.
const ExpiryWindow = 24 * time.Hour

const schema = `
CREATE TABLE IF NOT EXISTS envelopes (
    repo_key       TEXT PRIMARY KEY,
    payload        BLOB NOT NULL,
    last_updated   TIMESTAMP NOT NULL,
    schema_version INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_envelopes_last_updated ON envelopes (last_updated);
`

// Store is the viewer-side cache tier: one versioned, time-bounded envelope
// per repository key, persisted in SQLite. All cached repositories share one
// physical table; eviction scans the last_updated index.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (or creates) the client cache at path. Pass ":memory:" for an
// in-memory store in tests.
func Open(path string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening client cache: %w: %w", apperr.ErrStorageUnavailable, err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("configuring client cache: %w: %w", apperr.ErrStorageUnavailable, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating client cache schema: %w: %w", apperr.ErrStorageUnavailable, err)
	}
	return &Store{db: db, logger: logger}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save wraps records in a fresh envelope and replaces any prior envelope for
// the key in one transaction. On a quota-exhausted write the single oldest
// envelope is evicted and the write error returned without a retry; the
// caller may retry.
func (s *Store) Save(ctx context.Context, repoKey string, records []model.ChangeRecord) error {
	payload, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("encoding envelope payload: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO envelopes (repo_key, payload, last_updated, schema_version)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (repo_key) DO UPDATE SET
		   payload = excluded.payload,
		   last_updated = excluded.last_updated,
		   schema_version = excluded.schema_version`,
		repoKey, payload, time.Now().UTC(), SchemaVersion,
	)
	if err != nil {
		if isQuotaExhausted(err) {
			s.evictOldest(ctx)
		}
		return fmt.Errorf("saving envelope: %w: %w", apperr.ErrStorageUnavailable, err)
	}
	return nil
}

// Load returns the cached records for a key, or nil when no valid envelope
// exists. A version-mismatched or expired envelope is deleted as a side
// effect and reported as absent.
func (s *Store) Load(ctx context.Context, repoKey string) ([]model.ChangeRecord, error) {
	var payload []byte
	var lastUpdated time.Time
	var version int
	err := s.db.QueryRowContext(ctx,
		`SELECT payload, last_updated, schema_version FROM envelopes WHERE repo_key = ?`,
		repoKey,
	).Scan(&payload, &lastUpdated, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading envelope: %w: %w", apperr.ErrStorageUnavailable, err)
	}

	if version != SchemaVersion {
		s.logger.Debug("Discarding envelope with stale schema version", "repo", repoKey, "version", version)
		s.Clear(ctx, repoKey)
		return nil, nil
	}
	if time.Since(lastUpdated) > ExpiryWindow {
		s.logger.Debug("Discarding expired envelope", "repo", repoKey, "age", time.Since(lastUpdated))
		s.Clear(ctx, repoKey)
		return nil, nil
	}

	var records []model.ChangeRecord
	if err := json.Unmarshal(payload, &records); err != nil {
		// A corrupt payload is as useless as a stale one.
		s.logger.Warn("Discarding undecodable envelope", "repo", repoKey, "error", err)
		s.Clear(ctx, repoKey)
		return nil, nil
	}
	return records, nil
}

// Clear removes the envelope for one key. Best-effort: failures are logged,
// never returned, so UI flows do not crash on storage trouble.
func (s *Store) Clear(ctx context.Context, repoKey string) {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM envelopes WHERE repo_key = ?`, repoKey); err != nil {
		s.logger.Warn("Failed to clear cache envelope", "repo", repoKey, "error", err)
	}
}

// ClearAll removes every envelope. Best-effort, like Clear.
func (s *Store) ClearAll(ctx context.Context) {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM envelopes`); err != nil {
		s.logger.Warn("Failed to clear cache envelopes", "error", err)
	}
}

// evictOldest drops the single oldest envelope by last_updated to free quota.
func (s *Store) evictOldest(ctx context.Context) {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM envelopes WHERE repo_key IN
		   (SELECT repo_key FROM envelopes ORDER BY last_updated ASC LIMIT 1)`)
	if err != nil {
		s.logger.Warn("Failed to evict oldest envelope", "error", err)
		return
	}
	s.logger.Info("Evicted oldest cache envelope after full storage")
}

func isQuotaExhausted(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrFull
}
