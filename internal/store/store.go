// internal/store/store.go
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"repo-timeline/internal/apperr"
	"repo-timeline/internal/model"
)

// Store is the persistent edge store: change records with their file diffs
// plus one sync-state row per repository, all in Postgres.
type Store struct {
	pool *pgxpool.Pool
}

// New wraps a pgx connection pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// GetSyncState returns the sync state for a repository, or (nil, nil) when
// the repository has never been synced.
func (s *Store) GetSyncState(ctx context.Context, repoKey string) (*model.RepoSyncState, error) {
	var st model.RepoSyncState
	err := s.pool.QueryRow(ctx,
		`SELECT repo_key, last_synced_at, last_external_id, default_branch
		 FROM repo_sync_state WHERE repo_key = $1`,
		repoKey,
	).Scan(&st.RepoKey, &st.LastSyncedAt, &st.LastExternalID, &st.DefaultBranch)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapStorage("querying sync state", err)
	}
	return &st, nil
}

// GetChangeRecords returns the full cached timeline for a repository,
// ascending by merge time, with file diffs attached.
func (s *Store) GetChangeRecords(ctx context.Context, repoKey string) ([]model.ChangeRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, repo_key, external_id, title, author, merged_at
		 FROM change_records WHERE repo_key = $1
		 ORDER BY merged_at ASC, id ASC`,
		repoKey,
	)
	if err != nil {
		return nil, wrapStorage("querying change records", err)
	}
	defer rows.Close()

	var records []model.ChangeRecord
	index := make(map[int64]int)
	for rows.Next() {
		var rec model.ChangeRecord
		if err := rows.Scan(&rec.ID, &rec.RepoKey, &rec.ExternalID, &rec.Title, &rec.Author, &rec.MergedAt); err != nil {
			return nil, wrapStorage("scanning change record", err)
		}
		rec.FileDiffs = []model.FileDiff{}
		index[rec.ID] = len(records)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStorage("iterating change records", err)
	}
	if len(records) == 0 {
		return records, nil
	}

	diffRows, err := s.pool.Query(ctx,
		`SELECT fd.change_record_id, fd.filename, fd.status, fd.additions, fd.deletions,
		        COALESCE(fd.previous_filename, '')
		 FROM file_diffs fd
		 JOIN change_records cr ON cr.id = fd.change_record_id
		 WHERE cr.repo_key = $1
		 ORDER BY fd.id ASC`,
		repoKey,
	)
	if err != nil {
		return nil, wrapStorage("querying file diffs", err)
	}
	defer diffRows.Close()

	for diffRows.Next() {
		var recordID int64
		var d model.FileDiff
		if err := diffRows.Scan(&recordID, &d.Filename, &d.Status, &d.Additions, &d.Deletions, &d.PreviousFilename); err != nil {
			return nil, wrapStorage("scanning file diff", err)
		}
		if i, ok := index[recordID]; ok {
			records[i].FileDiffs = append(records[i].FileDiffs, d)
		}
	}
	if err := diffRows.Err(); err != nil {
		return nil, wrapStorage("iterating file diffs", err)
	}

	return records, nil
}

// CountChangeRecords returns the number of cached records for a repository.
func (s *Store) CountChangeRecords(ctx context.Context, repoKey string) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM change_records WHERE repo_key = $1`, repoKey,
	).Scan(&n)
	if err != nil {
		return 0, wrapStorage("counting change records", err)
	}
	return n, nil
}

// TimeRange returns the merge times of the oldest and newest cached records.
// Zero times when nothing is cached.
func (s *Store) TimeRange(ctx context.Context, repoKey string) (first, last time.Time, err error) {
	var f, l *time.Time
	err = s.pool.QueryRow(ctx,
		`SELECT MIN(merged_at), MAX(merged_at) FROM change_records WHERE repo_key = $1`,
		repoKey,
	).Scan(&f, &l)
	if err != nil {
		return time.Time{}, time.Time{}, wrapStorage("querying time range", err)
	}
	if f != nil {
		first = *f
	}
	if l != nil {
		last = *l
	}
	return first, last, nil
}

// BoundaryRecords returns the oldest and newest cached records, without
// diffs. Either may be nil when nothing is cached.
func (s *Store) BoundaryRecords(ctx context.Context, repoKey string) (first, last *model.ChangeRecord, err error) {
	first, err = s.boundaryRecord(ctx, repoKey, "ASC")
	if err != nil {
		return nil, nil, err
	}
	last, err = s.boundaryRecord(ctx, repoKey, "DESC")
	if err != nil {
		return nil, nil, err
	}
	return first, last, nil
}

func (s *Store) boundaryRecord(ctx context.Context, repoKey, direction string) (*model.ChangeRecord, error) {
	var rec model.ChangeRecord
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(
			`SELECT id, repo_key, external_id, title, author, merged_at
			 FROM change_records WHERE repo_key = $1
			 ORDER BY merged_at %s, id %s LIMIT 1`, direction, direction),
		repoKey,
	).Scan(&rec.ID, &rec.RepoKey, &rec.ExternalID, &rec.Title, &rec.Author, &rec.MergedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapStorage("querying boundary record", err)
	}
	return &rec, nil
}

// SaveCycle commits one sync cycle atomically: new change records are
// upserted idempotently on (repo_key, external_id), their diffs inserted only
// alongside a newly inserted record, and the sync-state row replaced. A
// failure mid-cycle rolls everything back, so a record is never stored
// without its diffs.
func (s *Store) SaveCycle(ctx context.Context, state model.RepoSyncState, records []model.ChangeRecord) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return wrapStorage("beginning cycle transaction", err)
	}
	defer tx.Rollback(ctx) // no-op after commit

	for _, rec := range records {
		var recordID int64
		err := tx.QueryRow(ctx,
			`INSERT INTO change_records (repo_key, external_id, title, author, merged_at)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (repo_key, external_id) DO NOTHING
			 RETURNING id`,
			rec.RepoKey, rec.ExternalID, rec.Title, rec.Author, rec.MergedAt,
		).Scan(&recordID)
		if errors.Is(err, pgx.ErrNoRows) {
			// Already stored by a previous or concurrent cycle; its diffs
			// were committed with it.
			continue
		}
		if err != nil {
			return wrapStorage("inserting change record", err)
		}

		if len(rec.FileDiffs) == 0 {
			continue
		}
		batch := &pgx.Batch{}
		for _, d := range rec.FileDiffs {
			batch.Queue(
				`INSERT INTO file_diffs (change_record_id, filename, status, additions, deletions, previous_filename)
				 VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''))`,
				recordID, d.Filename, d.Status, d.Additions, d.Deletions, d.PreviousFilename,
			)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return wrapStorage("inserting file diffs", err)
		}
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO repo_sync_state (repo_key, last_synced_at, last_external_id, default_branch)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (repo_key) DO UPDATE SET
		   last_synced_at = EXCLUDED.last_synced_at,
		   last_external_id = EXCLUDED.last_external_id,
		   default_branch = EXCLUDED.default_branch`,
		state.RepoKey, state.LastSyncedAt, state.LastExternalID, state.DefaultBranch,
	)
	if err != nil {
		return wrapStorage("upserting sync state", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return wrapStorage("committing cycle transaction", err)
	}
	return nil
}

func wrapStorage(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, apperr.ErrStorageUnavailable, err)
}
