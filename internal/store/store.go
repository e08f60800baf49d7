// Package store is the durable queue database: one embedded SQLite file
// holding every Download and its Chunks, written with write-ahead journaling.
// It survives process restart and is the source of truth the Scheduler
// rehydrates from on startup.
package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/myrientdl/myrientdl/internal/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS downloads (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	url TEXT NOT NULL,
	save_path TEXT NOT NULL,
	total_bytes INTEGER NOT NULL DEFAULT 0,
	state TEXT NOT NULL,
	downloaded_bytes INTEGER NOT NULL DEFAULT 0,
	progress REAL NOT NULL DEFAULT 0,
	chunked INTEGER NOT NULL DEFAULT 0,
	num_chunks INTEGER NOT NULL DEFAULT 1,
	force_overwrite INTEGER NOT NULL DEFAULT 0,
	preserve_structure INTEGER NOT NULL DEFAULT 1,
	queue_position INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	completed_at INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	attempts INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS chunks (
	download_id TEXT NOT NULL,
	idx INTEGER NOT NULL,
	byte_start INTEGER NOT NULL,
	byte_end INTEGER NOT NULL,
	size INTEGER NOT NULL,
	downloaded_bytes INTEGER NOT NULL DEFAULT 0,
	completed INTEGER NOT NULL DEFAULT 0,
	attempts INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (download_id, idx),
	FOREIGN KEY (download_id) REFERENCES downloads(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS history_cleanup_log (
	cleaned_at INTEGER NOT NULL,
	count INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_downloads_state ON downloads(state);
CREATE INDEX IF NOT EXISTS idx_downloads_created_at ON downloads(created_at);
`

// Store wraps the embedded SQLite database holding all queue state.
type Store struct {
	db *sql.DB
}

// Open creates/migrates the database at path and enables WAL journaling and
// foreign key cascade.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}

	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: journal_mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: foreign_keys: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) withTx(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func timeFromUnix(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

// UpsertDownload inserts d or overwrites the existing row with the same id.
func (s *Store) UpsertDownload(d *types.Download) error {
	return s.withTx(func(tx *sql.Tx) error {
		return upsertDownloadTx(tx, d)
	})
}

func upsertDownloadTx(tx *sql.Tx, d *types.Download) error {
	_, err := tx.Exec(`
		INSERT INTO downloads (
			id, title, url, save_path, total_bytes, state, downloaded_bytes, progress,
			chunked, num_chunks, force_overwrite, preserve_structure, queue_position,
			created_at, updated_at, completed_at, last_error, attempts
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title=excluded.title,
			url=excluded.url,
			save_path=excluded.save_path,
			total_bytes=excluded.total_bytes,
			state=excluded.state,
			downloaded_bytes=excluded.downloaded_bytes,
			progress=excluded.progress,
			chunked=excluded.chunked,
			num_chunks=excluded.num_chunks,
			force_overwrite=excluded.force_overwrite,
			preserve_structure=excluded.preserve_structure,
			queue_position=excluded.queue_position,
			updated_at=excluded.updated_at,
			completed_at=excluded.completed_at,
			last_error=excluded.last_error,
			attempts=excluded.attempts
	`,
		d.ID, d.Title, d.URL, d.SavePath, d.TotalBytes, string(d.State), d.DownloadedBytes, d.Progress,
		boolToInt(d.Chunked), d.NumChunks, boolToInt(d.ForceOverwrite), boolToInt(d.PreserveStructure), d.QueuePosition,
		unixOrZero(d.CreatedAt), unixOrZero(d.UpdatedAt), unixOrZero(d.CompletedAt), d.LastError, d.Attempts,
	)
	if err != nil {
		return fmt.Errorf("store: upsert download: %w", err)
	}
	return nil
}

// UpdateState transitions id's persisted state and bumps updated_at (and
// completed_at, when moving into the completed state).
func (s *Store) UpdateState(id string, state types.State, lastError string) error {
	now := time.Now()
	return s.withTx(func(tx *sql.Tx) error {
		completedAt := int64(0)
		if state == types.StateCompleted {
			completedAt = now.Unix()
		}
		_, err := tx.Exec(`
			UPDATE downloads SET state=?, last_error=?, updated_at=?,
				completed_at = CASE WHEN ? > 0 THEN ? ELSE completed_at END
			WHERE id=?
		`, string(state), lastError, now.Unix(), completedAt, completedAt, id)
		if err != nil {
			return fmt.Errorf("store: update state: %w", err)
		}
		return nil
	})
}

// ProgressDelta is one row of a batched progress flush.
type ProgressDelta struct {
	ID              string
	DownloadedBytes int64
	Progress        float64
	UpdatedAt       time.Time
}

// UpdateProgressBatch applies every delta in deltas as a single transaction.
// This is the hot path the Progress Aggregator calls on every flush tick.
func (s *Store) UpdateProgressBatch(deltas []ProgressDelta) error {
	if len(deltas) == 0 {
		return nil
	}
	return s.withTx(func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(`UPDATE downloads SET downloaded_bytes=?, progress=?, updated_at=? WHERE id=?`)
		if err != nil {
			return fmt.Errorf("store: prepare progress batch: %w", err)
		}
		defer stmt.Close()

		for _, d := range deltas {
			if _, err := stmt.Exec(d.DownloadedBytes, d.Progress, d.UpdatedAt.Unix(), d.ID); err != nil {
				return fmt.Errorf("store: progress batch exec: %w", err)
			}
		}
		return nil
	})
}

// UpsertChunk inserts c or overwrites the existing row for its (download_id,index).
func (s *Store) UpsertChunk(c *types.Chunk) error {
	return s.withTx(func(tx *sql.Tx) error {
		return upsertChunkTx(tx, c)
	})
}

func upsertChunkTx(tx *sql.Tx, c *types.Chunk) error {
	_, err := tx.Exec(`
		INSERT INTO chunks (
			download_id, idx, byte_start, byte_end, size, downloaded_bytes, completed, attempts, last_error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(download_id, idx) DO UPDATE SET
			byte_start=excluded.byte_start,
			byte_end=excluded.byte_end,
			size=excluded.size,
			downloaded_bytes=excluded.downloaded_bytes,
			completed=excluded.completed,
			attempts=excluded.attempts,
			last_error=excluded.last_error
	`, c.DownloadID, c.Index, c.ByteStart, c.ByteEnd, c.Size, c.DownloadedBytes, boolToInt(c.Completed), c.Attempts, c.LastError)
	if err != nil {
		return fmt.Errorf("store: upsert chunk: %w", err)
	}
	return nil
}

// ReplaceChunkPlan deletes any existing chunks for downloadID and inserts
// chunks in their place, as one transaction — used when the Orchestrator
// materializes a fresh chunk plan at starting→progressing.
func (s *Store) ReplaceChunkPlan(downloadID string, chunks []types.Chunk) error {
	return s.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM chunks WHERE download_id=?`, downloadID); err != nil {
			return fmt.Errorf("store: clear chunk plan: %w", err)
		}
		for i := range chunks {
			if err := upsertChunkTx(tx, &chunks[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

// LoadChunks returns all chunks for downloadID ordered by index.
func (s *Store) LoadChunks(downloadID string) ([]types.Chunk, error) {
	rows, err := s.db.Query(`
		SELECT download_id, idx, byte_start, byte_end, size, downloaded_bytes, completed, attempts, last_error
		FROM chunks WHERE download_id=? ORDER BY idx
	`, downloadID)
	if err != nil {
		return nil, fmt.Errorf("store: load chunks: %w", err)
	}
	defer rows.Close()

	var out []types.Chunk
	for rows.Next() {
		var c types.Chunk
		var completed int
		if err := rows.Scan(&c.DownloadID, &c.Index, &c.ByteStart, &c.ByteEnd, &c.Size, &c.DownloadedBytes, &completed, &c.Attempts, &c.LastError); err != nil {
			return nil, fmt.Errorf("store: scan chunk: %w", err)
		}
		c.Completed = completed != 0
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanDownload(row interface{ Scan(...any) error }) (*types.Download, error) {
	var d types.Download
	var state string
	var chunked, forceOverwrite, preserveStructure int
	var createdAt, updatedAt, completedAt int64

	err := row.Scan(
		&d.ID, &d.Title, &d.URL, &d.SavePath, &d.TotalBytes, &state, &d.DownloadedBytes, &d.Progress,
		&chunked, &d.NumChunks, &forceOverwrite, &preserveStructure, &d.QueuePosition,
		&createdAt, &updatedAt, &completedAt, &d.LastError, &d.Attempts,
	)
	if err != nil {
		return nil, err
	}

	d.State = types.State(state)
	d.Chunked = chunked != 0
	d.ForceOverwrite = forceOverwrite != 0
	d.PreserveStructure = preserveStructure != 0
	d.CreatedAt = timeFromUnix(createdAt)
	d.UpdatedAt = timeFromUnix(updatedAt)
	d.CompletedAt = timeFromUnix(completedAt)
	return &d, nil
}

const downloadColumns = `
	id, title, url, save_path, total_bytes, state, downloaded_bytes, progress,
	chunked, num_chunks, force_overwrite, preserve_structure, queue_position,
	created_at, updated_at, completed_at, last_error, attempts
`

// GetDownload returns the download row for id, or sql.ErrNoRows.
func (s *Store) GetDownload(id string) (*types.Download, error) {
	row := s.db.QueryRow(`SELECT `+downloadColumns+` FROM downloads WHERE id=?`, id)
	d, err := scanDownload(row)
	if err != nil {
		return nil, fmt.Errorf("store: get download: %w", err)
	}
	return d, nil
}

// GetActiveIDs returns ids in {starting,progressing,merging}.
func (s *Store) GetActiveIDs() ([]string, error) {
	return s.queryIDsByState(string(types.StateStarting), string(types.StateProgressing), string(types.StateMerging))
}

// GetQueuedIDsOrderedByAddedAt returns queued ids in FIFO (created_at) order.
func (s *Store) GetQueuedIDsOrderedByAddedAt() ([]string, error) {
	rows, err := s.db.Query(`SELECT id FROM downloads WHERE state=? ORDER BY created_at ASC`, string(types.StateQueued))
	if err != nil {
		return nil, fmt.Errorf("store: queued ids: %w", err)
	}
	defer rows.Close()
	return scanIDs(rows)
}

func (s *Store) queryIDsByState(states ...string) ([]string, error) {
	placeholders := ""
	args := make([]any, len(states))
	for i, st := range states {
		if i > 0 {
			placeholders += ","
		}
		placeholders += "?"
		args[i] = st
	}
	rows, err := s.db.Query(`SELECT id FROM downloads WHERE state IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("store: ids by state: %w", err)
	}
	defer rows.Close()
	return scanIDs(rows)
}

func scanIDs(rows *sql.Rows) ([]string, error) {
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: scan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// LoadAllUnfinished returns every Download not in a terminal state, for
// startup rehydration. Emitting downloads-restored is Engine.Restore's job;
// the Store only reads.
func (s *Store) LoadAllUnfinished() ([]*types.Download, error) {
	rows, err := s.db.Query(`SELECT `+downloadColumns+` FROM downloads WHERE state NOT IN (?, ?, ?) ORDER BY created_at ASC`,
		string(types.StateCompleted), string(types.StateCancelled), string(types.StateInterrupted))
	if err != nil {
		return nil, fmt.Errorf("store: load all unfinished: %w", err)
	}
	defer rows.Close()

	var out []*types.Download
	for rows.Next() {
		d, err := scanDownload(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan unfinished: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// LoadAll returns every Download row, used by `ls`.
func (s *Store) LoadAll() ([]*types.Download, error) {
	rows, err := s.db.Query(`SELECT ` + downloadColumns + ` FROM downloads ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("store: load all: %w", err)
	}
	defer rows.Close()

	var out []*types.Download
	for rows.Next() {
		d, err := scanDownload(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan all: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// DeleteDownload removes id and cascades its chunks.
func (s *Store) DeleteDownload(id string) error {
	_, err := s.db.Exec(`DELETE FROM downloads WHERE id=?`, id)
	if err != nil {
		return fmt.Errorf("store: delete download: %w", err)
	}
	return nil
}

// PruneOlderThan deletes completed/cancelled downloads whose completed_at
// (or updated_at if never completed) is older than days, and logs the count.
func (s *Store) PruneOlderThan(days int) (int, error) {
	cutoff := time.Now().AddDate(0, 0, -days).Unix()
	var count int

	err := s.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			DELETE FROM downloads
			WHERE state IN (?, ?)
			AND (CASE WHEN completed_at > 0 THEN completed_at ELSE updated_at END) < ?
		`, string(types.StateCompleted), string(types.StateCancelled), cutoff)
		if err != nil {
			return fmt.Errorf("store: prune: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		count = int(n)

		_, err = tx.Exec(`INSERT INTO history_cleanup_log (cleaned_at, count) VALUES (?, ?)`, time.Now().Unix(), count)
		return err
	})
	return count, err
}
