package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// GlobalIndexEntry records which file in which workspace was last processed
// by which task, and at what content hash. Path is part of the key, so the
// same bytes under two paths are tracked independently.
type GlobalIndexEntry struct {
	Path            string
	WorkspaceID     string
	TaskName        string
	LastIndexedHash string
	LastIndexedAt   time.Time
}

// GlobalIndexStore is the cross-workspace (path, workspace, task) ledger.
type GlobalIndexStore struct {
	db *sql.DB
}

// OpenGlobalIndexStore opens (creating if necessary) the global index database.
func OpenGlobalIndexStore(dbPath string) (*GlobalIndexStore, error) {
	db, err := openStoreDatabase(dbPath, GlobalIndexMigrations)
	if err != nil {
		return nil, err
	}
	return &GlobalIndexStore{db: db}, nil
}

// Close closes the database connection
func (s *GlobalIndexStore) Close() error {
	return s.db.Close()
}

// RecordSuccess upserts the entry for (path, workspace, task) with the hash
// that produced the result. A single statement, atomic within this store.
func (s *GlobalIndexStore) RecordSuccess(ctx context.Context, path, workspaceID, taskName, fileHash string, at time.Time) error {
	query := `
		INSERT INTO global_index (path, workspace_id, task_name, last_indexed_hash, last_indexed_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(path, workspace_id, task_name) DO UPDATE SET
			last_indexed_hash = excluded.last_indexed_hash,
			last_indexed_at = excluded.last_indexed_at
	`
	if _, err := s.db.ExecContext(ctx, query, path, workspaceID, taskName, fileHash, at.Unix()); err != nil {
		return fmt.Errorf("failed to record global index entry: %w", err)
	}
	return nil
}

// Get returns the entry for (path, workspace, task).
func (s *GlobalIndexStore) Get(ctx context.Context, path, workspaceID, taskName string) (*GlobalIndexEntry, error) {
	query := `
		SELECT path, workspace_id, task_name, last_indexed_hash, last_indexed_at
		FROM global_index
		WHERE path = ? AND workspace_id = ? AND task_name = ?
	`
	var entry GlobalIndexEntry
	var hash sql.NullString
	var indexedAt sql.NullInt64
	err := s.db.QueryRowContext(ctx, query, path, workspaceID, taskName).Scan(
		&entry.Path, &entry.WorkspaceID, &entry.TaskName, &hash, &indexedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if hash.Valid {
		entry.LastIndexedHash = hash.String
	}
	if indexedAt.Valid {
		entry.LastIndexedAt = time.Unix(indexedAt.Int64, 0)
	}
	return &entry, nil
}

// NeedsReindex reports whether the file must be reprocessed for the task:
// true when no entry exists or the stored hash no longer matches the live
// file hash. The stored hash is never trusted blindly; the file is re-read.
func (s *GlobalIndexStore) NeedsReindex(ctx context.Context, path, workspaceID, taskName string) (bool, error) {
	entry, err := s.Get(ctx, path, workspaceID, taskName)
	if err == ErrNotFound {
		return true, nil
	}
	if err != nil {
		return false, err
	}

	liveHash, err := HashFile(path)
	if err != nil {
		return false, fmt.Errorf("failed to hash %s: %w", path, err)
	}
	return entry.LastIndexedHash != liveHash, nil
}

// DeleteWorkspace removes all entries for a workspace.
func (s *GlobalIndexStore) DeleteWorkspace(ctx context.Context, workspaceID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM global_index WHERE workspace_id = ?", workspaceID)
	return err
}
