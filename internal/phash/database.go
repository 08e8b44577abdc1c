package phash

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sync"

	"github.com/dshills/pixindex/internal/store"
	"github.com/dshills/pixindex/internal/task"
)

// Database stores perceptual hashes in a per-workspace artifact database at
// {workspace}/index/{task}.sqlite. Hashes are keyed by image id, so a
// recomputed image replaces its previous row.
type Database struct {
	mu sync.Mutex
	db *sql.DB
}

// NewDatabase creates an unopened hash artifact adapter. Prepare opens the
// artifact for a specific workspace and task.
func NewDatabase() *Database {
	return &Database{}
}

// CanHandle reports whether this adapter persists results for the task.
func (d *Database) CanHandle(taskName string) bool {
	return taskName == TaskName
}

// Prepare opens or creates the artifact database under the workspace's
// index directory and ensures its schema.
func (d *Database) Prepare(ctx context.Context, tctx task.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.db != nil {
		return nil
	}

	indexDir := filepath.Join(tctx.WorkspaceDir, "index")
	if err := os.MkdirAll(indexDir, 0o755); err != nil {
		return fmt.Errorf("failed to create index directory: %w", err)
	}

	db, err := store.OpenDatabase(filepath.Join(indexDir, tctx.TaskName+".sqlite"))
	if err != nil {
		return fmt.Errorf("failed to open hash artifact: %w", err)
	}

	schema := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s_index (
			image_id INTEGER PRIMARY KEY,
			hash_value TEXT NOT NULL
		)`, tctx.TaskName)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to create hash schema: %w", err)
	}

	d.db = db
	return nil
}

// SaveResult persists one hash. The result must be a *big.Int produced by
// Compute; it is stored as fixed-width hex so lexicographic and numeric
// ordering agree.
func (d *Database) SaveResult(ctx context.Context, tctx task.Context, imageID int64, result interface{}) error {
	hash, ok := result.(*big.Int)
	if !ok {
		return fmt.Errorf("unexpected result type %T for task %s", result, tctx.TaskName)
	}

	d.mu.Lock()
	db := d.db
	d.mu.Unlock()
	if db == nil {
		return fmt.Errorf("hash artifact for task %s not prepared", tctx.TaskName)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s_index (image_id, hash_value) VALUES (?, ?)
		ON CONFLICT(image_id) DO UPDATE SET hash_value = excluded.hash_value`,
		tctx.TaskName)
	if _, err := db.ExecContext(ctx, query, imageID, FormatHash(hash)); err != nil {
		return fmt.Errorf("failed to save hash for image %d: %w", imageID, err)
	}
	return nil
}

// Finalize closes the artifact. Safe to call when Prepare failed or never ran.
func (d *Database) Finalize(ctx context.Context, tctx task.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.db == nil {
		return nil
	}
	err := d.db.Close()
	d.db = nil
	return err
}

// GetHash reads back the stored hash for an image. Used by lookups and tests;
// the artifact must be prepared.
func (d *Database) GetHash(ctx context.Context, tctx task.Context, imageID int64) (*big.Int, error) {
	d.mu.Lock()
	db := d.db
	d.mu.Unlock()
	if db == nil {
		return nil, fmt.Errorf("hash artifact for task %s not prepared", tctx.TaskName)
	}

	query := fmt.Sprintf("SELECT hash_value FROM %s_index WHERE image_id = ?", tctx.TaskName)
	var value string
	err := db.QueryRowContext(ctx, query, imageID).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return ParseHash(value)
}
