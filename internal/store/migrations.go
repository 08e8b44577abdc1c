package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/Masterminds/semver/v3"
)

const (
	// CurrentSchemaVersion tracks the database schema version
	CurrentSchemaVersion = "1.0.0"
)

// Migration represents a database schema migration
type Migration struct {
	Version string
	Up      string
	Down    string
}

// RecordsMigrations contains migrations for a workspace records database.
var RecordsMigrations = []Migration{
	{
		Version: "1.0.0",
		Up:      recordsV1Up,
		Down:    recordsV1Down,
	},
}

const recordsV1Up = `
-- Schema version tracking
CREATE TABLE IF NOT EXISTS schema_version (
    version TEXT PRIMARY KEY,
    applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

-- User-declared root paths seeding image discovery
CREATE TABLE IF NOT EXISTS explicit_records (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    path TEXT NOT NULL,
    is_directory INTEGER NOT NULL,
    is_recursive INTEGER NOT NULL DEFAULT 0,
    include_patterns TEXT,
    exclude_patterns TEXT,
    note TEXT
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_explicit_records_path ON explicit_records(path);
`

const recordsV1Down = `
DROP TABLE IF EXISTS explicit_records;
DROP TABLE IF EXISTS schema_version;
`

// ImagesMigrations contains migrations for a workspace images database.
var ImagesMigrations = []Migration{
	{
		Version: "1.0.0",
		Up:      imagesV1Up,
		Down:    imagesV1Down,
	},
}

const imagesV1Up = `
-- Schema version tracking
CREATE TABLE IF NOT EXISTS schema_version (
    version TEXT PRIMARY KEY,
    applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

-- Discovered image files
CREATE TABLE IF NOT EXISTS images (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    path TEXT NOT NULL,
    parent_record_id INTEGER,
    file_hash TEXT,
    format TEXT,
    width INTEGER,
    height INTEGER,
    size_bytes INTEGER,
    added_at INTEGER,
    last_seen_at INTEGER,
    UNIQUE(path)
);

CREATE INDEX IF NOT EXISTS idx_images_parent ON images(parent_record_id);
CREATE INDEX IF NOT EXISTS idx_images_hash ON images(file_hash);

-- Per-image per-task status rows; a pending image has no row
CREATE TABLE IF NOT EXISTS image_tasks (
    image_id INTEGER NOT NULL REFERENCES images(id) ON DELETE CASCADE,
    task_name TEXT NOT NULL,
    status TEXT NOT NULL,
    last_indexed_at INTEGER,
    result_id INTEGER,
    PRIMARY KEY (image_id, task_name)
);

CREATE INDEX IF NOT EXISTS idx_image_tasks_task ON image_tasks(task_name);
`

const imagesV1Down = `
DROP TABLE IF EXISTS image_tasks;
DROP TABLE IF EXISTS images;
DROP TABLE IF EXISTS schema_version;
`

// GlobalIndexMigrations contains migrations for the cross-workspace index database.
var GlobalIndexMigrations = []Migration{
	{
		Version: "1.0.0",
		Up:      globalIndexV1Up,
		Down:    globalIndexV1Down,
	},
}

const globalIndexV1Up = `
-- Schema version tracking
CREATE TABLE IF NOT EXISTS schema_version (
    version TEXT PRIMARY KEY,
    applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

-- Which file in which workspace was processed by which task, and at what hash
CREATE TABLE IF NOT EXISTS global_index (
    path TEXT NOT NULL,
    workspace_id TEXT NOT NULL,
    task_name TEXT NOT NULL,
    last_indexed_hash TEXT,
    last_indexed_at INTEGER,
    PRIMARY KEY (path, workspace_id, task_name)
);

CREATE INDEX IF NOT EXISTS idx_global_index_hash ON global_index(last_indexed_hash);
CREATE INDEX IF NOT EXISTS idx_global_index_path ON global_index(path);
`

const globalIndexV1Down = `
DROP TABLE IF EXISTS global_index;
DROP TABLE IF EXISTS schema_version;
`

// ContentHashMigrations contains migrations for the global content-hash database.
var ContentHashMigrations = []Migration{
	{
		Version: "1.0.0",
		Up:      contentHashV1Up,
		Down:    contentHashV1Down,
	},
}

const contentHashV1Up = `
-- Schema version tracking
CREATE TABLE IF NOT EXISTS schema_version (
    version TEXT PRIMARY KEY,
    applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

-- File content hashes and lightweight metadata used to detect changes
CREATE TABLE IF NOT EXISTS image_hashes (
    path TEXT PRIMARY KEY,
    file_hash TEXT NOT NULL,
    file_size INTEGER,
    mtime INTEGER
);

CREATE INDEX IF NOT EXISTS idx_image_hashes_hash ON image_hashes(file_hash);
`

const contentHashV1Down = `
DROP TABLE IF EXISTS image_hashes;
DROP TABLE IF EXISTS schema_version;
`

// ApplyMigrations runs all pending migrations from the given set
func ApplyMigrations(ctx context.Context, db *sql.DB, migrations []Migration) error {
	// Check if schema_version table exists
	var tableName string
	err := db.QueryRowContext(ctx, "SELECT name FROM sqlite_master WHERE type='table' AND name='schema_version'").Scan(&tableName)

	// Parse current version (default to 0.0.0 if no migrations applied or table doesn't exist)
	var currentVersion *semver.Version
	if err == sql.ErrNoRows {
		// schema_version table doesn't exist, start from 0.0.0
		currentVersion = semver.MustParse("0.0.0")
	} else if err != nil {
		return fmt.Errorf("failed to check schema_version table: %w", err)
	} else {
		// Table exists, check current version
		var currentVersionStr string
		err = db.QueryRowContext(ctx, "SELECT version FROM schema_version ORDER BY applied_at DESC LIMIT 1").Scan(&currentVersionStr)
		if err == sql.ErrNoRows || currentVersionStr == "" {
			currentVersion = semver.MustParse("0.0.0")
		} else if err != nil {
			return fmt.Errorf("failed to read schema_version: %w", err)
		} else {
			currentVersion, err = semver.NewVersion(currentVersionStr)
			if err != nil {
				return fmt.Errorf("invalid current schema version %s: %w", currentVersionStr, err)
			}
		}
	}

	// Run migrations in order
	for _, migration := range migrations {
		migrationVersion, err := semver.NewVersion(migration.Version)
		if err != nil {
			return fmt.Errorf("invalid migration version %s: %w", migration.Version, err)
		}

		if !currentVersion.LessThan(migrationVersion) {
			continue // Already applied
		}

		// Execute migration
		_, err = db.ExecContext(ctx, migration.Up)
		if err != nil {
			return fmt.Errorf("failed to apply migration %s: %w", migration.Version, err)
		}

		// Record migration
		_, err = db.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", migration.Version)
		if err != nil {
			return fmt.Errorf("failed to record migration %s: %w", migration.Version, err)
		}

		currentVersion = migrationVersion
	}

	return nil
}

// RollbackMigration rolls back the most recent migration from the given set
func RollbackMigration(ctx context.Context, db *sql.DB, migrations []Migration) error {
	// Get current version
	var currentVersion string
	err := db.QueryRowContext(ctx, "SELECT version FROM schema_version ORDER BY applied_at DESC LIMIT 1").Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("no migrations to rollback: %w", err)
	}

	// Find migration
	var migration *Migration
	for i := range migrations {
		if migrations[i].Version == currentVersion {
			migration = &migrations[i]
			break
		}
	}

	if migration == nil {
		return fmt.Errorf("migration %s not found", currentVersion)
	}

	// Remove the version record first: Down scripts may drop schema_version
	// itself, after which the delete would have no table to run against.
	_, err = db.ExecContext(ctx, "DELETE FROM schema_version WHERE version = ?", currentVersion)
	if err != nil {
		return fmt.Errorf("failed to remove migration record %s: %w", currentVersion, err)
	}

	// Execute rollback
	_, err = db.ExecContext(ctx, migration.Down)
	if err != nil {
		return fmt.Errorf("failed to rollback migration %s: %w", currentVersion, err)
	}

	return nil
}
