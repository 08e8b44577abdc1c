package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// Record is a user-declared root path seeding image discovery.
// A directory record owns zero or more images; a file record owns exactly one.
type Record struct {
	ID              int64
	Path            string
	IsDirectory     bool
	IsRecursive     bool
	IncludePatterns []string
	ExcludePatterns []string
	Note            string
}

// RecordStore persists explicit records for one workspace.
type RecordStore struct {
	db *sql.DB
}

// OpenRecordStore opens (creating if necessary) a workspace records database.
func OpenRecordStore(dbPath string) (*RecordStore, error) {
	db, err := openStoreDatabase(dbPath, RecordsMigrations)
	if err != nil {
		return nil, err
	}
	return &RecordStore{db: db}, nil
}

// Close closes the database connection
func (s *RecordStore) Close() error {
	return s.db.Close()
}

// patternsToJSON serializes glob patterns for storage; nil maps to NULL.
func patternsToJSON(patterns []string) (interface{}, error) {
	if patterns == nil {
		return nil, nil
	}
	raw, err := json.Marshal(patterns)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

func patternsFromJSON(raw sql.NullString) ([]string, error) {
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	var patterns []string
	if err := json.Unmarshal([]byte(raw.String), &patterns); err != nil {
		return nil, err
	}
	return patterns, nil
}

// Add inserts a record keyed by path. Re-adding an existing path is not an
// error; the stored row wins and its id is returned on the record.
func (s *RecordStore) Add(ctx context.Context, record *Record) error {
	includeJSON, err := patternsToJSON(record.IncludePatterns)
	if err != nil {
		return fmt.Errorf("failed to encode include patterns: %w", err)
	}
	excludeJSON, err := patternsToJSON(record.ExcludePatterns)
	if err != nil {
		return fmt.Errorf("failed to encode exclude patterns: %w", err)
	}

	query := `
		INSERT INTO explicit_records (path, is_directory, is_recursive, include_patterns, exclude_patterns, note)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO NOTHING
	`
	if _, err := s.db.ExecContext(ctx, query,
		record.Path, record.IsDirectory, record.IsRecursive,
		includeJSON, excludeJSON, record.Note); err != nil {
		return fmt.Errorf("failed to add record: %w", err)
	}

	// DO NOTHING yields no LastInsertId on conflict, so resolve the id by path.
	err = s.db.QueryRowContext(ctx, "SELECT id FROM explicit_records WHERE path = ?", record.Path).Scan(&record.ID)
	if err != nil {
		return fmt.Errorf("failed to resolve record id: %w", err)
	}
	return nil
}

// Get returns a record by id.
func (s *RecordStore) Get(ctx context.Context, recordID int64) (*Record, error) {
	query := `
		SELECT id, path, is_directory, is_recursive, include_patterns, exclude_patterns, note
		FROM explicit_records
		WHERE id = ?
	`
	record, err := scanRecord(s.db.QueryRowContext(ctx, query, recordID))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return record, err
}

// List returns all records ordered by path.
func (s *RecordStore) List(ctx context.Context) ([]*Record, error) {
	query := `
		SELECT id, path, is_directory, is_recursive, include_patterns, exclude_patterns, note
		FROM explicit_records
		ORDER BY path
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	records := make([]*Record, 0)
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

// Remove deletes a record by id. Removing an unknown id reports ErrNotFound.
func (s *RecordStore) Remove(ctx context.Context, recordID int64) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM explicit_records WHERE id = ?", recordID)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// SetRecursive updates the recursion flag for a directory record.
func (s *RecordStore) SetRecursive(ctx context.Context, recordID int64, recursive bool) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE explicit_records SET is_recursive = ? WHERE id = ?", recursive, recordID)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// Count returns the number of explicit records.
func (s *RecordStore) Count(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM explicit_records").Scan(&count)
	return count, err
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var record Record
	var includeJSON, excludeJSON, note sql.NullString
	err := row.Scan(
		&record.ID, &record.Path, &record.IsDirectory, &record.IsRecursive,
		&includeJSON, &excludeJSON, &note,
	)
	if err != nil {
		return nil, err
	}
	if record.IncludePatterns, err = patternsFromJSON(includeJSON); err != nil {
		return nil, fmt.Errorf("failed to decode include patterns: %w", err)
	}
	if record.ExcludePatterns, err = patternsFromJSON(excludeJSON); err != nil {
		return nil, fmt.Errorf("failed to decode exclude patterns: %w", err)
	}
	if note.Valid {
		record.Note = note.String
	}
	return &record, nil
}
