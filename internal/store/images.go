package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Image represents a cataloged image file within one workspace.
type Image struct {
	ID             int64
	Path           string // Absolute, unique per workspace
	ParentRecordID *int64 // Nullable weak back-reference to the owning record
	FileHash       string // Empty until first computed; survives re-registration
	Format         string
	Width          int
	Height         int
	SizeBytes      int64
	AddedAt        time.Time
	LastSeenAt     time.Time
}

// ImageMeta carries the mutable metadata updated on every registration.
type ImageMeta struct {
	Format    string
	Width     int
	Height    int
	SizeBytes int64
}

// TaskStatus is one row of the per-image per-task state machine.
type TaskStatus struct {
	ImageID       int64
	TaskName      string
	Status        string
	LastIndexedAt time.Time
	ResultID      *int64
}

// ImageStore persists the image catalog and task status rows for one workspace.
type ImageStore struct {
	db *sql.DB
}

// OpenImageStore opens (creating if necessary) a workspace images database.
func OpenImageStore(dbPath string) (*ImageStore, error) {
	db, err := openStoreDatabase(dbPath, ImagesMigrations)
	if err != nil {
		return nil, err
	}
	return &ImageStore{db: db}, nil
}

// Close closes the database connection
func (s *ImageStore) Close() error {
	return s.db.Close()
}

// CatalogImage upserts an image keyed by path. The id, file_hash, and added_at
// of an existing row are preserved; mutable metadata and last_seen_at are
// refreshed. Returns the image id.
func (s *ImageStore) CatalogImage(ctx context.Context, path string, parentRecordID *int64, meta ImageMeta) (int64, error) {
	query := `
		INSERT INTO images (path, parent_record_id, format, width, height, size_bytes, added_at, last_seen_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			parent_record_id = excluded.parent_record_id,
			format = excluded.format,
			width = excluded.width,
			height = excluded.height,
			size_bytes = excluded.size_bytes,
			last_seen_at = excluded.last_seen_at
		RETURNING id
	`
	now := time.Now().Unix()
	var parentID interface{}
	if parentRecordID != nil {
		parentID = *parentRecordID
	}

	var id int64
	err := s.db.QueryRowContext(ctx, query,
		path, parentID, meta.Format, meta.Width, meta.Height, meta.SizeBytes, now, now).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to catalog image: %w", err)
	}
	return id, nil
}

// GetImage returns an image by id.
func (s *ImageStore) GetImage(ctx context.Context, imageID int64) (*Image, error) {
	query := `
		SELECT id, path, parent_record_id, file_hash, format, width, height, size_bytes, added_at, last_seen_at
		FROM images
		WHERE id = ?
	`
	image, err := scanImage(s.db.QueryRowContext(ctx, query, imageID))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return image, err
}

// GetImageByPath returns an image by its absolute path.
func (s *ImageStore) GetImageByPath(ctx context.Context, path string) (*Image, error) {
	query := `
		SELECT id, path, parent_record_id, file_hash, format, width, height, size_bytes, added_at, last_seen_at
		FROM images
		WHERE path = ?
	`
	image, err := scanImage(s.db.QueryRowContext(ctx, query, path))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return image, err
}

// ListImages returns all cataloged images ordered by id.
func (s *ImageStore) ListImages(ctx context.Context) ([]*Image, error) {
	query := `
		SELECT id, path, parent_record_id, file_hash, format, width, height, size_bytes, added_at, last_seen_at
		FROM images
		ORDER BY id
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	images := make([]*Image, 0)
	for rows.Next() {
		image, err := scanImage(rows)
		if err != nil {
			return nil, err
		}
		images = append(images, image)
	}
	return images, rows.Err()
}

// pendingPredicate selects images with no status row for the task, or a row
// that is neither done nor in_progress (i.e. failed rows are reconsidered).
const pendingPredicate = `t.status IS NULL OR t.status NOT IN ('done', 'in_progress')`

// ListPendingForTask returns images awaiting work for the task without
// claiming them. Not safe as a work queue under concurrent callers; use
// ClaimPendingForTask for that.
func (s *ImageStore) ListPendingForTask(ctx context.Context, taskName string) ([]PendingImage, error) {
	query := `
		SELECT i.id, i.path
		FROM images AS i
		LEFT JOIN image_tasks AS t
			ON i.id = t.image_id AND t.task_name = ?
		WHERE ` + pendingPredicate + `
		ORDER BY i.id
	`
	rows, err := s.db.QueryContext(ctx, query, taskName)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return collectPending(rows)
}

// ClaimPendingForTask atomically selects up to limit pending images and marks
// them in_progress within a single transaction, so concurrent claims for the
// same task never overlap. limit <= 0 claims everything pending. Returns an
// empty slice, never an error, when there is no pending work.
func (s *ImageStore) ClaimPendingForTask(ctx context.Context, taskName string, limit int) ([]PendingImage, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin claim transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `
		SELECT i.id, i.path
		FROM images AS i
		LEFT JOIN image_tasks AS t
			ON i.id = t.image_id AND t.task_name = ?
		WHERE ` + pendingPredicate + `
		ORDER BY i.id
	`
	args := []interface{}{taskName}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	claimed, err := collectPending(rows)
	_ = rows.Close()
	if err != nil {
		return nil, err
	}
	if len(claimed) == 0 {
		return claimed, nil
	}

	now := time.Now().Unix()
	mark := `
		INSERT INTO image_tasks (image_id, task_name, status, last_indexed_at, result_id)
		VALUES (?, ?, ?, ?, NULL)
		ON CONFLICT(image_id, task_name) DO UPDATE SET
			status = excluded.status,
			last_indexed_at = excluded.last_indexed_at
	`
	for _, img := range claimed {
		if _, err := tx.ExecContext(ctx, mark, img.ID, taskName, StatusInProgress, now); err != nil {
			return nil, fmt.Errorf("failed to mark image %d in progress: %w", img.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}
	return claimed, nil
}

// SetTaskStatus upserts the status row for (imageID, taskName).
func (s *ImageStore) SetTaskStatus(ctx context.Context, imageID int64, taskName, status string) error {
	return s.setTaskStatusWithQuerier(ctx, s.db, imageID, taskName, status, time.Now())
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func (s *ImageStore) setTaskStatusWithQuerier(ctx context.Context, q execer, imageID int64, taskName, status string, at time.Time) error {
	query := `
		INSERT INTO image_tasks (image_id, task_name, status, last_indexed_at, result_id)
		VALUES (?, ?, ?, ?, NULL)
		ON CONFLICT(image_id, task_name) DO UPDATE SET
			status = excluded.status,
			last_indexed_at = excluded.last_indexed_at
	`
	if _, err := q.ExecContext(ctx, query, imageID, taskName, status, at.Unix()); err != nil {
		return fmt.Errorf("failed to set task status: %w", err)
	}
	return nil
}

// GetTaskStatus returns the status row for (imageID, taskName).
// ErrNotFound means the image is pending for this task.
func (s *ImageStore) GetTaskStatus(ctx context.Context, imageID int64, taskName string) (*TaskStatus, error) {
	query := `
		SELECT image_id, task_name, status, last_indexed_at, result_id
		FROM image_tasks
		WHERE image_id = ? AND task_name = ?
	`
	var ts TaskStatus
	var indexedAt sql.NullInt64
	var resultID sql.NullInt64
	err := s.db.QueryRowContext(ctx, query, imageID, taskName).Scan(
		&ts.ImageID, &ts.TaskName, &ts.Status, &indexedAt, &resultID,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if indexedAt.Valid {
		ts.LastIndexedAt = time.Unix(indexedAt.Int64, 0)
	}
	if resultID.Valid {
		id := resultID.Int64
		ts.ResultID = &id
	}
	return &ts, nil
}

// CompleteTask records a successful run for an image in one transaction:
// the image row's cached hash and last_seen_at are refreshed and the status
// row is upserted to done. Returns ErrNotFound if the image row is gone.
func (s *ImageStore) CompleteTask(ctx context.Context, imageID int64, taskName, fileHash string, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx,
		"UPDATE images SET file_hash = ?, last_seen_at = ? WHERE id = ?",
		fileHash, at.Unix(), imageID)
	if err != nil {
		return fmt.Errorf("failed to update image hash: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}

	if err := s.setTaskStatusWithQuerier(ctx, tx, imageID, taskName, StatusDone, at); err != nil {
		return err
	}
	return tx.Commit()
}

// FailTask upserts a failed status row with the given timestamp. The failure
// message is not persisted here; it belongs to the caller's log sink.
func (s *ImageStore) FailTask(ctx context.Context, imageID int64, taskName string, at time.Time) error {
	return s.setTaskStatusWithQuerier(ctx, s.db, imageID, taskName, StatusFailed, at)
}

// RemoveImagesByRecord deletes all images owned by the given record.
// Status rows follow via ON DELETE CASCADE.
func (s *ImageStore) RemoveImagesByRecord(ctx context.Context, recordID int64) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM images WHERE parent_record_id = ?", recordID)
	return err
}

// CountImages returns the total number of cataloged images.
func (s *ImageStore) CountImages(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM images").Scan(&count)
	return count, err
}

// CountDoneForTask returns how many images have status done for the task.
func (s *ImageStore) CountDoneForTask(ctx context.Context, taskName string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM image_tasks WHERE task_name = ? AND status = ?",
		taskName, StatusDone).Scan(&count)
	return count, err
}

// RecordCoverage aggregates image counts and done counts per owning record.
type RecordCoverage struct {
	TotalImages   int
	IndexedImages int
}

// CoverageByRecord returns per-record coverage for the given task, keyed by
// parent_record_id. Images without a parent record are excluded.
func (s *ImageStore) CoverageByRecord(ctx context.Context, taskName string) (map[int64]RecordCoverage, error) {
	query := `
		SELECT
			i.parent_record_id,
			COUNT(i.id),
			SUM(CASE WHEN t.status = 'done' THEN 1 ELSE 0 END)
		FROM images AS i
		LEFT JOIN image_tasks AS t
			ON i.id = t.image_id AND t.task_name = ?
		WHERE i.parent_record_id IS NOT NULL
		GROUP BY i.parent_record_id
	`
	rows, err := s.db.QueryContext(ctx, query, taskName)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	coverage := make(map[int64]RecordCoverage)
	for rows.Next() {
		var recordID int64
		var total int
		var indexed sql.NullInt64
		if err := rows.Scan(&recordID, &total, &indexed); err != nil {
			return nil, err
		}
		coverage[recordID] = RecordCoverage{
			TotalImages:   total,
			IndexedImages: int(indexed.Int64),
		}
	}
	return coverage, rows.Err()
}

func collectPending(rows *sql.Rows) ([]PendingImage, error) {
	pending := make([]PendingImage, 0)
	for rows.Next() {
		var img PendingImage
		if err := rows.Scan(&img.ID, &img.Path); err != nil {
			return nil, err
		}
		pending = append(pending, img)
	}
	return pending, rows.Err()
}

func scanImage(row rowScanner) (*Image, error) {
	var image Image
	var parentID sql.NullInt64
	var fileHash, format sql.NullString
	var width, height, sizeBytes, addedAt, lastSeenAt sql.NullInt64
	err := row.Scan(
		&image.ID, &image.Path, &parentID, &fileHash, &format,
		&width, &height, &sizeBytes, &addedAt, &lastSeenAt,
	)
	if err != nil {
		return nil, err
	}
	if parentID.Valid {
		id := parentID.Int64
		image.ParentRecordID = &id
	}
	if fileHash.Valid {
		image.FileHash = fileHash.String
	}
	if format.Valid {
		image.Format = format.String
	}
	image.Width = int(width.Int64)
	image.Height = int(height.Int64)
	image.SizeBytes = sizeBytes.Int64
	if addedAt.Valid {
		image.AddedAt = time.Unix(addedAt.Int64, 0)
	}
	if lastSeenAt.Valid {
		image.LastSeenAt = time.Unix(lastSeenAt.Int64, 0)
	}
	return &image, nil
}
