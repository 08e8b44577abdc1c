package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// defaultHashCacheSize bounds the in-process hash cache.
const defaultHashCacheSize = 4096

// ContentHashEntry caches a file's content hash alongside the size and mtime
// observed when the hash was computed.
type ContentHashEntry struct {
	Path     string
	FileHash string
	FileSize int64
	MTime    time.Time
}

// ContentHashStore is the global path -> content hash cache. An in-memory LRU
// keyed by path+size+mtime avoids rehashing files that have not changed on
// disk within the process lifetime.
type ContentHashStore struct {
	db    *sql.DB
	cache *lru.Cache[string, string]
}

// OpenContentHashStore opens (creating if necessary) the content hash database.
func OpenContentHashStore(dbPath string) (*ContentHashStore, error) {
	db, err := openStoreDatabase(dbPath, ContentHashMigrations)
	if err != nil {
		return nil, err
	}
	cache, err := lru.New[string, string](defaultHashCacheSize)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &ContentHashStore{db: db, cache: cache}, nil
}

// Close closes the database connection
func (s *ContentHashStore) Close() error {
	return s.db.Close()
}

// Record upserts the hash entry for a path.
func (s *ContentHashStore) Record(ctx context.Context, path, fileHash string, fileSize int64, mtime time.Time) error {
	query := `
		INSERT INTO image_hashes (path, file_hash, file_size, mtime)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			file_hash = excluded.file_hash,
			file_size = excluded.file_size,
			mtime = excluded.mtime
	`
	if _, err := s.db.ExecContext(ctx, query, path, fileHash, fileSize, mtime.Unix()); err != nil {
		return fmt.Errorf("failed to record content hash: %w", err)
	}
	s.cache.Add(hashCacheKey(path, fileSize, mtime.Unix()), fileHash)
	return nil
}

// RecordFromDisk stats the file and upserts its entry with the given hash.
// Missing stat metadata is tolerated; the hash is recorded regardless.
func (s *ContentHashStore) RecordFromDisk(ctx context.Context, path, fileHash string) error {
	var size int64
	var mtime time.Time
	if info, err := os.Stat(path); err == nil {
		size = info.Size()
		mtime = info.ModTime()
	}
	return s.Record(ctx, path, fileHash, size, mtime)
}

// Get returns the entry for a path.
func (s *ContentHashStore) Get(ctx context.Context, path string) (*ContentHashEntry, error) {
	query := `
		SELECT path, file_hash, file_size, mtime
		FROM image_hashes
		WHERE path = ?
	`
	var entry ContentHashEntry
	var size, mtime sql.NullInt64
	err := s.db.QueryRowContext(ctx, query, path).Scan(&entry.Path, &entry.FileHash, &size, &mtime)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	entry.FileSize = size.Int64
	if mtime.Valid {
		entry.MTime = time.Unix(mtime.Int64, 0)
	}
	return &entry, nil
}

// HashFileCached returns the streamed SHA-256 of the file, consulting the LRU
// first. A cache hit requires the live size and mtime to match the key, so a
// modified file always gets rehashed.
func (s *ContentHashStore) HashFileCached(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}

	key := hashCacheKey(path, info.Size(), info.ModTime().Unix())
	if hash, ok := s.cache.Get(key); ok {
		return hash, nil
	}

	hash, err := HashFile(path)
	if err != nil {
		return "", err
	}
	s.cache.Add(key, hash)
	return hash, nil
}

func hashCacheKey(path string, size, mtimeUnix int64) string {
	return fmt.Sprintf("%s|%d|%d", path, size, mtimeUnix)
}
