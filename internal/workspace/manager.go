package workspace

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	// Decoders for image metadata probing
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"

	"github.com/google/uuid"

	"github.com/dshills/pixindex/internal/config"
	"github.com/dshills/pixindex/internal/store"
)

var (
	// ErrWorkspaceNotFound is returned for unknown workspace ids
	ErrWorkspaceNotFound = errors.New("workspace not found")
	// ErrRefreshInProgress is returned when a refresh is already running
	ErrRefreshInProgress = errors.New("refresh already in progress")
)

// Config is the per-workspace configuration persisted as config.json inside
// the workspace directory.
type Config struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Tasks       []string `json:"tasks"`
	AutoRefresh bool     `json:"auto_refresh"`
	AutoIndex   bool     `json:"auto_index"`
}

// Stats aggregates catalog coverage for one workspace. IndexedImages counts
// done rows for the workspace's first subscribed task.
type Stats struct {
	TotalRecords  int
	TotalImages   int
	IndexedImages int
}

// AddOptions control explicit record creation and discovery.
type AddOptions struct {
	Recursive       bool
	IncludePatterns []string
	ExcludePatterns []string
	Note            string
}

// Manager owns workspace lifecycle: discovery of existing workspaces under
// the configured root, creation of new ones with their databases, and lazy
// store handles for the coordinator and CLI layers.
type Manager struct {
	registry       *config.Registry
	workspacesRoot string

	globalIndex   *store.GlobalIndexStore
	contentHashes *store.ContentHashStore

	mu           sync.Mutex
	workspaces   map[string]Config
	imageStores  map[string]*store.ImageStore
	recordStores map[string]*store.RecordStore
	locks        map[string]*refreshLock
}

// NewManager loads workspace configs under the registry's workspaces root and
// opens the two global databases.
func NewManager(registry *config.Registry) (*Manager, error) {
	root := registry.WorkspacesRoot()
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create workspaces root: %w", err)
	}

	globalIndex, err := store.OpenGlobalIndexStore(registry.GlobalIndexPath())
	if err != nil {
		return nil, fmt.Errorf("failed to open global index: %w", err)
	}
	contentHashes, err := store.OpenContentHashStore(registry.HashDBPath())
	if err != nil {
		_ = globalIndex.Close()
		return nil, fmt.Errorf("failed to open content hash store: %w", err)
	}

	m := &Manager{
		registry:       registry,
		workspacesRoot: root,
		globalIndex:    globalIndex,
		contentHashes:  contentHashes,
		workspaces:     make(map[string]Config),
		imageStores:    make(map[string]*store.ImageStore),
		recordStores:   make(map[string]*store.RecordStore),
		locks:          make(map[string]*refreshLock),
	}
	if err := m.loadWorkspaces(); err != nil {
		_ = m.Close()
		return nil, err
	}
	return m, nil
}

// Close closes all open store handles.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	for _, s := range m.imageStores {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, s := range m.recordStores {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := m.globalIndex.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := m.contentHashes.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// GlobalIndex returns the cross-workspace index store handle.
func (m *Manager) GlobalIndex() *store.GlobalIndexStore {
	return m.globalIndex
}

// ContentHashes returns the global content hash store handle.
func (m *Manager) ContentHashes() *store.ContentHashStore {
	return m.contentHashes
}

// loadWorkspaces scans the workspaces root for config.json files.
// Directories without a readable config are skipped.
func (m *Manager) loadWorkspaces() error {
	entries, err := os.ReadDir(m.workspacesRoot)
	if err != nil {
		return fmt.Errorf("failed to read workspaces root: %w", err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(m.workspacesRoot, entry.Name(), "config.json"))
		if err != nil {
			continue
		}
		var cfg Config
		if err := json.Unmarshal(raw, &cfg); err != nil || cfg.ID == "" {
			continue
		}
		m.workspaces[cfg.ID] = cfg
	}
	return nil
}

// CreateWorkspace creates a workspace directory with its config.json, empty
// records and images databases, and an index/ directory for task artifacts.
// Passing no tasks subscribes the workspace to every registered task.
func (m *Manager) CreateWorkspace(name string, tasks []string) (Config, error) {
	id := uuid.New()
	workspaceID := hex.EncodeToString(id[:])

	if len(tasks) == 0 {
		tasks = m.registry.TaskNames()
		sort.Strings(tasks)
	}
	cfg := Config{ID: workspaceID, Name: name, Tasks: tasks}

	dir := filepath.Join(m.workspacesRoot, workspaceDirName(name, workspaceID))
	if err := os.MkdirAll(filepath.Join(dir, "index"), 0o755); err != nil {
		return Config{}, fmt.Errorf("failed to create workspace directory: %w", err)
	}

	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return Config{}, err
	}
	if err := os.WriteFile(filepath.Join(dir, "config.json"), append(raw, '\n'), 0o644); err != nil {
		return Config{}, fmt.Errorf("failed to write workspace config: %w", err)
	}

	// Materialize the per-workspace schemas up front.
	rs, err := store.OpenRecordStore(filepath.Join(dir, "records.sqlite"))
	if err != nil {
		return Config{}, err
	}
	is, err := store.OpenImageStore(filepath.Join(dir, "images.sqlite"))
	if err != nil {
		_ = rs.Close()
		return Config{}, err
	}

	m.mu.Lock()
	m.workspaces[workspaceID] = cfg
	m.recordStores[workspaceID] = rs
	m.imageStores[workspaceID] = is
	m.mu.Unlock()

	return cfg, nil
}

// GetWorkspace returns the configuration for a workspace id.
func (m *Manager) GetWorkspace(workspaceID string) (Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg, ok := m.workspaces[workspaceID]
	if !ok {
		return Config{}, fmt.Errorf("%w: %s", ErrWorkspaceNotFound, workspaceID)
	}
	return cfg, nil
}

// ListWorkspaces returns all known workspaces sorted by name.
func (m *Manager) ListWorkspaces() []Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := make([]Config, 0, len(m.workspaces))
	for _, cfg := range m.workspaces {
		list = append(list, cfg)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
	return list
}

// WorkspaceDir returns the directory for a workspace id.
func (m *Manager) WorkspaceDir(workspaceID string) (string, error) {
	cfg, err := m.GetWorkspace(workspaceID)
	if err != nil {
		return "", err
	}
	return filepath.Join(m.workspacesRoot, workspaceDirName(cfg.Name, cfg.ID)), nil
}

// ImageStore returns the lazily opened image store for a workspace.
func (m *Manager) ImageStore(workspaceID string) (*store.ImageStore, error) {
	dir, err := m.WorkspaceDir(workspaceID)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.imageStores[workspaceID]; ok {
		return s, nil
	}
	s, err := store.OpenImageStore(filepath.Join(dir, "images.sqlite"))
	if err != nil {
		return nil, err
	}
	m.imageStores[workspaceID] = s
	return s, nil
}

// RecordStore returns the lazily opened record store for a workspace.
func (m *Manager) RecordStore(workspaceID string) (*store.RecordStore, error) {
	dir, err := m.WorkspaceDir(workspaceID)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.recordStores[workspaceID]; ok {
		return s, nil
	}
	s, err := store.OpenRecordStore(filepath.Join(dir, "records.sqlite"))
	if err != nil {
		return nil, err
	}
	m.recordStores[workspaceID] = s
	return s, nil
}

func (m *Manager) lockFor(workspaceID string) *refreshLock {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[workspaceID]
	if !ok {
		l = &refreshLock{}
		m.locks[workspaceID] = l
	}
	return l
}

// AddPath declares a root path for the workspace and catalogs the images
// discovered under it. Returns the record id and the number of images seen.
func (m *Manager) AddPath(ctx context.Context, workspaceID, path string, opts AddOptions) (int64, int, error) {
	if _, err := m.GetWorkspace(workspaceID); err != nil {
		return 0, 0, err
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return 0, 0, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return 0, 0, fmt.Errorf("path %s: %w", abs, err)
	}

	rs, err := m.RecordStore(workspaceID)
	if err != nil {
		return 0, 0, err
	}

	record := &store.Record{
		Path:            abs,
		IsDirectory:     info.IsDir(),
		IsRecursive:     opts.Recursive,
		IncludePatterns: opts.IncludePatterns,
		ExcludePatterns: opts.ExcludePatterns,
		Note:            opts.Note,
	}
	if err := rs.Add(ctx, record); err != nil {
		return 0, 0, err
	}

	count, err := m.catalogRecord(ctx, workspaceID, record)
	if err != nil {
		return record.ID, count, err
	}
	return record.ID, count, nil
}

// RefreshRecord re-scans one explicit record, upserting everything found.
// Only one refresh per workspace runs at a time.
func (m *Manager) RefreshRecord(ctx context.Context, workspaceID string, recordID int64) (int, error) {
	lock := m.lockFor(workspaceID)
	if !lock.TryAcquire() {
		return 0, ErrRefreshInProgress
	}
	defer lock.Release()

	rs, err := m.RecordStore(workspaceID)
	if err != nil {
		return 0, err
	}
	record, err := rs.Get(ctx, recordID)
	if err != nil {
		return 0, err
	}
	return m.catalogRecord(ctx, workspaceID, record)
}

// RefreshWorkspace re-scans every explicit record in the workspace.
func (m *Manager) RefreshWorkspace(ctx context.Context, workspaceID string) (int, error) {
	lock := m.lockFor(workspaceID)
	if !lock.TryAcquire() {
		return 0, ErrRefreshInProgress
	}
	defer lock.Release()

	rs, err := m.RecordStore(workspaceID)
	if err != nil {
		return 0, err
	}
	records, err := rs.List(ctx)
	if err != nil {
		return 0, err
	}

	total := 0
	for _, record := range records {
		n, err := m.catalogRecord(ctx, workspaceID, record)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// catalogRecord scans a record's root and upserts each discovered image with
// probed metadata.
func (m *Manager) catalogRecord(ctx context.Context, workspaceID string, record *store.Record) (int, error) {
	paths, err := ScanRecord(record)
	if err != nil {
		return 0, fmt.Errorf("failed to scan %s: %w", record.Path, err)
	}

	is, err := m.ImageStore(workspaceID)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, p := range paths {
		meta := probeImage(p)
		recordID := record.ID
		if _, err := is.CatalogImage(ctx, p, &recordID, meta); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

// RemoveRecord deletes an explicit record and the images tied to it.
func (m *Manager) RemoveRecord(ctx context.Context, workspaceID string, recordID int64) error {
	is, err := m.ImageStore(workspaceID)
	if err != nil {
		return err
	}
	if err := is.RemoveImagesByRecord(ctx, recordID); err != nil {
		return err
	}
	rs, err := m.RecordStore(workspaceID)
	if err != nil {
		return err
	}
	return rs.Remove(ctx, recordID)
}

// SetRecordRecursive updates a record's recursion flag.
func (m *Manager) SetRecordRecursive(ctx context.Context, workspaceID string, recordID int64, recursive bool) error {
	rs, err := m.RecordStore(workspaceID)
	if err != nil {
		return err
	}
	return rs.SetRecursive(ctx, recordID, recursive)
}

// Stats returns aggregated coverage for the workspace.
func (m *Manager) Stats(ctx context.Context, workspaceID string) (Stats, error) {
	cfg, err := m.GetWorkspace(workspaceID)
	if err != nil {
		return Stats{}, err
	}
	rs, err := m.RecordStore(workspaceID)
	if err != nil {
		return Stats{}, err
	}
	is, err := m.ImageStore(workspaceID)
	if err != nil {
		return Stats{}, err
	}

	var stats Stats
	if stats.TotalRecords, err = rs.Count(ctx); err != nil {
		return Stats{}, err
	}
	if stats.TotalImages, err = is.CountImages(ctx); err != nil {
		return Stats{}, err
	}
	if len(cfg.Tasks) > 0 {
		if stats.IndexedImages, err = is.CountDoneForTask(ctx, cfg.Tasks[0]); err != nil {
			return Stats{}, err
		}
	}
	return stats, nil
}

// RecordStats returns per-record coverage for the workspace's first task.
func (m *Manager) RecordStats(ctx context.Context, workspaceID string) (map[int64]store.RecordCoverage, error) {
	cfg, err := m.GetWorkspace(workspaceID)
	if err != nil {
		return nil, err
	}
	if len(cfg.Tasks) == 0 {
		return map[int64]store.RecordCoverage{}, nil
	}
	is, err := m.ImageStore(workspaceID)
	if err != nil {
		return nil, err
	}
	return is.CoverageByRecord(ctx, cfg.Tasks[0])
}

// workspaceDirName derives the directory name {safeName}_{id}.
func workspaceDirName(name, id string) string {
	return strings.ReplaceAll(name, " ", "_") + "_" + id
}

// probeImage captures lightweight metadata for a file. Decode failures leave
// the dimensions zero and fall back to the extension for the format.
func probeImage(path string) store.ImageMeta {
	meta := store.ImageMeta{
		Format: strings.ToUpper(strings.TrimPrefix(filepath.Ext(path), ".")),
	}
	if info, err := os.Stat(path); err == nil {
		meta.SizeBytes = info.Size()
	}

	f, err := os.Open(path)
	if err != nil {
		return meta
	}
	defer func() { _ = f.Close() }()

	cfg, format, err := image.DecodeConfig(f)
	if err != nil {
		return meta
	}
	meta.Width = cfg.Width
	meta.Height = cfg.Height
	if format != "" {
		meta.Format = strings.ToUpper(format)
	}
	return meta
}
