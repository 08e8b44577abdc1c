package task

import (
	"context"
	"errors"
	"fmt"
)

// Configuration errors. Both are fatal: a run aborts before any image is
// claimed when the requested task has no registered handler.
var (
	// ErrNoExecutor is returned when no registered executor supports a task
	ErrNoExecutor = errors.New("no executor found for task")
	// ErrNoDatabase is returned when no registered database supports a task
	ErrNoDatabase = errors.New("no database handler found for task")
)

// Context identifies the workspace and task a batch belongs to, and carries
// the workspace directory for components that place artifacts there.
type Context struct {
	WorkspaceID  string
	TaskName     string
	WorkspaceDir string
}

// PendingImage identifies one claimed image handed to an executor.
type PendingImage struct {
	ID   int64
	Path string
}

// Database persists task-specific results into a per-task artifact.
// Prepare and Finalize bracket a batch; the executor controls their timing
// relative to its own concurrency model.
type Database interface {
	// CanHandle reports whether this adapter handles the given task.
	CanHandle(taskName string) bool

	// Prepare opens or creates the task artifact for the workspace and task.
	Prepare(ctx context.Context, tctx Context) error

	// SaveResult persists a single result keyed by image id.
	SaveResult(ctx context.Context, tctx Context, imageID int64, result interface{}) error

	// Finalize flushes and closes the artifact. Runs on every exit path.
	Finalize(ctx context.Context, tctx Context) error
}

// Coordinator owns all status transitions, bridging the workspace image store
// and the global index/hash stores so one logical success updates all of them.
type Coordinator interface {
	// ClaimPendingImages atomically claims up to limit pending images for the
	// task. limit <= 0 claims everything. An unknown workspace yields an
	// empty set, not an error.
	ClaimPendingImages(ctx context.Context, tctx Context, limit int) ([]PendingImage, error)

	// MarkTaskSuccess records a completed image. fileHash may be empty, in
	// which case the file is hashed by streaming its contents. An image row
	// removed between claim and this call is a silent no-op.
	MarkTaskSuccess(ctx context.Context, tctx Context, imageID int64, fileHash string) error

	// MarkTaskFailure records a failed image. The message goes to the log
	// sink only; it is not persisted.
	MarkTaskFailure(ctx context.Context, tctx Context, imageID int64, message string) error
}

// Executor processes a batch of claimed images for a task family.
type Executor interface {
	// CanExecute reports whether this executor handles the given task.
	CanExecute(taskName string) bool

	// RunBatch processes the batch. Per-image computation or persistence
	// failures are reported through the coordinator and never abort the
	// batch; only setup-level failures surface as an error.
	RunBatch(ctx context.Context, tctx Context, images []PendingImage, db Database, coord Coordinator) error
}

// Manager dispatches a task run to the first registered executor and database
// whose predicates match. Dispatch is synchronous and single-threaded; any
// parallelism lives inside an executor.
type Manager struct {
	executors   []Executor
	databases   []Database
	coordinator Coordinator
}

// NewManager creates a Manager over ordered executor and database lists.
// First match wins during resolution.
func NewManager(executors []Executor, databases []Database, coordinator Coordinator) *Manager {
	return &Manager{
		executors:   executors,
		databases:   databases,
		coordinator: coordinator,
	}
}

func (m *Manager) executorFor(taskName string) (Executor, error) {
	for _, executor := range m.executors {
		if executor.CanExecute(taskName) {
			return executor, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNoExecutor, taskName)
}

func (m *Manager) databaseFor(taskName string) (Database, error) {
	for _, db := range m.databases {
		if db.CanHandle(taskName) {
			return db, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNoDatabase, taskName)
}

// RunTaskForWorkspace runs one synchronous pass over the workspace's pending
// images for tctx.TaskName. Returns immediately as a no-op when nothing is
// pending.
func (m *Manager) RunTaskForWorkspace(ctx context.Context, tctx Context) error {
	executor, err := m.executorFor(tctx.TaskName)
	if err != nil {
		return err
	}
	db, err := m.databaseFor(tctx.TaskName)
	if err != nil {
		return err
	}

	pending, err := m.coordinator.ClaimPendingImages(ctx, tctx, 0)
	if err != nil {
		return fmt.Errorf("failed to claim pending images: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}

	// The executor calls db.Prepare / db.Finalize at the times that fit its
	// own concurrency model.
	return executor.RunBatch(ctx, tctx, pending, db, m.coordinator)
}
