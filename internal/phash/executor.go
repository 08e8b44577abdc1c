package phash

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/dshills/pixindex/internal/task"
)

// Executor computes perceptual hashes for claimed images. Hashing is CPU
// bound, so images are fanned out across a bounded worker pool while writes
// to the artifact and the coordinator stay serialized.
type Executor struct {
	workers int
}

// NewExecutor creates an executor with the given pool size. workers <= 0
// uses one worker per CPU.
func NewExecutor(workers int) *Executor {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &Executor{workers: workers}
}

// CanExecute reports whether this executor computes the given task.
func (e *Executor) CanExecute(taskName string) bool {
	return taskName == TaskName
}

// RunBatch hashes every claimed image. A per-image failure is reported to the
// coordinator and the batch continues; only artifact setup or a canceled
// context aborts the run. Finalize runs on every exit path.
func (e *Executor) RunBatch(ctx context.Context, tctx task.Context, images []task.PendingImage, db task.Database, coord task.Coordinator) error {
	if err := db.Prepare(ctx, tctx); err != nil {
		return fmt.Errorf("failed to prepare task database: %w", err)
	}
	defer func() { _ = db.Finalize(ctx, tctx) }()

	// Status writes and artifact writes go through one mutex so the stores
	// see a single writer.
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)

	for _, img := range images {
		img := img
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}

			hash, err := Compute(img.Path)
			if err != nil {
				mu.Lock()
				defer mu.Unlock()
				return coord.MarkTaskFailure(gctx, tctx, img.ID, err.Error())
			}

			mu.Lock()
			defer mu.Unlock()
			if err := db.SaveResult(gctx, tctx, img.ID, hash); err != nil {
				return coord.MarkTaskFailure(gctx, tctx, img.ID, err.Error())
			}
			return coord.MarkTaskSuccess(gctx, tctx, img.ID, "")
		})
	}

	return g.Wait()
}
