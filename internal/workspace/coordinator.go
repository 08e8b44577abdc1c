package workspace

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/dshills/pixindex/internal/store"
	"github.com/dshills/pixindex/internal/task"
)

// Coordinator implements task.Coordinator over the workspace manager's
// stores. It is the only component that writes task status rows, so the
// per-image state machine and the global index stay consistent from a single
// place.
type Coordinator struct {
	manager *Manager
}

// NewCoordinator creates a coordinator bound to the manager's stores.
func NewCoordinator(manager *Manager) *Coordinator {
	return &Coordinator{manager: manager}
}

// ClaimPendingImages claims up to limit pending images for the task in a
// single transaction, marking each in_progress. An unknown workspace yields
// an empty batch rather than an error, so a stale workspace selection never
// aborts a multi-workspace sweep.
func (c *Coordinator) ClaimPendingImages(ctx context.Context, tctx task.Context, limit int) ([]task.PendingImage, error) {
	images, err := c.manager.ImageStore(tctx.WorkspaceID)
	if err != nil {
		if errors.Is(err, ErrWorkspaceNotFound) {
			return []task.PendingImage{}, nil
		}
		return nil, err
	}

	claimed, err := images.ClaimPendingForTask(ctx, tctx.TaskName, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim pending images: %w", err)
	}

	batch := make([]task.PendingImage, 0, len(claimed))
	for _, img := range claimed {
		batch = append(batch, task.PendingImage{ID: img.ID, Path: img.Path})
	}
	return batch, nil
}

// MarkTaskSuccess transitions the image to done and propagates the success to
// the global index and the content hash store. An empty fileHash is computed
// here by streaming the file. An image removed from the catalog between claim
// and completion is silently skipped.
func (c *Coordinator) MarkTaskSuccess(ctx context.Context, tctx task.Context, imageID int64, fileHash string) error {
	images, err := c.manager.ImageStore(tctx.WorkspaceID)
	if err != nil {
		return err
	}

	img, err := images.GetImage(ctx, imageID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}

	if fileHash == "" {
		fileHash, err = c.manager.ContentHashes().HashFileCached(img.Path)
		if err != nil {
			return fmt.Errorf("failed to hash %s: %w", img.Path, err)
		}
	}

	now := time.Now()
	if err := images.CompleteTask(ctx, imageID, tctx.TaskName, fileHash, now); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}

	if err := c.manager.GlobalIndex().RecordSuccess(ctx, img.Path, tctx.WorkspaceID, tctx.TaskName, fileHash, now); err != nil {
		return fmt.Errorf("failed to update global index: %w", err)
	}
	if err := c.manager.ContentHashes().RecordFromDisk(ctx, img.Path, fileHash); err != nil {
		return fmt.Errorf("failed to update content hash store: %w", err)
	}
	return nil
}

// MarkTaskFailure transitions the image to failed. The message is logged, not
// persisted, so a later retry starts from a clean slate.
func (c *Coordinator) MarkTaskFailure(ctx context.Context, tctx task.Context, imageID int64, message string) error {
	images, err := c.manager.ImageStore(tctx.WorkspaceID)
	if err != nil {
		return err
	}
	if err := images.FailTask(ctx, imageID, tctx.TaskName, time.Now()); err != nil {
		return err
	}
	log.Printf("task %s failed for image %d in workspace %s: %s",
		tctx.TaskName, imageID, tctx.WorkspaceID, message)
	return nil
}
