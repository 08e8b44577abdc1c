package phash

import (
	"context"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/pixindex/internal/store"
	"github.com/dshills/pixindex/internal/task"
)

// recordingCoordinator captures transitions; safe for the executor's pool.
type recordingCoordinator struct {
	mu        sync.Mutex
	succeeded []int64
	failed    []int64
}

func (c *recordingCoordinator) ClaimPendingImages(ctx context.Context, tctx task.Context, limit int) ([]task.PendingImage, error) {
	return nil, nil
}

func (c *recordingCoordinator) MarkTaskSuccess(ctx context.Context, tctx task.Context, imageID int64, fileHash string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.succeeded = append(c.succeeded, imageID)
	return nil
}

func (c *recordingCoordinator) MarkTaskFailure(ctx context.Context, tctx task.Context, imageID int64, message string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failed = append(c.failed, imageID)
	return nil
}

func executorContext(t *testing.T) task.Context {
	return task.Context{
		WorkspaceID:  "ws1",
		TaskName:     TaskName,
		WorkspaceDir: t.TempDir(),
	}
}

func TestExecutorCanExecute(t *testing.T) {
	e := NewExecutor(0)
	assert.True(t, e.CanExecute("phash_144"))
	assert.False(t, e.CanExecute("embed_512"))
}

func TestRunBatchHashesAndPersists(t *testing.T) {
	ctx := context.Background()
	tctx := executorContext(t)

	good := saveImage(t, testImage(64, 64, 0), "good.png")
	corrupt := filepath.Join(t.TempDir(), "corrupt.png")
	require.NoError(t, os.WriteFile(corrupt, []byte("junk"), 0o644))

	images := []task.PendingImage{
		{ID: 1, Path: good},
		{ID: 2, Path: corrupt},
	}

	db := NewDatabase()
	coord := &recordingCoordinator{}
	require.NoError(t, NewExecutor(2).RunBatch(ctx, tctx, images, db, coord))

	assert.Equal(t, []int64{1}, coord.succeeded)
	assert.Equal(t, []int64{2}, coord.failed, "the corrupt image fails without aborting the batch")

	// The artifact exists and holds the good image's hash.
	assert.FileExists(t, filepath.Join(tctx.WorkspaceDir, "index", TaskName+".sqlite"))

	require.NoError(t, db.Prepare(ctx, tctx))
	defer func() { _ = db.Finalize(ctx, tctx) }()

	want, err := Compute(good)
	require.NoError(t, err)
	got, err := db.GetHash(ctx, tctx, 1)
	require.NoError(t, err)
	assert.Zero(t, want.Cmp(got))

	_, err = db.GetHash(ctx, tctx, 2)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDatabaseSaveReplacesHash(t *testing.T) {
	ctx := context.Background()
	tctx := executorContext(t)

	db := NewDatabase()
	require.NoError(t, db.Prepare(ctx, tctx))
	defer func() { _ = db.Finalize(ctx, tctx) }()

	require.NoError(t, db.SaveResult(ctx, tctx, 1, big.NewInt(42)))
	require.NoError(t, db.SaveResult(ctx, tctx, 1, big.NewInt(99)))

	got, err := db.GetHash(ctx, tctx, 1)
	require.NoError(t, err)
	assert.Zero(t, big.NewInt(99).Cmp(got), "recomputing replaces the stored hash")
}

func TestDatabaseRejectsWrongResultType(t *testing.T) {
	ctx := context.Background()
	tctx := executorContext(t)

	db := NewDatabase()
	require.NoError(t, db.Prepare(ctx, tctx))
	defer func() { _ = db.Finalize(ctx, tctx) }()

	assert.Error(t, db.SaveResult(ctx, tctx, 1, "not a hash"))
}

func TestDatabaseFinalizeWithoutPrepare(t *testing.T) {
	db := NewDatabase()
	assert.NoError(t, db.Finalize(context.Background(), executorContext(t)))
}
