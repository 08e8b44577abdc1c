package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupImageStore(t *testing.T) *ImageStore {
	store, err := OpenImageStore(":memory:")
	require.NoError(t, err)
	require.NotNil(t, store)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func catalogTestImage(t *testing.T, s *ImageStore, path string) int64 {
	id, err := s.CatalogImage(context.Background(), path, nil, ImageMeta{
		Format: "PNG", Width: 64, Height: 64, SizeBytes: 1024,
	})
	require.NoError(t, err)
	require.Greater(t, id, int64(0))
	return id
}

func TestCatalogImagePreservesIdentity(t *testing.T) {
	s := setupImageStore(t)
	ctx := context.Background()

	id := catalogTestImage(t, s, "/photos/a.png")

	// Simulate an earlier hash computation, then re-register with new metadata.
	require.NoError(t, s.CompleteTask(ctx, id, "phash_144", "abc123", time.Now()))

	again, err := s.CatalogImage(ctx, "/photos/a.png", nil, ImageMeta{
		Format: "PNG", Width: 128, Height: 128, SizeBytes: 4096,
	})
	require.NoError(t, err)
	assert.Equal(t, id, again, "re-registration must keep the same id")

	img, err := s.GetImage(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "abc123", img.FileHash, "re-registration must not clear the hash")
	assert.Equal(t, 128, img.Width)
}

func TestPendingSemantics(t *testing.T) {
	s := setupImageStore(t)
	ctx := context.Background()

	idA := catalogTestImage(t, s, "/photos/a.png")
	idB := catalogTestImage(t, s, "/photos/b.png")
	idC := catalogTestImage(t, s, "/photos/c.png")

	// All three start pending: no status row at all.
	pending, err := s.ListPendingForTask(ctx, "phash_144")
	require.NoError(t, err)
	assert.Len(t, pending, 3)

	// done and in_progress drop out; failed stays in.
	require.NoError(t, s.CompleteTask(ctx, idA, "phash_144", "h", time.Now()))
	require.NoError(t, s.SetTaskStatus(ctx, idB, "phash_144", StatusInProgress))
	require.NoError(t, s.FailTask(ctx, idC, "phash_144", time.Now()))

	pending, err = s.ListPendingForTask(ctx, "phash_144")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, idC, pending[0].ID)

	// Status is tracked per task: a second task sees everything pending.
	pending, err = s.ListPendingForTask(ctx, "embed_512")
	require.NoError(t, err)
	assert.Len(t, pending, 3)
}

func TestClaimPendingForTask(t *testing.T) {
	s := setupImageStore(t)
	ctx := context.Background()

	for _, p := range []string{"/p/a.png", "/p/b.png", "/p/c.png"} {
		catalogTestImage(t, s, p)
	}

	claimed, err := s.ClaimPendingForTask(ctx, "phash_144", 2)
	require.NoError(t, err)
	require.Len(t, claimed, 2)

	// Claimed images are in_progress and excluded from the next claim.
	for _, img := range claimed {
		status, err := s.GetTaskStatus(ctx, img.ID, "phash_144")
		require.NoError(t, err)
		assert.Equal(t, StatusInProgress, status.Status)
	}

	rest, err := s.ClaimPendingForTask(ctx, "phash_144", 0)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	for _, img := range claimed {
		assert.NotEqual(t, img.ID, rest[0].ID, "claims must be disjoint")
	}

	// Nothing left: empty slice, not an error.
	empty, err := s.ClaimPendingForTask(ctx, "phash_144", 0)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestClaimPendingForTaskConcurrent(t *testing.T) {
	s := setupImageStore(t)
	ctx := context.Background()

	const total = 40
	for i := 0; i < total; i++ {
		catalogTestImage(t, s, fmt.Sprintf("/p/img%03d.png", i))
	}

	// Several claimers race with small limits; the claim transaction must
	// hand each image to at most one of them.
	const claimers = 8
	var mu sync.Mutex
	claimed := make(map[int64]int)

	var wg sync.WaitGroup
	errs := make(chan error, claimers)
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				batch, err := s.ClaimPendingForTask(ctx, "phash_144", 3)
				if err != nil {
					errs <- err
					return
				}
				if len(batch) == 0 {
					return
				}
				mu.Lock()
				for _, img := range batch {
					claimed[img.ID]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	assert.Len(t, claimed, total, "every image is claimed exactly once")
	for id, n := range claimed {
		assert.Equal(t, 1, n, "image %d claimed by more than one claimer", id)
	}
}

func TestCompleteTaskIdempotent(t *testing.T) {
	s := setupImageStore(t)
	ctx := context.Background()

	id := catalogTestImage(t, s, "/p/a.png")

	require.NoError(t, s.CompleteTask(ctx, id, "phash_144", "hash1", time.Now()))
	require.NoError(t, s.CompleteTask(ctx, id, "phash_144", "hash1", time.Now()))

	status, err := s.GetTaskStatus(ctx, id, "phash_144")
	require.NoError(t, err)
	assert.Equal(t, StatusDone, status.Status)

	count, err := s.CountDoneForTask(ctx, "phash_144")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestCompleteTaskMissingImage(t *testing.T) {
	s := setupImageStore(t)
	err := s.CompleteTask(context.Background(), 999, "phash_144", "h", time.Now())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetTaskStatusPending(t *testing.T) {
	s := setupImageStore(t)
	id := catalogTestImage(t, s, "/p/a.png")

	_, err := s.GetTaskStatus(context.Background(), id, "phash_144")
	assert.ErrorIs(t, err, ErrNotFound, "pending means no status row")
}

func TestRemoveImagesByRecordCascades(t *testing.T) {
	s := setupImageStore(t)
	ctx := context.Background()

	recordID := int64(7)
	id, err := s.CatalogImage(ctx, "/p/a.png", &recordID, ImageMeta{Format: "PNG"})
	require.NoError(t, err)
	require.NoError(t, s.CompleteTask(ctx, id, "phash_144", "h", time.Now()))

	other := catalogTestImage(t, s, "/p/b.png")

	require.NoError(t, s.RemoveImagesByRecord(ctx, recordID))

	_, err = s.GetImage(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetTaskStatus(ctx, id, "phash_144")
	assert.ErrorIs(t, err, ErrNotFound, "status rows cascade with the image")

	_, err = s.GetImage(ctx, other)
	assert.NoError(t, err, "unrelated images survive")
}

func TestCoverageByRecord(t *testing.T) {
	s := setupImageStore(t)
	ctx := context.Background()

	recordID := int64(3)
	idA, err := s.CatalogImage(ctx, "/p/a.png", &recordID, ImageMeta{})
	require.NoError(t, err)
	_, err = s.CatalogImage(ctx, "/p/b.png", &recordID, ImageMeta{})
	require.NoError(t, err)
	require.NoError(t, s.CompleteTask(ctx, idA, "phash_144", "h", time.Now()))

	coverage, err := s.CoverageByRecord(ctx, "phash_144")
	require.NoError(t, err)
	require.Contains(t, coverage, recordID)
	assert.Equal(t, 2, coverage[recordID].TotalImages)
	assert.Equal(t, 1, coverage[recordID].IndexedImages)
}
