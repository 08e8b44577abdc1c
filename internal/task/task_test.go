package task

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCoordinator hands out a fixed batch and records status transitions.
type fakeCoordinator struct {
	pending   []PendingImage
	claims    int
	succeeded []int64
	failed    []int64
	messages  []string
}

func (c *fakeCoordinator) ClaimPendingImages(ctx context.Context, tctx Context, limit int) ([]PendingImage, error) {
	c.claims++
	if limit > 0 && limit < len(c.pending) {
		return c.pending[:limit], nil
	}
	return c.pending, nil
}

func (c *fakeCoordinator) MarkTaskSuccess(ctx context.Context, tctx Context, imageID int64, fileHash string) error {
	c.succeeded = append(c.succeeded, imageID)
	return nil
}

func (c *fakeCoordinator) MarkTaskFailure(ctx context.Context, tctx Context, imageID int64, message string) error {
	c.failed = append(c.failed, imageID)
	c.messages = append(c.messages, message)
	return nil
}

// fakeDatabase accepts any task in names and records lifecycle calls.
type fakeDatabase struct {
	names     map[string]bool
	prepared  int
	finalized int
	saved     []int64
	saveErr   map[int64]error
}

func (d *fakeDatabase) CanHandle(taskName string) bool { return d.names[taskName] }

func (d *fakeDatabase) Prepare(ctx context.Context, tctx Context) error {
	d.prepared++
	return nil
}

func (d *fakeDatabase) SaveResult(ctx context.Context, tctx Context, imageID int64, result interface{}) error {
	if err := d.saveErr[imageID]; err != nil {
		return err
	}
	d.saved = append(d.saved, imageID)
	return nil
}

func (d *fakeDatabase) Finalize(ctx context.Context, tctx Context) error {
	d.finalized++
	return nil
}

// fakeExecutor runs the canonical per-image loop: save, then success, with
// save errors downgraded to failures.
type fakeExecutor struct {
	names map[string]bool
	runs  int
}

func (e *fakeExecutor) CanExecute(taskName string) bool { return e.names[taskName] }

func (e *fakeExecutor) RunBatch(ctx context.Context, tctx Context, images []PendingImage, db Database, coord Coordinator) error {
	e.runs++
	if err := db.Prepare(ctx, tctx); err != nil {
		return err
	}
	defer func() { _ = db.Finalize(ctx, tctx) }()

	for _, img := range images {
		if err := db.SaveResult(ctx, tctx, img.ID, nil); err != nil {
			if err := coord.MarkTaskFailure(ctx, tctx, img.ID, err.Error()); err != nil {
				return err
			}
			continue
		}
		if err := coord.MarkTaskSuccess(ctx, tctx, img.ID, ""); err != nil {
			return err
		}
	}
	return nil
}

func testContext() Context {
	return Context{WorkspaceID: "ws1", TaskName: "phash_144", WorkspaceDir: "/tmp/ws1"}
}

func TestRunTaskNoExecutor(t *testing.T) {
	coord := &fakeCoordinator{pending: []PendingImage{{ID: 1, Path: "/a.png"}}}
	m := NewManager(nil, []Database{&fakeDatabase{names: map[string]bool{"phash_144": true}}}, coord)

	err := m.RunTaskForWorkspace(context.Background(), testContext())
	assert.ErrorIs(t, err, ErrNoExecutor)
	assert.Zero(t, coord.claims, "no claim before dispatch resolves")
}

func TestRunTaskNoDatabase(t *testing.T) {
	coord := &fakeCoordinator{pending: []PendingImage{{ID: 1, Path: "/a.png"}}}
	m := NewManager([]Executor{&fakeExecutor{names: map[string]bool{"phash_144": true}}}, nil, coord)

	err := m.RunTaskForWorkspace(context.Background(), testContext())
	assert.ErrorIs(t, err, ErrNoDatabase)
	assert.Zero(t, coord.claims)
}

func TestRunTaskEmptyBatchIsNoOp(t *testing.T) {
	coord := &fakeCoordinator{}
	exec := &fakeExecutor{names: map[string]bool{"phash_144": true}}
	db := &fakeDatabase{names: map[string]bool{"phash_144": true}}
	m := NewManager([]Executor{exec}, []Database{db}, coord)

	require.NoError(t, m.RunTaskForWorkspace(context.Background(), testContext()))
	assert.Equal(t, 1, coord.claims)
	assert.Zero(t, exec.runs, "executor never runs on an empty batch")
	assert.Zero(t, db.prepared)
}

func TestRunTaskFirstMatchDispatch(t *testing.T) {
	coord := &fakeCoordinator{pending: []PendingImage{{ID: 1, Path: "/a.png"}}}
	first := &fakeExecutor{names: map[string]bool{"phash_144": true}}
	second := &fakeExecutor{names: map[string]bool{"phash_144": true, "embed_512": true}}
	db := &fakeDatabase{names: map[string]bool{"phash_144": true}}
	m := NewManager([]Executor{first, second}, []Database{db}, coord)

	require.NoError(t, m.RunTaskForWorkspace(context.Background(), testContext()))
	assert.Equal(t, 1, first.runs, "first matching executor wins")
	assert.Zero(t, second.runs)
}

func TestRunTaskSuccessAndFailureMix(t *testing.T) {
	coord := &fakeCoordinator{pending: []PendingImage{
		{ID: 1, Path: "/a.png"},
		{ID: 2, Path: "/b.png"},
		{ID: 3, Path: "/c.png"},
	}}
	exec := &fakeExecutor{names: map[string]bool{"phash_144": true}}
	db := &fakeDatabase{
		names:   map[string]bool{"phash_144": true},
		saveErr: map[int64]error{2: errors.New("corrupt image data")},
	}
	m := NewManager([]Executor{exec}, []Database{db}, coord)

	require.NoError(t, m.RunTaskForWorkspace(context.Background(), testContext()))

	assert.ElementsMatch(t, []int64{1, 3}, coord.succeeded)
	assert.ElementsMatch(t, []int64{2}, coord.failed, "one bad image never aborts the batch")
	assert.Contains(t, coord.messages[0], "corrupt image data")
	assert.Equal(t, 1, db.prepared)
	assert.Equal(t, 1, db.finalized, "finalize runs exactly once per batch")
}
