package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRecordStore(t *testing.T) *RecordStore {
	store, err := OpenRecordStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestAddAndGetRecord(t *testing.T) {
	s := setupRecordStore(t)
	ctx := context.Background()

	record := &Record{
		Path:            "/photos/vacation",
		IsDirectory:     true,
		IsRecursive:     true,
		IncludePatterns: []string{"*.png", "*.jpg"},
		ExcludePatterns: []string{"thumb_*"},
		Note:            "summer trip",
	}
	require.NoError(t, s.Add(ctx, record))
	assert.Greater(t, record.ID, int64(0))

	got, err := s.Get(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, record.Path, got.Path)
	assert.True(t, got.IsRecursive)
	assert.Equal(t, []string{"*.png", "*.jpg"}, got.IncludePatterns)
	assert.Equal(t, []string{"thumb_*"}, got.ExcludePatterns)
	assert.Equal(t, "summer trip", got.Note)
}

func TestAddRecordDuplicatePath(t *testing.T) {
	s := setupRecordStore(t)
	ctx := context.Background()

	first := &Record{Path: "/photos", IsDirectory: true}
	require.NoError(t, s.Add(ctx, first))

	// Same path resolves to the same record instead of erroring.
	second := &Record{Path: "/photos", IsDirectory: true}
	require.NoError(t, s.Add(ctx, second))
	assert.Equal(t, first.ID, second.ID)

	count, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestRemoveRecord(t *testing.T) {
	s := setupRecordStore(t)
	ctx := context.Background()

	record := &Record{Path: "/photos", IsDirectory: true}
	require.NoError(t, s.Add(ctx, record))
	require.NoError(t, s.Remove(ctx, record.ID))

	_, err := s.Get(ctx, record.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	err = s.Remove(ctx, record.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSetRecursive(t *testing.T) {
	s := setupRecordStore(t)
	ctx := context.Background()

	record := &Record{Path: "/photos", IsDirectory: true}
	require.NoError(t, s.Add(ctx, record))
	require.NoError(t, s.SetRecursive(ctx, record.ID, true))

	got, err := s.Get(ctx, record.ID)
	require.NoError(t, err)
	assert.True(t, got.IsRecursive)

	assert.ErrorIs(t, s.SetRecursive(ctx, 999, true), ErrNotFound)
}

func TestListRecords(t *testing.T) {
	s := setupRecordStore(t)
	ctx := context.Background()

	require.NoError(t, s.Add(ctx, &Record{Path: "/b", IsDirectory: true}))
	require.NoError(t, s.Add(ctx, &Record{Path: "/a/pic.png"}))

	records, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Nil(t, records[0].IncludePatterns, "unset patterns come back nil")
}
