// Package storetest holds the behavioural contract every task.Store backend
// must satisfy. Backend packages call Run from their own tests.
package storetest

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/UniQw/uniqw-lectures/internal/task"
	"github.com/stretchr/testify/require"
)

// Factory returns an empty store. Cleanup is registered on t.
type Factory func(t *testing.T) task.Store

func newTask(name string, created time.Time) task.Task {
	tk := task.New(name, "https://disk.example/"+name)
	tk.CreatedAt = created.UTC().Truncate(time.Microsecond)
	return tk
}

// Run executes the contract suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("CreateGet", func(t *testing.T) { testCreateGet(t, newStore(t)) })
	t.Run("CreateDuplicate", func(t *testing.T) { testCreateDuplicate(t, newStore(t)) })
	t.Run("NotFound", func(t *testing.T) { testNotFound(t, newStore(t)) })
	t.Run("ListNewestFirst", func(t *testing.T) { testListOrder(t, newStore(t)) })
	t.Run("HappyPath", func(t *testing.T) { testHappyPath(t, newStore(t)) })
	t.Run("FailedIsSticky", func(t *testing.T) { testFailedSticky(t, newStore(t)) })
	t.Run("FailAfterDoneClearsArtifact", func(t *testing.T) { testFailAfterDone(t, newStore(t)) })
	t.Run("ProcessingDoesNotReopenDone", func(t *testing.T) { testProcessingAfterDone(t, newStore(t)) })
	t.Run("ErrorTruncated", func(t *testing.T) { testErrorTruncated(t, newStore(t)) })
}

func testCreateGet(t *testing.T, s task.Store) {
	ctx := context.Background()
	want := newTask("lecture", time.Now())
	require.NoError(t, s.Create(ctx, want))

	got, err := s.Get(ctx, want.ID)
	require.NoError(t, err)
	require.Equal(t, want.ID, got.ID)
	require.Equal(t, want.Name, got.Name)
	require.Equal(t, want.SourceURL, got.SourceURL)
	require.Equal(t, task.StatusQueued, got.Status)
	require.True(t, want.CreatedAt.Equal(got.CreatedAt), "created_at %v != %v", got.CreatedAt, want.CreatedAt)
	require.Nil(t, got.ArtifactRef)
	require.Nil(t, got.Error)
}

func testCreateDuplicate(t *testing.T, s task.Store) {
	ctx := context.Background()
	tk := newTask("dup", time.Now())
	require.NoError(t, s.Create(ctx, tk))
	require.ErrorIs(t, s.Create(ctx, tk), task.ErrExists)
}

func testNotFound(t *testing.T, s task.Store) {
	ctx := context.Background()
	_, err := s.Get(ctx, "missing")
	require.ErrorIs(t, err, task.ErrNotFound)

	_, err = s.MarkProcessing(ctx, "missing")
	require.ErrorIs(t, err, task.ErrNotFound)
	_, err = s.MarkDone(ctx, "missing", "missing.pdf")
	require.ErrorIs(t, err, task.ErrNotFound)
	_, err = s.MarkFailed(ctx, "missing", "boom")
	require.ErrorIs(t, err, task.ErrNotFound)

	all, err := s.List(ctx)
	require.NoError(t, err)
	require.Empty(t, all)
}

func testListOrder(t *testing.T, s task.Store) {
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)
	older := newTask("older", base)
	middle := newTask("middle", base.Add(time.Minute))
	newer := newTask("newer", base.Add(2*time.Minute))
	for _, tk := range []task.Task{middle, newer, older} {
		require.NoError(t, s.Create(ctx, tk))
	}

	all, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, []string{newer.ID, middle.ID, older.ID}, []string{all[0].ID, all[1].ID, all[2].ID})
}

func testHappyPath(t *testing.T, s task.Store) {
	ctx := context.Background()
	tk := newTask("happy", time.Now())
	require.NoError(t, s.Create(ctx, tk))

	ok, err := s.MarkProcessing(ctx, tk.ID)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = s.MarkProcessing(ctx, tk.ID)
	require.NoError(t, err)
	require.True(t, ok, "processing is re-entrant")

	got, err := s.Get(ctx, tk.ID)
	require.NoError(t, err)
	require.Equal(t, task.StatusProcessing, got.Status)
	require.Nil(t, got.ArtifactRef)

	ok, err = s.MarkDone(ctx, tk.ID, tk.ID+".pdf")
	require.NoError(t, err)
	require.True(t, ok)

	got, err = s.Get(ctx, tk.ID)
	require.NoError(t, err)
	require.Equal(t, task.StatusDone, got.Status)
	require.NotNil(t, got.ArtifactRef)
	require.Equal(t, tk.ID+".pdf", *got.ArtifactRef)
	require.Nil(t, got.Error)
}

func testFailedSticky(t *testing.T, s task.Store) {
	ctx := context.Background()
	tk := newTask("sticky", time.Now())
	require.NoError(t, s.Create(ctx, tk))

	ok, err := s.MarkFailed(ctx, tk.ID, "first")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.MarkFailed(ctx, tk.ID, "second")
	require.NoError(t, err)
	require.False(t, ok)
	ok, err = s.MarkProcessing(ctx, tk.ID)
	require.NoError(t, err)
	require.False(t, ok)
	ok, err = s.MarkDone(ctx, tk.ID, tk.ID+".pdf")
	require.NoError(t, err)
	require.False(t, ok)

	got, err := s.Get(ctx, tk.ID)
	require.NoError(t, err)
	require.Equal(t, task.StatusFailed, got.Status)
	require.NotNil(t, got.Error)
	require.Equal(t, "first", *got.Error)
	require.Nil(t, got.ArtifactRef)
}

func testFailAfterDone(t *testing.T, s task.Store) {
	ctx := context.Background()
	tk := newTask("late-failure", time.Now())
	require.NoError(t, s.Create(ctx, tk))
	_, err := s.MarkDone(ctx, tk.ID, tk.ID+".pdf")
	require.NoError(t, err)

	ok, err := s.MarkFailed(ctx, tk.ID, "late")
	require.NoError(t, err)
	require.True(t, ok)

	got, err := s.Get(ctx, tk.ID)
	require.NoError(t, err)
	require.Equal(t, task.StatusFailed, got.Status)
	require.Nil(t, got.ArtifactRef, "artifact is only present on done tasks")
}

func testProcessingAfterDone(t *testing.T, s task.Store) {
	ctx := context.Background()
	tk := newTask("done-stays-done", time.Now())
	require.NoError(t, s.Create(ctx, tk))
	_, err := s.MarkDone(ctx, tk.ID, tk.ID+".pdf")
	require.NoError(t, err)

	ok, err := s.MarkProcessing(ctx, tk.ID)
	require.NoError(t, err)
	require.False(t, ok)

	got, err := s.Get(ctx, tk.ID)
	require.NoError(t, err)
	require.Equal(t, task.StatusDone, got.Status)
	require.NotNil(t, got.ArtifactRef)
}

func testErrorTruncated(t *testing.T, s task.Store) {
	ctx := context.Background()
	tk := newTask("long-error", time.Now())
	require.NoError(t, s.Create(ctx, tk))

	_, err := s.MarkFailed(ctx, tk.ID, strings.Repeat("ы", task.MaxErrorLen+200))
	require.NoError(t, err)

	got, err := s.Get(ctx, tk.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Error)
	require.Equal(t, task.MaxErrorLen, len([]rune(*got.Error)))
}
