package entitykit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kiterr "github.com/c0deZ3R0/go-entity-kit/errors"
)

func TestUndo_RestoresDeletedEntity(t *testing.T) {
	remote := newFakeRemote()
	remote.seed("o1", 2, map[string]any{"status": "open"})
	cache := testCache()
	co := NewCoordinator(cache, remote, "orders", 0, nil, nil)
	cache.PutConfirmed("orders", entity("o1", 2, map[string]any{"status": "open"}), nil, true)
	m := NewUndoManager(nil, co, time.Minute, nil)

	deleted, err := co.Delete(context.Background(), "o1")
	require.NoError(t, err)
	undoID, err := m.CaptureDelete(context.Background(), "orders", deleted)
	require.NoError(t, err)

	restored, err := m.Undo(context.Background(), undoID)
	require.NoError(t, err)
	assert.Equal(t, "open", restored.Fields["status"])

	got, ok := cache.Get("o1")
	require.True(t, ok)
	assert.Equal(t, "open", got.Fields["status"])
}

func TestUndo_ExpiredWindow(t *testing.T) {
	remote := newFakeRemote()
	co := NewCoordinator(testCache(), remote, "orders", 0, nil, nil)
	m := NewUndoManager(nil, co, time.Minute, nil)

	undoID, err := m.CaptureDelete(context.Background(), "orders", entity("o1", 2, map[string]any{"status": "open"}))
	require.NoError(t, err)

	m.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	_, err = m.Undo(context.Background(), undoID)
	require.Error(t, err)
	assert.True(t, kiterr.IsKind(err, kiterr.KindExpired))

	// The record is gone after expiry.
	m.now = time.Now
	_, err = m.Undo(context.Background(), undoID)
	assert.True(t, kiterr.IsKind(err, kiterr.KindNotFound))
}

func TestUndo_ConsumedOnSuccess(t *testing.T) {
	remote := newFakeRemote()
	co := NewCoordinator(testCache(), remote, "orders", 0, nil, nil)
	m := NewUndoManager(nil, co, time.Minute, nil)

	undoID, err := m.CaptureDelete(context.Background(), "orders", entity("o1", 1, map[string]any{"status": "open"}))
	require.NoError(t, err)

	_, err = m.Undo(context.Background(), undoID)
	require.NoError(t, err)
	_, err = m.Undo(context.Background(), undoID)
	assert.True(t, kiterr.IsKind(err, kiterr.KindNotFound))
}

func TestUndo_FailedReplayKeepsRecord(t *testing.T) {
	remote := newFakeRemote()
	remote.createErr["o1"] = kiterr.E(kiterr.KindNetwork, "connection refused")
	co := NewCoordinator(testCache(), remote, "orders", 0, nil, nil)
	m := NewUndoManager(nil, co, time.Minute, nil)

	undoID, err := m.CaptureDelete(context.Background(), "orders", entity("o1", 1, map[string]any{"status": "open"}))
	require.NoError(t, err)

	_, err = m.Undo(context.Background(), undoID)
	require.Error(t, err)
	assert.True(t, kiterr.IsKind(err, kiterr.KindNetwork))

	// The remote recovers; the undo still works.
	delete(remote.createErr, "o1")
	restored, err := m.Undo(context.Background(), undoID)
	require.NoError(t, err)
	assert.Equal(t, "open", restored.Fields["status"])
}

func TestUndo_CaptureUpdateRestoresFields(t *testing.T) {
	remote := newFakeRemote()
	remote.seed("o1", 1, map[string]any{"status": "open"})
	cache := testCache()
	co := NewCoordinator(cache, remote, "orders", 0, nil, nil)
	m := NewUndoManager(nil, co, time.Minute, nil)

	previous, _ := remote.FetchOne(context.Background(), "orders", "o1")
	_, err := co.Update(context.Background(), "o1", map[string]any{"status": "done"})
	require.NoError(t, err)
	undoID, err := m.CaptureUpdate(context.Background(), "orders", previous)
	require.NoError(t, err)

	restored, err := m.Undo(context.Background(), undoID)
	require.NoError(t, err)
	assert.Equal(t, "open", restored.Fields["status"])
}

func TestMemoryUndoStore_Prune(t *testing.T) {
	store := NewMemoryUndoStore()
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, store.Save(ctx, UndoRecord{ID: "a", ExpiresAt: now.Add(-time.Second)}))
	require.NoError(t, store.Save(ctx, UndoRecord{ID: "b", ExpiresAt: now.Add(time.Hour)}))

	n, err := store.Prune(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = store.Get(ctx, "a")
	assert.Error(t, err)
	_, err = store.Get(ctx, "b")
	assert.NoError(t, err)
}

func TestMemoryUndoStore_SaveRequiresID(t *testing.T) {
	store := NewMemoryUndoStore()
	err := store.Save(context.Background(), UndoRecord{})
	require.Error(t, err)
	assert.True(t, kiterr.IsKind(err, kiterr.KindValidation))
}
