package entitykit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCache_GetReturnsClone(t *testing.T) {
	cache := testCache()
	cache.PutConfirmed("orders", entity("o1", 1, map[string]any{"status": "open"}), nil, true)

	got, ok := cache.Get("o1")
	require.True(t, ok)
	got.Fields["status"] = "mutated"

	again, ok := cache.Get("o1")
	require.True(t, ok)
	assert.Equal(t, "open", again.Fields["status"])
}

func TestCache_RemoveMarksEntryEvicted(t *testing.T) {
	cache := testCache()
	cache.PutConfirmed("orders", entity("o1", 1, nil), nil, true)

	cache.mu.RLock()
	entry := cache.entries["o1"]
	cache.mu.RUnlock()

	_, ok := cache.Remove("orders", "o1")
	require.True(t, ok)

	// A holder of the old entry sees the tombstone, not stale confirmed data.
	assert.Equal(t, StateEvicted, entry.State)
	_, ok = cache.Get("o1")
	assert.False(t, ok)
}

func TestCache_ApplyRemoteDiscardsOlderVersion(t *testing.T) {
	cache := testCache()
	cache.PutConfirmed("orders", entity("o1", 5, map[string]any{"status": "done"}), nil, true)

	outcome, _ := cache.ApplyRemote("orders", entity("o1", 3, map[string]any{"status": "open"}), nil, false)
	assert.Equal(t, ApplyStale, outcome)

	got, ok := cache.Get("o1")
	require.True(t, ok)
	assert.Equal(t, int64(5), got.Version)
	assert.Equal(t, "done", got.Fields["status"])
}

func TestCache_ApplyRemoteStoresNewerVersion(t *testing.T) {
	cache := testCache()
	cache.PutConfirmed("orders", entity("o1", 2, nil), nil, true)

	outcome, _ := cache.ApplyRemote("orders", entity("o1", 7, map[string]any{"status": "done"}), []string{"status"}, false)
	assert.Equal(t, ApplyApplied, outcome)

	got, _ := cache.Get("o1")
	assert.Equal(t, int64(7), got.Version)
}

func TestCache_ApplyRemoteOptimisticEntry(t *testing.T) {
	t.Run("older than base is discarded", func(t *testing.T) {
		cache := testCache()
		require.NoError(t, cache.PutOptimistic(entity("o1", 4, nil), 4, "tok"))

		outcome, _ := cache.ApplyRemote("orders", entity("o1", 2, nil), nil, false)
		assert.Equal(t, ApplyStale, outcome)

		entry, ok := cache.GetEntry("o1")
		require.True(t, ok)
		assert.Equal(t, StateOptimistic, entry.State)
	})

	t.Run("newer than base is a conflict", func(t *testing.T) {
		cache := testCache()
		require.NoError(t, cache.PutOptimistic(entity("o1", 4, map[string]any{"status": "mine"}), 4, "tok"))

		outcome, local := cache.ApplyRemote("orders", entity("o1", 6, map[string]any{"status": "theirs"}), nil, false)
		assert.Equal(t, ApplyConflict, outcome)
		assert.Equal(t, "mine", local.Entity.Fields["status"])
		assert.Equal(t, int64(4), local.BaseVersion)

		// The optimistic entry must survive untouched.
		entry, _ := cache.GetEntry("o1")
		assert.Equal(t, StateOptimistic, entry.State)
		assert.Equal(t, "mine", entry.Entity.Fields["status"])
	})
}

func TestCache_ConfirmWithStaleTokenIsNoOp(t *testing.T) {
	cache := testCache()
	require.NoError(t, cache.PutOptimistic(entity("o1", 1, nil), 1, "tok-a"))

	// A remote delete cleared the entry and its token.
	cache.Remove("orders", "o1")

	applied := cache.Confirm("orders", entity("o1", 2, nil), "tok-a", nil, false)
	assert.False(t, applied)
	_, ok := cache.Get("o1")
	assert.False(t, ok)
}

func TestCache_RollbackRestoresSnapshotExactly(t *testing.T) {
	cache := testCache()
	original := entity("o1", 3, map[string]any{"status": "open", "note": "x"})
	cache.PutConfirmed("orders", original, nil, true)
	snapshot, _ := cache.GetEntry("o1")

	require.NoError(t, cache.PutOptimistic(entity("o1", 3, map[string]any{"status": "closed"}), 3, "tok"))
	require.True(t, cache.Rollback("o1", &snapshot, "tok"))

	got, ok := cache.Get("o1")
	require.True(t, ok)
	assert.Equal(t, original.Version, got.Version)
	assert.Equal(t, original.Fields, got.Fields)
	entry, _ := cache.GetEntry("o1")
	assert.Equal(t, StateConfirmed, entry.State)
}

func TestCache_RollbackAbsentSnapshotRemovesEntry(t *testing.T) {
	cache := testCache()
	require.NoError(t, cache.PutOptimistic(entity("o9", 0, nil), 0, "tok"))
	require.True(t, cache.Rollback("o9", nil, "tok"))

	_, ok := cache.Get("o9")
	assert.False(t, ok)

	// A second rollback with the same token finds nothing to do.
	assert.False(t, cache.Rollback("o9", nil, "tok"))
}

func TestCache_ViewInvalidationPrecision(t *testing.T) {
	cache := testCache()
	list := ListView("orders")
	count := CountView("orders", "status")
	byCustomer := FilteredView("orders", "by-customer", "c1")
	for _, key := range []ViewKey{list, count, byCustomer} {
		cache.PutView(CollectionView{Key: key, IDs: []string{"o1"}})
	}

	// Update touching only "note": count (status) and by-customer (customer)
	// stay valid, the unconditional list is invalidated.
	cache.InvalidateAffected("orders", []string{"note"}, false)

	_, ok := cache.GetView(count)
	assert.True(t, ok, "status count must survive a note-only update")
	_, ok = cache.GetView(byCustomer)
	assert.True(t, ok, "customer view must survive a note-only update")
	_, ok = cache.GetView(list)
	assert.False(t, ok, "field-insensitive list is invalidated by any update")
}

func TestCache_MembershipChangeInvalidatesMembershipViews(t *testing.T) {
	cache := testCache()
	cache.Registry().Register(ViewKey{Table: "orders", Name: "total"}, WithoutMembership())
	count := CountView("orders", "status")
	total := ViewKey{Table: "orders", Name: "total"}
	cache.PutView(CollectionView{Key: count})
	cache.PutView(CollectionView{Key: total})

	cache.InvalidateAffected("orders", nil, true)

	_, ok := cache.GetView(count)
	assert.False(t, ok)
	_, ok = cache.GetView(total)
	assert.True(t, ok, "membership-exempt view must survive inserts/deletes")
}

func TestCache_UnknownChangedFieldsInvalidateEverything(t *testing.T) {
	cache := testCache()
	count := CountView("orders", "status")
	cache.PutView(CollectionView{Key: count})

	cache.InvalidateAffected("orders", nil, false)

	_, ok := cache.GetView(count)
	assert.False(t, ok)
}

func TestCache_PutViewPreservesUpdateCounter(t *testing.T) {
	cache := testCache()
	list := ListView("orders")
	cache.PutView(CollectionView{Key: list, IDs: []string{"o1"}})
	cache.InvalidateView(list)
	cache.PutView(CollectionView{Key: list, IDs: []string{"o1", "o2"}})

	view, ok := cache.GetView(list)
	require.True(t, ok)
	assert.Equal(t, 1, view.UpdateCount)
}

func TestCache_EvictEntriesSkipsPinnedAndOptimistic(t *testing.T) {
	cache := testCache()
	cache.PutConfirmed("orders", entity("old", 1, nil), nil, true)
	cache.PutConfirmed("orders", entity("pinned", 1, nil), nil, true)
	cache.Pin("pinned")
	require.NoError(t, cache.PutOptimistic(entity("inflight", 1, nil), 1, "tok"))

	evicted := cache.EvictEntriesOlderThan(time.Now().Add(time.Minute))
	assert.Equal(t, 1, evicted)

	_, ok := cache.Get("old")
	assert.False(t, ok)
	_, ok = cache.Get("pinned")
	assert.True(t, ok)
	_, ok = cache.Get("inflight")
	assert.True(t, ok)
}

func TestCache_EvictZeroUpdateViews(t *testing.T) {
	cache := testCache()
	cache.PutView(CollectionView{Key: FilteredView("orders", "by-customer", "c1"), Scope: "orders-screen"})
	cache.PutView(CollectionView{Key: CountView("orders", "status"), Scope: "orders-screen"})

	// The count view saw a real status update; the abandoned customer search
	// never did.
	cache.InvalidateAffected("orders", []string{"status"}, false)
	cache.PutView(CollectionView{Key: CountView("orders", "status"), Scope: "orders-screen"})

	evicted := cache.EvictZeroUpdateViews("orders-screen")
	assert.Equal(t, 1, evicted)
	_, ok := cache.GetView(CountView("orders", "status"))
	assert.True(t, ok)
	_, ok = cache.GetView(FilteredView("orders", "by-customer", "c1"))
	assert.False(t, ok)
}

func TestCache_ShutdownDrainsMutations(t *testing.T) {
	cache := testCache()
	cache.BeginMutation()

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		done <- cache.Shutdown(ctx)
	}()

	time.Sleep(20 * time.Millisecond)
	cache.EndMutation()
	require.NoError(t, <-done)

	err := cache.PutOptimistic(entity("o1", 1, nil), 1, "tok")
	assert.Error(t, err)
}
