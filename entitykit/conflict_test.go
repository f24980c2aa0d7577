package entitykit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kiterr "github.com/c0deZ3R0/go-entity-kit/errors"
)

func newTestResolver(remote *fakeRemote) (*ConflictResolver, *CacheHandle) {
	cache := testCache()
	co := NewCoordinator(cache, remote, "orders", 0, nil, nil)
	return NewConflictResolver(cache, co, "orders", nil, nil), cache
}

func TestResolver_RemoteStrategyConfirmsRemote(t *testing.T) {
	resolver, cache := newTestResolver(newFakeRemote())
	local := entity("o1", 4, map[string]any{"status": "mine"})
	remote := entity("o1", 6, map[string]any{"status": "theirs"})
	require.NoError(t, cache.PutOptimistic(local, 4, "tok"))

	id := resolver.Record(local, remote, 4)
	got, err := resolver.Resolve(context.Background(), id, StrategyRemote, nil)
	require.NoError(t, err)
	assert.Equal(t, "theirs", got.Fields["status"])

	entry, ok := cache.GetEntry("o1")
	require.True(t, ok)
	assert.Equal(t, StateConfirmed, entry.State)
	assert.Equal(t, int64(6), entry.Entity.Version)
	assert.Equal(t, 0, resolver.PendingCount())
}

func TestResolver_LocalStrategyRePushes(t *testing.T) {
	fr := newFakeRemote()
	fr.seed("o1", 6, map[string]any{"status": "theirs"})
	resolver, cache := newTestResolver(fr)
	local := entity("o1", 4, map[string]any{"status": "mine"})
	cache.PutConfirmed("orders", entity("o1", 6, map[string]any{"status": "theirs"}), nil, true)

	id := resolver.Record(local, entity("o1", 6, map[string]any{"status": "theirs"}), 4)
	got, err := resolver.Resolve(context.Background(), id, StrategyLocal, nil)
	require.NoError(t, err)
	assert.Equal(t, "mine", got.Fields["status"])
	assert.Greater(t, got.Version, int64(6), "re-push must produce a new server version")

	entry, _ := cache.GetEntry("o1")
	assert.Equal(t, StateConfirmed, entry.State)
	assert.Equal(t, "mine", entry.Entity.Fields["status"])
}

func TestResolver_MergeStrategy(t *testing.T) {
	fr := newFakeRemote()
	fr.seed("o1", 6, map[string]any{"status": "theirs", "note": ""})
	resolver, cache := newTestResolver(fr)
	local := entity("o1", 4, map[string]any{"status": "mine", "note": "keep"})
	remote := entity("o1", 6, map[string]any{"status": "theirs", "note": ""})
	cache.PutConfirmed("orders", remote, nil, true)

	id := resolver.Record(local, remote, 4)
	got, err := resolver.Resolve(context.Background(), id, StrategyMerge, func(l, r Entity) Entity {
		merged := r.Clone()
		merged.Fields["note"] = l.Fields["note"]
		return merged
	})
	require.NoError(t, err)
	assert.Equal(t, "theirs", got.Fields["status"])
	assert.Equal(t, "keep", got.Fields["note"])
}

func TestResolver_MergeWithoutFunctionIsRetryable(t *testing.T) {
	resolver, _ := newTestResolver(newFakeRemote())
	local := entity("o1", 4, nil)
	id := resolver.Record(local, entity("o1", 6, nil), 4)

	_, err := resolver.Resolve(context.Background(), id, StrategyMerge, nil)
	require.Error(t, err)
	assert.True(t, kiterr.IsKind(err, kiterr.KindInvalid))

	// The structural mistake must not consume the record.
	_, err = resolver.Resolve(context.Background(), id, StrategyRemote, nil)
	assert.NoError(t, err)
}

func TestResolver_FailedRePushKeepsRecordRetryable(t *testing.T) {
	fr := newFakeRemote()
	fr.seed("o1", 6, map[string]any{"s": "theirs"})
	resolver, cache := newTestResolver(fr)
	local := entity("o1", 4, map[string]any{"s": "mine"})
	cache.PutConfirmed("orders", local, nil, true)
	id := resolver.Record(local, entity("o1", 6, map[string]any{"s": "theirs"}), 4)

	fr.updateErr["o1"] = kiterr.E(kiterr.KindNetwork, "connection reset")
	_, err := resolver.Resolve(context.Background(), id, StrategyLocal, nil)
	require.Error(t, err)
	assert.True(t, kiterr.IsRetryable(err))

	// The record is still pending and the entity stays pinned.
	assert.Equal(t, 1, resolver.PendingCount())
	assert.Equal(t, 0, cache.EvictEntriesOlderThan(time.Now().Add(time.Hour)))

	// Once the remote recovers the same record resolves normally.
	delete(fr.updateErr, "o1")
	got, err := resolver.Resolve(context.Background(), id, StrategyLocal, nil)
	require.NoError(t, err)
	assert.Equal(t, "mine", got.Fields["s"])
	assert.Equal(t, 0, resolver.PendingCount())
	assert.Equal(t, 1, cache.EvictEntriesOlderThan(time.Now().Add(time.Hour)))
}

func TestResolver_FailedAutoRePushKeepsRecordRetryable(t *testing.T) {
	fr := newFakeRemote()
	fr.seed("o1", 6, map[string]any{"s": "theirs"})
	resolver, _ := newTestResolver(fr)
	local := entity("o1", 7, map[string]any{"s": "mine"})
	id := resolver.Record(local, entity("o1", 6, map[string]any{"s": "theirs"}), 6)

	fr.updateErr["o1"] = kiterr.E(kiterr.KindNetwork, "connection reset")
	_, err := resolver.AutoResolve(context.Background(), id, LocalWins)
	require.Error(t, err)
	assert.Equal(t, 1, resolver.PendingCount())

	delete(fr.updateErr, "o1")
	got, err := resolver.AutoResolve(context.Background(), id, NewestWins)
	require.NoError(t, err)
	assert.Equal(t, "mine", got.Fields["s"])
}

func TestResolver_ExactlyOnce(t *testing.T) {
	resolver, cache := newTestResolver(newFakeRemote())
	local := entity("o1", 4, map[string]any{"status": "mine"})
	remote := entity("o1", 6, map[string]any{"status": "theirs"})
	id := resolver.Record(local, remote, 4)

	_, err := resolver.Resolve(context.Background(), id, StrategyRemote, nil)
	require.NoError(t, err)

	before, _ := cache.GetEntry("o1")
	_, err = resolver.Resolve(context.Background(), id, StrategyLocal, nil)
	require.Error(t, err)
	assert.True(t, kiterr.IsKind(err, kiterr.KindAlreadyResolved))

	// The cache is untouched by the second attempt.
	after, _ := cache.GetEntry("o1")
	assert.Equal(t, before.Entity.Version, after.Entity.Version)
	assert.Equal(t, before.Entity.Fields, after.Entity.Fields)
}

func TestResolver_ResolveUnknownRecord(t *testing.T) {
	resolver, _ := newTestResolver(newFakeRemote())
	_, err := resolver.Resolve(context.Background(), "nope", StrategyRemote, nil)
	require.Error(t, err)
	assert.True(t, kiterr.IsKind(err, kiterr.KindNotFound))
}

func TestResolver_AutoResolveNewestWins(t *testing.T) {
	t.Run("remote newer", func(t *testing.T) {
		resolver, cache := newTestResolver(newFakeRemote())
		id := resolver.Record(entity("o1", 4, map[string]any{"s": "mine"}), entity("o1", 6, map[string]any{"s": "theirs"}), 4)

		got, err := resolver.AutoResolve(context.Background(), id, NewestWins)
		require.NoError(t, err)
		assert.Equal(t, "theirs", got.Fields["s"])
		entry, _ := cache.GetEntry("o1")
		assert.Equal(t, int64(6), entry.Entity.Version)
	})

	t.Run("equal versions prefer remote", func(t *testing.T) {
		resolver, cache := newTestResolver(newFakeRemote())
		ts := time.Unix(100, 0)
		local := Entity{ID: "o1", Version: 5, UpdatedAt: ts, Fields: map[string]any{"s": "mine"}}
		remote := Entity{ID: "o1", Version: 5, UpdatedAt: ts, Fields: map[string]any{"s": "theirs"}}
		id := resolver.Record(local, remote, 4)

		got, err := resolver.AutoResolve(context.Background(), id, NewestWins)
		require.NoError(t, err)
		assert.Equal(t, "theirs", got.Fields["s"])
		entry, _ := cache.GetEntry("o1")
		assert.Equal(t, "theirs", entry.Entity.Fields["s"])
	})

	t.Run("local newer re-pushes", func(t *testing.T) {
		fr := newFakeRemote()
		fr.seed("o1", 6, map[string]any{"s": "theirs"})
		resolver, _ := newTestResolver(fr)
		local := entity("o1", 7, map[string]any{"s": "mine"})
		id := resolver.Record(local, entity("o1", 6, map[string]any{"s": "theirs"}), 6)

		got, err := resolver.AutoResolve(context.Background(), id, NewestWins)
		require.NoError(t, err)
		assert.Equal(t, "mine", got.Fields["s"])
	})
}

func TestResolver_PinsEntityUntilResolved(t *testing.T) {
	resolver, cache := newTestResolver(newFakeRemote())
	local := entity("o1", 4, map[string]any{"s": "mine"})
	cache.PutConfirmed("orders", local, nil, true)
	id := resolver.Record(local, entity("o1", 6, map[string]any{"s": "theirs"}), 4)

	evicted := cache.EvictEntriesOlderThan(time.Now().Add(time.Minute))
	assert.Equal(t, 0, evicted, "conflicted entity must be pinned")

	_, err := resolver.Resolve(context.Background(), id, StrategyRemote, nil)
	require.NoError(t, err)

	evicted = cache.EvictEntriesOlderThan(time.Now().Add(time.Minute))
	assert.Equal(t, 1, evicted, "resolution releases the pin")
}

func TestResolver_SubscribeSeesPendingCount(t *testing.T) {
	resolver, _ := newTestResolver(newFakeRemote())
	ch := resolver.Subscribe()

	resolver.Record(entity("o1", 1, nil), entity("o1", 2, nil), 1)
	assert.Equal(t, 1, <-ch)
}
