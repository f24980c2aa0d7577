package entitykit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	kiterr "github.com/c0deZ3R0/go-entity-kit/errors"
)

// ApplyResult is the outcome of offering a remote entity to the cache.
type ApplyResult int

const (
	// ApplyApplied means the remote entity was stored.
	ApplyApplied ApplyResult = iota

	// ApplyStale means the remote entity was older than the cached state and
	// was discarded.
	ApplyStale

	// ApplyConflict means an optimistic entry blocks the write; the caller
	// must hand the pair to the conflict resolver instead of overwriting.
	ApplyConflict
)

type viewEntry struct {
	view  CollectionView
	valid bool

	// updates counts invalidations caused by real change events. A view with
	// zero updates never saw the underlying data move.
	updates int
}

// CacheHandle is the single shared mutable resource of the engine: the keyed
// entity store plus cached collection views. All writes serialize under one
// writer lock; reads proceed concurrently. No method suspends while holding
// the lock — components snapshot, release, await remote calls, then re-enter.
//
// The handle is passed explicitly to every component constructor; there is no
// package-level singleton.
type CacheHandle struct {
	mu       sync.RWMutex
	entries  map[string]*CacheEntry
	views    map[ViewKey]*viewEntry
	registry *ViewRegistry
	inflight map[string]string // entity id -> mutation token
	pins     map[string]int    // entity id -> pin count
	closed   bool

	muts sync.WaitGroup // in-flight optimistic mutations, drained on Shutdown

	logger  *slog.Logger
	metrics MetricsCollector
	now     func() time.Time
}

// NewCacheHandle creates a cache bound to a view registry. A nil registry gets
// an empty one; nil logger/metrics get no-op defaults.
func NewCacheHandle(registry *ViewRegistry, logger *slog.Logger, metrics MetricsCollector) *CacheHandle {
	if registry == nil {
		registry = NewViewRegistry()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = &NoOpMetricsCollector{}
	}
	return &CacheHandle{
		entries:  make(map[string]*CacheEntry),
		views:    make(map[ViewKey]*viewEntry),
		registry: registry,
		inflight: make(map[string]string),
		pins:     make(map[string]int),
		logger:   logger.With(slog.String("component", "cache")),
		metrics:  metrics,
		now:      time.Now,
	}
}

// Registry returns the view registry the cache invalidates against.
func (c *CacheHandle) Registry() *ViewRegistry { return c.registry }

// Get returns the cached entity for id. Optimistic entries are returned so
// reads observe speculative writes before the remote call resolves.
func (c *CacheHandle) Get(id string) (Entity, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[id]
	c.metrics.RecordCacheAccess(ok)
	if !ok || entry.State == StateEvicted {
		return Entity{}, false
	}
	return entry.Entity.Clone(), true
}

// GetEntry returns the full cache entry for id, including state bookkeeping.
func (c *CacheHandle) GetEntry(id string) (CacheEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[id]
	if !ok {
		return CacheEntry{}, false
	}
	snap := *entry
	snap.Entity = entry.Entity.Clone()
	return snap, true
}

// PutConfirmed stores an authoritative entity unconditionally, invalidating
// the views affected by the given field changes (nil changedFields means
// unknown, which invalidates every view on the table).
func (c *CacheHandle) PutConfirmed(table string, e Entity, changedFields []string, membership bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[e.ID] = &CacheEntry{Entity: e.Clone(), State: StateConfirmed, FetchedAt: c.now()}
	delete(c.inflight, e.ID)
	c.invalidateAffectedLocked(table, changedFields, membership)
}

// PutOptimistic stores a speculative entity and records its in-flight mutation
// token. Fails once the handle is shut down.
func (c *CacheHandle) PutOptimistic(e Entity, baseVersion int64, token string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return kiterr.E(kiterr.Op("cache.PutOptimistic"), kiterr.Component("cache"),
			kiterr.KindInvalid, "cache handle is shut down")
	}
	c.entries[e.ID] = &CacheEntry{
		Entity:      e.Clone(),
		State:       StateOptimistic,
		FetchedAt:   c.now(),
		BaseVersion: baseVersion,
	}
	c.inflight[e.ID] = token
	return nil
}

// Confirm commits the server-returned entity for an optimistic write. The
// commit only lands when token still matches the in-flight token for the id;
// a cleared token (remote delete won, or rollback already happened) makes the
// confirmation a no-op. Returns whether the commit was applied.
func (c *CacheHandle) Confirm(table string, e Entity, token string, changedFields []string, membership bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inflight[e.ID] != token {
		c.logger.Debug("dropping confirmation with stale token", "id", e.ID)
		return false
	}
	delete(c.inflight, e.ID)
	c.entries[e.ID] = &CacheEntry{Entity: e.Clone(), State: StateConfirmed, FetchedAt: c.now()}
	c.invalidateAffectedLocked(table, changedFields, membership)
	return true
}

// Rollback restores the pre-mutation snapshot for a failed optimistic write.
// A nil snapshot means the entity was absent before the mutation and the
// speculative entry is removed. Dependent views are not touched: nothing
// external changed. The rollback only applies while token is still current.
func (c *CacheHandle) Rollback(id string, snapshot *CacheEntry, token string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inflight[id] != token {
		return false
	}
	delete(c.inflight, id)
	if snapshot == nil {
		delete(c.entries, id)
		return true
	}
	restored := *snapshot
	restored.Entity = snapshot.Entity.Clone()
	c.entries[id] = &restored
	return true
}

// ApplyRemote offers a remote entity (change feed or fetch result) to the
// cache under the explicit state transition rules:
//
//   - no entry, or a confirmed/stale entry that is not newer: store Confirmed
//   - confirmed entry strictly newer than e: discard (stale feed event)
//   - optimistic entry with e older than its base version: discard
//   - optimistic entry otherwise: conflict; the entry is left untouched
func (c *CacheHandle) ApplyRemote(table string, e Entity, changedFields []string, membership bool) (ApplyResult, CacheEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[e.ID]
	if ok && entry.State == StateOptimistic {
		if e.Version < entry.BaseVersion {
			return ApplyStale, CacheEntry{}
		}
		snap := *entry
		snap.Entity = entry.Entity.Clone()
		return ApplyConflict, snap
	}
	if ok && CompareVersions(e, entry.Entity) < 0 {
		// Older than what we already confirmed; a committed mutation must not
		// be overwritten by a lagging feed event.
		return ApplyStale, CacheEntry{}
	}
	c.entries[e.ID] = &CacheEntry{Entity: e.Clone(), State: StateConfirmed, FetchedAt: c.now()}
	c.invalidateAffectedLocked(table, changedFields, membership)
	return ApplyApplied, CacheEntry{}
}

// Remove deletes the entry for id and invalidates membership-sensitive views.
// It returns the removed entry, and clears any in-flight token so a late
// confirmation for the id is dropped.
func (c *CacheHandle) Remove(table, id string) (CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[id]
	if !ok {
		return CacheEntry{}, false
	}
	snap := *entry
	snap.Entity = entry.Entity.Clone()
	entry.State = StateEvicted
	delete(c.entries, id)
	delete(c.inflight, id)
	c.invalidateAffectedLocked(table, nil, true)
	return snap, true
}

// RemoveOptimistic removes the entry speculatively for a local delete,
// recording the mutation token. Views are not invalidated until the delete is
// confirmed; the returned snapshot supports rollback.
func (c *CacheHandle) RemoveOptimistic(id, token string) (CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[id]
	if !ok {
		c.inflight[id] = token
		return CacheEntry{}, false
	}
	snap := *entry
	snap.Entity = entry.Entity.Clone()
	delete(c.entries, id)
	c.inflight[id] = token
	return snap, true
}

// ConfirmRemove commits a speculative removal, invalidating membership views.
// No-ops when token is no longer current.
func (c *CacheHandle) ConfirmRemove(table, id, token string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inflight[id] != token {
		return false
	}
	delete(c.inflight, id)
	if entry, ok := c.entries[id]; ok {
		entry.State = StateEvicted
		delete(c.entries, id)
	}
	c.invalidateAffectedLocked(table, nil, true)
	return true
}

// MarkStale flags an entry as due for refresh without dropping its data.
func (c *CacheHandle) MarkStale(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.entries[id]; ok && entry.State == StateConfirmed {
		entry.State = StateStale
	}
}

// GetView returns the cached collection view for key if present and valid.
func (c *CacheHandle) GetView(key ViewKey) (CollectionView, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ve, ok := c.views[key]
	if !ok || !ve.valid {
		return CollectionView{}, false
	}
	view := ve.view
	view.IDs = append([]string(nil), ve.view.IDs...)
	view.UpdateCount = ve.updates
	return view, true
}

// PutView stores a recomputed collection view. The update counter survives
// recomputation so abandoned queries stay distinguishable.
func (c *CacheHandle) PutView(view CollectionView) {
	c.mu.Lock()
	defer c.mu.Unlock()
	updates := 0
	if prev, ok := c.views[view.Key]; ok {
		updates = prev.updates
	}
	view.IDs = append([]string(nil), view.IDs...)
	if view.FetchedAt.IsZero() {
		view.FetchedAt = c.now()
	}
	c.views[view.Key] = &viewEntry{view: view, valid: true, updates: updates}
}

// InvalidateView marks a view for lazy recomputation on next read.
func (c *CacheHandle) InvalidateView(key ViewKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidateViewLocked(key)
}

// InvalidateViewsMatching invalidates every view whose key satisfies pred.
func (c *CacheHandle) InvalidateViewsMatching(pred func(ViewKey) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for key, ve := range c.views {
		if ve.valid && pred(key) {
			c.invalidateViewLocked(key)
			n++
		}
	}
	return n
}

// InvalidateAffected invalidates the views the registry maps to a mutation.
func (c *CacheHandle) InvalidateAffected(table string, changedFields []string, membership bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidateAffectedLocked(table, changedFields, membership)
}

func (c *CacheHandle) invalidateAffectedLocked(table string, changedFields []string, membership bool) {
	for _, key := range c.registry.Affected(table, changedFields, membership) {
		c.invalidateViewLocked(key)
	}
}

func (c *CacheHandle) invalidateViewLocked(key ViewKey) {
	ve, ok := c.views[key]
	if !ok {
		return
	}
	if ve.valid {
		ve.valid = false
	}
	ve.updates++
}

// Pin prevents an entry from being evicted by the staleness policy. Pins are
// reference counted; open conflicts and in-flight mutations both pin.
func (c *CacheHandle) Pin(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pins[id]++
}

// Unpin releases one pin reference.
func (c *CacheHandle) Unpin(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pins[id] <= 1 {
		delete(c.pins, id)
		return
	}
	c.pins[id]--
}

// EvictEntriesOlderThan drops confirmed/stale entries fetched before cutoff.
// Pinned and optimistic entries survive. Returns the number evicted.
func (c *CacheHandle) EvictEntriesOlderThan(cutoff time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for id, entry := range c.entries {
		if entry.State == StateOptimistic {
			continue
		}
		if _, pinned := c.pins[id]; pinned {
			continue
		}
		if _, inflight := c.inflight[id]; inflight {
			continue
		}
		if entry.FetchedAt.Before(cutoff) {
			entry.State = StateEvicted
			delete(c.entries, id)
			n++
		}
	}
	if n > 0 {
		c.metrics.RecordEvictions(n, 0)
	}
	return n
}

// EvictZeroUpdateViews drops views scoped to scope that never received a real
// update since creation. Returns the number evicted.
func (c *CacheHandle) EvictZeroUpdateViews(scope string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for key, ve := range c.views {
		if ve.view.Scope == scope && ve.updates == 0 {
			delete(c.views, key)
			n++
		}
	}
	if n > 0 {
		c.metrics.RecordEvictions(0, n)
	}
	return n
}

// BeginMutation registers an in-flight optimistic mutation for shutdown
// draining. Always pair with EndMutation.
func (c *CacheHandle) BeginMutation() { c.muts.Add(1) }

// EndMutation marks an in-flight mutation as settled.
func (c *CacheHandle) EndMutation() { c.muts.Done() }

// PendingMutations returns the number of in-flight optimistic writes.
func (c *CacheHandle) PendingMutations() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.inflight)
}

// Len returns the number of cached entities.
func (c *CacheHandle) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Clear drops every entry and view. In-flight tokens are cleared, so pending
// confirmations will be dropped.
func (c *CacheHandle) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*CacheEntry)
	c.views = make(map[ViewKey]*viewEntry)
	c.inflight = make(map[string]string)
}

// Shutdown stops accepting optimistic writes and waits for in-flight
// mutations to settle, or for ctx to expire.
func (c *CacheHandle) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.muts.Wait()
		close(done)
	}()
	select {
	case <-done:
		c.logger.Info("cache handle drained")
		return nil
	case <-ctx.Done():
		return kiterr.FromContext(ctx.Err(), "cache.Shutdown", "cache")
	}
}
