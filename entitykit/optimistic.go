package entitykit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	kiterr "github.com/c0deZ3R0/go-entity-kit/errors"
)

// Transform produces the speculative entity from the current cached state.
// current is nil when the entity is absent from the cache.
type Transform func(current *Entity) Entity

// RemoteCall performs the remote side of a mutation and returns the
// authoritative entity.
type RemoteCall func(ctx context.Context) (Entity, error)

// idLocks serializes mutations per entity id. A second mutation on an id
// waits for the first to commit or roll back instead of racing it; without
// this a slow failing write can clobber a faster successful one.
type idLocks struct {
	mu    sync.Mutex
	locks map[string]*idLock
}

type idLock struct {
	sem  chan struct{}
	refs int
}

func newIDLocks() *idLocks {
	return &idLocks{locks: make(map[string]*idLock)}
}

func (l *idLocks) acquire(ctx context.Context, id string) error {
	l.mu.Lock()
	lock, ok := l.locks[id]
	if !ok {
		lock = &idLock{sem: make(chan struct{}, 1)}
		l.locks[id] = lock
	}
	lock.refs++
	l.mu.Unlock()

	select {
	case lock.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		l.release(id, false)
		return ctx.Err()
	}
}

func (l *idLocks) release(id string, held bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lock, ok := l.locks[id]
	if !ok {
		return
	}
	if held {
		<-lock.sem
	}
	lock.refs--
	if lock.refs == 0 {
		delete(l.locks, id)
	}
}

// Coordinator applies speculative writes to the cache before remote
// confirmation, snapshots prior state for rollback, and commits or rolls back
// once the remote call settles. Mutations on the same id serialize; the cache
// write lock is never held across a remote call.
type Coordinator struct {
	cache   *CacheHandle
	remote  RemoteStore
	table   string
	locks   *idLocks
	timeout time.Duration
	logger  *slog.Logger
	metrics MetricsCollector
}

// NewCoordinator creates a coordinator bound to a cache handle and table.
// timeout bounds each remote call; zero means no coordinator-imposed bound.
func NewCoordinator(cache *CacheHandle, remote RemoteStore, table string, timeout time.Duration, logger *slog.Logger, metrics MetricsCollector) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = &NoOpMetricsCollector{}
	}
	return &Coordinator{
		cache:   cache,
		remote:  remote,
		table:   table,
		locks:   newIDLocks(),
		timeout: timeout,
		logger:  logger.With(slog.String("component", "coordinator")),
		metrics: metrics,
	}
}

// Mutate runs the optimistic write protocol for id:
//
//  1. serialize on id, snapshot the current cached entry (or "absent")
//  2. apply transform and put the speculative entity synchronously, so reads
//     observe it before the remote call resolves
//  3. await call (this is the only suspension point)
//  4. success: commit the server-returned entity and invalidate views
//  5. failure: restore the snapshot exactly (or remove if absent); views are
//     untouched because nothing external changed
//
// Cancellation of ctx affects only whether the caller keeps waiting: once the
// speculative entry is in the cache, commit/rollback always completes.
func (co *Coordinator) Mutate(ctx context.Context, id string, transform Transform, call RemoteCall) (Entity, error) {
	const op = kiterr.Op("coordinator.Mutate")
	start := time.Now()

	if err := co.locks.acquire(ctx, id); err != nil {
		return Entity{}, kiterr.FromContext(err, op, "coordinator")
	}
	defer co.locks.release(id, true)

	co.cache.BeginMutation()
	defer co.cache.EndMutation()

	// Snapshot under the cache's own lock; released before any suspension.
	var snapshot *CacheEntry
	var current *Entity
	baseVersion := int64(0)
	if entry, ok := co.cache.GetEntry(id); ok {
		snap := entry
		snapshot = &snap
		cur := entry.Entity.Clone()
		current = &cur
		baseVersion = entry.Entity.Version
	}

	speculative := transform(current)
	speculative.ID = id
	token := uuid.NewString()
	if err := co.cache.PutOptimistic(speculative, baseVersion, token); err != nil {
		return Entity{}, err
	}
	co.cache.Pin(id)
	defer co.cache.Unpin(id)

	callCtx := ctx
	var cancel context.CancelFunc
	if co.timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, co.timeout)
		defer cancel()
	}

	confirmed, err := call(callCtx)
	duration := time.Since(start)
	co.metrics.RecordMutation("mutate", duration, err)

	if err != nil {
		co.cache.Rollback(id, snapshot, token)
		classified := classifyRemoteError(err, op)
		co.logger.Warn("mutation rolled back",
			"id", id,
			"duration", duration,
			"error", classified)
		return Entity{}, classified
	}

	var changed []string
	if current != nil {
		changed = current.ChangedFields(confirmed)
	}
	membership := current == nil // a create changes list membership
	if !co.cache.Confirm(co.table, confirmed, token, changed, membership) {
		// Token was cleared while the call was in flight: an authoritative
		// remote delete won. Surface it as a conflict outcome.
		return Entity{}, kiterr.E(op, kiterr.Component("coordinator"), kiterr.KindConflict,
			"mutation superseded by remote delete")
	}
	co.logger.Debug("mutation committed", "id", id, "version", confirmed.Version, "duration", duration)
	return confirmed, nil
}

// Update is a convenience wrapper: optimistic field patch backed by
// RemoteStore.Update.
func (co *Coordinator) Update(ctx context.Context, id string, patch map[string]any) (Entity, error) {
	transform := func(current *Entity) Entity {
		var e Entity
		if current != nil {
			e = current.Clone()
		} else {
			e = Entity{ID: id, Fields: map[string]any{}}
		}
		if e.Fields == nil {
			e.Fields = map[string]any{}
		}
		for k, v := range patch {
			e.Fields[k] = v
		}
		e.UpdatedAt = time.Now()
		return e
	}
	return co.Mutate(ctx, id, transform, func(callCtx context.Context) (Entity, error) {
		return co.remote.Update(callCtx, co.table, id, patch)
	})
}

// Create is a convenience wrapper: optimistic insert backed by
// RemoteStore.Create. The provisional id must be supplied by the caller so
// the speculative entry is addressable before the server assigns versions.
func (co *Coordinator) Create(ctx context.Context, id string, fields map[string]any) (Entity, error) {
	transform := func(current *Entity) Entity {
		f := make(map[string]any, len(fields))
		for k, v := range fields {
			f[k] = v
		}
		return Entity{ID: id, Fields: f, UpdatedAt: time.Now()}
	}
	return co.Mutate(ctx, id, transform, func(callCtx context.Context) (Entity, error) {
		withID := make(map[string]any, len(fields)+1)
		for k, v := range fields {
			withID[k] = v
		}
		withID["id"] = id
		return co.remote.Create(callCtx, co.table, withID)
	})
}

// Delete removes the entity remotely. The cache entry is dropped up front and
// restored on failure; on success the removal is committed. Returns the
// entity as it was cached before deletion, for undo capture.
func (co *Coordinator) Delete(ctx context.Context, id string) (Entity, error) {
	const op = kiterr.Op("coordinator.Delete")
	start := time.Now()

	if err := co.locks.acquire(ctx, id); err != nil {
		return Entity{}, kiterr.FromContext(err, op, "coordinator")
	}
	defer co.locks.release(id, true)

	co.cache.BeginMutation()
	defer co.cache.EndMutation()

	// Speculative removal: reads stop observing the entity immediately, but
	// views stay valid until the remote confirms.
	token := uuid.NewString()
	snapshot, existed := co.cache.RemoveOptimistic(id, token)
	var restore *CacheEntry
	if existed {
		restore = &snapshot
	}

	callCtx := ctx
	var cancel context.CancelFunc
	if co.timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, co.timeout)
		defer cancel()
	}

	err := co.remote.Delete(callCtx, co.table, id)
	co.metrics.RecordMutation("delete", time.Since(start), err)
	if err != nil && !kiterr.IsKind(err, kiterr.KindNotFound) {
		co.cache.Rollback(id, restore, token)
		return Entity{}, classifyRemoteError(err, op)
	}
	co.cache.ConfirmRemove(co.table, id, token)
	co.logger.Debug("delete committed", "id", id)
	return snapshot.Entity, nil
}

// classifyRemoteError ensures every error leaving the coordinator carries a
// Kind; context deadline maps to Timeout so callers can retry uniformly.
func classifyRemoteError(err error, op kiterr.Op) error {
	if kiterr.KindOf(err) != "" {
		return kiterr.E(op, kiterr.Component("coordinator"), err)
	}
	return kiterr.FromContext(err, op, "coordinator")
}
