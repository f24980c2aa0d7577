package entitykit

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	kiterr "github.com/c0deZ3R0/go-entity-kit/errors"
)

// ConflictRecord pairs a locally mutated entity with a newer remote version of
// the same entity. Each record is resolved exactly once.
type ConflictRecord struct {
	ID          string    `json:"id"`
	EntityID    string    `json:"entity_id"`
	Local       Entity    `json:"local"`
	Remote      Entity    `json:"remote"`
	BaseVersion int64     `json:"base_version"`
	DetectedAt  time.Time `json:"detected_at"`

	// AutoResolved marks records created already settled, e.g. an
	// authoritative remote delete beating a local edit. They exist for
	// observability only.
	AutoResolved bool   `json:"auto_resolved"`
	Decision     string `json:"decision,omitempty"`

	resolved bool
}

// Strategy selects how an explicit resolution converges local and remote.
type Strategy int

const (
	// StrategyLocal keeps the local entity and re-pushes it as a fresh
	// mutation. The re-push may itself generate a new conflict.
	StrategyLocal Strategy = iota

	// StrategyRemote discards local changes and confirms the remote entity.
	StrategyRemote

	// StrategyMerge applies a caller-supplied merge function and pushes the
	// merged result so the server converges too.
	StrategyMerge
)

func (s Strategy) String() string {
	switch s {
	case StrategyLocal:
		return "local"
	case StrategyRemote:
		return "remote"
	case StrategyMerge:
		return "merge"
	default:
		return "unknown"
	}
}

// AutoStrategy selects non-interactive resolution.
type AutoStrategy int

const (
	// NewestWins picks the side with the newer version; the shared comparator
	// prefers remote on ties.
	NewestWins AutoStrategy = iota
	LocalWins
	RemoteWins
)

// MergeFunc combines local and remote into the entity both sides converge to.
type MergeFunc func(local, remote Entity) Entity

// ConflictResolver owns the registry of pending conflicts and applies
// resolution strategies against the cache and coordinator.
type ConflictResolver struct {
	mu      sync.RWMutex
	records map[string]*ConflictRecord

	cache       *CacheHandle
	coordinator *Coordinator
	table       string
	logger      *slog.Logger
	metrics     MetricsCollector
	subs        []chan int // pending-count notifications
}

// NewConflictResolver creates a resolver bound to the cache and coordinator.
func NewConflictResolver(cache *CacheHandle, coordinator *Coordinator, table string, logger *slog.Logger, metrics MetricsCollector) *ConflictResolver {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = &NoOpMetricsCollector{}
	}
	return &ConflictResolver{
		records:     make(map[string]*ConflictRecord),
		cache:       cache,
		coordinator: coordinator,
		table:       table,
		logger:      logger.With(slog.String("component", "resolver")),
		metrics:     metrics,
	}
}

// Record registers a detected conflict and pins the entity so the staleness
// policy cannot evict it while the decision is pending. Returns the record id.
func (r *ConflictResolver) Record(local, remote Entity, baseVersion int64) string {
	rec := &ConflictRecord{
		ID:          uuid.NewString(),
		EntityID:    local.ID,
		Local:       local.Clone(),
		Remote:      remote.Clone(),
		BaseVersion: baseVersion,
		DetectedAt:  time.Now(),
	}
	r.mu.Lock()
	r.records[rec.ID] = rec
	r.mu.Unlock()

	r.cache.Pin(local.ID)
	r.metrics.RecordConflictDetected()
	r.logger.Info("conflict recorded",
		"conflict_id", rec.ID,
		"entity_id", rec.EntityID,
		"local_version", local.Version,
		"remote_version", remote.Version)
	r.notifyPending()
	return rec.ID
}

// RecordAutoResolved registers an already-settled conflict (remote delete wins
// over a local edit) for observability.
func (r *ConflictResolver) RecordAutoResolved(local Entity, decision string) string {
	rec := &ConflictRecord{
		ID:           uuid.NewString(),
		EntityID:     local.ID,
		Local:        local.Clone(),
		DetectedAt:   time.Now(),
		AutoResolved: true,
		Decision:     decision,
		resolved:     true,
	}
	r.mu.Lock()
	r.records[rec.ID] = rec
	r.mu.Unlock()
	r.metrics.RecordConflictResolved(decision)
	r.logger.Info("conflict auto-resolved", "conflict_id", rec.ID, "entity_id", rec.EntityID, "decision", decision)
	return rec.ID
}

// Pending returns the unresolved conflict records, oldest first.
func (r *ConflictResolver) Pending() []ConflictRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []ConflictRecord
	for _, rec := range r.records {
		if !rec.resolved {
			out = append(out, *rec)
		}
	}
	sortRecordsByDetection(out)
	return out
}

// PendingCount returns the number of unresolved conflicts.
func (r *ConflictResolver) PendingCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, rec := range r.records {
		if !rec.resolved {
			n++
		}
	}
	return n
}

// Get returns a record by id.
func (r *ConflictResolver) Get(conflictID string) (ConflictRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[conflictID]
	if !ok {
		return ConflictRecord{}, false
	}
	return *rec, true
}

// Resolve consumes a conflict record with the given strategy. Resolving an
// already-consumed record returns KindAlreadyResolved and leaves the cache
// untouched.
func (r *ConflictResolver) Resolve(ctx context.Context, conflictID string, strategy Strategy, mergeFn MergeFunc) (Entity, error) {
	const op = kiterr.Op("resolver.Resolve")

	rec, err := r.consume(conflictID, op)
	if err != nil {
		return Entity{}, err
	}

	var result Entity
	switch strategy {
	case StrategyRemote:
		result = rec.Remote
		r.cache.PutConfirmed(r.table, result, nil, false)
	case StrategyLocal:
		result, err = r.push(ctx, rec.Local)
	case StrategyMerge:
		if mergeFn == nil {
			r.unconsume(conflictID)
			return Entity{}, kiterr.E(op, kiterr.Component("resolver"), kiterr.KindInvalid,
				"merge strategy requires a merge function")
		}
		merged := mergeFn(rec.Local, rec.Remote)
		merged.ID = rec.EntityID
		r.cache.PutConfirmed(r.table, merged, nil, false)
		result, err = r.push(ctx, merged)
	default:
		r.unconsume(conflictID)
		return Entity{}, kiterr.E(op, kiterr.Component("resolver"), kiterr.KindInvalid, "unknown strategy")
	}
	if err != nil {
		// A failed re-push resolved nothing; the record stays pending and
		// pinned so the caller can retry once the remote recovers.
		r.unconsume(conflictID)
		return Entity{}, err
	}

	r.finish(conflictID, strategy.String())
	return result, nil
}

// AutoResolve consumes a conflict record without caller interaction.
func (r *ConflictResolver) AutoResolve(ctx context.Context, conflictID string, strategy AutoStrategy) (Entity, error) {
	const op = kiterr.Op("resolver.AutoResolve")

	rec, err := r.consume(conflictID, op)
	if err != nil {
		return Entity{}, err
	}

	var result Entity
	var decision string
	switch strategy {
	case NewestWins:
		// Newest prefers remote on equal versions; the server is
		// authoritative when clocks disagree.
		winner := Newest(rec.Local, rec.Remote)
		if CompareVersions(winner, rec.Remote) == 0 {
			result = rec.Remote
			r.cache.PutConfirmed(r.table, result, nil, false)
			decision = "auto_newest_remote"
		} else {
			result, err = r.push(ctx, rec.Local)
			decision = "auto_newest_local"
		}
	case RemoteWins:
		result = rec.Remote
		r.cache.PutConfirmed(r.table, result, nil, false)
		decision = "auto_remote"
	case LocalWins:
		result, err = r.push(ctx, rec.Local)
		decision = "auto_local"
	default:
		r.unconsume(conflictID)
		return Entity{}, kiterr.E(op, kiterr.Component("resolver"), kiterr.KindInvalid, "unknown auto strategy")
	}
	if err != nil {
		r.unconsume(conflictID)
		return Entity{}, err
	}

	r.finish(conflictID, decision)
	return result, nil
}

// Subscribe returns a channel receiving the pending-conflict count whenever it
// changes. The channel is buffered; slow consumers miss intermediate counts,
// never the latest.
func (r *ConflictResolver) Subscribe() <-chan int {
	ch := make(chan int, 1)
	r.mu.Lock()
	r.subs = append(r.subs, ch)
	r.mu.Unlock()
	return ch
}

// Purge drops resolved records older than cutoff.
func (r *ConflictResolver) Purge(cutoff time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, rec := range r.records {
		if rec.resolved && rec.DetectedAt.Before(cutoff) {
			delete(r.records, id)
			n++
		}
	}
	return n
}

// consume atomically claims an unresolved record.
func (r *ConflictResolver) consume(conflictID string, op kiterr.Op) (ConflictRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[conflictID]
	if !ok {
		return ConflictRecord{}, kiterr.E(op, kiterr.Component("resolver"), kiterr.KindNotFound,
			"conflict record not found")
	}
	if rec.resolved {
		return ConflictRecord{}, kiterr.E(op, kiterr.Component("resolver"), kiterr.KindAlreadyResolved,
			"conflict already resolved")
	}
	rec.resolved = true
	return *rec, nil
}

// unconsume releases a claim when resolution did not complete (structural
// error or failed re-push) so the record stays retryable.
func (r *ConflictResolver) unconsume(conflictID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.records[conflictID]; ok {
		rec.resolved = false
	}
}

func (r *ConflictResolver) finish(conflictID, decision string) {
	r.mu.Lock()
	rec := r.records[conflictID]
	var entityID string
	if rec != nil {
		rec.Decision = decision
		entityID = rec.EntityID
	}
	r.mu.Unlock()

	if entityID != "" {
		r.cache.Unpin(entityID)
	}
	r.metrics.RecordConflictResolved(decision)
	r.logger.Info("conflict resolved", "conflict_id", conflictID, "decision", decision)
	r.notifyPending()
}

// push re-sends an entity's fields through the coordinator so the server
// converges on the chosen state.
func (r *ConflictResolver) push(ctx context.Context, e Entity) (Entity, error) {
	if r.coordinator == nil {
		return Entity{}, kiterr.E(kiterr.Op("resolver.push"), kiterr.Component("resolver"),
			kiterr.KindInvalid, "no coordinator configured for re-push strategies")
	}
	return r.coordinator.Update(ctx, e.ID, e.Fields)
}

func (r *ConflictResolver) notifyPending() {
	count := r.PendingCount()
	r.mu.RLock()
	subs := append([]chan int(nil), r.subs...)
	r.mu.RUnlock()
	for _, ch := range subs {
		// Replace a stale buffered value rather than blocking.
		select {
		case ch <- count:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- count:
			default:
			}
		}
	}
}

func sortRecordsByDetection(recs []ConflictRecord) {
	sort.Slice(recs, func(i, j int) bool {
		return recs[i].DetectedAt.Before(recs[j].DetectedAt)
	})
}
