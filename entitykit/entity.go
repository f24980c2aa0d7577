// Package entitykit implements the entity cache-coherence and batch-mutation
// engine: a keyed in-memory cache of versioned entities with optimistic
// speculative writes and rollback, a chunked bulk mutation executor with
// progress reporting and partial-failure tolerance, a change-feed reconciler
// with conflict detection, and a staleness policy driving refresh/eviction.
package entitykit

import (
	"time"
)

// Entity is an opaque versioned record identified by a stable ID.
// Identity is by ID; equality for conflict purposes is by Version.
type Entity struct {
	ID        string         `json:"id"`
	Version   int64          `json:"version"`
	UpdatedAt time.Time      `json:"updated_at"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Clone returns a copy of the entity with its own Fields map so cache
// snapshots cannot be mutated through aliasing.
func (e Entity) Clone() Entity {
	c := e
	if e.Fields != nil {
		c.Fields = make(map[string]any, len(e.Fields))
		for k, v := range e.Fields {
			c.Fields[k] = v
		}
	}
	return c
}

// Field returns a named field from the payload.
func (e Entity) Field(name string) (any, bool) {
	if e.Fields == nil {
		return nil, false
	}
	v, ok := e.Fields[name]
	return v, ok
}

// ChangedFields returns the names of fields whose values differ between e and
// other, including fields present on only one side.
func (e Entity) ChangedFields(other Entity) []string {
	var changed []string
	for k, v := range e.Fields {
		ov, ok := other.Fields[k]
		if !ok || ov != v {
			changed = append(changed, k)
		}
	}
	for k := range other.Fields {
		if _, ok := e.Fields[k]; !ok {
			changed = append(changed, k)
		}
	}
	return changed
}

// EntryState describes the lifecycle state of a cache entry.
type EntryState int

const (
	// StateConfirmed means the entry reflects the authoritative remote value.
	StateConfirmed EntryState = iota

	// StateOptimistic means the entry is a speculative local write awaiting
	// remote confirmation.
	StateOptimistic

	// StateStale means the entry is readable but due for refresh.
	StateStale

	// StateEvicted is a tombstone used transiently during removal.
	StateEvicted
)

func (s EntryState) String() string {
	switch s {
	case StateConfirmed:
		return "confirmed"
	case StateOptimistic:
		return "optimistic"
	case StateStale:
		return "stale"
	case StateEvicted:
		return "evicted"
	default:
		return "unknown"
	}
}

// CacheEntry wraps an Entity with cache bookkeeping. At most one CacheEntry
// exists per id at any time.
type CacheEntry struct {
	Entity    Entity
	State     EntryState
	FetchedAt time.Time

	// BaseVersion is, for optimistic entries, the confirmed version the
	// speculation was derived from (0 when the entity was absent).
	BaseVersion int64
}
