package entitykit

import (
	"context"
)

// ChangeType identifies the kind of remote change notification.
type ChangeType string

const (
	ChangeInsert ChangeType = "insert"
	ChangeUpdate ChangeType = "update"
	ChangeDelete ChangeType = "delete"
)

// ChangeEvent is a push notification from the remote store's change feed.
// Events for the same entity id arrive in order; cross-id ordering is not
// guaranteed.
type ChangeEvent struct {
	Type   ChangeType `json:"type"`
	Table  string     `json:"table"`
	Entity Entity     `json:"entity"`

	// Previous carries the prior row for updates when the feed provides it,
	// enabling field-precise view invalidation.
	Previous *Entity `json:"previous,omitempty"`
}

// Query parameterizes a collection fetch.
type Query struct {
	Filter  map[string]any
	OrderBy string
	Desc    bool
	Limit   int
	Offset  int
}

// RemoteStore is the abstract remote persistence collaborator. Implementations
// live under remote/ (sqlite, postgres, redis); the engine never assumes a
// transport. All errors should carry an errors.Kind so the coordinator and
// executor can classify them (NotFound, Validation, Network, Timeout,
// Conflict).
type RemoteStore interface {
	// FetchOne returns the entity or a KindNotFound error.
	FetchOne(ctx context.Context, table, id string) (Entity, error)

	// FetchCollection returns entities matching the query.
	FetchCollection(ctx context.Context, table string, q Query) ([]Entity, error)

	// Create persists a new entity and returns the stored row (with its
	// server-assigned version). KindValidation on rejection.
	Create(ctx context.Context, table string, fields map[string]any) (Entity, error)

	// Update applies a field patch and returns the stored row.
	// KindNotFound, KindValidation, or KindConflict on failure.
	Update(ctx context.Context, table, id string, patch map[string]any) (Entity, error)

	// Delete removes the entity. KindNotFound when it does not exist.
	Delete(ctx context.Context, table, id string) error

	// SubscribeChanges opens the push feed for a table. The returned channel
	// closes when the subscription drops; callers re-subscribe with backoff.
	SubscribeChanges(ctx context.Context, table string) (<-chan ChangeEvent, error)

	// Close releases the connection.
	Close() error
}
