package entitykit

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	kiterr "github.com/c0deZ3R0/go-entity-kit/errors"
)

// UndoKind identifies the destructive operation an UndoRecord can reverse.
type UndoKind int

const (
	// UndoDelete restores a deleted entity by re-creating it.
	UndoDelete UndoKind = iota

	// UndoUpdate restores the pre-update field values.
	UndoUpdate
)

func (k UndoKind) String() string {
	switch k {
	case UndoDelete:
		return "delete"
	case UndoUpdate:
		return "update"
	default:
		return "unknown"
	}
}

// UndoRecord captures the state needed to reverse one destructive operation.
// Records expire; undoing past the window returns KindExpired.
type UndoRecord struct {
	ID        string    `json:"id"`
	Kind      UndoKind  `json:"kind"`
	Table     string    `json:"table"`
	EntityID  string    `json:"entity_id"`
	Snapshot  Entity    `json:"snapshot"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the record's undo window has passed.
func (r UndoRecord) Expired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// UndoStore persists undo records. The in-memory store below is the default;
// undostore/bolt provides a persistent one.
type UndoStore interface {
	Save(ctx context.Context, rec UndoRecord) error
	Get(ctx context.Context, id string) (UndoRecord, error)
	Delete(ctx context.Context, id string) error

	// Prune removes records expired before now and returns how many.
	Prune(ctx context.Context, now time.Time) (int, error)
}

// MemoryUndoStore is a map-backed UndoStore. Records round-trip through json
// so callers cannot mutate stored snapshots.
type MemoryUndoStore struct {
	mu      sync.RWMutex
	records map[string]UndoRecord
}

// NewMemoryUndoStore creates an empty in-memory store.
func NewMemoryUndoStore() *MemoryUndoStore {
	return &MemoryUndoStore{records: make(map[string]UndoRecord)}
}

func (s *MemoryUndoStore) Save(ctx context.Context, rec UndoRecord) error {
	const op = kiterr.Op("undostore.Save")
	if rec.ID == "" {
		return kiterr.E(op, kiterr.Component("undostore"), kiterr.KindValidation, "record id is required")
	}
	copy, err := copyUndoRecord(rec)
	if err != nil {
		return kiterr.E(op, kiterr.Component("undostore"), kiterr.KindInternal, err)
	}
	s.mu.Lock()
	s.records[rec.ID] = copy
	s.mu.Unlock()
	return nil
}

func (s *MemoryUndoStore) Get(ctx context.Context, id string) (UndoRecord, error) {
	const op = kiterr.Op("undostore.Get")
	s.mu.RLock()
	rec, ok := s.records[id]
	s.mu.RUnlock()
	if !ok {
		return UndoRecord{}, kiterr.E(op, kiterr.Component("undostore"), kiterr.KindNotFound, "undo record not found")
	}
	copy, err := copyUndoRecord(rec)
	if err != nil {
		return UndoRecord{}, kiterr.E(op, kiterr.Component("undostore"), kiterr.KindInternal, err)
	}
	return copy, nil
}

func (s *MemoryUndoStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	delete(s.records, id)
	s.mu.Unlock()
	return nil
}

func (s *MemoryUndoStore) Prune(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, rec := range s.records {
		if rec.Expired(now) {
			delete(s.records, id)
			n++
		}
	}
	return n, nil
}

func copyUndoRecord(rec UndoRecord) (UndoRecord, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return UndoRecord{}, err
	}
	var out UndoRecord
	if err := json.Unmarshal(data, &out); err != nil {
		return UndoRecord{}, err
	}
	return out, nil
}

// DefaultUndoWindow bounds how long a destructive operation stays reversible.
const DefaultUndoWindow = 30 * time.Second

// UndoManager registers undo records for destructive operations and replays
// the reverse action through the coordinator, so an undo is itself an
// optimistic mutation with rollback.
type UndoManager struct {
	store       UndoStore
	coordinator *Coordinator
	window      time.Duration
	logger      *slog.Logger
	now         func() time.Time
}

// NewUndoManager creates a manager. A nil store falls back to the in-memory
// one; zero window falls back to DefaultUndoWindow.
func NewUndoManager(store UndoStore, coordinator *Coordinator, window time.Duration, logger *slog.Logger) *UndoManager {
	if store == nil {
		store = NewMemoryUndoStore()
	}
	if window <= 0 {
		window = DefaultUndoWindow
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &UndoManager{
		store:       store,
		coordinator: coordinator,
		window:      window,
		logger:      logger.With(slog.String("component", "undo")),
		now:         time.Now,
	}
}

// CaptureDelete registers an undo record for a just-deleted entity and returns
// the record id the caller can surface ("Undo" affordance).
func (m *UndoManager) CaptureDelete(ctx context.Context, table string, deleted Entity) (string, error) {
	return m.capture(ctx, UndoDelete, table, deleted)
}

// CaptureUpdate registers an undo record holding the entity as it was before
// an update.
func (m *UndoManager) CaptureUpdate(ctx context.Context, table string, previous Entity) (string, error) {
	return m.capture(ctx, UndoUpdate, table, previous)
}

func (m *UndoManager) capture(ctx context.Context, kind UndoKind, table string, snapshot Entity) (string, error) {
	now := m.now()
	rec := UndoRecord{
		ID:        uuid.NewString(),
		Kind:      kind,
		Table:     table,
		EntityID:  snapshot.ID,
		Snapshot:  snapshot.Clone(),
		CreatedAt: now,
		ExpiresAt: now.Add(m.window),
	}
	if err := m.store.Save(ctx, rec); err != nil {
		return "", err
	}
	m.logger.Debug("undo captured", "undo_id", rec.ID, "kind", kind.String(), "entity_id", rec.EntityID)
	return rec.ID, nil
}

// Undo reverses the recorded operation. Within the window the reverse action
// runs through the coordinator and the record is consumed; past the window it
// returns KindExpired and the record is dropped.
func (m *UndoManager) Undo(ctx context.Context, undoID string) (Entity, error) {
	const op = kiterr.Op("undo.Undo")

	rec, err := m.store.Get(ctx, undoID)
	if err != nil {
		return Entity{}, err
	}
	if rec.Expired(m.now()) {
		_ = m.store.Delete(ctx, undoID)
		return Entity{}, kiterr.E(op, kiterr.Component("undo"), kiterr.KindExpired, "undo window elapsed")
	}

	var restored Entity
	switch rec.Kind {
	case UndoDelete:
		restored, err = m.coordinator.Create(ctx, rec.EntityID, rec.Snapshot.Fields)
	case UndoUpdate:
		restored, err = m.coordinator.Update(ctx, rec.EntityID, rec.Snapshot.Fields)
	default:
		return Entity{}, kiterr.E(op, kiterr.Component("undo"), kiterr.KindInvalid, "unknown undo kind")
	}
	if err != nil {
		// The record stays usable; the remote may come back.
		return Entity{}, err
	}

	_ = m.store.Delete(ctx, undoID)
	m.logger.Info("undo applied", "undo_id", undoID, "kind", rec.Kind.String(), "entity_id", rec.EntityID)
	return restored, nil
}

// Prune drops expired records.
func (m *UndoManager) Prune(ctx context.Context) (int, error) {
	return m.store.Prune(ctx, m.now())
}
