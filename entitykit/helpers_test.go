package entitykit

import (
	"context"
	"sync"
	"time"

	kiterr "github.com/c0deZ3R0/go-entity-kit/errors"
)

// fakeRemote is an in-memory RemoteStore for tests. Per-id error injection
// simulates remote failures; hooks observe calls without changing behavior.
type fakeRemote struct {
	mu       sync.Mutex
	entities map[string]Entity
	version  int64

	createErr map[string]error
	updateErr map[string]error
	deleteErr map[string]error

	// onUpdate runs inside Update before the store mutates, outside the lock.
	onUpdate func(id string)

	subscribeFn func(ctx context.Context, table string) (<-chan ChangeEvent, error)

	calls  []string
	closed bool
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		entities:  make(map[string]Entity),
		createErr: make(map[string]error),
		updateErr: make(map[string]error),
		deleteErr: make(map[string]error),
	}
}

func (f *fakeRemote) seed(id string, version int64, fields map[string]any) Entity {
	f.mu.Lock()
	defer f.mu.Unlock()
	e := Entity{ID: id, Version: version, UpdatedAt: time.Now(), Fields: fields}
	f.entities[id] = e.Clone()
	if version > f.version {
		f.version = version
	}
	return e
}

func (f *fakeRemote) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeRemote) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeRemote) FetchOne(ctx context.Context, table, id string) (Entity, error) {
	f.record("fetch:" + id)
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entities[id]
	if !ok {
		return Entity{}, kiterr.NewNotFound(kiterr.Op("fake.FetchOne"), kiterr.Component("fake"), "no such entity")
	}
	return e.Clone(), nil
}

func (f *fakeRemote) FetchCollection(ctx context.Context, table string, q Query) ([]Entity, error) {
	f.record("fetchAll")
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Entity
	for _, e := range f.entities {
		out = append(out, e.Clone())
	}
	return out, nil
}

func (f *fakeRemote) Create(ctx context.Context, table string, fields map[string]any) (Entity, error) {
	id, _ := fields["id"].(string)
	f.record("create:" + id)
	f.mu.Lock()
	if err := f.createErr[id]; err != nil {
		f.mu.Unlock()
		return Entity{}, err
	}
	f.version++
	e := Entity{ID: id, Version: f.version, UpdatedAt: time.Now(), Fields: map[string]any{}}
	for k, v := range fields {
		if k != "id" {
			e.Fields[k] = v
		}
	}
	f.entities[id] = e.Clone()
	f.mu.Unlock()
	return e, nil
}

func (f *fakeRemote) Update(ctx context.Context, table, id string, patch map[string]any) (Entity, error) {
	f.record("update:" + id)
	if f.onUpdate != nil {
		f.onUpdate(id)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.updateErr[id]; err != nil {
		return Entity{}, err
	}
	e, ok := f.entities[id]
	if !ok {
		return Entity{}, kiterr.NewNotFound(kiterr.Op("fake.Update"), kiterr.Component("fake"), "no such entity")
	}
	e = e.Clone()
	if e.Fields == nil {
		e.Fields = map[string]any{}
	}
	for k, v := range patch {
		e.Fields[k] = v
	}
	f.version++
	e.Version = f.version
	e.UpdatedAt = time.Now()
	f.entities[id] = e.Clone()
	return e, nil
}

func (f *fakeRemote) Delete(ctx context.Context, table, id string) error {
	f.record("delete:" + id)
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.deleteErr[id]; err != nil {
		return err
	}
	if _, ok := f.entities[id]; !ok {
		return kiterr.NewNotFound(kiterr.Op("fake.Delete"), kiterr.Component("fake"), "no such entity")
	}
	delete(f.entities, id)
	return nil
}

func (f *fakeRemote) SubscribeChanges(ctx context.Context, table string) (<-chan ChangeEvent, error) {
	if f.subscribeFn != nil {
		return f.subscribeFn(ctx, table)
	}
	ch := make(chan ChangeEvent)
	return ch, nil
}

func (f *fakeRemote) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeRemote) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// testCache builds a cache with a registry pre-populated with the standard
// views used across tests.
func testCache() *CacheHandle {
	registry := NewViewRegistry()
	registry.Register(ListView("orders"))
	registry.Register(CountView("orders", "status"), SensitiveTo("status"))
	registry.Register(FilteredView("orders", "by-customer", "c1"), SensitiveTo("customer"))
	return NewCacheHandle(registry, nil, nil)
}

func entity(id string, version int64, fields map[string]any) Entity {
	return Entity{ID: id, Version: version, UpdatedAt: time.Unix(version, 0), Fields: fields}
}
