package entitykit

import (
	"sync"
	"time"
)

// SyncStatus is a point-in-time snapshot of the engine's sync health.
type SyncStatus struct {
	Connection       ConnStatus `json:"connection"`
	PendingConflicts int        `json:"pending_conflicts"`
	PendingMutations int        `json:"pending_mutations"`
	CachedEntities   int        `json:"cached_entities"`
	LastSyncAt       time.Time  `json:"last_sync_at"`
}

// StatusTracker aggregates status from the cache, reconciler, and resolver
// and fans snapshots out to subscribers.
type StatusTracker struct {
	cache      *CacheHandle
	reconciler *Reconciler
	resolver   *ConflictResolver

	mu   sync.Mutex
	subs []chan SyncStatus
	stop chan struct{}
	done chan struct{}
}

// NewStatusTracker creates a tracker over the given components. Any of them
// may be nil; the corresponding fields stay zero.
func NewStatusTracker(cache *CacheHandle, reconciler *Reconciler, resolver *ConflictResolver) *StatusTracker {
	return &StatusTracker{
		cache:      cache,
		reconciler: reconciler,
		resolver:   resolver,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Status assembles a current snapshot.
func (t *StatusTracker) Status() SyncStatus {
	var s SyncStatus
	if t.reconciler != nil {
		conn := t.reconciler.Status()
		s.Connection = conn
		s.LastSyncAt = conn.LastEventAt
	}
	if t.resolver != nil {
		s.PendingConflicts = t.resolver.PendingCount()
	}
	if t.cache != nil {
		s.PendingMutations = t.cache.PendingMutations()
		s.CachedEntities = t.cache.Len()
	}
	return s
}

// Subscribe returns a channel receiving periodic snapshots once Run is
// started. Buffered; subscribers always see a recent snapshot.
func (t *StatusTracker) Subscribe() <-chan SyncStatus {
	ch := make(chan SyncStatus, 1)
	t.mu.Lock()
	t.subs = append(t.subs, ch)
	t.mu.Unlock()
	return ch
}

// Run publishes a snapshot every interval until Stop. Blocking; run it in a
// goroutine.
func (t *StatusTracker) Run(interval time.Duration) {
	defer close(t.done)
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.publish(t.Status())
		case <-t.stop:
			return
		}
	}
}

// Stop terminates Run and waits for it to exit.
func (t *StatusTracker) Stop() {
	select {
	case <-t.stop:
	default:
		close(t.stop)
	}
	<-t.done
}

func (t *StatusTracker) publish(s SyncStatus) {
	t.mu.Lock()
	subs := append([]chan SyncStatus(nil), t.subs...)
	t.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- s:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- s:
			default:
			}
		}
	}
}
