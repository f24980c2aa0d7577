package entitykit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	kiterr "github.com/c0deZ3R0/go-entity-kit/errors"
)

// ConnState is the reconciler's connection state.
type ConnState int

const (
	ConnDisconnected ConnState = iota
	ConnConnecting
	ConnConnected
)

func (s ConnState) String() string {
	switch s {
	case ConnDisconnected:
		return "disconnected"
	case ConnConnecting:
		return "connecting"
	case ConnConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// DisconnectReason qualifies ConnDisconnected.
type DisconnectReason int

const (
	ReasonNone DisconnectReason = iota
	ReasonError
	ReasonTimeout

	// ReasonPermanent means the attempt budget is exhausted; only an explicit
	// Retry restarts the loop.
	ReasonPermanent

	ReasonStopped
)

func (r DisconnectReason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonError:
		return "error"
	case ReasonTimeout:
		return "timeout"
	case ReasonPermanent:
		return "permanent"
	case ReasonStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// ConnStatus is a snapshot of the reconciler's connection.
type ConnStatus struct {
	State       ConnState
	Reason      DisconnectReason
	Attempt     int
	LastEventAt time.Time
	LastError   string
}

// ExponentialBackoff computes reconnect delays as Base doubled per attempt,
// capped at Max.
type ExponentialBackoff struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns the wait before the given attempt (0-based).
func (b ExponentialBackoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := b.Base
	for i := 0; i < attempt; i++ {
		d *= 2
		if b.Max > 0 && d >= b.Max {
			return b.Max
		}
	}
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}

// ReconcilerConfig tunes the change-feed loop.
type ReconcilerConfig struct {
	Backoff        ExponentialBackoff
	MaxAttempts    int
	ConnectTimeout time.Duration
}

// DefaultReconcilerConfig mirrors the feed defaults used by the adapters.
func DefaultReconcilerConfig() ReconcilerConfig {
	return ReconcilerConfig{
		Backoff:        ExponentialBackoff{Base: time.Second, Max: 30 * time.Second},
		MaxAttempts:    10,
		ConnectTimeout: 10 * time.Second,
	}
}

// Reconciler consumes the remote change feed and folds each event into the
// cache. Events for one entity arrive in order; the reconciler applies them
// sequentially so that ordering is preserved end to end.
type Reconciler struct {
	cache    *CacheHandle
	remote   RemoteStore
	resolver *ConflictResolver
	table    string
	cfg      ReconcilerConfig
	logger   *slog.Logger
	metrics  MetricsCollector

	mu      sync.Mutex
	status  ConnStatus
	subs    []chan ConnStatus
	stopCh  chan struct{}
	retryCh chan struct{}
	doneCh  chan struct{}
	started bool
	stopped bool
}

// NewReconciler creates a reconciler bound to the cache, feed, and resolver.
func NewReconciler(cache *CacheHandle, remote RemoteStore, resolver *ConflictResolver, table string, cfg ReconcilerConfig, logger *slog.Logger, metrics MetricsCollector) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = &NoOpMetricsCollector{}
	}
	if cfg.Backoff.Base <= 0 {
		cfg.Backoff.Base = time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	return &Reconciler{
		cache:    cache,
		remote:   remote,
		resolver: resolver,
		table:    table,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "reconciler")),
		metrics:  metrics,
		status:   ConnStatus{State: ConnDisconnected, Reason: ReasonNone},
		stopCh:   make(chan struct{}),
		retryCh:  make(chan struct{}, 1),
		doneCh:   make(chan struct{}),
	}
}

// Start launches the subscribe/consume loop. Calling Start twice is an error.
func (rc *Reconciler) Start(ctx context.Context) error {
	const op = kiterr.Op("reconciler.Start")

	rc.mu.Lock()
	if rc.started {
		rc.mu.Unlock()
		return kiterr.E(op, kiterr.Component("reconciler"), kiterr.KindInvalid, "reconciler already started")
	}
	rc.started = true
	rc.mu.Unlock()

	go rc.loop(ctx)
	return nil
}

// Stop terminates the loop and waits for it to exit.
func (rc *Reconciler) Stop() {
	rc.mu.Lock()
	if rc.stopped {
		rc.mu.Unlock()
		<-rc.doneCh
		return
	}
	rc.stopped = true
	rc.mu.Unlock()

	close(rc.stopCh)
	<-rc.doneCh
}

// Retry restarts connection attempts after a permanent disconnect. It is a
// no-op in any other state.
func (rc *Reconciler) Retry() {
	rc.mu.Lock()
	permanent := rc.status.State == ConnDisconnected && rc.status.Reason == ReasonPermanent
	rc.mu.Unlock()
	if !permanent {
		return
	}
	select {
	case rc.retryCh <- struct{}{}:
	default:
	}
}

// Status returns the current connection snapshot.
func (rc *Reconciler) Status() ConnStatus {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.status
}

// SubscribeStatus returns a channel receiving connection snapshots on every
// transition. Buffered; a slow reader sees the latest state, not every hop.
func (rc *Reconciler) SubscribeStatus() <-chan ConnStatus {
	ch := make(chan ConnStatus, 1)
	rc.mu.Lock()
	rc.subs = append(rc.subs, ch)
	rc.mu.Unlock()
	return ch
}

func (rc *Reconciler) setStatus(state ConnState, reason DisconnectReason, attempt int, lastErr string) {
	rc.mu.Lock()
	rc.status.State = state
	rc.status.Reason = reason
	rc.status.Attempt = attempt
	rc.status.LastError = lastErr
	snapshot := rc.status
	subs := append([]chan ConnStatus(nil), rc.subs...)
	rc.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- snapshot:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snapshot:
			default:
			}
		}
	}
}

func (rc *Reconciler) loop(ctx context.Context) {
	defer close(rc.doneCh)

	attempt := 0
	for {
		if attempt >= rc.cfg.MaxAttempts {
			rc.setStatus(ConnDisconnected, ReasonPermanent, attempt, "")
			rc.logger.Error("giving up on change feed", "attempts", attempt)
			select {
			case <-rc.retryCh:
				attempt = 0
				continue
			case <-rc.stopCh:
				return
			case <-ctx.Done():
				rc.setStatus(ConnDisconnected, ReasonStopped, attempt, ctx.Err().Error())
				return
			}
		}

		if attempt > 0 {
			delay := rc.cfg.Backoff.Delay(attempt - 1)
			rc.logger.Info("reconnecting to change feed", "attempt", attempt, "delay", delay)
			select {
			case <-time.After(delay):
			case <-rc.stopCh:
				rc.setStatus(ConnDisconnected, ReasonStopped, attempt, "")
				return
			case <-ctx.Done():
				rc.setStatus(ConnDisconnected, ReasonStopped, attempt, ctx.Err().Error())
				return
			}
		}

		rc.setStatus(ConnConnecting, ReasonNone, attempt, "")
		rc.metrics.RecordReconnect(attempt)

		subCtx := ctx
		var cancel context.CancelFunc
		if rc.cfg.ConnectTimeout > 0 {
			subCtx, cancel = context.WithTimeout(ctx, rc.cfg.ConnectTimeout)
		}
		events, err := rc.remote.SubscribeChanges(subCtx, rc.table)
		if cancel != nil {
			cancel()
		}
		if err != nil {
			attempt++
			reason := ReasonError
			if kiterr.IsKind(err, kiterr.KindTimeout) {
				reason = ReasonTimeout
			}
			rc.setStatus(ConnDisconnected, reason, attempt, err.Error())
			rc.logger.Warn("change feed subscribe failed", "attempt", attempt, "error", err)
			continue
		}

		rc.setStatus(ConnConnected, ReasonNone, attempt, "")
		rc.logger.Info("change feed connected", "attempt", attempt)

		dropped, delivered := rc.consume(ctx, events)
		if !dropped {
			// Stop or context cancellation ended the consume loop.
			rc.setStatus(ConnDisconnected, ReasonStopped, 0, "")
			return
		}
		if delivered {
			attempt = 0
		}
		attempt++
		rc.setStatus(ConnDisconnected, ReasonError, attempt, "change feed closed")
		rc.logger.Warn("change feed dropped", "attempt", attempt)
	}
}

// consume folds events until the channel closes (dropped=true) or the
// reconciler stops (dropped=false). delivered reports whether at least one
// event arrived, which refreshes the reconnect budget.
func (rc *Reconciler) consume(ctx context.Context, events <-chan ChangeEvent) (dropped, delivered bool) {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return true, delivered
			}
			rc.Apply(ev)
			delivered = true
			rc.mu.Lock()
			rc.status.LastEventAt = time.Now()
			rc.status.Attempt = 0
			rc.mu.Unlock()
		case <-rc.stopCh:
			return false, delivered
		case <-ctx.Done():
			return false, delivered
		}
	}
}

// Apply folds a single change event into the cache. Exported so adapters with
// their own delivery loops (and tests) can drive the reconciler directly.
func (rc *Reconciler) Apply(ev ChangeEvent) {
	switch ev.Type {
	case ChangeInsert:
		rc.applyInsert(ev)
	case ChangeUpdate:
		rc.applyUpdate(ev)
	case ChangeDelete:
		rc.applyDelete(ev)
	default:
		rc.logger.Warn("ignoring unknown change type", "type", string(ev.Type), "id", ev.Entity.ID)
	}
}

func (rc *Reconciler) applyInsert(ev ChangeEvent) {
	// A brand new entity affects membership views only; no field-sensitive
	// views can reference it yet.
	rc.cache.PutConfirmed(ev.Table, ev.Entity, nil, true)
	rc.logger.Debug("applied remote insert", "id", ev.Entity.ID, "version", ev.Entity.Version)
}

func (rc *Reconciler) applyUpdate(ev ChangeEvent) {
	var changed []string
	if ev.Previous != nil {
		changed = ev.Previous.ChangedFields(ev.Entity)
	}

	outcome, local := rc.cache.ApplyRemote(ev.Table, ev.Entity, changed, false)
	switch outcome {
	case ApplyApplied:
		rc.logger.Debug("applied remote update", "id", ev.Entity.ID, "version", ev.Entity.Version)
	case ApplyStale:
		rc.logger.Debug("discarded stale remote update",
			"id", ev.Entity.ID,
			"event_version", ev.Entity.Version,
			"local_version", local.Entity.Version)
	case ApplyConflict:
		if rc.resolver != nil {
			rc.resolver.Record(local.Entity, ev.Entity, local.BaseVersion)
		}
		rc.logger.Warn("remote update conflicts with optimistic write",
			"id", ev.Entity.ID,
			"event_version", ev.Entity.Version,
			"optimistic_base", local.BaseVersion)
	}
}

func (rc *Reconciler) applyDelete(ev ChangeEvent) {
	id := ev.Entity.ID
	if entry, ok := rc.cache.GetEntry(id); ok && entry.State == StateOptimistic {
		// The server removed an entity we were speculatively editing. The
		// delete is authoritative; record it so the user can be told.
		if rc.resolver != nil {
			rc.resolver.RecordAutoResolved(entry.Entity, "remote_delete_wins")
		}
	}
	rc.cache.Remove(ev.Table, id)
	rc.logger.Debug("applied remote delete", "id", id)
}
