package entitykit

import (
	"context"
	"log/slog"
	"time"

	kiterr "github.com/c0deZ3R0/go-entity-kit/errors"
)

// Engine wires the cache, coordinator, batch executor, reconciler, resolver,
// staleness policy, undo manager, and status tracker into one unit with a
// shared remote store, logger, and metrics collector.
type Engine struct {
	cache      *CacheHandle
	coord      *Coordinator
	batch      *BatchExecutor
	resolver   *ConflictResolver
	reconciler *Reconciler
	policy     *StalenessPolicy
	undo       *UndoManager
	status     *StatusTracker

	remote RemoteStore
	table  string
	logger *slog.Logger

	statusInterval time.Duration
	started        bool
}

type engineConfig struct {
	remote         RemoteStore
	table          string
	logger         *slog.Logger
	metrics        MetricsCollector
	registry       *ViewRegistry
	reconcilerCfg  ReconcilerConfig
	mutTimeout     time.Duration
	undoStore      UndoStore
	undoWindow     time.Duration
	scopes         map[string]ScopePolicy
	throttle       time.Duration
	retention      time.Duration
	statusInterval time.Duration
}

// Option configures NewEngine.
type Option func(*engineConfig)

// WithRemote sets the remote store backing all components. Required.
func WithRemote(remote RemoteStore) Option {
	return func(c *engineConfig) { c.remote = remote }
}

// WithTable sets the entity table this engine manages. Required.
func WithTable(table string) Option {
	return func(c *engineConfig) { c.table = table }
}

// WithLogger sets the structured logger shared by all components.
func WithLogger(logger *slog.Logger) Option {
	return func(c *engineConfig) { c.logger = logger }
}

// WithMetrics sets the metrics collector shared by all components.
func WithMetrics(metrics MetricsCollector) Option {
	return func(c *engineConfig) { c.metrics = metrics }
}

// WithViewRegistry supplies a pre-populated view registry.
func WithViewRegistry(registry *ViewRegistry) Option {
	return func(c *engineConfig) { c.registry = registry }
}

// WithReconciler tunes the change-feed loop.
func WithReconciler(cfg ReconcilerConfig) Option {
	return func(c *engineConfig) { c.reconcilerCfg = cfg }
}

// WithMutationTimeout bounds each coordinator remote call.
func WithMutationTimeout(d time.Duration) Option {
	return func(c *engineConfig) { c.mutTimeout = d }
}

// WithUndoStore sets a persistent undo store; default is in-memory.
func WithUndoStore(store UndoStore) Option {
	return func(c *engineConfig) { c.undoStore = store }
}

// WithUndoWindow sets how long destructive operations stay reversible.
func WithUndoWindow(d time.Duration) Option {
	return func(c *engineConfig) { c.undoWindow = d }
}

// WithPolicy installs the staleness policy parsed from config.
func WithPolicy(cfg *PolicyConfig) Option {
	return func(c *engineConfig) {
		if cfg == nil {
			return
		}
		c.scopes = cfg.ScopePolicies()
		c.throttle = cfg.ThrottleInterval()
		c.retention = cfg.RetentionInterval()
	}
}

// WithScopes installs staleness scopes directly.
func WithScopes(scopes map[string]ScopePolicy) Option {
	return func(c *engineConfig) { c.scopes = scopes }
}

// WithStatusInterval sets how often status snapshots are published.
func WithStatusInterval(d time.Duration) Option {
	return func(c *engineConfig) { c.statusInterval = d }
}

// NewEngine assembles an engine from options. It does not touch the network;
// Start begins the change-feed loop and status publishing.
func NewEngine(opts ...Option) (*Engine, error) {
	const op = kiterr.Op("engine.New")

	cfg := engineConfig{
		reconcilerCfg:  DefaultReconcilerConfig(),
		statusInterval: time.Second,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.remote == nil {
		return nil, kiterr.E(op, kiterr.Component("engine"), kiterr.KindValidation, "remote store is required")
	}
	if cfg.table == "" {
		return nil, kiterr.E(op, kiterr.Component("engine"), kiterr.KindValidation, "table is required")
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	if cfg.metrics == nil {
		cfg.metrics = &NoOpMetricsCollector{}
	}
	if cfg.registry == nil {
		cfg.registry = NewViewRegistry()
	}

	cache := NewCacheHandle(cfg.registry, cfg.logger, cfg.metrics)
	coord := NewCoordinator(cache, cfg.remote, cfg.table, cfg.mutTimeout, cfg.logger, cfg.metrics)
	resolver := NewConflictResolver(cache, coord, cfg.table, cfg.logger, cfg.metrics)
	reconciler := NewReconciler(cache, cfg.remote, resolver, cfg.table, cfg.reconcilerCfg, cfg.logger, cfg.metrics)
	batch := NewBatchExecutor(cfg.remote, cache, cfg.table, cfg.logger, cfg.metrics)
	policy := NewStalenessPolicy(cache, cfg.scopes, cfg.throttle, cfg.retention, cfg.logger, cfg.metrics)
	undo := NewUndoManager(cfg.undoStore, coord, cfg.undoWindow, cfg.logger)
	status := NewStatusTracker(cache, reconciler, resolver)

	return &Engine{
		cache:          cache,
		coord:          coord,
		batch:          batch,
		resolver:       resolver,
		reconciler:     reconciler,
		policy:         policy,
		undo:           undo,
		status:         status,
		remote:         cfg.remote,
		table:          cfg.table,
		logger:         cfg.logger.With(slog.String("component", "engine")),
		statusInterval: cfg.statusInterval,
	}, nil
}

// Cache returns the engine's cache handle.
func (e *Engine) Cache() *CacheHandle { return e.cache }

// Coordinator returns the optimistic mutation coordinator.
func (e *Engine) Coordinator() *Coordinator { return e.coord }

// Batch returns the batch executor.
func (e *Engine) Batch() *BatchExecutor { return e.batch }

// Resolver returns the conflict resolver.
func (e *Engine) Resolver() *ConflictResolver { return e.resolver }

// Reconciler returns the change-feed reconciler.
func (e *Engine) Reconciler() *Reconciler { return e.reconciler }

// Policy returns the staleness policy.
func (e *Engine) Policy() *StalenessPolicy { return e.policy }

// Undo returns the undo manager.
func (e *Engine) Undo() *UndoManager { return e.undo }

// Status returns a current sync snapshot.
func (e *Engine) Status() SyncStatus { return e.status.Status() }

// SubscribeStatus returns a channel of periodic sync snapshots.
func (e *Engine) SubscribeStatus() <-chan SyncStatus { return e.status.Subscribe() }

// Start launches the change-feed loop and status publishing.
func (e *Engine) Start(ctx context.Context) error {
	const op = kiterr.Op("engine.Start")
	if e.started {
		return kiterr.E(op, kiterr.Component("engine"), kiterr.KindInvalid, "engine already started")
	}
	e.started = true
	if err := e.reconciler.Start(ctx); err != nil {
		return err
	}
	go e.status.Run(e.statusInterval)
	e.logger.Info("engine started", "table", e.table)
	return nil
}

// Shutdown stops the feed, drains in-flight mutations, and closes the remote.
func (e *Engine) Shutdown(ctx context.Context) error {
	if e.started {
		e.reconciler.Stop()
		e.status.Stop()
	}
	if err := e.cache.Shutdown(ctx); err != nil {
		return err
	}
	err := e.remote.Close()
	e.logger.Info("engine stopped", "table", e.table)
	return err
}
