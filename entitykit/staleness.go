package entitykit

import (
	"log/slog"
	"sync"
	"time"
)

// TransitionKind classifies a context transition reported by the application.
type TransitionKind int

const (
	// TransitionNavigate means the user entered the scope.
	TransitionNavigate TransitionKind = iota

	// TransitionVisibilityRegained means the app returned to the foreground
	// while the scope was active.
	TransitionVisibilityRegained

	// TransitionNetworkRegained means connectivity came back while the scope
	// was active.
	TransitionNetworkRegained

	// TransitionManualRefresh is an explicit user refresh. Never throttled.
	TransitionManualRefresh

	// TransitionLeaveScope means the user left the scope.
	TransitionLeaveScope
)

func (k TransitionKind) String() string {
	switch k {
	case TransitionNavigate:
		return "navigate"
	case TransitionVisibilityRegained:
		return "visibility_regained"
	case TransitionNetworkRegained:
		return "network_regained"
	case TransitionManualRefresh:
		return "manual_refresh"
	case TransitionLeaveScope:
		return "leave_scope"
	default:
		return "unknown"
	}
}

// Transition is one context change event.
type Transition struct {
	Kind  TransitionKind
	Scope string
}

// CommandOp is the action a CacheCommand requests.
type CommandOp int

const (
	// CommandRefetch asks the caller to re-query the remote for View and put
	// the fresh result back with PutView.
	CommandRefetch CommandOp = iota

	// CommandEvictedViews reports views dropped during scope exit.
	CommandEvictedViews

	// CommandEvictedEntries reports detail entries dropped during scope exit.
	CommandEvictedEntries
)

// CacheCommand is one policy decision. Refetch commands carry the view to
// re-query; eviction commands carry the count of dropped items.
type CacheCommand struct {
	Op    CommandOp
	View  ViewKey
	Count int
}

// ViewPolicy declares one view a scope owns and how old its data may get.
type ViewPolicy struct {
	Key    ViewKey
	MaxAge time.Duration
}

// ScopePolicy declares the views owned by one named scope.
type ScopePolicy struct {
	Views []ViewPolicy
}

const (
	// DefaultRefreshThrottle spaces out visibility/network warm-ups per scope.
	DefaultRefreshThrottle = 5 * time.Minute

	// DefaultRetention keeps detail entries after scope exit.
	DefaultRetention = 5 * time.Minute
)

// StalenessPolicy decides, per context transition, which views to refetch and
// what to evict. It never fetches anything itself; Refetch commands tell the
// caller what to re-query.
type StalenessPolicy struct {
	cache    *CacheHandle
	scopes   map[string]ScopePolicy
	throttle time.Duration
	retain   time.Duration
	logger   *slog.Logger
	metrics  MetricsCollector
	now      func() time.Time

	mu          sync.Mutex
	lastRefresh map[string]time.Time
}

// NewStalenessPolicy creates a policy over the cache. Zero throttle/retention
// fall back to the 5 minute defaults.
func NewStalenessPolicy(cache *CacheHandle, scopes map[string]ScopePolicy, throttle, retention time.Duration, logger *slog.Logger, metrics MetricsCollector) *StalenessPolicy {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = &NoOpMetricsCollector{}
	}
	if throttle <= 0 {
		throttle = DefaultRefreshThrottle
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	if scopes == nil {
		scopes = map[string]ScopePolicy{}
	}
	return &StalenessPolicy{
		cache:       cache,
		scopes:      scopes,
		throttle:    throttle,
		retain:      retention,
		logger:      logger.With(slog.String("component", "staleness")),
		metrics:     metrics,
		now:         time.Now,
		lastRefresh: make(map[string]time.Time),
	}
}

// DeclareScope registers or replaces a scope's view policy at runtime.
func (p *StalenessPolicy) DeclareScope(name string, policy ScopePolicy) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scopes[name] = policy
}

// OnContextTransition evaluates a transition and returns the cache commands it
// produces. Evictions are applied to the cache before returning; refetch
// commands are the caller's to execute.
func (p *StalenessPolicy) OnContextTransition(t Transition) []CacheCommand {
	switch t.Kind {
	case TransitionNavigate:
		return p.warmUp(t.Scope, false)
	case TransitionVisibilityRegained, TransitionNetworkRegained:
		return p.warmUpThrottled(t.Scope)
	case TransitionManualRefresh:
		return p.warmUp(t.Scope, true)
	case TransitionLeaveScope:
		return p.evictScope(t.Scope)
	default:
		p.logger.Warn("ignoring unknown transition", "kind", int(t.Kind), "scope", t.Scope)
		return nil
	}
}

// warmUp returns Refetch commands for the scope's stale views. force bypasses
// MaxAge and refetches everything the scope owns.
func (p *StalenessPolicy) warmUp(scope string, force bool) []CacheCommand {
	policy, ok := p.scopes[scope]
	if !ok {
		return nil
	}

	var cmds []CacheCommand
	now := p.now()
	for _, vp := range policy.Views {
		if force || p.isStale(vp, now) {
			cmds = append(cmds, CacheCommand{Op: CommandRefetch, View: vp.Key})
		}
	}
	if len(cmds) > 0 {
		p.markRefreshed(scope, now)
		p.logger.Debug("warm-up scheduled", "scope", scope, "views", len(cmds), "forced", force)
	}
	return cmds
}

// warmUpThrottled suppresses repeated warm-ups inside the per-scope interval.
// Rapid tab switches and flapping networks must not hammer the remote.
func (p *StalenessPolicy) warmUpThrottled(scope string) []CacheCommand {
	p.mu.Lock()
	last, seen := p.lastRefresh[scope]
	p.mu.Unlock()
	if seen && p.now().Sub(last) < p.throttle {
		p.logger.Debug("warm-up throttled", "scope", scope, "since_last", p.now().Sub(last))
		return nil
	}
	return p.warmUp(scope, false)
}

// isStale reports whether a declared view needs refetching: missing,
// invalidated, or older than its MaxAge.
func (p *StalenessPolicy) isStale(vp ViewPolicy, now time.Time) bool {
	view, ok := p.cache.GetView(vp.Key)
	if !ok {
		return true
	}
	if vp.MaxAge > 0 && now.Sub(view.FetchedAt) > vp.MaxAge {
		return true
	}
	return false
}

// evictScope drops the scope's zero-update views and unpinned detail entries
// past retention. Pinned entries (open conflicts, in-flight mutations) and
// optimistic entries are never evicted.
func (p *StalenessPolicy) evictScope(scope string) []CacheCommand {
	views := p.cache.EvictZeroUpdateViews(scope)
	entries := p.cache.EvictEntriesOlderThan(p.now().Add(-p.retain))
	p.metrics.RecordEvictions(entries, views)

	p.mu.Lock()
	delete(p.lastRefresh, scope)
	p.mu.Unlock()

	if views == 0 && entries == 0 {
		return nil
	}
	p.logger.Debug("scope evicted", "scope", scope, "views", views, "entries", entries)
	var cmds []CacheCommand
	if views > 0 {
		cmds = append(cmds, CacheCommand{Op: CommandEvictedViews, Count: views})
	}
	if entries > 0 {
		cmds = append(cmds, CacheCommand{Op: CommandEvictedEntries, Count: entries})
	}
	return cmds
}

func (p *StalenessPolicy) markRefreshed(scope string, at time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastRefresh[scope] = at
}
