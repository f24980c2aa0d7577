package entitykit

import (
	"fmt"
	"time"
)

// ViewKey names a cached collection query. It replaces the ad hoc string
// predicates of earlier designs: keys are typed and the invalidation relation
// is declared once, at registration time.
type ViewKey struct {
	// Table is the collection the view is computed over.
	Table string `json:"table" yaml:"table"`

	// Name is the view family, e.g. "list", "status-count", "search".
	Name string `json:"name" yaml:"name"`

	// Param distinguishes parameterized instances of the same family,
	// e.g. the filter value of a filtered list. May be empty.
	Param string `json:"param,omitempty" yaml:"param,omitempty"`
}

func (k ViewKey) String() string {
	if k.Param == "" {
		return fmt.Sprintf("%s/%s", k.Table, k.Name)
	}
	return fmt.Sprintf("%s/%s(%s)", k.Table, k.Name, k.Param)
}

// ListView is the conventional key for the plain ordered listing of a table.
func ListView(table string) ViewKey {
	return ViewKey{Table: table, Name: "list"}
}

// CountView is the conventional key for an aggregate count grouped by field.
func CountView(table, field string) ViewKey {
	return ViewKey{Table: table, Name: "count", Param: field}
}

// FilteredView is the key for a filtered listing.
func FilteredView(table, name, param string) ViewKey {
	return ViewKey{Table: table, Name: name, Param: param}
}

// CollectionView is a cached query result: an ordered sequence of entity ids
// plus the aggregate version captured when the result was computed. The view
// is invalid once any member's version exceeds CapturedVersion or membership
// could have changed.
type CollectionView struct {
	Key             ViewKey
	IDs             []string
	CapturedVersion int64
	FetchedAt       time.Time

	// Scope is the named UI view that owns this collection, used by the
	// staleness policy. Empty means unscoped.
	Scope string

	// UpdateCount counts real updates applied since creation. Views that
	// never received one (abandoned searches) are eviction candidates on
	// scope exit.
	UpdateCount int
}

// viewSpec is the registration-time declaration of what invalidates a view.
type viewSpec struct {
	key ViewKey

	// sensitive holds the payload fields the view's filter or aggregation
	// reads. Empty means the view is sensitive to every field change.
	sensitive map[string]struct{}

	// membership marks views whose contents change when rows are inserted
	// into or deleted from the table.
	membership bool
}

// ViewRegistry holds the Invalidates relation: mutation facts (table, changed
// fields, membership change) map to the set of ViewKeys to invalidate. It is
// built at registration time and read-only afterwards, so lookups are done by
// the cache under its own lock without extra synchronization beyond copies.
type ViewRegistry struct {
	specs map[ViewKey]viewSpec
}

// NewViewRegistry creates an empty registry.
func NewViewRegistry() *ViewRegistry {
	return &ViewRegistry{specs: make(map[ViewKey]viewSpec)}
}

// RegisterOption configures a view registration.
type RegisterOption func(*viewSpec)

// SensitiveTo declares the payload fields the view reads. An update that
// touches none of them does not invalidate the view.
func SensitiveTo(fields ...string) RegisterOption {
	return func(s *viewSpec) {
		if s.sensitive == nil {
			s.sensitive = make(map[string]struct{}, len(fields))
		}
		for _, f := range fields {
			s.sensitive[f] = struct{}{}
		}
	}
}

// WithoutMembership declares that inserts/deletes do not affect the view
// (e.g. a single-row aggregate pinned to a fixed id).
func WithoutMembership() RegisterOption {
	return func(s *viewSpec) { s.membership = false }
}

// Register declares a view and what invalidates it. Registering the same key
// twice replaces the earlier declaration.
func (r *ViewRegistry) Register(key ViewKey, opts ...RegisterOption) {
	spec := viewSpec{key: key, membership: true}
	for _, opt := range opts {
		opt(&spec)
	}
	r.specs[key] = spec
}

// Registered reports whether key has been declared.
func (r *ViewRegistry) Registered(key ViewKey) bool {
	_, ok := r.specs[key]
	return ok
}

// Affected returns the keys to invalidate for a mutation on table.
// membership is true for inserts/deletes; changedFields lists the payload
// fields an update touched (nil means unknown, which invalidates every view
// on the table).
func (r *ViewRegistry) Affected(table string, changedFields []string, membership bool) []ViewKey {
	var keys []ViewKey
	for key, spec := range r.specs {
		if key.Table != table {
			continue
		}
		if membership {
			if spec.membership {
				keys = append(keys, key)
			}
			continue
		}
		if changedFields == nil || len(spec.sensitive) == 0 {
			keys = append(keys, key)
			continue
		}
		for _, f := range changedFields {
			if _, ok := spec.sensitive[f]; ok {
				keys = append(keys, key)
				break
			}
		}
	}
	return keys
}
