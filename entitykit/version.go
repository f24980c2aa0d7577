package entitykit

// CompareVersions is the single version comparator used by the cache, the
// reconciler, and the conflict resolver. Divergent "newest wins" logic is the
// easiest way to corrupt a cache, so all components must route through here.
//
// Returns <0 when a is older than b, >0 when newer, 0 when equal. Version is
// the primary order; UpdatedAt breaks version ties (local and server clocks
// can produce equal sequence numbers for different writes). A full tie returns
// 0 and callers that must pick a side prefer the remote entity: the server is
// authoritative, so converging on its copy cannot lose confirmed state.
func CompareVersions(a, b Entity) int {
	switch {
	case a.Version < b.Version:
		return -1
	case a.Version > b.Version:
		return 1
	}
	switch {
	case a.UpdatedAt.Before(b.UpdatedAt):
		return -1
	case a.UpdatedAt.After(b.UpdatedAt):
		return 1
	}
	return 0
}

// Newest returns the newer of local and remote, preferring remote on ties.
func Newest(local, remote Entity) Entity {
	if CompareVersions(local, remote) > 0 {
		return local
	}
	return remote
}
