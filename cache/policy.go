package cache

// FetchPolicy selects how ExecuteQuery reconciles a request against the
// cache: reuse, always-refresh, or bypass entirely.
type FetchPolicy string

const (
	// CacheFirst serves the cached result if not expired, otherwise
	// refreshes.
	CacheFirst FetchPolicy = "cache-first"
	// NoCache never reuses or installs a result; an entry is created only
	// for the lifetime of its subscriber set.
	NoCache FetchPolicy = "no-cache"
	// CacheAndNetwork always schedules a refresh, serving any cached value
	// immediately and replacing it when the refresh completes.
	CacheAndNetwork FetchPolicy = "cache-and-network"
)
