// Package cache implements the content-addressed, size-bounded cache and
// de-duplicator: a Fingerprint -> Entry map with LRU+expiry eviction and
// synchronous subscriber fan-out, grounded on the host application's
// cache.MemoryCache (generic, TTL-based, mutex-guarded) generalized to the
// richer entry lifecycle (loading, cancellation, fan-out) this spec needs.
package cache

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"graphqlcore/async"
	"graphqlcore/log"
	"graphqlcore/model"
)

// DefaultMaxBytes is the soft cache budget, ~20 MiB, per §6.
const DefaultMaxBytes int64 = 20 * 1024 * 1024

// DefaultTTL is the default time a successful result stays fresh, 24h.
const DefaultTTL = 24 * time.Hour

// Config configures a new Cache.
type Config struct {
	Executor   Executor
	MaxBytes   int64
	DefaultTTL time.Duration
	Logger     *zap.Logger

	// nowFn backs time.Now() for deterministic tests.
	nowFn func() time.Time
}

// Stats is a snapshot of cache-wide counters, for observability.
type Stats struct {
	TotalSize  int64
	EntryCount int
	Hits       uint64
	Misses     uint64
}

// Cache is the Fingerprint -> Entry map described in §4.3.
type Cache struct {
	executor   Executor
	maxBytes   int64
	defaultTTL time.Duration
	logger     *zap.Logger
	nowFn      func() time.Time

	mu        sync.Mutex
	entries   map[string]*Entry
	totalSize int64
	hits      uint64
	misses    uint64

	group singleflight.Group
}

// New constructs a Cache. A zero MaxBytes/DefaultTTL falls back to the
// package defaults.
func New(cfg Config) *Cache {
	maxBytes := cfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	ttl := cfg.DefaultTTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := cfg.nowFn
	if now == nil {
		now = time.Now
	}
	return &Cache{
		executor:   cfg.Executor,
		maxBytes:   maxBytes,
		defaultTTL: ttl,
		logger:     log.NopIfNil(cfg.Logger),
		nowFn:      now,
		entries:    make(map[string]*Entry),
	}
}

func (c *Cache) now() time.Time { return c.nowFn() }

// QueryResponse is the consumer-facing handle returned by ExecuteQuery.
type QueryResponse struct {
	entry *Entry
	ctx   context.Context
}

// Loading reports whether a request is currently in flight for this entry.
func (q *QueryResponse) Loading() bool { return q.entry.isLoading() }

// Result returns the entry's current visible result, or nil if none yet.
func (q *QueryResponse) Result() *model.Result { return q.entry.currentResult() }

// ResultFuture returns the in-flight or already-resolved future for the
// current load, matching the resultPromise field of the data model.
func (q *QueryResponse) ResultFuture() *async.Future[*model.Result] { return q.entry.currentFuture() }

// Subscribe registers cb for result transitions and returns an unsubscribe
// function.
func (q *QueryResponse) Subscribe(cb func(*model.Result)) func() {
	return q.entry.subscribe(cb)
}

// Refresh is a no-op if already loading, otherwise starts a new load.
func (q *QueryResponse) Refresh() { q.entry.refresh(q.ctx) }

// ForceRefresh cancels any in-flight load and starts a new one.
func (q *QueryResponse) ForceRefresh() { q.entry.forceRefresh(q.ctx) }

// ClearAndRefresh is ForceRefresh, but also clears the visible result and
// notifies subscribers with nil first.
func (q *QueryResponse) ClearAndRefresh() { q.entry.clearAndRefresh(q.ctx) }

// ExecuteQuery is the cache-aware entry point: it returns an existing Entry
// for req's Fingerprint when one exists (de-duplication), or builds one
// backed by the Executor, applying policy's refresh semantics.
func (c *Cache) ExecuteQuery(ctx context.Context, req model.Request, policy FetchPolicy, ttl time.Duration) (*QueryResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	fp, err := req.Fingerprint()
	if err != nil {
		return nil, err
	}
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	if policy == NoCache {
		entry := newEntry(c, fp, req, policy, ttl)
		entry.startLoad(ctx)
		return &QueryResponse{entry: entry, ctx: ctx}, nil
	}

	entryIface, _, _ := c.group.Do(fp, func() (interface{}, error) {
		c.mu.Lock()
		entry, exists := c.entries[fp]
		if !exists {
			c.evictIfNeededLocked()
			entry = newEntry(c, fp, req, policy, ttl)
			c.entries[fp] = entry
		}
		c.mu.Unlock()

		if !exists {
			c.recordMiss()
			entry.startLoad(ctx)
		} else {
			c.recordHit()
			switch policy {
			case CacheFirst:
				if entry.isExpired(c.now()) {
					entry.refresh(ctx)
				}
			case CacheAndNetwork:
				entry.refresh(ctx)
			}
		}
		entry.touch(c.now())
		return entry, nil
	})

	entry := entryIface.(*Entry)
	return &QueryResponse{entry: entry, ctx: ctx}, nil
}

func (c *Cache) recordHit() {
	c.mu.Lock()
	c.hits++
	c.mu.Unlock()
}

func (c *Cache) recordMiss() {
	c.mu.Lock()
	c.misses++
	c.mu.Unlock()
}

func (c *Cache) adjustTotalSize(delta int) {
	c.mu.Lock()
	c.totalSize += int64(delta)
	c.mu.Unlock()
}

// dropEphemeral removes a NoCache entry that is not tracked in c.entries in
// the common case; if it somehow is (defensive), it is removed too.
func (c *Cache) dropEphemeral(fp string, e *Entry) {
	c.mu.Lock()
	if existing, ok := c.entries[fp]; ok && existing == e {
		delete(c.entries, fp)
		c.totalSize -= int64(e.getSize())
	}
	c.mu.Unlock()
}

// evictIfNeeded purges expired, unsubscribed entries, then — only if the
// budget is still exceeded — the least-recently-used unsubscribed entries.
// Subscribed entries are never evicted (the budget is a soft cap).
func (c *Cache) evictIfNeeded() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evictIfNeededLocked()
}

func (c *Cache) evictIfNeededLocked() {
	now := c.now()
	for fp, e := range c.entries {
		if !e.hasSubscribers() && e.isExpired(now) {
			c.logger.Info("cache: evicting expired entry", zap.String("fingerprint", fp))
			c.removeLocked(fp, e)
		}
	}

	if c.totalSize <= c.maxBytes {
		return
	}

	c.logger.Warn("cache: over budget, evicting least-recently-used entries",
		zap.Int64("totalSize", c.totalSize), zap.Int64("maxBytes", c.maxBytes))

	type candidate struct {
		fp       string
		e        *Entry
		lastUsed time.Time
	}
	var candidates []candidate
	for fp, e := range c.entries {
		if !e.hasSubscribers() {
			candidates = append(candidates, candidate{fp, e, e.getLastUsed()})
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].lastUsed.Before(candidates[j].lastUsed)
	})
	for _, cand := range candidates {
		if c.totalSize <= c.maxBytes {
			break
		}
		c.logger.Info("cache: evicting lru entry", zap.String("fingerprint", cand.fp))
		c.removeLocked(cand.fp, cand.e)
	}
}

func (c *Cache) removeLocked(fp string, e *Entry) {
	delete(c.entries, fp)
	c.totalSize -= int64(e.getSize())
}

// RefreshAll expires every entry, then for each still-subscribed entry
// issues refresh() or forceRefresh() depending on force.
func (c *Cache) RefreshAll(force bool) {
	c.expireAll()
	for _, e := range c.snapshot() {
		if e.hasSubscribers() {
			if force {
				e.forceRefresh(context.Background())
			} else {
				e.refresh(context.Background())
			}
		}
	}
	c.evictIfNeeded()
}

// ClearCache expires every entry and evicts every unsubscribed one.
func (c *Cache) ClearCache() {
	c.expireAll()
	c.evictIfNeeded()
}

// ResetStore is RefreshAll(true), except subscribers see nil first via
// clearAndRefresh rather than forceRefresh.
func (c *Cache) ResetStore() {
	c.expireAll()
	for _, e := range c.snapshot() {
		if e.hasSubscribers() {
			e.clearAndRefresh(context.Background())
		}
	}
	c.evictIfNeeded()
}

func (c *Cache) expireAll() {
	for _, e := range c.snapshot() {
		e.expireNow()
	}
}

func (c *Cache) snapshot() []*Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Entry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e)
	}
	return out
}

// PendingRequests returns the fingerprints of entries currently loading.
func (c *Cache) PendingRequests() []string {
	var out []string
	for fp, e := range c.snapshotWithKeys() {
		if e.isLoading() {
			out = append(out, fp)
		}
	}
	return out
}

func (c *Cache) snapshotWithKeys() map[string]*Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]*Entry, len(c.entries))
	for fp, e := range c.entries {
		out[fp] = e
	}
	return out
}

// Stats returns a snapshot of cache-wide counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		TotalSize:  c.totalSize,
		EntryCount: len(c.entries),
		Hits:       c.hits,
		Misses:     c.misses,
	}
}
