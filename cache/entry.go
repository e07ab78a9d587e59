package cache

import (
	"context"
	"sync"
	"time"

	"graphqlcore/async"
	"graphqlcore/model"
)

type subscriber struct {
	id int64
	cb func(*model.Result)
}

// Entry is a single cached fingerprint's state: its current result, any
// in-flight refresh, and the ordered set of subscribers observing it.
// Fields are guarded by mu; cache-wide accounting (totalSize) is updated by
// the owning Cache after releasing mu, never while holding it, so that a
// subscriber callback can safely call back into the Cache (e.g. Unsubscribe)
// without deadlocking.
type Entry struct {
	cache       *Cache
	fingerprint string
	req         model.Request
	policy      FetchPolicy
	ttl         time.Duration

	mu          sync.Mutex
	result      *model.Result
	future      *async.Future[*model.Result]
	cancel      func()
	loading     bool
	size        int
	expiresAt   time.Time
	lastUsed    time.Time
	subscribers []subscriber
	nextSubID   int64
}

func newEntry(c *Cache, fingerprint string, req model.Request, policy FetchPolicy, ttl time.Duration) *Entry {
	return &Entry{
		cache:       c,
		fingerprint: fingerprint,
		req:         req,
		policy:      policy,
		ttl:         ttl,
		lastUsed:    c.now(),
	}
}

// hasSubscribers reports whether the entry currently has any observer; an
// entry with subscribers is never evicted (§4.3 invariant).
func (e *Entry) hasSubscribers() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.subscribers) > 0
}

func (e *Entry) getSize() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.size
}

func (e *Entry) getLastUsed() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastUsed
}

func (e *Entry) isExpired(now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return now.After(e.expiresAt)
}

func (e *Entry) touch(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastUsed = now
}

func (e *Entry) expireNow() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.expiresAt = time.Time{}
}

func (e *Entry) isLoading() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loading
}

func (e *Entry) currentResult() *model.Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.result
}

func (e *Entry) currentFuture() *async.Future[*model.Result] {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.future != nil {
		return e.future
	}
	return async.Resolved(e.result)
}

// subscribe registers cb for result transitions, returning an unsubscribe
// function. Per the spec's no-cache policy, an entry with no remaining
// subscribers after an unsubscribe is dropped from the cache entirely if it
// was created under NoCache.
func (e *Entry) subscribe(cb func(*model.Result)) func() {
	e.mu.Lock()
	id := e.nextSubID
	e.nextSubID++
	e.subscribers = append(e.subscribers, subscriber{id: id, cb: cb})
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.unsubscribe(id)
		})
	}
}

func (e *Entry) unsubscribe(id int64) {
	e.mu.Lock()
	for i, s := range e.subscribers {
		if s.id == id {
			e.subscribers = append(e.subscribers[:i], e.subscribers[i+1:]...)
			break
		}
	}
	empty := len(e.subscribers) == 0
	policy := e.policy
	cancel := e.cancel
	if empty && policy == NoCache {
		e.cancel = nil
		e.loading = false
	}
	e.mu.Unlock()

	if empty && policy == NoCache {
		if cancel != nil {
			cancel()
		}
		if e.cache != nil {
			e.cache.dropEphemeral(e.fingerprint, e)
		}
	}
}

// notify copies the subscriber list before dispatch (per §5, so a callback
// may unsubscribe without corrupting the iteration) and invokes each
// callback synchronously, in subscriber insertion order.
func (e *Entry) notify(result *model.Result) {
	e.mu.Lock()
	subs := make([]subscriber, len(e.subscribers))
	copy(subs, e.subscribers)
	e.mu.Unlock()

	for _, s := range subs {
		s.cb(result)
	}
}

// startLoad begins a new load unless one is already in flight.
func (e *Entry) startLoad(ctx context.Context) {
	e.mu.Lock()
	if e.loading {
		e.mu.Unlock()
		return
	}
	pq := e.cache.executor.Execute(ctx, e.req)
	e.loading = true
	e.cancel = pq.Abort
	e.future = pq.Future
	e.mu.Unlock()

	go e.awaitCompletion(pq.Future)
}

func (e *Entry) awaitCompletion(f *async.Future[*model.Result]) {
	res, err := f.Wait(context.Background())
	if err != nil {
		return
	}
	e.onLoadComplete(f, res)
}

// onLoadComplete installs res only if f is still the entry's current load;
// a load superseded by forceRefresh/clearAndRefresh is discarded.
func (e *Entry) onLoadComplete(f *async.Future[*model.Result], res *model.Result) {
	now := e.cache.now()

	e.mu.Lock()
	if e.future != f {
		e.mu.Unlock()
		return
	}
	oldSize := e.size
	e.result = res
	e.size = res.Size
	e.loading = false
	e.cancel = nil
	e.future = nil
	e.lastUsed = now
	if res.Failed() || e.policy == NoCache {
		e.expiresAt = time.Time{}
	} else {
		e.expiresAt = now.Add(e.ttl)
	}
	e.mu.Unlock()

	if e.policy != NoCache {
		e.cache.adjustTotalSize(e.size - oldSize)
		e.cache.evictIfNeeded()
	}

	e.notify(res)
}

// refresh is a no-op if already loading; otherwise it starts a new load.
func (e *Entry) refresh(ctx context.Context) {
	if e.isLoading() {
		return
	}
	e.startLoad(ctx)
}

// forceRefresh cancels any in-flight request and starts a new one, leaving
// the current result visible until the new one completes.
func (e *Entry) forceRefresh(ctx context.Context) {
	e.mu.Lock()
	cancel := e.cancel
	e.cancel = nil
	e.future = nil
	e.loading = false
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	e.startLoad(ctx)
}

// clearAndRefresh is forceRefresh, but additionally clears the visible
// result and notifies subscribers with nil before the new load starts.
func (e *Entry) clearAndRefresh(ctx context.Context) {
	e.mu.Lock()
	cancel := e.cancel
	e.cancel = nil
	e.future = nil
	e.loading = false
	e.result = nil
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	e.notify(nil)
	e.startLoad(ctx)
}

func (e *Entry) abortInFlight() {
	e.mu.Lock()
	cancel := e.cancel
	e.cancel = nil
	e.loading = false
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}
