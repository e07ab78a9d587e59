package cache

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"graphqlcore/async"
	"graphqlcore/model"
)

type fakeExecutor struct {
	mu        sync.Mutex
	calls     int32
	resultFn  func(call int32) *model.Result
	delay     time.Duration
	cancelled int32
}

func (f *fakeExecutor) Execute(ctx context.Context, req model.Request) *PendingQuery {
	n := atomic.AddInt32(&f.calls, 1)
	fut := async.New[*model.Result]()
	abortCh := make(chan struct{})
	var aborted int32

	go func() {
		select {
		case <-time.After(f.delay):
			res := f.resultFn(n)
			fut.Resolve(res)
		case <-abortCh:
			if atomic.CompareAndSwapInt32(&aborted, 0, 1) {
				atomic.AddInt32(&f.cancelled, 1)
				fut.Resolve(model.NewNetworkErrorResult("aborted"))
			}
		}
	}()

	return &PendingQuery{
		Future: fut,
		Abort: func() {
			select {
			case <-abortCh:
			default:
				close(abortCh)
			}
		},
	}
}

func (f *fakeExecutor) callCount() int {
	return int(atomic.LoadInt32(&f.calls))
}

func strp(s string) *string { return &s }

func successResult(body string) *model.Result {
	return &model.Result{Data: json.RawMessage(body), Size: model.SizeForBody(len(body))}
}

func TestExecuteQueryDeduplicates(t *testing.T) {
	exec := &fakeExecutor{resultFn: func(int32) *model.Result { return successResult(`{"a":1}`) }}
	c := New(Config{Executor: exec})

	req := model.Request{Query: strp("{a}")}
	qr1, err := c.ExecuteQuery(context.Background(), req, CacheFirst, time.Minute)
	require.NoError(t, err)
	qr2, err := c.ExecuteQuery(context.Background(), req, CacheFirst, time.Minute)
	require.NoError(t, err)

	_, err = qr1.ResultFuture().Wait(context.Background())
	require.NoError(t, err)
	_, err = qr2.ResultFuture().Wait(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, exec.callCount(), "identical fingerprint must issue exactly one network call")
}

func TestCacheAndNetworkIssuesRefreshEachCall(t *testing.T) {
	exec := &fakeExecutor{resultFn: func(n int32) *model.Result { return successResult(`{"a":1}`) }}
	c := New(Config{Executor: exec})
	req := model.Request{Query: strp("{a}")}

	qr1, err := c.ExecuteQuery(context.Background(), req, CacheAndNetwork, time.Minute)
	require.NoError(t, err)
	_, err = qr1.ResultFuture().Wait(context.Background())
	require.NoError(t, err)

	qr2, err := c.ExecuteQuery(context.Background(), req, CacheAndNetwork, time.Minute)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return exec.callCount() == 2 }, time.Second, time.Millisecond)
	_ = qr2
}

func TestSubscriberNotificationOrderAndUnsubscribeDuringDispatch(t *testing.T) {
	exec := &fakeExecutor{resultFn: func(int32) *model.Result { return successResult(`{"a":1}`) }}
	c := New(Config{Executor: exec})
	req := model.Request{Query: strp("{a}")}

	qr, err := c.ExecuteQuery(context.Background(), req, CacheAndNetwork, time.Minute)
	require.NoError(t, err)

	var order []int
	var mu sync.Mutex
	var unsub2 func()

	unsub1 := qr.Subscribe(func(r *model.Result) {
		mu.Lock()
		order = append(order, 1)
		mu.Unlock()
	})
	unsub2 = qr.Subscribe(func(r *model.Result) {
		mu.Lock()
		order = append(order, 2)
		mu.Unlock()
		unsub2() // must not corrupt iteration of the copied subscriber list
	})
	_ = qr.Subscribe(func(r *model.Result) {
		mu.Lock()
		order = append(order, 3)
		mu.Unlock()
	})

	qr.ForceRefresh()
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	}, time.Second, time.Millisecond)

	mu.Lock()
	assert.Equal(t, []int{1, 2, 3}, order)
	mu.Unlock()
	unsub1()
}

func TestClearAndRefreshNotifiesNilFirst(t *testing.T) {
	exec := &fakeExecutor{delay: 30 * time.Millisecond, resultFn: func(int32) *model.Result { return successResult(`{"a":1}`) }}
	c := New(Config{Executor: exec})
	req := model.Request{Query: strp("{a}")}

	qr, err := c.ExecuteQuery(context.Background(), req, CacheFirst, time.Minute)
	require.NoError(t, err)
	_, err = qr.ResultFuture().Wait(context.Background())
	require.NoError(t, err)

	var seenNil int32
	qr.Subscribe(func(r *model.Result) {
		if r == nil {
			atomic.StoreInt32(&seenNil, 1)
		}
	})

	qr.ClearAndRefresh()
	require.Eventually(t, func() bool { return atomic.LoadInt32(&seenNil) == 1 }, time.Second, time.Millisecond)
}

func TestNoCachePolicyDropsEntryWhenUnsubscribed(t *testing.T) {
	exec := &fakeExecutor{resultFn: func(int32) *model.Result { return successResult(`{"a":1}`) }}
	c := New(Config{Executor: exec})
	req := model.Request{Query: strp("{a}")}

	qr, err := c.ExecuteQuery(context.Background(), req, NoCache, time.Minute)
	require.NoError(t, err)
	unsub := qr.Subscribe(func(*model.Result) {})
	unsub()

	qr2, err := c.ExecuteQuery(context.Background(), req, NoCache, time.Minute)
	require.NoError(t, err)
	_, err = qr2.ResultFuture().Wait(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, exec.callCount(), "no-cache must never reuse a previous entry")
}

func TestFailedResultExpiresImmediately(t *testing.T) {
	calls := int32(0)
	exec := &fakeExecutor{resultFn: func(n int32) *model.Result {
		atomic.AddInt32(&calls, 1)
		if n == 1 {
			return model.NewNetworkErrorResult("boom")
		}
		return successResult(`{"a":1}`)
	}}
	c := New(Config{Executor: exec})
	req := model.Request{Query: strp("{a}")}

	qr1, err := c.ExecuteQuery(context.Background(), req, CacheFirst, time.Minute)
	require.NoError(t, err)
	res, err := qr1.ResultFuture().Wait(context.Background())
	require.NoError(t, err)
	assert.True(t, res.NetworkError)

	qr2, err := c.ExecuteQuery(context.Background(), req, CacheFirst, time.Minute)
	require.NoError(t, err)
	res2, err := qr2.ResultFuture().Wait(context.Background())
	require.NoError(t, err)
	assert.False(t, res2.NetworkError, "a failed entry must not be reused by a subsequent cache-first call")
}

func TestEvictionRespectsSubscribedEntries(t *testing.T) {
	exec := &fakeExecutor{resultFn: func(int32) *model.Result { return successResult(`{"a":1}`) }}
	c := New(Config{Executor: exec, MaxBytes: 1})
	req := model.Request{Query: strp("{a}")}

	qr, err := c.ExecuteQuery(context.Background(), req, CacheFirst, time.Minute)
	require.NoError(t, err)
	unsub := qr.Subscribe(func(*model.Result) {})
	_, err = qr.ResultFuture().Wait(context.Background())
	require.NoError(t, err)

	c.evictIfNeeded()
	stats := c.Stats()
	assert.Equal(t, 1, stats.EntryCount, "subscribed entries must never be evicted even over budget")

	unsub()
	c.ClearCache()
	stats = c.Stats()
	assert.Equal(t, 0, stats.EntryCount)
}

func TestRefreshAllForceCancelsInFlight(t *testing.T) {
	exec := &fakeExecutor{delay: 200 * time.Millisecond, resultFn: func(int32) *model.Result { return successResult(`{"a":1}`) }}
	c := New(Config{Executor: exec})
	req := model.Request{Query: strp("{a}")}

	qr, err := c.ExecuteQuery(context.Background(), req, CacheFirst, time.Minute)
	require.NoError(t, err)
	unsub := qr.Subscribe(func(*model.Result) {})
	defer unsub()

	c.RefreshAll(true)
	require.Eventually(t, func() bool { return atomic.LoadInt32(&exec.cancelled) >= 1 }, time.Second, time.Millisecond)
}
