// Package graphqlcore is a GraphQL client runtime: an HTTP query executor
// with circuit breaking, a content-addressed cache and de-duplicator, a
// graphql-transport-ws subscription engine, pluggable timeout and
// reconnection strategies, and an auto-subscription orchestrator tying the
// last three together — grounded throughout on the host application's
// connection management, circuit breaking, and WebSocket subscription
// subsystems (see DESIGN.md for the per-component ledger).
package graphqlcore

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"graphqlcore/async"
	"graphqlcore/autosub"
	"graphqlcore/cache"
	"graphqlcore/log"
	"graphqlcore/reconnect"
	"graphqlcore/subscription"
	"graphqlcore/timeout"
	"graphqlcore/transport"
)

// Client is the top-level entry point: one HTTP executor, one cache, one
// shared subscription Engine, and a registry of the auto-subscription
// orchestrators backing each active ExecuteSubscription call.
type Client struct {
	cfg      Config
	logger   *zap.Logger
	executor *transport.Executor
	cache    *cache.Cache
	engine   *subscription.Engine

	mu   sync.Mutex
	subs map[*autosub.Orchestrator]struct{}
}

// New validates cfg (after opts are applied) and wires a Client. Any
// validation failure is returned immediately, per §7 "validation errors are
// surfaced at construction time, not deferred".
func New(cfg Config, opts ...Option) (*Client, error) {
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	logger := log.NopIfNil(cfg.Logger)

	executor, err := transport.New(transport.Config{
		URL:                   cfg.URL,
		AsForm:                cfg.AsForm,
		SendDocumentIDAsQuery: cfg.SendDocumentIDAsQuery,
		TransformRequest:      cfg.TransformRequest,
		HTTPClient:            cfg.HTTPClient,
		CircuitBreaker:        cfg.CircuitBreaker,
		Logger:                logger,
	})
	if err != nil {
		return nil, err
	}

	c := cache.New(cache.Config{
		Executor:   executor,
		MaxBytes:   cfg.MaxCacheBytes,
		DefaultTTL: cfg.cacheTTL(),
		Logger:     logger,
	})

	engine, err := subscription.New(subscription.Config{
		URL:             cfg.webSocketURL(),
		Dialer:          cfg.Dialer,
		GeneratePayload: cfg.GeneratePayload,
		MaxReadBytes:    cfg.MaxReadBytes,
		OnConnected:     cfg.OnConnected,
		OnDisconnected:  cfg.OnDisconnected,
		Logger:          logger,
	})
	if err != nil {
		return nil, err
	}

	return &Client{
		cfg:      cfg,
		logger:   logger,
		executor: executor,
		cache:    c,
		engine:   engine,
		subs:     make(map[*autosub.Orchestrator]struct{}),
	}, nil
}

// PendingQuery is the cache-bypassing handle returned by ExecuteQueryRaw.
type PendingQuery struct {
	Result *async.Future[*Result]
	Abort  func()
}

// ExecuteQueryRaw performs one request/response cycle, bypassing the cache
// entirely, per §6's `executeQueryRaw`.
func (c *Client) ExecuteQueryRaw(ctx context.Context, req Request) (*PendingQuery, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	pending := c.executor.Execute(ctx, req)
	return &PendingQuery{Result: pending.Future, Abort: pending.Abort}, nil
}

// ExecuteQuery is the cache-aware entry point, per §6's `executeQuery`. A
// zero policy/ttl falls back to the Client's configured defaults.
func (c *Client) ExecuteQuery(ctx context.Context, req Request, policy FetchPolicy, ttl time.Duration) (*cache.QueryResponse, error) {
	if policy == "" {
		policy = c.cfg.fetchPolicy()
	}
	return c.cache.ExecuteQuery(ctx, req, policy, ttl)
}

// SubscriptionOptions configures a single ExecuteSubscription call,
// overriding the Client's DefaultSubscriptionOptions field by field when
// set.
type SubscriptionOptions struct {
	OnOpen               func()
	TimeoutStrategy      timeout.Strategy
	ReconnectionStrategy reconnect.Strategy
}

func (c *Client) resolveSubscriptionOptions(opts SubscriptionOptions) SubscriptionOptions {
	defaults := c.cfg.DefaultSubscriptionOptions
	if opts.OnOpen == nil {
		opts.OnOpen = defaults.OnOpen
	}
	if opts.TimeoutStrategy == nil {
		opts.TimeoutStrategy = defaults.TimeoutStrategy
	}
	if opts.ReconnectionStrategy == nil {
		opts.ReconnectionStrategy = defaults.ReconnectionStrategy
	}
	if opts.ReconnectionStrategy == nil {
		opts.ReconnectionStrategy = reconnect.MustNewExponentialBackoff(reconnect.Config{
			InitialMs:  time.Second,
			MaxMs:      30 * time.Second,
			Multiplier: 2,
			Jitter:     true,
		})
	}
	return opts
}

// SubscriptionHandle is the consumer-facing handle returned by
// ExecuteSubscription, per §6: a future that resolves once the managed
// subscription first becomes Connected, and an idempotent Abort.
type SubscriptionHandle struct {
	Connected *async.Future[struct{}]
	Abort     func()
}

// ExecuteSubscription opens (and transparently auto-reconnects) a managed
// subscription for req, per §6's `executeSubscription` and §4.7's
// auto-subscription orchestrator. onData fires for every `next` frame;
// onClose fires exactly once the orchestrator settles at a terminal state
// (Rejected, Completed, Disconnected, or Error) — see closeReasonFor for
// which terminal state maps to which reason.
func (c *Client) ExecuteSubscription(ctx context.Context, req Request, onData func(*Result), onClose func(CloseReason), opts SubscriptionOptions) (*SubscriptionHandle, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	opts = c.resolveSubscriptionOptions(opts)

	orch := autosub.New(c.engine, c.logger)
	c.registerOrchestrator(orch)

	connected := async.New[struct{}]()
	var onCloseOnce sync.Once

	err := orch.Configure(ctx, autosub.Options{
		Query:                req.Query,
		DocumentID:           req.DocumentID,
		OperationName:        req.OperationName,
		Extensions:           req.Extensions,
		Variables:            requestVariables(req),
		Enabled:              true,
		TimeoutStrategy:      opts.TimeoutStrategy,
		ReconnectionStrategy: opts.ReconnectionStrategy,
		OnData:               onData,
		OnStateChange: func(state autosub.State) {
			if state == autosub.Connected {
				connected.Resolve(struct{}{})
				if opts.OnOpen != nil {
					opts.OnOpen()
				}
				return
			}
			if reason, terminal := closeReasonFor(state); terminal {
				onCloseOnce.Do(func() {
					c.unregisterOrchestrator(orch)
					onClose(reason)
				})
			}
		},
	})
	if err != nil {
		c.unregisterOrchestrator(orch)
		return nil, err
	}

	var abortOnce sync.Once
	abort := func() {
		abortOnce.Do(func() {
			orch.Close()
			c.unregisterOrchestrator(orch)
		})
	}
	return &SubscriptionHandle{Connected: connected, Abort: abort}, nil
}

// closeReasonFor maps an autosub terminal State to the CloseReason consumers
// observe through onClose. Disconnected is reachable both as a terminal
// settlement (Abort/Disable) and transiently never otherwise, so it is
// always reported as ReasonClient.
func closeReasonFor(state autosub.State) (CloseReason, bool) {
	switch state {
	case autosub.Completed:
		return ReasonServer, true
	case autosub.Rejected:
		return ReasonServerError, true
	case autosub.Disconnected:
		return ReasonClient, true
	case autosub.Error:
		return ReasonError, true
	default:
		return "", false
	}
}

func requestVariables(req Request) interface{} {
	if req.Variables == nil {
		return nil
	}
	return req.Variables
}

func (c *Client) registerOrchestrator(o *autosub.Orchestrator) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs[o] = struct{}{}
}

func (c *Client) unregisterOrchestrator(o *autosub.Orchestrator) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subs, o)
}

// RefreshAll re-issues a network request for every subscribed cache entry,
// per §6's `refreshAll`.
func (c *Client) RefreshAll(force bool) {
	c.cache.RefreshAll(force)
}

// ClearCache expires and evicts every unsubscribed cache entry, per §6's
// `clearCache`.
func (c *Client) ClearCache() {
	c.cache.ClearCache()
}

// ResetStore clears every subscribed entry's visible result before
// refreshing, per §6's `resetStore`.
func (c *Client) ResetStore() {
	c.cache.ResetStore()
}

// PendingRequests returns the fingerprints currently loading, per §6's
// introspection surface.
func (c *Client) PendingRequests() []string {
	return c.cache.PendingRequests()
}

// ActiveSubscriptions returns the count of managed subscriptions that have
// not yet settled at a terminal state, per §6's introspection surface. An
// orchestrator is unregistered synchronously the moment it settles, so the
// registry's size is exactly this count.
func (c *Client) ActiveSubscriptions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

// CacheStats returns a snapshot of cache-wide counters.
func (c *Client) CacheStats() cache.Stats {
	return c.cache.Stats()
}
