package graphqlcore

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"graphqlcore/cache"
	"graphqlcore/graphqlerr"
	"graphqlcore/reconnect"
	"graphqlcore/subscription"
	"graphqlcore/timeout"
	"graphqlcore/transport"
)

// DefaultSubscriptionOptions carries the strategies and hooks applied to
// every ExecuteSubscription call that does not override them, per §6's
// `defaultSubscriptionOptions` configuration key.
type DefaultSubscriptionOptions struct {
	TimeoutStrategy      timeout.Strategy
	ReconnectionStrategy reconnect.Strategy
	OnOpen               func()
}

// Config configures a Client. Zero-value fields fall back to the defaults
// enumerated in §6; construct with New and functional Options rather than
// assembling this struct directly, the way the host application exposes
// ManagerConfig/CircuitBreakerConfig via DefaultXConfig() plus overrides.
type Config struct {
	URL          string
	WebSocketURL string

	DefaultFetchPolicy FetchPolicy
	DefaultCacheTTLMs  int64
	MaxCacheBytes      int64

	AsForm                bool
	SendDocumentIDAsQuery bool

	TransformRequest func(*http.Request) error
	GeneratePayload  func(ctx context.Context) (interface{}, error)

	DefaultSubscriptionOptions DefaultSubscriptionOptions

	HTTPClient     *http.Client
	CircuitBreaker transport.CircuitBreakerConfig
	Dialer         subscription.Dialer

	// MaxReadBytes bounds inbound WebSocket frame size; zero means
	// unbounded. See subscription.Config.MaxReadBytes.
	MaxReadBytes int64
	// OnConnected and OnDisconnected are connection-level subscription
	// engine hooks, fired once per physical WebSocket connection rather
	// than per subscription. See subscription.Config.
	OnConnected    func()
	OnDisconnected func(CloseReason)

	Logger *zap.Logger
}

// Option mutates a Config during construction.
type Option func(*Config)

// WithWebSocketURL sets the WebSocket endpoint used by subscriptions,
// independent of the HTTP query URL.
func WithWebSocketURL(url string) Option {
	return func(c *Config) { c.WebSocketURL = url }
}

// WithDefaultFetchPolicy overrides the cache-first default.
func WithDefaultFetchPolicy(policy FetchPolicy) Option {
	return func(c *Config) { c.DefaultFetchPolicy = policy }
}

// WithDefaultCacheTTL overrides the default freshness window.
func WithDefaultCacheTTL(ttl time.Duration) Option {
	return func(c *Config) { c.DefaultCacheTTLMs = ttl.Milliseconds() }
}

// WithMaxCacheBytes overrides the soft cache budget.
func WithMaxCacheBytes(maxBytes int64) Option {
	return func(c *Config) { c.MaxCacheBytes = maxBytes }
}

// WithAsForm switches the HTTP executor to multipart form encoding.
func WithAsForm(asForm bool) Option {
	return func(c *Config) { c.AsForm = asForm }
}

// WithSendDocumentIDAsQuery moves documentId to the URL query string.
func WithSendDocumentIDAsQuery(v bool) Option {
	return func(c *Config) { c.SendDocumentIDAsQuery = v }
}

// WithTransformRequest installs a hook applied to every outbound HTTP
// request after headers are set but before it is sent, e.g. for auth.
func WithTransformRequest(fn func(*http.Request) error) Option {
	return func(c *Config) { c.TransformRequest = fn }
}

// WithGeneratePayload installs the hook that builds the connection_init
// payload, e.g. to attach an auth token to every new WebSocket connection.
func WithGeneratePayload(fn func(ctx context.Context) (interface{}, error)) Option {
	return func(c *Config) { c.GeneratePayload = fn }
}

// WithDefaultSubscriptionOptions sets the strategies and hooks applied to
// subscriptions that do not specify their own.
func WithDefaultSubscriptionOptions(opts DefaultSubscriptionOptions) Option {
	return func(c *Config) { c.DefaultSubscriptionOptions = opts }
}

// WithHTTPClient overrides the *http.Client used by the query executor.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Config) { c.HTTPClient = client }
}

// WithCircuitBreaker overrides the HTTP executor's circuit breaker
// parameters.
func WithCircuitBreaker(cfg transport.CircuitBreakerConfig) Option {
	return func(c *Config) { c.CircuitBreaker = cfg }
}

// WithDialer overrides the WebSocket dialer, e.g. to inject a fake
// transport in tests.
func WithDialer(d subscription.Dialer) Option {
	return func(c *Config) { c.Dialer = d }
}

// WithMaxReadBytes bounds inbound WebSocket frame size.
func WithMaxReadBytes(n int64) Option {
	return func(c *Config) { c.MaxReadBytes = n }
}

// WithConnectionHooks installs connection-level subscription engine hooks,
// distinct from any single subscription's onClose.
func WithConnectionHooks(onConnected func(), onDisconnected func(CloseReason)) Option {
	return func(c *Config) {
		c.OnConnected = onConnected
		c.OnDisconnected = onDisconnected
	}
}

// WithLogger installs a *zap.Logger shared by every component.
func WithLogger(l *zap.Logger) Option {
	return func(c *Config) { c.Logger = l }
}

func (c Config) validate() error {
	if c.URL == "" {
		return graphqlerr.New(graphqlerr.CategoryConfig, "graphqlcore: URL must not be empty")
	}
	switch c.DefaultFetchPolicy {
	case "", cache.CacheFirst, cache.NoCache, cache.CacheAndNetwork:
	default:
		return graphqlerr.New(graphqlerr.CategoryConfig, "graphqlcore: DefaultFetchPolicy is not a recognized fetch policy")
	}
	if c.DefaultCacheTTLMs < 0 {
		return graphqlerr.New(graphqlerr.CategoryConfig, "graphqlcore: DefaultCacheTTLMs must be >= 0")
	}
	if c.MaxCacheBytes < 0 {
		return graphqlerr.New(graphqlerr.CategoryConfig, "graphqlcore: MaxCacheBytes must be >= 0")
	}
	return nil
}

func (c Config) fetchPolicy() FetchPolicy {
	if c.DefaultFetchPolicy == "" {
		return cache.CacheFirst
	}
	return c.DefaultFetchPolicy
}

func (c Config) cacheTTL() time.Duration {
	if c.DefaultCacheTTLMs <= 0 {
		return cache.DefaultTTL
	}
	return time.Duration(c.DefaultCacheTTLMs) * time.Millisecond
}

func (c Config) webSocketURL() string {
	if c.WebSocketURL != "" {
		return c.WebSocketURL
	}
	return c.URL
}
