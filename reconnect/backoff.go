// Package reconnect implements the exponential backoff reconnection
// strategy: a factory producing per-connection Handlers that decide whether
// to reconnect, and after how long, based on the close reason of the
// previous attempt.
package reconnect

import (
	"math"
	"math/rand"
	"sync"
	"time"

	cenkaltibackoff "github.com/cenkalti/backoff/v4"

	"graphqlcore/graphqlerr"
	"graphqlcore/model"
)

// Handler is a per-connection reconnection decision-maker.
type Handler interface {
	// OnReconnectionAttempt returns the wait policy for a close with the
	// given reason: -1 gives up, 0 reconnects immediately, a positive value
	// is milliseconds to wait before reconnecting.
	OnReconnectionAttempt(reason model.CloseReason) int
	// OnConnected resets the attempt counter on a successful connection.
	OnConnected()
	// OnClose resets the attempt counter, mirroring OnConnected — a clean
	// disconnect should not carry stale attempt state into the next cycle.
	OnClose()
}

// Strategy is a factory producing per-connection Handlers.
type Strategy interface {
	NewHandler() Handler
}

// Config parameterizes the exponential backoff strategy.
type Config struct {
	InitialMs   time.Duration
	MaxMs       time.Duration
	Multiplier  float64
	MaxAttempts int // 0 means unbounded
	Jitter      bool

	// randSource, when set, backs the jitter factor; tests inject a seeded
	// source for determinism. Unexported: not part of the public surface.
	randSource *rand.Rand
}

// Validate checks the invariants required by §4.6, returning a
// graphqlerr.Error (CategoryConfig) rather than deferring to first use.
func (c Config) Validate() error {
	if c.InitialMs < 0 {
		return graphqlerr.New(graphqlerr.CategoryConfig, "reconnect: InitialMs must be >= 0")
	}
	if c.MaxMs < c.InitialMs {
		return graphqlerr.New(graphqlerr.CategoryConfig, "reconnect: MaxMs must be >= InitialMs")
	}
	if c.Multiplier <= 1 {
		return graphqlerr.New(graphqlerr.CategoryConfig, "reconnect: Multiplier must be > 1")
	}
	if c.MaxAttempts < 0 {
		return graphqlerr.New(graphqlerr.CategoryConfig, "reconnect: MaxAttempts must be >= 0")
	}
	return nil
}

// Delay returns the deterministic delay for attempt n (1-indexed), before
// jitter: min(MaxMs, InitialMs * Multiplier^(n-1)). Exposed for the
// backoff-monotonicity testable property (§8.5).
func (c Config) Delay(n int) time.Duration {
	base := float64(c.InitialMs) * math.Pow(c.Multiplier, float64(n-1))
	capped := math.Min(float64(c.MaxMs), base)
	return time.Duration(capped)
}

// jitteredDelay applies the spec's uniform [0.75, 1.25] jitter factor to a
// base delay, clamping to >= 0. The cenkalti/backoff/v4 ExponentialBackOff
// type exposes the equivalent RandomizationFactor field for a running
// backoff driven by backoff.Retry; here the spec requires a pure function of
// the attempt number so callers can replay exact delays in tests (S5), which
// that stateful API cannot provide directly — see DESIGN.md.
func jitteredDelay(base time.Duration, r *rand.Rand) time.Duration {
	factor := 0.75 + r.Float64()*0.5
	d := float64(base) * factor
	if d < 0 {
		d = 0
	}
	return time.Duration(math.Round(d))
}

// NewExponentialBackoff validates cfg and returns the Strategy. It panics
// never; invalid configuration is reported as an error, per §7.
func NewExponentialBackoff(cfg Config) (Strategy, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.randSource == nil {
		cfg.randSource = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &exponentialBackoffStrategy{cfg: cfg}, nil
}

// MustNewExponentialBackoff is NewExponentialBackoff for callers
// constructing a Strategy from a fixed, known-valid Config (e.g. the
// package default), panicking instead of threading an error through a
// call site that can never actually fail validation.
func MustNewExponentialBackoff(cfg Config) Strategy {
	s, err := NewExponentialBackoff(cfg)
	if err != nil {
		panic(err)
	}
	return s
}

// NewExponentialBackoffWithRand is the deterministic variant used by tests:
// it accepts an explicit *rand.Rand so jittered delays are reproducible.
func NewExponentialBackoffWithRand(cfg Config, r *rand.Rand) (Strategy, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.randSource = r
	return &exponentialBackoffStrategy{cfg: cfg}, nil
}

type exponentialBackoffStrategy struct {
	cfg Config
}

func (s *exponentialBackoffStrategy) NewHandler() Handler {
	return &exponentialBackoffHandler{cfg: s.cfg}
}

type exponentialBackoffHandler struct {
	cfg     Config
	mu      sync.Mutex
	attempt int
}

func (h *exponentialBackoffHandler) OnReconnectionAttempt(reason model.CloseReason) int {
	if reason.IsTerminal() {
		return -1
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.attempt++
	if h.cfg.MaxAttempts > 0 && h.attempt > h.cfg.MaxAttempts {
		return -1
	}

	delay := h.cfg.Delay(h.attempt)
	if h.cfg.Jitter {
		delay = jitteredDelay(delay, h.cfg.randSource)
	}
	return int(delay / time.Millisecond)
}

func (h *exponentialBackoffHandler) OnConnected() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.attempt = 0
}

func (h *exponentialBackoffHandler) OnClose() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.attempt = 0
}

// backOffAdapter exposes a Config's delay formula through the
// cenkalti/backoff/v4 BackOff interface for callers that want to drive
// reconnection with backoff.Retry instead of the Handler protocol above.
// Grounded on the host application's connection.NewExponentialBackoff,
// which configures the same library fields (InitialInterval, MaxInterval,
// Multiplier, RandomizationFactor) from its own BackoffConfig.
type backOffAdapter struct {
	cfg     Config
	attempt int
}

// AsCenkaltiBackOff returns a cenkalti/backoff/v4-compatible BackOff driven
// by the same Config, for interop with libraries expecting that interface.
func AsCenkaltiBackOff(cfg Config) cenkaltibackoff.BackOff {
	return &backOffAdapter{cfg: cfg}
}

func (a *backOffAdapter) NextBackOff() time.Duration {
	a.attempt++
	if a.cfg.MaxAttempts > 0 && a.attempt > a.cfg.MaxAttempts {
		return cenkaltibackoff.Stop
	}
	return a.cfg.Delay(a.attempt)
}

func (a *backOffAdapter) Reset() {
	a.attempt = 0
}
