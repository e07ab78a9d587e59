package reconnect

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"graphqlcore/model"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"valid", Config{InitialMs: time.Second, MaxMs: 30 * time.Second, Multiplier: 2, MaxAttempts: 10}, false},
		{"negative initial", Config{InitialMs: -1, MaxMs: time.Second, Multiplier: 2}, true},
		{"max below initial", Config{InitialMs: time.Second, MaxMs: time.Millisecond, Multiplier: 2}, true},
		{"multiplier too small", Config{InitialMs: 0, MaxMs: 0, Multiplier: 1}, true},
		{"negative max attempts", Config{InitialMs: 0, MaxMs: 0, Multiplier: 2, MaxAttempts: -1}, true},
		{"zero initial and max attempts unbounded", Config{InitialMs: 0, MaxMs: 0, Multiplier: 2, MaxAttempts: 0}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

// S5 — Backoff with disabled jitter.
func TestS5BackoffNoJitter(t *testing.T) {
	cfg := Config{
		InitialMs:   1000 * time.Millisecond,
		MaxMs:       30000 * time.Millisecond,
		Multiplier:  2,
		MaxAttempts: 10,
		Jitter:      false,
	}
	strategy, err := NewExponentialBackoff(cfg)
	require.NoError(t, err)
	h := strategy.NewHandler()

	expectedMs := []int{1000, 2000, 4000, 8000, 16000, 30000}
	for i, want := range expectedMs {
		got := h.OnReconnectionAttempt(model.ReasonError)
		assert.Equal(t, want, got, "attempt %d", i+1)
	}

	// Attempts 7..10 stay pinned at max, attempt 11 gives up (-1).
	for n := 7; n <= 10; n++ {
		assert.Equal(t, 30000, h.OnReconnectionAttempt(model.ReasonError))
	}
	assert.Equal(t, -1, h.OnReconnectionAttempt(model.ReasonError))
}

func TestBackoffMonotonicityUntilMax(t *testing.T) {
	cfg := Config{InitialMs: 10 * time.Millisecond, MaxMs: 200 * time.Millisecond, Multiplier: 2, MaxAttempts: 0}
	require.NoError(t, cfg.Validate())

	prev := time.Duration(0)
	for n := 1; n <= 10; n++ {
		d := cfg.Delay(n)
		assert.GreaterOrEqual(t, d, prev)
		assert.LessOrEqual(t, d, cfg.MaxMs)
		prev = d
	}
}

func TestReasonServerAndServerErrorNeverReconnect(t *testing.T) {
	cfg := Config{InitialMs: time.Second, MaxMs: time.Second, Multiplier: 2, MaxAttempts: 0}
	strategy, err := NewExponentialBackoff(cfg)
	require.NoError(t, err)
	h := strategy.NewHandler()

	assert.Equal(t, -1, h.OnReconnectionAttempt(model.ReasonServer))
	assert.Equal(t, -1, h.OnReconnectionAttempt(model.ReasonServerError))
}

func TestOnConnectedAndOnCloseResetAttemptCounter(t *testing.T) {
	cfg := Config{InitialMs: 1000 * time.Millisecond, MaxMs: 30000 * time.Millisecond, Multiplier: 2, MaxAttempts: 0}
	strategy, err := NewExponentialBackoff(cfg)
	require.NoError(t, err)
	h := strategy.NewHandler()

	assert.Equal(t, 1000, h.OnReconnectionAttempt(model.ReasonError))
	assert.Equal(t, 2000, h.OnReconnectionAttempt(model.ReasonError))
	h.OnConnected()
	assert.Equal(t, 1000, h.OnReconnectionAttempt(model.ReasonError), "OnConnected must reset the attempt counter")

	assert.Equal(t, 2000, h.OnReconnectionAttempt(model.ReasonError))
	h.OnClose()
	assert.Equal(t, 1000, h.OnReconnectionAttempt(model.ReasonError), "OnClose must reset the attempt counter")
}

func TestJitterStaysWithinBounds(t *testing.T) {
	cfg := Config{InitialMs: 1000 * time.Millisecond, MaxMs: 30000 * time.Millisecond, Multiplier: 2, MaxAttempts: 0, Jitter: true}
	r := rand.New(rand.NewSource(42))
	strategy, err := NewExponentialBackoffWithRand(cfg, r)
	require.NoError(t, err)
	h := strategy.NewHandler()

	for n := 1; n <= 8; n++ {
		got := h.OnReconnectionAttempt(model.ReasonError)
		base := cfg.Delay(n)
		lo := float64(base) * 0.75
		hi := float64(base) * 1.25
		assert.GreaterOrEqual(t, float64(got)*float64(time.Millisecond), lo-float64(time.Millisecond))
		assert.LessOrEqual(t, float64(got)*float64(time.Millisecond), hi+float64(time.Millisecond))
	}
}
