package timeout

import (
	"sync"
	"time"

	"graphqlcore/model"
	"graphqlcore/wire"
)

// idleFlyweights caches Idle strategy instances by idleMs, process-wide, so
// that repeated calls to Idle(sameDuration) share one Strategy, matching the
// "global flyweight cache" design note. Tests may call ClearIdleFlyweights
// to reset it between cases.
var (
	idleFlyweightsMu sync.Mutex
	idleFlyweights   = map[time.Duration]Strategy{}
)

// Idle returns the flyweight-cached Idle timeout strategy for idleMs: a
// single deadline that any activity (open, ack, or any inbound frame)
// re-arms, aborting the connection with ReasonTimeout on expiry.
func Idle(idleMs time.Duration) Strategy {
	idleFlyweightsMu.Lock()
	defer idleFlyweightsMu.Unlock()
	if s, ok := idleFlyweights[idleMs]; ok {
		return s
	}
	s := &idleStrategy{idleMs: idleMs}
	idleFlyweights[idleMs] = s
	return s
}

// ClearIdleFlyweights empties the process-wide Idle flyweight cache. Tests
// use this to get fresh Handler instances across cases sharing a duration.
func ClearIdleFlyweights() {
	idleFlyweightsMu.Lock()
	defer idleFlyweightsMu.Unlock()
	idleFlyweights = map[time.Duration]Strategy{}
}

type idleStrategy struct {
	idleMs time.Duration
}

func (s *idleStrategy) NewHandler(api API) Handler {
	return &idleHandler{api: api, idleMs: s.idleMs}
}

type idleHandler struct {
	api    API
	idleMs time.Duration

	mu    sync.Mutex
	timer *time.Timer
}

func (h *idleHandler) rearm() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.timer != nil {
		h.timer.Stop()
	}
	h.timer = time.AfterFunc(h.idleMs, func() {
		h.api.Abort(model.ReasonTimeout)
	})
}

func (h *idleHandler) OnOpen()  { h.rearm() }
func (h *idleHandler) OnAck()   { h.rearm() }
func (h *idleHandler) OnOutbound(wire.Message) {}

func (h *idleHandler) OnInbound(wire.Message) bool {
	h.rearm()
	return false
}

func (h *idleHandler) OnClose(model.CloseReason) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
}
