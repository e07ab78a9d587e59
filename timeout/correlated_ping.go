package timeout

import (
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"graphqlcore/model"
	"graphqlcore/wire"
)

// CorrelatedPingParams parameterizes the CorrelatedPing strategy.
type CorrelatedPingParams struct {
	AckTimeoutMs   time.Duration
	PingIntervalMs time.Duration
	PongDeadlineMs time.Duration
}

var (
	correlatedFlyweightsMu sync.Mutex
	correlatedFlyweights   = map[CorrelatedPingParams]Strategy{}
)

// CorrelatedPing returns the flyweight-cached strategy for params: after
// connection_ack, it sends a ping on every tick of PingIntervalMs (skipping
// a tick if a previous ping is still outstanding), arms a PongDeadlineMs
// deadline per ping, and aborts with ReasonTimeout if the ack itself, or any
// armed deadline, expires.
func CorrelatedPing(params CorrelatedPingParams) Strategy {
	correlatedFlyweightsMu.Lock()
	defer correlatedFlyweightsMu.Unlock()
	if s, ok := correlatedFlyweights[params]; ok {
		return s
	}
	s := &correlatedPingStrategy{params: params}
	correlatedFlyweights[params] = s
	return s
}

// ClearCorrelatedPingFlyweights empties the process-wide flyweight cache.
func ClearCorrelatedPingFlyweights() {
	correlatedFlyweightsMu.Lock()
	defer correlatedFlyweightsMu.Unlock()
	correlatedFlyweights = map[CorrelatedPingParams]Strategy{}
}

type correlatedPingStrategy struct {
	params CorrelatedPingParams
}

func (s *correlatedPingStrategy) NewHandler(api API) Handler {
	return &correlatedPingHandler{api: api, params: s.params}
}

type correlatedPingHandler struct {
	api    API
	params CorrelatedPingParams

	mu           sync.Mutex
	ackTimer     *time.Timer
	ticker       *time.Ticker
	tickerStop   chan struct{}
	pongDeadline *time.Timer
	inFlightID   string
}

func (h *correlatedPingHandler) OnOpen() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ackTimer = time.AfterFunc(h.params.AckTimeoutMs, func() {
		h.api.Abort(model.ReasonTimeout)
	})
}

func (h *correlatedPingHandler) OnAck() {
	h.mu.Lock()
	if h.ackTimer != nil {
		h.ackTimer.Stop()
		h.ackTimer = nil
	}
	if h.ticker != nil {
		h.mu.Unlock()
		return
	}
	h.ticker = time.NewTicker(h.params.PingIntervalMs)
	h.tickerStop = make(chan struct{})
	ticker := h.ticker
	stop := h.tickerStop
	h.mu.Unlock()

	go func() {
		for {
			select {
			case <-ticker.C:
				h.onTick()
			case <-stop:
				return
			}
		}
	}()
}

func (h *correlatedPingHandler) onTick() {
	h.mu.Lock()
	if h.inFlightID != "" {
		h.mu.Unlock()
		return
	}
	id := ulid.Make().String()
	h.inFlightID = id
	h.pongDeadline = time.AfterFunc(h.params.PongDeadlineMs, func() {
		h.api.Abort(model.ReasonTimeout)
	})
	h.mu.Unlock()

	msg, err := wire.NewPing(id)
	if err != nil {
		return
	}
	_ = h.api.Send(msg)
}

func (h *correlatedPingHandler) OnOutbound(wire.Message) {}

func (h *correlatedPingHandler) OnInbound(msg wire.Message) bool {
	if msg.Type != wire.Pong {
		return false
	}
	payload, err := msg.DecodePingPongPayload()
	if err != nil {
		return false
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.inFlightID == "" || payload.ID != h.inFlightID {
		return false
	}
	h.inFlightID = ""
	if h.pongDeadline != nil {
		h.pongDeadline.Stop()
		h.pongDeadline = nil
	}
	return true
}

func (h *correlatedPingHandler) OnClose(model.CloseReason) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ackTimer != nil {
		h.ackTimer.Stop()
		h.ackTimer = nil
	}
	if h.ticker != nil {
		h.ticker.Stop()
		close(h.tickerStop)
		h.ticker = nil
	}
	if h.pongDeadline != nil {
		h.pongDeadline.Stop()
		h.pongDeadline = nil
	}
	h.inFlightID = ""
}
