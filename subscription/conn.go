// Package subscription drives the graphql-transport-ws protocol over a
// single multiplexed WebSocket: connection handshake, buffered subscribe
// dispatch, per-operation next/error/complete routing, and default ping/pong
// handling — grounded on the host application's graphql/subscription
// websocket handler (github.com/gorilla/websocket), generalized from the
// server side of the protocol to the client side this spec requires.
package subscription

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"graphqlcore/graphqlerr"
	"graphqlcore/log"
	"graphqlcore/model"
	"graphqlcore/timeout"
	"graphqlcore/wire"
)

// ConnState is the connection lifecycle described in §4.4.
type ConnState int

const (
	ConnConnecting ConnState = iota
	ConnOpen
	ConnHandshakePending
	ConnReady
	ConnClosing
	ConnClosed
)

// Conn is the subset of *websocket.Conn the engine needs, narrowed so a
// fake socket can stand in for tests without a real network round trip.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer opens a Conn for the given URL, negotiating the
// graphql-transport-ws sub-protocol. DefaultDialer wraps
// gorilla/websocket.Dialer.
type Dialer func(ctx context.Context, url string) (Conn, error)

// Config configures an Engine.
type Config struct {
	URL             string
	Dialer          Dialer
	GeneratePayload func(ctx context.Context) (interface{}, error)

	// MaxReadBytes bounds inbound WebSocket frame size, mirroring the host
	// application's WebSocketConfig.MaxMessageSize. Zero means no limit is
	// applied (the underlying socket's own default, if any, still applies).
	MaxReadBytes int64

	// OnConnected and OnDisconnected are connection-level hooks, fired once
	// per physical connection (not per Operation), for consumers that want
	// visibility distinct from a subscription's own onClose.
	OnConnected    func()
	OnDisconnected func(model.CloseReason)

	Logger *zap.Logger
}

// readLimiter is satisfied by *websocket.Conn (via gorillaConn's embedding);
// fakes used in tests may leave it unimplemented, in which case MaxReadBytes
// is simply not enforced against them.
type readLimiter interface {
	SetReadLimit(limit int64)
}

// Engine is a client-side graphql-transport-ws driver: one shared Connection
// lazily opened on first Subscribe, torn down when its last Operation
// closes, per §4.4 "Connection shutdown".
type Engine struct {
	cfg    Config
	logger *zap.Logger

	mu      sync.Mutex
	conn    *connection
	nextID  int64
}

// New validates cfg and returns an Engine.
func New(cfg Config) (*Engine, error) {
	if cfg.URL == "" {
		return nil, graphqlerr.New(graphqlerr.CategoryConfig, "subscription: URL must not be empty")
	}
	if cfg.Dialer == nil {
		cfg.Dialer = DefaultDialer
	}
	return &Engine{cfg: cfg, logger: log.NopIfNil(cfg.Logger)}, nil
}

// SubscribeOptions configures a single subscription.
type SubscribeOptions struct {
	OnOpen          func()
	OnData          func(*model.Result)
	OnClose         func(model.CloseReason)
	TimeoutStrategy timeout.Strategy
}

// Subscribe opens the shared connection if needed and registers a new
// Operation for req, returning a handle the caller uses to abort it.
func (e *Engine) Subscribe(ctx context.Context, req model.Request, opts SubscribeOptions) *Operation {
	e.mu.Lock()
	isNew := e.conn == nil || e.conn.isTerminal()
	if isNew {
		e.conn = newConnection(e)
	}
	conn := e.conn
	e.nextID++
	id := formatOperationID(e.nextID)
	e.mu.Unlock()

	op := newOperation(conn, id, req, opts)
	// addOperation must register op before the connection's dial goroutine
	// starts, so a brand-new connection never races its own onOpen loop
	// against an operation that was meant to observe it.
	conn.addOperation(op)
	if isNew {
		go conn.run(ctx)
	}
	return op
}

// dropConnection clears the engine's reference to conn if it is still the
// current one, so the next Subscribe call opens a fresh Connection.
func (e *Engine) dropConnection(conn *connection) {
	e.mu.Lock()
	if e.conn == conn {
		e.conn = nil
	}
	e.mu.Unlock()
}

func formatOperationID(n int64) string {
	const digits = "0123456789"
	if n == 0 {
		return "0"
	}
	var buf []byte
	for n > 0 {
		buf = append([]byte{digits[n%10]}, buf...)
		n /= 10
	}
	return string(buf)
}

// connection is one physical WebSocket carrying N multiplexed operations.
type connection struct {
	engine *Engine
	sock   Conn

	writeMu sync.Mutex

	mu      sync.Mutex
	state   ConnState
	ops     map[string]*Operation
	pending []*Operation
}

func newConnection(e *Engine) *connection {
	return &connection{engine: e, state: ConnConnecting, ops: make(map[string]*Operation)}
}

func (c *connection) isTerminal() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == ConnClosing || c.state == ConnClosed
}

func (c *connection) getState() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// addOperation registers op. If the connection already completed its
// handshake, the operation's timeout handler is caught up with the
// open/ack signals it missed, and its subscribe frame is sent immediately;
// otherwise op is buffered until connection_ack arrives.
func (c *connection) addOperation(op *Operation) {
	c.mu.Lock()
	c.ops[op.id] = op
	state := c.state
	if state != ConnReady {
		c.pending = append(c.pending, op)
	}
	c.mu.Unlock()

	if state == ConnReady {
		op.handler.OnOpen()
		op.handler.OnAck()
		op.notifyOpen()
		c.sendSubscribe(op)
	}
}

func (c *connection) removeOperation(id string) {
	c.mu.Lock()
	delete(c.ops, id)
	remaining := len(c.ops)
	c.mu.Unlock()
	if remaining == 0 {
		c.closeSocket(model.ReasonClient)
	}
}

func (c *connection) snapshotOps() []*Operation {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Operation, 0, len(c.ops))
	for _, op := range c.ops {
		out = append(out, op)
	}
	return out
}

func (c *connection) run(ctx context.Context) {
	sock, err := c.engine.cfg.Dialer(ctx, c.engine.cfg.URL)
	if err != nil {
		c.teardown(model.ReasonError)
		return
	}

	if limiter, ok := sock.(readLimiter); ok && c.engine.cfg.MaxReadBytes > 0 {
		limiter.SetReadLimit(c.engine.cfg.MaxReadBytes)
	}

	c.mu.Lock()
	c.sock = sock
	c.state = ConnOpen
	c.mu.Unlock()

	c.engine.logger.Info("subscription: socket open", zap.String("url", c.engine.cfg.URL))

	for _, op := range c.snapshotOps() {
		op.handler.OnOpen()
	}

	var payload interface{}
	if c.engine.cfg.GeneratePayload != nil {
		payload, err = c.engine.cfg.GeneratePayload(ctx)
		if err != nil {
			c.teardown(model.ReasonError)
			return
		}
	}
	initMsg, err := wire.NewConnectionInit(payload)
	if err != nil {
		c.teardown(model.ReasonError)
		return
	}

	c.mu.Lock()
	c.state = ConnHandshakePending
	c.mu.Unlock()

	if err := c.send(initMsg); err != nil {
		c.teardown(model.ReasonError)
		return
	}

	c.readLoop()
}

func (c *connection) readLoop() {
	for {
		_, data, err := c.sock.ReadMessage()
		if err != nil {
			c.engine.logger.Warn("subscription: socket read failed", zap.Error(err))
			c.teardown(model.ReasonError)
			return
		}
		msg, err := wire.Decode(data)
		if err != nil {
			c.engine.logger.Warn("subscription: malformed frame, closing connection", zap.Error(err))
			c.teardown(model.ReasonError)
			return
		}
		c.dispatch(msg)
	}
}

func (c *connection) dispatch(msg wire.Message) {
	// Ping and pong reach the timeout handlers through handlePing and
	// handlePong; every other frame, unknown types included, is shown to
	// them here before the engine's own handling.
	if msg.Type != wire.Ping && msg.Type != wire.Pong {
		c.dispatchInbound(msg)
	}
	switch msg.Type {
	case wire.ConnectionAck:
		c.handleAck()
	case wire.Ping:
		c.handlePing(msg)
	case wire.Pong:
		c.handlePong(msg)
	case wire.Next:
		c.handleNext(msg)
	case wire.Error:
		c.handleError(msg)
	case wire.Complete:
		c.handleComplete(msg)
	}
}

func (c *connection) handleAck() {
	c.mu.Lock()
	c.state = ConnReady
	toFlush := c.pending
	c.pending = nil
	ops := make([]*Operation, 0, len(c.ops))
	for _, op := range c.ops {
		ops = append(ops, op)
	}
	c.mu.Unlock()

	c.engine.logger.Info("subscription: handshake complete")
	if c.engine.cfg.OnConnected != nil {
		c.engine.cfg.OnConnected()
	}

	for _, op := range ops {
		op.handler.OnAck()
		op.notifyOpen()
	}
	for _, op := range toFlush {
		c.sendSubscribe(op)
	}
}

// handlePing gives every operation's timeout handler first look (per §4.4,
// "timeout strategies see the inbound ping before the engine's default
// handling"), then replies with pong unless one of them consumed it.
func (c *connection) handlePing(msg wire.Message) {
	if c.dispatchInbound(msg) {
		return
	}
	pong := wire.NewPong(msg.Payload)
	_ = c.send(pong)
}

func (c *connection) handlePong(msg wire.Message) {
	c.dispatchInbound(msg)
}

// dispatchInbound hands msg to every active operation's timeout handler,
// returning true if any of them consumed it.
func (c *connection) dispatchInbound(msg wire.Message) bool {
	consumed := false
	for _, op := range c.snapshotOps() {
		if op.handler.OnInbound(msg) {
			consumed = true
		}
	}
	return consumed
}

func (c *connection) handleNext(msg wire.Message) {
	op := c.lookupOp(msg.ID)
	if op == nil {
		return
	}
	payload, err := msg.DecodeNextPayload()
	if err != nil {
		return
	}
	op.markSeenNext()
	data := payload.Data
	if len(payload.Errors) > 0 {
		data = nil
	}
	op.deliver(&model.Result{Data: data, Errors: payload.Errors, Extensions: payload.Extensions})
}

// handleError implements the §9 distinguishing rule: an error frame for an
// operation id that has not yet seen any next frame is a subscribe
// rejection (ServerError); otherwise it is a mid-stream transport failure
// (Error).
func (c *connection) handleError(msg wire.Message) {
	op := c.lookupOp(msg.ID)
	if op == nil {
		return
	}
	errs, err := msg.DecodeErrorPayload()
	if err != nil {
		return
	}
	op.deliver(&model.Result{Errors: errs})

	reason := model.ReasonError
	if !op.hasSeenNext() {
		reason = model.ReasonServerError
	}
	c.engine.logger.Warn("subscription: error frame received",
		zap.String("operationId", op.id), zap.String("reason", string(reason)))
	c.closeOperation(op, reason, false)
}

func (c *connection) handleComplete(msg wire.Message) {
	op := c.lookupOp(msg.ID)
	if op == nil {
		return
	}
	c.closeOperation(op, model.ReasonServer, false)
}

func (c *connection) lookupOp(id string) *Operation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ops[id]
}

// closeOperation closes op locally with reason, optionally sending a
// complete frame toward the server first (sendComplete is true only for a
// consumer-initiated abort of a still-open connection).
func (c *connection) closeOperation(op *Operation, reason model.CloseReason, sendComplete bool) {
	if sendComplete && c.getState() == ConnReady {
		_ = c.send(wire.NewComplete(op.id))
	}
	op.handler.OnClose(reason)
	op.notifyClose(reason)
	c.removeOperation(op.id)
}

func (c *connection) sendSubscribe(op *Operation) {
	msg, err := wire.NewSubscribe(op.id, op.subscribePayload())
	if err != nil {
		c.closeOperation(op, model.ReasonError, false)
		return
	}
	if err := c.send(msg); err != nil {
		c.closeOperation(op, model.ReasonError, false)
		return
	}
	op.handler.OnOutbound(msg)
}

func (c *connection) send(msg wire.Message) error {
	data, err := wire.Encode(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.sock.WriteMessage(textMessageType, data)
}

// teardown transitions the connection to Closed, notifying every remaining
// operation with reason, then discards the connection from the engine so
// the next Subscribe opens a fresh one.
func (c *connection) teardown(reason model.CloseReason) {
	c.mu.Lock()
	if c.state == ConnClosed {
		c.mu.Unlock()
		return
	}
	c.state = ConnClosing
	ops := make([]*Operation, 0, len(c.ops))
	for _, op := range c.ops {
		ops = append(ops, op)
	}
	c.ops = make(map[string]*Operation)
	c.state = ConnClosed
	c.mu.Unlock()

	c.engine.logger.Error("subscription: connection torn down", zap.String("reason", string(reason)), zap.Int("operations", len(ops)))

	if c.sock != nil {
		_ = c.sock.Close()
	}
	for _, op := range ops {
		op.handler.OnClose(reason)
		op.notifyClose(reason)
	}
	if c.engine.cfg.OnDisconnected != nil {
		c.engine.cfg.OnDisconnected(reason)
	}
	c.engine.dropConnection(c)
}

// closeSocket tears the connection down because its last operation just
// closed locally; the socket itself is not reused (§4.4).
func (c *connection) closeSocket(reason model.CloseReason) {
	c.mu.Lock()
	if c.state == ConnClosed {
		c.mu.Unlock()
		return
	}
	c.state = ConnClosed
	sock := c.sock
	c.mu.Unlock()
	if sock != nil {
		_ = sock.Close()
	}
	if c.engine.cfg.OnDisconnected != nil {
		c.engine.cfg.OnDisconnected(reason)
	}
	c.engine.dropConnection(c)
}

// textMessageType mirrors gorilla/websocket.TextMessage without importing
// the package here, keeping Conn's two integer constants self-contained
// for the fake socket used in tests.
const textMessageType = 1
