package subscription

import (
	"sync"
	"sync/atomic"

	"graphqlcore/graphqlerr"
	"graphqlcore/model"
	"graphqlcore/timeout"
	"graphqlcore/wire"
)

// Operation is one multiplexed subscription carried on a shared Connection.
// Its Timeout Handler is instantiated per Operation rather than per
// Connection (resolving the ambiguity between §4.4's "per Connection"
// prose and §4.5's TimeoutApi.subscriptionId/request fields, which only
// make sense bound to a single subscription — see DESIGN.md): each
// operation can therefore specify its own strategy and parameters, while
// connection-wide signals (socket open, ack, every inbound frame) are still
// broadcast to every operation's handler by the owning connection.
type Operation struct {
	id      string
	conn    *connection
	req     model.Request
	onOpen  func()
	onData  func(*model.Result)
	onClose func(model.CloseReason)
	handler timeout.Handler

	seenNext int32
	opened   sync.Once
	closed   sync.Once
}

func newOperation(conn *connection, id string, req model.Request, opts SubscribeOptions) *Operation {
	op := &Operation{
		id:      id,
		conn:    conn,
		req:     req,
		onOpen:  opts.OnOpen,
		onData:  opts.OnData,
		onClose: opts.OnClose,
	}
	strategy := opts.TimeoutStrategy
	if strategy == nil {
		strategy = noopStrategy{}
	}
	op.handler = strategy.NewHandler(&timeoutAPI{op: op})
	return op
}

// ID returns the localId assigned to this operation's subscribe frame.
func (o *Operation) ID() string { return o.id }

func (o *Operation) subscribePayload() wire.SubscribePayload {
	return wire.SubscribePayload{
		Query:         o.req.Query,
		DocumentID:    o.req.DocumentID,
		Variables:     o.req.Variables,
		OperationName: o.req.OperationName,
		Extensions:    o.req.Extensions,
	}
}

func (o *Operation) markSeenNext() {
	atomic.StoreInt32(&o.seenNext, 1)
}

func (o *Operation) hasSeenNext() bool {
	return atomic.LoadInt32(&o.seenNext) == 1
}

// notifyOpen fires OnOpen exactly once, when the operation's subscribe
// frame is first sent on an acked connection.
func (o *Operation) notifyOpen() {
	o.opened.Do(func() {
		if o.onOpen != nil {
			o.onOpen()
		}
	})
}

func (o *Operation) deliver(res *model.Result) {
	if o.onData != nil {
		o.onData(res)
	}
}

func (o *Operation) notifyClose(reason model.CloseReason) {
	o.closed.Do(func() {
		if o.onClose != nil {
			o.onClose(reason)
		}
	})
}

// Abort is the consumer-initiated close (§4.4): a complete frame is sent
// toward the server if the connection has completed its handshake
// (ConnReady), then the operation closes locally with reason Client.
func (o *Operation) Abort() {
	o.conn.closeOperation(o, model.ReasonClient, true)
}

// timeoutAPI adapts an Operation to timeout.API, the narrow capability set
// a Handler is given so it never touches the socket or the connection
// directly.
type timeoutAPI struct {
	op *Operation
}

func (a *timeoutAPI) Send(msg wire.Message) error {
	switch a.op.conn.getState() {
	case ConnOpen, ConnHandshakePending, ConnReady:
		return a.op.conn.send(msg)
	default:
		return graphqlerr.New(graphqlerr.CategoryProtocol, "subscription: connection is not open")
	}
}

func (a *timeoutAPI) Abort(reason model.CloseReason) {
	a.op.conn.teardown(reason)
}

func (a *timeoutAPI) Request() model.Request {
	return a.op.req
}

func (a *timeoutAPI) SubscriptionID() string {
	return a.op.id
}

// noopStrategy is used when a subscription specifies no timeout strategy:
// its Handler ignores every hook.
type noopStrategy struct{}

func (noopStrategy) NewHandler(timeout.API) timeout.Handler { return noopHandler{} }

type noopHandler struct{}

func (noopHandler) OnOpen()                                {}
func (noopHandler) OnAck()                                 {}
func (noopHandler) OnInbound(wire.Message) (consumed bool) { return false }
func (noopHandler) OnOutbound(wire.Message)                {}
func (noopHandler) OnClose(model.CloseReason)              {}
