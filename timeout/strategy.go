// Package timeout provides pluggable per-connection liveness monitors that
// can abort a graphql-transport-ws connection: idle-inactivity and
// correlated ping/pong. Strategies never touch the socket directly; they act
// only through the API injected by the engine.
package timeout

import (
	"graphqlcore/model"
	"graphqlcore/wire"
)

// API is the capability set a Handler is given by the engine. Handlers must
// not retain the socket itself, only this narrow surface, keeping the
// engine<->strategy relationship free of reference cycles.
type API interface {
	// Send transmits a wire message on the owning connection. An error is
	// returned if the connection is not open.
	Send(msg wire.Message) error
	// Abort requests the owning connection (and every operation it carries)
	// close with the given reason.
	Abort(reason model.CloseReason)
	// Request returns the GraphQL request of the subscription this handler
	// was created for.
	Request() model.Request
	// SubscriptionID returns the localId of the subscription this handler
	// was created for.
	SubscriptionID() string
}

// Handler is a per-subscription liveness monitor. Hooks are invoked by the
// engine at the described points; OnInbound may return consumed=true to
// suppress the engine's default handling of a ping frame.
type Handler interface {
	OnOpen()
	OnAck()
	OnInbound(msg wire.Message) (consumed bool)
	OnOutbound(msg wire.Message)
	OnClose(reason model.CloseReason)
}

// Strategy is a factory that produces a Handler bound to a particular
// subscription's API. Implementations are finite variants (Idle,
// CorrelatedPing); consumers should not need to implement their own.
type Strategy interface {
	NewHandler(api API) Handler
}
