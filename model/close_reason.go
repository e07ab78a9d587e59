package model

// CloseReason is the taxonomy of reasons a subscription operation or
// connection closes, surfaced to consumers exactly once per handle.
type CloseReason string

const (
	// ReasonClient is a consumer-initiated abort.
	ReasonClient CloseReason = "Client"
	// ReasonServer is a clean server-side completion (complete frame).
	ReasonServer CloseReason = "Server"
	// ReasonServerError is the server rejecting a subscribe before it ever
	// became active (an error frame preceding any next frame for the id).
	ReasonServerError CloseReason = "ServerError"
	// ReasonTimeout is a timeout strategy invoking abort(Timeout).
	ReasonTimeout CloseReason = "Timeout"
	// ReasonError is transport-level loss: unexpected socket close, parse
	// failure, or a server error frame after the operation was active.
	ReasonError CloseReason = "Error"
)

// IsTerminal reports whether a reconnection strategy must never reconnect
// for this reason (§4.6: "reject reconnecting for Server and ServerError").
func (r CloseReason) IsTerminal() bool {
	return r == ReasonServer || r == ReasonServerError
}
