package model

import "encoding/json"

// networkErrorOverhead is the byte charge applied to a failed result's Size,
// and the overhead added on top of a successful body's length, per §3.
const networkErrorOverhead = 1000

// Result is the outcome of one GraphQL operation cycle: either Data, or a
// non-empty Errors list, never both. NetworkError marks a transport-level
// failure (as opposed to a GraphQL-level error returned by the server).
type Result struct {
	Data         json.RawMessage
	Errors       []ErrorRecord
	Extensions   json.RawMessage
	NetworkError bool
	Size         int
}

// NewNetworkErrorResult builds the canonical networkError Result produced
// whenever a send, parse, or cancellation fails before a server response is
// available.
func NewNetworkErrorResult(message string) *Result {
	return &Result{
		NetworkError: true,
		Errors:       []ErrorRecord{{Message: message}},
		Size:         networkErrorOverhead,
	}
}

// SizeForBody returns the cache-budget charge for a successful response body
// of the given byte length: the body length plus the fixed overhead.
func SizeForBody(bodyLen int) int {
	return bodyLen + networkErrorOverhead
}

// HasErrors reports whether the result carries GraphQL errors (distinct from
// a transport-level NetworkError).
func (r *Result) HasErrors() bool {
	return r != nil && len(r.Errors) > 0
}

// Failed reports whether the result should be treated as expired immediately
// by the cache: a network error or a non-empty errors list.
func (r *Result) Failed() bool {
	return r != nil && (r.NetworkError || r.HasErrors())
}
