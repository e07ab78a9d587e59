// Package wire encodes and decodes graphql-transport-ws frames exchanged as
// JSON text frames over the WebSocket, grounded on the host application's
// graphql/subscription websocket handler (which speaks the same protocol
// from the server side).
package wire

import (
	"encoding/json"

	"graphqlcore/model"
)

// MessageType enumerates the graphql-transport-ws frame variants. Unknown
// values are tolerated: Decode never errors on an unrecognized type, it is
// left for a timeout strategy or the caller to inspect and discard.
type MessageType string

const (
	ConnectionInit MessageType = "connection_init"
	ConnectionAck  MessageType = "connection_ack"
	Ping           MessageType = "ping"
	Pong           MessageType = "pong"
	Subscribe      MessageType = "subscribe"
	Next           MessageType = "next"
	Error          MessageType = "error"
	Complete       MessageType = "complete"
)

// Message is the wire envelope common to every frame variant. Payload is
// decoded lazily by the helpers below once Type is known.
type Message struct {
	ID      string          `json:"id,omitempty"`
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// SubscribePayload is the payload of a subscribe frame.
type SubscribePayload struct {
	Query         *string                `json:"query,omitempty"`
	DocumentID    *string                `json:"documentId,omitempty"`
	Variables     map[string]interface{} `json:"variables,omitempty"`
	OperationName string                 `json:"operationName,omitempty"`
	Extensions    map[string]interface{} `json:"extensions,omitempty"`
}

// NextPayload is the payload of a next frame.
type NextPayload struct {
	Data       json.RawMessage `json:"data,omitempty"`
	Errors     []model.ErrorRecord `json:"errors,omitempty"`
	Extensions json.RawMessage `json:"extensions,omitempty"`
}

// PingPongPayload is the optional payload carried by ping/pong frames. The
// Correlated-Ping timeout strategy uses Payload.ID to correlate a pong with
// the ping that solicited it.
type PingPongPayload struct {
	ID string `json:"id,omitempty"`
}

// Decode parses a raw text frame into a Message. It never fails on an
// unrecognized Type; it only fails if the envelope itself is not valid JSON.
func Decode(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, err
	}
	return msg, nil
}

// Encode serializes a Message to its wire JSON text form.
func Encode(msg Message) ([]byte, error) {
	return json.Marshal(msg)
}

func marshalPayload(v interface{}) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

// NewConnectionInit builds a connection_init frame with an optional payload.
func NewConnectionInit(payload interface{}) (Message, error) {
	p, err := marshalPayload(payload)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: ConnectionInit, Payload: p}, nil
}

// NewSubscribe builds a subscribe frame for the given operation id.
func NewSubscribe(id string, payload SubscribePayload) (Message, error) {
	p, err := marshalPayload(payload)
	if err != nil {
		return Message{}, err
	}
	return Message{ID: id, Type: Subscribe, Payload: p}, nil
}

// NewComplete builds a complete frame for the given operation id.
func NewComplete(id string) Message {
	return Message{ID: id, Type: Complete}
}

// NewPing builds a ping frame, optionally carrying a correlation id.
func NewPing(id string) (Message, error) {
	p, err := marshalPayload(PingPongPayload{ID: id})
	if err != nil {
		return Message{}, err
	}
	return Message{Type: Ping, Payload: p}, nil
}

// NewPong builds a pong frame echoing the given payload verbatim (an empty
// payload is preserved as nil rather than synthesized).
func NewPong(payload json.RawMessage) Message {
	return Message{Type: Pong, Payload: payload}
}

// DecodeSubscribePayload parses a subscribe frame's payload.
func (m Message) DecodeSubscribePayload() (SubscribePayload, error) {
	var p SubscribePayload
	if len(m.Payload) == 0 {
		return p, nil
	}
	err := json.Unmarshal(m.Payload, &p)
	return p, err
}

// DecodeNextPayload parses a next frame's payload.
func (m Message) DecodeNextPayload() (NextPayload, error) {
	var p NextPayload
	if len(m.Payload) == 0 {
		return p, nil
	}
	err := json.Unmarshal(m.Payload, &p)
	return p, err
}

// DecodeErrorPayload parses an error frame's payload: a bare array of
// ErrorRecord, per the protocol (not wrapped in an object).
func (m Message) DecodeErrorPayload() ([]model.ErrorRecord, error) {
	var errs []model.ErrorRecord
	if len(m.Payload) == 0 {
		return nil, nil
	}
	err := json.Unmarshal(m.Payload, &errs)
	return errs, err
}

// DecodePingPongPayload parses a ping or pong frame's optional payload.
func (m Message) DecodePingPongPayload() (PingPongPayload, error) {
	var p PingPongPayload
	if len(m.Payload) == 0 {
		return p, nil
	}
	err := json.Unmarshal(m.Payload, &p)
	return p, err
}
