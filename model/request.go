package model

import (
	"encoding/json"
	"errors"
	"sort"
)

// ErrInvalidRequest is returned when a Request carries neither or both of
// Query and DocumentID.
var ErrInvalidRequest = errors.New("graphqlcore: request must set exactly one of Query or DocumentID")

// Request is a single GraphQL operation: either a query document or a
// reference to a previously-registered persisted document, plus variables,
// an optional operation name, and arbitrary extensions.
type Request struct {
	Query         *string
	DocumentID    *string
	Variables     map[string]interface{}
	OperationName string
	Extensions    map[string]interface{}
}

// Validate checks that exactly one of Query or DocumentID carries operation
// identity, per the data model's invariant.
func (r Request) Validate() error {
	hasQuery := r.Query != nil && *r.Query != ""
	hasDoc := r.DocumentID != nil && *r.DocumentID != ""
	if hasQuery == hasDoc {
		return ErrInvalidRequest
	}
	return nil
}

// Fingerprint returns the canonical serialization of the request used as the
// cache key. Object keys are sorted recursively so that callers supplying
// variables in different insertion orders land on the same cache entry; this
// is a deliberate deviation from the literal insertion-order rule of the
// source system (see DESIGN.md "fingerprint stability").
func (r Request) Fingerprint() (string, error) {
	payload := map[string]interface{}{
		"variables": r.Variables,
	}
	if r.Query != nil && *r.Query != "" {
		payload["query"] = *r.Query
	}
	if r.DocumentID != nil && *r.DocumentID != "" {
		payload["documentId"] = *r.DocumentID
	}
	if r.OperationName != "" {
		payload["operationName"] = r.OperationName
	}
	if len(r.Extensions) > 0 {
		payload["extensions"] = r.Extensions
	}
	var buf []byte
	buf, err := canonicalMarshal(payload)
	if err != nil {
		return "", err
	}
	return string(buf), nil
}

// canonicalMarshal marshals v to JSON with map keys sorted at every level,
// recursing through maps and slices so that nested variable objects are
// also canonicalized.
func canonicalMarshal(v interface{}) ([]byte, error) {
	normalized := normalize(v)
	return json.Marshal(normalized)
}

func normalize(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		ordered := make(orderedMap, 0, len(keys))
		for _, k := range keys {
			ordered = append(ordered, orderedField{Key: k, Value: normalize(val[k])})
		}
		return ordered
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = normalize(item)
		}
		return out
	default:
		return v
	}
}

// orderedMap marshals as a JSON object preserving the slice's insertion
// order, letting normalize() emit keys in sorted order deterministically.
type orderedField struct {
	Key   string
	Value interface{}
}

type orderedMap []orderedField

func (m orderedMap) MarshalJSON() ([]byte, error) {
	buf := []byte{'{'}
	for i, f := range m {
		if i > 0 {
			buf = append(buf, ',')
		}
		keyJSON, err := json.Marshal(f.Key)
		if err != nil {
			return nil, err
		}
		valJSON, err := json.Marshal(f.Value)
		if err != nil {
			return nil, err
		}
		buf = append(buf, keyJSON...)
		buf = append(buf, ':')
		buf = append(buf, valJSON...)
	}
	buf = append(buf, '}')
	return buf, nil
}
