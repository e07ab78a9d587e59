package model

// Location points at a position in a GraphQL document referenced by an error.
type Location struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// ErrorRecord is a single GraphQL error as defined by the spec response format.
type ErrorRecord struct {
	Message    string                 `json:"message"`
	Locations  []Location             `json:"locations,omitempty"`
	Path       []interface{}          `json:"path,omitempty"`
	Extensions map[string]interface{} `json:"extensions,omitempty"`
}
