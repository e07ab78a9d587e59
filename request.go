package graphqlcore

import (
	"graphqlcore/cache"
	"graphqlcore/model"
)

// Request, Result, ErrorRecord, and CloseReason re-export the data model
// types so callers only need to import the root package for the common
// path; the lower-level packages remain importable directly for embedders
// that only need one concern (e.g. a bare transport.Executor).
type (
	Request     = model.Request
	Result      = model.Result
	ErrorRecord = model.ErrorRecord
	CloseReason = model.CloseReason
)

// Close reasons, re-exported from model.
const (
	ReasonClient      = model.ReasonClient
	ReasonServer      = model.ReasonServer
	ReasonServerError = model.ReasonServerError
	ReasonTimeout     = model.ReasonTimeout
	ReasonError       = model.ReasonError
)

// FetchPolicy and its values, re-exported from cache.
type FetchPolicy = cache.FetchPolicy

const (
	CacheFirst      = cache.CacheFirst
	NoCache         = cache.NoCache
	CacheAndNetwork = cache.CacheAndNetwork
)
