package cache

import (
	"context"

	"graphqlcore/async"
	"graphqlcore/model"
)

// PendingQuery is the in-flight handle an Executor returns for a single
// request/response cycle.
type PendingQuery struct {
	Future *async.Future[*model.Result]
	Abort  func()
}

// Executor performs one request/response cycle for a Request, producing a
// Result. Implemented by transport.Executor; accepted here as an interface
// so the cache never depends on the HTTP transport package directly.
type Executor interface {
	Execute(ctx context.Context, req model.Request) *PendingQuery
}
