// Package transport implements the HTTP Query Executor: a single
// request/response cycle for a Request, delegated to an injectable
// net/http.Client and wrapped in a circuit breaker so a persistently
// failing endpoint short-circuits before every call pays a full timeout —
// grounded on the host application's connection.CircuitBreaker wrapping
// outbound router dials with github.com/sony/gobreaker/v2.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"graphqlcore/async"
	"graphqlcore/cache"
	"graphqlcore/graphqlerr"
	"graphqlcore/log"
	"graphqlcore/model"
)

// RequestIDHeader carries a per-request correlation ID, one per HTTP
// round trip, mirroring the host application's request_id middleware
// (there ULID-based for server-side log correlation; here a fresh
// google/uuid per outbound call, matching how its bridge operations tag
// themselves for undo correlation).
const RequestIDHeader = "X-Request-ID"

// jsonBody mirrors the JSON request body shape of §6.
type jsonBody struct {
	Query         *string                `json:"query,omitempty"`
	DocumentID    *string                `json:"documentId,omitempty"`
	Variables     map[string]interface{} `json:"variables,omitempty"`
	OperationName string                 `json:"operationName,omitempty"`
	Extensions    map[string]interface{} `json:"extensions,omitempty"`
}

// CircuitBreakerConfig mirrors the host application's
// connection.CircuitBreakerConfig: consecutive-failure trip threshold, open
// cooldown, and half-open probe budget.
type CircuitBreakerConfig struct {
	MaxFailures uint32
	Timeout     time.Duration
	MaxRequests uint32
}

// DefaultCircuitBreakerConfig returns sane defaults: 5 consecutive failures
// trip the breaker, with a 30s cooldown.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{MaxFailures: 5, Timeout: 30 * time.Second, MaxRequests: 1}
}

// Config configures a Executor.
type Config struct {
	URL                   string
	AsForm                bool
	SendDocumentIDAsQuery bool
	TransformRequest      func(*http.Request) error
	HTTPClient            *http.Client
	CircuitBreaker        CircuitBreakerConfig
	Logger                *zap.Logger
}

// Executor performs one request/response cycle for a Request and produces a
// Result, satisfying cache.Executor.
type Executor struct {
	cfg     Config
	client  *http.Client
	breaker *gobreaker.CircuitBreaker[*model.Result]
	logger  *zap.Logger
}

// New validates cfg and returns an Executor.
func New(cfg Config) (*Executor, error) {
	if cfg.URL == "" {
		return nil, graphqlerr.New(graphqlerr.CategoryConfig, "transport: URL must not be empty")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.CircuitBreaker == (CircuitBreakerConfig{}) {
		cfg.CircuitBreaker = DefaultCircuitBreakerConfig()
	}

	logger := log.NopIfNil(cfg.Logger)
	settings := gobreaker.Settings{
		Name:        "graphqlcore-http-executor",
		MaxRequests: cfg.CircuitBreaker.MaxRequests,
		Timeout:     cfg.CircuitBreaker.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.CircuitBreaker.MaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Info("transport: circuit breaker state change", zap.String("from", from.String()), zap.String("to", to.String()))
		},
	}

	return &Executor{
		cfg:     cfg,
		client:  cfg.HTTPClient,
		breaker: gobreaker.NewCircuitBreaker[*model.Result](settings),
		logger:  logger,
	}, nil
}

// Execute performs one request/response cycle, returning a PendingQuery
// whose Future never rejects — any failure (send, parse, breaker trip, or
// explicit Abort) resolves it with a networkError Result instead.
func (e *Executor) Execute(ctx context.Context, req model.Request) *cache.PendingQuery {
	fut := async.New[*model.Result]()
	ctx, cancel := context.WithCancel(ctx)

	go func() {
		res := e.do(ctx, req)
		fut.Resolve(res)
	}()

	return &cache.PendingQuery{
		Future: fut,
		Abort:  cancel,
	}
}

func (e *Executor) do(ctx context.Context, req model.Request) *model.Result {
	result, err := e.breaker.Execute(func() (*model.Result, error) {
		return e.send(ctx, req)
	})
	if err != nil {
		if ctx.Err() != nil {
			e.logger.Warn("transport: request aborted", zap.Error(ctx.Err()))
			return model.NewNetworkErrorResult("request aborted")
		}
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			e.logger.Error("transport: circuit breaker open, request short-circuited", zap.Error(err))
		} else {
			e.logger.Warn("transport: request failed", zap.Error(err))
		}
		return model.NewNetworkErrorResult(err.Error())
	}
	return result
}

func (e *Executor) send(ctx context.Context, req model.Request) (*model.Result, error) {
	httpReq, err := e.buildRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	httpReq.Header.Set("Accept", "application/json, application/graphql-response+json")
	httpReq.Header.Set(RequestIDHeader, uuid.New().String())
	if e.cfg.TransformRequest != nil {
		if err := e.cfg.TransformRequest(httpReq); err != nil {
			return nil, err
		}
	}

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	// §9: application/json and application/graphql-response+json are
	// parsed identically; no stricter content-type dispatch is added.
	var parsed struct {
		Data       json.RawMessage     `json:"data,omitempty"`
		Errors     []model.ErrorRecord `json:"errors,omitempty"`
		Extensions json.RawMessage     `json:"extensions,omitempty"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("graphqlcore: malformed response body: %w", err)
	}

	// Data is dropped whenever errors are present, keeping Result's
	// data-or-errors invariant.
	if len(parsed.Errors) > 0 {
		parsed.Data = nil
	}
	return &model.Result{
		Data:       parsed.Data,
		Errors:     parsed.Errors,
		Extensions: parsed.Extensions,
		Size:       model.SizeForBody(len(body)),
	}, nil
}

func (e *Executor) buildRequest(ctx context.Context, req model.Request) (*http.Request, error) {
	target := e.cfg.URL
	body := jsonBody{
		Query:         req.Query,
		DocumentID:    req.DocumentID,
		Variables:     req.Variables,
		OperationName: req.OperationName,
		Extensions:    req.Extensions,
	}

	if req.DocumentID != nil && e.cfg.SendDocumentIDAsQuery {
		u, err := url.Parse(target)
		if err != nil {
			return nil, err
		}
		q := u.Query()
		q.Set("documentId", *req.DocumentID)
		u.RawQuery = q.Encode()
		target = u.String()
		body.DocumentID = nil
	}

	var reader io.Reader
	var contentType string
	if e.cfg.AsForm {
		buf := &bytes.Buffer{}
		w := multipart.NewWriter(buf)
		if body.Query != nil {
			_ = w.WriteField("query", *body.Query)
		}
		if body.DocumentID != nil {
			_ = w.WriteField("documentId", *body.DocumentID)
		}
		if body.OperationName != "" {
			_ = w.WriteField("operationName", body.OperationName)
		}
		if body.Variables != nil {
			vb, err := json.Marshal(body.Variables)
			if err != nil {
				return nil, err
			}
			_ = w.WriteField("variables", string(vb))
		}
		if body.Extensions != nil {
			eb, err := json.Marshal(body.Extensions)
			if err != nil {
				return nil, err
			}
			_ = w.WriteField("extensions", string(eb))
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		reader = buf
		contentType = w.FormDataContentType()
	} else {
		jb, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(jb)
		contentType = "application/json"
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target, reader)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", contentType)
	return httpReq, nil
}
