package autosub

import (
	"context"
	"reflect"
	"sync"
	"time"

	"go.uber.org/zap"

	"graphqlcore/graphqlerr"
	"graphqlcore/log"
	"graphqlcore/model"
	"graphqlcore/reconnect"
	"graphqlcore/subscription"
	"graphqlcore/timeout"
)

// VariablesFunc re-evaluates a subscription's variables at every connect
// attempt, instead of capturing a single static value. Per §4.7, a
// VariablesFunc is deliberately excluded from the change-detection capture
// set: it is re-read on each connect but never itself triggers one.
type VariablesFunc func() map[string]interface{}

// Options configures a managed subscription.
type Options struct {
	// ClientIdentity is opaque context (e.g. an auth token) that, when
	// changed, requires re-subscribing; compared with reflect.DeepEqual.
	ClientIdentity interface{}

	Query         *string
	DocumentID    *string
	OperationName string
	Extensions    map[string]interface{}
	// Variables is either a map[string]interface{} (static, captured for
	// change detection) or a VariablesFunc (dynamic, re-evaluated per
	// connect, never captured).
	Variables interface{}

	Enabled bool

	TimeoutStrategy      timeout.Strategy
	ReconnectionStrategy reconnect.Strategy

	OnData        func(*model.Result)
	OnStateChange func(State)
}

func (o Options) request(evaluatedVars map[string]interface{}) model.Request {
	return model.Request{
		Query:         o.Query,
		DocumentID:    o.DocumentID,
		Variables:     evaluatedVars,
		OperationName: o.OperationName,
		Extensions:    o.Extensions,
	}
}

// captureSet is the subset of Options that, when changed, requires
// aborting any active subscription and re-subscribing — §4.7's
// "configuration changes that reasonably require re-subscription".
type captureSet struct {
	clientIdentity  interface{}
	query           *string
	documentID      *string
	operationName   string
	extensions      map[string]interface{}
	enabled         bool
	timeoutStrategy timeout.Strategy
	// staticVariables is nil whenever Options.Variables was a VariablesFunc;
	// a function value is never part of the capture set.
	staticVariables      map[string]interface{}
	reconnectionStrategy reconnect.Strategy
}

func newCaptureSet(opts Options) captureSet {
	cs := captureSet{
		clientIdentity:       opts.ClientIdentity,
		query:                opts.Query,
		documentID:           opts.DocumentID,
		operationName:        opts.OperationName,
		extensions:           opts.Extensions,
		enabled:              opts.Enabled,
		timeoutStrategy:      opts.TimeoutStrategy,
		reconnectionStrategy: opts.ReconnectionStrategy,
	}
	if v, ok := opts.Variables.(map[string]interface{}); ok {
		cs.staticVariables = v
	}
	return cs
}

func (a captureSet) equal(b captureSet) bool {
	return reflect.DeepEqual(a, b)
}

// Orchestrator manages one subscription's connect/reconnect/reject/complete
// lifecycle atop a shared subscription.Engine.
type Orchestrator struct {
	engine *subscription.Engine
	logger *zap.Logger

	mu      sync.Mutex
	opts    Options
	capture captureSet
	state   State
	op      *subscription.Operation
	handler reconnect.Handler
	timer   *time.Timer
	gen     int
}

// New returns a disabled Orchestrator bound to engine. Call Configure to
// supply options and, if Enabled is true, start connecting.
func New(engine *subscription.Engine, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{engine: engine, logger: log.NopIfNil(logger), state: Disconnected}
}

// State returns the orchestrator's current state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Configure applies opts. If the capture set changed (or this is the first
// call) while enabled, any active subscription is aborted and a new one is
// started with the fresh options; disabling aborts and settles at
// Disconnected per §4.7.
func (o *Orchestrator) Configure(ctx context.Context, opts Options) error {
	if opts.Enabled && opts.Query == nil && opts.DocumentID == nil {
		return graphqlerr.New(graphqlerr.CategoryConfig, "autosub: an enabled subscription needs a Query or DocumentID")
	}
	if opts.ReconnectionStrategy == nil {
		return graphqlerr.New(graphqlerr.CategoryConfig, "autosub: ReconnectionStrategy must not be nil")
	}

	next := newCaptureSet(opts)

	o.mu.Lock()
	unchanged := o.capture.equal(next) && o.op != nil
	o.opts = opts
	o.capture = next
	o.mu.Unlock()

	if !opts.Enabled {
		o.disable()
		return nil
	}
	if unchanged {
		return nil
	}

	o.teardownActive()
	o.connect(ctx)
	return nil
}

// Disable aborts any active subscription, discards the reconnection
// handler and any pending timer, and settles at Disconnected — identical
// to Configure with Enabled=false, and to Close (§4.7 "on unmount: same as
// disable").
func (o *Orchestrator) Disable() {
	o.disable()
}

// Close is an alias for Disable, named for the consumer-facing unmount
// hook described in §4.7.
func (o *Orchestrator) Close() {
	o.disable()
}

func (o *Orchestrator) disable() {
	o.teardownActive()
	o.mu.Lock()
	o.state = o.state.mustTransitionTo(Disconnected)
	onStateChange := o.opts.OnStateChange
	o.mu.Unlock()
	if onStateChange != nil {
		onStateChange(Disconnected)
	}
}

// teardownActive cancels any pending reconnect timer and aborts the active
// operation, without touching o.state.
func (o *Orchestrator) teardownActive() {
	o.mu.Lock()
	if o.timer != nil {
		o.timer.Stop()
		o.timer = nil
	}
	op := o.op
	o.op = nil
	handler := o.handler
	o.handler = nil
	o.gen++
	o.mu.Unlock()

	if op != nil {
		op.Abort()
	}
	if handler != nil {
		handler.OnClose()
	}
}

// connect evaluates variables fresh, transitions to Connecting, and issues
// a new subscribe against the engine.
func (o *Orchestrator) connect(ctx context.Context) {
	o.mu.Lock()
	opts := o.opts
	o.state = o.state.mustTransitionTo(Connecting)
	onStateChange := opts.OnStateChange
	if o.handler == nil {
		o.handler = opts.ReconnectionStrategy.NewHandler()
	}
	handler := o.handler
	myGen := o.gen
	o.mu.Unlock()
	if onStateChange != nil {
		onStateChange(Connecting)
	}

	o.logger.Info("autosub: connecting", zap.Int("gen", myGen))

	vars, err := evaluateVariables(opts.Variables)
	if err != nil {
		o.logger.Error("autosub: failed to evaluate subscription variables", zap.Int("gen", myGen), zap.Error(err))
		o.settleTerminal(myGen, Error)
		return
	}

	op := o.engine.Subscribe(ctx, opts.request(vars), subscription.SubscribeOptions{
		TimeoutStrategy: opts.TimeoutStrategy,
		OnData:          opts.OnData,
		OnOpen: func() {
			o.onOpen(myGen, handler)
		},
		OnClose: func(reason model.CloseReason) {
			o.onClose(ctx, myGen, handler, reason)
		},
	})

	o.mu.Lock()
	if o.gen == myGen {
		o.op = op
	} else {
		// Configure/Disable raced ahead of us; abort the operation we just
		// opened under the stale generation instead of leaking it.
		o.mu.Unlock()
		op.Abort()
		return
	}
	o.mu.Unlock()
}

func (o *Orchestrator) onOpen(myGen int, handler reconnect.Handler) {
	o.mu.Lock()
	if o.gen != myGen {
		o.mu.Unlock()
		return
	}
	o.state = o.state.mustTransitionTo(Connected)
	onStateChange := o.opts.OnStateChange
	o.mu.Unlock()

	handler.OnConnected()
	o.logger.Info("autosub: connected", zap.Int("gen", myGen))
	if onStateChange != nil {
		onStateChange(Connected)
	}
}

// onClose implements §4.7's reason-driven transition table.
func (o *Orchestrator) onClose(ctx context.Context, myGen int, handler reconnect.Handler, reason model.CloseReason) {
	o.mu.Lock()
	if o.gen != myGen {
		o.mu.Unlock()
		return
	}
	o.op = nil
	o.mu.Unlock()

	switch reason {
	case model.ReasonServer:
		o.logger.Info("autosub: server completed subscription", zap.Int("gen", myGen))
		handler.OnClose()
		o.settleTerminal(myGen, Completed)
	case model.ReasonServerError:
		o.logger.Warn("autosub: server rejected subscription", zap.Int("gen", myGen))
		handler.OnClose()
		o.settleTerminal(myGen, Rejected)
	case model.ReasonClient:
		o.logger.Info("autosub: subscription closed locally", zap.Int("gen", myGen))
		handler.OnClose()
		o.settleTerminal(myGen, Disconnected)
	case model.ReasonTimeout, model.ReasonError:
		o.logger.Warn("autosub: connection lost", zap.Int("gen", myGen), zap.String("reason", string(reason)))
		o.reconnectOrGiveUp(ctx, myGen, handler, reason)
	}
}

func (o *Orchestrator) reconnectOrGiveUp(ctx context.Context, myGen int, handler reconnect.Handler, reason model.CloseReason) {
	decision := handler.OnReconnectionAttempt(reason)
	switch {
	case decision < 0:
		o.logger.Error("autosub: giving up reconnecting", zap.Int("gen", myGen))
		o.settleTerminal(myGen, Error)
	case decision == 0:
		o.logger.Info("autosub: reconnecting immediately", zap.Int("gen", myGen))
		o.connect(ctx)
	default:
		o.mu.Lock()
		if o.gen != myGen {
			o.mu.Unlock()
			return
		}
		o.state = o.state.mustTransitionTo(Connecting)
		onStateChange := o.opts.OnStateChange
		o.timer = time.AfterFunc(time.Duration(decision)*time.Millisecond, func() {
			o.connect(ctx)
		})
		o.mu.Unlock()
		o.logger.Info("autosub: reconnect scheduled", zap.Int("gen", myGen), zap.Int("delayMs", decision))
		if onStateChange != nil {
			onStateChange(Connecting)
		}
	}
}

func (o *Orchestrator) settleTerminal(myGen int, state State) {
	o.mu.Lock()
	if o.gen != myGen {
		o.mu.Unlock()
		return
	}
	o.state = o.state.mustTransitionTo(state)
	onStateChange := o.opts.OnStateChange
	o.mu.Unlock()
	if onStateChange != nil {
		onStateChange(state)
	}
}

func evaluateVariables(v interface{}) (map[string]interface{}, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case map[string]interface{}:
		return val, nil
	case VariablesFunc:
		return val(), nil
	default:
		return nil, graphqlerr.New(graphqlerr.CategoryConfig, "autosub: Variables must be a map[string]interface{} or a VariablesFunc")
	}
}
