package server

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/itiky/deltasync/model"
	"github.com/itiky/deltasync/storage"
)

type (
	// Gateway executes batched RPC calls against the Store.
	// Each Gateway owns its method registry.
	Gateway struct {
		sync.RWMutex
		logger  *zap.Logger
		methods map[string]Method
	}

	// Method is a registered RPC method.
	Method struct {
		Handler MethodHandler
		// Static methods do not depend on the caller being synced to the current store,
		// they are executed even on store mismatch.
		Static bool
	}

	// MethodOpt configures a Method on registration.
	MethodOpt func(m *Method)

	// MethodHandler handles a single call. Returning *model.RPCError controls the error code sent back,
	// any other error is reported as an internal error.
	MethodHandler func(ctx context.Context, req *CallRequest) (model.Value, error)

	// CallRequest is the MethodHandler input.
	CallRequest struct {
		Call model.Call
		// Store to read or patch (Add only: the exchange commits after all calls are done)
		Store *storage.Store
		// Gateway the call is executed by
		Gateway *Gateway
	}
)

// Static marks a method as executable on store mismatch.
func Static() MethodOpt {
	return func(m *Method) {
		m.Static = true
	}
}

// Register adds a new method to the registry.
func (g *Gateway) Register(name string, handler MethodHandler, opts ...MethodOpt) error {
	if name == "" {
		return fmt.Errorf("%s: empty", "name")
	}
	if handler == nil {
		return fmt.Errorf("%s: nil", "handler")
	}

	m := Method{Handler: handler}
	for _, opt := range opts {
		opt(&m)
	}

	g.Lock()
	defer g.Unlock()

	if _, found := g.methods[name]; found {
		return fmt.Errorf("method %s: already registered", name)
	}
	g.methods[name] = m

	return nil
}

// Methods returns sorted registered method names.
func (g *Gateway) Methods() []string {
	g.RLock()
	defer g.RUnlock()

	names := make([]string, 0, len(g.methods))
	for name := range g.methods {
		names = append(names, name)
	}
	sort.Strings(names)

	return names
}

// Run executes calls in order and returns one answer per call (same order).
// A failing call never aborts its siblings.
func (g *Gateway) Run(ctx context.Context, store *storage.Store, calls []model.Call, storeMatch bool) []model.Answer {
	answers := make([]model.Answer, 0, len(calls))
	for _, call := range calls {
		answers = append(answers, g.call(ctx, store, call, storeMatch))
	}

	return answers
}

// call executes a single call recovering handler panics.
func (g *Gateway) call(ctx context.Context, store *storage.Store, call model.Call, storeMatch bool) (ans model.Answer) {
	ans = model.Answer{
		JSONRPC: model.JSONRPCVersion,
		ID:      call.ID,
	}

	g.RLock()
	method, found := g.methods[call.Method]
	g.RUnlock()

	if !found {
		ans.Error = model.NewRPCError(model.CodeMethodNotFound, "method not found: %s", call.Method)
		rpcCallsTotal.WithLabelValues(methodLabelUnknown, outcomeError).Inc()
		return ans
	}
	if !method.Static && !storeMatch {
		ans.Error = model.NewRPCError(model.CodeInvalidParams, "store mismatch")
		rpcCallsTotal.WithLabelValues(call.Method, outcomeMismatch).Inc()
		return ans
	}

	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("RPC handler panic",
				zap.String("method", call.Method),
				zap.Int64("id", call.ID),
				zap.Any("panic", r),
			)
			ans.Result = nil
			ans.Error = model.NewRPCError(model.CodeInternalError, "internal error: %v", r)
			rpcCallsTotal.WithLabelValues(call.Method, outcomeError).Inc()
		}
	}()

	result, err := method.Handler(ctx, &CallRequest{
		Call:    call,
		Store:   store,
		Gateway: g,
	})
	if err != nil {
		rpcErr := &model.RPCError{}
		if !errors.As(err, &rpcErr) {
			rpcErr = model.NewRPCError(model.CodeInternalError, "%v", err)
		}
		ans.Error = rpcErr
		rpcCallsTotal.WithLabelValues(call.Method, outcomeError).Inc()
		return ans
	}

	if result == nil {
		result = model.Null{}
	}
	ans.Result = result
	rpcCallsTotal.WithLabelValues(call.Method, outcomeOK).Inc()

	return ans
}

// NewGateway creates a new Gateway with no methods registered.
func NewGateway(logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Gateway{
		logger:  logger,
		methods: make(map[string]Method),
	}
}

// NewDefaultGateway creates a new Gateway with the built-in methods registered.
func NewDefaultGateway(logger *zap.Logger) (*Gateway, error) {
	g := NewGateway(logger)
	if err := RegisterDefaultMethods(g); err != nil {
		return nil, err
	}

	return g, nil
}
