// Package nodeexec defines how the orchestrator invokes node implementations
// and ships the builtin node types.
package nodeexec

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dukex/runflow/pkg/resilience"
)

// ErrUnknownNodeType is returned for node types without a registered executor.
var ErrUnknownNodeType = errors.New("unknown node type")

// Request is everything a node implementation receives.
type Request struct {
	ExecutionID string
	WorkflowID  string
	NodeID      string
	NodeType    string
	Parameters  map[string]any
	// Input is the merge of every satisfied upstream output, later ranks
	// overriding earlier ones on key collisions.
	Input map[string]any
	// Inputs holds each upstream output keyed by source node id.
	Inputs map[string]map[string]any
}

// Result is the output of a successful node call.
type Result struct {
	Data map[string]any
	// ActiveOutputs names the outputs downstream connections may follow.
	// Nil activates every non-error output.
	ActiveOutputs []string
}

// Executor runs one node.
type Executor interface {
	Execute(ctx context.Context, req Request) (*Result, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, req Request) (*Result, error)

func (f ExecutorFunc) Execute(ctx context.Context, req Request) (*Result, error) {
	return f(ctx, req)
}

// ExternalServices is implemented by executors that know which node types
// call external services. Those calls go through a circuit breaker.
type ExternalServices interface {
	IsExternal(nodeType string) bool
}

// RegisterOption tunes a node type binding.
type RegisterOption func(*binding)

type binding struct {
	external bool
}

// External marks a node type as calling an external service.
func External() RegisterOption {
	return func(b *binding) { b.external = true }
}

// Registry dispatches to executors by node type. It is itself an Executor.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
	external  map[string]bool
}

// NewRegistry returns a registry preloaded with the builtin node types.
func NewRegistry() *Registry {
	r := &Registry{
		executors: make(map[string]Executor),
		external:  make(map[string]bool),
	}

	r.Register(TypeNoop, ExecutorFunc(noop))
	r.Register(TypeSet, ExecutorFunc(set))
	r.Register(TypeIf, ExecutorFunc(ifNode))
	r.Register(TypeFail, ExecutorFunc(fail))
	r.Register(TypeWait, ExecutorFunc(wait))
	r.Register(TypeHTTPRequest, NewHTTPExecutor(nil), External())

	return r
}

// Register binds nodeType to e, replacing any previous binding.
func (r *Registry) Register(nodeType string, e Executor, opts ...RegisterOption) {
	var b binding
	for _, opt := range opts {
		opt(&b)
	}

	r.mu.Lock()
	r.executors[nodeType] = e
	r.external[nodeType] = b.external
	r.mu.Unlock()
}

// IsExternal reports whether nodeType was registered with External.
func (r *Registry) IsExternal(nodeType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.external[nodeType]
}

// Types lists the registered node types.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.executors))
	for t := range r.executors {
		types = append(types, t)
	}

	return types
}

func (r *Registry) Execute(ctx context.Context, req Request) (*Result, error) {
	r.mu.RLock()
	e, ok := r.executors[req.NodeType]
	r.mu.RUnlock()

	if !ok {
		return nil, &resilience.Error{
			Type:     resilience.TypeClient,
			Category: resilience.CategoryConfiguration,
			Message:  fmt.Sprintf("%s: %q", ErrUnknownNodeType, req.NodeType),
			Cause:    ErrUnknownNodeType,
		}
	}

	return e.Execute(ctx, req)
}
