// Package executor declares the registry contract between the engine and the
// LLM-backed agents and tools it dispatches to. The implementations live
// outside the engine; workers only depend on this interface. A function-map
// registry is provided for tests and local development.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ecoachlabs/ideamine-engine/checkpoint"
)

type (
	// Invocation is the context handed to an executor for one task attempt.
	Invocation struct {
		// TaskID is the durable task identifier.
		TaskID string
		// Input carries the phase inputs, rubrics, and budget slice.
		Input map[string]any
		// CheckpointToken is the saved resumption token from a previous
		// attempt, empty on first runs.
		CheckpointToken string
		// CheckpointData is the opaque blob saved with the token.
		CheckpointData map[string]any
		// SaveCheckpoint lets the executor persist progress at natural
		// points. Never nil.
		SaveCheckpoint checkpoint.Callback
	}

	// Result is what an executor returns on success.
	Result struct {
		// Output is the opaque result object.
		Output json.RawMessage
		// TokensUsed and CostUSD are optional usage metrics.
		TokensUsed int64
		CostUSD    float64
		// Artifacts lists identifiers of artifacts the executor produced.
		Artifacts []string
	}

	// Registry resolves executor targets. Both operations may block for the
	// whole task duration; cancellation flows through ctx.
	Registry interface {
		ExecuteAgent(ctx context.Context, target string, inv *Invocation) (*Result, error)
		ExecuteTool(ctx context.Context, target string, inv *Invocation) (*Result, error)
	}

	// Func is a single executor implementation.
	Func func(ctx context.Context, inv *Invocation) (*Result, error)

	// FuncRegistry routes targets to registered functions. Used in tests and
	// local development.
	FuncRegistry struct {
		mu     sync.RWMutex
		agents map[string]Func
		tools  map[string]Func
	}
)

// NewFuncRegistry returns an empty function-map registry.
func NewFuncRegistry() *FuncRegistry {
	return &FuncRegistry{
		agents: make(map[string]Func),
		tools:  make(map[string]Func),
	}
}

// RegisterAgent binds an agent target to fn.
func (r *FuncRegistry) RegisterAgent(target string, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[target] = fn
}

// RegisterTool binds a tool target to fn.
func (r *FuncRegistry) RegisterTool(target string, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[target] = fn
}

// ExecuteAgent implements Registry.
func (r *FuncRegistry) ExecuteAgent(ctx context.Context, target string, inv *Invocation) (*Result, error) {
	r.mu.RLock()
	fn, ok := r.agents[target]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown agent target %q", target)
	}
	return fn(ctx, inv)
}

// ExecuteTool implements Registry.
func (r *FuncRegistry) ExecuteTool(ctx context.Context, target string, inv *Invocation) (*Result, error) {
	r.mu.RLock()
	fn, ok := r.tools[target]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown tool target %q", target)
	}
	return fn(ctx, inv)
}
