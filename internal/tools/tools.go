// Package tools implements the name-addressed callable registry that
// specialist and CMO tool-use loops invoke during LLM completions.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/healthinsight/orchestrator/internal/domain"
)

// Tool parameter limits, guarding against pathological LLM tool-call input.
const (
	MaxToolNameLength  = 256
	MaxToolParamsSize  = 10 << 20 // 10MB
)

// Definition describes a tool's shape to the LLM client.
type Definition struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// Outcome is the structured result of one tool invocation.
type Outcome struct {
	OK      bool
	Value   json.RawMessage
	Message string
}

// Tool is a named, schema-described side-effectful function invoked during
// a completion. Implementations are side-effectful but pure with respect
// to orchestration state.
type Tool interface {
	Definition() Definition
	Invoke(ctx context.Context, input json.RawMessage) (Outcome, error)
}

// Registry is the thread-safe, stateless-with-respect-to-orchestration
// callable registry. The zero value is not usable; use NewRegistry.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool, replacing any existing tool of the same name.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Definition().Name] = t
}

// Unregister removes a tool by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// ListDefinitions returns the definitions of every registered tool, for
// inclusion in an LLM completion's tool list.
func (r *Registry) ListDefinitions() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]Definition, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, t.Definition())
	}
	return defs
}

// Invoke runs a tool by name with the given JSON input, enforcing the
// name/size guards before dispatch. A missing tool fails with
// domain.ErrUnknownTool; a tool-level error is wrapped as
// domain.ErrToolFailure so the caller can return it to the model as a
// structured error rather than aborting the loop.
func (r *Registry) Invoke(ctx context.Context, name string, input json.RawMessage) (Outcome, error) {
	if len(name) > MaxToolNameLength {
		return Outcome{}, domain.NewRunError(domain.ErrUnknownTool, "",
			fmt.Errorf("tool name exceeds maximum length of %d characters", MaxToolNameLength))
	}
	if len(input) > MaxToolParamsSize {
		return Outcome{}, domain.NewRunError(domain.ErrToolFailure, "",
			fmt.Errorf("tool input exceeds maximum size of %d bytes", MaxToolParamsSize))
	}

	r.mu.RLock()
	t, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return Outcome{}, domain.NewRunError(domain.ErrUnknownTool, "",
			fmt.Errorf("tool not found: %s", name))
	}

	outcome, err := t.Invoke(ctx, input)
	if err != nil {
		return Outcome{OK: false, Message: err.Error()}, domain.NewRunError(domain.ErrToolFailure, "", err)
	}
	return outcome, nil
}
