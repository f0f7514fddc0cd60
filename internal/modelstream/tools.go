package modelstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

var ErrUnknownTool = errors.New("unknown tool")

// ToolHandler executes one tool invocation and returns the result payload
// sent back to the model.
type ToolHandler func(ctx context.Context, input json.RawMessage) (string, error)

// Tool is a named capability exposed to the model.
type Tool struct {
	Name        string
	Description string
	InputSchema map[string]any
	Handler     ToolHandler
}

// Registry holds the tools offered on every stream.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
	order []string
}

func NewRegistry(tools ...Tool) *Registry {
	r := &Registry{tools: make(map[string]Tool)}
	for _, t := range tools {
		r.Register(t)
	}
	return r
}

func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name]; !exists {
		r.order = append(r.order, t.Name)
	}
	r.tools[t.Name] = t
}

// Specs returns the tool declarations in registration order, shaped for the
// stream's tool configuration.
func (r *Registry) Specs() []map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	specs := make([]map[string]any, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		schema, err := json.Marshal(t.InputSchema)
		if err != nil {
			schema = []byte(`{}`)
		}
		specs = append(specs, map[string]any{
			"toolSpec": map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"inputSchema": map[string]any{"json": string(schema)},
			},
		})
	}
	return specs
}

// Execute runs a tool by name against its JSON argument payload.
func (r *Registry) Execute(ctx context.Context, name, payload string) (string, error) {
	r.mu.RLock()
	t, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownTool, name)
	}
	return t.Handler(ctx, json.RawMessage(payload))
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}
