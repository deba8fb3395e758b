package tools

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/rendis/maestro/pkg/schema"
)

// Registry is a thread-safe Invoker backed by a named tool table.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]Tool
	logger *slog.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{tools: make(map[string]Tool), logger: logger}
}

// NewDefaultRegistry creates a Registry preloaded with the built-in tools.
func NewDefaultRegistry(logger *slog.Logger) *Registry {
	r := NewRegistry(logger)
	r.Register(NewEchoTool())
	r.Register(NewHTTPTool(nil))
	r.Register(NewJQTool())
	r.Register(NewTransformTool())
	return r
}

// Register adds or replaces a tool.
func (r *Registry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name()] = tool
}

// Available reports whether a tool is registered.
func (r *Registry) Available(toolName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[toolName]
	return ok
}

// Names returns the sorted names of all registered tools.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Invoke dispatches to the named tool. An unregistered name yields
// TOOL_UNAVAILABLE; tool failures are wrapped as TOOL_INVOCATION_ERROR
// unless the tool already returned a structured engine error.
func (r *Registry) Invoke(ctx context.Context, toolName string, params map[string]any) (map[string]any, error) {
	r.mu.RLock()
	tool, ok := r.tools[toolName]
	r.mu.RUnlock()
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeToolUnavailable, "tool %q is not registered", toolName)
	}

	if err := ctx.Err(); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeCancelled, "tool %q not invoked", toolName).WithCause(err)
	}

	out, err := tool.Call(ctx, params)
	if err != nil {
		if _, structured := err.(*schema.EngineError); structured {
			return nil, err
		}
		return nil, schema.NewErrorf(schema.ErrCodeToolInvocation, "tool %q failed", toolName).WithCause(err)
	}
	return out, nil
}
