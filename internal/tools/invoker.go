// Package tools defines the tool invocation boundary of the engine and the
// built-in tool set. Action steps never know how a tool is implemented; they
// hand resolved parameters to an Invoker and get a result map back.
package tools

import "context"

// Invoker executes named tools on behalf of action steps. Implementations
// must honor context cancellation: when ctx is done the call should return
// promptly with ctx.Err() or a wrapped equivalent.
type Invoker interface {
	// Invoke runs the tool with fully resolved parameters and returns its
	// structured output.
	Invoke(ctx context.Context, toolName string, params map[string]any) (map[string]any, error)

	// Available reports whether the tool can currently be invoked.
	Available(toolName string) bool
}

// Tool is a single invocable capability registered with the Registry.
type Tool interface {
	// Name returns the tool's registration name, e.g. "http.request".
	Name() string

	// Description returns a short human-readable summary.
	Description() string

	// Call executes the tool.
	Call(ctx context.Context, params map[string]any) (map[string]any, error)
}
