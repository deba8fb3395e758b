package tools

import "context"

// EchoTool returns its parameters unchanged. Useful for wiring tests and as
// a placeholder step while authoring templates.
type EchoTool struct{}

// NewEchoTool creates the echo tool.
func NewEchoTool() *EchoTool { return &EchoTool{} }

func (t *EchoTool) Name() string        { return "echo" }
func (t *EchoTool) Description() string { return "returns its input parameters as output" }

func (t *EchoTool) Call(_ context.Context, params map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = v
	}
	return out, nil
}
