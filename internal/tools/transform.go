package tools

import (
	"context"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/rendis/maestro/pkg/schema"
)

// TransformTool maps an expression over a collection. Parameters:
//
//	items      ([]any, required)
//	expression (string, required; evaluated per element with item and index
//	            in scope)
//	filter     (string, optional; boolean expression selecting elements
//	            before mapping)
//
// Output: items (transformed), count.
type TransformTool struct{}

// NewTransformTool creates the transform.map tool.
func NewTransformTool() *TransformTool { return &TransformTool{} }

func (t *TransformTool) Name() string        { return "transform.map" }
func (t *TransformTool) Description() string { return "maps an expression over a collection" }

func (t *TransformTool) Call(ctx context.Context, params map[string]any) (map[string]any, error) {
	items, ok := params["items"].([]any)
	if !ok {
		return nil, schema.NewError(schema.ErrCodeValidation, "transform.map requires an items list")
	}
	expression, _ := params["expression"].(string)
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "transform.map requires an expression")
	}

	mapProg, err := compileTransform(expression)
	if err != nil {
		return nil, err
	}

	var filterProg *vm.Program
	if filterExpr, ok := params["filter"].(string); ok && filterExpr != "" {
		if filterProg, err = compileTransform(filterExpr); err != nil {
			return nil, err
		}
	}

	out := make([]any, 0, len(items))
	for i, item := range items {
		if err := ctx.Err(); err != nil {
			return nil, schema.NewError(schema.ErrCodeCancelled, "transform cancelled").WithCause(err)
		}

		env := map[string]any{"item": item, "index": i}
		if filterProg != nil {
			keep, err := expr.Run(filterProg, env)
			if err != nil {
				return nil, schema.NewError(schema.ErrCodeToolInvocation, "filter evaluation failed").WithCause(err)
			}
			if b, ok := keep.(bool); !ok || !b {
				continue
			}
		}

		mapped, err := expr.Run(mapProg, env)
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeToolInvocation, "transform evaluation failed").WithCause(err)
		}
		out = append(out, mapped)
	}

	return map[string]any{
		"items": out,
		"count": len(out),
	}, nil
}

// compileTransform compiles without a typed environment: item can hold any
// element type, so the expression is checked dynamically at run time.
func compileTransform(expression string) (*vm.Program, error) {
	prog, err := expr.Compile(expression)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid transform expression %q", expression).WithCause(err)
	}
	return prog, nil
}
