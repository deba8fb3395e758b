package tools

import (
	"context"

	"github.com/itchyny/gojq"

	"github.com/rendis/maestro/pkg/schema"
)

// JQTool evaluates a jq expression over an input document. Parameters:
//
//	query (string, required)
//	input (any, required)
//
// Output: result holds the first value the query yields, results all of
// them.
type JQTool struct{}

// NewJQTool creates the jq.query tool.
func NewJQTool() *JQTool { return &JQTool{} }

func (t *JQTool) Name() string        { return "jq.query" }
func (t *JQTool) Description() string { return "evaluates a jq expression over an input document" }

func (t *JQTool) Call(ctx context.Context, params map[string]any) (map[string]any, error) {
	queryStr, _ := params["query"].(string)
	if queryStr == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "jq.query requires a query parameter")
	}
	input, ok := params["input"]
	if !ok {
		return nil, schema.NewError(schema.ErrCodeValidation, "jq.query requires an input parameter")
	}

	query, err := gojq.Parse(queryStr)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid jq query %q", queryStr).WithCause(err)
	}

	var results []any
	iter := query.RunWithContext(ctx, input)
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := v.(error); isErr {
			return nil, schema.NewError(schema.ErrCodeToolInvocation, "jq evaluation failed").WithCause(err)
		}
		results = append(results, v)
	}

	var first any
	if len(results) > 0 {
		first = results[0]
	}
	return map[string]any{
		"result":  first,
		"results": results,
	}, nil
}
