// Package expressions evaluates condition step expressions using CEL.
package expressions

import (
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/rendis/maestro/pkg/schema"
)

// Engine compiles and evaluates CEL expressions against execution state.
// Compiled programs are cached by expression text, so a condition inside a
// loop compiles once.
type Engine struct {
	env   *cel.Env
	mu    sync.RWMutex
	cache map[string]cel.Program
}

// NewEngine creates an Engine exposing the parameters, context and steps
// variables to expressions.
func NewEngine() (*Engine, error) {
	env, err := cel.NewEnv(
		cel.Variable("parameters", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("context", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("steps", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "failed to create expression environment").WithCause(err)
	}
	return &Engine{env: env, cache: make(map[string]cel.Program)}, nil
}

// Compile checks that an expression parses and type-checks. Used during
// template validation so bad conditions fail at activation, not mid-run.
func (e *Engine) Compile(expression string) error {
	_, err := e.program(expression)
	return err
}

// EvaluateBool evaluates a condition expression. Non-boolean results are an
// error rather than a truthiness coercion.
func (e *Engine) EvaluateBool(expression string, parameters, execContext map[string]any, steps map[string]map[string]any) (bool, error) {
	prg, err := e.program(expression)
	if err != nil {
		return false, err
	}

	stepsDyn := make(map[string]any, len(steps))
	for name, output := range steps {
		stepsDyn[name] = map[string]any{"output": output}
	}

	out, _, err := prg.Eval(map[string]any{
		"parameters": orEmpty(parameters),
		"context":    orEmpty(execContext),
		"steps":      stepsDyn,
	})
	if err != nil {
		return false, schema.NewErrorf(schema.ErrCodeExecution, "expression evaluation failed: %s", expression).WithCause(err)
	}

	b, ok := out.Value().(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeValidation, "expression %q did not evaluate to a boolean", expression)
	}
	return b, nil
}

func (e *Engine) program(expression string) (cel.Program, error) {
	e.mu.RLock()
	prg, ok := e.cache[expression]
	e.mu.RUnlock()
	if ok {
		return prg, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if prg, ok := e.cache[expression]; ok {
		return prg, nil
	}

	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid expression: %s", expression).WithCause(issues.Err())
	}

	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "failed to build expression program: %s", expression).WithCause(err)
	}

	e.cache[expression] = prg
	return prg, nil
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
