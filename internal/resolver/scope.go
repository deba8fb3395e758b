package resolver

import "maps"

// Scope holds the named values an expression can reference during
// resolution. The execution context map is shared by reference along the
// sequential path (including loop iterations), so context writes made by one
// step are visible to the next. Parallel branches get forked copies and never
// see each other's writes.
type Scope struct {
	// Parameters are the validated workflow input parameters
	// (workflow.parameters.*).
	Parameters map[string]any

	// Context is the mutable execution context (context.*), shared between
	// sequential steps. Write through SetContext.
	Context map[string]any

	// Steps maps completed step names to their outputs
	// (steps.<name>.output.*).
	Steps map[string]map[string]any

	// UserTask is the value substituted for the USER_TASK token.
	UserTask string

	// locals are per-iteration bindings (loop item variables) layered over
	// Context for reads. They never leak into the shared context.
	locals map[string]any
}

// NewScope creates a Scope with initialized maps.
func NewScope(parameters, execContext map[string]any) *Scope {
	if parameters == nil {
		parameters = map[string]any{}
	}
	if execContext == nil {
		execContext = map[string]any{}
	}
	return &Scope{
		Parameters: parameters,
		Context:    execContext,
		Steps:      map[string]map[string]any{},
	}
}

// RecordStepOutput registers a completed step's output for later
// steps.<name>.output references.
func (s *Scope) RecordStepOutput(stepName string, output map[string]any) {
	if s.Steps == nil {
		s.Steps = map[string]map[string]any{}
	}
	s.Steps[stepName] = output
}

// SetContext writes a key into the shared execution context. The write is
// visible to every scope sharing this context, including the parent of a
// loop iteration.
func (s *Scope) SetContext(key string, value any) {
	if s.Context == nil {
		s.Context = map[string]any{}
	}
	s.Context[key] = value
}

// ContextView returns a merged read-only view of the context with local
// bindings layered on top, for evaluators that take a plain map.
func (s *Scope) ContextView() map[string]any {
	if len(s.locals) == 0 {
		return s.Context
	}
	view := make(map[string]any, len(s.Context)+len(s.locals))
	maps.Copy(view, s.Context)
	maps.Copy(view, s.locals)
	return view
}

// Child returns a scope for a loop iteration: the execution context is
// shared with the parent, the bindings are iteration-local, and step outputs
// recorded in the child stay in the child.
func (s *Scope) Child(bindings map[string]any) *Scope {
	locals := make(map[string]any, len(s.locals)+len(bindings))
	maps.Copy(locals, s.locals)
	maps.Copy(locals, bindings)
	return &Scope{
		Parameters: s.Parameters,
		Context:    s.Context,
		Steps:      maps.Clone(s.Steps),
		UserTask:   s.UserTask,
		locals:     locals,
	}
}

// ForkContext returns an isolated copy of the scope for a parallel branch or
// a concurrent loop iteration. Context writes in the fork are invisible to
// the parent.
func (s *Scope) ForkContext() *Scope {
	return &Scope{
		Parameters: s.Parameters,
		Context:    maps.Clone(s.Context),
		Steps:      maps.Clone(s.Steps),
		UserTask:   s.UserTask,
		locals:     maps.Clone(s.locals),
	}
}
