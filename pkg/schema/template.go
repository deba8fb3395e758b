package schema

// WorkflowTemplate is a reusable, versioned workflow definition.
// Once activated a template is immutable; edits create a new version.
type WorkflowTemplate struct {
	Name            string          `json:"name"`
	Title           string          `json:"title,omitempty"`
	Version         string          `json:"version"`
	Status          TemplateStatus  `json:"status"`
	Parameters      []ParameterSpec `json:"parameters,omitempty"`
	ParameterSchema []byte          `json:"parameter_schema,omitempty"` // JSON Schema for input validation
	OutputSchema    []byte          `json:"output_schema,omitempty"`
	Steps           []StepDefinition `json:"steps"`
	Timeout         string          `json:"timeout,omitempty"`     // e.g. "30s", "5m"
	MaxRetries      int             `json:"max_retries,omitempty"` // default for steps without an explicit retry policy
	Description     string          `json:"description,omitempty"`
}

// TemplateStatus enumerates the template lifecycle states.
type TemplateStatus string

const (
	TemplateStatusDraft      TemplateStatus = "draft"
	TemplateStatusActive     TemplateStatus = "active"
	TemplateStatusDeprecated TemplateStatus = "deprecated"
	TemplateStatusArchived   TemplateStatus = "archived"
)

// ParameterSpec declares a named workflow input parameter.
type ParameterSpec struct {
	Name        string `json:"name"`
	Type        string `json:"type,omitempty"` // string, number, boolean, object, array
	Required    bool   `json:"required,omitempty"`
	Default     any    `json:"default,omitempty"`
	AllowUnused bool   `json:"allow_unused,omitempty"` // suppress the unused-parameter warning
	Description string `json:"description,omitempty"`
}

// StepDefinition describes a single step in a template. Exactly one of the
// per-type config blocks must be set, matching Type. The closed variant set
// keeps invalid field combinations out of the data model; the step executor
// dispatches on Type with an exhaustive switch.
type StepDefinition struct {
	Name      string       `json:"name"`
	Type      StepType     `json:"type,omitempty"` // default: action
	OnSuccess string       `json:"on_success,omitempty"` // next step name (default: next in list)
	OnFailure string       `json:"on_failure,omitempty"` // step name to route to after retry exhaustion
	Timeout   string       `json:"timeout,omitempty"`
	Retry     *RetryPolicy `json:"retry,omitempty"`

	// Export writes values into the shared execution context after the step
	// succeeds. Keys are context keys; values may contain {{...}} expressions
	// and can reference the step's own output.
	Export map[string]any `json:"export,omitempty"`

	Action       *ActionConfig       `json:"action,omitempty"`
	Condition    *ConditionConfig    `json:"condition,omitempty"`
	Parallel     *ParallelConfig     `json:"parallel,omitempty"`
	Loop         *LoopConfig         `json:"loop,omitempty"`
	WorkflowLink *WorkflowLinkConfig `json:"workflow_link,omitempty"`
}

// StepType enumerates the kinds of steps in a workflow.
type StepType string

const (
	StepTypeAction       StepType = "action"
	StepTypeCondition    StepType = "condition"
	StepTypeParallel     StepType = "parallel"
	StepTypeLoop         StepType = "loop"
	StepTypeWorkflowLink StepType = "workflow_link"
)

// EffectiveType returns the step type, defaulting to action.
func (s *StepDefinition) EffectiveType() StepType {
	if s.Type == "" {
		return StepTypeAction
	}
	return s.Type
}

// ActionConfig is the config block for action steps.
type ActionConfig struct {
	ToolName       string         `json:"tool_name"`
	ToolParameters map[string]any `json:"tool_parameters,omitempty"` // may contain {{...}} expressions
	TimeoutSeconds int            `json:"timeout_seconds,omitempty"`
}

// ConditionConfig is the config block for condition steps. Expression is a
// CEL expression that must evaluate to a boolean.
type ConditionConfig struct {
	Expression string `json:"expression"`
	OnTrue     string `json:"on_true,omitempty"`
	OnFalse    string `json:"on_false,omitempty"`
}

// ParallelConfig is the config block for parallel steps. All children run
// concurrently; a single child failure fails the step and cancels siblings.
type ParallelConfig struct {
	Children []StepDefinition `json:"children"`
}

// LoopConfig is the config block for loop steps.
type LoopConfig struct {
	Collection     string           `json:"collection"`                // {{...}} expression producing a sequence
	ItemVariable   string           `json:"item_variable,omitempty"`   // context binding name (default: "item")
	Body           []StepDefinition `json:"body"`
	MaxConcurrency int              `json:"max_concurrency,omitempty"` // 0 or 1 = strictly sequential
	MaxIterations  int              `json:"max_iterations,omitempty"`
}

// WorkflowLinkConfig is the config block for workflow_link steps, which
// invoke another template as a child execution and block until it terminates.
type WorkflowLinkConfig struct {
	Template   string         `json:"template"`
	Version    string         `json:"version,omitempty"` // default: latest active
	Parameters map[string]any `json:"parameters,omitempty"`
}

// RetryPolicy configures retry behavior for a step.
type RetryPolicy struct {
	MaxAttempts int    `json:"max_attempts"`
	Backoff     string `json:"backoff,omitempty"`   // none | constant | linear | exponential (default: exponential)
	Delay       string `json:"delay,omitempty"`     // initial delay (e.g. "1s", "500ms")
	MaxDelay    string `json:"max_delay,omitempty"` // cap on the computed delay
}
