// Package templates manages the workflow template lifecycle: validation,
// registration, activation and version history.
package templates

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/rendis/maestro/internal/expressions"
	"github.com/rendis/maestro/pkg/schema"
)

var (
	namePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)
	toolPattern = regexp.MustCompile(`^[a-z][a-z0-9_.]*$`)
)

// Validate runs the full validation pipeline over a template definition:
// structural checks, step name uniqueness across all nesting scopes,
// routing reference resolution, cycle detection, expression compilation and
// unused parameter analysis. The expression engine may be nil, in which case
// condition expressions are only checked for presence.
func Validate(tpl *schema.WorkflowTemplate, exprEngine *expressions.Engine) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	if !namePattern.MatchString(tpl.Name) {
		result.AddError("name", schema.ErrCodeValidation,
			fmt.Sprintf("template name %q must match %s", tpl.Name, namePattern.String()))
	}
	if tpl.Version == "" {
		result.AddError("version", schema.ErrCodeValidation, "template version is required")
	}
	if len(tpl.Steps) == 0 {
		result.AddError("steps", schema.ErrCodeValidation, "template must define at least one step")
		return result
	}

	seen := map[string]string{}
	collectStepNames(tpl.Steps, "steps", seen, result)

	validateScope(tpl.Steps, "steps", false, exprEngine, result)

	if result.Valid() {
		detectCycle(tpl.Steps, "steps", result)
	}

	validateParameterUsage(tpl, result)

	return result
}

// collectStepNames enforces step name format and global uniqueness across
// every nesting scope, so steps.<name>.output references are unambiguous.
func collectStepNames(steps []schema.StepDefinition, path string, seen map[string]string, result *schema.ValidationResult) {
	for i, step := range steps {
		p := fmt.Sprintf("%s[%d]", path, i)
		if step.Name == "" {
			result.AddError(p, schema.ErrCodeValidation, "step name is required")
			continue
		}
		if !namePattern.MatchString(step.Name) {
			result.AddError(p, schema.ErrCodeValidation,
				fmt.Sprintf("step name %q must match %s", step.Name, namePattern.String()))
		}
		if prev, dup := seen[step.Name]; dup {
			result.AddError(p, schema.ErrCodeValidation,
				fmt.Sprintf("duplicate step name %q (first defined at %s)", step.Name, prev))
		} else {
			seen[step.Name] = p
		}

		if step.Parallel != nil {
			collectStepNames(step.Parallel.Children, p+".parallel.children", seen, result)
		}
		if step.Loop != nil {
			collectStepNames(step.Loop.Body, p+".loop.body", seen, result)
		}
	}
}

// validateScope checks each step's config block and routing references
// within one step list, recursing into nested lists. Routing targets must
// name a step in the same scope. Parallel children run concurrently, so any
// routing field on them is rejected.
func validateScope(steps []schema.StepDefinition, path string, concurrent bool, exprEngine *expressions.Engine, result *schema.ValidationResult) {
	local := map[string]bool{}
	for _, step := range steps {
		local[step.Name] = true
	}

	checkRef := func(p, field, target string) {
		if target == "" {
			return
		}
		if concurrent {
			result.AddError(p+"."+field, schema.ErrCodeValidation,
				fmt.Sprintf("%s is not allowed on a parallel child", field))
			return
		}
		if !local[target] {
			result.AddError(p+"."+field, schema.ErrCodeMissingStepReference,
				fmt.Sprintf("%s references unknown step %q", field, target))
		}
	}

	for i, step := range steps {
		p := fmt.Sprintf("%s[%d]", path, i)

		validateStepConfig(&step, p, exprEngine, result)

		checkRef(p, "on_success", step.OnSuccess)
		checkRef(p, "on_failure", step.OnFailure)
		if step.Condition != nil {
			checkRef(p, "on_true", step.Condition.OnTrue)
			checkRef(p, "on_false", step.Condition.OnFalse)
		}

		if step.Retry != nil && step.Retry.MaxAttempts < 1 {
			result.AddError(p+".retry", schema.ErrCodeValidation, "retry.max_attempts must be at least 1")
		}

		if step.Parallel != nil {
			validateScope(step.Parallel.Children, p+".parallel.children", true, exprEngine, result)
		}
		if step.Loop != nil {
			validateScope(step.Loop.Body, p+".loop.body", false, exprEngine, result)
		}
	}
}

// validateStepConfig checks that exactly the config block matching the step
// type is present and well formed.
func validateStepConfig(step *schema.StepDefinition, path string, exprEngine *expressions.Engine, result *schema.ValidationResult) {
	configs := 0
	if step.Action != nil {
		configs++
	}
	if step.Condition != nil {
		configs++
	}
	if step.Parallel != nil {
		configs++
	}
	if step.Loop != nil {
		configs++
	}
	if step.WorkflowLink != nil {
		configs++
	}
	if configs > 1 {
		result.AddError(path, schema.ErrCodeValidation, "step defines more than one config block")
		return
	}

	switch step.EffectiveType() {
	case schema.StepTypeAction:
		if step.Action == nil {
			result.AddError(path, schema.ErrCodeValidation, "action step requires an action block")
			return
		}
		if step.Action.ToolName == "" {
			result.AddError(path+".action.tool_name", schema.ErrCodeValidation, "tool_name is required")
		} else if !toolPattern.MatchString(step.Action.ToolName) {
			result.AddError(path+".action.tool_name", schema.ErrCodeValidation,
				fmt.Sprintf("tool name %q must match %s", step.Action.ToolName, toolPattern.String()))
		}

	case schema.StepTypeCondition:
		if step.Condition == nil {
			result.AddError(path, schema.ErrCodeValidation, "condition step requires a condition block")
			return
		}
		if step.Condition.Expression == "" {
			result.AddError(path+".condition.expression", schema.ErrCodeValidation, "condition expression is required")
		} else if exprEngine != nil {
			if err := exprEngine.Compile(step.Condition.Expression); err != nil {
				result.AddError(path+".condition.expression", schema.ErrCodeValidation, err.Error())
			}
		}

	case schema.StepTypeParallel:
		if step.Parallel == nil || len(step.Parallel.Children) == 0 {
			result.AddError(path, schema.ErrCodeValidation, "parallel step requires at least one child")
		}

	case schema.StepTypeLoop:
		if step.Loop == nil {
			result.AddError(path, schema.ErrCodeValidation, "loop step requires a loop block")
			return
		}
		if step.Loop.Collection == "" {
			result.AddError(path+".loop.collection", schema.ErrCodeValidation, "loop collection is required")
		}
		if len(step.Loop.Body) == 0 {
			result.AddError(path+".loop.body", schema.ErrCodeValidation, "loop body requires at least one step")
		}
		if step.Loop.MaxConcurrency < 0 {
			result.AddError(path+".loop.max_concurrency", schema.ErrCodeValidation, "max_concurrency cannot be negative")
		}

	case schema.StepTypeWorkflowLink:
		if step.WorkflowLink == nil {
			result.AddError(path, schema.ErrCodeValidation, "workflow_link step requires a workflow_link block")
			return
		}
		if step.WorkflowLink.Template == "" {
			result.AddError(path+".workflow_link.template", schema.ErrCodeValidation, "linked template name is required")
		}

	default:
		result.AddError(path+".type", schema.ErrCodeValidation,
			fmt.Sprintf("unknown step type %q", step.Type))
	}
}

// detectCycle runs a DFS over the routing graph of a step list. The edges
// mirror the run loop exactly: a condition step goes to on_true or on_false
// (falling through to the next step for an empty branch), any other step goes
// to on_success or falls through, and on_failure is always a possible edge.
// At most one error is reported, naming a step on the cycle.
func detectCycle(steps []schema.StepDefinition, path string, result *schema.ValidationResult) {
	index := map[string]int{}
	for i, step := range steps {
		index[step.Name] = i
	}

	edges := func(i int) []int {
		var out []int
		step := steps[i]
		add := func(target string) {
			if j, ok := index[target]; ok {
				out = append(out, j)
			}
		}
		next := func(target string) {
			if target != "" {
				add(target)
			} else if i+1 < len(steps) {
				out = append(out, i+1)
			}
		}
		if step.Condition != nil {
			next(step.Condition.OnTrue)
			next(step.Condition.OnFalse)
		} else {
			next(step.OnSuccess)
		}
		add(step.OnFailure)
		return out
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make([]int, len(steps))

	var visit func(i int) string
	visit = func(i int) string {
		color[i] = gray
		for _, j := range edges(i) {
			if color[j] == gray {
				return steps[j].Name
			}
			if color[j] == white {
				if name := visit(j); name != "" {
					return name
				}
			}
		}
		color[i] = black
		return ""
	}

	for i := range steps {
		if color[i] != white {
			continue
		}
		if name := visit(i); name != "" {
			result.AddError(fmt.Sprintf("%s[%d]", path, index[name]), schema.ErrCodeCircularReference,
				fmt.Sprintf("routing cycle detected through step %q", name))
			return
		}
	}

	for i, step := range steps {
		if step.Parallel != nil {
			detectCycle(step.Parallel.Children, fmt.Sprintf("%s[%d].parallel.children", path, i), result)
		}
		if step.Loop != nil {
			detectCycle(step.Loop.Body, fmt.Sprintf("%s[%d].loop.body", path, i), result)
		}
	}
}

// validateParameterUsage warns about declared parameters never referenced in
// any step configuration.
func validateParameterUsage(tpl *schema.WorkflowTemplate, result *schema.ValidationResult) {
	if len(tpl.Parameters) == 0 {
		return
	}

	raw, err := json.Marshal(tpl.Steps)
	if err != nil {
		return
	}
	body := string(raw)

	for _, p := range tpl.Parameters {
		if p.AllowUnused || p.Name == "" {
			continue
		}
		if !strings.Contains(body, "workflow.parameters."+p.Name) {
			result.AddWarning("parameters."+p.Name, schema.ErrCodeValidation,
				fmt.Sprintf("parameter %q is declared but never referenced", p.Name))
		}
	}
}
