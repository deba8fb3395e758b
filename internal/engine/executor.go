package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/maestro/internal/expressions"
	"github.com/rendis/maestro/internal/logging"
	"github.com/rendis/maestro/internal/resolver"
	"github.com/rendis/maestro/internal/store"
	"github.com/rendis/maestro/internal/tools"
	"github.com/rendis/maestro/pkg/schema"
)

// maxLinkDepth caps the workflow_link call tree. The root execution has
// depth 0.
const maxLinkDepth = 10

// defaultLoopItemVar is the context binding for the current loop element
// when the template does not name one.
const defaultLoopItemVar = "item"

// childRunner starts a linked child execution and blocks until it reaches a
// terminal state. Implemented by the Coordinator.
type childRunner interface {
	RunLinked(ctx context.Context, parent *store.Execution, link *schema.WorkflowLinkConfig, params map[string]any, notify func(float64)) (*store.Execution, error)
}

// runState is the per-execution state threaded through step execution.
type runState struct {
	execution *store.Execution
	template  *schema.WorkflowTemplate
	scope     *resolver.Scope

	// notify reports fractional completion of the step currently running,
	// used to fold linked child progress into the parent's percentage.
	notify func(childFraction float64)
}

func (s *runState) withScope(scope *resolver.Scope) *runState {
	cp := *s
	cp.scope = scope
	return &cp
}

// StepExecutor runs a single step of any type and records its attempts.
type StepExecutor struct {
	store    store.Store
	recorder *store.Recorder
	invoker  tools.Invoker
	expr     *expressions.Engine
	links    childRunner
	logger   *slog.Logger
}

// NewStepExecutor creates a StepExecutor. links may be nil when
// workflow_link steps are not in use.
func NewStepExecutor(st store.Store, rec *store.Recorder, invoker tools.Invoker, expr *expressions.Engine, logger *slog.Logger) *StepExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &StepExecutor{
		store:    st,
		recorder: rec,
		invoker:  invoker,
		expr:     expr,
		logger:   logger,
	}
}

// setChildRunner wires the coordinator in after construction; the two types
// reference each other.
func (e *StepExecutor) setChildRunner(links childRunner) {
	e.links = links
}

// ExecuteStep runs one step. On success it returns the step output and the
// explicit routing target, empty for fall-through to the next step in the
// list. The caller records the output into the scope.
func (e *StepExecutor) ExecuteStep(ctx context.Context, state *runState, stepIndex int, step *schema.StepDefinition) (map[string]any, string, error) {
	ctx = logging.WithStepName(ctx, step.Name)

	switch step.EffectiveType() {
	case schema.StepTypeAction:
		out, err := e.executeAction(ctx, state, stepIndex, step)
		return out, routeAfter(step, err), err
	case schema.StepTypeCondition:
		return e.executeCondition(ctx, state, stepIndex, step)
	case schema.StepTypeParallel:
		out, err := e.executeParallel(ctx, state, stepIndex, step)
		return out, routeAfter(step, err), err
	case schema.StepTypeLoop:
		out, err := e.executeLoop(ctx, state, stepIndex, step)
		return out, routeAfter(step, err), err
	case schema.StepTypeWorkflowLink:
		out, err := e.executeWorkflowLink(ctx, state, stepIndex, step)
		return out, routeAfter(step, err), err
	default:
		return nil, "", schema.NewErrorf(schema.ErrCodeValidation, "unknown step type %q", step.Type).
			WithStep(stepIndex, step.Name)
	}
}

// routeAfter picks the explicit routing target for a finished step.
func routeAfter(step *schema.StepDefinition, err error) string {
	if err != nil {
		return ""
	}
	return step.OnSuccess
}

// --- action ---

func (e *StepExecutor) executeAction(ctx context.Context, state *runState, stepIndex int, step *schema.StepDefinition) (map[string]any, error) {
	execID := state.execution.ID

	resolved, err := resolver.ResolveMap(step.Action.ToolParameters, state.scope)
	if err != nil {
		e.recordFailedAttempt(ctx, state, stepIndex, step, 1, 1, nil, err)
		return nil, wrapStepErr(err, stepIndex, step.Name)
	}

	if !e.invoker.Available(step.Action.ToolName) {
		err := schema.NewErrorf(schema.ErrCodeToolUnavailable, "tool %q is not registered", step.Action.ToolName)
		e.recordFailedAttempt(ctx, state, stepIndex, step, 1, 1, resolved, err)
		return nil, wrapStepErr(err, stepIndex, step.Name)
	}

	plan := buildRetryPlan(step, state.template)
	input, _ := json.Marshal(resolved)

	var (
		lastErr  error
		attempts int
	)
	for attempt := 1; attempt <= plan.maxAttempts; attempt++ {
		attempts = attempt
		started := time.Now().UTC()
		row := &store.StepExecution{
			ID:            uuid.NewString(),
			ExecutionID:   execID,
			StepIndex:     stepIndex,
			StepName:      step.Name,
			StepType:      schema.StepTypeAction,
			Status:        schema.StepStatusRunning,
			AttemptNumber: attempt,
			MaxAttempts:   plan.maxAttempts,
			Input:         input,
			ToolName:      step.Action.ToolName,
			StartedAt:     &started,
		}
		if err := e.store.UpsertStepExecution(ctx, row); err != nil {
			return nil, wrapStepErr(err, stepIndex, step.Name)
		}
		e.recorder.StepInfo(ctx, execID, stepIndex, step.Name, attempt, "step attempt started",
			map[string]any{"tool": step.Action.ToolName})

		out, err := e.invokeWithTimeout(ctx, step, resolved)
		completed := time.Now().UTC()
		row.CompletedAt = &completed
		row.DurationMs = completed.Sub(started).Milliseconds()

		if err == nil {
			row.Status = schema.StepStatusCompleted
			row.Output, _ = json.Marshal(out)
			if err := e.store.UpsertStepExecution(ctx, row); err != nil {
				return nil, wrapStepErr(err, stepIndex, step.Name)
			}
			e.recorder.StepInfo(ctx, execID, stepIndex, step.Name, attempt, "step completed", nil)
			return out, nil
		}

		lastErr = err
		row.Error = errJSON(err)
		retrying := attempt < plan.maxAttempts && isRetryable(err) && ctx.Err() == nil
		if retrying {
			row.Status = schema.StepStatusRetrying
		} else {
			row.Status = schema.StepStatusFailed
		}
		if uerr := e.store.UpsertStepExecution(ctx, row); uerr != nil {
			return nil, wrapStepErr(uerr, stepIndex, step.Name)
		}
		e.recorder.StepError(ctx, execID, stepIndex, step.Name, attempt, "step attempt failed",
			map[string]any{"error": err.Error(), "retrying": retrying})

		if !retrying {
			break
		}
		if werr := waitBackoff(ctx, plan.backoffDelay(attempt+1)); werr != nil {
			lastErr = schema.NewError(schema.ErrCodeCancelled, "step cancelled during backoff").WithCause(werr)
			break
		}
	}

	if attempts > 1 {
		return nil, schema.NewErrorf(schema.ErrCodeRetryExhausted,
			"step failed after %d attempts", attempts).
			WithStep(stepIndex, step.Name).
			WithCause(lastErr)
	}
	return nil, wrapStepErr(lastErr, stepIndex, step.Name)
}

// invokeWithTimeout runs the tool under the step's timeout, if any.
func (e *StepExecutor) invokeWithTimeout(ctx context.Context, step *schema.StepDefinition, params map[string]any) (map[string]any, error) {
	timeout := stepTimeout(step)
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	out, err := e.invoker.Invoke(ctx, step.Action.ToolName, params)
	switch {
	case err == nil:
		return out, nil
	case errors.Is(err, context.DeadlineExceeded):
		return nil, schema.NewErrorf(schema.ErrCodeTimeout,
			"tool %q exceeded its %s timeout", step.Action.ToolName, timeout).WithCause(err)
	case errors.Is(err, context.Canceled):
		// The persisted step row must carry the cancellation kind, not a
		// generic invocation failure.
		var ee *schema.EngineError
		if errors.As(err, &ee) && ee.Code == schema.ErrCodeCancelled {
			return nil, err
		}
		return nil, schema.NewErrorf(schema.ErrCodeCancelled,
			"tool %q cancelled", step.Action.ToolName).WithCause(err)
	}
	return nil, err
}

func stepTimeout(step *schema.StepDefinition) time.Duration {
	if step.Action != nil && step.Action.TimeoutSeconds > 0 {
		return time.Duration(step.Action.TimeoutSeconds) * time.Second
	}
	if step.Timeout != "" {
		if d, err := time.ParseDuration(step.Timeout); err == nil {
			return d
		}
	}
	return 0
}

// --- condition ---

func (e *StepExecutor) executeCondition(ctx context.Context, state *runState, stepIndex int, step *schema.StepDefinition) (map[string]any, string, error) {
	started := time.Now().UTC()
	row := e.newRow(state, stepIndex, step, schema.StepTypeCondition, &started)
	if err := e.store.UpsertStepExecution(ctx, row); err != nil {
		return nil, "", wrapStepErr(err, stepIndex, step.Name)
	}

	result, err := e.expr.EvaluateBool(step.Condition.Expression,
		state.scope.Parameters, state.scope.ContextView(), state.scope.Steps)
	if err != nil {
		e.finishRow(ctx, row, schema.StepStatusFailed, nil, err)
		return nil, "", wrapStepErr(err, stepIndex, step.Name)
	}

	route := step.Condition.OnFalse
	if result {
		route = step.Condition.OnTrue
	}

	out := map[string]any{"result": result}
	e.finishRow(ctx, row, schema.StepStatusCompleted, out, nil)
	e.recorder.StepInfo(ctx, state.execution.ID, stepIndex, step.Name, 1, "condition evaluated",
		map[string]any{"result": result, "route": route})
	return out, route, nil
}

// --- parallel ---

func (e *StepExecutor) executeParallel(ctx context.Context, state *runState, stepIndex int, step *schema.StepDefinition) (map[string]any, error) {
	started := time.Now().UTC()
	row := e.newRow(state, stepIndex, step, schema.StepTypeParallel, &started)
	if err := e.store.UpsertStepExecution(ctx, row); err != nil {
		return nil, wrapStepErr(err, stepIndex, step.Name)
	}

	children := step.Parallel.Children
	pctx, cancel := context.WithCancel(ctx)
	defer cancel()

	pool := NewWorkerPool(len(children))
	var (
		mu       sync.Mutex
		outputs  = make(map[string]any, len(children))
		firstErr error
	)

	for i := range children {
		child := &children[i]
		// Each branch gets an isolated scope copy so sibling context writes
		// never interleave.
		branch := state.withScope(state.scope.ForkContext())

		submitErr := pool.Go(pctx, func() {
			out, _, err := e.ExecuteStep(pctx, branch, stepIndex, child)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				cancel()
				return
			}
			outputs[child.Name] = out
		})
		if submitErr != nil {
			mu.Lock()
			if firstErr == nil {
				firstErr = schema.NewError(schema.ErrCodeCancelled, "parallel branch not started").WithCause(submitErr)
			}
			mu.Unlock()
			break
		}
	}

	// Every branch either finished or observed the cancellation; nothing is
	// left running past this point.
	pool.Wait()

	if firstErr != nil {
		e.finishRow(ctx, row, schema.StepStatusFailed, nil, firstErr)
		return nil, wrapStepErr(firstErr, stepIndex, step.Name)
	}

	for name, out := range outputs {
		if m, ok := out.(map[string]any); ok {
			state.scope.RecordStepOutput(name, m)
		}
	}

	e.finishRow(ctx, row, schema.StepStatusCompleted, outputs, nil)
	return outputs, nil
}

// --- loop ---

func (e *StepExecutor) executeLoop(ctx context.Context, state *runState, stepIndex int, step *schema.StepDefinition) (map[string]any, error) {
	started := time.Now().UTC()
	row := e.newRow(state, stepIndex, step, schema.StepTypeLoop, &started)
	if err := e.store.UpsertStepExecution(ctx, row); err != nil {
		return nil, wrapStepErr(err, stepIndex, step.Name)
	}

	collected, err := resolver.ResolveString(step.Loop.Collection, state.scope)
	if err != nil {
		e.finishRow(ctx, row, schema.StepStatusFailed, nil, err)
		return nil, wrapStepErr(err, stepIndex, step.Name)
	}
	items, ok := collected.([]any)
	if !ok {
		err := schema.NewErrorf(schema.ErrCodeExecution,
			"loop collection %q did not resolve to a list (got %T)", step.Loop.Collection, collected)
		e.finishRow(ctx, row, schema.StepStatusFailed, nil, err)
		return nil, wrapStepErr(err, stepIndex, step.Name)
	}

	if step.Loop.MaxIterations > 0 && len(items) > step.Loop.MaxIterations {
		e.recorder.StepInfo(ctx, state.execution.ID, stepIndex, step.Name, 0, "loop collection truncated",
			map[string]any{"collection_size": len(items), "max_iterations": step.Loop.MaxIterations})
		items = items[:step.Loop.MaxIterations]
	}

	itemVar := step.Loop.ItemVariable
	if itemVar == "" {
		itemVar = defaultLoopItemVar
	}

	var (
		results []any
		loopErr error
	)
	if step.Loop.MaxConcurrency > 1 {
		results, loopErr = e.runLoopConcurrent(ctx, state, stepIndex, step, items, itemVar)
	} else {
		results, loopErr = e.runLoopSequential(ctx, state, stepIndex, step, items, itemVar)
	}

	if loopErr != nil {
		e.finishRow(ctx, row, schema.StepStatusFailed, nil, loopErr)
		return nil, wrapStepErr(loopErr, stepIndex, step.Name)
	}

	out := map[string]any{"results": results, "count": len(results)}
	e.finishRow(ctx, row, schema.StepStatusCompleted, out, nil)
	return out, nil
}

// runLoopSequential runs the body once per element in order. The first
// failing iteration stops the loop.
func (e *StepExecutor) runLoopSequential(ctx context.Context, state *runState, stepIndex int, step *schema.StepDefinition, items []any, itemVar string) ([]any, error) {
	results := make([]any, 0, len(items))
	for i, item := range items {
		if err := ctx.Err(); err != nil {
			return nil, schema.NewError(schema.ErrCodeCancelled, "loop cancelled").WithCause(err)
		}
		result, err := e.runLoopIteration(ctx, state, stepIndex, step, itemVar, item, i)
		if err != nil {
			return nil, err
		}
		results = append(results, result)
	}
	return results, nil
}

// runLoopConcurrent runs iterations under a bounded pool, failing fast on
// the first error. Results keep collection order.
func (e *StepExecutor) runLoopConcurrent(ctx context.Context, state *runState, stepIndex int, step *schema.StepDefinition, items []any, itemVar string) ([]any, error) {
	lctx, cancel := context.WithCancel(ctx)
	defer cancel()

	pool := NewWorkerPool(step.Loop.MaxConcurrency)
	results := make([]any, len(items))
	var (
		mu       sync.Mutex
		firstErr error
	)

	for i, item := range items {
		i, item := i, item
		// Concurrent iterations get isolated context copies; their writes are
		// dropped rather than racing each other.
		iterState := state.withScope(state.scope.ForkContext())
		submitErr := pool.Go(lctx, func() {
			result, err := e.runLoopIteration(lctx, iterState, stepIndex, step, itemVar, item, i)
			if err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
				cancel()
				return
			}
			mu.Lock()
			results[i] = result
			mu.Unlock()
		})
		if submitErr != nil {
			break
		}
	}
	pool.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	if err := ctx.Err(); err != nil {
		return nil, schema.NewError(schema.ErrCodeCancelled, "loop cancelled").WithCause(err)
	}
	return results, nil
}

// runLoopIteration executes the loop body against a child scope binding the
// current element. Routing inside the body follows the same rules as the top
// level run loop: conditions route on_true/on_false, other steps route
// on_success, failures route on_failure. The iteration result is the output
// of the last body step that ran.
func (e *StepExecutor) runLoopIteration(ctx context.Context, state *runState, stepIndex int, step *schema.StepDefinition, itemVar string, item any, index int) (any, error) {
	iterScope := state.scope.Child(map[string]any{
		itemVar:            item,
		itemVar + "_index": index,
	})
	iterState := state.withScope(iterScope)

	body := step.Loop.Body
	indexOf := make(map[string]int, len(body))
	for i := range body {
		indexOf[body[i].Name] = i
	}
	jump := func(target string) (int, error) {
		j, ok := indexOf[target]
		if !ok {
			return 0, schema.NewErrorf(schema.ErrCodeMissingStepReference,
				"loop body routes to unknown step %q", target)
		}
		return j, nil
	}

	// Backstop against routing loops validation could not see (it only runs
	// against the static graph).
	budget := len(body)*50 + 100

	var last map[string]any
	for i := 0; i < len(body); {
		if budget == 0 {
			return nil, schema.NewError(schema.ErrCodeExecution, "loop body routing did not terminate")
		}
		budget--

		bodyStep := &body[i]
		out, route, err := e.ExecuteStep(ctx, iterState, stepIndex, bodyStep)
		if err != nil {
			if bodyStep.OnFailure != "" && ctx.Err() == nil {
				j, jerr := jump(bodyStep.OnFailure)
				if jerr != nil {
					return nil, jerr
				}
				i = j
				continue
			}
			return nil, err
		}
		iterScope.RecordStepOutput(bodyStep.Name, out)
		if err := e.applyExports(iterState, stepIndex, bodyStep); err != nil {
			return nil, err
		}
		last = out

		if route != "" {
			j, jerr := jump(route)
			if jerr != nil {
				return nil, jerr
			}
			i = j
			continue
		}
		i++
	}
	return last, nil
}

// applyExports resolves a step's export block and writes the values into the
// shared execution context. Runs only after the step succeeded, so exports
// may reference the step's own output.
func (e *StepExecutor) applyExports(state *runState, stepIndex int, step *schema.StepDefinition) error {
	if len(step.Export) == 0 {
		return nil
	}
	resolved, err := resolver.ResolveMap(step.Export, state.scope)
	if err != nil {
		return wrapStepErr(err, stepIndex, step.Name)
	}
	for k, v := range resolved {
		state.scope.SetContext(k, v)
	}
	return nil
}

// --- workflow_link ---

func (e *StepExecutor) executeWorkflowLink(ctx context.Context, state *runState, stepIndex int, step *schema.StepDefinition) (map[string]any, error) {
	started := time.Now().UTC()
	row := e.newRow(state, stepIndex, step, schema.StepTypeWorkflowLink, &started)
	if err := e.store.UpsertStepExecution(ctx, row); err != nil {
		return nil, wrapStepErr(err, stepIndex, step.Name)
	}

	if state.execution.Depth+1 > maxLinkDepth {
		err := schema.NewErrorf(schema.ErrCodeRecursionLimit,
			"workflow link depth exceeds %d", maxLinkDepth)
		e.finishRow(ctx, row, schema.StepStatusFailed, nil, err)
		return nil, wrapStepErr(err, stepIndex, step.Name)
	}
	if e.links == nil {
		err := schema.NewError(schema.ErrCodeExecution, "workflow links are not enabled")
		e.finishRow(ctx, row, schema.StepStatusFailed, nil, err)
		return nil, wrapStepErr(err, stepIndex, step.Name)
	}

	params, err := resolver.ResolveMap(step.WorkflowLink.Parameters, state.scope)
	if err != nil {
		e.finishRow(ctx, row, schema.StepStatusFailed, nil, err)
		return nil, wrapStepErr(err, stepIndex, step.Name)
	}

	child, err := e.links.RunLinked(ctx, state.execution, step.WorkflowLink, params, state.notify)
	if child != nil {
		row.ChildExecutionID = child.ID
	}
	if err != nil {
		e.finishRow(ctx, row, schema.StepStatusFailed, nil, err)
		return nil, wrapStepErr(err, stepIndex, step.Name)
	}

	var out map[string]any
	if len(child.Output) > 0 {
		if uerr := json.Unmarshal(child.Output, &out); uerr != nil {
			out = map[string]any{"output": string(child.Output)}
		}
	}
	if out == nil {
		out = map[string]any{}
	}
	out["execution_id"] = child.ID

	e.finishRow(ctx, row, schema.StepStatusCompleted, out, nil)
	return out, nil
}

// --- row helpers ---

// recordFailedAttempt persists a single failed attempt row for errors that
// occur before or instead of a tool call.
func (e *StepExecutor) recordFailedAttempt(ctx context.Context, state *runState, stepIndex int, step *schema.StepDefinition, attempt, maxAttempts int, input map[string]any, cause error) {
	started := time.Now().UTC()
	row := &store.StepExecution{
		ID:            uuid.NewString(),
		ExecutionID:   state.execution.ID,
		StepIndex:     stepIndex,
		StepName:      step.Name,
		StepType:      step.EffectiveType(),
		Status:        schema.StepStatusFailed,
		AttemptNumber: attempt,
		MaxAttempts:   maxAttempts,
		StartedAt:     &started,
		CompletedAt:   &started,
		Error:         errJSON(cause),
	}
	if step.Action != nil {
		row.ToolName = step.Action.ToolName
	}
	if input != nil {
		row.Input, _ = json.Marshal(input)
	}
	if err := e.store.UpsertStepExecution(ctx, row); err != nil {
		e.logger.ErrorContext(ctx, "failed to persist step row",
			slog.String("step", step.Name), slog.String("error", err.Error()))
	}
	e.recorder.StepError(ctx, state.execution.ID, stepIndex, step.Name, attempt, "step failed",
		map[string]any{"error": cause.Error()})
}

func (e *StepExecutor) newRow(state *runState, stepIndex int, step *schema.StepDefinition, stepType schema.StepType, started *time.Time) *store.StepExecution {
	return &store.StepExecution{
		ID:            uuid.NewString(),
		ExecutionID:   state.execution.ID,
		StepIndex:     stepIndex,
		StepName:      step.Name,
		StepType:      stepType,
		Status:        schema.StepStatusRunning,
		AttemptNumber: 1,
		MaxAttempts:   1,
		StartedAt:     started,
	}
}

func (e *StepExecutor) finishRow(ctx context.Context, row *store.StepExecution, status schema.StepStatus, output map[string]any, cause error) {
	completed := time.Now().UTC()
	row.Status = status
	row.CompletedAt = &completed
	if row.StartedAt != nil {
		row.DurationMs = completed.Sub(*row.StartedAt).Milliseconds()
	}
	if output != nil {
		row.Output, _ = json.Marshal(output)
	}
	if cause != nil {
		row.Error = errJSON(cause)
	}
	if err := e.store.UpsertStepExecution(ctx, row); err != nil {
		e.logger.ErrorContext(ctx, "failed to persist step row",
			slog.String("step", row.StepName), slog.String("error", err.Error()))
	}
}

func wrapStepErr(err error, stepIndex int, stepName string) error {
	if err == nil {
		return nil
	}
	var ee *schema.EngineError
	if errors.As(err, &ee) {
		if ee.StepName == "" {
			ee.StepIndex = stepIndex
			ee.StepName = stepName
		}
		return err
	}
	return schema.NewErrorf(schema.ErrCodeExecution, "step failed: %v", err).
		WithStep(stepIndex, stepName).
		WithCause(err)
}

func errJSON(err error) json.RawMessage {
	var ee *schema.EngineError
	if errors.As(err, &ee) {
		if b, merr := json.Marshal(ee); merr == nil {
			return b
		}
	}
	b, _ := json.Marshal(map[string]any{"message": fmt.Sprint(err)})
	return b
}
