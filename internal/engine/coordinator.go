package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/maestro/internal/logging"
	"github.com/rendis/maestro/internal/resolver"
	"github.com/rendis/maestro/internal/store"
	"github.com/rendis/maestro/internal/templates"
	"github.com/rendis/maestro/pkg/schema"
)

// userTaskContextKey is the trigger context key carrying the USER_TASK
// substitution value.
const userTaskContextKey = "user_task"

// SubmitRequest describes one workflow submission.
type SubmitRequest struct {
	TemplateName    string         `json:"template_name"`
	TemplateVersion string         `json:"template_version,omitempty"`
	Parameters      map[string]any `json:"parameters,omitempty"`
	TriggeredBy     string         `json:"triggered_by,omitempty"`
	TriggerContext  map[string]any `json:"trigger_context,omitempty"`
}

// ExecutionView is the full status snapshot returned by Status.
type ExecutionView struct {
	Execution *store.Execution       `json:"execution"`
	Steps     []*store.StepExecution `json:"steps"`
	Log       []*store.LogEntry      `json:"log"`
}

// Coordinator owns execution lifecycles: submission, the run loop, pause,
// resume, cancellation and restart recovery.
type Coordinator struct {
	store     store.Store
	recorder  *store.Recorder
	templates *templates.Service
	executor  *StepExecutor
	logger    *slog.Logger

	mu   sync.Mutex
	runs map[string]*runControl
	wg   sync.WaitGroup
}

// runControl is the in-process handle on a live execution goroutine.
type runControl struct {
	cancel context.CancelFunc

	mu     sync.Mutex
	paused bool
	resume chan struct{}
}

func (rc *runControl) requestPause() {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if !rc.paused {
		rc.paused = true
		rc.resume = make(chan struct{})
	}
}

func (rc *runControl) requestResume() {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.paused {
		rc.paused = false
		close(rc.resume)
	}
}

func (rc *runControl) pauseState() (bool, chan struct{}) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.paused, rc.resume
}

// NewCoordinator creates a Coordinator and wires it into the executor as the
// linked-workflow runner.
func NewCoordinator(st store.Store, rec *store.Recorder, tpls *templates.Service, executor *StepExecutor, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Coordinator{
		store:     st,
		recorder:  rec,
		templates: tpls,
		executor:  executor,
		logger:    logger,
		runs:      map[string]*runControl{},
	}
	executor.setChildRunner(c)
	return c
}

// Submit validates a submission against its template, persists a pending
// execution and dispatches it asynchronously. The returned execution is the
// pending snapshot; poll Status for progress.
func (c *Coordinator) Submit(ctx context.Context, req SubmitRequest) (*store.Execution, error) {
	tpl, err := c.templates.Get(ctx, req.TemplateName, req.TemplateVersion)
	if err != nil {
		return nil, err
	}
	if tpl.Status != schema.TemplateStatusActive {
		return nil, schema.NewErrorf(schema.ErrCodeConflict,
			"template %s@%s is %s, only active templates accept submissions",
			tpl.Name, tpl.Version, tpl.Status)
	}

	params, err := c.templates.PrepareInput(&tpl.Definition, req.Parameters)
	if err != nil {
		return nil, err
	}

	exec := &store.Execution{
		ID:              uuid.NewString(),
		TemplateName:    tpl.Name,
		TemplateVersion: tpl.Version,
		Definition:      tpl.Definition,
		Status:          schema.ExecutionStatusPending,
		TotalSteps:      len(tpl.Definition.Steps),
		InputParameters: params,
		Context:         map[string]any{},
		TriggeredBy:     req.TriggeredBy,
		TriggerContext:  req.TriggerContext,
	}
	if err := c.store.CreateExecution(ctx, exec); err != nil {
		return nil, err
	}
	c.recorder.Info(ctx, exec.ID, "execution submitted", map[string]any{
		"template": tpl.Name,
		"version":  tpl.Version,
	})

	c.dispatch(exec, nil)
	return exec, nil
}

// dispatch starts the run loop on its own goroutine, detached from the
// submitting request's context.
func (c *Coordinator) dispatch(exec *store.Execution, notify func(float64)) {
	runCtx, cancel := context.WithCancel(context.Background())
	ctrl := &runControl{cancel: cancel}

	c.mu.Lock()
	c.runs[exec.ID] = ctrl
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer cancel()
		defer c.release(exec.ID)
		c.run(runCtx, exec, ctrl, notify)
	}()
}

func (c *Coordinator) release(id string) {
	c.mu.Lock()
	delete(c.runs, id)
	c.mu.Unlock()
}

func (c *Coordinator) control(id string) *runControl {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runs[id]
}

// run is the execution loop: walk the step list from the current index,
// executing each step and following its routing until the list is exhausted
// or the execution reaches a terminal state.
func (c *Coordinator) run(ctx context.Context, exec *store.Execution, ctrl *runControl, notify func(float64)) error {
	ctx = logging.WithExecutionID(ctx, exec.ID)
	ctx = logging.WithTemplate(ctx, exec.TemplateName)

	if err := c.markRunning(ctx, exec); err != nil {
		return err
	}

	scope := resolver.NewScope(exec.InputParameters, cloneMap(exec.Context))
	if task, ok := exec.TriggerContext[userTaskContextKey].(string); ok {
		scope.UserTask = task
	}

	steps := exec.Definition.Steps
	total := len(steps)
	index := make(map[string]int, total)
	for i, step := range steps {
		index[step.Name] = i
	}

	// Activation-time validation rejects routing cycles; the budget is a
	// backstop so a corrupted definition cannot spin forever.
	budget := total*50 + 100

	var lastOutput map[string]any
	i := 0
	for i < total {
		if budget--; budget < 0 {
			return c.fail(ctx, exec, i, scope,
				schema.NewError(schema.ErrCodeExecution, "step routing did not terminate"))
		}
		if ctx.Err() != nil {
			return c.markCancelled(ctx, exec, i, scope)
		}
		c.updatePosition(ctx, exec, i, computeProgress(i, total, 0), notify, float64(i)/float64(total))

		if done, err := c.holdWhilePaused(ctx, exec, ctrl, i); err != nil {
			if done {
				return c.markCancelled(ctx, exec, i, scope)
			}
			return err
		}

		step := &steps[i]
		state := &runState{
			execution: exec,
			template:  &exec.Definition,
			scope:     scope,
			notify: func(frac float64) {
				c.updatePosition(ctx, exec, i, computeProgress(i, total, frac), notify,
					(float64(i)+frac)/float64(total))
			},
		}

		out, route, err := c.executor.ExecuteStep(ctx, state, i, step)
		if err != nil {
			if ctx.Err() != nil {
				return c.markCancelled(ctx, exec, i, scope)
			}
			if step.OnFailure != "" {
				c.recorder.Record(ctx, exec.ID, schema.LogLevelWarn, i, step.Name, 0,
					"step failed, routing to failure handler",
					map[string]any{"error": err.Error(), "on_failure": step.OnFailure})
				i = index[step.OnFailure]
				continue
			}
			return c.fail(ctx, exec, i, scope, err)
		}

		scope.RecordStepOutput(step.Name, out)
		if err := c.executor.applyExports(state, i, step); err != nil {
			return c.fail(ctx, exec, i, scope, err)
		}
		lastOutput = out

		if route != "" {
			j, ok := index[route]
			if !ok {
				return c.fail(ctx, exec, i, scope,
					schema.NewErrorf(schema.ErrCodeMissingStepReference, "route target %q not found", route).
						WithStep(i, step.Name))
			}
			i = j
		} else {
			i++
		}
	}

	return c.complete(ctx, exec, total, scope, lastOutput, notify)
}

// holdWhilePaused blocks at a step boundary while a pause is in effect. The
// bool result reports cancellation while paused.
func (c *Coordinator) holdWhilePaused(ctx context.Context, exec *store.Execution, ctrl *runControl, stepIndex int) (bool, error) {
	paused, resume := ctrl.pauseState()
	if !paused {
		return false, nil
	}

	now := time.Now().UTC()
	pausedStatus := schema.ExecutionStatusPaused
	if err := c.store.UpdateExecution(ctx, exec.ID, store.ExecutionUpdate{
		Status:   &pausedStatus,
		PausedAt: &now,
	}); err != nil {
		return false, err
	}
	exec.Status = pausedStatus
	c.recorder.Info(ctx, exec.ID, "execution paused", map[string]any{"step_index": stepIndex})

	select {
	case <-ctx.Done():
		return true, ctx.Err()
	case <-resume:
	}

	running := schema.ExecutionStatusRunning
	if err := c.store.UpdateExecution(ctx, exec.ID, store.ExecutionUpdate{Status: &running}); err != nil {
		return false, err
	}
	exec.Status = running
	c.recorder.Info(ctx, exec.ID, "execution resumed", map[string]any{"step_index": stepIndex})
	return false, nil
}

func (c *Coordinator) markRunning(ctx context.Context, exec *store.Execution) error {
	if err := ValidateExecutionTransition(exec.Status, schema.ExecutionStatusRunning); err != nil {
		return err
	}
	now := time.Now().UTC()
	running := schema.ExecutionStatusRunning
	if err := c.store.UpdateExecution(ctx, exec.ID, store.ExecutionUpdate{
		Status:    &running,
		StartedAt: &now,
	}); err != nil {
		return err
	}
	exec.Status = running
	exec.StartedAt = &now
	c.recorder.Info(ctx, exec.ID, "execution started", nil)
	return nil
}

func (c *Coordinator) updatePosition(ctx context.Context, exec *store.Execution, stepIndex int, progress float64, notify func(float64), frac float64) {
	if err := c.store.UpdateExecution(ctx, exec.ID, store.ExecutionUpdate{
		CurrentStepIndex: &stepIndex,
		Progress:         &progress,
	}); err != nil {
		c.logger.ErrorContext(ctx, "failed to persist progress", slog.String("error", err.Error()))
	}
	exec.CurrentStepIndex = stepIndex
	exec.Progress = progress
	if notify != nil {
		notify(frac)
	}
}

func (c *Coordinator) complete(ctx context.Context, exec *store.Execution, total int, scope *resolver.Scope, lastOutput map[string]any, notify func(float64)) error {
	now := time.Now().UTC()
	completed := schema.ExecutionStatusCompleted
	progress := 100.0
	var output json.RawMessage
	if lastOutput != nil {
		output, _ = json.Marshal(lastOutput)
	}
	if err := c.store.UpdateExecution(ctx, exec.ID, store.ExecutionUpdate{
		Status:           &completed,
		CurrentStepIndex: &total,
		Progress:         &progress,
		Context:          scope.Context,
		Output:           output,
		CompletedAt:      &now,
	}); err != nil {
		return err
	}
	exec.Status = completed
	exec.Progress = progress
	exec.Output = output
	c.recorder.Info(ctx, exec.ID, "execution completed", nil)
	if notify != nil {
		notify(1)
	}
	return nil
}

func (c *Coordinator) fail(ctx context.Context, exec *store.Execution, stepIndex int, scope *resolver.Scope, cause error) error {
	now := time.Now().UTC()
	failed := schema.ExecutionStatusFailed
	if err := c.store.UpdateExecution(ctx, exec.ID, store.ExecutionUpdate{
		Status:      &failed,
		Context:     scope.Context,
		Error:       errJSON(cause),
		CompletedAt: &now,
	}); err != nil {
		c.logger.ErrorContext(ctx, "failed to persist failure", slog.String("error", err.Error()))
	}
	exec.Status = failed
	c.recorder.Error(ctx, exec.ID, "execution failed", map[string]any{
		"step_index": stepIndex,
		"error":      cause.Error(),
	})
	return cause
}

func (c *Coordinator) markCancelled(ctx context.Context, exec *store.Execution, stepIndex int, scope *resolver.Scope) error {
	now := time.Now().UTC()
	cancelled := schema.ExecutionStatusCancelled
	cause := schema.NewError(schema.ErrCodeCancelled, "execution cancelled")
	if err := c.store.UpdateExecution(ctx, exec.ID, store.ExecutionUpdate{
		Status:      &cancelled,
		Context:     scope.Context,
		Error:       errJSON(cause),
		CompletedAt: &now,
	}); err != nil {
		c.logger.ErrorContext(ctx, "failed to persist cancellation", slog.String("error", err.Error()))
	}
	exec.Status = cancelled
	c.recorder.Info(ctx, exec.ID, "execution cancelled", map[string]any{"step_index": stepIndex})
	return cause
}

// --- control operations ---

// Pause requests a pause. The in-flight step finishes; the execution parks
// at the next step boundary.
func (c *Coordinator) Pause(ctx context.Context, id string) error {
	exec, err := c.store.GetExecution(ctx, id)
	if err != nil {
		return err
	}
	if err := ValidateExecutionTransition(exec.Status, schema.ExecutionStatusPaused); err != nil {
		return err
	}
	ctrl := c.control(id)
	if ctrl == nil {
		return schema.NewErrorf(schema.ErrCodeConflict, "execution %q is not running in this process", id)
	}
	ctrl.requestPause()
	return nil
}

// Resume releases a paused execution.
func (c *Coordinator) Resume(ctx context.Context, id string) error {
	exec, err := c.store.GetExecution(ctx, id)
	if err != nil {
		return err
	}
	ctrl := c.control(id)
	if ctrl == nil {
		return schema.NewErrorf(schema.ErrCodeConflict, "execution %q is not running in this process", id)
	}
	paused, _ := ctrl.pauseState()
	if !paused && exec.Status != schema.ExecutionStatusPaused {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"cannot resume execution in status %s", exec.Status)
	}
	ctrl.requestResume()
	return nil
}

// Cancel stops an execution and cascades to any linked child executions.
// The cancellation is cooperative: in-flight tool calls observe their
// context and return, and no new steps start.
func (c *Coordinator) Cancel(ctx context.Context, id string) error {
	exec, err := c.store.GetExecution(ctx, id)
	if err != nil {
		return err
	}
	if err := ValidateExecutionTransition(exec.Status, schema.ExecutionStatusCancelled); err != nil {
		return err
	}

	if ctrl := c.control(id); ctrl != nil {
		// Unblock a paused run loop so it can observe the cancellation.
		ctrl.requestResume()
		ctrl.cancel()
		return nil
	}

	// No live goroutine (e.g. orphaned after a restart): finalize directly.
	now := time.Now().UTC()
	cancelled := schema.ExecutionStatusCancelled
	if err := c.store.UpdateExecution(ctx, id, store.ExecutionUpdate{
		Status:      &cancelled,
		Error:       errJSON(schema.NewError(schema.ErrCodeCancelled, "execution cancelled")),
		CompletedAt: &now,
	}); err != nil {
		return err
	}
	c.recorder.Info(ctx, id, "execution cancelled", nil)

	children, err := c.store.ListExecutions(ctx, store.ExecutionFilter{ParentID: id})
	if err != nil {
		return err
	}
	for _, child := range children {
		if child.Status.Terminal() {
			continue
		}
		if cerr := c.Cancel(ctx, child.ID); cerr != nil {
			c.logger.WarnContext(ctx, "failed to cancel child execution",
				slog.String("child_id", child.ID), slog.String("error", cerr.Error()))
		}
	}
	return nil
}

// Status returns the execution with its step attempts and log.
func (c *Coordinator) Status(ctx context.Context, id string) (*ExecutionView, error) {
	exec, err := c.store.GetExecution(ctx, id)
	if err != nil {
		return nil, err
	}
	steps, err := c.store.ListStepExecutions(ctx, id)
	if err != nil {
		return nil, err
	}
	log, err := c.store.ListLogEntries(ctx, id, 0)
	if err != nil {
		return nil, err
	}
	return &ExecutionView{Execution: exec, Steps: steps, Log: log}, nil
}

// List returns executions matching the filter.
func (c *Coordinator) List(ctx context.Context, filter store.ExecutionFilter) ([]*store.Execution, error) {
	return c.store.ListExecutions(ctx, filter)
}

// --- linked workflows ---

// RunLinked starts a child execution for a workflow_link step and blocks
// until it terminates. The child's context derives from the parent step's,
// so cancelling the parent cascades.
func (c *Coordinator) RunLinked(ctx context.Context, parent *store.Execution, link *schema.WorkflowLinkConfig, params map[string]any, notify func(float64)) (*store.Execution, error) {
	tpl, err := c.templates.Get(ctx, link.Template, link.Version)
	if err != nil {
		return nil, err
	}
	if tpl.Status != schema.TemplateStatusActive {
		return nil, schema.NewErrorf(schema.ErrCodeConflict,
			"linked template %s@%s is not active", tpl.Name, tpl.Version)
	}

	effective, err := c.templates.PrepareInput(&tpl.Definition, params)
	if err != nil {
		return nil, err
	}

	child := &store.Execution{
		ID:              uuid.NewString(),
		TemplateName:    tpl.Name,
		TemplateVersion: tpl.Version,
		Definition:      tpl.Definition,
		Status:          schema.ExecutionStatusPending,
		TotalSteps:      len(tpl.Definition.Steps),
		InputParameters: effective,
		Context:         map[string]any{},
		TriggeredBy:     "workflow_link",
		TriggerContext:  parent.TriggerContext,
		ParentID:        parent.ID,
		Depth:           parent.Depth + 1,
	}
	if err := c.store.CreateExecution(ctx, child); err != nil {
		return nil, err
	}

	childCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	ctrl := &runControl{cancel: cancel}

	c.mu.Lock()
	c.runs[child.ID] = ctrl
	c.mu.Unlock()
	defer c.release(child.ID)

	runErr := c.run(childCtx, child, ctrl, notify)

	final, err := c.store.GetExecution(ctx, child.ID)
	if err != nil {
		return child, err
	}
	// Structured failures propagate unchanged so the parent surfaces the
	// real code (RECURSION_LIMIT, RETRY_EXHAUSTED, ...).
	return final, runErr
}

// --- recovery and shutdown ---

// Recover reconciles persisted executions with reality after a restart:
// pending executions are re-dispatched; executions stuck in running or
// paused are failed since their in-memory state is gone.
func (c *Coordinator) Recover(ctx context.Context) error {
	pending := schema.ExecutionStatusPending
	toStart, err := c.store.ListExecutions(ctx, store.ExecutionFilter{Status: &pending})
	if err != nil {
		return err
	}
	for _, exec := range toStart {
		if exec.ParentID != "" {
			// Orphaned children of a dead parent cannot rejoin its run loop.
			c.finalizeInterrupted(ctx, exec)
			continue
		}
		c.logger.InfoContext(ctx, "re-dispatching pending execution", slog.String("execution_id", exec.ID))
		c.dispatch(exec, nil)
	}

	for _, status := range []schema.ExecutionStatus{
		schema.ExecutionStatusRunning,
		schema.ExecutionStatusPaused,
	} {
		stuck, err := c.store.ListExecutions(ctx, store.ExecutionFilter{Status: &status})
		if err != nil {
			return err
		}
		for _, exec := range stuck {
			if c.control(exec.ID) != nil {
				continue
			}
			c.finalizeInterrupted(ctx, exec)
		}
	}
	return nil
}

func (c *Coordinator) finalizeInterrupted(ctx context.Context, exec *store.Execution) {
	now := time.Now().UTC()
	failed := schema.ExecutionStatusFailed
	cause := schema.NewError(schema.ErrCodeExecution, "execution interrupted by process restart")
	if err := c.store.UpdateExecution(ctx, exec.ID, store.ExecutionUpdate{
		Status:      &failed,
		Error:       errJSON(cause),
		CompletedAt: &now,
	}); err != nil {
		c.logger.ErrorContext(ctx, "failed to finalize interrupted execution",
			slog.String("execution_id", exec.ID), slog.String("error", err.Error()))
		return
	}
	c.recorder.Error(ctx, exec.ID, "execution interrupted by process restart", nil)
}

// Shutdown cancels all live executions and waits for their goroutines, up
// to the context deadline.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	for _, ctrl := range c.runs {
		ctrl.requestResume()
		ctrl.cancel()
	}
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
