package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/maestro/internal/expressions"
	"github.com/rendis/maestro/internal/store"
	"github.com/rendis/maestro/internal/templates"
	"github.com/rendis/maestro/internal/tools"
	"github.com/rendis/maestro/pkg/schema"
)

// failingTool errors on every call and counts invocations.
type failingTool struct {
	calls atomic.Int32
}

func (t *failingTool) Name() string        { return "always_fail" }
func (t *failingTool) Description() string { return "fails on every call" }
func (t *failingTool) Call(context.Context, map[string]any) (map[string]any, error) {
	t.calls.Add(1)
	return nil, schema.NewError(schema.ErrCodeToolInvocation, "induced failure")
}

// countingTool succeeds on every call and counts invocations.
type countingTool struct {
	calls atomic.Int32
}

func (t *countingTool) Name() string        { return "count" }
func (t *countingTool) Description() string { return "counts invocations" }
func (t *countingTool) Call(context.Context, map[string]any) (map[string]any, error) {
	return map[string]any{"n": t.calls.Add(1)}, nil
}

// blockingTool parks until released or cancelled, tracking concurrency.
type blockingTool struct {
	started chan struct{}
	release chan struct{}
	running atomic.Int32
}

func newBlockingTool() *blockingTool {
	return &blockingTool{
		started: make(chan struct{}, 16),
		release: make(chan struct{}),
	}
}

func (t *blockingTool) Name() string        { return "block" }
func (t *blockingTool) Description() string { return "blocks until released" }
func (t *blockingTool) Call(ctx context.Context, params map[string]any) (map[string]any, error) {
	t.running.Add(1)
	defer t.running.Add(-1)
	t.started <- struct{}{}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.release:
		return map[string]any{"done": true}, nil
	}
}

type rig struct {
	st    *store.MemoryStore
	reg   *tools.Registry
	tpls  *templates.Service
	coord *Coordinator
}

func newRig(t *testing.T) *rig {
	t.Helper()
	st := store.NewMemoryStore()
	rec := store.NewRecorder(st, nil)
	reg := tools.NewDefaultRegistry(nil)
	exprEng, err := expressions.NewEngine()
	require.NoError(t, err)
	tpls := templates.NewService(st, exprEng, nil)
	executor := NewStepExecutor(st, rec, reg, exprEng, nil)
	coord := NewCoordinator(st, rec, tpls, executor, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		coord.Shutdown(ctx)
	})
	return &rig{st: st, reg: reg, tpls: tpls, coord: coord}
}

func (r *rig) activate(t *testing.T, tpl *schema.WorkflowTemplate) {
	t.Helper()
	ctx := context.Background()
	_, err := r.tpls.Register(ctx, tpl)
	require.NoError(t, err)
	require.NoError(t, r.tpls.Activate(ctx, tpl.Name, tpl.Version))
}

func (r *rig) waitStatus(t *testing.T, id string, want schema.ExecutionStatus) *store.Execution {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		exec, err := r.st.GetExecution(context.Background(), id)
		require.NoError(t, err)
		if exec.Status == want {
			return exec
		}
		if exec.Status.Terminal() && !want.Terminal() {
			t.Fatalf("execution reached terminal status %s while waiting for %s", exec.Status, want)
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for execution %s to reach %s", id, want)
	return nil
}

func echoStep(name string, params map[string]any) schema.StepDefinition {
	return schema.StepDefinition{
		Name:   name,
		Action: &schema.ActionConfig{ToolName: "echo", ToolParameters: params},
	}
}

func errorCode(t *testing.T, raw json.RawMessage) string {
	t.Helper()
	require.NotEmpty(t, raw)
	var ee schema.EngineError
	require.NoError(t, json.Unmarshal(raw, &ee))
	return ee.Code
}

func TestActionRetryExhaustion(t *testing.T) {
	r := newRig(t)
	failer := &failingTool{}
	r.reg.Register(failer)

	r.activate(t, &schema.WorkflowTemplate{
		Name:    "flaky",
		Version: "1.0.0",
		Steps: []schema.StepDefinition{
			{
				Name:   "doomed",
				Action: &schema.ActionConfig{ToolName: "always_fail"},
				Retry:  &schema.RetryPolicy{MaxAttempts: 3, Backoff: "none"},
			},
		},
	})

	exec, err := r.coord.Submit(context.Background(), SubmitRequest{TemplateName: "flaky"})
	require.NoError(t, err)

	final := r.waitStatus(t, exec.ID, schema.ExecutionStatusFailed)
	assert.Equal(t, int32(3), failer.calls.Load(), "tool invoked exactly max_attempts times")
	assert.Equal(t, schema.ErrCodeRetryExhausted, errorCode(t, final.Error))

	rows, err := r.st.ListStepExecutions(context.Background(), exec.ID)
	require.NoError(t, err)
	require.Len(t, rows, 3, "one row per attempt")
	assert.Equal(t, schema.StepStatusRetrying, rows[0].Status)
	assert.Equal(t, schema.StepStatusRetrying, rows[1].Status)
	assert.Equal(t, schema.StepStatusFailed, rows[2].Status)
	for i, row := range rows {
		assert.Equal(t, i+1, row.AttemptNumber)
		assert.Equal(t, 3, row.MaxAttempts)
	}
}

func TestCancelParallelStopsAllChildren(t *testing.T) {
	r := newRig(t)
	blocker := newBlockingTool()
	r.reg.Register(blocker)

	children := make([]schema.StepDefinition, 3)
	for i := range children {
		children[i] = schema.StepDefinition{
			Name:   fmt.Sprintf("branch_%d", i),
			Action: &schema.ActionConfig{ToolName: "block"},
		}
	}
	r.activate(t, &schema.WorkflowTemplate{
		Name:    "fanout",
		Version: "1.0.0",
		Steps: []schema.StepDefinition{
			{Name: "spread", Type: schema.StepTypeParallel, Parallel: &schema.ParallelConfig{Children: children}},
		},
	})

	exec, err := r.coord.Submit(context.Background(), SubmitRequest{TemplateName: "fanout"})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		select {
		case <-blocker.started:
		case <-time.After(5 * time.Second):
			t.Fatal("parallel children did not start")
		}
	}
	assert.Equal(t, int32(3), blocker.running.Load())

	require.NoError(t, r.coord.Cancel(context.Background(), exec.ID))
	final := r.waitStatus(t, exec.ID, schema.ExecutionStatusCancelled)
	assert.Equal(t, schema.ErrCodeCancelled, errorCode(t, final.Error))

	// every in-flight tool call observed the cancellation and returned
	require.Eventually(t, func() bool { return blocker.running.Load() == 0 },
		5*time.Second, 5*time.Millisecond, "no child left running after cancel")
}

func TestLoopSequentialOrderedIterations(t *testing.T) {
	r := newRig(t)

	r.activate(t, &schema.WorkflowTemplate{
		Name:    "batch",
		Version: "1.0.0",
		Parameters: []schema.ParameterSpec{
			{Name: "items", Required: true, AllowUnused: true},
		},
		Steps: []schema.StepDefinition{
			{
				Name: "each",
				Type: schema.StepTypeLoop,
				Loop: &schema.LoopConfig{
					Collection: "{{workflow.parameters.items}}",
					Body: []schema.StepDefinition{
						echoStep("visit", map[string]any{"value": "{{context.item}}", "position": "{{context.item_index}}"}),
					},
				},
			},
		},
	})

	exec, err := r.coord.Submit(context.Background(), SubmitRequest{
		TemplateName: "batch",
		Parameters:   map[string]any{"items": []any{1, 2, 3}},
	})
	require.NoError(t, err)
	final := r.waitStatus(t, exec.ID, schema.ExecutionStatusCompleted)

	var output map[string]any
	require.NoError(t, json.Unmarshal(final.Output, &output))
	assert.Equal(t, float64(3), output["count"])

	rows, err := r.st.ListStepExecutions(context.Background(), exec.ID)
	require.NoError(t, err)

	var bindings []any
	for _, row := range rows {
		if row.StepName != "visit" {
			continue
		}
		assert.Equal(t, schema.StepStatusCompleted, row.Status)
		var input map[string]any
		require.NoError(t, json.Unmarshal(row.Input, &input))
		bindings = append(bindings, input["value"])
	}
	assert.Equal(t, []any{float64(1), float64(2), float64(3)}, bindings,
		"one record per element, in collection order")
}

func TestLoopBodyConditionRouting(t *testing.T) {
	r := newRig(t)
	counter := &countingTool{}
	r.reg.Register(counter)

	r.activate(t, &schema.WorkflowTemplate{
		Name:    "selective",
		Version: "1.0.0",
		Parameters: []schema.ParameterSpec{
			{Name: "items", Required: true, AllowUnused: true},
		},
		Steps: []schema.StepDefinition{
			{
				Name: "each",
				Type: schema.StepTypeLoop,
				Loop: &schema.LoopConfig{
					Collection: "{{workflow.parameters.items}}",
					Body: []schema.StepDefinition{
						{
							Name: "gate",
							Type: schema.StepTypeCondition,
							Condition: &schema.ConditionConfig{
								Expression: `context.item == "big"`,
								OnTrue:     "record",
							},
						},
						{Name: "audit", Action: &schema.ActionConfig{ToolName: "count"}},
						echoStep("record", map[string]any{"value": "{{context.item}}"}),
					},
				},
			},
		},
	})

	exec, err := r.coord.Submit(context.Background(), SubmitRequest{
		TemplateName: "selective",
		Parameters:   map[string]any{"items": []any{"small", "big", "big"}},
	})
	require.NoError(t, err)
	final := r.waitStatus(t, exec.ID, schema.ExecutionStatusCompleted)

	var output map[string]any
	require.NoError(t, json.Unmarshal(final.Output, &output))
	assert.Equal(t, float64(3), output["count"])

	// only the iteration that fell through the gate reached audit
	assert.Equal(t, int32(1), counter.calls.Load(), "on_true skips the fall-through step")
}

func TestExportWritesSharedContext(t *testing.T) {
	r := newRig(t)

	build := echoStep("build", map[string]any{"artifact": "app-1.2.3.tar.gz"})
	build.Export = map[string]any{"artifact": "{{steps.build.output.artifact}}"}
	r.activate(t, &schema.WorkflowTemplate{
		Name:    "handoff",
		Version: "1.0.0",
		Steps: []schema.StepDefinition{
			build,
			echoStep("deploy", map[string]any{"source": "{{context.artifact}}"}),
		},
	})

	exec, err := r.coord.Submit(context.Background(), SubmitRequest{TemplateName: "handoff"})
	require.NoError(t, err)
	final := r.waitStatus(t, exec.ID, schema.ExecutionStatusCompleted)

	rows, err := r.st.ListStepExecutions(context.Background(), exec.ID)
	require.NoError(t, err)
	var deployInput map[string]any
	for _, row := range rows {
		if row.StepName == "deploy" {
			require.NoError(t, json.Unmarshal(row.Input, &deployInput))
		}
	}
	assert.Equal(t, "app-1.2.3.tar.gz", deployInput["source"],
		"later step resolves the exported context key")
	assert.Equal(t, "app-1.2.3.tar.gz", final.Context["artifact"],
		"exported context persists with the execution")
}

func TestLoopIterationExportVisibleToLaterIterations(t *testing.T) {
	r := newRig(t)

	seed := echoStep("seed", map[string]any{"v": "start"})
	seed.Export = map[string]any{"trail": "start"}
	visit := echoStep("visit", map[string]any{"so_far": "{{context.trail}}", "value": "{{context.item}}"})
	visit.Export = map[string]any{"trail": "{{context.trail}}-{{context.item}}"}

	r.activate(t, &schema.WorkflowTemplate{
		Name:    "accumulate",
		Version: "1.0.0",
		Parameters: []schema.ParameterSpec{
			{Name: "items", Required: true, AllowUnused: true},
		},
		Steps: []schema.StepDefinition{
			seed,
			{
				Name: "each",
				Type: schema.StepTypeLoop,
				Loop: &schema.LoopConfig{
					Collection: "{{workflow.parameters.items}}",
					Body:       []schema.StepDefinition{visit},
				},
			},
		},
	})

	exec, err := r.coord.Submit(context.Background(), SubmitRequest{
		TemplateName: "accumulate",
		Parameters:   map[string]any{"items": []any{"a", "b"}},
	})
	require.NoError(t, err)
	final := r.waitStatus(t, exec.ID, schema.ExecutionStatusCompleted)

	rows, err := r.st.ListStepExecutions(context.Background(), exec.ID)
	require.NoError(t, err)
	var seen []any
	for _, row := range rows {
		if row.StepName != "visit" {
			continue
		}
		var input map[string]any
		require.NoError(t, json.Unmarshal(row.Input, &input))
		seen = append(seen, input["so_far"])
	}
	assert.Equal(t, []any{"start", "start-a"}, seen,
		"each iteration observes the previous iteration's context write")
	assert.Equal(t, "start-a-b", final.Context["trail"])
}

func TestProgressAcrossSteps(t *testing.T) {
	r := newRig(t)
	blocker := newBlockingTool()
	r.reg.Register(blocker)

	r.activate(t, &schema.WorkflowTemplate{
		Name:    "deploy_service",
		Version: "1.0.0",
		Steps: []schema.StepDefinition{
			echoStep("build", map[string]any{"ok": true}),
			echoStep("push", map[string]any{"ok": true}),
			{Name: "rollout", Action: &schema.ActionConfig{ToolName: "block"}},
		},
	})

	exec, err := r.coord.Submit(context.Background(), SubmitRequest{TemplateName: "deploy_service"})
	require.NoError(t, err)

	select {
	case <-blocker.started:
	case <-time.After(5 * time.Second):
		t.Fatal("final step did not start")
	}

	mid, err := r.st.GetExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, mid.CurrentStepIndex)
	assert.InDelta(t, 66.67, mid.Progress, 0.01, "two of three steps done")

	close(blocker.release)
	final := r.waitStatus(t, exec.ID, schema.ExecutionStatusCompleted)
	assert.Equal(t, 100.0, final.Progress)
	assert.Equal(t, 3, final.CurrentStepIndex)
}

func TestConditionRouting(t *testing.T) {
	r := newRig(t)

	r.activate(t, &schema.WorkflowTemplate{
		Name:    "gated",
		Version: "1.0.0",
		Parameters: []schema.ParameterSpec{
			{Name: "env", Required: true},
		},
		Steps: []schema.StepDefinition{
			{
				Name: "gate",
				Type: schema.StepTypeCondition,
				Condition: &schema.ConditionConfig{
					Expression: `parameters.env == "prod"`,
					OnTrue:     "notify",
				},
			},
			echoStep("migrate", map[string]any{"stage": "migrate"}),
			echoStep("notify", map[string]any{"stage": "notify"}),
		},
	})

	exec, err := r.coord.Submit(context.Background(), SubmitRequest{
		TemplateName: "gated",
		Parameters:   map[string]any{"env": "prod"},
	})
	require.NoError(t, err)
	r.waitStatus(t, exec.ID, schema.ExecutionStatusCompleted)

	rows, err := r.st.ListStepExecutions(context.Background(), exec.ID)
	require.NoError(t, err)
	names := map[string]bool{}
	for _, row := range rows {
		names[row.StepName] = true
	}
	assert.True(t, names["gate"])
	assert.True(t, names["notify"])
	assert.False(t, names["migrate"], "on_true route skips the fall-through step")
}

func TestOnFailureRouting(t *testing.T) {
	r := newRig(t)
	r.reg.Register(&failingTool{})

	r.activate(t, &schema.WorkflowTemplate{
		Name:    "recoverable",
		Version: "1.0.0",
		Steps: []schema.StepDefinition{
			{
				Name:      "risky",
				Action:    &schema.ActionConfig{ToolName: "always_fail"},
				OnFailure: "cleanup",
				Retry:     &schema.RetryPolicy{MaxAttempts: 2, Backoff: "none"},
			},
			echoStep("publish", map[string]any{"stage": "publish"}),
			echoStep("cleanup", map[string]any{"stage": "cleanup"}),
		},
	})

	exec, err := r.coord.Submit(context.Background(), SubmitRequest{TemplateName: "recoverable"})
	require.NoError(t, err)
	final := r.waitStatus(t, exec.ID, schema.ExecutionStatusCompleted)
	assert.Empty(t, final.Error)

	rows, err := r.st.ListStepExecutions(context.Background(), exec.ID)
	require.NoError(t, err)
	var cleanupRan bool
	for _, row := range rows {
		if row.StepName == "cleanup" {
			cleanupRan = true
			assert.Equal(t, schema.StepStatusCompleted, row.Status)
		}
	}
	assert.True(t, cleanupRan, "failure handler ran after retry exhaustion")
}

func TestWorkflowLink(t *testing.T) {
	r := newRig(t)

	r.activate(t, &schema.WorkflowTemplate{
		Name:    "child_flow",
		Version: "1.0.0",
		Parameters: []schema.ParameterSpec{
			{Name: "greeting", Required: true},
		},
		Steps: []schema.StepDefinition{
			echoStep("greet", map[string]any{"message": "{{workflow.parameters.greeting}}"}),
		},
	})
	r.activate(t, &schema.WorkflowTemplate{
		Name:    "parent_flow",
		Version: "1.0.0",
		Steps: []schema.StepDefinition{
			{
				Name: "delegate",
				Type: schema.StepTypeWorkflowLink,
				WorkflowLink: &schema.WorkflowLinkConfig{
					Template:   "child_flow",
					Parameters: map[string]any{"greeting": "hello from parent"},
				},
			},
		},
	})

	exec, err := r.coord.Submit(context.Background(), SubmitRequest{TemplateName: "parent_flow"})
	require.NoError(t, err)
	final := r.waitStatus(t, exec.ID, schema.ExecutionStatusCompleted)

	var output map[string]any
	require.NoError(t, json.Unmarshal(final.Output, &output))
	assert.Equal(t, "hello from parent", output["message"])

	children, err := r.st.ListExecutions(context.Background(), store.ExecutionFilter{ParentID: exec.ID})
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, "child_flow", children[0].TemplateName)
	assert.Equal(t, 1, children[0].Depth)
	assert.Equal(t, schema.ExecutionStatusCompleted, children[0].Status)
}

func TestWorkflowLinkRecursionLimit(t *testing.T) {
	r := newRig(t)

	r.activate(t, &schema.WorkflowTemplate{
		Name:    "ouroboros",
		Version: "1.0.0",
		Steps: []schema.StepDefinition{
			{
				Name:         "again",
				Type:         schema.StepTypeWorkflowLink,
				WorkflowLink: &schema.WorkflowLinkConfig{Template: "ouroboros"},
			},
		},
	})

	exec, err := r.coord.Submit(context.Background(), SubmitRequest{TemplateName: "ouroboros"})
	require.NoError(t, err)
	final := r.waitStatus(t, exec.ID, schema.ExecutionStatusFailed)
	assert.Equal(t, schema.ErrCodeRecursionLimit, errorCode(t, final.Error))
}

func TestPauseResume(t *testing.T) {
	r := newRig(t)
	blocker := newBlockingTool()
	r.reg.Register(blocker)

	r.activate(t, &schema.WorkflowTemplate{
		Name:    "pausable",
		Version: "1.0.0",
		Steps: []schema.StepDefinition{
			{Name: "first", Action: &schema.ActionConfig{ToolName: "block"}},
			echoStep("second", map[string]any{"ok": true}),
		},
	})

	exec, err := r.coord.Submit(context.Background(), SubmitRequest{TemplateName: "pausable"})
	require.NoError(t, err)

	select {
	case <-blocker.started:
	case <-time.After(5 * time.Second):
		t.Fatal("first step did not start")
	}

	// pause takes effect at the next step boundary; the in-flight step runs
	// to completion
	require.NoError(t, r.coord.Pause(context.Background(), exec.ID))
	close(blocker.release)

	paused := r.waitStatus(t, exec.ID, schema.ExecutionStatusPaused)
	assert.Equal(t, 1, paused.CurrentStepIndex)
	require.NotNil(t, paused.PausedAt)

	require.NoError(t, r.coord.Resume(context.Background(), exec.ID))
	r.waitStatus(t, exec.ID, schema.ExecutionStatusCompleted)
}

func TestCancelPaused(t *testing.T) {
	r := newRig(t)
	blocker := newBlockingTool()
	r.reg.Register(blocker)

	r.activate(t, &schema.WorkflowTemplate{
		Name:    "parked",
		Version: "1.0.0",
		Steps: []schema.StepDefinition{
			{Name: "first", Action: &schema.ActionConfig{ToolName: "block"}},
			echoStep("second", map[string]any{"ok": true}),
		},
	})

	exec, err := r.coord.Submit(context.Background(), SubmitRequest{TemplateName: "parked"})
	require.NoError(t, err)
	<-blocker.started
	require.NoError(t, r.coord.Pause(context.Background(), exec.ID))
	close(blocker.release)
	r.waitStatus(t, exec.ID, schema.ExecutionStatusPaused)

	require.NoError(t, r.coord.Cancel(context.Background(), exec.ID))
	r.waitStatus(t, exec.ID, schema.ExecutionStatusCancelled)
}

func TestCancelledToolRecordsCancelledCode(t *testing.T) {
	r := newRig(t)
	blocker := newBlockingTool()
	r.reg.Register(blocker)

	r.activate(t, &schema.WorkflowTemplate{
		Name:    "halted",
		Version: "1.0.0",
		Steps: []schema.StepDefinition{
			{Name: "hang", Action: &schema.ActionConfig{ToolName: "block"}},
		},
	})

	exec, err := r.coord.Submit(context.Background(), SubmitRequest{TemplateName: "halted"})
	require.NoError(t, err)
	select {
	case <-blocker.started:
	case <-time.After(5 * time.Second):
		t.Fatal("step did not start")
	}

	require.NoError(t, r.coord.Cancel(context.Background(), exec.ID))
	r.waitStatus(t, exec.ID, schema.ExecutionStatusCancelled)

	rows, err := r.st.ListStepExecutions(context.Background(), exec.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, schema.StepStatusFailed, rows[0].Status)
	assert.Equal(t, schema.ErrCodeCancelled, errorCode(t, rows[0].Error),
		"a cancelled tool call is recorded as cancelled, not as an invocation failure")
}

func TestControlInvalidTransitions(t *testing.T) {
	r := newRig(t)

	r.activate(t, &schema.WorkflowTemplate{
		Name:    "quick",
		Version: "1.0.0",
		Steps:   []schema.StepDefinition{echoStep("only", map[string]any{"ok": true})},
	})

	exec, err := r.coord.Submit(context.Background(), SubmitRequest{TemplateName: "quick"})
	require.NoError(t, err)
	r.waitStatus(t, exec.ID, schema.ExecutionStatusCompleted)

	var ee *schema.EngineError
	err = r.coord.Cancel(context.Background(), exec.ID)
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, schema.ErrCodeInvalidTransition, ee.Code)

	err = r.coord.Pause(context.Background(), exec.ID)
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, schema.ErrCodeInvalidTransition, ee.Code)
}

func TestSubmitValidation(t *testing.T) {
	r := newRig(t)

	_, err := r.coord.Submit(context.Background(), SubmitRequest{TemplateName: "ghost"})
	var ee *schema.EngineError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, schema.ErrCodeNotFound, ee.Code)

	tpl := &schema.WorkflowTemplate{
		Name:    "strict",
		Version: "1.0.0",
		Parameters: []schema.ParameterSpec{
			{Name: "target", Required: true, AllowUnused: true},
		},
		Steps: []schema.StepDefinition{echoStep("go", map[string]any{"ok": true})},
	}
	_, err = r.tpls.Register(context.Background(), tpl)
	require.NoError(t, err)

	// drafts do not accept submissions
	_, err = r.coord.Submit(context.Background(), SubmitRequest{
		TemplateName: "strict", TemplateVersion: "1.0.0",
		Parameters: map[string]any{"target": "x"},
	})
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, schema.ErrCodeConflict, ee.Code)

	require.NoError(t, r.tpls.Activate(context.Background(), "strict", "1.0.0"))

	_, err = r.coord.Submit(context.Background(), SubmitRequest{TemplateName: "strict"})
	require.Error(t, err, "missing required parameter")
}

func TestStatusView(t *testing.T) {
	r := newRig(t)

	r.activate(t, &schema.WorkflowTemplate{
		Name:    "observable",
		Version: "1.0.0",
		Steps: []schema.StepDefinition{
			echoStep("one", map[string]any{"n": 1}),
			echoStep("two", map[string]any{"n": 2}),
		},
	})

	exec, err := r.coord.Submit(context.Background(), SubmitRequest{TemplateName: "observable"})
	require.NoError(t, err)
	r.waitStatus(t, exec.ID, schema.ExecutionStatusCompleted)

	view, err := r.coord.Status(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusCompleted, view.Execution.Status)
	assert.Len(t, view.Steps, 2)
	require.NotEmpty(t, view.Log)
	for i, entry := range view.Log {
		assert.Equal(t, int64(i+1), entry.Sequence, "log is gapless and ordered")
	}
}

func TestRecoverAfterRestart(t *testing.T) {
	r := newRig(t)

	r.activate(t, &schema.WorkflowTemplate{
		Name:    "revivable",
		Version: "1.0.0",
		Steps:   []schema.StepDefinition{echoStep("go", map[string]any{"ok": true})},
	})
	tpl, err := r.tpls.Get(context.Background(), "revivable", "1.0.0")
	require.NoError(t, err)

	// simulate rows left behind by a previous process
	orphanPending := &store.Execution{
		ID: "orphan-pending", TemplateName: "revivable", TemplateVersion: "1.0.0",
		Definition: tpl.Definition, Status: schema.ExecutionStatusPending, TotalSteps: 1,
	}
	orphanRunning := &store.Execution{
		ID: "orphan-running", TemplateName: "revivable", TemplateVersion: "1.0.0",
		Definition: tpl.Definition, Status: schema.ExecutionStatusRunning, TotalSteps: 1,
	}
	require.NoError(t, r.st.CreateExecution(context.Background(), orphanPending))
	require.NoError(t, r.st.CreateExecution(context.Background(), orphanRunning))

	require.NoError(t, r.coord.Recover(context.Background()))

	r.waitStatus(t, "orphan-pending", schema.ExecutionStatusCompleted)

	stuck, err := r.st.GetExecution(context.Background(), "orphan-running")
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusFailed, stuck.Status)
}

func TestRecoverFailsOrphanedPaused(t *testing.T) {
	r := newRig(t)

	r.activate(t, &schema.WorkflowTemplate{
		Name:    "revivable",
		Version: "1.0.0",
		Steps:   []schema.StepDefinition{echoStep("go", map[string]any{"ok": true})},
	})
	tpl, err := r.tpls.Get(context.Background(), "revivable", "1.0.0")
	require.NoError(t, err)

	// a pause survives in the store but its goroutine died with the process
	orphanPaused := &store.Execution{
		ID: "orphan-paused", TemplateName: "revivable", TemplateVersion: "1.0.0",
		Definition: tpl.Definition, Status: schema.ExecutionStatusPaused, TotalSteps: 1,
	}
	require.NoError(t, r.st.CreateExecution(context.Background(), orphanPaused))

	require.NoError(t, r.coord.Recover(context.Background()))

	stuck, err := r.st.GetExecution(context.Background(), "orphan-paused")
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusFailed, stuck.Status)
	assert.Equal(t, schema.ErrCodeExecution, errorCode(t, stuck.Error))
}
