package mcp

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/maestro/internal/engine"
	"github.com/rendis/maestro/internal/expressions"
	"github.com/rendis/maestro/internal/store"
	"github.com/rendis/maestro/internal/templates"
	"github.com/rendis/maestro/internal/tools"
)

func newTestServer(t *testing.T) (*MaestroServer, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	rec := store.NewRecorder(st, nil)
	reg := tools.NewDefaultRegistry(nil)
	exprEng, err := expressions.NewEngine()
	require.NoError(t, err)
	tpls := templates.NewService(st, exprEng, nil)
	executor := engine.NewStepExecutor(st, rec, reg, exprEng, nil)
	coord := engine.NewCoordinator(st, rec, tpls, executor, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		coord.Shutdown(ctx)
	})

	return NewMaestroServer("test", MaestroServerDeps{
		Coordinator: coord,
		Templates:   tpls,
	}), st
}

func buildRequest(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

func textContent(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	tc, ok := mcp.AsTextContent(result.Content[0])
	require.True(t, ok, "expected text content")
	return tc.Text
}

const greetTemplate = `{
  "name": "greet_flow",
  "version": "1.0.0",
  "parameters": [{"name": "who", "required": true}],
  "steps": [
    {
      "name": "greet",
      "action": {
        "tool_name": "echo",
        "tool_parameters": {"message": "hello {{workflow.parameters.who}}"}
      }
    }
  ]
}`

func TestServerRegistersTools(t *testing.T) {
	srv, _ := newTestServer(t)
	require.NotNil(t, srv.MCPServer())
	assert.Len(t, srv.tools(), 4)
}

func TestHandleDefineAndActivate(t *testing.T) {
	srv, st := newTestServer(t)

	result, err := srv.handleDefine(context.Background(), buildRequest("maestro.define", map[string]any{
		"template_json": greetTemplate,
		"activate":      true,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, textContent(t, result))

	tpl, err := st.GetTemplate(context.Background(), "greet_flow", "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, "active", string(tpl.Status))
}

func TestHandleDefineRejectsInvalidJSON(t *testing.T) {
	srv, _ := newTestServer(t)

	result, err := srv.handleDefine(context.Background(), buildRequest("maestro.define", map[string]any{
		"template_json": "{not json",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestHandleSubmitAndStatus(t *testing.T) {
	srv, st := newTestServer(t)
	ctx := context.Background()

	_, err := srv.handleDefine(ctx, buildRequest("maestro.define", map[string]any{
		"template_json": greetTemplate,
		"activate":      true,
	}))
	require.NoError(t, err)

	result, err := srv.handleSubmit(ctx, buildRequest("maestro.submit", map[string]any{
		"template":   "greet_flow",
		"parameters": map[string]any{"who": "world"},
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, textContent(t, result))

	var submitted struct {
		ExecutionID string `json:"execution_id"`
	}
	require.NoError(t, json.Unmarshal([]byte(textContent(t, result)), &submitted))
	require.NotEmpty(t, submitted.ExecutionID)

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		exec, getErr := st.GetExecution(ctx, submitted.ExecutionID)
		require.NoError(t, getErr)
		if exec.Status.Terminal() {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	statusResult, err := srv.handleStatus(ctx, buildRequest("maestro.status", map[string]any{
		"execution_id": submitted.ExecutionID,
	}))
	require.NoError(t, err)
	require.False(t, statusResult.IsError)

	var view struct {
		Execution struct {
			Status string `json:"status"`
		} `json:"execution"`
	}
	require.NoError(t, json.Unmarshal([]byte(textContent(t, statusResult)), &view))
	assert.Equal(t, "completed", view.Execution.Status)
}

func TestHandleControlUnknownAction(t *testing.T) {
	srv, _ := newTestServer(t)

	result, err := srv.handleControl(context.Background(), buildRequest("maestro.control", map[string]any{
		"execution_id": "whatever",
		"action":       "explode",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}
