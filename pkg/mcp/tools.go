package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rendis/maestro/internal/engine"
	"github.com/rendis/maestro/pkg/schema"
)

// handleDefine registers a workflow template, optionally activating it.
func (s *MaestroServer) handleDefine(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := req.RequireString("template_json")
	if err != nil {
		return mcp.NewToolResultError("template_json is required"), nil
	}

	var tpl schema.WorkflowTemplate
	if unmarshalErr := json.Unmarshal([]byte(raw), &tpl); unmarshalErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid template: %v", unmarshalErr)), nil
	}

	result, regErr := s.templates.Register(ctx, &tpl)
	if regErr != nil {
		if result != nil && !result.Valid() {
			return marshalResult(result)
		}
		return mcp.NewToolResultError(fmt.Sprintf("registration failed: %v", regErr)), nil
	}

	if req.GetBool("activate", false) {
		if actErr := s.templates.Activate(ctx, tpl.Name, tpl.Version); actErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("registered but activation failed: %v", actErr)), nil
		}
		tpl.Status = schema.TemplateStatusActive
	}

	return marshalResult(map[string]any{
		"name":       tpl.Name,
		"version":    tpl.Version,
		"status":     tpl.Status,
		"validation": result,
	})
}

// handleSubmit starts an execution from a registered template.
func (s *MaestroServer) handleSubmit(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	templateName, err := req.RequireString("template")
	if err != nil {
		return mcp.NewToolResultError("template is required"), nil
	}

	submit := engine.SubmitRequest{
		TemplateName:    templateName,
		TemplateVersion: req.GetString("version", ""),
		Parameters:      mcp.ParseStringMap(req, "parameters", nil),
		TriggeredBy:     "mcp",
	}
	if task := req.GetString("user_task", ""); task != "" {
		submit.TriggerContext = map[string]any{"user_task": task}
	}

	exec, submitErr := s.coord.Submit(ctx, submit)
	if submitErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("submission failed: %v", submitErr)), nil
	}

	return marshalResult(map[string]any{
		"execution_id": exec.ID,
		"status":       exec.Status,
	})
}

// handleStatus returns an execution view with step attempts and log.
func (s *MaestroServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}

	view, statusErr := s.coord.Status(ctx, executionID)
	if statusErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", statusErr)), nil
	}
	return marshalResult(view)
}

// handleControl applies a pause, resume or cancel action to an execution.
func (s *MaestroServer) handleControl(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	action, err := req.RequireString("action")
	if err != nil {
		return mcp.NewToolResultError("action is required"), nil
	}

	var ctlErr error
	switch action {
	case "pause":
		ctlErr = s.coord.Pause(ctx, executionID)
	case "resume":
		ctlErr = s.coord.Resume(ctx, executionID)
	case "cancel":
		ctlErr = s.coord.Cancel(ctx, executionID)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown action: %s", action)), nil
	}
	if ctlErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("%s failed: %v", action, ctlErr)), nil
	}

	return marshalResult(map[string]any{
		"ok":           true,
		"execution_id": executionID,
		"action":       action,
	})
}

// marshalResult converts a value to a JSON tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
