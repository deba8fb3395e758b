package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/maestro/pkg/schema"
)

// Template is the persisted head record of a workflow template.
// The definition embeds the full step list and parameter specs.
type Template struct {
	Name       string                  `json:"name"`
	Version    string                  `json:"version"`
	Status     schema.TemplateStatus   `json:"status"`
	Definition schema.WorkflowTemplate `json:"definition"`
	CreatedAt  time.Time               `json:"created_at"`
	UpdatedAt  time.Time               `json:"updated_at"`
}

// TemplateVersion is an append-only snapshot of a template at activation time,
// retained for audit even after the head record is superseded.
type TemplateVersion struct {
	ID         string                  `json:"id"`
	Name       string                  `json:"name"`
	Version    string                  `json:"version"`
	Definition schema.WorkflowTemplate `json:"definition"`
	CreatedAt  time.Time               `json:"created_at"`
}

// Execution is the persisted representation of one workflow invocation.
// Definition is the template snapshot taken at submission, so a later template
// edit never changes a running execution.
type Execution struct {
	ID               string                  `json:"id"`
	TemplateName     string                  `json:"template_name"`
	TemplateVersion  string                  `json:"template_version"`
	Definition       schema.WorkflowTemplate `json:"definition"`
	Status           schema.ExecutionStatus  `json:"status"`
	CurrentStepIndex int                     `json:"current_step_index"`
	TotalSteps       int                     `json:"total_steps"`
	Progress         float64                 `json:"progress_percentage"`
	InputParameters  map[string]any          `json:"input_parameters,omitempty"`
	Context          map[string]any          `json:"execution_context,omitempty"`
	Output           json.RawMessage         `json:"output_data,omitempty"`
	Error            json.RawMessage         `json:"error,omitempty"`
	TriggeredBy      string                  `json:"triggered_by,omitempty"`
	TriggerContext   map[string]any          `json:"trigger_context,omitempty"`
	ParentID         string                  `json:"parent_execution_id,omitempty"`
	Depth            int                     `json:"depth"` // workflow_link call-tree depth, root = 0
	CreatedAt        time.Time               `json:"created_at"`
	StartedAt        *time.Time              `json:"started_at,omitempty"`
	PausedAt         *time.Time              `json:"paused_at,omitempty"`
	CompletedAt      *time.Time              `json:"completed_at,omitempty"`
	UpdatedAt        time.Time               `json:"updated_at"`
}

// StepExecution records a single step attempt. Retries create new rows, so
// the full attempt history survives for the status API.
type StepExecution struct {
	ID               string            `json:"id"`
	ExecutionID      string            `json:"execution_id"`
	StepIndex        int               `json:"step_index"`
	StepName         string            `json:"step_name"`
	StepType         schema.StepType   `json:"step_type"`
	Status           schema.StepStatus `json:"status"`
	AttemptNumber    int               `json:"attempt_number"`
	MaxAttempts      int               `json:"max_attempts"`
	Input            json.RawMessage   `json:"input_data,omitempty"`
	Output           json.RawMessage   `json:"output_data,omitempty"`
	ToolName         string            `json:"tool_name,omitempty"`
	ChildExecutionID string            `json:"child_execution_id,omitempty"`
	Error            json.RawMessage   `json:"error,omitempty"`
	StartedAt        *time.Time        `json:"started_at,omitempty"`
	CompletedAt      *time.Time        `json:"completed_at,omitempty"`
	DurationMs       int64             `json:"duration_ms,omitempty"`
}

// LogEntry is one immutable row of an execution's ordered log.
type LogEntry struct {
	ID          int64           `json:"id"`
	ExecutionID string          `json:"execution_id"`
	Level       schema.LogLevel `json:"level"`
	StepIndex   int             `json:"step_index"` // -1 for execution-level entries
	StepName    string          `json:"step_name,omitempty"`
	Attempt     int             `json:"attempt,omitempty"`
	Message     string          `json:"message"`
	Details     json.RawMessage `json:"details,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	Sequence    int64           `json:"sequence"`
}

// ScheduledJob is a cron-triggered template submission.
type ScheduledJob struct {
	ID              string          `json:"id"`
	TemplateName    string          `json:"template_name"`
	TemplateVersion string          `json:"template_version,omitempty"`
	CronExpression  string          `json:"cron_expression"`
	Params          json.RawMessage `json:"params,omitempty"`
	Enabled         bool            `json:"enabled"`
	LastRunAt       *time.Time      `json:"last_run_at,omitempty"`
	NextRunAt       *time.Time      `json:"next_run_at,omitempty"`
	LastRunStatus   string          `json:"last_run_status,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// --- Filter and update types ---

// TemplateFilter specifies criteria for listing templates.
type TemplateFilter struct {
	Name   string                 `json:"name,omitempty"`
	Status *schema.TemplateStatus `json:"status,omitempty"`
	Limit  int                    `json:"limit,omitempty"`
}

// ExecutionFilter specifies criteria for listing executions.
type ExecutionFilter struct {
	TemplateName string                  `json:"template_name,omitempty"`
	Status       *schema.ExecutionStatus `json:"status,omitempty"`
	ParentID     string                  `json:"parent_execution_id,omitempty"`
	Since        *time.Time              `json:"since,omitempty"`
	Limit        int                     `json:"limit,omitempty"`
	Offset       int                     `json:"offset,omitempty"`
}

// ExecutionUpdate specifies mutable fields of an execution.
type ExecutionUpdate struct {
	Status           *schema.ExecutionStatus `json:"status,omitempty"`
	CurrentStepIndex *int                    `json:"current_step_index,omitempty"`
	Progress         *float64                `json:"progress_percentage,omitempty"`
	Context          map[string]any          `json:"execution_context,omitempty"`
	Output           json.RawMessage         `json:"output_data,omitempty"`
	Error            json.RawMessage         `json:"error,omitempty"`
	StartedAt        *time.Time              `json:"started_at,omitempty"`
	PausedAt         *time.Time              `json:"paused_at,omitempty"`
	CompletedAt      *time.Time              `json:"completed_at,omitempty"`
}

// ScheduledJobUpdate specifies mutable fields of a scheduled job.
type ScheduledJobUpdate struct {
	Enabled       *bool      `json:"enabled,omitempty"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	NextRunAt     *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus string     `json:"last_run_status,omitempty"`
}

// ScheduledJobFilter specifies criteria for listing scheduled jobs.
type ScheduledJobFilter struct {
	Enabled *bool `json:"enabled,omitempty"`
	Limit   int   `json:"limit,omitempty"`
}
