package store

import (
	"context"

	"github.com/rendis/maestro/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Templates
	PutTemplate(ctx context.Context, tpl *Template) error
	GetTemplate(ctx context.Context, name, version string) (*Template, error)
	ListTemplates(ctx context.Context, filter TemplateFilter) ([]*Template, error)
	UpdateTemplateStatus(ctx context.Context, name, version string, status schema.TemplateStatus) error

	// Template versions (append-only audit trail)
	AppendTemplateVersion(ctx context.Context, v *TemplateVersion) error
	ListTemplateVersions(ctx context.Context, name string) ([]*TemplateVersion, error)

	// Executions
	CreateExecution(ctx context.Context, ex *Execution) error
	GetExecution(ctx context.Context, id string) (*Execution, error)
	UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) error
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error)

	// Step executions (one row per attempt)
	UpsertStepExecution(ctx context.Context, se *StepExecution) error
	ListStepExecutions(ctx context.Context, executionID string) ([]*StepExecution, error)

	// Execution log (append-only; written only through the Recorder)
	AppendLogEntry(ctx context.Context, entry *LogEntry) error
	ListLogEntries(ctx context.Context, executionID string, since int64) ([]*LogEntry, error)

	// Scheduled jobs
	CreateScheduledJob(ctx context.Context, job *ScheduledJob) error
	GetScheduledJob(ctx context.Context, id string) (*ScheduledJob, error)
	UpdateScheduledJob(ctx context.Context, id string, update ScheduledJobUpdate) error
	ListScheduledJobs(ctx context.Context, filter ScheduledJobFilter) ([]*ScheduledJob, error)
	DeleteScheduledJob(ctx context.Context, id string) error

	// Maintenance
	Migrate(ctx context.Context) error

	// Lifecycle
	Close() error
}
