package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/maestro/pkg/schema"
)

// LibSQLStore implements Store backed by a local libSQL database file.
type LibSQLStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewLibSQLStore opens (creating if needed) the database at path and applies
// pragmas suited to an embedded single-writer deployment.
func NewLibSQLStore(path string, logger *slog.Logger) (*LibSQLStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, schema.NewError(schema.ErrCodeStore, "failed to create database directory").WithCause(err)
		}
	}

	db, err := sql.Open("libsql", "file:"+path)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "failed to open database").WithCause(err)
	}

	// libSQL embedded mode serializes writers; a single connection avoids
	// SQLITE_BUSY churn under concurrent step updates.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, schema.NewErrorf(schema.ErrCodeStore, "failed to apply %q", p).WithCause(err)
		}
	}

	return &LibSQLStore{db: db, logger: logger}, nil
}

// Migrate applies pending schema migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return migrate(ctx, s.db, s.logger)
}

// Close releases the underlying database handle.
func (s *LibSQLStore) Close() error {
	return s.db.Close()
}

// DB exposes the raw handle for components that need transactional access,
// such as the log recorder.
func (s *LibSQLStore) DB() *sql.DB {
	return s.db
}

// --- helpers ---

func storeNotFound(kind, key string) error {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", kind, key)
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullRaw(raw json.RawMessage) sql.NullString {
	if len(raw) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func marshalMap(m map[string]any) (sql.NullString, error) {
	if m == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func unmarshalMap(ns sql.NullString) (map[string]any, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(ns.String), &m); err != nil {
		return nil, err
	}
	return m, nil
}

func checkRowsAffected(res sql.Result, kind, key string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "failed to read rows affected").WithCause(err)
	}
	if n == 0 {
		return storeNotFound(kind, key)
	}
	return nil
}

// --- templates ---

func (s *LibSQLStore) PutTemplate(ctx context.Context, tpl *Template) error {
	def, err := json.Marshal(tpl.Definition)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "failed to marshal template definition").WithCause(err)
	}

	now := time.Now().UTC()
	if tpl.CreatedAt.IsZero() {
		tpl.CreatedAt = now
	}
	tpl.UpdatedAt = now

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO templates (name, version, status, definition, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(name, version) DO UPDATE SET
			status = excluded.status,
			definition = excluded.definition,
			updated_at = excluded.updated_at`,
		tpl.Name, tpl.Version, string(tpl.Status), string(def), tpl.CreatedAt, tpl.UpdatedAt)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "failed to store template").WithCause(err)
	}
	return nil
}

// GetTemplate fetches a template head record. An empty version selects the
// most recently updated active version of the name.
func (s *LibSQLStore) GetTemplate(ctx context.Context, name, version string) (*Template, error) {
	var row *sql.Row
	if version == "" {
		row = s.db.QueryRowContext(ctx, `
			SELECT name, version, status, definition, created_at, updated_at
			FROM templates
			WHERE name = ? AND status = ?
			ORDER BY updated_at DESC
			LIMIT 1`, name, string(schema.TemplateStatusActive))
	} else {
		row = s.db.QueryRowContext(ctx, `
			SELECT name, version, status, definition, created_at, updated_at
			FROM templates
			WHERE name = ? AND version = ?`, name, version)
	}
	return scanTemplate(row, name)
}

func scanTemplate(row *sql.Row, key string) (*Template, error) {
	var (
		tpl    Template
		status string
		def    string
	)
	err := row.Scan(&tpl.Name, &tpl.Version, &status, &def, &tpl.CreatedAt, &tpl.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("template", key)
	}
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "failed to scan template").WithCause(err)
	}
	tpl.Status = schema.TemplateStatus(status)
	if err := json.Unmarshal([]byte(def), &tpl.Definition); err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "failed to unmarshal template definition").WithCause(err)
	}
	return &tpl, nil
}

func (s *LibSQLStore) ListTemplates(ctx context.Context, filter TemplateFilter) ([]*Template, error) {
	query := `SELECT name, version, status, definition, created_at, updated_at FROM templates WHERE 1=1`
	var args []any

	if filter.Name != "" {
		query += ` AND name = ?`
		args = append(args, filter.Name)
	}
	if filter.Status != nil {
		query += ` AND status = ?`
		args = append(args, string(*filter.Status))
	}
	query += ` ORDER BY name, updated_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "failed to list templates").WithCause(err)
	}
	defer rows.Close()

	var out []*Template
	for rows.Next() {
		var (
			tpl    Template
			status string
			def    string
		)
		if err := rows.Scan(&tpl.Name, &tpl.Version, &status, &def, &tpl.CreatedAt, &tpl.UpdatedAt); err != nil {
			return nil, schema.NewError(schema.ErrCodeStore, "failed to scan template row").WithCause(err)
		}
		tpl.Status = schema.TemplateStatus(status)
		if err := json.Unmarshal([]byte(def), &tpl.Definition); err != nil {
			return nil, schema.NewError(schema.ErrCodeStore, "failed to unmarshal template definition").WithCause(err)
		}
		out = append(out, &tpl)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) UpdateTemplateStatus(ctx context.Context, name, version string, status schema.TemplateStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE templates SET status = ?, updated_at = ? WHERE name = ? AND version = ?`,
		string(status), time.Now().UTC(), name, version)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "failed to update template status").WithCause(err)
	}
	return checkRowsAffected(res, "template", name+"@"+version)
}

// --- template versions ---

func (s *LibSQLStore) AppendTemplateVersion(ctx context.Context, v *TemplateVersion) error {
	def, err := json.Marshal(v.Definition)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "failed to marshal template snapshot").WithCause(err)
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO template_versions (id, name, version, definition, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		v.ID, v.Name, v.Version, string(def), v.CreatedAt)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "failed to append template version").WithCause(err)
	}
	return nil
}

func (s *LibSQLStore) ListTemplateVersions(ctx context.Context, name string) ([]*TemplateVersion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, version, definition, created_at
		FROM template_versions
		WHERE name = ?
		ORDER BY created_at`, name)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "failed to list template versions").WithCause(err)
	}
	defer rows.Close()

	var out []*TemplateVersion
	for rows.Next() {
		var (
			v   TemplateVersion
			def string
		)
		if err := rows.Scan(&v.ID, &v.Name, &v.Version, &def, &v.CreatedAt); err != nil {
			return nil, schema.NewError(schema.ErrCodeStore, "failed to scan template version").WithCause(err)
		}
		if err := json.Unmarshal([]byte(def), &v.Definition); err != nil {
			return nil, schema.NewError(schema.ErrCodeStore, "failed to unmarshal template snapshot").WithCause(err)
		}
		out = append(out, &v)
	}
	return out, rows.Err()
}

// --- executions ---

func (s *LibSQLStore) CreateExecution(ctx context.Context, ex *Execution) error {
	def, err := json.Marshal(ex.Definition)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "failed to marshal execution definition").WithCause(err)
	}
	params, err := marshalMap(ex.InputParameters)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "failed to marshal input parameters").WithCause(err)
	}
	execCtx, err := marshalMap(ex.Context)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "failed to marshal execution context").WithCause(err)
	}
	trigger, err := marshalMap(ex.TriggerContext)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "failed to marshal trigger context").WithCause(err)
	}

	now := time.Now().UTC()
	if ex.CreatedAt.IsZero() {
		ex.CreatedAt = now
	}
	ex.UpdatedAt = now

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO executions (
			id, template_name, template_version, definition, status,
			current_step_index, total_steps, progress,
			input_parameters, execution_context, output, error,
			triggered_by, trigger_context, parent_execution_id, depth,
			created_at, started_at, paused_at, completed_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ex.ID, ex.TemplateName, ex.TemplateVersion, string(def), string(ex.Status),
		ex.CurrentStepIndex, ex.TotalSteps, ex.Progress,
		params, execCtx, nullRaw(ex.Output), nullRaw(ex.Error),
		nullStr(ex.TriggeredBy), trigger, nullStr(ex.ParentID), ex.Depth,
		ex.CreatedAt, nullTime(ex.StartedAt), nullTime(ex.PausedAt), nullTime(ex.CompletedAt), ex.UpdatedAt)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "failed to create execution").WithCause(err)
	}
	return nil
}

const executionColumns = `
	id, template_name, template_version, definition, status,
	current_step_index, total_steps, progress,
	input_parameters, execution_context, output, error,
	triggered_by, trigger_context, parent_execution_id, depth,
	created_at, started_at, paused_at, completed_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (*Execution, error) {
	var (
		ex                              Execution
		def, status                     string
		params, execCtx, output, errRaw sql.NullString
		triggeredBy, trigger, parentID  sql.NullString
		startedAt, pausedAt, completed  sql.NullTime
	)
	err := row.Scan(
		&ex.ID, &ex.TemplateName, &ex.TemplateVersion, &def, &status,
		&ex.CurrentStepIndex, &ex.TotalSteps, &ex.Progress,
		&params, &execCtx, &output, &errRaw,
		&triggeredBy, &trigger, &parentID, &ex.Depth,
		&ex.CreatedAt, &startedAt, &pausedAt, &completed, &ex.UpdatedAt)
	if err != nil {
		return nil, err
	}

	ex.Status = schema.ExecutionStatus(status)
	if err := json.Unmarshal([]byte(def), &ex.Definition); err != nil {
		return nil, fmt.Errorf("unmarshal definition: %w", err)
	}
	if ex.InputParameters, err = unmarshalMap(params); err != nil {
		return nil, fmt.Errorf("unmarshal input parameters: %w", err)
	}
	if ex.Context, err = unmarshalMap(execCtx); err != nil {
		return nil, fmt.Errorf("unmarshal execution context: %w", err)
	}
	if ex.TriggerContext, err = unmarshalMap(trigger); err != nil {
		return nil, fmt.Errorf("unmarshal trigger context: %w", err)
	}
	ex.Output = rawOrNil(output)
	ex.Error = rawOrNil(errRaw)
	ex.TriggeredBy = triggeredBy.String
	ex.ParentID = parentID.String
	ex.StartedAt = timePtr(startedAt)
	ex.PausedAt = timePtr(pausedAt)
	ex.CompletedAt = timePtr(completed)
	return &ex, nil
}

func (s *LibSQLStore) GetExecution(ctx context.Context, id string) (*Execution, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = ?`, id)
	ex, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("execution", id)
	}
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "failed to load execution").WithCause(err)
	}
	return ex, nil
}

func (s *LibSQLStore) UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) error {
	sets := []string{"updated_at = ?"}
	args := []any{time.Now().UTC()}

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.CurrentStepIndex != nil {
		sets = append(sets, "current_step_index = ?")
		args = append(args, *update.CurrentStepIndex)
	}
	if update.Progress != nil {
		sets = append(sets, "progress = ?")
		args = append(args, *update.Progress)
	}
	if update.Context != nil {
		execCtx, err := marshalMap(update.Context)
		if err != nil {
			return schema.NewError(schema.ErrCodeStore, "failed to marshal execution context").WithCause(err)
		}
		sets = append(sets, "execution_context = ?")
		args = append(args, execCtx)
	}
	if update.Output != nil {
		sets = append(sets, "output = ?")
		args = append(args, string(update.Output))
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, string(update.Error))
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *update.StartedAt)
	}
	if update.PausedAt != nil {
		sets = append(sets, "paused_at = ?")
		args = append(args, *update.PausedAt)
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}

	query := "UPDATE executions SET "
	for i, set := range sets {
		if i > 0 {
			query += ", "
		}
		query += set
	}
	query += " WHERE id = ?"
	args = append(args, id)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "failed to update execution").WithCause(err)
	}
	return checkRowsAffected(res, "execution", id)
}

func (s *LibSQLStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM executions WHERE 1=1`
	var args []any

	if filter.TemplateName != "" {
		query += ` AND template_name = ?`
		args = append(args, filter.TemplateName)
	}
	if filter.Status != nil {
		query += ` AND status = ?`
		args = append(args, string(*filter.Status))
	}
	if filter.ParentID != "" {
		query += ` AND parent_execution_id = ?`
		args = append(args, filter.ParentID)
	}
	if filter.Since != nil {
		query += ` AND created_at >= ?`
		args = append(args, *filter.Since)
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "failed to list executions").WithCause(err)
	}
	defer rows.Close()

	var out []*Execution
	for rows.Next() {
		ex, err := scanExecution(rows)
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeStore, "failed to scan execution row").WithCause(err)
		}
		out = append(out, ex)
	}
	return out, rows.Err()
}

// --- step executions ---

func (s *LibSQLStore) UpsertStepExecution(ctx context.Context, se *StepExecution) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO step_executions (
			id, execution_id, step_index, step_name, step_type, status,
			attempt_number, max_attempts, input, output, tool_name,
			child_execution_id, error, started_at, completed_at, duration_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			output = excluded.output,
			error = excluded.error,
			completed_at = excluded.completed_at,
			duration_ms = excluded.duration_ms`,
		se.ID, se.ExecutionID, se.StepIndex, se.StepName, string(se.StepType), string(se.Status),
		se.AttemptNumber, se.MaxAttempts, nullRaw(se.Input), nullRaw(se.Output), nullStr(se.ToolName),
		nullStr(se.ChildExecutionID), nullRaw(se.Error), nullTime(se.StartedAt), nullTime(se.CompletedAt), se.DurationMs)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "failed to upsert step execution").WithCause(err)
	}
	return nil
}

func (s *LibSQLStore) ListStepExecutions(ctx context.Context, executionID string) ([]*StepExecution, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, execution_id, step_index, step_name, step_type, status,
			attempt_number, max_attempts, input, output, tool_name,
			child_execution_id, error, started_at, completed_at, duration_ms
		FROM step_executions
		WHERE execution_id = ?
		ORDER BY step_index, started_at, id`, executionID)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "failed to list step executions").WithCause(err)
	}
	defer rows.Close()

	var out []*StepExecution
	for rows.Next() {
		var (
			se                              StepExecution
			stepType, status                string
			input, output, toolName         sql.NullString
			childID, errRaw                 sql.NullString
			startedAt, completedAt          sql.NullTime
		)
		err := rows.Scan(
			&se.ID, &se.ExecutionID, &se.StepIndex, &se.StepName, &stepType, &status,
			&se.AttemptNumber, &se.MaxAttempts, &input, &output, &toolName,
			&childID, &errRaw, &startedAt, &completedAt, &se.DurationMs)
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeStore, "failed to scan step execution").WithCause(err)
		}
		se.StepType = schema.StepType(stepType)
		se.Status = schema.StepStatus(status)
		se.Input = rawOrNil(input)
		se.Output = rawOrNil(output)
		se.ToolName = toolName.String
		se.ChildExecutionID = childID.String
		se.Error = rawOrNil(errRaw)
		se.StartedAt = timePtr(startedAt)
		se.CompletedAt = timePtr(completedAt)
		out = append(out, &se)
	}
	return out, rows.Err()
}

// --- execution log ---

// AppendLogEntry writes one log row with a per-execution monotonic sequence.
// Sequence assignment happens inside a transaction so two concurrent writers
// can never claim the same position.
func (s *LibSQLStore) AppendLogEntry(ctx context.Context, entry *LogEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "failed to begin log transaction").WithCause(err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(sequence), 0) + 1 FROM execution_log WHERE execution_id = ?`,
		entry.ExecutionID).Scan(&seq)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "failed to allocate log sequence").WithCause(err)
	}

	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	entry.Sequence = seq

	_, err = tx.ExecContext(ctx, `
		INSERT INTO execution_log (execution_id, level, step_index, step_name, attempt, message, details, timestamp, sequence)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ExecutionID, string(entry.Level), entry.StepIndex, nullStr(entry.StepName),
		entry.Attempt, entry.Message, nullRaw(entry.Details), entry.Timestamp, entry.Sequence)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "failed to append log entry").WithCause(err)
	}

	if err := tx.Commit(); err != nil {
		return schema.NewError(schema.ErrCodeStore, "failed to commit log entry").WithCause(err)
	}
	return nil
}

func (s *LibSQLStore) ListLogEntries(ctx context.Context, executionID string, since int64) ([]*LogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, execution_id, level, step_index, step_name, attempt, message, details, timestamp, sequence
		FROM execution_log
		WHERE execution_id = ? AND sequence > ?
		ORDER BY sequence`, executionID, since)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "failed to list log entries").WithCause(err)
	}
	defer rows.Close()

	var out []*LogEntry
	for rows.Next() {
		var (
			entry             LogEntry
			level             string
			stepName, details sql.NullString
		)
		err := rows.Scan(&entry.ID, &entry.ExecutionID, &level, &entry.StepIndex,
			&stepName, &entry.Attempt, &entry.Message, &details, &entry.Timestamp, &entry.Sequence)
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeStore, "failed to scan log entry").WithCause(err)
		}
		entry.Level = schema.LogLevel(level)
		entry.StepName = stepName.String
		entry.Details = rawOrNil(details)
		out = append(out, &entry)
	}
	return out, rows.Err()
}

// --- scheduled jobs ---

func (s *LibSQLStore) CreateScheduledJob(ctx context.Context, job *ScheduledJob) error {
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scheduled_jobs (id, template_name, template_version, cron_expression, params, enabled, last_run_at, next_run_at, last_run_status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.TemplateName, nullStr(job.TemplateVersion), job.CronExpression,
		nullRaw(job.Params), boolToInt(job.Enabled), nullTime(job.LastRunAt), nullTime(job.NextRunAt),
		nullStr(job.LastRunStatus), job.CreatedAt)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "failed to create scheduled job").WithCause(err)
	}
	return nil
}

func (s *LibSQLStore) GetScheduledJob(ctx context.Context, id string) (*ScheduledJob, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, template_name, template_version, cron_expression, params, enabled, last_run_at, next_run_at, last_run_status, created_at
		FROM scheduled_jobs WHERE id = ?`, id)
	job, err := scanScheduledJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("scheduled job", id)
	}
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "failed to load scheduled job").WithCause(err)
	}
	return job, nil
}

func scanScheduledJob(row rowScanner) (*ScheduledJob, error) {
	var (
		job                    ScheduledJob
		version, params        sql.NullString
		lastStatus             sql.NullString
		enabled                int
		lastRunAt, nextRunAt   sql.NullTime
	)
	err := row.Scan(&job.ID, &job.TemplateName, &version, &job.CronExpression,
		&params, &enabled, &lastRunAt, &nextRunAt, &lastStatus, &job.CreatedAt)
	if err != nil {
		return nil, err
	}
	job.TemplateVersion = version.String
	job.Params = rawOrNil(params)
	job.Enabled = enabled != 0
	job.LastRunAt = timePtr(lastRunAt)
	job.NextRunAt = timePtr(nextRunAt)
	job.LastRunStatus = lastStatus.String
	return &job, nil
}

func (s *LibSQLStore) UpdateScheduledJob(ctx context.Context, id string, update ScheduledJobUpdate) error {
	sets := []string{}
	args := []any{}

	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, boolToInt(*update.Enabled))
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, *update.LastRunAt)
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, *update.NextRunAt)
	}
	if update.LastRunStatus != "" {
		sets = append(sets, "last_run_status = ?")
		args = append(args, update.LastRunStatus)
	}
	if len(sets) == 0 {
		return nil
	}

	query := "UPDATE scheduled_jobs SET "
	for i, set := range sets {
		if i > 0 {
			query += ", "
		}
		query += set
	}
	query += " WHERE id = ?"
	args = append(args, id)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "failed to update scheduled job").WithCause(err)
	}
	return checkRowsAffected(res, "scheduled job", id)
}

func (s *LibSQLStore) ListScheduledJobs(ctx context.Context, filter ScheduledJobFilter) ([]*ScheduledJob, error) {
	query := `
		SELECT id, template_name, template_version, cron_expression, params, enabled, last_run_at, next_run_at, last_run_status, created_at
		FROM scheduled_jobs WHERE 1=1`
	var args []any

	if filter.Enabled != nil {
		query += ` AND enabled = ?`
		args = append(args, boolToInt(*filter.Enabled))
	}
	query += ` ORDER BY created_at`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "failed to list scheduled jobs").WithCause(err)
	}
	defer rows.Close()

	var out []*ScheduledJob
	for rows.Next() {
		job, err := scanScheduledJob(rows)
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeStore, "failed to scan scheduled job").WithCause(err)
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) DeleteScheduledJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_jobs WHERE id = ?`, id)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "failed to delete scheduled job").WithCause(err)
	}
	return checkRowsAffected(res, "scheduled job", id)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
