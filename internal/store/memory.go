package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rendis/maestro/pkg/schema"
)

// MemoryStore is an in-memory Store used by tests and ephemeral deployments.
type MemoryStore struct {
	mu         sync.RWMutex
	templates  map[string]*Template // key: name@version
	versions   []*TemplateVersion
	executions map[string]*Execution
	steps      map[string][]*StepExecution // key: execution ID
	logs       map[string][]*LogEntry      // key: execution ID
	jobs       map[string]*ScheduledJob
	logID      int64
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		templates:  map[string]*Template{},
		executions: map[string]*Execution{},
		steps:      map[string][]*StepExecution{},
		logs:       map[string][]*LogEntry{},
		jobs:       map[string]*ScheduledJob{},
	}
}

func tplKey(name, version string) string { return name + "@" + version }

func (s *MemoryStore) PutTemplate(_ context.Context, tpl *Template) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	cp := *tpl
	if existing, ok := s.templates[tplKey(tpl.Name, tpl.Version)]; ok {
		cp.CreatedAt = existing.CreatedAt
	} else if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	s.templates[tplKey(tpl.Name, tpl.Version)] = &cp
	return nil
}

func (s *MemoryStore) GetTemplate(_ context.Context, name, version string) (*Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if version != "" {
		tpl, ok := s.templates[tplKey(name, version)]
		if !ok {
			return nil, storeNotFound("template", tplKey(name, version))
		}
		cp := *tpl
		return &cp, nil
	}

	var latest *Template
	for _, tpl := range s.templates {
		if tpl.Name != name || tpl.Status != schema.TemplateStatusActive {
			continue
		}
		if latest == nil || tpl.UpdatedAt.After(latest.UpdatedAt) {
			latest = tpl
		}
	}
	if latest == nil {
		return nil, storeNotFound("template", name)
	}
	cp := *latest
	return &cp, nil
}

func (s *MemoryStore) ListTemplates(_ context.Context, filter TemplateFilter) ([]*Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Template
	for _, tpl := range s.templates {
		if filter.Name != "" && tpl.Name != filter.Name {
			continue
		}
		if filter.Status != nil && tpl.Status != *filter.Status {
			continue
		}
		cp := *tpl
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) UpdateTemplateStatus(_ context.Context, name, version string, status schema.TemplateStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tpl, ok := s.templates[tplKey(name, version)]
	if !ok {
		return storeNotFound("template", tplKey(name, version))
	}
	tpl.Status = status
	tpl.Definition.Status = status
	tpl.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) AppendTemplateVersion(_ context.Context, v *TemplateVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *v
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	s.versions = append(s.versions, &cp)
	return nil
}

func (s *MemoryStore) ListTemplateVersions(_ context.Context, name string) ([]*TemplateVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*TemplateVersion
	for _, v := range s.versions {
		if v.Name == name {
			cp := *v
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) CreateExecution(_ context.Context, ex *Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.executions[ex.ID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "execution %q already exists", ex.ID)
	}
	now := time.Now().UTC()
	cp := *ex
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	s.executions[ex.ID] = &cp
	return nil
}

func (s *MemoryStore) GetExecution(_ context.Context, id string) (*Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ex, ok := s.executions[id]
	if !ok {
		return nil, storeNotFound("execution", id)
	}
	cp := *ex
	return &cp, nil
}

func (s *MemoryStore) UpdateExecution(_ context.Context, id string, update ExecutionUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ex, ok := s.executions[id]
	if !ok {
		return storeNotFound("execution", id)
	}
	if update.Status != nil {
		ex.Status = *update.Status
	}
	if update.CurrentStepIndex != nil {
		ex.CurrentStepIndex = *update.CurrentStepIndex
	}
	if update.Progress != nil {
		ex.Progress = *update.Progress
	}
	if update.Context != nil {
		ex.Context = update.Context
	}
	if update.Output != nil {
		ex.Output = update.Output
	}
	if update.Error != nil {
		ex.Error = update.Error
	}
	if update.StartedAt != nil {
		ex.StartedAt = update.StartedAt
	}
	if update.PausedAt != nil {
		ex.PausedAt = update.PausedAt
	}
	if update.CompletedAt != nil {
		ex.CompletedAt = update.CompletedAt
	}
	ex.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) ListExecutions(_ context.Context, filter ExecutionFilter) ([]*Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Execution
	for _, ex := range s.executions {
		if filter.TemplateName != "" && ex.TemplateName != filter.TemplateName {
			continue
		}
		if filter.Status != nil && ex.Status != *filter.Status {
			continue
		}
		if filter.ParentID != "" && ex.ParentID != filter.ParentID {
			continue
		}
		if filter.Since != nil && ex.CreatedAt.Before(*filter.Since) {
			continue
		}
		cp := *ex
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) UpsertStepExecution(_ context.Context, se *StepExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *se
	rows := s.steps[se.ExecutionID]
	for i, existing := range rows {
		if existing.ID == se.ID {
			rows[i] = &cp
			return nil
		}
	}
	s.steps[se.ExecutionID] = append(rows, &cp)
	return nil
}

func (s *MemoryStore) ListStepExecutions(_ context.Context, executionID string) ([]*StepExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows := s.steps[executionID]
	out := make([]*StepExecution, len(rows))
	for i, se := range rows {
		cp := *se
		out[i] = &cp
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].StepIndex != out[j].StepIndex {
			return out[i].StepIndex < out[j].StepIndex
		}
		ti, tj := out[i].StartedAt, out[j].StartedAt
		if ti != nil && tj != nil && !ti.Equal(*tj) {
			return ti.Before(*tj)
		}
		return strings.Compare(out[i].ID, out[j].ID) < 0
	})
	return out, nil
}

func (s *MemoryStore) AppendLogEntry(_ context.Context, entry *LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.logID++
	cp := *entry
	cp.ID = s.logID
	cp.Sequence = int64(len(s.logs[entry.ExecutionID])) + 1
	if cp.Timestamp.IsZero() {
		cp.Timestamp = time.Now().UTC()
	}
	entry.ID = cp.ID
	entry.Sequence = cp.Sequence
	s.logs[entry.ExecutionID] = append(s.logs[entry.ExecutionID], &cp)
	return nil
}

func (s *MemoryStore) ListLogEntries(_ context.Context, executionID string, since int64) ([]*LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*LogEntry
	for _, entry := range s.logs[executionID] {
		if entry.Sequence > since {
			cp := *entry
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) CreateScheduledJob(_ context.Context, job *ScheduledJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "scheduled job %q already exists", job.ID)
	}
	cp := *job
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	s.jobs[job.ID] = &cp
	return nil
}

func (s *MemoryStore) GetScheduledJob(_ context.Context, id string) (*ScheduledJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, storeNotFound("scheduled job", id)
	}
	cp := *job
	return &cp, nil
}

func (s *MemoryStore) UpdateScheduledJob(_ context.Context, id string, update ScheduledJobUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return storeNotFound("scheduled job", id)
	}
	if update.Enabled != nil {
		job.Enabled = *update.Enabled
	}
	if update.LastRunAt != nil {
		job.LastRunAt = update.LastRunAt
	}
	if update.NextRunAt != nil {
		job.NextRunAt = update.NextRunAt
	}
	if update.LastRunStatus != "" {
		job.LastRunStatus = update.LastRunStatus
	}
	return nil
}

func (s *MemoryStore) ListScheduledJobs(_ context.Context, filter ScheduledJobFilter) ([]*ScheduledJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*ScheduledJob
	for _, job := range s.jobs {
		if filter.Enabled != nil && job.Enabled != *filter.Enabled {
			continue
		}
		cp := *job
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) DeleteScheduledJob(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[id]; !ok {
		return storeNotFound("scheduled job", id)
	}
	delete(s.jobs, id)
	return nil
}

func (s *MemoryStore) Migrate(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }
