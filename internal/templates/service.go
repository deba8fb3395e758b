package templates

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/rendis/maestro/internal/expressions"
	"github.com/rendis/maestro/internal/store"
	"github.com/rendis/maestro/pkg/schema"
)

// Service implements the template lifecycle: register as draft, activate
// with a version snapshot, deprecate, archive.
type Service struct {
	store      store.Store
	exprEngine *expressions.Engine
	validator  *schemaValidator
	logger     *slog.Logger
}

// NewService creates a template Service.
func NewService(st store.Store, exprEngine *expressions.Engine, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:      st,
		exprEngine: exprEngine,
		validator:  newSchemaValidator(),
		logger:     logger,
	}
}

// Validate runs the validation pipeline without persisting anything.
func (s *Service) Validate(tpl *schema.WorkflowTemplate) *schema.ValidationResult {
	return Validate(tpl, s.exprEngine)
}

// Register validates a template and stores it as a draft. Registering an
// existing name/version overwrites the draft; an activated version is
// immutable and rejects re-registration.
func (s *Service) Register(ctx context.Context, tpl *schema.WorkflowTemplate) (*schema.ValidationResult, error) {
	result := s.Validate(tpl)
	if !result.Valid() {
		return result, result.ToError()
	}

	existing, err := s.store.GetTemplate(ctx, tpl.Name, tpl.Version)
	if err == nil && existing.Status != schema.TemplateStatusDraft {
		return result, schema.NewErrorf(schema.ErrCodeConflict,
			"template %s@%s is %s and cannot be modified", tpl.Name, tpl.Version, existing.Status)
	}

	tpl.Status = schema.TemplateStatusDraft
	record := &store.Template{
		Name:       tpl.Name,
		Version:    tpl.Version,
		Status:     schema.TemplateStatusDraft,
		Definition: *tpl,
	}
	if err := s.store.PutTemplate(ctx, record); err != nil {
		return result, err
	}

	s.logger.InfoContext(ctx, "template registered",
		slog.String("template", tpl.Name), slog.String("version", tpl.Version))
	return result, nil
}

// Activate promotes a draft to active and appends an immutable version
// snapshot. Any previously active version of the same name is deprecated so
// unversioned submissions always resolve to a single template.
func (s *Service) Activate(ctx context.Context, name, version string) error {
	tpl, err := s.store.GetTemplate(ctx, name, version)
	if err != nil {
		return err
	}
	if tpl.Status == schema.TemplateStatusActive {
		return nil
	}
	if tpl.Status != schema.TemplateStatusDraft {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"cannot activate %s template %s@%s", tpl.Status, name, version)
	}

	active := schema.TemplateStatusActive
	current, err := s.store.ListTemplates(ctx, store.TemplateFilter{Name: name, Status: &active})
	if err != nil {
		return err
	}
	for _, prev := range current {
		if err := s.store.UpdateTemplateStatus(ctx, prev.Name, prev.Version, schema.TemplateStatusDeprecated); err != nil {
			return err
		}
		s.logger.InfoContext(ctx, "template deprecated",
			slog.String("template", prev.Name), slog.String("version", prev.Version))
	}

	if err := s.store.UpdateTemplateStatus(ctx, name, version, schema.TemplateStatusActive); err != nil {
		return err
	}

	def := tpl.Definition
	def.Status = schema.TemplateStatusActive
	snapshot := &store.TemplateVersion{
		ID:         uuid.NewString(),
		Name:       name,
		Version:    version,
		Definition: def,
	}
	if err := s.store.AppendTemplateVersion(ctx, snapshot); err != nil {
		return err
	}

	s.logger.InfoContext(ctx, "template activated",
		slog.String("template", name), slog.String("version", version))
	return nil
}

// Deprecate moves an active template to deprecated. Running executions keep
// their snapshot; new submissions no longer resolve to it.
func (s *Service) Deprecate(ctx context.Context, name, version string) error {
	tpl, err := s.store.GetTemplate(ctx, name, version)
	if err != nil {
		return err
	}
	if tpl.Status != schema.TemplateStatusActive {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"cannot deprecate %s template %s@%s", tpl.Status, name, version)
	}
	return s.store.UpdateTemplateStatus(ctx, name, version, schema.TemplateStatusDeprecated)
}

// Archive retires a template version entirely.
func (s *Service) Archive(ctx context.Context, name, version string) error {
	if _, err := s.store.GetTemplate(ctx, name, version); err != nil {
		return err
	}
	return s.store.UpdateTemplateStatus(ctx, name, version, schema.TemplateStatusArchived)
}

// Get fetches a template. An empty version resolves to the latest active
// version of the name.
func (s *Service) Get(ctx context.Context, name, version string) (*store.Template, error) {
	return s.store.GetTemplate(ctx, name, version)
}

// List returns templates matching the filter.
func (s *Service) List(ctx context.Context, filter store.TemplateFilter) ([]*store.Template, error) {
	return s.store.ListTemplates(ctx, filter)
}

// ListVersions returns the activation history of a template name.
func (s *Service) ListVersions(ctx context.Context, name string) ([]*store.TemplateVersion, error) {
	return s.store.ListTemplateVersions(ctx, name)
}

// PrepareInput validates submitted parameters against the template and
// returns the effective parameter map with defaults applied. Unknown
// parameters are rejected, missing required ones fail, optional ones take
// their declared default.
func (s *Service) PrepareInput(tpl *schema.WorkflowTemplate, params map[string]any) (map[string]any, error) {
	declared := make(map[string]schema.ParameterSpec, len(tpl.Parameters))
	for _, p := range tpl.Parameters {
		declared[p.Name] = p
	}

	for name := range params {
		if _, ok := declared[name]; !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"unknown parameter %q for template %s", name, tpl.Name)
		}
	}

	effective := make(map[string]any, len(declared))
	var missing []string
	for name, spec := range declared {
		if v, ok := params[name]; ok {
			effective[name] = v
			continue
		}
		if spec.Default != nil {
			effective[name] = spec.Default
			continue
		}
		if spec.Required {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"missing required parameters: %s", fmt.Sprint(missing))
	}

	if err := s.validator.ValidateInput(tpl, effective); err != nil {
		return nil, err
	}
	return effective, nil
}
