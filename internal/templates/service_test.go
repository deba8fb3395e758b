package templates

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/maestro/internal/store"
	"github.com/rendis/maestro/pkg/schema"
)

func newTestService(t *testing.T) (*Service, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	return NewService(st, nil, nil), st
}

func TestRegisterAndActivate(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	tpl := validTemplate()
	result, err := svc.Register(ctx, tpl)
	require.NoError(t, err)
	assert.True(t, result.Valid())

	got, err := svc.Get(ctx, "deploy_service", "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, schema.TemplateStatusDraft, got.Status)

	require.NoError(t, svc.Activate(ctx, "deploy_service", "1.0.0"))

	// unversioned lookup now resolves to the active version
	got, err = svc.Get(ctx, "deploy_service", "")
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", got.Version)

	versions, err := svc.ListVersions(ctx, "deploy_service")
	require.NoError(t, err)
	require.Len(t, versions, 1)
	assert.Equal(t, "1.0.0", versions[0].Version)
}

func TestRegisterInvalidTemplate(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	tpl := validTemplate()
	tpl.Steps[0].OnSuccess = "ghost_step"
	result, err := svc.Register(ctx, tpl)
	require.Error(t, err)
	assert.False(t, result.Valid())

	_, err = svc.Get(ctx, tpl.Name, tpl.Version)
	assert.Error(t, err, "invalid template must not be stored")
}

func TestActivateSupersedesPreviousActive(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	v1 := validTemplate()
	_, err := svc.Register(ctx, v1)
	require.NoError(t, err)
	require.NoError(t, svc.Activate(ctx, v1.Name, "1.0.0"))

	v2 := validTemplate()
	v2.Version = "2.0.0"
	_, err = svc.Register(ctx, v2)
	require.NoError(t, err)
	require.NoError(t, svc.Activate(ctx, v2.Name, "2.0.0"))

	old, err := svc.Get(ctx, v1.Name, "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, schema.TemplateStatusDeprecated, old.Status)

	latest, err := svc.Get(ctx, v1.Name, "")
	require.NoError(t, err)
	assert.Equal(t, "2.0.0", latest.Version)
}

func TestActivatedTemplateIsImmutable(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	tpl := validTemplate()
	_, err := svc.Register(ctx, tpl)
	require.NoError(t, err)
	require.NoError(t, svc.Activate(ctx, tpl.Name, tpl.Version))

	_, err = svc.Register(ctx, validTemplate())
	require.Error(t, err)
	var ee *schema.EngineError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, schema.ErrCodeConflict, ee.Code)

	// re-activation is a no-op, not an error
	assert.NoError(t, svc.Activate(ctx, tpl.Name, tpl.Version))
}

func TestDeprecateRequiresActive(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	tpl := validTemplate()
	_, err := svc.Register(ctx, tpl)
	require.NoError(t, err)

	err = svc.Deprecate(ctx, tpl.Name, tpl.Version)
	var ee *schema.EngineError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, schema.ErrCodeInvalidTransition, ee.Code)

	require.NoError(t, svc.Activate(ctx, tpl.Name, tpl.Version))
	assert.NoError(t, svc.Deprecate(ctx, tpl.Name, tpl.Version))
}

func TestPrepareInput(t *testing.T) {
	svc, _ := newTestService(t)

	tpl := &schema.WorkflowTemplate{
		Name:    "notify",
		Version: "1.0.0",
		Parameters: []schema.ParameterSpec{
			{Name: "channel", Required: true},
			{Name: "retries", Default: float64(3)},
		},
		Steps: []schema.StepDefinition{actionStep("send", "echo")},
	}

	params, err := svc.PrepareInput(tpl, map[string]any{"channel": "ops"})
	require.NoError(t, err)
	assert.Equal(t, "ops", params["channel"])
	assert.Equal(t, float64(3), params["retries"], "default applied")

	_, err = svc.PrepareInput(tpl, map[string]any{})
	require.Error(t, err, "missing required parameter")

	_, err = svc.PrepareInput(tpl, map[string]any{"channel": "ops", "bogus": 1})
	require.Error(t, err, "unknown parameter rejected")
}

func TestPrepareInputWithJSONSchema(t *testing.T) {
	svc, _ := newTestService(t)

	tpl := &schema.WorkflowTemplate{
		Name:    "scale",
		Version: "1.0.0",
		Parameters: []schema.ParameterSpec{
			{Name: "replicas", Required: true},
		},
		ParameterSchema: []byte(`{
			"type": "object",
			"properties": {"replicas": {"type": "integer", "minimum": 1}},
			"required": ["replicas"]
		}`),
		Steps: []schema.StepDefinition{actionStep("apply", "echo")},
	}

	_, err := svc.PrepareInput(tpl, map[string]any{"replicas": 2})
	assert.NoError(t, err)

	_, err = svc.PrepareInput(tpl, map[string]any{"replicas": 0})
	assert.Error(t, err)

	_, err = svc.PrepareInput(tpl, map[string]any{"replicas": "two"})
	assert.Error(t, err)
}
