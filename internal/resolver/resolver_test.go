package resolver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/maestro/pkg/schema"
)

func testScope() *Scope {
	s := NewScope(
		map[string]any{
			"env":     "staging",
			"count":   float64(3),
			"enabled": true,
			"targets": []any{"web", "worker"},
		},
		map[string]any{
			"region": "us-east-1",
			"nested": map[string]any{"key": "value"},
		},
	)
	s.UserTask = "deploy the api"
	s.RecordStepOutput("build", map[string]any{
		"artifact": "app-1.2.3.tar.gz",
		"checks":   []any{map[string]any{"name": "lint", "ok": true}},
	})
	return s
}

func TestResolveStringWholeExpressionKeepsType(t *testing.T) {
	scope := testScope()

	got, err := ResolveString("{{workflow.parameters.count}}", scope)
	require.NoError(t, err)
	assert.Equal(t, float64(3), got)

	got, err = ResolveString("{{workflow.parameters.enabled}}", scope)
	require.NoError(t, err)
	assert.Equal(t, true, got)

	got, err = ResolveString("{{workflow.parameters.targets}}", scope)
	require.NoError(t, err)
	assert.Equal(t, []any{"web", "worker"}, got)
}

func TestResolveStringSplicing(t *testing.T) {
	scope := testScope()

	got, err := ResolveString("deploy to {{workflow.parameters.env}} in {{context.region}}", scope)
	require.NoError(t, err)
	assert.Equal(t, "deploy to staging in us-east-1", got)

	got, err = ResolveString("replicas={{workflow.parameters.count}}", scope)
	require.NoError(t, err)
	assert.Equal(t, "replicas=3", got)
}

func TestResolveStepOutputPath(t *testing.T) {
	scope := testScope()

	got, err := ResolveString("{{steps.build.output.artifact}}", scope)
	require.NoError(t, err)
	assert.Equal(t, "app-1.2.3.tar.gz", got)

	got, err = ResolveString("{{steps.build.output.checks.0.name}}", scope)
	require.NoError(t, err)
	assert.Equal(t, "lint", got)

	// bare steps.<name>.output returns the whole output map
	got, err = ResolveString("{{steps.build.output}}", scope)
	require.NoError(t, err)
	assert.Contains(t, got.(map[string]any), "artifact")
}

func TestResolveUserTaskToken(t *testing.T) {
	scope := testScope()

	got, err := ResolveString("{{USER_TASK}}", scope)
	require.NoError(t, err)
	assert.Equal(t, "deploy the api", got)
}

func TestResolveUnresolvableFails(t *testing.T) {
	scope := testScope()

	cases := []string{
		"{{workflow.parameters.missing}}",
		"{{context.absent}}",
		"{{steps.nonexistent.output.x}}",
		"{{steps.build.output.missing}}",
		"{{steps.build.output.checks.5.name}}",
		"{{bogus.namespace}}",
	}
	for _, expr := range cases {
		_, err := ResolveString(expr, scope)
		require.Error(t, err, expr)
		var ee *schema.EngineError
		require.ErrorAs(t, err, &ee, expr)
		assert.Equal(t, schema.ErrCodeParameterResolution, ee.Code, expr)
	}
}

func TestResolveRecursiveStructures(t *testing.T) {
	scope := testScope()

	input := map[string]any{
		"message": "env is {{workflow.parameters.env}}",
		"nested": map[string]any{
			"artifact": "{{steps.build.output.artifact}}",
		},
		"list":    []any{"{{context.region}}", float64(42)},
		"literal": float64(7),
	}

	got, err := Resolve(input, scope)
	require.NoError(t, err)

	m := got.(map[string]any)
	assert.Equal(t, "env is staging", m["message"])
	assert.Equal(t, "app-1.2.3.tar.gz", m["nested"].(map[string]any)["artifact"])
	assert.Equal(t, []any{"us-east-1", float64(42)}, m["list"])
	assert.Equal(t, float64(7), m["literal"])

	// original input untouched
	assert.Equal(t, "env is {{workflow.parameters.env}}", input["message"])
}

func TestResolveIdempotent(t *testing.T) {
	scope := testScope()

	input := map[string]any{
		"a": "{{workflow.parameters.env}}",
		"b": "count={{workflow.parameters.count}}",
	}

	once, err := Resolve(input, scope)
	require.NoError(t, err)
	twice, err := Resolve(once, scope)
	require.NoError(t, err)
	assert.Equal(t, once, twice)
}

func TestResolveNoExpressionsPassthrough(t *testing.T) {
	scope := testScope()

	got, err := ResolveString("plain text", scope)
	require.NoError(t, err)
	assert.Equal(t, "plain text", got)
}

func TestScopeChildIsolation(t *testing.T) {
	scope := testScope()

	child := scope.Child(map[string]any{"item": "first"})
	got, err := ResolveString("{{context.item}}", child)
	require.NoError(t, err)
	assert.Equal(t, "first", got)

	// parent scope has no binding
	_, err = ResolveString("{{context.item}}", scope)
	require.Error(t, err)

	// a fork taken before a context write does not see it
	fork := scope.ForkContext()
	child.SetContext("region", "eu-west-1")
	got, err = ResolveString("{{context.region}}", fork)
	require.NoError(t, err)
	assert.Equal(t, "us-east-1", got)
}

func TestScopeContextSharedThroughChild(t *testing.T) {
	scope := testScope()
	child := scope.Child(map[string]any{"item": "first"})

	// context writes in a child land in the shared map
	child.SetContext("last_seen", "first")
	got, err := ResolveString("{{context.last_seen}}", scope)
	require.NoError(t, err)
	assert.Equal(t, "first", got)

	// local bindings shadow shared keys without overwriting them
	scope.SetContext("item", "shared")
	got, err = ResolveString("{{context.item}}", child)
	require.NoError(t, err)
	assert.Equal(t, "first", got)
	got, err = ResolveString("{{context.item}}", scope)
	require.NoError(t, err)
	assert.Equal(t, "shared", got)

	view := child.ContextView()
	assert.Equal(t, "first", view["item"])
	assert.Equal(t, "first", view["last_seen"])
}
