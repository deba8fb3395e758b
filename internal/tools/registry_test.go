package tools

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/maestro/pkg/schema"
)

func TestRegistryDispatch(t *testing.T) {
	ctx := context.Background()
	reg := NewDefaultRegistry(nil)

	assert.True(t, reg.Available("echo"))
	assert.False(t, reg.Available("nonexistent"))
	assert.Contains(t, reg.Names(), "http.request")

	out, err := reg.Invoke(ctx, "echo", map[string]any{"msg": "hi"})
	require.NoError(t, err)
	assert.Equal(t, "hi", out["msg"])
}

func TestRegistryUnknownTool(t *testing.T) {
	reg := NewRegistry(nil)
	_, err := reg.Invoke(context.Background(), "ghost.tool", nil)
	var ee *schema.EngineError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, schema.ErrCodeToolUnavailable, ee.Code)
}

func TestRegistryCancelledContext(t *testing.T) {
	reg := NewDefaultRegistry(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := reg.Invoke(ctx, "echo", nil)
	var ee *schema.EngineError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, schema.ErrCodeCancelled, ee.Code)
}

func TestHTTPTool(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "POST", r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"received": body["name"]})
	}))
	defer srv.Close()

	reg := NewDefaultRegistry(nil)
	out, err := reg.Invoke(context.Background(), "http.request", map[string]any{
		"url":    srv.URL,
		"method": "post",
		"body":   map[string]any{"name": "maestro"},
	})
	require.NoError(t, err)
	assert.Equal(t, 200, out["status_code"])
	body := out["body"].(map[string]any)
	assert.Equal(t, "maestro", body["received"])
}

func TestHTTPToolMissingURL(t *testing.T) {
	reg := NewDefaultRegistry(nil)
	_, err := reg.Invoke(context.Background(), "http.request", map[string]any{})
	assert.Error(t, err)
}

func TestJQTool(t *testing.T) {
	reg := NewDefaultRegistry(nil)

	out, err := reg.Invoke(context.Background(), "jq.query", map[string]any{
		"query": ".items[] | .name",
		"input": map[string]any{
			"items": []any{
				map[string]any{"name": "a"},
				map[string]any{"name": "b"},
			},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "a", out["result"])
	assert.Equal(t, []any{"a", "b"}, out["results"])

	_, err = reg.Invoke(context.Background(), "jq.query", map[string]any{
		"query": ".[",
		"input": map[string]any{},
	})
	assert.Error(t, err)
}

func TestTransformTool(t *testing.T) {
	reg := NewDefaultRegistry(nil)

	out, err := reg.Invoke(context.Background(), "transform.map", map[string]any{
		"items":      []any{1, 2, 3, 4},
		"filter":     "item > 1",
		"expression": "item * 10",
	})
	require.NoError(t, err)
	assert.Equal(t, []any{20, 30, 40}, out["items"])
	assert.Equal(t, 3, out["count"])
}
