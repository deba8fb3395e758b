package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/maestro/pkg/schema"
)

func TestRecorderAppendsOrderedEntries(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	rec := NewRecorder(s, nil)

	rec.Info(ctx, "ex-1", "execution started", map[string]any{"template": "deploy"})
	rec.StepInfo(ctx, "ex-1", 0, "build", 1, "step started", nil)
	rec.StepError(ctx, "ex-1", 0, "build", 2, "tool failed", map[string]any{"code": "TOOL_INVOCATION_ERROR"})

	logs, err := s.ListLogEntries(ctx, "ex-1", 0)
	require.NoError(t, err)
	require.Len(t, logs, 3)

	assert.Equal(t, schema.LogLevelInfo, logs[0].Level)
	assert.Equal(t, -1, logs[0].StepIndex)
	assert.JSONEq(t, `{"template":"deploy"}`, string(logs[0].Details))

	assert.Equal(t, "build", logs[1].StepName)
	assert.Equal(t, 1, logs[1].Attempt)

	assert.Equal(t, schema.LogLevelError, logs[2].Level)
	assert.Equal(t, 2, logs[2].Attempt)
	assert.Equal(t, int64(3), logs[2].Sequence)
}
