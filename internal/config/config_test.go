package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convactor/turnflow/internal/config"
)

const testYAML = `
personas:
  - id: support-agent
    recentTurnsLimit: 20
    contextAssemblyWorkflowId: wf-ctx-v1
    memoryExtractionWorkflowId: wf-mem-v1
    credentials:
      apiKey: ${TURNFLOW_TEST_API_KEY}
      baseUrl: https://api.example.com
      model: claude-sonnet-4-5
    tools:
      - name: search_docs
        description: searches the knowledge base
        inputSchema:
          type: object
          properties:
            query: {type: string}
        targetType: task
        targetId: doc-search
        async: true
        retry:
          maxAttempts: 3
          backoffMs: 2000
        timeoutSeconds: 30
`

func writeTestFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "personas.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testYAML), 0o600))
	return path
}

func TestLoadDecodesPersonasAndTools(t *testing.T) {
	t.Setenv("TURNFLOW_TEST_API_KEY", "secret-value")
	path := writeTestFile(t)

	personas, err := config.Load(path)
	require.NoError(t, err)
	require.Len(t, personas, 1)

	p := personas[0]
	assert.Equal(t, "support-agent", p.ID)
	assert.Equal(t, 20, p.RecentTurnsLimit)
	assert.Equal(t, "wf-ctx-v1", p.ContextAssemblyWorkflowID)
	assert.Equal(t, "secret-value", p.Credentials.APIKey)
	assert.Equal(t, "claude-sonnet-4-5", p.Credentials.Model)

	require.Len(t, p.Tools, 1)
	tool := p.Tools[0]
	assert.Equal(t, "search_docs", tool.Name)
	assert.True(t, tool.Async)
	assert.Equal(t, 3, tool.Retry.MaxAttempts)
	assert.Equal(t, 2000, tool.Retry.BackoffMs)
	assert.JSONEq(t, `{"type":"object","properties":{"query":{"type":"string"}}}`, string(tool.InputSchema))
}

func TestLoadLeavesUnresolvedEnvVarsVerbatim(t *testing.T) {
	os.Unsetenv("TURNFLOW_TEST_API_KEY")
	path := writeTestFile(t)

	personas, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "${TURNFLOW_TEST_API_KEY}", personas[0].Credentials.APIKey)
}

func TestNewStoreServesLoadedPersonas(t *testing.T) {
	t.Setenv("TURNFLOW_TEST_API_KEY", "secret-value")
	path := writeTestFile(t)

	store, err := config.NewStore(path)
	require.NoError(t, err)

	ctx := context.Background()
	p, err := store.GetPersona(ctx, "support-agent")
	require.NoError(t, err)
	assert.Equal(t, "support-agent", p.ID)

	_, err = store.GetPersona(ctx, "missing")
	assert.Error(t, err)
}
