package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/aescanero/agentpipe/pkg/adapters/storage/sqlite"
	"github.com/aescanero/agentpipe/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"gopkg.in/yaml.v3"
)

const blogPipeline = `id: blog
userId: u1
name: Blog writer
graph:
  nodes:
    - id: tone
      type: trait
      data:
        name: Tone
        content: Be concise.
    - id: writer
      type: agent
      data:
        agentId: writer
        name: Writer
        instructions: Write the post.
    - id: research
      type: agent
      data:
        agentId: researcher
        name: Researcher
        instructions: Research the topic.
  edges:
    - source: research
      target: writer
    - source: tone
      target: writer
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func useSQLite(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agentpipe.db")
	t.Setenv("STORE_BACKEND", "sqlite")
	t.Setenv("SQLITE_PATH", path)
	t.Setenv("QUEUE_BACKEND", "memory")
	return path
}

func TestLinearizeCommand(t *testing.T) {
	path := writeFile(t, "pipeline.yaml", blogPipeline)

	out, err := execute(t, "linearize", "-f", path)
	require.NoError(t, err)

	var steps []domain.ExecutionStep
	require.NoError(t, yaml.Unmarshal([]byte(out), &steps))
	require.Len(t, steps, 2)
	assert.Equal(t, "researcher", steps[0].AgentID)
	assert.Equal(t, 0, steps[0].Order)
	assert.Equal(t, "writer", steps[1].AgentID)
	assert.Equal(t, "Be concise.", steps[1].TraitContext)
}

func TestLinearizeCommandAcceptsBareGraphJSON(t *testing.T) {
	path := writeFile(t, "graph.json", `{"nodes":[{"id":"a","type":"agent","data":{"name":"Solo"}}],"edges":[]}`)

	out, err := execute(t, "linearize", "-f", path)
	require.NoError(t, err)

	var steps []domain.ExecutionStep
	require.NoError(t, yaml.Unmarshal([]byte(out), &steps))
	require.Len(t, steps, 1)
	assert.Equal(t, "a", steps[0].AgentID)
}

func TestLinearizeCommandRejectsCycle(t *testing.T) {
	path := writeFile(t, "graph.yaml", `nodes:
  - {id: a, type: agent}
  - {id: b, type: agent}
edges:
  - {source: a, target: b}
  - {source: b, target: a}
`)

	_, err := execute(t, "linearize", "-f", path)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrCyclicGraph)

	_, err = execute(t, "linearize", "-f", path, "--skip-validation")
	assert.NoError(t, err)
}

func TestPipelineImportCommand(t *testing.T) {
	dbPath := useSQLite(t)
	path := writeFile(t, "pipeline.yaml", blogPipeline)

	out, err := execute(t, "pipeline", "import", "-f", path, "--user", "u9")
	require.NoError(t, err)
	assert.Equal(t, "imported pipeline blog (2 steps)\n", out)

	store, err := sqlite.NewStore(dbPath, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer store.Close()

	pipeline, err := store.GetPipeline(context.Background(), "blog")
	require.NoError(t, err)
	assert.Equal(t, "u9", pipeline.UserID)
	assert.Len(t, pipeline.Graph.Nodes, 3)
}

func TestPipelineImportRequiresOwner(t *testing.T) {
	useSQLite(t)
	path := writeFile(t, "pipeline.yaml", `name: orphan
graph:
  nodes:
    - {id: a, type: agent}
`)

	_, err := execute(t, "pipeline", "import", "-f", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "userId is required")
}

func TestCredentialsSetCommand(t *testing.T) {
	dbPath := useSQLite(t)
	path := writeFile(t, "creds.yaml", "userId: u1\nprovider: mock\nmodel: mock-model\n")

	out, err := execute(t, "credentials", "set", "-f", path)
	require.NoError(t, err)
	assert.Equal(t, "stored mock credentials for user u1\n", out)

	_, err = execute(t, "credentials", "set", "--user", "u2", "--provider", "openai", "--api-key", "k")
	assert.EqualError(t, err, "unsupported LLM provider: openai")

	t.Setenv("ANTHROPIC_API_KEY", "")
	_, err = execute(t, "credentials", "set", "--user", "u2")
	assert.EqualError(t, err, "an API key is required for provider anthropic")

	_, err = execute(t, "credentials", "set", "--user", "u2", "--api-key", "sk-test")
	require.NoError(t, err)

	store, err := sqlite.NewStore(dbPath, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer store.Close()

	cred, err := store.GetCredential(context.Background(), "u2")
	require.NoError(t, err)
	assert.Equal(t, "anthropic", cred.Provider)
	assert.Equal(t, "sk-test", cred.APIKey)
}

func TestInitLogger(t *testing.T) {
	tests := []struct {
		level string
		want  zapcore.Level
	}{
		{"debug", zapcore.DebugLevel},
		{"info", zapcore.InfoLevel},
		{"warn", zapcore.WarnLevel},
		{"error", zapcore.ErrorLevel},
		{"bogus", zapcore.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			logger := initLogger(tt.level)
			assert.True(t, logger.Core().Enabled(tt.want))
			if tt.want > zapcore.DebugLevel {
				assert.False(t, logger.Core().Enabled(tt.want-1))
			}
		})
	}
}
