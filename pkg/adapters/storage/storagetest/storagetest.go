// Package storagetest holds behaviour tests shared by every ports.Store backend.
package storagetest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/aescanero/agentpipe/pkg/domain"
	"github.com/aescanero/agentpipe/pkg/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Run exercises a store produced by newStore against the ports.Store contract.
func Run(t *testing.T, newStore func(t *testing.T) ports.Store) {
	t.Run("RunLifecycle", func(t *testing.T) { testRunLifecycle(t, newStore(t)) })
	t.Run("RunNotFound", func(t *testing.T) { testRunNotFound(t, newStore(t)) })
	t.Run("ListRunsByUser", func(t *testing.T) { testListRuns(t, newStore(t)) })
	t.Run("UpsertStepsResets", func(t *testing.T) { testUpsertSteps(t, newStore(t)) })
	t.Run("Pipelines", func(t *testing.T) { testPipelines(t, newStore(t)) })
	t.Run("Credentials", func(t *testing.T) { testCredentials(t, newStore(t)) })
}

func newRun(id, userID string, createdAt time.Time) *domain.Run {
	return &domain.Run{
		ID:         id,
		PipelineID: "p1",
		UserID:     userID,
		Status:     domain.RunStatusPending,
		Input:      "hello",
		Variables:  map[string]string{"topic": "cats"},
		CreatedAt:  createdAt,
	}
}

func testRunLifecycle(t *testing.T, store ports.Store) {
	ctx := context.Background()
	defer store.Close()

	require.NoError(t, store.CreateRun(ctx, newRun("r1", "u1", time.Now())))

	got, err := store.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusPending, got.Status)
	assert.Equal(t, "cats", got.Variables["topic"])
	assert.Nil(t, got.StartedAt)

	require.NoError(t, store.MarkRunRunning(ctx, "r1", time.Now()))
	got, err = store.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusRunning, got.Status)
	require.NotNil(t, got.StartedAt)

	require.NoError(t, store.FinishRun(ctx, "r1", domain.RunStatusCompleted, "done", "", time.Now()))
	got, err = store.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCompleted, got.Status)
	assert.Equal(t, "done", got.FinalOutput)
	assert.Empty(t, got.Error)
	require.NotNil(t, got.CompletedAt)

	// A redelivered job restarts the run from a clean slate
	require.NoError(t, store.MarkRunRunning(ctx, "r1", time.Now()))
	got, err = store.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusRunning, got.Status)
	assert.Empty(t, got.FinalOutput)
	assert.Nil(t, got.CompletedAt)
}

func testRunNotFound(t *testing.T, store ports.Store) {
	ctx := context.Background()
	defer store.Close()

	_, err := store.GetRun(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrRunNotFound)

	err = store.FinishRun(ctx, "missing", domain.RunStatusFailed, "", "boom", time.Now())
	assert.ErrorIs(t, err, domain.ErrRunNotFound)
}

func testListRuns(t *testing.T, store ports.Store) {
	ctx := context.Background()
	defer store.Close()

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		require.NoError(t, store.CreateRun(ctx, newRun(fmt.Sprintf("a%d", i), "alice", base.Add(time.Duration(i)*time.Minute))))
	}
	require.NoError(t, store.CreateRun(ctx, newRun("b0", "bob", base)))

	runs, err := store.ListRuns(ctx, "alice", 10)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, "a2", runs[0].ID)
	assert.Equal(t, "a0", runs[2].ID)

	runs, err = store.ListRuns(ctx, "alice", 2)
	require.NoError(t, err)
	assert.Len(t, runs, 2)

	runs, err = store.ListRuns(ctx, "carol", 10)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func pendingSteps(runID string, agents ...string) []*domain.RunStep {
	steps := make([]*domain.RunStep, len(agents))
	for i, agent := range agents {
		steps[i] = &domain.RunStep{
			RunID:     runID,
			AgentID:   agent,
			AgentName: "Agent " + agent,
			StepOrder: i,
			Status:    domain.RunStatusPending,
		}
	}
	return steps
}

func testUpsertSteps(t *testing.T, store ports.Store) {
	ctx := context.Background()
	defer store.Close()

	require.NoError(t, store.CreateRun(ctx, newRun("r1", "u1", time.Now())))

	steps := pendingSteps("r1", "a", "b", "c")
	require.NoError(t, store.UpsertSteps(ctx, "r1", steps))
	for _, step := range steps {
		assert.NotEmpty(t, step.ID)
	}
	firstID := steps[0].ID

	now := time.Now()
	steps[0].Status = domain.RunStatusCompleted
	steps[0].Input = "in"
	steps[0].Output = "out"
	steps[0].StartedAt = &now
	steps[0].CompletedAt = &now
	require.NoError(t, store.UpdateStep(ctx, steps[0]))

	listed, err := store.ListSteps(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, listed, 3)
	assert.Equal(t, domain.RunStatusCompleted, listed[0].Status)
	assert.Equal(t, "out", listed[0].Output)
	assert.Equal(t, "b", listed[1].AgentID)

	// Second delivery: rows reset to pending and keyed by order, not duplicated
	again := pendingSteps("r1", "a", "b")
	require.NoError(t, store.UpsertSteps(ctx, "r1", again))
	assert.Equal(t, firstID, again[0].ID)

	listed, err = store.ListSteps(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, listed, 2)
	for i, step := range listed {
		assert.Equal(t, i, step.StepOrder)
		assert.Equal(t, domain.RunStatusPending, step.Status)
		assert.Empty(t, step.Output)
		assert.Nil(t, step.CompletedAt)
	}
}

func testPipelines(t *testing.T, store ports.Store) {
	ctx := context.Background()
	defer store.Close()

	_, err := store.GetPipeline(ctx, "p1")
	assert.ErrorIs(t, err, domain.ErrPipelineNotFound)

	pipeline := &domain.Pipeline{
		ID:     "p1",
		UserID: "u1",
		Name:   "writer",
		Graph: domain.PipelineGraph{
			Nodes: []domain.Node{
				{ID: "n1", Type: domain.NodeTypeAgent, Data: domain.NodeData{AgentID: "a1", Name: "Writer", Instructions: "Write about {{topic}}"}},
				{ID: "n2", Type: domain.NodeTypeTrait, Data: domain.NodeData{TraitID: "t1", Name: "Tone", Content: "Be terse."}},
			},
			Edges: []domain.Edge{{Source: "n2", Target: "n1"}},
		},
	}
	require.NoError(t, store.SavePipeline(ctx, pipeline))

	got, err := store.GetPipeline(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "u1", got.UserID)
	assert.Equal(t, pipeline.Graph, got.Graph)

	pipeline.Name = "renamed"
	require.NoError(t, store.SavePipeline(ctx, pipeline))
	got, err = store.GetPipeline(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Name)
}

func testCredentials(t *testing.T, store ports.Store) {
	ctx := context.Background()
	defer store.Close()

	_, err := store.GetCredential(ctx, "u1")
	assert.ErrorIs(t, err, domain.ErrCredentialsNotConfigured)

	cred := &domain.Credential{UserID: "u1", Provider: "anthropic", APIKey: "sk-test", Model: "claude-sonnet-4-5"}
	require.NoError(t, store.SaveCredential(ctx, cred))

	got, err := store.GetCredential(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "anthropic", got.Provider)
	assert.Equal(t, "sk-test", got.APIKey)
	assert.Equal(t, "claude-sonnet-4-5", got.Model)
}
