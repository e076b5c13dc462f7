package workers

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aescanero/agentpipe/internal/application/executor"
	"github.com/aescanero/agentpipe/pkg/adapters/llm"
	promcollector "github.com/aescanero/agentpipe/pkg/adapters/metrics/prometheus"
	queuememory "github.com/aescanero/agentpipe/pkg/adapters/queue/memory"
	"github.com/aescanero/agentpipe/pkg/adapters/storage/memory"
	"github.com/aescanero/agentpipe/pkg/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type eventLog struct {
	mu     sync.Mutex
	events []domain.RunEvent
}

func (l *eventLog) Publish(runID string, event domain.RunEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
}

func (l *eventLog) all() []domain.RunEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]domain.RunEvent(nil), l.events...)
}

// brokenStore fails run reads like an unreachable database
type brokenStore struct {
	*memory.Store
}

func (s brokenStore) GetRun(ctx context.Context, runID string) (*domain.Run, error) {
	return nil, errors.New("connection refused")
}

// unreachablePipelines fails pipeline reads like an unreachable database
type unreachablePipelines struct {
	*memory.Store
}

func (s unreachablePipelines) GetPipeline(ctx context.Context, pipelineID string) (*domain.Pipeline, error) {
	return nil, errors.New("connection refused")
}

type runJobFixture struct {
	store   *memory.Store
	events  *eventLog
	handler *RunJobHandler
}

func twoAgentGraph() domain.PipelineGraph {
	return domain.PipelineGraph{
		Nodes: []domain.Node{
			{ID: "a", Type: domain.NodeTypeAgent, Data: domain.NodeData{AgentID: "researcher", Name: "Researcher", Instructions: "Research."}},
			{ID: "b", Type: domain.NodeTypeAgent, Data: domain.NodeData{AgentID: "writer", Name: "Writer", Instructions: "Write."}},
		},
		Edges: []domain.Edge{{Source: "a", Target: "b"}},
	}
}

func newRunJobFixture(t *testing.T, graph domain.PipelineGraph, withCredentials bool) *runJobFixture {
	t.Helper()
	ctx := context.Background()
	logger := zaptest.NewLogger(t)

	store := memory.NewStore()
	require.NoError(t, store.SavePipeline(ctx, &domain.Pipeline{ID: "p1", UserID: "u1", Name: "Blog", Graph: graph}))
	require.NoError(t, store.SavePipeline(ctx, &domain.Pipeline{ID: "p2", UserID: "someone-else", Name: "Other", Graph: graph}))
	if withCredentials {
		require.NoError(t, store.SaveCredential(ctx, &domain.Credential{UserID: "u1", Provider: llm.ProviderMock}))
	}
	require.NoError(t, store.CreateRun(ctx, &domain.Run{
		ID: "r1", PipelineID: "p1", UserID: "u1", Status: domain.RunStatusPending, Input: "go", CreatedAt: time.Now(),
	}))

	events := &eventLog{}
	metrics := promcollector.NewCollector(prometheus.NewRegistry())
	exec := executor.NewExecutor(store, events, metrics, logger, time.Second)
	handler := NewRunJobHandler(store, llm.NewResolver(store, time.Second, logger), exec, events, metrics, logger,
		RunJobConfig{RunTimeout: 5 * time.Second, MaxTokens: 256})

	return &runJobFixture{store: store, events: events, handler: handler}
}

func runJob(t *testing.T, pipelineID string) *domain.Job {
	t.Helper()
	payload, err := json.Marshal(domain.RunJobPayload{RunID: "r1", PipelineID: pipelineID, UserID: "u1", Input: "go"})
	require.NoError(t, err)
	return &domain.Job{ID: "j1", Type: domain.JobTypeRunPipeline, Payload: payload, Attempt: 1}
}

func TestRunJobExecutesPipeline(t *testing.T) {
	ctx := context.Background()
	f := newRunJobFixture(t, twoAgentGraph(), true)

	require.NoError(t, f.handler.Handle(ctx, runJob(t, "p1")))

	run, err := f.store.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCompleted, run.Status)
	assert.NotEmpty(t, run.FinalOutput)

	steps, err := f.store.ListSteps(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, "researcher", steps[0].AgentID)
	assert.Equal(t, "writer", steps[1].AgentID)
	for _, step := range steps {
		assert.Equal(t, domain.RunStatusCompleted, step.Status)
	}

	events := f.events.all()
	require.NotEmpty(t, events)
	assert.Equal(t, domain.EventTypePipelineComplete, events[len(events)-1].Type)
}

func TestRunJobConfigurationFailures(t *testing.T) {
	cyclic := twoAgentGraph()
	cyclic.Edges = append(cyclic.Edges, domain.Edge{Source: "b", Target: "a"})

	tests := []struct {
		name        string
		graph       domain.PipelineGraph
		credentials bool
		pipelineID  string
		wantError   string
	}{
		{
			name:        "missing pipeline",
			graph:       twoAgentGraph(),
			credentials: true,
			pipelineID:  "p-missing",
			wantError:   "pipeline not found: p-missing",
		},
		{
			name:        "foreign pipeline",
			graph:       twoAgentGraph(),
			credentials: true,
			pipelineID:  "p2",
			wantError:   "pipeline not found: p2",
		},
		{
			name:       "missing credentials",
			graph:      twoAgentGraph(),
			pipelineID: "p1",
			wantError:  "no LLM provider configured for user; add an API key in settings",
		},
		{
			name:        "cyclic graph",
			graph:       cyclic,
			credentials: true,
			pipelineID:  "p1",
			wantError:   "pipeline graph contains a cycle among agents: a, b",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			f := newRunJobFixture(t, tt.graph, tt.credentials)

			require.NoError(t, f.handler.Handle(ctx, runJob(t, tt.pipelineID)))

			run, err := f.store.GetRun(ctx, "r1")
			require.NoError(t, err)
			assert.Equal(t, domain.RunStatusFailed, run.Status)
			assert.Equal(t, tt.wantError, run.Error)
			assert.NotNil(t, run.CompletedAt)

			steps, err := f.store.ListSteps(ctx, "r1")
			require.NoError(t, err)
			assert.Empty(t, steps)

			events := f.events.all()
			require.Len(t, events, 1)
			assert.Equal(t, domain.EventTypeError, events[0].Type)
			assert.Equal(t, tt.wantError, events[0].Error)
		})
	}
}

func TestRunJobRedeliveryResetsSteps(t *testing.T) {
	ctx := context.Background()
	f := newRunJobFixture(t, twoAgentGraph(), true)

	// leftovers of an attempt whose worker died mid-run
	require.NoError(t, f.store.MarkRunRunning(ctx, "r1", time.Now()))
	require.NoError(t, f.store.UpsertSteps(ctx, "r1", []*domain.RunStep{
		{RunID: "r1", AgentID: "researcher", StepOrder: 0, Status: domain.RunStatusCompleted, Output: "stale"},
		{RunID: "r1", AgentID: "writer", StepOrder: 1, Status: domain.RunStatusRunning},
		{RunID: "r1", AgentID: "removed", StepOrder: 2, Status: domain.RunStatusPending},
	}))
	before, err := f.store.ListSteps(ctx, "r1")
	require.NoError(t, err)

	job := runJob(t, "p1")
	job.Attempt = 2
	require.NoError(t, f.handler.Handle(ctx, job))

	steps, err := f.store.ListSteps(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, steps, 2)
	for i, step := range steps {
		assert.Equal(t, before[i].ID, step.ID)
		assert.Equal(t, domain.RunStatusCompleted, step.Status)
		assert.NotEqual(t, "stale", step.Output)
	}
}

func TestRunJobSkipsCompletedRun(t *testing.T) {
	ctx := context.Background()
	f := newRunJobFixture(t, twoAgentGraph(), true)
	require.NoError(t, f.store.FinishRun(ctx, "r1", domain.RunStatusCompleted, "done", "", time.Now()))

	require.NoError(t, f.handler.Handle(ctx, runJob(t, "p1")))

	run, err := f.store.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "done", run.FinalOutput)
	assert.Empty(t, f.events.all())
}

func TestRunJobDropsUnusableJobs(t *testing.T) {
	ctx := context.Background()
	f := newRunJobFixture(t, twoAgentGraph(), true)

	assert.NoError(t, f.handler.Handle(ctx, &domain.Job{ID: "bad", Payload: json.RawMessage(`{not json`)}))

	payload, err := json.Marshal(domain.RunJobPayload{RunID: "gone", PipelineID: "p1", UserID: "u1"})
	require.NoError(t, err)
	assert.NoError(t, f.handler.Handle(ctx, &domain.Job{ID: "orphan", Payload: payload}))
	assert.Empty(t, f.events.all())
}

func TestRunJobReturnsInfrastructureErrors(t *testing.T) {
	ctx := context.Background()
	f := newRunJobFixture(t, twoAgentGraph(), true)
	f.handler.store = brokenStore{Store: f.store}

	err := f.handler.Handle(ctx, runJob(t, "p1"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load run")
}

func TestRunJobDeadLetterFailsRun(t *testing.T) {
	ctx := context.Background()
	f := newRunJobFixture(t, twoAgentGraph(), true)
	require.NoError(t, f.store.MarkRunRunning(ctx, "r1", time.Now()))

	job := runJob(t, "p1")
	job.Attempt = 4
	f.handler.HandleDeadLetter(ctx, job, errors.New("failed to load pipeline: connection refused"))

	run, err := f.store.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusFailed, run.Status)
	assert.Equal(t, "run abandoned after 4 attempts: failed to load pipeline: connection refused", run.Error)
	assert.NotNil(t, run.CompletedAt)

	events := f.events.all()
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventTypeError, events[0].Type)
	assert.Equal(t, run.Error, events[0].Error)
}

func TestRunJobDeadLetterLeavesFinishedRun(t *testing.T) {
	ctx := context.Background()
	f := newRunJobFixture(t, twoAgentGraph(), true)
	require.NoError(t, f.store.FinishRun(ctx, "r1", domain.RunStatusCompleted, "done", "", time.Now()))

	f.handler.HandleDeadLetter(ctx, runJob(t, "p1"), errors.New("ack lost"))

	run, err := f.store.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCompleted, run.Status)
	assert.Empty(t, f.events.all())
}

func TestRunJobExhaustedRetriesFailRun(t *testing.T) {
	ctx := context.Background()
	f := newRunJobFixture(t, twoAgentGraph(), true)
	f.handler.store = unreachablePipelines{Store: f.store}

	queue := queuememory.NewQueue()
	pool := NewPool(Config{Size: 1, PollWait: 20 * time.Millisecond, HealthCheckInterval: time.Hour},
		queue, promcollector.NewCollector(prometheus.NewRegistry()), zaptest.NewLogger(t))
	require.NoError(t, pool.RegisterWorker(domain.JobTypeRunPipeline, f.handler.Handle))
	require.NoError(t, pool.OnDeadLetter(domain.JobTypeRunPipeline, f.handler.HandleDeadLetter))
	require.NoError(t, pool.Start())

	payload := domain.RunJobPayload{RunID: "r1", PipelineID: "p1", UserID: "u1", Input: "go"}
	_, err := queue.Enqueue(ctx, domain.JobTypeRunPipeline, payload, domain.JobOptions{RetryLimit: 1})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		run, err := f.store.GetRun(ctx, "r1")
		return err == nil && run.Status.IsTerminal()
	}, 2*time.Second, 10*time.Millisecond)
	shutdown(t, pool)

	run, err := f.store.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusFailed, run.Status)
	assert.Contains(t, run.Error, "run abandoned after 2 attempts")
	assert.Contains(t, run.Error, "connection refused")
	assert.Len(t, queue.DeadLetters(domain.JobTypeRunPipeline), 1)

	events := f.events.all()
	require.NotEmpty(t, events)
	assert.Equal(t, domain.EventTypeError, events[len(events)-1].Type)
}
