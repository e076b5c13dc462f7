package executor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aescanero/agentpipe/pkg/adapters/llm/mock"
	promcollector "github.com/aescanero/agentpipe/pkg/adapters/metrics/prometheus"
	"github.com/aescanero/agentpipe/pkg/adapters/storage/memory"
	"github.com/aescanero/agentpipe/pkg/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type recorder struct {
	mu     sync.Mutex
	events []domain.RunEvent
}

func (r *recorder) Publish(runID string, event domain.RunEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recorder) types() []domain.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	var types []domain.EventType
	for _, ev := range r.events {
		if ev.Type != domain.EventTypeTextDelta {
			types = append(types, ev.Type)
		}
	}
	return types
}

func (r *recorder) last() domain.RunEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

// chatOnly hides the streaming capability of the wrapped provider
type chatOnly struct {
	client *mock.Client
}

func (c chatOnly) Chat(ctx context.Context, req *domain.ChatRequest) (*domain.ChatResponse, error) {
	return c.client.Chat(ctx, req)
}

type fixture struct {
	store    *memory.Store
	events   *recorder
	executor *Executor
}

func setup(t *testing.T, stepTimeout time.Duration, steps []domain.ExecutionStep) *fixture {
	t.Helper()
	ctx := context.Background()

	store := memory.NewStore()
	require.NoError(t, store.CreateRun(ctx, &domain.Run{
		ID: "r1", PipelineID: "p1", UserID: "u1", Status: domain.RunStatusPending, CreatedAt: time.Now(),
	}))

	rows := make([]*domain.RunStep, len(steps))
	for i, step := range steps {
		rows[i] = &domain.RunStep{RunID: "r1", AgentID: step.AgentID, AgentName: step.AgentName, StepOrder: step.Order, Status: domain.RunStatusPending}
	}
	require.NoError(t, store.UpsertSteps(ctx, "r1", rows))

	events := &recorder{}
	metrics := promcollector.NewCollector(prometheus.NewRegistry())
	return &fixture{
		store:    store,
		events:   events,
		executor: NewExecutor(store, events, metrics, zaptest.NewLogger(t), stepTimeout),
	}
}

func threeSteps() []domain.ExecutionStep {
	return []domain.ExecutionStep{
		{Order: 0, AgentID: "a", AgentName: "Researcher", Instructions: "Research."},
		{Order: 1, AgentID: "b", AgentName: "Writer", Instructions: "Write."},
		{Order: 2, AgentID: "c", AgentName: "Editor", Instructions: "Edit."},
	}
}

func TestExecuteCompletesAndChainsOutputs(t *testing.T) {
	ctx := context.Background()
	steps := threeSteps()
	f := setup(t, 0, steps)

	provider := mock.NewClient()
	provider.Reply = func(req *domain.ChatRequest) (string, error) {
		return req.Messages[0].Content + "+" + req.System, nil
	}

	f.executor.Execute(ctx, ExecuteRequest{RunID: "r1", Steps: steps, Input: "topic", Provider: provider, Model: "m1"})

	run, err := f.store.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCompleted, run.Status)
	assert.Equal(t, "topic+Research.+Write.+Edit.", run.FinalOutput)
	assert.NotNil(t, run.CompletedAt)

	rows, err := f.store.ListSteps(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "topic", rows[0].Input)
	assert.Equal(t, "topic+Research.", rows[1].Input)
	for _, row := range rows {
		assert.Equal(t, domain.RunStatusCompleted, row.Status)
		assert.NotNil(t, row.StartedAt)
		assert.NotNil(t, row.CompletedAt)
	}

	assert.Equal(t, []domain.EventType{
		domain.EventTypeStepStart, domain.EventTypeStepComplete,
		domain.EventTypeStepStart, domain.EventTypeStepComplete,
		domain.EventTypeStepStart, domain.EventTypeStepComplete,
		domain.EventTypePipelineComplete,
	}, f.events.types())

	final := f.events.last()
	assert.Equal(t, run.FinalOutput, final.FinalOutput)
	assert.Equal(t, "m1", final.Model)
	require.NotNil(t, final.Usage)
	assert.Positive(t, final.Usage.OutputTokens)
}

func TestExecuteStreamsTextDeltas(t *testing.T) {
	steps := threeSteps()[:1]
	f := setup(t, 0, steps)

	provider := mock.NewClient()
	provider.ChunkSize = 4
	provider.Reply = func(req *domain.ChatRequest) (string, error) { return "streamed output", nil }

	f.executor.Execute(context.Background(), ExecuteRequest{RunID: "r1", Steps: steps, Provider: provider})

	var text strings.Builder
	for _, ev := range f.events.events {
		if ev.Type == domain.EventTypeTextDelta {
			require.NotNil(t, ev.StepIndex)
			assert.Equal(t, 0, *ev.StepIndex)
			text.WriteString(ev.Text)
		}
	}
	assert.Equal(t, "streamed output", text.String())
}

func TestExecuteNonStreamingProviderSendsNoDeltas(t *testing.T) {
	steps := threeSteps()[:1]
	f := setup(t, 0, steps)

	f.executor.Execute(context.Background(), ExecuteRequest{RunID: "r1", Steps: steps, Provider: chatOnly{mock.NewClient()}})

	for _, ev := range f.events.events {
		assert.NotEqual(t, domain.EventTypeTextDelta, ev.Type)
	}
	assert.Equal(t, domain.EventTypePipelineComplete, f.events.last().Type)
}

func TestExecuteSubstitutesVariables(t *testing.T) {
	steps := []domain.ExecutionStep{
		{Order: 0, AgentID: "a", AgentName: "First", Instructions: "Start."},
		{Order: 1, AgentID: "b", AgentName: "Second", Instructions: "Write about {{topic}} and {{missing}}."},
	}
	f := setup(t, 0, steps)
	provider := mock.NewClient()

	f.executor.Execute(context.Background(), ExecuteRequest{
		RunID:     "r1",
		Steps:     steps,
		Provider:  provider,
		Variables: map[string]string{"topic": "cats"},
	})

	requests := provider.Requests()
	require.Len(t, requests, 2)
	assert.Equal(t, "Write about cats and {{missing}}.", requests[1].System)
}

func TestExecuteComposesTraitContextAndEmptyInput(t *testing.T) {
	steps := []domain.ExecutionStep{
		{Order: 0, AgentID: "a", AgentName: "A", Instructions: "Do it.", TraitContext: "Be terse."},
	}
	f := setup(t, 0, steps)
	provider := mock.NewClient()

	f.executor.Execute(context.Background(), ExecuteRequest{RunID: "r1", Steps: steps, Provider: provider, Model: "m", MaxTokens: 99})

	requests := provider.Requests()
	require.Len(t, requests, 1)
	assert.Equal(t, "Be terse.\n\n---\n\nDo it.", requests[0].System)
	assert.Equal(t, EmptyInputPrompt, requests[0].Messages[0].Content)
	assert.Equal(t, "user", requests[0].Messages[0].Role)
	assert.Equal(t, "m", requests[0].Model)
	assert.Equal(t, 99, requests[0].MaxTokens)
}

func TestExecuteFailureOnStepTwoOfThree(t *testing.T) {
	ctx := context.Background()
	steps := threeSteps()
	f := setup(t, 0, steps)

	provider := mock.NewClient()
	provider.Reply = func(req *domain.ChatRequest) (string, error) {
		if req.System == "Write." {
			return "", errors.New("provider rejected the request: overloaded")
		}
		return "ok", nil
	}

	f.executor.Execute(ctx, ExecuteRequest{RunID: "r1", Steps: steps, Input: "x", Provider: provider})

	run, err := f.store.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusFailed, run.Status)
	assert.Equal(t, "provider rejected the request: overloaded", run.Error)
	assert.Empty(t, run.FinalOutput)

	rows, err := f.store.ListSteps(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, domain.RunStatusCompleted, rows[0].Status)
	assert.Equal(t, "ok", rows[0].Output)
	assert.Equal(t, domain.RunStatusFailed, rows[1].Status)
	assert.Equal(t, "provider rejected the request: overloaded", rows[1].Error)
	assert.Equal(t, domain.RunStatusPending, rows[2].Status)
	assert.Nil(t, rows[2].StartedAt)

	assert.Len(t, provider.Requests(), 2)
	assert.Equal(t, []domain.EventType{
		domain.EventTypeStepStart, domain.EventTypeStepComplete,
		domain.EventTypeStepStart, domain.EventTypeError,
	}, f.events.types())

	last := f.events.last()
	assert.Equal(t, "provider rejected the request: overloaded", last.Error)
	require.NotNil(t, last.StepIndex)
	assert.Equal(t, 1, *last.StepIndex)
}

func TestExecuteStepTimeout(t *testing.T) {
	ctx := context.Background()
	steps := threeSteps()[:1]
	f := setup(t, 20*time.Millisecond, steps)

	blocking := mock.NewClient()
	blocking.Reply = func(req *domain.ChatRequest) (string, error) {
		time.Sleep(100 * time.Millisecond)
		return "late", nil
	}

	f.executor.Execute(ctx, ExecuteRequest{RunID: "r1", Steps: steps, Provider: blocking})

	run, err := f.store.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusFailed, run.Status)
	assert.Contains(t, run.Error, "step timed out")
}

func TestExecuteMissingRunFails(t *testing.T) {
	f := setup(t, 0, nil)

	f.executor.Execute(context.Background(), ExecuteRequest{RunID: "ghost", Provider: mock.NewClient()})

	assert.Equal(t, []domain.EventType{domain.EventTypeError}, f.events.types())
}

func TestExecuteAttachesCitationsToStepComplete(t *testing.T) {
	ctx := context.Background()
	steps := threeSteps()[:1]
	f := setup(t, 0, steps)

	provider := mock.NewClient()
	provider.Citations = []domain.Citation{{URL: "https://example.com/paper", Title: "Paper", Text: "a finding"}}

	f.executor.Execute(ctx, ExecuteRequest{RunID: "r1", Steps: steps, Input: "topic", Provider: provider, Model: "m1"})

	f.events.mu.Lock()
	defer f.events.mu.Unlock()
	var complete *domain.RunEvent
	for i := range f.events.events {
		if f.events.events[i].Type == domain.EventTypeStepComplete {
			complete = &f.events.events[i]
		}
	}
	require.NotNil(t, complete)
	assert.Equal(t, provider.Citations, complete.Citations)
}
