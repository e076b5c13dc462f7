package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aescanero/agentpipe/pkg/domain"
	"github.com/aescanero/agentpipe/pkg/ports"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// persistTimeout bounds failure bookkeeping done after the run context ended
const persistTimeout = 10 * time.Second

// ExecuteRequest describes one run of a linearized pipeline
type ExecuteRequest struct {
	RunID     string
	Steps     []domain.ExecutionStep
	Input     string
	Variables map[string]string
	Provider  ports.ChatProvider
	Model     string
	MaxTokens int

	// StartedAt is recorded as the run start; zero means now
	StartedAt time.Time
}

// Executor runs pipelines step by step
type Executor struct {
	store       ports.RunStore
	events      ports.EventPublisher
	metrics     ports.MetricsCollector
	logger      *zap.Logger
	tracer      trace.Tracer
	stepTimeout time.Duration
}

// NewExecutor creates a new pipeline executor. stepTimeout bounds each
// provider call; zero disables it.
func NewExecutor(
	store ports.RunStore,
	events ports.EventPublisher,
	metrics ports.MetricsCollector,
	logger *zap.Logger,
	stepTimeout time.Duration,
) *Executor {
	return &Executor{
		store:       store,
		events:      events,
		metrics:     metrics,
		logger:      logger,
		tracer:      otel.Tracer("agentpipe.executor"),
		stepTimeout: stepTimeout,
	}
}

// Execute runs every step in order. It never returns an error: a failure
// marks the run failed, publishes an error event and stops.
func (e *Executor) Execute(ctx context.Context, req ExecuteRequest) {
	started := req.StartedAt
	if started.IsZero() {
		started = time.Now()
	}

	ctx, span := e.tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("run.id", req.RunID),
		attribute.Int("run.steps", len(req.Steps)),
		attribute.String("llm.model", req.Model),
	))
	defer span.End()

	logger := e.logger.With(zap.String("run_id", req.RunID))

	if err := e.store.MarkRunRunning(ctx, req.RunID, started); err != nil {
		e.failRun(ctx, req, nil, fmt.Errorf("failed to mark run running: %w", err), started, span)
		return
	}
	logger.Info("run started", zap.Int("steps", len(req.Steps)), zap.String("model", req.Model))

	var usage domain.Usage
	current := req.Input
	for i := range req.Steps {
		step := req.Steps[i]
		output, stepUsage, err := e.executeStep(ctx, req, step, current)
		if err != nil {
			e.failRun(ctx, req, &step, err, started, span)
			return
		}
		usage.Add(stepUsage)
		current = output
	}

	if err := e.store.FinishRun(ctx, req.RunID, domain.RunStatusCompleted, current, "", time.Now()); err != nil {
		e.failRun(ctx, req, nil, fmt.Errorf("failed to complete run: %w", err), started, span)
		return
	}

	e.events.Publish(req.RunID, domain.NewPipelineCompleteEvent(req.RunID, current, usage, req.Model))
	e.metrics.RecordRunCompleted(string(domain.RunStatusCompleted), time.Since(started))
	span.SetAttributes(
		attribute.Int64("llm.usage.input_tokens", usage.InputTokens),
		attribute.Int64("llm.usage.output_tokens", usage.OutputTokens),
	)

	logger.Info("run completed",
		zap.Duration("duration", time.Since(started)),
		zap.Int64("input_tokens", usage.InputTokens),
		zap.Int64("output_tokens", usage.OutputTokens))
}

// executeStep runs one step and returns its output and token usage
func (e *Executor) executeStep(ctx context.Context, req ExecuteRequest, step domain.ExecutionStep, input string) (string, domain.Usage, error) {
	ctx, span := e.tracer.Start(ctx, "pipeline.step", trace.WithAttributes(
		attribute.String("run.id", req.RunID),
		attribute.Int("step.order", step.Order),
		attribute.String("agent.id", step.AgentID),
		attribute.String("agent.name", step.AgentName),
	))
	defer span.End()

	started := time.Now()
	record := &domain.RunStep{
		RunID:     req.RunID,
		AgentID:   step.AgentID,
		AgentName: step.AgentName,
		StepOrder: step.Order,
		Status:    domain.RunStatusRunning,
		Input:     input,
		StartedAt: &started,
	}

	if err := e.store.UpdateStep(ctx, record); err != nil {
		return "", domain.Usage{}, e.stepFailed(ctx, span, record, started, fmt.Errorf("failed to persist step start: %w", err))
	}
	e.events.Publish(req.RunID, domain.NewStepStartEvent(req.RunID, step, len(req.Steps)))

	e.logger.Debug("step started",
		zap.String("run_id", req.RunID),
		zap.Int("step", step.Order),
		zap.String("agent_id", step.AgentID))

	chatReq := &domain.ChatRequest{
		Model:     req.Model,
		MaxTokens: req.MaxTokens,
		System:    ComposeSystemPrompt(step.TraitContext, ResolveVariables(step.Instructions, req.Variables)),
		Messages:  []domain.Message{{Role: "user", Content: userMessage(input)}},
	}

	resp, err := e.callProvider(ctx, req, step, chatReq)
	if err != nil {
		return "", domain.Usage{}, e.stepFailed(ctx, span, record, started, err)
	}

	completed := time.Now()
	record.Status = domain.RunStatusCompleted
	record.Output = resp.Content
	record.CompletedAt = &completed
	if err := e.store.UpdateStep(ctx, record); err != nil {
		return "", domain.Usage{}, e.stepFailed(ctx, span, record, started, fmt.Errorf("failed to persist step completion: %w", err))
	}

	complete := domain.NewStepCompleteEvent(req.RunID, step, resp.Content, resp.Usage)
	complete.Citations = resp.Citations
	e.events.Publish(req.RunID, complete)
	e.metrics.RecordStepExecuted(string(domain.RunStatusCompleted), completed.Sub(started))

	e.logger.Info("step completed",
		zap.String("run_id", req.RunID),
		zap.Int("step", step.Order),
		zap.String("agent_id", step.AgentID),
		zap.Duration("duration", completed.Sub(started)))

	return resp.Content, resp.Usage, nil
}

// callProvider invokes the provider under the step timeout, streaming text
// deltas to subscribers when the provider supports it
func (e *Executor) callProvider(ctx context.Context, req ExecuteRequest, step domain.ExecutionStep, chatReq *domain.ChatRequest) (*domain.ChatResponse, error) {
	if req.Provider == nil {
		return nil, fmt.Errorf("no LLM provider for run %s", req.RunID)
	}

	callCtx := ctx
	if e.stepTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, e.stepTimeout)
		defer cancel()
	}

	callStarted := time.Now()
	var resp *domain.ChatResponse
	var err error
	if streaming, ok := req.Provider.(ports.StreamingChatProvider); ok {
		resp, err = streaming.ChatStream(callCtx, chatReq, func(text string) {
			e.events.Publish(req.RunID, domain.NewTextDeltaEvent(req.RunID, step, text))
		})
	} else {
		resp, err = req.Provider.Chat(callCtx, chatReq)
	}

	if err != nil {
		switch {
		case ctx.Err() != nil:
			return nil, fmt.Errorf("run deadline exceeded: %w", err)
		case errors.Is(callCtx.Err(), context.DeadlineExceeded):
			return nil, fmt.Errorf("step timed out after %s: %w", e.stepTimeout, err)
		}
		return nil, err
	}
	if resp == nil {
		return nil, fmt.Errorf("provider returned no response")
	}

	e.metrics.RecordLLMCall(req.Model, time.Since(callStarted), resp.Usage)
	return resp, nil
}

// stepFailed records the failure on the step row and span, returning err
func (e *Executor) stepFailed(ctx context.Context, span trace.Span, record *domain.RunStep, started time.Time, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	completed := time.Now()
	record.Status = domain.RunStatusFailed
	record.Error = err.Error()
	record.CompletedAt = &completed

	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if uerr := e.store.UpdateStep(persistCtx, record); uerr != nil {
		e.logger.Error("failed to persist step failure",
			zap.String("run_id", record.RunID),
			zap.Int("step", record.StepOrder),
			zap.Error(uerr))
	}

	e.metrics.RecordStepExecuted(string(domain.RunStatusFailed), completed.Sub(started))
	return err
}

// failRun moves the run to failed and publishes the error event
func (e *Executor) failRun(ctx context.Context, req ExecuteRequest, step *domain.ExecutionStep, err error, started time.Time, span trace.Span) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	msg := err.Error()
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if ferr := e.store.FinishRun(persistCtx, req.RunID, domain.RunStatusFailed, "", msg, time.Now()); ferr != nil {
		e.logger.Error("failed to persist run failure",
			zap.String("run_id", req.RunID),
			zap.Error(ferr))
	}

	e.events.Publish(req.RunID, domain.NewErrorEvent(req.RunID, step, msg))
	e.metrics.RecordRunCompleted(string(domain.RunStatusFailed), time.Since(started))

	fields := []zap.Field{zap.String("run_id", req.RunID), zap.Error(err)}
	if step != nil {
		fields = append(fields, zap.Int("step", step.Order), zap.String("agent_id", step.AgentID))
	}
	e.logger.Error("run failed", fields...)
}
