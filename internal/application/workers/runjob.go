package workers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aescanero/agentpipe/internal/application/executor"
	"github.com/aescanero/agentpipe/internal/application/orchestrator"
	"github.com/aescanero/agentpipe/pkg/domain"
	"github.com/aescanero/agentpipe/pkg/ports"
	"go.uber.org/zap"
)

const noCredentialsMessage = "no LLM provider configured for user; add an API key in settings"

// RunJobStore is the storage the run job handler needs
type RunJobStore interface {
	ports.RunStore
	ports.GraphStore
}

// RunJobConfig holds run execution limits
type RunJobConfig struct {
	RunTimeout time.Duration
	MaxTokens  int
}

// RunJobHandler prepares and executes one run per run-pipeline job
type RunJobHandler struct {
	store     RunJobStore
	resolver  ports.CredentialResolver
	validator *orchestrator.Validator
	executor  *executor.Executor
	events    ports.EventPublisher
	metrics   ports.MetricsCollector
	logger    *zap.Logger
	cfg       RunJobConfig
}

// NewRunJobHandler creates a new run job handler
func NewRunJobHandler(
	store RunJobStore,
	resolver ports.CredentialResolver,
	exec *executor.Executor,
	events ports.EventPublisher,
	metrics ports.MetricsCollector,
	logger *zap.Logger,
	cfg RunJobConfig,
) *RunJobHandler {
	return &RunJobHandler{
		store:     store,
		resolver:  resolver,
		validator: orchestrator.NewValidator(),
		executor:  exec,
		events:    events,
		metrics:   metrics,
		logger:    logger,
		cfg:       cfg,
	}
}

// Handle runs the job's pipeline. Configuration problems are persisted on
// the run and swallowed; only infrastructure errors are returned so the
// queue retries the job.
func (h *RunJobHandler) Handle(ctx context.Context, job *domain.Job) error {
	var payload domain.RunJobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil || payload.RunID == "" {
		h.logger.Error("dropping malformed run job",
			zap.String("job_id", job.ID),
			zap.Error(err))
		return nil
	}

	logger := h.logger.With(
		zap.String("run_id", payload.RunID),
		zap.String("job_id", job.ID))

	run, err := h.store.GetRun(ctx, payload.RunID)
	if errors.Is(err, domain.ErrRunNotFound) {
		logger.Warn("run no longer exists, dropping job")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load run: %w", err)
	}
	if run.Status == domain.RunStatusCompleted {
		logger.Info("run already completed, skipping redelivery")
		return nil
	}

	startedAt := time.Now()
	if err := h.store.MarkRunRunning(ctx, run.ID, startedAt); err != nil {
		return fmt.Errorf("failed to mark run running: %w", err)
	}

	pipeline, err := h.store.GetPipeline(ctx, payload.PipelineID)
	switch {
	case errors.Is(err, domain.ErrPipelineNotFound):
		return h.failConfig(ctx, run.ID, startedAt, fmt.Sprintf("pipeline not found: %s", payload.PipelineID))
	case err != nil:
		return fmt.Errorf("failed to load pipeline: %w", err)
	case pipeline.UserID != run.UserID:
		return h.failConfig(ctx, run.ID, startedAt, fmt.Sprintf("pipeline not found: %s", payload.PipelineID))
	}

	handle, err := h.resolver.Resolve(ctx, run.UserID)
	if err != nil {
		var cfgErr *domain.ConfigError
		switch {
		case errors.Is(err, domain.ErrCredentialsNotConfigured):
			return h.failConfig(ctx, run.ID, startedAt, noCredentialsMessage)
		case errors.As(err, &cfgErr):
			return h.failConfig(ctx, run.ID, startedAt, cfgErr.Message)
		}
		return fmt.Errorf("failed to resolve credentials: %w", err)
	}

	if err := h.validator.Validate(&pipeline.Graph); err != nil {
		return h.failConfig(ctx, run.ID, startedAt, err.Error())
	}

	steps := orchestrator.Linearize(pipeline.Graph.Nodes, pipeline.Graph.Edges)

	rows := make([]*domain.RunStep, len(steps))
	for i, step := range steps {
		rows[i] = &domain.RunStep{
			RunID:     run.ID,
			AgentID:   step.AgentID,
			AgentName: step.AgentName,
			StepOrder: step.Order,
			Status:    domain.RunStatusPending,
		}
	}
	if err := h.store.UpsertSteps(ctx, run.ID, rows); err != nil {
		return fmt.Errorf("failed to create run steps: %w", err)
	}

	logger.Info("executing run",
		zap.String("pipeline_id", pipeline.ID),
		zap.Int("steps", len(steps)),
		zap.String("provider", handle.Name),
		zap.String("model", handle.Model),
		zap.Int("attempt", job.Attempt))

	runCtx := ctx
	if h.cfg.RunTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, h.cfg.RunTimeout)
		defer cancel()
	}

	h.executor.Execute(runCtx, executor.ExecuteRequest{
		RunID:     run.ID,
		Steps:     steps,
		Input:     payload.Input,
		Variables: payload.Variables,
		Provider:  handle.Provider,
		Model:     handle.Model,
		MaxTokens: h.cfg.MaxTokens,
		StartedAt: startedAt,
	})
	return nil
}

// failConfig records a configuration failure on the run. It returns an
// error only when the failure itself cannot be persisted.
// HandleDeadLetter fails a run whose job ran out of attempts, so clients
// watching it receive an outcome
func (h *RunJobHandler) HandleDeadLetter(ctx context.Context, job *domain.Job, cause error) {
	var payload domain.RunJobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil || payload.RunID == "" {
		return
	}
	logger := h.logger.With(
		zap.String("run_id", payload.RunID),
		zap.String("job_id", job.ID))

	run, err := h.store.GetRun(ctx, payload.RunID)
	if err != nil {
		logger.Error("failed to load run of dead-lettered job", zap.Error(err))
		return
	}
	if run.Status.IsTerminal() {
		return
	}

	msg := fmt.Sprintf("run abandoned after %d attempts: %v", job.Attempt, cause)
	if err := h.store.FinishRun(ctx, run.ID, domain.RunStatusFailed, "", msg, time.Now()); err != nil {
		logger.Error("failed to mark dead-lettered run failed", zap.Error(err))
		return
	}
	h.events.Publish(run.ID, domain.NewErrorEvent(run.ID, nil, msg))

	started := run.CreatedAt
	if run.StartedAt != nil {
		started = *run.StartedAt
	}
	h.metrics.RecordRunCompleted(string(domain.RunStatusFailed), time.Since(started))
	logger.Error("run failed, job retries exhausted", zap.String("error", msg))
}

func (h *RunJobHandler) failConfig(ctx context.Context, runID string, startedAt time.Time, msg string) error {
	h.logger.Warn("run failed before execution",
		zap.String("run_id", runID),
		zap.String("error", msg))

	if err := h.store.FinishRun(ctx, runID, domain.RunStatusFailed, "", msg, time.Now()); err != nil {
		return fmt.Errorf("failed to mark run failed: %w", err)
	}
	h.events.Publish(runID, domain.NewErrorEvent(runID, nil, msg))
	h.metrics.RecordRunCompleted(string(domain.RunStatusFailed), time.Since(startedAt))
	return nil
}
