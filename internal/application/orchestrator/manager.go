package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aescanero/agentpipe/pkg/domain"
	"github.com/aescanero/agentpipe/pkg/ports"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Store is the subset of storage the manager needs
type Store interface {
	ports.RunStore
	ports.GraphStore
}

// Manager is the client-facing entry point for runs: it creates Run
// records, enqueues run-pipeline jobs and serves ownership-checked reads.
type Manager struct {
	store   Store
	queue   ports.JobQueue
	metrics ports.MetricsCollector
	logger  *zap.Logger
	jobOpts domain.JobOptions
}

// NewManager creates a new run manager
func NewManager(
	store Store,
	queue ports.JobQueue,
	metrics ports.MetricsCollector,
	logger *zap.Logger,
	jobOpts domain.JobOptions,
) *Manager {
	return &Manager{
		store:   store,
		queue:   queue,
		metrics: metrics,
		logger:  logger,
		jobOpts: jobOpts,
	}
}

// SubmitRun creates a pending run for the user's pipeline and enqueues it
func (m *Manager) SubmitRun(ctx context.Context, pipelineID, userID, input string, variables map[string]string) (string, error) {
	pipeline, err := m.store.GetPipeline(ctx, pipelineID)
	if err != nil {
		return "", err
	}
	if pipeline.UserID != userID {
		return "", fmt.Errorf("%w: %s", domain.ErrPipelineNotFound, pipelineID)
	}

	run := &domain.Run{
		ID:         uuid.New().String(),
		PipelineID: pipelineID,
		UserID:     userID,
		Status:     domain.RunStatusPending,
		Input:      input,
		Variables:  variables,
		CreatedAt:  time.Now(),
	}

	if err := m.store.CreateRun(ctx, run); err != nil {
		m.logger.Error("failed to create run",
			zap.String("pipeline_id", pipelineID),
			zap.Error(err))
		return "", fmt.Errorf("failed to create run: %w", err)
	}

	payload := domain.RunJobPayload{
		RunID:      run.ID,
		PipelineID: pipelineID,
		UserID:     userID,
		Input:      input,
		Variables:  variables,
	}

	jobID, err := m.queue.Enqueue(ctx, domain.JobTypeRunPipeline, payload, m.jobOpts)
	if err != nil {
		m.logger.Error("failed to enqueue run",
			zap.String("run_id", run.ID),
			zap.Error(err))

		// Nothing will ever pick the run up, so it must not stay pending
		msg := fmt.Sprintf("failed to enqueue run: %v", err)
		if ferr := m.store.FinishRun(ctx, run.ID, domain.RunStatusFailed, "", msg, time.Now()); ferr != nil {
			m.logger.Error("failed to mark run failed",
				zap.String("run_id", run.ID),
				zap.Error(ferr))
		}
		m.metrics.RecordRunSubmitted(string(domain.RunStatusFailed))
		return "", fmt.Errorf("failed to enqueue run: %w", err)
	}

	m.metrics.RecordRunSubmitted(string(domain.RunStatusPending))
	m.logger.Info("run submitted",
		zap.String("run_id", run.ID),
		zap.String("pipeline_id", pipelineID),
		zap.String("user_id", userID),
		zap.String("job_id", jobID))

	return run.ID, nil
}

// GetRun returns a run owned by the user. A foreign run is reported as
// missing so run ids do not leak across users.
func (m *Manager) GetRun(ctx context.Context, runID, userID string) (*domain.Run, error) {
	run, err := m.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.UserID != userID {
		return nil, fmt.Errorf("%w: %s", domain.ErrRunNotFound, runID)
	}
	return run, nil
}

// ListSteps returns the steps of a run owned by the user
func (m *Manager) ListSteps(ctx context.Context, runID, userID string) ([]*domain.RunStep, error) {
	if _, err := m.GetRun(ctx, runID, userID); err != nil {
		return nil, err
	}
	steps, err := m.store.ListSteps(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list steps: %w", err)
	}
	return steps, nil
}

// ListRuns returns the user's most recent runs
func (m *Manager) ListRuns(ctx context.Context, userID string, limit int) ([]*domain.Run, error) {
	runs, err := m.store.ListRuns(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	return runs, nil
}

// IsNotFound reports whether err means the requested resource does not exist
// for the caller
func IsNotFound(err error) bool {
	return errors.Is(err, domain.ErrRunNotFound) || errors.Is(err, domain.ErrPipelineNotFound)
}
