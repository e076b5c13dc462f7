package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/aescanero/agentpipe/pkg/domain"
	"github.com/google/uuid"
)

// Store implements ports.Store using in-memory maps
// This is for testing purposes only
type Store struct {
	runs        map[string]*domain.Run
	steps       map[string]map[int]*domain.RunStep
	pipelines   map[string]*domain.Pipeline
	credentials map[string]*domain.Credential
	mu          sync.RWMutex
}

// NewStore creates a new in-memory store
func NewStore() *Store {
	return &Store{
		runs:        make(map[string]*domain.Run),
		steps:       make(map[string]map[int]*domain.RunStep),
		pipelines:   make(map[string]*domain.Pipeline),
		credentials: make(map[string]*domain.Credential),
	}
}

// CreateRun stores a new run
func (s *Store) CreateRun(ctx context.Context, run *domain.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.runs[run.ID]; exists {
		return fmt.Errorf("run already exists: %s", run.ID)
	}
	s.runs[run.ID] = copyRun(run)
	return nil
}

// GetRun returns a copy of the run
func (s *Store) GetRun(ctx context.Context, runID string) (*domain.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[runID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrRunNotFound, runID)
	}
	return copyRun(run), nil
}

// ListRuns returns the user's most recent runs
func (s *Store) ListRuns(ctx context.Context, userID string, limit int) ([]*domain.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runs := make([]*domain.Run, 0)
	for _, run := range s.runs {
		if run.UserID == userID {
			runs = append(runs, copyRun(run))
		}
	}
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].CreatedAt.After(runs[j].CreatedAt)
	})
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

// MarkRunRunning transitions a run to running
func (s *Store) MarkRunRunning(ctx context.Context, runID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrRunNotFound, runID)
	}
	run.Status = domain.RunStatusRunning
	run.StartedAt = &at
	run.Error = ""
	run.FinalOutput = ""
	run.CompletedAt = nil
	return nil
}

// FinishRun moves a run to a terminal state
func (s *Store) FinishRun(ctx context.Context, runID string, status domain.RunStatus, finalOutput, errMsg string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrRunNotFound, runID)
	}
	run.Status = status
	run.FinalOutput = finalOutput
	run.Error = errMsg
	run.CompletedAt = &at
	return nil
}

// UpsertSteps writes steps keyed by (run id, step order) and drops any
// rows beyond the new step count
func (s *Store) UpsertSteps(ctx context.Context, runID string, steps []*domain.RunStep) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[runID]; !ok {
		return fmt.Errorf("%w: %s", domain.ErrRunNotFound, runID)
	}
	if s.steps[runID] == nil {
		s.steps[runID] = make(map[int]*domain.RunStep)
	}
	for _, step := range steps {
		stored := *step
		stored.RunID = runID
		if existing, ok := s.steps[runID][step.StepOrder]; ok {
			stored.ID = existing.ID
		} else if stored.ID == "" {
			stored.ID = uuid.New().String()
		}
		step.ID = stored.ID
		s.steps[runID][step.StepOrder] = &stored
	}
	for order := range s.steps[runID] {
		if order >= len(steps) {
			delete(s.steps[runID], order)
		}
	}
	return nil
}

// UpdateStep overwrites a step's mutable fields
func (s *Store) UpdateStep(ctx context.Context, step *domain.RunStep) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.steps[step.RunID][step.StepOrder]
	if !ok {
		return fmt.Errorf("step %d not found for run %s", step.StepOrder, step.RunID)
	}
	stored := *step
	stored.ID = existing.ID
	s.steps[step.RunID][step.StepOrder] = &stored
	return nil
}

// ListSteps returns a run's steps ordered by step order
func (s *Store) ListSteps(ctx context.Context, runID string) ([]*domain.RunStep, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	steps := make([]*domain.RunStep, 0, len(s.steps[runID]))
	for _, step := range s.steps[runID] {
		stepCopy := *step
		steps = append(steps, &stepCopy)
	}
	sort.Slice(steps, func(i, j int) bool {
		return steps[i].StepOrder < steps[j].StepOrder
	})
	return steps, nil
}

// GetPipeline returns a stored pipeline
func (s *Store) GetPipeline(ctx context.Context, pipelineID string) (*domain.Pipeline, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.pipelines[pipelineID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrPipelineNotFound, pipelineID)
	}
	pipelineCopy := *p
	return &pipelineCopy, nil
}

// SavePipeline creates or replaces a pipeline
func (s *Store) SavePipeline(ctx context.Context, pipeline *domain.Pipeline) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	stored := *pipeline
	if existing, ok := s.pipelines[pipeline.ID]; ok {
		stored.CreatedAt = existing.CreatedAt
	} else if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	s.pipelines[pipeline.ID] = &stored
	return nil
}

// GetCredential returns a user's credential
func (s *Store) GetCredential(ctx context.Context, userID string) (*domain.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.credentials[userID]
	if !ok {
		return nil, fmt.Errorf("%w: user %s", domain.ErrCredentialsNotConfigured, userID)
	}
	credCopy := *c
	return &credCopy, nil
}

// SaveCredential creates or replaces a user's credential
func (s *Store) SaveCredential(ctx context.Context, cred *domain.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *cred
	stored.UpdatedAt = time.Now()
	s.credentials[cred.UserID] = &stored
	return nil
}

// Close is a no-op for the in-memory store
func (s *Store) Close() error {
	return nil
}

func copyRun(run *domain.Run) *domain.Run {
	runCopy := *run
	if run.Variables != nil {
		runCopy.Variables = make(map[string]string, len(run.Variables))
		for k, v := range run.Variables {
			runCopy.Variables[k] = v
		}
	}
	return &runCopy
}
