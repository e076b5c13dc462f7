package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/aescanero/agentpipe/pkg/domain"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const keyPrefix = "agentpipe:"

// Store implements ports.Store as JSON documents in Redis.
// Runs and their steps expire after ttl; pipelines and credentials do not.
type Store struct {
	client *redis.Client
	logger *zap.Logger
	ttl    time.Duration
}

// NewStore creates a new Redis store
func NewStore(client *redis.Client, ttl time.Duration, logger *zap.Logger) *Store {
	return &Store{
		client: client,
		logger: logger,
		ttl:    ttl,
	}
}

// Close is a no-op; the Redis client is shared and closed by its owner
func (s *Store) Close() error {
	return nil
}

// CreateRun stores a new run and indexes it under its user
func (s *Store) CreateRun(ctx context.Context, run *domain.Run) error {
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to marshal run: %w", err)
	}

	created, err := s.client.SetNX(ctx, runKey(run.ID), data, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}
	if !created {
		return fmt.Errorf("run already exists: %s", run.ID)
	}

	if err := s.client.ZAdd(ctx, userRunsKey(run.UserID), redis.Z{
		Score:  float64(run.CreatedAt.UnixNano()),
		Member: run.ID,
	}).Err(); err != nil {
		return fmt.Errorf("failed to index run: %w", err)
	}

	s.logger.Debug("run saved", zap.String("run_id", run.ID), zap.String("user_id", run.UserID))
	return nil
}

// GetRun retrieves a run by id
func (s *Store) GetRun(ctx context.Context, runID string) (*domain.Run, error) {
	data, err := s.client.Get(ctx, runKey(runID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, fmt.Errorf("%w: %s", domain.ErrRunNotFound, runID)
		}
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	var run domain.Run
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run: %w", err)
	}
	return &run, nil
}

// ListRuns returns the user's most recent runs. Index entries whose run has
// expired are pruned as they are found.
func (s *Store) ListRuns(ctx context.Context, userID string, limit int) ([]*domain.Run, error) {
	if limit <= 0 {
		limit = 50
	}

	ids, err := s.client.ZRevRange(ctx, userRunsKey(userID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}

	runs := make([]*domain.Run, 0, len(ids))
	var expired []interface{}
	for _, id := range ids {
		run, err := s.GetRun(ctx, id)
		if errors.Is(err, domain.ErrRunNotFound) {
			expired = append(expired, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}

	if len(expired) > 0 {
		if err := s.client.ZRem(ctx, userRunsKey(userID), expired...).Err(); err != nil {
			s.logger.Warn("failed to prune expired runs", zap.String("user_id", userID), zap.Error(err))
		}
	}
	return runs, nil
}

// MarkRunRunning transitions a run to running and clears any previous outcome
func (s *Store) MarkRunRunning(ctx context.Context, runID string, at time.Time) error {
	return s.updateRun(ctx, runID, func(run *domain.Run) {
		run.Status = domain.RunStatusRunning
		run.StartedAt = &at
		run.FinalOutput = ""
		run.Error = ""
		run.CompletedAt = nil
	})
}

// FinishRun moves a run to a terminal state
func (s *Store) FinishRun(ctx context.Context, runID string, status domain.RunStatus, finalOutput, errMsg string, at time.Time) error {
	return s.updateRun(ctx, runID, func(run *domain.Run) {
		run.Status = status
		run.FinalOutput = finalOutput
		run.Error = errMsg
		run.CompletedAt = &at
	})
}

func (s *Store) updateRun(ctx context.Context, runID string, mutate func(run *domain.Run)) error {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	mutate(run)

	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to marshal run: %w", err)
	}
	if err := s.client.Set(ctx, runKey(runID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}
	return nil
}

// UpsertSteps writes steps keyed by (run id, step order) and drops any
// rows beyond the new step count
func (s *Store) UpsertSteps(ctx context.Context, runID string, steps []*domain.RunStep) error {
	key := stepsKey(runID)

	existing, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("failed to load steps: %w", err)
	}

	values := make(map[string]interface{}, len(steps))
	for _, step := range steps {
		field := strconv.Itoa(step.StepOrder)
		if raw, ok := existing[field]; ok {
			var prev domain.RunStep
			if err := json.Unmarshal([]byte(raw), &prev); err == nil {
				step.ID = prev.ID
			}
		}
		if step.ID == "" {
			step.ID = uuid.New().String()
		}
		step.RunID = runID

		data, err := json.Marshal(step)
		if err != nil {
			return fmt.Errorf("failed to marshal step: %w", err)
		}
		values[field] = data
	}

	var stale []string
	for field := range existing {
		if order, err := strconv.Atoi(field); err != nil || order >= len(steps) {
			stale = append(stale, field)
		}
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if len(stale) > 0 {
			pipe.HDel(ctx, key, stale...)
		}
		if len(values) > 0 {
			pipe.HSet(ctx, key, values)
		}
		if s.ttl > 0 {
			pipe.Expire(ctx, key, s.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save steps: %w", err)
	}
	return nil
}

// UpdateStep overwrites a step's mutable fields
func (s *Store) UpdateStep(ctx context.Context, step *domain.RunStep) error {
	key := stepsKey(step.RunID)
	field := strconv.Itoa(step.StepOrder)

	raw, err := s.client.HGet(ctx, key, field).Result()
	if err != nil {
		if err == redis.Nil {
			return fmt.Errorf("step %d not found for run %s", step.StepOrder, step.RunID)
		}
		return fmt.Errorf("failed to load step: %w", err)
	}

	var prev domain.RunStep
	if err := json.Unmarshal([]byte(raw), &prev); err != nil {
		return fmt.Errorf("failed to unmarshal step: %w", err)
	}
	stored := *step
	stored.ID = prev.ID

	data, err := json.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("failed to marshal step: %w", err)
	}
	if err := s.client.HSet(ctx, key, field, data).Err(); err != nil {
		return fmt.Errorf("failed to save step: %w", err)
	}
	return nil
}

// ListSteps returns a run's steps ordered by step order
func (s *Store) ListSteps(ctx context.Context, runID string) ([]*domain.RunStep, error) {
	raw, err := s.client.HGetAll(ctx, stepsKey(runID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load steps: %w", err)
	}

	steps := make([]*domain.RunStep, 0, len(raw))
	for _, data := range raw {
		var step domain.RunStep
		if err := json.Unmarshal([]byte(data), &step); err != nil {
			return nil, fmt.Errorf("failed to unmarshal step: %w", err)
		}
		steps = append(steps, &step)
	}
	sort.Slice(steps, func(i, j int) bool {
		return steps[i].StepOrder < steps[j].StepOrder
	})
	return steps, nil
}

// GetPipeline loads a pipeline and its graph
func (s *Store) GetPipeline(ctx context.Context, pipelineID string) (*domain.Pipeline, error) {
	data, err := s.client.Get(ctx, pipelineKey(pipelineID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, fmt.Errorf("%w: %s", domain.ErrPipelineNotFound, pipelineID)
		}
		return nil, fmt.Errorf("failed to get pipeline: %w", err)
	}

	var p domain.Pipeline
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal pipeline: %w", err)
	}
	return &p, nil
}

// SavePipeline creates or replaces a pipeline
func (s *Store) SavePipeline(ctx context.Context, pipeline *domain.Pipeline) error {
	stored := *pipeline
	now := time.Now()
	if existing, err := s.GetPipeline(ctx, pipeline.ID); err == nil {
		stored.CreatedAt = existing.CreatedAt
	} else if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now

	data, err := json.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("failed to marshal pipeline: %w", err)
	}
	if err := s.client.Set(ctx, pipelineKey(pipeline.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to save pipeline: %w", err)
	}

	s.logger.Debug("pipeline saved", zap.String("pipeline_id", pipeline.ID))
	return nil
}

// storedCredential carries the API key, which domain.Credential hides from JSON
type storedCredential struct {
	UserID    string    `json:"userId"`
	Provider  string    `json:"provider"`
	APIKey    string    `json:"apiKey"`
	Model     string    `json:"model"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// GetCredential loads a user's provider credential
func (s *Store) GetCredential(ctx context.Context, userID string) (*domain.Credential, error) {
	data, err := s.client.Get(ctx, credentialKey(userID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, fmt.Errorf("%w: user %s", domain.ErrCredentialsNotConfigured, userID)
		}
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}

	var c storedCredential
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal credential: %w", err)
	}
	return &domain.Credential{
		UserID:    c.UserID,
		Provider:  c.Provider,
		APIKey:    c.APIKey,
		Model:     c.Model,
		UpdatedAt: c.UpdatedAt,
	}, nil
}

// SaveCredential creates or replaces a user's provider credential
func (s *Store) SaveCredential(ctx context.Context, cred *domain.Credential) error {
	data, err := json.Marshal(storedCredential{
		UserID:    cred.UserID,
		Provider:  cred.Provider,
		APIKey:    cred.APIKey,
		Model:     cred.Model,
		UpdatedAt: time.Now(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal credential: %w", err)
	}
	if err := s.client.Set(ctx, credentialKey(cred.UserID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to save credential: %w", err)
	}
	return nil
}

func runKey(runID string) string {
	return keyPrefix + "run:" + runID
}

func stepsKey(runID string) string {
	return keyPrefix + "run:" + runID + ":steps"
}

func userRunsKey(userID string) string {
	return keyPrefix + "user:" + userID + ":runs"
}

func pipelineKey(pipelineID string) string {
	return keyPrefix + "pipeline:" + pipelineID
}

func credentialKey(userID string) string {
	return keyPrefix + "credential:" + userID
}
