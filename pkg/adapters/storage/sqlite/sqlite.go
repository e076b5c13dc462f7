package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aescanero/agentpipe/pkg/domain"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// Store implements ports.Store using SQLite
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewStore opens (and migrates) the database at dsn
func NewStore(dsn string, logger *zap.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite serializes writers; a single connection avoids SQLITE_BUSY
	// between workers and keeps :memory: databases from splitting.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s := &Store{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return s, nil
}

// migrate creates the schema
func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS pipelines (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			graph TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_pipelines_user ON pipelines(user_id)`,
		`CREATE TABLE IF NOT EXISTS credentials (
			user_id TEXT PRIMARY KEY,
			provider TEXT NOT NULL,
			api_key TEXT NOT NULL,
			model TEXT NOT NULL DEFAULT '',
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			pipeline_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			status TEXT NOT NULL,
			input TEXT NOT NULL DEFAULT '',
			variables TEXT,
			final_output TEXT,
			error TEXT,
			created_at DATETIME NOT NULL,
			started_at DATETIME,
			completed_at DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_user_created ON runs(user_id, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status)`,
		`CREATE TABLE IF NOT EXISTS run_steps (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			agent_name TEXT NOT NULL DEFAULT '',
			step_order INTEGER NOT NULL,
			status TEXT NOT NULL,
			input TEXT,
			output TEXT,
			error TEXT,
			started_at DATETIME,
			completed_at DATETIME,
			UNIQUE(run_id, step_order),
			FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
		)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}
	return nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateRun inserts a new run
func (s *Store) CreateRun(ctx context.Context, run *domain.Run) error {
	vars, err := marshalVariables(run.Variables)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, pipeline_id, user_id, status, input, variables, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.PipelineID, run.UserID, string(run.Status), run.Input, vars, run.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

const runColumns = `id, pipeline_id, user_id, status, input, variables, final_output, error, created_at, started_at, completed_at`

// GetRun retrieves a run by id
func (s *Store) GetRun(ctx context.Context, runID string) (*domain.Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domain.ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns returns the user's most recent runs
func (s *Store) ListRuns(ctx context.Context, userID string, limit int) ([]*domain.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE user_id = ? ORDER BY created_at DESC LIMIT ?`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []*domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// MarkRunRunning transitions a run to running and clears any previous outcome
func (s *Store) MarkRunRunning(ctx context.Context, runID string, at time.Time) error {
	return s.updateRun(ctx,
		`UPDATE runs SET status = ?, started_at = ?, final_output = NULL, error = NULL, completed_at = NULL WHERE id = ?`,
		runID, string(domain.RunStatusRunning), at, runID,
	)
}

// FinishRun moves a run to a terminal state
func (s *Store) FinishRun(ctx context.Context, runID string, status domain.RunStatus, finalOutput, errMsg string, at time.Time) error {
	return s.updateRun(ctx,
		`UPDATE runs SET status = ?, final_output = ?, error = ?, completed_at = ? WHERE id = ?`,
		runID, string(status), nullString(finalOutput), nullString(errMsg), at, runID,
	)
}

func (s *Store) updateRun(ctx context.Context, query, runID string, args ...interface{}) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", domain.ErrRunNotFound, runID)
	}
	return nil
}

// UpsertSteps writes steps keyed by (run id, step order). Existing rows are
// reset to the given state and rows beyond the new step count are removed.
func (s *Store) UpsertSteps(ctx context.Context, runID string, steps []*domain.RunStep) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, step := range steps {
		id := step.ID
		if id == "" {
			id = uuid.New().String()
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO run_steps (id, run_id, agent_id, agent_name, step_order, status, input, output, error, started_at, completed_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(run_id, step_order) DO UPDATE SET
				agent_id = excluded.agent_id,
				agent_name = excluded.agent_name,
				status = excluded.status,
				input = excluded.input,
				output = excluded.output,
				error = excluded.error,
				started_at = excluded.started_at,
				completed_at = excluded.completed_at`,
			id, runID, step.AgentID, step.AgentName, step.StepOrder, string(step.Status),
			nullString(step.Input), nullString(step.Output), nullString(step.Error),
			nullTime(step.StartedAt), nullTime(step.CompletedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to upsert step %d: %w", step.StepOrder, err)
		}

		if err := tx.QueryRowContext(ctx,
			`SELECT id FROM run_steps WHERE run_id = ? AND step_order = ?`, runID, step.StepOrder,
		).Scan(&step.ID); err != nil {
			return fmt.Errorf("failed to read step id: %w", err)
		}
		step.RunID = runID
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM run_steps WHERE run_id = ? AND step_order >= ?`, runID, len(steps),
	); err != nil {
		return fmt.Errorf("failed to prune steps: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit steps: %w", err)
	}
	return nil
}

// UpdateStep overwrites a step's mutable fields
func (s *Store) UpdateStep(ctx context.Context, step *domain.RunStep) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE run_steps SET status = ?, input = ?, output = ?, error = ?, started_at = ?, completed_at = ?
		 WHERE run_id = ? AND step_order = ?`,
		string(step.Status), nullString(step.Input), nullString(step.Output), nullString(step.Error),
		nullTime(step.StartedAt), nullTime(step.CompletedAt), step.RunID, step.StepOrder,
	)
	if err != nil {
		return fmt.Errorf("failed to update step: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("step %d not found for run %s", step.StepOrder, step.RunID)
	}
	return nil
}

// ListSteps returns a run's steps ordered by step order
func (s *Store) ListSteps(ctx context.Context, runID string) ([]*domain.RunStep, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, agent_id, agent_name, step_order, status, input, output, error, started_at, completed_at
		 FROM run_steps WHERE run_id = ? ORDER BY step_order ASC`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query steps: %w", err)
	}
	defer rows.Close()

	steps := make([]*domain.RunStep, 0)
	for rows.Next() {
		var step domain.RunStep
		var status string
		var input, output, errMsg sql.NullString
		var startedAt, completedAt sql.NullTime

		if err := rows.Scan(&step.ID, &step.RunID, &step.AgentID, &step.AgentName, &step.StepOrder, &status,
			&input, &output, &errMsg, &startedAt, &completedAt); err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}

		step.Status = domain.RunStatus(status)
		step.Input = input.String
		step.Output = output.String
		step.Error = errMsg.String
		step.StartedAt = timePtr(startedAt)
		step.CompletedAt = timePtr(completedAt)
		steps = append(steps, &step)
	}
	return steps, rows.Err()
}

// GetPipeline loads a pipeline and its graph
func (s *Store) GetPipeline(ctx context.Context, pipelineID string) (*domain.Pipeline, error) {
	var p domain.Pipeline
	var graph string

	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, name, graph, created_at, updated_at FROM pipelines WHERE id = ?`, pipelineID,
	).Scan(&p.ID, &p.UserID, &p.Name, &graph, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domain.ErrPipelineNotFound, pipelineID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pipeline: %w", err)
	}

	if err := json.Unmarshal([]byte(graph), &p.Graph); err != nil {
		return nil, fmt.Errorf("failed to unmarshal pipeline graph: %w", err)
	}
	return &p, nil
}

// SavePipeline creates or replaces a pipeline
func (s *Store) SavePipeline(ctx context.Context, pipeline *domain.Pipeline) error {
	graph, err := json.Marshal(pipeline.Graph)
	if err != nil {
		return fmt.Errorf("failed to marshal pipeline graph: %w", err)
	}

	now := time.Now()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO pipelines (id, user_id, name, graph, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET user_id = excluded.user_id, name = excluded.name, graph = excluded.graph, updated_at = excluded.updated_at`,
		pipeline.ID, pipeline.UserID, pipeline.Name, string(graph), now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to save pipeline: %w", err)
	}
	return nil
}

// GetCredential loads a user's provider credential
func (s *Store) GetCredential(ctx context.Context, userID string) (*domain.Credential, error) {
	var c domain.Credential
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, provider, api_key, model, updated_at FROM credentials WHERE user_id = ?`, userID,
	).Scan(&c.UserID, &c.Provider, &c.APIKey, &c.Model, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: user %s", domain.ErrCredentialsNotConfigured, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}
	return &c, nil
}

// SaveCredential creates or replaces a user's provider credential
func (s *Store) SaveCredential(ctx context.Context, cred *domain.Credential) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO credentials (user_id, provider, api_key, model, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET provider = excluded.provider, api_key = excluded.api_key, model = excluded.model, updated_at = excluded.updated_at`,
		cred.UserID, cred.Provider, cred.APIKey, cred.Model, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to save credential: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (*domain.Run, error) {
	var run domain.Run
	var status string
	var variables, finalOutput, errMsg sql.NullString
	var startedAt, completedAt sql.NullTime

	if err := row.Scan(&run.ID, &run.PipelineID, &run.UserID, &status, &run.Input, &variables,
		&finalOutput, &errMsg, &run.CreatedAt, &startedAt, &completedAt); err != nil {
		return nil, err
	}

	run.Status = domain.RunStatus(status)
	run.FinalOutput = finalOutput.String
	run.Error = errMsg.String
	run.StartedAt = timePtr(startedAt)
	run.CompletedAt = timePtr(completedAt)

	if variables.Valid && variables.String != "" {
		if err := json.Unmarshal([]byte(variables.String), &run.Variables); err != nil {
			return nil, fmt.Errorf("failed to unmarshal variables: %w", err)
		}
	}
	return &run, nil
}

func marshalVariables(vars map[string]string) (sql.NullString, error) {
	if len(vars) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(vars)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to marshal variables: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
