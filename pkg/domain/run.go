package domain

import "time"

// RunStatus is shared by runs and run steps
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// IsTerminal reports whether no further transitions are allowed
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// Run is one end-to-end execution attempt of a pipeline
type Run struct {
	ID          string            `json:"id"`
	PipelineID  string            `json:"pipelineId"`
	UserID      string            `json:"userId"`
	Status      RunStatus         `json:"status"`
	Input       string            `json:"input"`
	Variables   map[string]string `json:"variables,omitempty"`
	FinalOutput string            `json:"finalOutput,omitempty"`
	Error       string            `json:"error,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
	StartedAt   *time.Time        `json:"startedAt,omitempty"`
	CompletedAt *time.Time        `json:"completedAt,omitempty"`
}

// RunStep is the persisted record of one agent's execution within a run
type RunStep struct {
	ID          string     `json:"id"`
	RunID       string     `json:"runId"`
	AgentID     string     `json:"agentId"`
	AgentName   string     `json:"agentName"`
	StepOrder   int        `json:"stepOrder"`
	Status      RunStatus  `json:"status"`
	Input       string     `json:"input,omitempty"`
	Output      string     `json:"output,omitempty"`
	Error       string     `json:"error,omitempty"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// Credential holds a user's provider configuration
type Credential struct {
	UserID    string    `json:"userId" yaml:"userId"`
	Provider  string    `json:"provider" yaml:"provider"`
	APIKey    string    `json:"-" yaml:"apiKey"`
	Model     string    `json:"model" yaml:"model"`
	UpdatedAt time.Time `json:"updatedAt" yaml:"-"`
}
