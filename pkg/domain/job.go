package domain

import (
	"encoding/json"
	"time"
)

// JobTypeRunPipeline is the job type enqueued for every run
const JobTypeRunPipeline = "run-pipeline"

// JobOptions bounds redelivery of a job
type JobOptions struct {
	// RetryLimit is the number of redeliveries after the first attempt
	RetryLimit int           `json:"retryLimit"`
	RetryDelay time.Duration `json:"retryDelay"`
}

// Job is one delivery of queued work
type Job struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	Attempt    int             `json:"attempt"`
	Options    JobOptions      `json:"options"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
	LastError  string          `json:"lastError,omitempty"`

	// Receipt is backend specific delivery state (e.g. a stream entry id)
	Receipt string `json:"-"`
}

// CanRetry reports whether another delivery is allowed
func (j *Job) CanRetry() bool {
	return j.Attempt <= j.Options.RetryLimit
}

// RunJobPayload is the payload of a run-pipeline job
type RunJobPayload struct {
	RunID      string            `json:"runId"`
	PipelineID string            `json:"pipelineId"`
	UserID     string            `json:"userId"`
	Input      string            `json:"input"`
	Variables  map[string]string `json:"variables,omitempty"`
}
