// Package ports declares the interfaces between the engine's application
// layer and its adapters (storage, queue, events, LLM providers, metrics).
package ports

import (
	"context"
	"time"

	"github.com/aescanero/agentpipe/pkg/domain"
)

// ChatProvider is an opaque chat-capable LLM client
type ChatProvider interface {
	Chat(ctx context.Context, req *domain.ChatRequest) (*domain.ChatResponse, error)
}

// StreamingChatProvider is a ChatProvider that can report incremental text
type StreamingChatProvider interface {
	ChatProvider
	ChatStream(ctx context.Context, req *domain.ChatRequest, onDelta func(text string)) (*domain.ChatResponse, error)
}

// ProviderHandle is the result of credential resolution
type ProviderHandle struct {
	Name     string
	Provider ChatProvider
	Model    string
}

// CredentialResolver resolves a user's provider and model.
// It returns domain.ErrCredentialsNotConfigured when the user has none.
type CredentialResolver interface {
	Resolve(ctx context.Context, userID string) (*ProviderHandle, error)
}

// RunStore persists runs and run steps
type RunStore interface {
	CreateRun(ctx context.Context, run *domain.Run) error
	GetRun(ctx context.Context, runID string) (*domain.Run, error)
	ListRuns(ctx context.Context, userID string, limit int) ([]*domain.Run, error)
	MarkRunRunning(ctx context.Context, runID string, at time.Time) error
	FinishRun(ctx context.Context, runID string, status domain.RunStatus, finalOutput, errMsg string, at time.Time) error

	// UpsertSteps writes the given steps keyed by (run id, step order),
	// resetting existing rows so a redelivered job restarts cleanly.
	UpsertSteps(ctx context.Context, runID string, steps []*domain.RunStep) error
	UpdateStep(ctx context.Context, step *domain.RunStep) error
	ListSteps(ctx context.Context, runID string) ([]*domain.RunStep, error)
}

// GraphStore loads persisted pipeline graphs
type GraphStore interface {
	GetPipeline(ctx context.Context, pipelineID string) (*domain.Pipeline, error)
	SavePipeline(ctx context.Context, pipeline *domain.Pipeline) error
}

// CredentialStore persists user provider credentials
type CredentialStore interface {
	GetCredential(ctx context.Context, userID string) (*domain.Credential, error)
	SaveCredential(ctx context.Context, cred *domain.Credential) error
}

// Store is implemented by every storage backend
type Store interface {
	RunStore
	GraphStore
	CredentialStore
	Close() error
}

// EventHandler receives run events for one subscription
type EventHandler func(event domain.RunEvent)

// Subscription is a live registration on the event bus
type Subscription interface {
	RunID() string
	Dropped() uint64
}

// EventPublisher is the producer side of the run event bus
type EventPublisher interface {
	Publish(runID string, event domain.RunEvent)
}

// EventBus is the run event bus
type EventBus interface {
	EventPublisher
	Subscribe(runID string, handler EventHandler) Subscription
	Unsubscribe(sub Subscription)
}

// JobHandler processes one job delivery
type JobHandler func(ctx context.Context, job *domain.Job) error

// DeadLetterHandler is told about a job that has run out of attempts and
// will not be delivered again
type DeadLetterHandler func(ctx context.Context, job *domain.Job, cause error)

// JobQueue is a durable at-least-once work queue
type JobQueue interface {
	Enqueue(ctx context.Context, jobType string, payload interface{}, opts domain.JobOptions) (string, error)

	// Dequeue claims the next job of the given type, waiting up to wait.
	// It returns a nil job when nothing became available.
	Dequeue(ctx context.Context, jobType string, wait time.Duration) (*domain.Job, error)
	Ack(ctx context.Context, job *domain.Job) error

	// Nack records a failed attempt. The job is redelivered after its
	// retry delay while attempts remain, otherwise it is dead-lettered.
	Nack(ctx context.Context, job *domain.Job, cause error) (retried bool, err error)
	Depth(ctx context.Context, jobType string) (int64, error)
}

// Reclaimer is implemented by queues that can recover deliveries whose
// worker disappeared without acknowledging them
type Reclaimer interface {
	// Reclaim returns how many deliveries were taken over and which of
	// them were dead-lettered because no attempts remained
	Reclaim(ctx context.Context, jobType string) (reclaimed int, dead []*domain.Job, err error)
}

// Heartbeater is implemented by queues that reclaim deliveries whose
// worker stops reporting progress
type Heartbeater interface {
	// Heartbeat renews the claim on a delivery. It returns
	// domain.ErrJobNotFound when the delivery is no longer held.
	Heartbeat(ctx context.Context, job *domain.Job) error

	// VisibilityTimeout is how long a delivery stays claimed without a heartbeat
	VisibilityTimeout() time.Duration
}

// MetricsCollector records engine metrics
type MetricsCollector interface {
	RecordRunSubmitted(status string)
	RecordRunCompleted(status string, duration time.Duration)
	RecordStepExecuted(status string, duration time.Duration)
	RecordLLMCall(model string, latency time.Duration, usage domain.Usage)
	RecordJobProcessed(jobType, outcome string)
	SetQueueDepth(queue string, depth int64)
	RecordWorkerPoolStatus(idle, busy, stopped int)
	IncActiveStreams()
	DecActiveStreams()
	RecordEventsDropped(count int)
}
