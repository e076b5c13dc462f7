package domain

import "time"

// EventType tags a RunEvent
type EventType string

const (
	EventTypeStepStart        EventType = "step_start"
	EventTypeTextDelta        EventType = "text_delta"
	EventTypeStepComplete     EventType = "step_complete"
	EventTypePipelineComplete EventType = "pipeline_complete"
	EventTypeError            EventType = "error"
	EventTypeStatus           EventType = "status"
)

// IsFinal reports whether clients should stop listening after this event
func (t EventType) IsFinal() bool {
	return t == EventTypePipelineComplete || t == EventTypeError
}

// Usage is a token usage total
type Usage struct {
	InputTokens  int64 `json:"inputTokens"`
	OutputTokens int64 `json:"outputTokens"`
}

// Add accumulates another usage into u
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}

// RunEvent is an ephemeral progress notification for live subscribers.
// Only the fields relevant to Type are populated.
type RunEvent struct {
	Type        EventType  `json:"type"`
	RunID       string     `json:"runId"`
	StepIndex   *int       `json:"stepIndex,omitempty"`
	TotalSteps  int        `json:"totalSteps,omitempty"`
	AgentID     string     `json:"agentId,omitempty"`
	AgentName   string     `json:"agentName,omitempty"`
	Text        string     `json:"text,omitempty"`
	Output      string     `json:"output,omitempty"`
	FinalOutput string     `json:"finalOutput,omitempty"`
	Usage       *Usage     `json:"usage,omitempty"`
	Citations   []Citation `json:"citations,omitempty"`
	Model       string     `json:"model,omitempty"`
	Error       string     `json:"error,omitempty"`
	Status      RunStatus  `json:"status,omitempty"`
	Timestamp   time.Time  `json:"timestamp"`
}

func stepIndex(i int) *int {
	return &i
}

// NewStepStartEvent is published when a step begins
func NewStepStartEvent(runID string, step ExecutionStep, total int) RunEvent {
	return RunEvent{
		Type:       EventTypeStepStart,
		RunID:      runID,
		StepIndex:  stepIndex(step.Order),
		TotalSteps: total,
		AgentID:    step.AgentID,
		AgentName:  step.AgentName,
		Timestamp:  time.Now(),
	}
}

// NewTextDeltaEvent carries incremental provider output
func NewTextDeltaEvent(runID string, step ExecutionStep, text string) RunEvent {
	return RunEvent{
		Type:      EventTypeTextDelta,
		RunID:     runID,
		StepIndex: stepIndex(step.Order),
		AgentName: step.AgentName,
		Text:      text,
		Timestamp: time.Now(),
	}
}

// NewStepCompleteEvent is published when a step succeeds
func NewStepCompleteEvent(runID string, step ExecutionStep, output string, usage Usage) RunEvent {
	return RunEvent{
		Type:      EventTypeStepComplete,
		RunID:     runID,
		StepIndex: stepIndex(step.Order),
		AgentID:   step.AgentID,
		AgentName: step.AgentName,
		Output:    output,
		Usage:     &usage,
		Timestamp: time.Now(),
	}
}

// NewPipelineCompleteEvent is published after the last step succeeds
func NewPipelineCompleteEvent(runID, finalOutput string, usage Usage, model string) RunEvent {
	return RunEvent{
		Type:        EventTypePipelineComplete,
		RunID:       runID,
		FinalOutput: finalOutput,
		Usage:       &usage,
		Model:       model,
		Timestamp:   time.Now(),
	}
}

// NewErrorEvent is published when a run fails. step may be nil for
// failures outside of a step.
func NewErrorEvent(runID string, step *ExecutionStep, message string) RunEvent {
	ev := RunEvent{
		Type:      EventTypeError,
		RunID:     runID,
		Error:     message,
		Timestamp: time.Now(),
	}
	if step != nil {
		ev.StepIndex = stepIndex(step.Order)
		ev.AgentName = step.AgentName
	}
	return ev
}

// NewStatusEvent replays persisted run status to a (re)connecting client
func NewStatusEvent(run *Run) RunEvent {
	return RunEvent{
		Type:        EventTypeStatus,
		RunID:       run.ID,
		Status:      run.Status,
		FinalOutput: run.FinalOutput,
		Error:       run.Error,
		Timestamp:   time.Now(),
	}
}
