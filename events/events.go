// Package events defines the typed event trail the engine publishes: workflow,
// phase, agent, tool, gate, budget, artifact, and memory-delta families.
// Events are validated against JSON Schemas on both publish and ingest;
// unrecognized fields are rejected.
package events

import (
	"time"

	"github.com/google/uuid"
)

type (
	// Type names one event kind. Topic names are dot-separated and family
	// prefixed, e.g. "phase.gate.failed".
	Type string

	// Event is the envelope every published event shares. Payload carries
	// the family-specific fields and is validated per Type.
	Event struct {
		EventID       string         `json:"event_id"`
		Type          Type           `json:"type"`
		Timestamp     time.Time      `json:"timestamp"`
		WorkflowRunID string         `json:"workflow_run_id"`
		Phase         string         `json:"phase,omitempty"`
		CorrelationID string         `json:"correlation_id,omitempty"`
		Metadata      map[string]any `json:"metadata,omitempty"`
		Payload       map[string]any `json:"payload,omitempty"`
	}

	// Option customizes an event at construction.
	Option func(*Event)
)

// Workflow family.
const (
	WorkflowCreated      Type = "workflow.created"
	WorkflowStateChanged Type = "workflow.state.changed"
	WorkflowPaused       Type = "workflow.paused"
	WorkflowResumed      Type = "workflow.resumed"
	WorkflowFailed       Type = "workflow.failed"
	WorkflowCompleted    Type = "workflow.completed"
)

// Phase family.
const (
	PhaseStarted    Type = "phase.started"
	PhaseProgress   Type = "phase.progress"
	PhaseStalled    Type = "phase.stalled"
	PhaseReady      Type = "phase.ready"
	PhaseGatePassed Type = "phase.gate.passed"
	PhaseGateFailed Type = "phase.gate.failed"
	PhaseError      Type = "phase.error"
)

// Agent family.
const (
	AgentStarted       Type = "agent.started"
	AgentCompleted     Type = "agent.completed"
	AgentFailed        Type = "agent.failed"
	AgentToolRequested Type = "agent.tool.requested"
)

// Tool family.
const (
	ToolExecutionStarted   Type = "tool.execution.started"
	ToolExecutionCompleted Type = "tool.execution.completed"
	ToolExecutionFailed    Type = "tool.execution.failed"
)

// Gate family.
const (
	GateEvaluationStarted   Type = "gate.evaluation.started"
	GateEvaluationCompleted Type = "gate.evaluation.completed"
	GateBlocked             Type = "gate.blocked"
)

// Budget family.
const (
	BudgetThresholdExceeded Type = "budget.threshold.exceeded"
	BudgetLimitReached      Type = "budget.limit.reached"
)

// Artifact family.
const (
	ArtifactCreated Type = "artifact.created"
)

// Memory delta family.
const (
	MemoryDeltaCreated     Type = "memory.delta.created"
	MemoryDeltaUpdated     Type = "memory.delta.updated"
	MemoryDeltaDeleted     Type = "memory.delta.deleted"
	MemoryPolicyPromoted   Type = "memory.policy.promoted"
	MemoryFrameInvalidated Type = "memory.frame.invalidated"
)

// New builds an event with a fresh UUID and UTC timestamp.
func New(typ Type, workflowRunID string, payload map[string]any, opts ...Option) *Event {
	e := &Event{
		EventID:       uuid.New().String(),
		Type:          typ,
		Timestamp:     time.Now().UTC(),
		WorkflowRunID: workflowRunID,
		Payload:       payload,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// WithPhase sets the phase name on the envelope.
func WithPhase(phase string) Option {
	return func(e *Event) { e.Phase = phase }
}

// WithCorrelation sets the correlation ID.
func WithCorrelation(id string) Option {
	return func(e *Event) { e.CorrelationID = id }
}

// WithMetadata attaches envelope metadata.
func WithMetadata(md map[string]any) Option {
	return func(e *Event) { e.Metadata = md }
}

// Family returns the first dot-separated segment of the type.
func (t Type) Family() string {
	for i := 0; i < len(t); i++ {
		if t[i] == '.' {
			return string(t[:i])
		}
	}
	return string(t)
}
