package events

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed schemas/events.json
var schemaJSON []byte

// payloadDefs maps event types to payload schema fragments. Families whose
// members share a payload shape share one fragment.
var payloadDefs = map[Type]string{
	WorkflowCreated:      "workflow.created",
	WorkflowStateChanged: "workflow.state.changed",
	WorkflowPaused:       "workflow.paused",
	WorkflowResumed:      "workflow.resumed",
	WorkflowFailed:       "workflow.failed",
	WorkflowCompleted:    "workflow.completed",

	PhaseStarted:    "phase.started",
	PhaseProgress:   "phase.progress",
	PhaseStalled:    "phase.stalled",
	PhaseReady:      "phase.ready",
	PhaseGatePassed: "phase.gate.passed",
	PhaseGateFailed: "phase.gate.failed",
	PhaseError:      "phase.error",

	AgentStarted:       "agent.started",
	AgentCompleted:     "agent.completed",
	AgentFailed:        "agent.failed",
	AgentToolRequested: "agent.tool.requested",

	ToolExecutionStarted:   "tool.execution",
	ToolExecutionCompleted: "tool.execution",
	ToolExecutionFailed:    "tool.execution",

	GateEvaluationStarted:   "gate.evaluation.started",
	GateEvaluationCompleted: "gate.evaluation.completed",
	GateBlocked:             "gate.blocked",

	BudgetThresholdExceeded: "budget.event",
	BudgetLimitReached:      "budget.event",

	ArtifactCreated: "artifact.created",

	MemoryDeltaCreated:     "memory.delta",
	MemoryDeltaUpdated:     "memory.delta",
	MemoryDeltaDeleted:     "memory.delta",
	MemoryPolicyPromoted:   "memory.delta",
	MemoryFrameInvalidated: "memory.frame.invalidated",
}

// Validator checks events against the embedded JSON Schemas. It is immutable
// after construction and safe for concurrent use.
type Validator struct {
	envelope *jsonschema.Schema
	payloads map[Type]*jsonschema.Schema
}

const schemaURL = "https://ideamine.dev/schemas/events.json"

// NewValidator compiles the embedded schemas.
func NewValidator() (*Validator, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("decode event schemas: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(schemaURL, doc); err != nil {
		return nil, fmt.Errorf("register event schemas: %w", err)
	}
	envelope, err := compiler.Compile(schemaURL + "#/$defs/envelope")
	if err != nil {
		return nil, fmt.Errorf("compile envelope schema: %w", err)
	}
	payloads := make(map[Type]*jsonschema.Schema, len(payloadDefs))
	for typ, def := range payloadDefs {
		// JSON pointer segments escape nothing here: def names contain no
		// '/' or '~'.
		sch, err := compiler.Compile(schemaURL + "#/$defs/" + def)
		if err != nil {
			return nil, fmt.Errorf("compile payload schema %s: %w", def, err)
		}
		payloads[typ] = sch
	}
	return &Validator{envelope: envelope, payloads: payloads}, nil
}

// Validate checks the envelope and the type-specific payload. Events of
// unknown type are rejected.
func (v *Validator) Validate(e *Event) error {
	if e == nil {
		return fmt.Errorf("event is nil")
	}
	payloadSchema, ok := v.payloads[e.Type]
	if !ok {
		return fmt.Errorf("unknown event type %q", e.Type)
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", e.EventID, err)
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return fmt.Errorf("decode event %s: %w", e.EventID, err)
	}
	if err := v.envelope.Validate(decoded); err != nil {
		return fmt.Errorf("event %s envelope invalid: %w", e.EventID, err)
	}
	payload := any(map[string]any{})
	if m, ok := decoded.(map[string]any); ok {
		if p, ok := m["payload"]; ok {
			payload = p
		}
	}
	if err := payloadSchema.Validate(payload); err != nil {
		return fmt.Errorf("event %s payload invalid for %s: %w", e.EventID, e.Type, err)
	}
	return nil
}

// ValidateRaw validates a serialized event on ingest and returns the decoded
// event. Unknown envelope fields and unknown types are rejected.
func (v *Validator) ValidateRaw(raw []byte) (*Event, error) {
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	if err := v.envelope.Validate(decoded); err != nil {
		return nil, fmt.Errorf("event envelope invalid: %w", err)
	}
	var e Event
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&e); err != nil {
		return nil, fmt.Errorf("decode event envelope: %w", err)
	}
	if err := v.Validate(&e); err != nil {
		return nil, err
	}
	return &e, nil
}

// KnownTypes lists every event type with a registered payload schema,
// dot-sorted families first. Primarily for documentation endpoints and tests.
func KnownTypes() []string {
	out := make([]string, 0, len(payloadDefs))
	for typ := range payloadDefs {
		out = append(out, string(typ))
	}
	sort.Strings(out)
	return out
}
