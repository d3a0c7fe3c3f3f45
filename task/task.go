// Package task defines the unit of scheduling (Spec), its durable lifecycle
// record (Task), and the Repository contract every storage backend satisfies.
// TaskSpecs are immutable once enqueued; all lifecycle mutation happens on the
// durable record through the repository.
package task

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type (
	// Phase names a stage of the end-to-end pipeline. The set is closed:
	// schedulers reject plans naming unknown phases.
	Phase string

	// Type distinguishes agent tasks from tool tasks. The executor registry
	// routes on it.
	Type string

	// Status is the lifecycle state of a durable task record.
	Status string

	// PriorityClass orders tasks for preemption. P0 is never preempted;
	// P3 is preempted first.
	PriorityClass string

	// Budget carries the per-task wall-clock and token budgets. The wall
	// budget is advisory and enforced by executor cooperation.
	Budget struct {
		MS     int64 `json:"ms"`
		Tokens int64 `json:"tokens,omitempty"`
	}

	// Spec is the immutable unit of scheduling: one per agent (or shard)
	// in a phase plan.
	Spec struct {
		ID             string         `json:"id,omitempty"`
		Phase          Phase          `json:"phase"`
		PhaseID        string         `json:"phase_id"`
		Type           Type           `json:"type"`
		Target         string         `json:"target"`
		Input          map[string]any `json:"input"`
		Retries        int            `json:"retries"`
		Budget         Budget         `json:"budget"`
		IdempotenceKey string         `json:"idempotence_key"`
	}

	// Metrics records the final cost of a completed or failed task.
	Metrics struct {
		CostUSD    float64
		TokensUsed int64
		DurationMS int64
	}

	// Task is the durable record: a Spec plus lifecycle, worker assignment,
	// metrics, and preemption history.
	Task struct {
		Spec

		Status          Status
		WorkerID        string
		PriorityClass   PriorityClass
		PriorityReason  string
		Overridable     bool
		Preempted       bool
		PreemptionReason string
		PreemptedAt     *time.Time
		ResumedAt       *time.Time
		PreemptionCount int
		StartedAt       *time.Time
		CompletedAt     *time.Time
		LastHeartbeatAt *time.Time
		Result          json.RawMessage
		Error           string
		Metrics         Metrics
		CreatedAt       time.Time
		UpdatedAt       time.Time
	}

	// PhaseStats aggregates task counts and costs for one phase run.
	PhaseStats struct {
		Total      int
		ByStatus   map[Status]int
		CostUSD    float64
		TokensUsed int64
	}
)

const (
	PhaseIntake     Phase = "INTAKE"
	PhaseIdeation   Phase = "IDEATION"
	PhasePRD        Phase = "PRD"
	PhaseDesign     Phase = "DESIGN"
	PhaseQA         Phase = "QA"
	PhaseDeployment Phase = "DEPLOYMENT"
	PhaseLaunch     Phase = "LAUNCH"
)

const (
	TypeAgent Type = "agent"
	TypeTool  Type = "tool"
)

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusPreempted Status = "preempted"
)

const (
	P0 PriorityClass = "P0"
	P1 PriorityClass = "P1"
	P2 PriorityClass = "P2"
	P3 PriorityClass = "P3"
)

// ErrNotFound is returned by repository lookups for unknown task IDs.
var ErrNotFound = errors.New("task not found")

var knownPhases = map[Phase]bool{
	PhaseIntake:     true,
	PhaseIdeation:   true,
	PhasePRD:        true,
	PhaseDesign:     true,
	PhaseQA:         true,
	PhaseDeployment: true,
	PhaseLaunch:     true,
}

// Valid reports whether p is one of the closed set of pipeline stages.
func (p Phase) Valid() bool { return knownPhases[p] }

// Terminal reports whether s is a final state. Terminal tasks have
// CompletedAt set; preempted is deliberately non-terminal.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Preemptible reports whether tasks of this class may be preempted. Only P0
// is exempt.
func (c PriorityClass) Preemptible() bool { return c != P0 && c != "" }

// Valid reports whether c is a known priority class.
func (c PriorityClass) Valid() bool {
	switch c {
	case P0, P1, P2, P3:
		return true
	}
	return false
}

// Validate checks the structural invariants of a spec before insertion.
func (s *Spec) Validate() error {
	if !s.Phase.Valid() {
		return fmt.Errorf("unknown phase %q", s.Phase)
	}
	if s.Type != TypeAgent && s.Type != TypeTool {
		return fmt.Errorf("unknown task type %q", s.Type)
	}
	if s.Target == "" {
		return errors.New("target is required")
	}
	if s.IdempotenceKey == "" {
		return errors.New("idempotence key is required")
	}
	return nil
}

// CheckInvariants verifies the record-level invariants of the durable task.
// Storage backends call it in tests; supervisors may call it when auditing.
func (t *Task) CheckInvariants() error {
	if t.Status == StatusRunning && (t.WorkerID == "" || t.StartedAt == nil) {
		return fmt.Errorf("task %s running without worker or started_at", t.ID)
	}
	if t.Status.Terminal() && t.CompletedAt == nil {
		return fmt.Errorf("task %s terminal (%s) without completed_at", t.ID, t.Status)
	}
	if t.Preempted && (t.Status != StatusPreempted || t.PreemptedAt == nil) {
		return fmt.Errorf("task %s preempted flag inconsistent with status %s", t.ID, t.Status)
	}
	return nil
}
