// Package phase defines the declarative phase plan and the coordinator that
// drives a phase run: schedule agent tasks, watch completions, aggregate
// artifacts, and evaluate the quality gate.
package phase

import (
	"errors"
	"fmt"
	"time"

	"github.com/ecoachlabs/ideamine-engine/task"
)

type (
	// Parallelism selects how a phase runs its agents.
	Parallelism string

	// Budgets carries the phase-level budgets the scheduler splits across
	// agents.
	Budgets struct {
		Tokens       int64 `json:"tokens"`
		ToolsMinutes int   `json:"tools_minutes"`
	}

	// Plan declares the work of one pipeline stage.
	Plan struct {
		Phase       task.Phase     `json:"phase"`
		Parallelism Parallelism    `json:"parallelism"`
		Agents      []string       `json:"agents"`
		Budgets     Budgets        `json:"budgets"`
		Rubrics     map[string]any `json:"rubrics,omitempty"`
		Timebox     time.Duration  `json:"timebox"`
		Version     string         `json:"version"`
	}
)

const (
	Sequential Parallelism = "sequential"
	Parallel   Parallelism = "parallel"
)

// Validate checks a plan before scheduling.
func (p *Plan) Validate() error {
	if !p.Phase.Valid() {
		return fmt.Errorf("unknown phase %q", p.Phase)
	}
	if len(p.Agents) == 0 {
		return errors.New("plan has no agents")
	}
	if p.Parallelism != Sequential && p.Parallelism != Parallel {
		return fmt.Errorf("unknown parallelism %q", p.Parallelism)
	}
	if p.Version == "" {
		return errors.New("plan version is required")
	}
	return nil
}
