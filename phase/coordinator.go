package phase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"goa.design/clue/log"
	"golang.org/x/sync/errgroup"

	"github.com/ecoachlabs/ideamine-engine/events"
	"github.com/ecoachlabs/ideamine-engine/executor"
)

type (
	// Agent names one executor target a phase runs.
	Agent struct {
		Name   string         `json:"name"`
		Target string         `json:"target"`
		Config map[string]any `json:"config,omitempty"`
	}

	// AgentResult is the outcome of one agent invocation.
	AgentResult struct {
		Agent      Agent           `json:"agent"`
		Output     json.RawMessage `json:"output,omitempty"`
		TokensUsed int64           `json:"tokens_used"`
		CostUSD    float64         `json:"cost_usd"`
		Artifacts  []string        `json:"artifacts,omitempty"`
		Err        error           `json:"-"`
	}

	// GateHint is one structured per-metric shortfall fed back into a retry.
	GateHint struct {
		Metric    string  `json:"metric"`
		Actual    float64 `json:"actual"`
		Threshold float64 `json:"threshold"`
		Advice    string  `json:"advice,omitempty"`
	}

	// GateEvaluation is the gatekeeper's verdict on a completed phase.
	GateEvaluation struct {
		Passed          bool       `json:"passed"`
		Score           float64    `json:"score"`
		EvidencePackID  string     `json:"evidence_pack_id,omitempty"`
		RubricsMet      []string   `json:"rubrics_met,omitempty"`
		Reasons         []string   `json:"reasons,omitempty"`
		RequiredActions []string   `json:"required_actions,omitempty"`
		CanWaive        bool       `json:"can_waive"`
		Hints           []GateHint `json:"hints,omitempty"`
	}

	// Driver is the capability set a concrete phase plugs into the
	// coordinator. The engine is closed over it: phases differ only in these
	// five operations.
	Driver interface {
		// InitializeAgents resolves the agents this phase runs.
		InitializeAgents(ctx context.Context, input map[string]any) ([]Agent, error)
		// PrepareAgentInput builds one agent's input from the phase input.
		PrepareAgentInput(ctx context.Context, agent Agent, input map[string]any) (map[string]any, error)
		// AggregateResults folds agent outcomes into artifact identifiers.
		AggregateResults(ctx context.Context, successes, failures []*AgentResult, input map[string]any) ([]string, error)
		// PrepareGateInput builds the gate evaluation input from the
		// aggregated artifacts.
		PrepareGateInput(ctx context.Context, artifacts []string, input map[string]any) (map[string]any, error)
		// EnhanceInputWithHints folds gate hints into the input for a retry.
		EnhanceInputWithHints(input map[string]any, hints []GateHint) map[string]any
	}

	// Gatekeeper evaluates a phase's gate input. Implementations live outside
	// the engine.
	Gatekeeper interface {
		Evaluate(ctx context.Context, input map[string]any) (*GateEvaluation, error)
	}

	// CoordinatorOptions configures a coordinator.
	CoordinatorOptions struct {
		// Driver supplies the phase-specific callbacks. Required.
		Driver Driver
		// Registry dispatches agent invocations. Required.
		Registry executor.Registry
		// Bus, when set, receives phase lifecycle events.
		Bus *events.Bus
		// Gatekeeper, when set, gates phase completion.
		Gatekeeper Gatekeeper
		// Parallelism selects the execution model. Defaults to Parallel.
		Parallelism Parallelism
		// MaxConcurrency bounds parallel agent runs. Defaults to 4.
		MaxConcurrency int
		// MinRequiredAgents is the success threshold; 0 means every agent
		// must succeed.
		MinRequiredAgents int
		// AutoRetryOnGateFail re-runs the phase with gate hints on failure.
		AutoRetryOnGateFail bool
		// MaxGateRetries bounds gate-failure retries. Defaults to 2.
		MaxGateRetries int
	}

	// Coordinator drives one phase: initialize agents, run them under the
	// parallelism model, aggregate artifacts, and evaluate the gate.
	Coordinator struct {
		driver      Driver
		registry    executor.Registry
		bus         *events.Bus
		gatekeeper  Gatekeeper
		parallelism Parallelism
		maxConc     int
		minRequired int
		autoRetry   bool
		maxRetries  int
		now         func() time.Time
	}

	// Outcome summarizes one phase run.
	Outcome struct {
		PhaseRunID string          `json:"phase_run_id"`
		Artifacts  []string        `json:"artifacts"`
		Successes  []*AgentResult  `json:"successes"`
		Failures   []*AgentResult  `json:"failures"`
		Gate       *GateEvaluation `json:"gate,omitempty"`
		Attempts   int             `json:"attempts"`
	}
)

const (
	defaultMaxConcurrency = 4
	defaultMaxGateRetries = 2
)

// ErrGateFailed is returned when the gate fails and no retries remain.
var ErrGateFailed = errors.New("phase gate failed")

// ErrTooFewAgents is returned when fewer than the required number of agents
// succeed.
var ErrTooFewAgents = errors.New("too few agents succeeded")

// NewCoordinator builds a coordinator.
func NewCoordinator(opts CoordinatorOptions) (*Coordinator, error) {
	if opts.Driver == nil {
		return nil, errors.New("phase driver is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("executor registry is required")
	}
	parallelism := opts.Parallelism
	if parallelism == "" {
		parallelism = Parallel
	}
	if parallelism != Sequential && parallelism != Parallel {
		return nil, fmt.Errorf("unknown parallelism %q", parallelism)
	}
	maxConc := opts.MaxConcurrency
	if maxConc <= 0 {
		maxConc = defaultMaxConcurrency
	}
	maxRetries := opts.MaxGateRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxGateRetries
	}
	return &Coordinator{
		driver:      opts.Driver,
		registry:    opts.Registry,
		bus:         opts.Bus,
		gatekeeper:  opts.Gatekeeper,
		parallelism: parallelism,
		maxConc:     maxConc,
		minRequired: opts.MinRequiredAgents,
		autoRetry:   opts.AutoRetryOnGateFail,
		maxRetries:  maxRetries,
		now:         time.Now,
	}, nil
}

// Run drives the phase to completion. Gate failures with auto-retry enabled
// re-run the agents with hint-enhanced input up to the retry cap; the final
// failure returns ErrGateFailed alongside the outcome.
func (c *Coordinator) Run(ctx context.Context, runID string, phase string, input map[string]any) (*Outcome, error) {
	agents, err := c.driver.InitializeAgents(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("initialize agents: %w", err)
	}
	if len(agents) == 0 {
		return nil, errors.New("phase has no agents")
	}
	minRequired := c.minRequired
	if minRequired <= 0 || minRequired > len(agents) {
		minRequired = len(agents)
	}

	phaseRunID := "pr_" + strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
	c.publish(ctx, runID, phase, events.PhaseStarted, map[string]any{
		"phase_run_id": phaseRunID,
	})
	log.Info(ctx, log.KV{K: "msg", V: "phase started"},
		log.KV{K: "phase", V: phase},
		log.KV{K: "phase_run_id", V: phaseRunID},
		log.KV{K: "agents", V: len(agents)})

	outcome := &Outcome{PhaseRunID: phaseRunID}
	for attempt := 0; ; attempt++ {
		outcome.Attempts = attempt + 1
		successes, failures := c.runAgents(ctx, phaseRunID, agents, input)
		outcome.Successes, outcome.Failures = successes, failures

		if len(successes) < minRequired {
			err := fmt.Errorf("%w: %d of %d (need %d)", ErrTooFewAgents, len(successes), len(agents), minRequired)
			c.publish(ctx, runID, phase, events.PhaseError, map[string]any{
				"error":       err.Error(),
				"retryable":   false,
				"retry_count": attempt,
			})
			return outcome, err
		}

		artifacts, err := c.driver.AggregateResults(ctx, successes, failures, input)
		if err != nil {
			return outcome, fmt.Errorf("aggregate results: %w", err)
		}
		outcome.Artifacts = artifacts
		c.publish(ctx, runID, phase, events.PhaseReady, map[string]any{
			"artifacts":    orEmpty(artifacts),
			"completed_at": c.now().UTC().Format(time.RFC3339),
		})

		if c.gatekeeper == nil {
			return outcome, nil
		}

		gateInput, err := c.driver.PrepareGateInput(ctx, artifacts, input)
		if err != nil {
			return outcome, fmt.Errorf("prepare gate input: %w", err)
		}
		eval, err := c.gatekeeper.Evaluate(ctx, gateInput)
		if err != nil {
			return outcome, fmt.Errorf("evaluate gate: %w", err)
		}
		outcome.Gate = eval

		if eval.Passed {
			c.publish(ctx, runID, phase, events.PhaseGatePassed, map[string]any{
				"score":            eval.Score,
				"evidence_pack_id": eval.EvidencePackID,
				"rubrics_met":      orEmpty(eval.RubricsMet),
			})
			return outcome, nil
		}

		c.publish(ctx, runID, phase, events.PhaseGateFailed, map[string]any{
			"reasons":          orEmpty(eval.Reasons),
			"score":            eval.Score,
			"required_actions": orEmpty(eval.RequiredActions),
			"can_waive":        eval.CanWaive,
		})
		if !c.autoRetry || attempt >= c.maxRetries {
			return outcome, ErrGateFailed
		}
		input = c.driver.EnhanceInputWithHints(input, eval.Hints)
		log.Info(ctx, log.KV{K: "msg", V: "gate failed, retrying with hints"},
			log.KV{K: "phase", V: phase},
			log.KV{K: "attempt", V: attempt + 1},
			log.KV{K: "hints", V: len(eval.Hints)})
	}
}

// runAgents executes every agent under the parallelism model and partitions
// the results. Sequential phases run one at a time; parallel phases are
// bounded by the concurrency limit. Agent failures never abort the group.
func (c *Coordinator) runAgents(ctx context.Context, phaseRunID string, agents []Agent, input map[string]any) (successes, failures []*AgentResult) {
	limit := c.maxConc
	if c.parallelism == Sequential {
		limit = 1
	}

	var mu sync.Mutex
	results := make([]*AgentResult, len(agents))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, agent := range agents {
		g.Go(func() error {
			res := c.runAgent(gctx, phaseRunID, agent, input)
			mu.Lock()
			results[i] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait() // agent goroutines never return errors

	for _, res := range results {
		if res.Err != nil {
			failures = append(failures, res)
			continue
		}
		successes = append(successes, res)
	}
	return successes, failures
}

func (c *Coordinator) runAgent(ctx context.Context, phaseRunID string, agent Agent, input map[string]any) *AgentResult {
	res := &AgentResult{Agent: agent}
	prepared, err := c.driver.PrepareAgentInput(ctx, agent, input)
	if err != nil {
		res.Err = fmt.Errorf("prepare input for %s: %w", agent.Name, err)
		return res
	}

	inv := &executor.Invocation{
		TaskID:         phaseRunID + "-" + agent.Name,
		Input:          prepared,
		SaveCheckpoint: func(string, map[string]any) {},
	}
	out, err := c.registry.ExecuteAgent(ctx, agent.Target, inv)
	if err != nil {
		res.Err = fmt.Errorf("agent %s: %w", agent.Name, err)
		log.Warn(ctx, log.KV{K: "msg", V: "agent failed"},
			log.KV{K: "agent", V: agent.Name},
			log.KV{K: "err", V: err.Error()})
		return res
	}
	res.Output = out.Output
	res.TokensUsed = out.TokensUsed
	res.CostUSD = out.CostUSD
	res.Artifacts = out.Artifacts
	return res
}

// orEmpty keeps event array fields as arrays, never null.
func orEmpty(ss []string) []string {
	if ss == nil {
		return []string{}
	}
	return ss
}

func (c *Coordinator) publish(ctx context.Context, runID, phase string, typ events.Type, payload map[string]any) {
	if c.bus == nil {
		return
	}
	e := events.New(typ, runID, payload, events.WithPhase(phase))
	if err := c.bus.Publish(ctx, e); err != nil {
		log.Warn(ctx, log.KV{K: "msg", V: "phase event publish failed"},
			log.KV{K: "type", V: string(typ)},
			log.KV{K: "err", V: err.Error()})
	}
}
