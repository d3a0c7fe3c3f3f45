package phase_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ecoachlabs/ideamine-engine/events"
	"github.com/ecoachlabs/ideamine-engine/executor"
	"github.com/ecoachlabs/ideamine-engine/phase"
)

type stubDriver struct {
	agents  []phase.Agent
	prepare func(agent phase.Agent, input map[string]any) (map[string]any, error)
	enhance func(input map[string]any, hints []phase.GateHint) map[string]any
}

func (d *stubDriver) InitializeAgents(context.Context, map[string]any) ([]phase.Agent, error) {
	return d.agents, nil
}

func (d *stubDriver) PrepareAgentInput(_ context.Context, agent phase.Agent, input map[string]any) (map[string]any, error) {
	if d.prepare != nil {
		return d.prepare(agent, input)
	}
	return input, nil
}

func (d *stubDriver) AggregateResults(_ context.Context, successes, _ []*phase.AgentResult, _ map[string]any) ([]string, error) {
	var artifacts []string
	for _, res := range successes {
		artifacts = append(artifacts, res.Artifacts...)
	}
	return artifacts, nil
}

func (d *stubDriver) PrepareGateInput(_ context.Context, artifacts []string, _ map[string]any) (map[string]any, error) {
	return map[string]any{"artifacts": artifacts}, nil
}

func (d *stubDriver) EnhanceInputWithHints(input map[string]any, hints []phase.GateHint) map[string]any {
	if d.enhance != nil {
		return d.enhance(input, hints)
	}
	return input
}

type stubGatekeeper struct {
	evals []*phase.GateEvaluation
	calls int
}

func (g *stubGatekeeper) Evaluate(context.Context, map[string]any) (*phase.GateEvaluation, error) {
	eval := g.evals[g.calls]
	g.calls++
	return eval, nil
}

type phaseEvents struct {
	mu     sync.Mutex
	events []*events.Event
}

func (r *phaseEvents) record(_ context.Context, e *events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *phaseEvents) types() []events.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Type, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

func agentNames(n int) []phase.Agent {
	agents := make([]phase.Agent, n)
	for i := range agents {
		agents[i] = phase.Agent{Name: fmt.Sprintf("a%d", i), Target: "echo"}
	}
	return agents
}

func newCoordinator(t *testing.T, opts phase.CoordinatorOptions) (*phase.Coordinator, *phaseEvents) {
	t.Helper()
	bus, err := events.NewBus()
	require.NoError(t, err)
	rec := &phaseEvents{}
	bus.Subscribe("phase.*", rec.record)
	opts.Bus = bus
	c, err := phase.NewCoordinator(opts)
	require.NoError(t, err)
	return c, rec
}

func TestCoordinatorRunsAgentsAndAggregates(t *testing.T) {
	reg := executor.NewFuncRegistry()
	reg.RegisterAgent("echo", func(_ context.Context, inv *executor.Invocation) (*executor.Result, error) {
		return &executor.Result{
			Output:    json.RawMessage(`{"ok":true}`),
			Artifacts: []string{"art-" + inv.TaskID},
		}, nil
	})

	c, rec := newCoordinator(t, phase.CoordinatorOptions{
		Driver:   &stubDriver{agents: agentNames(3)},
		Registry: reg,
	})

	outcome, err := c.Run(context.Background(), "run-1", "IDEATION", map[string]any{"idea": "x"})
	require.NoError(t, err)
	assert.Len(t, outcome.Successes, 3)
	assert.Empty(t, outcome.Failures)
	assert.Len(t, outcome.Artifacts, 3)
	assert.Equal(t, 1, outcome.Attempts)
	assert.NotEmpty(t, outcome.PhaseRunID)

	assert.Equal(t, []events.Type{events.PhaseStarted, events.PhaseReady}, rec.types())
	assert.Equal(t, "IDEATION", rec.events[0].Phase)
	assert.Equal(t, "run-1", rec.events[0].WorkflowRunID)
}

func TestCoordinatorSequentialRunsOneAtATime(t *testing.T) {
	var active, peak int32
	reg := executor.NewFuncRegistry()
	reg.RegisterAgent("echo", func(context.Context, *executor.Invocation) (*executor.Result, error) {
		n := atomic.AddInt32(&active, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&active, -1)
		return &executor.Result{}, nil
	})

	c, _ := newCoordinator(t, phase.CoordinatorOptions{
		Driver:      &stubDriver{agents: agentNames(4)},
		Registry:    reg,
		Parallelism: phase.Sequential,
	})

	_, err := c.Run(context.Background(), "run-1", "PRD", nil)
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&peak))
}

func TestCoordinatorBoundsParallelism(t *testing.T) {
	var active, peak int32
	reg := executor.NewFuncRegistry()
	reg.RegisterAgent("echo", func(context.Context, *executor.Invocation) (*executor.Result, error) {
		n := atomic.AddInt32(&active, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&active, -1)
		return &executor.Result{}, nil
	})

	c, _ := newCoordinator(t, phase.CoordinatorOptions{
		Driver:         &stubDriver{agents: agentNames(6)},
		Registry:       reg,
		MaxConcurrency: 2,
	})

	_, err := c.Run(context.Background(), "run-1", "PRD", nil)
	require.NoError(t, err)
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
	assert.GreaterOrEqual(t, atomic.LoadInt32(&peak), int32(1))
}

func TestCoordinatorFailsBelowMinRequiredAgents(t *testing.T) {
	reg := executor.NewFuncRegistry()
	var calls int32
	reg.RegisterAgent("echo", func(context.Context, *executor.Invocation) (*executor.Result, error) {
		if atomic.AddInt32(&calls, 1) > 1 {
			return nil, errors.New("llm unavailable")
		}
		return &executor.Result{}, nil
	})

	c, rec := newCoordinator(t, phase.CoordinatorOptions{
		Driver:      &stubDriver{agents: agentNames(3)},
		Registry:    reg,
		Parallelism: phase.Sequential,
	})

	outcome, err := c.Run(context.Background(), "run-1", "QA", nil)
	require.ErrorIs(t, err, phase.ErrTooFewAgents)
	assert.Len(t, outcome.Successes, 1)
	assert.Len(t, outcome.Failures, 2)
	assert.Contains(t, rec.types(), events.PhaseError)
}

func TestCoordinatorToleratesFailuresAboveThreshold(t *testing.T) {
	reg := executor.NewFuncRegistry()
	var calls int32
	reg.RegisterAgent("echo", func(context.Context, *executor.Invocation) (*executor.Result, error) {
		if atomic.AddInt32(&calls, 1) > 1 {
			return nil, errors.New("llm unavailable")
		}
		return &executor.Result{Artifacts: []string{"a"}}, nil
	})

	c, _ := newCoordinator(t, phase.CoordinatorOptions{
		Driver:            &stubDriver{agents: agentNames(3)},
		Registry:          reg,
		Parallelism:       phase.Sequential,
		MinRequiredAgents: 1,
	})

	outcome, err := c.Run(context.Background(), "run-1", "QA", nil)
	require.NoError(t, err)
	assert.Len(t, outcome.Successes, 1)
	assert.Len(t, outcome.Failures, 2)
	assert.Equal(t, []string{"a"}, outcome.Artifacts)
}

func TestCoordinatorRetriesGateWithHints(t *testing.T) {
	var sawHints atomic.Bool
	reg := executor.NewFuncRegistry()
	reg.RegisterAgent("echo", func(_ context.Context, inv *executor.Invocation) (*executor.Result, error) {
		if _, ok := inv.Input["gateHints"]; ok {
			sawHints.Store(true)
		}
		return &executor.Result{Artifacts: []string{"a"}}, nil
	})

	driver := &stubDriver{
		agents: agentNames(1),
		enhance: func(input map[string]any, hints []phase.GateHint) map[string]any {
			out := make(map[string]any, len(input)+1)
			for k, v := range input {
				out[k] = v
			}
			out["gateHints"] = hints
			return out
		},
	}
	gate := &stubGatekeeper{evals: []*phase.GateEvaluation{
		{
			Score:   52,
			Reasons: []string{"coverage below threshold"},
			Hints: []phase.GateHint{{
				Metric: "coverage", Actual: 52, Threshold: 80,
				Advice: "add tests for the unhappy paths",
			}},
		},
		{Passed: true, Score: 91, RubricsMet: []string{"coverage"}},
	}}

	c, rec := newCoordinator(t, phase.CoordinatorOptions{
		Driver:              driver,
		Registry:            reg,
		Gatekeeper:          gate,
		AutoRetryOnGateFail: true,
	})

	outcome, err := c.Run(context.Background(), "run-1", "QA", map[string]any{"story": "S1"})
	require.NoError(t, err)
	assert.Equal(t, 2, outcome.Attempts)
	assert.True(t, outcome.Gate.Passed)
	assert.True(t, sawHints.Load(), "retry ran with hint-enhanced input")
	assert.Equal(t, []events.Type{
		events.PhaseStarted,
		events.PhaseReady,
		events.PhaseGateFailed,
		events.PhaseReady,
		events.PhaseGatePassed,
	}, rec.types())
}

func TestCoordinatorGateRetriesExhaust(t *testing.T) {
	reg := executor.NewFuncRegistry()
	reg.RegisterAgent("echo", func(context.Context, *executor.Invocation) (*executor.Result, error) {
		return &executor.Result{}, nil
	})

	failing := &phase.GateEvaluation{Score: 10, Reasons: []string{"no evidence"}}
	gate := &stubGatekeeper{evals: []*phase.GateEvaluation{failing, failing, failing}}

	c, _ := newCoordinator(t, phase.CoordinatorOptions{
		Driver:              &stubDriver{agents: agentNames(1)},
		Registry:            reg,
		Gatekeeper:          gate,
		AutoRetryOnGateFail: true,
	})

	outcome, err := c.Run(context.Background(), "run-1", "QA", nil)
	require.ErrorIs(t, err, phase.ErrGateFailed)
	assert.Equal(t, 3, outcome.Attempts)
	assert.Equal(t, 3, gate.calls)
}

func TestCoordinatorGateFailNoAutoRetry(t *testing.T) {
	reg := executor.NewFuncRegistry()
	reg.RegisterAgent("echo", func(context.Context, *executor.Invocation) (*executor.Result, error) {
		return &executor.Result{}, nil
	})
	gate := &stubGatekeeper{evals: []*phase.GateEvaluation{
		{Score: 10, Reasons: []string{"no evidence"}},
	}}

	c, _ := newCoordinator(t, phase.CoordinatorOptions{
		Driver:     &stubDriver{agents: agentNames(1)},
		Registry:   reg,
		Gatekeeper: gate,
	})

	outcome, err := c.Run(context.Background(), "run-1", "QA", nil)
	require.ErrorIs(t, err, phase.ErrGateFailed)
	assert.Equal(t, 1, outcome.Attempts)
}
