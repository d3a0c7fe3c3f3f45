// Package scheduler materializes a phase plan into deduplicated,
// budget-partitioned task specs and enqueues them for the worker pool.
package scheduler

import (
	"context"
	"errors"
	"fmt"

	"goa.design/clue/log"

	"github.com/ecoachlabs/ideamine-engine/keys"
	"github.com/ecoachlabs/ideamine-engine/phase"
	"github.com/ecoachlabs/ideamine-engine/queue"
	"github.com/ecoachlabs/ideamine-engine/task"
)

type (
	// Context carries the run-scoped inputs a plan is scheduled against.
	Context struct {
		RunID   string
		PhaseID string
		Inputs  map[string]any
	}

	// Result summarizes one scheduling pass.
	Result struct {
		TaskIDs       []string
		TotalTasks    int
		EnqueuedTasks int
	}

	// Options configures the scheduler.
	Options struct {
		// Repo is the durable task store. Required.
		Repo task.Repository
		// Queue is the job queue. Required.
		Queue *queue.Queue
		// Topic is the stream the pool consumes. Defaults to "tasks".
		Topic string
	}

	// Scheduler translates plans into enqueued tasks.
	Scheduler struct {
		repo  task.Repository
		queue *queue.Queue
		topic string
	}
)

// DefaultTopic is the stream the worker pool consumes.
const DefaultTopic = "tasks"

// costPerToken is the flat a-priori estimate used to derive a cost budget
// from a token budget: $0.01 per 1000 tokens.
const costPerToken = 0.01 / 1000

// shardKeys are the input keys recognized as shardable lists.
var shardKeys = []string{"questions", "tests", "items", "data", "list"}

// New builds a scheduler.
func New(opts Options) (*Scheduler, error) {
	if opts.Repo == nil {
		return nil, errors.New("task repository is required")
	}
	if opts.Queue == nil {
		return nil, errors.New("job queue is required")
	}
	topic := opts.Topic
	if topic == "" {
		topic = DefaultTopic
	}
	return &Scheduler{repo: opts.Repo, queue: opts.Queue, topic: topic}, nil
}

// Schedule fans the plan out into one task per agent: budgets are split with
// integer floor, idempotence keys derived from the phase, agent, inputs, and
// plan version. Tasks are inserted pending and then enqueued; a suppressed
// duplicate keeps its harmless DB row and is not counted as enqueued.
func (s *Scheduler) Schedule(ctx context.Context, plan *phase.Plan, sctx *Context) (*Result, error) {
	if err := plan.Validate(); err != nil {
		return nil, fmt.Errorf("invalid plan: %w", err)
	}
	if sctx == nil || sctx.RunID == "" || sctx.PhaseID == "" {
		return nil, errors.New("schedule context requires run and phase ids")
	}

	n := int64(len(plan.Agents))
	msPerTask := plan.Timebox.Milliseconds() / n
	tokensPerTask := plan.Budgets.Tokens / n

	result := &Result{}
	for _, target := range plan.Agents {
		spec := s.buildSpec(plan, sctx, target, msPerTask, tokensPerTask)

		id, err := s.repo.Create(ctx, spec)
		if err != nil {
			return result, fmt.Errorf("create task for %s: %w", target, err)
		}
		spec.ID = id
		result.TaskIDs = append(result.TaskIDs, id)
		result.TotalTasks++

		payload, err := queue.EncodeSpec(spec)
		if err != nil {
			return result, err
		}
		msgID, err := s.queue.Enqueue(ctx, s.topic, payload, spec.IdempotenceKey)
		if err != nil {
			return result, fmt.Errorf("enqueue task %s: %w", id, err)
		}
		if msgID != "" {
			result.EnqueuedTasks++
		}
	}

	log.Info(ctx, log.KV{K: "msg", V: "phase scheduled"},
		log.KV{K: "phase", V: string(plan.Phase)},
		log.KV{K: "phase_id", V: sctx.PhaseID},
		log.KV{K: "total", V: result.TotalTasks},
		log.KV{K: "enqueued", V: result.EnqueuedTasks})
	return result, nil
}

func (s *Scheduler) buildSpec(plan *phase.Plan, sctx *Context, target string, msPerTask, tokensPerTask int64) *task.Spec {
	input := make(map[string]any, len(sctx.Inputs)+4)
	for k, v := range sctx.Inputs {
		input[k] = v
	}
	input["run_id"] = sctx.RunID
	input["phase_id"] = sctx.PhaseID
	if len(plan.Rubrics) > 0 {
		input["rubrics"] = plan.Rubrics
	}
	input["budget"] = map[string]any{
		"maxTokens":  tokensPerTask,
		"maxCostUsd": float64(tokensPerTask) * costPerToken,
	}

	keyInputs := make(map[string]any, len(sctx.Inputs)+1)
	for k, v := range sctx.Inputs {
		keyInputs[k] = v
	}
	keyInputs["agent"] = target

	return &task.Spec{
		Phase:   plan.Phase,
		PhaseID: sctx.PhaseID,
		Type:    task.TypeAgent,
		Target:  target,
		Input:   input,
		Budget: task.Budget{
			MS:     msPerTask,
			Tokens: tokensPerTask,
		},
		IdempotenceKey: keys.ForTask(string(plan.Phase), keyInputs, plan.Version),
	}
}

// ShardTask splits a spec whose input carries a recognized list longer than
// shardSize into sequentially numbered shards. Each shard input keeps the
// full context but narrows the list and records its range under "_shard".
// Specs without an oversized list come back unchanged as a single element.
func ShardTask(spec *task.Spec, shardSize int) []*task.Spec {
	if shardSize <= 0 {
		return []*task.Spec{spec}
	}
	listKey := ""
	var list []any
	for _, k := range shardKeys {
		if v, ok := spec.Input[k]; ok {
			if l, ok := v.([]any); ok && len(l) > shardSize {
				listKey, list = k, l
				break
			}
		}
	}
	if listKey == "" {
		return []*task.Spec{spec}
	}

	total := (len(list) + shardSize - 1) / shardSize
	shards := make([]*task.Spec, 0, total)
	for i := 0; i < total; i++ {
		start := i * shardSize
		end := start + shardSize
		if end > len(list) {
			end = len(list)
		}
		input := make(map[string]any, len(spec.Input)+1)
		for k, v := range spec.Input {
			input[k] = v
		}
		input[listKey] = list[start:end]
		input["_shard"] = map[string]any{
			"index": i,
			"total": total,
			"start": start,
			"end":   end,
		}
		shard := *spec
		shard.Input = input
		shard.IdempotenceKey = keys.ForShard(spec.IdempotenceKey, i)
		shards = append(shards, &shard)
	}
	return shards
}

// CancelPhase marks all pending and running tasks of the phase run cancelled.
// Running tasks terminate at their next heartbeat boundary.
func (s *Scheduler) CancelPhase(ctx context.Context, phaseID string) (int, error) {
	return s.repo.CancelPhase(ctx, phaseID)
}
