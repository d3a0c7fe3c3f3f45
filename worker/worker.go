// Package worker runs claimed tasks through the executor registry: flip the
// durable record to running, resume from any saved checkpoint, heartbeat while
// the executor works, and record the terminal outcome. The pool scales workers
// against queue depth; the supervisor recovers tasks whose worker died.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"goa.design/clue/log"

	"github.com/ecoachlabs/ideamine-engine/checkpoint"
	"github.com/ecoachlabs/ideamine-engine/clients/redis"
	"github.com/ecoachlabs/ideamine-engine/events"
	"github.com/ecoachlabs/ideamine-engine/executor"
	"github.com/ecoachlabs/ideamine-engine/queue"
	"github.com/ecoachlabs/ideamine-engine/task"
)

type (
	// Options configures one worker.
	Options struct {
		// ID names the worker; it doubles as the stream consumer name.
		// Generated when empty.
		ID string
		// Repo is the durable task store. Required.
		Repo task.Repository
		// Checkpoints manages resumption tokens. Required.
		Checkpoints *checkpoint.Manager
		// Registry resolves executor targets. Required.
		Registry executor.Registry
		// Redis, when set, maintains the liveness key heartbeat:{task_id}.
		Redis *redis.Client
		// Bus, when set, receives agent lifecycle and artifact events.
		Bus *events.Bus
		// HeartbeatInterval defaults to 60s.
		HeartbeatInterval time.Duration
		// HeartbeatTTL bounds the liveness key. Defaults to 5m.
		HeartbeatTTL time.Duration
	}

	// Worker executes task specs.
	Worker struct {
		id          string
		repo        task.Repository
		checkpoints *checkpoint.Manager
		registry    executor.Registry
		rdb         *redis.Client
		bus         *events.Bus
		hbInterval  time.Duration
		hbTTL       time.Duration
	}
)

const (
	defaultHeartbeatInterval = 60 * time.Second
	defaultHeartbeatTTL      = 5 * time.Minute

	heartbeatPrefix = "heartbeat:"
)

// New builds a worker.
func New(opts Options) (*Worker, error) {
	if opts.Repo == nil {
		return nil, errors.New("task repository is required")
	}
	if opts.Checkpoints == nil {
		return nil, errors.New("checkpoint manager is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("executor registry is required")
	}
	id := opts.ID
	if id == "" {
		id = "worker-" + uuid.New().String()[:8]
	}
	hbInterval := opts.HeartbeatInterval
	if hbInterval <= 0 {
		hbInterval = defaultHeartbeatInterval
	}
	hbTTL := opts.HeartbeatTTL
	if hbTTL <= 0 {
		hbTTL = defaultHeartbeatTTL
	}
	return &Worker{
		id:          id,
		repo:        opts.Repo,
		checkpoints: opts.Checkpoints,
		registry:    opts.Registry,
		rdb:         opts.Redis,
		bus:         opts.Bus,
		hbInterval:  hbInterval,
		hbTTL:       hbTTL,
	}, nil
}

// ID returns the worker's consumer name.
func (w *Worker) ID() string { return w.id }

// Handler adapts the worker to the queue: decode the spec and run it. Infra
// failures (store unreachable) leave the message pending for recovery;
// execution failures are recorded durably and acknowledged.
func (w *Worker) Handler() queue.Handler {
	return func(ctx context.Context, msg *queue.Message) error {
		var spec task.Spec
		if err := json.Unmarshal(msg.Payload, &spec); err != nil {
			// Poison payload: ack it, the durable record (if any) stays pending
			// for the supervisor to surface.
			log.Error(ctx, err, log.KV{K: "msg", V: "undecodable task payload acked"},
				log.KV{K: "message_id", V: msg.ID})
			return nil
		}
		return w.RunTask(ctx, &spec)
	}
}

// RunTask executes one task attempt end to end. The returned error is non-nil
// only for infrastructure failures; executor failures are written to the task
// record and nil is returned so the queue acknowledges the message.
func (w *Worker) RunTask(ctx context.Context, spec *task.Spec) error {
	if spec.ID == "" {
		return errors.New("task spec has no id")
	}

	tk, err := w.repo.GetByID(ctx, spec.ID)
	if err != nil {
		return fmt.Errorf("load task %s: %w", spec.ID, err)
	}
	if tk.Status.Terminal() || tk.Status == task.StatusPreempted {
		log.Info(ctx, log.KV{K: "msg", V: "skipping task in state"},
			log.KV{K: "task_id", V: spec.ID},
			log.KV{K: "status", V: string(tk.Status)})
		return nil
	}

	if err := w.repo.UpdateStatus(ctx, spec.ID, task.StatusRunning, w.id); err != nil {
		return fmt.Errorf("mark task %s running: %w", spec.ID, err)
	}

	cp, err := w.checkpoints.Load(ctx, spec.ID)
	if err != nil {
		return err
	}

	execCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	hb := w.startHeartbeat(ctx, spec.ID, cancel)

	inv := &executor.Invocation{
		TaskID:         spec.ID,
		Input:          spec.Input,
		SaveCheckpoint: w.checkpoints.CallbackFor(ctx, spec.ID),
	}
	if cp != nil {
		inv.CheckpointToken = cp.Token
		if len(cp.Data) > 0 {
			var data map[string]any
			if err := json.Unmarshal(cp.Data, &data); err == nil {
				inv.CheckpointData = data
			}
		}
		log.Info(ctx, log.KV{K: "msg", V: "resuming from checkpoint"},
			log.KV{K: "task_id", V: spec.ID},
			log.KV{K: "token", V: cp.Token})
	}

	w.publish(ctx, spec, events.AgentStarted, map[string]any{
		"task_id": spec.ID,
		"target":  spec.Target,
	})

	started := time.Now()
	var res *executor.Result
	switch spec.Type {
	case task.TypeTool:
		res, err = w.registry.ExecuteTool(execCtx, spec.Target, inv)
	default:
		res, err = w.registry.ExecuteAgent(execCtx, spec.Target, inv)
	}
	elapsed := time.Since(started)
	hb.stop()

	if err != nil {
		return w.finishFailure(ctx, spec, hb, err)
	}
	return w.finishSuccess(ctx, spec, res, elapsed)
}

// finishSuccess records completion, drops the checkpoint, and publishes the
// terminal events.
func (w *Worker) finishSuccess(ctx context.Context, spec *task.Spec, res *executor.Result, elapsed time.Duration) error {
	metrics := task.Metrics{
		CostUSD:    res.CostUSD,
		TokensUsed: res.TokensUsed,
		DurationMS: elapsed.Milliseconds(),
	}
	if err := w.repo.Complete(ctx, spec.ID, res.Output, metrics); err != nil {
		return fmt.Errorf("mark task %s completed: %w", spec.ID, err)
	}
	if err := w.checkpoints.Delete(ctx, spec.ID); err != nil {
		log.Warn(ctx, log.KV{K: "msg", V: "checkpoint cleanup failed"},
			log.KV{K: "task_id", V: spec.ID},
			log.KV{K: "err", V: err.Error()})
	}
	w.clearLiveness(ctx, spec.ID)

	w.publish(ctx, spec, events.AgentCompleted, map[string]any{
		"task_id":     spec.ID,
		"cost":        metrics.CostUSD,
		"tokens":      metrics.TokensUsed,
		"duration_ms": metrics.DurationMS,
	})
	for _, uri := range res.Artifacts {
		w.publish(ctx, spec, events.ArtifactCreated, map[string]any{"uri": uri})
	}
	log.Info(ctx, log.KV{K: "msg", V: "task completed"},
		log.KV{K: "task_id", V: spec.ID},
		log.KV{K: "worker_id", V: w.id},
		log.KV{K: "duration_ms", V: metrics.DurationMS})
	return nil
}

// finishFailure distinguishes interruptions observed at the heartbeat boundary
// (cancellation, preemption: the record was already flipped elsewhere) from
// genuine executor failures. The checkpoint is retained in every branch so the
// next attempt resumes.
func (w *Worker) finishFailure(ctx context.Context, spec *task.Spec, hb *heartbeat, execErr error) error {
	switch hb.interruption() {
	case task.StatusCancelled:
		log.Info(ctx, log.KV{K: "msg", V: "task cancelled mid-run"},
			log.KV{K: "task_id", V: spec.ID})
		return nil
	case task.StatusPreempted:
		log.Info(ctx, log.KV{K: "msg", V: "task preempted mid-run"},
			log.KV{K: "task_id", V: spec.ID})
		return nil
	}

	retries := spec.Retries + 1
	if err := w.repo.Fail(ctx, spec.ID, execErr.Error(), retries); err != nil {
		return fmt.Errorf("mark task %s failed: %w", spec.ID, err)
	}
	w.clearLiveness(ctx, spec.ID)
	w.publish(ctx, spec, events.AgentFailed, map[string]any{
		"task_id":     spec.ID,
		"error":       execErr.Error(),
		"retry_count": retries,
	})
	log.Error(ctx, execErr, log.KV{K: "msg", V: "task failed"},
		log.KV{K: "task_id", V: spec.ID},
		log.KV{K: "worker_id", V: w.id})
	return nil
}

func (w *Worker) clearLiveness(ctx context.Context, taskID string) {
	if w.rdb == nil {
		return
	}
	if err := w.rdb.Del(ctx, heartbeatPrefix+taskID).Err(); err != nil {
		log.Debug(ctx, log.KV{K: "msg", V: "liveness key cleanup failed"},
			log.KV{K: "task_id", V: taskID},
			log.KV{K: "err", V: err.Error()})
	}
}

// publish emits an event when a bus is wired and the spec carries a run ID.
func (w *Worker) publish(ctx context.Context, spec *task.Spec, typ events.Type, payload map[string]any) {
	if w.bus == nil {
		return
	}
	runID, _ := spec.Input["run_id"].(string)
	if runID == "" {
		return
	}
	e := events.New(typ, runID, payload, events.WithPhase(string(spec.Phase)))
	if err := w.bus.Publish(ctx, e); err != nil {
		log.Warn(ctx, log.KV{K: "msg", V: "event publish failed"},
			log.KV{K: "type", V: string(typ)},
			log.KV{K: "err", V: err.Error()})
	}
}
