// Package priority implements class-based preemption over running tasks: P0
// is never preempted, P3 goes first. A policy of ordered rules fires when
// resource utilization crosses a threshold; victims are checkpointed, flipped
// to preempted in one transaction, and scheduled to resume once pressure
// subsides.
package priority

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"goa.design/clue/log"

	"github.com/ecoachlabs/ideamine-engine/checkpoint"
	"github.com/ecoachlabs/ideamine-engine/queue"
	"github.com/ecoachlabs/ideamine-engine/task"
)

type (
	// Config mirrors the preemption knobs of the engine configuration.
	Config struct {
		// EnablePreemption gates the evaluator; assignment always works.
		EnablePreemption bool
		// GracePeriod protects freshly started tasks from preemption.
		// Defaults to 30s.
		GracePeriod time.Duration
		// RetryDelay is how long a preempted task waits before its first
		// resume attempt. Defaults to 60s.
		RetryDelay time.Duration
		// MaxPreemptions fails a task preempted more than this many times.
		// Defaults to 3.
		MaxPreemptions int
		// MonitorInterval drives the policy evaluator. Defaults to 30s.
		MonitorInterval time.Duration
	}

	// Options configures the engine.
	Options struct {
		// Repo is the durable task store. Required.
		Repo task.Repository
		// Usage feeds utilization computation. Required.
		Usage UsageStore
		// Checkpoints preserves executor progress across preemption. Required.
		Checkpoints *checkpoint.Manager
		// Queue re-enqueues resumed tasks. Required.
		Queue *queue.Queue
		// Topic is the stream resumed tasks go back to. Defaults to "tasks".
		Topic string
		// Policy is the ordered rule set. Required when preemption is enabled.
		Policy *Policy
		// Config carries the preemption knobs.
		Config Config
	}

	// Engine is the priority scheduler.
	Engine struct {
		repo        task.Repository
		usage       UsageStore
		checkpoints *checkpoint.Manager
		queue       *queue.Queue
		topic       string
		policy      *Policy
		cfg         Config

		mu     sync.Mutex
		timers map[string]*time.Timer
		wg     sync.WaitGroup
	}
)

const (
	defaultGracePeriod     = 30 * time.Second
	defaultRetryDelay      = 60 * time.Second
	defaultMaxPreemptions  = 3
	defaultMonitorInterval = 30 * time.Second

	defaultTopic = "tasks"
)

// New builds the engine.
func New(opts Options) (*Engine, error) {
	if opts.Repo == nil {
		return nil, errors.New("task repository is required")
	}
	if opts.Usage == nil {
		return nil, errors.New("usage store is required")
	}
	if opts.Checkpoints == nil {
		return nil, errors.New("checkpoint manager is required")
	}
	if opts.Queue == nil {
		return nil, errors.New("queue is required")
	}
	if opts.Config.EnablePreemption && opts.Policy == nil {
		return nil, errors.New("preemption policy is required when preemption is enabled")
	}
	cfg := opts.Config
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = defaultGracePeriod
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	if cfg.MaxPreemptions <= 0 {
		cfg.MaxPreemptions = defaultMaxPreemptions
	}
	if cfg.MonitorInterval <= 0 {
		cfg.MonitorInterval = defaultMonitorInterval
	}
	topic := opts.Topic
	if topic == "" {
		topic = defaultTopic
	}
	return &Engine{
		repo:        opts.Repo,
		usage:       opts.Usage,
		checkpoints: opts.Checkpoints,
		queue:       opts.Queue,
		topic:       topic,
		policy:      opts.Policy,
		cfg:         cfg,
		timers:      make(map[string]*time.Timer),
	}, nil
}

// AssignPriority sets the class on a task. A prior non-overridable assignment
// makes the call fail.
func (e *Engine) AssignPriority(ctx context.Context, id string, class task.PriorityClass, reason string, overridable bool) error {
	if !class.Valid() {
		return fmt.Errorf("unknown priority class %q", class)
	}
	if err := e.repo.AssignPriority(ctx, id, class, reason, overridable); err != nil {
		return err
	}
	log.Info(ctx, log.KV{K: "msg", V: "priority assigned"},
		log.KV{K: "task_id", V: id},
		log.KV{K: "class", V: string(class)},
		log.KV{K: "reason", V: reason})
	return nil
}

// PreemptTask suspends one running task. Non-preemptible classes are a silent
// no-op; a task past the preemption cap is failed instead.
func (e *Engine) PreemptTask(ctx context.Context, id, reason, resource string) error {
	tk, err := e.repo.GetByID(ctx, id)
	if err != nil {
		return fmt.Errorf("load task %s: %w", id, err)
	}
	if !tk.PriorityClass.Preemptible() {
		log.Debug(ctx, log.KV{K: "msg", V: "preemption skipped, class exempt"},
			log.KV{K: "task_id", V: id},
			log.KV{K: "class", V: string(tk.PriorityClass)})
		return nil
	}
	if tk.PreemptionCount >= e.cfg.MaxPreemptions {
		msg := fmt.Sprintf("Exceeded max preemptions (%d)", e.cfg.MaxPreemptions)
		if err := e.repo.Fail(ctx, id, msg, tk.Retries); err != nil {
			return fmt.Errorf("fail task %s past preemption cap: %w", id, err)
		}
		log.Warn(ctx, log.KV{K: "msg", V: "task failed, preemption cap"},
			log.KV{K: "task_id", V: id},
			log.KV{K: "count", V: tk.PreemptionCount})
		return nil
	}

	// Keep executor progress when it already checkpointed; otherwise drop a
	// marker so the next attempt knows it restarts from the top.
	cp, err := e.checkpoints.Load(ctx, id)
	if err != nil {
		return err
	}
	if cp == nil {
		if err := e.checkpoints.Save(ctx, id, "preempted", map[string]any{"reason": reason}); err != nil {
			return err
		}
	}

	if err := e.repo.MarkPreempted(ctx, id, reason, resource); err != nil {
		return fmt.Errorf("mark task %s preempted: %w", id, err)
	}
	log.Info(ctx, log.KV{K: "msg", V: "task preempted"},
		log.KV{K: "task_id", V: id},
		log.KV{K: "reason", V: reason},
		log.KV{K: "resource", V: resource})

	e.scheduleResume(ctx, id, resource, e.cfg.RetryDelay)
	return nil
}

// ResumePreemptedTask returns a preempted task to pending and re-enqueues it.
// While the pressure that caused the preemption persists the resume is pushed
// back by another retry delay.
func (e *Engine) ResumePreemptedTask(ctx context.Context, id, resource string) error {
	pressured, err := e.underPressure(ctx, resource)
	if err != nil {
		return err
	}
	if pressured {
		log.Info(ctx, log.KV{K: "msg", V: "resume deferred, pressure persists"},
			log.KV{K: "task_id", V: id},
			log.KV{K: "resource", V: resource})
		e.scheduleResume(ctx, id, resource, e.cfg.RetryDelay)
		return nil
	}

	if err := e.repo.MarkResumed(ctx, id); err != nil {
		return fmt.Errorf("mark task %s resumed: %w", id, err)
	}

	tk, err := e.repo.GetByID(ctx, id)
	if err != nil {
		return fmt.Errorf("load resumed task %s: %w", id, err)
	}
	payload, err := queue.EncodeSpec(&tk.Spec)
	if err != nil {
		return err
	}
	// The original key sits in the dedup window; a per-resume suffix lets the
	// task re-enter the stream.
	key := fmt.Sprintf("%s-resume-%d", tk.IdempotenceKey, tk.PreemptionCount)
	if _, err := e.queue.Enqueue(ctx, e.topic, payload, key); err != nil {
		return fmt.Errorf("re-enqueue resumed task %s: %w", id, err)
	}
	log.Info(ctx, log.KV{K: "msg", V: "preempted task resumed"},
		log.KV{K: "task_id", V: id})
	return nil
}

// scheduleResume arms a one-shot resume for the task, replacing any armed one.
func (e *Engine) scheduleResume(ctx context.Context, id, resource string, delay time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.timers[id]; ok {
		t.Stop()
	}
	e.wg.Add(1)
	e.timers[id] = time.AfterFunc(delay, func() {
		defer e.wg.Done()
		e.mu.Lock()
		delete(e.timers, id)
		e.mu.Unlock()
		if err := e.ResumePreemptedTask(ctx, id, resource); err != nil {
			log.Error(ctx, err, log.KV{K: "msg", V: "resume failed"},
				log.KV{K: "task_id", V: id})
		}
	})
}

// StartMonitoring evaluates the preemption policy on a timer until ctx ends.
func (e *Engine) StartMonitoring(ctx context.Context) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(e.cfg.MonitorInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := e.EvaluatePolicy(ctx); err != nil {
					log.Error(ctx, err, log.KV{K: "msg", V: "policy evaluation failed"})
				}
			}
		}
	}()
}

// Stop cancels armed resume timers and waits for in-flight work.
func (e *Engine) Stop() {
	e.mu.Lock()
	for id, t := range e.timers {
		if t.Stop() {
			e.wg.Done()
		}
		delete(e.timers, id)
	}
	e.mu.Unlock()
	e.wg.Wait()
}

// EvaluatePolicy runs one evaluator pass: the highest-priority rule whose
// resource is at or past its threshold picks its victims and fires. At most
// one rule fires per pass.
func (e *Engine) EvaluatePolicy(ctx context.Context) error {
	if !e.cfg.EnablePreemption || e.policy == nil {
		return nil
	}
	util, err := e.Utilization(ctx)
	if err != nil {
		return err
	}
	for _, rule := range e.policy.Sorted() {
		pct, ok := util[rule.Condition.Resource]
		if !ok || pct < rule.Condition.Threshold {
			continue
		}
		victims, err := e.pickVictims(ctx, rule)
		if err != nil {
			return err
		}
		log.Info(ctx, log.KV{K: "msg", V: "preemption rule fired"},
			log.KV{K: "rule", V: rule.Name},
			log.KV{K: "resource", V: rule.Condition.Resource},
			log.KV{K: "utilization_pct", V: pct},
			log.KV{K: "victims", V: len(victims)})
		for _, v := range victims {
			reason := fmt.Sprintf("%s utilization %.1f%% >= %.1f%% (rule %s)",
				rule.Condition.Resource, pct, rule.Condition.Threshold, rule.Name)
			if err := e.PreemptTask(ctx, v.ID, reason, rule.Condition.Resource); err != nil {
				log.Error(ctx, err, log.KV{K: "msg", V: "preemption failed"},
					log.KV{K: "task_id", V: v.ID})
			}
		}
		return nil
	}
	return nil
}

// pickVictims lists running tasks in the rule's classes, drops those inside
// the grace period, and applies the rule's selection strategy.
func (e *Engine) pickVictims(ctx context.Context, rule Rule) ([]*task.Task, error) {
	candidates, err := e.repo.ListRunningByClass(ctx, rule.Action.Preempt)
	if err != nil {
		return nil, fmt.Errorf("list preemption candidates: %w", err)
	}
	now := time.Now()
	eligible := candidates[:0]
	for _, c := range candidates {
		if !c.PriorityClass.Preemptible() {
			continue
		}
		if c.StartedAt != nil && now.Sub(*c.StartedAt) < e.cfg.GracePeriod {
			continue
		}
		eligible = append(eligible, c)
	}
	return selectVictims(eligible, rule.Action.Selection, rule.Action.Count), nil
}

// underPressure reports whether any enabled rule for the resource would still
// fire. An empty resource checks every rule.
func (e *Engine) underPressure(ctx context.Context, resource string) (bool, error) {
	if !e.cfg.EnablePreemption || e.policy == nil {
		return false, nil
	}
	util, err := e.Utilization(ctx)
	if err != nil {
		return false, err
	}
	for _, rule := range e.policy.Sorted() {
		if resource != "" && rule.Condition.Resource != resource {
			continue
		}
		if pct, ok := util[rule.Condition.Resource]; ok && pct >= rule.Condition.Threshold {
			return true, nil
		}
	}
	return false, nil
}
