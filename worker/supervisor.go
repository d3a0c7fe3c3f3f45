package worker

import (
	"context"
	"errors"
	"time"

	"goa.design/clue/log"
	"golang.org/x/time/rate"

	"github.com/ecoachlabs/ideamine-engine/events"
	"github.com/ecoachlabs/ideamine-engine/queue"
	"github.com/ecoachlabs/ideamine-engine/task"
)

type (
	// SupervisorOptions configures the stalled-task supervisor.
	SupervisorOptions struct {
		// Repo is the durable task store. Required.
		Repo task.Repository
		// Queue is the job queue whose pending entries are scavenged. Required.
		Queue *queue.Queue
		// Worker replays reclaimed messages. Required.
		Worker *Worker
		// Bus, when set, receives phase.stalled events.
		Bus *events.Bus
		// Topic and Group default to the pool's.
		Topic string
		Group string
		// IdleThreshold is how stale a heartbeat or pending entry must be
		// before recovery kicks in. Defaults to 5m.
		IdleThreshold time.Duration
		// Interval is the scan period. Defaults to 60s.
		Interval time.Duration
		// ClaimRate bounds claim sweeps across supervisor replicas. Defaults
		// to one sweep per 10s with burst 1.
		ClaimRate *rate.Limiter
	}

	// Supervisor detects tasks whose worker stopped heartbeating and reclaims
	// their queue entries so a live worker re-runs them from the last
	// checkpoint.
	Supervisor struct {
		repo    task.Repository
		queue   *queue.Queue
		worker  *Worker
		bus     *events.Bus
		topic   string
		group   string
		idle    time.Duration
		period  time.Duration
		limiter *rate.Limiter
	}
)

const (
	defaultIdleThreshold = 5 * time.Minute
	defaultScanInterval  = 60 * time.Second
)

// NewSupervisor builds a supervisor.
func NewSupervisor(opts SupervisorOptions) (*Supervisor, error) {
	if opts.Repo == nil {
		return nil, errors.New("task repository is required")
	}
	if opts.Queue == nil {
		return nil, errors.New("queue is required")
	}
	if opts.Worker == nil {
		return nil, errors.New("worker is required")
	}
	topic := opts.Topic
	if topic == "" {
		topic = DefaultTopic
	}
	group := opts.Group
	if group == "" {
		group = DefaultGroup
	}
	idle := opts.IdleThreshold
	if idle <= 0 {
		idle = defaultIdleThreshold
	}
	period := opts.Interval
	if period <= 0 {
		period = defaultScanInterval
	}
	limiter := opts.ClaimRate
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Every(10*time.Second), 1)
	}
	return &Supervisor{
		repo:    opts.Repo,
		queue:   opts.Queue,
		worker:  opts.Worker,
		bus:     opts.Bus,
		topic:   topic,
		group:   group,
		idle:    idle,
		period:  period,
		limiter: limiter,
	}, nil
}

// Run scans until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one supervision pass: surface stalled tasks, then claim and
// replay abandoned queue entries.
func (s *Supervisor) Sweep(ctx context.Context) {
	stalled, err := s.repo.GetStalled(ctx, s.idle)
	if err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "stalled scan failed"})
	}
	for _, tk := range stalled {
		s.reportStalled(ctx, tk)
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return
	}
	claimed, err := s.queue.ClaimPending(ctx, s.topic, s.group, s.worker.ID(), s.idle)
	if err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "pending claim failed"})
		return
	}
	if claimed == 0 {
		return
	}
	replayed, err := s.queue.DrainOwnPending(ctx, s.topic, s.group, s.worker.ID(), s.worker.Handler())
	if err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "pending replay failed"})
		return
	}
	log.Info(ctx, log.KV{K: "msg", V: "abandoned tasks recovered"},
		log.KV{K: "claimed", V: claimed},
		log.KV{K: "replayed", V: replayed})
}

func (s *Supervisor) reportStalled(ctx context.Context, tk *task.Task) {
	last := tk.CreatedAt
	if tk.LastHeartbeatAt != nil {
		last = *tk.LastHeartbeatAt
	}
	log.Warn(ctx, log.KV{K: "msg", V: "task stalled"},
		log.KV{K: "task_id", V: tk.ID},
		log.KV{K: "worker_id", V: tk.WorkerID},
		log.KV{K: "last_heartbeat", V: last.Format(time.RFC3339)})

	if s.bus == nil {
		return
	}
	runID, _ := tk.Input["run_id"].(string)
	if runID == "" {
		return
	}
	e := events.New(events.PhaseStalled, runID, map[string]any{
		"task_id":        tk.ID,
		"last_heartbeat": last.Format(time.RFC3339),
		"duration_ms":    time.Since(last).Milliseconds(),
	}, events.WithPhase(string(tk.Phase)))
	if err := s.bus.Publish(ctx, e); err != nil {
		log.Warn(ctx, log.KV{K: "msg", V: "stalled event publish failed"},
			log.KV{K: "err", V: err.Error()})
	}
}
