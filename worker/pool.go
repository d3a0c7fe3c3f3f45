package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"goa.design/clue/log"

	"github.com/ecoachlabs/ideamine-engine/queue"
)

type (
	// PoolOptions configures the worker pool.
	PoolOptions struct {
		// Queue is the job queue the pool consumes. Required.
		Queue *queue.Queue
		// NewWorker builds a worker for a given consumer name. Required.
		NewWorker func(id string) (*Worker, error)
		// Topic defaults to "tasks".
		Topic string
		// Group defaults to "phase-workers".
		Group string
		// MinWorkers defaults to 1.
		MinWorkers int
		// MaxWorkers defaults to min(NumCPU, 4).
		MaxWorkers int
		// ScaleInterval is how often queue depth is sampled. Defaults to 30s.
		ScaleInterval time.Duration
		// StopGrace bounds how long Stop waits for consume loops. Defaults
		// to 2s.
		StopGrace time.Duration
	}

	// Pool runs a scaling set of consume loops against one topic.
	Pool struct {
		queue         *queue.Queue
		newWorker     func(id string) (*Worker, error)
		topic         string
		group         string
		minWorkers    int
		maxWorkers    int
		scaleInterval time.Duration
		stopGrace     time.Duration

		mu      sync.Mutex
		id      string
		seq     int
		active  []string // consumer names, scale-down pops the newest
		started bool
		wg      sync.WaitGroup

		workerGauge metric.Int64UpDownCounter
		depthGauge  metric.Int64Gauge
	}
)

const (
	// DefaultTopic is the stream the pool consumes.
	DefaultTopic = "tasks"
	// DefaultGroup is the consumer group the pool's workers join.
	DefaultGroup = "phase-workers"

	defaultScaleInterval = 30 * time.Second
	defaultStopGrace     = 2 * time.Second

	// Autoscale thresholds: grow when the backlog exceeds scaleUpFactor
	// messages per worker, shrink below scaleDownFactor.
	scaleUpFactor   = 5
	scaleDownFactor = 2
)

// DefaultMaxWorkers caps pool size at min(NumCPU, 4).
func DefaultMaxWorkers() int {
	n := runtime.NumCPU()
	if n > 4 {
		n = 4
	}
	if n < 1 {
		n = 1
	}
	return n
}

// NewPool builds an idle pool; Start spins up the minimum worker set.
func NewPool(opts PoolOptions) (*Pool, error) {
	if opts.Queue == nil {
		return nil, errors.New("queue is required")
	}
	if opts.NewWorker == nil {
		return nil, errors.New("worker factory is required")
	}
	topic := opts.Topic
	if topic == "" {
		topic = DefaultTopic
	}
	group := opts.Group
	if group == "" {
		group = DefaultGroup
	}
	minWorkers := opts.MinWorkers
	if minWorkers <= 0 {
		minWorkers = 1
	}
	maxWorkers := opts.MaxWorkers
	if maxWorkers <= 0 {
		maxWorkers = DefaultMaxWorkers()
	}
	if maxWorkers < minWorkers {
		maxWorkers = minWorkers
	}
	scaleInterval := opts.ScaleInterval
	if scaleInterval <= 0 {
		scaleInterval = defaultScaleInterval
	}
	stopGrace := opts.StopGrace
	if stopGrace <= 0 {
		stopGrace = defaultStopGrace
	}
	meter := otel.Meter("ideamine-engine/worker")
	workerGauge, err := meter.Int64UpDownCounter("engine.pool.workers",
		metric.WithDescription("Active stream consumers in the pool"))
	if err != nil {
		return nil, fmt.Errorf("create worker gauge: %w", err)
	}
	depthGauge, err := meter.Int64Gauge("engine.queue.depth",
		metric.WithDescription("Sampled task stream length"))
	if err != nil {
		return nil, fmt.Errorf("create depth gauge: %w", err)
	}
	return &Pool{
		queue:         opts.Queue,
		newWorker:     opts.NewWorker,
		topic:         topic,
		group:         group,
		minWorkers:    minWorkers,
		maxWorkers:    maxWorkers,
		scaleInterval: scaleInterval,
		stopGrace:     stopGrace,
		id:            "pool-" + uuid.New().String()[:8],
		workerGauge:   workerGauge,
		depthGauge:    depthGauge,
	}, nil
}

// Start launches the minimum worker set and the autoscale loop. It returns
// once the loops are running; they end when ctx is cancelled or Stop is
// called.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return errors.New("pool already started")
	}
	p.started = true
	p.mu.Unlock()

	for i := 0; i < p.minWorkers; i++ {
		if err := p.scaleUp(ctx); err != nil {
			return err
		}
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.autoscaleLoop(ctx)
	}()

	log.Info(ctx, log.KV{K: "msg", V: "worker pool started"},
		log.KV{K: "pool_id", V: p.id},
		log.KV{K: "workers", V: p.minWorkers},
		log.KV{K: "max_workers", V: p.maxWorkers})
	return nil
}

// Stop signals every consume loop and waits up to the grace period for the
// in-flight reads to unwind.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	consumers := make([]string, len(p.active))
	copy(consumers, p.active)
	p.active = nil
	p.started = false
	p.mu.Unlock()

	for _, c := range consumers {
		p.queue.StopConsumer(p.topic, p.group, c)
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Info(ctx, log.KV{K: "msg", V: "worker pool stopped"},
			log.KV{K: "pool_id", V: p.id})
		return nil
	case <-time.After(p.stopGrace):
		return fmt.Errorf("pool %s: %d consumers still draining after %s", p.id, len(consumers), p.stopGrace)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Scale converges the pool to target workers, clamped to [min, max]. Removed
// consumers stop reading immediately; their loops unwind on their own and any
// pending entries are reclaimed by the supervisor.
func (p *Pool) Scale(ctx context.Context, target int) error {
	if target < p.minWorkers {
		target = p.minWorkers
	}
	if target > p.maxWorkers {
		target = p.maxWorkers
	}
	for {
		p.mu.Lock()
		running := p.started
		size := len(p.active)
		p.mu.Unlock()
		if !running {
			return errors.New("pool not started")
		}
		switch {
		case size < target:
			if err := p.scaleUp(ctx); err != nil {
				return err
			}
		case size > target:
			p.scaleDown()
		default:
			return nil
		}
	}
}

// Size reports the current worker count.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active)
}

// autoscaleLoop samples queue depth and grows or shrinks the pool: more than
// scaleUpFactor messages per worker adds one, fewer than scaleDownFactor
// removes one, always within [min, max].
func (p *Pool) autoscaleLoop(ctx context.Context) {
	ticker := time.NewTicker(p.scaleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		p.mu.Lock()
		running := p.started
		size := len(p.active)
		p.mu.Unlock()
		if !running {
			return
		}

		depth, err := p.queue.Depth(ctx, p.topic)
		if err != nil {
			log.Warn(ctx, log.KV{K: "msg", V: "depth sample failed"},
				log.KV{K: "topic", V: p.topic},
				log.KV{K: "err", V: err.Error()})
			continue
		}
		p.depthGauge.Record(ctx, depth)

		switch {
		case depth > int64(size*scaleUpFactor) && size < p.maxWorkers:
			if err := p.scaleUp(ctx); err != nil {
				log.Error(ctx, err, log.KV{K: "msg", V: "scale up failed"})
			} else {
				log.Info(ctx, log.KV{K: "msg", V: "scaled up"},
					log.KV{K: "depth", V: depth},
					log.KV{K: "workers", V: size + 1})
			}
		case depth < int64(size*scaleDownFactor) && size > p.minWorkers:
			p.scaleDown()
			log.Info(ctx, log.KV{K: "msg", V: "scaled down"},
				log.KV{K: "depth", V: depth},
				log.KV{K: "workers", V: size - 1})
		}
	}
}

// scaleUp builds one worker and launches its consume loop.
func (p *Pool) scaleUp(ctx context.Context) error {
	p.mu.Lock()
	p.seq++
	name := fmt.Sprintf("%s-w%d", p.id, p.seq)
	p.active = append(p.active, name)
	p.mu.Unlock()

	w, err := p.newWorker(name)
	if err != nil {
		p.remove(name)
		return fmt.Errorf("build worker %s: %w", name, err)
	}

	p.workerGauge.Add(ctx, 1)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := p.queue.Consume(ctx, p.topic, p.group, name, w.Handler()); err != nil && !errors.Is(err, context.Canceled) {
			log.Error(ctx, err, log.KV{K: "msg", V: "consume loop exited"},
				log.KV{K: "consumer", V: name})
		}
		p.workerGauge.Add(context.WithoutCancel(ctx), -1)
		p.remove(name)
	}()
	return nil
}

// scaleDown stops the newest consumer. Its pending entries, if any, are
// reclaimed by the supervisor after the idle window.
func (p *Pool) scaleDown() {
	p.mu.Lock()
	if len(p.active) == 0 {
		p.mu.Unlock()
		return
	}
	name := p.active[len(p.active)-1]
	p.active = p.active[:len(p.active)-1]
	p.mu.Unlock()
	p.queue.StopConsumer(p.topic, p.group, name)
}

func (p *Pool) remove(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, c := range p.active {
		if c == name {
			p.active = append(p.active[:i], p.active[i+1:]...)
			return
		}
	}
}
