package priority

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ecoachlabs/ideamine-engine/checkpoint"
	checkpointinmem "github.com/ecoachlabs/ideamine-engine/checkpoint/inmem"
	"github.com/ecoachlabs/ideamine-engine/clients/redis"
	"github.com/ecoachlabs/ideamine-engine/queue"
	"github.com/ecoachlabs/ideamine-engine/task"
	taskinmem "github.com/ecoachlabs/ideamine-engine/task/inmem"
)

// stubUsage is an in-memory UsageStore with settable readings. Resume timers
// read it from their own goroutines, so access is mutex-guarded.
type stubUsage struct {
	mu     sync.Mutex
	used   map[string]float64
	quotas map[string]float64
}

func (s *stubUsage) set(used map[string]float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.used = used
}

func (s *stubUsage) WindowUsage(context.Context, time.Duration) (map[string]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.used, nil
}

func (s *stubUsage) QuotaMaxima(context.Context) (map[string]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.quotas, nil
}

type engineFixture struct {
	engine *Engine
	repo   *taskinmem.Repository
	store  *checkpointinmem.Store
	usage  *stubUsage
	queue  *queue.Queue
}

func cpuPolicy(t *testing.T) *Policy {
	t.Helper()
	p, err := LoadPolicy([]byte(`
rules:
  - name: cpu-p3
    condition: {resource: cpu, threshold: 80}
    action: {preempt: [P3], count: 1, selection: longest-running}
    priority: 10
  - name: cpu-p2
    condition: {resource: cpu, threshold: 95}
    action: {preempt: [P2, P3], count: 2, selection: lowest-priority}
    priority: 5
`))
	require.NoError(t, err)
	return p
}

func newEngine(t *testing.T, policy *Policy) *engineFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	q, err := queue.New(queue.Options{Client: redis.Wrap(client)})
	require.NoError(t, err)

	repo := taskinmem.New()
	store := checkpointinmem.New()
	mgr, err := checkpoint.NewManager(checkpoint.Options{Store: store})
	require.NoError(t, err)
	usage := &stubUsage{used: map[string]float64{}, quotas: map[string]float64{}}

	e, err := New(Options{
		Repo:        repo,
		Usage:       usage,
		Checkpoints: mgr,
		Queue:       q,
		Policy:      policy,
		Config: Config{
			EnablePreemption: true,
			GracePeriod:      time.Millisecond,
			RetryDelay:       10 * time.Millisecond,
			MaxPreemptions:   3,
		},
	})
	require.NoError(t, err)
	t.Cleanup(e.Stop)
	return &engineFixture{engine: e, repo: repo, store: store, usage: usage, queue: q}
}

// runningTask creates a running task of the class, started at now+offset.
func (f *engineFixture) runningTask(t *testing.T, class task.PriorityClass, startOffset time.Duration) string {
	t.Helper()
	ctx := context.Background()
	id, err := f.repo.Create(ctx, &task.Spec{
		Phase:          task.PhaseQA,
		Type:           task.TypeAgent,
		Target:         "agent",
		Input:          map[string]any{"run_id": "run-1"},
		IdempotenceKey: fmt.Sprintf("QA:%016x", time.Now().UnixNano()),
	})
	require.NoError(t, err)

	f.repo.Now = func() time.Time { return time.Now().Add(startOffset) }
	require.NoError(t, f.repo.UpdateStatus(ctx, id, task.StatusRunning, "w-1"))
	f.repo.Now = time.Now
	require.NoError(t, f.repo.AssignPriority(ctx, id, class, "test", true))
	return id
}

func TestEvaluatePolicyPreemptsLongestRunningP3(t *testing.T) {
	f := newEngine(t, cpuPolicy(t))
	ctx := context.Background()

	old := f.runningTask(t, task.P3, -600*time.Second)
	young := f.runningTask(t, task.P3, -60*time.Second)
	f.usage.set(map[string]float64{"cpu": 6.56}) // 82% of 8 cores

	require.NoError(t, f.engine.EvaluatePolicy(ctx))

	victim, err := f.repo.GetByID(ctx, old)
	require.NoError(t, err)
	assert.Equal(t, task.StatusPreempted, victim.Status)
	assert.Equal(t, 1, victim.PreemptionCount)
	assert.True(t, victim.Preempted)
	assert.NotNil(t, victim.PreemptedAt)
	assert.Equal(t, 1, f.store.Len(), "checkpoint marker created")

	spared, err := f.repo.GetByID(ctx, young)
	require.NoError(t, err)
	assert.Equal(t, task.StatusRunning, spared.Status, "count=1 preempts a single victim")

	history := f.repo.History()
	require.Len(t, history, 1)
	assert.Equal(t, old, history[0].TaskID)
	assert.Equal(t, "cpu", history[0].Resource)
}

func TestEvaluatePolicyNeverPreemptsP0(t *testing.T) {
	f := newEngine(t, cpuPolicy(t))
	ctx := context.Background()

	critical := f.runningTask(t, task.P0, -600*time.Second)
	f.usage.set(map[string]float64{"cpu": 8}) // 100%

	require.NoError(t, f.engine.EvaluatePolicy(ctx))

	tk, err := f.repo.GetByID(ctx, critical)
	require.NoError(t, err)
	assert.Equal(t, task.StatusRunning, tk.Status)
	assert.Zero(t, tk.PreemptionCount)
}

func TestPreemptionVictimsMatchRuleClasses(t *testing.T) {
	f := newEngine(t, cpuPolicy(t))
	ctx := context.Background()

	p1 := f.runningTask(t, task.P1, -600*time.Second)
	p3 := f.runningTask(t, task.P3, -300*time.Second)
	f.usage.set(map[string]float64{"cpu": 7}) // 87.5%: only cpu-p3 fires

	require.NoError(t, f.engine.EvaluatePolicy(ctx))

	tk1, _ := f.repo.GetByID(ctx, p1)
	tk3, _ := f.repo.GetByID(ctx, p3)
	assert.Equal(t, task.StatusRunning, tk1.Status, "P1 is outside the rule's preempt set")
	assert.Equal(t, task.StatusPreempted, tk3.Status)
}

func TestPreemptResumeRoundTrip(t *testing.T) {
	f := newEngine(t, cpuPolicy(t))
	ctx := context.Background()

	id := f.runningTask(t, task.P3, -600*time.Second)
	f.usage.set(map[string]float64{"cpu": 6.56})

	require.NoError(t, f.engine.PreemptTask(ctx, id, "cpu pressure", "cpu"))
	f.usage.set(map[string]float64{"cpu": 3.2}) // 40%: pressure gone

	deadline := time.Now().Add(2 * time.Second)
	var tk *task.Task
	for time.Now().Before(deadline) {
		var err error
		tk, err = f.repo.GetByID(ctx, id)
		require.NoError(t, err)
		if tk.Status == task.StatusPending {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.Equal(t, task.StatusPending, tk.Status)
	assert.False(t, tk.Preempted)
	assert.Equal(t, 1, tk.PreemptionCount)
	assert.NotNil(t, tk.ResumedAt)

	history := f.repo.History()
	require.Len(t, history, 1)
	assert.NotNil(t, history[0].ResumedAt)

	depth, err := f.queue.Depth(ctx, "tasks")
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth, "resumed task re-enters the stream")
}

func TestResumeDeferredWhilePressurePersists(t *testing.T) {
	f := newEngine(t, cpuPolicy(t))
	ctx := context.Background()

	id := f.runningTask(t, task.P3, -600*time.Second)
	require.NoError(t, f.engine.PreemptTask(ctx, id, "cpu pressure", "cpu"))
	f.usage.set(map[string]float64{"cpu": 7.5}) // still 93.75%

	require.NoError(t, f.engine.ResumePreemptedTask(ctx, id, "cpu"))

	tk, err := f.repo.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, task.StatusPreempted, tk.Status, "resume pushed back, not applied")
}

func TestPreemptionCapFailsTask(t *testing.T) {
	f := newEngine(t, cpuPolicy(t))
	ctx := context.Background()
	f.usage.set(map[string]float64{"cpu": 8}) // keep pressure so resumes defer

	id := f.runningTask(t, task.P3, -600*time.Second)
	for i := 0; i < 3; i++ {
		require.NoError(t, f.engine.PreemptTask(ctx, id, "pressure", "cpu"))
		tk, err := f.repo.GetByID(ctx, id)
		require.NoError(t, err)
		require.Equal(t, task.StatusPreempted, tk.Status)
		require.Equal(t, i+1, tk.PreemptionCount)
		// Force back to running for the next trigger.
		require.NoError(t, f.repo.MarkResumed(ctx, id))
		require.NoError(t, f.repo.UpdateStatus(ctx, id, task.StatusRunning, "w-1"))
	}

	require.NoError(t, f.engine.PreemptTask(ctx, id, "pressure", "cpu"))
	tk, err := f.repo.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, tk.Status)
	assert.Equal(t, "Exceeded max preemptions (3)", tk.Error)
}

func TestPreemptKeepsExistingCheckpoint(t *testing.T) {
	f := newEngine(t, cpuPolicy(t))
	ctx := context.Background()

	id := f.runningTask(t, task.P3, -600*time.Second)
	mgr, err := checkpoint.NewManager(checkpoint.Options{Store: f.store})
	require.NoError(t, err)
	require.NoError(t, mgr.Save(ctx, id, "step-7", map[string]any{"progress": 70}))
	f.usage.set(map[string]float64{"cpu": 8})

	require.NoError(t, f.engine.PreemptTask(ctx, id, "pressure", "cpu"))

	cp, err := mgr.Load(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, "step-7", cp.Token, "executor progress survives preemption")
}

func TestAssignPriorityHonorsOverridableLock(t *testing.T) {
	f := newEngine(t, cpuPolicy(t))
	ctx := context.Background()
	id := f.runningTask(t, task.P2, -time.Minute)

	require.NoError(t, f.engine.AssignPriority(ctx, id, task.P1, "escalated", false))
	err := f.engine.AssignPriority(ctx, id, task.P3, "deescalate", true)
	require.Error(t, err)
	assert.ErrorIs(t, err, taskinmem.ErrPriorityLocked)

	tk, err := f.repo.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, task.P1, tk.PriorityClass)
}

func TestLoadPolicyRejectsBadRules(t *testing.T) {
	cases := []string{
		`rules: []`,
		"rules:\n  - name: no-resource\n    condition: {threshold: 80}\n    action: {preempt: [P3], count: 1, selection: newest}\n",
		"rules:\n  - name: p0-victim\n    condition: {resource: cpu, threshold: 80}\n    action: {preempt: [P0], count: 1, selection: newest}\n",
		"rules:\n  - name: bad-selection\n    condition: {resource: cpu, threshold: 80}\n    action: {preempt: [P3], count: 1, selection: random}\n",
		"rules:\n  - name: zero-count\n    condition: {resource: cpu, threshold: 80}\n    action: {preempt: [P3], count: 0, selection: newest}\n",
	}
	for _, raw := range cases {
		_, err := LoadPolicy([]byte(raw))
		assert.Error(t, err, raw)
	}
}

func TestSelectVictims(t *testing.T) {
	now := time.Now()
	mk := func(id string, class task.PriorityClass, age time.Duration, tokens int64) *task.Task {
		started := now.Add(-age)
		return &task.Task{
			Spec:          task.Spec{ID: id, Budget: task.Budget{Tokens: tokens}},
			PriorityClass: class,
			StartedAt:     &started,
		}
	}
	tasks := []*task.Task{
		mk("a", task.P2, 10*time.Minute, 100),
		mk("b", task.P3, 5*time.Minute, 900),
		mk("c", task.P3, 20*time.Minute, 500),
	}

	ids := func(ts []*task.Task) []string {
		out := make([]string, len(ts))
		for i, tk := range ts {
			out[i] = tk.ID
		}
		return out
	}

	assert.Equal(t, []string{"c"}, ids(selectVictims(tasks, LongestRunning, 1)))
	assert.Equal(t, []string{"b"}, ids(selectVictims(tasks, Newest, 1)))
	assert.Equal(t, []string{"b"}, ids(selectVictims(tasks, HighestResource, 1)))
	assert.Equal(t, []string{"b", "c"}, ids(selectVictims(tasks, LowestPriority, 2)))
}

func TestUtilizationUsesQuotaThenFallback(t *testing.T) {
	f := newEngine(t, cpuPolicy(t))
	f.usage.set(map[string]float64{"cpu": 4, "gpu": 1, "custom": 10})
	f.usage.quotas = map[string]float64{"cpu": 16}

	util, err := f.engine.Utilization(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 25, util["cpu"], 1e-9, "quota wins over fallback")
	assert.InDelta(t, 50, util["gpu"], 1e-9, "fallback capacity of 2 GPUs")
	_, ok := util["custom"]
	assert.False(t, ok, "no quota, no fallback: omitted")
}
