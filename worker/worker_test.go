package worker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ecoachlabs/ideamine-engine/checkpoint"
	checkpointinmem "github.com/ecoachlabs/ideamine-engine/checkpoint/inmem"
	"github.com/ecoachlabs/ideamine-engine/clients/redis"
	"github.com/ecoachlabs/ideamine-engine/executor"
	"github.com/ecoachlabs/ideamine-engine/queue"
	"github.com/ecoachlabs/ideamine-engine/task"
	taskinmem "github.com/ecoachlabs/ideamine-engine/task/inmem"
)

type fixture struct {
	worker   *Worker
	repo     *taskinmem.Repository
	store    *checkpointinmem.Store
	registry *executor.FuncRegistry
	rdb      *redis.Client
	mr       *miniredis.Miniredis
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	rdb := redis.Wrap(client)

	repo := taskinmem.New()
	store := checkpointinmem.New()
	mgr, err := checkpoint.NewManager(checkpoint.Options{Store: store})
	require.NoError(t, err)
	registry := executor.NewFuncRegistry()

	w, err := New(Options{
		ID:                "w-test",
		Repo:              repo,
		Checkpoints:       mgr,
		Registry:          registry,
		Redis:             rdb,
		HeartbeatInterval: 10 * time.Millisecond,
		HeartbeatTTL:      time.Minute,
	})
	require.NoError(t, err)
	return &fixture{worker: w, repo: repo, store: store, registry: registry, rdb: rdb, mr: mr}
}

func (f *fixture) createTask(t *testing.T, target string) *task.Spec {
	t.Helper()
	spec := &task.Spec{
		Phase:          task.PhaseQA,
		Type:           task.TypeAgent,
		Target:         target,
		Input:          map[string]any{"run_id": "run-1", "phase_id": "pr-1"},
		IdempotenceKey: "QA:" + target + "0000000000",
	}
	id, err := f.repo.Create(context.Background(), spec)
	require.NoError(t, err)
	spec.ID = id
	return spec
}

func TestRunTaskSuccessCompletesAndDropsCheckpoint(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.registry.RegisterAgent("writer", func(_ context.Context, inv *executor.Invocation) (*executor.Result, error) {
		inv.SaveCheckpoint("step-1", map[string]any{"progress": 1})
		return &executor.Result{
			Output:     json.RawMessage(`{"ok":true}`),
			TokensUsed: 42,
			CostUSD:    0.004,
		}, nil
	})
	spec := f.createTask(t, "writer")

	require.NoError(t, f.worker.RunTask(ctx, spec))

	tk, err := f.repo.GetByID(ctx, spec.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, tk.Status)
	assert.Equal(t, "w-test", tk.WorkerID)
	assert.NotNil(t, tk.StartedAt)
	assert.NotNil(t, tk.CompletedAt)
	assert.Equal(t, int64(42), tk.Metrics.TokensUsed)
	assert.JSONEq(t, `{"ok":true}`, string(tk.Result))
	assert.NoError(t, tk.CheckInvariants())
	assert.Zero(t, f.store.Len(), "checkpoint removed on success")
}

func TestRunTaskFailureRecordsErrorAndKeepsCheckpoint(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.registry.RegisterAgent("flaky", func(_ context.Context, inv *executor.Invocation) (*executor.Result, error) {
		inv.SaveCheckpoint("step-2", map[string]any{"progress": 2})
		return nil, errors.New("model timeout")
	})
	spec := f.createTask(t, "flaky")

	require.NoError(t, f.worker.RunTask(ctx, spec), "execution failure is recorded, not surfaced")

	tk, err := f.repo.GetByID(ctx, spec.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, tk.Status)
	assert.Equal(t, "model timeout", tk.Error)
	assert.Equal(t, 1, tk.Retries)
	assert.Equal(t, 1, f.store.Len(), "checkpoint retained for the next attempt")
}

func TestRunTaskResumesFromCheckpoint(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	attempt := 0
	var gotToken string
	var gotData map[string]any
	f.registry.RegisterAgent("resumer", func(_ context.Context, inv *executor.Invocation) (*executor.Result, error) {
		attempt++
		gotToken, gotData = inv.CheckpointToken, inv.CheckpointData
		if attempt == 1 {
			inv.SaveCheckpoint("step-3", map[string]any{"cursor": "abc"})
			return nil, errors.New("interrupted")
		}
		return &executor.Result{Output: json.RawMessage(`{}`)}, nil
	})
	spec := f.createTask(t, "resumer")

	require.NoError(t, f.worker.RunTask(ctx, spec))
	assert.Empty(t, gotToken, "first attempt starts clean")

	// A second delivery of the same task resumes from the token.
	require.NoError(t, f.repo.UpdateStatus(ctx, spec.ID, task.StatusPending, ""))
	require.NoError(t, f.worker.RunTask(ctx, spec))
	assert.Equal(t, "step-3", gotToken)
	assert.Equal(t, map[string]any{"cursor": "abc"}, gotData)
}

func TestRunTaskSkipsTerminalAndPreempted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	called := false
	f.registry.RegisterAgent("idle", func(context.Context, *executor.Invocation) (*executor.Result, error) {
		called = true
		return &executor.Result{}, nil
	})
	spec := f.createTask(t, "idle")
	require.NoError(t, f.repo.UpdateStatus(ctx, spec.ID, task.StatusCancelled, ""))

	require.NoError(t, f.worker.RunTask(ctx, spec))
	assert.False(t, called, "cancelled task is never executed")
}

func TestRunTaskCancellationObservedAtHeartbeat(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.registry.RegisterAgent("slow", func(execCtx context.Context, _ *executor.Invocation) (*executor.Result, error) {
		<-execCtx.Done()
		return nil, execCtx.Err()
	})
	spec := f.createTask(t, "slow")

	go func() {
		time.Sleep(30 * time.Millisecond)
		// Simulate scheduler cancellation of the phase.
		_, _ = f.repo.CancelPhase(ctx, "pr-1")
	}()

	require.NoError(t, f.worker.RunTask(ctx, spec))

	tk, err := f.repo.GetByID(ctx, spec.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCancelled, tk.Status, "record stays cancelled, not failed")
}

func TestRunTaskHeartbeatStampsLivenessKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.registry.RegisterAgent("beater", func(context.Context, *executor.Invocation) (*executor.Result, error) {
		time.Sleep(50 * time.Millisecond)
		return &executor.Result{}, nil
	})
	spec := f.createTask(t, "beater")

	require.NoError(t, f.worker.RunTask(ctx, spec))

	tk, err := f.repo.GetByID(ctx, spec.ID)
	require.NoError(t, err)
	assert.NotNil(t, tk.LastHeartbeatAt)
	assert.False(t, f.mr.Exists(heartbeatPrefix+spec.ID), "liveness key cleared after completion")
}

func TestHandlerAcksPoisonPayload(t *testing.T) {
	f := newFixture(t)
	err := f.worker.Handler()(context.Background(), &queue.Message{ID: "1-0", Payload: []byte("{not json")})
	assert.NoError(t, err)
}
