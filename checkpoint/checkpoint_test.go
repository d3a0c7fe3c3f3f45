package checkpoint_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ecoachlabs/ideamine-engine/checkpoint"
	"github.com/ecoachlabs/ideamine-engine/checkpoint/inmem"
)

func newManager(t *testing.T, maxSize int) (*checkpoint.Manager, *inmem.Store) {
	t.Helper()
	store := inmem.New()
	mgr, err := checkpoint.NewManager(checkpoint.Options{Store: store, MaxSizeBytes: maxSize})
	require.NoError(t, err)
	return mgr, store
}

func TestSaveLoadRoundTrip(t *testing.T) {
	mgr, _ := newManager(t, 0)
	ctx := context.Background()

	require.NoError(t, mgr.Save(ctx, "T1", "step-2", map[string]any{"progress": 50}))

	cp, err := mgr.Load(ctx, "T1")
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, "step-2", cp.Token)
	assert.JSONEq(t, `{"progress":50}`, string(cp.Data))
	assert.Equal(t, len(cp.Data), cp.SizeBytes)
}

func TestSaveIsUpsert(t *testing.T) {
	mgr, store := newManager(t, 0)
	ctx := context.Background()

	require.NoError(t, mgr.Save(ctx, "T1", "step-1", map[string]any{"progress": 10}))
	require.NoError(t, mgr.Save(ctx, "T1", "step-2", map[string]any{"progress": 50}))

	assert.Equal(t, 1, store.Len(), "one live checkpoint per task")
	cp, err := mgr.Load(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, "step-2", cp.Token)
}

func TestLoadMissingReturnsNil(t *testing.T) {
	mgr, _ := newManager(t, 0)
	cp, err := mgr.Load(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, cp)
}

func TestDeleteIsIdempotent(t *testing.T) {
	mgr, _ := newManager(t, 0)
	ctx := context.Background()
	require.NoError(t, mgr.Save(ctx, "T1", "step-1", nil))
	require.NoError(t, mgr.Delete(ctx, "T1"))
	require.NoError(t, mgr.Delete(ctx, "T1"))
	cp, err := mgr.Load(ctx, "T1")
	require.NoError(t, err)
	assert.Nil(t, cp)
}

func TestSizeCap(t *testing.T) {
	mgr, _ := newManager(t, 16)
	err := mgr.Save(context.Background(), "T1", "step-1", map[string]any{
		"blob": "this is definitely longer than sixteen bytes",
	})
	require.ErrorIs(t, err, checkpoint.ErrTooLarge)
}

func TestCallbackSavesForItsTask(t *testing.T) {
	mgr, _ := newManager(t, 0)
	ctx := context.Background()

	cb := mgr.CallbackFor(ctx, "T2")
	cb("step-2", map[string]any{"progress": 50})

	cp, err := mgr.Load(ctx, "T2")
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, "step-2", cp.Token)
}

func TestCallbackSwallowsErrors(t *testing.T) {
	mgr, _ := newManager(t, 8)
	cb := mgr.CallbackFor(context.Background(), "T3")
	// Over the cap: logged, not panicked.
	cb("step-1", map[string]any{"blob": "way too large for an eight byte cap"})
}
