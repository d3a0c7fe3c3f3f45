package vault_test

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ecoachlabs/ideamine-engine/vault"
	vaultinmem "github.com/ecoachlabs/ideamine-engine/vault/inmem"
)

func TestEstimateTokens(t *testing.T) {
	f := &vault.Frame{
		Summary:   "12345678",                     // 8 chars
		Claims:    []string{"123456", "123456"},   // 12 chars
		Citations: []string{"https://a", "https://b"},
	}
	// ceil(20/4) + 2*5
	assert.Equal(t, 15, vault.EstimateTokens(f))

	empty := &vault.Frame{}
	assert.Equal(t, 0, vault.EstimateTokens(empty))
}

func TestBuildPackRanksPinnedAndExactThemeFirst(t *testing.T) {
	ctx := context.Background()
	v, _ := newTestVault(t)

	ingest := func(id, theme string, pinned bool) {
		_, err := v.Ingest(ctx, &vault.Frame{
			ID:        id,
			Scope:     vault.ScopeRun,
			Theme:     theme,
			Claims:    []string{"a claim about " + theme},
			Citations: []string{"https://" + id},
			Pinned:    pinned,
		})
		require.NoError(t, err)
	}
	ingest("frame_pinned", "api", true)
	ingest("frame_exact", "api", false)
	ingest("frame_prefix", "api.notes", false)

	pack, err := v.BuildPack(ctx, vault.MemoryQuery{Theme: "api"})
	require.NoError(t, err)
	require.Len(t, pack.Frames, 3)
	assert.Equal(t, "frame_pinned", pack.Frames[0].ID)
	assert.Equal(t, "frame_exact", pack.Frames[1].ID)
	assert.Equal(t, "frame_prefix", pack.Frames[2].ID)
}

func TestBuildPackHonorsTokenBudget(t *testing.T) {
	ctx := context.Background()
	v, _ := newTestVault(t)

	big := strings.Repeat("x", 80) // 20 tokens of summary alone
	_, err := v.Ingest(ctx, &vault.Frame{
		ID: "frame_a", Scope: vault.ScopeRun, Theme: "api", Pinned: true,
		Summary: big, Claims: []string{"claim padding here"}, Citations: []string{"https://a"},
	})
	require.NoError(t, err)
	_, err = v.Ingest(ctx, &vault.Frame{
		ID: "frame_b", Scope: vault.ScopeRun, Theme: "api",
		Summary: big, Claims: []string{"claim padding also"}, Citations: []string{"https://b"},
	})
	require.NoError(t, err)
	_, err = v.Ingest(ctx, &vault.Frame{
		ID: "frame_c", Scope: vault.ScopeRun, Theme: "api.notes",
		Claims: []string{"short note"}, Citations: []string{"https://c"},
	})
	require.NoError(t, err)

	costA := vault.EstimateTokens(&vault.Frame{
		Summary: big, Claims: []string{"claim padding here"}, Citations: []string{"https://a"},
	})
	budget := costA + 10 // room for one big frame plus the small one

	pack, err := v.BuildPack(ctx, vault.MemoryQuery{Theme: "api", TokenBudget: budget})
	require.NoError(t, err)

	ids := make([]string, len(pack.Frames))
	for i, f := range pack.Frames {
		ids[i] = f.ID
	}
	assert.Equal(t, []string{"frame_a", "frame_c"}, ids, "frame_b skipped, smaller frame_c still packed")
	assert.LessOrEqual(t, pack.Metadata["tokens_used"].(int), budget)
	assert.Equal(t, budget, pack.Metadata["token_budget"])
	assert.Equal(t, 3, pack.Metadata["candidates"])
}

func TestBuildPackCollectsCitationsAndArtifacts(t *testing.T) {
	ctx := context.Background()
	v, _ := newTestVault(t)

	_, err := v.Ingest(ctx, &vault.Frame{
		ID: "frame_a", Scope: vault.ScopeRun, Theme: "api",
		Claims:    []string{"backed by artifact"},
		Citations: []string{"artifact:s3://bucket/report.pdf", "https://shared.example"},
	})
	require.NoError(t, err)
	_, err = v.Ingest(ctx, &vault.Frame{
		ID: "frame_b", Scope: vault.ScopeRun, Theme: "api",
		Claims:    []string{"backed by the same url"},
		Citations: []string{"https://shared.example", "uri:s3://bucket/data.csv"},
	})
	require.NoError(t, err)

	pack, err := v.BuildPack(ctx, vault.MemoryQuery{Theme: "api"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		"artifact:s3://bucket/report.pdf",
		"https://shared.example",
		"uri:s3://bucket/data.csv",
	}, pack.Citations, "shared url deduplicated")
	assert.ElementsMatch(t, []string{
		"artifact:s3://bucket/report.pdf",
		"uri:s3://bucket/data.csv",
	}, pack.Artifacts)
	assert.InDelta(t, 1.0, pack.FreshnessScore, 1e-9)
}

func TestBuildPackIsDeterministic(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	store := vaultinmem.New()
	store.Now = func() time.Time { return base }
	v, err := vault.New(vault.Options{Store: store, Now: store.Now})
	require.NoError(t, err)

	// Identical frames except for their IDs: every score ties.
	for i := 0; i < 5; i++ {
		_, err := v.Ingest(ctx, &vault.Frame{
			ID:        fmt.Sprintf("frame_%03d", i),
			Scope:     vault.ScopeRun,
			Theme:     "api",
			CreatedAt: base,
			Claims:    []string{"identical claim text"},
			Citations: []string{"https://example.com"},
		})
		require.NoError(t, err)
	}

	first, err := v.BuildPack(ctx, vault.MemoryQuery{Theme: "api"})
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := v.BuildPack(ctx, vault.MemoryQuery{Theme: "api"})
		require.NoError(t, err)
		assert.Equal(t, first.Frames, again.Frames)
		assert.Equal(t, first.Citations, again.Citations)
	}
	for i, f := range first.Frames {
		assert.Equal(t, fmt.Sprintf("frame_%03d", i), f.ID, "ties broken by frame ID")
	}
}
