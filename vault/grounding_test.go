package vault_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ecoachlabs/ideamine-engine/vault"
	vaultinmem "github.com/ecoachlabs/ideamine-engine/vault/inmem"
)

func newTestVault(t *testing.T) (*vault.Vault, *vaultinmem.Store) {
	t.Helper()
	store := vaultinmem.New()
	v, err := vault.New(vault.Options{Store: store})
	require.NoError(t, err)
	return v, store
}

func TestGroundingRejectsClaimHeavyFrames(t *testing.T) {
	v, _ := newTestVault(t)
	f := &vault.Frame{
		Claims: []string{
			"the api is versioned",
			"responses are cached",
			"errors are logged",
			"retries are bounded",
			"timeouts apply",
		},
		Citations: []string{"https://example.com/docs"},
	}

	report := v.CheckGrounding(context.Background(), f)
	assert.False(t, report.Grounded)
	assert.InDelta(t, 0.3, report.Score, 1e-9)
	assert.Equal(t, "Too many claims (5) for citations (1)", report.Reason)
}

func TestGroundingNoCitations(t *testing.T) {
	v, _ := newTestVault(t)
	report := v.CheckGrounding(context.Background(), &vault.Frame{
		Claims: []string{"an unbacked assertion"},
	})
	assert.False(t, report.Grounded)
	assert.Equal(t, 0.0, report.Score)
	assert.Equal(t, "No citations", report.Reason)
	assert.Equal(t, 0, report.TotalCites)
}

func TestGroundingInsufficientVerification(t *testing.T) {
	v, _ := newTestVault(t)
	f := &vault.Frame{
		Claims:    []string{"one claim"},
		Citations: []string{"https://ok.example", "bogus-ref-1", "bogus-ref-2"},
	}

	report := v.CheckGrounding(context.Background(), f)
	assert.False(t, report.Grounded)
	assert.Equal(t, 1, report.ValidCites)
	assert.Equal(t, 3, report.TotalCites)
	assert.Contains(t, report.Reason, "Insufficient citation verification")
}

func TestGroundingCitationDispatch(t *testing.T) {
	ctx := context.Background()
	v, _ := newTestVault(t)

	stored, err := v.Ingest(ctx, &vault.Frame{
		Scope:     vault.ScopeRun,
		Theme:     "sources",
		Claims:    []string{"a grounding anchor"},
		Citations: []string{"https://anchor.example"},
	})
	require.NoError(t, err)
	require.NoError(t, v.IngestArtifact(ctx, &vault.Artifact{
		URI:  "s3://bucket/report.pdf",
		Type: "document",
	}))

	f := &vault.Frame{
		Claims: []string{"claim one", "claim two", "claim three", "claim four"},
		Citations: []string{
			stored.ID,                         // frame reference, resolves
			"frame_missing",                   // frame reference, does not resolve
			"artifact:s3://bucket/report.pdf", // artifact reference, resolves
			"uri:s3://bucket/absent.pdf",      // artifact reference, does not resolve
			"q_123",                           // QA references accepted as-is
			"a_456",
			"https://example.com/spec",
			"ftp://unsupported.example", // unknown scheme fails
		},
	}

	report := v.CheckGrounding(ctx, f)
	assert.Equal(t, 5, report.ValidCites)
	assert.Equal(t, 8, report.TotalCites)
	assert.True(t, report.Grounded, "ratio 0.5 and 5/8 verified clears the bar")
}

func TestGroundingVerifiedLowRatioAlwaysClears(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	v, _ := newTestVault(t)
	ctx := context.Background()

	properties.Property("verified citations at low claim density score at least 0.7", prop.ForAll(
		func(nCites int, extraClaims int) bool {
			nClaims := nCites + extraClaims
			if float64(nClaims)/float64(nCites) > 1.5 {
				nClaims = int(1.5 * float64(nCites))
			}
			if nClaims < 1 {
				nClaims = 1
			}
			f := &vault.Frame{}
			for i := 0; i < nClaims; i++ {
				f.Claims = append(f.Claims, fmt.Sprintf("claim number %d", i))
			}
			for i := 0; i < nCites; i++ {
				f.Citations = append(f.Citations, fmt.Sprintf("https://example.com/%d", i))
			}
			report := v.CheckGrounding(ctx, f)
			return report.Grounded && report.Score >= 0.7
		},
		gen.IntRange(1, 20),
		gen.IntRange(0, 10),
	))
	properties.TestingRun(t)
}
