package vault

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFissionSplitsSentencesAndConnectors(t *testing.T) {
	claims := Fission("The API uses JSON. Responses are cached and errors are logged centrally.")
	assert.Equal(t, []string{
		"The API uses JSON",
		"Responses are cached",
		"errors are logged centrally",
	}, claims)
}

func TestFissionDropsShortFragments(t *testing.T) {
	claims := Fission("Yes. It works. The deployment pipeline runs nightly.")
	assert.Equal(t, []string{"The deployment pipeline runs nightly"}, claims)
}

func TestFissionConnectorWords(t *testing.T) {
	claims := Fission("Caching is enabled furthermore retries are bounded moreover timeouts apply everywhere")
	assert.Equal(t, []string{
		"Caching is enabled",
		"retries are bounded",
		"timeouts apply everywhere",
	}, claims)
}

func TestFusionKeyIgnoresClaimOrderAndCase(t *testing.T) {
	a := &Frame{Scope: ScopeRun, Theme: "api", Claims: []string{"Uses JSON", "Caches responses"}}
	b := &Frame{Scope: ScopeRun, Theme: "api", Claims: []string{"caches responses", "uses json"}}
	c := &Frame{Scope: ScopeTenant, Theme: "api", Claims: []string{"Uses JSON", "Caches responses"}}

	assert.Equal(t, FusionKey(a), FusionKey(b))
	assert.NotEqual(t, FusionKey(a), FusionKey(c), "scope is part of the key")
}

func TestFuseUnionsClaimsAndCitations(t *testing.T) {
	a := &Frame{
		Scope: ScopeRun, Theme: "api",
		Claims:    []string{"Uses JSON"},
		Citations: []string{"https://a"},
	}
	b := &Frame{
		Scope: ScopeRun, Theme: "api",
		Claims:    []string{"uses json"},
		Citations: []string{"https://b"},
	}
	distinct := &Frame{
		Scope: ScopeRun, Theme: "api",
		Claims:    []string{"Requires auth tokens"},
		Citations: []string{"https://c"},
	}

	fused := Fuse([]*Frame{a, b, distinct})
	require.Len(t, fused, 2)
	assert.Equal(t, []string{"Uses JSON"}, fused[0].Claims, "case-duplicate claim not re-added")
	assert.Equal(t, []string{"https://a", "https://b"}, fused[0].Citations)
	assert.Equal(t, distinct.Claims, fused[1].Claims)
}
