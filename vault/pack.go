package vault

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

type (
	// MemoryQuery selects and ranks frames for a context pack.
	MemoryQuery struct {
		// Theme matches frames whose theme starts with it.
		Theme string `json:"theme"`
		// Scope, when set, restricts candidates and boosts matches.
		Scope Scope `json:"scope,omitempty"`
		// Doer boosts frames produced by the same actor.
		Doer string `json:"doer,omitempty"`
		// Phase boosts frames tagged with the phase.
		Phase string `json:"phase,omitempty"`
		// MinFreshness drops stale candidates.
		MinFreshness float64 `json:"min_freshness,omitempty"`
		// TokenBudget overrides the vault default when positive.
		TokenBudget int `json:"token_budget,omitempty"`
	}

	// ContextPack is the budgeted selection handed to an agent.
	ContextPack struct {
		Frames         []*Frame       `json:"frames"`
		Artifacts      []string       `json:"artifacts"`
		Citations      []string       `json:"citations"`
		FreshnessScore float64        `json:"freshness_score"`
		PolicyHints    []string       `json:"policy_hints,omitempty"`
		Metadata       map[string]any `json:"metadata"`
	}

	scoredFrame struct {
		frame *Frame
		score float64
	}
)

// scope weights for ranking; a query that names the scope outranks them all.
var scopeWeights = map[Scope]float64{
	ScopeTenant:    8,
	ScopeRun:       6,
	ScopeGlobal:    4,
	ScopeEphemeral: 2,
}

const namedScopeWeight = 10

// EstimateTokens approximates the token cost of a frame: characters of
// summary and claims at four per token, plus five per citation.
func EstimateTokens(f *Frame) int {
	chars := len(f.Summary)
	for _, c := range f.Claims {
		chars += len(c)
	}
	return int(math.Ceil(float64(chars)/4)) + 5*len(f.Citations)
}

// BuildPack retrieves, scores, and greedily packs frames under the token
// budget. Given identical vault state and query the result is deterministic.
func (v *Vault) BuildPack(ctx context.Context, q MemoryQuery) (*ContextPack, error) {
	candidates, err := v.store.Search(ctx, Filter{
		ThemePrefix:  q.Theme,
		Scope:        q.Scope,
		MinFreshness: q.MinFreshness,
		Limit:        searchLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("search frames: %w", err)
	}

	now := v.now()
	scored := make([]scoredFrame, 0, len(candidates))
	for _, f := range candidates {
		scored = append(scored, scoredFrame{frame: f, score: v.scoreFrame(f, q, now)})
	}
	// Stable order: score desc, then ID for determinism across equal scores.
	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].score != scored[j].score {
			return scored[i].score > scored[j].score
		}
		return scored[i].frame.ID < scored[j].frame.ID
	})

	budget := q.TokenBudget
	if budget <= 0 {
		budget = v.packBudget
	}

	pack := &ContextPack{
		Artifacts: []string{},
		Citations: []string{},
	}
	used := 0
	var freshSum float64
	seenCites := make(map[string]bool)
	for _, sf := range scored {
		cost := EstimateTokens(sf.frame)
		if used+cost > budget {
			continue
		}
		used += cost
		pack.Frames = append(pack.Frames, sf.frame)
		freshSum += sf.frame.Freshness(now)
		for _, cite := range sf.frame.Citations {
			if seenCites[cite] {
				continue
			}
			seenCites[cite] = true
			pack.Citations = append(pack.Citations, cite)
			if strings.HasPrefix(cite, "artifact:") || strings.HasPrefix(cite, "uri:") {
				pack.Artifacts = append(pack.Artifacts, cite)
			}
		}
	}
	if len(pack.Frames) > 0 {
		pack.FreshnessScore = freshSum / float64(len(pack.Frames))
	}
	pack.Metadata = map[string]any{
		"theme":        q.Theme,
		"candidates":   len(candidates),
		"tokens_used":  used,
		"token_budget": budget,
	}
	return pack, nil
}

// scoreFrame ranks one candidate: theme match, freshness, scope weight, doer
// and phase affinity, pinning, and citation density.
func (v *Vault) scoreFrame(f *Frame, q MemoryQuery, now time.Time) float64 {
	score := 0.0

	if q.Theme != "" && strings.HasPrefix(f.Theme, q.Theme) {
		score += 10
		if f.Theme == q.Theme {
			score += 5
		}
	}

	score += 5 * f.Freshness(now)

	if q.Scope != "" && f.Scope == q.Scope {
		score += namedScopeWeight
	} else {
		score += scopeWeights[f.Scope]
	}

	if q.Doer != "" && f.Provenance.Who == q.Doer {
		score += 3
	}
	if q.Phase != "" && containsFold(f.Tags, q.Phase) {
		score += 2
	}
	if f.Pinned {
		score += 5
	}

	citeBonus := 0.5 * float64(len(f.Citations))
	if citeBonus > 5 {
		citeBonus = 5
	}
	score += citeBonus

	return score
}

func containsFold(ss []string, want string) bool {
	for _, s := range ss {
		if strings.Contains(strings.ToLower(s), strings.ToLower(want)) {
			return true
		}
	}
	return false
}
