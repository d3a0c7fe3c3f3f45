package vault

import (
	"context"
	"fmt"
)

type (
	// GateRequirements describes the knowledge a phase needs before it may
	// proceed.
	GateRequirements struct {
		// RequiredThemes must each be covered by enough frames.
		RequiredThemes []string `json:"required_themes"`
		// MinFramesPerTheme defaults to 1.
		MinFramesPerTheme int `json:"min_frames_per_theme,omitempty"`
		// MinFreshness is the mean-freshness floor per theme; 0 disables it.
		MinFreshness float64 `json:"min_freshness,omitempty"`
		// Scope restricts counted frames when set.
		Scope Scope `json:"scope,omitempty"`
	}

	// ThemeCoverage reports one theme's standing against the requirements.
	ThemeCoverage struct {
		Theme         string  `json:"theme"`
		Frames        int     `json:"frames"`
		MeanFreshness float64 `json:"mean_freshness"`
		Satisfied     bool    `json:"satisfied"`
	}

	// GateResult is the memory gate verdict.
	GateResult struct {
		Passed   bool            `json:"passed"`
		Coverage []ThemeCoverage `json:"coverage"`
		Missing  []string        `json:"missing,omitempty"`
	}
)

// EvaluateGate passes iff every required theme has enough frames and its mean
// freshness clears the floor.
func (v *Vault) EvaluateGate(ctx context.Context, req GateRequirements) (*GateResult, error) {
	minFrames := req.MinFramesPerTheme
	if minFrames <= 0 {
		minFrames = 1
	}
	now := v.now()

	result := &GateResult{Passed: true}
	for _, theme := range req.RequiredThemes {
		frames, err := v.store.ListByTheme(ctx, theme, req.Scope)
		if err != nil {
			return nil, fmt.Errorf("list frames for theme %s: %w", theme, err)
		}
		cov := ThemeCoverage{Theme: theme, Frames: len(frames)}
		for _, f := range frames {
			cov.MeanFreshness += f.Freshness(now)
		}
		if len(frames) > 0 {
			cov.MeanFreshness /= float64(len(frames))
		}
		cov.Satisfied = cov.Frames >= minFrames && cov.MeanFreshness >= req.MinFreshness
		if !cov.Satisfied {
			result.Passed = false
			result.Missing = append(result.Missing, theme)
		}
		result.Coverage = append(result.Coverage, cov)
	}
	return result, nil
}
