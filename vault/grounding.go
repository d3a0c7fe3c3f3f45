package vault

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// GroundingReport is the guard's verdict on one frame.
type GroundingReport struct {
	Grounded   bool    `json:"grounded"`
	Score      float64 `json:"score"`
	Reason     string  `json:"reason,omitempty"`
	ValidCites int     `json:"valid_cites"`
	TotalCites int     `json:"total_cites"`
}

const (
	// groundingThreshold is the minimum score for a grounded frame.
	groundingThreshold = 0.7
	// maxClaimRatio is the hard cap on claims per citation.
	maxClaimRatio = 5.0
	// idealClaimRatio is the ratio at or below which density scores full
	// marks.
	idealClaimRatio = 1.5
)

// CheckGrounding scores how well a frame's claims are backed by citations:
// claim density (claims per citation) carries most of the score, citation
// verifiability the rest. A frame is grounded when it has
// at least one citation, at most maxClaimRatio claims per citation, at least
// half its citations verify, and the combined score clears the threshold.
func (v *Vault) CheckGrounding(ctx context.Context, f *Frame) *GroundingReport {
	report := &GroundingReport{TotalCites: len(f.Citations)}
	if len(f.Citations) == 0 {
		report.Reason = "No citations"
		return report
	}

	ratio := float64(len(f.Claims)) / float64(len(f.Citations))
	ratioScore := idealClaimRatio / ratio
	if ratioScore > 1 {
		ratioScore = 1
	}
	if ratioScore < groundingThreshold {
		report.Score = ratioScore
		report.Reason = fmt.Sprintf("Too many claims (%d) for citations (%d)", len(f.Claims), len(f.Citations))
		return report
	}

	for _, cite := range f.Citations {
		if v.verifyCitation(ctx, cite) {
			report.ValidCites++
		}
	}
	validRatio := float64(report.ValidCites) / float64(len(f.Citations))
	report.Score = 0.7*ratioScore + 0.3*validRatio

	switch {
	case validRatio < 0.5:
		report.Reason = fmt.Sprintf("Insufficient citation verification (%d of %d)", report.ValidCites, len(f.Citations))
	case ratio > maxClaimRatio:
		report.Reason = fmt.Sprintf("Too many claims (%d) for citations (%d)", len(f.Claims), len(f.Citations))
	case report.Score < groundingThreshold:
		report.Reason = fmt.Sprintf("Grounding score %.2f below threshold", report.Score)
	default:
		report.Grounded = true
	}
	return report
}

// verifyCitation dispatches on the reference's prefix: frame references
// resolve against the store, artifact references against the artifact table,
// QA references and URLs are accepted as-is, anything else fails.
func (v *Vault) verifyCitation(ctx context.Context, cite string) bool {
	switch {
	case strings.HasPrefix(cite, "frame_"):
		_, err := v.store.GetFrame(ctx, cite)
		return err == nil
	case strings.HasPrefix(cite, "artifact:"), strings.HasPrefix(cite, "uri:"):
		uri := strings.TrimPrefix(strings.TrimPrefix(cite, "artifact:"), "uri:")
		_, err := v.store.GetArtifactByURI(ctx, uri)
		if errors.Is(err, ErrFrameNotFound) {
			return false
		}
		return err == nil
	case strings.HasPrefix(cite, "q_"), strings.HasPrefix(cite, "a_"):
		return true
	case strings.HasPrefix(cite, "http://"), strings.HasPrefix(cite, "https://"):
		return true
	default:
		return false
	}
}
