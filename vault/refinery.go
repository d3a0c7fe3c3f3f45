package vault

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"goa.design/clue/log"
)

type (
	// RawKnowledge is one unrefined text with its sourcing.
	RawKnowledge struct {
		Scope     Scope    `json:"scope"`
		Theme     string   `json:"theme"`
		Summary   string   `json:"summary,omitempty"`
		Text      string   `json:"text"`
		Citations []string `json:"citations,omitempty"`
		Doer      string   `json:"doer,omitempty"`
		Tags      []string `json:"tags,omitempty"`
		TTLMS     int64    `json:"ttl_ms,omitempty"`
	}

	// Conflict records one frame the refinery rejected.
	Conflict struct {
		Theme  string `json:"theme"`
		Claim  string `json:"claim,omitempty"`
		Reason string `json:"reason"`
	}

	// RefineResult is the outcome of one refinery pass.
	RefineResult struct {
		Accepted []*Frame   `json:"accepted"`
		Rejected []Conflict `json:"rejected"`
	}
)

// minClaimLen drops fission fragments shorter than this.
const minClaimLen = 10

// connectorWords split compound sentences into atomic claims.
var connectorWords = []string{"and", "also", "furthermore", "additionally", "moreover"}

var sentenceSplit = regexp.MustCompile(`[.!?]+\s+|[.!?]+$`)

// IngestAndRefine runs the refinery over raw texts: fission into atomic
// claims, fusion of duplicates, validation against guards and existing frames
// of the same theme. Accepted frames are ingested (emitting deltas); rejected
// ones are returned as conflicts.
func (v *Vault) IngestAndRefine(ctx context.Context, raw []RawKnowledge) (*RefineResult, error) {
	fissioned := make([]*Frame, 0, len(raw))
	for _, r := range raw {
		claims := Fission(r.Text)
		if len(claims) == 0 {
			continue
		}
		summary := r.Summary
		if summary == "" {
			summary = claims[0]
		}
		fissioned = append(fissioned, &Frame{
			Scope:     r.Scope,
			Theme:     r.Theme,
			Summary:   summary,
			Claims:    claims,
			Citations: append([]string(nil), r.Citations...),
			Tags:      append([]string(nil), r.Tags...),
			TTLMS:     r.TTLMS,
			Provenance: Provenance{
				Who: r.Doer,
			},
		})
	}

	fused := Fuse(fissioned)

	result := &RefineResult{}
	for _, f := range fused {
		if reason := v.validateFrame(ctx, f); reason != "" {
			result.Rejected = append(result.Rejected, Conflict{
				Theme:  f.Theme,
				Reason: reason,
			})
			log.Info(ctx, log.KV{K: "msg", V: "frame rejected by refinery"},
				log.KV{K: "theme", V: f.Theme},
				log.KV{K: "reason", V: reason})
			continue
		}
		stored, err := v.Ingest(ctx, f)
		if err != nil {
			return result, err
		}
		result.Accepted = append(result.Accepted, stored)
	}
	return result, nil
}

// Fission splits text into atomic claims: first on sentence boundaries, then
// on connector words. Fragments shorter than minClaimLen are dropped.
func Fission(text string) []string {
	var claims []string
	for _, sentence := range sentenceSplit.Split(text, -1) {
		for _, fragment := range splitOnConnectors(sentence) {
			fragment = strings.TrimSpace(fragment)
			if len(fragment) >= minClaimLen {
				claims = append(claims, fragment)
			}
		}
	}
	return claims
}

func splitOnConnectors(sentence string) []string {
	parts := []string{sentence}
	for _, conn := range connectorWords {
		sep := " " + conn + " "
		var next []string
		for _, p := range parts {
			next = append(next, splitFold(p, sep)...)
		}
		parts = next
	}
	return parts
}

// splitFold splits s around case-insensitive occurrences of sep.
func splitFold(s, sep string) []string {
	lower := strings.ToLower(s)
	lowerSep := strings.ToLower(sep)
	var out []string
	for {
		i := strings.Index(lower, lowerSep)
		if i < 0 {
			out = append(out, s)
			return out
		}
		out = append(out, s[:i])
		s = s[i+len(sep):]
		lower = lower[i+len(lowerSep):]
	}
}

// FusionKey deduplicates frames: SHA-256 over scope, theme, and the sorted
// lowercased claims.
func FusionKey(f *Frame) string {
	claims := make([]string, len(f.Claims))
	for i, c := range f.Claims {
		claims[i] = strings.ToLower(c)
	}
	sort.Strings(claims)
	h := sha256.New()
	h.Write([]byte(f.Scope))
	h.Write([]byte{0})
	h.Write([]byte(f.Theme))
	for _, c := range claims {
		h.Write([]byte{0})
		h.Write([]byte(c))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Fuse deduplicates frames by fusion key, unioning claims and citations on
// collision. First occurrence wins the remaining fields; input order is
// preserved.
func Fuse(frames []*Frame) []*Frame {
	byKey := make(map[string]*Frame, len(frames))
	var out []*Frame
	for _, f := range frames {
		key := FusionKey(f)
		existing, ok := byKey[key]
		if !ok {
			byKey[key] = f
			out = append(out, f)
			continue
		}
		existing.Claims = unionStrings(existing.Claims, f.Claims)
		existing.Citations = unionStrings(existing.Citations, f.Citations)
	}
	return out
}

func unionStrings(a, b []string) []string {
	seen := make(map[string]bool, len(a))
	out := append([]string(nil), a...)
	for _, s := range a {
		seen[strings.ToLower(s)] = true
	}
	for _, s := range b {
		if !seen[strings.ToLower(s)] {
			seen[strings.ToLower(s)] = true
			out = append(out, s)
		}
	}
	return out
}

// validateFrame returns a rejection reason, or "" when the frame is
// acceptable: it must carry claims and citations and must not contradict an
// existing frame of the same theme.
func (v *Vault) validateFrame(ctx context.Context, f *Frame) string {
	if len(f.Claims) == 0 {
		return "no claims"
	}
	if len(f.Citations) == 0 {
		return "no citations"
	}
	existing, err := v.store.ListByTheme(ctx, f.Theme, "")
	if err != nil {
		log.Warn(ctx, log.KV{K: "msg", V: "contradiction lookup failed"},
			log.KV{K: "theme", V: f.Theme},
			log.KV{K: "err", V: err.Error()})
		return ""
	}
	for _, other := range existing {
		if report := CheckContradiction(f.Claims, other.Claims); len(report.Pairs) > 0 {
			return fmt.Sprintf("contradicts frame %s: %s", other.ID, report.Pairs[0].Reason)
		}
	}
	return ""
}
