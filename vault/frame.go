// Package vault is the central knowledge store: atomic, cited, versioned
// knowledge frames scoped to a run, tenant, or globally. Raw text is refined
// into frames (fission, fusion, validation), guarded for grounding and
// contradictions, and packed into token-budgeted context packs for agents.
package vault

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/ecoachlabs/ideamine-engine/keys"
)

type (
	// Scope bounds a frame's visibility and lifetime.
	Scope string

	// Provenance records who produced a frame and signs its content.
	Provenance struct {
		Who       string    `json:"who,omitempty"`
		When      time.Time `json:"when"`
		Tools     []string  `json:"tools,omitempty"`
		Inputs    []string  `json:"inputs,omitempty"`
		Signature string    `json:"signature,omitempty"`
	}

	// Frame is the atomic unit of durable knowledge. Parents and children are
	// identifier references, never in-memory links.
	Frame struct {
		ID         string     `json:"id"`
		Scope      Scope      `json:"scope"`
		Theme      string     `json:"theme"`
		Summary    string     `json:"summary"`
		Claims     []string   `json:"claims"`
		Citations  []string   `json:"citations"`
		Parents    []string   `json:"parents,omitempty"`
		Children   []string   `json:"children,omitempty"`
		Version    string     `json:"version"`
		Provenance Provenance `json:"provenance"`
		Tags       []string   `json:"tags,omitempty"`
		Pinned     bool       `json:"pinned"`
		TTLMS      int64      `json:"ttl_ms,omitempty"`
		CreatedAt  time.Time  `json:"created_at"`
		UpdatedAt  time.Time  `json:"updated_at"`
	}
)

const (
	ScopeEphemeral Scope = "ephemeral"
	ScopeRun       Scope = "run"
	ScopeTenant    Scope = "tenant"
	ScopeGlobal    Scope = "global"
)

// Valid reports whether s is a known scope.
func (s Scope) Valid() bool {
	switch s {
	case ScopeEphemeral, ScopeRun, ScopeTenant, ScopeGlobal:
		return true
	}
	return false
}

// Validate checks the structural invariants of a frame before storage.
func (f *Frame) Validate() error {
	if f.ID == "" {
		return errors.New("frame id is required")
	}
	if !f.Scope.Valid() {
		return fmt.Errorf("unknown scope %q", f.Scope)
	}
	if f.Theme == "" {
		return errors.New("frame theme is required")
	}
	if len(f.Claims) == 0 {
		return errors.New("frame has no claims")
	}
	if len(f.Citations) == 0 {
		return errors.New("frame has no citations")
	}
	return nil
}

// Freshness is 1 - age/ttl clamped to [0,1]. Pinned frames and frames without
// a TTL never go stale.
func (f *Frame) Freshness(now time.Time) float64 {
	if f.Pinned || f.TTLMS <= 0 {
		return 1
	}
	age := now.Sub(f.CreatedAt).Milliseconds()
	fresh := 1 - float64(age)/float64(f.TTLMS)
	if fresh < 0 {
		return 0
	}
	if fresh > 1 {
		return 1
	}
	return fresh
}

// Sign computes the provenance signature over the identity-bearing fields.
func (f *Frame) Sign() string {
	payload := map[string]any{
		"id":        f.ID,
		"scope":     string(f.Scope),
		"theme":     f.Theme,
		"summary":   f.Summary,
		"claims":    toAny(f.Claims),
		"citations": toAny(f.Citations),
		"version":   f.Version,
	}
	sum := sha256.Sum256(keys.Canonical(payload))
	return hex.EncodeToString(sum[:])
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
