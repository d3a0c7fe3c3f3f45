// Package inmem provides an in-memory vault.Store for tests and local
// development.
package inmem

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ecoachlabs/ideamine-engine/vault"
)

// Store implements vault.Store with mutex-guarded maps.
type Store struct {
	mu        sync.RWMutex
	frames    map[string]*vault.Frame
	qa        []*vault.QABinding
	signals   []*vault.Signal
	artifacts map[string]*vault.Artifact
	nextID    int64

	// Now is swappable in tests that need to move time.
	Now func() time.Time
}

// New returns an empty store.
func New() *Store {
	return &Store{
		frames:    make(map[string]*vault.Frame),
		artifacts: make(map[string]*vault.Artifact),
		Now:       time.Now,
	}
}

// CreateFrame inserts a frame.
func (s *Store) CreateFrame(_ context.Context, f *vault.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.frames[f.ID]; ok {
		return vault.ErrFrameExists
	}
	cp := *f
	s.frames[f.ID] = &cp
	return nil
}

// GetFrame returns a copy of the frame.
func (s *Store) GetFrame(_ context.Context, id string) (*vault.Frame, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.frames[id]
	if !ok {
		return nil, vault.ErrFrameNotFound
	}
	cp := *f
	return &cp, nil
}

// UpdateFrame replaces the stored frame.
func (s *Store) UpdateFrame(_ context.Context, f *vault.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.frames[f.ID]; !ok {
		return vault.ErrFrameNotFound
	}
	cp := *f
	cp.UpdatedAt = s.Now()
	s.frames[f.ID] = &cp
	return nil
}

// ListByTheme returns frames with exactly this theme.
func (s *Store) ListByTheme(_ context.Context, theme string, scope vault.Scope) ([]*vault.Frame, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*vault.Frame
	for _, f := range s.frames {
		if f.Theme != theme {
			continue
		}
		if scope != "" && f.Scope != scope {
			continue
		}
		cp := *f
		out = append(out, &cp)
	}
	sortFrames(out)
	return out, nil
}

// Search returns candidates matching the filter, newest first.
func (s *Store) Search(_ context.Context, filter vault.Filter) ([]*vault.Frame, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := s.Now()
	var out []*vault.Frame
	for _, f := range s.frames {
		if filter.ThemePrefix != "" && !strings.HasPrefix(f.Theme, filter.ThemePrefix) {
			continue
		}
		if filter.Scope != "" && f.Scope != filter.Scope {
			continue
		}
		if filter.MinFreshness > 0 && f.Freshness(now) < filter.MinFreshness {
			continue
		}
		if !hasAllTags(f.Tags, filter.Tags) {
			continue
		}
		cp := *f
		out = append(out, &cp)
	}
	sortFrames(out)
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Pin marks a frame pinned.
func (s *Store) Pin(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.frames[id]
	if !ok {
		return vault.ErrFrameNotFound
	}
	f.Pinned = true
	f.UpdatedAt = s.Now()
	return nil
}

// UpdateTTL rewrites ttl_ms for the scope/theme selection.
func (s *Store) UpdateTTL(_ context.Context, scope vault.Scope, theme string, ttl time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, f := range s.frames {
		if f.Scope != scope {
			continue
		}
		if theme != "" && f.Theme != theme {
			continue
		}
		f.TTLMS = ttl.Milliseconds()
		f.UpdatedAt = s.Now()
		n++
	}
	return n, nil
}

// Forget removes matching non-pinned frames.
func (s *Store) Forget(_ context.Context, sel vault.ForgetSelector) ([]string, error) {
	wantIDs := make(map[string]bool, len(sel.IDs))
	for _, id := range sel.IDs {
		wantIDs[id] = true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed []string
	for id, f := range s.frames {
		if f.Pinned {
			continue
		}
		if sel.Scope != "" && f.Scope != sel.Scope {
			continue
		}
		if sel.Theme != "" && f.Theme != sel.Theme {
			continue
		}
		if len(wantIDs) > 0 && !wantIDs[id] {
			continue
		}
		delete(s.frames, id)
		removed = append(removed, id)
	}
	sort.Strings(removed)
	return removed, nil
}

// CleanupExpired removes unpinned frames past their TTL.
func (s *Store) CleanupExpired(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.Now()
	n := 0
	for id, f := range s.frames {
		if f.Pinned || f.TTLMS <= 0 {
			continue
		}
		if now.Sub(f.CreatedAt).Milliseconds() >= f.TTLMS {
			delete(s.frames, id)
			n++
		}
	}
	return n, nil
}

// SaveQABinding appends the binding.
func (s *Store) SaveQABinding(_ context.Context, b *vault.QABinding) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	cp := *b
	cp.ID = s.nextID
	b.ID = cp.ID
	s.qa = append(s.qa, &cp)
	return nil
}

// SaveSignal appends the sample.
func (s *Store) SaveSignal(_ context.Context, sig *vault.Signal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	cp := *sig
	cp.ID = s.nextID
	sig.ID = cp.ID
	s.signals = append(s.signals, &cp)
	return nil
}

// SaveArtifact upserts by URI.
func (s *Store) SaveArtifact(_ context.Context, a *vault.Artifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	cp := *a
	cp.ID = s.nextID
	a.ID = cp.ID
	s.artifacts[a.URI] = &cp
	return nil
}

// GetArtifactByURI resolves one artifact.
func (s *Store) GetArtifactByURI(_ context.Context, uri string) (*vault.Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.artifacts[uri]
	if !ok {
		return nil, vault.ErrFrameNotFound
	}
	cp := *a
	return &cp, nil
}

// QABindings returns a copy of the stored bindings, oldest first.
func (s *Store) QABindings() []vault.QABinding {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]vault.QABinding, len(s.qa))
	for i, b := range s.qa {
		out[i] = *b
	}
	return out
}

// Signals returns a copy of the stored samples, oldest first.
func (s *Store) Signals() []vault.Signal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]vault.Signal, len(s.signals))
	for i, sig := range s.signals {
		out[i] = *sig
	}
	return out
}

// Len reports how many frames are stored.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.frames)
}

func sortFrames(frames []*vault.Frame) {
	sort.Slice(frames, func(i, j int) bool {
		if !frames[i].CreatedAt.Equal(frames[j].CreatedAt) {
			return frames[i].CreatedAt.After(frames[j].CreatedAt)
		}
		return frames[i].ID < frames[j].ID
	})
}

func hasAllTags(have, want []string) bool {
	if len(want) == 0 {
		return true
	}
	set := make(map[string]bool, len(have))
	for _, t := range have {
		set[t] = true
	}
	for _, t := range want {
		if !set[t] {
			return false
		}
	}
	return true
}
