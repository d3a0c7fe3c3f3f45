package vault

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"goa.design/clue/log"

	"github.com/ecoachlabs/ideamine-engine/events"
)

type (
	// Options configures the vault.
	Options struct {
		// Store is the durable backend. Required.
		Store Store
		// Bus, when set, receives memory.delta.* events.
		Bus *events.Bus
		// RunID stamps the workflow_run_id on published deltas when the
		// ingesting caller has no run of its own. Defaults to "vault".
		RunID string
		// PackBudget caps context packs in estimated tokens. Defaults
		// to 4000.
		PackBudget int
		// Now is swappable in tests.
		Now func() time.Time
	}

	// Vault is the knowledge store facade: ingestion, refinement, retrieval,
	// guards, and admin.
	Vault struct {
		store      Store
		bus        *events.Bus
		runID      string
		packBudget int
		now        func() time.Time
	}
)

const defaultPackBudget = 4000

// New builds a vault.
func New(opts Options) (*Vault, error) {
	if opts.Store == nil {
		return nil, errors.New("vault store is required")
	}
	runID := opts.RunID
	if runID == "" {
		runID = "vault"
	}
	budget := opts.PackBudget
	if budget <= 0 {
		budget = defaultPackBudget
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Vault{
		store:      opts.Store,
		bus:        opts.Bus,
		runID:      runID,
		packBudget: budget,
		now:        now,
	}, nil
}

// Ingest stores one frame, signing its provenance, and publishes a
// memory.delta.created. Missing IDs and versions are filled in.
func (v *Vault) Ingest(ctx context.Context, f *Frame) (*Frame, error) {
	if f.ID == "" {
		f.ID = "frame_" + strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
	}
	if f.Version == "" {
		f.Version = "1.0.0"
	}
	now := v.now().UTC()
	if f.CreatedAt.IsZero() {
		f.CreatedAt = now
	}
	f.UpdatedAt = now
	if f.Provenance.When.IsZero() {
		f.Provenance.When = now
	}
	f.Provenance.Signature = f.Sign()

	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("invalid frame: %w", err)
	}
	if err := v.store.CreateFrame(ctx, f); err != nil {
		return nil, fmt.Errorf("store frame %s: %w", f.ID, err)
	}
	v.publishDelta(ctx, events.MemoryDeltaCreated, f)
	log.Info(ctx, log.KV{K: "msg", V: "frame ingested"},
		log.KV{K: "frame_id", V: f.ID},
		log.KV{K: "scope", V: string(f.Scope)},
		log.KV{K: "theme", V: f.Theme})
	return f, nil
}

// Update bumps the frame's patch version, re-signs, stores, and publishes a
// memory.delta.updated.
func (v *Vault) Update(ctx context.Context, f *Frame) error {
	f.Version = bumpPatch(f.Version)
	f.UpdatedAt = v.now().UTC()
	f.Provenance.Signature = f.Sign()
	if err := f.Validate(); err != nil {
		return fmt.Errorf("invalid frame: %w", err)
	}
	if err := v.store.UpdateFrame(ctx, f); err != nil {
		return fmt.Errorf("update frame %s: %w", f.ID, err)
	}
	v.publishDelta(ctx, events.MemoryDeltaUpdated, f)
	return nil
}

// IngestQABinding stores a validated question/answer pair.
func (v *Vault) IngestQABinding(ctx context.Context, b *QABinding) error {
	if b.Question == "" || b.Answer == "" {
		return errors.New("qa binding requires question and answer")
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = v.now().UTC()
	}
	if err := v.store.SaveQABinding(ctx, b); err != nil {
		return fmt.Errorf("store qa binding: %w", err)
	}
	return nil
}

// IngestArtifact stores an artifact reference.
func (v *Vault) IngestArtifact(ctx context.Context, a *Artifact) error {
	if a.URI == "" {
		return errors.New("artifact uri is required")
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = v.now().UTC()
	}
	if err := v.store.SaveArtifact(ctx, a); err != nil {
		return fmt.Errorf("store artifact %s: %w", a.URI, err)
	}
	return nil
}

// IngestSignal stores one telemetry sample.
func (v *Vault) IngestSignal(ctx context.Context, s *Signal) error {
	if s.Name == "" {
		return errors.New("signal name is required")
	}
	if s.RecordedAt.IsZero() {
		s.RecordedAt = v.now().UTC()
	}
	if err := v.store.SaveSignal(ctx, s); err != nil {
		return fmt.Errorf("store signal %s: %w", s.Name, err)
	}
	return nil
}

// GetFrame loads one frame by ID.
func (v *Vault) GetFrame(ctx context.Context, id string) (*Frame, error) {
	return v.store.GetFrame(ctx, id)
}

// GetArtifact resolves a stored artifact by URI.
func (v *Vault) GetArtifact(ctx context.Context, uri string) (*Artifact, error) {
	return v.store.GetArtifactByURI(ctx, uri)
}

// Pin exempts a frame from TTL expiry and forget.
func (v *Vault) Pin(ctx context.Context, id string) error {
	if err := v.store.Pin(ctx, id); err != nil {
		return fmt.Errorf("pin frame %s: %w", id, err)
	}
	log.Info(ctx, log.KV{K: "msg", V: "frame pinned"}, log.KV{K: "frame_id", V: id})
	return nil
}

// UpdateTTL rewrites the TTL of every frame in the scope, narrowed to a theme
// when given.
func (v *Vault) UpdateTTL(ctx context.Context, scope Scope, theme string, ttl time.Duration) (int, error) {
	if !scope.Valid() {
		return 0, fmt.Errorf("unknown scope %q", scope)
	}
	n, err := v.store.UpdateTTL(ctx, scope, theme, ttl)
	if err != nil {
		return 0, fmt.Errorf("update ttl for scope %s: %w", scope, err)
	}
	log.Info(ctx, log.KV{K: "msg", V: "ttl updated"},
		log.KV{K: "scope", V: string(scope)},
		log.KV{K: "theme", V: theme},
		log.KV{K: "frames", V: n})
	return n, nil
}

// Forget removes matching frames, never touching pinned ones, and records the
// audit reason. Each removed frame yields a memory.frame.invalidated event.
func (v *Vault) Forget(ctx context.Context, sel ForgetSelector, reason string) ([]string, error) {
	if reason == "" {
		return nil, errors.New("forget requires an audit reason")
	}
	removed, err := v.store.Forget(ctx, sel)
	if err != nil {
		return nil, fmt.Errorf("forget frames: %w", err)
	}
	log.Info(ctx, log.KV{K: "msg", V: "frames forgotten"},
		log.KV{K: "reason", V: reason},
		log.KV{K: "count", V: len(removed)})
	for _, id := range removed {
		v.publish(ctx, events.MemoryFrameInvalidated, map[string]any{
			"frame_id": id,
			"reason":   reason,
		})
	}
	return removed, nil
}

// CleanupExpired drops unpinned frames past their TTL.
func (v *Vault) CleanupExpired(ctx context.Context) (int, error) {
	n, err := v.store.CleanupExpired(ctx)
	if err != nil {
		return 0, fmt.Errorf("cleanup expired frames: %w", err)
	}
	if n > 0 {
		log.Info(ctx, log.KV{K: "msg", V: "expired frames removed"}, log.KV{K: "count", V: n})
	}
	return n, nil
}

func (v *Vault) publishDelta(ctx context.Context, typ events.Type, f *Frame) {
	v.publish(ctx, typ, map[string]any{
		"frame_id": f.ID,
		"theme":    f.Theme,
		"scope":    string(f.Scope),
	})
}

func (v *Vault) publish(ctx context.Context, typ events.Type, payload map[string]any) {
	if v.bus == nil {
		return
	}
	if err := v.bus.Publish(ctx, events.New(typ, v.runID, payload)); err != nil {
		log.Warn(ctx, log.KV{K: "msg", V: "memory event publish failed"},
			log.KV{K: "type", V: string(typ)},
			log.KV{K: "err", V: err.Error()})
	}
}

// bumpPatch increments the patch component of a semver-ish version string.
// Unparseable versions restart at 1.0.1.
func bumpPatch(version string) string {
	parts := strings.Split(version, ".")
	if len(parts) != 3 {
		return "1.0.1"
	}
	patch := 0
	if _, err := fmt.Sscanf(parts[2], "%d", &patch); err != nil {
		return "1.0.1"
	}
	return fmt.Sprintf("%s.%s.%d", parts[0], parts[1], patch+1)
}
