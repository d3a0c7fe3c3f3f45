package vault

import (
	"context"
	"errors"
	"time"
)

type (
	// QABinding stores one validated question/answer pair.
	QABinding struct {
		ID             int64     `json:"id,omitempty"`
		Question       string    `json:"question"`
		Answer         string    `json:"answer"`
		ValidatorScore float64   `json:"validator_score"`
		Grounding      float64   `json:"grounding"`
		Contradictions []string  `json:"contradictions,omitempty"`
		Citations      []string  `json:"citations,omitempty"`
		RunID          string    `json:"run_id,omitempty"`
		Phase          string    `json:"phase,omitempty"`
		CreatedAt      time.Time `json:"created_at"`
	}

	// Signal is one telemetry sample.
	Signal struct {
		ID         int64             `json:"id,omitempty"`
		Name       string            `json:"name"`
		Value      float64           `json:"value"`
		Labels     map[string]string `json:"labels,omitempty"`
		RunID      string            `json:"run_id,omitempty"`
		Phase      string            `json:"phase,omitempty"`
		RecordedAt time.Time         `json:"recorded_at"`
	}

	// Artifact references one produced artifact by URI.
	Artifact struct {
		ID        int64     `json:"id,omitempty"`
		Type      string    `json:"type"`
		URI       string    `json:"uri"`
		SHA256    string    `json:"sha256,omitempty"`
		Phase     string    `json:"phase,omitempty"`
		RunID     string    `json:"run_id,omitempty"`
		CreatedAt time.Time `json:"created_at"`
	}

	// Filter selects candidate frames for retrieval and admin operations.
	Filter struct {
		// ThemePrefix matches themes by prefix; empty matches all.
		ThemePrefix string
		// Scope restricts to one scope when set.
		Scope Scope
		// MinFreshness drops frames below the threshold.
		MinFreshness float64
		// Tags requires every listed tag.
		Tags []string
		// Limit caps the result set; 0 means the store default.
		Limit int
	}

	// ForgetSelector names frames to forget. Pinned frames are never removed.
	ForgetSelector struct {
		Scope Scope
		Theme string
		IDs   []string
	}

	// Store is the durable backend of the vault.
	Store interface {
		// CreateFrame inserts a frame. ErrFrameExists on duplicate IDs.
		CreateFrame(ctx context.Context, f *Frame) error
		// GetFrame loads one frame. ErrFrameNotFound for unknown IDs.
		GetFrame(ctx context.Context, id string) (*Frame, error)
		// UpdateFrame replaces the frame's mutable fields and stamps
		// updated_at.
		UpdateFrame(ctx context.Context, f *Frame) error
		// ListByTheme returns frames with exactly this theme, optionally
		// scoped.
		ListByTheme(ctx context.Context, theme string, scope Scope) ([]*Frame, error)
		// Search returns candidates matching the filter, newest first.
		Search(ctx context.Context, filter Filter) ([]*Frame, error)
		// Pin marks a frame exempt from TTL expiry and forget.
		Pin(ctx context.Context, id string) error
		// UpdateTTL rewrites ttl_ms for the scope, narrowed to a theme when
		// set. Returns how many frames changed.
		UpdateTTL(ctx context.Context, scope Scope, theme string, ttl time.Duration) (int, error)
		// Forget deletes matching non-pinned frames and returns their IDs.
		Forget(ctx context.Context, sel ForgetSelector) ([]string, error)
		// CleanupExpired removes unpinned frames past their TTL.
		CleanupExpired(ctx context.Context) (int, error)

		// SaveQABinding, SaveSignal, and SaveArtifact persist the parallel
		// ingestion endpoints.
		SaveQABinding(ctx context.Context, b *QABinding) error
		SaveSignal(ctx context.Context, s *Signal) error
		SaveArtifact(ctx context.Context, a *Artifact) error
		// GetArtifactByURI resolves an artifact reference during citation
		// verification. ErrFrameNotFound when absent.
		GetArtifactByURI(ctx context.Context, uri string) (*Artifact, error)
	}
)

// ErrFrameNotFound is returned for unknown frame IDs.
var ErrFrameNotFound = errors.New("frame not found")

// ErrFrameExists is returned when creating a frame whose ID is taken.
var ErrFrameExists = errors.New("frame already exists")

// searchLimit is the default candidate cap for retrieval.
const searchLimit = 3000
