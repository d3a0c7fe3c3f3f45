// Package postgres implements vault.Store on the knowledge_frames,
// qa_bindings, signals, and artifacts tables.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ecoachlabs/ideamine-engine/clients/postgres"
	"github.com/ecoachlabs/ideamine-engine/vault"
)

// Store is the Postgres-backed vault store.
type Store struct {
	db *postgres.Client
}

// New builds the store.
func New(db *postgres.Client) (*Store, error) {
	if db == nil {
		return nil, errors.New("postgres client is required")
	}
	return &Store{db: db}, nil
}

const frameColumns = `id, scope, theme, summary, claims, citations, parents, children,
	version, provenance, tags, pinned, ttl_ms, created_at, updated_at`

// CreateFrame inserts a frame.
func (s *Store) CreateFrame(ctx context.Context, f *vault.Frame) error {
	provenance, err := json.Marshal(f.Provenance)
	if err != nil {
		return fmt.Errorf("encode provenance: %w", err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO knowledge_frames
			(id, scope, theme, summary, claims, citations, parents, children,
			 version, provenance, tags, pinned, ttl_ms, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		f.ID, string(f.Scope), f.Theme, f.Summary,
		jsonStrings(f.Claims), jsonStrings(f.Citations),
		jsonStrings(f.Parents), jsonStrings(f.Children),
		f.Version, provenance, f.Tags, f.Pinned, nullTTL(f.TTLMS),
		f.CreatedAt, f.UpdatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return vault.ErrFrameExists
	}
	if err != nil {
		return fmt.Errorf("insert frame %s: %w", f.ID, err)
	}
	return nil
}

// GetFrame loads one frame.
func (s *Store) GetFrame(ctx context.Context, id string) (*vault.Frame, error) {
	row := s.db.QueryRow(ctx, `SELECT `+frameColumns+` FROM knowledge_frames WHERE id = $1`, id)
	return scanFrame(row)
}

// UpdateFrame replaces the mutable fields.
func (s *Store) UpdateFrame(ctx context.Context, f *vault.Frame) error {
	provenance, err := json.Marshal(f.Provenance)
	if err != nil {
		return fmt.Errorf("encode provenance: %w", err)
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE knowledge_frames
		   SET summary = $2, claims = $3, citations = $4, parents = $5,
		       children = $6, version = $7, provenance = $8, tags = $9,
		       pinned = $10, ttl_ms = $11, updated_at = now()
		 WHERE id = $1`,
		f.ID, f.Summary, jsonStrings(f.Claims), jsonStrings(f.Citations),
		jsonStrings(f.Parents), jsonStrings(f.Children),
		f.Version, provenance, f.Tags, f.Pinned, nullTTL(f.TTLMS))
	if err != nil {
		return fmt.Errorf("update frame %s: %w", f.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return vault.ErrFrameNotFound
	}
	return nil
}

// ListByTheme returns frames with exactly this theme.
func (s *Store) ListByTheme(ctx context.Context, theme string, scope vault.Scope) ([]*vault.Frame, error) {
	query := `SELECT ` + frameColumns + ` FROM knowledge_frames WHERE theme = $1`
	args := []any{theme}
	if scope != "" {
		query += ` AND scope = $2`
		args = append(args, string(scope))
	}
	query += ` ORDER BY created_at DESC, id`
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list frames for theme %s: %w", theme, err)
	}
	defer rows.Close()
	return scanFrames(rows)
}

// Search returns candidates matching the filter, newest first. Freshness
// filtering uses the calculate_freshness SQL function so the store and the
// engine agree on staleness.
func (s *Store) Search(ctx context.Context, filter vault.Filter) ([]*vault.Frame, error) {
	query := `SELECT ` + frameColumns + ` FROM knowledge_frames WHERE 1=1`
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if filter.ThemePrefix != "" {
		query += ` AND theme LIKE ` + arg(filter.ThemePrefix+"%")
	}
	if filter.Scope != "" {
		query += ` AND scope = ` + arg(string(filter.Scope))
	}
	if filter.MinFreshness > 0 {
		query += ` AND calculate_freshness(created_at, ttl_ms, pinned) >= ` + arg(filter.MinFreshness)
	}
	if len(filter.Tags) > 0 {
		query += ` AND tags @> ` + arg(filter.Tags)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 3000
	}
	query += ` ORDER BY created_at DESC, id LIMIT ` + arg(limit)

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search frames: %w", err)
	}
	defer rows.Close()
	return scanFrames(rows)
}

// Pin marks a frame pinned.
func (s *Store) Pin(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE knowledge_frames SET pinned = TRUE, updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("pin frame %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return vault.ErrFrameNotFound
	}
	return nil
}

// UpdateTTL rewrites ttl_ms for the scope/theme selection.
func (s *Store) UpdateTTL(ctx context.Context, scope vault.Scope, theme string, ttl time.Duration) (int, error) {
	query := `UPDATE knowledge_frames SET ttl_ms = $1, updated_at = now() WHERE scope = $2`
	args := []any{ttl.Milliseconds(), string(scope)}
	if theme != "" {
		query += ` AND theme = $3`
		args = append(args, theme)
	}
	tag, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("update ttl: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Forget deletes matching non-pinned frames and returns their IDs.
func (s *Store) Forget(ctx context.Context, sel vault.ForgetSelector) ([]string, error) {
	query := `DELETE FROM knowledge_frames WHERE NOT pinned`
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if sel.Scope != "" {
		query += ` AND scope = ` + arg(string(sel.Scope))
	}
	if sel.Theme != "" {
		query += ` AND theme = ` + arg(sel.Theme)
	}
	if len(sel.IDs) > 0 {
		query += ` AND id = ANY(` + arg(sel.IDs) + `)`
	}
	query += ` RETURNING id`

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("forget frames: %w", err)
	}
	defer rows.Close()
	var removed []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan forgotten id: %w", err)
		}
		removed = append(removed, id)
	}
	return removed, rows.Err()
}

// CleanupExpired removes unpinned frames past their TTL.
func (s *Store) CleanupExpired(ctx context.Context) (int, error) {
	var removed int
	if err := s.db.QueryRow(ctx, `SELECT cleanup_expired_frames()`).Scan(&removed); err != nil {
		return 0, fmt.Errorf("cleanup expired frames: %w", err)
	}
	return removed, nil
}

// SaveQABinding inserts the binding.
func (s *Store) SaveQABinding(ctx context.Context, b *vault.QABinding) error {
	err := s.db.QueryRow(ctx, `
		INSERT INTO qa_bindings
			(question, answer, validator_score, grounding, contradictions,
			 citations, run_id, phase, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`,
		b.Question, b.Answer, b.ValidatorScore, b.Grounding,
		jsonStrings(b.Contradictions), jsonStrings(b.Citations),
		b.RunID, b.Phase, b.CreatedAt).Scan(&b.ID)
	if err != nil {
		return fmt.Errorf("insert qa binding: %w", err)
	}
	return nil
}

// SaveSignal inserts the sample.
func (s *Store) SaveSignal(ctx context.Context, sig *vault.Signal) error {
	labels, err := json.Marshal(sig.Labels)
	if err != nil {
		return fmt.Errorf("encode signal labels: %w", err)
	}
	err = s.db.QueryRow(ctx, `
		INSERT INTO signals (name, value, labels, run_id, phase, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`,
		sig.Name, sig.Value, labels, sig.RunID, sig.Phase, sig.RecordedAt).Scan(&sig.ID)
	if err != nil {
		return fmt.Errorf("insert signal %s: %w", sig.Name, err)
	}
	return nil
}

// SaveArtifact upserts by URI.
func (s *Store) SaveArtifact(ctx context.Context, a *vault.Artifact) error {
	err := s.db.QueryRow(ctx, `
		INSERT INTO artifacts (type, uri, sha256, phase, run_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (uri) DO UPDATE SET type = EXCLUDED.type, sha256 = EXCLUDED.sha256
		RETURNING id`,
		a.Type, a.URI, a.SHA256, a.Phase, a.RunID, a.CreatedAt).Scan(&a.ID)
	if err != nil {
		return fmt.Errorf("insert artifact %s: %w", a.URI, err)
	}
	return nil
}

// GetArtifactByURI resolves one artifact.
func (s *Store) GetArtifactByURI(ctx context.Context, uri string) (*vault.Artifact, error) {
	var a vault.Artifact
	err := s.db.QueryRow(ctx, `
		SELECT id, type, uri, sha256, phase, run_id, created_at
		  FROM artifacts WHERE uri = $1`, uri).
		Scan(&a.ID, &a.Type, &a.URI, &a.SHA256, &a.Phase, &a.RunID, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, vault.ErrFrameNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load artifact %s: %w", uri, err)
	}
	return &a, nil
}

// scanFrame reads one frame row.
func scanFrame(row pgx.Row) (*vault.Frame, error) {
	var (
		f          vault.Frame
		scope      string
		claims     []byte
		citations  []byte
		parents    []byte
		children   []byte
		provenance []byte
		ttl        *int64
	)
	err := row.Scan(&f.ID, &scope, &f.Theme, &f.Summary, &claims, &citations,
		&parents, &children, &f.Version, &provenance, &f.Tags, &f.Pinned,
		&ttl, &f.CreatedAt, &f.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, vault.ErrFrameNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan frame: %w", err)
	}
	f.Scope = vault.Scope(scope)
	if ttl != nil {
		f.TTLMS = *ttl
	}
	for _, pair := range []struct {
		raw []byte
		dst *[]string
	}{
		{claims, &f.Claims},
		{citations, &f.Citations},
		{parents, &f.Parents},
		{children, &f.Children},
	} {
		if len(pair.raw) > 0 {
			if err := json.Unmarshal(pair.raw, pair.dst); err != nil {
				return nil, fmt.Errorf("decode frame %s arrays: %w", f.ID, err)
			}
		}
	}
	if len(provenance) > 0 {
		if err := json.Unmarshal(provenance, &f.Provenance); err != nil {
			return nil, fmt.Errorf("decode frame %s provenance: %w", f.ID, err)
		}
	}
	return &f, nil
}

func scanFrames(rows pgx.Rows) ([]*vault.Frame, error) {
	var out []*vault.Frame
	for rows.Next() {
		f, err := scanFrame(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// jsonStrings encodes a string slice as a JSONB array, never null.
func jsonStrings(ss []string) []byte {
	if ss == nil {
		ss = []string{}
	}
	b, _ := json.Marshal(ss)
	return b
}

// nullTTL maps a zero TTL to SQL NULL.
func nullTTL(ms int64) *int64 {
	if ms <= 0 {
		return nil
	}
	return &ms
}
