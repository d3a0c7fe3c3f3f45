// Package postgres implements task.Repository on the shared pgx pool.
// All mutations are single-row atomic writes; the preemption round-trip
// wraps its two coupled writes (task row + history row) in one transaction.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"goa.design/clue/log"

	"github.com/ecoachlabs/ideamine-engine/clients/postgres"
	"github.com/ecoachlabs/ideamine-engine/task"
)

// Repository is the Postgres-backed task store.
type Repository struct {
	db *postgres.Client
}

// ErrPriorityLocked is returned when a priority assignment exists and was not
// overridable.
var ErrPriorityLocked = errors.New("priority assignment is not overridable")

// NewRepository builds a repository on the shared pool.
func NewRepository(db *postgres.Client) (*Repository, error) {
	if db == nil {
		return nil, errors.New("postgres client is required")
	}
	return &Repository{db: db}, nil
}

const taskColumns = `
	id, phase, phase_id, type, target, input, retries, budget_ms, budget_tokens,
	idempotence_key, status, worker_id, priority_class, priority_reason,
	priority_overridable, preempted, preemption_reason, preempted_at, resumed_at,
	preemption_count, started_at, completed_at, last_heartbeat_at, result, error,
	cost_usd, tokens_used, duration_ms, created_at, updated_at`

// Create inserts a pending task row for the spec and returns the generated ID.
func (r *Repository) Create(ctx context.Context, spec *task.Spec) (string, error) {
	if err := spec.Validate(); err != nil {
		return "", fmt.Errorf("invalid task spec: %w", err)
	}
	input, err := json.Marshal(spec.Input)
	if err != nil {
		return "", fmt.Errorf("marshal task input: %w", err)
	}
	var tokens *int64
	if spec.Budget.Tokens > 0 {
		tokens = &spec.Budget.Tokens
	}
	var id string
	err = r.db.QueryRow(ctx, `
		INSERT INTO tasks (phase, phase_id, type, target, input, retries, budget_ms, budget_tokens, idempotence_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`,
		spec.Phase, spec.PhaseID, spec.Type, spec.Target, input,
		spec.Retries, spec.Budget.MS, tokens, spec.IdempotenceKey,
	).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("insert task: %w", err)
	}
	return id, nil
}

// GetByID loads one task row.
func (r *Repository) GetByID(ctx context.Context, id string) (*task.Task, error) {
	row := r.db.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, task.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return t, nil
}

// UpdateStatus transitions the task. running additionally stamps worker_id and
// started_at; terminal transitions stamp completed_at.
func (r *Repository) UpdateStatus(ctx context.Context, id string, status task.Status, workerID string) error {
	var tag string
	var err error
	switch {
	case status == task.StatusRunning:
		if workerID == "" {
			return errors.New("running status requires a worker id")
		}
		_, err = r.db.Exec(ctx, `
			UPDATE tasks SET status = $2, worker_id = $3, started_at = now(),
			       last_heartbeat_at = now(), updated_at = now()
			WHERE id = $1`, id, status, workerID)
		tag = "running"
	case status.Terminal():
		_, err = r.db.Exec(ctx, `
			UPDATE tasks SET status = $2, completed_at = now(), updated_at = now()
			WHERE id = $1`, id, status)
		tag = "terminal"
	default:
		_, err = r.db.Exec(ctx, `
			UPDATE tasks SET status = $2, updated_at = now() WHERE id = $1`, id, status)
		tag = "plain"
	}
	if err != nil {
		return fmt.Errorf("update task %s status (%s): %w", id, tag, err)
	}
	return nil
}

// UpdateHeartbeat stamps last_heartbeat_at.
func (r *Repository) UpdateHeartbeat(ctx context.Context, id string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE tasks SET last_heartbeat_at = now(), updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update task %s heartbeat: %w", id, err)
	}
	return nil
}

// Complete records the result and final metrics and stamps completed_at.
func (r *Repository) Complete(ctx context.Context, id string, result json.RawMessage, metrics task.Metrics) error {
	if result == nil {
		result = json.RawMessage(`null`)
	}
	_, err := r.db.Exec(ctx, `
		UPDATE tasks SET status = 'completed', result = $2, cost_usd = $3,
		       tokens_used = $4, duration_ms = $5, completed_at = now(), updated_at = now()
		WHERE id = $1`,
		id, result, metrics.CostUSD, metrics.TokensUsed, metrics.DurationMS)
	if err != nil {
		return fmt.Errorf("complete task %s: %w", id, err)
	}
	return nil
}

// Fail records the error and attempt count and stamps completed_at.
func (r *Repository) Fail(ctx context.Context, id string, taskErr string, retries int) error {
	_, err := r.db.Exec(ctx, `
		UPDATE tasks SET status = 'failed', error = $2, retries = $3,
		       completed_at = now(), updated_at = now()
		WHERE id = $1`, id, taskErr, retries)
	if err != nil {
		return fmt.Errorf("fail task %s: %w", id, err)
	}
	return nil
}

// GetByPhase lists tasks of a phase run, optionally filtered by status.
func (r *Repository) GetByPhase(ctx context.Context, phaseID string, status task.Status) ([]*task.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE phase_id = $1`
	args := []any{phaseID}
	if status != "" {
		query += ` AND status = $2`
		args = append(args, status)
	}
	query += ` ORDER BY created_at`
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks for phase %s: %w", phaseID, err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// GetStalled returns running tasks whose heartbeat is older than idle.
func (r *Repository) GetStalled(ctx context.Context, idle time.Duration) ([]*task.Task, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE status = 'running' AND last_heartbeat_at < now() - $1::interval
		ORDER BY last_heartbeat_at`,
		fmt.Sprintf("%d seconds", int(idle.Seconds())))
	if err != nil {
		return nil, fmt.Errorf("list stalled tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// StatsByPhase aggregates counts and costs for a phase run.
func (r *Repository) StatsByPhase(ctx context.Context, phaseID string) (*task.PhaseStats, error) {
	rows, err := r.db.Query(ctx, `
		SELECT status, COUNT(*), COALESCE(SUM(cost_usd), 0), COALESCE(SUM(tokens_used), 0)
		FROM tasks WHERE phase_id = $1 GROUP BY status`, phaseID)
	if err != nil {
		return nil, fmt.Errorf("phase stats %s: %w", phaseID, err)
	}
	defer rows.Close()

	stats := &task.PhaseStats{ByStatus: make(map[task.Status]int)}
	for rows.Next() {
		var status task.Status
		var count int
		var cost float64
		var tokens int64
		if err := rows.Scan(&status, &count, &cost, &tokens); err != nil {
			return nil, fmt.Errorf("scan phase stats: %w", err)
		}
		stats.ByStatus[status] = count
		stats.Total += count
		stats.CostUSD += cost
		stats.TokensUsed += tokens
	}
	return stats, rows.Err()
}

// CancelPhase flips all pending and running tasks of the phase to cancelled.
func (r *Repository) CancelPhase(ctx context.Context, phaseID string) (int, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE tasks SET status = 'cancelled', completed_at = now(), updated_at = now()
		WHERE phase_id = $1 AND status IN ('pending', 'running')`, phaseID)
	if err != nil {
		return 0, fmt.Errorf("cancel phase %s: %w", phaseID, err)
	}
	n := int(tag.RowsAffected())
	if n > 0 {
		log.Info(ctx, log.KV{K: "msg", V: "phase cancelled"},
			log.KV{K: "phase_id", V: phaseID}, log.KV{K: "tasks", V: n})
	}
	return n, nil
}

// AssignPriority sets the class unless a prior non-overridable assignment exists.
func (r *Repository) AssignPriority(ctx context.Context, id string, class task.PriorityClass, reason string, overridable bool) error {
	if !class.Valid() {
		return fmt.Errorf("unknown priority class %q", class)
	}
	var lockedReason *string
	var locked bool
	err := r.db.QueryRow(ctx, `
		SELECT priority_reason, NOT priority_overridable AND priority_reason IS NOT NULL
		FROM tasks WHERE id = $1`, id).Scan(&lockedReason, &locked)
	if errors.Is(err, pgx.ErrNoRows) {
		return task.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("check priority assignment %s: %w", id, err)
	}
	if locked {
		return fmt.Errorf("task %s: %w", id, ErrPriorityLocked)
	}
	_, err = r.db.Exec(ctx, `
		UPDATE tasks SET priority_class = $2, priority_reason = $3,
		       priority_overridable = $4, updated_at = now()
		WHERE id = $1`, id, class, reason, overridable)
	if err != nil {
		return fmt.Errorf("assign priority %s: %w", id, err)
	}
	return nil
}

// ListRunningByClass returns running tasks in the given classes, oldest first.
func (r *Repository) ListRunningByClass(ctx context.Context, classes []task.PriorityClass) ([]*task.Task, error) {
	if len(classes) == 0 {
		return nil, nil
	}
	names := make([]string, len(classes))
	for i, c := range classes {
		names[i] = string(c)
	}
	rows, err := r.db.Query(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE status = 'running' AND priority_class = ANY($1)
		ORDER BY started_at`, names)
	if err != nil {
		return nil, fmt.Errorf("list running tasks by class: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// MarkPreempted flips the task to preempted and appends a history row in one
// transaction.
func (r *Repository) MarkPreempted(ctx context.Context, id, reason, resource string) error {
	return r.db.InTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE tasks SET status = 'preempted', preempted = TRUE,
			       preemption_reason = $2, preempted_at = now(),
			       preemption_count = preemption_count + 1, updated_at = now()
			WHERE id = $1 AND status = 'running'`, id, reason)
		if err != nil {
			return fmt.Errorf("mark task %s preempted: %w", id, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("task %s is not running: %w", id, task.ErrNotFound)
		}
		var res *string
		if resource != "" {
			res = &resource
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO preemption_history (task_id, reason, resource) VALUES ($1, $2, $3)`,
			id, reason, res); err != nil {
			return fmt.Errorf("insert preemption history for %s: %w", id, err)
		}
		return nil
	})
}

// MarkResumed returns a preempted task to pending and stamps resumed_at on the
// task and its most recent history row, in one transaction.
func (r *Repository) MarkResumed(ctx context.Context, id string) error {
	return r.db.InTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE tasks SET status = 'pending', preempted = FALSE,
			       resumed_at = now(), updated_at = now()
			WHERE id = $1 AND status = 'preempted'`, id)
		if err != nil {
			return fmt.Errorf("mark task %s resumed: %w", id, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("task %s is not preempted: %w", id, task.ErrNotFound)
		}
		if _, err := tx.Exec(ctx, `
			UPDATE preemption_history SET resumed_at = now()
			WHERE id = (
				SELECT id FROM preemption_history
				WHERE task_id = $1 AND resumed_at IS NULL
				ORDER BY preempted_at DESC LIMIT 1
			)`, id); err != nil {
			return fmt.Errorf("stamp preemption history for %s: %w", id, err)
		}
		return nil
	})
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*task.Task, error) {
	var (
		t          task.Task
		input      []byte
		tokens     *int64
		workerID   *string
		prioReason *string
		preReason  *string
		taskErr    *string
		result     *[]byte
	)
	err := row.Scan(
		&t.ID, &t.Phase, &t.PhaseID, &t.Type, &t.Target, &input, &t.Retries,
		&t.Budget.MS, &tokens, &t.IdempotenceKey, &t.Status, &workerID,
		&t.PriorityClass, &prioReason, &t.Overridable, &t.Preempted, &preReason,
		&t.PreemptedAt, &t.ResumedAt, &t.PreemptionCount, &t.StartedAt,
		&t.CompletedAt, &t.LastHeartbeatAt, &result, &taskErr,
		&t.Metrics.CostUSD, &t.Metrics.TokensUsed, &t.Metrics.DurationMS,
		&t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(input) > 0 {
		if err := json.Unmarshal(input, &t.Input); err != nil {
			return nil, fmt.Errorf("decode task input: %w", err)
		}
	}
	if tokens != nil {
		t.Budget.Tokens = *tokens
	}
	if workerID != nil {
		t.WorkerID = *workerID
	}
	if prioReason != nil {
		t.PriorityReason = *prioReason
	}
	if preReason != nil {
		t.PreemptionReason = *preReason
	}
	if taskErr != nil {
		t.Error = *taskErr
	}
	if result != nil {
		t.Result = json.RawMessage(*result)
	}
	return &t, nil
}

func scanTasks(rows pgx.Rows) ([]*task.Task, error) {
	var out []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task row: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
