// Package inmem provides an in-memory task.Repository for tests and local
// development. Data lives in process memory; production deployments use the
// Postgres-backed repository.
package inmem

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ecoachlabs/ideamine-engine/task"
)

// HistoryEntry mirrors one preemption_history row.
type HistoryEntry struct {
	TaskID      string
	Reason      string
	Resource    string
	PreemptedAt time.Time
	ResumedAt   *time.Time
}

// Repository implements task.Repository with a mutex-guarded map. It is
// thread-safe and copies records defensively on read.
type Repository struct {
	mu      sync.RWMutex
	tasks   map[string]*task.Task
	history []*HistoryEntry

	// Now is swappable in tests that need to move time.
	Now func() time.Time
}

// ErrPriorityLocked mirrors the Postgres repository sentinel.
var ErrPriorityLocked = errors.New("priority assignment is not overridable")

// New returns an empty repository.
func New() *Repository {
	return &Repository{
		tasks: make(map[string]*task.Task),
		Now:   time.Now,
	}
}

// Create inserts a pending task for the spec.
func (r *Repository) Create(_ context.Context, spec *task.Spec) (string, error) {
	if err := spec.Validate(); err != nil {
		return "", fmt.Errorf("invalid task spec: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	id := uuid.New().String()
	now := r.Now()
	cp := *spec
	cp.ID = id
	r.tasks[id] = &task.Task{
		Spec:          cp,
		Status:        task.StatusPending,
		PriorityClass: task.P2,
		Overridable:   true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	return id, nil
}

// GetByID returns a copy of the task.
func (r *Repository) GetByID(_ context.Context, id string) (*task.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[id]
	if !ok {
		return nil, task.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

// UpdateStatus transitions the task, stamping started_at/completed_at as the
// Postgres repository does.
func (r *Repository) UpdateStatus(_ context.Context, id string, status task.Status, workerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return task.ErrNotFound
	}
	now := r.Now()
	t.Status = status
	t.UpdatedAt = now
	switch {
	case status == task.StatusRunning:
		if workerID == "" {
			return errors.New("running status requires a worker id")
		}
		t.WorkerID = workerID
		t.StartedAt = &now
		t.LastHeartbeatAt = &now
	case status.Terminal():
		t.CompletedAt = &now
	}
	return nil
}

// UpdateHeartbeat stamps last_heartbeat_at.
func (r *Repository) UpdateHeartbeat(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return task.ErrNotFound
	}
	now := r.Now()
	t.LastHeartbeatAt = &now
	t.UpdatedAt = now
	return nil
}

// Complete stamps completed_at and the final metrics.
func (r *Repository) Complete(_ context.Context, id string, result json.RawMessage, metrics task.Metrics) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return task.ErrNotFound
	}
	now := r.Now()
	t.Status = task.StatusCompleted
	t.Result = append(json.RawMessage(nil), result...)
	t.Metrics = metrics
	t.CompletedAt = &now
	t.UpdatedAt = now
	return nil
}

// Fail stamps completed_at and the error.
func (r *Repository) Fail(_ context.Context, id string, taskErr string, retries int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return task.ErrNotFound
	}
	now := r.Now()
	t.Status = task.StatusFailed
	t.Error = taskErr
	t.Retries = retries
	t.CompletedAt = &now
	t.UpdatedAt = now
	return nil
}

// GetByPhase lists tasks of a phase run, oldest first.
func (r *Repository) GetByPhase(_ context.Context, phaseID string, status task.Status) ([]*task.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*task.Task
	for _, t := range r.tasks {
		if t.PhaseID != phaseID {
			continue
		}
		if status != "" && t.Status != status {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// GetStalled returns running tasks with stale heartbeats.
func (r *Repository) GetStalled(_ context.Context, idle time.Duration) ([]*task.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cutoff := r.Now().Add(-idle)
	var out []*task.Task
	for _, t := range r.tasks {
		if t.Status != task.StatusRunning {
			continue
		}
		if t.LastHeartbeatAt == nil || t.LastHeartbeatAt.Before(cutoff) {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// StatsByPhase aggregates counts and costs.
func (r *Repository) StatsByPhase(_ context.Context, phaseID string) (*task.PhaseStats, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	stats := &task.PhaseStats{ByStatus: make(map[task.Status]int)}
	for _, t := range r.tasks {
		if t.PhaseID != phaseID {
			continue
		}
		stats.Total++
		stats.ByStatus[t.Status]++
		stats.CostUSD += t.Metrics.CostUSD
		stats.TokensUsed += t.Metrics.TokensUsed
	}
	return stats, nil
}

// CancelPhase flips pending and running tasks to cancelled.
func (r *Repository) CancelPhase(_ context.Context, phaseID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.Now()
	n := 0
	for _, t := range r.tasks {
		if t.PhaseID != phaseID {
			continue
		}
		if t.Status == task.StatusPending || t.Status == task.StatusRunning {
			t.Status = task.StatusCancelled
			t.CompletedAt = &now
			t.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

// AssignPriority sets the class unless locked by a prior assignment.
func (r *Repository) AssignPriority(_ context.Context, id string, class task.PriorityClass, reason string, overridable bool) error {
	if !class.Valid() {
		return fmt.Errorf("unknown priority class %q", class)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return task.ErrNotFound
	}
	if t.PriorityReason != "" && !t.Overridable {
		return fmt.Errorf("task %s: %w", id, ErrPriorityLocked)
	}
	t.PriorityClass = class
	t.PriorityReason = reason
	t.Overridable = overridable
	t.UpdatedAt = r.Now()
	return nil
}

// ListRunningByClass returns running tasks in the classes, oldest start first.
func (r *Repository) ListRunningByClass(_ context.Context, classes []task.PriorityClass) ([]*task.Task, error) {
	want := make(map[task.PriorityClass]bool, len(classes))
	for _, c := range classes {
		want[c] = true
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*task.Task
	for _, t := range r.tasks {
		if t.Status == task.StatusRunning && want[t.PriorityClass] {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		switch {
		case out[i].StartedAt == nil:
			return false
		case out[j].StartedAt == nil:
			return true
		default:
			return out[i].StartedAt.Before(*out[j].StartedAt)
		}
	})
	return out, nil
}

// MarkPreempted flips the task to preempted and records a history entry.
func (r *Repository) MarkPreempted(_ context.Context, id, reason, resource string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return task.ErrNotFound
	}
	if t.Status != task.StatusRunning {
		return fmt.Errorf("task %s is not running: %w", id, task.ErrNotFound)
	}
	now := r.Now()
	t.Status = task.StatusPreempted
	t.Preempted = true
	t.PreemptionReason = reason
	t.PreemptedAt = &now
	t.PreemptionCount++
	t.UpdatedAt = now
	r.history = append(r.history, &HistoryEntry{
		TaskID:      id,
		Reason:      reason,
		Resource:    resource,
		PreemptedAt: now,
	})
	return nil
}

// MarkResumed returns a preempted task to pending and stamps the latest
// history entry.
func (r *Repository) MarkResumed(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return task.ErrNotFound
	}
	if t.Status != task.StatusPreempted {
		return fmt.Errorf("task %s is not preempted: %w", id, task.ErrNotFound)
	}
	now := r.Now()
	t.Status = task.StatusPending
	t.Preempted = false
	t.ResumedAt = &now
	t.UpdatedAt = now
	for i := len(r.history) - 1; i >= 0; i-- {
		if r.history[i].TaskID == id && r.history[i].ResumedAt == nil {
			r.history[i].ResumedAt = &now
			break
		}
	}
	return nil
}

// History returns a copy of the preemption history, oldest first.
func (r *Repository) History() []HistoryEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]HistoryEntry, len(r.history))
	for i, h := range r.history {
		out[i] = *h
	}
	return out
}
