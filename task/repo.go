package task

import (
	"context"
	"encoding/json"
	"time"
)

type (
	// Repository is the durable store for task records. Implementations must
	// be safe under concurrent writers from many workers; individual updates
	// are atomic row writes.
	Repository interface {
		// Create inserts a pending task for the spec and returns its ID.
		Create(ctx context.Context, spec *Spec) (string, error)

		// GetByID loads one task. Returns ErrNotFound for unknown IDs.
		GetByID(ctx context.Context, id string) (*Task, error)

		// UpdateStatus transitions the task. Transitioning to running
		// additionally stamps worker_id and started_at.
		UpdateStatus(ctx context.Context, id string, status Status, workerID string) error

		// UpdateHeartbeat stamps last_heartbeat_at = now.
		UpdateHeartbeat(ctx context.Context, id string) error

		// Complete marks the task completed, stamping completed_at and the
		// final metrics.
		Complete(ctx context.Context, id string, result json.RawMessage, metrics Metrics) error

		// Fail marks the task failed with the error message and attempt count.
		Fail(ctx context.Context, id string, taskErr string, retries int) error

		// GetByPhase lists tasks of a phase run, optionally filtered by status
		// (empty status means all).
		GetByPhase(ctx context.Context, phaseID string, status Status) ([]*Task, error)

		// GetStalled returns running tasks whose last heartbeat is older than
		// the idle window.
		GetStalled(ctx context.Context, idle time.Duration) ([]*Task, error)

		// StatsByPhase aggregates counts and costs for a phase run.
		StatsByPhase(ctx context.Context, phaseID string) (*PhaseStats, error)

		// CancelPhase marks all pending and running tasks of a phase run
		// cancelled and returns how many were flipped. Running tasks observe
		// the cancellation at their next heartbeat boundary.
		CancelPhase(ctx context.Context, phaseID string) (int, error)

		// AssignPriority sets the priority class. When a prior assignment
		// exists and was not overridable the call fails.
		AssignPriority(ctx context.Context, id string, class PriorityClass, reason string, overridable bool) error

		// ListRunningByClass returns running tasks whose class is in classes,
		// oldest start first.
		ListRunningByClass(ctx context.Context, classes []PriorityClass) ([]*Task, error)

		// MarkPreempted atomically flips the task to preempted (bumping
		// preemption_count) and appends a preemption_history row.
		MarkPreempted(ctx context.Context, id, reason, resource string) error

		// MarkResumed atomically returns a preempted task to pending and
		// stamps resumed_at on the task and its latest history row.
		MarkResumed(ctx context.Context, id string) error
	}
)
