package worker

import (
	"context"
	"sync"
	"time"

	"goa.design/clue/log"

	"github.com/ecoachlabs/ideamine-engine/task"
)

// heartbeat is the per-attempt liveness loop. Every interval it stamps
// last_heartbeat_at in the store, refreshes the TTL'd liveness key, and checks
// whether the record was cancelled or preempted out from under the executor.
// Stamp failures are logged, never fatal: a missed beat must not kill a
// healthy task.
type heartbeat struct {
	stopCh chan struct{}
	done   chan struct{}

	mu     sync.Mutex
	reason task.Status // cancelled or preempted, empty otherwise
	once   sync.Once
}

func (w *Worker) startHeartbeat(ctx context.Context, taskID string, interrupt context.CancelFunc) *heartbeat {
	hb := &heartbeat{
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	go func() {
		defer close(hb.done)
		ticker := time.NewTicker(w.hbInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-hb.stopCh:
				return
			case <-ticker.C:
				w.beat(ctx, taskID, hb, interrupt)
			}
		}
	}()
	return hb
}

// beat performs one heartbeat: DB stamp, liveness key, cancellation check.
func (w *Worker) beat(ctx context.Context, taskID string, hb *heartbeat, interrupt context.CancelFunc) {
	if err := w.repo.UpdateHeartbeat(ctx, taskID); err != nil {
		log.Warn(ctx, log.KV{K: "msg", V: "heartbeat stamp failed"},
			log.KV{K: "task_id", V: taskID},
			log.KV{K: "err", V: err.Error()})
	}
	if w.rdb != nil {
		if err := w.rdb.SetEx(ctx, heartbeatPrefix+taskID, w.id, w.hbTTL).Err(); err != nil {
			log.Warn(ctx, log.KV{K: "msg", V: "liveness key refresh failed"},
				log.KV{K: "task_id", V: taskID},
				log.KV{K: "err", V: err.Error()})
		}
	}

	tk, err := w.repo.GetByID(ctx, taskID)
	if err != nil {
		log.Warn(ctx, log.KV{K: "msg", V: "heartbeat status check failed"},
			log.KV{K: "task_id", V: taskID},
			log.KV{K: "err", V: err.Error()})
		return
	}
	if tk.Status == task.StatusCancelled || tk.Status == task.StatusPreempted {
		hb.mu.Lock()
		hb.reason = tk.Status
		hb.mu.Unlock()
		interrupt()
	}
}

// stop ends the loop and waits for the in-flight beat to finish.
func (hb *heartbeat) stop() {
	hb.once.Do(func() { close(hb.stopCh) })
	<-hb.done
}

// interruption reports why the attempt was interrupted at a heartbeat
// boundary, or the empty status when it was not.
func (hb *heartbeat) interruption() task.Status {
	hb.mu.Lock()
	defer hb.mu.Unlock()
	return hb.reason
}
