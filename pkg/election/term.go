package election

import (
	"sync"
	"time"

	"soloist/pkg/worker"
)

// EndReason says why a leadership term ended.
type EndReason string

const (
	ReasonSessionLost  EndReason = "session_lost"
	ReasonSuspended    EndReason = "session_suspended"
	ReasonRevoked      EndReason = "revoked"
	ReasonWorkerExited EndReason = "worker_exited"
	ReasonRelinquished EndReason = "relinquished"
	ReasonShutdown     EndReason = "shutdown"
)

// TermInfo is a snapshot of a leadership term.
type TermInfo struct {
	Number       uint64    `json:"number"`
	Epoch        uint64    `json:"epoch"`
	StartedAt    time.Time `json:"started_at"`
	Active       bool      `json:"active"`
	EndReason    EndReason `json:"end_reason,omitempty"`
	WorkerStatus string    `json:"worker_status"`
}

// term is the state shared between the leadership goroutine and session
// notifications for one grant of leadership. Every field after mu is
// guarded by it.
type term struct {
	number    uint64
	epoch     uint64
	startedAt time.Time
	stopCh    chan struct{}

	mu      sync.Mutex
	stopped bool
	reason  EndReason
	worker  *worker.Handle
}

func newTerm(number, epoch uint64) *term {
	return &term{
		number:    number,
		epoch:     epoch,
		startedAt: time.Now(),
		stopCh:    make(chan struct{}),
	}
}

// requestStop asks the term to end. Only the first request counts; it
// reports whether this call was that first one.
func (t *term) requestStop(reason EndReason) bool {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return false
	}
	t.stopped = true
	t.reason = reason
	t.mu.Unlock()
	close(t.stopCh)
	return true
}

// startWorker starts the worker unless a stop was already requested, in
// which case the worker is never started.
func (t *term) startWorker(start func() *worker.Handle) (*worker.Handle, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return nil, false
	}
	t.worker = start()
	return t.worker, true
}

func (t *term) endReason() EndReason {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reason
}

func (t *term) info() TermInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	status := worker.StatusIdle
	if t.worker != nil {
		status = t.worker.Status()
	}
	return TermInfo{
		Number:       t.number,
		Epoch:        t.epoch,
		StartedAt:    t.startedAt,
		Active:       !t.stopped,
		EndReason:    t.reason,
		WorkerStatus: status.String(),
	}
}
