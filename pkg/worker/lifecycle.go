package worker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"soloist/pkg/logger"
	"soloist/pkg/metrics"
)

var (
	// ErrStopTimeout is returned by StopGracefully when the job loop did not
	// exit in time. The task is abandoned and reported as Stopped.
	ErrStopTimeout = errors.New("worker: graceful stop timed out")

	// ErrJobDone may be returned by a Job to end the task voluntarily.
	ErrJobDone = errors.New("worker: job finished")
)

// Status of a worker task.
type Status int32

const (
	StatusIdle Status = iota
	StatusRunning
	StatusStoppingGracefully
	StatusStopped
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusRunning:
		return "running"
	case StatusStoppingGracefully:
		return "stopping_gracefully"
	case StatusStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Job is one iteration of the guarded work. Run must return promptly once
// ctx is cancelled.
type Job interface {
	Run(ctx context.Context) error
}

// JobFunc adapts a function to Job.
type JobFunc func(ctx context.Context) error

func (f JobFunc) Run(ctx context.Context) error { return f(ctx) }

// Lifecycle starts job loops and hands out handles to stop them.
type Lifecycle struct {
	job      Job
	schedule cron.Schedule
	logger   *zap.Logger
}

// NewLifecycle returns a Lifecycle running job on schedule.
func NewLifecycle(job Job, schedule cron.Schedule, log *zap.Logger) *Lifecycle {
	return &Lifecycle{
		job:      job,
		schedule: schedule,
		logger:   logger.OrNop(log),
	}
}

// Start launches the job loop on its own goroutine. The loop runs until the
// handle is stopped, ctx ends, or an iteration fails.
func (l *Lifecycle) Start(ctx context.Context) *Handle {
	loopCtx, cancel := context.WithCancel(ctx)
	h := &Handle{
		cancel:    cancel,
		done:      make(chan struct{}),
		startedAt: time.Now(),
	}
	h.setStatus(StatusRunning)
	l.logger.Info("Worker started")

	go func() {
		err := l.loop(loopCtx)
		cancel()
		h.finish(err)
		if err != nil {
			l.logger.Error("Worker stopped on error", zap.Error(err))
		} else {
			l.logger.Info("Worker stopped", zap.Duration("ran_for", time.Since(h.startedAt)))
		}
	}()
	return h
}

func (l *Lifecycle) loop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		start := time.Now()
		err := l.runOnce(ctx)
		elapsed := time.Since(start).Seconds()

		switch {
		case err == nil:
			metrics.RecordIteration("success", elapsed)
		case errors.Is(err, ErrJobDone):
			metrics.RecordIteration("done", elapsed)
			return nil
		case ctx.Err() != nil:
			metrics.RecordIteration("cancelled", elapsed)
			return nil
		default:
			metrics.RecordIteration("failure", elapsed)
			return err
		}

		now := time.Now()
		wait := l.schedule.Next(now).Sub(now)
		if wait < 0 {
			wait = 0
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func (l *Lifecycle) runOnce(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return l.job.Run(ctx)
}

// Handle controls one started job loop.
type Handle struct {
	status    atomic.Int32
	cancel    context.CancelFunc
	done      chan struct{}
	err       error
	startedAt time.Time
}

// Status returns the task's current status.
func (h *Handle) Status() Status { return Status(h.status.Load()) }

// Done is closed once the job loop has exited.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err returns the error that ended the loop, if any. Valid after Done.
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

// StartedAt returns when the task was started.
func (h *Handle) StartedAt() time.Time { return h.startedAt }

// StopGracefully signals the loop to stop and waits up to timeout for it to
// exit. On timeout it returns ErrStopTimeout and the task is reported as
// Stopped regardless. Calling it again after the loop exited returns nil.
func (h *Handle) StopGracefully(timeout time.Duration) error {
	if h.status.CompareAndSwap(int32(StatusRunning), int32(StatusStoppingGracefully)) {
		metrics.WorkerStatus.Set(float64(StatusStoppingGracefully))
	}
	h.cancel()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-h.done:
		return nil
	case <-timer.C:
		metrics.StopTimeouts.Inc()
		h.setStatus(StatusStopped)
		return fmt.Errorf("%w after %s", ErrStopTimeout, timeout)
	}
}

func (h *Handle) setStatus(s Status) {
	h.status.Store(int32(s))
	metrics.WorkerStatus.Set(float64(s))
}

// finish leaves the gauge alone when a timed-out stop already abandoned the
// handle, since a newer task may own it by then.
func (h *Handle) finish(err error) {
	h.err = err
	if Status(h.status.Swap(int32(StatusStopped))) != StatusStopped {
		metrics.WorkerStatus.Set(float64(StatusStopped))
	}
	close(h.done)
}
