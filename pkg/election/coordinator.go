package election

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"soloist/pkg/coordination"
	"soloist/pkg/logger"
	"soloist/pkg/metrics"
	tracing "soloist/pkg/observability"
	"soloist/pkg/worker"
)

const resignTimeout = 5 * time.Second

// WorkerStarter starts the guarded job. *worker.Lifecycle implements it.
type WorkerStarter interface {
	Start(ctx context.Context) *worker.Handle
}

// Config controls a Coordinator.
type Config struct {
	Path             string
	CandidateID      string
	StopTimeout      time.Duration
	RetryInterval    time.Duration
	ReleaseOnSuspend bool
}

// Status is a snapshot of the coordinator.
type Status struct {
	CandidateID  string    `json:"candidate_id"`
	Path         string    `json:"path"`
	Leader       bool      `json:"leader"`
	SessionState string    `json:"session_state"`
	Terms        uint64    `json:"terms"`
	Current      *TermInfo `json:"current,omitempty"`
	Last         *TermInfo `json:"last,omitempty"`
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Coordinator) { c.logger = logger.OrNop(l) }
}

// WithTracer sets the tracer used for term spans.
func WithTracer(t trace.Tracer) Option {
	return func(c *Coordinator) { c.tracer = t }
}

// Coordinator campaigns for leadership of one election path and runs the
// worker for exactly as long as leadership is held. After every term it
// resigns and campaigns again.
type Coordinator struct {
	cfg      Config
	session  *coordination.Session
	election coordination.Election
	starter  WorkerStarter
	logger   *zap.Logger
	tracer   trace.Tracer

	resumed chan struct{}

	mu      sync.Mutex
	current *term
	last    *TermInfo
	terms   uint64
}

// New returns a Coordinator for session.
func New(cfg Config, session *coordination.Session, starter WorkerStarter, opts ...Option) (*Coordinator, error) {
	if err := coordination.ValidatePath(cfg.Path); err != nil {
		return nil, err
	}
	if cfg.CandidateID == "" {
		return nil, errors.New("election: candidate id is required")
	}
	if cfg.StopTimeout <= 0 {
		return nil, fmt.Errorf("election: stop timeout must be positive, got %s", cfg.StopTimeout)
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 100 * time.Millisecond
	}

	c := &Coordinator{
		cfg:      cfg,
		session:  session,
		election: session.Conn().NewElection(cfg.Path),
		starter:  starter,
		resumed:  make(chan struct{}, 1),
		logger:   zap.NewNop(),
		tracer:   otel.Tracer("soloist/election"),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(
		zap.String("candidate", cfg.CandidateID),
		zap.String("path", cfg.Path))
	return c, nil
}

// Run campaigns until ctx ends. Every granted term runs to completion,
// including the graceful stop of its worker, before the next campaign.
func (c *Coordinator) Run(ctx context.Context) error {
	unsubscribe := c.session.OnStateChange(c.onStateChange)
	defer unsubscribe()

	for {
		if ctx.Err() != nil {
			return nil
		}
		if !c.canCampaign() {
			c.logger.Info("Waiting for session before campaigning",
				zap.Stringer("state", c.session.State()))
			select {
			case <-ctx.Done():
				return nil
			case <-c.resumed:
			}
			continue
		}

		c.logger.Info("Campaigning for leadership")
		lead, err := c.election.Campaign(ctx, c.cfg.CandidateID)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			metrics.CampaignErrors.Inc()
			c.logger.Warn("Campaign failed, retrying",
				zap.Duration("retry_in", c.cfg.RetryInterval),
				zap.Error(err))
			if !sleep(ctx, c.cfg.RetryInterval) {
				return nil
			}
			continue
		}

		reason := c.lead(ctx, lead)

		resignCtx, cancel := context.WithTimeout(context.Background(), resignTimeout)
		if err := lead.Resign(resignCtx); err != nil {
			c.logger.Warn("Resign failed", zap.Error(err))
		}
		cancel()

		// Give the other candidates a chance to take over.
		if reason == ReasonRelinquished && !sleep(ctx, c.cfg.RetryInterval) {
			return nil
		}
	}
}

// lead runs one leadership term and returns why it ended. It does not
// return before the worker has stopped or its stop timed out.
func (c *Coordinator) lead(ctx context.Context, lead coordination.Leadership) EndReason {
	c.mu.Lock()
	c.terms++
	t := newTerm(c.terms, c.session.Epoch())
	c.current = t
	c.mu.Unlock()
	metrics.RecordTermStart()

	log := c.logger.With(zap.Uint64("term", t.number), zap.Uint64("epoch", t.epoch))
	log.Info("Leadership acquired")

	spanCtx, span := c.tracer.Start(ctx, "leadership.term", trace.WithAttributes(
		attribute.String("election.path", c.cfg.Path),
		attribute.String("election.candidate", c.cfg.CandidateID),
		attribute.Int64("election.term", int64(t.number)),
	))
	defer span.End()

	// A loss dispatched before the term was registered would otherwise be missed.
	switch state := c.session.State(); {
	case state == coordination.StateLost:
		t.requestStop(ReasonSessionLost)
	case state == coordination.StateSuspended && c.cfg.ReleaseOnSuspend:
		t.requestStop(ReasonSuspended)
	}

	h, started := t.startWorker(func() *worker.Handle { return c.starter.Start(ctx) })
	var workerDone <-chan struct{}
	if started {
		workerDone = h.Done()
		tracing.AddEvent(spanCtx, "worker.started")
	} else {
		log.Info("Stop requested before worker start, worker not started")
	}

	select {
	case <-t.stopCh:
	case <-lead.Revoked():
		t.requestStop(ReasonRevoked)
	case <-workerDone:
		if ctx.Err() != nil {
			t.requestStop(ReasonShutdown)
		} else {
			t.requestStop(ReasonWorkerExited)
		}
	case <-ctx.Done():
		t.requestStop(ReasonShutdown)
	}
	reason := t.endReason()
	log.Info("Leadership ending", zap.String("reason", string(reason)))

	if h != nil {
		if err := h.StopGracefully(c.cfg.StopTimeout); err != nil {
			log.Warn("Worker did not stop gracefully", zap.Error(err))
			tracing.SetError(spanCtx, err)
		}
		if err := h.Err(); err != nil {
			log.Warn("Worker ended with error", zap.Error(err))
		}
		tracing.AddEvent(spanCtx, "worker.stopped", attribute.String("status", h.Status().String()))
	}

	info := t.info()
	c.mu.Lock()
	c.current = nil
	c.last = &info
	c.mu.Unlock()

	elapsed := time.Since(t.startedAt)
	metrics.RecordTermEnd(string(reason), elapsed.Seconds())
	span.SetAttributes(attribute.String("election.end_reason", string(reason)))
	log.Info("Leadership released",
		zap.String("reason", string(reason)),
		zap.Duration("held_for", elapsed))
	return reason
}

func (c *Coordinator) canCampaign() bool {
	switch c.session.State() {
	case coordination.StateLost:
		return false
	case coordination.StateSuspended:
		return !c.cfg.ReleaseOnSuspend
	default:
		return true
	}
}

func (c *Coordinator) onStateChange(ev coordination.StateEvent) {
	if ev.State.Live() {
		select {
		case c.resumed <- struct{}{}:
		default:
		}
	}

	c.mu.Lock()
	t := c.current
	c.mu.Unlock()
	if t == nil || ev.Epoch != t.epoch {
		return
	}

	switch {
	case ev.State == coordination.StateLost:
		if t.requestStop(ReasonSessionLost) {
			c.logger.Warn("Session lost while leading, stopping worker", zap.Uint64("term", t.number))
		}
	case ev.State == coordination.StateSuspended && c.cfg.ReleaseOnSuspend:
		if t.requestStop(ReasonSuspended) {
			c.logger.Warn("Session suspended while leading, stopping worker", zap.Uint64("term", t.number))
		}
	}
}

// Relinquish ends the current term voluntarily. The coordinator waits one
// retry interval before campaigning again. It reports whether a term was
// active.
func (c *Coordinator) Relinquish() bool {
	c.mu.Lock()
	t := c.current
	c.mu.Unlock()
	if t == nil {
		return false
	}
	return t.requestStop(ReasonRelinquished)
}

// Status returns a snapshot of the coordinator.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	t, last, terms := c.current, c.last, c.terms
	c.mu.Unlock()

	s := Status{
		CandidateID:  c.cfg.CandidateID,
		Path:         c.cfg.Path,
		SessionState: c.session.State().String(),
		Terms:        terms,
		Last:         last,
	}
	if t != nil {
		info := t.info()
		s.Current = &info
		s.Leader = info.Active
	}
	return s
}

// Leader asks the coordination service who currently leads the path.
func (c *Coordinator) Leader(ctx context.Context) (string, error) {
	return c.election.Leader(ctx)
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
