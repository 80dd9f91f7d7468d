// Package supervisor wires a coordination session, the election path, the
// leader election and the optional status server into one process.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"soloist/pkg/api"
	"soloist/pkg/coordination"
	"soloist/pkg/election"
	"soloist/pkg/logger"
	"soloist/pkg/metrics"
	"soloist/pkg/resilience"
)

const shutdownTimeout = 5 * time.Second

// Config controls a Supervisor.
type Config struct {
	Endpoints         []string
	Path              string
	CandidateID       string
	RetryInterval     time.Duration
	InitRetryInterval time.Duration
	// MaxInitAttempts caps path initialization; zero retries forever.
	MaxInitAttempts  int
	StopTimeout      time.Duration
	ReleaseOnSuspend bool
	// StatusAddr enables the HTTP status server when set.
	StatusAddr string
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithLogger sets the logger passed down to every component.
func WithLogger(l *zap.Logger) Option {
	return func(s *Supervisor) { s.logger = logger.OrNop(l) }
}

// WithTracer sets the tracer for leadership terms.
func WithTracer(t trace.Tracer) Option {
	return func(s *Supervisor) { s.tracer = t }
}

// Supervisor owns the process lifecycle: connect, initialize, elect.
type Supervisor struct {
	cfg     Config
	dialer  coordination.Dialer
	starter election.WorkerStarter
	logger  *zap.Logger
	tracer  trace.Tracer
	breaker *resilience.CircuitBreaker
}

// New validates cfg and returns a Supervisor.
func New(cfg Config, dialer coordination.Dialer, starter election.WorkerStarter, opts ...Option) (*Supervisor, error) {
	if dialer == nil {
		return nil, errors.New("supervisor: dialer is required")
	}
	if starter == nil {
		return nil, errors.New("supervisor: worker is required")
	}
	if err := coordination.ValidatePath(cfg.Path); err != nil {
		return nil, fmt.Errorf("supervisor: %w", err)
	}
	if cfg.MaxInitAttempts < 0 {
		return nil, fmt.Errorf("supervisor: max init attempts must not be negative, got %d", cfg.MaxInitAttempts)
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 100 * time.Millisecond
	}
	if cfg.InitRetryInterval <= 0 {
		cfg.InitRetryInterval = time.Second
	}

	s := &Supervisor{
		cfg:     cfg,
		dialer:  dialer,
		starter: starter,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.breaker = resilience.NewCircuitBreaker("init-path", resilience.CircuitBreakerConfig{
		FailureThreshold: 3,
		SuccessThreshold: 1,
		Timeout:          5 * cfg.InitRetryInterval,
		MaxRequests:      1,
	})
	return s, nil
}

// Run blocks until ctx is cancelled or an unrecoverable error occurs. A
// cancelled ctx is a clean shutdown and yields nil.
func (s *Supervisor) Run(ctx context.Context) error {
	connector := coordination.NewConnector(s.dialer, s.cfg.Endpoints, s.cfg.RetryInterval, s.logger)
	session, err := connector.Connect(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	defer session.Close()

	if err := s.initialize(ctx, session.Conn()); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	opts := []election.Option{election.WithLogger(s.logger.Named("election"))}
	if s.tracer != nil {
		opts = append(opts, election.WithTracer(s.tracer))
	}
	coord, err := election.New(election.Config{
		Path:             s.cfg.Path,
		CandidateID:      s.cfg.CandidateID,
		StopTimeout:      s.cfg.StopTimeout,
		RetryInterval:    s.cfg.RetryInterval,
		ReleaseOnSuspend: s.cfg.ReleaseOnSuspend,
	}, session, s.starter, opts...)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return coord.Run(gctx)
	})

	if s.cfg.StatusAddr != "" {
		srv := api.NewServer(api.Config{
			Addr:       s.cfg.StatusAddr,
			Leadership: coord,
			Session:    session,
			Logger:     s.logger.Named("api"),
		})
		g.Go(srv.Start)
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	err = g.Wait()
	s.logger.Info("Supervisor stopped", zap.Uint64("terms", coord.Status().Terms))
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// initialize retries EnsurePath until it succeeds, ctx ends, or the attempt
// cap is reached. Repeated failures open the breaker, which spaces out the
// calls to the coordination service.
func (s *Supervisor) initialize(ctx context.Context, conn coordination.Conn) error {
	attempts := 0
	for {
		err := s.breaker.Execute(ctx, func(ctx context.Context) error {
			return coordination.EnsurePath(ctx, conn, s.cfg.Path)
		})
		switch {
		case err == nil:
			metrics.InitAttempts.WithLabelValues("success").Inc()
			s.logger.Info("Election path ready",
				zap.String("path", s.cfg.Path),
				zap.Int("attempts", attempts+1))
			return nil
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(err, resilience.ErrCircuitOpen):
			metrics.InitAttempts.WithLabelValues("rejected").Inc()
		default:
			attempts++
			metrics.InitAttempts.WithLabelValues("failure").Inc()
			if s.cfg.MaxInitAttempts > 0 && attempts >= s.cfg.MaxInitAttempts {
				return fmt.Errorf("initialize %s: giving up after %d attempts: %w", s.cfg.Path, attempts, err)
			}
			s.logger.Warn("Election path initialization failed, retrying",
				zap.String("path", s.cfg.Path),
				zap.Int("attempt", attempts),
				zap.Stringer("breaker", s.breaker.State()),
				zap.Duration("retry_in", s.cfg.InitRetryInterval),
				zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.cfg.InitRetryInterval):
		}
	}
}
