package coordination

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"soloist/pkg/logger"
	"soloist/pkg/metrics"
)

// Session is a connection to the coordination service plus the stream of
// its state transitions.
type Session struct {
	logger *zap.Logger

	mu        sync.Mutex
	conn      Conn
	state     State
	epoch     uint64
	lost      bool
	listeners map[uint64]func(StateEvent)
	nextID    uint64
	pending   []StateEvent

	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func newSession(log *zap.Logger) *Session {
	s := &Session{
		logger:    log,
		state:     StateConnecting,
		listeners: make(map[uint64]func(StateEvent)),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	go s.dispatch()
	return s
}

// Conn returns the underlying connection.
func (s *Session) Conn() Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// State returns the last observed state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Epoch returns the current live period of the session.
func (s *Session) Epoch() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch
}

// OnStateChange registers fn for every subsequent transition. Listeners run
// sequentially on the session's dispatch goroutine, in transition order.
func (s *Session) OnStateChange(fn func(StateEvent)) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// Close stops dispatching and closes the connection.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		if conn := s.Conn(); conn != nil {
			err = conn.Close()
		}
	})
	return err
}

func (s *Session) attach(conn Conn) {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
}

// publish records a transition and queues it for listeners.
func (s *Session) publish(state State) {
	s.mu.Lock()
	if state == s.state {
		s.mu.Unlock()
		return
	}
	switch state {
	case StateConnected:
		if s.epoch == 0 || s.lost {
			s.epoch++
		}
		s.lost = false
	case StateReconnected:
		if s.lost {
			s.epoch++
		}
		s.lost = false
	case StateLost:
		s.lost = true
	}
	s.state = state
	ev := StateEvent{State: state, Epoch: s.epoch, At: time.Now()}
	s.pending = append(s.pending, ev)
	s.mu.Unlock()

	metrics.RecordSessionState(state.String(), float64(state))
	s.logger.Info("Session state changed",
		zap.Stringer("state", state),
		zap.Uint64("epoch", ev.Epoch))

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Session) dispatch() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}

		s.mu.Lock()
		batch := s.pending
		s.pending = nil
		fns := make([]func(StateEvent), 0, len(s.listeners))
		for _, fn := range s.listeners {
			fns = append(fns, fn)
		}
		s.mu.Unlock()

		for _, ev := range batch {
			for _, fn := range fns {
				s.notify(fn, ev)
			}
		}
	}
}

func (s *Session) notify(fn func(StateEvent), ev StateEvent) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("State listener panicked",
				zap.Stringer("state", ev.State),
				zap.Any("panic", r))
		}
	}()
	fn(ev)
}

// Connector establishes Sessions, retrying until the service answers.
type Connector struct {
	dialer        Dialer
	endpoints     []string
	retryInterval time.Duration
	logger        *zap.Logger
}

// NewConnector returns a Connector dialing endpoints through d.
func NewConnector(d Dialer, endpoints []string, retryInterval time.Duration, log *zap.Logger) *Connector {
	if retryInterval <= 0 {
		retryInterval = 100 * time.Millisecond
	}
	return &Connector{
		dialer:        d,
		endpoints:     endpoints,
		retryInterval: retryInterval,
		logger:        logger.OrNop(log),
	}
}

// Connect blocks until a session is established. Failed attempts are
// retried forever at a fixed interval; only ctx ends the loop early.
func (c *Connector) Connect(ctx context.Context) (*Session, error) {
	sess := newSession(c.logger.Named("session"))

	for attempt := 1; ; attempt++ {
		conn, err := c.dialer.Dial(ctx, c.endpoints, sess.publish)
		if err == nil {
			metrics.ConnectAttempts.WithLabelValues("success").Inc()
			sess.attach(conn)
			if sess.State() == StateConnecting {
				sess.publish(StateConnected)
			}
			c.logger.Info("Connected to coordination service",
				zap.Strings("endpoints", c.endpoints),
				zap.Int("attempts", attempt))
			return sess, nil
		}

		metrics.ConnectAttempts.WithLabelValues("failure").Inc()
		c.logger.Warn("Connect failed, retrying",
			zap.Strings("endpoints", c.endpoints),
			zap.Int("attempt", attempt),
			zap.Duration("retry_in", c.retryInterval),
			zap.Error(err))

		select {
		case <-ctx.Done():
			sess.Close()
			return nil, ctx.Err()
		case <-time.After(c.retryInterval):
		}
	}
}
