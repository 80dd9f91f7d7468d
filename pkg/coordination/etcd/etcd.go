// Package etcd implements the coordination primitives on etcd v3. The
// session is a lease kept alive by the client; elections use the
// concurrency package.
package etcd

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	"go.uber.org/zap"

	"soloist/pkg/coordination"
	"soloist/pkg/logger"
)

const (
	dialTimeout       = 5 * time.Second
	sessionRetryDelay = time.Second
)

// Dialer opens etcd clients with one lease-backed session each.
type Dialer struct {
	SessionTimeout time.Duration
	Logger         *zap.Logger
}

// NewDialer returns a Dialer whose lease TTL covers sessionTimeout.
func NewDialer(sessionTimeout time.Duration, log *zap.Logger) *Dialer {
	return &Dialer{SessionTimeout: sessionTimeout, Logger: logger.OrNop(log)}
}

// ttlSeconds rounds d up to whole seconds, the lease granularity.
func ttlSeconds(d time.Duration) int {
	ttl := int(math.Ceil(d.Seconds()))
	if ttl < 1 {
		ttl = 1
	}
	return ttl
}

// Dial implements coordination.Dialer.
func (d *Dialer) Dial(ctx context.Context, endpoints []string, onState func(coordination.State)) (coordination.Conn, error) {
	log := logger.OrNop(d.Logger)
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
		Logger:      log.Named("etcd-client").WithOptions(zap.IncreaseLevel(zap.WarnLevel)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}

	if err := probe(ctx, cli, endpoints); err != nil {
		cli.Close()
		return nil, err
	}

	c := &Conn{
		cli:     cli,
		ttl:     ttlSeconds(d.SessionTimeout),
		onState: onState,
		logger:  log,
		done:    make(chan struct{}),
	}
	sess, err := c.newSession(ctx)
	if err != nil {
		cli.Close()
		return nil, fmt.Errorf("failed to create concurrency session: %w", err)
	}
	c.sess = sess

	c.emit(coordination.StateConnected)
	go c.monitor()
	return c, nil
}

// probe succeeds as soon as one endpoint answers a status request.
func probe(ctx context.Context, cli *clientv3.Client, endpoints []string) error {
	var errs []error
	for _, ep := range endpoints {
		pctx, cancel := context.WithTimeout(ctx, dialTimeout)
		_, err := cli.Status(pctx, ep)
		cancel()
		if err == nil {
			return nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", ep, err))
	}
	return fmt.Errorf("no etcd endpoint reachable: %w", errors.Join(errs...))
}

// Conn is an etcd client plus its current session.
type Conn struct {
	cli     *clientv3.Client
	ttl     int
	onState func(coordination.State)
	logger  *zap.Logger
	done    chan struct{}

	mu     sync.Mutex
	sess   *concurrency.Session
	closed bool
}

// newSession grants a lease under ctx and keeps it alive for the life of
// the client.
func (c *Conn) newSession(ctx context.Context) (*concurrency.Session, error) {
	gctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	lease, err := c.cli.Grant(gctx, int64(c.ttl))
	if err != nil {
		return nil, err
	}
	return concurrency.NewSession(c.cli, concurrency.WithLease(lease.ID), concurrency.WithTTL(c.ttl))
}

func (c *Conn) emit(state coordination.State) {
	if c.onState != nil {
		c.onState(state)
	}
}

// session returns the live session, or an error when there is none.
func (c *Conn) session() (*concurrency.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, coordination.ErrClosed
	}
	if c.sess == nil {
		return nil, coordination.ErrSessionLost
	}
	select {
	case <-c.sess.Done():
		return nil, coordination.ErrSessionLost
	default:
	}
	return c.sess, nil
}

// monitor reports a lease expiry as Lost, then keeps granting a new lease
// until one sticks and reports Reconnected.
func (c *Conn) monitor() {
	for {
		c.mu.Lock()
		sess := c.sess
		c.mu.Unlock()

		select {
		case <-c.done:
			return
		case <-sess.Done():
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		c.sess = nil
		c.mu.Unlock()

		c.logger.Warn("etcd session lease expired", zap.Int64("lease", int64(sess.Lease())))
		c.emit(coordination.StateLost)

		for {
			ns, err := c.newSession(c.cli.Ctx())
			if err == nil {
				c.mu.Lock()
				if c.closed {
					c.mu.Unlock()
					ns.Close()
					return
				}
				c.sess = ns
				c.mu.Unlock()
				c.logger.Info("etcd session re-established", zap.Int64("lease", int64(ns.Lease())))
				c.emit(coordination.StateReconnected)
				break
			}
			c.logger.Debug("etcd session grant failed", zap.Error(err))
			select {
			case <-c.done:
				return
			case <-time.After(sessionRetryDelay):
			}
		}
	}
}

// PathExists implements coordination.Conn.
func (c *Conn) PathExists(ctx context.Context, p string) (bool, error) {
	resp, err := c.cli.Get(ctx, p, clientv3.WithCountOnly())
	if err != nil {
		return false, err
	}
	return resp.Count > 0, nil
}

// CreatePath implements coordination.Conn. Each node is a key created
// only if its create revision is still zero.
func (c *Conn) CreatePath(ctx context.Context, p string, createParents bool) (string, error) {
	if createParents {
		for _, parent := range coordination.ParentPaths(p) {
			if _, err := c.createKey(ctx, parent); err != nil {
				return "", fmt.Errorf("create parent %s: %w", parent, err)
			}
		}
	}
	created, err := c.createKey(ctx, p)
	if err != nil {
		return "", err
	}
	if !created {
		return "", coordination.ErrPathExists
	}
	return p, nil
}

func (c *Conn) createKey(ctx context.Context, key string) (bool, error) {
	resp, err := c.cli.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, "")).
		Commit()
	if err != nil {
		return false, err
	}
	return resp.Succeeded, nil
}

// NewElection implements coordination.Conn.
func (c *Conn) NewElection(p string) coordination.Election {
	return &Election{conn: c, path: p}
}

// Close revokes the session lease and closes the client.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	sess := c.sess
	c.mu.Unlock()

	close(c.done)
	if sess != nil {
		sess.Close()
	}
	return c.cli.Close()
}

// Election wraps concurrency.Election for one path.
type Election struct {
	conn *Conn
	path string
}

// Campaign implements coordination.Election.
func (e *Election) Campaign(ctx context.Context, candidateID string) (coordination.Leadership, error) {
	sess, err := e.conn.session()
	if err != nil {
		return nil, err
	}
	el := concurrency.NewElection(sess, e.path)
	if err := el.Campaign(ctx, candidateID); err != nil {
		return nil, err
	}
	return newLeadership(e.conn, sess, el), nil
}

// Leader implements coordination.Election.
func (e *Election) Leader(ctx context.Context) (string, error) {
	sess, err := e.conn.session()
	if err != nil {
		return "", err
	}
	resp, err := concurrency.NewElection(sess, e.path).Leader(ctx)
	if errors.Is(err, concurrency.ErrElectionNoLeader) {
		return "", coordination.ErrNoLeader
	}
	if err != nil {
		return "", err
	}
	return string(resp.Kvs[0].Value), nil
}

type leadership struct {
	el      *concurrency.Election
	revoked chan struct{}
	cancel  context.CancelFunc
	once    sync.Once
	resign  sync.Once
}

// newLeadership revokes when the session lease ends or the leader key is
// deleted behind our back.
func newLeadership(c *Conn, sess *concurrency.Session, el *concurrency.Election) *leadership {
	wctx, cancel := context.WithCancel(c.cli.Ctx())
	l := &leadership{el: el, revoked: make(chan struct{}), cancel: cancel}

	watch := c.cli.Watch(wctx, el.Key(), clientv3.WithRev(el.Rev()+1))
	go func() {
		defer l.revoke()
		for {
			select {
			case <-sess.Done():
				return
			case <-wctx.Done():
				return
			case resp, ok := <-watch:
				if !ok || resp.Canceled {
					return
				}
				for _, ev := range resp.Events {
					if ev.Type == clientv3.EventTypeDelete {
						return
					}
				}
			}
		}
	}()
	return l
}

func (l *leadership) revoke() { l.once.Do(func() { close(l.revoked) }) }

func (l *leadership) Revoked() <-chan struct{} { return l.revoked }

func (l *leadership) Resign(ctx context.Context) error {
	var err error
	l.resign.Do(func() {
		err = l.el.Resign(ctx)
		l.cancel()
	})
	return err
}
