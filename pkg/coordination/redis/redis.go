// Package redis implements the coordination primitives on Redis. A leader
// holds a lease key set with SET NX PX and renewed by its owner; paths are
// marker keys. Session health is derived from periodic pings.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"soloist/pkg/coordination"
	"soloist/pkg/logger"
)

const defaultPrefix = "soloist:"

// ownerSep separates the candidate id from the per-session token in a
// lease value.
const ownerSep = "#"

// Options configure the Redis backend.
type Options struct {
	Password  string
	DB        int
	KeyPrefix string
	// LeaseTTL bounds how long a leader survives without renewing, and how
	// long failed pings are tolerated before the session counts as lost.
	LeaseTTL time.Duration
	Logger   *zap.Logger
}

// Dialer opens Redis sessions.
type Dialer struct {
	opts Options
}

// NewDialer returns a Dialer for opts.
func NewDialer(opts Options) *Dialer {
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = defaultPrefix
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = 15 * time.Second
	}
	opts.Logger = logger.OrNop(opts.Logger)
	return &Dialer{opts: opts}
}

// Dial implements coordination.Dialer. Endpoints are passed to a universal
// client, so a single address, a cluster, or sentinels all work.
func (d *Dialer) Dial(ctx context.Context, endpoints []string, onState func(coordination.State)) (coordination.Conn, error) {
	client := goredis.NewUniversalClient(&goredis.UniversalOptions{
		Addrs:       endpoints,
		Password:    d.opts.Password,
		DB:          d.opts.DB,
		DialTimeout: d.opts.LeaseTTL / 3,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	c := &Conn{
		client:      client,
		prefix:      d.opts.KeyPrefix,
		ttl:         d.opts.LeaseTTL,
		token:       uuid.NewString(),
		onState:     onState,
		logger:      d.opts.Logger,
		done:        make(chan struct{}),
		live:        true,
		leaderships: make(map[*leadership]struct{}),
	}
	c.emit(coordination.StateConnected)
	go c.monitor()
	return c, nil
}

// Conn is one Redis session. Its identity is a random token, so a
// restarted process never mistakes an old lease for its own.
type Conn struct {
	client  goredis.UniversalClient
	prefix  string
	ttl     time.Duration
	token   string
	onState func(coordination.State)
	logger  *zap.Logger
	done    chan struct{}

	mu          sync.Mutex
	live        bool
	closed      bool
	leaderships map[*leadership]struct{}
}

func (c *Conn) emit(state coordination.State) {
	if c.onState != nil {
		c.onState(state)
	}
}

func (c *Conn) interval() time.Duration { return c.ttl / 3 }

// margin is how much lease must remain for a leader to keep going. Stepping
// down a ping interval before expiry leaves the worker that long to stop
// before anyone else can take the lease.
func (c *Conn) margin() time.Duration { return c.interval() }

// monitor pings at a third of the lease TTL. The first failure suspends
// the session. The session is lost once no ping has succeeded for the TTL
// less the margin, which is when held leases are given up.
func (c *Conn) monitor() {
	lastOK := time.Now()
	ticker := time.NewTicker(c.interval())
	defer ticker.Stop()

	suspended, lost := false, false
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
		}

		sent := time.Now()
		ctx, cancel := context.WithTimeout(context.Background(), c.interval())
		err := c.client.Ping(ctx).Err()
		cancel()

		switch {
		case err == nil:
			lastOK = sent
			if suspended || lost {
				c.mu.Lock()
				c.live = true
				c.mu.Unlock()
				suspended, lost = false, false
				c.logger.Info("Redis reachable again")
				c.emit(coordination.StateReconnected)
			}
		case !lost && time.Since(lastOK) >= c.ttl-c.margin():
			lost = true
			c.logger.Warn("Redis unreachable until lease expiry was near, session lost", zap.Error(err))
			c.loseLeaderships()
			c.emit(coordination.StateLost)
		case !suspended && !lost:
			suspended = true
			c.logger.Warn("Redis ping failed, session suspended", zap.Error(err))
			c.emit(coordination.StateSuspended)
		}
	}
}

func (c *Conn) loseLeaderships() {
	c.mu.Lock()
	c.live = false
	held := make([]*leadership, 0, len(c.leaderships))
	for l := range c.leaderships {
		held = append(held, l)
	}
	c.mu.Unlock()
	for _, l := range held {
		l.revoke()
	}
}

func (c *Conn) usable() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return coordination.ErrClosed
	}
	if !c.live {
		return coordination.ErrSessionLost
	}
	return nil
}

func (c *Conn) pathKey(p string) string  { return c.prefix + "path:" + p }
func (c *Conn) leaseKey(p string) string { return c.prefix + "lease:" + p }

// PathExists implements coordination.Conn.
func (c *Conn) PathExists(ctx context.Context, p string) (bool, error) {
	if err := c.usable(); err != nil {
		return false, err
	}
	n, err := c.client.Exists(ctx, c.pathKey(p)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// CreatePath implements coordination.Conn.
func (c *Conn) CreatePath(ctx context.Context, p string, createParents bool) (string, error) {
	if err := c.usable(); err != nil {
		return "", err
	}
	if createParents {
		for _, parent := range coordination.ParentPaths(p) {
			if err := c.client.SetNX(ctx, c.pathKey(parent), "", 0).Err(); err != nil {
				return "", fmt.Errorf("create parent %s: %w", parent, err)
			}
		}
	}
	ok, err := c.client.SetNX(ctx, c.pathKey(p), "", 0).Result()
	if err != nil {
		return "", err
	}
	if !ok {
		return "", coordination.ErrPathExists
	}
	return p, nil
}

// NewElection implements coordination.Conn.
func (c *Conn) NewElection(p string) coordination.Election {
	return &Election{conn: c, path: p, key: c.leaseKey(p)}
}

// Close releases every lease held through c and closes the client.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	held := make([]*leadership, 0, len(c.leaderships))
	for l := range c.leaderships {
		held = append(held, l)
	}
	c.mu.Unlock()
	close(c.done)

	ctx, cancel := context.WithTimeout(context.Background(), c.interval())
	defer cancel()
	for _, l := range held {
		l.release(ctx)
		l.revoke()
	}
	return c.client.Close()
}

var renewScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
	return 0
end`)

var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end`)

func scriptResult(res interface{}, err error) (bool, error) {
	if err != nil && !errors.Is(err, goredis.Nil) {
		return false, err
	}
	switch v := res.(type) {
	case int64:
		return v > 0, nil
	case nil:
		return false, nil
	default:
		return false, fmt.Errorf("unexpected script result: %v", res)
	}
}

// Election contends for the lease key of one path.
type Election struct {
	conn *Conn
	path string
	key  string
}

// Campaign implements coordination.Election. It polls the lease key until
// it can be taken.
func (e *Election) Campaign(ctx context.Context, candidateID string) (coordination.Leadership, error) {
	owner := candidateID + ownerSep + e.conn.token
	poll := e.conn.interval()

	for {
		if err := e.conn.usable(); err != nil {
			return nil, err
		}
		sent := time.Now()
		ok, err := e.conn.client.SetNX(ctx, e.key, owner, e.conn.ttl).Result()
		if err != nil && ctx.Err() == nil {
			return nil, fmt.Errorf("acquire lease %s: %w", e.key, err)
		}
		if ok {
			return e.conn.hold(e.key, owner, sent.Add(e.conn.ttl)), nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-e.conn.done:
			return nil, coordination.ErrClosed
		case <-time.After(poll):
		}
	}
}

// Leader implements coordination.Election.
func (e *Election) Leader(ctx context.Context) (string, error) {
	val, err := e.conn.client.Get(ctx, e.key).Result()
	if errors.Is(err, goredis.Nil) {
		return "", coordination.ErrNoLeader
	}
	if err != nil {
		return "", err
	}
	if i := strings.LastIndex(val, ownerSep); i >= 0 {
		val = val[:i]
	}
	return val, nil
}

type leadership struct {
	conn    *Conn
	key     string
	owner   string
	revoked chan struct{}
	stop    chan struct{}
	once    sync.Once
	resign  sync.Once
}

// hold registers a fresh leadership and starts renewing its lease, which
// expires no earlier than validUntil.
func (c *Conn) hold(key, owner string, validUntil time.Time) *leadership {
	l := &leadership{
		conn:    c,
		key:     key,
		owner:   owner,
		revoked: make(chan struct{}),
		stop:    make(chan struct{}),
	}
	c.mu.Lock()
	c.leaderships[l] = struct{}{}
	c.mu.Unlock()
	go l.renew(validUntil)
	return l
}

// renew extends the lease until it is lost to someone else, or until less
// than the margin of it remains unrenewed. validUntil is a lower bound on
// the server-side expiry, measured from when each request was sent.
func (l *leadership) renew(validUntil time.Time) {
	margin := l.conn.margin()
	ticker := time.NewTicker(l.conn.interval())
	defer ticker.Stop()
	expiring := time.NewTimer(time.Until(validUntil.Add(-margin)))
	defer expiring.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-l.revoked:
			return
		case <-expiring.C:
			l.conn.logger.Warn("Lease about to expire without renewal, stepping down",
				zap.String("key", l.key), zap.Duration("remaining", time.Until(validUntil)))
			l.revoke()
			return
		case <-ticker.C:
		}

		sent := time.Now()
		ctx, cancel := context.WithDeadline(context.Background(), validUntil.Add(-margin))
		ok, err := scriptResult(renewScript.Run(ctx, l.conn.client, []string{l.key}, l.owner, l.conn.ttl.Milliseconds()).Result())
		cancel()

		switch {
		case err == nil && ok:
			validUntil = sent.Add(l.conn.ttl)
			expiring.Reset(time.Until(validUntil.Add(-margin)))
		case err == nil:
			l.conn.logger.Warn("Lease taken or deleted", zap.String("key", l.key))
			l.revoke()
			return
		default:
			l.conn.logger.Debug("Lease renewal failed", zap.String("key", l.key), zap.Error(err))
		}
	}
}

func (l *leadership) revoke() { l.once.Do(func() { close(l.revoked) }) }

func (l *leadership) release(ctx context.Context) error {
	_, err := scriptResult(releaseScript.Run(ctx, l.conn.client, []string{l.key}, l.owner).Result())
	return err
}

func (l *leadership) Revoked() <-chan struct{} { return l.revoked }

// Resign stops renewing and deletes the lease if it is still ours.
func (l *leadership) Resign(ctx context.Context) error {
	var err error
	l.resign.Do(func() {
		close(l.stop)
		l.conn.mu.Lock()
		delete(l.conn.leaderships, l)
		closed := l.conn.closed
		l.conn.mu.Unlock()
		if !closed {
			err = l.release(ctx)
		}
	})
	return err
}
