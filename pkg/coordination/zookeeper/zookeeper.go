// Package zookeeper implements the coordination primitives on ZooKeeper.
// Candidates are protected ephemeral sequential znodes below the election
// path; the lowest sequence leads and every other candidate watches its
// predecessor.
package zookeeper

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-zookeeper/zk"
	"go.uber.org/zap"

	"soloist/pkg/coordination"
	"soloist/pkg/logger"
)

const candidatePrefix = "candidate-"

var acl = zk.WorldACL(zk.PermAll)

// Dialer opens ZooKeeper sessions.
type Dialer struct {
	SessionTimeout time.Duration
	Logger         *zap.Logger
}

// NewDialer returns a Dialer using sessionTimeout for new sessions.
func NewDialer(sessionTimeout time.Duration, log *zap.Logger) *Dialer {
	return &Dialer{SessionTimeout: sessionTimeout, Logger: logger.OrNop(log)}
}

// zkLogger routes the client's internal logging to zap at debug level.
type zkLogger struct{ s *zap.SugaredLogger }

func (l zkLogger) Printf(format string, args ...interface{}) { l.s.Debugf(format, args...) }

// Dial implements coordination.Dialer. It returns once the ensemble has
// granted a session; a session that cannot be established within the
// session timeout is reported as an error so the caller can retry.
func (d *Dialer) Dial(ctx context.Context, endpoints []string, onState func(coordination.State)) (coordination.Conn, error) {
	log := logger.OrNop(d.Logger)
	zc, events, err := zk.Connect(endpoints, d.SessionTimeout, zk.WithLogger(zkLogger{log.Sugar()}))
	if err != nil {
		return nil, fmt.Errorf("zookeeper connect: %w", err)
	}

	c := &Conn{zk: zc, onState: onState, logger: log}
	ready := make(chan struct{})
	go c.watchSession(events, ready)

	select {
	case <-ready:
		return c, nil
	case <-ctx.Done():
		c.Close()
		return nil, ctx.Err()
	case <-time.After(d.SessionTimeout):
		c.Close()
		return nil, fmt.Errorf("zookeeper: no session from %v within %s", endpoints, d.SessionTimeout)
	}
}

// stateTracker maps client session states onto coordination states.
type stateTracker struct {
	hadSession bool
}

func (t *stateTracker) next(s zk.State) (coordination.State, bool) {
	switch s {
	case zk.StateHasSession:
		if !t.hadSession {
			t.hadSession = true
			return coordination.StateConnected, true
		}
		return coordination.StateReconnected, true
	case zk.StateDisconnected:
		if t.hadSession {
			return coordination.StateSuspended, true
		}
	case zk.StateExpired:
		return coordination.StateLost, true
	}
	return 0, false
}

// Conn is a ZooKeeper session.
type Conn struct {
	zk      *zk.Conn
	onState func(coordination.State)
	logger  *zap.Logger

	mu     sync.Mutex
	closed bool
}

func (c *Conn) watchSession(events <-chan zk.Event, ready chan struct{}) {
	var tracker stateTracker
	for ev := range events {
		if ev.Type != zk.EventSession {
			continue
		}
		state, ok := tracker.next(ev.State)
		if !ok {
			continue
		}
		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if !closed {
			c.logger.Debug("ZooKeeper session event",
				zap.Stringer("zk_state", ev.State),
				zap.Stringer("state", state))
			if c.onState != nil {
				c.onState(state)
			}
		}
		if state == coordination.StateConnected {
			close(ready)
		}
	}
}

func (c *Conn) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return coordination.ErrClosed
	}
	return nil
}

// PathExists implements coordination.Conn.
func (c *Conn) PathExists(ctx context.Context, p string) (bool, error) {
	if err := c.check(ctx); err != nil {
		return false, err
	}
	ok, _, err := c.zk.Exists(p)
	return ok, mapErr(err)
}

// CreatePath implements coordination.Conn. Parents that already exist are
// left alone; an existing target yields coordination.ErrPathExists.
func (c *Conn) CreatePath(ctx context.Context, p string, createParents bool) (string, error) {
	if err := c.check(ctx); err != nil {
		return "", err
	}
	if createParents {
		for _, parent := range coordination.ParentPaths(p) {
			if _, err := c.zk.Create(parent, nil, 0, acl); err != nil && !errors.Is(err, zk.ErrNodeExists) {
				return "", fmt.Errorf("create parent %s: %w", parent, mapErr(err))
			}
		}
	}
	created, err := c.zk.Create(p, nil, 0, acl)
	if err != nil {
		return "", mapErr(err)
	}
	return created, nil
}

// NewElection implements coordination.Conn.
func (c *Conn) NewElection(p string) coordination.Election {
	return &Election{conn: c, path: p}
}

// Close ends the session; ephemeral candidates vanish with it.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	c.zk.Close()
	return nil
}

// Election runs the sequential-znode recipe below one path.
type Election struct {
	conn *Conn
	path string
}

// Campaign implements coordination.Election.
func (e *Election) Campaign(ctx context.Context, candidateID string) (coordination.Leadership, error) {
	if err := e.conn.check(ctx); err != nil {
		return nil, err
	}
	node, err := e.conn.zk.CreateProtectedEphemeralSequential(
		path.Join(e.path, candidatePrefix), []byte(candidateID), acl)
	if err != nil {
		return nil, fmt.Errorf("create candidate: %w", mapErr(err))
	}
	name := path.Base(node)

	abandon := func() {
		if err := e.conn.zk.Delete(node, -1); err != nil && !errors.Is(err, zk.ErrNoNode) {
			e.conn.logger.Debug("Failed to delete candidate", zap.String("node", node), zap.Error(err))
		}
	}

	for {
		children, _, err := e.conn.zk.Children(e.path)
		if err != nil {
			abandon()
			return nil, fmt.Errorf("list candidates: %w", mapErr(err))
		}
		sorted := sortCandidates(children)
		idx := indexOf(sorted, name)
		if idx < 0 {
			// The ephemeral node is gone, so the session that owned it is too.
			return nil, coordination.ErrSessionLost
		}

		if idx == 0 {
			exists, _, watch, err := e.conn.zk.ExistsW(node)
			if err != nil {
				abandon()
				return nil, fmt.Errorf("watch own candidate: %w", mapErr(err))
			}
			if !exists {
				return nil, coordination.ErrSessionLost
			}
			return newLeadership(e.conn, node, watch), nil
		}

		predecessor := path.Join(e.path, sorted[idx-1])
		exists, _, watch, err := e.conn.zk.ExistsW(predecessor)
		if err != nil {
			abandon()
			return nil, fmt.Errorf("watch predecessor: %w", mapErr(err))
		}
		if !exists {
			continue
		}
		select {
		case <-ctx.Done():
			abandon()
			return nil, ctx.Err()
		case <-watch:
		}
	}
}

// Leader implements coordination.Election.
func (e *Election) Leader(ctx context.Context) (string, error) {
	if err := e.conn.check(ctx); err != nil {
		return "", err
	}
	for attempt := 0; attempt < 3; attempt++ {
		children, _, err := e.conn.zk.Children(e.path)
		if err != nil {
			return "", mapErr(err)
		}
		sorted := sortCandidates(children)
		if len(sorted) == 0 {
			return "", coordination.ErrNoLeader
		}
		data, _, err := e.conn.zk.Get(path.Join(e.path, sorted[0]))
		if errors.Is(err, zk.ErrNoNode) {
			// The leader left between the listing and the read.
			continue
		}
		if err != nil {
			return "", mapErr(err)
		}
		return string(data), nil
	}
	return "", coordination.ErrNoLeader
}

type leadership struct {
	conn    *Conn
	node    string
	revoked chan struct{}
	once    sync.Once
	resign  sync.Once
}

// newLeadership revokes when the watch on the leader's own node fires:
// the node was deleted, or the session expired or closed.
func newLeadership(c *Conn, node string, watch <-chan zk.Event) *leadership {
	l := &leadership{conn: c, node: node, revoked: make(chan struct{})}
	go func() {
		ev := <-watch
		c.logger.Debug("Leader node watch fired",
			zap.String("node", node),
			zap.Stringer("type", ev.Type),
			zap.Error(ev.Err))
		l.revoke()
	}()
	return l
}

func (l *leadership) revoke() { l.once.Do(func() { close(l.revoked) }) }

func (l *leadership) Revoked() <-chan struct{} { return l.revoked }

func (l *leadership) Resign(ctx context.Context) error {
	var err error
	l.resign.Do(func() {
		if err = l.conn.check(ctx); err != nil {
			if errors.Is(err, coordination.ErrClosed) {
				err = nil
			}
			return
		}
		if derr := l.conn.zk.Delete(l.node, -1); derr != nil && !errors.Is(derr, zk.ErrNoNode) {
			err = mapErr(derr)
		}
	})
	return err
}

// sortCandidates orders candidate names by their sequence suffix. Names
// without one are ignored.
func sortCandidates(children []string) []string {
	type seqName struct {
		seq  int64
		name string
	}
	var parsed []seqName
	for _, child := range children {
		if seq, ok := sequence(child); ok {
			parsed = append(parsed, seqName{seq, child})
		}
	}
	sort.Slice(parsed, func(i, j int) bool { return parsed[i].seq < parsed[j].seq })

	out := make([]string, len(parsed))
	for i, p := range parsed {
		out[i] = p.name
	}
	return out
}

// sequence extracts the counter ZooKeeper appends to sequential nodes.
func sequence(name string) (int64, bool) {
	i := strings.LastIndex(name, candidatePrefix)
	if i < 0 {
		return 0, false
	}
	seq, err := strconv.ParseInt(name[i+len(candidatePrefix):], 10, 64)
	if err != nil {
		return 0, false
	}
	return seq, true
}

func indexOf(names []string, name string) int {
	for i, n := range names {
		if n == name {
			return i
		}
	}
	return -1
}

func mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, zk.ErrNodeExists):
		return fmt.Errorf("%w: %v", coordination.ErrPathExists, err)
	case errors.Is(err, zk.ErrSessionExpired):
		return fmt.Errorf("%w: %v", coordination.ErrSessionLost, err)
	case errors.Is(err, zk.ErrClosing), errors.Is(err, zk.ErrConnectionClosed):
		return fmt.Errorf("%w: %v", coordination.ErrClosed, err)
	default:
		return err
	}
}
