// Package memory is an in-process coordination service. Every Conn dialed
// from the same Service shares its namespace and elections, which makes it
// suitable for tests and single-host demos. Faults such as session loss or
// revocation can be injected explicitly.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"soloist/pkg/coordination"
)

// ErrDialRefused is returned by Dial while failures are being injected.
var ErrDialRefused = errors.New("memory: dial refused")

// Service holds the shared namespace.
type Service struct {
	mu        sync.Mutex
	nodes     map[string]struct{}
	elections map[string]*election
	nextConn  int
	creates   int

	failDials int
	pathErr   error
	rewrite   func(string) string
}

// NewService returns an empty service.
func NewService() *Service {
	return &Service{
		nodes:     make(map[string]struct{}),
		elections: make(map[string]*election),
	}
}

// FailDials makes the next n Dial calls fail with ErrDialRefused.
func (s *Service) FailDials(n int) {
	s.mu.Lock()
	s.failDials = n
	s.mu.Unlock()
}

// FailPathOps makes PathExists and CreatePath return err. Pass nil to clear.
func (s *Service) FailPathOps(err error) {
	s.mu.Lock()
	s.pathErr = err
	s.mu.Unlock()
}

// RewriteCreatedPath makes CreatePath report fn(path) instead of path.
func (s *Service) RewriteCreatedPath(fn func(string) string) {
	s.mu.Lock()
	s.rewrite = fn
	s.mu.Unlock()
}

// Creates returns how many nodes have been created so far.
func (s *Service) Creates() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creates
}

// Leader returns the candidate currently leading path, if any.
func (s *Service) Leader(path string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.elections[path]
	if !ok || len(e.queue) == 0 {
		return "", false
	}
	return e.queue[0].id, true
}

// Candidates returns every candidate queued on path in grant order.
func (s *Service) Candidates(path string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.elections[path]
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(e.queue))
	for _, c := range e.queue {
		ids = append(ids, c.id)
	}
	return ids
}

// Revoke forcibly takes leadership of path from its holder. It reports
// whether there was a leader to revoke.
func (s *Service) Revoke(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.elections[path]
	if !ok || len(e.queue) == 0 {
		return false
	}
	leader := e.queue[0]
	s.remove(e, leader)
	leader.revoke()
	return true
}

// Dial implements coordination.Dialer.
func (s *Service) Dial(ctx context.Context, endpoints []string, onState func(coordination.State)) (coordination.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.failDials > 0 {
		s.failDials--
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %v", ErrDialRefused, endpoints)
	}
	s.nextConn++
	c := &Conn{svc: s, id: s.nextConn, onState: onState, live: true}
	s.mu.Unlock()

	if onState != nil {
		onState(coordination.StateConnected)
	}
	return c, nil
}

func (s *Service) election(path string) *election {
	e, ok := s.elections[path]
	if !ok {
		e = &election{}
		s.elections[path] = e
	}
	return e
}

// remove drops c from e and promotes the next candidate. Caller holds s.mu.
func (s *Service) remove(e *election, c *candidate) {
	for i, q := range e.queue {
		if q == c {
			e.queue = append(e.queue[:i], e.queue[i+1:]...)
			break
		}
	}
	e.promote()
}

type election struct {
	queue []*candidate
}

func (e *election) promote() {
	if len(e.queue) > 0 {
		e.queue[0].grant()
	}
}

type candidate struct {
	id         string
	conn       *Conn
	granted    chan struct{}
	revoked    chan struct{}
	grantOnce  sync.Once
	revokeOnce sync.Once
}

func (c *candidate) grant()  { c.grantOnce.Do(func() { close(c.granted) }) }
func (c *candidate) revoke() { c.revokeOnce.Do(func() { close(c.revoked) }) }

// Conn is one client of a Service.
type Conn struct {
	svc     *Service
	id      int
	onState func(coordination.State)
	live    bool
	closed  bool
}

// Suspend reports a transient disconnect. Leadership is retained.
func (c *Conn) Suspend() { c.emit(coordination.StateSuspended) }

// Lose expires the session: every candidacy of this Conn is dropped and any
// leadership it holds is revoked.
func (c *Conn) Lose() {
	c.svc.mu.Lock()
	c.live = false
	c.dropCandidates()
	c.svc.mu.Unlock()
	c.emit(coordination.StateLost)
}

// Reconnect restores a lost or suspended session.
func (c *Conn) Reconnect() {
	c.svc.mu.Lock()
	c.live = true
	c.svc.mu.Unlock()
	c.emit(coordination.StateReconnected)
}

func (c *Conn) emit(state coordination.State) {
	if c.onState != nil {
		c.onState(state)
	}
}

// dropCandidates revokes every candidacy owned by c. Caller holds svc.mu.
func (c *Conn) dropCandidates() {
	paths := make([]string, 0, len(c.svc.elections))
	for p := range c.svc.elections {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		e := c.svc.elections[p]
		for _, cand := range append([]*candidate(nil), e.queue...) {
			if cand.conn == c {
				c.svc.remove(e, cand)
				cand.revoke()
			}
		}
	}
}

func (c *Conn) usable() error {
	if c.closed {
		return coordination.ErrClosed
	}
	if !c.live {
		return coordination.ErrSessionLost
	}
	return c.svc.pathErr
}

// PathExists implements coordination.Conn.
func (c *Conn) PathExists(ctx context.Context, path string) (bool, error) {
	c.svc.mu.Lock()
	defer c.svc.mu.Unlock()
	if err := c.usable(); err != nil {
		return false, err
	}
	_, ok := c.svc.nodes[path]
	return ok, nil
}

// CreatePath implements coordination.Conn.
func (c *Conn) CreatePath(ctx context.Context, path string, createParents bool) (string, error) {
	c.svc.mu.Lock()
	defer c.svc.mu.Unlock()
	if err := c.usable(); err != nil {
		return "", err
	}
	if _, ok := c.svc.nodes[path]; ok {
		return "", coordination.ErrPathExists
	}
	for _, parent := range coordination.ParentPaths(path) {
		if _, ok := c.svc.nodes[parent]; ok {
			continue
		}
		if !createParents {
			return "", fmt.Errorf("memory: parent %s of %s does not exist", parent, path)
		}
		c.svc.nodes[parent] = struct{}{}
		c.svc.creates++
	}
	c.svc.nodes[path] = struct{}{}
	c.svc.creates++

	if c.svc.rewrite != nil {
		return c.svc.rewrite(path), nil
	}
	return path, nil
}

// NewElection implements coordination.Conn.
func (c *Conn) NewElection(path string) coordination.Election {
	return &Election{conn: c, path: path}
}

// Close implements coordination.Conn.
func (c *Conn) Close() error {
	c.svc.mu.Lock()
	defer c.svc.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.dropCandidates()
	return nil
}

// Election is a FIFO election: candidates lead in the order they campaigned.
type Election struct {
	conn *Conn
	path string
}

// Campaign implements coordination.Election.
func (e *Election) Campaign(ctx context.Context, candidateID string) (coordination.Leadership, error) {
	svc := e.conn.svc
	svc.mu.Lock()
	if e.conn.closed {
		svc.mu.Unlock()
		return nil, coordination.ErrClosed
	}
	if !e.conn.live {
		svc.mu.Unlock()
		return nil, coordination.ErrSessionLost
	}
	el := svc.election(e.path)
	cand := &candidate{
		id:      candidateID,
		conn:    e.conn,
		granted: make(chan struct{}),
		revoked: make(chan struct{}),
	}
	el.queue = append(el.queue, cand)
	el.promote()
	svc.mu.Unlock()

	select {
	case <-cand.granted:
		return &leadership{svc: svc, el: el, cand: cand}, nil
	case <-cand.revoked:
		return nil, coordination.ErrSessionLost
	case <-ctx.Done():
		svc.mu.Lock()
		svc.remove(el, cand)
		svc.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Leader implements coordination.Election.
func (e *Election) Leader(ctx context.Context) (string, error) {
	id, ok := e.conn.svc.Leader(e.path)
	if !ok {
		return "", coordination.ErrNoLeader
	}
	return id, nil
}

type leadership struct {
	svc  *Service
	el   *election
	cand *candidate
}

func (l *leadership) Revoked() <-chan struct{} { return l.cand.revoked }

func (l *leadership) Resign(ctx context.Context) error {
	l.svc.mu.Lock()
	l.svc.remove(l.el, l.cand)
	l.svc.mu.Unlock()
	return nil
}
