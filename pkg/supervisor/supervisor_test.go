package supervisor

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"soloist/pkg/coordination"
	"soloist/pkg/coordination/memory"
	"soloist/pkg/worker"
)

const testPath = "/demo/election"

// capturingDialer remembers the last connection so tests can inject faults.
type capturingDialer struct {
	svc *memory.Service

	mu   sync.Mutex
	conn *memory.Conn
}

func (d *capturingDialer) Dial(ctx context.Context, endpoints []string, onState func(coordination.State)) (coordination.Conn, error) {
	conn, err := d.svc.Dial(ctx, endpoints, onState)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.conn = conn.(*memory.Conn)
	d.mu.Unlock()
	return conn, nil
}

func (d *capturingDialer) last() *memory.Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conn
}

// handleRecorder keeps the handle of every started worker.
type handleRecorder struct {
	lifecycle *worker.Lifecycle

	mu      sync.Mutex
	handles []*worker.Handle
}

func (r *handleRecorder) Start(ctx context.Context) *worker.Handle {
	h := r.lifecycle.Start(ctx)
	r.mu.Lock()
	r.handles = append(r.handles, h)
	r.mu.Unlock()
	return h
}

func (r *handleRecorder) all() []*worker.Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*worker.Handle(nil), r.handles...)
}

func newRecorder() *handleRecorder {
	job := worker.JobFunc(func(ctx context.Context) error { return nil })
	return &handleRecorder{lifecycle: worker.NewLifecycle(job, worker.Every(5*time.Millisecond), nil)}
}

func testConfig() Config {
	return Config{
		Endpoints:         []string{"a:1", "b:1"},
		Path:              testPath,
		CandidateID:       "node-a",
		RetryInterval:     5 * time.Millisecond,
		InitRetryInterval: 5 * time.Millisecond,
		StopTimeout:       time.Second,
	}
}

func runAsync(t *testing.T, s *Supervisor) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	t.Cleanup(cancel)
	return cancel, done
}

func TestEndToEndLeadershipAndSessionLoss(t *testing.T) {
	svc := memory.NewService()
	dialer := &capturingDialer{svc: svc}
	rec := newRecorder()

	s, err := New(testConfig(), dialer, rec)
	require.NoError(t, err)
	cancel, done := runAsync(t, s)

	require.Eventually(t, func() bool {
		leader, ok := svc.Leader(testPath)
		return ok && leader == "node-a" && len(rec.all()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, svc.Creates(), "missing path and its parent are created once")

	first := rec.all()[0]
	require.Eventually(t, func() bool { return first.Status() == worker.StatusRunning }, time.Second, time.Millisecond)

	dialer.last().Lose()
	select {
	case <-first.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("worker still running two seconds after session loss")
	}
	assert.Equal(t, worker.StatusStopped, first.Status())

	dialer.last().Reconnect()
	require.Eventually(t, func() bool { return len(rec.all()) == 2 }, 2*time.Second, 5*time.Millisecond,
		"the process requeues and leads again")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not stop")
	}
	for _, h := range rec.all() {
		assert.Equal(t, worker.StatusStopped, h.Status())
	}
}

func TestInitRetriesUntilPathIsReady(t *testing.T) {
	svc := memory.NewService()
	svc.FailPathOps(errors.New("connection loss"))
	rec := newRecorder()

	s, err := New(testConfig(), svc, rec)
	require.NoError(t, err)
	_, done := runAsync(t, s)

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, rec.all(), "no campaign before the path exists")

	svc.FailPathOps(nil)
	require.Eventually(t, func() bool { return len(rec.all()) == 1 }, 2*time.Second, 5*time.Millisecond)

	select {
	case err := <-done:
		t.Fatalf("supervisor exited early: %v", err)
	default:
	}
}

func TestInitGivesUpAfterMaxAttempts(t *testing.T) {
	svc := memory.NewService()
	svc.FailPathOps(errors.New("connection loss"))

	cfg := testConfig()
	cfg.MaxInitAttempts = 2
	s, err := New(cfg, svc, newRecorder())
	require.NoError(t, err)

	err = s.Run(context.Background())
	require.Error(t, err)

	var initErr *coordination.InitError
	require.ErrorAs(t, err, &initErr)
	assert.Equal(t, testPath, initErr.Path)
	assert.Contains(t, err.Error(), "after 2 attempts")
}

func TestConnectRetriesFailedDials(t *testing.T) {
	svc := memory.NewService()
	svc.FailDials(3)
	rec := newRecorder()

	s, err := New(testConfig(), svc, rec)
	require.NoError(t, err)
	runAsync(t, s)

	require.Eventually(t, func() bool { return len(rec.all()) == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestCancelWhileConnectingIsClean(t *testing.T) {
	svc := memory.NewService()
	svc.FailDials(1 << 20)

	s, err := New(testConfig(), svc, newRecorder())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	assert.NoError(t, s.Run(ctx))
}

func TestStatusServerFailureStopsSupervisor(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	svc := memory.NewService()
	cfg := testConfig()
	cfg.StatusAddr = busy.Addr().String()

	s, err := New(cfg, svc, newRecorder())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = s.Run(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to listen")
}

func TestNewValidates(t *testing.T) {
	svc := memory.NewService()

	_, err := New(testConfig(), nil, newRecorder())
	assert.Error(t, err)

	_, err = New(testConfig(), svc, nil)
	assert.Error(t, err)

	cfg := testConfig()
	cfg.Path = "demo"
	_, err = New(cfg, svc, newRecorder())
	assert.Error(t, err)

	cfg = testConfig()
	cfg.MaxInitAttempts = -1
	_, err = New(cfg, svc, newRecorder())
	assert.Error(t, err)
}
