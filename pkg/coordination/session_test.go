package coordination_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"soloist/pkg/coordination"
	"soloist/pkg/coordination/memory"
)

type recorder struct {
	mu     sync.Mutex
	events []coordination.StateEvent
}

func (r *recorder) listen(ev coordination.StateEvent) {
	if ev.State == coordination.StateConnected {
		return
	}
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) snapshot() []coordination.StateEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]coordination.StateEvent(nil), r.events...)
}

func connect(t *testing.T, svc *memory.Service) (*coordination.Session, *memory.Conn) {
	t.Helper()
	c := coordination.NewConnector(svc, []string{"a:1"}, 5*time.Millisecond, zap.NewNop())
	sess, err := c.Connect(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { sess.Close() })
	conn, ok := sess.Conn().(*memory.Conn)
	require.True(t, ok)
	return sess, conn
}

func TestConnectRetriesUntilDialSucceeds(t *testing.T) {
	svc := memory.NewService()
	svc.FailDials(3)

	start := time.Now()
	sess, _ := connect(t, svc)

	assert.Equal(t, coordination.StateConnected, sess.State())
	assert.Equal(t, uint64(1), sess.Epoch())
	assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)
}

func TestConnectReturnsWhenContextEnds(t *testing.T) {
	svc := memory.NewService()
	svc.FailDials(1 << 20)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	c := coordination.NewConnector(svc, []string{"a:1"}, 5*time.Millisecond, nil)
	sess, err := c.Connect(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Nil(t, sess)
}

func TestStateListenersObserveTransitionsInOrder(t *testing.T) {
	sess, conn := connect(t, memory.NewService())
	rec := &recorder{}
	sess.OnStateChange(rec.listen)

	conn.Suspend()
	conn.Reconnect()
	conn.Lose()
	conn.Reconnect()

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 4 }, time.Second, 5*time.Millisecond)

	got := rec.snapshot()
	want := []struct {
		state coordination.State
		epoch uint64
	}{
		{coordination.StateSuspended, 1},
		{coordination.StateReconnected, 1},
		{coordination.StateLost, 1},
		{coordination.StateReconnected, 2},
	}
	for i, w := range want {
		assert.Equal(t, w.state, got[i].State, "event %d", i)
		assert.Equal(t, w.epoch, got[i].Epoch, "event %d", i)
	}
	assert.Equal(t, coordination.StateReconnected, sess.State())
}

func TestRepeatedStateIsDeliveredOnce(t *testing.T) {
	sess, conn := connect(t, memory.NewService())
	rec := &recorder{}
	sess.OnStateChange(rec.listen)

	conn.Lose()
	conn.Lose()
	conn.Reconnect()

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, rec.snapshot(), 2)
}

func TestPanickingListenerDoesNotStopDispatch(t *testing.T) {
	sess, conn := connect(t, memory.NewService())
	sess.OnStateChange(func(coordination.StateEvent) { panic("boom") })
	rec := &recorder{}
	sess.OnStateChange(rec.listen)

	conn.Suspend()
	conn.Reconnect()

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
}

func TestUnsubscribe(t *testing.T) {
	sess, conn := connect(t, memory.NewService())
	rec := &recorder{}
	unsubscribe := sess.OnStateChange(rec.listen)

	conn.Suspend()
	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, time.Second, 5*time.Millisecond)

	unsubscribe()
	conn.Reconnect()
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, rec.snapshot(), 1)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "lost", coordination.StateLost.String())
	assert.Equal(t, "unknown", coordination.State(42).String())
	assert.True(t, coordination.StateReconnected.Live())
	assert.False(t, coordination.StateSuspended.Live())
}
