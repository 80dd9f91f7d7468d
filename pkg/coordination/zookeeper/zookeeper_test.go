package zookeeper

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/go-zookeeper/zk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"soloist/pkg/coordination"
)

func TestSortCandidates(t *testing.T) {
	children := []string{
		"_c_9f1e-candidate-0000000012",
		"_c_0a3b-candidate-0000000003",
		"stray",
		"_c_77cd-candidate-0000000007",
	}
	assert.Equal(t, []string{
		"_c_0a3b-candidate-0000000003",
		"_c_77cd-candidate-0000000007",
		"_c_9f1e-candidate-0000000012",
	}, sortCandidates(children))
}

func TestSequence(t *testing.T) {
	seq, ok := sequence("_c_abc-candidate-0000000042")
	require.True(t, ok)
	assert.Equal(t, int64(42), seq)

	_, ok = sequence("candidate-x")
	assert.False(t, ok)
	_, ok = sequence("lock-0000000001")
	assert.False(t, ok)
}

func TestStateTracker(t *testing.T) {
	var tr stateTracker

	_, ok := tr.next(zk.StateDisconnected)
	assert.False(t, ok, "disconnects before the first session are not reported")

	steps := []struct {
		in   zk.State
		want coordination.State
	}{
		{zk.StateHasSession, coordination.StateConnected},
		{zk.StateDisconnected, coordination.StateSuspended},
		{zk.StateHasSession, coordination.StateReconnected},
		{zk.StateExpired, coordination.StateLost},
		{zk.StateHasSession, coordination.StateReconnected},
	}
	for _, s := range steps {
		got, ok := tr.next(s.in)
		require.True(t, ok, s.in.String())
		assert.Equal(t, s.want, got, s.in.String())
	}

	_, ok = tr.next(zk.StateConnecting)
	assert.False(t, ok)
}

func TestMapErr(t *testing.T) {
	assert.NoError(t, mapErr(nil))
	assert.ErrorIs(t, mapErr(zk.ErrNodeExists), coordination.ErrPathExists)
	assert.ErrorIs(t, mapErr(zk.ErrSessionExpired), coordination.ErrSessionLost)
	assert.ErrorIs(t, mapErr(zk.ErrClosing), coordination.ErrClosed)

	other := errors.New("boom")
	assert.Equal(t, other, mapErr(other))
}

// liveServers returns the ensemble named by SOLOIST_TEST_ZK or skips.
func liveServers(t *testing.T) []string {
	t.Helper()
	v := os.Getenv("SOLOIST_TEST_ZK")
	if v == "" {
		t.Skip("SOLOIST_TEST_ZK not set")
	}
	return strings.Split(v, ",")
}

func TestLiveElection(t *testing.T) {
	servers := liveServers(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	d := NewDialer(5*time.Second, nil)
	root := fmt.Sprintf("/soloist-test/%d", time.Now().UnixNano())

	dial := func() coordination.Conn {
		conn, err := d.Dial(ctx, servers, nil)
		require.NoError(t, err)
		t.Cleanup(func() { conn.Close() })
		return conn
	}
	a, b := dial(), dial()

	require.NoError(t, coordination.EnsurePath(ctx, a, root))
	require.NoError(t, coordination.EnsurePath(ctx, b, root), "second init is a no-op")

	leadA, err := a.NewElection(root).Campaign(ctx, "node-a")
	require.NoError(t, err)

	leader, err := b.NewElection(root).Leader(ctx)
	require.NoError(t, err)
	assert.Equal(t, "node-a", leader)

	granted := make(chan coordination.Leadership, 1)
	go func() {
		l, err := b.NewElection(root).Campaign(ctx, "node-b")
		if err == nil {
			granted <- l
		}
	}()

	select {
	case <-granted:
		t.Fatal("second candidate must wait")
	case <-time.After(200 * time.Millisecond):
	}

	require.NoError(t, leadA.Resign(ctx))
	select {
	case <-leadA.Revoked():
	case <-time.After(5 * time.Second):
		t.Fatal("resigned leadership was not revoked")
	}

	select {
	case leadB := <-granted:
		require.NoError(t, leadB.Resign(ctx))
	case <-time.After(5 * time.Second):
		t.Fatal("second candidate never became leader")
	}
}
