package coordination_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"soloist/pkg/coordination"
	"soloist/pkg/coordination/memory"
)

func TestParentPaths(t *testing.T) {
	assert.Equal(t, []string{"/a", "/a/b"}, coordination.ParentPaths("/a/b/c"))
	assert.Empty(t, coordination.ParentPaths("/a"))
}

func TestValidatePath(t *testing.T) {
	for _, p := range []string{"/demo", "/demo/election", "/a/b/c"} {
		assert.NoError(t, coordination.ValidatePath(p), p)
	}
	for _, p := range []string{"", "demo", "/", "/demo/", "/demo//election"} {
		assert.Error(t, coordination.ValidatePath(p), p)
	}
}

func TestEnsurePathCreatesParentsOnce(t *testing.T) {
	svc := memory.NewService()
	_, conn := connect(t, svc)
	ctx := context.Background()

	require.NoError(t, coordination.EnsurePath(ctx, conn, "/demo/election"))
	assert.Equal(t, 2, svc.Creates())

	for _, p := range []string{"/demo", "/demo/election"} {
		ok, err := conn.PathExists(ctx, p)
		require.NoError(t, err)
		assert.True(t, ok, p)
	}

	require.NoError(t, coordination.EnsurePath(ctx, conn, "/demo/election"))
	assert.Equal(t, 2, svc.Creates(), "second call must not create anything")
}

func TestEnsurePathReportsMismatch(t *testing.T) {
	svc := memory.NewService()
	svc.RewriteCreatedPath(func(p string) string { return p + "0000000001" })
	_, conn := connect(t, svc)

	err := coordination.EnsurePath(context.Background(), conn, "/demo/election")
	require.ErrorIs(t, err, coordination.ErrPathMismatch)

	var initErr *coordination.InitError
	require.True(t, errors.As(err, &initErr))
	assert.Equal(t, "create", initErr.Op)
	assert.Equal(t, "/demo/election", initErr.Path)
}

func TestEnsurePathReportsTransportError(t *testing.T) {
	svc := memory.NewService()
	boom := errors.New("connection reset")
	_, conn := connect(t, svc)
	svc.FailPathOps(boom)

	err := coordination.EnsurePath(context.Background(), conn, "/demo/election")
	require.ErrorIs(t, err, boom)

	var initErr *coordination.InitError
	require.True(t, errors.As(err, &initErr))
	assert.Equal(t, "exists", initErr.Op)
}

func TestEnsurePathRejectsMalformedPath(t *testing.T) {
	_, conn := connect(t, memory.NewService())
	err := coordination.EnsurePath(context.Background(), conn, "demo")

	var initErr *coordination.InitError
	require.True(t, errors.As(err, &initErr))
	assert.Equal(t, "validate", initErr.Op)
}

type racingConn struct {
	coordination.Conn
}

func (racingConn) PathExists(context.Context, string) (bool, error) { return false, nil }

func (racingConn) CreatePath(context.Context, string, bool) (string, error) {
	return "", coordination.ErrPathExists
}

func TestEnsurePathTreatsConcurrentCreateAsSuccess(t *testing.T) {
	require.NoError(t, coordination.EnsurePath(context.Background(), racingConn{}, "/demo/election"))
}
