package coordination

import (
	"context"
	"errors"
)

var (
	// ErrPathExists is returned by Conn.CreatePath when the node is already there.
	ErrPathExists = errors.New("coordination: path already exists")
	// ErrNoLeader is returned by Election.Leader when nobody holds the election.
	ErrNoLeader = errors.New("coordination: election has no leader")
	// ErrSessionLost is returned by blocking calls whose session expired underneath them.
	ErrSessionLost = errors.New("coordination: session lost")
	// ErrClosed is returned after Conn.Close.
	ErrClosed = errors.New("coordination: connection closed")
)

// Dialer opens connections to a coordination service.
type Dialer interface {
	// Dial connects to the given endpoints. onState is called for every
	// session transition the backend observes, starting with StateConnected.
	// It may be called from any goroutine and must not block for long.
	Dial(ctx context.Context, endpoints []string, onState func(State)) (Conn, error)
}

// Conn is a live handle to the coordination service.
type Conn interface {
	// PathExists reports whether the hierarchical path is present.
	PathExists(ctx context.Context, path string) (bool, error)

	// CreatePath creates path, and any missing parents when createParents
	// is set, returning the path the service actually created.
	CreatePath(ctx context.Context, path string, createParents bool) (string, error)

	// NewElection returns the election rooted at path.
	NewElection(path string) Election

	// Close terminates the connection.
	Close() error
}

// Election represents a single leader election.
type Election interface {
	// Campaign blocks until candidateID holds leadership or ctx ends.
	Campaign(ctx context.Context, candidateID string) (Leadership, error)

	// Leader returns the current leader's candidate id.
	Leader(ctx context.Context) (string, error)
}

// Leadership is a granted term of an Election.
type Leadership interface {
	// Revoked is closed when the service takes leadership away.
	Revoked() <-chan struct{}

	// Resign gives leadership up voluntarily. Safe to call more than once.
	Resign(ctx context.Context) error
}
