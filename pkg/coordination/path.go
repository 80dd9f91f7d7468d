package coordination

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrPathMismatch means the service created a node other than the one asked for.
var ErrPathMismatch = errors.New("created path differs from requested path")

// InitError reports a failure to prepare an election path.
type InitError struct {
	Path string
	Op   string
	Err  error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("init path %s: %s: %v", e.Path, e.Op, e.Err)
}

func (e *InitError) Unwrap() error { return e.Err }

// ValidatePath checks that p is an absolute, slash separated path with no
// empty segments and no trailing slash.
func ValidatePath(p string) error {
	if p == "" || p[0] != '/' {
		return fmt.Errorf("path %q must start with /", p)
	}
	if p == "/" {
		return fmt.Errorf("path %q must name a node below the root", p)
	}
	if strings.HasSuffix(p, "/") {
		return fmt.Errorf("path %q must not end with /", p)
	}
	if strings.Contains(p, "//") {
		return fmt.Errorf("path %q contains an empty segment", p)
	}
	return nil
}

// ParentPaths returns the ancestors of p from the top down, excluding "/"
// and p itself. "/a/b/c" yields ["/a", "/a/b"].
func ParentPaths(p string) []string {
	var parents []string
	for i := 1; i < len(p); i++ {
		if p[i] == '/' {
			parents = append(parents, p[:i])
		}
	}
	return parents
}

// EnsurePath makes sure path exists on conn, creating it and its parents
// when absent. It is idempotent; a concurrent creation by another process
// counts as success.
func EnsurePath(ctx context.Context, conn Conn, path string) error {
	if err := ValidatePath(path); err != nil {
		return &InitError{Path: path, Op: "validate", Err: err}
	}

	exists, err := conn.PathExists(ctx, path)
	if err != nil {
		return &InitError{Path: path, Op: "exists", Err: err}
	}
	if exists {
		return nil
	}

	created, err := conn.CreatePath(ctx, path, true)
	if errors.Is(err, ErrPathExists) {
		return nil
	}
	if err != nil {
		return &InitError{Path: path, Op: "create", Err: err}
	}
	if created != path {
		return &InitError{
			Path: path,
			Op:   "create",
			Err:  fmt.Errorf("%w: got %s", ErrPathMismatch, created),
		}
	}
	return nil
}
