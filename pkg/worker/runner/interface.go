package runner

import (
	"context"
	"time"
)

// Result captures the outcome of one command execution.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
	Error    error
}

// JobRunner executes a single command.
type JobRunner interface {
	// Run executes cmd with args, bounded by ctx.
	Run(ctx context.Context, cmd string, args []string) Result
}
