package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"soloist/pkg/logger"
)

// killGrace is how long a cancelled command gets between SIGTERM and SIGKILL.
const killGrace = 2 * time.Second

type ShellRunner struct{}

func NewShellRunner() *ShellRunner {
	return &ShellRunner{}
}

func (s *ShellRunner) Run(ctx context.Context, cmdStr string, args []string) Result {
	start := time.Now()

	cmd := exec.CommandContext(ctx, cmdStr, args...)

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	// Own process group, so cancellation reaches the whole tree.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
	}
	cmd.WaitDelay = killGrace

	err := cmd.Run()

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}
	if ctx.Err() != nil && exitCode == 0 {
		exitCode = -1
	}

	return Result{
		ExitCode: exitCode,
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
		Duration: time.Since(start),
		Error:    err,
	}
}

// ShellJob runs a shell command line once per iteration.
type ShellJob struct {
	runner  JobRunner
	command string
	logger  *zap.Logger
}

// NewShellJob returns a job running command through /bin/sh -c.
func NewShellJob(r JobRunner, command string, log *zap.Logger) *ShellJob {
	return &ShellJob{runner: r, command: command, logger: logger.OrNop(log)}
}

// Run executes the command. A non-zero exit is an error and ends the task.
func (j *ShellJob) Run(ctx context.Context) error {
	res := j.runner.Run(ctx, "/bin/sh", []string{"-c", j.command})
	if ctx.Err() != nil {
		return ctx.Err()
	}

	fields := []zap.Field{
		zap.String("command", j.command),
		zap.Int("exit_code", res.ExitCode),
		zap.Duration("duration", res.Duration),
	}
	if out := strings.TrimSpace(res.Stdout); out != "" {
		fields = append(fields, zap.String("stdout", out))
	}
	if res.ExitCode != 0 {
		if errOut := strings.TrimSpace(res.Stderr); errOut != "" {
			fields = append(fields, zap.String("stderr", errOut))
		}
		j.logger.Warn("Job command failed", fields...)
		return fmt.Errorf("command %q exited with %d: %w", j.command, res.ExitCode, res.Error)
	}
	j.logger.Info("Job command finished", fields...)
	return nil
}
