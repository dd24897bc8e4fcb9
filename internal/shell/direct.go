package shell

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"runtime"
	"time"

	"go.uber.org/zap"
)

// DirectRunner executes commands on the host through the system shell with
// a bounded timeout and capped output capture. No sandboxing.
type DirectRunner struct {
	// DefaultTimeout applies when Command.Timeout is zero.
	DefaultTimeout time.Duration

	// MaxOutputBytes caps captured stdout and stderr, each. Zero uses 1 MiB.
	MaxOutputBytes int

	logger *zap.Logger
}

// NewDirectRunner creates a host runner with the given default timeout.
func NewDirectRunner(defaultTimeout time.Duration, logger *zap.Logger) *DirectRunner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if defaultTimeout <= 0 {
		defaultTimeout = 120 * time.Second
	}
	return &DirectRunner{
		DefaultTimeout: defaultTimeout,
		MaxOutputBytes: 1 << 20,
		logger:         logger,
	}
}

// Run executes one command line through the system shell. A timeout or a
// missing binary is reported via the conventional exit codes, never as an
// error the caller has to branch on.
func (r *DirectRunner) Run(ctx context.Context, cmd Command) Result {
	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = r.DefaultTimeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	shellBin, shellFlag := systemShell()
	execCmd := exec.CommandContext(execCtx, shellBin, shellFlag, cmd.Line)
	execCmd.Dir = cmd.WorkingDirectory

	var stdout, stderr bytes.Buffer
	execCmd.Stdout = &stdout
	execCmd.Stderr = &stderr

	r.logger.Debug("executing command",
		zap.String("line", cmd.Line),
		zap.String("phase", cmd.Phase),
		zap.Duration("timeout", timeout))

	started := time.Now()
	err := execCmd.Run()
	duration := time.Since(started)

	result := Result{
		Command:  cmd.Line,
		Duration: duration,
		Phase:    cmd.Phase,
	}
	result.Stdout, result.Truncated = r.cap(stdout.String())
	var errTrunc bool
	result.Stderr, errTrunc = r.cap(stderr.String())
	result.Truncated = result.Truncated || errTrunc

	switch {
	case err == nil:
		result.ExitCode = 0
	case execCtx.Err() == context.DeadlineExceeded:
		result.ExitCode = ExitTimeout
		result.Killed = true
		if result.Stderr == "" {
			result.Stderr = "timed out after " + timeout.String()
		}
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		} else {
			// Infrastructure failure (binary missing, fork failure).
			result.ExitCode = ExitNotFound
			if result.Stderr == "" {
				result.Stderr = err.Error()
			}
		}
	}

	r.logger.Debug("command finished",
		zap.String("line", cmd.Line),
		zap.Int("exit_code", result.ExitCode),
		zap.Duration("duration", duration))
	return result
}

func (r *DirectRunner) cap(s string) (string, bool) {
	max := r.MaxOutputBytes
	if max <= 0 {
		max = 1 << 20
	}
	if len(s) <= max {
		return s, false
	}
	return s[:max], true
}

func systemShell() (bin, flag string) {
	if runtime.GOOS == "windows" {
		return "cmd", "/C"
	}
	return "sh", "-c"
}
