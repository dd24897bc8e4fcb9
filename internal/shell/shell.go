// Package shell is the lowest-level execution layer of the loop: it runs
// implementation and verification commands on the host and reports structured
// results. All policy (retries, blocker classification) lives above it.
package shell

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Exit codes used when the process never produced one of its own.
const (
	// ExitTimeout mirrors the shell convention for killed-by-timeout.
	ExitTimeout = 124
	// ExitNotFound mirrors the shell convention for a missing binary.
	ExitNotFound = 127
)

// Command is one shell command to execute.
type Command struct {
	// Line is the full command line, run through the system shell.
	Line string `json:"line"`

	// WorkingDirectory is the directory to execute in.
	WorkingDirectory string `json:"working_directory,omitempty"`

	// Timeout bounds wall time. Zero means the runner's default.
	Timeout time.Duration `json:"timeout,omitempty"`

	// Phase tags the result for reporting (implement, verify, quality-gate...).
	Phase string `json:"phase,omitempty"`
}

// Result is the structured outcome of one command execution.
type Result struct {
	Command  string        `json:"command"`
	ExitCode int           `json:"exit_code"`
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	Duration time.Duration `json:"duration"`
	Phase    string        `json:"phase"`

	// Killed is set when the command was terminated by timeout.
	Killed bool `json:"killed,omitempty"`

	// Truncated indicates captured output hit the size cap.
	Truncated bool `json:"truncated,omitempty"`
}

// OK reports whether the command exited zero.
func (r Result) OK() bool { return r.ExitCode == 0 }

// Output returns stdout, falling back to stderr.
func (r Result) Output() string {
	if strings.TrimSpace(r.Stdout) != "" {
		return r.Stdout
	}
	return r.Stderr
}

// Summary renders a one-line compact form for status files and logs.
func (r Result) Summary() string {
	status := "ok"
	if !r.OK() {
		status = fmt.Sprintf("failed(%d)", r.ExitCode)
	}
	compact := strings.TrimSpace(r.Stdout)
	if compact == "" {
		compact = strings.TrimSpace(r.Stderr)
	}
	if compact == "" {
		compact = "<no output>"
	}
	compact = strings.ReplaceAll(compact, "\n", " ")
	if len(compact) > 160 {
		compact = compact[:157] + "..."
	}
	return fmt.Sprintf("[%s] %s -> %s: %s", r.Phase, r.Command, status, compact)
}

// Runner executes commands. The loop only ever sees Results; infrastructure
// errors are folded into the Result by implementations.
type Runner interface {
	Run(ctx context.Context, cmd Command) Result
}

// DryRunner short-circuits every command with a successful placeholder result.
// Used by --dry-run across the gate, team executor, and loop.
type DryRunner struct{}

// Run implements Runner without touching the host.
func (DryRunner) Run(_ context.Context, cmd Command) Result {
	return Result{
		Command:  cmd.Line,
		ExitCode: 0,
		Stdout:   "dry-run: command skipped",
		Phase:    cmd.Phase,
	}
}
