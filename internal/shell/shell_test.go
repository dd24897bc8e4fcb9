package shell

import (
	"context"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestDirectRunner_SuccessCapturesStdout(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix shell semantics")
	}
	r := NewDirectRunner(10*time.Second, zap.NewNop())

	res := r.Run(context.Background(), Command{Line: "echo hello", Phase: "verify"})
	require.True(t, res.OK())
	assert.Equal(t, "hello\n", res.Stdout)
	assert.Equal(t, "verify", res.Phase)
}

func TestDirectRunner_NonZeroExitIsResultNotError(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix shell semantics")
	}
	r := NewDirectRunner(10*time.Second, zap.NewNop())

	res := r.Run(context.Background(), Command{Line: "exit 3", Phase: "verify"})
	assert.False(t, res.OK())
	assert.Equal(t, 3, res.ExitCode)
}

func TestDirectRunner_TimeoutMapsToExit124(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix shell semantics")
	}
	r := NewDirectRunner(10*time.Second, zap.NewNop())

	res := r.Run(context.Background(), Command{Line: "sleep 5", Timeout: 100 * time.Millisecond, Phase: "implement"})
	assert.Equal(t, ExitTimeout, res.ExitCode)
	assert.True(t, res.Killed)
}

func TestDirectRunner_MissingBinaryMapsToExit127(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix shell semantics")
	}
	r := NewDirectRunner(10*time.Second, zap.NewNop())

	res := r.Run(context.Background(), Command{Line: "definitely-not-a-binary-xyz", Phase: "implement"})
	assert.False(t, res.OK())
	// sh reports 127 for command-not-found.
	assert.Equal(t, ExitNotFound, res.ExitCode)
}

func TestResult_SummaryCompactsOutput(t *testing.T) {
	res := Result{
		Command:  "go test ./...",
		ExitCode: 1,
		Stdout:   "line one\nline two\n" + strings.Repeat("x", 300),
		Phase:    "verify",
	}
	s := res.Summary()
	assert.Contains(t, s, "[verify] go test ./... -> failed(1):")
	assert.NotContains(t, s, "\n")
	assert.LessOrEqual(t, len(s), len("[verify] go test ./... -> failed(1): ")+160)
	assert.True(t, strings.HasSuffix(s, "..."))
}

func TestResult_SummaryNoOutput(t *testing.T) {
	res := Result{Command: "true", ExitCode: 0, Phase: "implement"}
	assert.Equal(t, "[implement] true -> ok: <no output>", res.Summary())
}

func TestDryRunner_NeverExecutes(t *testing.T) {
	res := DryRunner{}.Run(context.Background(), Command{Line: "rm -rf /", Phase: "implement"})
	assert.True(t, res.OK())
	assert.Equal(t, "dry-run: command skipped", res.Stdout)
}
