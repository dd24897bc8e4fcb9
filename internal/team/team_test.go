package team

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"forgeloop/internal/backlog"
	"forgeloop/internal/policy"
	"forgeloop/internal/shell"
)

// scriptRunner returns canned results per command line, in call order for
// repeated invocations of the same line.
type scriptRunner struct {
	results map[string][]shell.Result
	calls   []string
}

func (r *scriptRunner) Run(_ context.Context, cmd shell.Command) shell.Result {
	r.calls = append(r.calls, cmd.Phase+":"+cmd.Line)
	queue := r.results[cmd.Line]
	if len(queue) == 0 {
		return shell.Result{Command: cmd.Line, ExitCode: 0, Phase: cmd.Phase}
	}
	res := queue[0]
	r.results[cmd.Line] = queue[1:]
	res.Command = cmd.Line
	res.Phase = cmd.Phase
	return res
}

func newExecutor(runner shell.Runner, pol *policy.Config) *Executor {
	return NewExecutor(runner, pol, ".", zap.NewNop())
}

func TestExecutor_FeatureWithoutActionsNeverPasses(t *testing.T) {
	e := newExecutor(&scriptRunner{}, policy.Default())

	outcome := e.Run(context.Background(), backlog.Feature{ID: "empty", Description: "no actions"}, "single")

	assert.Equal(t, OutcomeFailed, outcome.Status)
	assert.Equal(t, backlog.ErrNoActions.Error(), outcome.Detail)
	assert.Empty(t, outcome.CommandResults)
}

func TestExecutor_ImplementAndVerifySucceed(t *testing.T) {
	runner := &scriptRunner{results: map[string][]shell.Result{}}
	e := newExecutor(runner, policy.Default())

	feature := backlog.Feature{
		ID:                     "feat-a",
		Description:            "a",
		ImplementationCommands: []string{"make build"},
		VerificationCommand:    "make test",
	}
	outcome := e.Run(context.Background(), feature, "team-1")

	assert.Equal(t, OutcomePassed, outcome.Status)
	assert.Equal(t, "team-1", outcome.TeamID)
	require.Len(t, outcome.CommandResults, 2)
	assert.Equal(t, "implement", outcome.CommandResults[0].Phase)
	assert.Equal(t, "verify", outcome.CommandResults[1].Phase)
}

func TestExecutor_VerifyFailureRetriedOnceThenPasses(t *testing.T) {
	runner := &scriptRunner{results: map[string][]shell.Result{
		"make test": {{ExitCode: 1, Stderr: "flaky"}, {ExitCode: 0}},
	}}
	e := newExecutor(runner, policy.Default())

	feature := backlog.Feature{
		ID:                     "feat-a",
		ImplementationCommands: []string{"make build"},
		VerificationCommand:    "make test",
	}
	outcome := e.Run(context.Background(), feature, "single")

	assert.Equal(t, OutcomePassed, outcome.Status)
	// implement, verify(fail), implement-retry, verify-retry
	require.Len(t, outcome.CommandResults, 4)
	assert.Equal(t, "implement-retry", outcome.CommandResults[2].Phase)
	assert.Equal(t, "verify-retry", outcome.CommandResults[3].Phase)
}

func TestExecutor_RetryBudgetExhaustedFails(t *testing.T) {
	runner := &scriptRunner{results: map[string][]shell.Result{
		"make test": {{ExitCode: 1, Stderr: "broken"}, {ExitCode: 1, Stderr: "still broken"}},
	}}
	e := newExecutor(runner, policy.Default())

	feature := backlog.Feature{
		ID:                  "feat-a",
		VerificationCommand: "make test",
	}
	outcome := e.Run(context.Background(), feature, "single")

	assert.Equal(t, OutcomeFailed, outcome.Status)
	assert.Contains(t, outcome.Detail, "failed(1)")
}

func TestExecutor_NoRetryWhenPolicyDisabled(t *testing.T) {
	runner := &scriptRunner{results: map[string][]shell.Result{
		"make test": {{ExitCode: 1, Stderr: "broken"}},
	}}
	pol := policy.Default()
	pol.RetryFailedCommandsOnce = false
	e := newExecutor(runner, pol)

	outcome := e.Run(context.Background(), backlog.Feature{ID: "f", VerificationCommand: "make test"}, "single")

	assert.Equal(t, OutcomeFailed, outcome.Status)
	require.Len(t, outcome.CommandResults, 1)
}

func TestExecutor_HardBlockerIsBlockedAndNotRetried(t *testing.T) {
	runner := &scriptRunner{results: map[string][]shell.Result{
		"git push": {{ExitCode: 1, Stderr: "fatal: Permission denied (publickey)"}},
	}}
	e := newExecutor(runner, policy.Default())

	feature := backlog.Feature{
		ID:                     "feat-a",
		ImplementationCommands: []string{"git push"},
		VerificationCommand:    "make test",
	}
	outcome := e.Run(context.Background(), feature, "single")

	assert.Equal(t, OutcomeBlocked, outcome.Status)
	assert.Contains(t, outcome.Detail, "hard_blocker=permission denied")
	// Blocked work stops immediately: no retry round, no verification.
	require.Len(t, outcome.CommandResults, 1)
}

func TestExecutor_ImplementFailureRetriedThroughFixRound(t *testing.T) {
	runner := &scriptRunner{results: map[string][]shell.Result{
		"make build": {{ExitCode: 2, Stderr: "compile error"}, {ExitCode: 0}},
	}}
	e := newExecutor(runner, policy.Default())

	feature := backlog.Feature{
		ID:                     "feat-a",
		ImplementationCommands: []string{"make build"},
		VerificationCommand:    "make test",
	}
	outcome := e.Run(context.Background(), feature, "single")

	assert.Equal(t, OutcomePassed, outcome.Status)
	// First attempt stops at the failing implement step, retry round runs both.
	require.Len(t, outcome.CommandResults, 3)
}
