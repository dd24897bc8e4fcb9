// Package team runs the fixed per-feature protocol: PLAN, IMPLEMENT,
// RUN+OBSERVE, FIX. One executor instance handles one feature at a time and
// never touches the backlog store; it receives a feature copy and returns an
// outcome.
package team

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"forgeloop/internal/backlog"
	"forgeloop/internal/policy"
	"forgeloop/internal/shell"
)

// OutcomeStatus is the terminal result of one feature execution.
type OutcomeStatus string

const (
	OutcomePassed  OutcomeStatus = "passed"
	OutcomeFailed  OutcomeStatus = "failed"
	OutcomeBlocked OutcomeStatus = "blocked"
)

// Outcome is what a team reports back to the dispatcher. Runner errors never
// escape the executor; they arrive here as failed or blocked outcomes.
type Outcome struct {
	TeamID         string         `json:"team_id"`
	FeatureID      string         `json:"feature_id"`
	Status         OutcomeStatus  `json:"status"`
	Detail         string         `json:"detail"`
	Plan           []string       `json:"plan,omitempty"`
	CommandResults []shell.Result `json:"command_results,omitempty"`
}

// Passed reports whether the feature completed successfully.
func (o Outcome) Passed() bool { return o.Status == OutcomePassed }

// Executor runs the two-phase implement/verify protocol for single features.
type Executor struct {
	runner    shell.Runner
	pol       *policy.Config
	workspace string
	logger    *zap.Logger
}

// NewExecutor builds a team executor over the injected command runner.
func NewExecutor(runner shell.Runner, pol *policy.Config, workspace string, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{runner: runner, pol: pol, workspace: workspace, logger: logger}
}

// Run executes the protocol for one feature copy. teamID tags the outcome
// for parallel dispatch reporting; single mode passes "single".
func (e *Executor) Run(ctx context.Context, feature backlog.Feature, teamID string) Outcome {
	outcome := Outcome{
		TeamID:    teamID,
		FeatureID: feature.ID,
		Plan:      buildPlan(feature),
	}

	if !feature.HasActions() {
		outcome.Status = OutcomeFailed
		outcome.Detail = backlog.ErrNoActions.Error()
		return outcome
	}

	e.logger.Info("team executing feature",
		zap.String("team", teamID),
		zap.String("feature", feature.ID),
		zap.Int("implementation_commands", len(feature.ImplementationCommands)))

	results, passed, blocker := e.attempt(ctx, feature, "")
	if !passed && blocker == "" && e.pol.RetryFailedCommandsOnce {
		// FIX: one re-implement and re-verify round.
		retryResults, retryPassed, retryBlocker := e.attempt(ctx, feature, "-retry")
		results = append(results, retryResults...)
		passed, blocker = retryPassed, retryBlocker
	}
	outcome.CommandResults = results

	switch {
	case passed:
		outcome.Status = OutcomePassed
		outcome.Detail = fmt.Sprintf("feature %s completed", feature.ID)
	case blocker != "":
		outcome.Status = OutcomeBlocked
		outcome.Detail = fmt.Sprintf("%s | hard_blocker=%s", firstFailureDetail(results), blocker)
	default:
		outcome.Status = OutcomeFailed
		outcome.Detail = firstFailureDetail(results)
	}

	e.logger.Info("team finished feature",
		zap.String("team", teamID),
		zap.String("feature", feature.ID),
		zap.String("status", string(outcome.Status)))
	return outcome
}

// attempt runs IMPLEMENT then RUN+OBSERVE once. A hard-blocker match stops
// the attempt immediately; blocked work is recorded, not retried.
func (e *Executor) attempt(ctx context.Context, feature backlog.Feature, phaseSuffix string) (results []shell.Result, passed bool, blocker string) {
	timeout := time.Duration(e.pol.CommandTimeoutSeconds) * time.Second

	implOK := true
	for _, line := range feature.ImplementationCommands {
		res := e.runner.Run(ctx, shell.Command{
			Line:             line,
			WorkingDirectory: e.workspace,
			Timeout:          timeout,
			Phase:            "implement" + phaseSuffix,
		})
		results = append(results, res)
		if !res.OK() {
			implOK = false
			if marker := e.matchBlocker(res); marker != "" {
				return results, false, marker
			}
			break
		}
	}
	if !implOK {
		return results, false, ""
	}

	if feature.VerificationCommand == "" {
		return results, true, ""
	}
	res := e.runner.Run(ctx, shell.Command{
		Line:             feature.VerificationCommand,
		WorkingDirectory: e.workspace,
		Timeout:          timeout,
		Phase:            "verify" + phaseSuffix,
	})
	results = append(results, res)
	if !res.OK() {
		if marker := e.matchBlocker(res); marker != "" {
			return results, false, marker
		}
		return results, false, ""
	}
	return results, true, ""
}

// matchBlocker returns the first policy hard-blocker pattern found in the
// failed result's output, empty when none match.
func (e *Executor) matchBlocker(res shell.Result) string {
	text := strings.ToLower(res.Stdout + "\n" + res.Stderr)
	for _, pattern := range e.pol.HardBlockerPatterns {
		if strings.Contains(text, strings.ToLower(pattern)) {
			return pattern
		}
	}
	return ""
}

// buildPlan derives the trivial single-feature plan. No cross-feature scope.
func buildPlan(feature backlog.Feature) []string {
	return []string{
		fmt.Sprintf("PLAN: deliver feature %s (%s)", feature.ID, feature.Description),
		"IMPLEMENT: run implementation commands in order",
		"RUN: run verification command",
		"OBSERVE: inspect exit codes and output",
		"FIX: one retry round when verification fails",
	}
}

func firstFailureDetail(results []shell.Result) string {
	for _, res := range results {
		if !res.OK() {
			return res.Summary()
		}
	}
	return "feature execution failed with unknown reason"
}
