// Package loop drives the project run: repeated iterations, the stop
// decision over iteration history, and advisory handoff snapshots.
package loop

import (
	"forgeloop/internal/backlog"
	"forgeloop/internal/policy"
)

// StopReason is a terminal reason for ending a project run.
type StopReason string

const (
	StopQualityGateFailed       StopReason = "quality_gate_failed"
	StopAllFeaturesPassed       StopReason = "all_features_passed"
	StopBrowserValidationFailed StopReason = "browser_validation_failed"
	StopStagnation              StopReason = "stagnation_no_progress"
	StopMaxIterations           StopReason = "max_iterations_reached"
)

// StopDecision is the computed outcome of one stop evaluation. It is never
// persisted as mutable state; it is recomputed from history on demand.
type StopDecision struct {
	Reason    StopReason `json:"reason,omitempty"`
	Iteration int        `json:"iteration"`
	Detail    string     `json:"detail,omitempty"`
}

// Stopped reports whether a terminal reason was reached.
func (d StopDecision) Stopped() bool { return d.Reason != "" }

// Success reports whether the run ended because every feature passed.
func (d StopDecision) Success() bool { return d.Reason == StopAllFeaturesPassed }

// ValidationResult carries an externally produced validation verdict into the
// stop decision. The loop never runs validation itself.
type ValidationResult struct {
	Ran    bool   `json:"ran"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

// Decide evaluates the stop conditions in fixed precedence over the iteration
// history. A failing quality gate dominates apparent completion, and
// stagnation is reported before the hard iteration cap so the more
// informative reason wins when both hold. runIterations counts iterations
// performed by the current run: the cap is a per-run budget, and history
// numbering continues across sessions, so a resumed workspace must not be
// charged for iterations a previous session already spent.
func Decide(pol *policy.Config, history []backlog.IterationRecord, features []backlog.Feature, runIterations int, validation ValidationResult) StopDecision {
	if len(history) == 0 {
		return StopDecision{}
	}
	latest := history[len(history)-1]
	decision := StopDecision{Iteration: latest.Number}

	if !latest.GateOK && pol.StopOnQualityGateFailure {
		decision.Reason = StopQualityGateFailed
		decision.Detail = latest.Notes
		return decision
	}

	if len(features) > 0 && allPassed(features) {
		decision.Reason = StopAllFeaturesPassed
		return decision
	}

	if pol.RequireBrowserValidationBeforeStop && validation.Ran && !validation.Passed {
		decision.Reason = StopBrowserValidationFailed
		decision.Detail = validation.Detail
		return decision
	}

	if window := pol.MaxNoProgressIterations; window > 0 && len(history) >= window {
		stagnant := true
		for _, rec := range history[len(history)-window:] {
			if rec.PassedDelta > 0 {
				stagnant = false
				break
			}
		}
		if stagnant {
			decision.Reason = StopStagnation
			return decision
		}
	}

	if pol.MaxIterationsPerRun > 0 && runIterations >= pol.MaxIterationsPerRun {
		decision.Reason = StopMaxIterations
		return decision
	}

	return StopDecision{}
}

func allPassed(features []backlog.Feature) bool {
	for _, f := range features {
		if f.Status != backlog.StatusPassed {
			return false
		}
	}
	return true
}
