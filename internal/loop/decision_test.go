package loop

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"forgeloop/internal/backlog"
	"forgeloop/internal/policy"
)

func passedFeature(id string) backlog.Feature {
	return backlog.Feature{ID: id, Status: backlog.StatusPassed, ImplementationCommands: []string{"true"}}
}

func pendingFeature(id string) backlog.Feature {
	return backlog.Feature{ID: id, Status: backlog.StatusPending, ImplementationCommands: []string{"true"}}
}

func records(passedTotals ...int) []backlog.IterationRecord {
	out := make([]backlog.IterationRecord, 0, len(passedTotals))
	prev := 0
	for i, total := range passedTotals {
		out = append(out, backlog.IterationRecord{
			Number:      i + 1,
			PassedTotal: total,
			PassedDelta: total - prev,
			GateOK:      true,
		})
		prev = total
	}
	return out
}

func TestDecide_EmptyHistoryContinues(t *testing.T) {
	assert.False(t, Decide(policy.Default(), nil, nil, 0, ValidationResult{}).Stopped())
}

func TestDecide_GateFailureDominatesCompletion(t *testing.T) {
	pol := policy.Default()
	history := records(2)
	history[len(history)-1].GateOK = false
	features := []backlog.Feature{passedFeature("a"), passedFeature("b")}

	decision := Decide(pol, history, features, len(history), ValidationResult{})

	assert.Equal(t, StopQualityGateFailed, decision.Reason)
	assert.Equal(t, 1, decision.Iteration)
}

func TestDecide_GateFailureIgnoredWhenPolicyDisabled(t *testing.T) {
	pol := policy.Default()
	pol.StopOnQualityGateFailure = false
	history := records(2)
	history[len(history)-1].GateOK = false
	features := []backlog.Feature{passedFeature("a")}

	decision := Decide(pol, history, features, len(history), ValidationResult{})

	assert.Equal(t, StopAllFeaturesPassed, decision.Reason)
}

func TestDecide_AllFeaturesPassed(t *testing.T) {
	decision := Decide(policy.Default(), records(2), []backlog.Feature{passedFeature("a"), passedFeature("b")}, 1, ValidationResult{})

	assert.Equal(t, StopAllFeaturesPassed, decision.Reason)
	assert.True(t, decision.Success())
}

func TestDecide_FailedFeaturePreventsCompletion(t *testing.T) {
	features := []backlog.Feature{
		passedFeature("a"),
		{ID: "b", Status: backlog.StatusFailed},
	}

	decision := Decide(policy.Default(), records(1), features, 1, ValidationResult{})

	assert.NotEqual(t, StopAllFeaturesPassed, decision.Reason)
}

func TestDecide_NoFeaturesIsNotCompletion(t *testing.T) {
	pol := policy.Default()
	pol.MaxNoProgressIterations = 0

	decision := Decide(pol, records(0), nil, 1, ValidationResult{})

	assert.False(t, decision.Stopped())
}

func TestDecide_BrowserValidationFailure(t *testing.T) {
	pol := policy.Default()
	pol.RequireBrowserValidationBeforeStop = true
	features := []backlog.Feature{pendingFeature("a")}
	validation := ValidationResult{Ran: true, Passed: false, Detail: "expected text missing"}

	decision := Decide(pol, records(1), features, 1, validation)

	assert.Equal(t, StopBrowserValidationFailed, decision.Reason)
	assert.Equal(t, "expected text missing", decision.Detail)
}

func TestDecide_ValidationIgnoredWhenNotRequired(t *testing.T) {
	pol := policy.Default()
	pol.MaxNoProgressIterations = 0
	validation := ValidationResult{Ran: true, Passed: false}

	decision := Decide(pol, records(1), []backlog.Feature{pendingFeature("a")}, 1, validation)

	assert.False(t, decision.Stopped())
}

func TestDecide_StagnationOverFlatWindow(t *testing.T) {
	pol := policy.Default()
	pol.MaxNoProgressIterations = 3
	features := []backlog.Feature{pendingFeature("a")}

	decision := Decide(pol, records(2, 2, 2), features, 3, ValidationResult{})

	assert.Equal(t, StopStagnation, decision.Reason)
	assert.Equal(t, 3, decision.Iteration)
}

func TestDecide_ProgressInWindowResetsStagnation(t *testing.T) {
	pol := policy.Default()
	pol.MaxNoProgressIterations = 3

	decision := Decide(pol, records(2, 2, 3), []backlog.Feature{pendingFeature("a")}, 3, ValidationResult{})

	assert.False(t, decision.Stopped())
}

func TestDecide_StagnationBeforeIterationCap(t *testing.T) {
	pol := policy.Default()
	pol.MaxNoProgressIterations = 3
	pol.MaxIterationsPerRun = 3

	decision := Decide(pol, records(0, 0, 0), []backlog.Feature{pendingFeature("a")}, 3, ValidationResult{})

	assert.Equal(t, StopStagnation, decision.Reason)
}

func TestDecide_IterationCapIsPerRunBudget(t *testing.T) {
	pol := policy.Default()
	pol.MaxNoProgressIterations = 0
	pol.MaxIterationsPerRun = 25

	// A resumed workspace carries lifetime numbering from earlier sessions.
	history := records(0, 1)
	for i := range history {
		history[i].Number += 25
	}
	features := []backlog.Feature{pendingFeature("a")}

	decision := Decide(pol, history, features, 2, ValidationResult{})
	assert.False(t, decision.Stopped())

	decision = Decide(pol, history, features, 25, ValidationResult{})
	assert.Equal(t, StopMaxIterations, decision.Reason)
	assert.Equal(t, 27, decision.Iteration)
}

func TestDecide_MaxIterationsReached(t *testing.T) {
	pol := policy.Default()
	pol.MaxNoProgressIterations = 0
	pol.MaxIterationsPerRun = 2

	decision := Decide(pol, records(0, 1), []backlog.Feature{pendingFeature("a")}, 2, ValidationResult{})

	assert.Equal(t, StopMaxIterations, decision.Reason)
	assert.Equal(t, 2, decision.Iteration)
}
