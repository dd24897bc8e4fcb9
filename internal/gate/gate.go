// Package gate implements the pre-iteration quality gate. The gate is
// advisory: it never mutates state beyond running the configured smoke
// command, and the iteration engine decides what to do with a failure.
package gate

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"forgeloop/internal/backlog"
	"forgeloop/internal/policy"
	"forgeloop/internal/shell"
)

// Failure category codes, in check order. The first failing category
// short-circuits the remaining checks; reasons within a category are all
// collected.
const (
	CodeMissingContext  = "missing_context"
	CodeBlockerDetected = "blocker_detected"
	CodeSmokeFailed     = "smoke_failed"
)

// Result is the gate verdict. Checks holds the positive observations,
// Reasons the failures of the first failing category.
type Result struct {
	Passed         bool           `json:"passed"`
	Code           string         `json:"code,omitempty"`
	Checks         []string       `json:"checks"`
	Reasons        []string       `json:"reasons,omitempty"`
	CommandResults []shell.Result `json:"command_results,omitempty"`
}

// Gate runs the fixed pre-flight check sequence.
type Gate struct {
	store  *backlog.Store
	pol    *policy.Config
	runner shell.Runner
	logger *zap.Logger
}

// New builds a gate over the given store and policy. The runner executes the
// smoke command; pass shell.DryRunner for dry runs.
func New(store *backlog.Store, pol *policy.Config, runner shell.Runner, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{store: store, pol: pol, runner: runner, logger: logger}
}

// Evaluate runs the check sequence. It is idempotent for unchanged state:
// the same workspace and policy yield the same result.
func (g *Gate) Evaluate(ctx context.Context) Result {
	res := Result{Passed: true}

	if reasons := g.checkContext(&res); len(reasons) > 0 {
		return fail(res, CodeMissingContext, reasons)
	}
	if reasons := g.checkBlockers(&res); len(reasons) > 0 {
		return fail(res, CodeBlockerDetected, reasons)
	}
	if reasons := g.checkSmoke(ctx, &res); len(reasons) > 0 {
		return fail(res, CodeSmokeFailed, reasons)
	}

	g.logger.Debug("quality gate passed", zap.Int("checks", len(res.Checks)))
	return res
}

func fail(res Result, code string, reasons []string) Result {
	res.Passed = false
	res.Code = code
	res.Reasons = reasons
	return res
}

// checkContext verifies required artifacts exist and the backlog is coherent.
func (g *Gate) checkContext(res *Result) []string {
	var reasons []string

	for _, required := range g.pol.RequiredContextFiles {
		path := filepath.Join(g.store.Workspace(), required)
		if _, err := os.Stat(path); err == nil {
			res.Checks = append(res.Checks, "required file present: "+required)
		} else {
			reasons = append(reasons, "required file missing: "+required)
		}
	}

	features, err := g.store.LoadFeatures()
	if err != nil {
		reasons = append(reasons, "backlog unreadable: "+err.Error())
		return reasons
	}

	seen := make(map[string]bool, len(features))
	duplicates := false
	for _, f := range features {
		if seen[f.ID] {
			duplicates = true
		}
		seen[f.ID] = true
	}
	if duplicates {
		reasons = append(reasons, "feature_list.json contains duplicate feature ids")
	} else {
		res.Checks = append(res.Checks, "feature ids are unique")
	}

	status, err := g.store.LoadStatus(policy.StateDir)
	if err != nil {
		reasons = append(reasons, "status unreadable: "+err.Error())
		return reasons
	}
	if len(status.InProgress) > 0 && status.Iteration > 0 {
		reasons = append(reasons, "status has stale in-progress entries from a previous run (possible interrupted iteration)")
	} else {
		res.Checks = append(res.Checks, "status has no stale in-progress entries")
	}

	return reasons
}

// checkBlockers scans the progress tail for hard-blocker markers.
func (g *Gate) checkBlockers(res *Result) []string {
	tail, err := g.store.ProgressTail(g.pol.BlockerScanTailLines)
	if err != nil {
		return []string{"progress log unreadable: " + err.Error()}
	}

	var reasons []string
	for _, pattern := range g.pol.HardBlockerPatterns {
		lower := strings.ToLower(pattern)
		for _, line := range tail {
			if strings.Contains(strings.ToLower(line), lower) {
				reasons = append(reasons, "hard blocker in progress log: "+pattern)
				break
			}
		}
	}
	if len(reasons) == 0 {
		res.Checks = append(res.Checks, "no hard-blocker markers in progress tail")
	}
	return reasons
}

// checkSmoke runs the configured smoke command. Missing test corpus disables
// the check rather than failing it.
func (g *Gate) checkSmoke(ctx context.Context, res *Result) []string {
	if !g.pol.RunSmokeBeforeIter || g.pol.SmokeTestCommand == "" {
		res.Checks = append(res.Checks, "smoke test disabled by policy")
		return nil
	}
	if _, err := os.Stat(filepath.Join(g.store.Workspace(), "tests")); os.IsNotExist(err) {
		res.Checks = append(res.Checks, "smoke test skipped: no test corpus")
		return nil
	}

	result := g.runner.Run(ctx, shell.Command{
		Line:             g.pol.SmokeTestCommand,
		WorkingDirectory: g.store.Workspace(),
		Timeout:          time.Duration(g.pol.SmokeTimeoutSeconds) * time.Second,
		Phase:            "quality-gate",
	})
	res.CommandResults = append(res.CommandResults, result)

	if !result.OK() {
		return []string{fmt.Sprintf("smoke test failed: %s", result.Summary())}
	}
	res.Checks = append(res.Checks, "smoke test passed")
	return nil
}
