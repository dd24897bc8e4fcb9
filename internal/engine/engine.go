// Package engine drives one iteration at a time through the fixed state
// machine: gate, select, dispatch, record. It is the only writer of backlog
// state; dispatched teams work on feature copies and report back.
package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"forgeloop/internal/backlog"
	"forgeloop/internal/dispatch"
	"forgeloop/internal/gate"
	"forgeloop/internal/policy"
	"forgeloop/internal/shell"
	"forgeloop/internal/team"
)

// Options tune a single iteration. Zero values defer to policy defaults.
type Options struct {
	// Teams is the worker count for parallel iterations.
	Teams int
	// MaxFeatures caps the parallel batch size.
	MaxFeatures int
	// ForceUnsafe admits features without the parallel_safe flag. No conflict
	// detection happens; the caller accepts the risk.
	ForceUnsafe bool
	// Commit stages the loop artifacts and commits after the iteration.
	Commit bool
}

// Engine runs iterations against one workspace.
type Engine struct {
	workspace string
	store     *backlog.Store
	history   *backlog.History
	pol       *policy.Config
	gate      *gate.Gate
	teams     dispatch.FeatureRunner
	disp      *dispatch.Dispatcher
	runner    shell.Runner
	logger    *zap.Logger
}

func New(workspace string, store *backlog.Store, history *backlog.History, pol *policy.Config, g *gate.Gate, teams dispatch.FeatureRunner, runner shell.Runner, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		workspace: workspace,
		store:     store,
		history:   history,
		pol:       pol,
		gate:      g,
		teams:     teams,
		disp:      dispatch.New(teams, logger),
		runner:    runner,
		logger:    logger,
	}
}

// Initialize prepares a workspace: writes policy, an empty backlog when none
// exists, and the initial status files.
func (e *Engine) Initialize(objective string, zeroAsk *bool) (backlog.AgentStatus, error) {
	if zeroAsk != nil {
		e.pol.ZeroAsk = *zeroAsk
	}
	if _, err := os.Stat(filepath.Join(e.workspace, "tests")); os.IsNotExist(err) {
		e.pol.RunSmokeBeforeIter = false
		e.pol.SmokeTestCommand = ""
	}
	if err := policy.Save(e.workspace, e.pol); err != nil {
		return backlog.AgentStatus{}, err
	}

	status, err := e.store.LoadStatus(policy.StateDir)
	if err != nil {
		return backlog.AgentStatus{}, err
	}
	status.CurrentObjective = strings.TrimSpace(objective)
	status.InProgress = []string{"System initialized and ready for iteration 1."}
	status.NextSteps = []string{fmt.Sprintf("Add or review %s, then run `forge iterate`.", backlog.FeaturesFile)}
	status.LastCommandSummary = []string{fmt.Sprintf("Initialization completed. zero_ask=%t", e.pol.ZeroAsk)}
	status.LastTestSummary = "No tests executed yet."
	if err := e.store.SaveStatus(policy.StateDir, status); err != nil {
		return backlog.AgentStatus{}, err
	}

	if _, err := os.Stat(filepath.Join(e.workspace, backlog.FeaturesFile)); os.IsNotExist(err) {
		if err := e.store.SaveFeatures(nil); err != nil {
			return backlog.AgentStatus{}, err
		}
	}
	if err := e.store.AppendProgress(fmt.Sprintf("Initialized objective: %s (zero_ask=%t)", status.CurrentObjective, e.pol.ZeroAsk)); err != nil {
		return backlog.AgentStatus{}, err
	}
	return status, nil
}

// bootstrap collects lightweight session state to reduce context drift.
func (e *Engine) bootstrap(ctx context.Context, status backlog.AgentStatus, features []backlog.Feature) ([]string, []shell.Result) {
	pending := 0
	for _, f := range features {
		if f.Outstanding() {
			pending++
		}
	}
	notes := []string{
		fmt.Sprintf("cwd: %s", e.workspace),
		fmt.Sprintf("iteration: %d", status.Iteration),
		fmt.Sprintf("features: pending=%d, done=%d", pending, len(features)-pending),
	}
	if tail, err := e.store.ProgressTail(5); err == nil && len(tail) > 0 {
		notes = append(notes, fmt.Sprintf("progress_tail: %s", tail[len(tail)-1]))
	}

	var results []shell.Result
	if _, err := os.Stat(filepath.Join(e.workspace, ".git")); err == nil {
		results = append(results, e.runner.Run(ctx, shell.Command{
			Line:             "git log --oneline -5",
			WorkingDirectory: e.workspace,
			Phase:            "bootstrap",
		}))
	}
	return notes, results
}

// RunSingleIteration executes one gate-select-dispatch-record pass with a
// single team.
func (e *Engine) RunSingleIteration(ctx context.Context, opts Options) (backlog.IterationRecord, error) {
	status, features, err := e.loadState()
	if err != nil {
		return backlog.IterationRecord{}, err
	}
	notes, preflight := e.bootstrap(ctx, status, features)
	gateResult := e.gate.Evaluate(ctx)
	preflight = append(preflight, gateResult.CommandResults...)

	status.Iteration++
	number := status.Iteration

	if !gateResult.Passed {
		return e.recordGateFailure(number, status, features, gateResult, notes, preflight, "forge iterate")
	}

	eligible := dispatch.Eligible(features, true)
	if len(eligible) == 0 {
		return e.recordIdle(number, status, features, notes, preflight)
	}
	feature := eligible[0]
	status.InProgress = []string{fmt.Sprintf("Iteration %d: %s %s", number, feature.ID, feature.Description)}

	outcome := e.teams.Run(ctx, feature, "single")
	return e.record(ctx, number, status, features, []team.Outcome{outcome}, notes, preflight, opts)
}

// RunParallelIteration executes one pass dispatching a batch of features to
// concurrent teams.
func (e *Engine) RunParallelIteration(ctx context.Context, opts Options) (backlog.IterationRecord, error) {
	status, features, err := e.loadState()
	if err != nil {
		return backlog.IterationRecord{}, err
	}
	notes, preflight := e.bootstrap(ctx, status, features)
	gateResult := e.gate.Evaluate(ctx)
	preflight = append(preflight, gateResult.CommandResults...)

	status.Iteration++
	number := status.Iteration

	if !gateResult.Passed {
		return e.recordGateFailure(number, status, features, gateResult, notes, preflight, "forge iterate-parallel")
	}

	if !e.pol.EnableParallelTeams {
		status.InProgress = nil
		status.Blockers = append(status.Blockers, fmt.Sprintf("Iteration %d parallel: policy disabled parallel teams", number))
		status.NextSteps = []string{"Enable parallel mode in policy or use `forge iterate`."}
		status.LastCommandSummary = summaries(preflight)
		status.LastTestSummary = "Parallel iteration blocked by policy."
		rec := e.baseRecord(number, features, true, notes, preflight, nil)
		rec.Notes = "parallel mode disabled by policy"
		return rec, e.persistRecord(status, features, rec, fmt.Sprintf("Iteration %d parallel blocked: policy disabled", number))
	}

	teams := opts.Teams
	if teams <= 0 {
		teams = e.pol.DefaultParallelTeams
	}
	if teams < 1 {
		teams = 1
	}
	maxFeatures := opts.MaxFeatures
	if maxFeatures <= 0 {
		maxFeatures = e.pol.MaxParallelFeaturesPerIteration
	}
	if maxFeatures < 1 {
		maxFeatures = 1
	}

	candidates := dispatch.Eligible(features, true)
	if len(candidates) == 0 {
		return e.recordIdle(number, status, features, notes, preflight)
	}
	force := opts.ForceUnsafe || !e.pol.RequireParallelSafeFlag
	selected := dispatch.Eligible(features, force)
	if len(selected) == 0 {
		ids := make([]string, 0, len(candidates))
		for _, f := range candidates {
			ids = append(ids, f.ID)
		}
		status.InProgress = nil
		status.Blockers = append(status.Blockers,
			fmt.Sprintf("Iteration %d parallel: no selected features are parallel_safe (candidates=%s)", number, strings.Join(ids, ",")))
		status.NextSteps = []string{"Mark target features with parallel_safe=true or use --force-unsafe / single iterate mode."}
		status.LastCommandSummary = summaries(preflight)
		status.LastTestSummary = "Parallel iteration blocked by safety policy."
		rec := e.baseRecord(number, features, true, notes, preflight, nil)
		rec.Notes = "no parallel-safe features available"
		return rec, e.persistRecord(status, features, rec, fmt.Sprintf("Iteration %d parallel blocked: no parallel_safe features", number))
	}
	if len(selected) > maxFeatures {
		selected = selected[:maxFeatures]
	}

	inProgress := make([]string, 0, len(selected))
	for _, f := range selected {
		inProgress = append(inProgress, fmt.Sprintf("Iteration %d: %s %s", number, f.ID, f.Description))
	}
	status.InProgress = inProgress

	outcomes := e.disp.Dispatch(ctx, selected, maxFeatures, teams)
	return e.record(ctx, number, status, features, outcomes, notes, preflight, opts)
}

func (e *Engine) loadState() (backlog.AgentStatus, []backlog.Feature, error) {
	status, err := e.store.LoadStatus(policy.StateDir)
	if err != nil {
		return backlog.AgentStatus{}, nil, err
	}
	features, err := e.store.LoadFeatures()
	if err != nil {
		return backlog.AgentStatus{}, nil, err
	}
	return status, features, nil
}

// record is the single mutation point for backlog state: it applies all
// outcomes, persists features and status, and appends the iteration record.
func (e *Engine) record(ctx context.Context, number int, status backlog.AgentStatus, features []backlog.Feature, outcomes []team.Outcome, notes []string, preflight []shell.Result, opts Options) (backlog.IterationRecord, error) {
	now := time.Now().UTC()
	passedBefore := countPassed(features)

	attempted := make([]string, 0, len(outcomes))
	allResults := append([]shell.Result{}, preflight...)
	allPassed := true
	verified := false
	for _, outcome := range outcomes {
		attempted = append(attempted, outcome.FeatureID)
		allResults = append(allResults, outcome.CommandResults...)
		for _, res := range outcome.CommandResults {
			if strings.HasPrefix(res.Phase, "verify") {
				verified = true
			}
		}
		applyOutcome(features, outcome, now)
		if !outcome.Passed() {
			allPassed = false
			status.Blockers = append(status.Blockers, fmt.Sprintf("Iteration %d %s: %s", number, outcome.FeatureID, outcome.Detail))
		} else {
			status.Done = append(status.Done, fmt.Sprintf("Iteration %d: completed %s", number, outcome.FeatureID))
		}
	}

	status.InProgress = nil
	status.LastCommandSummary = summaries(allResults)
	if len(status.LastCommandSummary) == 0 {
		status.LastCommandSummary = []string{"No commands were configured for this iteration."}
	}
	switch {
	case allPassed && verified:
		status.LastTestSummary = "Quality gate and verification passed."
	case allPassed:
		status.LastTestSummary = "Quality gate passed; no verification command configured."
	case verified:
		status.LastTestSummary = "Quality gate passed; verification failed."
	default:
		status.LastTestSummary = "Quality gate passed; implementation failed before verification."
	}
	if next := dispatch.Eligible(features, true); len(next) > 0 {
		status.NextSteps = []string{fmt.Sprintf("Run next feature: %s - %s", next[0].ID, next[0].Description)}
	} else {
		status.NextSteps = []string{"All listed features now pass."}
	}

	rec := e.baseRecord(number, features, true, notes, allResults, attempted)
	rec.PassedDelta = countPassed(features) - passedBefore
	rec.Timestamp = now

	verdict := "passed"
	if !allPassed {
		verdict = "failed"
	}
	line := fmt.Sprintf("Iteration %d %s on %s", number, verdict, strings.Join(attempted, ","))
	if err := e.persistRecord(status, features, rec, line); err != nil {
		return rec, err
	}

	if opts.Commit || e.pol.GitCommitEnabled {
		e.commit(ctx, number, attempted, allPassed)
	}
	return rec, nil
}

// recordGateFailure finishes the iteration at the gate: no selection, no
// dispatch, the failure itself is the record.
func (e *Engine) recordGateFailure(number int, status backlog.AgentStatus, features []backlog.Feature, gateResult gate.Result, notes []string, preflight []shell.Result, retryCmd string) (backlog.IterationRecord, error) {
	status.InProgress = nil
	for _, reason := range gateResult.Reasons {
		status.Blockers = append(status.Blockers, fmt.Sprintf("Iteration %d preflight: %s", number, reason))
	}
	status.NextSteps = []string{fmt.Sprintf("Fix preflight blockers and rerun `%s`.", retryCmd)}
	status.LastCommandSummary = summaries(preflight)
	if len(status.LastCommandSummary) == 0 {
		status.LastCommandSummary = []string{"Preflight failed before running commands."}
	}
	status.LastTestSummary = "Quality gate failed before feature execution."

	rec := e.baseRecord(number, features, false, notes, preflight, nil)
	rec.Notes = fmt.Sprintf("quality gate failed (%s): %s", gateResult.Code, strings.Join(gateResult.Reasons, "; "))
	line := fmt.Sprintf("Iteration %d blocked by quality gate: %s", number, strings.Join(gateResult.Reasons, "; "))
	return rec, e.persistRecord(status, features, rec, line)
}

// recordIdle records an iteration with nothing to do. Not an error.
func (e *Engine) recordIdle(number int, status backlog.AgentStatus, features []backlog.Feature, notes []string, preflight []shell.Result) (backlog.IterationRecord, error) {
	status.InProgress = nil
	status.NextSteps = []string{"No pending features. Add new features to continue."}
	status.LastCommandSummary = summaries(preflight)
	if len(status.LastCommandSummary) == 0 {
		status.LastCommandSummary = []string{"No iteration executed: all features already pass."}
	}
	status.LastTestSummary = "Quality gate passed. No pending verification."

	rec := e.baseRecord(number, features, true, notes, preflight, nil)
	rec.Notes = "no pending features"
	line := fmt.Sprintf("Iteration %d skipped: no pending features", number)
	return rec, e.persistRecord(status, features, rec, line)
}

func (e *Engine) baseRecord(number int, features []backlog.Feature, gateOK bool, notes []string, results []shell.Result, attempted []string) backlog.IterationRecord {
	chars := 0
	for _, note := range notes {
		chars += len(note)
	}
	for _, res := range results {
		chars += len(res.Stdout) + len(res.Stderr)
	}
	return backlog.IterationRecord{
		Number:        number,
		Timestamp:     time.Now().UTC(),
		Attempted:     attempted,
		PassedTotal:   countPassed(features),
		TotalFeatures: len(features),
		GateOK:        gateOK,
		ContextChars:  chars,
	}
}

// persistRecord writes features, status, progress line, and the history row.
// Called exactly once per iteration.
func (e *Engine) persistRecord(status backlog.AgentStatus, features []backlog.Feature, rec backlog.IterationRecord, progressLine string) error {
	if err := e.store.SaveFeatures(features); err != nil {
		return err
	}
	if err := e.store.SaveStatus(policy.StateDir, status); err != nil {
		return err
	}
	if err := e.store.AppendProgress(progressLine); err != nil {
		return err
	}
	if err := e.history.Append(rec); err != nil {
		return err
	}
	e.logger.Info("iteration recorded",
		zap.Int("iteration", rec.Number),
		zap.Bool("gate_ok", rec.GateOK),
		zap.Strings("attempted", rec.Attempted),
		zap.Int("passed_total", rec.PassedTotal))
	return nil
}

// applyOutcome maps one team outcome onto the feature set. An actionless
// feature that never ran stays pending; it can never pass.
func applyOutcome(features []backlog.Feature, outcome team.Outcome, now time.Time) {
	for i := range features {
		if features[i].ID != outcome.FeatureID {
			continue
		}
		switch outcome.Status {
		case team.OutcomePassed:
			if err := features[i].MarkPassed(now); err != nil {
				features[i].MarkFailed(now)
			}
		case team.OutcomeBlocked:
			features[i].MarkBlocked(outcome.Detail, now)
		default:
			if len(outcome.CommandResults) > 0 {
				features[i].MarkFailed(now)
			}
		}
		return
	}
}

// commit stages the loop artifacts and commits. Failures never abort the
// iteration; they are noted in the progress log.
func (e *Engine) commit(ctx context.Context, number int, attempted []string, success bool) {
	prefix := "fix"
	if success {
		prefix = "feat"
	}
	subject := strings.Join(attempted, ",")
	if len(attempted) > 5 {
		subject = strings.Join(attempted[:5], ",") + ",..."
	}
	message := fmt.Sprintf("%s: iteration %d processed %s", prefix, number, subject)

	commands := []string{
		fmt.Sprintf("git add %s %s %s", backlog.StatusFile, backlog.FeaturesFile, backlog.ProgressFile),
		fmt.Sprintf("git commit -m %q", message),
	}
	for _, line := range commands {
		res := e.runner.Run(ctx, shell.Command{Line: line, WorkingDirectory: e.workspace, Phase: "commit"})
		if !res.OK() {
			_ = e.store.AppendProgress(fmt.Sprintf("Git command failed: %s :: %s", line, strings.TrimSpace(res.Output())))
			return
		}
	}
}

func countPassed(features []backlog.Feature) int {
	n := 0
	for _, f := range features {
		if f.Status == backlog.StatusPassed {
			n++
		}
	}
	return n
}

func summaries(results []shell.Result) []string {
	out := make([]string, 0, len(results))
	for _, res := range results {
		out = append(out, res.Summary())
	}
	return out
}
