package loop

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"forgeloop/internal/backlog"
	"forgeloop/internal/engine"
	"forgeloop/internal/policy"
)

// Mode selects how each iteration dispatches features.
type Mode string

const (
	ModeSingle   Mode = "single"
	ModeParallel Mode = "parallel"
)

// Validator produces the external validation verdict consumed by the stop
// decision. The loop passes the result in; it never drives validation itself.
type Validator interface {
	Validate(ctx context.Context) ValidationResult
}

// RunOptions tune one project run.
type RunOptions struct {
	Mode Mode
	// MaxIterations overrides the policy iteration cap when positive.
	MaxIterations int
	Teams         int
	MaxFeatures   int
	ForceUnsafe   bool
	Commit        bool
}

// Runner repeats iterations until the stop decision fires. Iterations are
// strictly sequential; cancellation is honored only between iterations so a
// record phase is never left half-written.
type Runner struct {
	workspace string
	engine    *engine.Engine
	store     *backlog.Store
	history   *backlog.History
	pol       *policy.Config
	validator Validator
	logger    *zap.Logger
}

func NewRunner(workspace string, eng *engine.Engine, store *backlog.Store, history *backlog.History, pol *policy.Config, validator Validator, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		workspace: workspace,
		engine:    eng,
		store:     store,
		history:   history,
		pol:       pol,
		validator: validator,
		logger:    logger,
	}
}

// Run drives iterations until a terminal stop reason is reached. Only
// configuration or persistence errors are returned; feature failures are
// recorded state, not errors.
func (r *Runner) Run(ctx context.Context, opts RunOptions) (StopDecision, error) {
	pol := *r.pol
	if opts.MaxIterations > 0 {
		pol.MaxIterationsPerRun = opts.MaxIterations
	}
	iterOpts := engine.Options{
		Teams:       opts.Teams,
		MaxFeatures: opts.MaxFeatures,
		ForceUnsafe: opts.ForceUnsafe,
		Commit:      opts.Commit,
	}
	monitor := NewMonitor(&pol)

	performed := 0
	for {
		var (
			rec backlog.IterationRecord
			err error
		)
		if opts.Mode == ModeParallel {
			rec, err = r.engine.RunParallelIteration(ctx, iterOpts)
		} else {
			rec, err = r.engine.RunSingleIteration(ctx, iterOpts)
		}
		if err != nil {
			return StopDecision{}, err
		}
		performed++

		if trigger, fired := monitor.Observe(rec); fired {
			r.handoff(trigger, rec.Number)
		}

		history, err := r.history.Records()
		if err != nil {
			return StopDecision{}, err
		}
		features, err := r.store.LoadFeatures()
		if err != nil {
			return StopDecision{}, err
		}

		validation := ValidationResult{}
		if pol.RequireBrowserValidationBeforeStop && r.validator != nil {
			validation = r.validator.Validate(ctx)
		}

		if decision := Decide(&pol, history, features, performed, validation); decision.Stopped() {
			if err := r.history.MarkStop(decision.Iteration, string(decision.Reason)); err != nil {
				return decision, err
			}
			line := fmt.Sprintf("Run stopped: %s at iteration %d", decision.Reason, decision.Iteration)
			if err := r.store.AppendProgress(line); err != nil {
				return decision, err
			}
			r.logger.Info("project loop stopped",
				zap.String("reason", string(decision.Reason)),
				zap.Int("iteration", decision.Iteration))
			return decision, nil
		}

		// Honor cancellation between iterations, never mid-record.
		if err := ctx.Err(); err != nil {
			return StopDecision{}, err
		}
	}
}

// handoff writes an advisory snapshot. Snapshot errors never stop the loop.
func (r *Runner) handoff(trigger string, iteration int) {
	snap, err := BuildSnapshot(r.store, r.pol, trigger, iteration)
	if err == nil {
		err = snap.Write(r.workspace)
	}
	if err != nil {
		r.logger.Warn("handoff snapshot failed", zap.Error(err))
		return
	}
	_ = r.store.AppendProgress(fmt.Sprintf("Handoff snapshot written (trigger=%s, id=%s)", trigger, snap.ID))
	r.logger.Info("handoff snapshot written",
		zap.String("trigger", trigger),
		zap.String("id", snap.ID),
		zap.Int("iteration", iteration))
}
