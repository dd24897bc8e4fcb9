package main

import (
	"fmt"
	"time"

	"forgeloop/internal/backlog"
	"forgeloop/internal/browser"
	"forgeloop/internal/engine"
	"forgeloop/internal/gate"
	"forgeloop/internal/loop"
	"forgeloop/internal/policy"
	"forgeloop/internal/shell"
	"forgeloop/internal/team"
)

// deps wires the full component stack for one workspace.
type deps struct {
	pol     *policy.Config
	store   *backlog.Store
	history *backlog.History
	gate    *gate.Gate
	engine  *engine.Engine
	runner  *loop.Runner
}

// buildDeps loads policy and constructs every component against the
// workspace. The caller must Close when done.
func buildDeps() (*deps, error) {
	pol, err := policy.Load(workspace)
	if err != nil {
		return nil, err
	}
	if err := pol.Validate(); err != nil {
		return nil, err
	}

	store := backlog.NewStore(workspace, logger)
	history, err := backlog.OpenHistory(workspace, policy.StateDir)
	if err != nil {
		return nil, fmt.Errorf("open iteration history: %w", err)
	}

	var runner shell.Runner = shell.NewDirectRunner(time.Duration(pol.CommandTimeoutSeconds)*time.Second, logger)
	if dryRun {
		runner = shell.DryRunner{}
	}

	g := gate.New(store, pol, runner, logger)
	executor := team.NewExecutor(runner, pol, workspace, logger)
	eng := engine.New(workspace, store, history, pol, g, executor, runner, logger)

	var validator loop.Validator
	if pol.RequireBrowserValidationBeforeStop {
		validator = browser.StopValidator{
			Opts:   browser.Options{URL: pol.BrowserValidationURL, Backend: browser.BackendAuto, Headless: true},
			Logger: logger,
		}
	}
	loopRunner := loop.NewRunner(workspace, eng, store, history, pol, validator, logger)

	return &deps{
		pol:     pol,
		store:   store,
		history: history,
		gate:    g,
		engine:  eng,
		runner:  loopRunner,
	}, nil
}

func (d *deps) Close() {
	if d.history != nil {
		_ = d.history.Close()
	}
}
