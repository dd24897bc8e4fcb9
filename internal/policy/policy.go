// Package policy holds the process-wide configuration for a forgeloop run.
// A Config is loaded once per invocation and passed by pointer into every
// component constructor; nothing mutates it after Load.
package policy

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrConfig marks fatal configuration problems. A run never starts when the
// policy or backlog fails to load; everything else is recovered per iteration.
var ErrConfig = errors.New("invalid policy config")

// StateDir is the per-workspace directory for loop state.
const StateDir = ".forge"

// policyFile is the on-disk policy location inside StateDir.
const policyFile = "policy.json"

// Config is the full policy for one project loop invocation.
type Config struct {
	// Quality gate
	RequiredContextFiles []string `json:"required_context_files"`
	HardBlockerPatterns  []string `json:"hard_blocker_patterns"`
	BlockerScanTailLines int      `json:"blocker_scan_tail_lines"`
	SmokeTestCommand     string   `json:"smoke_test_command"`
	RunSmokeBeforeIter   bool     `json:"run_smoke_before_iteration"`
	SmokeTimeoutSeconds  int      `json:"smoke_timeout_seconds"`

	// Team execution
	RetryFailedCommandsOnce bool `json:"retry_failed_commands_once"`
	CommandTimeoutSeconds   int  `json:"command_timeout_seconds"`

	// Backlog behavior
	ZeroAsk                        bool `json:"zero_ask"`
	AutoResolveDuplicateFeatureIDs bool `json:"auto_resolve_duplicate_feature_ids"`

	// Parallel dispatch
	EnableParallelTeams             bool `json:"enable_parallel_teams"`
	DefaultParallelTeams            int  `json:"default_parallel_teams"`
	MaxParallelFeaturesPerIteration int  `json:"max_parallel_features_per_iteration"`
	RequireParallelSafeFlag         bool `json:"require_parallel_safe_flag"`

	// Stop decisions
	StopOnQualityGateFailure           bool   `json:"stop_on_quality_gate_failure"`
	RequireBrowserValidationBeforeStop bool   `json:"require_browser_validation_before_stop"`
	BrowserValidationURL               string `json:"browser_validation_url,omitempty"`
	MaxNoProgressIterations            int    `json:"max_no_progress_iterations"`
	MaxIterationsPerRun                int    `json:"max_iterations_per_run"`

	// Handoff monitor
	HandoffAfterIterations        int `json:"handoff_after_iterations"`
	HandoffOnNoProgressIterations int `json:"handoff_on_no_progress_iterations"`
	HandoffContextCharThreshold   int `json:"handoff_context_char_threshold"`
	HandoffMaxTailLines           int `json:"handoff_max_tail_lines"`

	// Record phase
	GitCommitEnabled bool `json:"git_commit_enabled"`
}

// Default returns the policy used when no policy.json exists yet.
func Default() *Config {
	return &Config{
		RequiredContextFiles: []string{"feature_list.json", "AGENT_STATUS.md"},
		HardBlockerPatterns: []string{
			"permission denied",
			"authentication required",
			"invalid credentials",
			"rate limit exceeded",
			"quota exceeded",
		},
		BlockerScanTailLines:            20,
		RunSmokeBeforeIter:              true,
		SmokeTimeoutSeconds:             300,
		RetryFailedCommandsOnce:         true,
		CommandTimeoutSeconds:           120,
		ZeroAsk:                         true,
		AutoResolveDuplicateFeatureIDs:  true,
		EnableParallelTeams:             true,
		DefaultParallelTeams:            2,
		MaxParallelFeaturesPerIteration: 4,
		RequireParallelSafeFlag:         true,
		StopOnQualityGateFailure:        true,
		MaxNoProgressIterations:         3,
		MaxIterationsPerRun:             25,
		HandoffAfterIterations:          10,
		HandoffOnNoProgressIterations:   5,
		HandoffContextCharThreshold:     200_000,
		HandoffMaxTailLines:             20,
	}
}

// Load reads policy.json from the workspace state dir, falling back to
// defaults when the file does not exist.
func Load(workspace string) (*Config, error) {
	path := filepath.Join(workspace, StateDir, policyFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("%w: reading %s: %v", ErrConfig, path, err)
	}

	cfg := Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: parsing %s: %v", ErrConfig, path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the policy to the workspace state dir, creating it if needed.
func Save(workspace string, cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	dir := filepath.Join(workspace, StateDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating state dir: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding policy: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, policyFile), append(data, '\n'), 0644)
}

// Validate rejects configurations the loop cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.CommandTimeoutSeconds <= 0:
		return fmt.Errorf("%w: command_timeout_seconds must be positive, got %d", ErrConfig, c.CommandTimeoutSeconds)
	case c.SmokeTimeoutSeconds <= 0:
		return fmt.Errorf("%w: smoke_timeout_seconds must be positive, got %d", ErrConfig, c.SmokeTimeoutSeconds)
	case c.DefaultParallelTeams < 1:
		return fmt.Errorf("%w: default_parallel_teams must be >= 1, got %d", ErrConfig, c.DefaultParallelTeams)
	case c.MaxParallelFeaturesPerIteration < 1:
		return fmt.Errorf("%w: max_parallel_features_per_iteration must be >= 1, got %d", ErrConfig, c.MaxParallelFeaturesPerIteration)
	case c.MaxNoProgressIterations < 1:
		return fmt.Errorf("%w: max_no_progress_iterations must be >= 1, got %d", ErrConfig, c.MaxNoProgressIterations)
	case c.MaxIterationsPerRun < 1:
		return fmt.Errorf("%w: max_iterations_per_run must be >= 1, got %d", ErrConfig, c.MaxIterationsPerRun)
	case c.BlockerScanTailLines < 1:
		return fmt.Errorf("%w: blocker_scan_tail_lines must be >= 1, got %d", ErrConfig, c.BlockerScanTailLines)
	case c.HandoffMaxTailLines < 1:
		return fmt.Errorf("%w: handoff_max_tail_lines must be >= 1, got %d", ErrConfig, c.HandoffMaxTailLines)
	case c.RequireBrowserValidationBeforeStop && c.BrowserValidationURL == "":
		return fmt.Errorf("%w: browser_validation_url is required when require_browser_validation_before_stop is set", ErrConfig)
	}
	return nil
}
