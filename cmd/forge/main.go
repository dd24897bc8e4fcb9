// Package main implements the forge CLI: an autonomous feature-driven build
// loop over a backlog of shell-verifiable features.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Global flags
	verbose   bool
	workspace string
	dryRun    bool

	// Logger
	logger *zap.Logger
)

// stopError carries a non-success verdict (stop decision, failed iteration,
// failed quality gate) to the exit-code mapping. It is reported state, not a
// usage or config failure.
type stopError struct {
	msg string
}

func (e stopError) Error() string { return e.msg }

var rootCmd = &cobra.Command{
	Use:   "forge",
	Short: "forge - autonomous feature-driven build loop",
	Long: `forge drives a backlog of features through repeated iterations:
quality gate, feature selection, team execution, and recorded outcomes,
until every feature passes or a stop condition fires.

State lives in the workspace: feature_list.json, AGENT_STATUS.md,
progress.log, and the .forge/ directory.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		config := zap.NewProductionConfig()
		if verbose {
			config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = config.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", ".", "project workspace root")
	rootCmd.PersistentFlags().BoolVar(&dryRun, "dry-run", false, "skip real command execution")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		var stop stopError
		if errors.As(err, &stop) {
			fmt.Fprintln(os.Stderr, err.Error())
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
