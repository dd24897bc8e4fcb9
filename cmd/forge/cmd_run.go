package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"forgeloop/internal/loop"
)

var (
	runMode          string
	runMaxIterations int
	runTeams         int
	runMaxFeatures   int
	runForceUnsafe   bool
	runCommit        bool
)

var runProjectCmd = &cobra.Command{
	Use:   "run-project",
	Short: "Drive iterations until a stop condition fires",
	Long: `Repeats iterations until one of the terminal conditions is reached:
quality gate failure, all features passed, failed external validation,
stagnation, or the iteration cap. Exits 0 only when every feature passed.`,
	RunE: runProject,
}

func init() {
	runProjectCmd.Flags().StringVar(&runMode, "mode", "single", "iteration mode: single or parallel")
	runProjectCmd.Flags().IntVar(&runMaxIterations, "max-iterations", 0, "iteration cap override (default from policy)")
	runProjectCmd.Flags().IntVar(&runTeams, "teams", 0, "concurrent team count for parallel mode")
	runProjectCmd.Flags().IntVar(&runMaxFeatures, "max-features", 0, "batch size cap for parallel mode")
	runProjectCmd.Flags().BoolVar(&runForceUnsafe, "force-unsafe", false, "dispatch features without the parallel_safe flag; no conflict detection")
	runProjectCmd.Flags().BoolVar(&runCommit, "commit", false, "commit loop artifacts after each iteration")
	rootCmd.AddCommand(runProjectCmd)
}

func runProject(cmd *cobra.Command, args []string) error {
	d, err := buildDeps()
	if err != nil {
		return err
	}
	defer d.Close()

	mode := loop.ModeSingle
	if runMode == string(loop.ModeParallel) {
		mode = loop.ModeParallel
	}
	decision, err := d.runner.Run(cmd.Context(), loop.RunOptions{
		Mode:          mode,
		MaxIterations: runMaxIterations,
		Teams:         runTeams,
		MaxFeatures:   runMaxFeatures,
		ForceUnsafe:   runForceUnsafe,
		Commit:        runCommit,
	})
	if err != nil {
		return err
	}

	logger.Info("project run finished",
		zap.String("reason", string(decision.Reason)),
		zap.Int("iteration", decision.Iteration))
	fmt.Printf("Stopped: %s at iteration %d\n", decision.Reason, decision.Iteration)
	if decision.Detail != "" {
		fmt.Printf("Detail: %s\n", decision.Detail)
	}
	if !decision.Success() {
		return stopError{msg: fmt.Sprintf("run stopped: %s at iteration %d", decision.Reason, decision.Iteration)}
	}
	return nil
}
