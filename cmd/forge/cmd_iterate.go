package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"forgeloop/internal/backlog"
	"forgeloop/internal/engine"
)

var (
	iterCommit      bool
	iterTeams       int
	iterMaxFeatures int
	iterForceUnsafe bool
)

var iterateCmd = &cobra.Command{
	Use:   "iterate",
	Short: "Run one single-team iteration",
	RunE:  runIterate,
}

var iterateParallelCmd = &cobra.Command{
	Use:   "iterate-parallel",
	Short: "Run one iteration dispatching a batch of features to concurrent teams",
	RunE:  runIterateParallel,
}

var qualityGateCmd = &cobra.Command{
	Use:   "quality-gate",
	Short: "Evaluate the pre-flight quality gate without iterating",
	RunE:  runQualityGate,
}

func init() {
	for _, c := range []*cobra.Command{iterateCmd, iterateParallelCmd} {
		c.Flags().BoolVar(&iterCommit, "commit", false, "commit loop artifacts after the iteration")
	}
	iterateParallelCmd.Flags().IntVar(&iterTeams, "teams", 0, "concurrent team count (default from policy)")
	iterateParallelCmd.Flags().IntVar(&iterMaxFeatures, "max-features", 0, "batch size cap (default from policy)")
	iterateParallelCmd.Flags().BoolVar(&iterForceUnsafe, "force-unsafe", false, "dispatch features without the parallel_safe flag; no conflict detection")

	rootCmd.AddCommand(iterateCmd, iterateParallelCmd, qualityGateCmd)
}

func runIterate(cmd *cobra.Command, args []string) error {
	d, err := buildDeps()
	if err != nil {
		return err
	}
	defer d.Close()

	rec, err := d.engine.RunSingleIteration(cmd.Context(), engine.Options{Commit: iterCommit})
	if err != nil {
		return err
	}
	printRecord(rec.Number, rec.GateOK, rec.Attempted, rec.PassedDelta, rec.Notes)
	return iterationVerdict(rec)
}

func runIterateParallel(cmd *cobra.Command, args []string) error {
	d, err := buildDeps()
	if err != nil {
		return err
	}
	defer d.Close()

	rec, err := d.engine.RunParallelIteration(cmd.Context(), engine.Options{
		Teams:       iterTeams,
		MaxFeatures: iterMaxFeatures,
		ForceUnsafe: iterForceUnsafe,
		Commit:      iterCommit,
	})
	if err != nil {
		return err
	}
	printRecord(rec.Number, rec.GateOK, rec.Attempted, rec.PassedDelta, rec.Notes)
	return iterationVerdict(rec)
}

func runQualityGate(cmd *cobra.Command, args []string) error {
	d, err := buildDeps()
	if err != nil {
		return err
	}
	defer d.Close()

	result := d.gate.Evaluate(cmd.Context())
	for _, check := range result.Checks {
		fmt.Printf("  ok: %s\n", check)
	}
	for _, reason := range result.Reasons {
		fmt.Printf("  fail: %s\n", reason)
	}
	if !result.Passed {
		logger.Warn("quality gate failed", zap.String("code", result.Code))
		return stopError{msg: fmt.Sprintf("quality gate failed (%s)", result.Code)}
	}
	fmt.Println("Quality gate passed.")
	return nil
}

// iterationVerdict maps a recorded iteration to the exit-code contract: a
// gate failure or an attempted feature that did not pass exits 2, like a
// non-success project stop.
func iterationVerdict(rec backlog.IterationRecord) error {
	if !rec.GateOK {
		return stopError{msg: fmt.Sprintf("iteration %d blocked by quality gate", rec.Number)}
	}
	if rec.PassedDelta < len(rec.Attempted) {
		return stopError{msg: fmt.Sprintf("iteration %d failed on %s", rec.Number, strings.Join(rec.Attempted, ", "))}
	}
	return nil
}

func printRecord(number int, gateOK bool, attempted []string, passedDelta int, notes string) {
	fmt.Printf("Iteration %d\n", number)
	fmt.Printf("  gate: %t\n", gateOK)
	if len(attempted) > 0 {
		fmt.Printf("  attempted: %s\n", strings.Join(attempted, ", "))
	}
	fmt.Printf("  newly passed: %d\n", passedDelta)
	if notes != "" {
		fmt.Printf("  notes: %s\n", notes)
	}
}
