package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	initZeroAsk bool
)

var initCmd = &cobra.Command{
	Use:   "init [objective]",
	Short: "Initialize a workspace for the build loop",
	Long: `Writes the default policy, an empty feature list, and the initial
status files into the workspace.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initZeroAsk, "zero-ask", true, "never ask interactive questions; use deterministic fallbacks")
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	d, err := buildDeps()
	if err != nil {
		return err
	}
	defer d.Close()

	objective := strings.Join(args, " ")
	status, err := d.engine.Initialize(objective, &initZeroAsk)
	if err != nil {
		return err
	}
	logger.Info("workspace initialized",
		zap.String("workspace", workspace),
		zap.String("objective", status.CurrentObjective))
	fmt.Printf("Initialized workspace %s\nObjective: %s\n", workspace, status.CurrentObjective)
	return nil
}
