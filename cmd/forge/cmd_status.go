package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"forgeloop/internal/policy"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current loop status and recent iterations",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	d, err := buildDeps()
	if err != nil {
		return err
	}
	defer d.Close()

	status, err := d.store.LoadStatus(policy.StateDir)
	if err != nil {
		return err
	}
	fmt.Print(status.Markdown())

	records, err := d.history.Tail(5)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}
	fmt.Println("\n## Recent Iterations")
	fmt.Println()
	for _, rec := range records {
		line := fmt.Sprintf("- %d: gate=%t passed=%d/%d", rec.Number, rec.GateOK, rec.PassedTotal, rec.TotalFeatures)
		if rec.Notes != "" {
			line += " " + rec.Notes
		}
		fmt.Println(line)
	}
	return nil
}
