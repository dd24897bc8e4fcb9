package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"forgeloop/internal/backlog"
)

var (
	featureDescription  string
	featureCategory     string
	featurePriority     int
	featureParallelSafe bool
	featureImpl         []string
	featureVerify       string
)

var featureCmd = &cobra.Command{
	Use:   "feature",
	Short: "Manage the feature backlog",
}

var featureAddCmd = &cobra.Command{
	Use:   "add [id]",
	Short: "Add one feature to the backlog",
	Args:  cobra.ExactArgs(1),
	RunE:  runFeatureAdd,
}

var featureImportCmd = &cobra.Command{
	Use:   "import [file]",
	Short: "Import features from a JSON or YAML file",
	Args:  cobra.ExactArgs(1),
	RunE:  runFeatureImport,
}

var featureListCmd = &cobra.Command{
	Use:   "list",
	Short: "List backlog features and their status",
	RunE:  runFeatureList,
}

func init() {
	featureAddCmd.Flags().StringVarP(&featureDescription, "description", "d", "", "feature description")
	featureAddCmd.Flags().StringVar(&featureCategory, "category", "functional", "feature category")
	featureAddCmd.Flags().IntVarP(&featurePriority, "priority", "p", 100, "selection priority, lower runs first")
	featureAddCmd.Flags().BoolVar(&featureParallelSafe, "parallel-safe", false, "admit into concurrent dispatch")
	featureAddCmd.Flags().StringArrayVar(&featureImpl, "impl", nil, "implementation command, repeatable")
	featureAddCmd.Flags().StringVar(&featureVerify, "verify", "", "verification command")

	featureCmd.AddCommand(featureAddCmd, featureImportCmd, featureListCmd)
	rootCmd.AddCommand(featureCmd)
}

func runFeatureAdd(cmd *cobra.Command, args []string) error {
	d, err := buildDeps()
	if err != nil {
		return err
	}
	defer d.Close()

	autoResolve := d.pol.ZeroAsk && d.pol.AutoResolveDuplicateFeatureIDs
	added, err := d.store.Add(backlog.Feature{
		ID:                     args[0],
		Description:            featureDescription,
		Category:               featureCategory,
		Priority:               featurePriority,
		ParallelSafe:           featureParallelSafe,
		ImplementationCommands: featureImpl,
		VerificationCommand:    featureVerify,
	}, autoResolve)
	if err != nil {
		return err
	}
	fmt.Printf("Added feature %s\n", added.ID)
	return nil
}

func runFeatureImport(cmd *cobra.Command, args []string) error {
	d, err := buildDeps()
	if err != nil {
		return err
	}
	defer d.Close()

	autoResolve := d.pol.ZeroAsk && d.pol.AutoResolveDuplicateFeatureIDs
	added, err := d.store.ImportFile(args[0], autoResolve)
	if err != nil {
		return err
	}
	fmt.Printf("Imported %d features from %s\n", len(added), args[0])
	return nil
}

func runFeatureList(cmd *cobra.Command, args []string) error {
	d, err := buildDeps()
	if err != nil {
		return err
	}
	defer d.Close()

	features, err := d.store.LoadFeatures()
	if err != nil {
		return err
	}
	if len(features) == 0 {
		fmt.Println("No features in the backlog.")
		return nil
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tPRIORITY\tSAFE\tDESCRIPTION")
	for _, f := range features {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%t\t%s\n", f.ID, f.Status, f.Priority, f.ParallelSafe, f.Description)
	}
	return tw.Flush()
}
