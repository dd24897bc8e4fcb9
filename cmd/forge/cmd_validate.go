package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"forgeloop/internal/browser"
)

var (
	validateURL        string
	validateBackend    string
	validateStepsFile  string
	validateExpectText string
	validateHeadless   bool
	validateTimeout    int
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a running web surface",
	Long: `Fetches the given URL, runs scripted steps, and checks expected text.
Uses a real headless browser when one is installed, plain HTTP otherwise.`,
	RunE: runValidate,
}

func init() {
	validateCmd.Flags().StringVar(&validateURL, "url", "", "URL to validate")
	validateCmd.Flags().StringVar(&validateBackend, "backend", browser.BackendAuto, "validation backend: auto, http, or rod")
	validateCmd.Flags().StringVar(&validateStepsFile, "steps", "", "JSON file with scripted validation steps")
	validateCmd.Flags().StringVar(&validateExpectText, "expect-text", "", "text that must appear in the page")
	validateCmd.Flags().BoolVar(&validateHeadless, "headless", true, "run the browser headless")
	validateCmd.Flags().IntVar(&validateTimeout, "timeout", 30, "per-step timeout in seconds")
	_ = validateCmd.MarkFlagRequired("url")
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	report := browser.Validate(cmd.Context(), browser.Options{
		URL:            validateURL,
		Backend:        validateBackend,
		StepsFile:      validateStepsFile,
		ExpectText:     validateExpectText,
		Headless:       validateHeadless,
		TimeoutSeconds: validateTimeout,
	}, logger)

	for _, check := range report.Checks {
		fmt.Printf("  ok: %s\n", check)
	}
	for _, e := range report.Errors {
		fmt.Printf("  fail: %s\n", e)
	}
	fmt.Println(report.Message)
	if !report.Passed {
		return fmt.Errorf("validation failed for %s", report.URL)
	}
	return nil
}
