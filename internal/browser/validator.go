// Package browser validates a running web surface after the backlog claims
// completion: fetch a page, execute scripted steps, and check expected text.
// Two backends exist: a plain HTTP fetch and a real headless browser.
package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-rod/rod/lib/launcher"
	"go.uber.org/zap"

	"forgeloop/internal/loop"
	"forgeloop/internal/shell"
)

// Backend names accepted in Options.Backend.
const (
	BackendAuto = "auto"
	BackendHTTP = "http"
	BackendRod  = "rod"
)

// Step is one scripted validation action, loaded from a JSON steps file.
// The HTTP backend only understands expect_text; the rod backend supports
// navigation and interaction actions as well.
type Step struct {
	Action   string  `json:"action"`
	Selector string  `json:"selector,omitempty"`
	Value    string  `json:"value,omitempty"`
	URL      string  `json:"url,omitempty"`
	Path     string  `json:"path,omitempty"`
	Seconds  float64 `json:"seconds,omitempty"`
}

// Options configure one validation run.
type Options struct {
	URL            string
	Backend        string
	StepsFile      string
	ExpectText     string
	Headless       bool
	TimeoutSeconds int
}

// Report is the validation verdict with per-check detail.
type Report struct {
	Passed         bool           `json:"passed"`
	Backend        string         `json:"backend"`
	URL            string         `json:"url"`
	Message        string         `json:"message"`
	Checks         []string       `json:"checks"`
	Errors         []string       `json:"errors,omitempty"`
	CommandResults []shell.Result `json:"command_results,omitempty"`
}

// Validate runs one validation pass against opts.URL.
func Validate(ctx context.Context, opts Options, logger *zap.Logger) Report {
	if logger == nil {
		logger = zap.NewNop()
	}
	backend := resolveBackend(opts.Backend)
	if opts.TimeoutSeconds <= 0 {
		opts.TimeoutSeconds = 30
	}

	steps, err := loadSteps(opts.StepsFile)
	if err != nil {
		return Report{
			Backend: backend,
			URL:     opts.URL,
			Message: "Could not load steps file.",
			Errors:  []string{err.Error()},
		}
	}

	logger.Info("browser validation starting",
		zap.String("backend", backend),
		zap.String("url", opts.URL),
		zap.Int("steps", len(steps)))

	var report Report
	if backend == BackendRod {
		report = validateRod(ctx, opts, steps)
	} else {
		report = validateHTTP(ctx, opts, steps)
	}
	logger.Info("browser validation finished",
		zap.Bool("passed", report.Passed),
		zap.Int("checks", len(report.Checks)),
		zap.Int("errors", len(report.Errors)))
	return report
}

// resolveBackend maps auto to the richest backend available: the real
// browser when a chromium binary is installed, plain HTTP otherwise.
func resolveBackend(backend string) string {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case BackendHTTP:
		return BackendHTTP
	case BackendRod:
		return BackendRod
	default:
		if _, found := launcher.LookPath(); found {
			return BackendRod
		}
		return BackendHTTP
	}
}

func loadSteps(path string) ([]Step, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read steps file: %w", err)
	}
	var steps []Step
	if err := json.Unmarshal(data, &steps); err != nil {
		return nil, fmt.Errorf("parse steps file: %w", err)
	}
	return steps, nil
}

// validateHTTP fetches the page body once and runs text expectations against
// it. Interaction steps are skipped with a note; no automation channel exists.
func validateHTTP(ctx context.Context, opts Options, steps []Step) Report {
	report := Report{Backend: BackendHTTP, URL: opts.URL}
	started := time.Now()

	reqCtx, cancel := context.WithTimeout(ctx, time.Duration(opts.TimeoutSeconds)*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, opts.URL, nil)
	if err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("build request: %v", err))
	}
	var body string
	if err == nil {
		resp, reqErr := http.DefaultClient.Do(req)
		if reqErr != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("fetch failed: %v", reqErr))
		} else {
			raw, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			body = string(raw)
			if resp.StatusCode >= 400 {
				report.Errors = append(report.Errors, fmt.Sprintf("http status %d", resp.StatusCode))
			} else {
				report.Checks = append(report.Checks, fmt.Sprintf("fetched %s (status %d)", opts.URL, resp.StatusCode))
			}
		}
	}

	for _, step := range steps {
		switch strings.ToLower(step.Action) {
		case "expect_text":
			if strings.Contains(body, step.Value) {
				report.Checks = append(report.Checks, "step expect_text passed: "+step.Value)
			} else {
				report.Errors = append(report.Errors, "step expect_text failed: "+step.Value)
			}
		default:
			report.Checks = append(report.Checks, fmt.Sprintf("step %q not supported by http backend; skipped", step.Action))
		}
	}
	if opts.ExpectText != "" {
		if strings.Contains(body, opts.ExpectText) {
			report.Checks = append(report.Checks, "expect_text passed: "+opts.ExpectText)
		} else {
			report.Errors = append(report.Errors, "expect_text failed: "+opts.ExpectText)
		}
	}

	report.Passed = len(report.Errors) == 0
	report.Message = verdictMessage(report.Passed, BackendHTTP)
	report.CommandResults = []shell.Result{{
		Command:  "http validate " + opts.URL,
		ExitCode: exitCode(report.Passed),
		Stdout:   fmt.Sprintf("body_length=%d", len(body)),
		Stderr:   strings.Join(report.Errors, "; "),
		Duration: time.Since(started),
		Phase:    "browser-validate",
	}}
	return report
}

func verdictMessage(passed bool, backend string) string {
	if passed {
		return fmt.Sprintf("Validation passed (%s backend).", backend)
	}
	return fmt.Sprintf("Validation failed (%s backend).", backend)
}

func exitCode(passed bool) int {
	if passed {
		return 0
	}
	return 1
}

// StopValidator adapts Validate to the loop's stop-decision input.
type StopValidator struct {
	Opts   Options
	Logger *zap.Logger
}

func (v StopValidator) Validate(ctx context.Context) loop.ValidationResult {
	report := Validate(ctx, v.Opts, v.Logger)
	detail := report.Message
	if len(report.Errors) > 0 {
		detail = strings.Join(report.Errors, "; ")
	}
	return loop.ValidationResult{Ran: true, Passed: report.Passed, Detail: detail}
}
