package browser

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"

	"forgeloop/internal/shell"
)

// validateRod drives a real headless browser through the scripted steps.
// Every browser error is captured into the report; nothing panics out.
func validateRod(ctx context.Context, opts Options, steps []Step) Report {
	report := Report{Backend: BackendRod, URL: opts.URL}
	started := time.Now()
	finalURL := opts.URL
	htmlLength := 0

	err := func() error {
		controlURL, err := launcher.New().Headless(opts.Headless).Launch()
		if err != nil {
			return fmt.Errorf("launch browser: %w", err)
		}
		b := rod.New().ControlURL(controlURL).Context(ctx)
		if err := b.Connect(); err != nil {
			return fmt.Errorf("connect browser: %w", err)
		}
		defer b.Close()

		timeout := time.Duration(opts.TimeoutSeconds) * time.Second
		page, err := b.Page(proto.TargetCreateTarget{URL: ""})
		if err != nil {
			return fmt.Errorf("open page: %w", err)
		}
		page = page.Timeout(timeout)
		if err := page.Navigate(opts.URL); err != nil {
			return fmt.Errorf("navigate %s: %w", opts.URL, err)
		}
		if err := page.WaitLoad(); err != nil {
			return fmt.Errorf("wait load: %w", err)
		}
		report.Checks = append(report.Checks, "navigated to "+opts.URL)

		for _, step := range steps {
			if err := runRodStep(page, step, opts, &report); err != nil {
				report.Errors = append(report.Errors, fmt.Sprintf("step %s failed: %v", step.Action, err))
			}
		}

		html, err := page.HTML()
		if err != nil {
			return fmt.Errorf("read page html: %w", err)
		}
		htmlLength = len(html)
		if info, err := page.Info(); err == nil {
			finalURL = info.URL
		}
		if opts.ExpectText != "" {
			if strings.Contains(html, opts.ExpectText) {
				report.Checks = append(report.Checks, "expect_text passed: "+opts.ExpectText)
			} else {
				report.Errors = append(report.Errors, "expect_text failed: "+opts.ExpectText)
			}
		}
		return nil
	}()
	if err != nil {
		report.Errors = append(report.Errors, err.Error())
	}

	report.Passed = len(report.Errors) == 0
	report.Message = verdictMessage(report.Passed, BackendRod)
	report.CommandResults = []shell.Result{{
		Command:  "rod validate " + opts.URL,
		ExitCode: exitCode(report.Passed),
		Stdout:   fmt.Sprintf("final_url=%s; html_length=%d", finalURL, htmlLength),
		Stderr:   strings.Join(report.Errors, "; "),
		Duration: time.Since(started),
		Phase:    "browser-validate",
	}}
	return report
}

func runRodStep(page *rod.Page, step Step, opts Options, report *Report) error {
	switch strings.ToLower(step.Action) {
	case "goto":
		target := step.URL
		if target == "" {
			target = opts.URL
		}
		if err := page.Navigate(target); err != nil {
			return err
		}
		if err := page.WaitLoad(); err != nil {
			return err
		}
		report.Checks = append(report.Checks, "goto passed: "+target)
	case "click":
		el, err := page.Element(step.Selector)
		if err != nil {
			return err
		}
		if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
			return err
		}
		report.Checks = append(report.Checks, "click passed: "+step.Selector)
	case "fill":
		el, err := page.Element(step.Selector)
		if err != nil {
			return err
		}
		if err := el.Input(step.Value); err != nil {
			return err
		}
		report.Checks = append(report.Checks, "fill passed: "+step.Selector)
	case "wait_for_selector":
		if _, err := page.Element(step.Selector); err != nil {
			return err
		}
		report.Checks = append(report.Checks, "wait_for_selector passed: "+step.Selector)
	case "expect_text":
		var content string
		if step.Selector != "" {
			el, err := page.Element(step.Selector)
			if err != nil {
				return err
			}
			text, err := el.Text()
			if err != nil {
				return err
			}
			content = text
		} else {
			html, err := page.HTML()
			if err != nil {
				return err
			}
			content = html
		}
		if strings.Contains(content, step.Value) {
			report.Checks = append(report.Checks, "expect_text passed: "+step.Value)
		} else {
			report.Errors = append(report.Errors, "expect_text failed: "+step.Value)
		}
	case "expect_url_contains":
		info, err := page.Info()
		if err != nil {
			return err
		}
		if strings.Contains(info.URL, step.Value) {
			report.Checks = append(report.Checks, "expect_url_contains passed: "+step.Value)
		} else {
			report.Errors = append(report.Errors, fmt.Sprintf("expect_url_contains failed: %s (actual=%s)", step.Value, info.URL))
		}
	case "sleep":
		d := time.Duration(step.Seconds * float64(time.Second))
		if d > 0 {
			time.Sleep(d)
		}
		report.Checks = append(report.Checks, fmt.Sprintf("sleep executed: %.1fs", step.Seconds))
	case "screenshot":
		path := step.Path
		if path == "" {
			path = "browser_validation.png"
		}
		data, err := page.Screenshot(true, nil)
		if err != nil {
			return err
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return err
		}
		report.Checks = append(report.Checks, "screenshot saved: "+path)
	default:
		report.Checks = append(report.Checks, fmt.Sprintf("unsupported step action %q, skipped", step.Action))
	}
	return nil
}
