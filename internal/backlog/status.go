package backlog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// stateFile is the machine-readable status under the state dir; the markdown
// mirror at the workspace root exists for humans and agents reading context.
const stateFile = "state.json"

// AgentStatus is the persistent loop state mirrored into AGENT_STATUS.md.
type AgentStatus struct {
	CurrentObjective   string   `json:"current_objective"`
	Done               []string `json:"done"`
	InProgress         []string `json:"in_progress"`
	Blockers           []string `json:"blockers"`
	NextSteps          []string `json:"next_steps"`
	LastCommandSummary []string `json:"last_command_summary"`
	LastTestSummary    string   `json:"last_test_summary"`
	Iteration          int      `json:"iteration"`
}

// LoadStatus reads loop state, returning a zero status when none exists.
func (s *Store) LoadStatus(stateDir string) (AgentStatus, error) {
	path := filepath.Join(s.workspace, stateDir, stateFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return AgentStatus{LastTestSummary: "No tests executed yet."}, nil
		}
		return AgentStatus{}, fmt.Errorf("reading %s: %w", stateFile, err)
	}
	var status AgentStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return AgentStatus{}, fmt.Errorf("parsing %s: %w", stateFile, err)
	}
	return status, nil
}

// SaveStatus writes state.json and regenerates the AGENT_STATUS.md mirror.
func (s *Store) SaveStatus(stateDir string, status AgentStatus) error {
	dir := filepath.Join(s.workspace, stateDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating state dir: %w", err)
	}
	data, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding %s: %w", stateFile, err)
	}
	if err := os.WriteFile(filepath.Join(dir, stateFile), append(data, '\n'), 0644); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(s.workspace, StatusFile), []byte(status.Markdown()), 0644)
}

// Markdown renders the human-readable status document.
func (a AgentStatus) Markdown() string {
	var b strings.Builder
	b.WriteString("# AGENT_STATUS\n\n")

	b.WriteString("## Current Objective\n")
	if a.CurrentObjective != "" {
		b.WriteString(a.CurrentObjective)
	} else {
		b.WriteString("Not set.")
	}
	b.WriteString("\n\n")

	writeSection := func(title string, items []string) {
		b.WriteString("## " + title + "\n")
		if len(items) == 0 {
			b.WriteString("- None\n")
		}
		for _, item := range items {
			b.WriteString("- " + item + "\n")
		}
		b.WriteString("\n")
	}
	writeSection("Done", a.Done)
	writeSection("In Progress", a.InProgress)
	writeSection("Blockers", a.Blockers)
	writeSection("Next Steps", a.NextSteps)
	writeSection("Last Command Summary", a.LastCommandSummary)

	b.WriteString("## Last Test Summary\n")
	if a.LastTestSummary != "" {
		b.WriteString(a.LastTestSummary)
	} else {
		b.WriteString("No tests executed yet.")
	}
	b.WriteString("\n\n")

	fmt.Fprintf(&b, "## Iteration\n%d\n", a.Iteration)
	return b.String()
}
