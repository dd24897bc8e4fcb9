package loop

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"forgeloop/internal/backlog"
	"forgeloop/internal/policy"
)

// HandoffFile is the human-readable snapshot at the workspace root.
const HandoffFile = "HANDOFF.md"

// handoffStateFile is the machine-readable copy inside the state dir.
const handoffStateFile = "handoff.json"

// Trigger names for handoff signals.
const (
	TriggerIterationBudget  = "iteration_budget"
	TriggerNoProgressStreak = "no_progress_streak"
	TriggerContextSize      = "context_size"
)

// Snapshot is the compact state summary written when a handoff fires. It is
// advisory: the loop keeps running after writing one.
type Snapshot struct {
	ID          string    `json:"id"`
	CreatedAt   time.Time `json:"created_at"`
	Trigger     string    `json:"trigger"`
	Iteration   int       `json:"iteration"`
	Objective   string    `json:"objective"`
	Outstanding []string  `json:"outstanding_feature_ids"`
	Tail        []string  `json:"progress_tail"`
	Truncated   bool      `json:"truncated"`
}

// Monitor watches iteration records and decides when the loop should hand
// its context over to a fresh session. Counters reset each time it fires, so
// every trigger measures one handoff window, not the whole run.
type Monitor struct {
	pol *policy.Config

	iterations   int
	noProgress   int
	contextChars int
}

func NewMonitor(pol *policy.Config) *Monitor {
	return &Monitor{pol: pol}
}

// Observe folds one iteration record into the window counters and returns
// the trigger name when a handoff should fire. First matching trigger wins.
func (m *Monitor) Observe(rec backlog.IterationRecord) (string, bool) {
	m.iterations++
	if rec.PassedDelta > 0 {
		m.noProgress = 0
	} else {
		m.noProgress++
	}
	m.contextChars += rec.ContextChars

	trigger := ""
	switch {
	case m.pol.HandoffAfterIterations > 0 && m.iterations >= m.pol.HandoffAfterIterations:
		trigger = TriggerIterationBudget
	case m.pol.HandoffOnNoProgressIterations > 0 && m.noProgress >= m.pol.HandoffOnNoProgressIterations:
		trigger = TriggerNoProgressStreak
	case m.pol.HandoffContextCharThreshold > 0 && m.contextChars >= m.pol.HandoffContextCharThreshold:
		trigger = TriggerContextSize
	}
	if trigger == "" {
		return "", false
	}
	m.iterations = 0
	m.noProgress = 0
	m.contextChars = 0
	return trigger, true
}

// BuildSnapshot assembles a handoff snapshot from current workspace state.
func BuildSnapshot(store *backlog.Store, pol *policy.Config, trigger string, iteration int) (Snapshot, error) {
	status, err := store.LoadStatus(policy.StateDir)
	if err != nil {
		return Snapshot{}, err
	}
	features, err := store.LoadFeatures()
	if err != nil {
		return Snapshot{}, err
	}
	var outstanding []string
	for _, f := range features {
		if f.Outstanding() {
			outstanding = append(outstanding, f.ID)
		}
	}
	tail, err := store.ProgressTail(pol.HandoffMaxTailLines)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{
		ID:          uuid.NewString(),
		CreatedAt:   time.Now().UTC(),
		Trigger:     trigger,
		Iteration:   iteration,
		Objective:   status.CurrentObjective,
		Outstanding: outstanding,
		Tail:        tail,
		Truncated:   pol.HandoffMaxTailLines > 0 && len(tail) >= pol.HandoffMaxTailLines,
	}, nil
}

// Write persists the snapshot: HANDOFF.md at the workspace root for the next
// session to read first, plus a JSON copy under the state dir.
func (s Snapshot) Write(workspace string) error {
	if err := os.MkdirAll(filepath.Join(workspace, policy.StateDir), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(workspace, policy.StateDir, handoffStateFile), append(data, '\n'), 0o644); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(workspace, HandoffFile), []byte(s.Markdown()), 0o644)
}

// Markdown renders the snapshot for humans and follow-up agent sessions.
func (s Snapshot) Markdown() string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Handoff %s\n\n", s.ID)
	fmt.Fprintf(&b, "- Created: %s\n", s.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "- Trigger: %s\n", s.Trigger)
	fmt.Fprintf(&b, "- Iteration: %d\n\n", s.Iteration)

	b.WriteString("## Objective\n\n")
	if s.Objective != "" {
		b.WriteString(s.Objective + "\n\n")
	} else {
		b.WriteString("(none recorded)\n\n")
	}

	b.WriteString("## Outstanding Features\n\n")
	if len(s.Outstanding) == 0 {
		b.WriteString("- None\n")
	}
	for _, id := range s.Outstanding {
		fmt.Fprintf(&b, "- %s\n", id)
	}
	b.WriteString("\n## Recent Progress\n\n")
	if len(s.Tail) == 0 {
		b.WriteString("- None\n")
	}
	for _, line := range s.Tail {
		fmt.Fprintf(&b, "- %s\n", line)
	}
	if s.Truncated {
		b.WriteString("\n(older progress lines truncated)\n")
	}
	return b.String()
}
