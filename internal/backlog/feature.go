// Package backlog owns the feature set and iteration history for one
// workspace. It is pure data access: selection, gating, and stop policy all
// live in the packages above it.
package backlog

import (
	"errors"
	"time"
)

// ErrNoActions is returned when a feature without implementation or
// verification actions would be marked passed. Features with no actions can
// never complete; this prevents false completion.
var ErrNoActions = errors.New("feature has no implementation commands and no verification command")

// Status is the lifecycle state of a feature.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusPassed     Status = "passed"
	StatusFailed     Status = "failed"
	StatusBlocked    Status = "blocked"
)

// Terminal reports whether the status ends the feature's lifecycle for the
// purposes of completion accounting. Failed and blocked features still count
// as outstanding work.
func (s Status) Terminal() bool { return s == StatusPassed }

// Feature is one unit of backlog work.
type Feature struct {
	ID          string `json:"id" yaml:"id"`
	Category    string `json:"category" yaml:"category"`
	Description string `json:"description" yaml:"description"`

	// Priority orders selection; lower is more urgent.
	Priority int    `json:"priority" yaml:"priority"`
	Status   Status `json:"status" yaml:"status"`

	// ParallelSafe admits the feature into concurrent dispatch.
	ParallelSafe bool `json:"parallel_safe" yaml:"parallel_safe"`

	// ImplementationCommands are the implement-phase action specs; the team
	// executor resolves them, the backlog treats them as opaque.
	ImplementationCommands []string `json:"implementation_commands,omitempty" yaml:"implementation_commands,omitempty"`

	// VerificationCommand is the verify-phase action spec.
	VerificationCommand string `json:"verification_command,omitempty" yaml:"verification_command,omitempty"`

	// Blocker records the hard-blocker text when Status is blocked.
	Blocker string `json:"blocker,omitempty" yaml:"blocker,omitempty"`

	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at"`
}

// HasActions reports whether the feature carries any executable action spec.
func (f Feature) HasActions() bool {
	return len(f.ImplementationCommands) > 0 || f.VerificationCommand != ""
}

// Outstanding reports whether the feature still needs work.
func (f Feature) Outstanding() bool { return f.Status != StatusPassed }

// Selectable reports whether the feature can be picked for dispatch. Failed
// features stay in the selection pool and are retried on later iterations;
// blocked features wait for manual attention.
func (f Feature) Selectable() bool {
	return f.Status == StatusPending || f.Status == StatusInProgress || f.Status == StatusFailed
}

// normalize fills defaults for features loaded from user-authored files.
func (f *Feature) normalize(now time.Time) {
	if f.Category == "" {
		f.Category = "functional"
	}
	if f.Priority == 0 {
		f.Priority = 100
	}
	if f.Status == "" {
		f.Status = StatusPending
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = now
	}
	if f.UpdatedAt.IsZero() {
		f.UpdatedAt = f.CreatedAt
	}
}

// MarkPassed transitions the feature to passed, refusing actionless features.
func (f *Feature) MarkPassed(now time.Time) error {
	if !f.HasActions() {
		return ErrNoActions
	}
	f.Status = StatusPassed
	f.Blocker = ""
	f.UpdatedAt = now
	return nil
}

// MarkFailed transitions the feature to failed.
func (f *Feature) MarkFailed(now time.Time) {
	f.Status = StatusFailed
	f.UpdatedAt = now
}

// MarkBlocked transitions the feature to blocked and records the blocker text.
func (f *Feature) MarkBlocked(blocker string, now time.Time) {
	f.Status = StatusBlocked
	f.Blocker = blocker
	f.UpdatedAt = now
}
