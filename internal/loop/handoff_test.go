package loop

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"forgeloop/internal/backlog"
	"forgeloop/internal/policy"
)

func observeN(m *Monitor, n int, rec backlog.IterationRecord) (string, bool) {
	var (
		trigger string
		fired   bool
	)
	for i := 0; i < n; i++ {
		trigger, fired = m.Observe(rec)
	}
	return trigger, fired
}

func TestMonitor_IterationBudgetTrigger(t *testing.T) {
	pol := policy.Default()
	pol.HandoffAfterIterations = 3
	pol.HandoffOnNoProgressIterations = 0
	pol.HandoffContextCharThreshold = 0
	m := NewMonitor(pol)

	_, fired := observeN(m, 2, backlog.IterationRecord{PassedDelta: 1})
	assert.False(t, fired)

	trigger, fired := m.Observe(backlog.IterationRecord{PassedDelta: 1})
	require.True(t, fired)
	assert.Equal(t, TriggerIterationBudget, trigger)
}

func TestMonitor_NoProgressStreakTrigger(t *testing.T) {
	pol := policy.Default()
	pol.HandoffAfterIterations = 100
	pol.HandoffOnNoProgressIterations = 2
	pol.HandoffContextCharThreshold = 0
	m := NewMonitor(pol)

	_, fired := m.Observe(backlog.IterationRecord{PassedDelta: 0})
	assert.False(t, fired)
	// Progress resets the streak.
	_, fired = m.Observe(backlog.IterationRecord{PassedDelta: 1})
	assert.False(t, fired)
	_, fired = m.Observe(backlog.IterationRecord{PassedDelta: 0})
	assert.False(t, fired)

	trigger, fired := m.Observe(backlog.IterationRecord{PassedDelta: 0})
	require.True(t, fired)
	assert.Equal(t, TriggerNoProgressStreak, trigger)
}

func TestMonitor_ContextSizeTrigger(t *testing.T) {
	pol := policy.Default()
	pol.HandoffAfterIterations = 100
	pol.HandoffOnNoProgressIterations = 0
	pol.HandoffContextCharThreshold = 1000
	m := NewMonitor(pol)

	_, fired := m.Observe(backlog.IterationRecord{PassedDelta: 1, ContextChars: 600})
	assert.False(t, fired)

	trigger, fired := m.Observe(backlog.IterationRecord{PassedDelta: 1, ContextChars: 600})
	require.True(t, fired)
	assert.Equal(t, TriggerContextSize, trigger)
}

func TestMonitor_CountersResetAfterFire(t *testing.T) {
	pol := policy.Default()
	pol.HandoffAfterIterations = 2
	pol.HandoffOnNoProgressIterations = 0
	pol.HandoffContextCharThreshold = 0
	m := NewMonitor(pol)

	_, fired := observeN(m, 2, backlog.IterationRecord{PassedDelta: 1})
	require.True(t, fired)

	// A fresh window starts after the handoff.
	_, fired = m.Observe(backlog.IterationRecord{PassedDelta: 1})
	assert.False(t, fired)
	_, fired = m.Observe(backlog.IterationRecord{PassedDelta: 1})
	assert.True(t, fired)
}

func TestSnapshot_BuildAndWrite(t *testing.T) {
	ws := t.TempDir()
	store := backlog.NewStore(ws, zap.NewNop())
	pol := policy.Default()
	pol.HandoffMaxTailLines = 2

	require.NoError(t, store.SaveFeatures([]backlog.Feature{
		{ID: "done", Status: backlog.StatusPassed, ImplementationCommands: []string{"true"}},
		{ID: "open", Status: backlog.StatusPending, ImplementationCommands: []string{"true"}},
	}))
	require.NoError(t, store.SaveStatus(policy.StateDir, backlog.AgentStatus{CurrentObjective: "ship it"}))
	for _, line := range []string{"one", "two", "three"} {
		require.NoError(t, store.AppendProgress(line))
	}

	snap, err := BuildSnapshot(store, pol, TriggerIterationBudget, 7)
	require.NoError(t, err)

	assert.NotEmpty(t, snap.ID)
	assert.Equal(t, "ship it", snap.Objective)
	assert.Equal(t, []string{"open"}, snap.Outstanding)
	assert.Len(t, snap.Tail, 2)
	assert.True(t, snap.Truncated)

	require.NoError(t, snap.Write(ws))
	md, err := os.ReadFile(filepath.Join(ws, HandoffFile))
	require.NoError(t, err)
	assert.Contains(t, string(md), "ship it")
	assert.Contains(t, string(md), "- open")

	_, err = os.Stat(filepath.Join(ws, policy.StateDir, handoffStateFile))
	assert.NoError(t, err)
}
