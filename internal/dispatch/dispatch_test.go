package dispatch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"forgeloop/internal/backlog"
	"forgeloop/internal/team"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// countingRunner records peak in-flight workers and which features ran.
type countingRunner struct {
	mu       sync.Mutex
	inflight int32
	peak     int32
	ran      []string
	delay    time.Duration
}

func (r *countingRunner) Run(_ context.Context, feature backlog.Feature, teamID string) team.Outcome {
	cur := atomic.AddInt32(&r.inflight, 1)
	for {
		peak := atomic.LoadInt32(&r.peak)
		if cur <= peak || atomic.CompareAndSwapInt32(&r.peak, peak, cur) {
			break
		}
	}
	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	r.mu.Lock()
	r.ran = append(r.ran, feature.ID)
	r.mu.Unlock()
	atomic.AddInt32(&r.inflight, -1)
	return team.Outcome{
		TeamID:    teamID,
		FeatureID: feature.ID,
		Status:    team.OutcomePassed,
		Detail:    fmt.Sprintf("feature %s completed", feature.ID),
	}
}

func pendingFeature(id string, priority int, safe bool, created time.Time) backlog.Feature {
	return backlog.Feature{
		ID:                     id,
		Priority:               priority,
		Status:                 backlog.StatusPending,
		ParallelSafe:           safe,
		ImplementationCommands: []string{"true"},
		CreatedAt:              created,
	}
}

func TestEligible_FiltersAndOrders(t *testing.T) {
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	features := []backlog.Feature{
		pendingFeature("late", 10, true, base.Add(time.Hour)),
		pendingFeature("early", 10, true, base),
		pendingFeature("urgent", 1, true, base.Add(2*time.Hour)),
		pendingFeature("unsafe", 1, false, base),
		{ID: "done", Status: backlog.StatusPassed, ParallelSafe: true},
		{ID: "stuck", Status: backlog.StatusBlocked, ParallelSafe: true},
	}

	got := Eligible(features, false)
	require.Len(t, got, 3)
	assert.Equal(t, "urgent", got[0].ID)
	assert.Equal(t, "early", got[1].ID)
	assert.Equal(t, "late", got[2].ID)
}

func TestEligible_ForceUnsafeAdmitsPendingOnly(t *testing.T) {
	features := []backlog.Feature{
		pendingFeature("unsafe", 1, false, time.Time{}),
		{ID: "done", Status: backlog.StatusPassed},
	}

	got := Eligible(features, true)
	require.Len(t, got, 1)
	assert.Equal(t, "unsafe", got[0].ID)
}

func TestDispatch_HonorsConcurrencyCap(t *testing.T) {
	runner := &countingRunner{delay: 20 * time.Millisecond}
	d := New(runner, zap.NewNop())

	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	var candidates []backlog.Feature
	for i := 0; i < 6; i++ {
		candidates = append(candidates, pendingFeature(fmt.Sprintf("f-%d", i), 10, true, base))
	}

	outcomes := d.Dispatch(context.Background(), candidates, 6, 2)

	require.Len(t, outcomes, 6)
	assert.LessOrEqual(t, atomic.LoadInt32(&runner.peak), int32(2))
}

func TestDispatch_TruncatesToMaxBatch(t *testing.T) {
	runner := &countingRunner{}
	d := New(runner, zap.NewNop())

	candidates := []backlog.Feature{
		pendingFeature("a", 1, true, time.Time{}),
		pendingFeature("b", 2, true, time.Time{}),
		pendingFeature("c", 3, true, time.Time{}),
	}
	outcomes := d.Dispatch(context.Background(), candidates, 2, 4)

	require.Len(t, outcomes, 2)
	assert.ElementsMatch(t, []string{"a", "b"}, runner.ran)
}

func TestDispatch_EmptyBatchReturnsNil(t *testing.T) {
	d := New(&countingRunner{}, zap.NewNop())
	assert.Nil(t, d.Dispatch(context.Background(), nil, 4, 2))
}

func TestDispatch_SerialCapMatchesSequentialRun(t *testing.T) {
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	candidates := []backlog.Feature{
		pendingFeature("b", 2, true, base),
		pendingFeature("a", 1, true, base),
		pendingFeature("c", 3, true, base),
	}

	d := New(&countingRunner{}, zap.NewNop())
	parallel := d.Dispatch(context.Background(), candidates, len(candidates), 1)

	sequential := make([]team.Outcome, 0, len(candidates))
	runner := &countingRunner{}
	for i, f := range candidates {
		sequential = append(sequential, runner.Run(context.Background(), f, fmt.Sprintf("team-%d", i%1+1)))
	}
	// Dispatch sorts outcomes by feature id.
	got := map[string]team.Outcome{}
	for _, o := range parallel {
		got[o.FeatureID] = o
	}
	for _, want := range sequential {
		diff := cmp.Diff(want, got[want.FeatureID])
		assert.Empty(t, diff)
	}
}
