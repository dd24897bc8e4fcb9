// Package dispatch selects batches of eligible backlog features and runs
// team executors for them concurrently under a bounded worker pool.
package dispatch

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"forgeloop/internal/backlog"
	"forgeloop/internal/team"
)

// FeatureRunner executes one feature end to end. *team.Executor is the
// production implementation.
type FeatureRunner interface {
	Run(ctx context.Context, feature backlog.Feature, teamID string) team.Outcome
}

// Dispatcher fans a batch of features out to concurrent workers. Workers
// receive feature copies and hand back outcomes; they never touch shared
// backlog state.
type Dispatcher struct {
	runner FeatureRunner
	logger *zap.Logger
}

func New(runner FeatureRunner, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{runner: runner, logger: logger}
}

// Eligible filters features down to selectable work admitted into concurrent
// dispatch: parallel-safe features by default, every selectable feature when
// the caller forces unsafe mode. Forced mode performs no conflict detection.
// The result is ordered by priority, then creation time, then id.
func Eligible(features []backlog.Feature, forceUnsafe bool) []backlog.Feature {
	var out []backlog.Feature
	for _, f := range features {
		if !f.Selectable() {
			continue
		}
		if !f.ParallelSafe && !forceUnsafe {
			continue
		}
		out = append(out, f)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Dispatch runs up to maxBatch candidates through independent team executors,
// at most concurrencyCap at a time. All workers run to completion; one
// feature failing never cancels its siblings. Outcomes are returned in a
// deterministic order regardless of completion order.
func (d *Dispatcher) Dispatch(ctx context.Context, candidates []backlog.Feature, maxBatch, concurrencyCap int) []team.Outcome {
	if maxBatch <= 0 {
		maxBatch = 1
	}
	if concurrencyCap <= 0 {
		concurrencyCap = 1
	}
	if len(candidates) > maxBatch {
		candidates = candidates[:maxBatch]
	}
	if len(candidates) == 0 {
		return nil
	}

	d.logger.Info("dispatching feature batch",
		zap.Int("features", len(candidates)),
		zap.Int("concurrency_cap", concurrencyCap))

	var mu sync.Mutex
	outcomes := make([]team.Outcome, 0, len(candidates))

	eg := new(errgroup.Group)
	eg.SetLimit(concurrencyCap)
	for i, candidate := range candidates {
		feature := candidate // worker-private copy
		teamID := fmt.Sprintf("team-%d", i%concurrencyCap+1)
		eg.Go(func() error {
			outcome := d.runner.Run(ctx, feature, teamID)
			mu.Lock()
			outcomes = append(outcomes, outcome)
			mu.Unlock()
			return nil
		})
	}
	// Workers never return errors; Wait only blocks for stragglers.
	_ = eg.Wait()

	sort.Slice(outcomes, func(i, j int) bool {
		if outcomes[i].FeatureID != outcomes[j].FeatureID {
			return outcomes[i].FeatureID < outcomes[j].FeatureID
		}
		return outcomes[i].TeamID < outcomes[j].TeamID
	})
	return outcomes
}
