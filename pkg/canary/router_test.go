/*
Copyright 2024 The Constellation Engine Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package canary

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/VledicFranco/constellation-engine-sub005/pkg/pipeline"
)

const (
	oldHash = "1111111111111111111111111111111111111111111111111111111111111111"
	newHash = "2222222222222222222222222222222222222222222222222222222222222222"
)

func testRefs() (VersionRef, VersionRef) {
	return VersionRef{Version: 1, StructuralHash: oldHash},
		VersionRef{Version: 2, StructuralHash: newHash}
}

func TestStatusTransitions(t *testing.T) {
	tests := map[string]struct {
		from    Status
		to      Status
		allowed bool
	}{
		"observing to complete":    {from: StatusObserving, to: StatusComplete, allowed: true},
		"observing to rolled back": {from: StatusObserving, to: StatusRolledBack, allowed: true},
		"complete is terminal":     {from: StatusComplete, to: StatusObserving, allowed: false},
		"rolled back is terminal":  {from: StatusRolledBack, to: StatusComplete, allowed: false},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			require.Equal(t, tc.allowed, canTransition(tc.from, tc.to))
		})
	}
	require.False(t, StatusObserving.IsTerminal())
	require.True(t, StatusComplete.IsTerminal())
	require.True(t, StatusRolledBack.IsTerminal())
}

func TestStartConflictsWithObserving(t *testing.T) {
	r := NewRouter(RouterOptions{})
	old, newer := testRefs()
	cfg := Config{InitialWeight: 0.1, PromotionSteps: []float64{0.5, 1.0}, MinRequests: 1}

	_, err := r.Start("scoring", old, newer, cfg)
	require.NoError(t, err)

	_, err = r.Start("scoring", old, newer, cfg)
	require.True(t, pipeline.IsKind(err, pipeline.KindConflict))

	// A terminal canary is replaced, not a conflict.
	r.Rollback("scoring")
	_, err = r.Start("scoring", old, newer, cfg)
	require.NoError(t, err)
}

func TestConfigValidation(t *testing.T) {
	tests := map[string]struct {
		cfg     Config
		wantErr bool
	}{
		"valid":                 {cfg: Config{InitialWeight: 0.1, PromotionSteps: []float64{0.5, 1.0}}},
		"weight above one":      {cfg: Config{InitialWeight: 1.5}, wantErr: true},
		"negative weight":       {cfg: Config{InitialWeight: -0.1}, wantErr: true},
		"descending steps":      {cfg: Config{PromotionSteps: []float64{0.5, 0.25}}, wantErr: true},
		"step above one":        {cfg: Config{PromotionSteps: []float64{0.5, 1.5}}, wantErr: true},
		"error rate above one":  {cfg: Config{ErrorThreshold: 1.2}, wantErr: true},
		"negative latency":      {cfg: Config{LatencyThresholdMs: -1}, wantErr: true},
		"negative window":       {cfg: Config{ObservationWindow: Duration{-time.Second}}, wantErr: true},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if tc.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

// The split is driven by the configured weight alone.
func TestSelectVersionFollowsWeight(t *testing.T) {
	roll := 0.0
	r := NewRouter(RouterOptions{randFloat: func() float64 { return roll }})
	old, newer := testRefs()
	_, err := r.Start("scoring", old, newer, Config{InitialWeight: 0.3})
	require.NoError(t, err)

	roll = 0.29
	hash, ok := r.SelectVersion("scoring")
	require.True(t, ok)
	require.Equal(t, newHash, hash, "roll below weight routes to the new version")

	roll = 0.31
	hash, ok = r.SelectVersion("scoring")
	require.True(t, ok)
	require.Equal(t, oldHash, hash, "roll above weight routes to the old version")

	_, ok = r.SelectVersion("unknown")
	require.False(t, ok)

	r.Rollback("scoring")
	_, ok = r.SelectVersion("scoring")
	require.False(t, ok, "terminal canaries route no traffic")
}

// Two failures with minRequests=2 and a 5% threshold roll the canary
// back; after that no traffic is routed.
func TestAutoRollbackOnErrorRate(t *testing.T) {
	r := NewRouter(RouterOptions{})
	old, newer := testRefs()
	_, err := r.Start("scoring", old, newer, Config{
		InitialWeight:  0.5,
		ErrorThreshold: 0.05,
		MinRequests:    2,
		AutoPromote:    true,
	})
	require.NoError(t, err)

	snap := r.RecordResult("scoring", newHash, false, 10)
	require.Equal(t, StatusObserving, snap.Status, "below minRequests nothing fires")

	snap = r.RecordResult("scoring", newHash, false, 10)
	require.Equal(t, StatusRolledBack, snap.Status)
	require.Zero(t, snap.CurrentWeight)

	_, ok := r.SelectVersion("scoring")
	require.False(t, ok)
}

func TestAutoRollbackOnLatency(t *testing.T) {
	r := NewRouter(RouterOptions{})
	old, newer := testRefs()
	_, err := r.Start("scoring", old, newer, Config{
		InitialWeight:      0.5,
		ErrorThreshold:     0.5,
		LatencyThresholdMs: 100,
		MinRequests:        1,
	})
	require.NoError(t, err)

	snap := r.RecordResult("scoring", newHash, true, 250)
	require.Equal(t, StatusRolledBack, snap.Status)
}

// Error threshold wins over latency when both would fire on the same
// sample.
func TestErrorRateTakesPrecedenceOverLatency(t *testing.T) {
	r := NewRouter(RouterOptions{})
	old, newer := testRefs()
	_, err := r.Start("scoring", old, newer, Config{
		InitialWeight:      0.5,
		ErrorThreshold:     0.05,
		LatencyThresholdMs: 100,
		MinRequests:        1,
	})
	require.NoError(t, err)

	r.RecordResult("scoring", newHash, false, 500)
	snap := r.GetState("scoring")
	require.Equal(t, StatusRolledBack, snap.Status)
}

// With a zero observation window and minRequests=1, one healthy result
// advances past a single promotion step and completes, firing the
// completion hook.
func TestAutoPromoteToComplete(t *testing.T) {
	clk := testingclock.NewFakeClock(time.Now())
	var completedName, completedHash string
	r := NewRouter(RouterOptions{
		Clock: clk,
		OnComplete: func(name, hash string) {
			completedName, completedHash = name, hash
		},
	})
	old, newer := testRefs()
	_, err := r.Start("passthrough", old, newer, Config{
		InitialWeight:     1.0,
		PromotionSteps:    []float64{1.0},
		ObservationWindow: Duration{0},
		MinRequests:       1,
		AutoPromote:       true,
	})
	require.NoError(t, err)

	snap := r.RecordResult("passthrough", newHash, true, 5)
	require.Equal(t, StatusComplete, snap.Status)
	require.Equal(t, 1.0, snap.CurrentWeight)
	require.Equal(t, "passthrough", completedName)
	require.Equal(t, newHash, completedHash)
}

// Auto-promotion waits out the observation window on every step and
// resets new-side metrics so each window evaluates its own step.
func TestAutoPromoteWalksSteps(t *testing.T) {
	clk := testingclock.NewFakeClock(time.Now())
	r := NewRouter(RouterOptions{Clock: clk})
	old, newer := testRefs()
	_, err := r.Start("scoring", old, newer, Config{
		InitialWeight:     0.1,
		PromotionSteps:    []float64{0.5, 1.0},
		ObservationWindow: Duration{time.Minute},
		MinRequests:       1,
		AutoPromote:       true,
	})
	require.NoError(t, err)

	snap := r.RecordResult("scoring", newHash, true, 5)
	require.Equal(t, 0, snap.CurrentStep, "window not yet elapsed")
	require.Equal(t, 0.1, snap.CurrentWeight)

	clk.Step(time.Minute)
	snap = r.RecordResult("scoring", newHash, true, 5)
	require.Equal(t, 1, snap.CurrentStep)
	require.Equal(t, 0.5, snap.CurrentWeight)
	require.Equal(t, StatusObserving, snap.Status)
	require.Zero(t, snap.Metrics.NewVersion.Requests, "step advance resets new-side metrics")

	snap = r.RecordResult("scoring", newHash, true, 5)
	require.Equal(t, StatusObserving, snap.Status, "window restarted on advance")
	require.Equal(t, 1, snap.CurrentStep)

	clk.Step(time.Minute)
	snap = r.RecordResult("scoring", newHash, true, 5)
	require.Equal(t, StatusComplete, snap.Status)
	require.Equal(t, 1.0, snap.CurrentWeight)
}

// The first promotion moves onto promotionSteps[0]; promoting onto the
// final step completes.
func TestManualPromote(t *testing.T) {
	r := NewRouter(RouterOptions{})
	old, newer := testRefs()
	_, err := r.Start("scoring", old, newer, Config{
		InitialWeight:  0.1,
		PromotionSteps: []float64{0.25, 0.5, 1.0},
	})
	require.NoError(t, err)

	snap := r.Promote("scoring")
	require.Equal(t, 0.25, snap.CurrentWeight, "first promotion lands on the first step")
	require.Equal(t, StatusObserving, snap.Status)
	snap = r.Promote("scoring")
	require.Equal(t, 0.5, snap.CurrentWeight)
	require.Equal(t, StatusObserving, snap.Status)

	snap = r.Promote("scoring")
	require.Equal(t, StatusComplete, snap.Status)
	require.Equal(t, 1.0, snap.CurrentWeight)

	// Promoting a terminal canary returns it unchanged.
	again := r.Promote("scoring")
	require.Equal(t, StatusComplete, again.Status)

	require.Nil(t, r.Promote("unknown"))
}

func TestRollbackAndAbortAreIdempotent(t *testing.T) {
	r := NewRouter(RouterOptions{})
	old, newer := testRefs()
	_, err := r.Start("scoring", old, newer, Config{InitialWeight: 0.5})
	require.NoError(t, err)

	snap := r.Rollback("scoring")
	require.Equal(t, StatusRolledBack, snap.Status)

	snap = r.Abort("scoring")
	require.Equal(t, StatusRolledBack, snap.Status)

	require.Nil(t, r.Rollback("unknown"))
}

func TestOldSideMetricsAccumulate(t *testing.T) {
	r := NewRouter(RouterOptions{})
	old, newer := testRefs()
	_, err := r.Start("scoring", old, newer, Config{InitialWeight: 0.5, MinRequests: 100})
	require.NoError(t, err)

	r.RecordResult("scoring", oldHash, true, 10)
	r.RecordResult("scoring", oldHash, false, 20)
	snap := r.GetState("scoring")
	require.Equal(t, int64(2), snap.Metrics.OldVersion.Requests)
	require.Equal(t, int64(1), snap.Metrics.OldVersion.Failures)
	require.Equal(t, 0.5, snap.Metrics.OldVersion.ErrorRate)
	require.Zero(t, snap.Metrics.NewVersion.Requests)
}

// Only Observing canaries pin their hashes; terminal ones are history.
func TestReferences(t *testing.T) {
	r := NewRouter(RouterOptions{})
	old, newer := testRefs()
	_, err := r.Start("scoring", old, newer, Config{InitialWeight: 0.5})
	require.NoError(t, err)

	holder, referenced := r.References(newHash)
	require.True(t, referenced)
	require.Contains(t, holder, "scoring")
	_, referenced = r.References(oldHash)
	require.True(t, referenced)

	r.Rollback("scoring")
	_, referenced = r.References(newHash)
	require.False(t, referenced)
}

func TestMetricsPercentiles(t *testing.T) {
	m := newVersionMetrics(8)
	require.Zero(t, m.p99LatencyMs())

	for _, sample := range []float64{10, 20, 30, 40} {
		m.observe(true, sample)
	}
	require.Equal(t, 40.0, m.p99LatencyMs())
	require.Equal(t, 25.0, m.avgLatencyMs())

	// The ring keeps only the most recent samples at capacity.
	for _, sample := range []float64{50, 60, 70, 80, 90} {
		m.observe(true, sample)
	}
	require.Equal(t, int64(9), m.requests)
	require.Equal(t, 90.0, m.p99LatencyMs())
}
