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

// Package canary implements the weighted traffic splitter over two
// pipeline versions, with automatic promotion and rollback.
package canary

import (
	"math/rand/v2"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/klog/v2"
	"k8s.io/utils/clock"

	"github.com/VledicFranco/constellation-engine-sub005/pkg/pipeline"
)

// CompletionFunc is invoked after a canary transitions to Complete, with
// the pipeline name and the promoted structural hash. The reload
// coordinator uses it to repoint the alias so the promotion sticks
// beyond the canary's lifetime. Called outside all router locks.
type CompletionFunc func(pipelineName, structuralHash string)

// RouterOptions configures a Router.
type RouterOptions struct {
	// OnComplete is called after auto- or manual promotion past the
	// final step.
	OnComplete CompletionFunc
	// MaxLatencySamples bounds the latency ring per side; default 1024.
	MaxLatencySamples int
	// Clock defaults to the real clock. Tests inject a fake.
	Clock clock.PassiveClock
	// Logger defaults to klog.Background().
	Logger logr.Logger

	// randFloat overrides the traffic-split randomness in tests. Must
	// not correlate with record identity.
	randFloat func() float64
}

// Router holds at most one canary per pipeline name and arbitrates
// traffic between its two versions.
type Router struct {
	mu       sync.Mutex
	canaries map[string]*entry

	onComplete        CompletionFunc
	maxLatencySamples int
	clock             clock.PassiveClock
	randFloat         func() float64
	logger            logr.Logger
}

// entry is one pipeline name's canary slot. Its mutex serializes
// RecordResult, Promote and Rollback for that name, so every observed
// state reflects a full operation.
type entry struct {
	mu    sync.Mutex
	state *state
}

// state is the internal mutable canary state; external callers only
// ever see Snapshot copies.
type state struct {
	pipelineName      string
	oldVersion        VersionRef
	newVersion        VersionRef
	config            Config
	currentStep       int
	currentWeight     float64
	status            Status
	startedAt         time.Time
	lastStepStartedAt time.Time
	oldMetrics        *versionMetrics
	newMetrics        *versionMetrics
}

// NewRouter creates a canary router.
func NewRouter(opts RouterOptions) *Router {
	logger := opts.Logger
	if logger.GetSink() == nil {
		logger = klog.Background()
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}
	randFloat := opts.randFloat
	if randFloat == nil {
		randFloat = rand.Float64
	}
	maxSamples := opts.MaxLatencySamples
	if maxSamples < 1 {
		maxSamples = defaultMaxLatencySamples
	}
	return &Router{
		canaries:          make(map[string]*entry),
		onComplete:        opts.OnComplete,
		maxLatencySamples: maxSamples,
		clock:             clk,
		randFloat:         randFloat,
		logger:            logger.WithName("canary-router"),
	}
}

// Start begins a canary for a pipeline name. Fails with Conflict iff the
// name already has an Observing canary; terminal states are replaced.
func (r *Router) Start(name string, oldVersion, newVersion VersionRef, cfg Config) (*Snapshot, error) {
	if err := cfg.Validate(); err != nil {
		return nil, pipeline.WrapError(pipeline.KindInvalidInput, err, "invalid canary config for %s", name)
	}
	cfg = cfg.withDefaults()

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.canaries[name]; ok {
		existing.mu.Lock()
		observing := existing.state.status == StatusObserving
		existing.mu.Unlock()
		if observing {
			return nil, pipeline.NewError(pipeline.KindConflict, "pipeline %s already has an active canary", name)
		}
	}

	now := r.clock.Now()
	st := &state{
		pipelineName:      name,
		oldVersion:        oldVersion,
		newVersion:        newVersion,
		config:            cfg,
		currentStep:       0,
		currentWeight:     cfg.InitialWeight,
		status:            StatusObserving,
		startedAt:         now,
		lastStepStartedAt: now,
		oldMetrics:        newVersionMetrics(r.maxLatencySamples),
		newMetrics:        newVersionMetrics(r.maxLatencySamples),
	}
	r.canaries[name] = &entry{state: st}

	r.logger.Info("Started canary",
		"pipeline", name,
		"oldVersion", oldVersion.Version,
		"newVersion", newVersion.Version,
		"initialWeight", cfg.InitialWeight,
		"steps", len(cfg.PromotionSteps))

	snap := st.snapshot()
	return &snap, nil
}

// SelectVersion picks a side for one request. Returns false when the
// name has no Observing canary. The randomness source is independent of
// record identity.
func (r *Router) SelectVersion(name string) (string, bool) {
	e, ok := r.lookup(name)
	if !ok {
		return "", false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state.status != StatusObserving {
		return "", false
	}
	if r.randFloat() < e.state.currentWeight {
		return e.state.newVersion.StructuralHash, true
	}
	return e.state.oldVersion.StructuralHash, true
}

// RecordResult feeds one request outcome into the side identified by
// hash, then runs the autopilot rules. Returns the post-update state, or
// nil when the name has no canary.
func (r *Router) RecordResult(name, hash string, success bool, latencyMs float64) *Snapshot {
	e, ok := r.lookup(name)
	if !ok {
		return nil
	}

	var completed *Snapshot
	e.mu.Lock()
	st := e.state
	if st.status == StatusObserving {
		switch hash {
		case st.newVersion.StructuralHash:
			st.newMetrics.observe(success, latencyMs)
			completed = r.autopilotLocked(st)
		case st.oldVersion.StructuralHash:
			st.oldMetrics.observe(success, latencyMs)
		}
	}
	snap := st.snapshot()
	e.mu.Unlock()

	if completed != nil && r.onComplete != nil {
		r.onComplete(completed.PipelineName, completed.NewVersion.StructuralHash)
	}
	return &snap
}

// autopilotLocked evaluates R1 (error threshold), R2 (latency threshold)
// and R3 (auto-promote) in order; the first triggered rule fires and the
// rest are skipped for this result. Returns a snapshot when the canary
// completed, so the caller can fire the completion hook outside locks.
func (r *Router) autopilotLocked(st *state) *Snapshot {
	m := st.newMetrics
	cfg := st.config

	if m.requests >= int64(cfg.MinRequests) && m.errorRate() > cfg.ErrorThreshold {
		r.rollbackLocked(st, "error rate above threshold")
		return nil
	}
	if cfg.LatencyThresholdMs > 0 && m.requests >= int64(cfg.MinRequests) &&
		m.p99LatencyMs() > float64(cfg.LatencyThresholdMs) {
		r.rollbackLocked(st, "p99 latency above threshold")
		return nil
	}
	if cfg.AutoPromote && m.requests >= int64(cfg.MinRequests) &&
		r.clock.Now().Sub(st.lastStepStartedAt) >= cfg.ObservationWindow.Duration {
		return r.advanceLocked(st)
	}
	return nil
}

// advanceLocked moves the canary onto its next promotion step, resetting
// the new-side metrics so each window evaluates its own step. The first
// advancement transitions to promotionSteps[0]; advancing onto the final
// step completes the canary at full weight.
func (r *Router) advanceLocked(st *state) *Snapshot {
	steps := st.config.PromotionSteps
	if st.currentStep < len(steps)-1 {
		st.currentWeight = steps[st.currentStep]
		st.currentStep++
		st.lastStepStartedAt = r.clock.Now()
		st.newMetrics.reset()
		r.logger.V(2).Info("Advanced canary step",
			"pipeline", st.pipelineName,
			"step", st.currentStep,
			"weight", st.currentWeight)
		return nil
	}

	if canTransition(st.status, StatusComplete) {
		st.status = StatusComplete
		st.currentWeight = 1.0
		r.logger.Info("Canary complete",
			"pipeline", st.pipelineName,
			"promotedVersion", st.newVersion.Version,
			"hash", st.newVersion.StructuralHash)
		snap := st.snapshot()
		return &snap
	}
	return nil
}

func (r *Router) rollbackLocked(st *state, reason string) {
	if !canTransition(st.status, StatusRolledBack) {
		return
	}
	st.status = StatusRolledBack
	st.currentWeight = 0
	r.logger.Info("Canary rolled back",
		"pipeline", st.pipelineName,
		"reason", reason,
		"newVersionRequests", st.newMetrics.requests,
		"newVersionErrorRate", st.newMetrics.errorRate())
}

// GetState returns the canary state for a name, or nil.
func (r *Router) GetState(name string) *Snapshot {
	e, ok := r.lookup(name)
	if !ok {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	snap := e.state.snapshot()
	return &snap
}

// Promote manually advances the canary one step. On a terminal canary it
// returns the state unchanged.
func (r *Router) Promote(name string) *Snapshot {
	e, ok := r.lookup(name)
	if !ok {
		return nil
	}

	var completed *Snapshot
	e.mu.Lock()
	if e.state.status == StatusObserving {
		completed = r.advanceLocked(e.state)
	}
	snap := e.state.snapshot()
	e.mu.Unlock()

	if completed != nil && r.onComplete != nil {
		r.onComplete(completed.PipelineName, completed.NewVersion.StructuralHash)
	}
	return &snap
}

// Rollback explicitly rolls the canary back. Idempotent on terminal
// states.
func (r *Router) Rollback(name string) *Snapshot {
	e, ok := r.lookup(name)
	if !ok {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state.status == StatusObserving {
		r.rollbackLocked(e.state, "explicit rollback")
	}
	snap := e.state.snapshot()
	return &snap
}

// Abort is an alias for Rollback.
func (r *Router) Abort(name string) *Snapshot {
	return r.Rollback(name)
}

// ActiveFor returns the Observing canary state for a name, if any.
func (r *Router) ActiveFor(name string) *Snapshot {
	snap := r.GetState(name)
	if snap == nil || snap.Status != StatusObserving {
		return nil
	}
	return snap
}

// References reports whether an Observing canary still references a
// hash. Terminal canaries are inert history; the version store already
// pins their hashes.
func (r *Router) References(structuralHash string) (string, bool) {
	r.mu.Lock()
	entries := make([]*entry, 0, len(r.canaries))
	for _, e := range r.canaries {
		entries = append(entries, e)
	}
	r.mu.Unlock()

	for _, e := range entries {
		e.mu.Lock()
		st := e.state
		referenced := st.status == StatusObserving &&
			(st.oldVersion.StructuralHash == structuralHash || st.newVersion.StructuralHash == structuralHash)
		name := st.pipelineName
		e.mu.Unlock()
		if referenced {
			return "active canary for " + name, true
		}
	}
	return "", false
}

func (r *Router) lookup(name string) (*entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.canaries[name]
	return e, ok
}

func (st *state) snapshot() Snapshot {
	return Snapshot{
		PipelineName:      st.pipelineName,
		OldVersion:        st.oldVersion,
		NewVersion:        st.newVersion,
		Config:            st.config,
		CurrentStep:       st.currentStep,
		CurrentWeight:     st.currentWeight,
		Status:            st.status,
		StartedAt:         st.startedAt,
		LastStepStartedAt: st.lastStepStartedAt,
		Metrics: MetricsSnapshot{
			OldVersion: st.oldMetrics.snapshot(),
			NewVersion: st.newMetrics.snapshot(),
		},
	}
}
