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
	"encoding/json"
	"fmt"
	"time"

	"k8s.io/apimachinery/pkg/util/sets"
)

// Status represents the state of a canary in its state machine.
type Status string

const (
	// StatusObserving indicates the canary is splitting traffic and
	// watching metrics. Only this state routes traffic.
	StatusObserving Status = "Observing"
	// StatusRolledBack indicates the canary was rolled back; terminal.
	StatusRolledBack Status = "RolledBack"
	// StatusComplete indicates the canary promoted past its final step;
	// terminal.
	StatusComplete Status = "Complete"
)

// validTransitions is the canary state machine's transition table.
var validTransitions = map[Status]sets.Set[Status]{
	StatusObserving:  sets.New(StatusComplete, StatusRolledBack),
	StatusComplete:   sets.New[Status](),
	StatusRolledBack: sets.New[Status](),
}

// canTransition reports whether moving from one status to another is
// allowed. Step advances within Observing are not transitions.
func canTransition(from, to Status) bool {
	allowed, ok := validTransitions[from]
	return ok && allowed.Has(to)
}

// IsTerminal reports whether a status permits no further transitions.
func (s Status) IsTerminal() bool {
	allowed, ok := validTransitions[s]
	return ok && allowed.Len() == 0
}

// Duration wraps time.Duration so JSON configs can say "30s".
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		d.Duration = parsed
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("duration must be a string or integer nanoseconds")
	}
	d.Duration = time.Duration(n)
	return nil
}

// Config controls a single canary's traffic split and autopilot.
type Config struct {
	// InitialWeight is the share of traffic routed to the new version
	// when the canary starts, in [0, 1]. Used verbatim; the first
	// advancement moves through PromotionSteps.
	InitialWeight float64 `json:"initialWeight"`

	// PromotionSteps are the weights walked on promotion, ascending to
	// at most 1. Advancing past the last step completes the canary.
	PromotionSteps []float64 `json:"promotionSteps"`

	// ObservationWindow is the minimum time spent on a step before
	// auto-promotion may advance it.
	ObservationWindow Duration `json:"observationWindow"`

	// ErrorThreshold is the new-version error rate above which the
	// canary auto-rolls-back, in [0, 1].
	ErrorThreshold float64 `json:"errorThreshold"`

	// LatencyThresholdMs, when positive, rolls the canary back if the
	// new version's p99 latency exceeds it.
	LatencyThresholdMs int `json:"latencyThresholdMs,omitempty"`

	// MinRequests is the minimum new-version sample size before any
	// autopilot rule fires. At least 1.
	MinRequests int `json:"minRequests"`

	// AutoPromote advances steps automatically once the observation
	// window elapses with healthy metrics.
	AutoPromote bool `json:"autoPromote"`
}

// withDefaults normalizes zero values.
func (c Config) withDefaults() Config {
	if c.MinRequests < 1 {
		c.MinRequests = 1
	}
	return c
}

// Validate rejects configurations the router cannot honor.
func (c Config) Validate() error {
	if c.InitialWeight < 0 || c.InitialWeight > 1 {
		return fmt.Errorf("initialWeight %v outside [0, 1]", c.InitialWeight)
	}
	if c.ErrorThreshold < 0 || c.ErrorThreshold > 1 {
		return fmt.Errorf("errorThreshold %v outside [0, 1]", c.ErrorThreshold)
	}
	if c.LatencyThresholdMs < 0 {
		return fmt.Errorf("latencyThresholdMs must be positive when set")
	}
	if c.ObservationWindow.Duration < 0 {
		return fmt.Errorf("observationWindow must not be negative")
	}
	previous := 0.0
	for i, step := range c.PromotionSteps {
		if step < previous || step > 1 {
			return fmt.Errorf("promotionSteps must ascend to at most 1, step %d is %v", i, step)
		}
		previous = step
	}
	return nil
}

// VersionRef identifies one side of a canary: a recorded pipeline
// version and its structural hash. Values, not handles; no ownership
// cycle back into the stores.
type VersionRef struct {
	Version        int    `json:"version"`
	StructuralHash string `json:"structuralHash"`
}

// Snapshot is the externally visible copy of a canary's state.
type Snapshot struct {
	PipelineName      string          `json:"pipelineName"`
	OldVersion        VersionRef      `json:"oldVersion"`
	NewVersion        VersionRef      `json:"newVersion"`
	Config            Config          `json:"config"`
	CurrentStep       int             `json:"currentStep"`
	CurrentWeight     float64         `json:"currentWeight"`
	Status            Status          `json:"status"`
	StartedAt         time.Time       `json:"startedAt"`
	LastStepStartedAt time.Time       `json:"lastStepStartedAt"`
	Metrics           MetricsSnapshot `json:"metrics"`
}

// MetricsSnapshot pairs the two sides' derived metrics.
type MetricsSnapshot struct {
	OldVersion SideSnapshot `json:"oldVersion"`
	NewVersion SideSnapshot `json:"newVersion"`
}

// SideSnapshot is the derived view of one side's VersionMetrics.
type SideSnapshot struct {
	Requests     int64   `json:"requests"`
	Successes    int64   `json:"successes"`
	Failures     int64   `json:"failures"`
	ErrorRate    float64 `json:"errorRate"`
	P99LatencyMs float64 `json:"p99LatencyMs"`
	AvgLatencyMs float64 `json:"avgLatencyMs"`
}
