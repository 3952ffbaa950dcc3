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
	"math"
	"sort"
)

// defaultMaxLatencySamples bounds the latency ring per side.
const defaultMaxLatencySamples = 1024

// versionMetrics accumulates one side's counters and a bounded ring of
// recent latency samples. Not safe for concurrent use on its own; the
// owning canary entry serializes access.
type versionMetrics struct {
	requests  int64
	successes int64
	failures  int64

	latencies []float64
	next      int
	filled    bool
}

func newVersionMetrics(maxSamples int) *versionMetrics {
	if maxSamples < 1 {
		maxSamples = defaultMaxLatencySamples
	}
	return &versionMetrics{latencies: make([]float64, 0, maxSamples)}
}

func (m *versionMetrics) observe(success bool, latencyMs float64) {
	m.requests++
	if success {
		m.successes++
	} else {
		m.failures++
	}
	if m.filled {
		m.latencies[m.next] = latencyMs
		m.next = (m.next + 1) % cap(m.latencies)
		return
	}
	m.latencies = append(m.latencies, latencyMs)
	if len(m.latencies) == cap(m.latencies) {
		m.filled = true
	}
}

func (m *versionMetrics) errorRate() float64 {
	requests := m.requests
	if requests < 1 {
		requests = 1
	}
	return float64(m.failures) / float64(requests)
}

// p99LatencyMs is the ceil(0.99*n)-th order statistic of the retained
// samples, 0 when empty.
func (m *versionMetrics) p99LatencyMs() float64 {
	n := len(m.latencies)
	if n == 0 {
		return 0
	}
	sorted := make([]float64, n)
	copy(sorted, m.latencies)
	sort.Float64s(sorted)
	rank := int(math.Ceil(0.99 * float64(n)))
	if rank < 1 {
		rank = 1
	}
	return sorted[rank-1]
}

func (m *versionMetrics) avgLatencyMs() float64 {
	if len(m.latencies) == 0 {
		return 0
	}
	total := 0.0
	for _, sample := range m.latencies {
		total += sample
	}
	return total / float64(len(m.latencies))
}

func (m *versionMetrics) reset() {
	m.requests = 0
	m.successes = 0
	m.failures = 0
	m.latencies = m.latencies[:0]
	m.next = 0
	m.filled = false
}

func (m *versionMetrics) snapshot() SideSnapshot {
	return SideSnapshot{
		Requests:     m.requests,
		Successes:    m.successes,
		Failures:     m.failures,
		ErrorRate:    m.errorRate(),
		P99LatencyMs: m.p99LatencyMs(),
		AvgLatencyMs: m.avgLatencyMs(),
	}
}
