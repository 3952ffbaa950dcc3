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

// Package suspension stores resumable execution records for pipelines
// that suspended on missing inputs.
package suspension

import (
	"sort"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/klog/v2"

	"github.com/VledicFranco/constellation-engine-sub005/pkg/pipeline"
)

// defaultMaxRecords bounds the store; the oldest records by CreatedAt
// are evicted first when full.
const defaultMaxRecords = 10_000

// Record is a durable, resumable execution. Identity is ExecutionID.
// MissingInputs and ProvidedInputs are always disjoint.
type Record struct {
	ExecutionID     string                             `json:"executionId"`
	StructuralHash  string                             `json:"structuralHash"`
	CreatedAt       time.Time                          `json:"createdAt"`
	LastTouchedAt   time.Time                          `json:"lastTouchedAt"`
	ResumptionCount int                                `json:"resumptionCount"`
	ProvidedInputs  map[string]pipeline.Value          `json:"providedInputs"`
	ResolvedNodes   map[string]pipeline.Value          `json:"resolvedNodes"`
	MissingInputs   map[string]pipeline.TypeDescriptor `json:"missingInputs"`
	PendingOutputs  []string                           `json:"pendingOutputs"`
}

// clone deep-copies the maps so callers never alias store-owned state.
func (r Record) clone() Record {
	out := r
	out.ProvidedInputs = cloneValues(r.ProvidedInputs)
	out.ResolvedNodes = cloneValues(r.ResolvedNodes)
	out.MissingInputs = make(map[string]pipeline.TypeDescriptor, len(r.MissingInputs))
	for name, desc := range r.MissingInputs {
		out.MissingInputs[name] = desc
	}
	out.PendingOutputs = append([]string(nil), r.PendingOutputs...)
	return out
}

func cloneValues(in map[string]pipeline.Value) map[string]pipeline.Value {
	out := make(map[string]pipeline.Value, len(in))
	for name, v := range in {
		out[name] = v
	}
	return out
}

// Options configures a Store.
type Options struct {
	// MaxRecords caps the store; default 10 000.
	MaxRecords int
	// Logger defaults to klog.Background().
	Logger logr.Logger
}

// Store owns all suspension records exclusively; callers receive copies.
type Store struct {
	mu         sync.RWMutex
	records    map[string]*Record
	maxRecords int
	logger     logr.Logger
}

// New creates a suspension store.
func New(opts Options) *Store {
	logger := opts.Logger
	if logger.GetSink() == nil {
		logger = klog.Background()
	}
	maxRecords := opts.MaxRecords
	if maxRecords < 1 {
		maxRecords = defaultMaxRecords
	}
	return &Store{
		records:    make(map[string]*Record),
		maxRecords: maxRecords,
		logger:     logger.WithName("suspension-store"),
	}
}

// Upsert inserts or replaces a record, evicting the oldest records when
// the insert would exceed capacity.
func (s *Store) Upsert(record Record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[record.ExecutionID]; !exists && len(s.records) >= s.maxRecords {
		s.evictOldestLocked(len(s.records) - s.maxRecords + 1)
	}
	stored := record.clone()
	s.records[record.ExecutionID] = &stored
	s.logger.V(2).Info("Stored suspension",
		"executionId", record.ExecutionID,
		"hash", record.StructuralHash,
		"missingInputs", len(record.MissingInputs),
		"resumptions", record.ResumptionCount)
}

// Get returns a copy of the record for an execution id.
func (s *Store) Get(executionID string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.records[executionID]
	if !ok {
		return Record{}, false
	}
	return record.clone(), true
}

// Delete removes a record, reporting whether it existed.
func (s *Store) Delete(executionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[executionID]; !ok {
		return false
	}
	delete(s.records, executionID)
	s.logger.V(2).Info("Deleted suspension", "executionId", executionID)
	return true
}

// List returns copies of every record, newest first by CreatedAt.
func (s *Store) List() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Record, 0, len(s.records))
	for _, record := range s.records {
		out = append(out, record.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Len returns the current record count.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// References reports whether any record still references a hash.
// Registered with the pipeline store as a delete-policy checker.
func (s *Store) References(structuralHash string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, record := range s.records {
		if record.StructuralHash == structuralHash {
			return "suspended execution " + record.ExecutionID, true
		}
	}
	return "", false
}

// evictOldestLocked drops n records, oldest CreatedAt first.
func (s *Store) evictOldestLocked(n int) {
	type aged struct {
		id        string
		createdAt time.Time
	}
	all := make([]aged, 0, len(s.records))
	for id, record := range s.records {
		all = append(all, aged{id: id, createdAt: record.CreatedAt})
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].createdAt.Before(all[j].createdAt)
	})
	for i := 0; i < n && i < len(all); i++ {
		delete(s.records, all[i].id)
		s.logger.V(1).Info("Evicted suspension at capacity", "executionId", all[i].id)
	}
}
