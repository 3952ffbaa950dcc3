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

package suspension

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/VledicFranco/constellation-engine-sub005/pkg/pipeline"
)

func sampleRecord(id string, createdAt time.Time) Record {
	return Record{
		ExecutionID:    id,
		StructuralHash: "3333333333333333333333333333333333333333333333333333333333333333",
		CreatedAt:      createdAt,
		LastTouchedAt:  createdAt,
		ProvidedInputs: map[string]pipeline.Value{"x": pipeline.IntValue(5)},
		ResolvedNodes:  map[string]pipeline.Value{"n0": pipeline.IntValue(5)},
		MissingInputs:  map[string]pipeline.TypeDescriptor{"y": pipeline.Primitive(pipeline.PrimitiveInt)},
		PendingOutputs: []string{"x"},
	}
}

func TestUpsertGetDelete(t *testing.T) {
	s := New(Options{})
	now := time.Now()

	s.Upsert(sampleRecord("e1", now))
	require.Equal(t, 1, s.Len())

	got, ok := s.Get("e1")
	require.True(t, ok)
	require.Equal(t, "e1", got.ExecutionID)
	require.Equal(t, int64(5), got.ProvidedInputs["x"].Data)

	_, ok = s.Get("missing")
	require.False(t, ok)

	require.True(t, s.Delete("e1"))
	require.False(t, s.Delete("e1"))
	require.Equal(t, 0, s.Len())
}

// Callers get copies: mutating a returned record must not leak into the
// store.
func TestRecordsAreIsolated(t *testing.T) {
	s := New(Options{})
	s.Upsert(sampleRecord("e1", time.Now()))

	got, _ := s.Get("e1")
	got.ProvidedInputs["x"] = pipeline.IntValue(99)
	got.PendingOutputs[0] = "mutated"

	fresh, _ := s.Get("e1")
	require.Equal(t, int64(5), fresh.ProvidedInputs["x"].Data)
	require.Equal(t, "x", fresh.PendingOutputs[0])
}

func TestListNewestFirst(t *testing.T) {
	s := New(Options{})
	base := time.Now()
	s.Upsert(sampleRecord("old", base.Add(-2*time.Hour)))
	s.Upsert(sampleRecord("mid", base.Add(-time.Hour)))
	s.Upsert(sampleRecord("new", base))

	records := s.List()
	require.Len(t, records, 3)
	require.Equal(t, "new", records[0].ExecutionID)
	require.Equal(t, "old", records[2].ExecutionID)
}

// At capacity the oldest records by CreatedAt are evicted first.
func TestEvictionAtCapacity(t *testing.T) {
	s := New(Options{MaxRecords: 3})
	base := time.Now()
	for i := 0; i < 3; i++ {
		s.Upsert(sampleRecord(fmt.Sprintf("e%d", i), base.Add(time.Duration(i)*time.Minute)))
	}

	s.Upsert(sampleRecord("e3", base.Add(3*time.Minute)))
	require.Equal(t, 3, s.Len())
	_, ok := s.Get("e0")
	require.False(t, ok, "oldest record evicted")
	_, ok = s.Get("e3")
	require.True(t, ok)

	// Replacing an existing record does not evict.
	s.Upsert(sampleRecord("e3", base.Add(4*time.Minute)))
	require.Equal(t, 3, s.Len())
	_, ok = s.Get("e1")
	require.True(t, ok)
}

func TestReferences(t *testing.T) {
	s := New(Options{})
	record := sampleRecord("e1", time.Now())
	s.Upsert(record)

	holder, referenced := s.References(record.StructuralHash)
	require.True(t, referenced)
	require.Contains(t, holder, "e1")

	_, referenced = s.References("4444444444444444444444444444444444444444444444444444444444444444")
	require.False(t, referenced)
}
