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

// Package version tracks per-name monotonic pipeline version history
// with an active-version pointer.
package version

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/klog/v2"

	"github.com/VledicFranco/constellation-engine-sub005/pkg/pipeline"
)

const versionsFileName = "versions.json"

// PipelineVersion is one entry in a named pipeline's history. Versions
// are strictly increasing within a name and never reused.
type PipelineVersion struct {
	Version        int       `json:"version"`
	StructuralHash string    `json:"structuralHash"`
	CreatedAt      time.Time `json:"createdAt"`
	SourceText     string    `json:"sourceText,omitempty"`
}

// namedHistory is the per-name slot: the contiguous version list plus
// the active pointer. All updates to one slot happen under the store
// lock as a single read-modify-write.
type namedHistory struct {
	Versions []PipelineVersion `json:"versions"`
	Active   int               `json:"active"`
}

// Options configures a Store.
type Options struct {
	// Dir enables persistence of the version history when non-empty.
	Dir string
	// Logger defaults to klog.Background().
	Logger logr.Logger
}

// Store holds version history for every named pipeline.
type Store struct {
	mu     sync.RWMutex
	byName map[string]*namedHistory
	dir    string
	logger logr.Logger
}

// New creates a version store, reloading persisted history when a
// directory is configured.
func New(opts Options) (*Store, error) {
	logger := opts.Logger
	if logger.GetSink() == nil {
		logger = klog.Background()
	}
	s := &Store{
		byName: make(map[string]*namedHistory),
		dir:    opts.Dir,
		logger: logger.WithName("version-store"),
	}
	if opts.Dir != "" {
		if err := s.load(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// RecordVersion allocates the next version number for a name, marks it
// active, and persists. The first version of a name is 1.
func (s *Store) RecordVersion(name, structuralHash, sourceText string) (PipelineVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	history, ok := s.byName[name]
	if !ok {
		history = &namedHistory{}
		s.byName[name] = history
	}

	v := PipelineVersion{
		Version:        len(history.Versions) + 1,
		StructuralHash: structuralHash,
		CreatedAt:      time.Now(),
		SourceText:     sourceText,
	}
	history.Versions = append(history.Versions, v)
	previousActive := history.Active
	history.Active = v.Version

	if err := s.persistLocked(); err != nil {
		history.Versions = history.Versions[:len(history.Versions)-1]
		history.Active = previousActive
		if len(history.Versions) == 0 {
			delete(s.byName, name)
		}
		return PipelineVersion{}, err
	}

	s.logger.V(2).Info("Recorded version", "pipeline", name, "version", v.Version, "hash", structuralHash)
	return v, nil
}

// ListVersions returns a name's history, newest first.
func (s *Store) ListVersions(name string) []PipelineVersion {
	s.mu.RLock()
	defer s.mu.RUnlock()
	history, ok := s.byName[name]
	if !ok {
		return nil
	}
	out := make([]PipelineVersion, len(history.Versions))
	for i, v := range history.Versions {
		out[len(history.Versions)-1-i] = v
	}
	return out
}

// ActiveVersion returns the active version number for a name.
func (s *Store) ActiveVersion(name string) (int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	history, ok := s.byName[name]
	if !ok || history.Active == 0 {
		return 0, false
	}
	return history.Active, true
}

// SetActiveVersion repoints the active marker to an existing version.
// Returns false without mutating when the version does not exist.
func (s *Store) SetActiveVersion(name string, v int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	history, ok := s.byName[name]
	if !ok || v < 1 || v > len(history.Versions) {
		return false, nil
	}
	previous := history.Active
	history.Active = v
	if err := s.persistLocked(); err != nil {
		history.Active = previous
		return false, err
	}
	return true, nil
}

// GetVersion returns a specific version of a name.
func (s *Store) GetVersion(name string, v int) (PipelineVersion, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	history, ok := s.byName[name]
	if !ok || v < 1 || v > len(history.Versions) {
		return PipelineVersion{}, false
	}
	return history.Versions[v-1], true
}

// ActivePipelineVersion returns the full entry the active pointer
// references.
func (s *Store) ActivePipelineVersion(name string) (PipelineVersion, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	history, ok := s.byName[name]
	if !ok || history.Active == 0 {
		return PipelineVersion{}, false
	}
	return history.Versions[history.Active-1], true
}

// PreviousVersion returns the version with the highest number strictly
// below the current active one.
func (s *Store) PreviousVersion(name string) (PipelineVersion, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	history, ok := s.byName[name]
	if !ok || history.Active <= 1 {
		return PipelineVersion{}, false
	}
	return history.Versions[history.Active-2], true
}

// Forget drops a name's entire version history and persists. Called
// when the name's alias is removed: history that can no longer be
// rolled back to must not pin images forever.
func (s *Store) Forget(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	history, ok := s.byName[name]
	if !ok {
		return nil
	}
	delete(s.byName, name)
	if err := s.persistLocked(); err != nil {
		s.byName[name] = history
		return err
	}
	s.logger.V(2).Info("Forgot version history", "pipeline", name)
	return nil
}

// Names returns every pipeline name with recorded versions.
func (s *Store) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.byName))
	for name := range s.byName {
		names = append(names, name)
	}
	return names
}

// References reports whether any version entry still references a hash.
// Registered with the pipeline store as its delete-policy checker.
func (s *Store) References(structuralHash string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for name, history := range s.byName {
		for _, v := range history.Versions {
			if v.StructuralHash == structuralHash {
				return "version history of " + name, true
			}
		}
	}
	return "", false
}

func (s *Store) load() error {
	path := filepath.Join(s.dir, versionsFileName)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return pipeline.WrapError(pipeline.KindPersistenceError, err, "reading %s", path)
	}
	byName := make(map[string]*namedHistory)
	if err := json.Unmarshal(data, &byName); err != nil {
		s.logger.Error(err, "Skipping corrupt version history file", "path", path)
		return nil
	}
	s.byName = byName
	s.logger.Info("Reloaded version history", "pipelines", len(byName))
	return nil
}

// persistLocked writes the full history atomically. Callers hold the
// write lock so disk and memory cannot diverge.
func (s *Store) persistLocked() error {
	if s.dir == "" {
		return nil
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return pipeline.WrapError(pipeline.KindPersistenceError, err, "creating %s", s.dir)
	}
	data, err := json.MarshalIndent(s.byName, "", "  ")
	if err != nil {
		return pipeline.WrapError(pipeline.KindPersistenceError, err, "encoding version history")
	}
	tmp, err := os.CreateTemp(s.dir, versionsFileName+".tmp-*")
	if err != nil {
		return pipeline.WrapError(pipeline.KindPersistenceError, err, "creating temp version file")
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return pipeline.WrapError(pipeline.KindPersistenceError, err, "writing temp version file")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return pipeline.WrapError(pipeline.KindPersistenceError, err, "closing temp version file")
	}
	if err := os.Rename(tmpName, filepath.Join(s.dir, versionsFileName)); err != nil {
		os.Remove(tmpName)
		return pipeline.WrapError(pipeline.KindPersistenceError, err, "renaming temp version file")
	}
	return nil
}
