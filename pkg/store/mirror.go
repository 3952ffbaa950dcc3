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

package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-logr/logr"

	"github.com/VledicFranco/constellation-engine-sub005/pkg/pipeline"
)

const (
	imagesDirName      = "images"
	aliasesFileName    = "aliases.json"
	syntacticFileName  = "syntactic-index.json"
	imageFileExtension = ".json"
)

// Mirror is the filesystem persistence adapter for the pipeline store.
// The directory is exclusively owned by one store instance for its
// lifetime; pointing multiple processes at it is not supported.
type Mirror struct {
	dir    string
	logger logr.Logger
}

// NewMirror creates a mirror rooted at dir. The directory is created
// lazily on first write, never as a side effect of loading.
func NewMirror(dir string, logger logr.Logger) *Mirror {
	return &Mirror{dir: dir, logger: logger.WithName("store-mirror")}
}

// Load reads every persisted image, the alias map, and the syntactic
// index. Corrupt JSON is logged and skipped; loading never writes.
func (m *Mirror) Load() (map[string]*pipeline.Image, map[string]string, map[string]string, error) {
	images := make(map[string]*pipeline.Image)
	aliases := make(map[string]string)
	syntactic := make(map[string]string)

	imagesDir := filepath.Join(m.dir, imagesDirName)
	entries, err := os.ReadDir(imagesDir)
	if err != nil && !os.IsNotExist(err) {
		return nil, nil, nil, pipeline.WrapError(pipeline.KindPersistenceError, err, "reading %s", imagesDir)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), imageFileExtension) {
			continue
		}
		path := filepath.Join(imagesDir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			m.logger.Error(err, "Skipping unreadable image file", "path", path)
			continue
		}
		var image pipeline.Image
		if err := json.Unmarshal(data, &image); err != nil {
			m.logger.Error(err, "Skipping corrupt image file", "path", path)
			continue
		}
		expected := strings.TrimSuffix(entry.Name(), imageFileExtension)
		if image.StructuralHash != expected {
			m.logger.Info("Skipping image file whose content hash does not match its name",
				"path", path, "contentHash", image.StructuralHash)
			continue
		}
		images[image.StructuralHash] = &image
	}

	if err := m.loadJSONMap(filepath.Join(m.dir, aliasesFileName), aliases); err != nil {
		return nil, nil, nil, err
	}
	if err := m.loadJSONMap(filepath.Join(m.dir, syntacticFileName), syntactic); err != nil {
		return nil, nil, nil, err
	}

	// Drop aliases and index entries whose target image did not survive
	// the load, so invariants hold in memory. The files on disk are left
	// untouched.
	for name, hash := range aliases {
		if _, ok := images[hash]; !ok {
			m.logger.Info("Dropping alias with missing target image", "alias", name, "hash", hash)
			delete(aliases, name)
		}
	}
	for sh, hash := range syntactic {
		if _, ok := images[hash]; !ok {
			delete(syntactic, sh)
		}
	}

	return images, aliases, syntactic, nil
}

func (m *Mirror) loadJSONMap(path string, into map[string]string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return pipeline.WrapError(pipeline.KindPersistenceError, err, "reading %s", path)
	}
	if err := json.Unmarshal(data, &into); err != nil {
		m.logger.Error(err, "Skipping corrupt JSON file", "path", path)
	}
	return nil
}

// WriteImage persists one image under images/<structuralHash>.json.
// Existing files are never overwritten; images are immutable.
func (m *Mirror) WriteImage(image *pipeline.Image) error {
	imagesDir := filepath.Join(m.dir, imagesDirName)
	if err := os.MkdirAll(imagesDir, 0o755); err != nil {
		return pipeline.WrapError(pipeline.KindPersistenceError, err, "creating %s", imagesDir)
	}
	path := filepath.Join(imagesDir, image.StructuralHash+imageFileExtension)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	data, err := json.MarshalIndent(image, "", "  ")
	if err != nil {
		return pipeline.WrapError(pipeline.KindPersistenceError, err, "encoding image %s", image.StructuralHash)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return pipeline.WrapError(pipeline.KindPersistenceError, err, "writing %s", path)
	}
	return nil
}

// RemoveImage deletes the persisted file for a hash.
func (m *Mirror) RemoveImage(hash string) error {
	path := filepath.Join(m.dir, imagesDirName, hash+imageFileExtension)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return pipeline.WrapError(pipeline.KindPersistenceError, err, "removing %s", path)
	}
	return nil
}

// WriteAliases persists the whole alias map atomically.
func (m *Mirror) WriteAliases(aliases map[string]string) error {
	return m.writeJSONAtomic(aliasesFileName, aliases)
}

// WriteSyntacticIndex persists the whole syntactic index atomically.
func (m *Mirror) WriteSyntacticIndex(index map[string]string) error {
	return m.writeJSONAtomic(syntacticFileName, index)
}

// writeJSONAtomic writes via a temp file in the same directory followed
// by a rename, so readers never observe a torn file.
func (m *Mirror) writeJSONAtomic(name string, payload map[string]string) error {
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return pipeline.WrapError(pipeline.KindPersistenceError, err, "creating %s", m.dir)
	}
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return pipeline.WrapError(pipeline.KindPersistenceError, err, "encoding %s", name)
	}
	tmp, err := os.CreateTemp(m.dir, name+".tmp-*")
	if err != nil {
		return pipeline.WrapError(pipeline.KindPersistenceError, err, "creating temp file for %s", name)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return pipeline.WrapError(pipeline.KindPersistenceError, err, "writing temp file for %s", name)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return pipeline.WrapError(pipeline.KindPersistenceError, err, "closing temp file for %s", name)
	}
	if err := os.Rename(tmpName, filepath.Join(m.dir, name)); err != nil {
		os.Remove(tmpName)
		return pipeline.WrapError(pipeline.KindPersistenceError, err, "renaming temp file to %s", name)
	}
	return nil
}

// Dir returns the mirror root.
func (m *Mirror) Dir() string {
	return m.dir
}

var _ fmt.Stringer = (*Mirror)(nil)

func (m *Mirror) String() string {
	return fmt.Sprintf("mirror(%s)", m.dir)
}
