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
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/VledicFranco/constellation-engine-sub005/pkg/dsl"
	"github.com/VledicFranco/constellation-engine-sub005/pkg/pipeline"
)

func compileForTest(t *testing.T, source string) *pipeline.Image {
	t.Helper()
	image, err := dsl.NewCompiler().Compile(context.Background(), source)
	require.NoError(t, err)
	return image
}

func newMemoryStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(Options{})
	require.NoError(t, err)
	return s
}

func TestStoreIsIdempotent(t *testing.T) {
	s := newMemoryStore(t)
	image := compileForTest(t, "in x: Int\nout x")

	for i := 0; i < 3; i++ {
		require.NoError(t, s.Store(image))
	}
	require.Len(t, s.ListImages(), 1)

	got, ok := s.Get(image.StructuralHash)
	require.True(t, ok)
	require.Equal(t, image.StructuralHash, got.StructuralHash)
}

func TestAliasResolution(t *testing.T) {
	s := newMemoryStore(t)
	image := compileForTest(t, "in x: Int\nout x")
	require.NoError(t, s.Store(image))

	require.NoError(t, s.Alias("passthrough", image.StructuralHash))

	hash, ok := s.Resolve("passthrough")
	require.True(t, ok)
	require.Equal(t, image.StructuralHash, hash)

	got, ok := s.GetByName("passthrough")
	require.True(t, ok)
	require.Equal(t, image.StructuralHash, got.StructuralHash)

	require.Equal(t, []string{"passthrough"}, s.AliasesFor(image.StructuralHash))

	removed, err := s.Unalias("passthrough")
	require.NoError(t, err)
	require.True(t, removed)
	_, ok = s.Resolve("passthrough")
	require.False(t, ok)

	removed, err = s.Unalias("passthrough")
	require.NoError(t, err)
	require.False(t, removed)
}

func TestAliasValidation(t *testing.T) {
	s := newMemoryStore(t)
	image := compileForTest(t, "in x: Int\nout x")
	require.NoError(t, s.Store(image))

	tests := map[string]struct {
		name     string
		wantKind pipeline.ErrorKind
	}{
		"empty":           {name: "   ", wantKind: pipeline.KindInvalidInput},
		"with whitespace": {name: "two words", wantKind: pipeline.KindInvalidInput},
		"hash shaped":     {name: image.StructuralHash, wantKind: pipeline.KindInvalidInput},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			err := s.Alias(tc.name, image.StructuralHash)
			require.Error(t, err)
			require.Equal(t, tc.wantKind, pipeline.KindOf(err))
		})
	}

	err := s.Alias("orphan", "0000000000000000000000000000000000000000000000000000000000000000")
	require.True(t, pipeline.IsKind(err, pipeline.KindNotFound))
}

// Images are removable only when no alias and no registered reference
// checker claims them.
func TestRemoveDeletePolicy(t *testing.T) {
	s := newMemoryStore(t)
	image := compileForTest(t, "in x: Int\nout x")
	require.NoError(t, s.Store(image))
	require.NoError(t, s.Alias("keep", image.StructuralHash))

	err := s.Remove(image.StructuralHash)
	require.True(t, pipeline.IsKind(err, pipeline.KindConflict))

	removed, err := s.Unalias("keep")
	require.NoError(t, err)
	require.True(t, removed)

	pinned := true
	s.RegisterReferenceChecker(func(hash string) (string, bool) {
		if pinned && hash == image.StructuralHash {
			return "version history of keep", true
		}
		return "", false
	})
	err = s.Remove(image.StructuralHash)
	require.True(t, pipeline.IsKind(err, pipeline.KindConflict))

	pinned = false
	require.NoError(t, s.Remove(image.StructuralHash))
	_, ok := s.Get(image.StructuralHash)
	require.False(t, ok)

	err = s.Remove(image.StructuralHash)
	require.True(t, pipeline.IsKind(err, pipeline.KindNotFound))
}

func TestSyntacticIndex(t *testing.T) {
	s := newMemoryStore(t)
	image := compileForTest(t, "in x: Int\nout x")
	require.NoError(t, s.Store(image))
	require.NoError(t, s.IndexSyntactic(image.SyntacticHash, image.StructuralHash))

	hash, ok := s.LookupSyntactic(image.SyntacticHash)
	require.True(t, ok)
	require.Equal(t, image.StructuralHash, hash)

	// Removing the image drops its index entries with it.
	require.NoError(t, s.Remove(image.StructuralHash))
	_, ok = s.LookupSyntactic(image.SyntacticHash)
	require.False(t, ok)
}

func TestPersistenceSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	image := compileForTest(t, "in x: Int\nout x")

	s, err := New(Options{Dir: dir})
	require.NoError(t, err)
	require.NoError(t, s.Store(image))
	require.NoError(t, s.Alias("passthrough", image.StructuralHash))
	require.NoError(t, s.IndexSyntactic(image.SyntacticHash, image.StructuralHash))

	restarted, err := New(Options{Dir: dir})
	require.NoError(t, err)
	require.Len(t, restarted.ListImages(), 1)

	hash, ok := restarted.Resolve("passthrough")
	require.True(t, ok)
	require.Equal(t, image.StructuralHash, hash)

	indexed, ok := restarted.LookupSyntactic(image.SyntacticHash)
	require.True(t, ok)
	require.Equal(t, image.StructuralHash, indexed)
}

// Corrupt image files are skipped at load; valid ones survive. The load
// never rewrites the directory.
func TestPersistenceSkipsCorruptFiles(t *testing.T) {
	dir := t.TempDir()
	image := compileForTest(t, "in x: Int\nout x")

	s, err := New(Options{Dir: dir})
	require.NoError(t, err)
	require.NoError(t, s.Store(image))

	corrupt := filepath.Join(dir, "images", "not-a-hash.json")
	require.NoError(t, os.WriteFile(corrupt, []byte("{corrupt"), 0o644))

	restarted, err := New(Options{Dir: dir})
	require.NoError(t, err)
	require.Len(t, restarted.ListImages(), 1)

	_, err = os.Stat(corrupt)
	require.NoError(t, err, "load must not repair the directory")
}

func TestRemoveDeletesImageFile(t *testing.T) {
	dir := t.TempDir()
	image := compileForTest(t, "in x: Int\nout x")

	s, err := New(Options{Dir: dir})
	require.NoError(t, err)
	require.NoError(t, s.Store(image))

	path := filepath.Join(dir, "images", image.StructuralHash+".json")
	_, err = os.Stat(path)
	require.NoError(t, err)

	require.NoError(t, s.Remove(image.StructuralHash))
	_, err = os.Stat(path)
	require.True(t, os.IsNotExist(err))
}
