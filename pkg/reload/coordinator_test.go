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

package reload

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/VledicFranco/constellation-engine-sub005/pkg/canary"
	"github.com/VledicFranco/constellation-engine-sub005/pkg/dsl"
	"github.com/VledicFranco/constellation-engine-sub005/pkg/pipeline"
	"github.com/VledicFranco/constellation-engine-sub005/pkg/store"
	"github.com/VledicFranco/constellation-engine-sub005/pkg/version"
)

const (
	sourceV1 = "in x: Int\nout x"
	sourceV2 = "in x: Int\nin y: Int\nout x"
)

type fixture struct {
	store       *store.Store
	versions    *version.Store
	canaries    *canary.Router
	coordinator *Coordinator
}

// newFixture seeds one named pipeline at version 1, wired the way the
// server wires it: canary completion repoints the alias.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.New(store.Options{})
	require.NoError(t, err)
	v, err := version.New(version.Options{})
	require.NoError(t, err)

	f := &fixture{store: s, versions: v}
	f.canaries = canary.NewRouter(canary.RouterOptions{
		OnComplete: func(name, hash string) { f.coordinator.OnCanaryComplete(name, hash) },
	})
	f.coordinator = New(Options{
		Store:    s,
		Versions: v,
		Canaries: f.canaries,
		Compiler: dsl.NewCompiler(),
	})

	image, err := dsl.NewCompiler().Compile(context.Background(), sourceV1)
	require.NoError(t, err)
	require.NoError(t, s.Store(image))
	require.NoError(t, s.IndexSyntactic(image.SyntacticHash, image.StructuralHash))
	require.NoError(t, s.Alias("passthrough", image.StructuralHash))
	_, err = v.RecordVersion("passthrough", image.StructuralHash, sourceV1)
	require.NoError(t, err)
	return f
}

func (f *fixture) activeHash(t *testing.T) string {
	t.Helper()
	hash, ok := f.store.Resolve("passthrough")
	require.True(t, ok)
	return hash
}

func TestReloadSwapsAlias(t *testing.T) {
	f := newFixture(t)
	before := f.activeHash(t)

	result, err := f.coordinator.Reload(context.Background(), "passthrough", sourceV2, nil)
	require.NoError(t, err)
	require.True(t, result.Changed)
	require.Equal(t, before, result.PreviousHash)
	require.NotEqual(t, before, result.NewHash)
	require.Equal(t, 2, result.Version)
	require.Nil(t, result.Canary)

	require.Equal(t, result.NewHash, f.activeHash(t))
	active, ok := f.versions.ActiveVersion("passthrough")
	require.True(t, ok)
	require.Equal(t, 2, active)
}

func TestReloadUnchangedSourceIsNoOp(t *testing.T) {
	f := newFixture(t)
	before := f.activeHash(t)

	// Same structure under different formatting: same structural hash.
	result, err := f.coordinator.Reload(context.Background(), "passthrough", "in  value : Int\nout value", nil)
	require.NoError(t, err)
	require.False(t, result.Changed)
	require.Equal(t, before, result.NewHash)
	require.Zero(t, result.Version)

	require.Len(t, f.versions.ListVersions("passthrough"), 1, "no version bump on no-op")
	require.Equal(t, before, f.activeHash(t))
}

func TestReloadRejectsNoOpCanary(t *testing.T) {
	f := newFixture(t)
	cfg := &canary.Config{InitialWeight: 0.5, MinRequests: 1}

	_, err := f.coordinator.Reload(context.Background(), "passthrough", sourceV1, cfg)
	require.True(t, pipeline.IsKind(err, pipeline.KindInvalidInput))
	require.Nil(t, f.canaries.GetState("passthrough"))
}

func TestReloadUnknownName(t *testing.T) {
	f := newFixture(t)
	_, err := f.coordinator.Reload(context.Background(), "unknown", sourceV2, nil)
	require.True(t, pipeline.IsKind(err, pipeline.KindNotFound))
}

func TestReloadCompileErrorLeavesStateUntouched(t *testing.T) {
	f := newFixture(t)
	before := f.activeHash(t)

	_, err := f.coordinator.Reload(context.Background(), "passthrough", "in x: Mystery\nout x", nil)
	require.True(t, pipeline.IsKind(err, pipeline.KindCompileError))

	require.Equal(t, before, f.activeHash(t))
	require.Len(t, f.versions.ListVersions("passthrough"), 1)
}

func TestReloadWithNoSource(t *testing.T) {
	f := newFixture(t)

	_, err := f.coordinator.Reload(context.Background(), "passthrough", "", nil)
	require.True(t, pipeline.IsKind(err, pipeline.KindNoSource))

	// With a remembered file the reload re-reads it.
	path := filepath.Join(t.TempDir(), "passthrough.cst")
	require.NoError(t, os.WriteFile(path, []byte(sourceV2), 0o644))
	f.coordinator.RememberSource("passthrough", path)

	result, err := f.coordinator.Reload(context.Background(), "passthrough", "", nil)
	require.NoError(t, err)
	require.True(t, result.Changed)
}

// A canary reload records the version but defers the alias repoint until
// the canary completes.
func TestReloadUnderCanaryDefersAliasRepoint(t *testing.T) {
	f := newFixture(t)
	before := f.activeHash(t)

	result, err := f.coordinator.Reload(context.Background(), "passthrough", sourceV2, &canary.Config{
		InitialWeight:     1.0,
		PromotionSteps:    []float64{1.0},
		ObservationWindow: canary.Duration{},
		MinRequests:       1,
		AutoPromote:       true,
	})
	require.NoError(t, err)
	require.True(t, result.Changed)
	require.NotNil(t, result.Canary)
	require.Equal(t, canary.StatusObserving, result.Canary.Status)
	require.Equal(t, 1, result.Canary.OldVersion.Version)
	require.Equal(t, 2, result.Canary.NewVersion.Version)

	require.Equal(t, before, f.activeHash(t), "alias repoint deferred during canary")
	require.Len(t, f.versions.ListVersions("passthrough"), 2)

	// One healthy result auto-promotes past the single step; completion
	// repoints the alias.
	snap := f.canaries.RecordResult("passthrough", result.NewHash, true, 5)
	require.Equal(t, canary.StatusComplete, snap.Status)
	require.Equal(t, result.NewHash, f.activeHash(t))
}

func TestReloadConflictsWithActiveCanary(t *testing.T) {
	f := newFixture(t)
	cfg := &canary.Config{InitialWeight: 0.5, MinRequests: 1}

	_, err := f.coordinator.Reload(context.Background(), "passthrough", sourceV2, cfg)
	require.NoError(t, err)

	_, err = f.coordinator.Reload(context.Background(), "passthrough", "in a: Float\nout a", cfg)
	require.True(t, pipeline.IsKind(err, pipeline.KindConflict))
}

func TestRollback(t *testing.T) {
	f := newFixture(t)
	v1Hash := f.activeHash(t)

	result, err := f.coordinator.Reload(context.Background(), "passthrough", sourceV2, nil)
	require.NoError(t, err)
	require.Equal(t, result.NewHash, f.activeHash(t))

	// Implicit rollback targets the version below the active one.
	rolled, err := f.coordinator.Rollback("passthrough", 0)
	require.NoError(t, err)
	require.Equal(t, 1, rolled.Version)
	require.Equal(t, v1Hash, f.activeHash(t))

	// Explicit rollback targets any recorded version.
	rolled, err = f.coordinator.Rollback("passthrough", 2)
	require.NoError(t, err)
	require.Equal(t, 2, rolled.Version)
	require.Equal(t, result.NewHash, f.activeHash(t))

	_, err = f.coordinator.Rollback("passthrough", 9)
	require.True(t, pipeline.IsKind(err, pipeline.KindNotFound))
	_, err = f.coordinator.Rollback("unknown", 0)
	require.True(t, pipeline.IsKind(err, pipeline.KindNotFound))
}

func TestSourceMemory(t *testing.T) {
	f := newFixture(t)
	f.coordinator.RememberSource("passthrough", "/srv/pipelines/passthrough.cst")
	path, ok := f.coordinator.SourcePath("passthrough")
	require.True(t, ok)
	require.Equal(t, "/srv/pipelines/passthrough.cst", path)
	_, ok = f.coordinator.SourcePath("unknown")
	require.False(t, ok)

	// Rollback after a reload that replaced the file contents still works
	// without touching the remembered path.
	_, err := f.coordinator.Reload(context.Background(), "passthrough", sourceV2, nil)
	require.NoError(t, err)
	_, err = f.coordinator.Rollback("passthrough", 0)
	require.NoError(t, err)
}
