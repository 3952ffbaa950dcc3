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

// Package loader bulk-compiles pipeline source files from a directory
// into the store, typically at server startup.
package loader

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/go-logr/logr"
	"go.uber.org/multierr"
	"k8s.io/klog/v2"

	"github.com/VledicFranco/constellation-engine-sub005/pkg/pipeline"
	"github.com/VledicFranco/constellation-engine-sub005/pkg/store"
	"github.com/VledicFranco/constellation-engine-sub005/pkg/version"
)

// AliasStrategy decides how loaded files are named.
type AliasStrategy string

const (
	// AliasFileName aliases each pipeline by its base file name without
	// extension. The default.
	AliasFileName AliasStrategy = "file-name"
	// AliasRelativePath aliases by the file's path relative to the load
	// root, without extension, with / separators.
	AliasRelativePath AliasStrategy = "relative-path"
	// AliasHashOnly stores images without creating aliases.
	AliasHashOnly AliasStrategy = "hash-only"
)

// ParseAliasStrategy validates a strategy name from configuration.
func ParseAliasStrategy(s string) (AliasStrategy, error) {
	switch AliasStrategy(s) {
	case AliasFileName, AliasRelativePath, AliasHashOnly:
		return AliasStrategy(s), nil
	case "":
		return AliasFileName, nil
	}
	return "", pipeline.NewError(pipeline.KindInvalidInput, "unknown alias strategy %q", s)
}

// VersionRecorder receives a version entry for each aliased load, so
// loaded pipelines are immediately rollback-capable. *version.Store
// satisfies it.
type VersionRecorder interface {
	RecordVersion(name, structuralHash, sourceText string) (version.PipelineVersion, error)
}

// Options configures a Loader.
type Options struct {
	Store    *store.Store
	Compiler pipeline.Compiler
	// Versions is optional; when set, aliased loads record version 1 (or
	// the next version when the name already has history).
	Versions VersionRecorder
	// RememberSource is optional; called with (alias, path) for each
	// aliased load so hot reload can find the file later.
	RememberSource func(alias, path string)

	Strategy AliasStrategy
	// Recursive descends into subdirectories.
	Recursive bool
	// FailOnError makes Load return the aggregated per-file errors
	// instead of continuing past them.
	FailOnError bool
	// Extension overrides the source file extension; default ".cst".
	Extension string

	// Logger defaults to klog.Background().
	Logger logr.Logger
}

// LoadedPipeline is one successfully loaded file.
type LoadedPipeline struct {
	Path           string `json:"path"`
	Alias          string `json:"alias,omitempty"`
	StructuralHash string `json:"structuralHash"`
}

// SkippedFile is a file that resolved to an already-stored image through
// the syntactic index.
type SkippedFile struct {
	Path           string `json:"path"`
	StructuralHash string `json:"structuralHash"`
}

// FailedFile is a file the loader could not ingest.
type FailedFile struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

// Result summarizes one Load run.
type Result struct {
	Loaded  []LoadedPipeline `json:"loaded"`
	Skipped []SkippedFile    `json:"skipped"`
	Failed  []FailedFile     `json:"failed"`
}

// Loader scans directories for pipeline sources.
type Loader struct {
	store          *store.Store
	compiler       pipeline.Compiler
	versions       VersionRecorder
	rememberSource func(alias, path string)
	strategy       AliasStrategy
	recursive      bool
	failOnError    bool
	extension      string
	logger         logr.Logger
}

// New creates a loader.
func New(opts Options) *Loader {
	logger := opts.Logger
	if logger.GetSink() == nil {
		logger = klog.Background()
	}
	strategy := opts.Strategy
	if strategy == "" {
		strategy = AliasFileName
	}
	extension := opts.Extension
	if extension == "" {
		extension = ".cst"
	}
	return &Loader{
		store:          opts.Store,
		compiler:       opts.Compiler,
		versions:       opts.Versions,
		rememberSource: opts.RememberSource,
		strategy:       strategy,
		recursive:      opts.Recursive,
		failOnError:    opts.FailOnError,
		extension:      extension,
		logger:         logger.WithName("loader"),
	}
}

// Load walks root recursively, ingesting every source file in a stable
// order. Files whose normalized source is already stored are skipped via
// the syntactic index without recompiling. Two files claiming the same
// alias is an error for the later file.
func (l *Loader) Load(ctx context.Context, root string) (*Result, error) {
	paths, err := l.discover(root)
	if err != nil {
		return nil, err
	}

	result := &Result{}
	claimed := make(map[string]string)
	var errs error
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return result, pipeline.WrapError(pipeline.KindEngineError, err, "load cancelled")
		}
		if err := l.loadFile(ctx, root, path, claimed, result); err != nil {
			result.Failed = append(result.Failed, FailedFile{Path: path, Reason: err.Error()})
			errs = multierr.Append(errs, err)
			l.logger.Error(err, "Failed to load pipeline source", "path", path)
		}
	}

	l.logger.Info("Bulk load finished",
		"root", root,
		"loaded", len(result.Loaded),
		"skipped", len(result.Skipped),
		"failed", len(result.Failed))

	if l.failOnError && errs != nil {
		return result, errs
	}
	return result, nil
}

// discover returns all matching files under root, sorted so load order
// (and thus alias collision outcomes) is deterministic.
func (l *Loader) discover(root string) ([]string, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, pipeline.WrapError(pipeline.KindNotFound, err, "load path %s", root)
	}
	if !info.IsDir() {
		return nil, pipeline.NewError(pipeline.KindInvalidInput, "load path %s is not a directory", root)
	}

	var paths []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if !l.recursive && path != root {
				return fs.SkipDir
			}
			return nil
		}
		if strings.HasSuffix(d.Name(), l.extension) {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, pipeline.WrapError(pipeline.KindPersistenceError, err, "scanning %s", root)
	}
	sort.Strings(paths)
	return paths, nil
}

func (l *Loader) loadFile(ctx context.Context, root, path string, claimed map[string]string, result *Result) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return pipeline.WrapError(pipeline.KindPersistenceError, err, "reading %s", path)
	}
	if !utf8.Valid(data) {
		return pipeline.NewError(pipeline.KindInvalidInput, "%s is not valid UTF-8", path)
	}
	source := string(data)

	alias := ""
	if l.strategy != AliasHashOnly {
		alias, err = l.aliasFor(root, path)
		if err != nil {
			return err
		}
		if prior, taken := claimed[alias]; taken {
			return pipeline.NewError(pipeline.KindConflict,
				"alias %q from %s already claimed by %s", alias, path, prior)
		}
	}

	syntacticHash := l.compiler.SyntacticHash(source)

	// The syntactic index short-circuits recompilation of sources seen
	// before, modulo whitespace.
	if hash, ok := l.store.LookupSyntactic(syntacticHash); ok {
		result.Skipped = append(result.Skipped, SkippedFile{Path: path, StructuralHash: hash})
		if alias != "" {
			if err := l.bindAlias(alias, hash, path, source); err != nil {
				return err
			}
			claimed[alias] = path
		}
		return nil
	}

	image, err := l.compiler.Compile(ctx, source)
	if err != nil {
		return err
	}
	if err := l.store.Store(image); err != nil {
		return err
	}
	if err := l.store.IndexSyntactic(image.SyntacticHash, image.StructuralHash); err != nil {
		return err
	}
	if alias != "" {
		if err := l.bindAlias(alias, image.StructuralHash, path, source); err != nil {
			return err
		}
		claimed[alias] = path
	}

	result.Loaded = append(result.Loaded, LoadedPipeline{
		Path:           path,
		Alias:          alias,
		StructuralHash: image.StructuralHash,
	})
	l.logger.V(2).Info("Loaded pipeline", "path", path, "alias", alias, "hash", image.StructuralHash)
	return nil
}

// bindAlias points the alias at the hash. An alias already present in
// the store and pointing elsewhere is a collision; re-binding to the
// same hash is a harmless no-op so repeated loads stay idempotent.
func (l *Loader) bindAlias(alias, hash, path, source string) error {
	existing, bound := l.store.Resolve(alias)
	if bound && existing != hash {
		return pipeline.NewError(pipeline.KindConflict,
			"alias %q from %s already bound to %s", alias, path, existing)
	}
	if !bound {
		if err := l.store.Alias(alias, hash); err != nil {
			return err
		}
		if l.versions != nil {
			if _, err := l.versions.RecordVersion(alias, hash, source); err != nil {
				return err
			}
		}
	}
	if l.rememberSource != nil {
		l.rememberSource(alias, path)
	}
	return nil
}

func (l *Loader) aliasFor(root, path string) (string, error) {
	switch l.strategy {
	case AliasFileName:
		return strings.TrimSuffix(filepath.Base(path), l.extension), nil
	case AliasRelativePath:
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return "", pipeline.WrapError(pipeline.KindInvalidInput, err, "relativizing %s", path)
		}
		rel = strings.TrimSuffix(rel, l.extension)
		return filepath.ToSlash(rel), nil
	default:
		return "", pipeline.NewError(pipeline.KindInvalidInput, "unknown alias strategy %q", l.strategy)
	}
}
