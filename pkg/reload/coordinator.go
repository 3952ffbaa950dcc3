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

// Package reload atomically swaps what a pipeline name means: recompile,
// version, repoint — optionally under a canary that defers the repoint.
package reload

import (
	"context"
	"os"
	"sync"

	"github.com/go-logr/logr"
	"k8s.io/klog/v2"

	"github.com/VledicFranco/constellation-engine-sub005/pkg/canary"
	"github.com/VledicFranco/constellation-engine-sub005/pkg/pipeline"
	"github.com/VledicFranco/constellation-engine-sub005/pkg/store"
	"github.com/VledicFranco/constellation-engine-sub005/pkg/version"
)

// Options configures a Coordinator.
type Options struct {
	Store    *store.Store
	Versions *version.Store
	Canaries *canary.Router
	Compiler pipeline.Compiler
	// Logger defaults to klog.Background().
	Logger logr.Logger
}

// Result reports what one reload did.
type Result struct {
	Changed      bool             `json:"changed"`
	PreviousHash string           `json:"previousHash"`
	NewHash      string           `json:"newHash"`
	Version      int              `json:"version,omitempty"`
	Canary       *canary.Snapshot `json:"canary,omitempty"`
}

// Coordinator serializes reload, rollback and alias repoints per
// pipeline name. Different names reload in parallel.
type Coordinator struct {
	store    *store.Store
	versions *version.Store
	canaries *canary.Router
	compiler pipeline.Compiler
	logger   logr.Logger

	mu        sync.Mutex
	nameLocks map[string]*sync.Mutex
	sources   map[string]string
}

// New creates a reload coordinator.
func New(opts Options) *Coordinator {
	logger := opts.Logger
	if logger.GetSink() == nil {
		logger = klog.Background()
	}
	return &Coordinator{
		store:     opts.Store,
		versions:  opts.Versions,
		canaries:  opts.Canaries,
		compiler:  opts.Compiler,
		logger:    logger.WithName("reload"),
		nameLocks: make(map[string]*sync.Mutex),
		sources:   make(map[string]string),
	}
}

// RememberSource associates a name with the source file it was loaded
// from, so a later reload with no body source can re-read the file.
func (c *Coordinator) RememberSource(name, path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sources[name] = path
}

// SourcePath returns the remembered file path for a name.
func (c *Coordinator) SourcePath(name string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	path, ok := c.sources[name]
	return path, ok
}

func (c *Coordinator) lockFor(name string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.nameLocks[name]
	if !ok {
		l = &sync.Mutex{}
		c.nameLocks[name] = l
	}
	return l
}

// Reload recompiles a name's source and swaps its alias. When canaryCfg
// is non-nil, the alias repoint is deferred: the new version serves only
// the canary's share of traffic until the canary completes.
//
// A reload whose source compiles to the currently active hash is a
// no-op: no version bump, no alias change, Changed=false. Requesting a
// canary for a no-op reload is rejected so callers do not start a
// canary that splits traffic between identical images.
func (c *Coordinator) Reload(ctx context.Context, name, source string, canaryCfg *canary.Config) (*Result, error) {
	lock := c.lockFor(name)
	lock.Lock()
	defer lock.Unlock()

	activeHash, ok := c.store.Resolve(name)
	if !ok {
		return nil, pipeline.NewError(pipeline.KindNotFound, "no pipeline named %q", name)
	}

	if source == "" {
		path, remembered := c.SourcePath(name)
		if !remembered {
			return nil, pipeline.NewError(pipeline.KindNoSource,
				"reload of %q needs a source: none supplied and no file remembered", name)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, pipeline.WrapError(pipeline.KindNoSource, err, "re-reading %s for %q", path, name)
		}
		source = string(data)
	}

	image, err := c.compiler.Compile(ctx, source)
	if err != nil {
		return nil, err
	}

	if image.StructuralHash == activeHash {
		if canaryCfg != nil {
			return nil, pipeline.NewError(pipeline.KindInvalidInput,
				"reload of %q compiles to the active image %s; refusing to start a no-op canary",
				name, activeHash)
		}
		return &Result{Changed: false, PreviousHash: activeHash, NewHash: activeHash}, nil
	}

	if err := c.store.Store(image); err != nil {
		return nil, err
	}
	if err := c.store.IndexSyntactic(image.SyntacticHash, image.StructuralHash); err != nil {
		return nil, err
	}

	if canaryCfg != nil {
		return c.reloadUnderCanary(name, activeHash, source, image, *canaryCfg)
	}

	v, err := c.versions.RecordVersion(name, image.StructuralHash, source)
	if err != nil {
		return nil, err
	}
	if err := c.store.Alias(name, image.StructuralHash); err != nil {
		return nil, err
	}
	c.logger.Info("Reloaded pipeline",
		"pipeline", name,
		"version", v.Version,
		"previousHash", activeHash,
		"newHash", image.StructuralHash)
	return &Result{
		Changed:      true,
		PreviousHash: activeHash,
		NewHash:      image.StructuralHash,
		Version:      v.Version,
	}, nil
}

// reloadUnderCanary records the new version but leaves the alias on the
// old hash; OnCanaryComplete performs the deferred repoint.
func (c *Coordinator) reloadUnderCanary(name, activeHash, source string, image *pipeline.Image, cfg canary.Config) (*Result, error) {
	if c.canaries.ActiveFor(name) != nil {
		return nil, pipeline.NewError(pipeline.KindConflict, "pipeline %s already has an active canary", name)
	}

	oldRef := canary.VersionRef{StructuralHash: activeHash}
	if active, ok := c.versions.ActivePipelineVersion(name); ok {
		oldRef.Version = active.Version
	}

	v, err := c.versions.RecordVersion(name, image.StructuralHash, source)
	if err != nil {
		return nil, err
	}
	newRef := canary.VersionRef{Version: v.Version, StructuralHash: image.StructuralHash}

	snap, err := c.canaries.Start(name, oldRef, newRef, cfg)
	if err != nil {
		return nil, err
	}
	c.logger.Info("Reloaded pipeline under canary",
		"pipeline", name,
		"version", v.Version,
		"previousHash", activeHash,
		"newHash", image.StructuralHash,
		"initialWeight", cfg.InitialWeight)
	return &Result{
		Changed:      true,
		PreviousHash: activeHash,
		NewHash:      image.StructuralHash,
		Version:      v.Version,
		Canary:       snap,
	}, nil
}

// OnCanaryComplete is the router's completion hook: it repoints the
// alias to the promoted hash, making the promotion outlive the canary.
// Wired as canary.RouterOptions.OnComplete; called outside router locks.
func (c *Coordinator) OnCanaryComplete(name, structuralHash string) {
	lock := c.lockFor(name)
	lock.Lock()
	defer lock.Unlock()

	if err := c.store.Alias(name, structuralHash); err != nil {
		c.logger.Error(err, "Failed to repoint alias after canary completion",
			"pipeline", name, "hash", structuralHash)
		return
	}
	c.logger.Info("Canary promotion repointed alias", "pipeline", name, "hash", structuralHash)
}

// Rollback repoints a name at an earlier version: the explicitly
// requested one, or the version preceding the active one when v is 0.
func (c *Coordinator) Rollback(name string, v int) (*version.PipelineVersion, error) {
	lock := c.lockFor(name)
	lock.Lock()
	defer lock.Unlock()

	var target version.PipelineVersion
	var ok bool
	if v > 0 {
		target, ok = c.versions.GetVersion(name, v)
	} else {
		target, ok = c.versions.PreviousVersion(name)
	}
	if !ok {
		return nil, pipeline.NewError(pipeline.KindNotFound, "no rollback target for %q", name)
	}

	if err := c.store.Alias(name, target.StructuralHash); err != nil {
		return nil, err
	}
	if _, err := c.versions.SetActiveVersion(name, target.Version); err != nil {
		return nil, err
	}
	c.logger.Info("Rolled back pipeline",
		"pipeline", name,
		"version", target.Version,
		"hash", target.StructuralHash)
	return &target, nil
}
