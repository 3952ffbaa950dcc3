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

// Package store holds the authoritative content-addressed pipeline store:
// images keyed by structural hash, the alias map, and the syntactic
// index, optionally mirrored to a directory.
package store

import (
	"sort"
	"strings"
	"sync"

	"github.com/go-logr/logr"
	"k8s.io/klog/v2"

	"github.com/VledicFranco/constellation-engine-sub005/pkg/pipeline"
)

// ReferenceChecker reports whether any external record still references
// the given structural hash. Version stores, canary routers and
// suspension stores register one so Remove can enforce the delete
// policy without the store holding back-references to them.
type ReferenceChecker func(structuralHash string) (holder string, referenced bool)

// Options configures a Store.
type Options struct {
	// Dir enables the filesystem mirror when non-empty.
	Dir string
	// Logger defaults to klog.Background().
	Logger logr.Logger
}

// Store is the in-memory content-addressed image store. All maps are
// exclusively owned; returned images are shared immutable references.
type Store struct {
	mu        sync.RWMutex
	images    map[string]*pipeline.Image
	aliases   map[string]string
	syntactic map[string]string

	checkers []ReferenceChecker

	mirror *Mirror
	logger logr.Logger
}

// New creates a store, reloading persisted state when a mirror directory
// is configured. Corrupt persisted files are skipped with a warning.
func New(opts Options) (*Store, error) {
	logger := opts.Logger
	if logger.GetSink() == nil {
		logger = klog.Background()
	}
	logger = logger.WithName("pipeline-store")

	s := &Store{
		images:    make(map[string]*pipeline.Image),
		aliases:   make(map[string]string),
		syntactic: make(map[string]string),
		logger:    logger,
	}

	if opts.Dir != "" {
		s.mirror = NewMirror(opts.Dir, logger)
		images, aliases, syntactic, err := s.mirror.Load()
		if err != nil {
			return nil, err
		}
		s.images = images
		s.aliases = aliases
		s.syntactic = syntactic
		logger.Info("Reloaded persisted store",
			"dir", opts.Dir,
			"images", len(images),
			"aliases", len(aliases),
			"syntacticEntries", len(syntactic))
	}

	return s, nil
}

// RegisterReferenceChecker adds an external reference check consulted by
// Remove. Registration happens at wiring time, before traffic.
func (s *Store) RegisterReferenceChecker(fn ReferenceChecker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkers = append(s.checkers, fn)
}

// Store inserts an image, idempotently by structural hash. The mirror
// write happens before the in-memory commit so disk and memory cannot
// diverge; image files are immutable and never overwritten.
func (s *Store) Store(image *pipeline.Image) error {
	s.mu.RLock()
	_, exists := s.images[image.StructuralHash]
	s.mu.RUnlock()
	if exists {
		return nil
	}

	// Image file writes are performed outside the critical section;
	// they are idempotent by file name.
	if s.mirror != nil {
		if err := s.mirror.WriteImage(image); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.images[image.StructuralHash]; !exists {
		s.images[image.StructuralHash] = image
		s.logger.V(2).Info("Stored image", "hash", image.StructuralHash, "modules", image.ModuleCount)
	}
	return nil
}

// Get returns the image for a structural hash.
func (s *Store) Get(hash string) (*pipeline.Image, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	image, ok := s.images[hash]
	return image, ok
}

// Resolve returns the structural hash an alias points at.
func (s *Store) Resolve(name string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	hash, ok := s.aliases[name]
	return hash, ok
}

// GetByName resolves an alias and fetches its image under a single lock,
// so callers observe a consistent alias-to-image snapshot.
func (s *Store) GetByName(name string) (*pipeline.Image, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	hash, ok := s.aliases[name]
	if !ok {
		return nil, false
	}
	image, ok := s.images[hash]
	return image, ok
}

// Alias points a name at a structural hash, replacing any previous
// binding. The alias map is persisted atomically inside the critical
// section; in-memory state commits only after the write succeeds.
func (s *Store) Alias(name, hash string) error {
	name = strings.TrimSpace(name)
	if err := validateAliasName(name); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.images[hash]; !ok {
		return pipeline.NewError(pipeline.KindNotFound, "no image with hash %s", hash)
	}

	previous, hadPrevious := s.aliases[name]
	s.aliases[name] = hash
	if s.mirror != nil {
		if err := s.mirror.WriteAliases(s.aliases); err != nil {
			if hadPrevious {
				s.aliases[name] = previous
			} else {
				delete(s.aliases, name)
			}
			return err
		}
	}
	s.logger.V(2).Info("Aliased pipeline", "alias", name, "hash", hash)
	return nil
}

// Unalias removes a name binding. Returns false when the alias did not
// exist.
func (s *Store) Unalias(name string) (bool, error) {
	name = strings.TrimSpace(name)

	s.mu.Lock()
	defer s.mu.Unlock()
	hash, ok := s.aliases[name]
	if !ok {
		return false, nil
	}
	delete(s.aliases, name)
	if s.mirror != nil {
		if err := s.mirror.WriteAliases(s.aliases); err != nil {
			s.aliases[name] = hash
			return false, err
		}
	}
	s.logger.V(2).Info("Removed alias", "alias", name)
	return true, nil
}

// Remove deletes an image iff nothing references it: no alias, and no
// registered checker (versions, canaries, suspensions) claims the hash.
// Returns a NotFound error when the hash is absent and a Conflict error
// naming the holder when referenced.
func (s *Store) Remove(hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.images[hash]; !ok {
		return pipeline.NewError(pipeline.KindNotFound, "no image with hash %s", hash)
	}
	for name, target := range s.aliases {
		if target == hash {
			return pipeline.NewError(pipeline.KindConflict, "image %s is referenced by alias %q", hash, name)
		}
	}
	for _, check := range s.checkers {
		if holder, referenced := check(hash); referenced {
			return pipeline.NewError(pipeline.KindConflict, "image %s is referenced by %s", hash, holder)
		}
	}

	if s.mirror != nil {
		if err := s.mirror.RemoveImage(hash); err != nil {
			return err
		}
	}
	delete(s.images, hash)
	for sh, target := range s.syntactic {
		if target == hash {
			delete(s.syntactic, sh)
		}
	}
	if s.mirror != nil {
		if err := s.mirror.WriteSyntacticIndex(s.syntactic); err != nil {
			return err
		}
	}
	s.logger.V(2).Info("Removed image", "hash", hash)
	return nil
}

// ListImages returns summaries of every stored image, sorted by hash for
// stable output.
func (s *Store) ListImages() []pipeline.Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	aliasesByHash := make(map[string][]string)
	for name, hash := range s.aliases {
		aliasesByHash[hash] = append(aliasesByHash[hash], name)
	}

	summaries := make([]pipeline.Summary, 0, len(s.images))
	for hash, image := range s.images {
		aliases := aliasesByHash[hash]
		sort.Strings(aliases)
		summaries = append(summaries, pipeline.Summary{
			StructuralHash:  hash,
			SyntacticHash:   image.SyntacticHash,
			Aliases:         aliases,
			CompiledAt:      image.CompiledAt,
			ModuleCount:     image.ModuleCount,
			DeclaredOutputs: image.DeclaredOutputs,
		})
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].StructuralHash < summaries[j].StructuralHash
	})
	return summaries
}

// AliasesFor returns the alias names bound to a hash.
func (s *Store) AliasesFor(hash string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var names []string
	for name, target := range s.aliases {
		if target == hash {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// IndexSyntactic records a syntactic-hash to structural-hash mapping and
// persists the index atomically. The target image must be present.
func (s *Store) IndexSyntactic(syntacticHash, structuralHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.images[structuralHash]; !ok {
		return pipeline.NewError(pipeline.KindNotFound, "no image with hash %s", structuralHash)
	}
	previous, hadPrevious := s.syntactic[syntacticHash]
	s.syntactic[syntacticHash] = structuralHash
	if s.mirror != nil {
		if err := s.mirror.WriteSyntacticIndex(s.syntactic); err != nil {
			if hadPrevious {
				s.syntactic[syntacticHash] = previous
			} else {
				delete(s.syntactic, syntacticHash)
			}
			return err
		}
	}
	return nil
}

// LookupSyntactic returns the structural hash indexed for a syntactic
// hash, if any.
func (s *Store) LookupSyntactic(syntacticHash string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	hash, ok := s.syntactic[syntacticHash]
	return hash, ok
}

func validateAliasName(name string) error {
	if name == "" {
		return pipeline.NewError(pipeline.KindInvalidInput, "alias name must not be empty")
	}
	if len(name) > 255 {
		return pipeline.NewError(pipeline.KindInvalidInput, "alias name longer than 255 characters")
	}
	if strings.ContainsAny(name, " \t\r\n") {
		return pipeline.NewError(pipeline.KindInvalidInput, "alias name must not contain whitespace")
	}
	if pipeline.IsHashShaped(name) {
		return pipeline.NewError(pipeline.KindInvalidInput, "alias name %q has the shape of a structural hash", name)
	}
	return nil
}
