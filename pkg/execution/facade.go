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

// Package execution is the façade over compile, engine, canary routing
// and the suspension store: it converts JSON inputs to typed values,
// runs the engine in lenient mode, and classifies the outcome as
// completed or suspended.
package execution

import (
	"context"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"k8s.io/klog/v2"
	"k8s.io/utils/clock"

	"github.com/VledicFranco/constellation-engine-sub005/pkg/canary"
	"github.com/VledicFranco/constellation-engine-sub005/pkg/pipeline"
	"github.com/VledicFranco/constellation-engine-sub005/pkg/store"
	"github.com/VledicFranco/constellation-engine-sub005/pkg/suspension"
)

// Outcome statuses.
const (
	StatusCompleted = "completed"
	StatusSuspended = "suspended"
)

// Outcome is the result of one execute, run or resume call. Suspension
// is a first-class outcome, not a failure.
type Outcome struct {
	Status          string                             `json:"status"`
	ExecutionID     string                             `json:"executionId"`
	StructuralHash  string                             `json:"structuralHash"`
	Outputs         map[string]any                     `json:"outputs,omitempty"`
	MissingInputs   map[string]pipeline.TypeDescriptor `json:"missingInputs,omitempty"`
	PendingOutputs  []string                           `json:"pendingOutputs,omitempty"`
	ResumptionCount int                                `json:"resumptionCount"`
}

// Completed reports whether the outcome carries all outputs.
func (o *Outcome) Completed() bool {
	return o.Status == StatusCompleted
}

// Options configures a Facade.
type Options struct {
	Store       *store.Store
	Suspensions *suspension.Store
	// Canaries is optional; when set, alias-form refs with an Observing
	// canary are routed through it.
	Canaries *canary.Router
	Compiler pipeline.Compiler
	Engine   pipeline.Engine
	// Clock defaults to the real clock; canary latency is measured with it.
	Clock clock.PassiveClock
	// Logger defaults to klog.Background().
	Logger logr.Logger
}

// Facade wires ref resolution, input conversion, the engine and the
// suspension lifecycle together.
type Facade struct {
	store       *store.Store
	suspensions *suspension.Store
	canaries    *canary.Router
	compiler    pipeline.Compiler
	engine      pipeline.Engine
	clock       clock.PassiveClock
	logger      logr.Logger
}

// New creates an execution façade.
func New(opts Options) *Facade {
	logger := opts.Logger
	if logger.GetSink() == nil {
		logger = klog.Background()
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Facade{
		store:       opts.Store,
		suspensions: opts.Suspensions,
		canaries:    opts.Canaries,
		compiler:    opts.Compiler,
		engine:      opts.Engine,
		clock:       clk,
		logger:      logger.WithName("execution"),
	}
}

// Execute resolves a ref, optionally routes it through an active canary,
// and runs the image against JSON inputs.
func (f *Facade) Execute(ctx context.Context, ref string, inputs map[string]any) (*Outcome, error) {
	parsed, err := pipeline.ParseRef(ref)
	if err != nil {
		return nil, err
	}

	var image *pipeline.Image
	canaryName := ""
	switch parsed.Kind {
	case pipeline.RefHash:
		img, ok := f.store.Get(parsed.Hash)
		if !ok {
			return nil, pipeline.NewError(pipeline.KindNotFound, "no image with hash %s", parsed.Hash)
		}
		image = img
	case pipeline.RefAlias:
		// An Observing canary overrides the alias for its traffic share.
		if f.canaries != nil {
			if hash, routed := f.canaries.SelectVersion(parsed.Alias); routed {
				img, ok := f.store.Get(hash)
				if !ok {
					return nil, pipeline.NewError(pipeline.KindNotFound,
						"canary for %q selected missing image %s", parsed.Alias, hash)
				}
				image = img
				canaryName = parsed.Alias
				break
			}
		}
		img, ok := f.store.GetByName(parsed.Alias)
		if !ok {
			return nil, pipeline.NewError(pipeline.KindNotFound, "no pipeline named %q", parsed.Alias)
		}
		image = img
	}

	typed, err := f.convertInputs(image, inputs)
	if err != nil {
		if canaryName != "" {
			f.canaries.RecordResult(canaryName, image.StructuralHash, false, 0)
		}
		return nil, err
	}

	outcome, err := f.invoke(ctx, image, uuid.NewString(), typed, nil, 0, canaryName)
	return outcome, err
}

// Run compiles source, stores the image, and executes it immediately.
// Canary routing never applies; the ref is the fresh hash itself.
func (f *Facade) Run(ctx context.Context, source string, inputs map[string]any) (*Outcome, error) {
	image, err := f.compiler.Compile(ctx, source)
	if err != nil {
		return nil, err
	}
	if err := f.store.Store(image); err != nil {
		return nil, err
	}
	if err := f.store.IndexSyntactic(image.SyntacticHash, image.StructuralHash); err != nil {
		return nil, err
	}

	typed, err := f.convertInputs(image, inputs)
	if err != nil {
		return nil, err
	}
	return f.invoke(ctx, image, uuid.NewString(), typed, nil, 0, "")
}

// Resume merges additional inputs into a suspended execution and runs it
// again. New values override previously provided ones per name; each is
// type-checked against the image's declared inputs.
func (f *Facade) Resume(ctx context.Context, executionID string, additionalInputs map[string]any, resolvedNodes map[string]pipeline.Value) (*Outcome, error) {
	record, ok := f.suspensions.Get(executionID)
	if !ok {
		return nil, pipeline.NewError(pipeline.KindNotFound, "no suspended execution %s", executionID)
	}
	image, ok := f.store.Get(record.StructuralHash)
	if !ok {
		return nil, pipeline.NewError(pipeline.KindNotFound,
			"image %s for execution %s is gone", record.StructuralHash, executionID)
	}

	merged := record.ProvidedInputs
	for name, raw := range additionalInputs {
		desc, declared := image.DeclaredInputs[name]
		if !declared {
			return nil, pipeline.NewError(pipeline.KindInputTypeMismatch,
				"input %q is not declared by the pipeline", name)
		}
		value, err := pipeline.ConvertJSON(raw, desc)
		if err != nil {
			return nil, pipeline.WrapError(pipeline.KindInputTypeMismatch, err, "input %q", name)
		}
		merged[name] = value
	}

	resolved := record.ResolvedNodes
	for id, v := range resolvedNodes {
		resolved[id] = v
	}

	return f.invoke(ctx, image, executionID, merged, resolved, record.ResumptionCount+1, "")
}

// Get returns the suspension record for an execution id.
func (f *Facade) Get(executionID string) (suspension.Record, bool) {
	return f.suspensions.Get(executionID)
}

// List returns all suspension records, newest first.
func (f *Facade) List() []suspension.Record {
	return f.suspensions.List()
}

// Delete discards a suspended execution.
func (f *Facade) Delete(executionID string) bool {
	return f.suspensions.Delete(executionID)
}

// invoke runs the engine and classifies the result, maintaining the
// suspension record and feeding the canary when the call was routed.
func (f *Facade) invoke(ctx context.Context, image *pipeline.Image, executionID string, inputs map[string]pipeline.Value, resolved map[string]pipeline.Value, resumptionCount int, canaryName string) (*Outcome, error) {
	started := f.clock.Now()
	result, err := f.engine.Execute(ctx, image, inputs, resolved)
	latencyMs := float64(f.clock.Since(started).Microseconds()) / 1000.0

	if canaryName != "" {
		// Suspension is not a failure; only engine errors count against
		// the canary.
		f.canaries.RecordResult(canaryName, image.StructuralHash, err == nil, latencyMs)
	}
	if err != nil {
		if pipeline.KindOf(err) != "" {
			return nil, err
		}
		return nil, pipeline.WrapError(pipeline.KindEngineError, err, "executing %s", image.StructuralHash)
	}

	if result.Complete(image) {
		f.suspensions.Delete(executionID)
		outputs := make(map[string]any, len(result.Outputs))
		for name, v := range result.Outputs {
			outputs[name] = v.ToJSON()
		}
		f.logger.V(2).Info("Execution completed",
			"executionId", executionID,
			"hash", image.StructuralHash,
			"resumptions", resumptionCount)
		return &Outcome{
			Status:          StatusCompleted,
			ExecutionID:     executionID,
			StructuralHash:  image.StructuralHash,
			Outputs:         outputs,
			ResumptionCount: resumptionCount,
		}, nil
	}

	pending := result.PendingOutputs(image)
	now := f.clock.Now()
	record := suspension.Record{
		ExecutionID:     executionID,
		StructuralHash:  image.StructuralHash,
		CreatedAt:       now,
		LastTouchedAt:   now,
		ResumptionCount: resumptionCount,
		ProvidedInputs:  inputs,
		ResolvedNodes:   result.ResolvedNodes,
		MissingInputs:   result.MissingInputs,
		PendingOutputs:  pending,
	}
	if existing, ok := f.suspensions.Get(executionID); ok {
		record.CreatedAt = existing.CreatedAt
	}
	f.suspensions.Upsert(record)

	f.logger.V(2).Info("Execution suspended",
		"executionId", executionID,
		"hash", image.StructuralHash,
		"missingInputs", len(result.MissingInputs),
		"resumptions", resumptionCount)
	return &Outcome{
		Status:          StatusSuspended,
		ExecutionID:     executionID,
		StructuralHash:  image.StructuralHash,
		MissingInputs:   result.MissingInputs,
		PendingOutputs:  pending,
		ResumptionCount: resumptionCount,
	}, nil
}

// convertInputs converts declared inputs present in the raw map to typed
// values. Missing declared inputs are left absent for lenient execution;
// undeclared names are rejected.
func (f *Facade) convertInputs(image *pipeline.Image, raw map[string]any) (map[string]pipeline.Value, error) {
	typed := make(map[string]pipeline.Value, len(raw))
	for name, value := range raw {
		desc, declared := image.DeclaredInputs[name]
		if !declared {
			return nil, pipeline.NewError(pipeline.KindInputTypeMismatch,
				"input %q is not declared by the pipeline", name)
		}
		converted, err := pipeline.ConvertJSON(value, desc)
		if err != nil {
			return nil, pipeline.WrapError(pipeline.KindInputTypeMismatch, err, "input %q", name)
		}
		typed[name] = converted
	}
	return typed, nil
}

// NormalizeValues re-converts wire-decoded Values so their Data carries
// the engine's native representations (JSON numbers arrive as float64
// regardless of declared type).
func NormalizeValues(values map[string]pipeline.Value) (map[string]pipeline.Value, error) {
	out := make(map[string]pipeline.Value, len(values))
	for name, v := range values {
		converted, err := pipeline.ConvertJSON(v.Data, v.Type)
		if err != nil {
			return nil, pipeline.WrapError(pipeline.KindInputTypeMismatch, err, "value %q", name)
		}
		out[name] = converted
	}
	return out, nil
}
