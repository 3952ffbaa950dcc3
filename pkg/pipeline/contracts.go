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

package pipeline

import "context"

// Compiler turns DSL source text into an immutable image. The core never
// parses source itself; it only consumes this contract.
type Compiler interface {
	// Compile parses, type-checks and hashes the source. Compiler
	// failures are reported as a CompileError carrying diagnostics;
	// they never panic past this boundary.
	Compile(ctx context.Context, source string) (*Image, error)

	// SyntacticHash computes the normalized-source hash without
	// compiling, so stores can short-circuit recompilation.
	SyntacticHash(source string) string
}

// EngineResult is what an engine run reports back to the core.
type EngineResult struct {
	// Outputs holds the declared outputs the engine produced. The run
	// is complete when every declared output is present.
	Outputs map[string]Value

	// ResolvedNodes holds intermediate node values computed during the
	// run, keyed by node id. They are carried across suspensions so a
	// resume does not recompute them.
	ResolvedNodes map[string]Value

	// MissingInputs enumerates the declared inputs the engine still
	// requires to make progress.
	MissingInputs map[string]TypeDescriptor
}

// Engine walks a compiled graph given a set of typed inputs. Engines run
// in lenient mode: missing inputs are not errors, they are reported in
// the result so the caller can suspend and resume.
type Engine interface {
	Execute(ctx context.Context, image *Image, inputs map[string]Value, resolved map[string]Value) (*EngineResult, error)
}

// Complete reports whether the engine produced every declared output.
func (r *EngineResult) Complete(image *Image) bool {
	for _, name := range image.DeclaredOutputs {
		if _, ok := r.Outputs[name]; !ok {
			return false
		}
	}
	return true
}

// PendingOutputs lists the declared outputs not yet produced, preserving
// declaration order.
func (r *EngineResult) PendingOutputs(image *Image) []string {
	var pending []string
	for _, name := range image.DeclaredOutputs {
		if _, ok := r.Outputs[name]; !ok {
			pending = append(pending, name)
		}
	}
	return pending
}
