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

package dsl

import (
	"context"
	"encoding/json"

	"github.com/go-logr/logr"
	"k8s.io/klog/v2"

	"github.com/VledicFranco/constellation-engine-sub005/pkg/pipeline"
)

// Engine evaluates compiled graphs in lenient mode: missing inputs are
// reported, never treated as failures. A run with any declared input
// absent produces no outputs at all; partial node values are returned so
// a later resume can pick up without recomputing.
type Engine struct {
	logger logr.Logger
}

// EngineOptions configures an Engine.
type EngineOptions struct {
	// Logger defaults to klog.Background().
	Logger logr.Logger
}

// NewEngine creates the reference engine.
func NewEngine(opts EngineOptions) *Engine {
	logger := opts.Logger
	if logger.GetSink() == nil {
		logger = klog.Background()
	}
	return &Engine{logger: logger.WithName("dsl-engine")}
}

// Execute walks the graph. Evaluation is deterministic: nodes are
// visited in their compiled order, which is already topological.
func (e *Engine) Execute(ctx context.Context, image *pipeline.Image, inputs map[string]pipeline.Value, resolved map[string]pipeline.Value) (*pipeline.EngineResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, pipeline.WrapError(pipeline.KindEngineError, err, "execution cancelled")
	}

	var payload graphPayload
	if err := json.Unmarshal(image.Graph, &payload); err != nil {
		return nil, pipeline.WrapError(pipeline.KindEngineError, err, "decoding graph for %s", image.StructuralHash)
	}

	missing := make(map[string]pipeline.TypeDescriptor)
	for name, desc := range image.DeclaredInputs {
		if _, ok := inputs[name]; !ok {
			missing[name] = desc
		}
	}

	values := make(map[string]pipeline.Value, len(payload.Nodes))
	for id, v := range resolved {
		values[id] = v
	}

	result := &pipeline.EngineResult{
		Outputs:       make(map[string]pipeline.Value),
		ResolvedNodes: make(map[string]pipeline.Value),
		MissingInputs: missing,
	}

	// dirty marks nodes whose value was (re)computed this run; sums over
	// a dirty operand must not reuse a value carried from an earlier run.
	dirty := make(map[string]bool)
	for _, node := range payload.Nodes {
		switch node.Op {
		case opInput:
			// Fresh inputs win over values carried from an earlier run, so
			// a resume can override a previously provided input.
			if v, ok := inputs[node.Name]; ok {
				values[node.ID] = v
				dirty[node.ID] = true
				result.ResolvedNodes[node.ID] = v
				continue
			}
			if v, done := values[node.ID]; done {
				result.ResolvedNodes[node.ID] = v
			}

		case opAdd:
			if v, done := values[node.ID]; done && !anyDirty(dirty, node.Args) {
				result.ResolvedNodes[node.ID] = v
				continue
			}
			sum, ok, err := addArgs(node, values)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
			values[node.ID] = sum
			dirty[node.ID] = true
			result.ResolvedNodes[node.ID] = sum

		case opOutput:
			// Outputs are withheld until the run can complete: emitting
			// some outputs while suspended would make a later resume
			// report them twice.
			if len(missing) > 0 {
				continue
			}
			v, ok := values[node.Args[0]]
			if !ok {
				return nil, pipeline.NewError(pipeline.KindEngineError,
					"output %s depends on unresolved node %s", node.Name, node.Args[0])
			}
			result.Outputs[node.Name] = v

		default:
			return nil, pipeline.NewError(pipeline.KindEngineError, "unknown graph op %q", node.Op)
		}
	}

	e.logger.V(2).Info("Executed graph",
		"hash", image.StructuralHash,
		"outputs", len(result.Outputs),
		"missingInputs", len(missing))
	return result, nil
}

func anyDirty(dirty map[string]bool, ids []string) bool {
	for _, id := range ids {
		if dirty[id] {
			return true
		}
	}
	return false
}

// addArgs sums a node's arguments. Returns ok=false when any argument is
// still unresolved, which is not an error in lenient mode.
func addArgs(node graphNode, values map[string]pipeline.Value) (pipeline.Value, bool, error) {
	var intSum int64
	var floatSum float64
	isFloat := node.Type != nil && node.Type.Name == pipeline.PrimitiveFloat
	for _, arg := range node.Args {
		v, ok := values[arg]
		if !ok {
			return pipeline.Value{}, false, nil
		}
		switch data := v.Data.(type) {
		case int64:
			intSum += data
		case float64:
			floatSum += data
		default:
			return pipeline.Value{}, false, pipeline.NewError(pipeline.KindEngineError,
				"node %s: '+' argument %s has non-numeric value %T", node.ID, arg, v.Data)
		}
	}
	if isFloat {
		return pipeline.FloatValue(floatSum + float64(intSum)), true, nil
	}
	return pipeline.IntValue(intSum), true, nil
}

var _ pipeline.Engine = (*Engine)(nil)
var _ pipeline.Compiler = (*Compiler)(nil)
