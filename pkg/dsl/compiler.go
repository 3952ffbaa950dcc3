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

// Package dsl is the reference compiler and engine for the constellation
// language: `in <name>: <Type>` declarations followed by `out` clauses.
// The core consumes it only through the pipeline.Compiler and
// pipeline.Engine contracts.
package dsl

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/VledicFranco/constellation-engine-sub005/pkg/pipeline"
)

// SourceExtension is the file extension of constellation sources.
const SourceExtension = ".cst"

// node ops in the compiled graph.
const (
	opInput  = "input"
	opAdd    = "add"
	opOutput = "output"
)

// graphNode is one node of the compiled dataflow graph.
type graphNode struct {
	ID   string                   `json:"id"`
	Op   string                   `json:"op"`
	Name string                   `json:"name,omitempty"`
	Type *pipeline.TypeDescriptor `json:"type,omitempty"`
	Args []string                 `json:"args,omitempty"`
}

// graphPayload is the engine-facing graph encoding stored in the image.
type graphPayload struct {
	Nodes []graphNode `json:"nodes"`
}

// Compiler implements pipeline.Compiler for the constellation language.
type Compiler struct{}

// NewCompiler returns the reference compiler.
func NewCompiler() *Compiler {
	return &Compiler{}
}

// SyntacticHash hashes the normalized source text: blank lines dropped,
// per-line whitespace collapsed, spacing around punctuation erased.
func (c *Compiler) SyntacticHash(source string) string {
	sum := sha256.Sum256([]byte(normalize(source)))
	return hex.EncodeToString(sum[:])
}

// Compile parses and type-checks the source into an image. All problems
// are collected into CompileError diagnostics; nothing panics out.
func (c *Compiler) Compile(ctx context.Context, source string) (*pipeline.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, pipeline.WrapError(pipeline.KindCompileError, err, "compile cancelled")
	}

	p := &parser{
		inputs:     make(map[string]pipeline.TypeDescriptor),
		nodeByName: make(map[string]string),
	}
	for i, line := range strings.Split(source, "\n") {
		p.parseLine(i+1, line)
	}
	if len(p.outputs) == 0 && len(p.diags) == 0 {
		p.addDiag(1, 1, "E005", "pipeline declares no outputs")
	}
	if len(p.diags) > 0 {
		return nil, pipeline.CompileFailure(p.diags)
	}

	payload := graphPayload{Nodes: p.nodes}
	graphJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, pipeline.WrapError(pipeline.KindCompileError, err, "encoding graph")
	}

	return &pipeline.Image{
		StructuralHash:  structuralHash(payload),
		SyntacticHash:   c.SyntacticHash(source),
		CompiledAt:      time.Now(),
		DeclaredInputs:  p.inputs,
		DeclaredOutputs: p.outputs,
		ModuleCount:     len(p.nodes),
		Graph:           graphJSON,
	}, nil
}

type parser struct {
	inputs     map[string]pipeline.TypeDescriptor
	inputOrder []string
	outputs    []string
	nodes      []graphNode
	nodeByName map[string]string
	diags      []pipeline.CompileDiagnostic
}

func (p *parser) addDiag(line, column int, code, format string, args ...any) {
	p.diags = append(p.diags, pipeline.CompileDiagnostic{
		Line:    line,
		Column:  column,
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	})
}

func (p *parser) parseLine(lineNo int, raw string) {
	line := strings.TrimSpace(raw)
	if line == "" || strings.HasPrefix(line, "#") {
		return
	}
	switch {
	case strings.HasPrefix(line, "in "):
		p.parseInput(lineNo, strings.TrimSpace(line[3:]))
	case strings.HasPrefix(line, "out "):
		p.parseOutput(lineNo, strings.TrimSpace(line[4:]))
	default:
		p.addDiag(lineNo, 1, "E001", "expected 'in' or 'out' declaration, got %q", line)
	}
}

// parseInput handles `in <name>: <Type>`.
func (p *parser) parseInput(lineNo int, rest string) {
	name, typeText, found := strings.Cut(rest, ":")
	if !found {
		p.addDiag(lineNo, 1, "E001", "input declaration needs ': <Type>'")
		return
	}
	name = strings.TrimSpace(name)
	if !isIdentifier(name) {
		p.addDiag(lineNo, 4, "E001", "invalid input name %q", name)
		return
	}
	if _, dup := p.inputs[name]; dup {
		p.addDiag(lineNo, 4, "E003", "input %q declared twice", name)
		return
	}
	desc, err := parseType(strings.TrimSpace(typeText))
	if err != nil {
		p.addDiag(lineNo, 1, "E004", "input %q: %v", name, err)
		return
	}
	id := p.addNode(graphNode{Op: opInput, Name: name, Type: &desc})
	p.inputs[name] = desc
	p.inputOrder = append(p.inputOrder, name)
	p.nodeByName[name] = id
}

// parseOutput handles `out <name>` and `out <name> = <expr>`.
func (p *parser) parseOutput(lineNo int, rest string) {
	name := rest
	exprText := ""
	if before, after, found := strings.Cut(rest, "="); found {
		name = strings.TrimSpace(before)
		exprText = strings.TrimSpace(after)
	}
	if !isIdentifier(name) {
		p.addDiag(lineNo, 5, "E001", "invalid output name %q", name)
		return
	}
	for _, existing := range p.outputs {
		if existing == name {
			p.addDiag(lineNo, 5, "E003", "output %q declared twice", name)
			return
		}
	}

	var valueID string
	if exprText == "" {
		// Bare `out x` echoes the input of the same name.
		id, ok := p.nodeByName[name]
		if !ok {
			p.addDiag(lineNo, 5, "E002", "output %q references no declared input", name)
			return
		}
		valueID = id
	} else {
		id, ok := p.parseExpr(lineNo, exprText)
		if !ok {
			return
		}
		valueID = id
	}

	p.addNode(graphNode{Op: opOutput, Name: name, Args: []string{valueID}})
	p.outputs = append(p.outputs, name)
}

// parseExpr handles `<term> (+ <term>)*` where terms are input names.
func (p *parser) parseExpr(lineNo int, text string) (string, bool) {
	terms := strings.Split(text, "+")
	ids := make([]string, 0, len(terms))
	var elemType *pipeline.TypeDescriptor
	for _, term := range terms {
		term = strings.TrimSpace(term)
		if !isIdentifier(term) {
			p.addDiag(lineNo, 1, "E001", "invalid term %q in expression", term)
			return "", false
		}
		id, ok := p.nodeByName[term]
		if !ok {
			p.addDiag(lineNo, 1, "E002", "unknown identifier %q", term)
			return "", false
		}
		desc := p.inputs[term]
		if desc.Kind != pipeline.KindPrimitive ||
			(desc.Name != pipeline.PrimitiveInt && desc.Name != pipeline.PrimitiveFloat) {
			p.addDiag(lineNo, 1, "E004", "'+' operand %q must be Int or Float, got %s", term, desc)
			return "", false
		}
		if elemType != nil && !elemType.Equal(desc) {
			p.addDiag(lineNo, 1, "E004", "'+' operands must share a type, got %s and %s", elemType, desc)
			return "", false
		}
		elemType = &desc
		ids = append(ids, id)
	}
	if len(ids) == 1 {
		return ids[0], true
	}
	return p.addNode(graphNode{Op: opAdd, Type: elemType, Args: ids}), true
}

func (p *parser) addNode(n graphNode) string {
	n.ID = fmt.Sprintf("n%d", len(p.nodes))
	p.nodes = append(p.nodes, n)
	return n.ID
}

// structuralHash hashes the graph with identifier names erased, so
// renaming inputs or outputs does not change identity.
func structuralHash(payload graphPayload) string {
	anonymous := make([]graphNode, len(payload.Nodes))
	for i, n := range payload.Nodes {
		n.Name = ""
		anonymous[i] = n
	}
	encoded, _ := json.Marshal(graphPayload{Nodes: anonymous})
	sum := sha256.Sum256(encoded)
	return hex.EncodeToString(sum[:])
}

// syntaxSpacing pads the language's punctuation so `x: Int` and
// `x : Int` normalize to the same text. Identifiers cannot contain any
// of these runes.
var syntaxSpacing = strings.NewReplacer(
	":", " : ",
	"=", " = ",
	"+", " + ",
	",", " , ",
	"<", " < ",
	">", " > ",
)

func normalize(source string) string {
	var lines []string
	for _, line := range strings.Split(source, "\n") {
		line = strings.Join(strings.Fields(syntaxSpacing.Replace(line)), " ")
		if line != "" {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n")
}

// parseType parses Int, Float, String, Bool, List<T>, Optional<T>,
// Map<String, T>.
func parseType(text string) (pipeline.TypeDescriptor, error) {
	switch text {
	case pipeline.PrimitiveInt, pipeline.PrimitiveFloat, pipeline.PrimitiveString, pipeline.PrimitiveBool:
		return pipeline.Primitive(text), nil
	}
	for _, wrapper := range []struct {
		prefix string
		kind   pipeline.TypeKind
	}{
		{"List<", pipeline.KindList},
		{"Optional<", pipeline.KindOptional},
	} {
		if strings.HasPrefix(text, wrapper.prefix) && strings.HasSuffix(text, ">") {
			inner, err := parseType(strings.TrimSuffix(strings.TrimPrefix(text, wrapper.prefix), ">"))
			if err != nil {
				return pipeline.TypeDescriptor{}, err
			}
			return pipeline.TypeDescriptor{Kind: wrapper.kind, Elem: &inner}, nil
		}
	}
	if strings.HasPrefix(text, "Map<String,") && strings.HasSuffix(text, ">") {
		inner, err := parseType(strings.TrimSpace(strings.TrimSuffix(strings.TrimPrefix(text, "Map<String,"), ">")))
		if err != nil {
			return pipeline.TypeDescriptor{}, err
		}
		return pipeline.TypeDescriptor{Kind: pipeline.KindMap, Elem: &inner}, nil
	}
	return pipeline.TypeDescriptor{}, fmt.Errorf("unknown type %q", text)
}

func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		if unicode.IsLetter(r) || r == '_' || (i > 0 && unicode.IsDigit(r)) {
			continue
		}
		return false
	}
	return true
}
