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

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

const (
	// HashBytes is the size of structural and syntactic hashes in bytes.
	HashBytes = 32
	// HashHexLen is the length of a hash in lowercase hex encoding.
	HashHexLen = 2 * HashBytes
)

// TypeKind discriminates the closed set of type descriptor variants.
type TypeKind string

const (
	KindPrimitive TypeKind = "Primitive"
	KindList      TypeKind = "List"
	KindRecord    TypeKind = "Record"
	KindOptional  TypeKind = "Optional"
	KindMap       TypeKind = "Map"
	KindUnion     TypeKind = "Union"
)

// Primitive type names understood by the engine.
const (
	PrimitiveInt    = "Int"
	PrimitiveFloat  = "Float"
	PrimitiveString = "String"
	PrimitiveBool   = "Bool"
)

// TypeDescriptor describes the declared type of a pipeline input or output.
// It is a closed sum: exactly one variant applies depending on Kind.
type TypeDescriptor struct {
	Kind TypeKind `json:"kind"`

	// Name is the primitive type name when Kind is Primitive.
	Name string `json:"name,omitempty"`

	// Elem is the element type for List and Optional, and the value type
	// for Map (map keys are always strings).
	Elem *TypeDescriptor `json:"elem,omitempty"`

	// Fields holds the field types when Kind is Record.
	Fields map[string]TypeDescriptor `json:"fields,omitempty"`

	// Variants holds the alternatives when Kind is Union.
	Variants []TypeDescriptor `json:"variants,omitempty"`
}

// Primitive returns the descriptor for a primitive type name.
func Primitive(name string) TypeDescriptor {
	return TypeDescriptor{Kind: KindPrimitive, Name: name}
}

// String renders the descriptor in source notation, e.g. "List<Int>".
func (d TypeDescriptor) String() string {
	switch d.Kind {
	case KindPrimitive:
		return d.Name
	case KindList:
		return fmt.Sprintf("List<%s>", d.Elem)
	case KindOptional:
		return fmt.Sprintf("Optional<%s>", d.Elem)
	case KindMap:
		return fmt.Sprintf("Map<String, %s>", d.Elem)
	case KindRecord:
		names := make([]string, 0, len(d.Fields))
		for name := range d.Fields {
			names = append(names, name)
		}
		sort.Strings(names)
		parts := make([]string, 0, len(names))
		for _, name := range names {
			parts = append(parts, fmt.Sprintf("%s: %s", name, d.Fields[name]))
		}
		return fmt.Sprintf("{%s}", strings.Join(parts, ", "))
	case KindUnion:
		parts := make([]string, 0, len(d.Variants))
		for _, v := range d.Variants {
			parts = append(parts, v.String())
		}
		return strings.Join(parts, " | ")
	default:
		return string(d.Kind)
	}
}

// Equal reports structural equality of two descriptors.
func (d TypeDescriptor) Equal(other TypeDescriptor) bool {
	if d.Kind != other.Kind || d.Name != other.Name {
		return false
	}
	if (d.Elem == nil) != (other.Elem == nil) {
		return false
	}
	if d.Elem != nil && !d.Elem.Equal(*other.Elem) {
		return false
	}
	if len(d.Fields) != len(other.Fields) {
		return false
	}
	for name, ft := range d.Fields {
		ot, ok := other.Fields[name]
		if !ok || !ft.Equal(ot) {
			return false
		}
	}
	if len(d.Variants) != len(other.Variants) {
		return false
	}
	for i := range d.Variants {
		if !d.Variants[i].Equal(other.Variants[i]) {
			return false
		}
	}
	return true
}

// MarshalJSON renders primitive descriptors as their bare name so wire
// payloads read `"missingInputs": {"y": "Int"}` rather than nested objects.
func (d TypeDescriptor) MarshalJSON() ([]byte, error) {
	if d.Kind == KindPrimitive {
		return json.Marshal(d.Name)
	}
	type plain TypeDescriptor
	return json.Marshal(plain(d))
}

// UnmarshalJSON accepts both the bare-name primitive form and the full
// object form.
func (d *TypeDescriptor) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		*d = Primitive(name)
		return nil
	}
	type plain TypeDescriptor
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*d = TypeDescriptor(p)
	return nil
}

// Image is an immutable compiled pipeline. Identity is StructuralHash;
// callers never rely on pointer identity.
type Image struct {
	// StructuralHash is derived from the typed graph, invariant to
	// identifier renames and whitespace. Lowercase hex, HashHexLen chars.
	StructuralHash string `json:"structuralHash"`

	// SyntacticHash is derived from the normalized source text.
	SyntacticHash string `json:"syntacticHash"`

	// CompiledAt records when the compiler produced this image.
	CompiledAt time.Time `json:"compiledAt"`

	// DeclaredInputs maps input name to its declared type.
	DeclaredInputs map[string]TypeDescriptor `json:"declaredInputs"`

	// DeclaredOutputs is the ordered list of output names.
	DeclaredOutputs []string `json:"declaredOutputs"`

	// ModuleCount is the number of modules in the compiled graph.
	ModuleCount int `json:"moduleCount"`

	// Graph is the opaque payload the engine consumes.
	Graph json.RawMessage `json:"graph"`
}

// Summary is the listing projection of an image.
type Summary struct {
	StructuralHash  string    `json:"structuralHash"`
	SyntacticHash   string    `json:"syntacticHash"`
	Aliases         []string  `json:"aliases"`
	CompiledAt      time.Time `json:"compiledAt"`
	ModuleCount     int       `json:"moduleCount"`
	DeclaredOutputs []string  `json:"declaredOutputs"`
}
