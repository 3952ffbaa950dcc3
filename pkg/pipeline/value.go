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
	"fmt"
	"math"
)

// Value is a typed runtime value flowing through a pipeline.
//
// Data holds one of: int64 (Int), float64 (Float), string (String),
// bool (Bool), []Value (List), map[string]Value (Record, Map), or nil
// (Optional none). An Optional some wraps the element value directly.
type Value struct {
	Type TypeDescriptor `json:"type"`
	Data any            `json:"data"`
}

// IntValue constructs an Int value.
func IntValue(v int64) Value {
	return Value{Type: Primitive(PrimitiveInt), Data: v}
}

// FloatValue constructs a Float value.
func FloatValue(v float64) Value {
	return Value{Type: Primitive(PrimitiveFloat), Data: v}
}

// StringValue constructs a String value.
func StringValue(v string) Value {
	return Value{Type: Primitive(PrimitiveString), Data: v}
}

// BoolValue constructs a Bool value.
func BoolValue(v bool) Value {
	return Value{Type: Primitive(PrimitiveBool), Data: v}
}

// ConvertJSON converts a decoded JSON value into a typed Value according
// to the descriptor. The conversion is table-driven over the closed
// descriptor sum; any shape the descriptor does not admit yields an
// InputTypeMismatch error.
func ConvertJSON(raw any, desc TypeDescriptor) (Value, error) {
	switch desc.Kind {
	case KindPrimitive:
		return convertPrimitive(raw, desc)
	case KindOptional:
		if raw == nil {
			return Value{Type: desc, Data: nil}, nil
		}
		inner, err := ConvertJSON(raw, *desc.Elem)
		if err != nil {
			return Value{}, err
		}
		return Value{Type: desc, Data: inner.Data}, nil
	case KindList:
		arr, ok := raw.([]any)
		if !ok {
			return Value{}, NewError(KindInputTypeMismatch, "expected array for %s, got %T", desc, raw)
		}
		items := make([]Value, 0, len(arr))
		for i, el := range arr {
			item, err := ConvertJSON(el, *desc.Elem)
			if err != nil {
				return Value{}, NewError(KindInputTypeMismatch, "element %d of %s: %v", i, desc, err)
			}
			items = append(items, item)
		}
		return Value{Type: desc, Data: items}, nil
	case KindRecord:
		obj, ok := raw.(map[string]any)
		if !ok {
			return Value{}, NewError(KindInputTypeMismatch, "expected object for %s, got %T", desc, raw)
		}
		fields := make(map[string]Value, len(desc.Fields))
		for name, ft := range desc.Fields {
			fv, present := obj[name]
			if !present {
				if ft.Kind == KindOptional {
					fields[name] = Value{Type: ft, Data: nil}
					continue
				}
				return Value{}, NewError(KindInputTypeMismatch, "missing field %q for %s", name, desc)
			}
			converted, err := ConvertJSON(fv, ft)
			if err != nil {
				return Value{}, NewError(KindInputTypeMismatch, "field %q of %s: %v", name, desc, err)
			}
			fields[name] = converted
		}
		return Value{Type: desc, Data: fields}, nil
	case KindMap:
		obj, ok := raw.(map[string]any)
		if !ok {
			return Value{}, NewError(KindInputTypeMismatch, "expected object for %s, got %T", desc, raw)
		}
		entries := make(map[string]Value, len(obj))
		for key, ev := range obj {
			converted, err := ConvertJSON(ev, *desc.Elem)
			if err != nil {
				return Value{}, NewError(KindInputTypeMismatch, "entry %q of %s: %v", key, desc, err)
			}
			entries[key] = converted
		}
		return Value{Type: desc, Data: entries}, nil
	case KindUnion:
		for _, variant := range desc.Variants {
			if v, err := ConvertJSON(raw, variant); err == nil {
				return Value{Type: desc, Data: v.Data}, nil
			}
		}
		return Value{}, NewError(KindInputTypeMismatch, "no variant of %s matches %T", desc, raw)
	default:
		return Value{}, NewError(KindInputTypeMismatch, "unknown type kind %q", desc.Kind)
	}
}

func convertPrimitive(raw any, desc TypeDescriptor) (Value, error) {
	switch desc.Name {
	case PrimitiveInt:
		f, ok := raw.(float64)
		if !ok || math.Trunc(f) != f || math.IsInf(f, 0) {
			return Value{}, NewError(KindInputTypeMismatch, "expected Int, got %v", describeJSON(raw))
		}
		return Value{Type: desc, Data: int64(f)}, nil
	case PrimitiveFloat:
		f, ok := raw.(float64)
		if !ok {
			return Value{}, NewError(KindInputTypeMismatch, "expected Float, got %v", describeJSON(raw))
		}
		return Value{Type: desc, Data: f}, nil
	case PrimitiveString:
		s, ok := raw.(string)
		if !ok {
			return Value{}, NewError(KindInputTypeMismatch, "expected String, got %v", describeJSON(raw))
		}
		return Value{Type: desc, Data: s}, nil
	case PrimitiveBool:
		b, ok := raw.(bool)
		if !ok {
			return Value{}, NewError(KindInputTypeMismatch, "expected Bool, got %v", describeJSON(raw))
		}
		return Value{Type: desc, Data: b}, nil
	default:
		return Value{}, NewError(KindInputTypeMismatch, "unknown primitive %q", desc.Name)
	}
}

// ToJSON converts a typed value back into a JSON-encodable shape.
func (v Value) ToJSON() any {
	switch data := v.Data.(type) {
	case nil:
		return nil
	case []Value:
		out := make([]any, 0, len(data))
		for _, el := range data {
			out = append(out, el.ToJSON())
		}
		return out
	case map[string]Value:
		out := make(map[string]any, len(data))
		for name, el := range data {
			out[name] = el.ToJSON()
		}
		return out
	default:
		return data
	}
}

func describeJSON(raw any) string {
	switch raw.(type) {
	case nil:
		return "null"
	case float64:
		return fmt.Sprintf("number %v", raw)
	case string:
		return "string"
	case bool:
		return "boolean"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return fmt.Sprintf("%T", raw)
	}
}
