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
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestConvertJSON(t *testing.T) {
	listOfInt := TypeDescriptor{Kind: KindList, Elem: ptr(Primitive(PrimitiveInt))}
	optionalString := TypeDescriptor{Kind: KindOptional, Elem: ptr(Primitive(PrimitiveString))}
	record := TypeDescriptor{Kind: KindRecord, Fields: map[string]TypeDescriptor{
		"id":   Primitive(PrimitiveInt),
		"note": optionalString,
	}}

	tests := map[string]struct {
		raw      any
		desc     TypeDescriptor
		wantData any
		wantErr  bool
	}{
		"int from integral number": {
			raw:      float64(42),
			desc:     Primitive(PrimitiveInt),
			wantData: int64(42),
		},
		"int rejects fractional number": {
			raw:     float64(1.5),
			desc:    Primitive(PrimitiveInt),
			wantErr: true,
		},
		"int rejects string": {
			raw:     "42",
			desc:    Primitive(PrimitiveInt),
			wantErr: true,
		},
		"float accepts integral number": {
			raw:      float64(3),
			desc:     Primitive(PrimitiveFloat),
			wantData: float64(3),
		},
		"string": {
			raw:      "hello",
			desc:     Primitive(PrimitiveString),
			wantData: "hello",
		},
		"bool": {
			raw:      true,
			desc:     Primitive(PrimitiveBool),
			wantData: true,
		},
		"optional none from null": {
			raw:      nil,
			desc:     optionalString,
			wantData: nil,
		},
		"optional some": {
			raw:      "present",
			desc:     optionalString,
			wantData: "present",
		},
		"list of ints": {
			raw:  []any{float64(1), float64(2)},
			desc: listOfInt,
			wantData: []Value{
				{Type: Primitive(PrimitiveInt), Data: int64(1)},
				{Type: Primitive(PrimitiveInt), Data: int64(2)},
			},
		},
		"list rejects mixed element": {
			raw:     []any{float64(1), "two"},
			desc:    listOfInt,
			wantErr: true,
		},
		"record with absent optional field": {
			raw:  map[string]any{"id": float64(7)},
			desc: record,
			wantData: map[string]Value{
				"id":   {Type: Primitive(PrimitiveInt), Data: int64(7)},
				"note": {Type: optionalString, Data: nil},
			},
		},
		"record missing required field": {
			raw:     map[string]any{"note": "x"},
			desc:    record,
			wantErr: true,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			got, err := ConvertJSON(tc.raw, tc.desc)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", got)
				}
				if !IsKind(err, KindInputTypeMismatch) {
					t.Errorf("expected InputTypeMismatch, got %v", KindOf(err))
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if diff := cmp.Diff(tc.wantData, got.Data); diff != "" {
				t.Errorf("converted data mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestValueToJSONRoundTrip(t *testing.T) {
	listOfInt := TypeDescriptor{Kind: KindList, Elem: ptr(Primitive(PrimitiveInt))}
	converted, err := ConvertJSON([]any{float64(1), float64(2)}, listOfInt)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []any{int64(1), int64(2)}
	if diff := cmp.Diff(want, converted.ToJSON()); diff != "" {
		t.Errorf("ToJSON mismatch (-want +got):\n%s", diff)
	}
}

func ptr(d TypeDescriptor) *TypeDescriptor {
	return &d
}
