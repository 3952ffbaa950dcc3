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
	"testing"
)

// Primitive descriptors travel as bare names so suspended responses read
// `"missingInputs": {"y": "Int"}`.
func TestTypeDescriptorJSON(t *testing.T) {
	tests := map[string]struct {
		desc     TypeDescriptor
		wantJSON string
	}{
		"primitive renders as bare name": {
			desc:     Primitive(PrimitiveInt),
			wantJSON: `"Int"`,
		},
		"list renders as object": {
			desc:     TypeDescriptor{Kind: KindList, Elem: ptr(Primitive(PrimitiveString))},
			wantJSON: `{"kind":"List","elem":"String"}`,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			data, err := json.Marshal(tc.desc)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			if string(data) != tc.wantJSON {
				t.Errorf("json = %s, want %s", data, tc.wantJSON)
			}

			var back TypeDescriptor
			if err := json.Unmarshal(data, &back); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if !back.Equal(tc.desc) {
				t.Errorf("round trip changed descriptor: %+v vs %+v", back, tc.desc)
			}
		})
	}
}

func TestTypeDescriptorString(t *testing.T) {
	d := TypeDescriptor{Kind: KindMap, Elem: ptr(TypeDescriptor{Kind: KindList, Elem: ptr(Primitive(PrimitiveFloat))})}
	if got, want := d.String(), "Map<String, List<Float>>"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}
