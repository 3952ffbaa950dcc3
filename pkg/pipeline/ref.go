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

import "strings"

// hashPrefix marks an explicitly hash-typed ref.
const hashPrefix = "sha256:"

// maxAliasLen bounds alias-form refs.
const maxAliasLen = 255

// RefKind discriminates the two resolvable ref forms.
type RefKind string

const (
	RefHash  RefKind = "hash"
	RefAlias RefKind = "alias"
)

// Ref is a parsed pipeline reference. Exactly one of Hash or Alias is
// set depending on Kind.
type Ref struct {
	Kind  RefKind
	Hash  string
	Alias string
}

// ParseRef classifies a client-supplied reference.
//
// A ref is either a pure lowercase-hex string of the structural-hash
// length (hash form), a "sha256:"-prefixed hex string (hash form), or
// any other non-blank string up to 255 characters with no whitespace
// (alias form). A hash-shaped ref never falls through to alias lookup.
func ParseRef(raw string) (Ref, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Ref{}, NewError(KindInvalidRef, "reference must not be blank")
	}

	if rest, ok := strings.CutPrefix(trimmed, hashPrefix); ok {
		lowered := strings.ToLower(rest)
		if !isHex(lowered) || len(lowered) != HashHexLen {
			return Ref{}, NewError(KindInvalidRef, "malformed %s reference %q", hashPrefix, raw)
		}
		return Ref{Kind: RefHash, Hash: lowered}, nil
	}

	if len(trimmed) == HashHexLen && isHex(trimmed) {
		return Ref{Kind: RefHash, Hash: trimmed}, nil
	}

	if len(trimmed) > maxAliasLen {
		return Ref{}, NewError(KindInvalidRef, "alias longer than %d characters", maxAliasLen)
	}
	if strings.ContainsAny(trimmed, " \t\r\n") {
		return Ref{}, NewError(KindInvalidRef, "alias must not contain whitespace")
	}
	return Ref{Kind: RefAlias, Alias: trimmed}, nil
}

// IsHashShaped reports whether a name has the exact shape of a
// structural hash. Such names are rejected as aliases to keep ref
// resolution unambiguous.
func IsHashShaped(name string) bool {
	return len(name) == HashHexLen && isHex(name)
}

func isHex(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return false
		}
	}
	return true
}
