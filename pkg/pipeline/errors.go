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
	"errors"
	"fmt"
)

// ErrorKind is the stable error taxonomy exposed to clients.
type ErrorKind string

const (
	KindNotFound          ErrorKind = "NotFound"
	KindConflict          ErrorKind = "Conflict"
	KindInvalidRef        ErrorKind = "InvalidRef"
	KindInvalidInput      ErrorKind = "InvalidInput"
	KindInputTypeMismatch ErrorKind = "InputTypeMismatch"
	KindNoSource          ErrorKind = "NoSource"
	KindCompileError      ErrorKind = "CompileError"
	KindEngineError       ErrorKind = "EngineError"
	KindPersistenceError  ErrorKind = "PersistenceError"
)

// CompileDiagnostic is a single compiler-reported problem.
type CompileDiagnostic struct {
	Line    int    `json:"line"`
	Column  int    `json:"column"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error is the error type surfaced across the core's API boundaries.
type Error struct {
	Kind        ErrorKind
	Message     string
	Diagnostics []CompileDiagnostic
	cause       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// NewError constructs an error of the given kind.
func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError constructs an error of the given kind wrapping a cause.
func WrapError(kind ErrorKind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: cause}
}

// CompileFailure constructs a CompileError carrying diagnostics.
func CompileFailure(diags []CompileDiagnostic) *Error {
	msg := "compilation failed"
	if len(diags) > 0 {
		msg = diags[0].Message
	}
	return &Error{Kind: KindCompileError, Message: msg, Diagnostics: diags}
}

// KindOf extracts the error kind, or "" if err is not a pipeline error.
func KindOf(err error) ErrorKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}
