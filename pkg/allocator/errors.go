// Copyright The NRI Plugins Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package allocator

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrExhausted is returned when no free range satisfies an allocation.
	ErrExhausted = fmt.Errorf("allocator: address space exhausted")
	// ErrNotFound is returned when an object or reservation is not tracked.
	ErrNotFound = fmt.Errorf("allocator: not found")
	// ErrConflict is returned when a reservation overlaps a used range.
	ErrConflict = fmt.Errorf("allocator: range conflict")
	// ErrOutOfRange is returned when a range is outside the address range.
	ErrOutOfRange = fmt.Errorf("allocator: range out of bounds")
	// ErrNotSupported is returned for operations a backend does not support.
	ErrNotSupported = fmt.Errorf("allocator: operation not supported")

	// ErrUnknownHandle is returned for handles not obtained by a successful open.
	ErrUnknownHandle = fmt.Errorf("allocator: unknown handle")
	// ErrMismatch is returned when reopening a key with a different type or strategy.
	ErrMismatch = fmt.Errorf("allocator: type or strategy mismatch")
	// ErrNotVM is returned when aliasing a handle that was not opened by VM.
	ErrNotVM = fmt.Errorf("allocator: handle not opened by VM")
	// ErrSizeMismatch is returned when reallocating an object with a different size.
	ErrSizeMismatch = fmt.Errorf("allocator: object size mismatch")
	// ErrInvalidArgument is returned for invalid sizes, ranges, types or options.
	ErrInvalidArgument = fmt.Errorf("allocator: invalid argument")

	// ErrProtocol is returned when an allocation request could not be delivered
	// or answered.
	ErrProtocol = fmt.Errorf("allocator: protocol failure")
)

// ErrorCode identifies an error kind in a form that can be passed between
// processes.
type ErrorCode int

const (
	CodeOK ErrorCode = iota
	CodeExhausted
	CodeNotFound
	CodeConflict
	CodeOutOfRange
	CodeNotSupported
	CodeUnknownHandle
	CodeMismatch
	CodeNotVM
	CodeSizeMismatch
	CodeInvalidArgument
	CodeProtocol
	CodeInternal
)

var codeErrors = map[ErrorCode]error{
	CodeExhausted:       ErrExhausted,
	CodeNotFound:        ErrNotFound,
	CodeConflict:        ErrConflict,
	CodeOutOfRange:      ErrOutOfRange,
	CodeNotSupported:    ErrNotSupported,
	CodeUnknownHandle:   ErrUnknownHandle,
	CodeMismatch:        ErrMismatch,
	CodeNotVM:           ErrNotVM,
	CodeSizeMismatch:    ErrSizeMismatch,
	CodeInvalidArgument: ErrInvalidArgument,
	CodeProtocol:        ErrProtocol,
}

// CodeOf returns the ErrorCode for the given error.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return CodeOK
	}
	for code := CodeExhausted; code < CodeInternal; code++ {
		if errors.Is(err, codeErrors[code]) {
			return code
		}
	}
	return CodeInternal
}

// Err returns an error for the given code and message. The returned
// error wraps the sentinel error for the code.
func (c ErrorCode) Err(msg string) error {
	if c == CodeOK {
		return nil
	}
	kind, ok := codeErrors[c]
	if !ok {
		return fmt.Errorf("allocator: internal error: %s", msg)
	}
	msg = strings.TrimPrefix(msg, kind.Error())
	msg = strings.TrimPrefix(msg, ": ")
	if msg == "" {
		return kind
	}
	return fmt.Errorf("%w: %s", kind, msg)
}

// IsMisuse returns true if the error indicates misuse of the API, as
// opposed to an ordinary allocation failure.
func IsMisuse(err error) bool {
	switch CodeOf(err) {
	case CodeOK, CodeExhausted, CodeNotFound, CodeConflict, CodeOutOfRange, CodeNotSupported:
		return false
	}
	return true
}
