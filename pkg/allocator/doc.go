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

// Package allocator hands out offsets for buffer objects in a GPU virtual
// address space, so that command streams can be submitted with buffers
// pinned at caller-chosen addresses instead of relying on the kernel to
// relocate them. The primary interface is the Registry type.
//
// # Registry, Instances, Handles
//
// A Registry deduplicates allocator instances by Key. A Key is the pair
// of a device connection and an address space ID, where the address
// space is either a context or a VM. Every successful Open returns a new
// Handle. Opening the same Key again returns a different Handle for the
// same instance, so all opens of one address space share the same range
// tracking. An instance is destroyed when the last Handle referring to it
// is closed. OpenAs creates an explicit alias: a new VM Key bound to the
// instance of an existing VM Handle.
//
// # Backends
//
// Each instance uses one of three backends, selected by Type.
//
// TypeSimple tracks free holes and live allocations exactly. It never
// hands out overlapping ranges, honors alignment, and supports reserving
// caller-chosen ranges. Allocation proceeds either from the top or from
// the bottom of the address range, as selected by Strategy.
//
// TypeReloc hands out monotonically increasing offsets, wrapping around
// once the end of the range is reached. It never checks for overlap. It
// is meant for setups where the kernel resolves conflicts by relocation.
//
// TypeRandom hands out randomly placed offsets, again without checking
// for overlap. It is meant for fuzzing placement.
//
// # Errors
//
// Operations report ordinary failures, like running out of space or not
// finding an object, as errors wrapping ErrExhausted, ErrNotFound,
// ErrConflict or ErrOutOfRange. Errors wrapping ErrUnknownHandle,
// ErrMismatch, ErrNotVM, ErrSizeMismatch or ErrInvalidArgument indicate
// misuse of the API by the caller.
package allocator
