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
	"fmt"
)

const (
	// bias keeps the lowest part of the address space clear for
	// negative relocation deltas in the reloc and random backends.
	bias = 256 << 10

	// DefaultStart is the default start of the address range.
	DefaultStart = bias
	// DefaultEnd is the default end of the address range. It stays
	// clear of the very top of the 48-bit address space.
	DefaultEnd = (uint64(1) << AddressWidth) - 4096
)

// backend is the interface implemented by all allocator backends. Backends
// are not safe for concurrent use, the owning instance serializes access.
type backend interface {
	// addressRange returns the [start, end) range managed by the backend.
	addressRange() (uint64, uint64)
	// alloc returns an offset for the object with the given size and alignment.
	alloc(obj Object, size, align uint64, strategy Strategy) (uint64, error)
	// free releases the range allocated for the object.
	free(obj Object) error
	// isAllocated checks if the object is allocated with the given size and offset.
	isAllocated(obj Object, size, offset uint64) bool
	// reserve marks the range [start, end) unavailable for allocation.
	reserve(obj Object, start, end uint64) error
	// unreserve releases a range reserved earlier.
	unreserve(obj Object, start, end uint64) error
	// isReserved checks if exactly the range [start, end) is reserved.
	isReserved(start, end uint64) bool
	// isEmpty returns true if the backend has no allocations or reservations.
	isEmpty() bool
	// stats returns the accounting of the backend.
	stats() Stats
	// dump logs the state of the backend.
	dump(prefix string, full bool)
}

// backendConfig collects the parameters used to create a backend.
type backendConfig struct {
	typ      Type
	start    uint64
	end      uint64
	strategy Strategy
	seed     uint64
}

func newBackend(cfg *backendConfig) (backend, error) {
	if cfg.start == 0 && cfg.end == 0 {
		cfg.start, cfg.end = DefaultStart, DefaultEnd
	}

	switch cfg.typ {
	case TypeSimple:
		return newSimple(cfg.start, cfg.end, cfg.strategy)
	case TypeReloc:
		return newReloc(cfg.start, cfg.end)
	case TypeRandom:
		return newRandom(cfg.start, cfg.end, cfg.seed)
	case TypeNone:
		return nil, fmt.Errorf("%w: cannot use allocator type %s", ErrInvalidArgument, cfg.typ)
	}

	return nil, fmt.Errorf("%w: allocator type %s not implemented", ErrInvalidArgument, cfg.typ)
}

// reservedRange converts an optionally canonical [start, end) to a
// plain start offset and size. An end of 0 after clearing the upper
// bits stands for the top of the 48-bit address space.
func reservedRange(start, end uint64) (uint64, uint64, error) {
	if end == 0 {
		return 0, 0, fmt.Errorf("%w: zero end for range starting at 0x%x", ErrInvalidArgument, start)
	}

	start, end = FromCanonical(start), FromCanonical(end)
	if end == 0 {
		end = uint64(1) << AddressWidth
	}
	if end <= start {
		return 0, 0, fmt.Errorf("%w: empty range [0x%x : 0x%x)", ErrInvalidArgument, start, end)
	}

	return start, end - start, nil
}
