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

// reloc is the monotonic backend. It hands out consecutive offsets,
// wrapping around at the end of the range, without any overlap checks.
type reloc struct {
	start   uint64
	end     uint64
	offset  uint64
	objects uint64
}

func newReloc(start, end uint64) (*reloc, error) {
	start = max(start, bias)
	if end <= start {
		return nil, fmt.Errorf("%w: invalid address range [0x%x : 0x%x)", ErrInvalidArgument,
			start, end)
	}

	return &reloc{
		start:  start,
		end:    end,
		offset: start,
	}, nil
}

func (r *reloc) addressRange() (uint64, uint64) {
	return r.start, r.end
}

func (r *reloc) alloc(_ Object, size, align uint64, _ Strategy) (uint64, error) {
	offset := alignUp(r.offset, align)

	if !fits(offset, size, r.end) {
		offset = alignUp(r.start, align)
	}
	if !fits(offset, size, r.end) {
		return InvalidAddress, fmt.Errorf("%w: 0x%x does not fit [0x%x : 0x%x)", ErrExhausted,
			size, r.start, r.end)
	}

	r.offset = offset + size
	r.objects++

	return offset, nil
}

func (r *reloc) free(obj Object) error {
	if r.objects > 0 {
		r.objects--
	}
	return fmt.Errorf("%w: reloc backend does not track object %d", ErrNotSupported, obj)
}

func (r *reloc) isAllocated(Object, uint64, uint64) bool {
	return false
}

func (r *reloc) reserve(Object, uint64, uint64) error {
	return fmt.Errorf("%w: reloc backend has no reservations", ErrNotSupported)
}

func (r *reloc) unreserve(Object, uint64, uint64) error {
	return fmt.Errorf("%w: reloc backend has no reservations", ErrNotSupported)
}

func (r *reloc) isReserved(uint64, uint64) bool {
	return false
}

func (r *reloc) isEmpty() bool {
	return r.objects == 0
}

func (r *reloc) stats() Stats {
	return Stats{
		Start:            r.start,
		End:              r.end,
		TotalSize:        r.end - r.start,
		FreeSize:         r.end - r.offset,
		AllocatedObjects: r.objects,
	}
}

func (r *reloc) dump(prefix string, _ bool) {
	log.Info("%sreloc allocator on [0x%x : 0x%x], next offset 0x%x, allocated objects: %d",
		prefix, r.start, r.end, r.offset, r.objects)
}
