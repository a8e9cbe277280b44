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
	"slices"

	"github.com/hashicorp/go-multierror"
)

// simple is the exact backend. It keeps track of free holes in the
// address range, ordered from the highest hole to the lowest one, and
// of all allocated objects and reserved areas.
type simple struct {
	start    uint64
	end      uint64
	strategy Strategy
	holes    []hole
	objects  map[Object]*record
	reserved map[uint64]*record

	totalSize        uint64
	allocatedSize    uint64
	allocatedObjects uint64
	reservedSize     uint64
	reservedAreas    uint64
}

// hole is a free range in the address space.
type hole struct {
	offset uint64
	size   uint64
}

// record is an allocated or reserved range.
type record struct {
	obj    Object
	offset uint64
	size   uint64
}

func newSimple(start, end uint64, strategy Strategy) (*simple, error) {
	if end <= start {
		return nil, fmt.Errorf("%w: invalid address range [0x%x : 0x%x)", ErrInvalidArgument,
			start, end)
	}

	s := &simple{
		start:     start,
		end:       end,
		objects:   make(map[Object]*record),
		reserved:  make(map[uint64]*record),
		totalSize: end - start,
	}

	// only low-to-high and high-to-low are meaningful as an instance default
	if strategy == StrategyLowToHigh {
		s.strategy = StrategyLowToHigh
	} else {
		s.strategy = StrategyHighToLow
	}

	s.freeRange(start, end-start)

	return s, nil
}

func (s *simple) addressRange() (uint64, uint64) {
	return s.start, s.end
}

func (s *simple) alloc(obj Object, size, align uint64, strategy Strategy) (uint64, error) {
	if size == 0 {
		return InvalidAddress, fmt.Errorf("%w: zero-sized allocation for object %d",
			ErrInvalidArgument, obj)
	}
	if align == 0 {
		align = 1
	}

	if rec, ok := s.objects[obj]; ok {
		if rec.size != size {
			return InvalidAddress, fmt.Errorf("%w: object %d allocated with size 0x%x, not 0x%x",
				ErrSizeMismatch, obj, rec.size, size)
		}
		return rec.offset, nil
	}

	offset, ok := s.allocRange(size, align, strategy)
	if !ok {
		return InvalidAddress, fmt.Errorf("%w: no free range of size 0x%x, alignment 0x%x",
			ErrExhausted, size, align)
	}

	s.objects[obj] = &record{obj: obj, offset: offset, size: size}
	s.allocatedObjects++
	s.allocatedSize += size
	s.dumpHoles("alloc")

	return offset, nil
}

func (s *simple) free(obj Object) error {
	rec, ok := s.objects[obj]
	if !ok {
		return fmt.Errorf("%w: object %d is not allocated", ErrNotFound, obj)
	}

	delete(s.objects, obj)
	s.freeRange(rec.offset, rec.size)
	s.allocatedObjects--
	s.allocatedSize -= rec.size
	s.dumpHoles("free")

	return nil
}

func (s *simple) isAllocated(obj Object, size, offset uint64) bool {
	rec, ok := s.objects[obj]
	if !ok {
		return false
	}
	return rec.size == size && FromCanonical(rec.offset) == FromCanonical(offset)
}

func (s *simple) reserve(obj Object, start, end uint64) error {
	offset, size, err := reservedRange(start, end)
	if err != nil {
		return err
	}

	if offset < s.start || offset+size > s.end {
		return fmt.Errorf("%w: [0x%x : 0x%x) is outside [0x%x : 0x%x)", ErrOutOfRange,
			offset, offset+size, s.start, s.end)
	}

	if !s.allocAt(offset, size) {
		log.Debug("failed to reserve 0x%x + 0x%x", offset, size)
		return fmt.Errorf("%w: [0x%x : 0x%x) is in use", ErrConflict, offset, offset+size)
	}

	s.reserved[offset] = &record{obj: obj, offset: offset, size: size}
	s.reservedAreas++
	s.reservedSize += size

	return nil
}

func (s *simple) unreserve(obj Object, start, end uint64) error {
	offset, size, err := reservedRange(start, end)
	if err != nil {
		return err
	}

	rec, ok := s.reserved[offset]
	if !ok {
		return fmt.Errorf("%w: no reservation at 0x%x", ErrNotFound, offset)
	}
	if rec.size != size {
		return fmt.Errorf("%w: reservation at 0x%x has size 0x%x, not 0x%x", ErrNotFound,
			offset, rec.size, size)
	}
	if rec.obj != obj {
		return fmt.Errorf("%w: reservation at 0x%x belongs to object %d, not %d", ErrNotFound,
			offset, rec.obj, obj)
	}

	delete(s.reserved, offset)
	s.reservedAreas--
	s.reservedSize -= size
	s.freeRange(offset, size)

	return nil
}

func (s *simple) isReserved(start, end uint64) bool {
	offset, size, err := reservedRange(start, end)
	if err != nil {
		return false
	}

	rec, ok := s.reserved[offset]
	return ok && rec.size == size
}

func (s *simple) isEmpty() bool {
	details.Debug("objects: %d, reserved areas: %d", s.allocatedObjects, s.reservedAreas)
	return s.allocatedObjects == 0 && s.reservedAreas == 0
}

func (s *simple) stats() Stats {
	return Stats{
		Start:            s.start,
		End:              s.end,
		Strategy:         s.strategy,
		TotalSize:        s.totalSize,
		FreeSize:         s.freeSize(),
		AllocatedObjects: s.allocatedObjects,
		AllocatedSize:    s.allocatedSize,
		ReservedAreas:    s.reservedAreas,
		ReservedSize:     s.reservedSize,
	}
}

func (s *simple) freeSize() uint64 {
	free := uint64(0)
	for _, h := range s.holes {
		free += h.size
	}
	return free
}

// allocRange finds and allocates a free range of the given size and
// alignment, from the top or from the bottom depending on the strategy.
func (s *simple) allocRange(size, align uint64, strategy Strategy) (uint64, bool) {
	defer s.check("allocRange")

	if strategy == StrategyNone {
		strategy = s.strategy
	}

	if strategy == StrategyHighToLow {
		for i, h := range s.holes {
			if size > h.size {
				continue
			}
			// highest aligned offset where the range still fits the hole
			offset := alignDown(h.offset+(h.size-size), align)
			if offset < h.offset {
				continue
			}
			s.allocFromHole(i, offset, size)
			return offset, true
		}
		return 0, false
	}

	for i := len(s.holes) - 1; i >= 0; i-- {
		h := s.holes[i]
		if size > h.size {
			continue
		}
		offset := h.offset
		if misalign := offset % align; misalign != 0 {
			pad := align - misalign
			if pad > h.size-size {
				continue
			}
			offset += pad
		}
		s.allocFromHole(i, offset, size)
		return offset, true
	}

	return 0, false
}

// allocAt allocates exactly the given range if it is free.
func (s *simple) allocAt(offset, size uint64) bool {
	defer s.check("allocAt")

	for i, h := range s.holes {
		if h.offset > offset {
			continue
		}
		// the first hole starting at or below offset is the only candidate
		if h.size < offset-h.offset+size {
			return false
		}
		s.allocFromHole(i, offset, size)
		return true
	}

	return false
}

// allocFromHole carves [offset, offset+size) out of the hole at index i.
func (s *simple) allocFromHole(i int, offset, size uint64) {
	h := &s.holes[i]

	if offset == h.offset && size == h.size {
		s.holes = slices.Delete(s.holes, i, i+1)
		return
	}

	waste := (h.size - size) - (offset - h.offset)
	if waste == 0 {
		// allocated at the top, shrink the hole down
		h.size -= size
		return
	}

	if offset == h.offset {
		// allocated at the bottom, shrink the hole up
		h.offset += size
		h.size -= size
		return
	}

	// allocated in the middle, split into a high and a low hole
	high := hole{offset: offset + size, size: waste}
	h.size = offset - h.offset
	s.holes = slices.Insert(s.holes, i, high)
}

// freeRange returns [offset, offset+size) to the free holes, merging it
// with adjacent holes.
func (s *simple) freeRange(offset, size uint64) {
	defer s.check("freeRange")

	// holes[:i] are above the range, holes[i:] start at or below it
	i := 0
	for i < len(s.holes) && s.holes[i].offset > offset {
		i++
	}

	var (
		highAdjacent = i > 0 && offset+size == s.holes[i-1].offset
		lowAdjacent  = i < len(s.holes) && s.holes[i].offset+s.holes[i].size == offset
	)

	if i > 0 && offset+size > s.holes[i-1].offset {
		log.Error("internal error: freed range %s overlaps free hole %s",
			Range{offset, size}, Range{s.holes[i-1].offset, s.holes[i-1].size})
	}
	if i < len(s.holes) && s.holes[i].offset+s.holes[i].size > offset {
		log.Error("internal error: freed range %s overlaps free hole %s",
			Range{offset, size}, Range{s.holes[i].offset, s.holes[i].size})
	}

	switch {
	case lowAdjacent && highAdjacent:
		s.holes[i].size += size + s.holes[i-1].size
		s.holes = slices.Delete(s.holes, i-1, i)
	case lowAdjacent:
		s.holes[i].size += size
	case highAdjacent:
		s.holes[i-1].offset = offset
		s.holes[i-1].size += size
	default:
		s.holes = slices.Insert(s.holes, i, hole{offset: offset, size: size})
	}
}

// check validates the holes if allocator details are being debugged.
func (s *simple) check(where string) {
	if !details.DebugEnabled() {
		return
	}
	if err := s.validate(); err != nil {
		log.Error("internal error: %s: %v", where, err)
	}
}

// validate checks that holes are non-empty, within the address range and
// ordered from high to low without touching each other.
func (s *simple) validate() error {
	var errs *multierror.Error

	for i, h := range s.holes {
		if h.size == 0 {
			errs = multierror.Append(errs, fmt.Errorf("empty hole at 0x%x", h.offset))
		}
		if h.offset < s.start || h.offset+h.size > s.end {
			errs = multierror.Append(errs, fmt.Errorf("hole %s outside address range",
				Range{h.offset, h.size}))
		}
		if i == 0 {
			continue
		}
		if prev := s.holes[i-1]; h.offset+h.size >= prev.offset {
			errs = multierror.Append(errs, fmt.Errorf("hole %s not strictly below hole %s",
				Range{h.offset, h.size}, Range{prev.offset, prev.size}))
		}
	}

	return errs.ErrorOrNil()
}
