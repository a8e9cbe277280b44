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
	"math/rand/v2"
)

const (
	// randomRetries is the number of placement attempts per allocation.
	randomRetries = 8
)

// random is the probabilistic backend. It places allocations randomly,
// without any overlap checks.
type random struct {
	start   uint64
	end     uint64
	rng     *rand.Rand
	objects uint64
}

func newRandom(start, end, seed uint64) (*random, error) {
	start = max(start, bias)
	if end <= start {
		return nil, fmt.Errorf("%w: invalid address range [0x%x : 0x%x)", ErrInvalidArgument,
			start, end)
	}

	if seed == 0 {
		seed = rand.Uint64()
	}

	return &random{
		start: start,
		end:   end,
		rng:   rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}, nil
}

func (r *random) addressRange() (uint64, uint64) {
	return r.start, r.end
}

func (r *random) alloc(_ Object, size, align uint64, _ Strategy) (uint64, error) {
	for attempt := 1; attempt <= randomRetries; attempt++ {
		offset := r.rng.Uint64()
		// the last attempt goes to the bottom, for the best chance to fit
		if attempt == randomRetries {
			offset = 0
		}

		offset = alignUp(offset%(r.end-r.start)+r.start, align)
		if fits(offset, size, r.end) {
			r.objects++
			return offset, nil
		}
	}

	return InvalidAddress, fmt.Errorf("%w: 0x%x did not fit [0x%x : 0x%x) in %d attempts",
		ErrExhausted, size, r.start, r.end, randomRetries)
}

func (r *random) free(obj Object) error {
	if r.objects > 0 {
		r.objects--
	}
	return fmt.Errorf("%w: random backend does not track object %d", ErrNotSupported, obj)
}

func (r *random) isAllocated(Object, uint64, uint64) bool {
	return false
}

func (r *random) reserve(Object, uint64, uint64) error {
	return fmt.Errorf("%w: random backend has no reservations", ErrNotSupported)
}

func (r *random) unreserve(Object, uint64, uint64) error {
	return fmt.Errorf("%w: random backend has no reservations", ErrNotSupported)
}

func (r *random) isReserved(uint64, uint64) bool {
	return false
}

func (r *random) isEmpty() bool {
	return r.objects == 0
}

func (r *random) stats() Stats {
	return Stats{
		Start:            r.start,
		End:              r.end,
		TotalSize:        r.end - r.start,
		FreeSize:         r.end - r.start,
		AllocatedObjects: r.objects,
	}
}

func (r *random) dump(prefix string, _ bool) {
	log.Info("%srandom allocator on [0x%x : 0x%x], allocated objects: %d",
		prefix, r.start, r.end, r.objects)
}
