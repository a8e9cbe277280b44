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

package allocator_test

import (
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/intel/gpuva/pkg/allocator"
)

const (
	testStart = 0x1000
	testEnd   = 0x100000
)

func newTestRegistry(t *testing.T, options ...allocator.RegistryOption) *allocator.Registry {
	r, err := allocator.NewRegistry(options...)
	require.NoError(t, err)
	require.NotNil(t, r)
	return r
}

func openSimple(t *testing.T, r *allocator.Registry, options ...allocator.OpenOption) allocator.Handle {
	if len(options) == 0 {
		options = []allocator.OpenOption{allocator.WithRange(testStart, testEnd)}
	}
	h, err := r.Open(allocator.CtxKey(3, 0), allocator.TypeSimple, options...)
	require.NoError(t, err)
	require.NotEqual(t, allocator.InvalidHandle, h)
	return h
}

func TestSimplePlacement(t *testing.T) {
	type alloc struct {
		obj      allocator.Object
		size     uint64
		align    uint64
		strategy allocator.Strategy
		offset   uint64
	}
	type testCase struct {
		name     string
		strategy allocator.Strategy
		allocs   []alloc
	}

	for _, tc := range []*testCase{
		{
			name: "default strategy allocates from the top",
			allocs: []alloc{
				{obj: 1, size: 0x1000, align: 0x1000, offset: 0xff000},
				{obj: 2, size: 0x1000, offset: 0xfe000},
				{obj: 3, size: 0x800, offset: 0xfd800},
			},
		},
		{
			name:     "low-to-high instance allocates from the bottom",
			strategy: allocator.StrategyLowToHigh,
			allocs: []alloc{
				{obj: 1, size: 0x1000, align: 0x1000, offset: 0x1000},
				{obj: 2, size: 0x800, offset: 0x2000},
				{obj: 3, size: 0x1000, align: 0x1000, offset: 0x3000},
			},
		},
		{
			name: "per-call strategy overrides the instance default",
			allocs: []alloc{
				{obj: 1, size: 0x1000, offset: 0xff000},
				{obj: 2, size: 0x1000, strategy: allocator.StrategyLowToHigh, offset: 0x1000},
				{obj: 3, size: 0x1000, strategy: allocator.StrategyHighToLow, offset: 0xfe000},
			},
		},
		{
			name: "alignment is honored from the top",
			allocs: []alloc{
				{obj: 1, size: 0x100, offset: 0xfff00},
				{obj: 2, size: 0x100, align: 0x10000, offset: 0xf0000},
			},
		},
		{
			name:     "alignment is honored from the bottom",
			strategy: allocator.StrategyLowToHigh,
			allocs: []alloc{
				{obj: 1, size: 0x100, offset: 0x1000},
				{obj: 2, size: 0x100, align: 0x10000, offset: 0x10000},
				{obj: 3, size: 0x100, offset: 0x1100},
			},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			r := newTestRegistry(t)
			h := openSimple(t, r,
				allocator.WithRange(testStart, testEnd),
				allocator.WithStrategy(tc.strategy),
			)
			for _, a := range tc.allocs {
				offset, err := r.Alloc(h, a.obj, a.size, a.align, a.strategy)
				require.NoError(t, err)
				require.Equal(t, a.offset, offset, "offset of object %d", a.obj)
			}
		})
	}
}

func TestSimpleRealloc(t *testing.T) {
	r := newTestRegistry(t)
	h := openSimple(t, r)

	offset, err := r.Alloc(h, 1, 0x1000, 0x1000, allocator.StrategyNone)
	require.NoError(t, err)

	again, err := r.Alloc(h, 1, 0x1000, 0x1000, allocator.StrategyNone)
	require.NoError(t, err)
	require.Equal(t, offset, again, "same object, same size, same offset")

	_, err = r.Alloc(h, 1, 0x2000, 0x1000, allocator.StrategyNone)
	require.ErrorIs(t, err, allocator.ErrSizeMismatch)
	require.True(t, allocator.IsMisuse(err))

	_, err = r.Alloc(h, 2, 0, 0, allocator.StrategyNone)
	require.ErrorIs(t, err, allocator.ErrInvalidArgument)

	_, err = r.Alloc(h, 3, 0x1000, 0, allocator.Strategy(7))
	require.ErrorIs(t, err, allocator.ErrInvalidArgument)
}

func TestSimpleExhaustion(t *testing.T) {
	r := newTestRegistry(t)
	h := openSimple(t, r)

	_, err := r.Alloc(h, 1, testEnd, 0, allocator.StrategyNone)
	require.ErrorIs(t, err, allocator.ErrExhausted)
	require.False(t, allocator.IsMisuse(err))

	offset, err := r.Alloc(h, 2, testEnd-testStart, 0, allocator.StrategyNone)
	require.NoError(t, err)
	require.Equal(t, uint64(testStart), offset)

	_, err = r.Alloc(h, 3, 1, 0, allocator.StrategyNone)
	require.ErrorIs(t, err, allocator.ErrExhausted)

	require.NoError(t, r.Free(h, 2))
	_, err = r.Alloc(h, 3, 1, 0, allocator.StrategyNone)
	require.NoError(t, err)
}

func TestSimpleReuse(t *testing.T) {
	const (
		count = 128
		size  = 0x1000
	)

	r := newTestRegistry(t)
	h := openSimple(t, r)

	allocAll := func() []uint64 {
		offsets := make([]uint64, 0, count)
		for i := range count {
			offset, err := r.Alloc(h, allocator.Object(i+1), size, size, allocator.StrategyNone)
			require.NoError(t, err)
			require.Zero(t, offset%size, "alignment of object %d", i+1)
			offsets = append(offsets, offset)
		}
		return offsets
	}

	first := allocAll()
	requireNoOverlap(t, first, size)

	stats, err := r.Stats(h)
	require.NoError(t, err)
	require.Equal(t, uint64(count), stats.AllocatedObjects)
	require.Equal(t, uint64(count*size), stats.AllocatedSize)
	require.Equal(t, stats.TotalSize-count*size, stats.FreeSize)

	for i := range count {
		require.NoError(t, r.Free(h, allocator.Object(i+1)))
	}

	empty, err := r.IsEmpty(h)
	require.NoError(t, err)
	require.True(t, empty)

	stats, err = r.Stats(h)
	require.NoError(t, err)
	require.Equal(t, stats.TotalSize, stats.FreeSize, "freed ranges coalesced")

	second := allocAll()
	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("offsets after reuse differ (-first +second):\n%s", diff)
	}

	err = r.Free(h, count+1)
	require.ErrorIs(t, err, allocator.ErrNotFound)
}

func TestSimpleFreeInMiddle(t *testing.T) {
	r := newTestRegistry(t)
	h := openSimple(t, r, allocator.WithRange(testStart, testEnd),
		allocator.WithStrategy(allocator.StrategyLowToHigh))

	for obj := allocator.Object(1); obj <= 3; obj++ {
		_, err := r.Alloc(h, obj, 0x1000, 0, allocator.StrategyNone)
		require.NoError(t, err)
	}

	require.NoError(t, r.Free(h, 2))

	offset, err := r.Alloc(h, 4, 0x1000, 0, allocator.StrategyNone)
	require.NoError(t, err)
	require.Equal(t, uint64(0x2000), offset, "freed hole reused")

	offset, err = r.Alloc(h, 5, 0x1000, 0, allocator.StrategyNone)
	require.NoError(t, err)
	require.Equal(t, uint64(0x4000), offset)
}

func TestReservations(t *testing.T) {
	r := newTestRegistry(t)
	h := openSimple(t, r)

	require.NoError(t, r.Reserve(h, 0, 0x1000, 0x40000))

	err := r.Reserve(h, 0, 0x1000, 0x40800)
	require.ErrorIs(t, err, allocator.ErrConflict, "overlapping reservation")

	offset, err := r.Alloc(h, 1, 0x1000, 0, allocator.StrategyNone)
	require.NoError(t, err)
	require.False(t, allocator.Range{Offset: offset, Size: 0x1000}.Overlaps(
		allocator.Range{Offset: 0x40000, Size: 0x1000}), "allocation avoids reservation")

	reserved, err := r.IsReserved(h, 0x1000, 0x40000)
	require.NoError(t, err)
	require.True(t, reserved)

	reserved, err = r.IsReserved(h, 0x800, 0x40000)
	require.NoError(t, err)
	require.False(t, reserved, "only exact ranges are reserved")

	require.NoError(t, r.Unreserve(h, 0, 0x1000, 0x40000))
	require.NoError(t, r.Reserve(h, 0, 0x1000, 0x40800))

	reserved, err = r.IsReserved(h, 0x1000, 0x40000)
	require.NoError(t, err)
	require.False(t, reserved)
}

func TestReservationErrors(t *testing.T) {
	type testCase struct {
		name   string
		obj    allocator.Object
		size   uint64
		offset uint64
		unres  bool
		err    error
	}

	for _, tc := range []*testCase{
		{
			name:   "below range",
			size:   0x1000,
			offset: 0,
			err:    allocator.ErrOutOfRange,
		},
		{
			name:   "across range end",
			size:   0x2000,
			offset: testEnd - 0x1000,
			err:    allocator.ErrOutOfRange,
		},
		{
			name:   "overlapping allocation",
			size:   0x1000,
			offset: 0xfe800,
			err:    allocator.ErrConflict,
		},
		{
			name:   "overlapping reservation",
			size:   0x10,
			offset: 0x20008,
			err:    allocator.ErrConflict,
		},
		{
			name:   "unreserve with wrong object",
			obj:    9,
			size:   0x1000,
			offset: 0x20000,
			unres:  true,
			err:    allocator.ErrNotFound,
		},
		{
			name:   "unreserve with wrong size",
			obj:    7,
			size:   0x800,
			offset: 0x20000,
			unres:  true,
			err:    allocator.ErrNotFound,
		},
		{
			name:   "unreserve unknown range",
			obj:    7,
			size:   0x1000,
			offset: 0x30000,
			unres:  true,
			err:    allocator.ErrNotFound,
		},
		{
			name: "zero size",
			err:  allocator.ErrInvalidArgument,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			r := newTestRegistry(t)
			h := openSimple(t, r)

			_, err := r.Alloc(h, 1, 0x1000, 0x1000, allocator.StrategyNone)
			require.NoError(t, err)
			require.NoError(t, r.Reserve(h, 7, 0x1000, 0x20000))

			if tc.unres {
				err = r.Unreserve(h, tc.obj, tc.size, tc.offset)
			} else {
				err = r.Reserve(h, tc.obj, tc.size, tc.offset)
			}
			require.ErrorIs(t, err, tc.err)

			stats, err := r.Stats(h)
			require.NoError(t, err)
			require.Equal(t, uint64(1), stats.ReservedAreas, "failed call has no effect")
			require.Equal(t, uint64(0x1000), stats.ReservedSize)
		})
	}
}

func TestReserveIfNotAllocated(t *testing.T) {
	r := newTestRegistry(t)
	h := openSimple(t, r)

	offset, err := r.Alloc(h, 1, 0x1000, 0x1000, allocator.StrategyNone)
	require.NoError(t, err)

	allocated, err := r.ReserveIfNotAllocated(h, 1, 0x1000, offset)
	require.NoError(t, err)
	require.True(t, allocated)

	reserved, err := r.IsReserved(h, 0x1000, offset)
	require.NoError(t, err)
	require.False(t, reserved, "allocated range not reserved")

	allocated, err = r.ReserveIfNotAllocated(h, 2, 0x1000, 0x10000)
	require.NoError(t, err)
	require.False(t, allocated)

	reserved, err = r.IsReserved(h, 0x1000, 0x10000)
	require.NoError(t, err)
	require.True(t, reserved)

	allocated, err = r.ReserveIfNotAllocated(h, 3, 0x1000, offset)
	require.ErrorIs(t, err, allocator.ErrConflict)
	require.False(t, allocated)
}

func TestCanonicalAddresses(t *testing.T) {
	const high = uint64(1) << 47

	require.Equal(t, uint64(0xffff800000000000), allocator.ToCanonical(high))
	require.Equal(t, high, allocator.FromCanonical(allocator.ToCanonical(high)))
	require.Equal(t, uint64(0x1000), allocator.ToCanonical(0x1000))
	require.Equal(t, uint64(0x1000), allocator.FromCanonical(0x1000))

	r := newTestRegistry(t)
	h := openSimple(t, r, allocator.WithRange(0, 0))

	start, end, err := r.AddressRange(h)
	require.NoError(t, err)
	require.Equal(t, uint64(allocator.DefaultStart), start)
	require.Equal(t, allocator.DefaultEnd, end)

	offset, err := r.Alloc(h, 1, 0x1000, 0x1000, allocator.StrategyNone)
	require.NoError(t, err)
	require.Equal(t, allocator.DefaultEnd-0x1000, offset)

	allocated, err := r.IsAllocated(h, 1, 0x1000, allocator.ToCanonical(offset))
	require.NoError(t, err)
	require.True(t, allocated, "canonical offset matches")

	allocated, err = r.IsAllocated(h, 1, 0x2000, offset)
	require.NoError(t, err)
	require.False(t, allocated, "size must match")

	require.NoError(t, r.Reserve(h, 0, 0x1000, allocator.ToCanonical(high)))

	reserved, err := r.IsReserved(h, 0x1000, high)
	require.NoError(t, err)
	require.True(t, reserved)

	require.NoError(t, r.Unreserve(h, 0, 0x1000, allocator.ToCanonical(high)))
}

func requireNoOverlap(t *testing.T, offsets []uint64, size uint64) {
	t.Helper()

	sorted := append([]uint64{}, offsets...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	for i := 1; i < len(sorted); i++ {
		require.GreaterOrEqual(t, sorted[i], sorted[i-1]+size,
			"ranges at 0x%x and 0x%x overlap", sorted[i-1], sorted[i])
	}
}
