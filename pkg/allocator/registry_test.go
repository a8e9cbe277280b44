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
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/intel/gpuva/pkg/allocator"
)

func TestOpenClose(t *testing.T) {
	r := newTestRegistry(t, allocator.WithWarnIfNotEmpty(true))
	key := allocator.CtxKey(3, 0)

	h1, err := r.Open(key, allocator.TypeSimple)
	require.NoError(t, err)
	h2, err := r.Open(key, allocator.TypeSimple)
	require.NoError(t, err)
	require.NotEqual(t, h1, h2, "each open returns a new handle")
	require.Equal(t, 2, r.Len())

	offset, err := r.Alloc(h1, 1, 0x1000, 0x1000, allocator.StrategyNone)
	require.NoError(t, err)

	allocated, err := r.IsAllocated(h2, 1, 0x1000, offset)
	require.NoError(t, err)
	require.True(t, allocated, "handles share the instance")

	last, err := r.Close(h1)
	require.NoError(t, err)
	require.False(t, last)

	_, err = r.Alloc(h1, 2, 0x1000, 0, allocator.StrategyNone)
	require.ErrorIs(t, err, allocator.ErrUnknownHandle, "closed handle")

	last, err = r.Close(h2)
	require.NoError(t, err)
	require.True(t, last)

	_, err = r.Close(h2)
	require.ErrorIs(t, err, allocator.ErrUnknownHandle)
	require.True(t, allocator.IsMisuse(err))

	h3, err := r.Open(key, allocator.TypeSimple)
	require.NoError(t, err)
	empty, err := r.IsEmpty(h3)
	require.NoError(t, err)
	require.True(t, empty, "reopened after last close is a new instance")
}

func TestOpenMismatch(t *testing.T) {
	type testCase struct {
		name    string
		typ     allocator.Type
		options []allocator.OpenOption
		err     error
	}

	for _, tc := range []*testCase{
		{
			name: "same type and strategy",
			typ:  allocator.TypeSimple,
		},
		{
			name:    "explicit default strategy",
			typ:     allocator.TypeSimple,
			options: []allocator.OpenOption{allocator.WithStrategy(allocator.StrategyNone)},
		},
		{
			name: "different type",
			typ:  allocator.TypeReloc,
			err:  allocator.ErrMismatch,
		},
		{
			name:    "different strategy",
			typ:     allocator.TypeSimple,
			options: []allocator.OpenOption{allocator.WithStrategy(allocator.StrategyLowToHigh)},
			err:     allocator.ErrMismatch,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			r := newTestRegistry(t)
			key := allocator.VMKey(4, 1)

			_, err := r.Open(key, allocator.TypeSimple)
			require.NoError(t, err)

			_, err = r.Open(key, tc.typ, tc.options...)
			if tc.err == nil {
				require.NoError(t, err)
			} else {
				require.ErrorIs(t, err, tc.err)
			}
		})
	}
}

func TestOpenInvalid(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.Open(allocator.CtxKey(3, 0), allocator.TypeNone)
	require.ErrorIs(t, err, allocator.ErrInvalidArgument)

	_, err = r.Open(allocator.CtxKey(3, 0), allocator.TypeSimple, allocator.WithRange(0x2000, 0x1000))
	require.ErrorIs(t, err, allocator.ErrInvalidArgument)

	_, err = r.Open(allocator.CtxKey(3, 0), allocator.TypeSimple,
		allocator.WithStrategy(allocator.Strategy(9)))
	require.ErrorIs(t, err, allocator.ErrInvalidArgument)

	require.Zero(t, r.Len())
	require.Empty(t, r.Instances())
}

func TestOpenAs(t *testing.T) {
	r := newTestRegistry(t)

	h1, err := r.Open(allocator.VMKey(3, 1), allocator.TypeSimple)
	require.NoError(t, err)

	h2, err := r.OpenAs(h1, 2)
	require.NoError(t, err)

	key, err := r.Key(h2)
	require.NoError(t, err)
	require.Equal(t, allocator.VMKey(3, 2), key)

	offset, err := r.Alloc(h2, 1, 0x1000, 0, allocator.StrategyNone)
	require.NoError(t, err)
	allocated, err := r.IsAllocated(h1, 1, 0x1000, offset)
	require.NoError(t, err)
	require.True(t, allocated, "alias shares the instance")

	h3, err := r.Open(allocator.VMKey(3, 2), allocator.TypeSimple)
	require.NoError(t, err)
	allocated, err = r.IsAllocated(h3, 1, 0x1000, offset)
	require.NoError(t, err)
	require.True(t, allocated, "opening the alias key finds the shared instance")

	again, err := r.OpenAs(h1, 2)
	require.NoError(t, err, "aliasing to the same instance again")

	_, err = r.Open(allocator.VMKey(3, 5), allocator.TypeSimple)
	require.NoError(t, err)
	_, err = r.OpenAs(h1, 5)
	require.ErrorIs(t, err, allocator.ErrMismatch, "alias key bound to another instance")

	ctx, err := r.Open(allocator.CtxKey(3, 1), allocator.TypeSimple)
	require.NoError(t, err)
	_, err = r.OpenAs(ctx, 7)
	require.ErrorIs(t, err, allocator.ErrNotVM)

	_, err = r.OpenAs(allocator.Handle(12345), 7)
	require.ErrorIs(t, err, allocator.ErrUnknownHandle)

	for _, h := range []allocator.Handle{h1, h2, h3} {
		last, err := r.Close(h)
		require.NoError(t, err)
		require.False(t, last, "closing %s", h)
	}
	last, err := r.Close(again)
	require.NoError(t, err)
	require.True(t, last)
}

func TestInstances(t *testing.T) {
	r := newTestRegistry(t)

	h1, err := r.Open(allocator.VMKey(3, 1), allocator.TypeSimple,
		allocator.WithRange(testStart, testEnd))
	require.NoError(t, err)
	_, err = r.OpenAs(h1, 2)
	require.NoError(t, err)
	_, err = r.Open(allocator.CtxKey(5, 0), allocator.TypeReloc)
	require.NoError(t, err)

	_, err = r.Alloc(h1, 1, 0x1000, 0, allocator.StrategyNone)
	require.NoError(t, err)
	require.NoError(t, r.Reserve(h1, 0, 0x2000, 0x10000))

	expected := []allocator.InstanceInfo{
		{
			ID:      1,
			Keys:    []allocator.Key{allocator.VMKey(3, 1), allocator.VMKey(3, 2)},
			Handles: 2,
			Stats: allocator.Stats{
				Type:             allocator.TypeSimple,
				Strategy:         allocator.StrategyHighToLow,
				Start:            testStart,
				End:              testEnd,
				TotalSize:        testEnd - testStart,
				FreeSize:         testEnd - testStart - 0x3000,
				AllocatedObjects: 1,
				AllocatedSize:    0x1000,
				ReservedAreas:    1,
				ReservedSize:     0x2000,
			},
		},
		{
			ID:      2,
			Keys:    []allocator.Key{allocator.CtxKey(5, 0)},
			Handles: 1,
			Stats: allocator.Stats{
				Type:      allocator.TypeReloc,
				Strategy:  allocator.StrategyHighToLow,
				Start:     allocator.DefaultStart,
				End:       allocator.DefaultEnd,
				TotalSize: allocator.DefaultEnd - allocator.DefaultStart,
				FreeSize:  allocator.DefaultEnd - allocator.DefaultStart,
			},
		},
	}

	if diff := cmp.Diff(expected, r.Instances()); diff != "" {
		t.Errorf("unexpected instances (-expected +got):\n%s", diff)
	}

	require.NoError(t, r.Print(h1, true))
	require.NoError(t, r.Print(h1, false))
}

func TestParallelAllocations(t *testing.T) {
	const (
		workers = 8
		count   = 64
		size    = 0x1000
	)

	r := newTestRegistry(t)
	key := allocator.VMKey(3, 1)

	var (
		wg      sync.WaitGroup
		lock    sync.Mutex
		offsets []uint64
		errs    []error
	)

	for w := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()

			h, err := r.Open(key, allocator.TypeSimple)
			if err != nil {
				lock.Lock()
				errs = append(errs, err)
				lock.Unlock()
				return
			}

			for i := range count {
				obj := allocator.Object(w*1000 + i + 1)
				offset, err := r.Alloc(h, obj, size, size, allocator.StrategyNone)
				lock.Lock()
				if err != nil {
					errs = append(errs, fmt.Errorf("object %d: %w", obj, err))
				} else {
					offsets = append(offsets, offset)
				}
				lock.Unlock()
			}
		}()
	}
	wg.Wait()

	require.NoError(t, errors.Join(errs...))
	require.Len(t, offsets, workers*count)
	requireNoOverlap(t, offsets, size)

	infos := r.Instances()
	require.Len(t, infos, 1)
	require.Equal(t, workers, infos[0].Handles)
	require.Equal(t, uint64(workers*count), infos[0].Stats.AllocatedObjects)
}

func TestParseNames(t *testing.T) {
	for _, typ := range []allocator.Type{allocator.TypeNone, allocator.TypeReloc,
		allocator.TypeRandom, allocator.TypeSimple} {
		parsed, err := allocator.ParseType(typ.String())
		require.NoError(t, err)
		require.Equal(t, typ, parsed)
	}
	_, err := allocator.ParseType("buddy")
	require.ErrorIs(t, err, allocator.ErrInvalidArgument)

	for _, s := range []allocator.Strategy{allocator.StrategyNone, allocator.StrategyLowToHigh,
		allocator.StrategyHighToLow} {
		parsed, err := allocator.ParseStrategy(s.String())
		require.NoError(t, err)
		require.Equal(t, s, parsed)
	}
	parsed, err := allocator.ParseStrategy(" High-To-Low ")
	require.NoError(t, err)
	require.Equal(t, allocator.StrategyHighToLow, parsed)
	_, err = allocator.ParseStrategy("sideways")
	require.ErrorIs(t, err, allocator.ErrInvalidArgument)
}
