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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSimpleValidate(t *testing.T) {
	old := details.EnableDebug(true)
	defer details.EnableDebug(old)

	s, err := newSimple(0x1000, 0x100000, StrategyLowToHigh)
	require.NoError(t, err)
	require.NoError(t, s.validate())

	for obj := Object(1); obj <= 16; obj++ {
		_, err := s.alloc(obj, 0x1000*uint64(obj), 0x1000, StrategyNone)
		require.NoError(t, err)
	}
	for obj := Object(2); obj <= 16; obj += 3 {
		require.NoError(t, s.free(obj))
	}
	require.NoError(t, s.reserve(100, 0xf0000, 0xf8000))
	require.NoError(t, s.validate(), "holes consistent after alloc, free and reserve")

	type testCase struct {
		name  string
		holes []hole
	}
	for _, tc := range []*testCase{
		{
			name:  "empty hole",
			holes: []hole{{offset: 0x2000, size: 0}},
		},
		{
			name:  "outside address range",
			holes: []hole{{offset: 0x80000, size: 0x100000}},
		},
		{
			name:  "wrong order",
			holes: []hole{{offset: 0x2000, size: 0x1000}, {offset: 0x4000, size: 0x1000}},
		},
		{
			name:  "adjacent holes",
			holes: []hole{{offset: 0x3000, size: 0x1000}, {offset: 0x2000, size: 0x1000}},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			c := &simple{start: s.start, end: s.end, holes: tc.holes}
			require.Error(t, c.validate())
		})
	}
}
