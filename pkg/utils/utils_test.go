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

package utils_test

import (
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/intel/gpuva/pkg/utils"
)

func TestParseEnabled(t *testing.T) {
	type testCase struct {
		value   string
		enabled bool
		fail    bool
	}
	for _, tc := range []*testCase{
		{value: "on", enabled: true},
		{value: " TRUE ", enabled: true},
		{value: "1", enabled: true},
		{value: "off"},
		{value: "Disabled"},
		{value: "0"},
		{value: "maybe", fail: true},
		{value: "", fail: true},
	} {
		t.Run(tc.value, func(t *testing.T) {
			enabled, err := utils.ParseEnabled(tc.value)
			if tc.fail {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.enabled, enabled)
		})
	}
}

func TestPrepareSocket(t *testing.T) {
	dir := t.TempDir()
	socket := filepath.Join(dir, "sub", "test.sock")

	require.NoError(t, utils.PrepareSocket(socket))
	_, err := os.Stat(filepath.Dir(socket))
	require.NoError(t, err)

	l, err := net.Listen("unix", socket)
	require.NoError(t, err)

	listening, err := utils.IsListeningSocket(socket)
	require.NoError(t, err)
	require.True(t, listening)
	require.Error(t, utils.PrepareSocket(socket))

	l.(*net.UnixListener).SetUnlinkOnClose(false)
	require.NoError(t, l.Close())

	listening, err = utils.IsListeningSocket(socket)
	require.NoError(t, err)
	require.False(t, listening)

	require.NoError(t, utils.PrepareSocket(socket))
	_, err = os.Stat(socket)
	require.True(t, os.IsNotExist(err))
}
