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

package log

import (
	stdlog "log"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSrcmapParse(t *testing.T) {
	type testCase struct {
		name   string
		value  string
		result srcmap
		fail   bool
	}
	for _, tc := range []*testCase{
		{
			name:   "empty",
			value:  "",
			result: srcmap{},
		},
		{
			name:   "bare sources default to on",
			value:  "allocator,arbiter",
			result: srcmap{"allocator": true, "arbiter": true},
		},
		{
			name:   "state carries over",
			value:  "on:allocator,arbiter,off:metrics,grpc",
			result: srcmap{"allocator": true, "arbiter": true, "metrics": false, "grpc": false},
		},
		{
			name:   "all",
			value:  "all",
			result: srcmap{"*": true},
		},
		{
			name:  "invalid state",
			value: "maybe:allocator",
			fail:  true,
		},
		{
			name:  "invalid entry",
			value: "on:off:allocator",
			fail:  true,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			m := srcmap{}
			err := m.parse(tc.value)
			if tc.fail {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.result, m)

			reparsed := srcmap{}
			require.NoError(t, reparsed.parse(m.String()))
			require.Equal(t, m, reparsed)
		})
	}
}

func TestDebugState(t *testing.T) {
	l := &logging{
		dbgmap:  srcmap{"*": true, "noisy": false},
		loggers: map[string]*srcstate{},
	}
	require.True(t, l.debugState("allocator"))
	require.False(t, l.debugState("noisy"))

	l.forced = true
	require.True(t, l.debugState("noisy"))
}

func TestEnableDebug(t *testing.T) {
	l := Get("test-enable-debug")
	require.False(t, l.DebugEnabled())

	old := l.EnableDebug(true)
	require.False(t, old)
	require.True(t, l.DebugEnabled())

	old = l.EnableDebug(false)
	require.True(t, old)
	require.False(t, l.DebugEnabled())
}

func TestSetStdLogger(t *testing.T) {
	defer func() {
		stdlog.SetOutput(os.Stderr)
		stdlog.SetFlags(stdlog.LstdFlags)
	}()

	SetStdLogger("stdlog")

	w, ok := stdlog.Writer().(*stdWriter)
	require.True(t, ok, "standard log routed to a logger")
	require.Equal(t, logger{source: "stdlog"}, w.l)

	n, err := w.Write([]byte("hello\n"))
	require.NoError(t, err)
	require.Equal(t, 6, n)

	SetStdLogger("")
	w, ok = stdlog.Writer().(*stdWriter)
	require.True(t, ok)
	require.Equal(t, deflog, w.l)
}
