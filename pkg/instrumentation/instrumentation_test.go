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

package instrumentation_test

import (
	"io"
	"net/http"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	cfgapi "github.com/intel/gpuva/pkg/apis/config/v1alpha1/instrumentation"
	"github.com/intel/gpuva/pkg/instrumentation"
	"github.com/intel/gpuva/pkg/metrics"
)

func TestInstrumentationConfiguration(t *testing.T) {
	r := metrics.NewRegistry()
	gauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "test_gauge",
		Help: "A gauge for testing.",
	})
	gauge.Set(42)
	require.NoError(t, r.Register("gauge", gauge, metrics.WithGroup("test")))

	instrumentation.SetRegistry(r)
	defer instrumentation.SetRegistry(nil)
	defer instrumentation.Stop()

	cfg := &cfgapi.Config{
		HTTPEndpoint: "127.0.0.1:0",
		Metrics: &cfgapi.MetricsConfig{
			Enabled: []string{"test"},
		},
	}
	cfg.SetDefaults()

	require.NoError(t, instrumentation.Reconfigure(cfg))
	address := instrumentation.Address()
	require.NotEmpty(t, address)

	code, body := get(t, address, "/metrics")
	require.Equal(t, http.StatusOK, code)
	require.Contains(t, body, "gpuva_test_test_gauge 42")

	code, _ = get(t, address, "/healthz")
	require.Equal(t, http.StatusOK, code)

	cfg.Metrics.Enabled = []string{"none*"}
	require.Error(t, instrumentation.Reconfigure(cfg))
	require.Empty(t, instrumentation.Address())

	require.NoError(t, instrumentation.Reconfigure(&cfgapi.Config{}))
	require.Empty(t, instrumentation.Address())

	_, err := http.Get("http://" + address + "/metrics")
	require.Error(t, err)
}

func get(t *testing.T, address, path string) (int, string) {
	rpl, err := http.Get("http://" + address + path)
	require.NoError(t, err)
	defer rpl.Body.Close()

	body, err := io.ReadAll(rpl.Body)
	require.NoError(t, err)

	return rpl.StatusCode, string(body)
}
