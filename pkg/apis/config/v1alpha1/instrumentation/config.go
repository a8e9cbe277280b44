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

package instrumentation

import (
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

const (
	// DefaultReportPeriod is the default interval between polling metrics.
	DefaultReportPeriod = 30 * time.Second
)

// Config provides runtime configuration for instrumentation.
type Config struct {
	// HTTPEndpoint is the address our HTTP server listens on for serving
	// /metrics and /healthz. Empty disables the HTTP server.
	// +optional
	// +kubebuilder:example=":8891"
	HTTPEndpoint string `json:"httpEndpoint,omitempty"`
	// ReportPeriod is the interval between collecting polled metrics.
	// +optional
	// +kubebuilder:validation:Format="duration"
	// +kubebuilder:default="30s"
	ReportPeriod metav1.Duration `json:"reportPeriod,omitempty"`
	// Metrics defines which metrics to collect.
	// +optional
	Metrics *MetricsConfig `json:"metrics,omitempty"`
}

// MetricsConfig selects metrics collectors by group or name. Entries may
// be glob patterns.
type MetricsConfig struct {
	// Enabled collectors are collected on every scrape.
	// +optional
	Enabled []string `json:"enabled,omitempty"`
	// Polled collectors are collected once per report period.
	// +optional
	Polled []string `json:"polled,omitempty"`
}

// SetDefaults fills in defaults for unset fields.
func (c *Config) SetDefaults() {
	if c.ReportPeriod.Duration == 0 {
		c.ReportPeriod.Duration = DefaultReportPeriod
	}
	if c.Metrics == nil {
		c.Metrics = &MetricsConfig{
			Enabled: []string{"standard"},
			Polled:  []string{"allocator"},
		}
	}
}
