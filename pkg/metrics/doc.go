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

// Package metrics is a thin layer over prometheus for grouping collectors,
// configuring them at runtime by name or glob, and polling the ones which
// are too expensive to collect on every scrape.
//
// A typical setup registers collectors in groups, creates a gatherer with
// the set of enabled and polled collectors, then serves the gatherer:
//
//	metrics.MustRegister("stats", allocator.NewCollector(reg),
//	    metrics.WithGroup("allocator"),
//	    metrics.WithCollectorOptions(metrics.WithPolled()),
//	)
//
//	g, err := metrics.NewGatherer(
//	    metrics.WithNamespace("gpuva"),
//	    metrics.WithMetrics([]string{"standard"}, []string{"allocator"}),
//	)
//	if err != nil {
//	    log.Fatal("%v", err)
//	}
//
//	mux.Handle("/metrics", g.Handler())
package metrics
