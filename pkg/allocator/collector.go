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
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector exports the accounting of all live instances of a Registry
// as prometheus metrics.
type Collector struct {
	r           *Registry
	instances   *prometheus.Desc
	handles     *prometheus.Desc
	totalBytes  *prometheus.Desc
	freeBytes   *prometheus.Desc
	allocBytes  *prometheus.Desc
	objects     *prometheus.Desc
	resvBytes   *prometheus.Desc
	resvAreas   *prometheus.Desc
	instHandles *prometheus.Desc
}

// NewCollector creates a collector for the given registry.
func NewCollector(r *Registry) *Collector {
	labels := []string{"instance", "type", "strategy"}
	return &Collector{
		r: r,
		instances: prometheus.NewDesc("instances",
			"Number of live allocator instances.", nil, nil),
		handles: prometheus.NewDesc("handles",
			"Number of open allocator handles.", nil, nil),
		totalBytes: prometheus.NewDesc("total_bytes",
			"Size of the address range of the instance.", labels, nil),
		freeBytes: prometheus.NewDesc("free_bytes",
			"Free address space of the instance.", labels, nil),
		allocBytes: prometheus.NewDesc("allocated_bytes",
			"Address space allocated for objects.", labels, nil),
		objects: prometheus.NewDesc("allocated_objects",
			"Number of allocated objects.", labels, nil),
		resvBytes: prometheus.NewDesc("reserved_bytes",
			"Reserved address space.", labels, nil),
		resvAreas: prometheus.NewDesc("reserved_areas",
			"Number of reserved areas.", labels, nil),
		instHandles: prometheus.NewDesc("instance_handles",
			"Number of handles open to the instance.", labels, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.instances, c.handles, c.totalBytes, c.freeBytes, c.allocBytes,
		c.objects, c.resvBytes, c.resvAreas, c.instHandles,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	infos := c.r.Instances()

	ch <- prometheus.MustNewConstMetric(c.instances, prometheus.GaugeValue, float64(len(infos)))
	ch <- prometheus.MustNewConstMetric(c.handles, prometheus.GaugeValue, float64(c.r.Len()))

	for _, info := range infos {
		var (
			s      = info.Stats
			labels = []string{
				strconv.FormatUint(info.ID, 10),
				s.Type.String(),
				s.Strategy.String(),
			}
		)
		for _, m := range []struct {
			desc  *prometheus.Desc
			value uint64
		}{
			{c.totalBytes, s.TotalSize},
			{c.freeBytes, s.FreeSize},
			{c.allocBytes, s.AllocatedSize},
			{c.objects, s.AllocatedObjects},
			{c.resvBytes, s.ReservedSize},
			{c.resvAreas, s.ReservedAreas},
			{c.instHandles, uint64(info.Handles)},
		} {
			ch <- prometheus.MustNewConstMetric(m.desc, prometheus.GaugeValue,
				float64(m.value), labels...)
		}
	}
}
