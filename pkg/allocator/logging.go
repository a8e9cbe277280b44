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
	"sort"

	logger "github.com/intel/gpuva/pkg/log"
)

var (
	log     = logger.Get("allocator")
	details = logger.Get("allocator-details")
)

// dump logs the holes, objects and reservations of the backend. With
// full set it also cross-checks the accounting against the records.
func (s *simple) dump(prefix string, full bool) {
	totalFree := uint64(0)

	log.Info("%ssimple allocator (%s) on [0x%x : 0x%x]:", prefix, s.strategy, s.start, s.end)

	if !full {
		totalFree = s.freeSize()
	} else {
		log.Info("%s  holes:", prefix)
		for _, h := range s.holes {
			log.Info("%s    offset = %d (0x%x), size = %d (0x%x)", prefix,
				h.offset, h.offset, h.size, h.size)
			totalFree += h.size
		}

		log.Info("%s  total free: 0x%x, total size: 0x%x, allocated size: 0x%x, reserved size: 0x%x",
			prefix, totalFree, s.totalSize, s.allocatedSize, s.reservedSize)
		if totalFree != s.totalSize-s.allocatedSize-s.reservedSize {
			log.Error("internal error: free space 0x%x != total 0x%x - allocated 0x%x - reserved 0x%x",
				totalFree, s.totalSize, s.allocatedSize, s.reservedSize)
		}

		allocatedSize := uint64(0)
		log.Info("%s  objects:", prefix)
		for _, rec := range sortedRecords(s.objects) {
			log.Info("%s    handle = %d, offset = %d (0x%x), size = %d (0x%x)", prefix,
				rec.obj, rec.offset, rec.offset, rec.size, rec.size)
			allocatedSize += rec.size
		}
		if allocatedSize != s.allocatedSize || uint64(len(s.objects)) != s.allocatedObjects {
			log.Error("internal error: object accounting mismatch (%d/0x%x vs. %d/0x%x)",
				len(s.objects), allocatedSize, s.allocatedObjects, s.allocatedSize)
		}

		reservedSize := uint64(0)
		log.Info("%s  reserved areas:", prefix)
		for _, rec := range sortedRecords(s.reserved) {
			log.Info("%s    offset = %d (0x%x), size = %d (0x%x), handle = %d", prefix,
				rec.offset, rec.offset, rec.size, rec.size, rec.obj)
			reservedSize += rec.size
		}
		if reservedSize != s.reservedSize || uint64(len(s.reserved)) != s.reservedAreas {
			log.Error("internal error: reservation accounting mismatch (%d/0x%x vs. %d/0x%x)",
				len(s.reserved), reservedSize, s.reservedAreas, s.reservedSize)
		}
	}

	log.Info("%s  free space: %dB (0x%x) (%.2f%% full)", prefix, totalFree, totalFree,
		float64(s.totalSize-totalFree)/float64(s.totalSize)*100)
	log.Info("%s  allocated objects: %d, reserved areas: %d", prefix,
		s.allocatedObjects, s.reservedAreas)
}

// dumpHoles logs the free holes if detailed debugging is enabled.
func (s *simple) dumpHoles(where string) {
	if !details.DebugEnabled() {
		return
	}

	details.Debug("%s: %d holes", where, len(s.holes))
	for _, h := range s.holes {
		details.Debug("  - %s", Range{h.offset, h.size})
	}
}

func sortedRecords[K comparable](m map[K]*record) []*record {
	records := make([]*record, 0, len(m))
	for _, rec := range m {
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].offset < records[j].offset
	})
	return records
}

func formatPrefix(args ...interface{}) string {
	narg := len(args)
	if narg == 0 {
		return ""
	}

	format, ok := args[0].(string)
	if !ok {
		return "%%(!allocator:Bad-Prefix)"
	}

	if narg == 1 {
		return format
	}

	return fmt.Sprintf(format, args[1:]...)
}
