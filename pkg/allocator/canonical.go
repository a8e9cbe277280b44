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

const (
	// AddressWidth is the number of significant bits in a GPU address.
	AddressWidth = 48

	addressMask = (uint64(1) << AddressWidth) - 1
)

// ToCanonical sign-extends bit 47 of the offset through bit 63.
func ToCanonical(offset uint64) uint64 {
	const shift = 64 - AddressWidth
	return uint64(int64(offset<<shift) >> shift)
}

// FromCanonical clears bits 48-63 of the offset.
func FromCanonical(offset uint64) uint64 {
	return offset & addressMask
}

// alignUp rounds offset up to the next multiple of align. It saturates
// to InvalidAddress if the result does not fit in 64 bits.
func alignUp(offset, align uint64) uint64 {
	if align <= 1 {
		return offset
	}
	misalign := offset % align
	if misalign == 0 {
		return offset
	}
	pad := align - misalign
	if offset > InvalidAddress-pad {
		return InvalidAddress
	}
	return offset + pad
}

// fits returns true if [offset, offset+size) ends at or below end.
func fits(offset, size, end uint64) bool {
	return offset <= end && size <= end-offset
}

// alignDown rounds offset down to a multiple of align.
func alignDown(offset, align uint64) uint64 {
	if align <= 1 {
		return offset
	}
	return offset / align * align
}
