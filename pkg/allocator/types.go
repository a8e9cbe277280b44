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
	"strings"
)

// Type is the type of backend used by an allocator instance.
type Type uint8

const (
	// TypeNone is not a usable backend. It marks code paths which do
	// not use an allocator at all and rely on relocation instead.
	TypeNone Type = iota
	// TypeReloc hands out monotonically increasing offsets.
	TypeReloc
	// TypeRandom hands out randomly placed offsets.
	TypeRandom
	// TypeSimple tracks allocations exactly, without overlaps.
	TypeSimple
)

var typeNames = map[Type]string{
	TypeNone:   "none",
	TypeReloc:  "reloc",
	TypeRandom: "random",
	TypeSimple: "simple",
}

// String returns the name of the type.
func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("%%!Type(%d)", t)
}

// ParseType parses the given type name.
func ParseType(name string) (Type, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for t, n := range typeNames {
		if n == name {
			return t, nil
		}
	}
	return TypeNone, fmt.Errorf("%w: unknown allocator type %q", ErrInvalidArgument, name)
}

// Strategy selects where allocations are placed in the address range.
type Strategy uint8

const (
	// StrategyNone uses the default strategy of the instance.
	StrategyNone Strategy = iota
	// StrategyLowToHigh allocates from the lowest suitable free range.
	StrategyLowToHigh
	// StrategyHighToLow allocates from the highest suitable free range.
	StrategyHighToLow

	// DefaultStrategy is the strategy used when opening without one.
	DefaultStrategy = StrategyHighToLow
)

var strategyNames = map[Strategy]string{
	StrategyNone:      "none",
	StrategyLowToHigh: "low-to-high",
	StrategyHighToLow: "high-to-low",
}

// String returns the name of the strategy.
func (s Strategy) String() string {
	if name, ok := strategyNames[s]; ok {
		return name
	}
	return fmt.Sprintf("%%!Strategy(%d)", s)
}

// ParseStrategy parses the given strategy name.
func ParseStrategy(name string) (Strategy, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return StrategyNone, nil
	}
	for s, n := range strategyNames {
		if n == name {
			return s, nil
		}
	}
	return StrategyNone, fmt.Errorf("%w: unknown allocator strategy %q", ErrInvalidArgument, name)
}

type (
	// Handle identifies one open of an allocator instance.
	Handle uint64
	// Object identifies a buffer object within an allocator instance.
	Object uint32
)

const (
	// InvalidAddress is the offset returned when allocation fails.
	InvalidAddress = ^uint64(0)
	// InvalidHandle is never returned by a successful open.
	InvalidHandle Handle = 0
)

// String returns a string representation of the handle.
func (h Handle) String() string {
	return fmt.Sprintf("ahnd:0x%x", uint64(h))
}

// Key identifies a GPU virtual address space.
type Key struct {
	// Conn is the device connection, usually a file descriptor.
	Conn int
	// Space is the ID of the context or VM.
	Space uint32
	// VM is true if Space is a VM ID, false if it is a context ID.
	VM bool
}

// CtxKey returns the key for the given connection and context.
func CtxKey(conn int, ctx uint32) Key {
	return Key{Conn: conn, Space: ctx}
}

// VMKey returns the key for the given connection and VM.
func VMKey(conn int, vm uint32) Key {
	return Key{Conn: conn, Space: vm, VM: true}
}

// String returns a string representation of the key.
func (k Key) String() string {
	if k.VM {
		return fmt.Sprintf("<fd: %d, vm: %d>", k.Conn, k.Space)
	}
	return fmt.Sprintf("<fd: %d, ctx: %d>", k.Conn, k.Space)
}

// Stats is a snapshot of the accounting of an allocator instance.
type Stats struct {
	Type             Type
	Strategy         Strategy
	Start            uint64
	End              uint64
	TotalSize        uint64
	FreeSize         uint64
	AllocatedObjects uint64
	AllocatedSize    uint64
	ReservedAreas    uint64
	ReservedSize     uint64
}

// Range is a half-open range [Offset, Offset+Size).
type Range struct {
	Offset uint64
	Size   uint64
}

// End returns the end of the range.
func (r Range) End() uint64 {
	return r.Offset + r.Size
}

// Overlaps returns true if the ranges intersect.
func (r Range) Overlaps(o Range) bool {
	return r.Offset < o.End() && o.Offset < r.End()
}

// String returns a string representation of the range.
func (r Range) String() string {
	return fmt.Sprintf("[0x%x : 0x%x)", r.Offset, r.End())
}
