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

// Package gpuva hands out GPU virtual addresses for buffer objects placed
// by userspace. An Allocator serves its callers directly from an
// allocator registry, or, in multiprocess mode, through an arbiter which
// serializes the requests of all cooperating goroutines and processes.
//
// Ordinary allocation failures are reported as return values, like
// InvalidAddress or false. Misuse, like using an unknown handle or
// reallocating an object with a different size, and failures to reach
// the arbiter panic.
package gpuva

import (
	"errors"
	"fmt"
	"sync"

	"github.com/intel/gpuva/pkg/allocator"
	"github.com/intel/gpuva/pkg/allocator/arbiter"
	logger "github.com/intel/gpuva/pkg/log"
)

type (
	Handle   = allocator.Handle
	Object   = allocator.Object
	Type     = allocator.Type
	Strategy = allocator.Strategy
)

const (
	TypeReloc  = allocator.TypeReloc
	TypeRandom = allocator.TypeRandom
	TypeSimple = allocator.TypeSimple

	StrategyNone      = allocator.StrategyNone
	StrategyLowToHigh = allocator.StrategyLowToHigh
	StrategyHighToLow = allocator.StrategyHighToLow

	InvalidAddress = allocator.InvalidAddress
)

var (
	log = logger.Get("gpuva")
)

// service is the set of allocator operations, implemented both by the
// registry and by the arbiter client.
type service interface {
	Open(key allocator.Key, typ Type, start, end uint64, strategy Strategy) (Handle, error)
	OpenAs(h Handle, vm uint32) (Handle, error)
	Close(h Handle) (bool, error)
	AddressRange(h Handle) (uint64, uint64, error)
	Alloc(h Handle, obj Object, size, align uint64, strategy Strategy) (uint64, error)
	Free(h Handle, obj Object) error
	IsAllocated(h Handle, obj Object, size, offset uint64) (bool, error)
	Reserve(h Handle, obj Object, size, offset uint64) error
	Unreserve(h Handle, obj Object, size, offset uint64) error
	IsReserved(h Handle, size, offset uint64) (bool, error)
	ReserveIfNotAllocated(h Handle, obj Object, size, offset uint64) (bool, error)
	IsEmpty(h Handle) (bool, error)
	Print(h Handle, full bool) error
}

// local serves operations directly from a registry.
type local struct {
	*allocator.Registry
}

func (l local) Open(key allocator.Key, typ Type, start, end uint64, strategy Strategy) (Handle, error) {
	return l.Registry.Open(key, typ,
		allocator.WithRange(start, end),
		allocator.WithStrategy(strategy),
	)
}

// Allocator is the entry point for allocating GPU virtual addresses.
type Allocator struct {
	lock          sync.RWMutex
	mode          Mode
	reg           *allocator.Registry
	svc           service
	arb           *arbiter.Arbiter
	client        *arbiter.Client
	socket        string
	arbiterSocket string
	regOptions    []allocator.RegistryOption
}

// Option is an option for an Allocator.
type Option func(*Allocator) error

// WithRegistryOptions is an option to pass options to the allocator registry.
func WithRegistryOptions(options ...allocator.RegistryOption) Option {
	return func(a *Allocator) error {
		a.regOptions = append(a.regOptions, options...)
		return nil
	}
}

// WithSocket is an option to serve other processes on the given unix
// socket once multiprocess mode is enabled.
func WithSocket(path string) Option {
	return func(a *Allocator) error {
		a.socket = path
		return nil
	}
}

// WithArbiterSocket is an option for processes which use the arbiter of
// another process, serving on the given unix socket. Such an allocator
// has no registry of its own and can only be started or stopped.
func WithArbiterSocket(path string) Option {
	return func(a *Allocator) error {
		a.arbiterSocket = path
		return nil
	}
}

// New creates a new Allocator.
func New(options ...Option) (*Allocator, error) {
	a := &Allocator{}

	for _, o := range options {
		if err := o(a); err != nil {
			return nil, fmt.Errorf("failed to apply allocator option: %w", err)
		}
	}

	if a.socket != "" && a.arbiterSocket != "" {
		return nil, fmt.Errorf("%w: both serving and using an arbiter socket",
			allocator.ErrInvalidArgument)
	}

	if a.arbiterSocket == "" {
		reg, err := allocator.NewRegistry(a.regOptions...)
		if err != nil {
			return nil, err
		}
		a.reg = reg
		a.svc = local{reg}
	}

	return a, nil
}

// Registry returns the registry of the allocator, or nil if the registry
// is owned by an arbiter or by another process.
func (a *Allocator) Registry() *allocator.Registry {
	a.lock.RLock()
	defer a.lock.RUnlock()
	if a.mode != ModeDisabled {
		return nil
	}
	return a.reg
}

// service returns the current service for operations.
func (a *Allocator) service() service {
	a.lock.RLock()
	defer a.lock.RUnlock()
	if a.svc == nil {
		log.Panic("allocator not started (mode %s)", a.mode)
	}
	return a.svc
}

// Open opens the allocator for the given connection and context with
// the default address range and strategy.
func (a *Allocator) Open(conn int, ctx uint32, typ Type) Handle {
	return a.OpenFull(conn, ctx, 0, 0, typ, StrategyNone)
}

// OpenFull opens the allocator for the given connection and context. A
// [0, 0) range selects the default range.
func (a *Allocator) OpenFull(conn int, ctx uint32, start, end uint64, typ Type, strategy Strategy) Handle {
	return a.open(allocator.CtxKey(conn, ctx), start, end, typ, strategy)
}

// OpenVM opens the allocator for the given connection and VM with the
// default address range and strategy.
func (a *Allocator) OpenVM(conn int, vm uint32, typ Type) Handle {
	return a.OpenVMFull(conn, vm, 0, 0, typ, StrategyNone)
}

// OpenVMFull opens the allocator for the given connection and VM.
func (a *Allocator) OpenVMFull(conn int, vm uint32, start, end uint64, typ Type, strategy Strategy) Handle {
	return a.open(allocator.VMKey(conn, vm), start, end, typ, strategy)
}

func (a *Allocator) open(key allocator.Key, start, end uint64, typ Type, strategy Strategy) Handle {
	h, err := a.service().Open(key, typ, start, end, strategy)
	if err != nil {
		log.Panic("failed to open allocator %s: %v", key, err)
	}
	return h
}

// OpenVMAs binds the given VM to the allocator of the handle, which must
// have been opened by VM, and returns a handle for it.
func (a *Allocator) OpenVMAs(h Handle, vm uint32) Handle {
	ah, err := a.service().OpenAs(h, vm)
	if err != nil {
		log.Panic("failed to open %s as vm %d: %v", h, vm, err)
	}
	return ah
}

// Close closes the handle. It returns true if it was the last handle to
// the allocator.
func (a *Allocator) Close(h Handle) bool {
	last, err := a.service().Close(h)
	if err != nil {
		log.Panic("failed to close %s: %v", h, err)
	}
	return last
}

// AddressRange returns the [start, end) range of the allocator.
func (a *Allocator) AddressRange(h Handle) (uint64, uint64) {
	start, end, err := a.service().AddressRange(h)
	if err != nil {
		log.Panic("failed to get address range of %s: %v", h, err)
	}
	return start, end
}

// Alloc allocates an offset for the object using the default strategy
// of the allocator. It returns InvalidAddress if the object does not fit.
func (a *Allocator) Alloc(h Handle, obj Object, size, align uint64) uint64 {
	return a.AllocWithStrategy(h, obj, size, align, StrategyNone)
}

// AllocWithStrategy allocates an offset for the object using the given
// strategy. It returns InvalidAddress if the object does not fit.
func (a *Allocator) AllocWithStrategy(h Handle, obj Object, size, align uint64, strategy Strategy) uint64 {
	offset, err := a.TryAllocWithStrategy(h, obj, size, align, strategy)
	if softFailure(err) {
		return InvalidAddress
	}
	return offset
}

// MustAlloc is like Alloc but panics if the object does not fit.
func (a *Allocator) MustAlloc(h Handle, obj Object, size, align uint64) uint64 {
	offset := a.Alloc(h, obj, size, align)
	if offset == InvalidAddress {
		log.Panic("failed to allocate 0x%x bytes for object %d with %s", size, obj, h)
	}
	return offset
}

// Free frees the object. It returns false if the object was not allocated.
func (a *Allocator) Free(h Handle, obj Object) bool {
	return !softFailure(a.TryFree(h, obj))
}

// IsAllocated checks if the object is allocated with the given size at
// the given offset.
func (a *Allocator) IsAllocated(h Handle, obj Object, size, offset uint64) bool {
	allocated, err := a.service().IsAllocated(h, obj, size, offset)
	if softFailure(a.check("is allocated", h, err)) {
		return false
	}
	return allocated
}

// Reserve reserves [offset, offset+size). It returns false if the range
// is not available.
func (a *Allocator) Reserve(h Handle, obj Object, size, offset uint64) bool {
	return !softFailure(a.TryReserve(h, obj, size, offset))
}

// Unreserve releases a reservation made earlier with the same object,
// size and offset.
func (a *Allocator) Unreserve(h Handle, obj Object, size, offset uint64) bool {
	return !softFailure(a.TryUnreserve(h, obj, size, offset))
}

// IsReserved checks if exactly [offset, offset+size) is reserved.
func (a *Allocator) IsReserved(h Handle, size, offset uint64) bool {
	reserved, err := a.service().IsReserved(h, size, offset)
	if softFailure(a.check("is reserved", h, err)) {
		return false
	}
	return reserved
}

// ReserveIfNotAllocated reserves [offset, offset+size) unless the object
// is already allocated there. It returns whether the range got reserved
// and whether the object was allocated.
func (a *Allocator) ReserveIfNotAllocated(h Handle, obj Object, size, offset uint64) (reserved, allocated bool) {
	allocated, err := a.service().ReserveIfNotAllocated(h, obj, size, offset)
	if softFailure(a.check("reserve if not allocated", h, err)) {
		return false, false
	}
	return !allocated, allocated
}

// IsEmpty returns true if the allocator has no allocations or reservations.
func (a *Allocator) IsEmpty(h Handle) bool {
	empty, err := a.service().IsEmpty(h)
	a.check("is empty", h, err)
	return empty
}

// Print logs the state of the allocator. In multiprocess mode the state
// is logged by the process running the arbiter.
func (a *Allocator) Print(h Handle, full bool) {
	a.check("print", h, a.service().Print(h, full))
}

// TryAlloc is like Alloc but returns an error instead of InvalidAddress.
func (a *Allocator) TryAlloc(h Handle, obj Object, size, align uint64) (uint64, error) {
	return a.TryAllocWithStrategy(h, obj, size, align, StrategyNone)
}

// TryAllocWithStrategy is like AllocWithStrategy but returns an error
// instead of InvalidAddress.
func (a *Allocator) TryAllocWithStrategy(h Handle, obj Object, size, align uint64, strategy Strategy) (uint64, error) {
	offset, err := a.service().Alloc(h, obj, size, align, strategy)
	if err = a.check("alloc", h, err); err != nil {
		return InvalidAddress, err
	}
	return offset, nil
}

// TryFree is like Free but returns an error instead of false.
func (a *Allocator) TryFree(h Handle, obj Object) error {
	return a.check("free", h, a.service().Free(h, obj))
}

// TryReserve is like Reserve but returns an error instead of false.
func (a *Allocator) TryReserve(h Handle, obj Object, size, offset uint64) error {
	return a.check("reserve", h, a.service().Reserve(h, obj, size, offset))
}

// TryUnreserve is like Unreserve but returns an error instead of false.
func (a *Allocator) TryUnreserve(h Handle, obj Object, size, offset uint64) error {
	return a.check("unreserve", h, a.service().Unreserve(h, obj, size, offset))
}

// check panics on misuse and protocol errors and passes through nil
// and ordinary allocation failures.
func (a *Allocator) check(op string, h Handle, err error) error {
	if err != nil && allocator.IsMisuse(err) {
		log.Panic("%s with %s failed: %v", op, h, err)
	}
	return err
}

func softFailure(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, allocator.ErrNotSupported) {
		log.Debug("%v", err)
	}
	return true
}
