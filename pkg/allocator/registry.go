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
	"sync"
	"sync/atomic"
)

// Registry tracks allocator instances, the keys bound to them, and the
// handles returned by Open and OpenAs. It is safe for concurrent use.
type Registry struct {
	lock           sync.Mutex
	handles        map[Handle]*entry
	keys           map[Key]*entry
	nextHandle     atomic.Uint64
	nextInstance   uint64
	warnIfNotEmpty bool
	seed           uint64
}

// RegistryOption is an opaque option for a Registry.
type RegistryOption func(*Registry) error

// WithWarnIfNotEmpty is an option to warn about instances destroyed
// with allocations or reservations still in place.
func WithWarnIfNotEmpty(warn bool) RegistryOption {
	return func(r *Registry) error {
		r.warnIfNotEmpty = warn
		return nil
	}
}

// WithRandomSeed is an option to seed the random backend of instances
// deterministically. Each instance gets a different seed derived from
// the given one.
func WithRandomSeed(seed uint64) RegistryOption {
	return func(r *Registry) error {
		r.seed = seed
		return nil
	}
}

// OpenOption is an opaque option for opening an allocator.
type OpenOption func(*backendConfig) error

// WithRange is an option to set the address range of a new instance.
// A range of [0, 0) selects the default range.
func WithRange(start, end uint64) OpenOption {
	return func(cfg *backendConfig) error {
		if end < start || (end == start && end != 0) {
			return fmt.Errorf("%w: invalid address range [0x%x : 0x%x)", ErrInvalidArgument,
				start, end)
		}
		cfg.start, cfg.end = start, end
		return nil
	}
}

// WithStrategy is an option to set the allocation strategy of a new instance.
// StrategyNone selects DefaultStrategy.
func WithStrategy(strategy Strategy) OpenOption {
	return func(cfg *backendConfig) error {
		if err := validateStrategy(strategy); err != nil {
			return err
		}
		if strategy == StrategyNone {
			strategy = DefaultStrategy
		}
		cfg.strategy = strategy
		return nil
	}
}

// NewRegistry creates a new registry with the given options.
func NewRegistry(options ...RegistryOption) (*Registry, error) {
	r := &Registry{
		handles: make(map[Handle]*entry),
		keys:    make(map[Key]*entry),
	}

	for _, o := range options {
		if err := o(r); err != nil {
			return nil, fmt.Errorf("%w: failed to apply registry option: %w", ErrInvalidArgument, err)
		}
	}

	return r, nil
}

// Open returns a new handle to the allocator instance for the given key,
// creating the instance if necessary. Reopening an existing instance
// requires the same type and strategy it was created with.
func (r *Registry) Open(key Key, typ Type, options ...OpenOption) (Handle, error) {
	cfg := &backendConfig{
		typ:      typ,
		strategy: DefaultStrategy,
	}
	for _, o := range options {
		if err := o(cfg); err != nil {
			return InvalidHandle, err
		}
	}

	r.lock.Lock()
	defer r.lock.Unlock()

	e, ok := r.keys[key]
	if !ok {
		log.Debug("<open> allocator %s <0x%x : 0x%x> not found, creating one", key,
			cfg.start, cfg.end)

		inst, err := r.newInstance(cfg)
		if err != nil {
			return InvalidHandle, err
		}
		e = &entry{key: key, inst: inst}
		r.keys[key] = e
	}

	if e.inst.typ != typ {
		return InvalidHandle, fmt.Errorf("%w: %s opened as %s, not %s", ErrMismatch,
			key, e.inst.typ, typ)
	}
	if e.inst.strategy != cfg.strategy {
		return InvalidHandle, fmt.Errorf("%w: %s opened with strategy %s, not %s", ErrMismatch,
			key, e.inst.strategy, cfg.strategy)
	}

	h := r.bind(e)

	log.Debug("<open> %s: %s, type %s, refcount %d/%d", h, key, typ,
		e.refcount, e.inst.refcount)

	return h, nil
}

// OpenAs returns a handle for a new VM key which shares the instance of
// the given handle. The handle must have been opened by VM.
func (r *Registry) OpenAs(h Handle, vm uint32) (Handle, error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	base, ok := r.handles[h]
	if !ok {
		return InvalidHandle, fmt.Errorf("%w: %s", ErrUnknownHandle, h)
	}
	if !base.key.VM {
		return InvalidHandle, fmt.Errorf("%w: %s is bound to %s", ErrNotVM, h, base.key)
	}

	key := VMKey(base.key.Conn, vm)
	e, ok := r.keys[key]
	switch {
	case !ok:
		e = &entry{key: key, inst: base.inst}
		r.keys[key] = e
	case e.inst != base.inst:
		return InvalidHandle, fmt.Errorf("%w: %s is already bound to another instance",
			ErrMismatch, key)
	}

	ah := r.bind(e)

	log.Debug("<open as> %s: %s as %s, refcount %d/%d", ah, base.key, key,
		e.refcount, e.inst.refcount)

	return ah, nil
}

// Close releases the given handle. It returns true if this was the last
// handle to the instance, which is then destroyed.
func (r *Registry) Close(h Handle) (bool, error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	e, ok := r.handles[h]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownHandle, h)
	}

	delete(r.handles, h)

	e.refcount--
	if e.refcount == 0 && r.keys[e.key] == e {
		delete(r.keys, e.key)
	}

	inst := e.inst
	inst.Lock()
	defer inst.Unlock()

	inst.refcount--

	log.Debug("<close> %s: %s, refcount %d/%d", h, e.key, e.refcount, inst.refcount)

	if inst.refcount > 0 {
		return false, nil
	}

	empty := inst.b.isEmpty()
	if !empty && r.warnIfNotEmpty {
		log.Warn("allocator %s not clear before destroy!", e.key)
	}
	log.Debug("destroying allocator instance #%d (empty: %v)", inst.id, empty)

	inst.closed = true
	inst.b = nil

	return true, nil
}

// AddressRange returns the address range of the instance for the handle.
func (r *Registry) AddressRange(h Handle) (start, end uint64, err error) {
	err = r.withInstance(h, func(_ *entry, b backend) error {
		start, end = b.addressRange()
		return nil
	})
	return start, end, err
}

// Alloc allocates a range for the object, or returns the offset of the
// object if it is already allocated with the same size.
func (r *Registry) Alloc(h Handle, obj Object, size, align uint64, strategy Strategy) (uint64, error) {
	if err := validateStrategy(strategy); err != nil {
		return InvalidAddress, err
	}

	offset := InvalidAddress
	err := r.withInstance(h, func(e *entry, b backend) error {
		var err error
		offset, err = b.alloc(obj, size, align, strategy)
		log.Debug("<alloc> %s: %s, handle: %d, size: 0x%x, alignment: 0x%x, offset: 0x%x",
			h, e.key, obj, size, align, offset)
		return err
	})

	return offset, err
}

// Free releases the range allocated for the object.
func (r *Registry) Free(h Handle, obj Object) error {
	return r.withInstance(h, func(e *entry, b backend) error {
		err := b.free(obj)
		log.Debug("<free> %s: %s, handle: %d, freed: %v", h, e.key, obj, err == nil)
		return err
	})
}

// IsAllocated checks if the object is allocated with the given size at
// the given, possibly canonical, offset.
func (r *Registry) IsAllocated(h Handle, obj Object, size, offset uint64) (bool, error) {
	allocated := false
	err := r.withInstance(h, func(e *entry, b backend) error {
		allocated = b.isAllocated(obj, size, offset)
		log.Debug("<is allocated> %s: %s, offset: 0x%x, allocated: %v", h, e.key,
			offset, allocated)
		return nil
	})
	return allocated, err
}

// Reserve marks [offset, offset+size) unavailable for allocation.
func (r *Registry) Reserve(h Handle, obj Object, size, offset uint64) error {
	return r.withInstance(h, func(e *entry, b backend) error {
		err := b.reserve(obj, offset, offset+size)
		log.Debug("<reserve> %s: %s, handle: %d, start: 0x%x, end: 0x%x, reserved: %v",
			h, e.key, obj, offset, offset+size, err == nil)
		return err
	})
}

// Unreserve releases a reservation. The object, size and offset must
// match those used for reserving.
func (r *Registry) Unreserve(h Handle, obj Object, size, offset uint64) error {
	return r.withInstance(h, func(e *entry, b backend) error {
		err := b.unreserve(obj, offset, offset+size)
		log.Debug("<unreserve> %s: %s, handle: %d, start: 0x%x, end: 0x%x, unreserved: %v",
			h, e.key, obj, offset, offset+size, err == nil)
		return err
	})
}

// IsReserved checks if exactly [offset, offset+size) is reserved.
func (r *Registry) IsReserved(h Handle, size, offset uint64) (bool, error) {
	reserved := false
	err := r.withInstance(h, func(e *entry, b backend) error {
		reserved = b.isReserved(offset, offset+size)
		log.Debug("<is reserved> %s: %s, start: 0x%x, end: 0x%x, reserved: %v", h, e.key,
			offset, offset+size, reserved)
		return nil
	})
	return reserved, err
}

// ReserveIfNotAllocated reserves [offset, offset+size) unless the object
// is already allocated there. It returns true without reserving anything
// if the object is allocated. Otherwise it returns false and the result
// of reserving the range.
func (r *Registry) ReserveIfNotAllocated(h Handle, obj Object, size, offset uint64) (bool, error) {
	allocated := false
	err := r.withInstance(h, func(e *entry, b backend) error {
		if allocated = b.isAllocated(obj, size, offset); allocated {
			log.Debug("<reserve if not allocated> %s: %s, handle: %d, offset: 0x%x, allocated",
				h, e.key, obj, offset)
			return nil
		}
		err := b.reserve(obj, offset, offset+size)
		log.Debug("<reserve if not allocated> %s: %s, handle: %d, offset: 0x%x, reserved: %v",
			h, e.key, obj, offset, err == nil)
		return err
	})
	return allocated, err
}

// IsEmpty returns true if the instance has no allocations or reservations.
func (r *Registry) IsEmpty(h Handle) (bool, error) {
	empty := false
	err := r.withInstance(h, func(_ *entry, b backend) error {
		empty = b.isEmpty()
		return nil
	})
	return empty, err
}

// Stats returns the accounting of the instance for the handle.
func (r *Registry) Stats(h Handle) (Stats, error) {
	var stats Stats
	err := r.withInstance(h, func(e *entry, b backend) error {
		stats = e.inst.stats()
		return nil
	})
	return stats, err
}

// Print logs the state of the instance for the handle.
func (r *Registry) Print(h Handle, full bool) error {
	return r.withInstance(h, func(e *entry, b backend) error {
		b.dump(formatPrefix("%s %s: ", h, e.key), full)
		return nil
	})
}

// Key returns the key the handle is bound to.
func (r *Registry) Key(h Handle) (Key, error) {
	e, err := r.lookup(h)
	if err != nil {
		return Key{}, err
	}
	return e.key, nil
}

// Len returns the number of open handles.
func (r *Registry) Len() int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return len(r.handles)
}

// InstanceInfo describes a live allocator instance.
type InstanceInfo struct {
	ID      uint64
	Keys    []Key
	Handles int
	Stats   Stats
}

// Instances returns information about all live instances, ordered by ID.
func (r *Registry) Instances() []InstanceInfo {
	r.lock.Lock()
	byInst := make(map[*instance]*InstanceInfo)
	for _, e := range r.keys {
		info, ok := byInst[e.inst]
		if !ok {
			info = &InstanceInfo{ID: e.inst.id}
			byInst[e.inst] = info
		}
		info.Keys = append(info.Keys, e.key)
		info.Handles += e.refcount
	}
	r.lock.Unlock()

	infos := make([]InstanceInfo, 0, len(byInst))
	for inst, info := range byInst {
		inst.Lock()
		if !inst.closed {
			info.Stats = inst.stats()
			sort.Slice(info.Keys, func(i, j int) bool {
				return info.Keys[i].String() < info.Keys[j].String()
			})
			infos = append(infos, *info)
		}
		inst.Unlock()
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].ID < infos[j].ID
	})

	return infos
}

// bind returns a new handle for the entry. The caller holds the registry lock.
func (r *Registry) bind(e *entry) Handle {
	e.refcount++
	e.inst.Lock()
	e.inst.refcount++
	e.inst.Unlock()

	h := Handle(r.nextHandle.Add(1))
	r.handles[h] = e

	return h
}

func (r *Registry) lookup(h Handle) (*entry, error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	e, ok := r.handles[h]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownHandle, h)
	}

	return e, nil
}

// withInstance calls fn with the instance of the handle locked.
func (r *Registry) withInstance(h Handle, fn func(*entry, backend) error) error {
	e, err := r.lookup(h)
	if err != nil {
		return err
	}

	inst := e.inst
	inst.Lock()
	defer inst.Unlock()

	if inst.closed {
		return fmt.Errorf("%w: %s (instance destroyed)", ErrUnknownHandle, h)
	}

	return fn(e, inst.b)
}

func validateStrategy(strategy Strategy) error {
	switch strategy {
	case StrategyNone, StrategyLowToHigh, StrategyHighToLow:
		return nil
	}
	return fmt.Errorf("%w: invalid strategy %s", ErrInvalidArgument, strategy)
}
