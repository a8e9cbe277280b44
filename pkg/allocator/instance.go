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
	"sync"
)

// instance is an allocator shared by all keys and handles bound to it.
type instance struct {
	sync.Mutex
	id       uint64
	typ      Type
	strategy Strategy
	b        backend
	refcount int
	closed   bool
}

// entry binds a key to an instance.
type entry struct {
	key      Key
	inst     *instance
	refcount int
}

func (r *Registry) newInstance(cfg *backendConfig) (*instance, error) {
	r.nextInstance++
	if r.seed != 0 {
		cfg.seed = r.seed + r.nextInstance
	}

	b, err := newBackend(cfg)
	if err != nil {
		return nil, err
	}

	return &instance{
		id:       r.nextInstance,
		typ:      cfg.typ,
		strategy: cfg.strategy,
		b:        b,
	}, nil
}

func (inst *instance) stats() Stats {
	stats := inst.b.stats()
	stats.Type = inst.typ
	if inst.typ == TypeSimple {
		return stats
	}
	stats.Strategy = inst.strategy
	return stats
}
