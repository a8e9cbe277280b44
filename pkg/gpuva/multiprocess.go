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

package gpuva

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/intel/gpuva/pkg/allocator"
	"github.com/intel/gpuva/pkg/allocator/arbiter"
)

// Mode is the multiprocess mode of an Allocator.
type Mode int

const (
	// ModeDisabled serves requests directly from the registry.
	ModeDisabled Mode = iota
	// ModeStarting runs the arbiter, but the allocator itself still
	// serves requests directly from the registry. The registry and its
	// instances are shared with the arbiter, not transferred to it, until
	// StartMultiprocess; per-instance locks serialize the two.
	ModeStarting
	// ModeActive serves all requests through the arbiter.
	ModeActive
	// ModeStopping is stopping the arbiter.
	ModeStopping
)

func (m Mode) String() string {
	switch m {
	case ModeDisabled:
		return "disabled"
	case ModeStarting:
		return "starting"
	case ModeActive:
		return "active"
	case ModeStopping:
		return "stopping"
	}
	return fmt.Sprintf("%%!Mode(%d)", m)
}

// Mode returns the current multiprocess mode.
func (a *Allocator) Mode() Mode {
	a.lock.RLock()
	defer a.lock.RUnlock()
	return a.mode
}

// Arbiter returns the running arbiter, or nil.
func (a *Allocator) Arbiter() *arbiter.Arbiter {
	a.lock.RLock()
	defer a.lock.RUnlock()
	return a.arb
}

// EnableMultiprocess hands the registry over to a new arbiter and starts
// it. If the allocator was created with a socket, the arbiter serves
// other processes on it.
func (a *Allocator) EnableMultiprocess(ctx context.Context) error {
	a.lock.Lock()
	defer a.lock.Unlock()

	if a.mode != ModeDisabled {
		return fmt.Errorf("%w: cannot enable multiprocess mode in mode %s",
			allocator.ErrProtocol, a.mode)
	}
	if a.reg == nil {
		return fmt.Errorf("%w: no registry to hand over to an arbiter (using %s)",
			allocator.ErrProtocol, a.arbiterSocket)
	}

	var options []arbiter.Option
	if a.socket != "" {
		options = append(options, arbiter.WithSocket(a.socket))
	}

	arb, err := arbiter.New(a.reg, options...)
	if err != nil {
		return err
	}
	if err := arb.Start(ctx); err != nil {
		return err
	}

	a.arb = arb
	a.mode = ModeStarting
	log.Info("multiprocess mode enabled")

	return nil
}

// StartMultiprocess starts serving all requests through the arbiter. It
// is called after EnableMultiprocess in the process running the arbiter,
// and without it in processes created WithArbiterSocket.
func (a *Allocator) StartMultiprocess(ctx context.Context) error {
	a.lock.Lock()
	defer a.lock.Unlock()

	var (
		t   arbiter.Transport
		err error
	)

	switch {
	case a.mode == ModeStarting:
		t = a.arb.Local()
	case a.mode == ModeDisabled && a.arbiterSocket != "":
		if t, err = arbiter.Dial(a.arbiterSocket); err != nil {
			return fmt.Errorf("%w: %w", allocator.ErrProtocol, err)
		}
	default:
		return fmt.Errorf("%w: cannot start multiprocess mode in mode %s",
			allocator.ErrProtocol, a.mode)
	}

	a.client = arbiter.NewClient(t)
	a.svc = a.client
	a.mode = ModeActive
	log.Info("multiprocess mode active")

	return nil
}

// StopMultiprocess stops multiprocess mode. In the process running the
// arbiter, the arbiter is stopped, any callers still waiting for it get
// a failure and the registry is taken back into direct use. If the
// arbiter fails to stop before ctx is done, multiprocess mode stays
// in effect and StopMultiprocess can be called again.
func (a *Allocator) StopMultiprocess(ctx context.Context) error {
	a.lock.Lock()
	if a.mode != ModeActive && a.mode != ModeStarting {
		mode := a.mode
		a.lock.Unlock()
		return fmt.Errorf("%w: cannot stop multiprocess mode in mode %s",
			allocator.ErrProtocol, mode)
	}

	prev := a.mode
	a.mode = ModeStopping
	arb, client := a.arb, a.client
	a.lock.Unlock()

	// callers blocked in the arbiter hold no lock, stop without it

	var (
		errs *multierror.Error
		reg  *allocator.Registry
	)

	if arb != nil {
		r, err := arb.Stop(ctx)
		if r == nil {
			a.lock.Lock()
			a.mode = prev
			a.lock.Unlock()
			log.Error("failed to stop arbiter: %v", err)
			return err
		}
		errs = multierror.Append(errs, err)
		reg = r
	}
	if client != nil {
		errs = multierror.Append(errs, client.Disconnect())
	}

	a.lock.Lock()
	defer a.lock.Unlock()

	a.arb = nil
	a.client = nil
	if reg != nil {
		a.reg = reg
	}
	if a.reg != nil {
		a.svc = local{a.reg}
	} else {
		a.svc = nil
	}
	a.mode = ModeDisabled
	log.Info("multiprocess mode disabled")

	return errs.ErrorOrNil()
}
