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

package arbiter

import (
	"context"
	"fmt"
	"sync"

	"github.com/intel/gpuva/pkg/allocator"
)

// Client proxies allocator operations to an arbiter over a transport.
// It offers the same operations as allocator.Registry, except that
// Open takes the address range and strategy as plain arguments.
type Client struct {
	lock sync.RWMutex
	t    Transport
}

// NewClient creates a client using the given transport.
func NewClient(t Transport) *Client {
	return &Client{t: t}
}

// Disconnect closes the transport of the client.
func (c *Client) Disconnect() error {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.t == nil {
		return nil
	}

	err := c.t.Close()
	c.t = nil

	return err
}

// do sends the request and returns the response, or an error if the
// request was not handled by the arbiter. The error of the operation
// itself is left for the caller to check.
func (c *Client) do(req *Request) (*Response, error) {
	c.lock.RLock()
	t := c.t
	c.lock.RUnlock()

	if t == nil {
		return nil, fmt.Errorf("%w: client closed", allocator.ErrProtocol)
	}

	req.Pid = pid
	req.Tid = gettid()

	rsp, err := t.Do(context.Background(), req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", allocator.ErrProtocol, req, err)
	}
	if rsp.Status != StatusHandled {
		return nil, rsp.Err()
	}
	if rsp.Kind != req.Kind {
		return nil, fmt.Errorf("%w: %s answered as %s", allocator.ErrProtocol, req, rsp.Kind)
	}

	return rsp, nil
}

// Open opens an allocator instance for the key through the arbiter.
func (c *Client) Open(key allocator.Key, typ allocator.Type, start, end uint64, strategy allocator.Strategy) (allocator.Handle, error) {
	rsp, err := c.do(&Request{
		Kind:     KindOpen,
		Key:      key,
		Type:     typ,
		Start:    start,
		End:      end,
		Strategy: strategy,
	})
	if err != nil {
		return allocator.InvalidHandle, err
	}
	return rsp.Handle, rsp.Err()
}

// OpenAs opens an alias of a VM handle for another address space.
func (c *Client) OpenAs(h allocator.Handle, vm uint32) (allocator.Handle, error) {
	rsp, err := c.do(&Request{Kind: KindOpenAs, Handle: h, Space: vm})
	if err != nil {
		return allocator.InvalidHandle, err
	}
	return rsp.Handle, rsp.Err()
}

// Close releases the handle. It returns true if this was the last handle
// to the instance.
func (c *Client) Close(h allocator.Handle) (bool, error) {
	rsp, err := c.do(&Request{Kind: KindClose, Handle: h})
	if err != nil {
		return false, err
	}
	return rsp.Result, rsp.Err()
}

// AddressRange returns the address range of the handle's instance.
func (c *Client) AddressRange(h allocator.Handle) (uint64, uint64, error) {
	rsp, err := c.do(&Request{Kind: KindAddressRange, Handle: h})
	if err != nil {
		return 0, 0, err
	}
	return rsp.Start, rsp.End, rsp.Err()
}

// Alloc allocates size bytes with the given alignment for the object.
func (c *Client) Alloc(h allocator.Handle, obj allocator.Object, size, align uint64, strategy allocator.Strategy) (uint64, error) {
	rsp, err := c.do(&Request{
		Kind:      KindAlloc,
		Handle:    h,
		Object:    obj,
		Size:      size,
		Alignment: align,
		Strategy:  strategy,
	})
	if err != nil {
		return allocator.InvalidAddress, err
	}
	if err = rsp.Err(); err != nil {
		return allocator.InvalidAddress, err
	}
	return rsp.Offset, nil
}

// Free releases the allocation of the object.
func (c *Client) Free(h allocator.Handle, obj allocator.Object) error {
	rsp, err := c.do(&Request{Kind: KindFree, Handle: h, Object: obj})
	if err != nil {
		return err
	}
	return rsp.Err()
}

// IsAllocated checks if the object is allocated with the given size at offset.
func (c *Client) IsAllocated(h allocator.Handle, obj allocator.Object, size, offset uint64) (bool, error) {
	rsp, err := c.do(&Request{Kind: KindIsAllocated, Handle: h, Object: obj, Size: size, Offset: offset})
	if err != nil {
		return false, err
	}
	return rsp.Result, rsp.Err()
}

// Reserve marks [offset, offset+size) unavailable for allocation.
func (c *Client) Reserve(h allocator.Handle, obj allocator.Object, size, offset uint64) error {
	rsp, err := c.do(&Request{Kind: KindReserve, Handle: h, Object: obj, Size: size, Offset: offset})
	if err != nil {
		return err
	}
	return rsp.Err()
}

// Unreserve releases a reservation made by Reserve.
func (c *Client) Unreserve(h allocator.Handle, obj allocator.Object, size, offset uint64) error {
	rsp, err := c.do(&Request{Kind: KindUnreserve, Handle: h, Object: obj, Size: size, Offset: offset})
	if err != nil {
		return err
	}
	return rsp.Err()
}

// IsReserved checks if [offset, offset+size) is reserved.
func (c *Client) IsReserved(h allocator.Handle, size, offset uint64) (bool, error) {
	rsp, err := c.do(&Request{Kind: KindIsReserved, Handle: h, Size: size, Offset: offset})
	if err != nil {
		return false, err
	}
	return rsp.Result, rsp.Err()
}

// ReserveIfNotAllocated reserves [offset, offset+size) unless the object is
// already allocated there, in which case it returns true.
func (c *Client) ReserveIfNotAllocated(h allocator.Handle, obj allocator.Object, size, offset uint64) (bool, error) {
	rsp, err := c.do(&Request{
		Kind:   KindReserveIfNotAllocated,
		Handle: h,
		Object: obj,
		Size:   size,
		Offset: offset,
	})
	if err != nil {
		return false, err
	}
	return rsp.Result, rsp.Err()
}

// IsEmpty checks if the instance has no allocations or reservations.
func (c *Client) IsEmpty(h allocator.Handle) (bool, error) {
	rsp, err := c.do(&Request{Kind: KindIsEmpty, Handle: h})
	if err != nil {
		return false, err
	}
	return rsp.Result, rsp.Err()
}

// Print logs the state of the instance.
func (c *Client) Print(h allocator.Handle, full bool) error {
	rsp, err := c.do(&Request{Kind: KindPrint, Handle: h, Full: full})
	if err != nil {
		return err
	}
	return rsp.Err()
}
