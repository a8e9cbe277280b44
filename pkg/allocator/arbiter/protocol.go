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
	"fmt"

	"github.com/intel/gpuva/pkg/allocator"
)

// Kind is the kind of an arbiter request.
type Kind int

const (
	// KindStop stops the arbiter.
	KindStop Kind = iota
	KindOpen
	KindOpenAs
	KindClose
	KindAddressRange
	KindAlloc
	KindFree
	KindIsAllocated
	KindReserve
	KindUnreserve
	KindReserveIfNotAllocated
	KindIsReserved
	KindPrint
	KindIsEmpty
)

var kindNames = map[Kind]string{
	KindStop:                  "stop",
	KindOpen:                  "open",
	KindOpenAs:                "open as",
	KindClose:                 "close",
	KindAddressRange:          "address range",
	KindAlloc:                 "alloc",
	KindFree:                  "free",
	KindIsAllocated:           "is allocated",
	KindReserve:               "reserve",
	KindUnreserve:             "unreserve",
	KindReserveIfNotAllocated: "reserve if not allocated",
	KindIsReserved:            "is reserved",
	KindPrint:                 "print",
	KindIsEmpty:               "is empty",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("%%!Kind(%d)", k)
}

// Status tells whether a request was handled by the arbiter.
type Status int

const (
	// StatusGone is returned for requests the arbiter did not handle
	// because it is stopping or stopped.
	StatusGone Status = iota
	// StatusHandled is returned for requests the arbiter handled. The
	// outcome of the operation itself is in the error code.
	StatusHandled
)

func (s Status) String() string {
	switch s {
	case StatusGone:
		return "gone"
	case StatusHandled:
		return "handled"
	}
	return fmt.Sprintf("%%!Status(%d)", s)
}

// Request is a single allocator operation sent to the arbiter. Fields
// not used by the kind of request are left zero.
type Request struct {
	Kind Kind `json:"kind"`
	Pid  int  `json:"pid"`
	Tid  int  `json:"tid"`

	Handle   allocator.Handle   `json:"handle,omitempty"`
	Key      allocator.Key      `json:"key"`
	Type     allocator.Type     `json:"type,omitempty"`
	Strategy allocator.Strategy `json:"strategy,omitempty"`
	Start    uint64             `json:"start,omitempty"`
	End      uint64             `json:"end,omitempty"`
	Space    uint32             `json:"space,omitempty"`

	Object    allocator.Object `json:"object,omitempty"`
	Size      uint64           `json:"size,omitempty"`
	Alignment uint64           `json:"alignment,omitempty"`
	Offset    uint64           `json:"offset,omitempty"`
	Full      bool             `json:"full,omitempty"`
}

// Response is the reply of the arbiter to a request.
type Response struct {
	Kind   Kind   `json:"kind"`
	Status Status `json:"status"`

	Handle allocator.Handle `json:"handle,omitempty"`
	Offset uint64           `json:"offset,omitempty"`
	Start  uint64           `json:"start,omitempty"`
	End    uint64           `json:"end,omitempty"`
	// Result is the boolean result of close, queries and
	// reserve-if-not-allocated.
	Result bool `json:"result,omitempty"`

	Code    allocator.ErrorCode `json:"code,omitempty"`
	Message string              `json:"message,omitempty"`
}

func (req *Request) String() string {
	return fmt.Sprintf("<%s> from %d/%d", req.Kind, req.Pid, req.Tid)
}

// Err returns the error of the operation, or ErrProtocol if the request
// was not handled at all.
func (rsp *Response) Err() error {
	if rsp.Status != StatusHandled {
		return fmt.Errorf("%w: %s request %s", allocator.ErrProtocol, rsp.Kind, rsp.Status)
	}
	return rsp.Code.Err(rsp.Message)
}

func goneResponse(req *Request) *Response {
	return &Response{Kind: req.Kind, Status: StatusGone}
}
