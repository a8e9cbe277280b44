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

	"github.com/hashicorp/go-multierror"

	"github.com/intel/gpuva/pkg/allocator"
	logger "github.com/intel/gpuva/pkg/log"
)

var (
	log = logger.Get("arbiter")
)

// Arbiter serializes allocator requests from any number of clients, in
// this process or in others, through a single goroutine which owns the
// allocator registry.
type Arbiter struct {
	sync.Mutex
	r      *allocator.Registry
	socket string
	reqCh  chan *call
	quitCh chan struct{}
	stopCh chan struct{}
	doneCh chan struct{}
	quit   sync.Once
	srv    *server
	state  state
}

// Option is an option for the arbiter.
type Option func(*Arbiter) error

type state int

const (
	stateCreated state = iota
	stateRunning
	stateStopped
)

// call is a request together with the channel for its response.
type call struct {
	req   *Request
	rspCh chan *Response
}

// WithSocket is an option to serve requests of other processes over
// gRPC on the given unix socket.
func WithSocket(path string) Option {
	return func(a *Arbiter) error {
		a.socket = path
		return nil
	}
}

// New creates an arbiter which takes over the given registry.
func New(r *allocator.Registry, options ...Option) (*Arbiter, error) {
	if r == nil {
		return nil, fmt.Errorf("%w: nil registry", allocator.ErrInvalidArgument)
	}

	a := &Arbiter{
		r:      r,
		reqCh:  make(chan *call),
		quitCh: make(chan struct{}),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}

	for _, o := range options {
		if err := o(a); err != nil {
			return nil, fmt.Errorf("failed to apply arbiter option: %w", err)
		}
	}

	return a, nil
}

// Start starts handling requests, and serving them on the socket if one
// was given.
func (a *Arbiter) Start(ctx context.Context) error {
	a.Lock()
	defer a.Unlock()

	if a.state != stateCreated {
		return fmt.Errorf("%w: arbiter already started", allocator.ErrProtocol)
	}

	if a.socket != "" {
		srv, err := newServer(a, a.socket)
		if err != nil {
			return err
		}
		a.srv = srv
	}

	a.state = stateRunning
	go a.run()

	if a.srv != nil {
		a.srv.start()
	}

	log.Info("arbiter started%s", a.describeSocket())

	return nil
}

// Stop stops the arbiter and returns the registry it owned. Requests in
// flight after the stop request get a StatusGone response. If ctx is done
// before the arbiter goroutine has exited, Stop returns an error and the
// arbiter stays in the running state, so Stop can be called again.
func (a *Arbiter) Stop(ctx context.Context) (*allocator.Registry, error) {
	a.Lock()
	defer a.Unlock()

	if a.state != stateRunning {
		return nil, fmt.Errorf("%w: arbiter not running", allocator.ErrProtocol)
	}

	a.quit.Do(func() { close(a.quitCh) })

	select {
	case <-a.doneCh:
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: waiting for arbiter to stop: %w", allocator.ErrProtocol, ctx.Err())
	}

	var errs *multierror.Error

	if a.srv != nil {
		errs = multierror.Append(errs, a.srv.stop())
		a.srv = nil
	}

	a.state = stateStopped
	log.Info("arbiter stopped")

	return a.r, errs.ErrorOrNil()
}

// Socket returns the socket the arbiter serves, or an empty string.
func (a *Arbiter) Socket() string {
	return a.socket
}

// Handle delivers a request to the arbiter goroutine and waits for the
// response. It never times out once the request is delivered. Requests
// which cannot be delivered because the arbiter is stopping get a
// StatusGone response.
func (a *Arbiter) Handle(ctx context.Context, req *Request) *Response {
	c := &call{
		req:   req,
		rspCh: make(chan *Response, 1),
	}

	select {
	case a.reqCh <- c:
	case <-a.stopCh:
		return goneResponse(req)
	case <-ctx.Done():
		log.Warn("%s: request not delivered: %v", req, ctx.Err())
		return goneResponse(req)
	}

	return <-c.rspCh
}

// Local returns a transport for clients in this process.
func (a *Arbiter) Local() Transport {
	return &localTransport{a: a}
}

func (a *Arbiter) run() {
	defer close(a.doneCh)

	for {
		select {
		case <-a.quitCh:
			close(a.stopCh)
			return
		default:
		}

		select {
		case c := <-a.reqCh:
			log.Debug("%s", c.req)
			c.rspCh <- a.handle(c.req)
		case <-a.quitCh:
			close(a.stopCh)
			return
		}
	}
}

// handle executes a single request against the registry.
func (a *Arbiter) handle(req *Request) *Response {
	var (
		r   = a.r
		rsp = &Response{Kind: req.Kind, Status: StatusHandled}
		err error
	)

	switch req.Kind {
	case KindStop:
		err = fmt.Errorf("%w: arbiter can only be stopped by its owner", allocator.ErrProtocol)
	case KindOpen:
		rsp.Handle, err = r.Open(req.Key, req.Type,
			allocator.WithRange(req.Start, req.End),
			allocator.WithStrategy(req.Strategy),
		)
	case KindOpenAs:
		rsp.Handle, err = r.OpenAs(req.Handle, req.Space)
	case KindClose:
		rsp.Result, err = r.Close(req.Handle)
	case KindAddressRange:
		rsp.Start, rsp.End, err = r.AddressRange(req.Handle)
	case KindAlloc:
		rsp.Offset, err = r.Alloc(req.Handle, req.Object, req.Size, req.Alignment, req.Strategy)
	case KindFree:
		err = r.Free(req.Handle, req.Object)
		rsp.Result = err == nil
	case KindIsAllocated:
		rsp.Result, err = r.IsAllocated(req.Handle, req.Object, req.Size, req.Offset)
	case KindReserve:
		err = r.Reserve(req.Handle, req.Object, req.Size, req.Offset)
		rsp.Result = err == nil
	case KindUnreserve:
		err = r.Unreserve(req.Handle, req.Object, req.Size, req.Offset)
		rsp.Result = err == nil
	case KindReserveIfNotAllocated:
		rsp.Result, err = r.ReserveIfNotAllocated(req.Handle, req.Object, req.Size, req.Offset)
	case KindIsReserved:
		rsp.Result, err = r.IsReserved(req.Handle, req.Size, req.Offset)
	case KindPrint:
		err = r.Print(req.Handle, req.Full)
	case KindIsEmpty:
		rsp.Result, err = r.IsEmpty(req.Handle)
	default:
		err = fmt.Errorf("%w: unknown request kind %s", allocator.ErrProtocol, req.Kind)
	}

	if err != nil {
		rsp.Code = allocator.CodeOf(err)
		rsp.Message = err.Error()
		log.Debug("%s: %v", req, err)
	}

	return rsp
}

func (a *Arbiter) describeSocket() string {
	if a.socket == "" {
		return ""
	}
	return " on socket " + a.socket
}
