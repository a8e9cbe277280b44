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
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"

	"github.com/intel/gpuva/pkg/utils"
)

const (
	codecName    = "gpuva-json"
	serviceName  = "gpuva.arbiter.v1.Arbiter"
	handleMethod = "/" + serviceName + "/Handle"
	socketUmask  = 0o177
)

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// jsonCodec encodes arbiter messages as JSON on the wire.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string {
	return codecName
}

// requestHandler is implemented by the gRPC service of the arbiter.
type requestHandler interface {
	Handle(ctx context.Context, req *Request) (*Response, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*requestHandler)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Handle",
			Handler:    handleRequest,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "arbiter",
}

func handleRequest(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := &Request{}
	if err := dec(req); err != nil {
		return nil, err
	}

	if interceptor == nil {
		return srv.(requestHandler).Handle(ctx, req)
	}

	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: handleMethod,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(requestHandler).Handle(ctx, req.(*Request))
	}

	return interceptor(ctx, req, info, handler)
}

// server serves arbiter requests of other processes on a unix socket.
type server struct {
	a      *Arbiter
	socket string
	lis    net.Listener
	srv    *grpc.Server
	doneCh chan error
}

func newServer(a *Arbiter, socket string) (*server, error) {
	if err := utils.PrepareSocket(socket); err != nil {
		return nil, err
	}

	// only the owner may connect
	mask := unix.Umask(socketUmask)
	lis, err := net.Listen("unix", socket)
	unix.Umask(mask)

	if err != nil {
		return nil, fmt.Errorf("failed to listen on socket %s: %w", socket, err)
	}

	s := &server{
		a:      a,
		socket: socket,
		lis:    lis,
		srv:    grpc.NewServer(),
		doneCh: make(chan error, 1),
	}
	s.srv.RegisterService(&serviceDesc, s)

	return s, nil
}

func (s *server) start() {
	go func() {
		s.doneCh <- s.srv.Serve(s.lis)
	}()
}

func (s *server) stop() error {
	s.srv.Stop()
	err := <-s.doneCh

	if rmErr := os.Remove(s.socket); rmErr != nil && !os.IsNotExist(rmErr) {
		log.Warn("failed to remove socket %s: %v", s.socket, rmErr)
	}

	if err != nil && err != grpc.ErrServerStopped {
		return fmt.Errorf("arbiter server on %s failed: %w", s.socket, err)
	}

	return nil
}

// Handle implements the gRPC service.
func (s *server) Handle(ctx context.Context, req *Request) (*Response, error) {
	return s.a.Handle(ctx, req), nil
}

// grpcTransport talks to an arbiter in another process.
type grpcTransport struct {
	conn *grpc.ClientConn
}

// Dial returns a transport for the arbiter serving the given socket.
func Dial(socket string) (Transport, error) {
	path, err := filepath.Abs(socket)
	if err != nil {
		return nil, fmt.Errorf("invalid arbiter socket %q: %w", socket, err)
	}

	conn, err := grpc.NewClient("unix://"+path,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create arbiter client for %s: %w", socket, err)
	}

	return &grpcTransport{conn: conn}, nil
}

func (t *grpcTransport) Do(ctx context.Context, req *Request) (*Response, error) {
	rsp := &Response{}
	if err := t.conn.Invoke(ctx, handleMethod, req, rsp); err != nil {
		return nil, err
	}
	return rsp, nil
}

func (t *grpcTransport) Close() error {
	return t.conn.Close()
}
