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
	"os"

	"golang.org/x/sys/unix"
)

// Transport delivers requests to an arbiter and returns its responses.
type Transport interface {
	// Do delivers the request and waits for the response. An error is
	// returned if the request could not be delivered or answered.
	Do(ctx context.Context, req *Request) (*Response, error)
	// Close releases the transport.
	Close() error
}

var pid = os.Getpid()

func gettid() int {
	return unix.Gettid()
}

// localTransport talks to an arbiter in the same process.
type localTransport struct {
	a *Arbiter
}

func (t *localTransport) Do(ctx context.Context, req *Request) (*Response, error) {
	return t.a.Handle(ctx, req), nil
}

func (t *localTransport) Close() error {
	return nil
}
