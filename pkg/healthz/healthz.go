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

package healthz

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"

	logger "github.com/intel/gpuva/pkg/log"
)

var (
	lock     sync.Mutex
	checkers = map[string]CheckFn{}
	log      = logger.NewLogger("health-check")
)

// CheckFn checks the health of a component.
type CheckFn func() (status Status, details error)

// Status describes the health of a component or the whole.
type Status int

const (
	Healthy Status = iota
	Degraded
	NonFunctional
)

func (s Status) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case NonFunctional:
		return "non-functional"
	}
	return fmt.Sprintf("%%!Status(%d)", s)
}

// Setup prepares the given HTTP request multiplexer for serving /healthz.
func Setup(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", serve)
}

// RegisterHealthChecker registers the given health checker function.
func RegisterHealthChecker(name string, fn CheckFn) {
	lock.Lock()
	defer lock.Unlock()

	if _, conflict := checkers[name]; conflict {
		log.Panic("checker %q already registered", name)
	}

	checkers[name] = fn
}

// UnregisterHealthChecker removes the named health checker.
func UnregisterHealthChecker(name string) {
	lock.Lock()
	defer lock.Unlock()
	delete(checkers, name)
}

func serve(w http.ResponseWriter, _ *http.Request) {
	status, details := Check()

	msg := "ok"
	code := http.StatusOK
	if status != Healthy {
		code = http.StatusInternalServerError
		lines := []string{status.String()}
		for _, name := range sortedNames(details) {
			lines = append(lines, fmt.Sprintf("%s: %v", name, details[name]))
		}
		msg = strings.Join(lines, "\n")
	}

	w.WriteHeader(code)
	if _, err := w.Write([]byte(msg + "\n")); err != nil {
		log.Error("failed to write response: %v", err)
	}
}

// Check runs all health checkers and returns the worst status with the
// details of the unhealthy components.
func Check() (Status, map[string]error) {
	status := Healthy
	details := map[string]error{}

	lock.Lock()
	defer lock.Unlock()

	for _, name := range sortedNames(checkers) {
		s, err := checkers[name]()
		if s == Healthy {
			continue
		}
		status = max(status, s)
		if err == nil {
			err = fmt.Errorf("%s", s)
		}
		details[name] = err
		log.Error("component %s reported %s: %v", name, s, err)
	}

	return status, details
}

func sortedNames[T any](m map[string]T) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
