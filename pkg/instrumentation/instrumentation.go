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

package instrumentation

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	cfgapi "github.com/intel/gpuva/pkg/apis/config/v1alpha1/instrumentation"
	"github.com/intel/gpuva/pkg/healthz"
	logger "github.com/intel/gpuva/pkg/log"
	"github.com/intel/gpuva/pkg/metrics"
)

const (
	// Namespace prefixes all our exported metrics.
	Namespace = "gpuva"
	// shutdownTimeout bounds waiting for HTTP requests in flight at stop.
	shutdownTimeout = 5 * time.Second
)

var (
	// Our runtime configuration.
	cfg = &cfgapi.Config{}
	// Lock to protect against reconfiguration.
	lock sync.RWMutex
	// Registry of collectors we export, nil for the default one.
	registry *metrics.Registry
	// Our running services.
	gatherer *metrics.Gatherer
	srv      *http.Server
	lis      net.Listener
	// Our logger instance.
	log = logger.NewLogger("instrumentation")
)

// SetRegistry sets the metrics registry to export collectors from.
func SetRegistry(r *metrics.Registry) {
	lock.Lock()
	defer lock.Unlock()
	registry = r
}

// Address returns the address our HTTP server listens on, or an empty
// string if it is not running.
func Address() string {
	lock.RLock()
	defer lock.RUnlock()
	if lis == nil {
		return ""
	}
	return lis.Addr().String()
}

// Start our instrumentation services.
func Start() error {
	log.Info("starting instrumentation services...")

	lock.Lock()
	defer lock.Unlock()

	return start()
}

// Stop our instrumentation services.
func Stop() {
	lock.Lock()
	defer lock.Unlock()

	stop()
}

// Restart our instrumentation services.
func Restart() error {
	lock.Lock()
	defer lock.Unlock()

	stop()

	err := start()
	if err != nil {
		log.Error("failed to start instrumentation: %v", err)
	}

	return err
}

// Reconfigure our instrumentation services.
func Reconfigure(newCfg *cfgapi.Config) error {
	lock.Lock()
	cfg = newCfg
	lock.Unlock()

	return Restart()
}

func start() error {
	if cfg.HTTPEndpoint == "" {
		log.Info("no HTTP endpoint configured, instrumentation disabled")
		return nil
	}

	r := registry
	if r == nil {
		r = metrics.Default()
	}

	opts := []metrics.GathererOption{metrics.WithNamespace(Namespace)}
	if period := cfg.ReportPeriod.Duration; period > 0 {
		opts = append(opts, metrics.WithPollInterval(period))
	}
	if m := cfg.Metrics; m != nil {
		opts = append(opts, metrics.WithMetrics(m.Enabled, m.Polled))
	}

	g, err := r.NewGatherer(opts...)
	if err != nil {
		return fmt.Errorf("failed to start metrics: %w", err)
	}

	l, err := net.Listen("tcp", cfg.HTTPEndpoint)
	if err != nil {
		g.Stop()
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", g.Handler())
	healthz.Setup(mux)

	s := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server failed: %v", err)
		}
	}()

	gatherer, srv, lis = g, s, l

	log.Info("serving /metrics and /healthz on %s", l.Addr())

	return nil
}

func stop() {
	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Error("failed to shut down HTTP server: %v", err)
		}
		srv, lis = nil, nil
	}

	if gatherer != nil {
		gatherer.Stop()
		gatherer = nil
	}
}
