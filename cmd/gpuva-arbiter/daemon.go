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

package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/natefinch/atomic"

	"github.com/intel/gpuva/pkg/allocator"
	"github.com/intel/gpuva/pkg/allocator/arbiter"
	cfgapi "github.com/intel/gpuva/pkg/apis/config/v1alpha1"
	"github.com/intel/gpuva/pkg/healthz"
	"github.com/intel/gpuva/pkg/instrumentation"
	"github.com/intel/gpuva/pkg/metrics"
	"github.com/intel/gpuva/pkg/metrics/collectors"
)

const (
	// probeConn is the connection of the instance used for health checks.
	probeConn = -1
)

// daemon runs an arbiter with its metrics and health check endpoints.
type daemon struct {
	cfg    *cfgapi.ArbiterConfig
	reg    *allocator.Registry
	arb    *arbiter.Arbiter
	probe  *arbiter.Client
	handle allocator.Handle
}

func newDaemon(cfg *cfgapi.ArbiterConfig) (*daemon, error) {
	reg, err := allocator.NewRegistry(cfg.Spec.Allocator.RegistryOptions()...)
	if err != nil {
		return nil, fmt.Errorf("failed to create allocator registry: %w", err)
	}

	arb, err := arbiter.New(reg, arbiter.WithSocket(cfg.Spec.Socket))
	if err != nil {
		return nil, err
	}

	return &daemon{
		cfg: cfg,
		reg: reg,
		arb: arb,
	}, nil
}

func (d *daemon) start(ctx context.Context) error {
	if err := d.arb.Start(ctx); err != nil {
		return fmt.Errorf("failed to start arbiter: %w", err)
	}

	if err := d.openProbe(); err != nil {
		return err
	}

	if err := d.startInstrumentation(); err != nil {
		return err
	}

	if file := d.cfg.Spec.AddressFile; file != "" {
		if err := atomic.WriteFile(file, strings.NewReader(d.arb.Socket())); err != nil {
			return fmt.Errorf("failed to write address file %s: %w", file, err)
		}
		log.Info("arbiter address written to %s", file)
	}

	return nil
}

// openProbe opens the configured allocator through the arbiter itself.
func (d *daemon) openProbe() error {
	acfg := &d.cfg.Spec.Allocator
	typ, err := acfg.AllocatorType()
	if err != nil {
		return err
	}
	strategy, err := allocator.ParseStrategy(acfg.Strategy)
	if err != nil {
		return err
	}

	d.probe = arbiter.NewClient(d.arb.Local())
	d.handle, err = d.probe.Open(allocator.Key{Conn: probeConn}, typ, acfg.Start, acfg.End, strategy)
	if err != nil {
		return fmt.Errorf("failed to open %s allocator: %w", typ, err)
	}

	healthz.RegisterHealthChecker("arbiter", d.check)

	return nil
}

func (d *daemon) check() (healthz.Status, error) {
	if _, _, err := d.probe.AddressRange(d.handle); err != nil {
		return healthz.NonFunctional, err
	}
	return healthz.Healthy, nil
}

func (d *daemon) startInstrumentation() error {
	mr := metrics.NewRegistry()
	if err := collectors.Register(mr); err != nil {
		return err
	}
	err := mr.Register("instances", allocator.NewCollector(d.reg),
		metrics.WithGroup("allocator"),
		metrics.WithCollectorOptions(metrics.WithPolled()),
	)
	if err != nil {
		return err
	}

	instrumentation.SetRegistry(mr)

	return instrumentation.Reconfigure(&d.cfg.Spec.Instrumentation)
}

func (d *daemon) stop(ctx context.Context) error {
	var errs *multierror.Error

	instrumentation.Stop()

	if d.probe != nil {
		healthz.UnregisterHealthChecker("arbiter")
		if _, err := d.probe.Close(d.handle); err != nil {
			errs = multierror.Append(errs, err)
		}
		errs = multierror.Append(errs, d.probe.Disconnect())
		d.probe = nil
	}

	if _, err := d.arb.Stop(ctx); err != nil {
		errs = multierror.Append(errs, err)
	}

	if n := d.reg.Len(); n > 0 {
		log.Warn("%d allocator handles still open at exit", n)
	}

	return errs.ErrorOrNil()
}
