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
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	cfgapi "github.com/intel/gpuva/pkg/apis/config/v1alpha1"
	"github.com/intel/gpuva/pkg/config"
	logger "github.com/intel/gpuva/pkg/log"
	"github.com/intel/gpuva/pkg/log/klogcontrol"
	"github.com/intel/gpuva/pkg/version"
)

const (
	stopTimeout = 10 * time.Second
)

var (
	log = logger.Get("arbiter")
)

type options struct {
	configFile     string
	socket         string
	addressFile    string
	metricsAddress string
	printConfig    bool
	showVersion    bool
}

func parseFlags(args []string) (*options, error) {
	opts := &options{}
	flags := pflag.NewFlagSet("gpuva-arbiter", pflag.ContinueOnError)

	flags.StringVar(&opts.configFile, "config", "", "configuration file (YAML or JSON with comments)")
	flags.StringVar(&opts.socket, "socket", "", "unix socket to serve allocator clients on")
	flags.StringVar(&opts.addressFile, "address-file", "", "file to write the socket path to once ready")
	flags.StringVar(&opts.metricsAddress, "metrics-address", "", "address to serve /metrics and /healthz on")
	flags.BoolVar(&opts.printConfig, "print-config", false, "print the effective configuration and exit")
	flags.BoolVar(&opts.showVersion, "version", false, "print version information and exit")
	flags.AddGoFlagSet(klogcontrol.Get().FlagSet)

	if err := flags.Parse(args); err != nil {
		return nil, err
	}

	return opts, nil
}

func loadConfig(opts *options) (*cfgapi.ArbiterConfig, error) {
	cfg := cfgapi.NewArbiterConfig()
	if opts.configFile != "" {
		if err := config.Load(opts.configFile, cfg); err != nil {
			return nil, err
		}
	}

	if opts.socket != "" {
		cfg.Spec.Socket = opts.socket
	}
	if opts.addressFile != "" {
		cfg.Spec.AddressFile = opts.addressFile
	}
	if opts.metricsAddress != "" {
		cfg.Spec.Instrumentation.HTTPEndpoint = opts.metricsAddress
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func run(args []string) error {
	opts, err := parseFlags(args)
	if err != nil {
		return err
	}

	if opts.showVersion {
		fmt.Printf("gpuva-arbiter version %s (build %s)\n", version.Version, version.Build)
		return nil
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	if opts.printConfig {
		dump, err := config.Dump(cfg)
		if err != nil {
			return err
		}
		fmt.Print(dump)
		return nil
	}

	if err := logger.Configure(&cfg.Spec.Log); err != nil {
		return err
	}
	logger.SetGrpcLogger("grpc", nil)
	logger.SetStdLogger("stdlog")
	logger.SetupDebugToggleSignal(syscall.SIGUSR1)

	log.Info("gpuva-arbiter %s (build %s) starting...", version.Version, version.Build)

	d, err := newDaemon(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := d.start(ctx); err != nil {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
		defer stopCancel()
		if stopErr := d.stop(stopCtx); stopErr != nil {
			log.Error("failed to clean up: %v", stopErr)
		}
		return err
	}

	<-ctx.Done()
	log.Info("shutting down...")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
	defer stopCancel()

	return d.stop(stopCtx)
}

func main() {
	defer logger.Flush()

	if err := run(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			os.Exit(0)
		}
		log.Error("%v", err)
		logger.Flush()
		os.Exit(1)
	}
}
