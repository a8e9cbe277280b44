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

package log

import (
	"os"
	"slices"
	"strings"

	cfgapi "github.com/intel/gpuva/pkg/apis/config/v1alpha1/log"
	"github.com/intel/gpuva/pkg/log/klogcontrol"
	"github.com/intel/gpuva/pkg/utils"
)

const (
	// DefaultLevel is the default logging severity level.
	DefaultLevel = LevelInfo
	// debugEnvVar seeds debugging, for instance LOGGER_DEBUG=on:allocator,arbiter.
	debugEnvVar = "LOGGER_DEBUG"
	// logSourceEnvVar turns on source prefixing if set to anything.
	logSourceEnvVar = "LOGGER_LOG_SOURCE"
	// wildcard stands for all sources.
	wildcard = "*"
)

// srcmap is the debug state of sources, with wildcard for the default.
type srcmap map[string]bool

// parse updates the map from a comma-separated list of sources, each
// optionally prefixed by an on/off state. A state carries over to the
// following entries without one. The first entries default to on.
func (m *srcmap) parse(value string) error {
	if *m == nil {
		*m = make(srcmap)
	}

	state := true
	for _, entry := range strings.Split(value, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		src := entry
		if prefix, rest, ok := strings.Cut(entry, ":"); ok {
			if strings.Contains(rest, ":") {
				return loggerError("invalid source map entry %q", entry)
			}
			enabled, err := utils.ParseEnabled(prefix)
			if err != nil {
				return loggerError("invalid state %q in source map entry %q", prefix, entry)
			}
			state, src = enabled, strings.TrimSpace(rest)
		}

		if src == "all" {
			src = wildcard
		}
		(*m)[src] = state
	}

	return nil
}

// String returns the map in a form accepted by parse.
func (m srcmap) String() string {
	var on, off []string
	for src, state := range m {
		if state {
			on = append(on, src)
		} else {
			off = append(off, src)
		}
	}
	slices.Sort(on)
	slices.Sort(off)

	var parts []string
	if len(on) > 0 {
		parts = append(parts, "on:"+strings.Join(on, ","))
	}
	if len(off) > 0 {
		parts = append(parts, "off:"+strings.Join(off, ","))
	}

	return strings.Join(parts, ",")
}

// Configure updates the logging configuration.
func Configure(cfg *cfgapi.Config) error {
	deflog.Debug("logger configuration update %+v", cfg)

	dbg := make(srcmap)
	for _, value := range cfg.Debug {
		if err := dbg.parse(value); err != nil {
			return loggerError("failed to parse debug setting %q: %v", value, err)
		}
	}

	// without klog headers we are the only ones to tell sources apart
	prefix := cfg.LogSource
	klogCfg := &cfg.Klog
	if isSet(klogCfg.Logtostderr) && isSet(klogCfg.Skip_headers) {
		prefix = true
	}

	log.Lock()
	log.setDbgMap(dbg)
	log.setPrefix(prefix)
	log.Unlock()

	if cfg.GrpcLogRate != "" {
		if err := setGrpcLogRate(cfg.GrpcLogRate); err != nil {
			return err
		}
	}

	return klogcontrol.Get().Configure(klogCfg)
}

func isSet(b *bool) bool {
	return b != nil && *b
}

func init() {
	cfg := &cfgapi.Config{
		LogSource: os.Getenv(logSourceEnvVar) != "",
	}

	if value, ok := os.LookupEnv(debugEnvVar); ok {
		dbg := make(srcmap)
		if err := dbg.parse(value); err != nil {
			deflog.Error("ignoring invalid $%s %q: %v", debugEnvVar, value, err)
		} else {
			cfg.Debug = []string{dbg.String()}
		}
	}

	if err := Configure(cfg); err != nil {
		deflog.Error("initial logging configuration failed: %v", err)
	}
}
