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

package klogcontrol

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	cfgapi "github.com/intel/gpuva/pkg/apis/config/v1alpha1/log/klogcontrol"
	"k8s.io/klog/v2"
)

const (
	// envPrefix is prepended to the upper-cased flag name to find an
	// environment default for a klog flag.
	envPrefix = "LOGGER_"
)

// Control implements runtime control for klog.
type Control struct {
	*flag.FlagSet
}

var ctl = &Control{FlagSet: flag.NewFlagSet("klog flags", flag.ContinueOnError)}

// Get returns our singleton klog Control instance.
func Get() *Control {
	return ctl
}

// Configure klog according to the given configuration. Flags missing
// from the configuration keep their current value.
func (c *Control) Configure(cfg *cfgapi.Config) error {
	var errs []error
	c.VisitAll(func(f *flag.Flag) {
		if value, ok := cfg.GetByFlag(f.Name); ok {
			if err := c.Set(f.Name, value); err != nil {
				errs = append(errs, klogError("failed to set klog flag %s to %s: %w",
					f.Name, value, err))
			}
		}
	})
	return errors.Join(errs...)
}

// FlagNames returns the names of all klog flags under control.
func (c *Control) FlagNames() []string {
	var names []string
	c.VisitAll(func(f *flag.Flag) {
		names = append(names, f.Name)
	})
	return names
}

// EnvForFlag returns the environment variable used to seed the given flag.
func EnvForFlag(flagName string) string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}

func klogError(format string, args ...interface{}) error {
	return fmt.Errorf("klogcontrol: "+format, args...)
}

func init() {
	ctl.SetOutput(io.Discard)
	klog.InitFlags(ctl.FlagSet)
	ctl.VisitAll(func(f *flag.Flag) {
		name := EnvForFlag(f.Name)
		if value, ok := os.LookupEnv(name); ok {
			if err := ctl.Set(f.Name, value); err != nil {
				klog.Errorf("klog flag %q: invalid environment default %s=%q: %v",
					f.Name, name, value, err)
			}
			return
		}
		// journald stamps messages itself, so drop klog headers there
		if f.Name == "skip_headers" {
			if value, _ := os.LookupEnv("JOURNAL_STREAM"); value != "" {
				_ = ctl.Set(f.Name, "true")
			}
		}
	})
}
