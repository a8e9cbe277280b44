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

// Package config loads configuration files. YAML files are decoded
// strictly, JSON files may carry comments and trailing commas.
package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/tailscale/hujson"
	"sigs.k8s.io/yaml"

	logger "github.com/intel/gpuva/pkg/log"
)

var (
	log = logger.Get("config")
)

// Defaulter is implemented by configuration which can fill in its defaults.
type Defaulter interface {
	SetDefaults()
}

// Validator is implemented by configuration which can check itself.
type Validator interface {
	Validate() error
}

// Load reads the given file into obj, then sets defaults and validates
// obj if it supports that.
func Load(path string, obj any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "failed to read configuration file %q", path)
	}

	if err := Parse(data, filepath.Ext(path), obj); err != nil {
		return errors.Wrapf(err, "failed to load configuration file %q", path)
	}

	log.Info("loaded configuration from %q", path)

	return nil
}

// Parse decodes data, in a format given by a file extension, into obj,
// then sets defaults and validates obj if it supports that.
func Parse(data []byte, ext string, obj any) error {
	switch strings.ToLower(ext) {
	case ".json", ".jsonc":
		std, err := hujson.Standardize(data)
		if err != nil {
			return errors.Wrap(err, "invalid JSON")
		}
		data = std
	}

	// JSON is valid YAML, strict decoding catches typos in both
	if err := yaml.UnmarshalStrict(data, obj); err != nil {
		return errors.Wrap(err, "failed to decode configuration")
	}

	if d, ok := obj.(Defaulter); ok {
		d.SetDefaults()
	}
	if v, ok := obj.(Validator); ok {
		if err := v.Validate(); err != nil {
			return errors.Wrap(err, "invalid configuration")
		}
	}

	return nil
}

// Dump returns obj marshalled as YAML.
func Dump(obj any) (string, error) {
	data, err := yaml.Marshal(obj)
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal configuration")
	}
	return string(data), nil
}
