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

package v1alpha1

import (
	"fmt"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/intel/gpuva/pkg/allocator"
	"github.com/intel/gpuva/pkg/apis/config/v1alpha1/instrumentation"
	"github.com/intel/gpuva/pkg/apis/config/v1alpha1/log"
)

const (
	// APIVersion is the API version of our configuration.
	APIVersion = "config.gpuva.intel.com/v1alpha1"
	// ArbiterKind is the kind of the arbiter configuration.
	ArbiterKind = "ArbiterConfig"

	// DefaultSocket is the default socket served by the arbiter.
	DefaultSocket = "/run/gpuva/arbiter.sock"
)

// ArbiterConfig is the configuration of the arbiter daemon.
type ArbiterConfig struct {
	metav1.TypeMeta `json:",inline"`

	Spec ArbiterSpec `json:"spec"`
}

// ArbiterSpec describes the arbiter daemon.
type ArbiterSpec struct {
	// Socket is the unix socket the arbiter serves clients on.
	// +optional
	// +kubebuilder:default="/run/gpuva/arbiter.sock"
	Socket string `json:"socket,omitempty"`
	// AddressFile, if set, is written with the socket path once the
	// arbiter is ready to serve.
	// +optional
	AddressFile string `json:"addressFile,omitempty"`
	// Allocator sets the allocator defaults used by the arbiter.
	// +optional
	Allocator AllocatorConfig `json:"allocator,omitempty"`
	// +optional
	Log log.Config `json:"log,omitempty"`
	// +optional
	Instrumentation instrumentation.Config `json:"instrumentation,omitempty"`
}

// AllocatorConfig describes the allocator instances created by the arbiter.
type AllocatorConfig struct {
	// Type is the backend preopened by the arbiter for its own health
	// checks. One of reloc, random, or simple.
	// +optional
	// +kubebuilder:validation:Enum=reloc;random;simple
	// +kubebuilder:default="simple"
	Type string `json:"type,omitempty"`
	// Strategy is the default allocation strategy of that instance.
	// +optional
	// +kubebuilder:validation:Enum=low-to-high;high-to-low
	Strategy string `json:"strategy,omitempty"`
	// Start of the address range. Start and End both 0 select the default range.
	// +optional
	Start uint64 `json:"start,omitempty"`
	// End of the address range.
	// +optional
	End uint64 `json:"end,omitempty"`
	// WarnIfNotEmpty logs a warning when an instance is destroyed with
	// allocations or reservations still in place.
	// +optional
	WarnIfNotEmpty bool `json:"warnIfNotEmpty,omitempty"`
	// RandomSeed seeds the random backend. 0 picks a random seed.
	// +optional
	RandomSeed uint64 `json:"randomSeed,omitempty"`
}

// NewArbiterConfig returns a configuration with defaults set.
func NewArbiterConfig() *ArbiterConfig {
	c := &ArbiterConfig{
		TypeMeta: metav1.TypeMeta{
			APIVersion: APIVersion,
			Kind:       ArbiterKind,
		},
	}
	c.SetDefaults()
	return c
}

// SetDefaults fills in defaults for unset fields.
func (c *ArbiterConfig) SetDefaults() {
	if c.APIVersion == "" {
		c.APIVersion = APIVersion
	}
	if c.Kind == "" {
		c.Kind = ArbiterKind
	}
	if c.Spec.Socket == "" {
		c.Spec.Socket = DefaultSocket
	}
	if c.Spec.Allocator.Type == "" {
		c.Spec.Allocator.Type = allocator.TypeSimple.String()
	}
	c.Spec.Instrumentation.SetDefaults()
}

// Validate checks the configuration for errors.
func (c *ArbiterConfig) Validate() error {
	if c.APIVersion != APIVersion || c.Kind != ArbiterKind {
		return fmt.Errorf("unexpected configuration %s/%s, expected %s/%s",
			c.APIVersion, c.Kind, APIVersion, ArbiterKind)
	}
	if _, err := c.Spec.Allocator.Options(); err != nil {
		return err
	}
	return nil
}

// Options returns the type and open options for the configured allocator.
func (c *AllocatorConfig) Options() ([]allocator.OpenOption, error) {
	if _, err := c.AllocatorType(); err != nil {
		return nil, err
	}

	strategy, err := allocator.ParseStrategy(c.Strategy)
	if err != nil {
		return nil, err
	}
	if c.End < c.Start || (c.End == c.Start && c.End != 0) {
		return nil, fmt.Errorf("%w: invalid allocator range [0x%x : 0x%x)",
			allocator.ErrInvalidArgument, c.Start, c.End)
	}

	return []allocator.OpenOption{
		allocator.WithRange(c.Start, c.End),
		allocator.WithStrategy(strategy),
	}, nil
}

// AllocatorType returns the configured allocator type.
func (c *AllocatorConfig) AllocatorType() (allocator.Type, error) {
	typ, err := allocator.ParseType(c.Type)
	if err != nil {
		return allocator.TypeNone, err
	}
	if typ == allocator.TypeNone {
		return allocator.TypeNone, fmt.Errorf("%w: allocator type %s cannot be used",
			allocator.ErrInvalidArgument, typ)
	}
	return typ, nil
}

// RegistryOptions returns the registry options for the configuration.
func (c *AllocatorConfig) RegistryOptions() []allocator.RegistryOption {
	return []allocator.RegistryOption{
		allocator.WithWarnIfNotEmpty(c.WarnIfNotEmpty),
		allocator.WithRandomSeed(c.RandomSeed),
	}
}
