// Copyright 2018-2019 The logrange Authors
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

package stream

import (
	"fmt"
	"time"

	"github.com/logrange/streamprobe/pkg/utils"
	"github.com/mohae/deepcopy"
)

// Config defines the stream connection manager settings
type Config struct {
	// ProbeDelayMs is the time between an error event and the delayed
	// recovery probe
	ProbeDelayMs int

	// ProbePayload contains extra properties which are added to the payload
	// of every probe row
	ProbePayload map[string]string
}

// NewDefaultConfig returns the default manager settings
func NewDefaultConfig() *Config {
	return &Config{ProbeDelayMs: 5000}
}

// Apply overrides c's properties by non-default values from other
func (c *Config) Apply(other *Config) {
	if other == nil {
		return
	}
	if other.ProbeDelayMs > 0 {
		c.ProbeDelayMs = other.ProbeDelayMs
	}
	if len(other.ProbePayload) > 0 {
		if c.ProbePayload == nil {
			c.ProbePayload = make(map[string]string)
		}
		for k, v := range other.ProbePayload {
			c.ProbePayload[k] = v
		}
	}
}

// Check validates the config
func (c *Config) Check() error {
	if c.ProbeDelayMs <= 0 {
		return fmt.Errorf("invalid ProbeDelayMs=%d, must be > 0", c.ProbeDelayMs)
	}
	for k := range c.ProbePayload {
		if _, ok := reservedPayloadKeys[k]; ok {
			return fmt.Errorf("probe payload key %q is reserved", k)
		}
	}
	return nil
}

// Copy returns a deep copy of the config
func (c *Config) Copy() *Config {
	return deepcopy.Copy(c).(*Config)
}

func (c *Config) probeDelay() time.Duration {
	return time.Duration(c.ProbeDelayMs) * time.Millisecond
}

func (c *Config) String() string {
	return utils.ToJsonStr(c)
}
