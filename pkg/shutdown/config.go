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

package shutdown

import (
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/logrange/streamprobe/pkg/utils"
)

// Config defines the shutdown settings
type Config struct {
	// GracePeriodMs is the time to wait after the connection is closed and
	// before the process exits
	GracePeriodMs int

	// Signals contains the names of the signals which request the shutdown
	Signals []string
}

var signalsByName = map[string]os.Signal{
	"SIGINT":  syscall.SIGINT,
	"SIGTERM": syscall.SIGTERM,
	"SIGHUP":  syscall.SIGHUP,
	"SIGQUIT": syscall.SIGQUIT,
}

// NewDefaultConfig returns the default shutdown settings
func NewDefaultConfig() *Config {
	return &Config{GracePeriodMs: 5000, Signals: []string{"SIGINT", "SIGTERM"}}
}

// Apply overrides c's properties by non-default values from other
func (c *Config) Apply(other *Config) {
	if other == nil {
		return
	}
	if other.GracePeriodMs > 0 {
		c.GracePeriodMs = other.GracePeriodMs
	}
	if len(other.Signals) > 0 {
		c.Signals = append([]string{}, other.Signals...)
	}
}

// Check validates the config
func (c *Config) Check() error {
	if c.GracePeriodMs < 0 {
		return fmt.Errorf("invalid GracePeriodMs=%d, must be >= 0", c.GracePeriodMs)
	}
	_, err := c.signals()
	return err
}

func (c *Config) String() string {
	return utils.ToJsonStr(c)
}

func (c *Config) gracePeriod() time.Duration {
	return time.Duration(c.GracePeriodMs) * time.Millisecond
}

func (c *Config) signals() ([]os.Signal, error) {
	if len(c.Signals) == 0 {
		return nil, fmt.Errorf("at least one shutdown signal must be specified")
	}
	res := make([]os.Signal, 0, len(c.Signals))
	for _, n := range c.Signals {
		s, ok := signalsByName[n]
		if !ok {
			return nil, fmt.Errorf("unsupported signal %q", n)
		}
		res = append(res, s)
	}
	return res, nil
}
