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

package transport

import (
	"fmt"
	"time"

	"github.com/logrange/streamprobe/pkg/utils"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"
)

// Config struct defines the write client and stream connection settings
type Config struct {
	// Endpoint overrides the service endpoint, host:port. Empty means the
	// default production endpoint.
	Endpoint string

	// KeepaliveTimeMs defines how often the channel is pinged when there is no
	// activity. 0 disables keepalive pings.
	KeepaliveTimeMs int

	// KeepaliveTimeoutMs defines how long to wait for a ping ack
	KeepaliveTimeoutMs int

	// PermitWithoutStream allows keepalive pings when there are no active
	// calls on the channel
	PermitWithoutStream bool

	// IdleTimeoutMs defines the channel idle period after which the channel
	// goes to idle mode. 0 means the channel never goes idle.
	IdleTimeoutMs int

	// MaxInflightRequests defines the number of appends which could be
	// waiting for responses at the same time. Exceeding it pauses the
	// connection.
	MaxInflightRequests int

	// EnableWriteRetries turns on resending of in-flight requests over a new
	// stream, when the stream fails with a retryable error
	EnableWriteRetries bool

	// MaxRetries limits the number of resends for one request and the number
	// of attempts to open a new stream
	MaxRetries int

	// ReconnectInitialMs is the initial backoff for re-opening a stream
	ReconnectInitialMs int

	// ReconnectMaxMs is the maximum backoff for re-opening a stream
	ReconnectMaxMs int

	// TraceId is sent with every append request
	TraceId string
}

// NewDefaultConfig returns the settings the harness runs with by default
func NewDefaultConfig() *Config {
	return &Config{
		KeepaliveTimeMs:     60000,
		KeepaliveTimeoutMs:  20000,
		PermitWithoutStream: true,
		IdleTimeoutMs:       5 * 60 * 1000,
		MaxInflightRequests: 1000,
		EnableWriteRetries:  true,
		MaxRetries:          4,
		ReconnectInitialMs:  100,
		ReconnectMaxMs:      5000,
		TraceId:             "streamprobe",
	}
}

// Apply overrides c's properties by non-default values from other. Booleans
// can only be turned on this way.
func (c *Config) Apply(other *Config) {
	if other == nil {
		return
	}
	if other.Endpoint != "" {
		c.Endpoint = other.Endpoint
	}
	if other.KeepaliveTimeMs > 0 {
		c.KeepaliveTimeMs = other.KeepaliveTimeMs
	}
	if other.KeepaliveTimeoutMs > 0 {
		c.KeepaliveTimeoutMs = other.KeepaliveTimeoutMs
	}
	if other.IdleTimeoutMs > 0 {
		c.IdleTimeoutMs = other.IdleTimeoutMs
	}
	if other.MaxInflightRequests > 0 {
		c.MaxInflightRequests = other.MaxInflightRequests
	}
	if other.MaxRetries > 0 {
		c.MaxRetries = other.MaxRetries
	}
	if other.ReconnectInitialMs > 0 {
		c.ReconnectInitialMs = other.ReconnectInitialMs
	}
	if other.ReconnectMaxMs > 0 {
		c.ReconnectMaxMs = other.ReconnectMaxMs
	}
	if other.TraceId != "" {
		c.TraceId = other.TraceId
	}
	c.PermitWithoutStream = c.PermitWithoutStream || other.PermitWithoutStream
	c.EnableWriteRetries = c.EnableWriteRetries || other.EnableWriteRetries
}

// Check validates the config
func (c *Config) Check() error {
	if c.KeepaliveTimeMs != 0 && c.KeepaliveTimeMs < 10000 {
		return fmt.Errorf("invalid KeepaliveTimeMs=%d, must be 0 or >= 10000ms", c.KeepaliveTimeMs)
	}
	if c.KeepaliveTimeoutMs < 0 {
		return fmt.Errorf("invalid KeepaliveTimeoutMs=%d, must be >= 0", c.KeepaliveTimeoutMs)
	}
	if c.MaxInflightRequests <= 0 {
		return fmt.Errorf("invalid MaxInflightRequests=%d, must be > 0", c.MaxInflightRequests)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("invalid MaxRetries=%d, must be >= 0", c.MaxRetries)
	}
	if c.ReconnectInitialMs <= 0 || c.ReconnectMaxMs < c.ReconnectInitialMs {
		return fmt.Errorf("invalid reconnect backoff [%d..%d]ms, expecting 0 < initial <= max", c.ReconnectInitialMs, c.ReconnectMaxMs)
	}
	return nil
}

func (c *Config) String() string {
	return utils.ToJsonStr(c)
}

func (c *Config) clientOptions() []option.ClientOption {
	var opts []option.ClientOption
	if c.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(c.Endpoint))
	}
	if c.KeepaliveTimeMs > 0 {
		opts = append(opts, option.WithGRPCDialOption(grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                time.Duration(c.KeepaliveTimeMs) * time.Millisecond,
			Timeout:             time.Duration(c.KeepaliveTimeoutMs) * time.Millisecond,
			PermitWithoutStream: c.PermitWithoutStream,
		})))
	}
	if c.IdleTimeoutMs > 0 {
		opts = append(opts, option.WithGRPCDialOption(grpc.WithIdleTimeout(time.Duration(c.IdleTimeoutMs)*time.Millisecond)))
	}
	return opts
}
