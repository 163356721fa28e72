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

// Package harness wires the components together: it connects to the write
// stream, waits for a shutdown signal and then tears everything down.
package harness

import (
	"context"
	"fmt"

	"github.com/benbjohnson/clock"
	"github.com/jrivets/log4g"
	"github.com/logrange/linker"
	"github.com/logrange/streamprobe/api"
	"github.com/logrange/streamprobe/pkg/auth"
	"github.com/logrange/streamprobe/pkg/shutdown"
	"github.com/logrange/streamprobe/pkg/utils"
	"github.com/mohae/deepcopy"
)

type (
	// Harness runs the stream diagnostic once
	Harness struct {
		cfg    *Config
		runId  string
		logger log4g.Logger

		newService ServiceFactory
		findCreds  auth.FindFunc
		notifier   shutdown.Notifier
		clock      clock.Clock
	}

	closerFunc func() error
)

// New creates the Harness for the config provided. The config is copied.
func New(cfg *Config) *Harness {
	h := new(Harness)
	h.cfg = deepcopy.Copy(cfg).(*Config)
	h.runId = utils.NewRunId()
	h.logger = log4g.GetLogger("harness").WithId("{" + h.runId + "}").(log4g.Logger)
	h.newService = newTransportService
	h.clock = clock.New()
	if h.cfg.Transport != nil {
		h.cfg.Transport.TraceId = h.cfg.Transport.TraceId + ":" + h.runId
	}
	return h
}

// Run runs the harness with cfg until a shutdown signal is received. Startup
// failures are returned as *api.Error, nil is returned after the graceful
// shutdown.
func Run(ctx context.Context, cfg *Config) error {
	return New(cfg).Run(ctx)
}

// Run connects to the stream and blocks until the shutdown signal comes or
// ctx is closed. Then the connection and the client are closed, and the
// grace period is waited before return.
func (h *Harness) Run(ctx context.Context) error {
	if err := h.cfg.Check(); err != nil {
		h.logger.Error("Invalid config: ", err)
		return err
	}
	h.logger.Info("Starting with config ", h.cfg)

	crc := &credsComp{find: h.findCreds, logger: log4g.GetLogger("harness.creds").WithId("{" + h.runId + "}").(log4g.Logger)}
	cc := &clientComp{newService: h.newService, logger: log4g.GetLogger("harness.client").WithId("{" + h.runId + "}").(log4g.Logger)}
	sc := &streamComp{clock: h.clock, logger: log4g.GetLogger("stream.manager").WithId("{" + h.runId + "}").(log4g.Logger)}

	injector := linker.New()
	injector.SetLogger(log4g.GetLogger("injector"))
	injector.Register(
		linker.Component{Name: "harnessConfig", Value: h.cfg},
		linker.Component{Name: "", Value: crc},
		linker.Component{Name: "", Value: cc},
		linker.Component{Name: "", Value: sc},
	)
	if err := initComponents(ctx, injector, crc, cc, sc); err != nil {
		h.logger.Error("Could not start: ", err)
		return err
	}

	h.logger.Info("Created connection and waiting for shutdown signal...")
	coord := shutdown.NewCoordinator(h.cfg.Shutdown, h.logger, h.clock)
	if h.notifier != nil {
		coord.SetNotifier(h.notifier)
	}
	if _, err := coord.WaitForShutdownSignal(ctx); err != nil {
		h.logger.Warn("Shutting down without a signal, err=", err)
	}

	abandoned := coord.Teardown(sc.mgr, closerFunc(func() error {
		injector.Shutdown()
		return nil
	}))
	h.logger.Info("Exiting now. stats=", sc.mgr.Stats(), ", abandoned probes=", abandoned)
	return nil
}

// initComponents runs the injector Init, which panics on any failure. The
// failure is turned into the error of the component which failed.
func initComponents(ctx context.Context, injector *linker.Injector, comps ...initErrorer) (err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		for _, c := range comps {
			if err = c.initErr(); err != nil {
				return
			}
		}
		err = api.NewConnectionError(nil, fmt.Sprint("could not initialize components: ", r))
	}()

	injector.Init(ctx)
	return nil
}

func (cf closerFunc) Close() error {
	return cf()
}

func (cf closerFunc) String() string {
	return "components"
}
