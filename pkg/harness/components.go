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

package harness

import (
	"context"
	"fmt"

	"github.com/benbjohnson/clock"
	"github.com/jrivets/log4g"
	"github.com/logrange/streamprobe/api"
	"github.com/logrange/streamprobe/pkg/auth"
	"github.com/logrange/streamprobe/pkg/schema"
	"github.com/logrange/streamprobe/pkg/stream"
	"github.com/logrange/streamprobe/pkg/transport"
	"google.golang.org/api/option"
)

type (
	// Service is the write API client the harness works with.
	// transport.Client is the production implementation.
	Service interface {
		stream.Dialer
		EnableWriteRetries(enable bool)
		GetWriteStream(ctx context.Context, streamID string) (*transport.WriteStream, error)
		Close() error
	}

	// ServiceFactory creates the Service
	ServiceFactory func(ctx context.Context, cfg *transport.Config, opts ...option.ClientOption) (Service, error)

	// credsComp looks up the credentials on Init
	credsComp struct {
		Cfg *Config `inject:"harnessConfig"`

		find   auth.FindFunc
		logger log4g.Logger
		handle *auth.Handle
		err    error
	}

	// clientComp creates the write client. It depends on credsComp.
	clientComp struct {
		Cfg   *Config    `inject:"harnessConfig"`
		Creds *credsComp `inject:""`

		newService ServiceFactory
		logger     log4g.Logger
		svc        Service
		err        error
	}

	// streamComp retrieves the stream schema and connects the manager. It
	// depends on clientComp, so it is shut down before the client.
	streamComp struct {
		Cfg    *Config     `inject:"harnessConfig"`
		Client *clientComp `inject:""`

		clock  clock.Clock
		logger log4g.Logger
		ws     *transport.WriteStream
		mgr    *stream.Manager
		err    error
	}

	initErrorer interface {
		initErr() error
	}
)

func newTransportService(ctx context.Context, cfg *transport.Config, opts ...option.ClientOption) (Service, error) {
	c, err := transport.NewClient(ctx, cfg, opts...)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Init is part of linker.Initializer
func (cc *credsComp) Init(ctx context.Context) error {
	cc.handle, cc.err = auth.NewProvider(cc.logger, cc.find).GetClient(ctx)
	if cc.err == nil && cc.handle.ProjectID() != "" && cc.handle.ProjectID() != cc.Cfg.ProjectID {
		cc.logger.Info("Credentials project ", cc.handle.ProjectID(), " differs from PROJECT_ID=", cc.Cfg.ProjectID)
	}
	return cc.err
}

func (cc *credsComp) initErr() error {
	return cc.err
}

// Init is part of linker.Initializer
func (cc *clientComp) Init(ctx context.Context) error {
	cc.svc, cc.err = cc.newService(ctx, cc.Cfg.Transport, cc.Creds.handle.ClientOptions()...)
	if cc.err != nil {
		return cc.err
	}
	cc.svc.EnableWriteRetries(cc.Cfg.Transport.EnableWriteRetries)
	cc.logger.Info("Write client is created, write retries enabled=", cc.Cfg.Transport.EnableWriteRetries)
	return nil
}

// Shutdown is part of linker.Shutdowner
func (cc *clientComp) Shutdown() {
	cc.logger.Info("Closing the write client")
	if err := cc.svc.Close(); err != nil {
		cc.logger.Warn("Error while closing the write client, err=", err)
	}
}

func (cc *clientComp) initErr() error {
	return cc.err
}

// Init is part of linker.Initializer
func (sc *streamComp) Init(ctx context.Context) error {
	sc.err = sc.connect(ctx)
	return sc.err
}

func (sc *streamComp) connect(ctx context.Context) error {
	ws, err := sc.Client.svc.GetWriteStream(ctx, sc.Cfg.StreamID)
	if err != nil {
		return err
	}
	sc.ws = ws
	sc.logger.Info("Got write stream ", ws.Name, " type=", ws.Type, ", table=", ws.Table, ", created=", ws.CreateTime)

	if len(ws.TableSchema.GetFields()) == 0 {
		return api.NewSchemaError(nil, "unable to retrieve table schema for the destination table")
	}
	desc, err := schema.Convert(ws.TableSchema)
	if err != nil {
		return err
	}
	sc.logger.Debug("Row descriptor ", desc)

	sc.mgr = stream.NewManager(sc.Cfg.Stream, sc.Client.svc, schema.Convert, sc.logger, sc.clock)
	sc.mgr.OnError(func(err error) {
		sc.logger.Debug("Error details: ", fmt.Sprintf("%+v", err))
	})
	sc.logger.Info("Attached error event listener to the connection")

	_, err = sc.mgr.Connect(ctx, sc.Cfg.StreamID, desc)
	return err
}

// Shutdown is part of linker.Shutdowner
func (sc *streamComp) Shutdown() {
	if err := sc.mgr.Close(); err != nil {
		sc.logger.Warn("Error while closing the stream manager, err=", err)
	}
}

func (sc *streamComp) initErr() error {
	return sc.err
}
