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
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"cloud.google.com/go/bigquery/storage/apiv1/storagepb"
	"github.com/benbjohnson/clock"
	"github.com/jrivets/log4g"
	"github.com/logrange/streamprobe/api"
	"github.com/logrange/streamprobe/pkg/schema"
	"github.com/logrange/streamprobe/pkg/transport"
	"github.com/logrange/streamprobe/pkg/utils"
	"github.com/logrange/streamprobe/pkg/writer"
	"github.com/pkg/errors"
)

type (
	// Dialer opens connections to write streams. transport.Client is the
	// Dialer used in production.
	Dialer interface {
		OpenConnection(ctx context.Context, streamID string) (transport.Connection, error)
	}

	// DialerFunc is an adapter to use a function as Dialer
	DialerFunc func(ctx context.Context, streamID string) (transport.Connection, error)

	// Converter builds the row descriptor from a table schema
	Converter func(ts *storagepb.TableSchema) (*schema.Descriptor, error)

	// ErrorHandler is notified about every error event of the connection
	ErrorHandler func(err error)

	// Stats contains the manager counters
	Stats struct {
		Errors          int
		Reconnects      int
		SchemaUpdates   int
		ProbesIssued    int
		ProbesSucceeded int
		ProbesFailed    int
	}

	// Manager owns the lifecycle of one stream connection. It subscribes to
	// the connection events and writes two recovery probes for every error
	// event: one right away and one after the probe delay.
	Manager struct {
		cfg     *Config
		dialer  Dialer
		convert Converter
		logger  log4g.Logger
		clock   clock.Clock

		lock     sync.Mutex
		state    State
		conn     transport.Connection
		desc     *schema.Descriptor
		wrtr     api.Writer
		handlers []ErrorHandler
		stats    Stats
		done     chan struct{}

		probes sync.WaitGroup
	}
)

var (
	// ErrAlreadyConnected is returned by Connect when the manager has (or had)
	// a connection
	ErrAlreadyConnected = errors.New("the manager is already connected")

	// ErrNotConnected is returned by operations which require the connection
	ErrNotConnected = errors.New("the manager is not connected")
)

// OpenConnection is part of Dialer
func (df DialerFunc) OpenConnection(ctx context.Context, streamID string) (transport.Connection, error) {
	return df(ctx, streamID)
}

// Outstanding returns the number of probes issued, but not completed yet
func (s Stats) Outstanding() int {
	return s.ProbesIssued - s.ProbesSucceeded - s.ProbesFailed
}

func (s Stats) String() string {
	return fmt.Sprintf("{errors=%d, reconnects=%d, schemaUpdates=%d, probes: issued=%d, succeeded=%d, failed=%d, outstanding=%d}",
		s.Errors, s.Reconnects, s.SchemaUpdates, s.ProbesIssued, s.ProbesSucceeded, s.ProbesFailed, s.Outstanding())
}

// NewManager creates new Manager. The config is copied. If convert is nil,
// schema.Convert is used.
func NewManager(cfg *Config, dialer Dialer, convert Converter, logger log4g.Logger, clk clock.Clock) *Manager {
	if convert == nil {
		convert = schema.Convert
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Manager{
		cfg:     cfg.Copy(),
		dialer:  dialer,
		convert: convert,
		logger:  logger,
		clock:   clk,
		done:    make(chan struct{}),
	}
}

// Connect opens the connection to the stream and subscribes to its events.
// The descriptor is used for the rows written over the connection, until
// the server reports a schema change.
func (m *Manager) Connect(ctx context.Context, streamID string, desc *schema.Descriptor) (transport.Connection, error) {
	if desc == nil {
		return nil, api.NewSchemaError(nil, "the row descriptor must be provided")
	}

	m.lock.Lock()
	if m.state != StateConnecting || m.conn != nil {
		m.lock.Unlock()
		return nil, ErrAlreadyConnected
	}
	m.lock.Unlock()

	m.logger.Info("Connecting to ", streamID)
	conn, err := m.dialer.OpenConnection(ctx, streamID)
	if err != nil {
		if !api.IsKind(err, api.KindConnection) {
			err = api.NewConnectionError(err, fmt.Sprintf("could not connect to %s", streamID))
		}
		return nil, err
	}

	m.lock.Lock()
	if m.state != StateConnecting || m.conn != nil {
		m.lock.Unlock()
		conn.Close()
		return nil, ErrAlreadyConnected
	}
	m.conn = conn
	m.desc = desc
	m.wrtr = writer.New(conn, m, m.logger)
	m.state = StateOpen
	m.lock.Unlock()

	go m.listen(conn)
	m.logger.Info("Connected, listening for the connection events")
	return conn, nil
}

// OnError registers the handler which is called once for every error event
func (m *Manager) OnError(h ErrorHandler) {
	m.lock.Lock()
	m.handlers = append(m.handlers, h)
	m.lock.Unlock()
}

// Close closes the connection and stops handling its events. Delayed probes
// which are scheduled already are not cancelled. It is safe to call Close
// several times.
func (m *Manager) Close() error {
	m.lock.Lock()
	if m.state == StateClosed {
		m.lock.Unlock()
		return nil
	}
	m.logger.Info("Closing the manager, stats=", m.stats)
	m.state = StateClosed
	m.handlers = nil
	conn := m.conn
	m.lock.Unlock()

	if conn == nil {
		close(m.done)
		return nil
	}
	return conn.Close()
}

// State returns the current manager state
func (m *Manager) State() State {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.state
}

// Writer returns the row writer over the connection, or nil if the manager
// is not connected
func (m *Manager) Writer() api.Writer {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.wrtr
}

// Descriptor returns the row descriptor in force
func (m *Manager) Descriptor() *schema.Descriptor {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.desc
}

// Stats returns the counters snapshot
func (m *Manager) Stats() Stats {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.stats
}

// Outstanding returns the number of probes which are not completed
func (m *Manager) Outstanding() int {
	return m.Stats().Outstanding()
}

// ------------------------- the manager internals ---------------------------

// waitProbes waits until all issued and scheduled probes are completed, but
// no longer than timeout
func (m *Manager) waitProbes(timeout time.Duration) bool {
	return utils.WaitWaitGroup(&m.probes, timeout)
}

func (m *Manager) listen(conn transport.Connection) {
	defer close(m.done)
	for ev := range conn.Events() {
		m.handleEvent(ev)
	}
	m.logger.Debug("The connection events channel is closed")
}

func (m *Manager) handleEvent(ev transport.Event) {
	m.lock.Lock()
	if m.state == StateClosed {
		m.lock.Unlock()
		m.logger.Debug("Dropping event ", ev, ", the manager is closed")
		return
	}

	switch ev.Kind {
	case transport.EventError:
		m.stats.Errors++
		errNo := m.stats.Errors
		m.state = StateErrored
		handlers := append([]ErrorHandler{}, m.handlers...)
		stats := m.stats
		m.lock.Unlock()

		m.logger.Error("!!! Connection error event #", errNo, " ", ev, ", stats=", stats, ", goroutines=", runtime.NumGoroutine())
		for _, h := range handlers {
			h(ev.Err)
		}
		m.recover(errNo)
		return
	case transport.EventReconnect:
		m.stats.Reconnects++
		m.lock.Unlock()
		m.logger.Info("Connection event ", ev)
		return
	case transport.EventSchemaUpdated:
		m.stats.SchemaUpdates++
		m.lock.Unlock()
		m.logger.Info("Connection event ", ev)
		m.updateDescriptor(ev.Schema)
		return
	case transport.EventPause, transport.EventResume:
		m.lock.Unlock()
		m.logger.Info("Connection event ", ev)
		return
	case transport.EventEnd:
		m.lock.Unlock()
		m.logger.Warn("Connection event ", ev)
		return
	case transport.EventClose:
		// closed underneath, e.g. by the client
		m.state = StateClosed
		m.handlers = nil
		m.lock.Unlock()
		m.logger.Warn("Connection event ", ev, ", the manager is closed")
		return
	}
	m.lock.Unlock()
	m.logger.Warn("Unknown connection event ", ev)
}

// recover issues the immediate probe and schedules the delayed one. Both are
// registered before recover returns.
func (m *Manager) recover(errNo int) {
	m.lock.Lock()
	if m.state == StateClosed {
		m.lock.Unlock()
		return
	}
	m.stats.ProbesIssued += 2
	m.probes.Add(2)
	go m.runProbe(ProbeImmediate, errNo)

	delay := m.cfg.probeDelay()
	m.clock.AfterFunc(delay, func() {
		m.runProbe(ProbeDelayed, errNo)
	})
	m.state = StateRecovering
	m.lock.Unlock()
	m.logger.Info("Recovery probes for error #", errNo, ": immediate one is issued, delayed one in ", delay)
}

// updateDescriptor associates the descriptor built from ts with the
// connection. The previous descriptor is left as is.
func (m *Manager) updateDescriptor(ts *storagepb.TableSchema) {
	d, err := m.convert(ts)
	if err != nil {
		m.logger.Warn("Could not convert the updated schema, keeping the old descriptor, err=", err)
		return
	}

	m.lock.Lock()
	if m.state != StateClosed {
		m.desc = d
	}
	m.lock.Unlock()
	m.logger.Info("The row descriptor is updated: ", d)
}
