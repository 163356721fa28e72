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
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime/debug"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/jrivets/log4g"
	"github.com/logrange/streamprobe/pkg/utils"
)

type (
	// Notifier registers and removes signal listeners, os/signal is the
	// default implementation
	Notifier interface {
		Notify(c chan<- os.Signal, sig ...os.Signal)
		Stop(c chan<- os.Signal)
		Ignore(sig ...os.Signal)
	}

	// Request is the shutdown request, it is created once for the first
	// signal received
	Request struct {
		Signal os.Signal
		Time   time.Time
	}

	// Tracker reports the operations which are still in progress
	Tracker interface {
		Outstanding() int
	}

	// Coordinator blocks the caller until a shutdown signal comes and then
	// tears the components down with the grace period
	Coordinator struct {
		cfg      Config
		logger   log4g.Logger
		clock    clock.Clock
		notifier Notifier

		waitLock sync.Mutex
		req      *Request
		tdOnce   sync.Once
	}

	osNotifier struct{}
)

// NewCoordinator creates the Coordinator which listens to the process signals
func NewCoordinator(cfg *Config, logger log4g.Logger, clk clock.Clock) *Coordinator {
	if clk == nil {
		clk = clock.New()
	}
	c := new(Coordinator)
	c.cfg = *cfg
	c.cfg.Signals = append([]string{}, cfg.Signals...)
	c.logger = logger
	c.clock = clk
	c.notifier = osNotifier{}
	return c
}

// SetNotifier replaces the signal notifier. Must be called before
// WaitForShutdownSignal.
func (c *Coordinator) SetNotifier(n Notifier) {
	c.notifier = n
}

// WaitForShutdownSignal blocks until one of signals is received, or ctx is
// closed. The signals from the config are used when none is provided. Once
// a signal is received the listeners are removed and the signals are ignored
// from then on. All following calls return the same request immediately.
func (c *Coordinator) WaitForShutdownSignal(ctx context.Context, signals ...os.Signal) (Request, error) {
	c.waitLock.Lock()
	defer c.waitLock.Unlock()

	if c.req != nil {
		return *c.req, nil
	}

	if len(signals) == 0 {
		var err error
		if signals, err = c.cfg.signals(); err != nil {
			return Request{}, err
		}
	}

	ch := make(chan os.Signal, len(signals))
	c.notifier.Notify(ch, signals...)
	c.logger.Info("Waiting for shutdown signal ", signals, "...")

	var sig os.Signal
	select {
	case sig = <-ch:
	case <-ctx.Done():
		c.notifier.Stop(ch)
		c.logger.Warn("Stop waiting for the shutdown signal, err=", ctx.Err())
		return Request{}, ctx.Err()
	}
	c.notifier.Stop(ch)
	c.notifier.Ignore(signals...)

	c.req = &Request{Signal: sig, Time: c.clock.Now()}
	c.logger.Info("Received signal ", c.req)
	c.logger.Debug("Stack: ", string(debug.Stack()))
	return *c.req, nil
}

// Teardown closes the closers in the order provided, and then waits the
// grace period, so the operations still in progress could complete. It does
// not abort anything. Only the first call has effect, it returns the number
// of operations abandoned.
func (c *Coordinator) Teardown(tracker Tracker, closers ...io.Closer) int {
	abandoned := 0
	c.tdOnce.Do(func() {
		c.logger.Info("Tearing down, outstanding operations=", outstanding(tracker))
		for _, cl := range closers {
			if err := cl.Close(); err != nil {
				c.logger.Warn("Error while closing ", cl, ", err=", err)
			}
		}
		c.logger.Info("Closed. Delaying exit for ", c.cfg.gracePeriod(), " to allow pending operations to complete...")
		utils.Sleep(context.Background(), c.clock, c.cfg.gracePeriod())

		abandoned = outstanding(tracker)
		if abandoned > 0 {
			c.logger.Warn("Grace period is over, ", abandoned, " operations are abandoned")
		} else {
			c.logger.Info("Grace period is over, nothing is pending")
		}
	})
	return abandoned
}

func outstanding(t Tracker) int {
	if t == nil {
		return 0
	}
	return t.Outstanding()
}

func (r Request) String() string {
	return fmt.Sprintf("{signal=%s, at=%s}", r.Signal, r.Time.Format(time.RFC3339Nano))
}

func (osNotifier) Notify(c chan<- os.Signal, sig ...os.Signal) {
	signal.Notify(c, sig...)
}

func (osNotifier) Stop(c chan<- os.Signal) {
	signal.Stop(c)
}

func (osNotifier) Ignore(sig ...os.Signal) {
	signal.Ignore(sig...)
}
