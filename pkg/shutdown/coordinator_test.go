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
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/jrivets/log4g"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type (
	testNotifier struct {
		lock    sync.Mutex
		chans   []chan<- os.Signal
		sigs    []os.Signal
		stopped int
		ignored []os.Signal
	}

	testTracker struct {
		clk   clock.Clock
		lock  sync.Mutex
		calls []time.Time
		n     int
	}

	testCloser struct {
		name   string
		closed *[]string
		err    error
	}
)

func (tn *testNotifier) Notify(c chan<- os.Signal, sig ...os.Signal) {
	tn.lock.Lock()
	tn.chans = append(tn.chans, c)
	tn.sigs = append(tn.sigs, sig...)
	tn.lock.Unlock()
}

func (tn *testNotifier) Stop(c chan<- os.Signal) {
	tn.lock.Lock()
	tn.stopped++
	for i, ch := range tn.chans {
		if ch == c {
			tn.chans = append(tn.chans[:i], tn.chans[i+1:]...)
			break
		}
	}
	tn.lock.Unlock()
}

func (tn *testNotifier) Ignore(sig ...os.Signal) {
	tn.lock.Lock()
	tn.ignored = append(tn.ignored, sig...)
	tn.lock.Unlock()
}

func (tn *testNotifier) listeners() int {
	tn.lock.Lock()
	defer tn.lock.Unlock()
	return len(tn.chans)
}

func (tn *testNotifier) fire(s os.Signal) {
	tn.lock.Lock()
	defer tn.lock.Unlock()
	for _, ch := range tn.chans {
		select {
		case ch <- s:
		default:
		}
	}
}

func (tt *testTracker) Outstanding() int {
	tt.lock.Lock()
	defer tt.lock.Unlock()
	tt.calls = append(tt.calls, tt.clk.Now())
	return tt.n
}

func (tc testCloser) Close() error {
	*tc.closed = append(*tc.closed, tc.name)
	return tc.err
}

func newTestCoordinator(clk clock.Clock) (*Coordinator, *testNotifier) {
	c := NewCoordinator(NewDefaultConfig(), log4g.GetLogger("shutdown"), clk)
	tn := &testNotifier{}
	c.SetNotifier(tn)
	return c, tn
}

func TestWaitForShutdownSignal(t *testing.T) {
	c, tn := newTestCoordinator(clock.NewMock())

	res := make(chan Request, 1)
	go func() {
		req, err := c.WaitForShutdownSignal(context.Background())
		assert.NoError(t, err)
		res <- req
	}()

	require.Eventually(t, func() bool { return tn.listeners() == 1 }, 5*time.Second, time.Millisecond)
	assert.Equal(t, []os.Signal{syscall.SIGINT, syscall.SIGTERM}, tn.sigs)

	tn.fire(syscall.SIGTERM)
	var req Request
	select {
	case req = <-res:
	case <-time.After(5 * time.Second):
		t.Fatal("the signal must be delivered")
	}
	assert.Equal(t, syscall.SIGTERM, req.Signal)
	assert.Equal(t, 0, tn.listeners())
	assert.Equal(t, 1, tn.stopped)
	assert.Equal(t, []os.Signal{syscall.SIGINT, syscall.SIGTERM}, tn.ignored)

	// the request is processed once
	req2, err := c.WaitForShutdownSignal(context.Background(), syscall.SIGHUP)
	assert.NoError(t, err)
	assert.Equal(t, req, req2)
	assert.Equal(t, 1, tn.stopped)
	assert.Len(t, tn.sigs, 2)
}

func TestWaitForShutdownSignalCancelled(t *testing.T) {
	c, tn := newTestCoordinator(clock.NewMock())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.WaitForShutdownSignal(ctx, syscall.SIGINT)
	assert.Equal(t, context.Canceled, err)
	assert.Equal(t, 0, tn.listeners())
	assert.Len(t, tn.ignored, 0)
}

func TestTeardown(t *testing.T) {
	clk := clock.NewMock()
	c, _ := newTestCoordinator(clk)
	tt := &testTracker{clk: clk, n: 1}

	var closed []string
	done := make(chan int, 1)
	start := clk.Now()
	go func() {
		done <- c.Teardown(tt, testCloser{"manager", &closed, nil}, testCloser{"client", &closed, errors.New("already closed")})
	}()

	var abandoned int
	require.Eventually(t, func() bool {
		select {
		case abandoned = <-done:
			return true
		default:
			clk.Add(100 * time.Millisecond)
			return false
		}
	}, 10*time.Second, time.Millisecond)

	assert.Equal(t, 1, abandoned)
	assert.Equal(t, []string{"manager", "client"}, closed)
	require.Len(t, tt.calls, 2)
	assert.True(t, tt.calls[1].Sub(start) >= 5*time.Second)

	// only the first teardown counts
	assert.Equal(t, 0, c.Teardown(tt, testCloser{"other", &closed, nil}))
	assert.Len(t, closed, 2)
}

func TestConfig(t *testing.T) {
	cfg := NewDefaultConfig()
	assert.NoError(t, cfg.Check())
	assert.Equal(t, 5*time.Second, cfg.gracePeriod())

	cfg.Apply(&Config{Signals: []string{"SIGHUP"}})
	sigs, err := cfg.signals()
	assert.NoError(t, err)
	assert.Equal(t, []os.Signal{syscall.SIGHUP}, sigs)

	cfg.Signals = []string{"SIGKILL"}
	assert.Error(t, cfg.Check())

	cfg = NewDefaultConfig()
	cfg.GracePeriodMs = -1
	assert.Error(t, cfg.Check())
}
