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
	"context"
	"fmt"
	"io"
	"net/url"
	"sync"
	"time"

	"cloud.google.com/go/bigquery/storage/apiv1/storagepb"
	"cloud.google.com/go/bigquery/storage/managedwriter"
	"github.com/benbjohnson/clock"
	"github.com/dustin/go-humanize"
	"github.com/googleapis/gax-go/v2"
	"github.com/jrivets/log4g"
	"github.com/logrange/streamprobe/api"
	"github.com/logrange/streamprobe/pkg/utils"
	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

type (
	// Connection is an open append stream to one write stream. Append
	// results are delivered to the caller, asynchronous failures and other
	// lifecycle changes are reported via the Events channel.
	Connection interface {
		io.Closer

		// StreamID returns the write stream name the connection appends to
		StreamID() string

		// Append sends the serialized rows and waits for the server response
		Append(ctx context.Context, req *AppendRequest) (*AppendResult, error)

		// Events returns the channel of lifecycle events. The channel is
		// closed after EventClose is delivered.
		Events() <-chan Event
	}

	// AppendRequest contains rows encoded with Descriptor
	AppendRequest struct {
		Rows       [][]byte
		Descriptor *descriptorpb.DescriptorProto

		// Offset is the expected stream offset of the first row, negative
		// value means no offset check
		Offset int64
	}

	// AppendResult is the server response for an accepted append
	AppendResult struct {
		// Offset is where the rows were placed, or managedwriter.NoStreamOffset
		// for the default stream
		Offset int64

		// Attempts is the number of times the request was re-sent
		Attempts int
	}

	// Conn implements Connection over the AppendRows bidi stream. Only one
	// stream (generation) is active at a time. The stream is opened again
	// when it fails, either immediately when there are requests to retry,
	// or by the next Append.
	//
	// A re-opened generation is not confirmed until the server accepts an
	// append on it. If it fails before that, the failure goes to the appends
	// waiting on it and no EventError is reported, so writes issued in
	// reaction to an error event cannot produce new error events.
	Conn struct {
		streamID string
		cfg      Config
		open     openFunc
		retries  func() bool
		clock    clock.Clock
		logger   log4g.Logger
		inflight *semaphore.Weighted

		ctx       context.Context
		ctxCancel context.CancelFunc

		// sendLock serializes sending and re-opening the stream
		sendLock sync.Mutex

		lock     sync.Mutex
		state    int
		strm     storagepb.BigQueryWrite_AppendRowsClient
		gen      int
		queue    []*pending
		sentDesc *descriptorpb.DescriptorProto
		paused   bool

		// confirmed is false for a re-opened generation until an append on
		// it succeeds
		confirmed bool

		evLock   sync.Mutex
		evCond   *sync.Cond
		evQueue  []Event
		evClosed bool
		events   chan Event

		onClose func(c *Conn)
	}

	openFunc func(ctx context.Context) (storagepb.BigQueryWrite_AppendRowsClient, error)

	pending struct {
		req      *AppendRequest
		attempts int
		once     sync.Once
		done     chan struct{}
		res      *AppendResult
		err      error
	}
)

const (
	csReady = iota
	csClosed
)

// ErrClosed is returned when an operation is invoked on a closed connection
// or client
var ErrClosed = errors.New("connection is closed")

func newConn(streamID string, cfg *Config, open openFunc, retries func() bool, clk clock.Clock) *Conn {
	c := new(Conn)
	c.streamID = streamID
	c.cfg = *cfg
	c.open = open
	c.retries = retries
	c.clock = clk
	c.logger = log4g.GetLogger("transport.conn").WithId("{" + shortName(streamID) + "}").(log4g.Logger)
	c.inflight = semaphore.NewWeighted(int64(cfg.MaxInflightRequests))
	c.ctx, c.ctxCancel = context.WithCancel(context.Background())
	c.evCond = sync.NewCond(&c.evLock)
	c.events = make(chan Event, 16)
	go c.dispatch()
	return c
}

// StreamID is part of Connection
func (c *Conn) StreamID() string {
	return c.streamID
}

// Events is part of Connection
func (c *Conn) Events() <-chan Event {
	return c.events
}

// Append is part of Connection. The writer schema is sent with the first
// request of every stream generation and whenever the descriptor changes.
func (c *Conn) Append(ctx context.Context, req *AppendRequest) (*AppendResult, error) {
	if req == nil || len(req.Rows) == 0 {
		return nil, errors.New("append request must contain at least one row")
	}
	if req.Descriptor == nil {
		return nil, errors.New("append request must have descriptor")
	}

	if err := c.acquire(ctx); err != nil {
		return nil, err
	}
	defer c.release()

	p := &pending{req: req, done: make(chan struct{})}
	if err := c.send(p); err != nil {
		return nil, err
	}

	select {
	case <-p.done:
		return p.res, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close is part of Connection. Requests waiting for responses fail with
// ErrClosed, EventClose is the last event reported.
func (c *Conn) Close() error {
	c.lock.Lock()
	if c.state == csClosed {
		c.lock.Unlock()
		return nil
	}
	c.logger.Info("Closing the connection")
	c.state = csClosed
	strm := c.strm
	c.strm = nil
	q := c.queue
	c.queue = nil
	gen := c.gen
	c.lock.Unlock()

	var err error
	if strm != nil {
		err = strm.CloseSend()
	}
	c.ctxCancel()
	for _, p := range q {
		p.finish(nil, ErrClosed)
	}

	c.emit(Event{Kind: EventClose, Generation: gen})
	c.closeEvents()

	if c.onClose != nil {
		c.onClose(c)
	}
	return err
}

func (c *Conn) isClosed() bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.state == csClosed
}

// ------------------------- the conn internals ------------------------------
func (c *Conn) acquire(ctx context.Context) error {
	if c.inflight.TryAcquire(1) {
		return nil
	}

	c.lock.Lock()
	if !c.paused && c.state != csClosed {
		c.paused = true
		c.logger.Debug("In-flight window is full, pausing")
		c.emit(Event{Kind: EventPause, Generation: c.gen})
	}
	c.lock.Unlock()
	return c.inflight.Acquire(ctx, 1)
}

func (c *Conn) release() {
	c.inflight.Release(1)

	c.lock.Lock()
	if c.paused {
		c.paused = false
		c.logger.Debug("In-flight window has room, resuming")
		if c.state != csClosed {
			c.emit(Event{Kind: EventResume, Generation: c.gen})
		}
	}
	c.lock.Unlock()
}

// start opens the very first stream, no events are reported for it
func (c *Conn) start() error {
	c.sendLock.Lock()
	defer c.sendLock.Unlock()
	return c.openStream(false)
}

// openStream must be called with sendLock held
func (c *Conn) openStream(reconnect bool) error {
	ctx := metadata.AppendToOutgoingContext(c.ctx, "x-goog-request-params", "write_stream="+url.QueryEscape(c.streamID))
	strm, err := c.open(ctx)
	if err != nil {
		if c.ctx.Err() != nil {
			return ErrClosed
		}
		return api.NewConnectionError(err, fmt.Sprintf("could not open append stream for %s", c.streamID))
	}

	c.lock.Lock()
	if c.state == csClosed {
		c.lock.Unlock()
		_ = strm.CloseSend()
		return ErrClosed
	}
	c.gen++
	gen := c.gen
	c.strm = strm
	c.sentDesc = nil
	c.confirmed = !reconnect
	c.lock.Unlock()

	c.logger.Info("Append stream is open, generation=", gen)
	go c.recvLoop(strm, gen)
	if reconnect {
		c.emit(Event{Kind: EventReconnect, Generation: gen})
	}
	return nil
}

func (c *Conn) send(p *pending) error {
	c.sendLock.Lock()
	defer c.sendLock.Unlock()

	c.lock.Lock()
	broken := c.strm == nil && c.state != csClosed
	c.lock.Unlock()

	if broken {
		c.logger.Info("The stream is not open, reconnecting")
		if err := c.openStream(true); err != nil {
			return err
		}
	}
	return c.sendLocked(p)
}

// sendLocked must be called with sendLock held. Send errors are not reported
// here, the receiving side gets the stream status and handles it.
func (c *Conn) sendLocked(p *pending) error {
	c.lock.Lock()
	if c.state == csClosed {
		c.lock.Unlock()
		return ErrClosed
	}
	if c.strm == nil {
		c.lock.Unlock()
		return api.NewConnectionError(nil, "append stream is not open")
	}

	r := &storagepb.AppendRowsRequest{
		TraceId: c.cfg.TraceId,
		Rows: &storagepb.AppendRowsRequest_ProtoRows{
			ProtoRows: &storagepb.AppendRowsRequest_ProtoData{
				Rows: &storagepb.ProtoRows{SerializedRows: p.req.Rows},
			},
		},
	}
	if c.sentDesc != p.req.Descriptor {
		r.WriteStream = c.streamID
		r.GetProtoRows().WriterSchema = &storagepb.ProtoSchema{ProtoDescriptor: p.req.Descriptor}
		c.sentDesc = p.req.Descriptor
	}
	if p.req.Offset >= 0 {
		r.Offset = wrapperspb.Int64(p.req.Offset)
	}
	c.queue = append(c.queue, p)
	strm := c.strm
	depth := len(c.queue)
	c.lock.Unlock()

	c.logger.Trace("Sending ", len(p.req.Rows), " rows (", humanize.Bytes(uint64(proto.Size(r))), "), pending=", depth)

	if err := strm.Send(r); err != nil {
		c.logger.Debug("sendLocked(): Send returned err=", err)
	}
	return nil
}

func (c *Conn) recvLoop(strm storagepb.BigQueryWrite_AppendRowsClient, gen int) {
	c.logger.Debug("recvLoop(): starting for generation ", gen)
	for {
		resp, err := strm.Recv()
		if err != nil {
			c.onStreamFailure(gen, err)
			return
		}
		c.onResponse(gen, resp)
	}
}

func (c *Conn) onResponse(gen int, resp *storagepb.AppendRowsResponse) {
	c.lock.Lock()
	if gen != c.gen || len(c.queue) == 0 {
		c.lock.Unlock()
		c.logger.Warn("Got response without a request, gen=", gen)
		return
	}
	p := c.queue[0]
	c.queue[0] = nil
	c.queue = c.queue[1:]
	c.lock.Unlock()

	if ts := resp.GetUpdatedSchema(); ts != nil {
		c.logger.Info("The server reported updated schema with ", len(ts.GetFields()), " fields")
		c.emit(Event{Kind: EventSchemaUpdated, Schema: ts, Generation: gen})
	}

	if st := resp.GetError(); st != nil {
		err := status.ErrorProto(st)
		for _, re := range resp.GetRowErrors() {
			err = errors.Wrapf(err, "row %d: %s", re.GetIndex(), re.GetMessage())
		}
		p.finish(nil, err)
		return
	}

	c.lock.Lock()
	if gen == c.gen && !c.confirmed {
		c.confirmed = true
		c.logger.Debug("Generation ", gen, " is confirmed")
	}
	c.lock.Unlock()

	offset := int64(managedwriter.NoStreamOffset)
	if ar := resp.GetAppendResult(); ar != nil && ar.GetOffset() != nil {
		offset = ar.GetOffset().GetValue()
	}
	p.finish(&AppendResult{Offset: offset, Attempts: p.attempts}, nil)
}

func (c *Conn) onStreamFailure(gen int, err error) {
	c.lock.Lock()
	if c.state == csClosed || gen != c.gen {
		c.lock.Unlock()
		c.logger.Debug("onStreamFailure(): ignoring err=", err, " for gen=", gen)
		return
	}
	c.strm = nil
	c.sentDesc = nil
	confirmed := c.confirmed
	q := c.queue
	c.queue = nil
	c.lock.Unlock()

	switch {
	case err == io.EOF:
		c.logger.Warn("The server closed the append stream, gen=", gen)
		c.emit(Event{Kind: EventEnd, Generation: gen})
	case !confirmed:
		c.logger.Warn("The re-opened append stream failed before any append was accepted, gen=", gen,
			", the error goes to ", len(q), " in-flight requests only, err=", err)
	default:
		c.logger.Error("The append stream failed, gen=", gen, ", err=", err)
		c.emit(Event{Kind: EventError, Err: api.NewConnectionError(err, "append stream failed"), Generation: gen})
	}

	if len(q) == 0 {
		return
	}

	if !c.retries() || !isRetryable(err) {
		c.logger.Debug("Failing ", len(q), " in-flight requests")
		for _, p := range q {
			p.finish(nil, err)
		}
		return
	}
	go c.retry(q, err)
}

// retry opens a new stream and re-sends the requests which were waiting for
// responses on the failed one, preserving their order
func (c *Conn) retry(q []*pending, cause error) {
	c.sendLock.Lock()
	defer c.sendLock.Unlock()

	resend := q[:0]
	for _, p := range q {
		p.attempts++
		if p.attempts > c.cfg.MaxRetries {
			p.finish(nil, cause)
			continue
		}
		resend = append(resend, p)
	}
	if len(resend) == 0 {
		c.logger.Warn("Out of retries for ", len(q), " in-flight requests, err=", cause)
		return
	}

	c.logger.Info("Retrying ", len(resend), " in-flight requests after err=", cause)
	bo := gax.Backoff{
		Initial:    time.Duration(c.cfg.ReconnectInitialMs) * time.Millisecond,
		Max:        time.Duration(c.cfg.ReconnectMaxMs) * time.Millisecond,
		Multiplier: 2,
	}

	err := cause
	c.lock.Lock()
	open := c.strm != nil
	c.lock.Unlock()
	for i := 0; !open && i <= c.cfg.MaxRetries; i++ {
		if !utils.Sleep(c.ctx, c.clock, bo.Pause()) {
			err = ErrClosed
			break
		}
		if err = c.openStream(true); err == nil {
			open = true
		} else if err == ErrClosed {
			break
		}
	}

	for _, p := range resend {
		if !open {
			p.finish(nil, err)
			continue
		}
		if err := c.sendLocked(p); err != nil {
			p.finish(nil, err)
		}
	}
}

func isRetryable(err error) bool {
	if err == io.EOF {
		return true
	}
	switch status.Code(err) {
	case codes.Unavailable, codes.Internal, codes.Aborted, codes.ResourceExhausted:
		return true
	}
	return false
}

func (c *Conn) emit(ev Event) {
	ev.StreamID = c.streamID
	ev.Time = c.clock.Now()
	c.evLock.Lock()
	if !c.evClosed {
		c.evQueue = append(c.evQueue, ev)
		c.evCond.Signal()
	}
	c.evLock.Unlock()
}

func (c *Conn) closeEvents() {
	c.evLock.Lock()
	c.evClosed = true
	c.evCond.Signal()
	c.evLock.Unlock()
}

// dispatch delivers queued events in order, so emitting never blocks on a
// slow reader. The channel is closed once all events up to close are out.
func (c *Conn) dispatch() {
	defer close(c.events)
	for {
		c.evLock.Lock()
		for len(c.evQueue) == 0 && !c.evClosed {
			c.evCond.Wait()
		}
		if len(c.evQueue) == 0 {
			c.evLock.Unlock()
			return
		}
		ev := c.evQueue[0]
		c.evQueue = c.evQueue[1:]
		c.evLock.Unlock()

		c.events <- ev
	}
}

func (p *pending) finish(res *AppendResult, err error) {
	p.once.Do(func() {
		p.res = res
		p.err = err
		close(p.done)
	})
}

func shortName(streamID string) string {
	for i := len(streamID) - 1; i >= 0; i-- {
		if streamID[i] == '/' {
			return streamID[i+1:]
		}
	}
	return streamID
}
