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
	"sync"
	"sync/atomic"
	"time"

	storage "cloud.google.com/go/bigquery/storage/apiv1"
	"cloud.google.com/go/bigquery/storage/apiv1/storagepb"
	"cloud.google.com/go/bigquery/storage/managedwriter"
	"github.com/benbjohnson/clock"
	"github.com/jrivets/log4g"
	"github.com/logrange/streamprobe/api"
	"google.golang.org/api/option"
)

type (
	// Client is the write client, it holds the gRPC channel and opens append
	// connections over it
	Client struct {
		cfg     Config
		wc      *storage.BigQueryWriteClient
		clock   clock.Clock
		logger  log4g.Logger
		retries int32

		lock   sync.Mutex
		conns  map[*Conn]struct{}
		closed bool
	}

	// WriteStream describes a write stream as the server reports it
	WriteStream struct {
		Name        string
		Table       string
		Type        string
		CreateTime  time.Time
		TableSchema *storagepb.TableSchema
	}
)

// NewClient creates the write client using the config and the connection
// options provided. opts are applied after the ones built from cfg.
func NewClient(ctx context.Context, cfg *Config, opts ...option.ClientOption) (*Client, error) {
	if err := cfg.Check(); err != nil {
		return nil, api.NewConfigError("invalid transport config; %v", err)
	}

	c := new(Client)
	c.cfg = *cfg
	c.clock = clock.New()
	c.logger = log4g.GetLogger("transport.client")
	c.conns = make(map[*Conn]struct{})
	c.EnableWriteRetries(cfg.EnableWriteRetries)

	wc, err := storage.NewBigQueryWriteClient(ctx, append(cfg.clientOptions(), opts...)...)
	if err != nil {
		return nil, api.NewConnectionError(err, "could not create the write client")
	}
	c.wc = wc
	c.logger.Info("New write client, config=", cfg)
	return c, nil
}

// EnableWriteRetries turns the in-flight requests resending on or off. It
// affects the connections which are already open.
func (c *Client) EnableWriteRetries(enable bool) {
	v := int32(0)
	if enable {
		v = 1
	}
	atomic.StoreInt32(&c.retries, v)
}

// WriteRetriesEnabled returns whether in-flight requests are re-sent
func (c *Client) WriteRetriesEnabled() bool {
	return atomic.LoadInt32(&c.retries) == 1
}

// GetWriteStream requests the write stream information including its table
// schema
func (c *Client) GetWriteStream(ctx context.Context, streamID string) (*WriteStream, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}

	ws, err := c.wc.GetWriteStream(ctx, &storagepb.GetWriteStreamRequest{Name: streamID, View: storagepb.WriteStreamView_FULL})
	if err != nil {
		return nil, api.NewConnectionError(err, fmt.Sprintf("could not get the write stream %s", streamID))
	}

	res := &WriteStream{
		Name:        ws.GetName(),
		Table:       managedwriter.TableParentFromStreamName(ws.GetName()),
		Type:        ws.GetType().String(),
		TableSchema: ws.GetTableSchema(),
	}
	if ws.GetCreateTime() != nil {
		res.CreateTime = ws.GetCreateTime().AsTime()
	}
	return res, nil
}

// OpenConnection opens new append connection to the stream. The connection
// lifetime is not bound to ctx.
func (c *Client) OpenConnection(ctx context.Context, streamID string) (Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.lock.Lock()
	if c.closed {
		c.lock.Unlock()
		return nil, ErrClosed
	}
	conn := newConn(streamID, &c.cfg, c.appendRows, c.WriteRetriesEnabled, c.clock)
	conn.onClose = c.forget
	c.conns[conn] = struct{}{}
	c.lock.Unlock()

	if err := conn.start(); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// Close closes all the open connections and the client. It is safe to call
// it several times.
func (c *Client) Close() error {
	c.lock.Lock()
	if c.closed {
		c.lock.Unlock()
		return nil
	}
	c.logger.Info("Closing the client")
	c.closed = true
	conns := make([]*Conn, 0, len(c.conns))
	for conn := range c.conns {
		conns = append(conns, conn)
	}
	c.lock.Unlock()

	for _, conn := range conns {
		conn.Close()
	}
	return c.wc.Close()
}

func (c *Client) appendRows(ctx context.Context) (storagepb.BigQueryWrite_AppendRowsClient, error) {
	return c.wc.AppendRows(ctx)
}

func (c *Client) forget(conn *Conn) {
	c.lock.Lock()
	delete(c.conns, conn)
	c.lock.Unlock()
}

func (c *Client) checkOpen() error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.closed {
		return ErrClosed
	}
	return nil
}
