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
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/bigquery/storage/apiv1/storagepb"
	"github.com/benbjohnson/clock"
	"github.com/jrivets/log4g"
	"github.com/logrange/streamprobe/api"
	"github.com/logrange/streamprobe/pkg/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

// deniedWriteServer fails every append stream on its first request
type deniedWriteServer struct {
	storagepb.UnimplementedBigQueryWriteServer

	lock   sync.Mutex
	opened int
}

func (s *deniedWriteServer) AppendRows(srv storagepb.BigQueryWrite_AppendRowsServer) error {
	s.lock.Lock()
	s.opened++
	s.lock.Unlock()

	if _, err := srv.Recv(); err != nil {
		if err == io.EOF {
			return nil
		}
		return err
	}
	return status.Error(codes.PermissionDenied, "the caller does not have permission")
}

func (s *deniedWriteServer) streamsOpened() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.opened
}

func newBufconnClient(t *testing.T, srv storagepb.BigQueryWriteServer, retries bool) *transport.Client {
	lis := bufconn.Listen(1 << 20)
	gs := grpc.NewServer()
	storagepb.RegisterBigQueryWriteServer(gs, srv)
	go gs.Serve(lis)
	t.Cleanup(gs.Stop)

	cc, err := grpc.Dial("bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)

	cfg := transport.NewDefaultConfig()
	cfg.EnableWriteRetries = retries
	cfg.ReconnectInitialMs = 1
	cfg.ReconnectMaxMs = 10
	cl, err := transport.NewClient(context.Background(), cfg, option.WithGRPCConn(cc))
	require.NoError(t, err)
	t.Cleanup(func() { cl.Close() })
	return cl
}

func TestRecoveryWritesFailOverConnection(t *testing.T) {
	for _, retries := range []bool{false, true} {
		srv := &deniedWriteServer{}
		cl := newBufconnClient(t, srv, retries)
		clk := clock.NewMock()
		m := NewManager(NewDefaultConfig(), cl, nil, log4g.GetLogger("stream.manager"), clk)
		_, err := m.Connect(context.Background(), testStream, testDescriptor(t))
		require.NoError(t, err)

		var lock sync.Mutex
		calls := 0
		m.OnError(func(err error) {
			lock.Lock()
			calls++
			lock.Unlock()
		})
		handled := func() int {
			lock.Lock()
			defer lock.Unlock()
			return calls
		}

		// the first failure of the stream is the only error event
		_, err = m.Writer().AppendRows(context.Background(), api.RowBatch{{"event_id": "e1"}})
		assert.True(t, api.IsKind(err, api.KindWrite))
		require.Eventually(t, func() bool { return m.Stats().ProbesFailed == 1 }, 5*time.Second, time.Millisecond)

		time.Sleep(100 * time.Millisecond)
		st := m.Stats()
		assert.Equal(t, 1, handled())
		assert.Equal(t, 1, st.Errors)
		assert.Equal(t, 2, st.ProbesIssued)
		assert.Equal(t, 1, st.Outstanding())

		clk.Add(5 * time.Second)
		require.Eventually(t, func() bool { return m.Stats().ProbesFailed == 2 }, 5*time.Second, time.Millisecond)
		assert.True(t, m.waitProbes(5*time.Second))

		time.Sleep(100 * time.Millisecond)
		st = m.Stats()
		assert.Equal(t, 1, handled())
		assert.Equal(t, 1, st.Errors)
		assert.Equal(t, 2, st.ProbesIssued)
		assert.Equal(t, 0, st.Outstanding())
		assert.Equal(t, StateRecovering, m.State())
		assert.True(t, srv.streamsOpened() >= 3)

		assert.NoError(t, m.Close())
	}
}
