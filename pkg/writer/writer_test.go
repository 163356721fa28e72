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

package writer

import (
	"context"
	"testing"
	"time"

	"cloud.google.com/go/bigquery/storage/apiv1/storagepb"
	"github.com/jrivets/log4g"
	"github.com/logrange/streamprobe/api"
	"github.com/logrange/streamprobe/pkg/schema"
	"github.com/logrange/streamprobe/pkg/transport"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type (
	testAppender struct {
		reqs []*transport.AppendRequest
		res  *transport.AppendResult
		err  error
	}

	testDescs struct {
		d *schema.Descriptor
	}
)

func (ta *testAppender) StreamID() string {
	return "projects/p/datasets/d/tables/t/streams/_default"
}

func (ta *testAppender) Append(ctx context.Context, req *transport.AppendRequest) (*transport.AppendResult, error) {
	ta.reqs = append(ta.reqs, req)
	return ta.res, ta.err
}

func (td testDescs) Descriptor() *schema.Descriptor {
	return td.d
}

func testDescriptor(t *testing.T) *schema.Descriptor {
	d, err := schema.Convert(&storagepb.TableSchema{
		Fields: []*storagepb.TableFieldSchema{
			{Name: "event_id", Type: storagepb.TableFieldSchema_STRING, Mode: storagepb.TableFieldSchema_REQUIRED},
			{Name: "event_timestamp", Type: storagepb.TableFieldSchema_TIMESTAMP},
		},
	})
	require.NoError(t, err)
	return d
}

func testBatch() api.RowBatch {
	return api.RowBatch{
		{"event_id": "a", "event_timestamp": time.Now()},
		{"event_id": "b", "event_timestamp": time.Now()},
	}
}

func TestAppendRows(t *testing.T) {
	d := testDescriptor(t)
	ta := &testAppender{res: &transport.AppendResult{Offset: 42}}
	w := New(ta, testDescs{d}, log4g.GetLogger("writer"))

	wo, err := w.AppendRows(context.Background(), testBatch())
	require.NoError(t, err)
	assert.True(t, wo.Success)
	assert.Equal(t, int64(42), wo.Offset)
	assert.Equal(t, 2, wo.Rows)
	assert.True(t, wo.Bytes > 0)
	assert.Nil(t, wo.Err)

	require.Len(t, ta.reqs, 1)
	assert.Len(t, ta.reqs[0].Rows, 2)
	assert.Equal(t, int64(-1), ta.reqs[0].Offset)
	assert.True(t, ta.reqs[0].Descriptor == d.Proto())
}

func TestAppendRowsEmpty(t *testing.T) {
	ta := &testAppender{}
	w := New(ta, testDescs{testDescriptor(t)}, log4g.GetLogger("writer"))

	wo, err := w.AppendRows(context.Background(), nil)
	assert.True(t, api.IsKind(err, api.KindWrite))
	assert.Equal(t, ErrEmptyBatch, errors.Cause(err))
	assert.False(t, wo.Success)
	assert.Equal(t, err, wo.Err)
	assert.Len(t, ta.reqs, 0)
}

func TestAppendRowsNoDescriptor(t *testing.T) {
	w := New(&testAppender{}, testDescs{}, log4g.GetLogger("writer"))
	wo, err := w.AppendRows(context.Background(), testBatch())
	assert.True(t, api.IsKind(err, api.KindWrite))
	assert.False(t, wo.Success)
}

func TestAppendRowsMismatch(t *testing.T) {
	ta := &testAppender{}
	w := New(ta, testDescs{testDescriptor(t)}, log4g.GetLogger("writer"))

	wo, err := w.AppendRows(context.Background(), api.RowBatch{{"unknown": 1}})
	assert.True(t, api.IsKind(err, api.KindWrite))
	assert.Equal(t, 1, wo.Rows)
	assert.Len(t, ta.reqs, 0)
}

func TestAppendRowsClosed(t *testing.T) {
	ta := &testAppender{err: transport.ErrClosed}
	w := New(ta, testDescs{testDescriptor(t)}, log4g.GetLogger("writer"))

	wo, err := w.AppendRows(context.Background(), testBatch())
	assert.True(t, api.IsKind(err, api.KindWrite))
	assert.Equal(t, transport.ErrClosed, errors.Cause(err))
	assert.Contains(t, err.Error(), "closed")
	assert.Equal(t, int64(-1), wo.Offset)
}

func TestAppendRowsRejected(t *testing.T) {
	ta := &testAppender{err: status.Error(codes.InvalidArgument, "schema mismatch")}
	w := New(ta, testDescs{testDescriptor(t)}, log4g.GetLogger("writer"))

	wo, err := w.AppendRows(context.Background(), testBatch())
	assert.True(t, api.IsKind(err, api.KindWrite))
	assert.Equal(t, codes.InvalidArgument, status.Code(errors.Cause(err)))
	assert.False(t, wo.Success)
	assert.True(t, wo.Bytes > 0)
}
