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
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jrivets/log4g"
	"github.com/logrange/streamprobe/api"
	"github.com/logrange/streamprobe/pkg/schema"
	"github.com/logrange/streamprobe/pkg/transport"
	"github.com/pkg/errors"
)

type (
	// Appender sends serialized rows. transport.Connection is the Appender
	// the writer works with.
	Appender interface {
		StreamID() string
		Append(ctx context.Context, req *transport.AppendRequest) (*transport.AppendResult, error)
	}

	// DescriptorSource returns the row descriptor in force
	DescriptorSource interface {
		Descriptor() *schema.Descriptor
	}

	// Writer implements api.Writer. It reads the current descriptor for every
	// batch, but never changes the descriptor or the connection.
	Writer struct {
		app    Appender
		descs  DescriptorSource
		logger log4g.Logger
	}
)

// ErrEmptyBatch is the cause of the write error returned for an empty batch
var ErrEmptyBatch = errors.New("the batch must contain at least one row")

var _ api.Writer = (*Writer)(nil)

// New returns the Writer which appends rows via app, encoding them with the
// descriptor descs provides
func New(app Appender, descs DescriptorSource, logger log4g.Logger) *Writer {
	return &Writer{app: app, descs: descs, logger: logger}
}

// AppendRows is part of api.Writer. All failures are KindWrite errors, the
// outcome is filled in either case.
func (w *Writer) AppendRows(ctx context.Context, batch api.RowBatch) (api.WriteOutcome, error) {
	start := time.Now()
	wo := api.WriteOutcome{Offset: -1, Rows: batch.Len()}
	if batch.Len() == 0 {
		return w.failed(wo, start, api.NewWriteError(ErrEmptyBatch, "invalid batch"))
	}

	desc := w.descs.Descriptor()
	if desc == nil {
		return w.failed(wo, start, api.NewWriteError(nil, "no row descriptor, the connection is not established"))
	}

	rows, n, err := desc.Encode(batch)
	if err != nil {
		return w.failed(wo, start, api.NewWriteError(err, "could not serialize rows"))
	}
	wo.Bytes = n

	w.logger.Debug("Appending ", len(rows), " rows (", humanize.Bytes(uint64(n)), ") to ", w.app.StreamID())
	res, err := w.app.Append(ctx, &transport.AppendRequest{Rows: rows, Descriptor: desc.Proto(), Offset: -1})
	if err != nil {
		if errors.Cause(err) == transport.ErrClosed {
			return w.failed(wo, start, api.NewWriteError(err, "the connection is closed"))
		}
		return w.failed(wo, start, api.NewWriteError(err, "append rejected"))
	}

	wo.Success = true
	wo.Offset = res.Offset
	wo.Latency = time.Since(start)
	w.logger.Debug("Append done ", wo)
	return wo, nil
}

func (w *Writer) failed(wo api.WriteOutcome, start time.Time, err error) (api.WriteOutcome, error) {
	wo.Latency = time.Since(start)
	wo.Err = err
	w.logger.Debug("Append failed ", wo)
	return wo, err
}
