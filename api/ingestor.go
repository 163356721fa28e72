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

package api

import (
	"context"
	"fmt"
	"time"
)

type (
	// WriteOutcome struct contains result of Writer.AppendRows execution. It is
	// always populated, regardless whether the append succeeded or not.
	WriteOutcome struct {
		// Success is true if the server acknowledged the batch
		Success bool

		// Offset contains the offset assigned by the server to the first row of
		// the batch. Default streams do not report offsets, this case it is -1.
		Offset int64

		// Rows contains number of rows in the batch
		Rows int

		// Bytes contains the size of the serialized rows
		Bytes int

		// Latency is the time passed from submitting the batch till the
		// response (or failure)
		Latency time.Duration

		// Err contains the operation error. If the Err is nil, the batch was
		// written.
		Err error `json:"-"`
	}

	// Writer provides AppendRows method for sending rows into a write stream.
	Writer interface {
		// AppendRows serializes the batch with the row descriptor in force and
		// sends it over the current connection. It blocks until the server
		// acknowledges the batch, or the append fails. The returned error is the
		// same as WriteOutcome.Err.
		AppendRows(ctx context.Context, batch RowBatch) (WriteOutcome, error)
	}
)

func (wo WriteOutcome) String() string {
	return fmt.Sprintf("{Success: %t, Offset: %d, Rows: %d, Bytes: %d, Latency: %s, Err: %v}",
		wo.Success, wo.Offset, wo.Rows, wo.Bytes, wo.Latency, wo.Err)
}
