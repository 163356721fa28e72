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

// Package api contains the data-types exchanged between the streamprobe
// components and the code which drives them: rows and batches of rows which are
// appended to a write stream, the outcome of an append, and the error taxonomy
// used across the module.
//
// The types are transport agnostic. Rows are encoded for the wire by the
// row descriptor which is in force when the batch is appended.
package api

type (
	// Row is one record of a destination table. Keys are column names, values
	// are plain Go values (strings, numbers, bools, time.Time, slices and nested
	// maps for RECORD columns).
	Row map[string]interface{}

	// RowBatch is an ordered sequence of rows appended in one request.
	RowBatch []Row
)

// Len returns number of rows in the batch
func (rb RowBatch) Len() int {
	return len(rb)
}
