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
	"fmt"
	"time"

	"cloud.google.com/go/bigquery/storage/apiv1/storagepb"
)

type (
	// EventKind enumerates the lifecycle events a connection reports
	EventKind int

	// Event is a lifecycle notification of a connection
	Event struct {
		Kind     EventKind
		StreamID string
		Time     time.Time

		// Err is set for EventError, it is a KindConnection error
		Err error

		// Schema is set for EventSchemaUpdated
		Schema *storagepb.TableSchema

		// Generation is the number of the append stream the event relates to.
		// It grows with every reconnect.
		Generation int
	}
)

const (
	// EventError - the append stream failed asynchronously
	EventError EventKind = iota + 1

	// EventReconnect - a new append stream was opened after a failure
	EventReconnect

	// EventPause - the in-flight window is full, appends wait
	EventPause

	// EventResume - the in-flight window has room again
	EventResume

	// EventSchemaUpdated - the server reported a new table schema
	EventSchemaUpdated

	// EventClose - the connection was closed, no more events follow
	EventClose

	// EventEnd - the server closed the append stream
	EventEnd
)

func (k EventKind) String() string {
	switch k {
	case EventError:
		return "error"
	case EventReconnect:
		return "reconnect"
	case EventPause:
		return "pause"
	case EventResume:
		return "resume"
	case EventSchemaUpdated:
		return "schemaUpdated"
	case EventClose:
		return "close"
	case EventEnd:
		return "end"
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

func (e Event) String() string {
	switch e.Kind {
	case EventError:
		return fmt.Sprintf("{%s gen=%d at %s: %v}", e.Kind, e.Generation, e.Time.Format(time.RFC3339Nano), e.Err)
	case EventSchemaUpdated:
		return fmt.Sprintf("{%s gen=%d at %s: %d fields}", e.Kind, e.Generation, e.Time.Format(time.RFC3339Nano), len(e.Schema.GetFields()))
	}
	return fmt.Sprintf("{%s gen=%d at %s}", e.Kind, e.Generation, e.Time.Format(time.RFC3339Nano))
}
