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

import "fmt"

// State is the manager's view of its connection
type State int

const (
	// StateConnecting - the connection is not established yet
	StateConnecting State = iota

	// StateOpen - the connection is established and no error was reported
	StateOpen

	// StateErrored - the connection reported an error, the recovery probes
	// are not issued yet
	StateErrored

	// StateRecovering - the recovery probes for the last error are issued
	StateRecovering

	// StateClosed - the manager is closed, this state is terminal
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateOpen:
		return "OPEN"
	case StateErrored:
		return "ERRORED"
	case StateRecovering:
		return "RECOVERING"
	case StateClosed:
		return "CLOSED"
	}
	return fmt.Sprintf("State(%d)", int(s))
}
