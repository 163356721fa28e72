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
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/logrange/streamprobe/api"
)

// ProbeKind tells when a recovery probe is written relative to the error
// event it belongs to
type ProbeKind int

const (
	// ProbeImmediate is written in the same turn the error event is handled
	ProbeImmediate ProbeKind = iota

	// ProbeDelayed is written ProbeDelayMs after the error event
	ProbeDelayed
)

var reservedPayloadKeys = map[string]struct{}{
	"foo": {}, "bar": {}, "baz": {}, "qux": {}, "now": {}, "type": {},
}

func (pk ProbeKind) String() string {
	if pk == ProbeImmediate {
		return "write_after_error"
	}
	return "write_delayed_after_error"
}

// probeRow builds the row a recovery probe writes
func (m *Manager) probeRow(kind ProbeKind, now time.Time) api.Row {
	payload := map[string]interface{}{
		"foo":  "bar",
		"bar":  true,
		"baz":  123,
		"qux":  []int{1, 2, 3},
		"now":  now.UnixNano() / int64(time.Millisecond),
		"type": kind.String(),
	}
	for k, v := range m.cfg.ProbePayload {
		payload[k] = v
	}
	buf, _ := json.Marshal(payload)

	return api.Row{
		"event_id":        uuid.New().String(),
		"event_timestamp": now,
		"payload":         string(buf),
	}
}

// runProbe writes one probe row. The outcome is only logged and counted,
// probe failures never reach the error handlers.
func (m *Manager) runProbe(kind ProbeKind, errNo int) {
	defer m.probes.Done()

	w := m.Writer()
	if w == nil {
		m.logger.Warn("Probe ", kind, " for error #", errNo, " skipped, no writer")
		m.probeDone(false)
		return
	}

	m.logger.Info("Probe ", kind, " for error #", errNo, ", writing to the stream...")
	wo, err := w.AppendRows(context.Background(), api.RowBatch{m.probeRow(kind, m.clock.Now())})
	m.probeDone(err == nil)
	if err != nil {
		m.logger.Warn("Probe ", kind, " for error #", errNo, " failed: ", wo, ", err=", err)
		return
	}
	m.logger.Info("Probe ", kind, " for error #", errNo, " appended rows successfully: ", wo)
}

func (m *Manager) probeDone(ok bool) {
	m.lock.Lock()
	if ok {
		m.stats.ProbesSucceeded++
	} else {
		m.stats.ProbesFailed++
	}
	m.lock.Unlock()
}
