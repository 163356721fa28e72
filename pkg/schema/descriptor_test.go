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

package schema

import (
	"testing"
	"time"

	"cloud.google.com/go/bigquery/storage/apiv1/storagepb"
	"github.com/logrange/streamprobe/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/dynamicpb"
)

func testSchema() *storagepb.TableSchema {
	return &storagepb.TableSchema{
		Fields: []*storagepb.TableFieldSchema{
			{Name: "event_id", Type: storagepb.TableFieldSchema_STRING, Mode: storagepb.TableFieldSchema_REQUIRED},
			{Name: "event_timestamp", Type: storagepb.TableFieldSchema_TIMESTAMP, Mode: storagepb.TableFieldSchema_NULLABLE},
			{Name: "payload", Type: storagepb.TableFieldSchema_STRING, Mode: storagepb.TableFieldSchema_NULLABLE},
			{Name: "tags", Type: storagepb.TableFieldSchema_STRING, Mode: storagepb.TableFieldSchema_REPEATED},
			{Name: "attrs", Type: storagepb.TableFieldSchema_STRUCT, Mode: storagepb.TableFieldSchema_NULLABLE,
				Fields: []*storagepb.TableFieldSchema{
					{Name: "name", Type: storagepb.TableFieldSchema_STRING, Mode: storagepb.TableFieldSchema_NULLABLE},
					{Name: "seen", Type: storagepb.TableFieldSchema_TIMESTAMP, Mode: storagepb.TableFieldSchema_NULLABLE},
				}},
		},
	}
}

func decode(t *testing.T, d *Descriptor, b []byte) *dynamicpb.Message {
	msg := dynamicpb.NewMessage(d.Message())
	require.NoError(t, proto.Unmarshal(b, msg))
	return msg
}

func field(md protoreflect.MessageDescriptor, name string) protoreflect.FieldDescriptor {
	return md.Fields().ByName(protoreflect.Name(name))
}

func TestConvert(t *testing.T) {
	d, err := Convert(testSchema())
	require.NoError(t, err)
	assert.Equal(t, []string{"event_id", "event_timestamp", "payload", "tags", "attrs"}, d.Columns())
	assert.NotNil(t, d.Proto())
	assert.Contains(t, d.String(), "event_id")
	assert.True(t, proto.Equal(testSchema(), d.Schema()))
}

func TestConvertNoSchema(t *testing.T) {
	_, err := Convert(nil)
	assert.True(t, api.IsKind(err, api.KindSchema))

	_, err = Convert(&storagepb.TableSchema{})
	assert.True(t, api.IsKind(err, api.KindSchema))
}

func TestEncode(t *testing.T) {
	d, err := Convert(testSchema())
	require.NoError(t, err)

	ts := time.Date(2024, 3, 1, 10, 0, 0, 123000, time.UTC)
	rows, n, err := d.Encode(api.RowBatch{
		{
			"event_id":        "id1",
			"event_timestamp": ts,
			"payload":         `{"foo":"bar"}`,
			"tags":            []interface{}{"a", "b"},
			"attrs":           map[string]interface{}{"name": "n1", "seen": ts},
		},
		{"event_id": "id2"},
	})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, len(rows[0])+len(rows[1]), n)

	md := d.Message()
	m := decode(t, d, rows[0])
	assert.Equal(t, "id1", m.Get(field(md, "event_id")).String())
	assert.Equal(t, ts.UnixMicro(), m.Get(field(md, "event_timestamp")).Int())
	assert.Equal(t, `{"foo":"bar"}`, m.Get(field(md, "payload")).String())
	tags := m.Get(field(md, "tags")).List()
	assert.Equal(t, 2, tags.Len())
	assert.Equal(t, "b", tags.Get(1).String())
	attrs := m.Get(field(md, "attrs")).Message()
	amd := field(md, "attrs").Message()
	assert.Equal(t, "n1", attrs.Get(field(amd, "name")).String())
	assert.Equal(t, ts.UnixMicro(), attrs.Get(field(amd, "seen")).Int())

	m = decode(t, d, rows[1])
	assert.Equal(t, "id2", m.Get(field(md, "event_id")).String())
	assert.False(t, m.Has(field(md, "payload")))
}

func TestEncodeMismatch(t *testing.T) {
	d, err := Convert(testSchema())
	require.NoError(t, err)

	_, _, err = d.Encode(api.RowBatch{{"event_id": "id1", "unknown": 1}})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown")

	_, _, err = d.Encode(api.RowBatch{{"payload": "no id"}})
	assert.Error(t, err)

	_, _, err = d.Encode(api.RowBatch{{"event_id": "id", "payload": 123}})
	assert.Error(t, err)

	_, _, err = d.Encode(api.RowBatch{{"event_id": "id", "attrs": "not a record"}})
	assert.Error(t, err)
}

func TestConvertUnspecifiedMode(t *testing.T) {
	ts := &storagepb.TableSchema{Fields: []*storagepb.TableFieldSchema{
		{Name: "event_id", Type: storagepb.TableFieldSchema_STRING, Mode: storagepb.TableFieldSchema_REQUIRED},
		{Name: "event_timestamp", Type: storagepb.TableFieldSchema_TIMESTAMP},
		{Name: "attrs", Type: storagepb.TableFieldSchema_STRUCT,
			Fields: []*storagepb.TableFieldSchema{
				{Name: "name", Type: storagepb.TableFieldSchema_STRING},
			}},
	}}

	d, err := Convert(ts)
	require.NoError(t, err)
	md := d.Message()
	assert.Equal(t, protoreflect.Optional, field(md, "event_timestamp").Cardinality())
	assert.Equal(t, protoreflect.Required, field(md, "event_id").Cardinality())
	assert.Equal(t, protoreflect.Optional, field(field(md, "attrs").Message(), "name").Cardinality())
	assert.Equal(t, storagepb.TableFieldSchema_NULLABLE, d.Schema().GetFields()[1].GetMode())

	// the schema passed in is left as is
	assert.Equal(t, storagepb.TableFieldSchema_MODE_UNSPECIFIED, ts.GetFields()[1].GetMode())

	rows, _, err := d.Encode(api.RowBatch{{"event_id": "id1", "event_timestamp": time.Unix(10, 0)}})
	require.NoError(t, err)
	assert.Equal(t, int64(10000000), decode(t, d, rows[0]).Get(field(md, "event_timestamp")).Int())
}

func TestEncodeTimeList(t *testing.T) {
	ts := &storagepb.TableSchema{Fields: []*storagepb.TableFieldSchema{
		{Name: "seen", Type: storagepb.TableFieldSchema_TIMESTAMP, Mode: storagepb.TableFieldSchema_REPEATED},
		{Name: "flags", Type: storagepb.TableFieldSchema_BOOL, Mode: storagepb.TableFieldSchema_REPEATED},
	}}
	d, err := Convert(ts)
	require.NoError(t, err)

	now := time.Unix(20, 0)
	rows, _, err := d.Encode(api.RowBatch{{"seen": []time.Time{now, now}}})
	require.NoError(t, err)
	seen := decode(t, d, rows[0]).Get(field(d.Message(), "seen")).List()
	assert.Equal(t, 2, seen.Len())
	assert.Equal(t, now.UnixMicro(), seen.Get(0).Int())

	_, _, err = d.Encode(api.RowBatch{{"flags": []time.Time{now}}})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "flags")
}
