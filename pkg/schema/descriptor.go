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

// Package schema turns a write stream table schema into the row descriptor
// used for encoding rows on the wire.
package schema

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/bigquery/storage/apiv1/storagepb"
	"cloud.google.com/go/bigquery/storage/managedwriter/adapt"
	"github.com/logrange/streamprobe/api"
	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/dynamicpb"
)

type (
	// Descriptor is the wire layout of rows for one table schema. It is
	// immutable, a new schema always produces a new Descriptor.
	Descriptor struct {
		schema *storagepb.TableSchema
		msg    protoreflect.MessageDescriptor
		dp     *descriptorpb.DescriptorProto
	}
)

// RootScope is the name of the top-level message of the descriptors built
const RootScope = "root"

// Convert builds the Descriptor for the table schema ts. It fails with a
// KindSchema error if ts is nil or contains types which could not be
// represented.
func Convert(ts *storagepb.TableSchema) (*Descriptor, error) {
	if ts == nil || len(ts.GetFields()) == 0 {
		return nil, api.NewSchemaError(nil, "unable to retrieve table schema for the destination table")
	}

	ts = withDefaultModes(ts)
	d, err := adapt.StorageSchemaToProto2Descriptor(ts, RootScope)
	if err != nil {
		return nil, api.NewSchemaError(err, "could not convert table schema to proto2 descriptor")
	}

	md, ok := d.(protoreflect.MessageDescriptor)
	if !ok {
		return nil, api.NewSchemaError(nil, fmt.Sprintf("expected message descriptor, but got %T", d))
	}

	dp, err := adapt.NormalizeDescriptor(md)
	if err != nil {
		return nil, api.NewSchemaError(err, "could not normalize descriptor")
	}

	return &Descriptor{schema: ts, msg: md, dp: dp}, nil
}

// withDefaultModes returns a copy of ts where the columns without a mode
// are NULLABLE, the nested ones included
func withDefaultModes(ts *storagepb.TableSchema) *storagepb.TableSchema {
	res := proto.Clone(ts).(*storagepb.TableSchema)
	defaultModes(res.GetFields())
	return res
}

func defaultModes(fields []*storagepb.TableFieldSchema) {
	for _, f := range fields {
		if f.GetMode() == storagepb.TableFieldSchema_MODE_UNSPECIFIED {
			f.Mode = storagepb.TableFieldSchema_NULLABLE
		}
		defaultModes(f.GetFields())
	}
}

// Proto returns the self-contained descriptor sent to the server as the
// writer schema
func (d *Descriptor) Proto() *descriptorpb.DescriptorProto {
	return d.dp
}

// Message returns the message descriptor rows are encoded with
func (d *Descriptor) Message() protoreflect.MessageDescriptor {
	return d.msg
}

// Schema returns the table schema the descriptor was built from
func (d *Descriptor) Schema() *storagepb.TableSchema {
	return d.schema
}

// Columns returns the top-level column names in the schema order
func (d *Descriptor) Columns() []string {
	res := make([]string, 0, len(d.schema.GetFields()))
	for _, f := range d.schema.GetFields() {
		res = append(res, f.GetName())
	}
	return res
}

// Encode serializes every row of the batch. It returns the serialized rows
// and their total size. An error is returned for the first row which does not
// match the descriptor.
func (d *Descriptor) Encode(batch api.RowBatch) ([][]byte, int, error) {
	res := make([][]byte, 0, len(batch))
	total := 0
	for idx, r := range batch {
		b, err := d.encodeRow(r)
		if err != nil {
			return nil, 0, errors.Wrapf(err, "row #%d does not match the schema", idx)
		}
		res = append(res, b)
		total += len(b)
	}
	return res, total, nil
}

func (d *Descriptor) String() string {
	return fmt.Sprintf("{%s: [%s]}", d.msg.FullName(), strings.Join(d.Columns(), ", "))
}

func (d *Descriptor) encodeRow(r api.Row) ([]byte, error) {
	nr, err := normalizeRow(d.msg, r)
	if err != nil {
		return nil, err
	}

	js, err := json.Marshal(nr)
	if err != nil {
		return nil, err
	}

	msg := dynamicpb.NewMessage(d.msg)
	if err := protojson.Unmarshal(js, msg); err != nil {
		return nil, err
	}
	return proto.Marshal(msg)
}

// normalizeRow converts values which protojson cannot take as is. Timestamps
// become epoch microseconds for integer columns and RFC3339 for string ones.
func normalizeRow(md protoreflect.MessageDescriptor, r map[string]interface{}) (map[string]interface{}, error) {
	res := make(map[string]interface{}, len(r))
	for k, v := range r {
		fd := md.Fields().ByName(protoreflect.Name(k))
		if fd == nil {
			return nil, errors.Errorf("unknown column %q", k)
		}
		nv, err := normalizeValue(fd, v, fd.IsList())
		if err != nil {
			return nil, errors.Wrapf(err, "column %q", k)
		}
		res[k] = nv
	}
	return res, nil
}

func normalizeValue(fd protoreflect.FieldDescriptor, v interface{}, list bool) (interface{}, error) {
	if list {
		switch vs := v.(type) {
		case []interface{}:
			res := make([]interface{}, len(vs))
			for i, e := range vs {
				ne, err := normalizeValue(fd, e, false)
				if err != nil {
					return nil, err
				}
				res[i] = ne
			}
			return res, nil
		case []api.Row:
			res := make([]interface{}, len(vs))
			for i, e := range vs {
				ne, err := normalizeValue(fd, e, false)
				if err != nil {
					return nil, err
				}
				res[i] = ne
			}
			return res, nil
		case []time.Time:
			res := make([]interface{}, len(vs))
			for i, e := range vs {
				ne, err := normalizeValue(fd, e, false)
				if err != nil {
					return nil, err
				}
				res[i] = ne
			}
			return res, nil
		}
		return v, nil
	}

	switch val := v.(type) {
	case time.Time:
		switch fd.Kind() {
		case protoreflect.Int64Kind, protoreflect.Sint64Kind, protoreflect.Sfixed64Kind:
			return val.UnixMicro(), nil
		case protoreflect.Int32Kind:
			// DATE columns are days since epoch
			return val.Unix() / 86400, nil
		case protoreflect.StringKind:
			return val.UTC().Format(time.RFC3339Nano), nil
		}
		return nil, errors.Errorf("time value could not be stored into %s field", fd.Kind())
	case api.Row:
		return normalizeMessage(fd, val)
	case map[string]interface{}:
		return normalizeMessage(fd, val)
	}
	return v, nil
}

func normalizeMessage(fd protoreflect.FieldDescriptor, r map[string]interface{}) (interface{}, error) {
	if fd.Kind() != protoreflect.MessageKind {
		return nil, errors.Errorf("record value could not be stored into %s field", fd.Kind())
	}
	return normalizeRow(fd.Message(), r)
}
