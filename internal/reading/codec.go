package reading

import (
	"github.com/golang/protobuf/proto"
	structpb "github.com/golang/protobuf/ptypes/struct"
	"github.com/juju/errors"
)

const (
	FormatJSON  = "json"
	FormatProto = "proto"
)

// Codec converts buffered JSON line into broker payload.
type Codec interface {
	Payload(line []byte) ([]byte, error)
	Name() string
}

func NewCodec(format string) (Codec, error) {
	switch format {
	case "", FormatJSON:
		return JSONCodec{}, nil
	case FormatProto:
		return ProtoCodec{}, nil
	default:
		return nil, errors.NotValidf("broker.format=%s", format)
	}
}

type JSONCodec struct{}

func (JSONCodec) Name() string                        { return FormatJSON }
func (JSONCodec) Payload(line []byte) ([]byte, error) { return line, nil }

// ProtoCodec sends record as google.protobuf.Struct.
type ProtoCodec struct{}

func (ProtoCodec) Name() string { return FormatProto }
func (ProtoCodec) Payload(line []byte) ([]byte, error) {
	r, err := Unmarshal(line)
	if err != nil {
		return nil, errors.Annotate(err, "proto payload")
	}
	b, err := proto.Marshal(r.Struct())
	return b, errors.Annotate(err, "proto payload")
}

func (r Record) Struct() *structpb.Struct {
	readings := &structpb.Struct{Fields: make(map[string]*structpb.Value, len(r.Readings))}
	for k, v := range r.Readings {
		readings.Fields[k] = &structpb.Value{Kind: &structpb.Value_NumberValue{NumberValue: v}}
	}
	str := func(s string) *structpb.Value {
		return &structpb.Value{Kind: &structpb.Value_StringValue{StringValue: s}}
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"id":        str(r.ID),
		"nickname":  str(r.Nickname),
		"model":     str(r.Model),
		"timestamp": str(r.Timestamp),
		"readings":  {Kind: &structpb.Value_StructValue{StructValue: readings}},
	}}
}

// RecordFromStruct is inverse of Record.Struct, used by consumers and tests.
func RecordFromStruct(s *structpb.Struct) Record {
	r := Record{
		ID:        s.Fields["id"].GetStringValue(),
		Nickname:  s.Fields["nickname"].GetStringValue(),
		Model:     s.Fields["model"].GetStringValue(),
		Timestamp: s.Fields["timestamp"].GetStringValue(),
		Readings:  make(map[string]float64),
	}
	if rs := s.Fields["readings"].GetStructValue(); rs != nil {
		for k, v := range rs.Fields {
			r.Readings[k] = v.GetNumberValue()
		}
	}
	return r
}
