package reading

import (
	"strings"
	"testing"
	"time"

	"github.com/golang/protobuf/proto"
	structpb "github.com/golang/protobuf/ptypes/struct"
	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/sensagent/hardware/sensor"
)

type failSensor struct{}

func (failSensor) Sense() (map[string]float64, error) { return nil, errors.New("bus error") }
func (failSensor) Close() error                       { return nil }

func testProducer() *Producer {
	p := NewProducer(sensor.NewStatic(nil), "test-model")
	p.Now = func() time.Time { return time.Date(2024, 3, 5, 7, 8, 9, 999, time.FixedZone("X", 3*3600)) }
	p.NewID = func() string { return "id1" }
	return p
}

func TestProduce(t *testing.T) {
	t.Parallel()

	r, err := testProducer().Produce(NicknameLatest)
	require.NoError(t, err)
	assert.Equal(t, Record{
		ID:        "id1",
		Nickname:  "latest",
		Readings:  map[string]float64{"temperature": 22.5, "humidity": 50, "pressure": 1013},
		Model:     "test-model",
		Timestamp: "2024-03-05T04:08:09Z",
	}, r)

	p := NewProducer(failSensor{}, "")
	assert.Equal(t, DefaultModel(), p.Model)
	_, err = p.Produce(NicknameLatest)
	assert.Contains(t, err.Error(), "bus error")
}

func TestProduceUniqueID(t *testing.T) {
	t.Parallel()

	p := NewProducer(sensor.NewStatic(nil), "m")
	a, _ := p.Produce(NicknameLatest)
	b, _ := p.Produce(NicknameLatest)
	assert.Len(t, a.ID, 36)
	assert.NotEqual(t, a.ID, b.ID)
}

func TestTagKeepsOriginal(t *testing.T) {
	t.Parallel()

	r, _ := testProducer().Produce(NicknameLatest)
	c := r.Tag(NicknameCached)
	c.Readings["temperature"] = 0
	assert.Equal(t, "latest", r.Nickname)
	assert.Equal(t, "cached", c.Nickname)
	assert.Equal(t, 22.5, r.Readings["temperature"])
	assert.Equal(t, r.ID, c.ID)
}

func TestMarshalSingleLine(t *testing.T) {
	t.Parallel()

	r, _ := testProducer().Produce(NicknameCached)
	r.Model = "line1\nline2"
	b, err := r.Marshal()
	require.NoError(t, err)
	assert.False(t, strings.ContainsRune(string(b), '\n'))
	r2, err := Unmarshal(b)
	require.NoError(t, err)
	assert.Equal(t, r, r2)

	_, err = Unmarshal([]byte("{broken"))
	assert.Error(t, err)
}

func TestCodec(t *testing.T) {
	t.Parallel()

	r, _ := testProducer().Produce(NicknameCached)
	line, err := r.Marshal()
	require.NoError(t, err)

	cases := []struct {
		format string
		check  func(t *testing.T, payload []byte)
	}{
		{"", func(t *testing.T, payload []byte) { assert.Equal(t, line, payload) }},
		{"json", func(t *testing.T, payload []byte) { assert.Equal(t, line, payload) }},
		{"proto", func(t *testing.T, payload []byte) {
			var s structpb.Struct
			require.NoError(t, proto.Unmarshal(payload, &s))
			assert.Equal(t, r, RecordFromStruct(&s))
		}},
	}
	for _, c := range cases {
		c := c
		t.Run("format="+c.format, func(t *testing.T) {
			codec, err := NewCodec(c.format)
			require.NoError(t, err)
			payload, err := codec.Payload(line)
			require.NoError(t, err)
			c.check(t, payload)
		})
	}

	_, err = NewCodec("xml")
	assert.Error(t, err)
	_, err = ProtoCodec{}.Payload([]byte("not json"))
	assert.Error(t, err)
}
