package buffer

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	buffer_api "github.com/temoto/sensagent/internal/buffer"
	"github.com/temoto/sensagent/internal/reading"
	"github.com/temoto/sensagent/log2"
)

func testRecord(t testing.TB, id string) []byte {
	r := reading.Record{
		ID:        id,
		Nickname:  reading.NicknameCached,
		Readings:  map[string]float64{"temperature": 22.5},
		Model:     "bench",
		Timestamp: "2024-03-01T10:00:00Z",
	}
	b, err := r.Marshal()
	require.NoError(t, err)
	return b
}

func TestShell(t *testing.T) {
	t.Parallel()

	type Case struct {
		name      string
		codec     reading.Codec
		line      string
		expect    string
		expectErr string
		left      int
	}
	cases := []Case{
		{"count", nil, "count", "3\n", "", 3},
		{"list", nil, "list", "0: cached id=a time=2024-03-01T10:00:00Z readings=map[temperature:22.5]\n" +
			"1: undecodable len=5\n" +
			"2: cached id=c time=2024-03-01T10:00:00Z readings=map[temperature:22.5]\n", "", 3},
		{"show", nil, "show 1", "{torn\n", "", 3},
		{"decode-json", nil, "decode 0", "", "", 3},
		{"decode-proto", reading.ProtoCodec{}, "decode 2", "string_value", "", 3},
		{"decode-undecodable", reading.ProtoCodec{}, "decode 1", "", "record unmarshal", 3},
		{"show-range", nil, "show 3", "", "record index=3 count=3 not found", 3},
		{"show-syntax", nil, "show", "", "syntax: show N", 3},
		{"show-nan", nil, "show x", "", "record index=x", 3},
		{"clear", nil, "clear", "", "", 0},
		{"help", nil, "help", "- count", "", 3},
		{"unknown", nil, "fly", "", "unknown command=fly, try help", 3},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			store := buffer_api.NewMem(testRecord(t, "a"), []byte("{torn"), testRecord(t, "c"))
			codec := c.codec
			if codec == nil {
				codec = reading.JSONCodec{}
			}
			out := bytes.NewBuffer(nil)
			sh := &shell{log: log2.NewTest(t, log2.LDebug), store: store, codec: codec, w: out}
			err := sh.run(c.line)
			if c.expectErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), c.expectErr)
			} else {
				require.NoError(t, err)
				if c.name == "decode-json" {
					assert.Equal(t, string(testRecord(t, "a"))+"\n", out.String())
				} else {
					assert.Contains(t, out.String(), c.expect)
				}
			}
			assert.Len(t, store.Records(), c.left)
		})
	}
}
