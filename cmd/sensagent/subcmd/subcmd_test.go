package subcmd

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/sensagent/internal/state"
)

func TestParse(t *testing.T) {
	t.Parallel()

	noop := func(context.Context, *state.Config) error { return nil }
	mods := []Mod{{Name: "run", Main: noop}, {Name: "buffer", Main: noop}}

	cases := []struct {
		input     string
		expect    string
		expectErr string
	}{
		{"", "run", ""},
		{"run", "run", ""},
		{"buffer", "buffer", ""},
		{"fly", "", "unknown command='fly'"},
	}
	for _, c := range cases {
		c := c
		t.Run(c.input, func(t *testing.T) {
			m, err := Parse(c.input, mods)
			if c.expectErr != "" {
				require.Error(t, err)
				assert.Equal(t, c.expectErr, err.Error())
				return
			}
			require.NoError(t, err)
			assert.Equal(t, c.expect, m.Name)
		})
	}
	assert.Panics(t, func() { _, _ = Parse("x", []Mod{{}}) })
}

func TestSdNotifyOutsideSystemd(t *testing.T) {
	// not Parallel, environment
	t.Setenv("NOTIFY_SOCKET", "")
	assert.False(t, SdNotify(nil, "READY=1"))
}
