package state_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/sensagent/internal/buffer"
	"github.com/temoto/sensagent/internal/deliver"
	"github.com/temoto/sensagent/internal/publish"
	"github.com/temoto/sensagent/internal/reading"
	"github.com/temoto/sensagent/internal/state"
	state_new "github.com/temoto/sensagent/internal/state/new"
	"github.com/temoto/sensagent/log2"
)

func TestGetGlobal(t *testing.T) {
	t.Parallel()

	ctx, g := state_new.NewTestContext(t, "")
	assert.Equal(t, g, state.GetGlobal(ctx))
	assert.Panics(t, func() { state.GetGlobal(context.Background()) })
	assert.Panics(t, func() { state.GetGlobal(context.WithValue(context.Background(), state.ContextKey, 1)) })
}

func TestGlobalDeliver(t *testing.T) {
	t.Parallel()

	ctx, g := state_new.NewTestContext(t, `sensor { model = "bench" values { temperature = 30 } }`)
	states := []deliver.State{}
	published := []bool{}
	g.OnState = func(s deliver.State) { states = append(states, s) }
	g.OnPublish = func(ok bool) { published = append(published, ok) }

	c := deliver.New(g.DeliverEnv())
	for c.State() != deliver.IdleWait {
		require.NoError(t, c.Step(ctx))
	}
	assert.Equal(t, []deliver.State{deliver.SyncingTime, deliver.DrainingBuffer, deliver.PublishingFresh, deliver.IdleWait}, states)
	assert.Equal(t, []bool{true}, published)

	delivered := g.Publisher.(*publish.Mock).Delivered()
	require.Len(t, delivered, 1)
	r, err := reading.Unmarshal(delivered[0])
	require.NoError(t, err)
	assert.Equal(t, "bench", r.Model)
	assert.Equal(t, 30.0, r.Readings["temperature"])
	assert.Len(t, g.Buffer.(*buffer.Mem).Records(), 0)
}

func TestGlobalFileBuffer(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	ctx, g := state_new.NewContext(log2.NewTest(t, log2.LDebug))
	g.Publisher = publish.NewMock()
	cfg := &state.Config{}
	cfg.Network.SSID, cfg.Network.Password = "s", "p"
	cfg.Broker.URL, cfg.Broker.ClientID, cfg.Broker.User, cfg.Broker.Password, cfg.Broker.Topic = "tcp://b", "c", "u", "p", "t"
	cfg.Persist.Root = dir
	require.NoError(t, g.Init(ctx, cfg))
	defer g.Close()

	require.NoError(t, g.Buffer.Append([]byte(`{"nickname":"cached"}`)))
	n, err := g.Buffer.Len()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	f, ok := g.Buffer.(*buffer.File)
	require.True(t, ok, "default buffer kind=file")
	assert.Equal(t, dir+"/"+buffer.DefaultFileName, f.Path())
}
