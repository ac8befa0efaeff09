// Sorry, workaround to import cycles.
package state_new

import (
	"context"
	"os"
	"testing"

	"github.com/temoto/alive/v2"
	"github.com/temoto/sensagent/internal/buffer"
	"github.com/temoto/sensagent/internal/link"
	"github.com/temoto/sensagent/internal/publish"
	"github.com/temoto/sensagent/internal/state"
	"github.com/temoto/sensagent/log2"
)

func NewContext(log *log2.Log) (context.Context, *state.Global) {
	if log == nil {
		panic("code error NewContext() log=nil")
	}

	g := &state.Global{
		Alive: alive.NewAlive(),
		Log:   log,
	}
	ctx := context.Background()
	ctx = context.WithValue(ctx, log2.ContextKey, log)
	ctx = context.WithValue(ctx, state.ContextKey, g)

	return ctx, g
}

type syncedClock struct{}

func (syncedClock) Sync(context.Context) error { return nil }

// NewTestContext returns Global with memory buffer, mock link, mock publisher and always synced clock.
// confString is appended to minimal valid config.
func NewTestContext(t testing.TB, confString string) (context.Context, *state.Global) {
	fs := state.NewMockFullReader(map[string]string{
		"test-base":   TestConfigBase,
		"test-inline": confString,
	})

	var log *log2.Log
	if os.Getenv("sensagent_test_log_stderr") == "1" {
		log = log2.NewStderr(log2.LDebug) // useful with panics
	} else {
		log = log2.NewTest(t, log2.LDebug)
	}
	log.SetFlags(log2.LTestFlags)
	ctx, g := NewContext(log)
	g.Buffer = buffer.NewMem()
	g.Linker = link.NewMock(true)
	g.Publisher = publish.NewMock()
	g.Clock = syncedClock{}
	g.MustInit(ctx, state.MustReadConfig(log, fs, "test-base", "test-inline"))
	t.Cleanup(func() { g.Error(g.Close()) })

	return ctx, g
}

const TestConfigBase = `
network { ssid = "test-ssid" password = "test-pass" }
broker {
	url = "tcp://127.0.0.1:1883"
	client_id = "test"
	user = "u"
	password = "p"
	topic = "test/readings"
}
sensor { kind = "static" }
`
