package state

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/sensagent/hardware/led"
	"github.com/temoto/sensagent/hardware/sensor"
	"github.com/temoto/sensagent/helpers"
	"github.com/temoto/sensagent/internal/buffer"
	"github.com/temoto/sensagent/internal/clock"
	"github.com/temoto/sensagent/internal/deliver"
	"github.com/temoto/sensagent/internal/link"
	"github.com/temoto/sensagent/internal/metrics"
	"github.com/temoto/sensagent/internal/publish"
	"github.com/temoto/sensagent/internal/reading"
	"github.com/temoto/sensagent/log2"
)

const DefaultPersistRoot = "."

// Global is explicit application context.
// Fields set before Init are kept, tests use it to inject doubles.
type Global struct {
	Alive        *alive.Alive
	BuildVersion string
	Config       *Config
	Log          *log2.Log
	Metrics      *metrics.Metrics

	Buffer    buffer.Store
	Clock     deliver.Syncer
	Codec     reading.Codec
	LED       *led.LED
	Linker    link.Linker
	Producer  deliver.Producer
	Publisher publish.Publisher
	Sensor    sensor.Sensor

	// OnState and OnPublish are chained after LED hooks.
	OnState   func(deliver.State)
	OnPublish func(bool)

	closers []io.Closer

	_copy_guard sync.Mutex //nolint:unused
}

const ContextKey = "run/state-global"

func GetGlobal(ctx context.Context) *Global {
	v := ctx.Value(ContextKey)
	if v == nil {
		panic(fmt.Sprintf("context['%s'] is nil", ContextKey))
	}
	if g, ok := v.(*Global); ok {
		return g
	}
	panic(fmt.Sprintf("context['%s'] expected type *Global actual=%#v", ContextKey, v))
}

// If `Init` fails, consider `Global` is in broken state.
func (g *Global) Init(ctx context.Context, cfg *Config) error {
	g.Config = cfg
	if err := cfg.Validate(); err != nil {
		return errors.Annotate(err, "config")
	}
	if cfg.Log.Debug {
		g.Log.SetLevel(log2.LDebug)
	}
	if g.BuildVersion != "" {
		g.Log.Infof("build version=%s", g.BuildVersion)
	}

	if cfg.Persist.Root == "" {
		cfg.Persist.Root = DefaultPersistRoot
	}
	g.Log.Debugf("config: persist.root=%s", cfg.Persist.Root)

	if g.Metrics == nil {
		g.Metrics = metrics.New()
	}

	errs := make([]error, 0)
	if g.Codec == nil {
		codec, err := reading.NewCodec(cfg.Broker.Format)
		if err != nil {
			errs = append(errs, errors.Annotate(err, "config broker.format"))
		}
		g.Codec = codec
	}
	if g.Publisher == nil {
		p, err := publish.New(g.Log, &cfg.Broker)
		if err != nil {
			errs = append(errs, errors.Annotate(err, "publisher"))
		}
		g.Publisher = p
	}
	if g.Linker == nil {
		probe, err := publish.BrokerAddress(cfg.Broker.URL)
		if err != nil && cfg.Network.ProbeAddress == "" {
			errs = append(errs, errors.Annotate(err, "link probe address"))
		}
		g.Linker = link.NewNet(g.Log, &cfg.Network, probe)
	}
	if g.Clock == nil {
		c := clock.New(g.Log, &cfg.Clock)
		c.OnAttempt = g.Metrics.ClockAttempt
		g.Clock = c
	}
	if g.Producer == nil {
		if g.Sensor == nil {
			s, err := sensor.New(g.Log, &cfg.Sensor)
			if err != nil {
				errs = append(errs, errors.Annotate(err, "sensor"))
			} else {
				g.Sensor = s
				g.closers = append(g.closers, s)
			}
		}
		if g.Sensor != nil {
			g.Producer = reading.NewProducer(g.Sensor, cfg.Sensor.Model)
		}
	}
	if g.Buffer == nil {
		b, err := buffer.Open(g.Log, &cfg.Buffer, cfg.Persist.Root)
		if err != nil {
			errs = append(errs, errors.Annotate(err, "buffer"))
		} else {
			g.Buffer = b
			g.closers = append(g.closers, b)
		}
	}
	if g.Buffer != nil {
		if n, err := buffer.Check(g.Log, g.Buffer, cfg.Buffer.WarnRecords); err == nil {
			g.Log.Infof("buffer records=%d", n)
			g.Metrics.SetBufferDepth(n)
		}
	}

	// LED is cosmetic, agent works without it
	if g.LED == nil {
		l, err := led.Open(&cfg.LED)
		if err != nil {
			g.Error(err, "led")
		} else if l != nil {
			g.LED = l
			g.closers = append(g.closers, l)
		}
	}

	return helpers.FoldErrors(errs)
}

func (g *Global) MustInit(ctx context.Context, cfg *Config) {
	err := g.Init(ctx, cfg)
	if err != nil {
		g.Fatal(err)
	}
}

// DeliverEnv builds coordinator dependencies from initialized Global.
func (g *Global) DeliverEnv() deliver.Env {
	cfg := g.Config
	return deliver.Env{
		Log:          g.Log,
		Buffer:       g.Buffer,
		Publisher:    g.Publisher,
		Linker:       g.Linker,
		Clock:        g.Clock,
		Producer:     g.Producer,
		Codec:        g.Codec,
		Metrics:      g.Metrics,
		Credentials:  cfg.Network.Credentials(),
		Interval:     helpers.IntSecondDefault(cfg.Cycle.IntervalSec, deliver.DefaultInterval),
		ReconnectMax: helpers.IntSecondDefault(cfg.Network.RetrySec, deliver.DefaultReconnectMax),
		WarnRecords:  cfg.Buffer.WarnRecords,
		OnState:      g.onState,
		OnPublish:    g.onPublish,
	}
}

func (g *Global) onState(s deliver.State) {
	if s == deliver.Disconnected {
		g.Error(g.LED.Set(false), "led")
	}
	if g.OnState != nil {
		g.OnState(s)
	}
}

func (g *Global) onPublish(ok bool) {
	g.Error(g.LED.Set(ok), "led")
	if g.OnPublish != nil {
		g.OnPublish(ok)
	}
}

func (g *Global) Error(err error, args ...interface{}) {
	if err != nil {
		if len(args) != 0 {
			msg := args[0].(string)
			args = args[1:]
			err = errors.Annotatef(err, msg, args...)
		}
		g.Log.Error(err)
	}
}

func (g *Global) Fatal(err error, args ...interface{}) {
	if err != nil {
		if len(args) != 0 {
			msg := args[0].(string)
			args = args[1:]
			err = errors.Annotatef(err, msg, args...)
		}
		g.StopWait(5 * time.Second)
		g.Close()
		g.Log.Fatal(errors.ErrorStack(err))
	}
}

// Close releases hardware and storage opened by Init, in reverse order.
func (g *Global) Close() error {
	errs := make([]error, 0, len(g.closers))
	for i := len(g.closers) - 1; i >= 0; i-- {
		errs = append(errs, g.closers[i].Close())
	}
	g.closers = nil
	return helpers.FoldErrors(errs)
}

func (g *Global) Stop() {
	g.Alive.Stop()
}

func (g *Global) StopWait(timeout time.Duration) bool {
	g.Alive.Stop()
	select {
	case <-g.Alive.WaitChan():
		return true
	case <-time.After(timeout):
		return false
	}
}
