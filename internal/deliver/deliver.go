// Package deliver moves readings to broker without losing them.
//
// Delivery contract:
// - buffered record is removed only after broker confirmed every record of its batch
// - buffer drain order equals append order
// - failed drain leaves buffer unchanged
// - no session is opened and no reading produced before clock sync
// - fresh reading which failed to publish is appended to buffer tagged "cached"
package deliver

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/juju/errors"
	"github.com/temoto/sensagent/helpers"
	"github.com/temoto/sensagent/internal/buffer"
	"github.com/temoto/sensagent/internal/link"
	"github.com/temoto/sensagent/internal/metrics"
	"github.com/temoto/sensagent/internal/publish"
	"github.com/temoto/sensagent/internal/reading"
	"github.com/temoto/sensagent/log2"
)

const (
	DefaultInterval     = 300 * time.Second
	DefaultReconnectMin = 1 * time.Second
	DefaultReconnectMax = 60 * time.Second
)

type Syncer interface {
	Sync(ctx context.Context) error
}

type Producer interface {
	Produce(nickname string) (reading.Record, error)
}

// Env is everything coordinator needs, explicit instead of globals.
type Env struct {
	Log       *log2.Log
	Buffer    buffer.Store
	Publisher publish.Publisher
	Linker    link.Linker
	Clock     Syncer
	Producer  Producer
	Codec     reading.Codec // default JSON
	Metrics   *metrics.Metrics

	Credentials  link.Credentials
	Interval     time.Duration
	ReconnectMin time.Duration
	ReconnectMax time.Duration
	WarnRecords  int

	// OnState is called on every state change.
	OnState func(State)
	// OnPublish is called with fresh reading delivery result.
	OnPublish func(ok bool)
	// Sleep default helpers.SleepContext.
	Sleep func(ctx context.Context, d time.Duration) error
}

type Coordinator struct {
	env       Env
	state     State
	session   Session
	reconnect *backoff.ExponentialBackOff
	// delay before next connect attempt, 0 after success
	reconnectDelay time.Duration
}

func New(env Env) *Coordinator {
	if env.Codec == nil {
		env.Codec = reading.JSONCodec{}
	}
	if env.Interval <= 0 {
		env.Interval = DefaultInterval
	}
	if env.ReconnectMin <= 0 {
		env.ReconnectMin = DefaultReconnectMin
	}
	if env.ReconnectMax < env.ReconnectMin {
		env.ReconnectMax = DefaultReconnectMax
		if env.ReconnectMax < env.ReconnectMin {
			env.ReconnectMax = env.ReconnectMin
		}
	}
	if env.Sleep == nil {
		env.Sleep = helpers.SleepContext
	}
	reconnect := backoff.NewExponentialBackOff()
	reconnect.InitialInterval = env.ReconnectMin
	reconnect.MaxInterval = env.ReconnectMax
	reconnect.Multiplier = 2
	reconnect.RandomizationFactor = 0
	reconnect.MaxElapsedTime = 0
	reconnect.Reset()
	return &Coordinator{
		env:       env,
		state:     Disconnected,
		reconnect: reconnect,
	}
}

func (c *Coordinator) State() State { return c.state }

// Session returns copy of session state.
func (c *Coordinator) Session() Session { return c.session }

// Run returns only when ctx is done.
func (c *Coordinator) Run(ctx context.Context) error {
	c.env.Log.Infof("deliver start state=%s interval=%v", c.state, c.env.Interval)
	c.notify()
	for {
		if err := c.Step(ctx); err != nil {
			c.env.Log.Infof("deliver stop state=%s err=%v", c.state, err)
			return err
		}
	}
}

// Step performs action of current state and moves to next.
// Returns error only when ctx is done.
func (c *Coordinator) Step(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var next State
	switch c.state {
	case Disconnected:
		next = c.connect(ctx)
	case SyncingTime:
		next = c.syncTime(ctx)
	case DrainingBuffer:
		next = PublishingFresh
		if c.clockGuard() {
			c.drain(ctx)
		} else {
			next = SyncingTime
		}
	case PublishingFresh:
		next = IdleWait
		if c.clockGuard() {
			c.publishFresh(ctx)
		} else {
			next = SyncingTime
		}
	case IdleWait:
		next = c.idle(ctx)
	default:
		panic(errors.Errorf("code error deliver state=%s", c.state))
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	c.transit(next)
	return nil
}

func (c *Coordinator) transit(next State) {
	if next == c.state {
		return
	}
	c.env.Log.Infof("state %s -> %s", c.state, next)
	c.state = next
	c.notify()
}

func (c *Coordinator) notify() {
	c.env.Metrics.SetState(c.state.String(), StateNames())
	if c.env.OnState != nil {
		c.env.OnState(c.state)
	}
}

func (c *Coordinator) clockGuard() bool {
	if !c.session.ClockSynced {
		c.env.Log.Errorf("code error state=%s without clock sync", c.state)
		return false
	}
	return true
}

func (c *Coordinator) connect(ctx context.Context) State {
	if err := c.env.Sleep(ctx, c.reconnectDelay); err != nil {
		return Disconnected
	}
	c.session.reset()
	if err := c.env.Linker.Connect(ctx, c.env.Credentials); err != nil {
		c.reconnectDelay = c.reconnect.NextBackOff()
		if ctx.Err() == nil {
			c.env.Metrics.IncConnectFailure()
			c.env.Log.Errorf("connect ssid=%s err=%v next_delay=%v", c.env.Credentials.SSID, err, c.reconnectDelay)
		}
		return Disconnected
	}
	c.reconnect.Reset()
	c.reconnectDelay = 0
	c.session.Reachable = true
	return SyncingTime
}

func (c *Coordinator) syncTime(ctx context.Context) State {
	err := c.env.Clock.Sync(ctx)
	if err != nil {
		if ctx.Err() == nil {
			c.env.Log.Errorf("clock sync gave up, reconnect err=%v", err)
		}
		c.session.reset()
		return Disconnected
	}
	c.session.ClockSynced = true
	c.session.SyncedAt = time.Now()
	return DrainingBuffer
}

func (c *Coordinator) idle(ctx context.Context) State {
	if n, err := buffer.Check(c.env.Log, c.env.Buffer, c.env.WarnRecords); err != nil {
		c.env.Log.Error(err)
	} else {
		c.env.Metrics.SetBufferDepth(n)
	}
	if err := c.env.Sleep(ctx, c.env.Interval); err != nil {
		return IdleWait
	}
	if c.env.Linker.IsConnected() {
		return DrainingBuffer
	}
	c.env.Log.Errorf("link lost, reconnect")
	c.session.reset()
	return Disconnected
}
