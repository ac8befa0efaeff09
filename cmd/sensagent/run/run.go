// Main mode: deliver sensor readings until stopped.
package run

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	"github.com/temoto/sensagent/cmd/sensagent/subcmd"
	"github.com/temoto/sensagent/internal/deliver"
	"github.com/temoto/sensagent/internal/state"
	"github.com/temoto/sensagent/log2"
)

const stopTimeout = 10 * time.Second

var Mod = subcmd.Mod{Name: "run", Usage: "run delivery agent (default)", Main: Main}

func Main(ctx context.Context, config *state.Config) error {
	g := state.GetGlobal(ctx)

	level := log2.LInfo
	if config.Log.Debug {
		level = log2.LDebug
	}
	path := config.LogPath()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.Annotatef(err, "log dir path=%s", path)
	}
	flog, closer, err := log2.NewFile(path, level)
	if err != nil {
		return err
	}
	defer closer.Close()
	g.Log = flog
	ctx = context.WithValue(ctx, log2.ContextKey, flog)

	if err := g.Init(ctx, config); err != nil {
		return errors.Annotate(err, "init")
	}
	defer func() { g.Error(g.Close(), "close") }()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)
	go func() {
		select {
		case s := <-sigs:
			g.Log.Infof("signal=%v stopping", s)
			if !g.StopWait(stopTimeout) {
				g.Log.Errorf("stop timeout=%v", stopTimeout)
			}
		case <-g.Alive.StopChan():
		}
	}()

	return Loop(ctx, g)
}

// Loop runs delivery coordinator on initialized Global until g.Alive is stopped or ctx is done.
func Loop(ctx context.Context, g *state.Global) error {
	if !g.Alive.Add(1) {
		return nil
	}
	defer g.Alive.Done()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-g.Alive.StopChan():
			cancel()
		case <-ctx.Done():
		}
	}()

	if listen := g.Config.Metrics.Listen; listen != "" {
		go func() { g.Error(g.Metrics.Serve(ctx, g.Log, listen), "metrics") }()
	}

	next := g.OnState
	g.OnState = func(s deliver.State) {
		subcmd.SdNotify(g.Log, "STATUS="+s.String())
		if next != nil {
			next(s)
		}
	}
	c := deliver.New(g.DeliverEnv())

	subcmd.SdNotify(g.Log, daemon.SdNotifyReady)
	g.Log.Infof("sensagent running version=%s", g.BuildVersion)
	err := c.Run(ctx)
	subcmd.SdNotify(g.Log, daemon.SdNotifyStopping)
	if errors.Cause(err) == context.Canceled {
		return nil
	}
	return err
}
