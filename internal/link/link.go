// Package link brings up network connectivity and probes reachability.
//
// Link contract:
// - Connect returns within Attempts*Retry plus probe timeouts
// - Connect never returns nil unless probe succeeded
// - IsConnected performs exactly one probe
package link

import (
	"context"
	"net"
	"os"
	"os/exec"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/juju/errors"
	"github.com/temoto/sensagent/log2"
)

const (
	DefaultAttempts     = 10
	DefaultRetry        = 1 * time.Second
	DefaultProbeTimeout = 3 * time.Second
)

type Credentials struct {
	SSID     string
	Password string
}

type Linker interface {
	Connect(ctx context.Context, cred Credentials) error
	IsConnected() bool
	Close() error
}

type Config struct {
	SSID         string   `hcl:"ssid"`
	Password     string   `hcl:"password"`
	JoinCommand  []string `hcl:"join_command"`
	ProbeAddress string   `hcl:"probe_address"`
	Attempts     int      `hcl:"attempts"`
	// RetrySec is maximum delay between Connect calls
	RetrySec int `hcl:"retry_sec"`
}

func (c *Config) Credentials() Credentials {
	return Credentials{SSID: c.SSID, Password: c.Password}
}

// Net runs optional join command, then waits until probe address accepts TCP.
type Net struct {
	Log          *log2.Log
	JoinCommand  []string
	ProbeAddress string
	Attempts     int
	Retry        time.Duration
	ProbeTimeout time.Duration
	Dial         func(ctx context.Context, network, address string) (net.Conn, error)

	connected uint32
}

// NewNet fallbackProbe is used when config has no probe_address, usually broker host:port.
func NewNet(log *log2.Log, c *Config, fallbackProbe string) *Net {
	n := &Net{
		Log:          log,
		JoinCommand:  c.JoinCommand,
		ProbeAddress: c.ProbeAddress,
		Attempts:     c.Attempts,
		Retry:        DefaultRetry,
		ProbeTimeout: DefaultProbeTimeout,
	}
	if n.ProbeAddress == "" {
		n.ProbeAddress = fallbackProbe
	}
	if n.Attempts <= 0 {
		n.Attempts = DefaultAttempts
	}
	return n
}

func (n *Net) Connect(ctx context.Context, cred Credentials) error {
	atomic.StoreUint32(&n.connected, 0)
	if len(n.JoinCommand) != 0 {
		if err := n.join(ctx, cred); err != nil {
			return errors.Annotate(err, "link join")
		}
	}

	attempt := 0
	op := func() error {
		attempt++
		err := n.probe(ctx)
		if err != nil {
			n.Log.Debugf("link probe attempt=%d/%d err=%v", attempt, n.Attempts, err)
		}
		return err
	}
	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(n.Retry), uint64(n.Attempts-1))
	if err := backoff.Retry(op, backoff.WithContext(policy, ctx)); err != nil {
		return errors.Annotatef(err, "link probe address=%s attempts=%d", n.ProbeAddress, attempt)
	}
	atomic.StoreUint32(&n.connected, 1)
	n.Log.Infof("link up ssid=%s probe=%s attempts=%d", cred.SSID, n.ProbeAddress, attempt)
	return nil
}

func (n *Net) IsConnected() bool {
	ok := n.probe(context.Background()) == nil
	if ok {
		atomic.StoreUint32(&n.connected, 1)
	} else {
		atomic.StoreUint32(&n.connected, 0)
	}
	return ok
}

func (n *Net) Close() error {
	atomic.StoreUint32(&n.connected, 0)
	return nil
}

func (n *Net) join(ctx context.Context, cred Credentials) error {
	cmd := exec.CommandContext(ctx, n.JoinCommand[0], n.JoinCommand[1:]...)
	cmd.Env = append(os.Environ(),
		"SENSAGENT_SSID="+cred.SSID,
		"SENSAGENT_PASSWORD="+cred.Password,
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return errors.Annotatef(err, "command=%v output=%s", n.JoinCommand, out)
	}
	n.Log.Debugf("link join command=%v output=%s", n.JoinCommand, out)
	return nil
}

func (n *Net) probe(ctx context.Context) error {
	if n.ProbeAddress == "" {
		return errors.NotValidf("link probe address empty")
	}
	timeout := n.ProbeTimeout
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	dial := n.Dial
	if dial == nil {
		dial = (&net.Dialer{}).DialContext
	}
	conn, err := dial(ctx, "tcp", n.ProbeAddress)
	if err != nil {
		return err
	}
	return conn.Close()
}
