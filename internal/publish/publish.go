// Package publish delivers serialized records to MQTT broker.
//
// Publish contract:
// - one Session per drain or fresh publish attempt, closed after use
// - Publish returns nil only after broker acknowledged message (QoS 1 or 2)
// - every network operation is bounded by NetworkTimeout
package publish

import (
	"context"
	"net"
	"net/url"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/sensagent/helpers"
	"github.com/temoto/sensagent/log2"
)

const (
	TransportPaho   = "paho"
	TransportGomqtt = "gomqtt"
)

const DefaultNetworkTimeout = 30 * time.Second
const DefaultQOS = 1

type Publisher interface {
	Open(ctx context.Context) (Session, error)
}

type Session interface {
	Publish(ctx context.Context, payload []byte) error
	Close() error
}

type Config struct {
	URL               string `hcl:"url"`
	ClientID          string `hcl:"client_id"`
	User              string `hcl:"user"`
	Password          string `hcl:"password"`
	Topic             string `hcl:"topic"`
	Transport         string `hcl:"transport"`
	QOS               int    `hcl:"qos"`
	NetworkTimeoutSec int    `hcl:"network_timeout_sec"`
	Format            string `hcl:"format"`
	BreakerFailures   int    `hcl:"breaker_failures"`
	BreakerOpenSec    int    `hcl:"breaker_open_sec"`
}

// Options are effective settings shared by transports.
type Options struct {
	BrokerURL      string
	ClientID       string
	Username       string
	Password       string
	Topic          string
	QOS            byte
	NetworkTimeout time.Duration
	Log            *log2.Log
}

func (c *Config) Options(log *log2.Log) (Options, error) {
	opt := Options{
		BrokerURL:      c.URL,
		ClientID:       c.ClientID,
		Username:       c.User,
		Password:       c.Password,
		Topic:          c.Topic,
		QOS:            DefaultQOS,
		NetworkTimeout: helpers.IntSecondDefault(c.NetworkTimeoutSec, DefaultNetworkTimeout),
		Log:            log,
	}
	switch c.QOS {
	case 0, 1:
		// at most once would break delivery guarantee
	case 2:
		opt.QOS = 2
	default:
		return opt, errors.NotValidf("broker.qos=%d", c.QOS)
	}
	if opt.Topic == "" {
		return opt, errors.NotValidf("broker.topic empty")
	}
	if _, err := BrokerAddress(opt.BrokerURL); err != nil {
		return opt, err
	}
	return opt, nil
}

// Validate checks enumerated settings, presence is checked by caller.
func (c *Config) Validate() error {
	switch c.Transport {
	case "", TransportPaho, TransportGomqtt:
	default:
		return errors.NotValidf("broker.transport=%s", c.Transport)
	}
	if c.QOS < 0 || c.QOS > 2 {
		return errors.NotValidf("broker.qos=%d", c.QOS)
	}
	if c.URL != "" {
		if _, err := BrokerAddress(c.URL); err != nil {
			return err
		}
	}
	return nil
}

// New returns configured transport, wrapped with Breaker when breaker_failures > 0.
func New(log *log2.Log, c *Config) (Publisher, error) {
	opt, err := c.Options(log)
	if err != nil {
		return nil, err
	}
	var p Publisher
	switch c.Transport {
	case "", TransportPaho:
		p = NewPaho(opt)
	case TransportGomqtt:
		p = NewGomqtt(opt)
	default:
		return nil, errors.NotValidf("broker.transport=%s", c.Transport)
	}
	if c.BreakerFailures > 0 {
		p = NewBreaker(log, p, c.BreakerFailures, helpers.IntSecondDefault(c.BreakerOpenSec, DefaultBreakerOpen))
	}
	return p, nil
}

// BrokerAddress extracts host:port from broker URL, default port 1883.
func BrokerAddress(brokerURL string) (string, error) {
	u, err := url.ParseRequestURI(brokerURL)
	if err != nil {
		return "", errors.Annotatef(err, "config error broker.url=%s", brokerURL)
	}
	if u.Hostname() == "" {
		return "", errors.NotValidf("broker.url=%s without host", brokerURL)
	}
	port := u.Port()
	if port == "" {
		port = "1883"
		if u.Scheme == "ssl" || u.Scheme == "tls" || u.Scheme == "mqtts" {
			port = "8883"
		}
	}
	return net.JoinHostPort(u.Hostname(), port), nil
}

func (opt *Options) timeout(ctx context.Context) time.Duration {
	d := opt.NetworkTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < d {
			d = left
		}
	}
	return d
}
