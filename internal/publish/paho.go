package publish

import (
	"context"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/juju/errors"
)

// Paho opens new clean session client for every Open.
type Paho struct {
	opt Options
}

func NewPaho(opt Options) *Paho { return &Paho{opt: opt} }

func (p *Paho) Open(ctx context.Context) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	timeout := p.opt.timeout(ctx)
	co := mqtt.NewClientOptions()
	co.AddBroker(p.opt.BrokerURL)
	co.SetClientID(p.opt.ClientID)
	if p.opt.Username != "" {
		co.SetUsername(p.opt.Username)
	}
	if p.opt.Password != "" {
		co.SetPassword(p.opt.Password)
	}
	co.SetCleanSession(true)
	co.SetAutoReconnect(false)
	co.SetConnectRetry(false)
	co.SetConnectTimeout(timeout)
	co.SetWriteTimeout(timeout)

	client := mqtt.NewClient(co)
	token := client.Connect()
	if !token.WaitTimeout(timeout) {
		client.Disconnect(0)
		return nil, errors.Timeoutf("paho connect broker=%s", p.opt.BrokerURL)
	}
	if err := token.Error(); err != nil {
		return nil, errors.Annotatef(err, "paho connect broker=%s", p.opt.BrokerURL)
	}
	p.opt.Log.Debugf("paho connected broker=%s client_id=%s", p.opt.BrokerURL, p.opt.ClientID)
	return &pahoSession{client: client, opt: &p.opt}, nil
}

type pahoSession struct {
	client mqtt.Client
	opt    *Options
}

func (s *pahoSession) Publish(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	token := s.client.Publish(s.opt.Topic, s.opt.QOS, false, payload)
	if !token.WaitTimeout(s.opt.timeout(ctx)) {
		return errors.Timeoutf("paho publish topic=%s", s.opt.Topic)
	}
	return errors.Annotatef(token.Error(), "paho publish topic=%s", s.opt.Topic)
}

func (s *pahoSession) Close() error {
	s.client.Disconnect(250)
	return nil
}
