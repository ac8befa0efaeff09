package publish

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/256dpi/gomqtt/client"
	"github.com/256dpi/gomqtt/packet"
	"github.com/256dpi/gomqtt/transport"
	"github.com/juju/errors"
)

// Gomqtt speaks MQTT at packet level: dial, CONNECT/CONNACK, PUBLISH/PUBACK, DISCONNECT.
// No background goroutines, session is strictly request-response.
type Gomqtt struct {
	opt    Options
	conpkt *packet.Connect
	dialer *transport.Dialer
	lastID uint32
}

func NewGomqtt(opt Options) *Gomqtt {
	g := &Gomqtt{
		opt:    opt,
		lastID: uint32(time.Now().UnixNano()),
	}
	g.conpkt = packet.NewConnect()
	g.conpkt.ClientID = opt.ClientID
	g.conpkt.CleanSession = true
	g.conpkt.Username = opt.Username
	g.conpkt.Password = opt.Password
	g.dialer = transport.NewDialer(transport.DialConfig{
		Timeout: opt.NetworkTimeout,
	})
	return g
}

func (g *Gomqtt) Open(ctx context.Context) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	conn, err := g.dialer.Dial(g.opt.BrokerURL)
	if err != nil {
		return nil, errors.Annotatef(err, "gomqtt dial broker=%s", g.opt.BrokerURL)
	}
	s := &gomqttSession{g: g, conn: conn}
	if err = s.send(g.conpkt); err != nil {
		_ = conn.Close()
		return nil, errors.Annotate(err, "gomqtt connect")
	}

	// expect CONNACK
	conn.SetReadTimeout(g.opt.timeout(ctx))
	pkt, err := conn.Receive()
	if err != nil {
		_ = conn.Close()
		return nil, errors.Annotate(err, "gomqtt connect: expect CONNACK")
	}
	connack, ok := pkt.(*packet.Connack)
	if !ok {
		_ = conn.Close()
		return nil, errors.Annotatef(client.ErrClientExpectedConnack, "gomqtt connect: server error pkt=%s", pkt.String())
	}
	if connack.ReturnCode != packet.ConnectionAccepted {
		_ = conn.Close()
		return nil, errors.Annotate(client.ErrClientConnectionDenied, connack.ReturnCode.String())
	}
	g.opt.Log.Debugf("gomqtt CONNACK=%s", connack.String())
	return s, nil
}

func (g *Gomqtt) nextID() packet.ID {
	u32 := atomic.AddUint32(&g.lastID, 1)
	id := packet.ID(u32 % (1 << 16))
	if id == 0 {
		id = 1
	}
	return id
}

type gomqttSession struct {
	g    *Gomqtt
	conn transport.Conn
}

func (s *gomqttSession) Publish(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	opt := &s.g.opt
	publish := packet.NewPublish()
	publish.ID = s.g.nextID()
	publish.Message = packet.Message{
		Topic:   opt.Topic,
		Payload: payload,
		QOS:     packet.QOS(opt.QOS),
	}
	if err := s.send(publish); err != nil {
		return errors.Annotatef(err, "gomqtt publish topic=%s", opt.Topic)
	}
	s.conn.SetReadTimeout(opt.timeout(ctx))
	defer s.conn.SetReadTimeout(0)
	for {
		pkt, err := s.conn.Receive()
		if err != nil {
			return errors.Annotatef(err, "gomqtt publish id=%d expect ack", publish.ID)
		}
		switch p := pkt.(type) {
		case *packet.Puback:
			if p.ID == publish.ID && publish.Message.QOS == packet.QOSAtLeastOnce {
				return nil
			}
		case *packet.Pubrec:
			if p.ID == publish.ID {
				pubrel := packet.NewPubrel()
				pubrel.ID = p.ID
				if err = s.send(pubrel); err != nil {
					return errors.Annotatef(err, "gomqtt publish id=%d PUBREL", publish.ID)
				}
			}
		case *packet.Pubcomp:
			if p.ID == publish.ID && publish.Message.QOS == packet.QOSExactlyOnce {
				return nil
			}
		default:
			opt.Log.Debugf("gomqtt publish ignore pkt=%s", pkt.String())
		}
	}
}

func (s *gomqttSession) Close() error {
	errSend := s.send(packet.NewDisconnect())
	errClose := s.conn.Close()
	if errSend != nil {
		return errors.Annotate(errSend, "gomqtt disconnect")
	}
	return errors.Annotate(errClose, "gomqtt close")
}

func (s *gomqttSession) send(pkt packet.Generic) error {
	return s.conn.Send(pkt, false)
}
