package transport

import (
	"crypto/tls"
	"io"
	"sync/atomic"
	"time"

	"github.com/256dpi/gomqtt/client"
	"github.com/256dpi/gomqtt/packet"
	"github.com/256dpi/gomqtt/transport"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/atomic_clock"

	"github.com/solixapi/solix/log2"
)

type connOptions struct {
	url            string
	tls            *tls.Config
	clientID       string
	keepalive      uint16
	networkTimeout time.Duration
	log            *log2.Log
	onMessage      func(*packet.Message)
	onClose        func(error)
}

// conn is one broker connection: dial, CONNECT/CONNACK, then reader and
// pinger goroutines until die(). State is set once at creation.
type conn struct {
	alive  *alive.Alive
	opt    connOptions
	closed uint32
	tconn  transport.Conn
	pingat *atomic_clock.Clock // last outgoing control packet
	pongat *atomic_clock.Clock // last incoming control packet
	lastID uint32
}

// dialConn blocks through TLS dial and CONNACK, bounded by networkTimeout
// on each step.
func dialConn(opt connOptions) (*conn, error) {
	dialer := transport.NewDialer(transport.DialConfig{
		TLSConfig: opt.tls,
		Timeout:   opt.networkTimeout,
	})
	tconn, err := dialer.Dial(opt.url)
	if err != nil {
		return nil, errors.Annotatef(err, "dial broker=%s", opt.url)
	}

	cc := &conn{
		alive:  alive.NewAlive(),
		opt:    opt,
		tconn:  tconn,
		pingat: atomic_clock.New(),
		pongat: atomic_clock.New(),
		lastID: uint32(time.Now().UnixNano()),
	}

	conpkt := packet.NewConnect()
	conpkt.ClientID = opt.clientID
	conpkt.KeepAlive = opt.keepalive
	conpkt.CleanSession = true
	if err = cc.send(conpkt); err != nil {
		_ = tconn.Close()
		return nil, err
	}

	tconn.SetReadTimeout(opt.networkTimeout)
	pkt, err := tconn.Receive()
	if err != nil {
		_ = tconn.Close()
		return nil, errors.Annotate(err, "expect CONNACK")
	}
	connack, ok := pkt.(*packet.Connack)
	if !ok {
		_ = tconn.Close()
		return nil, errors.Annotatef(client.ErrClientExpectedConnack, "pkt=%s", pkt.String())
	}
	opt.log.Debugf("mqtt CONNACK=%s", connack.String())
	if connack.ReturnCode != packet.ConnectionAccepted {
		_ = tconn.Close()
		return nil, errors.Annotate(client.ErrClientConnectionDenied, connack.ReturnCode.String())
	}
	tconn.SetReadTimeout(0)

	cc.pongat.SetNow()
	cc.alive.Add(2)
	go cc.reader()
	go cc.pinger()
	return cc, nil
}

func (cc *conn) online() bool {
	return atomic.LoadUint32(&cc.closed) == 0 && cc.alive.IsRunning()
}

func (cc *conn) die(e error) error {
	if !atomic.CompareAndSwapUint32(&cc.closed, 0, 1) {
		return e
	}
	cc.alive.Stop()
	_ = cc.tconn.Close()
	if cc.opt.onClose != nil {
		// async, reader goroutine may be the caller
		go cc.opt.onClose(e)
	}
	return e
}

func (cc *conn) disconnect() error {
	err := cc.send(packet.NewDisconnect())
	return cc.die(err)
}

func (cc *conn) nextID() packet.ID {
	u32 := atomic.AddUint32(&cc.lastID, 1)
	return packet.ID(u32 % (1 << 16))
}

func (cc *conn) send(p packet.Generic) error {
	if cc == nil {
		return client.ErrClientNotConnected
	}
	if err := cc.tconn.Send(p, false); err != nil {
		err = errors.Annotatef(err, "send %s", p.Type().String())
		return cc.die(err)
	}
	cc.pingat.SetNow()
	cc.opt.log.Debugf("mqtt sent %s", p.String())
	return nil
}

func (cc *conn) subscribe(topics ...string) {
	subpkt := packet.NewSubscribe()
	subpkt.ID = cc.nextID()
	for _, t := range topics {
		subpkt.Subscriptions = append(subpkt.Subscriptions, packet.Subscription{
			Topic: t,
			QOS:   packet.QOSAtLeastOnce,
		})
	}
	if err := cc.send(subpkt); err != nil {
		cc.opt.log.Errorf("mqtt subscribe err=%v", err)
	}
}

func (cc *conn) unsubscribe(topics ...string) {
	unsub := packet.NewUnsubscribe()
	unsub.ID = cc.nextID()
	unsub.Topics = topics
	if err := cc.send(unsub); err != nil {
		cc.opt.log.Errorf("mqtt unsubscribe err=%v", err)
	}
}

func (cc *conn) publish(topic string, payload []byte) error {
	pub := packet.NewPublish()
	pub.ID = cc.nextID()
	pub.Message = packet.Message{
		Topic:   topic,
		QOS:     packet.QOSAtLeastOnce,
		Payload: payload,
	}
	return cc.send(pub)
}

func (cc *conn) reader() {
	defer cc.alive.Done()

	for {
		pkt, err := cc.tconn.Receive()
		if !cc.alive.IsRunning() {
			return
		}
		switch err {
		case nil: // success path

		case io.EOF: // server closed connection
			_ = cc.die(nil)
			return

		default:
			_ = cc.die(errors.Annotate(err, "receive"))
			return
		}
		cc.opt.log.Debugf("mqtt received=%s", pkt.String())

		switch pt := pkt.(type) {
		case *packet.Publish:
			cc.onPublish(pt)

		case *packet.Pingresp:
			cc.pongat.SetNow()

		case *packet.Suback:
			for _, code := range pt.ReturnCodes {
				if code == packet.QOSFailure {
					_ = cc.die(client.ErrFailedSubscription)
					return
				}
			}

		case *packet.Unsuback, *packet.Puback:
			// fire-and-forget flows, ack is informational

		case *packet.Connack:
			_ = cc.die(errors.Errorf("server error duplicate CONNACK"))
			return

		default:
			cc.opt.log.Debugf("mqtt unexpected packet %s", pkt.String())
		}
	}
}

func (cc *conn) onPublish(publish *packet.Publish) {
	if publish.Message.QOS <= packet.QOSAtLeastOnce && cc.opt.onMessage != nil {
		cc.opt.onMessage(&publish.Message)
	}
	if publish.Message.QOS == packet.QOSAtLeastOnce {
		puback := packet.NewPuback()
		puback.ID = publish.ID
		_ = cc.send(puback)
	}
}

// pinger keeps the connection alive. PINGREQ is sent as late as possible:
// control packets must arrive at most KeepaliveSec*1.5 apart.
func (cc *conn) pinger() {
	defer cc.alive.Done()
	if cc.opt.keepalive == 0 {
		return
	}

	d := time.Duration(cc.opt.keepalive) * time.Second
	keepalive := d + d/2
	interval := keepalive - cc.opt.networkTimeout
	if interval <= 0 {
		interval = d
	}
	stopch := cc.alive.StopChan()
	for cc.alive.IsRunning() {
		now := atomic_clock.Now()
		window := now.Sub(cc.pingat)
		sincePong := now.Sub(cc.pongat)

		if window > 0 && window < interval {
			select {
			case <-time.After(interval - window):
				continue

			case <-stopch:
				return
			}
		} else if window >= interval {
			if err := cc.send(packet.NewPingreq()); err != nil {
				return
			}
		}

		if sincePong > keepalive {
			_ = cc.die(client.ErrClientMissingPong)
			return
		}
	}
}
