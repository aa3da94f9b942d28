// Package mqtt is the protocol layer on top of transport streams: the
// device's upstream Client and the bridge's downstream peer Session. Both
// are polled from the run loop and never block.
package mqtt

import (
	"fmt"
	"time"

	"github.com/RoanBrand/gobridge/internal/connmgr"
	"github.com/RoanBrand/gobridge/internal/model"
	"github.com/RoanBrand/gobridge/internal/pool"
	"github.com/RoanBrand/gobridge/internal/queue"
	"github.com/RoanBrand/gobridge/internal/runloop"
	"github.com/RoanBrand/gobridge/internal/transport"
	"github.com/RoanBrand/gobridge/internal/wire"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

var (
	ErrNotConnected   = errors.New("mqtt: not connected")
	ErrInFlightFull   = errors.New("mqtt: in-flight window full")
	ErrQoSUnsupported = errors.New("mqtt: QoS 2 not supported")
	ErrConnectTimeout = errors.New("mqtt: no CONNACK in time")
	ErrPingTimeout    = errors.New("mqtt: no PINGRESP in time")

	// Authentication errors wrapping these refuse a peer with the matching
	// CONNACK code instead of "not authorized".
	ErrServerUnavailable  = errors.New("mqtt: server unavailable")
	ErrIdentifierRejected = errors.New("mqtt: identifier rejected")
)

func protocolViolation(msg string) error {
	return errors.New("mqtt: protocol violation: " + msg)
}

// ConnackError is a refused CONNECT.
type ConnackError struct {
	Code byte
}

func (e *ConnackError) Error() string {
	return fmt.Sprintf("mqtt: connection refused, return code %d", e.Code)
}

// maxPacketsPerPoll bounds the work done in one poll.
const maxPacketsPerPoll = 8

// Handler receives the client's outcomes, on the run loop.
type Handler interface {
	OnConnected()
	OnConnectFailed(reason error)
	OnDisconnected(reason error)
	// OnPublish gets a borrowed message, valid for the duration of the call.
	OnPublish(m *wire.Message)
}

type Options struct {
	ClientID       string
	Address        string
	KeepAlive      time.Duration
	ResendTimeout  time.Duration
	ConnectTimeout time.Duration
	InFlight       int // QoS1 window, default pool size - 2
	Subscriptions  []string
	SubscribeQoS   wire.QoS
}

// client states
const (
	idle = iota
	connecting
	connected
)

// Client is the device side MQTT connection. It implements connmgr.Client,
// rpc.Publisher and bridge.Upstream.
type Client struct {
	opts    Options
	dialer  transport.Dialer
	pool    *pool.Pool
	clock   runloop.Clock
	handler Handler

	state    uint8
	stream   transport.Stream
	rx       receiver
	ctl      *wire.Message // small control packets
	inflight *queue.InFlight
	nextID   uint16

	started  time.Time
	lastTx   time.Time
	pingSent bool
	pingAt   time.Time
}

func NewClient(opts Options, d transport.Dialer, p *pool.Pool, clock runloop.Clock, h Handler) *Client {
	if d == nil || p == nil || clock == nil || h == nil {
		panic("mqtt: nil client collaborator")
	}
	if opts.InFlight <= 0 {
		opts.InFlight = p.Size() - 2
		if opts.InFlight < 1 {
			opts.InFlight = 1
		}
	}
	if opts.SubscribeQoS > wire.AtLeastOnce {
		opts.SubscribeQoS = wire.AtLeastOnce
	}
	return &Client{
		opts:     opts,
		dialer:   d,
		pool:     p,
		clock:    clock,
		handler:  h,
		rx:       receiver{pool: p},
		ctl:      wire.NewMessage(make([]byte, 8)),
		inflight: queue.NewInFlight(opts.InFlight),
	}
}

func (c *Client) Connected() bool {
	return c.state == connected
}

func (c *Client) InFlight() int {
	return c.inflight.Len()
}

// Connect starts a connection attempt. The outcome is reported to the
// handler from a later Poll.
func (c *Client) Connect(creds *connmgr.Credentials) error {
	if c.state != idle {
		c.close()
	}

	if err := creds.Validate(); err != nil {
		return err
	}
	tlsConf, err := creds.TLSConfig()
	if err != nil {
		return err
	}
	s, err := c.dialer.Dial(c.opts.Address, tlsConf)
	if err != nil {
		return err
	}

	l, err := c.pool.Lease()
	if err != nil {
		s.Close()
		return err
	}
	defer l.Release()

	var user, pass string
	if creds != nil {
		user, pass = creds.Username, creds.Password
	}
	if err := l.Message().InitConnect(c.opts.ClientID, user, pass, uint16(c.opts.KeepAlive/time.Second), true); err != nil {
		s.Close()
		return errors.Wrap(err, "CONNECT")
	}

	c.stream = s
	c.rx.reset()
	if err := c.write(l.Message()); err != nil {
		c.close()
		return err
	}

	c.state = connecting
	c.started = c.clock.Now()
	c.pingSent = false

	log.WithFields(log.Fields{
		"client":  c.opts.ClientID,
		"address": c.opts.Address,
	}).Info("Connecting")
	return nil
}

// Disconnect sends DISCONNECT and closes. No handler callback follows.
func (c *Client) Disconnect() {
	if c.state == idle {
		return
	}
	if c.ctl.InitDisconnect() == nil {
		c.write(c.ctl)
	}
	c.close()
}

// Poll runs the receiver and the timers.
func (c *Client) Poll() {
	if c.state == idle {
		return
	}

	for i := 0; i < maxPacketsPerPoll; i++ {
		m, err := c.rx.next(c.stream)
		if err != nil {
			c.drop(err)
			return
		}
		if m == nil {
			break
		}
		err = c.handle(m)
		c.pool.DecrementRef(m)
		if err != nil {
			c.drop(err)
			return
		}
		if c.state == idle { // disconnected from a callback
			return
		}
	}

	now := c.clock.Now()
	switch c.state {
	case connecting:
		if now.Sub(c.started) >= c.opts.ConnectTimeout {
			c.drop(ErrConnectTimeout)
		}
	case connected:
		c.keepAlive(now)
		if c.state == connected && c.opts.ResendTimeout > 0 {
			c.resend(now)
		}
	}
}

func (c *Client) handle(m *wire.Message) error {
	switch m.Type() {
	case model.CONNACK:
		if c.state != connecting {
			return protocolViolation("unexpected CONNACK")
		}
		if code := m.ConnackCode(); code != model.ConnectAccepted {
			return &ConnackError{Code: code}
		}
		c.state = connected
		log.WithFields(log.Fields{
			"client": c.opts.ClientID,
		}).Info("Connected")
		for _, f := range c.opts.Subscriptions {
			if err := c.Subscribe(f, c.opts.SubscribeQoS); err != nil {
				log.WithFields(log.Fields{
					"filter": f,
					"err":    err,
				}).Warn("Could not subscribe")
			}
		}
		c.handler.OnConnected()

	case model.PINGRESP:
		c.pingSent = false

	case model.SUBACK:
		if rc := m.ReturnCode(); rc == wire.SubackFailure {
			log.WithFields(log.Fields{
				"packetID": m.PacketID(),
			}).Warn("Subscription refused")
		}

	case model.PUBACK:
		pID := m.PacketID()
		if done := c.inflight.Remove(pID); done != nil {
			c.pool.DecrementRef(done)
		} else {
			log.WithFields(log.Fields{
				"packetID": pID,
			}).Debug("PUBACK received with unknown pId")
		}

	case model.PUBLISH:
		if c.state != connected {
			return protocolViolation("PUBLISH before CONNACK")
		}
		switch m.QoS() {
		case wire.AtLeastOnce:
			if err := c.ctl.InitPuback(m.PacketID()); err != nil {
				return err
			}
			if err := c.write(c.ctl); err != nil {
				log.WithFields(log.Fields{
					"packetID": m.PacketID(),
					"err":      err,
				}).Warn("Could not acknowledge")
			}
		case wire.ExactlyOnce:
			log.WithFields(log.Fields{
				"topic": string(m.Topic()),
			}).Warn("Dropped QoS 2 publish")
			return nil
		}
		c.handler.OnPublish(m)

	default:
		log.WithFields(log.Fields{
			"type": wire.TypeName(m.Type()),
		}).Warn("Unexpected packet from broker")
	}
	return nil
}

func (c *Client) keepAlive(now time.Time) {
	ka := c.opts.KeepAlive
	if ka <= 0 {
		return
	}
	if c.pingSent {
		if now.Sub(c.pingAt) >= ka {
			c.drop(ErrPingTimeout)
		}
		return
	}
	if now.Sub(c.lastTx) >= ka/2 {
		if c.ctl.InitPingreq() == nil && c.write(c.ctl) == nil {
			c.pingSent, c.pingAt = true, now
		}
	}
}

func (c *Client) resend(now time.Time) {
	err := c.inflight.Resend(now, c.opts.ResendTimeout, func(i *queue.Item) error {
		i.Msg.SetDup(true)
		return c.write(i.Msg)
	})
	if err != nil {
		log.WithFields(log.Fields{
			"err": err,
		}).Debug("Resend postponed")
	}
}

// drop closes the connection and reports reason.
func (c *Client) drop(reason error) {
	was := c.state
	c.close()

	log.WithFields(log.Fields{
		"client": c.opts.ClientID,
		"reason": reason,
	}).Warn("Connection lost")
	if was == connecting {
		c.handler.OnConnectFailed(reason)
	} else {
		c.handler.OnDisconnected(reason)
	}
}

func (c *Client) close() {
	if c.stream != nil {
		c.stream.Close()
		c.stream = nil
	}
	c.rx.release()
	c.inflight.Drain(c.pool.DecrementRef)
	c.state = idle
	c.pingSent = false
}

func (c *Client) write(m *wire.Message) error {
	if _, err := c.stream.Write(m.Bytes()); err != nil {
		return err
	}
	c.lastTx = c.clock.Now()
	return nil
}

func (c *Client) packetID() uint16 {
	for {
		c.nextID++
		if c.nextID == 0 { // [MQTT-2.3.1-1]
			continue
		}
		if !c.inflight.Has(c.nextID) {
			return c.nextID
		}
	}
}

// Subscribe sends a single filter SUBSCRIBE.
func (c *Client) Subscribe(filter string, qos wire.QoS) error {
	if c.state != connected {
		return ErrNotConnected
	}
	l, err := c.pool.Lease()
	if err != nil {
		return err
	}
	defer l.Release()

	if err := l.Message().InitSubscribe(c.packetID(), filter, qos); err != nil {
		return err
	}
	return c.write(l.Message())
}

// Publish builds and sends a message. Implements rpc.Publisher.
func (c *Client) Publish(topic string, payload []byte, qos wire.QoS) error {
	if c.state != connected {
		return ErrNotConnected
	}
	l, err := c.pool.Lease()
	if err != nil {
		return err
	}
	defer l.Release()

	var pID uint16
	if qos == wire.AtLeastOnce {
		pID = 1 // assigned on send
	}
	if err := l.Message().InitPublish(topic, qos, pID, payload, false); err != nil {
		return err
	}
	return c.PublishMessage(l.Message())
}

// PublishMessage sends a configured PUBLISH. A QoS1 message gets a fresh
// packet id and is referenced by the in-flight window until its PUBACK.
// Implements bridge.Upstream.
func (c *Client) PublishMessage(m *wire.Message) error {
	if c.state != connected {
		return ErrNotConnected
	}

	switch m.QoS() {
	case wire.AtMostOnce:
		return c.write(m)
	case wire.AtLeastOnce:
	default:
		return ErrQoSUnsupported
	}

	if c.inflight.Full() {
		return ErrInFlightFull
	}
	pID := c.packetID()
	m.SetPacketID(pID)
	m.SetDup(false)

	c.pool.IncrementRef(m)
	if err := c.inflight.Add(m, pID, c.clock.Now()); err != nil {
		c.pool.DecrementRef(m)
		return err
	}
	if err := c.write(m); err != nil {
		c.inflight.Remove(pID)
		c.pool.DecrementRef(m)
		return err
	}
	return nil
}
