package mqtt

import (
	"time"

	"github.com/RoanBrand/gobridge/internal/model"
	"github.com/RoanBrand/gobridge/internal/pool"
	"github.com/RoanBrand/gobridge/internal/runloop"
	"github.com/RoanBrand/gobridge/internal/transport"
	"github.com/RoanBrand/gobridge/internal/wire"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// SessionConnectTimeout is how long a peer has to send CONNECT.
const SessionConnectTimeout = 10 * time.Second

// maxSubscribeFilters bounds the filters acknowledged per SUBSCRIBE.
const maxSubscribeFilters = 16

// PeerHandler is the bridge side of a Session. All calls happen on the run loop.
type PeerHandler interface {
	// Authenticate decides the CONNACK. A nil error accepts the peer.
	Authenticate(s *Session, clientID, username string, password []byte) error
	// Publish gets a borrowed PUBLISH from an accepted peer.
	Publish(s *Session, m *wire.Message)
	// Closed is called once, from the Poll that notices the session ended.
	Closed(s *Session)
}

// session states
const (
	awaitingConnect = iota
	active
	closed
)

// Session serves one downstream peer in the broker role.
type Session struct {
	stream  transport.Stream
	addr    string
	pool    *pool.Pool
	clock   runloop.Clock
	handler PeerHandler

	state     uint8
	notified  bool
	rx        receiver
	ctl       *wire.Message
	grants    [maxSubscribeFilters]wire.SubackCode // all SubackMaxQoS0
	clientID  string
	keepAlive time.Duration
	started   time.Time
	lastRx    time.Time
}

func NewSession(s transport.Stream, addr string, p *pool.Pool, clock runloop.Clock, h PeerHandler) *Session {
	if s == nil || p == nil || clock == nil || h == nil {
		panic("mqtt: nil session collaborator")
	}
	now := clock.Now()
	return &Session{
		stream:  s,
		addr:    addr,
		pool:    p,
		clock:   clock,
		handler: h,
		rx:      receiver{pool: p},
		ctl:     wire.NewMessage(make([]byte, 4+maxSubscribeFilters)),
		started: now,
		lastRx:  now,
	}
}

func (s *Session) ClientID() string {
	return s.clientID
}

func (s *Session) Addr() string {
	return s.addr
}

// Write forwards m to the peer. Implements bridge.Peer.
func (s *Session) Write(m *wire.Message) error {
	if s.state != active {
		return transport.ErrClosed
	}
	_, err := s.stream.Write(m.Bytes())
	return err
}

// Close ends the session. The handler hears about it on the next Poll.
func (s *Session) Close() error {
	if s.state == closed {
		return nil
	}
	s.state = closed
	return s.stream.Close()
}

// Poll returns false once the session is over and can be forgotten.
func (s *Session) Poll() bool {
	if s.state != closed {
		s.receive()
	}
	if s.state != closed {
		s.checkTimeouts()
	}

	if s.state == closed {
		if !s.notified {
			s.notified = true
			s.rx.release()
			s.handler.Closed(s)
		}
		return false
	}
	return true
}

func (s *Session) receive() {
	for i := 0; i < maxPacketsPerPoll && s.state != closed; i++ {
		m, err := s.rx.next(s.stream)
		if err != nil {
			s.end(err)
			return
		}
		if m == nil {
			return
		}
		s.lastRx = s.clock.Now()
		err = s.handle(m)
		s.pool.DecrementRef(m)
		if err != nil {
			s.end(err)
			return
		}
	}
}

func (s *Session) checkTimeouts() {
	now := s.clock.Now()
	switch s.state {
	case awaitingConnect:
		if now.Sub(s.started) >= SessionConnectTimeout {
			s.end(protocolViolation("no CONNECT in time"))
		}
	case active:
		if s.keepAlive > 0 && now.Sub(s.lastRx) >= s.keepAlive { // [MQTT-3.1.2-24]
			s.end(ErrPingTimeout)
		}
	}
}

func (s *Session) handle(m *wire.Message) error {
	t := m.Type()
	if s.state == awaitingConnect {
		if t != model.CONNECT { // [MQTT-3.1.0-1]
			return protocolViolation("first packet not CONNECT")
		}
		return s.connect(m)
	}

	switch t {
	case model.CONNECT: // [MQTT-3.1.0-2]
		return protocolViolation("second CONNECT packet")
	case model.PINGREQ:
		if err := s.ctl.InitPingresp(); err != nil {
			return err
		}
		return s.send(s.ctl)
	case model.SUBSCRIBE:
		// Routing is by client id, so filters only need acknowledging.
		n := m.FilterCount()
		if n > len(s.grants) {
			return protocolViolation("too many topic filters")
		}
		if err := s.ctl.InitSuback(m.PacketID(), s.grants[:n]...); err != nil {
			return err
		}
		return s.send(s.ctl)
	case model.PUBLISH:
		switch m.QoS() {
		case wire.AtLeastOnce:
			if err := s.ctl.InitPuback(m.PacketID()); err != nil {
				return err
			}
			if err := s.send(s.ctl); err != nil {
				return err
			}
		case wire.ExactlyOnce:
			return ErrQoSUnsupported
		}
		s.handler.Publish(s, m)
	case model.PUBACK:
		// forwarded QoS1 messages are not tracked per peer
	case model.DISCONNECT:
		s.Close()
		log.WithFields(log.Fields{
			"client": s.clientID,
		}).Debug("Peer disconnected")
	default:
		return protocolViolation("unexpected " + wire.TypeName(t))
	}
	return nil
}

func (s *Session) connect(m *wire.Message) error {
	if m.ProtocolLevel() != 4 {
		s.refuse(model.ConnectBadProtocolVersion)
		return nil
	}
	cid := string(m.ClientID())
	if cid == "" {
		s.refuse(model.ConnectIdentifierRejected)
		return nil
	}

	if err := s.handler.Authenticate(s, cid, string(m.Username()), m.Password()); err != nil {
		log.WithFields(log.Fields{
			"client": cid,
			"addr":   s.addr,
			"err":    err,
		}).Info("Peer refused")
		s.refuse(refusalCode(err))
		return nil
	}

	s.clientID = cid
	s.keepAlive = time.Duration(m.KeepAlive()) * time.Second * 3 / 2
	s.state = active
	if err := s.ctl.InitConnack(false, model.ConnectAccepted); err != nil {
		return err
	}
	if err := s.send(s.ctl); err != nil {
		return err
	}

	log.WithFields(log.Fields{
		"client":    cid,
		"addr":      s.addr,
		"keepAlive": s.keepAlive,
	}).Info("Peer connected")
	return nil
}

func refusalCode(err error) byte {
	switch {
	case errors.Is(err, ErrServerUnavailable):
		return model.ConnectServerUnavailable
	case errors.Is(err, ErrIdentifierRejected):
		return model.ConnectIdentifierRejected
	default:
		return model.ConnectNotAuthorized
	}
}

func (s *Session) refuse(code byte) {
	if s.ctl.InitConnack(false, code) == nil {
		s.send(s.ctl)
	}
	s.Close()
}

func (s *Session) send(m *wire.Message) error {
	_, err := s.stream.Write(m.Bytes())
	return err
}

func (s *Session) end(reason error) {
	log.WithFields(log.Fields{
		"client": s.clientID,
		"addr":   s.addr,
		"reason": reason,
	}).Info("Peer session ended")
	s.Close()
}
