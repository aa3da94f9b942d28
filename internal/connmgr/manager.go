// Package connmgr owns the upstream connection lifecycle. The manager
// reacts to link and MQTT edges, makes at most one transition per poll and
// waits out a jittered standoff after every failure.
package connmgr

import (
	"math/rand"
	"time"

	"github.com/RoanBrand/gobridge/internal/runloop"
	log "github.com/sirupsen/logrus"
)

const (
	StandOffMin    = 500 * time.Millisecond
	StandOffJitter = time.Second
)

type State uint8

const (
	Associating State = iota
	WaitCredentials
	Connecting
	Connected
	StandOff
)

func (s State) String() string {
	switch s {
	case Associating:
		return "ASSOCIATING"
	case WaitCredentials:
		return "WAIT_CREDENTIALS"
	case Connecting:
		return "CONNECTING"
	case Connected:
		return "CONNECTED"
	case StandOff:
		return "STANDOFF"
	default:
		return "UNKNOWN"
	}
}

// Client is the MQTT side the manager drives. Connect only starts an
// attempt; the outcome arrives through ConnectSucceeded / ConnectFailed.
type Client interface {
	Connect(creds *Credentials) error
	Disconnect()
}

type Manager struct {
	client Client
	clock  runloop.Clock
	rng    *rand.Rand

	state State
	creds *Credentials

	linkUp         bool
	evUnassoc      bool
	evConnected    bool
	evFailed       bool
	evDisconnected bool

	standOffStart time.Time
	standOff      time.Duration

	onChange func(from, to State)
}

func NewManager(client Client, clock runloop.Clock) *Manager {
	if client == nil || clock == nil {
		panic("connmgr: nil client or clock")
	}
	return &Manager{
		client: client,
		clock:  clock,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Seed fixes the standoff jitter sequence.
func (m *Manager) Seed(seed int64) {
	m.rng = rand.New(rand.NewSource(seed))
}

// OnChange registers the state observer. Called on the run loop.
func (m *Manager) OnChange(fn func(from, to State)) {
	m.onChange = fn
}

func (m *Manager) State() State {
	return m.state
}

// StandOff returns the delay rolled on the last StandOff entry.
func (m *Manager) StandOff() time.Duration {
	return m.standOff
}

func (m *Manager) Credentials() *Credentials {
	return m.creds
}

// SetCredentials replaces the credentials used for the next attempt.
// Nil or empty credentials clear them.
func (m *Manager) SetCredentials(c *Credentials) {
	if c.Empty() {
		m.creds = nil
		return
	}
	cp := *c
	m.creds = &cp
}

// LinkChanged is the link source's edge callback.
func (m *Manager) LinkChanged(associated bool) {
	m.linkUp = associated
	if !associated {
		m.evUnassoc = true
	}
}

func (m *Manager) ConnectSucceeded() {
	m.evConnected = true
}

func (m *Manager) ConnectFailed(reason error) {
	log.WithFields(log.Fields{
		"state":  m.state,
		"reason": reason,
	}).Info("Connect failed")
	m.evFailed = true
}

func (m *Manager) Disconnected(reason error) {
	log.WithFields(log.Fields{
		"state":  m.state,
		"reason": reason,
	}).Info("Disconnected")
	m.evDisconnected = true
}

// Poll makes at most one transition.
func (m *Manager) Poll() {
	if m.evUnassoc {
		m.evUnassoc = false
		if m.state != Associating {
			if m.state == Connecting || m.state == Connected {
				m.client.Disconnect()
			}
			m.enter(Associating)
			return
		}
	}

	switch m.state {
	case Associating:
		if !m.linkUp {
			return
		}
		if m.creds == nil {
			m.enter(WaitCredentials)
		} else {
			m.enter(Connecting)
		}
	case WaitCredentials:
		if m.creds != nil {
			m.enter(Connecting)
		}
	case Connecting:
		if m.evConnected {
			m.enter(Connected)
		} else if m.evFailed {
			m.enter(StandOff)
		}
	case Connected:
		if m.evDisconnected || m.evFailed {
			m.enter(StandOff)
		}
	case StandOff:
		if m.clock.Now().Sub(m.standOffStart) < m.standOff {
			return
		}
		if m.creds == nil {
			m.enter(WaitCredentials)
		} else {
			m.enter(Connecting)
		}
	}
}

func (m *Manager) enter(s State) {
	old := m.state
	m.state = s
	m.evConnected, m.evFailed, m.evDisconnected = false, false, false

	if s == StandOff {
		m.standOffStart = m.clock.Now()
		m.standOff = StandOffMin + time.Duration(m.rng.Int63n(int64(StandOffJitter)))
	}

	log.WithFields(log.Fields{
		"from": old,
		"to":   s,
	}).Debug("Connection state")
	if m.onChange != nil {
		m.onChange(old, s)
	}

	if s == Connecting {
		if err := m.client.Connect(m.creds); err != nil {
			log.WithFields(log.Fields{
				"err": err,
			}).Warn("Could not start connect")
			m.evFailed = true
		}
	}
}
