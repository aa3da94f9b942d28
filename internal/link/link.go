// Package link reports network association, the condition for attempting
// an upstream connection. Sources are polled from the run loop and report
// edges only.
package link

import (
	"net"
	"time"

	"github.com/RoanBrand/gobridge/internal/runloop"
	log "github.com/sirupsen/logrus"
)

// Source is polled by the run loop and reports association changes to its
// listener.
type Source interface {
	Poll()
	Associated() bool
	OnChange(func(associated bool))
}

// Static is a link that is up from the first poll on, for fixed
// installations and tests. Set toggles it.
type Static struct {
	up, reported, known bool
	listener            func(bool)
}

func NewStatic(up bool) *Static {
	return &Static{up: up}
}

func (s *Static) OnChange(fn func(bool)) {
	s.listener = fn
}

func (s *Static) Set(up bool) {
	s.up = up
}

func (s *Static) Associated() bool {
	return s.up
}

func (s *Static) Poll() {
	if s.known && s.reported == s.up {
		return
	}
	s.known, s.reported = true, s.up
	if s.listener != nil {
		s.listener(s.up)
	}
}

// Monitor watches an OS network interface. It is associated while the
// interface is up and carries a non loopback address.
type Monitor struct {
	name     string // "any" for every interface
	interval time.Duration
	clock    runloop.Clock

	lastCheck time.Time
	up, known bool
	listener  func(bool)

	interfaces func() ([]net.Interface, error)
	addrs      func(net.Interface) ([]net.Addr, error)
}

func NewMonitor(name string, interval time.Duration, clock runloop.Clock) *Monitor {
	return &Monitor{
		name:       name,
		interval:   interval,
		clock:      clock,
		interfaces: net.Interfaces,
		addrs:      func(i net.Interface) ([]net.Addr, error) { return i.Addrs() },
	}
}

func (m *Monitor) OnChange(fn func(bool)) {
	m.listener = fn
}

func (m *Monitor) Associated() bool {
	return m.up
}

func (m *Monitor) Poll() {
	now := m.clock.Now()
	if m.known && now.Sub(m.lastCheck) < m.interval {
		return
	}
	m.lastCheck = now

	up := m.check()
	if m.known && up == m.up {
		return
	}
	m.known, m.up = true, up

	log.WithFields(log.Fields{
		"interface":  m.name,
		"associated": up,
	}).Info("Link changed")
	if m.listener != nil {
		m.listener(up)
	}
}

func (m *Monitor) check() bool {
	ifs, err := m.interfaces()
	if err != nil {
		log.WithFields(log.Fields{
			"err": err,
		}).Warn("Could not list network interfaces")
		return false
	}

	for _, i := range ifs {
		if m.name != "any" && i.Name != m.name {
			continue
		}
		if i.Flags&net.FlagUp == 0 || i.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := m.addrs(i)
		if err != nil {
			continue
		}
		for _, a := range addrs {
			if ipn, ok := a.(*net.IPNet); ok && !ipn.IP.IsLoopback() && !ipn.IP.IsLinkLocalUnicast() {
				return true
			}
		}
	}
	return false
}
