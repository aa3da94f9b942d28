// Package pool holds the fixed set of message buffers shared by the client,
// the RPC tree and the bridges. Slots are allocated once and recycled purely
// by reference count. The pool is owned by the run loop and is not safe for
// concurrent use.
package pool

import (
	"github.com/RoanBrand/gobridge/internal/wire"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const (
	DefaultSize    = 4
	DefaultBufSize = 512
)

// ErrExhausted is returned by AcquireEmpty when every slot is referenced.
var ErrExhausted = errors.New("pool: no free message slot")

type slot struct {
	buf  []byte
	refs uint8
	msg  wire.Message
}

type Pool struct {
	slots []slot
}

// New allocates n slots of bufSize bytes each.
func New(n, bufSize int) *Pool {
	if n <= 0 || bufSize <= 0 {
		panic("pool: invalid dimensions")
	}

	p := &Pool{slots: make([]slot, n)}
	for i := range p.slots {
		s := &p.slots[i]
		s.buf = make([]byte, bufSize)
		s.msg.Bind(s.buf)
	}
	return p
}

// AcquireEmpty reserves a free slot with a reference count of 1.
// The returned message is unconfigured.
func (p *Pool) AcquireEmpty() (*wire.Message, error) {
	for i := range p.slots {
		s := &p.slots[i]
		if s.refs == 0 {
			s.refs = 1
			s.msg.Reset()
			return &s.msg, nil
		}
	}
	return nil, ErrExhausted
}

// LookupByBuffer returns the message backed by buf, or nil if buf does not
// start a slot buffer.
func (p *Pool) LookupByBuffer(buf []byte) *wire.Message {
	if len(buf) == 0 {
		return nil
	}
	for i := range p.slots {
		if &p.slots[i].buf[0] == &buf[0] {
			return &p.slots[i].msg
		}
	}
	return nil
}

func (p *Pool) slotOf(m *wire.Message) *slot {
	if m == nil {
		panic("pool: nil message")
	}
	for i := range p.slots {
		if &p.slots[i].msg == m {
			return &p.slots[i]
		}
	}
	panic("pool: message not owned by this pool")
}

func (p *Pool) IncrementRef(m *wire.Message) {
	s := p.slotOf(m)
	if s.refs == 0xFF {
		panic("pool: reference count overflow")
	}
	s.refs++
}

// DecrementRef drops one reference. The slot is free again once the count
// reaches 0. Decrementing a free slot only logs.
func (p *Pool) DecrementRef(m *wire.Message) {
	s := p.slotOf(m)
	if s.refs == 0 {
		log.WithFields(log.Fields{
			"slot": p.index(s),
		}).Warn("Reference count decrement at 0")
		return
	}
	s.refs--
}

func (p *Pool) RefCount(m *wire.Message) uint8 {
	return p.slotOf(m).refs
}

// InUse is the number of referenced slots.
func (p *Pool) InUse() int {
	n := 0
	for i := range p.slots {
		if p.slots[i].refs > 0 {
			n++
		}
	}
	return n
}

func (p *Pool) Size() int {
	return len(p.slots)
}

// BufSize is the capacity of every slot.
func (p *Pool) BufSize() int {
	return len(p.slots[0].buf)
}

func (p *Pool) index(s *slot) int {
	for i := range p.slots {
		if &p.slots[i] == s {
			return i
		}
	}
	return -1
}
