package wire

import (
	"encoding/binary"

	"github.com/RoanBrand/gobridge/internal/model"
)

// TrimToPointer removes every topic name byte strictly left of the buffer
// offset p, keeping the rest of the topic. p must lie within the topic name.
// Later fields move left with the topic.
func (m *Message) TrimToPointer(p int) error {
	m.mustBe(model.PUBLISH)
	t := m.field(pubTopic)
	start := t.Offset() + 2
	end := t.End()
	if p < start || p >= end {
		return ErrOutOfField
	}

	cut := p - start
	if cut == 0 {
		return nil
	}

	copy(m.buf[start:], m.buf[p:m.n])
	m.n -= cut
	binary.BigEndian.PutUint16(m.buf[start-2:], uint16(end-p))

	if err := m.encodeRemainingLength(); err != nil {
		return err
	}
	return m.checkTopic()
}

// PrependCString inserts s at the front of the topic name, shifting the
// fields after it. Fails without modifying the message if the result would
// not fit the backing buffer.
func (m *Message) PrependCString(s string) error {
	m.mustBe(model.PUBLISH)
	if len(s) == 0 {
		return nil
	}

	t := m.field(pubTopic)
	start := t.Offset() + 2
	tl := t.Len() - 2
	if tl+len(s) > 0xFFFF {
		return ErrOverflow
	}

	_, cw, _ := model.VariableLengthDecode(m.buf[1:m.n])
	nw := model.LengthToNumberOfVariableLengthBytes(m.n - 1 - cw + len(s))
	if m.n+len(s)+nw-cw > len(m.buf) {
		return ErrOverflow
	}

	copy(m.buf[start+len(s):], m.buf[start:m.n])
	copy(m.buf[start:], s)
	m.n += len(s)
	binary.BigEndian.PutUint16(m.buf[start-2:], uint16(tl+len(s)))

	if err := m.encodeRemainingLength(); err != nil {
		return err
	}
	return m.checkTopic()
}

// checkTopic re-validates the topic length prefix against the packet after surgery.
func (m *Message) checkTopic() error {
	t := m.field(pubTopic)
	if t.End() > m.n {
		return malformed("topic length %d exceeds packet", t.Len()-2)
	}

	rl, w, err := model.VariableLengthDecode(m.buf[1:m.n])
	if err != nil || 1+w+rl != m.n {
		return malformed("remaining length after topic rewrite")
	}

	return m.checkEnd()
}
