// Package wire is the MQTT control packet field model.
//
// A Message is a view over a fixed backing buffer. Its fields are chained
// from the buffer start (fixed header, remaining length, then type specific
// fields) and only become readable once the message is configured, either by
// one of the Init* constructors or by ValidateReceivedBytes.
//
// Messages never grow their buffer. A Message must not be copied after its
// fields are linked, since fields refer to each other by pointer.
package wire

import (
	"github.com/RoanBrand/gobridge/internal/model"
)

// QoS is the MQTT delivery guarantee level.
type QoS uint8

const (
	AtMostOnce QoS = iota
	AtLeastOnce
	ExactlyOnce
)

// maxFields is the longest type specific chain (CONNECT).
const maxFields = 9

type Message struct {
	buf        []byte
	n          int
	configured bool

	header  Field
	remLen  Field
	fields  [maxFields]Field
	nFields int
}

// NewMessage wraps buf. The full capacity of buf is used as backing storage.
func NewMessage(buf []byte) *Message {
	m := &Message{}
	m.Bind(buf)
	return m
}

// Bind attaches a new backing buffer and unconfigures the message.
func (m *Message) Bind(buf []byte) {
	m.buf = buf[:cap(buf)]
	m.Reset()
}

// Reset unconfigures the message. Buffer contents are left as is.
func (m *Message) Reset() {
	m.n, m.nFields, m.configured = 0, 0, false
}

// Buffer returns the whole backing buffer, for receiving raw bytes into.
func (m *Message) Buffer() []byte {
	return m.buf
}

// Bytes returns the encoded packet.
func (m *Message) Bytes() []byte {
	return m.buf[:m.n]
}

func (m *Message) Len() int {
	return m.n
}

func (m *Message) Cap() int {
	return len(m.buf)
}

func (m *Message) Configured() bool {
	return m.configured
}

func (m *Message) mustBeConfigured() {
	if !m.configured {
		panic("wire: use of unconfigured message")
	}
}

func (m *Message) mustBe(t byte) {
	m.mustBeConfigured()
	if m.buf[0]&0xF0 != t {
		panic("wire: " + TypeName(t) + " field access on " + TypeName(m.buf[0]&0xF0))
	}
}

// Type returns the control packet type, comparable to the model constants.
func (m *Message) Type() byte {
	m.mustBeConfigured()
	return m.buf[0] & 0xF0
}

// Flags returns the low nibble of the fixed header.
func (m *Message) Flags() byte {
	m.mustBeConfigured()
	return m.buf[0] & 0x0F
}

// RemainingLength as currently encoded.
func (m *Message) RemainingLength() int {
	m.mustBeConfigured()
	l, _, _ := model.VariableLengthDecode(m.buf[1:m.n])
	return l
}

func (m *Message) field(i int) *Field {
	return &m.fields[i]
}

// begin starts a new packet with a single byte remaining length placeholder.
func (m *Message) begin(header byte) error {
	m.Reset()
	if len(m.buf) < 2 {
		return ErrOverflow
	}

	m.buf[0], m.buf[1] = header, 0
	m.n = 2
	m.header.link(m, nil, fixedLen, 1)
	m.remLen.link(m, &m.header, varLen, 0)
	return nil
}

func (m *Message) next(kind fieldKind, size int) *Field {
	prev := &m.remLen
	if m.nFields > 0 {
		prev = &m.fields[m.nFields-1]
	}

	f := &m.fields[m.nFields]
	f.link(m, prev, kind, size)
	m.nFields++
	return f
}

func (m *Message) appendFixed(b []byte) error {
	if m.n+len(b) > len(m.buf) {
		return ErrOverflow
	}

	copy(m.buf[m.n:], b)
	m.n += len(b)
	m.next(fixedLen, len(b))
	return nil
}

func (m *Message) appendByte(b byte) error {
	if m.n+1 > len(m.buf) {
		return ErrOverflow
	}

	m.buf[m.n] = b
	m.n++
	m.next(fixedLen, 1)
	return nil
}

func (m *Message) appendUint16(v uint16) error {
	if m.n+2 > len(m.buf) {
		return ErrOverflow
	}

	m.buf[m.n], m.buf[m.n+1] = byte(v>>8), byte(v)
	m.n += 2
	m.next(fixedLen, 2)
	return nil
}

func (m *Message) appendPrefixed(b []byte) error {
	if len(b) > 0xFFFF || m.n+2+len(b) > len(m.buf) {
		return ErrOverflow
	}

	m.buf[m.n], m.buf[m.n+1] = byte(len(b)>>8), byte(len(b))
	copy(m.buf[m.n+2:], b)
	m.n += 2 + len(b)
	m.next(prefixedLen, 0)
	return nil
}

func (m *Message) appendPrefixedString(s string) error {
	if len(s) > 0xFFFF || m.n+2+len(s) > len(m.buf) {
		return ErrOverflow
	}

	m.buf[m.n], m.buf[m.n+1] = byte(len(s)>>8), byte(len(s))
	copy(m.buf[m.n+2:], s)
	m.n += 2 + len(s)
	m.next(prefixedLen, 0)
	return nil
}

func (m *Message) appendRest(b []byte) error {
	if m.n+len(b) > len(m.buf) {
		return ErrOverflow
	}

	copy(m.buf[m.n:], b)
	m.n += len(b)
	m.next(restLen, 0)
	return nil
}

// absent links a zero sized placeholder for an optional field.
func (m *Message) absent() {
	m.next(fixedLen, 0)
}

// finish encodes the remaining length and marks the message configured.
func (m *Message) finish() error {
	if err := m.encodeRemainingLength(); err != nil {
		m.Reset()
		return err
	}

	m.configured = true
	return nil
}

// encodeRemainingLength rewrites the remaining length for the current packet
// size, shifting the body if the number of length bytes changes.
func (m *Message) encodeRemainingLength() error {
	_, cw, err := model.VariableLengthDecode(m.buf[1:m.n])
	if err != nil || cw == 0 {
		return malformed("remaining length")
	}

	rl := m.n - 1 - cw
	if rl > model.MaxRemainingLength {
		return ErrOverflow
	}

	nw := model.LengthToNumberOfVariableLengthBytes(rl)
	if nw != cw {
		if m.n+nw-cw > len(m.buf) {
			return ErrOverflow
		}
		copy(m.buf[1+nw:], m.buf[1+cw:m.n])
		m.n += nw - cw
	}

	model.VariableLengthPut(m.buf[1:], rl)
	return nil
}

// ValidateReceivedBytes configures the message from n raw bytes previously
// written into Buffer(). Field boundaries are derived from the bytes; any
// length inconsistent with n fails with ErrMalformed and leaves the message
// unconfigured.
func (m *Message) ValidateReceivedBytes(n int) error {
	m.Reset()
	if n < 2 || n > len(m.buf) {
		return malformed("packet size %d", n)
	}
	m.n = n

	t := m.buf[0] & 0xF0
	if t < model.CONNECT || t > model.DISCONNECT {
		return malformed("invalid control packet %#x", m.buf[0])
	}

	rl, w, err := model.VariableLengthDecode(m.buf[1:n])
	if err != nil {
		return malformed("%s", err.Error())
	}
	if w == 0 {
		return malformed("truncated remaining length")
	}
	if 1+w+rl != n {
		return malformed("remaining length %d inconsistent with %d received bytes", rl, n)
	}

	m.header.link(m, nil, fixedLen, 1)
	m.remLen.link(m, &m.header, varLen, 0)

	switch t {
	case model.PUBLISH:
		err = m.validatePublish()
	case model.SUBSCRIBE:
		err = m.validateSubscribe()
	case model.SUBACK:
		err = m.validateSuback()
	case model.CONNECT:
		err = m.validateConnect()
	case model.CONNACK:
		err = m.validateConnack()
	case model.PUBACK:
		err = m.validatePuback()
	case model.PINGREQ, model.PINGRESP, model.DISCONNECT:
		err = m.validateEmpty()
	default:
		err = ErrUnsupported
	}

	if err == nil {
		err = m.checkEnd()
	}
	if err != nil {
		m.Reset()
		return err
	}

	m.configured = true
	return nil
}

// checkEnd verifies the last linked field ends exactly at the packet end.
func (m *Message) checkEnd() error {
	last := &m.remLen
	if m.nFields > 0 {
		last = &m.fields[m.nFields-1]
	}
	if end := last.End(); end != m.n {
		return malformed("fields end at %d of %d bytes", end, m.n)
	}
	return nil
}

// cursor returns where the next field would start during validation.
func (m *Message) cursor() int {
	if m.nFields == 0 {
		return m.remLen.End()
	}
	return m.fields[m.nFields-1].End()
}

func (m *Message) readFixed(size int, what string) error {
	if m.cursor()+size > m.n {
		return malformed("truncated %s", what)
	}
	m.next(fixedLen, size)
	return nil
}

func (m *Message) readPrefixed(what string) error {
	c := m.cursor()
	if c+2 > m.n {
		return malformed("truncated %s length", what)
	}
	if l := int(m.buf[c])<<8 | int(m.buf[c+1]); c+2+l > m.n {
		return malformed("%s length %d exceeds packet", what, l)
	}
	m.next(prefixedLen, 0)
	return nil
}

func (m *Message) validateEmpty() error {
	if m.buf[0]&0x0F != 0 {
		return malformed("%s fixed header flags must be 0", TypeName(m.buf[0]&0xF0))
	}
	return nil
}

// TypeName for logging.
func TypeName(t byte) string {
	switch t & 0xF0 {
	case model.CONNECT:
		return "CONNECT"
	case model.CONNACK:
		return "CONNACK"
	case model.PUBLISH:
		return "PUBLISH"
	case model.PUBACK:
		return "PUBACK"
	case model.PUBREC:
		return "PUBREC"
	case model.PUBREL:
		return "PUBREL"
	case model.PUBCOMP:
		return "PUBCOMP"
	case model.SUBSCRIBE:
		return "SUBSCRIBE"
	case model.SUBACK:
		return "SUBACK"
	case model.UNSUBSCRIBE:
		return "UNSUBSCRIBE"
	case model.UNSUBACK:
		return "UNSUBACK"
	case model.PINGREQ:
		return "PINGREQ"
	case model.PINGRESP:
		return "PINGRESP"
	case model.DISCONNECT:
		return "DISCONNECT"
	default:
		return "RESERVED"
	}
}
