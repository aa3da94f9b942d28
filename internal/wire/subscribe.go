package wire

import (
	"encoding/binary"

	"github.com/RoanBrand/gobridge/internal/model"
)

// SubackCode is the per filter SUBACK return code.
type SubackCode uint8

const (
	SubackMaxQoS0 SubackCode = 0
	SubackMaxQoS1 SubackCode = 1
	SubackMaxQoS2 SubackCode = 2
	SubackFailure SubackCode = 0x80
	SubackUnknown SubackCode = 0xFF
)

func (c SubackCode) String() string {
	switch c {
	case SubackMaxQoS0:
		return "SUCCESS_MAXQOS0"
	case SubackMaxQoS1:
		return "SUCCESS_MAXQOS1"
	case SubackMaxQoS2:
		return "SUCCESS_MAXQOS2"
	case SubackFailure:
		return "FAILURE"
	default:
		return "UNKNOWN"
	}
}

// SUBSCRIBE field chain. Filters after the first stay in subMore.
const (
	subPacketID = iota
	subFilter
	subQoS
	subMore
)

// SUBACK field chain.
const (
	subackPacketID = iota
	subackReturnCode
)

// InitSubscribe builds a single filter SUBSCRIBE.
func (m *Message) InitSubscribe(packetID uint16, filter string, qos QoS) error {
	if qos > ExactlyOnce {
		return malformed("qos %d", qos)
	}

	if err := m.begin(model.SUBSCRIBESend); err != nil {
		return err
	}

	err := m.appendUint16(packetID)
	if err == nil {
		err = m.appendPrefixedString(filter)
	}
	if err == nil {
		err = m.appendByte(byte(qos))
	}
	if err == nil {
		err = m.appendRest(nil)
	}
	if err != nil {
		m.Reset()
		return err
	}

	return m.finish()
}

func checkFilter(filter []byte, qos byte) error {
	if len(filter) == 0 { // [MQTT-4.7.3-1]
		return malformed("empty topic filter")
	}
	if err := checkUTF8(filter, false); err != nil { // [MQTT-3.8.3-1]
		return malformed("topic filter: %s", err.Error())
	}
	if qos&0xFC != 0 { // [MQTT-3-8.3-4]
		return malformed("requested qos")
	}
	return nil
}

func (m *Message) validateSubscribe() error {
	if m.buf[0]&0x0F != 0x02 { // [MQTT-3.8.1-1]
		return malformed("SUBSCRIBE reserved flags")
	}

	if err := m.readFixed(2, "packet identifier"); err != nil {
		return err
	}
	if err := m.readPrefixed("topic filter"); err != nil {
		return err
	}
	if err := m.readFixed(1, "requested qos"); err != nil {
		return err
	}
	if err := checkFilter(m.field(subFilter).Value(), m.field(subQoS).Value()[0]); err != nil {
		return err
	}

	for c := m.cursor(); c < m.n; {
		if c+2 > m.n {
			return malformed("truncated topic filter length")
		}
		l := int(binary.BigEndian.Uint16(m.buf[c:]))
		if c+2+l+1 > m.n {
			return malformed("topic filter length %d exceeds packet", l)
		}
		if err := checkFilter(m.buf[c+2:c+2+l], m.buf[c+2+l]); err != nil {
			return err
		}
		c += 2 + l + 1
	}
	m.next(restLen, 0)
	return nil
}

// Filter is the topic filter of a SUBSCRIBE.
func (m *Message) Filter() []byte {
	m.mustBe(model.SUBSCRIBE)
	return m.field(subFilter).Value()
}

// RequestedQoS of a SUBSCRIBE.
func (m *Message) RequestedQoS() QoS {
	m.mustBe(model.SUBSCRIBE)
	return QoS(m.field(subQoS).Value()[0])
}

// FilterCount is the number of topic filters in a SUBSCRIBE.
func (m *Message) FilterCount() int {
	m.mustBe(model.SUBSCRIBE)
	n := 1
	more := m.field(subMore).Value()
	for c := 0; c < len(more); n++ {
		c += 2 + int(binary.BigEndian.Uint16(more[c:])) + 1
	}
	return n
}

// InitSuback builds a SUBACK with one return code per filter.
func (m *Message) InitSuback(packetID uint16, rcs ...SubackCode) error {
	if len(rcs) == 0 {
		return malformed("SUBACK without return codes")
	}
	if err := m.begin(model.SUBACK); err != nil {
		return err
	}

	err := m.appendUint16(packetID)
	if err == nil && m.n+len(rcs) > len(m.buf) {
		err = ErrOverflow
	}
	if err != nil {
		m.Reset()
		return err
	}
	for i, rc := range rcs {
		m.buf[m.n+i] = byte(rc)
	}
	m.n += len(rcs)
	m.next(fixedLen, len(rcs))

	return m.finish()
}

func (m *Message) validateSuback() error {
	if err := m.validateEmpty(); err != nil {
		return err
	}
	if err := m.readFixed(2, "packet identifier"); err != nil {
		return err
	}
	return m.readFixed(1, "return code")
}

// ReturnCode of a SUBACK. Values outside the defined set map to SubackUnknown.
func (m *Message) ReturnCode() SubackCode {
	m.mustBe(model.SUBACK)
	switch rc := SubackCode(m.field(subackReturnCode).Value()[0]); rc {
	case SubackMaxQoS0, SubackMaxQoS1, SubackMaxQoS2, SubackFailure:
		return rc
	default:
		return SubackUnknown
	}
}
