package wire

import (
	"encoding/binary"

	"github.com/RoanBrand/gobridge/internal/model"
)

// PUBLISH field chain.
const (
	pubTopic = iota
	pubPacketID
	pubPayload
)

// InitPublish builds a PUBLISH. packetID is only encoded when qos > 0.
func (m *Message) InitPublish(topic string, qos QoS, packetID uint16, payload []byte, retain bool) error {
	if qos > ExactlyOnce {
		return malformed("qos %d", qos)
	}

	header := byte(model.PUBLISH) | byte(qos)<<1
	if retain {
		header |= 0x01
	}

	if err := m.begin(header); err != nil {
		return err
	}
	if err := m.appendPrefixedString(topic); err != nil {
		m.Reset()
		return err
	}

	var err error
	if qos > AtMostOnce {
		err = m.appendUint16(packetID)
	} else {
		m.absent()
	}
	if err == nil {
		err = m.appendRest(payload)
	}
	if err != nil {
		m.Reset()
		return err
	}

	return m.finish()
}

func (m *Message) validatePublish() error {
	flags := m.buf[0] & 0x0F
	qos := QoS(flags&0x06) >> 1
	if qos > ExactlyOnce { // [MQTT-3.3.1-4]
		return malformed("PUBLISH qos 3")
	}
	if flags&0x08 > 0 && qos == AtMostOnce { // [MQTT-3.3.1-2]
		return malformed("PUBLISH DUP set for QoS0")
	}

	if err := m.readPrefixed("topic name"); err != nil {
		return err
	}
	topic := m.field(pubTopic).Value()
	if len(topic) == 0 { // [MQTT-4.7.3-1]
		return malformed("empty topic name")
	}
	if err := checkUTF8(topic, true); err != nil { // [MQTT-3.3.2-1]
		return malformed("topic name: %s", err.Error())
	}

	if qos > AtMostOnce {
		if err := m.readFixed(2, "packet identifier"); err != nil {
			return err
		}
		if binary.BigEndian.Uint16(m.field(pubPacketID).Value()) == 0 { // [MQTT-2.3.1-1]
			return malformed("zero packet identifier")
		}
	} else {
		m.absent()
	}

	m.next(restLen, 0)
	return nil
}

func (m *Message) QoS() QoS {
	m.mustBe(model.PUBLISH)
	return QoS(m.buf[0]&0x06) >> 1
}

func (m *Message) Retain() bool {
	m.mustBe(model.PUBLISH)
	return m.buf[0]&0x01 > 0
}

func (m *Message) Dup() bool {
	m.mustBe(model.PUBLISH)
	return m.buf[0]&0x08 > 0
}

// SetDup marks a QoS>0 PUBLISH as a redelivery.
func (m *Message) SetDup(dup bool) {
	m.mustBe(model.PUBLISH)
	if dup && m.buf[0]&0x06 != 0 {
		m.buf[0] |= 0x08
	} else {
		m.buf[0] &^= 0x08
	}
}

// Topic returns the topic name. The slice aliases the buffer and is
// invalidated by topic surgery.
func (m *Message) Topic() []byte {
	m.mustBe(model.PUBLISH)
	return m.field(pubTopic).Value()
}

// TopicOffset is the buffer offset of the first topic name byte.
func (m *Message) TopicOffset() int {
	m.mustBe(model.PUBLISH)
	return m.field(pubTopic).Offset() + 2
}

func (m *Message) Payload() []byte {
	m.mustBe(model.PUBLISH)
	return m.field(pubPayload).Value()
}

// PacketID of a PUBLISH (0 when QoS 0), PUBACK, SUBSCRIBE or SUBACK.
func (m *Message) PacketID() uint16 {
	m.mustBeConfigured()
	var f *Field
	switch m.buf[0] & 0xF0 {
	case model.PUBLISH:
		f = m.field(pubPacketID)
		if !f.Present() {
			return 0
		}
	case model.PUBACK, model.SUBSCRIBE, model.SUBACK:
		f = m.field(0)
	default:
		panic("wire: packet identifier access on " + TypeName(m.buf[0]))
	}
	return binary.BigEndian.Uint16(f.Value())
}

// SetPacketID overwrites the packet identifier of a QoS>0 PUBLISH.
func (m *Message) SetPacketID(id uint16) {
	m.mustBe(model.PUBLISH)
	f := m.field(pubPacketID)
	if !f.Present() {
		panic("wire: packet identifier on QoS0 PUBLISH")
	}
	binary.BigEndian.PutUint16(f.Value(), id)
}
