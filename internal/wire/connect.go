package wire

import (
	"bytes"
	"encoding/binary"

	"github.com/RoanBrand/gobridge/internal/model"
)

var protocolName = []byte("MQTT")

const protocolLevel = 4 // v3.1.1

// CONNECT field chain.
const (
	conProtoName = iota
	conLevel
	conFlags
	conKeepAlive
	conClientID
	conWillTopic
	conWillMessage
	conUsername
	conPassword
)

// CONNACK field chain.
const (
	connackFlags = iota
	connackCode
)

// InitConnect builds a v3.1.1 CONNECT. Empty username/password are omitted;
// a password needs a username.
func (m *Message) InitConnect(clientID, username, password string, keepAlive uint16, cleanSession bool) error {
	if username == "" && password != "" {
		return ErrPasswordOnly
	}

	var flags byte
	if cleanSession {
		flags |= model.ConnectFlagCleanSession
	}
	if username != "" {
		flags |= model.ConnectFlagUsername
		if password != "" {
			flags |= model.ConnectFlagPassword
		}
	}

	if err := m.begin(model.CONNECT); err != nil {
		return err
	}

	err := m.appendPrefixed(protocolName)
	if err == nil {
		err = m.appendByte(protocolLevel)
	}
	if err == nil {
		err = m.appendByte(flags)
	}
	if err == nil {
		err = m.appendUint16(keepAlive)
	}
	if err == nil {
		err = m.appendPrefixedString(clientID)
	}
	if err == nil {
		m.absent() // will topic
		m.absent() // will message
		if flags&model.ConnectFlagUsername > 0 {
			err = m.appendPrefixedString(username)
		} else {
			m.absent()
		}
	}
	if err == nil {
		if flags&model.ConnectFlagPassword > 0 {
			err = m.appendPrefixedString(password)
		} else {
			m.absent()
		}
	}
	if err != nil {
		m.Reset()
		return err
	}

	return m.finish()
}

func (m *Message) validateConnect() error {
	if err := m.validateEmpty(); err != nil {
		return err
	}

	if err := m.readPrefixed("protocol name"); err != nil {
		return err
	}
	if !bytes.Equal(m.field(conProtoName).Value(), protocolName) { // [MQTT-3.1.2-1]
		return malformed("protocol name %q", m.field(conProtoName).Value())
	}

	if err := m.readFixed(1, "protocol level"); err != nil {
		return err
	}
	if err := m.readFixed(1, "connect flags"); err != nil {
		return err
	}
	flags := m.field(conFlags).Value()[0]
	if flags&0x01 > 0 { // [MQTT-3.1.2-3]
		return malformed("CONNECT reserved flag")
	}

	if err := m.readFixed(2, "keep alive"); err != nil {
		return err
	}
	if err := m.readPrefixed("client identifier"); err != nil {
		return err
	}
	if err := checkUTF8(m.field(conClientID).Value(), false); err != nil { // [MQTT-3.1.3-4]
		return malformed("client identifier: %s", err.Error())
	}

	if flags&0x04 > 0 {
		if err := m.readPrefixed("will topic"); err != nil {
			return err
		}
		if err := m.readPrefixed("will message"); err != nil {
			return err
		}
	} else if flags&0x38 > 0 { // [MQTT-3.1.2-11, 2-13, 2-15]
		return malformed("CONNECT will flags")
	} else {
		m.absent()
		m.absent()
	}

	if flags&model.ConnectFlagUsername > 0 {
		if err := m.readPrefixed("user name"); err != nil {
			return err
		}
	} else if flags&model.ConnectFlagPassword > 0 { // [MQTT-3.1.2-22]
		return malformed("password without user name")
	} else {
		m.absent()
	}

	if flags&model.ConnectFlagPassword > 0 {
		return m.readPrefixed("password")
	}
	m.absent()
	return nil
}

func (m *Message) ProtocolLevel() byte {
	m.mustBe(model.CONNECT)
	return m.field(conLevel).Value()[0]
}

func (m *Message) CleanSession() bool {
	m.mustBe(model.CONNECT)
	return m.field(conFlags).Value()[0]&model.ConnectFlagCleanSession > 0
}

func (m *Message) KeepAlive() uint16 {
	m.mustBe(model.CONNECT)
	return binary.BigEndian.Uint16(m.field(conKeepAlive).Value())
}

func (m *Message) ClientID() []byte {
	m.mustBe(model.CONNECT)
	return m.field(conClientID).Value()
}

// Username returns nil when the flag is not set.
func (m *Message) Username() []byte {
	m.mustBe(model.CONNECT)
	if f := m.field(conUsername); f.Present() {
		return f.Value()
	}
	return nil
}

// Password returns nil when the flag is not set.
func (m *Message) Password() []byte {
	m.mustBe(model.CONNECT)
	if f := m.field(conPassword); f.Present() {
		return f.Value()
	}
	return nil
}

// InitConnack builds a v3.1.1 CONNACK.
func (m *Message) InitConnack(sessionPresent bool, returnCode byte) error {
	if err := m.begin(model.CONNACK); err != nil {
		return err
	}

	var ackFlags byte
	if sessionPresent && returnCode == model.ConnectAccepted { // [MQTT-3.2.2-4]
		ackFlags = 1
	}

	err := m.appendByte(ackFlags)
	if err == nil {
		err = m.appendByte(returnCode)
	}
	if err != nil {
		m.Reset()
		return err
	}

	return m.finish()
}

func (m *Message) validateConnack() error {
	if err := m.validateEmpty(); err != nil {
		return err
	}
	if err := m.readFixed(1, "acknowledge flags"); err != nil {
		return err
	}
	if m.field(connackFlags).Value()[0]&0xFE != 0 {
		return malformed("CONNACK reserved flags")
	}
	return m.readFixed(1, "return code")
}

func (m *Message) SessionPresent() bool {
	m.mustBe(model.CONNACK)
	return m.field(connackFlags).Value()[0]&0x01 > 0
}

// ConnackCode is the CONNACK return code, comparable to the model constants.
func (m *Message) ConnackCode() byte {
	m.mustBe(model.CONNACK)
	return m.field(connackCode).Value()[0]
}
