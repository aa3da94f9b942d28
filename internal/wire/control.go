package wire

import "github.com/RoanBrand/gobridge/internal/model"

// InitPuback builds a PUBACK.
func (m *Message) InitPuback(packetID uint16) error {
	if err := m.begin(model.PUBACK); err != nil {
		return err
	}
	if err := m.appendUint16(packetID); err != nil {
		m.Reset()
		return err
	}
	return m.finish()
}

func (m *Message) validatePuback() error {
	if err := m.validateEmpty(); err != nil {
		return err
	}
	return m.readFixed(2, "packet identifier")
}

func (m *Message) InitPingreq() error {
	return m.initEmpty(model.PINGREQ)
}

func (m *Message) InitPingresp() error {
	return m.initEmpty(model.PINGRESP)
}

func (m *Message) InitDisconnect() error {
	return m.initEmpty(model.DISCONNECT)
}

func (m *Message) initEmpty(t byte) error {
	if err := m.begin(t); err != nil {
		return err
	}
	return m.finish()
}
