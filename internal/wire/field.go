package wire

import (
	"encoding/binary"

	"github.com/RoanBrand/gobridge/internal/model"
)

type fieldKind uint8

const (
	fixedLen    fieldKind = iota // size known up front, may be 0 for absent optional fields
	varLen                       // variable length integer (remaining length)
	prefixedLen                  // 2 byte big endian length + bytes
	restLen                      // everything up to the end of the packet
)

// Field is a named region of a Message buffer. It holds no offsets of its own:
// position is derived by walking the chain back to the fixed header, so growing
// or shrinking one field moves every later field with it.
type Field struct {
	m    *Message
	prev *Field
	kind fieldKind
	size int // fixedLen only
}

func (f *Field) link(m *Message, prev *Field, kind fieldKind, size int) {
	f.m, f.prev, f.kind, f.size = m, prev, kind, size
}

// Offset of the first byte of the field, including any length prefix.
func (f *Field) Offset() int {
	if f.prev == nil {
		return 0
	}
	return f.prev.End()
}

// Len is the encoded size of the field, including any length prefix.
func (f *Field) Len() int {
	switch f.kind {
	case fixedLen:
		return f.size
	case varLen:
		_, n, _ := model.VariableLengthDecode(f.m.buf[f.Offset():f.m.n])
		return n
	case prefixedLen:
		return 2 + int(binary.BigEndian.Uint16(f.m.buf[f.Offset():]))
	default:
		return f.m.n - f.Offset()
	}
}

func (f *Field) End() int {
	return f.Offset() + f.Len()
}

// Value returns the field contents without the length prefix.
// The slice aliases the message buffer.
func (f *Field) Value() []byte {
	o, l := f.Offset(), f.Len()
	if f.kind == prefixedLen {
		return f.m.buf[o+2 : o+l]
	}
	return f.m.buf[o : o+l]
}

// Present reports if an optional field carries any bytes.
func (f *Field) Present() bool {
	return f.kind != fixedLen || f.size > 0
}
