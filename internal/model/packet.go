package model

import "github.com/pkg/errors"

// Control Packets
const (
	CONNECT     = 1 << 4
	CONNACK     = 2 << 4
	PUBLISH     = 3 << 4
	PUBACK      = 4 << 4
	PUBREC      = 5 << 4
	PUBREL      = 6 << 4
	PUBCOMP     = 7 << 4
	SUBSCRIBE   = 8 << 4
	SUBACK      = 9 << 4
	UNSUBSCRIBE = 10 << 4
	UNSUBACK    = 11 << 4
	PINGREQ     = 12 << 4
	PINGRESP    = 13 << 4
	DISCONNECT  = 14 << 4

	SUBSCRIBESend = SUBSCRIBE | 2 // [MQTT-3.8.1-1]
)

// CONNACK Return Codes (v3.1.1)
const (
	ConnectAccepted             = 0
	ConnectBadProtocolVersion   = 1
	ConnectIdentifierRejected   = 2
	ConnectServerUnavailable    = 3
	ConnectBadUsernamePassword  = 4
	ConnectNotAuthorized        = 5
	ConnectReturnCodeUnassigned = 6
)

// CONNECT flags
const (
	ConnectFlagCleanSession = 0x02
	ConnectFlagPassword     = 0x40
	ConnectFlagUsername     = 0x80
)

// MaxRemainingLength is the largest value 4 variable length bytes can hold (256 MB).
const MaxRemainingLength = 268435455

var ErrMalformedLength = errors.New("malformed remaining length")

// VariableLengthPut writes l into b and returns the number of bytes used.
// b must have room for LengthToNumberOfVariableLengthBytes(l) bytes.
func VariableLengthPut(b []byte, l int) int {
	n := 0
	for {
		eb := l % 128
		l /= 128
		if l > 0 {
			eb |= 128
		}
		b[n] = byte(eb)
		n++
		if l <= 0 {
			return n
		}
	}
}

// VariableLengthDecode reads a remaining length from the start of b.
// Returns the value and how many bytes it took. n is 0 if b ends before
// the last length byte.
func VariableLengthDecode(b []byte) (l, n int, err error) {
	mul := 1
	for i := 0; i < len(b); i++ {
		l += int(b[i]&127) * mul
		if b[i]&128 == 0 {
			return l, i + 1, nil
		}

		mul *= 128
		if mul > 128*128*128 {
			return 0, 0, ErrMalformedLength
		}
	}
	return 0, 0, nil
}

func LengthToNumberOfVariableLengthBytes(l int) int {
	switch {
	case l < 128:
		return 1
	case l < 16384:
		return 2
	case l < 2097152:
		return 3
	default:
		return 4
	}
}
