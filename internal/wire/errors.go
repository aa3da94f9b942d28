package wire

import "github.com/pkg/errors"

var (
	// ErrOverflow is returned when a field does not fit in the backing buffer.
	ErrOverflow = errors.New("wire: buffer overflow")

	// ErrMalformed is returned when received bytes are inconsistent with the packet layout.
	ErrMalformed = errors.New("wire: malformed packet")

	// ErrUnsupported is returned for well formed packets of a type this codec does not handle.
	ErrUnsupported = errors.New("wire: unsupported packet type")

	// ErrOutOfField is returned when a topic offset does not fall inside the topic name.
	ErrOutOfField = errors.New("wire: offset outside topic field")

	// ErrPasswordOnly is returned by InitConnect for a password without a username [MQTT-3.1.2-22].
	ErrPasswordOnly = errors.New("wire: password without username")
)

func malformed(format string, args ...interface{}) error {
	return errors.Wrapf(ErrMalformed, format, args...)
}
