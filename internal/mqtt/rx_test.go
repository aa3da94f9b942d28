package mqtt

import (
	"testing"

	"github.com/RoanBrand/gobridge/internal/model"
	"github.com/RoanBrand/gobridge/internal/wire"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReceiverSplitPacket(t *testing.T) {
	p := testPool()
	r := receiver{pool: p}
	s := &memStream{}

	var raw memStream
	raw.feed(t, publishPacket("a/b", 0, 0, "hello"))
	b := raw.in.Bytes()

	// byte at a time over several polls
	for i := 0; i < len(b)-1; i++ {
		s.in.WriteByte(b[i])
		m, err := r.next(s)
		require.NoError(t, err)
		require.Nil(t, m)
	}
	s.in.WriteByte(b[len(b)-1])
	m, err := r.next(s)
	require.NoError(t, err)
	require.NotNil(t, m)

	assert.Equal(t, "a/b", string(m.Topic()))
	assert.Equal(t, "hello", string(m.Payload()))
	assert.Equal(t, uint8(1), p.RefCount(m))
	p.DecrementRef(m)

	r.release()
	assert.Equal(t, 0, p.InUse())
}

func TestReceiverBackToBack(t *testing.T) {
	p := testPool()
	r := receiver{pool: p}
	s := &memStream{}
	s.feed(t, publishPacket("x", 1, 9, "1"))
	s.in.Write([]byte{model.PINGRESP, 0})

	m, err := r.next(s)
	require.NoError(t, err)
	assert.Equal(t, uint16(9), m.PacketID())
	p.DecrementRef(m)

	m, err = r.next(s)
	require.NoError(t, err)
	assert.Equal(t, byte(model.PINGRESP), m.Type())
	p.DecrementRef(m)

	m, err = r.next(s)
	assert.NoError(t, err)
	assert.Nil(t, m)
}

func TestReceiverOversizeDiscarded(t *testing.T) {
	p := testPool()
	r := receiver{pool: p}
	s := &memStream{}
	big := make([]byte, 400)
	s.feed(t, publishPacket("big", 0, 0, string(big)))
	s.in.Write([]byte{model.PINGRESP, 0})

	m, err := r.next(s)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, byte(model.PINGRESP), m.Type())
	p.DecrementRef(m)
}

func TestReceiverMalformedDropped(t *testing.T) {
	p := testPool()
	r := receiver{pool: p}
	s := &memStream{}
	// SUBACK with a trailing byte
	s.in.Write([]byte{model.SUBACK, 4, 0, 1, 0, 9})
	s.in.Write([]byte{model.PINGRESP, 0})

	m, err := r.next(s)
	require.NoError(t, err)
	assert.Equal(t, byte(model.PINGRESP), m.Type())
	p.DecrementRef(m)
}

func TestReceiverBadLength(t *testing.T) {
	r := receiver{pool: testPool()}
	s := &memStream{}
	s.in.Write([]byte{model.PUBLISH, 0xFF, 0xFF, 0xFF, 0xFF, 0x01})

	_, err := r.next(s)
	assert.True(t, errors.Is(err, wire.ErrMalformed))
}

func TestReceiverWaitsForSlot(t *testing.T) {
	p := testPool()
	var held []*wire.Message
	for i := 0; i < p.Size(); i++ {
		m, err := p.AcquireEmpty()
		require.NoError(t, err)
		held = append(held, m)
	}

	r := receiver{pool: p}
	s := &memStream{}
	s.feed(t, publishPacket("a", 0, 0, "xyz"))
	total := s.in.Len()

	m, err := r.next(s)
	assert.NoError(t, err)
	assert.Nil(t, m)
	assert.Equal(t, total-2, s.in.Len(), "only the fixed header is taken")

	p.DecrementRef(held[0])
	m, err = r.next(s)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "a", string(m.Topic()))
	assert.Equal(t, "xyz", string(m.Payload()))
}

func TestReceiverIdleHoldsNoSlot(t *testing.T) {
	p := testPool()
	r := receiver{pool: p}
	s := &memStream{}

	m, err := r.next(s)
	require.NoError(t, err)
	assert.Nil(t, m)
	assert.Equal(t, 0, p.InUse())

	// a started header still holds nothing until its length is known
	s.in.Write([]byte{model.PUBLISH, 0x85})
	m, err = r.next(s)
	require.NoError(t, err)
	assert.Nil(t, m)
	assert.Equal(t, 0, p.InUse())

	s.in.Write([]byte{0x01})
	m, err = r.next(s)
	require.NoError(t, err)
	assert.Nil(t, m)
	assert.Equal(t, 1, p.InUse(), "slot taken for the body")

	r.release()
	assert.Equal(t, 0, p.InUse())
}

func TestReceiverMalformedReleasesSlot(t *testing.T) {
	p := testPool()
	r := receiver{pool: p}
	s := &memStream{}
	s.in.Write([]byte{model.SUBACK, 4, 0, 1, 0, 9})

	m, err := r.next(s)
	require.NoError(t, err)
	assert.Nil(t, m)
	assert.Equal(t, 0, p.InUse())
}

func TestReceiverStreamError(t *testing.T) {
	r := receiver{pool: testPool()}
	s := &memStream{err: errors.New("reset")}
	s.in.Write([]byte{model.PUBLISH})

	_, err := r.next(s)
	assert.EqualError(t, err, "reset")
}
