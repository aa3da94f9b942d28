package pool

import (
	"bytes"
	"testing"

	"github.com/RoanBrand/gobridge/internal/wire"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExhaustion(t *testing.T) {
	for n := 1; n <= 6; n++ {
		p := New(n, 32)
		assert.Equal(t, 32, p.BufSize())

		held := make([]*wire.Message, 0, n)
		for i := 0; i < n; i++ {
			m, err := p.AcquireEmpty()
			require.NoError(t, err)
			held = append(held, m)
		}
		assert.Equal(t, n, p.InUse())

		_, err := p.AcquireEmpty()
		require.Equal(t, ErrExhausted, err, "capacity %d", n)

		l, err := p.Lease()
		require.Equal(t, ErrExhausted, err)
		l.Release()

		// any single release frees a slot again
		p.DecrementRef(held[n/2])
		got, err := p.AcquireEmpty()
		require.NoError(t, err)
		assert.Same(t, held[n/2], got)
	}
}

func TestDecrementAtZeroWarns(t *testing.T) {
	hook := test.NewGlobal()
	defer hook.Reset()

	p := New(2, 16)
	m, err := p.AcquireEmpty()
	require.NoError(t, err)

	p.DecrementRef(m)
	assert.Equal(t, uint8(0), p.RefCount(m))
	assert.Empty(t, hook.AllEntries())

	p.DecrementRef(m)
	assert.Equal(t, uint8(0), p.RefCount(m))
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
}

func TestReferenceCounting(t *testing.T) {
	p := New(1, 16)
	m, err := p.AcquireEmpty()
	require.NoError(t, err)

	p.IncrementRef(m)
	assert.Equal(t, uint8(2), p.RefCount(m))

	p.DecrementRef(m)
	_, err = p.AcquireEmpty()
	assert.Equal(t, ErrExhausted, err)

	p.DecrementRef(m)
	assert.Equal(t, 0, p.InUse())
	_, err = p.AcquireEmpty()
	assert.NoError(t, err)
}

func TestLookupByBuffer(t *testing.T) {
	p := New(3, 16)
	m, err := p.AcquireEmpty()
	require.NoError(t, err)

	assert.Same(t, m, p.LookupByBuffer(m.Buffer()))
	assert.Same(t, m, p.LookupByBuffer(m.Buffer()[:1]))
	assert.Nil(t, p.LookupByBuffer(make([]byte, 16)))
	assert.Nil(t, p.LookupByBuffer(m.Buffer()[1:]))
}

func TestLeaseReleaseIsIdempotent(t *testing.T) {
	p := New(1, 16)
	l, err := p.Lease()
	require.NoError(t, err)
	require.NotNil(t, l.Message())

	h := p.Hold(l.Message())
	assert.Equal(t, uint8(2), p.RefCount(l.Message()))

	m := l.Message()
	l.Release()
	l.Release()
	assert.Nil(t, l.Message())
	assert.Equal(t, uint8(1), p.RefCount(m))

	h.Release()
	assert.Equal(t, 0, p.InUse())
}

func TestAcquireResetsMessage(t *testing.T) {
	p := New(1, 32)
	m, err := p.AcquireEmpty()
	require.NoError(t, err)
	require.NoError(t, m.InitPingreq())
	require.True(t, m.Configured())
	p.DecrementRef(m)

	m, err = p.AcquireEmpty()
	require.NoError(t, err)
	assert.False(t, m.Configured())
	assert.True(t, bytes.HasPrefix(m.Buffer(), []byte{0xC0, 0}))
}

func TestForeignMessagePanics(t *testing.T) {
	a, b := New(1, 8), New(1, 8)
	m, err := a.AcquireEmpty()
	require.NoError(t, err)
	assert.Panics(t, func() { b.IncrementRef(m) })
	assert.Panics(t, func() { a.DecrementRef(nil) })
}
