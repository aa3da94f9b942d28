package transport

import (
	"bytes"
	"io"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/RoanBrand/gobridge/internal/config"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFifoWrapAround(t *testing.T) {
	f := newFifo(8)
	assert.Equal(t, 6, f.write([]byte("abcdef")))

	out := make([]byte, 4)
	assert.Equal(t, 4, f.read(out))
	assert.Equal(t, "abcd", string(out))

	// wraps past the end of the ring
	assert.Equal(t, 6, f.write([]byte("ghijkl")))
	assert.Equal(t, 0, f.free())
	assert.Equal(t, 0, f.write([]byte("x")))

	out = make([]byte, 16)
	n := f.read(out)
	assert.Equal(t, "efghijkl", string(out[:n]))
	assert.Equal(t, 0, f.len())
}

// readAll polls s until n bytes arrived.
func readAll(t *testing.T, s Stream, n int) []byte {
	t.Helper()
	var got []byte
	buf := make([]byte, 64)
	deadline := time.Now().Add(2 * time.Second)
	for len(got) < n {
		if time.Now().After(deadline) {
			t.Fatalf("got %d of %d bytes", len(got), n)
		}
		k, err := s.Read(buf)
		require.NoError(t, err)
		if k == 0 {
			time.Sleep(time.Millisecond)
		}
		got = append(got, buf[:k]...)
	}
	return got
}

func TestStreamOverPipe(t *testing.T) {
	a, b := net.Pipe()
	sa := NewStream(a, 64, 64)
	sb := NewStream(b, 64, 64)
	defer sb.Close()

	// nothing buffered yet
	n, err := sb.Read(make([]byte, 8))
	assert.Equal(t, 0, n)
	assert.NoError(t, err)

	_, err = sa.Write([]byte("hello "))
	require.NoError(t, err)
	_, err = sa.Write([]byte("peer"))
	require.NoError(t, err)
	assert.Equal(t, "hello peer", string(readAll(t, sb, 10)))

	// larger than the rx FIFO, needs back pressure to get through
	big := bytes.Repeat([]byte("0123456789"), 20)
	go func() {
		for off := 0; off < len(big); {
			k, err := sa.Write(big[off:min(off+32, len(big))])
			if err == ErrWouldBlock {
				time.Sleep(time.Millisecond)
				continue
			}
			if err != nil {
				return
			}
			off += k
		}
	}()
	assert.Equal(t, big, readAll(t, sb, len(big)))

	// close flushes queued bytes before the peer sees the end
	_, err = sa.Write([]byte("bye"))
	require.NoError(t, err)
	require.NoError(t, sa.Close())
	assert.Equal(t, ErrClosed, sa.Err())
	_, err = sa.Write([]byte("x"))
	assert.Equal(t, ErrClosed, err)

	assert.Equal(t, "bye", string(readAll(t, sb, 3)))
	require.Eventually(t, func() bool {
		_, err := sb.Read(make([]byte, 8))
		return err != nil
	}, 2*time.Second, time.Millisecond)
	assert.True(t, errors.Is(sb.Err(), io.ErrUnexpectedEOF))
}

func TestWriteWouldBlock(t *testing.T) {
	s := newConnStream(16, 8)
	_, err := s.Write([]byte("12345"))
	require.NoError(t, err)
	_, err = s.Write([]byte("6789"))
	assert.Equal(t, ErrWouldBlock, err)
	_, err = s.Write([]byte("678"))
	assert.NoError(t, err)

	// queued before a connection is attached
	a, b := net.Pipe()
	s.attach(a)
	got := make([]byte, 8)
	_, err = io.ReadFull(b, got)
	require.NoError(t, err)
	assert.Equal(t, "12345678", string(got))
	s.Close()
}

func TestParseAddress(t *testing.T) {
	for in, want := range map[string]string{
		"tcp://broker":         "broker:1883",
		"tls://broker":         "broker:8883",
		"ws://broker/mqtt":     "broker:80",
		"wss://broker:9443/x":  "broker:9443",
		"tcp://10.0.0.1:11883": "10.0.0.1:11883",
	} {
		u, err := ParseAddress(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, u.Host, in)
	}

	for _, in := range []string{"mqtt://broker", "broker:1883", "tcp://", "://x"} {
		_, err := ParseAddress(in)
		assert.True(t, errors.Is(err, ErrScheme), in)
	}

	d := NetDialer{}
	_, err := d.Dial("udp://broker", nil)
	assert.True(t, errors.Is(err, ErrScheme))
}

func TestDialFailureSurfacesOnStream(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	l.Close()

	d := NetDialer{Timeout: time.Second}
	s, err := d.Dial("tcp://"+addr, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return s.Err() != nil }, 2*time.Second, 5*time.Millisecond)
	_, err = s.Read(make([]byte, 1))
	assert.Error(t, err)
}

func TestServerAcceptsTCPPeers(t *testing.T) {
	conf := config.Listen{}
	conf.TCP.Address = "127.0.0.1:0"
	srv, err := NewServer(&conf, 2)
	require.NoError(t, err)
	defer srv.Stop()

	_, ok := srv.Accept()
	assert.False(t, ok)

	d := NetDialer{}
	client, err := d.Dial("tcp://"+srv.TCPAddr().String(), nil)
	require.NoError(t, err)
	defer client.Close()
	_, err = client.Write([]byte{0xC0, 0})
	require.NoError(t, err)

	var peer Peer
	require.Eventually(t, func() bool {
		peer, ok = srv.Accept()
		return ok
	}, 2*time.Second, time.Millisecond)
	defer peer.Stream.Close()

	assert.Equal(t, []byte{0xC0, 0}, readAll(t, peer.Stream, 2))
}

func TestWebsocketRoundTrip(t *testing.T) {
	accepted := make(chan io.ReadWriteCloser, 1)
	hs := httptest.NewServer(wsHandler(false, func(c io.ReadWriteCloser, _ string) { accepted <- c }))
	defer hs.Close()

	d := NetDialer{}
	s, err := d.Dial(strings.Replace(hs.URL, "http://", "ws://", 1), nil)
	require.NoError(t, err)
	defer s.Close()
	_, err = s.Write([]byte{0x10, 0x02, 0xAA, 0xBB})
	require.NoError(t, err)

	var conn io.ReadWriteCloser
	select {
	case conn = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("websocket peer not accepted")
	}
	peer := NewStream(conn, 0, 0)
	defer peer.Close()
	assert.Equal(t, []byte{0x10, 0x02, 0xAA, 0xBB}, readAll(t, peer, 4))

	_, err = peer.Write([]byte{0x20, 0x02, 0, 0})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x20, 0x02, 0, 0}, readAll(t, s, 4))
}
