package mqtt

import (
	"bytes"
	"crypto/tls"
	"testing"
	"time"

	"github.com/RoanBrand/gobridge/internal/pool"
	"github.com/RoanBrand/gobridge/internal/runloop"
	"github.com/RoanBrand/gobridge/internal/transport"
	"github.com/eclipse/paho.mqtt.golang/packets"
	"github.com/stretchr/testify/require"
)

// memStream is the far end of a connection held in memory. Tests feed it
// with paho encoded packets and decode what was written with paho.
type memStream struct {
	in, out bytes.Buffer
	err     error
	closed  bool
	full    bool
}

func (s *memStream) Read(p []byte) (int, error) {
	if s.in.Len() > 0 {
		return s.in.Read(p)
	}
	return 0, s.err
}

func (s *memStream) Write(p []byte) (int, error) {
	if s.closed {
		return 0, transport.ErrClosed
	}
	if s.full {
		return 0, transport.ErrWouldBlock
	}
	return s.out.Write(p)
}

func (s *memStream) Close() error {
	s.closed = true
	return nil
}

func (s *memStream) Err() error {
	return s.err
}

func (s *memStream) feed(t *testing.T, cp packets.ControlPacket) {
	t.Helper()
	require.NoError(t, cp.Write(&s.in))
}

// sent decodes everything written so far.
func (s *memStream) sent(t *testing.T) []packets.ControlPacket {
	t.Helper()
	var out []packets.ControlPacket
	for s.out.Len() > 0 {
		cp, err := packets.ReadPacket(&s.out)
		require.NoError(t, err)
		out = append(out, cp)
	}
	return out
}

type memDialer struct {
	stream *memStream
	addr   string
	tls    *tls.Config
	err    error
	dials  int
}

func (d *memDialer) Dial(addr string, tlsConf *tls.Config) (transport.Stream, error) {
	d.dials++
	if d.err != nil {
		return nil, d.err
	}
	d.addr, d.tls = addr, tlsConf
	d.stream = &memStream{}
	return d.stream, nil
}

func testPool() *pool.Pool {
	return pool.New(4, 256)
}

func testClock() *runloop.ManualClock {
	return runloop.NewManualClock(time.Unix(5000, 0))
}

func publishPacket(topic string, qos byte, id uint16, payload string) *packets.PublishPacket {
	p := packets.NewControlPacket(packets.Publish).(*packets.PublishPacket)
	p.TopicName = topic
	p.Qos = qos
	p.MessageID = id
	p.Payload = []byte(payload)
	return p
}

func connackPacket(code byte) *packets.ConnackPacket {
	p := packets.NewControlPacket(packets.Connack).(*packets.ConnackPacket)
	p.ReturnCode = code
	return p
}

func connectPacket(clientID, user, pass string, keepAlive uint16) *packets.ConnectPacket {
	p := packets.NewControlPacket(packets.Connect).(*packets.ConnectPacket)
	p.ProtocolName = "MQTT"
	p.ProtocolVersion = 4
	p.CleanSession = true
	p.Keepalive = keepAlive
	p.ClientIdentifier = clientID
	if user != "" {
		p.UsernameFlag = true
		p.Username = user
	}
	if pass != "" {
		p.PasswordFlag = true
		p.Password = []byte(pass)
	}
	return p
}
