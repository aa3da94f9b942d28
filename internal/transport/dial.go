package transport

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

var ErrScheme = errors.New("transport: unsupported broker address scheme")

// Dialer opens a Stream to a broker without blocking. A connection that
// fails to come up surfaces through the stream's Err.
type Dialer interface {
	Dial(addr string, tlsConf *tls.Config) (Stream, error)
}

type NetDialer struct {
	Timeout        time.Duration
	RxSize, TxSize int
}

var defaultPorts = map[string]string{
	"tcp": "1883",
	"tls": "8883",
	"ws":  "80",
	"wss": "443",
}

// Dial parses addr (tcp://, tls://, ws:// or wss://) and connects in the
// background. Bytes written meanwhile are queued.
func (d *NetDialer) Dial(addr string, tlsConf *tls.Config) (Stream, error) {
	u, err := ParseAddress(addr)
	if err != nil {
		return nil, err
	}

	timeout := d.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	s := newConnStream(d.RxSize, d.TxSize)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		conn, err := dial(ctx, u, tlsConf)
		if err != nil {
			log.WithFields(log.Fields{
				"address": u.Host,
				"err":     err,
			}).Debug("Dial failed")
			s.fail(err)
			return
		}
		s.attach(conn)
	}()
	return s, nil
}

// ParseAddress validates a broker URL and fills in the default port.
func ParseAddress(addr string) (*url.URL, error) {
	u, err := url.Parse(addr)
	if err != nil {
		return nil, errors.Wrap(ErrScheme, err.Error())
	}
	port, ok := defaultPorts[u.Scheme]
	if !ok || u.Hostname() == "" {
		return nil, errors.Wrapf(ErrScheme, "%q", addr)
	}
	if u.Port() == "" {
		u.Host = net.JoinHostPort(u.Hostname(), port)
	}
	return u, nil
}

func dial(ctx context.Context, u *url.URL, tlsConf *tls.Config) (io.ReadWriteCloser, error) {
	switch u.Scheme {
	case "tcp", "tls":
		var nd net.Dialer
		conn, err := nd.DialContext(ctx, "tcp", u.Host)
		if err != nil {
			return nil, errors.Wrap(err, "transport: dial")
		}
		if u.Scheme == "tcp" {
			return conn, nil
		}

		tc := tls.Client(conn, clientTLS(tlsConf, u))
		if err := tc.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, errors.Wrap(err, "transport: tls handshake")
		}
		return tc, nil

	case "ws", "wss":
		wd := websocket.Dialer{
			Subprotocols:    []string{subprotocol},
			TLSClientConfig: clientTLS(tlsConf, u),
		}
		conn, _, err := wd.DialContext(ctx, u.String(), nil)
		if err != nil {
			return nil, errors.Wrap(err, "transport: websocket dial")
		}
		return &wsConn{Conn: conn}, nil
	}
	return nil, ErrScheme
}

func clientTLS(c *tls.Config, u *url.URL) *tls.Config {
	if c == nil {
		c = &tls.Config{}
	} else {
		c = c.Clone()
	}
	if c.ServerName == "" {
		c.ServerName = u.Hostname()
	}
	return c
}
