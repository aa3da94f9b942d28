package transport

import (
	"io"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

const subprotocol = "mqtt" // [MQTT-6.0.0-4]

var errNotBinary = errors.New("transport: websocket message not binary")

// wsConn carries the MQTT byte stream in binary websocket messages.
type wsConn struct {
	*websocket.Conn
	r io.Reader
}

func (c *wsConn) Write(p []byte) (int, error) {
	if err := c.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Read flattens message boundaries; MQTT packets may span websocket frames.
func (c *wsConn) Read(p []byte) (int, error) {
	for {
		if c.r == nil {
			var err error
			var mt int
			if mt, c.r, err = c.NextReader(); err != nil {
				return 0, err
			}
			if mt != websocket.BinaryMessage { // [MQTT-6.0.0-1]
				return 0, errNotBinary
			}
		}
		n, err := c.r.Read(p)
		if err == io.EOF {
			c.r = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (c *wsConn) SetDeadline(t time.Time) error {
	if err := c.SetWriteDeadline(t); err != nil {
		return err
	}
	return c.SetReadDeadline(t)
}

// wsHandler upgrades peers offering the mqtt subprotocol and queues them.
func wsHandler(checkOrigin bool, accept func(io.ReadWriteCloser, string)) http.HandlerFunc {
	up := websocket.Upgrader{
		Subprotocols: []string{subprotocol},
	}
	if !checkOrigin {
		up.CheckOrigin = func(*http.Request) bool { return true }
	}

	return func(w http.ResponseWriter, r *http.Request) {
		if protos := websocket.Subprotocols(r); len(protos) == 0 || protos[0] != subprotocol { // [MQTT-6.0.0-3]
			http.Error(w, "websocket client not supported. sub protocol must be 'mqtt'", http.StatusNotAcceptable)
			return
		}
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade has already replied to the client.
			return
		}

		accept(&wsConn{Conn: conn}, r.RemoteAddr)
	}
}
