// Package bridge attaches downstream MQTT peers to a device's RPC tree.
//
// A bridge is an RPC node whose catch-all forwards every unmatched topic
// below it to a peer, rewritten into the peer's private routing form
// ~/<clientId>/<rest>. Publishes from a peer rooted at its client id travel
// the other way and are re-published upstream under the bridge's path.
package bridge

import (
	"github.com/RoanBrand/gobridge/internal/wire"
	"github.com/RoanBrand/gobridge/rpc"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

var (
	ErrRejected      = errors.New("bridge: peer rejected")
	ErrTableFull     = errors.New("bridge: remote node table full")
	ErrCollision     = errors.New("bridge: client id or node name in use")
	ErrBusy          = errors.New("bridge: peer already attached")
	ErrNotAttached   = errors.New("bridge: peer not authenticated")
	ErrForeignTopic  = errors.New("bridge: topic not rooted at peer client id")
	ErrUpstreamWrite = errors.New("bridge: upstream publish failed")
)

// Authenticator checks a connecting peer. On success it returns the node
// name the peer is known by locally.
type Authenticator interface {
	Authenticate(clientID, username string, password []byte) (name string, err error)
}

type AuthenticatorFunc func(clientID, username string, password []byte) (string, error)

func (f AuthenticatorFunc) Authenticate(clientID, username string, password []byte) (string, error) {
	return f(clientID, username, password)
}

// Peer is the protocol connection to one downstream client.
// Write must not block.
type Peer interface {
	Write(m *wire.Message) error
	Close() error
}

// Upstream publishes relayed peer messages on the device's own connection.
type Upstream interface {
	PublishMessage(m *wire.Message) error
}

// Bridge is implemented by Single and Multi.
type Bridge interface {
	Node() *rpc.Node
	Attach(p Peer, clientID, username string, password []byte) error
	Relay(p Peer, m *wire.Message) error
	Detach(p Peer)
	Reset()
}

// toPeer rewrites the topic so that it starts at sep, then adds the routing
// prefix for clientID: "~/<clientID><topic from sep>".
func toPeer(m *wire.Message, sep int, clientID string) error {
	if err := m.TrimToPointer(sep); err != nil {
		return err
	}
	if err := m.PrependCString(clientID); err != nil {
		return err
	}
	return m.PrependCString(rpc.PrivatePrefix)
}

// fromPeer rewrites "<clientID>/<rest>" to "<prefix>/<rest>".
func fromPeer(m *wire.Message, clientID, prefix string) error {
	topic := m.Topic()
	if len(topic) <= len(clientID) || string(topic[:len(clientID)]) != clientID || topic[len(clientID)] != '/' {
		return ErrForeignTopic
	}
	if err := m.TrimToPointer(m.TopicOffset() + len(clientID)); err != nil {
		return err
	}
	return m.PrependCString(prefix)
}

func write(p Peer, m *wire.Message, clientID string) {
	if err := p.Write(m); err != nil {
		log.WithFields(log.Fields{
			"client": clientID,
			"topic":  string(m.Topic()),
			"err":    err,
		}).Warn("Dropped forward to peer")
	}
}

func relay(up Upstream, m *wire.Message, clientID, prefix string) error {
	if err := fromPeer(m, clientID, prefix); err != nil {
		return err
	}
	if err := up.PublishMessage(m); err != nil {
		return errors.Wrap(ErrUpstreamWrite, err.Error())
	}
	return nil
}
