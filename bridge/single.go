package bridge

import (
	"github.com/RoanBrand/gobridge/internal/wire"
	"github.com/RoanBrand/gobridge/rpc"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Single bridges exactly one peer. The bridge node itself stands for the
// peer's root.
type Single struct {
	node *rpc.Node
	auth Authenticator
	up   Upstream

	clientID string
	name     string
	peer     Peer
}

func NewSingle(parent *rpc.Node, name string, auth Authenticator, up Upstream) *Single {
	if auth == nil || up == nil {
		panic("bridge: nil collaborator")
	}

	b := &Single{
		node: parent.NewChild(name),
		auth: auth,
		up:   up,
	}
	b.node.SetCatchAll(b.forward)
	return b
}

func (b *Single) Node() *rpc.Node {
	return b.node
}

// PeerClientID is empty while no peer is authenticated.
func (b *Single) PeerClientID() string {
	return b.clientID
}

// PeerName is the name the authenticator assigned to the peer.
func (b *Single) PeerName() string {
	return b.name
}

func (b *Single) Attach(p Peer, clientID, username string, password []byte) error {
	if b.peer != nil {
		return ErrBusy
	}

	name, err := b.auth.Authenticate(clientID, username, password)
	if err != nil {
		log.WithFields(log.Fields{
			"client":   clientID,
			"username": username,
			"err":      err,
		}).Info("Peer authentication failed")
		return errors.Wrap(ErrRejected, err.Error())
	}
	if name == "" {
		name = clientID
	}

	b.clientID, b.name, b.peer = clientID, name, p
	log.WithFields(log.Fields{
		"client": clientID,
		"name":   name,
		"node":   b.node.Path(),
	}).Info("Peer attached")
	return nil
}

func (b *Single) Relay(p Peer, m *wire.Message) error {
	if p == nil || p != b.peer {
		return ErrNotAttached
	}
	return relay(b.up, m, b.clientID, b.node.Path())
}

// Detach forgets p without closing it.
func (b *Single) Detach(p Peer) {
	if p != nil && p == b.peer {
		b.clientID, b.name, b.peer = "", "", nil
	}
}

// Reset closes the peer and invalidates its authentication.
func (b *Single) Reset() {
	if b.peer != nil {
		b.peer.Close()
	}
	b.clientID, b.name, b.peer = "", "", nil
}

func (b *Single) forward(m *wire.Message, suffix int) rpc.Result {
	if b.peer == nil {
		log.WithFields(log.Fields{
			"topic": string(m.Topic()),
		}).Warn("No attached peer for topic")
		return rpc.Unhandled
	}

	// keep the separator in front of the suffix
	if err := toPeer(m, suffix-1, b.clientID); err != nil {
		log.WithFields(log.Fields{
			"client": b.clientID,
			"err":    err,
		}).Warn("Could not rewrite topic for peer")
		return rpc.Handled
	}
	write(b.peer, m, b.clientID)
	return rpc.Handled
}
