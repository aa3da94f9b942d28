package bridge

import (
	"strings"

	"github.com/RoanBrand/gobridge/internal/wire"
	"github.com/RoanBrand/gobridge/rpc"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

type remote struct {
	clientID string
	name     string // mapped node name
	peer     Peer   // nil while the peer is disconnected
}

// Multi bridges up to a fixed number of peers, each mapped to a node name
// below the bridge. Entries are only ever removed all at once.
type Multi struct {
	node  *rpc.Node
	auth  Authenticator
	up    Upstream
	table []remote
	n     int
}

func NewMulti(parent *rpc.Node, name string, capacity int, auth Authenticator, up Upstream) *Multi {
	if auth == nil || up == nil {
		panic("bridge: nil collaborator")
	}
	if capacity <= 0 {
		panic("bridge: invalid capacity")
	}

	b := &Multi{
		node:  parent.NewChild(name),
		auth:  auth,
		up:    up,
		table: make([]remote, capacity),
	}
	b.node.SetCatchAll(b.forward)
	return b
}

func (b *Multi) Node() *rpc.Node {
	return b.node
}

// Len is the number of remote node entries.
func (b *Multi) Len() int {
	return b.n
}

// Attach authenticates a connecting peer and records its mapping. A peer
// reconnecting with its previous client id and name takes over its entry.
func (b *Multi) Attach(p Peer, clientID, username string, password []byte) error {
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
	if strings.ContainsAny(name, "/+#") || strings.ContainsAny(clientID, "/+#") {
		return errors.Wrapf(ErrRejected, "invalid node name %q", name)
	}

	for i := 0; i < b.n; i++ {
		r := &b.table[i]
		if r.clientID == clientID && r.name == name && r.peer == nil {
			r.peer = p
			b.logAttached(r)
			return nil
		}
		if r.clientID == clientID || r.name == name {
			return ErrCollision
		}
	}

	if b.n == len(b.table) {
		return ErrTableFull
	}
	b.table[b.n] = remote{clientID: clientID, name: name, peer: p}
	b.logAttached(&b.table[b.n])
	b.n++
	return nil
}

func (b *Multi) logAttached(r *remote) {
	log.WithFields(log.Fields{
		"client": r.clientID,
		"node":   b.node.Path() + "/" + r.name,
	}).Info("Peer attached")
}

func (b *Multi) lookup(p Peer) *remote {
	for i := 0; i < b.n; i++ {
		if b.table[i].peer == p {
			return &b.table[i]
		}
	}
	return nil
}

// Relay publishes a message from p upstream under its mapped node.
func (b *Multi) Relay(p Peer, m *wire.Message) error {
	r := b.lookup(p)
	if r == nil {
		return ErrNotAttached
	}
	return relay(b.up, m, r.clientID, b.node.Path()+"/"+r.name)
}

// Detach marks the peer's connection gone. Its entry stays.
func (b *Multi) Detach(p Peer) {
	if r := b.lookup(p); r != nil {
		r.peer = nil
	}
}

// ClearRemoteNodes closes every attached peer and empties the table.
func (b *Multi) ClearRemoteNodes() {
	for i := 0; i < b.n; i++ {
		if p := b.table[i].peer; p != nil {
			p.Close()
		}
		b.table[i] = remote{}
	}
	b.n = 0
}

func (b *Multi) Reset() {
	b.ClearRemoteNodes()
}

// match finds the entry whose name is a whole segment prefix of rest.
func (b *Multi) match(rest []byte) *remote {
	for i := 0; i < b.n; i++ {
		r := &b.table[i]
		l := len(r.name)
		if len(rest) > l && rest[l] == '/' && string(rest[:l]) == r.name {
			return r
		}
	}
	return nil
}

func (b *Multi) forward(m *wire.Message, suffix int) rpc.Result {
	end := m.TopicOffset() + len(m.Topic())
	r := b.match(m.Buffer()[suffix:end])
	if r == nil || r.peer == nil {
		log.WithFields(log.Fields{
			"topic": string(m.Topic()),
		}).Warn("No attached peer for topic")
		return rpc.Unhandled
	}

	if err := toPeer(m, suffix+len(r.name), r.clientID); err != nil {
		log.WithFields(log.Fields{
			"client": r.clientID,
			"err":    err,
		}).Warn("Could not rewrite topic for peer")
		return rpc.Handled
	}
	write(r.peer, m, r.clientID)
	return rpc.Handled
}
