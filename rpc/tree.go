// Package rpc is the addressable node tree a device exposes over MQTT.
//
// Every node has a path under the device root. Methods are invoked by
// publishing a CBOR Request to <path>/<method>; notifications arrive on
// <path>/<name>. The private routing form ~/<root>/... is accepted as well,
// which is how a bridge delivers messages on behalf of a peer. The tree is
// built at start-up and sealed; only dispatch happens afterwards.
package rpc

import (
	"bytes"
	"strings"

	"github.com/RoanBrand/gobridge/internal/wire"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const (
	MaxNameLen = 32

	// PrivatePrefix marks topics routed through a bridge.
	PrivatePrefix = "~/"
)

// Publisher sends encoded payloads. Implemented by the MQTT client.
type Publisher interface {
	Publish(topic string, payload []byte, qos wire.QoS) error
}

type Tree struct {
	root   *Node
	pub    Publisher
	sealed bool
}

func NewTree(rootName string, pub Publisher) *Tree {
	if pub == nil {
		panic("rpc: nil publisher")
	}
	t := &Tree{pub: pub}
	t.root = t.newNode(rootName, nil)
	return t
}

func (t *Tree) Root() *Node {
	return t.root
}

// Seal freezes the tree topology. Structural changes afterwards panic.
func (t *Tree) Seal() {
	t.sealed = true
}

func (t *Tree) Sealed() bool {
	return t.sealed
}

// Subscriptions are the topic filters the device needs to receive calls.
func (t *Tree) Subscriptions() []string {
	return []string{
		t.root.name + "/#",
		PrivatePrefix + t.root.name + "/#",
	}
}

// Dispatch routes a configured PUBLISH to the node its topic addresses.
func (t *Tree) Dispatch(m *wire.Message) Result {
	topic := m.Topic()
	pos := 0
	if bytes.HasPrefix(topic, []byte(PrivatePrefix)) {
		pos = len(PrivatePrefix)
	}

	root := t.root.name
	if len(topic) <= pos+len(root) || string(topic[pos:pos+len(root)]) != root || topic[pos+len(root)] != '/' {
		return Unhandled
	}

	d := dispatch{tree: t, msg: m, topic: topic, base: m.TopicOffset()}
	res := t.root.dispatch(&d, pos+len(root)+1)
	if res == Unhandled {
		t.notFound(&d)
	}
	return res
}

// notFound answers calls nobody took, when the caller asked for a reply.
func (t *Tree) notFound(d *dispatch) {
	var req Request
	if err := decMode.Unmarshal(d.msg.Payload(), &req); err != nil || req.Reply == "" {
		log.WithFields(log.Fields{
			"topic": string(d.topic),
		}).Debug("Unhandled message")
		return
	}
	t.reply(&req, FailNotFound, nil)
}

func (t *Tree) reply(req *Request, st Status, result interface{}) {
	resp := Response{ID: req.ID, Status: st}
	if result != nil {
		raw, err := encMode.Marshal(result)
		if err != nil {
			log.WithFields(log.Fields{
				"reply": req.Reply,
				"err":   err,
			}).Error("Failed to encode result")
			resp.Status, raw = FailInternal, nil
		}
		resp.Result = raw
	}

	payload, err := encMode.Marshal(&resp)
	if err == nil {
		err = t.pub.Publish(req.Reply, payload, wire.AtMostOnce)
	}
	if err != nil {
		log.WithFields(log.Fields{
			"reply":  req.Reply,
			"status": st,
			"err":    err,
		}).Warn("Dropped reply")
	}
}

type dispatch struct {
	tree  *Tree
	msg   *wire.Message
	topic []byte
	base  int // buffer offset of topic[0]
}

func (t *Tree) newNode(name string, parent *Node) *Node {
	if err := checkName(name); err != nil {
		panic(err)
	}
	return &Node{
		tree:          t,
		name:          name,
		parent:        parent,
		methods:       make(map[string]Method),
		notifications: make(map[string]NotificationHandler),
	}
}

func checkName(name string) error {
	if name == "" || len(name) > MaxNameLen {
		return errors.Errorf("rpc: node name %q must be 1 to %d bytes", name, MaxNameLen)
	}
	if strings.ContainsAny(name, "/+#~") {
		return errors.Errorf("rpc: node name %q contains a reserved character", name)
	}
	return nil
}
