package rpc

import (
	"bytes"

	"github.com/RoanBrand/gobridge/internal/wire"
	log "github.com/sirupsen/logrus"
)

type Node struct {
	tree     *Tree
	name     string
	parent   *Node
	children []*Node

	methods       map[string]Method
	notifications map[string]NotificationHandler
	catchAll      CatchAll
}

func (n *Node) Name() string {
	return n.name
}

func (n *Node) Parent() *Node {
	return n.parent
}

func (n *Node) Tree() *Tree {
	return n.tree
}

// Path is the topic prefix of the node, starting with the root name.
func (n *Node) Path() string {
	if n.parent == nil {
		return n.name
	}
	return n.parent.Path() + "/" + n.name
}

func (n *Node) mustBeOpen() {
	if n.tree.sealed {
		panic("rpc: tree modified after Seal")
	}
}

func (n *Node) taken(name string) bool {
	if n.child(name) != nil {
		return true
	}
	_, m := n.methods[name]
	_, h := n.notifications[name]
	return m || h
}

func (n *Node) NewChild(name string) *Node {
	n.mustBeOpen()
	if n.taken(name) {
		panic("rpc: " + n.Path() + "/" + name + " already registered")
	}
	c := n.tree.newNode(name, n)
	n.children = append(n.children, c)
	return c
}

func (n *Node) AddMethod(name string, fn Method) {
	n.mustBeOpen()
	if fn == nil {
		panic("rpc: nil method")
	}
	if err := checkName(name); err != nil {
		panic(err)
	}
	if n.taken(name) {
		panic("rpc: " + n.Path() + "/" + name + " already registered")
	}
	n.methods[name] = fn
}

func (n *Node) OnNotification(name string, fn NotificationHandler) {
	n.mustBeOpen()
	if fn == nil {
		panic("rpc: nil notification handler")
	}
	if err := checkName(name); err != nil {
		panic(err)
	}
	if n.taken(name) {
		panic("rpc: " + n.Path() + "/" + name + " already registered")
	}
	n.notifications[name] = fn
}

// SetCatchAll installs the fallback for topics below this node that match
// nothing else. A node has at most one.
func (n *Node) SetCatchAll(fn CatchAll) {
	n.mustBeOpen()
	if fn == nil {
		panic("rpc: nil catch-all")
	}
	if n.catchAll != nil {
		panic("rpc: " + n.Path() + " already has a catch-all")
	}
	n.catchAll = fn
}

// Notify publishes v as telemetry on <path>/<name>. Failures are logged and dropped.
func (n *Node) Notify(name string, v interface{}) {
	topic := n.Path() + "/" + name
	payload, err := encMode.Marshal(v)
	if err == nil {
		err = n.tree.pub.Publish(topic, payload, wire.AtMostOnce)
	}
	if err != nil {
		log.WithFields(log.Fields{
			"topic": topic,
			"err":   err,
		}).Warn("Dropped notification")
	}
}

func (n *Node) child(name string) *Node {
	for _, c := range n.children {
		if c.name == name {
			return c
		}
	}
	return nil
}

// dispatch handles topic[pos:], the part of the topic below n.
func (n *Node) dispatch(d *dispatch, pos int) Result {
	rest := d.topic[pos:]
	if sep := bytes.IndexByte(rest, '/'); sep >= 0 {
		if c := n.child(string(rest[:sep])); c != nil {
			if c.dispatch(d, pos+sep+1) == Handled {
				return Handled
			}
		}
	} else if len(rest) > 0 {
		if fn, ok := n.methods[string(rest)]; ok {
			n.invoke(d, string(rest), fn)
			return Handled
		}
		if fn, ok := n.notifications[string(rest)]; ok {
			fn(&Notification{Node: n, Name: string(rest), Payload: d.msg.Payload()})
			return Handled
		}
	}

	if n.catchAll != nil && len(rest) > 0 {
		return n.catchAll(d.msg, d.base+pos)
	}
	return Unhandled
}

func (n *Node) invoke(d *dispatch, method string, fn Method) {
	c := Call{Node: n, Method: method}
	if p := d.msg.Payload(); len(p) > 0 {
		if err := decMode.Unmarshal(p, &c.req); err != nil {
			log.WithFields(log.Fields{
				"method": n.Path() + "/" + method,
				"err":    err,
			}).Warn("Could not decode call")
			return
		}
	}
	st := fn(&c)
	if c.req.Reply == "" {
		if st != Success {
			log.WithFields(log.Fields{
				"method": n.Path() + "/" + method,
				"status": st,
			}).Info("Call failed")
		}
		return
	}
	n.tree.reply(&c.req, st, c.result)
}
