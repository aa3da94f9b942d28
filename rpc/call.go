package rpc

import (
	"github.com/RoanBrand/gobridge/internal/wire"
	"github.com/pkg/errors"
)

// ErrNoParams is returned by Call.Decode when the request carried no params.
var ErrNoParams = errors.New("rpc: call has no params")

// Method handles one invocation. Decode params with c.Decode and set the
// result with c.Return.
type Method func(c *Call) Status

// NotificationHandler receives an inbound notification.
type NotificationHandler func(n *Notification)

// CatchAll receives messages no child, method or notification of its node
// matched. suffix is the buffer offset of the first unconsumed topic byte.
type CatchAll func(m *wire.Message, suffix int) Result

type Call struct {
	Node   *Node
	Method string
	req    Request
	result interface{}
}

func (c *Call) ID() uint64 {
	return c.req.ID
}

// ReplyTopic is empty when the caller expects no reply.
func (c *Call) ReplyTopic() string {
	return c.req.Reply
}

func (c *Call) Decode(v interface{}) error {
	if len(c.req.Params) == 0 {
		return ErrNoParams
	}
	return errors.Wrap(decMode.Unmarshal(c.req.Params, v), "rpc: params")
}

// Return sets the value sent back with the status.
func (c *Call) Return(v interface{}) {
	c.result = v
}

type Notification struct {
	Node    *Node
	Name    string
	Payload []byte
}

func (n *Notification) Decode(v interface{}) error {
	return errors.Wrap(decMode.Unmarshal(n.Payload, v), "rpc: notification")
}
