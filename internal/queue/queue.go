// Package queue keeps outbound QoS 1 PUBLISH messages until they are
// acknowledged. Items come from a fixed array; nothing is allocated after
// construction. Owned by the run loop, not safe for concurrent use.
package queue

import (
	"time"

	"github.com/RoanBrand/gobridge/internal/wire"
	"github.com/pkg/errors"
)

var (
	ErrFull      = errors.New("queue: in-flight window full")
	ErrDuplicate = errors.New("queue: packet identifier already in flight")
)

// Item is one unacknowledged PUBLISH.
type Item struct {
	Msg  *wire.Message
	PId  uint16
	Sent time.Time

	next, prev *Item
}

type list struct {
	h, t *Item
}

func (q *list) add(i *Item) {
	if q.h == nil {
		q.h = i
		q.t = i
	} else {
		q.t.next = i
		i.prev = q.t
		q.t = i
	}
}

func (q *list) remove(i *Item) {
	if i.prev == nil { // is h
		q.h = i.next
	} else {
		i.prev.next = i.next
	}

	if i.next == nil { // is t
		q.t = i.prev
	} else {
		i.next.prev = i.prev
	}

	i.prev, i.next = nil, nil
}

// InFlight is ordered by first send, oldest at the head.
type InFlight struct {
	pending list
	free    list
	items   []Item
	lookup  map[uint16]*Item
	n       int
}

func NewInFlight(capacity int) *InFlight {
	if capacity <= 0 {
		panic("queue: invalid capacity")
	}
	q := &InFlight{
		items:  make([]Item, capacity),
		lookup: make(map[uint16]*Item, capacity),
	}
	for i := range q.items {
		q.free.add(&q.items[i])
	}
	return q
}

// Add tracks m, sent at now, under packet id pID. The caller keeps its
// reference on m until the item is removed.
func (q *InFlight) Add(m *wire.Message, pID uint16, now time.Time) error {
	if _, ok := q.lookup[pID]; ok {
		return ErrDuplicate
	}
	i := q.free.h
	if i == nil {
		return ErrFull
	}

	q.free.remove(i)
	i.Msg, i.PId, i.Sent = m, pID, now
	q.pending.add(i)
	q.lookup[pID] = i
	q.n++
	return nil
}

// Remove finalizes pID and returns its message, or nil if pID is not in flight.
func (q *InFlight) Remove(pID uint16) *wire.Message {
	i, ok := q.lookup[pID]
	if !ok {
		return nil
	}

	m := i.Msg
	q.pending.remove(i)
	delete(q.lookup, pID)
	i.Msg, i.PId, i.Sent = nil, 0, time.Time{}
	q.free.add(i)
	q.n--
	return m
}

func (q *InFlight) Has(pID uint16) bool {
	_, ok := q.lookup[pID]
	return ok
}

func (q *InFlight) Len() int {
	return q.n
}

func (q *InFlight) Full() bool {
	return q.free.h == nil
}

// Resend calls d for every item unacknowledged for at least timeout and
// marks it sent at now. Stops at the first error from d.
func (q *InFlight) Resend(now time.Time, timeout time.Duration, d func(*Item) error) error {
	for i := q.pending.h; i != nil; i = i.next {
		if now.Sub(i.Sent) < timeout {
			continue
		}
		if err := d(i); err != nil {
			return err
		}
		i.Sent = now
	}
	return nil
}

// Drain removes everything, handing each message to release in send order.
func (q *InFlight) Drain(release func(*wire.Message)) {
	for q.pending.h != nil {
		m := q.Remove(q.pending.h.PId)
		if release != nil {
			release(m)
		}
	}
}
