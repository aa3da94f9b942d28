package pool

import "github.com/RoanBrand/gobridge/internal/wire"

// Lease is a reference on a pooled message that is dropped exactly once.
//
//	l, err := p.Lease()
//	if err != nil {
//		return err
//	}
//	defer l.Release()
type Lease struct {
	p   *Pool
	msg *wire.Message
}

// Lease acquires an empty message.
func (p *Pool) Lease() (Lease, error) {
	m, err := p.AcquireEmpty()
	if err != nil {
		return Lease{}, err
	}
	return Lease{p: p, msg: m}, nil
}

// Hold takes an additional reference on m, owned by the returned lease.
func (p *Pool) Hold(m *wire.Message) Lease {
	p.IncrementRef(m)
	return Lease{p: p, msg: m}
}

// Message is nil after Release.
func (l *Lease) Message() *wire.Message {
	return l.msg
}

func (l *Lease) Release() {
	if l.msg == nil {
		return
	}
	l.p.DecrementRef(l.msg)
	l.msg = nil
}
