package mqtt

import (
	"github.com/RoanBrand/gobridge/internal/pool"
	"github.com/RoanBrand/gobridge/internal/transport"
	"github.com/RoanBrand/gobridge/internal/wire"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// packet parser states
const (
	controlAndFlags = iota
	length
	acquire
	body
	discard
)

// receiver reassembles packets from a stream straight into pool messages.
// The fixed header is collected in hdr; a pool slot is only taken once the
// remaining length is known and the packet fits. The message being filled
// is owned by the receiver until it is complete and valid, then ownership
// (one reference) moves to the caller. An idle connection holds no slot.
type receiver struct {
	pool *pool.Pool

	state     uint8
	hdr       [5]byte
	msg       *wire.Message
	n         int // bytes in hdr, then in msg
	rl, mul   int
	remaining int

	scratch [64]byte
}

func (r *receiver) reset() {
	r.state, r.n, r.rl, r.mul, r.remaining = controlAndFlags, 0, 0, 1, 0
}

// release drops the partial message, if any.
func (r *receiver) release() {
	if r.msg != nil {
		r.pool.DecrementRef(r.msg)
		r.msg = nil
	}
	r.reset()
}

// next returns the next complete packet, or nil if none is available yet.
// With the pool exhausted a started packet waits after its fixed header
// and the rest of its bytes stay in the stream. Errors mean framing or the
// stream is lost; packets failing validation are logged and dropped.
func (r *receiver) next(s transport.Stream) (*wire.Message, error) {
	for {
		switch r.state {
		case controlAndFlags:
			n, err := s.Read(r.hdr[:1])
			if n == 0 {
				return nil, err
			}
			r.n, r.rl, r.mul = 1, 0, 1
			r.state = length

		case length:
			n, err := s.Read(r.hdr[r.n : r.n+1])
			if n == 0 {
				return nil, err
			}
			b := r.hdr[r.n]
			r.n++
			r.rl += int(b&0x7F) * r.mul
			r.mul *= 128
			if b&0x80 != 0 {
				if r.n == len(r.hdr) {
					return nil, errors.Wrap(wire.ErrMalformed, "remaining length exceeds 4 bytes")
				}
				continue
			}

			r.remaining = r.rl
			if size := r.n + r.rl; size > r.pool.BufSize() {
				log.WithFields(log.Fields{
					"type":   wire.TypeName(r.hdr[0] & 0xF0),
					"size":   size,
					"buffer": r.pool.BufSize(),
				}).Warn("Discarding oversize packet")
				r.state = discard
				continue
			}
			r.state = acquire

		case acquire:
			m, err := r.pool.AcquireEmpty()
			if err != nil {
				return nil, nil
			}
			r.msg = m
			copy(m.Buffer(), r.hdr[:r.n])
			r.state = body

		case body:
			buf := r.msg.Buffer()
			if r.remaining > 0 {
				n, err := s.Read(buf[r.n : r.n+r.remaining])
				r.n += n
				r.remaining -= n
				if r.remaining > 0 {
					if n == 0 {
						return nil, err
					}
					continue
				}
			}

			size := r.n
			m := r.msg
			r.msg = nil
			r.reset()
			if err := m.ValidateReceivedBytes(size); err != nil {
				log.WithFields(log.Fields{
					"type": wire.TypeName(buf[0] & 0xF0),
					"err":  err,
				}).Warn("Dropped malformed packet")
				r.pool.DecrementRef(m)
				continue
			}
			return m, nil

		case discard:
			want := r.remaining
			if want > len(r.scratch) {
				want = len(r.scratch)
			}
			n, err := s.Read(r.scratch[:want])
			r.remaining -= n
			if r.remaining == 0 {
				r.reset()
				continue
			}
			if n == 0 {
				return nil, err
			}
		}
	}
}
