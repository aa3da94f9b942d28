// Package transport moves bytes between network connections and the run
// loop. Each connection gets a reader and a writer goroutine that only touch
// the connection's own rx/tx FIFOs; the run loop polls the non-blocking
// Stream side.
package transport

import (
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
)

const (
	DefaultRxSize = 2048
	DefaultTxSize = 2048

	closeTimeout = time.Second
)

var (
	ErrWouldBlock = errors.New("transport: tx buffer full")
	ErrClosed     = errors.New("transport: stream closed")
)

// Stream is a non-blocking byte stream.
//
// Read returns 0, nil when nothing is buffered, and the terminal error once
// the connection is gone and everything received was read. Write accepts all
// of p or nothing, returning ErrWouldBlock when the tx FIFO lacks room.
type Stream interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
	Err() error
}

type connStream struct {
	mu      sync.Mutex
	rx, tx  fifo
	err     error
	closing bool
	conn    io.ReadWriteCloser

	txReady chan struct{}
	rxSpace chan struct{}
	done    chan struct{}
	once    sync.Once
}

func newConnStream(rxSize, txSize int) *connStream {
	if rxSize <= 0 {
		rxSize = DefaultRxSize
	}
	if txSize <= 0 {
		txSize = DefaultTxSize
	}
	return &connStream{
		rx:      newFifo(rxSize),
		tx:      newFifo(txSize),
		txReady: make(chan struct{}, 1),
		rxSpace: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// NewStream wraps an established connection.
func NewStream(conn io.ReadWriteCloser, rxSize, txSize int) Stream {
	s := newConnStream(rxSize, txSize)
	s.attach(conn)
	return s
}

// attach starts the I/O goroutines on conn. Bytes written before attach
// stay queued in tx.
func (s *connStream) attach(conn io.ReadWriteCloser) {
	s.mu.Lock()
	if s.err != nil {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.conn = conn
	s.mu.Unlock()

	go s.readLoop()
	go s.writeLoop()
	signal(s.txReady)
}

func signal(c chan struct{}) {
	select {
	case c <- struct{}{}:
	default:
	}
}

// fail records the first terminal error and tears the connection down.
func (s *connStream) fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
	s.shutdown()
}

func (s *connStream) shutdown() {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	s.once.Do(func() {
		close(s.done)
		if conn != nil {
			conn.Close()
		}
	})
}

func (s *connStream) readLoop() {
	buf := make([]byte, 512)
	for {
		s.mu.Lock()
		free := s.rx.free()
		s.mu.Unlock()

		if free == 0 {
			select {
			case <-s.rxSpace:
				continue
			case <-s.done:
				return
			}
		}
		if free > len(buf) {
			free = len(buf)
		}

		n, err := s.conn.Read(buf[:free])
		if n > 0 {
			s.mu.Lock()
			s.rx.write(buf[:n])
			s.mu.Unlock()
		}
		if err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			s.fail(errors.Wrap(err, "transport: read"))
			return
		}
	}
}

func (s *connStream) writeLoop() {
	buf := make([]byte, 512)
	for {
		select {
		case <-s.txReady:
		case <-s.done:
			return
		}

		for {
			s.mu.Lock()
			n := s.tx.read(buf)
			closing := s.closing
			s.mu.Unlock()
			if n == 0 {
				if closing {
					s.shutdown()
					return
				}
				break
			}
			if _, err := s.conn.Write(buf[:n]); err != nil {
				s.fail(errors.Wrap(err, "transport: write"))
				return
			}
		}
	}
}

func (s *connStream) Read(p []byte) (int, error) {
	s.mu.Lock()
	n := s.rx.read(p)
	err := s.err
	s.mu.Unlock()

	if n > 0 {
		signal(s.rxSpace)
		return n, nil
	}
	return 0, err
}

func (s *connStream) Write(p []byte) (int, error) {
	s.mu.Lock()
	if s.err != nil {
		err := s.err
		s.mu.Unlock()
		return 0, err
	}
	if s.tx.free() < len(p) {
		s.mu.Unlock()
		return 0, ErrWouldBlock
	}
	s.tx.write(p)
	s.mu.Unlock()

	signal(s.txReady)
	return len(p), nil
}

// Close stops accepting writes. Bytes already queued are flushed, bounded
// by closeTimeout, before the connection is closed.
func (s *connStream) Close() error {
	s.mu.Lock()
	if s.err == nil {
		s.err = ErrClosed
	}
	s.closing = true
	conn := s.conn
	s.mu.Unlock()

	if conn == nil {
		s.shutdown()
		return nil
	}
	if d, ok := conn.(interface{ SetWriteDeadline(time.Time) error }); ok {
		d.SetWriteDeadline(time.Now().Add(closeTimeout))
	}
	time.AfterFunc(closeTimeout, s.shutdown)
	signal(s.txReady)
	return nil
}

func (s *connStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}
