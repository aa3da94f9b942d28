package transport

// fifo is a bounded byte ring. Callers hold the stream lock.
type fifo struct {
	buf  []byte
	r, n int
}

func newFifo(size int) fifo {
	return fifo{buf: make([]byte, size)}
}

func (f *fifo) len() int {
	return f.n
}

func (f *fifo) free() int {
	return len(f.buf) - f.n
}

// write appends as much of p as fits.
func (f *fifo) write(p []byte) int {
	written := 0
	for len(p) > 0 && f.n < len(f.buf) {
		w := (f.r + f.n) % len(f.buf)
		end := len(f.buf)
		if w < f.r {
			end = f.r
		}
		c := copy(f.buf[w:end], p)
		p = p[c:]
		f.n += c
		written += c
	}
	return written
}

func (f *fifo) read(p []byte) int {
	read := 0
	for len(p) > 0 && f.n > 0 {
		end := f.r + f.n
		if end > len(f.buf) {
			end = len(f.buf)
		}
		c := copy(p, f.buf[f.r:end])
		p = p[c:]
		f.r = (f.r + c) % len(f.buf)
		f.n -= c
		read += c
	}
	if f.n == 0 {
		f.r = 0
	}
	return read
}
