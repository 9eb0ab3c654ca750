package wire

import (
	"io"
	"sync"
	"time"
)

// Pipe creates an in-memory full-duplex byte pipe and returns its two
// ends. Writes on one end are read from the other. Both ends support read
// timeouts, so a pipe can stand in for a serial port end to end.
func Pipe() (Wire, Wire) {
	ab := newPipeBuf()
	ba := newPipeBuf()
	return &pipeEnd{rd: ba, wr: ab}, &pipeEnd{rd: ab, wr: ba}
}

type pipeEnd struct {
	rd *pipeBuf
	wr *pipeBuf

	lock    sync.Mutex
	timeout time.Duration
}

func (p *pipeEnd) Read(b []byte) (int, error) {
	p.lock.Lock()
	timeout := p.timeout
	p.lock.Unlock()
	return p.rd.read(b, timeout)
}

func (p *pipeEnd) Write(b []byte) (int, error) {
	return p.wr.write(b)
}

// Close shuts both directions; the peer's reads drain and then fail with
// io.EOF.
func (p *pipeEnd) Close() error {
	p.rd.close()
	p.wr.close()
	return nil
}

func (p *pipeEnd) SetReadTimeout(d time.Duration) error {
	p.lock.Lock()
	p.timeout = d
	p.lock.Unlock()
	return nil
}

type pipeBuf struct {
	lock   sync.Mutex
	data   []byte
	closed bool
	notify chan struct{}
}

func newPipeBuf() *pipeBuf {
	return &pipeBuf{notify: make(chan struct{}, 1)}
}

func (b *pipeBuf) write(p []byte) (int, error) {
	b.lock.Lock()
	if b.closed {
		b.lock.Unlock()
		return 0, io.ErrClosedPipe
	}
	b.data = append(b.data, p...)
	b.lock.Unlock()
	b.signal()
	return len(p), nil
}

func (b *pipeBuf) read(p []byte, timeout time.Duration) (int, error) {
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}
	for {
		b.lock.Lock()
		if len(b.data) > 0 {
			n := copy(p, b.data)
			b.data = b.data[n:]
			b.lock.Unlock()
			return n, nil
		}
		closed := b.closed
		b.lock.Unlock()
		if closed {
			return 0, io.EOF
		}
		select {
		case <-b.notify:
		case <-deadline:
			return 0, nil
		}
	}
}

func (b *pipeBuf) close() {
	b.lock.Lock()
	b.closed = true
	b.lock.Unlock()
	b.signal()
}

func (b *pipeBuf) signal() {
	select {
	case b.notify <- struct{}{}:
	default:
	}
}
