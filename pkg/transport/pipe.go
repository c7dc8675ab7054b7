package transport

import "sync"

type pipeBuffer struct {
	mu     sync.Mutex
	data   []byte
	closed bool
}

// PipeEnd is one side of an in-memory channel pair
type PipeEnd struct {
	in, out *pipeBuffer
	writes  [][]byte
	wmu     sync.Mutex
}

// Pipe returns two connected channel ends. Bytes written to one end are
// readable from the other.
func Pipe() (*PipeEnd, *PipeEnd) {
	ab, ba := &pipeBuffer{}, &pipeBuffer{}
	return &PipeEnd{in: ba, out: ab}, &PipeEnd{in: ab, out: ba}
}

func (p *PipeEnd) Write(b []byte) (int, error) {
	p.out.mu.Lock()
	defer p.out.mu.Unlock()
	if p.out.closed {
		return 0, ErrClosed
	}
	p.out.data = append(p.out.data, b...)

	p.wmu.Lock()
	p.writes = append(p.writes, append([]byte(nil), b...))
	p.wmu.Unlock()
	return len(b), nil
}

func (p *PipeEnd) Read(b []byte) (int, error) {
	p.in.mu.Lock()
	defer p.in.mu.Unlock()
	if len(p.in.data) == 0 {
		if p.in.closed {
			return 0, ErrClosed
		}
		return 0, nil
	}
	n := copy(b, p.in.data)
	p.in.data = p.in.data[n:]
	return n, nil
}

func (p *PipeEnd) IsOpen() bool {
	p.out.mu.Lock()
	defer p.out.mu.Unlock()
	return !p.out.closed
}

// Close closes both directions
func (p *PipeEnd) Close() error {
	for _, b := range []*pipeBuffer{p.in, p.out} {
		b.mu.Lock()
		b.closed = true
		b.mu.Unlock()
	}
	return nil
}

// Writes returns every buffer passed to Write, in order
func (p *PipeEnd) Writes() [][]byte {
	p.wmu.Lock()
	defer p.wmu.Unlock()
	return append([][]byte(nil), p.writes...)
}
