package transport

import (
	"errors"
	"io"
	"sync"
)

// maxBuffered bounds the receive buffer of a stream
const maxBuffered = 64 * 1024

// stream adapts a blocking io.ReadWriteCloser to the Channel contract. A
// background goroutine reads into a buffer that Read drains without blocking.
type stream struct {
	rw io.ReadWriteCloser

	mu      sync.Mutex
	buf     []byte
	err     error
	closed  bool
	dropped int

	done chan struct{}
}

func newStream(rw io.ReadWriteCloser) *stream {
	s := &stream{rw: rw, done: make(chan struct{})}
	go s.readLoop()
	return s
}

func (s *stream) readLoop() {
	defer close(s.done)
	chunk := make([]byte, 512)
	for {
		n, err := s.rw.Read(chunk)
		s.mu.Lock()
		if n > 0 {
			s.buf = append(s.buf, chunk[:n]...)
			if over := len(s.buf) - maxBuffered; over > 0 {
				s.buf = s.buf[over:]
				s.dropped += over
			}
		}
		if err != nil {
			if s.err == nil {
				s.err = err
			}
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
	}
}

func (s *stream) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	if len(s.buf) == 0 {
		if s.err != nil {
			return 0, s.err
		}
		return 0, nil
	}
	n := copy(p, s.buf)
	s.buf = s.buf[n:]
	return n, nil
}

func (s *stream) Write(p []byte) (int, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, ErrClosed
	}
	if s.err != nil {
		err := s.err
		s.mu.Unlock()
		return 0, err
	}
	s.mu.Unlock()
	return s.rw.Write(p)
}

func (s *stream) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed && s.err == nil
}

// Dropped returns how many received bytes were discarded on buffer overflow
func (s *stream) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

func (s *stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	err := s.rw.Close()
	<-s.done
	if errors.Is(err, ErrClosed) {
		return nil
	}
	return err
}
