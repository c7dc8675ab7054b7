// Package transport provides the byte channels the control panel talks
// over: serial lines, TCP sockets and an in-memory pipe for tests.
package transport

import "errors"

// ErrClosed is returned by operations on a closed channel
var ErrClosed = errors.New("transport: channel closed")

// Channel is a non-blocking byte channel shared by every PD on one bus
type Channel interface {
	// Write sends p and returns the number of bytes written
	Write(p []byte) (int, error)
	// Read copies buffered bytes into p. It never blocks and returns 0, nil
	// when nothing has arrived.
	Read(p []byte) (int, error)
	IsOpen() bool
	Close() error
}

// BaudSetter is implemented by channels whose line speed can change at runtime
type BaudSetter interface {
	SetBaudRate(baud int) error
}
