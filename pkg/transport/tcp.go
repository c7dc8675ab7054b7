package transport

import (
	"context"
	"fmt"
	"net"
	"time"
)

// TCPChannel carries OSDP over a TCP connection, typically to a serial
// server or a PD emulator
type TCPChannel struct {
	*stream
	conn net.Conn
}

// DialTCP connects to addr
func DialTCP(ctx context.Context, addr string, timeout time.Duration) (*TCPChannel, error) {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}
	return NewConnChannel(conn), nil
}

// NewConnChannel wraps an established connection, e.g. one accepted by a listener
func NewConnChannel(conn net.Conn) *TCPChannel {
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	return &TCPChannel{stream: newStream(conn), conn: conn}
}

// String returns the remote address
func (c *TCPChannel) String() string { return c.conn.RemoteAddr().String() }
