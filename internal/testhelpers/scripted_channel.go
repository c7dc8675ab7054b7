package testhelpers

import (
	"sync"

	"github.com/dbehnke/osdp-nexus/pkg/protocol"
)

// Responder turns bytes written by the CP into bytes the CP will read back
type Responder func(written []byte) []byte

// ScriptedChannel is an in-memory transport.Channel for tests. It records
// every write and can answer through a Responder, hold answers back, or
// fail on demand.
type ScriptedChannel struct {
	mu        sync.Mutex
	writes    [][]byte
	rx        []byte
	held      []byte
	responder Responder
	withhold  bool
	writeErr  error
	readErr   error
	closed    bool
}

// NewScriptedChannel creates a channel answered by responder, which may be nil
func NewScriptedChannel(responder Responder) *ScriptedChannel {
	return &ScriptedChannel{responder: responder}
}

// Write records p and queues the responder's answer
func (c *ScriptedChannel) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return 0, c.writeErr
	}
	c.writes = append(c.writes, append([]byte(nil), p...))
	if c.responder != nil {
		if reply := c.responder(p); len(reply) > 0 {
			if c.withhold {
				c.held = append(c.held, reply...)
			} else {
				c.rx = append(c.rx, reply...)
			}
		}
	}
	return len(p), nil
}

// Read drains queued bytes without blocking
func (c *ScriptedChannel) Read(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.readErr != nil {
		return 0, c.readErr
	}
	n := copy(p, c.rx)
	c.rx = c.rx[n:]
	return n, nil
}

// IsOpen reports whether Close has not been called
func (c *ScriptedChannel) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

// Close marks the channel closed
func (c *ScriptedChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Inject queues raw bytes for the CP to read
func (c *ScriptedChannel) Inject(b []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rx = append(c.rx, b...)
}

// Withhold stops delivering responder answers until Release
func (c *ScriptedChannel) Withhold(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.withhold = on
}

// Release delivers every withheld answer
func (c *ScriptedChannel) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rx = append(c.rx, c.held...)
	c.held = nil
}

// Discard drops every withheld answer
func (c *ScriptedChannel) Discard() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.held = nil
}

// FailWrites makes every subsequent Write return err. Nil clears it.
func (c *ScriptedChannel) FailWrites(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeErr = err
}

// FailReads makes every subsequent Read return err. Nil clears it.
func (c *ScriptedChannel) FailReads(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readErr = err
}

// Writes returns a copy of everything written, one entry per Write
func (c *ScriptedChannel) Writes() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.writes))
	for i, w := range c.writes {
		out[i] = append([]byte(nil), w...)
	}
	return out
}

// Packets decodes every written frame into packets, skipping undecodable ones
func (c *ScriptedChannel) Packets() []*protocol.Packet {
	var out []*protocol.Packet
	for _, w := range c.Writes() {
		f, _, err := protocol.Decode(w)
		if err != nil {
			continue
		}
		p, err := protocol.ParsePacket(f)
		if err != nil {
			continue
		}
		out = append(out, p)
	}
	return out
}

// Codes returns the command code of every written frame, in order
func (c *ScriptedChannel) Codes() []byte {
	var codes []byte
	for _, p := range c.Packets() {
		codes = append(codes, p.Code)
	}
	return codes
}
