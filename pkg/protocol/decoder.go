package protocol

import "errors"

// DefaultDecoderCapacity bounds the bytes held while waiting for a frame to complete.
const DefaultDecoderCapacity = 4 * MaxFrameLength

// Decoder reassembles frames from a byte stream. One decoder per channel.
type Decoder struct {
	buf      []byte
	capacity int
	dropped  int
}

// NewDecoder creates a decoder holding at most capacity bytes (0 = default)
func NewDecoder(capacity int) *Decoder {
	if capacity <= 0 {
		capacity = DefaultDecoderCapacity
	}
	return &Decoder{capacity: capacity}
}

// Write appends received bytes. When the buffer would overflow, the oldest
// bytes are dropped.
func (d *Decoder) Write(p []byte) {
	d.buf = append(d.buf, p...)
	if over := len(d.buf) - d.capacity; over > 0 {
		d.buf = append(d.buf[:0], d.buf[over:]...)
		d.dropped += over
	}
}

// Next returns the next complete frame. It returns ErrIncomplete when no
// frame is available and a *FrameError for each rejected frame; in the
// latter case the offending bytes have already been discarded.
func (d *Decoder) Next() (Frame, error) {
	frame, n, err := Decode(d.buf)
	d.consume(n)
	if err != nil {
		return Frame{}, err
	}
	return frame, nil
}

// Frames drains every complete frame, reporting rejected ones to onError.
func (d *Decoder) Frames(onError func(*FrameError)) []Frame {
	var frames []Frame
	for {
		f, err := d.Next()
		if err == nil {
			frames = append(frames, f)
			continue
		}
		var fe *FrameError
		if errors.As(err, &fe) {
			if onError != nil {
				onError(fe)
			}
			continue
		}
		return frames
	}
}

// Buffered returns the number of bytes waiting for a frame to complete
func (d *Decoder) Buffered() int { return len(d.buf) }

// Dropped returns how many bytes were discarded because of overflow
func (d *Decoder) Dropped() int { return d.dropped }

// Reset discards all buffered bytes
func (d *Decoder) Reset() { d.buf = d.buf[:0] }

// Resync drops a partial frame that is not going to complete, such as one
// whose LEN field was corrupted on the line. Bytes from the next start of
// message on are kept. It returns the number of bytes dropped.
func (d *Decoder) Resync() int {
	start := 0
	for start < len(d.buf) && d.buf[start] == MarkByte {
		start++
	}
	n := resync(d.buf, start+1)
	d.consume(n)
	return n
}

func (d *Decoder) consume(n int) {
	if n <= 0 {
		return
	}
	if n >= len(d.buf) {
		d.buf = d.buf[:0]
		return
	}
	d.buf = append(d.buf[:0], d.buf[n:]...)
}
