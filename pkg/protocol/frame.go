package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Control is the CTRL byte of a frame
type Control byte

// NewControl packs a sequence number and the trailer/SCB flags
func NewControl(seq byte, useCRC, hasSCB bool) Control {
	c := Control(seq & CtrlSequenceMask)
	if useCRC {
		c |= Control(CtrlCRC)
	}
	if hasSCB {
		c |= Control(CtrlSCB)
	}
	return c
}

// Sequence returns the 2-bit sequence number
func (c Control) Sequence() byte { return byte(c) & CtrlSequenceMask }

// UsesCRC reports whether the frame ends with a CRC-16
func (c Control) UsesCRC() bool { return byte(c)&CtrlCRC != 0 }

// HasSCB reports whether a security control block follows CTRL
func (c Control) HasSCB() bool { return byte(c)&CtrlSCB != 0 }

// Frame is one decoded unit on the wire
type Frame struct {
	Address byte // raw address byte, reply flag included
	Control Control
	Payload []byte // everything between CTRL and the check bytes
	Raw     []byte // complete frame from SOM through the check bytes
}

// PDAddress returns the 7-bit device address
func (f Frame) PDAddress() byte { return f.Address & AddressMask }

// IsReply reports whether the frame travels PD -> CP
func (f Frame) IsReply() bool { return f.Address&ReplyFlag != 0 }

// FrameLength returns the encoded length of a frame carrying payloadLen bytes
func FrameLength(payloadLen int, useCRC bool) int {
	return HeaderLength + payloadLen + checkLength(useCRC)
}

// Header builds the five header bytes for a frame with the given payload length.
// MACs are computed over the header with its final LEN, before the frame exists.
func Header(address byte, ctrl Control, payloadLen int) []byte {
	h := make([]byte, HeaderLength)
	h[0] = SOM
	h[1] = address
	binary.LittleEndian.PutUint16(h[2:4], uint16(FrameLength(payloadLen, ctrl.UsesCRC())))
	h[4] = byte(ctrl)
	return h
}

// Encode serializes a frame. The trailer type follows the CTRL CRC flag.
func Encode(address byte, ctrl Control, payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, ErrEmptyPayload
	}
	total := FrameLength(len(payload), ctrl.UsesCRC())
	if total > MaxFrameLength {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, total)
	}

	buf := make([]byte, 0, total)
	buf = append(buf, Header(address, ctrl, len(payload))...)
	buf = append(buf, payload...)
	return appendCheck(buf, ctrl.UsesCRC()), nil
}

// Decode extracts the first frame from buf.
//
// It returns the frame and the number of bytes it consumed. ErrIncomplete means
// more bytes are needed and nothing was consumed apart from leading mark bytes.
// A *FrameError means the bytes at the head of buf are not a valid frame; the
// consumed count then reaches the next candidate SOM so the caller can resync.
func Decode(buf []byte) (Frame, int, error) {
	start := 0
	for start < len(buf) && buf[start] == MarkByte {
		start++
	}
	data := buf[start:]
	if len(data) == 0 {
		return Frame{}, start, ErrIncomplete
	}

	if data[0] != SOM {
		skip := resync(data, 0)
		return Frame{}, start + skip, &FrameError{Kind: Malformed, Skipped: start + skip, Reason: "missing start of message"}
	}
	if len(data) < HeaderLength {
		return Frame{}, start, ErrIncomplete
	}

	ctrl := Control(data[4])
	length := int(binary.LittleEndian.Uint16(data[2:4]))
	if length < HeaderLength+1+checkLength(ctrl.UsesCRC()) || length > MaxFrameLength {
		skip := resync(data, 1)
		return Frame{}, start + skip, &FrameError{Kind: Malformed, Skipped: start + skip, Reason: fmt.Sprintf("invalid length %d", length)}
	}
	if len(data) < length {
		return Frame{}, start, ErrIncomplete
	}

	raw := data[:length]
	if !verifyCheck(raw, ctrl.UsesCRC()) {
		skip := resync(data, 1)
		return Frame{}, start + skip, &FrameError{Kind: ChecksumFailed, Skipped: start + skip, Reason: "check bytes mismatch"}
	}

	out := make([]byte, length)
	copy(out, raw)
	return Frame{
		Address: out[1],
		Control: ctrl,
		Payload: out[HeaderLength : length-checkLength(ctrl.UsesCRC())],
		Raw:     out,
	}, start + length, nil
}

// resync returns the offset of the next SOM at or after from, or len(data).
func resync(data []byte, from int) int {
	if from >= len(data) {
		return len(data)
	}
	if i := bytes.IndexByte(data[from:], SOM); i >= 0 {
		return from + i
	}
	return len(data)
}
