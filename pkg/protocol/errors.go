package protocol

import (
	"errors"
	"fmt"
)

var (
	// ErrIncomplete means the buffer does not yet hold a whole frame.
	ErrIncomplete = errors.New("protocol: incomplete frame")

	ErrFieldOutOfRange = errors.New("protocol: field out of range")
	ErrUnknownReply    = errors.New("protocol: unknown reply type")
	ErrUnknownCommand  = errors.New("protocol: unknown command type")
	ErrMalformedReply  = errors.New("protocol: malformed reply payload")
	ErrEmptyPayload    = errors.New("protocol: empty payload")
	ErrFrameTooLarge   = errors.New("protocol: frame too large")
)

// FrameErrorKind classifies decode failures
type FrameErrorKind int

const (
	Malformed FrameErrorKind = iota
	ChecksumFailed
)

func (k FrameErrorKind) String() string {
	switch k {
	case Malformed:
		return "malformed"
	case ChecksumFailed:
		return "checksum_failed"
	default:
		return "unknown"
	}
}

// FrameError reports a rejected frame and how many bytes were discarded
type FrameError struct {
	Kind    FrameErrorKind
	Skipped int
	Reason  string
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("frame %s: %s (skipped %d bytes)", e.Kind, e.Reason, e.Skipped)
}

// EncodingError reports a command or reply field that does not fit the wire format
type EncodingError struct {
	Message string
	Field   string
	Value   int
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("%s: field %s value %d out of range", e.Message, e.Field, e.Value)
}

func (e *EncodingError) Unwrap() error { return ErrFieldOutOfRange }

func fieldError(message, field string, value int) error {
	return &EncodingError{Message: message, Field: field, Value: value}
}

// ReplyErrorKind classifies reply decode failures
type ReplyErrorKind int

const (
	UnknownType ReplyErrorKind = iota
	BadPayload
)

// ReplyError reports a reply that could not be decoded
type ReplyError struct {
	Kind ReplyErrorKind
	Code byte
	Err  error
}

func (e *ReplyError) Error() string {
	if e.Kind == UnknownType {
		return fmt.Sprintf("unknown reply code 0x%02x", e.Code)
	}
	return fmt.Sprintf("reply %s: %v", ReplyName(e.Code), e.Err)
}

func (e *ReplyError) Unwrap() error {
	if e.Kind == UnknownType {
		return ErrUnknownReply
	}
	return ErrMalformedReply
}

func badReply(code byte, format string, args ...interface{}) error {
	return &ReplyError{Kind: BadPayload, Code: code, Err: fmt.Errorf(format, args...)}
}
