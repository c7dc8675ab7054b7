package pd

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrQueueFull              = errors.New("pd: command queue full")
	ErrSecureChannelRequired  = errors.New("pd: command requires an established secure channel")
	ErrPDOffline              = errors.New("pd: device offline")
	ErrNoMasterKey            = errors.New("pd: secure channel required but no master key configured")
	ErrSecureUnsupported      = errors.New("pd: secure channel required but not supported by device")
	ErrUnexpectedReply        = errors.New("pd: unexpected reply")
	ErrInsecureReply          = errors.New("pd: plain reply on secure channel")
	ErrHandshakeRejected      = errors.New("pd: handshake rejected by device")
	ErrCommandNotAcknowledged = errors.New("pd: command not acknowledged")
)

// CommTimeoutError is raised when a command exhausted its retries
type CommTimeoutError struct {
	Address  int
	Command  string
	Attempts int
	Timeout  time.Duration
}

func (e *CommTimeoutError) Error() string {
	return fmt.Sprintf("pd %d: %s unanswered after %d attempts (timeout %s)", e.Address, e.Command, e.Attempts, e.Timeout)
}

// SecureChannelError wraps a MAC, decryption or handshake failure
type SecureChannelError struct {
	Address int
	Err     error
}

func (e *SecureChannelError) Error() string {
	return fmt.Sprintf("pd %d: secure channel: %v", e.Address, e.Err)
}

func (e *SecureChannelError) Unwrap() error { return e.Err }
