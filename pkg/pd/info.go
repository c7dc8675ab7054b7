// Package pd holds the control panel's view of one peripheral device: its
// descriptor, its session state machine and its command queue.
package pd

import "fmt"

// Flags tune how a PD session is brought online
type Flags uint32

const (
	// FlagSecureRequired refuses to go online without a secure channel
	FlagSecureRequired Flags = 1 << iota
	// FlagCapabilitiesKnown skips the capability query
	FlagCapabilitiesKnown
	// FlagInstallMode lets a failed handshake be retried with the default
	// install key, after which the PD is given its own SCBK
	FlagInstallMode
)

// Info describes a PD. It does not change for the lifetime of a session.
type Info struct {
	Name     string
	Address  int
	Channel  string // identity of the channel the PD is reached through
	BaudRate int
	Flags    Flags
}

// Label returns a human readable name for logs
func (i Info) Label() string {
	if i.Name != "" {
		return i.Name
	}
	return fmt.Sprintf("pd-%d", i.Address)
}

// SecureRequired reports whether FlagSecureRequired is set
func (i Info) SecureRequired() bool { return i.Flags&FlagSecureRequired != 0 }

// InstallMode reports whether FlagInstallMode is set
func (i Info) InstallMode() bool { return i.Flags&FlagInstallMode != 0 }

// State is the session state of a PD
type State int

const (
	StateOffline State = iota
	StateIDCheck
	StateCapCheck
	StateSCChallenge
	StateSCCrypt
	StateSCVerify
	StateOnline
	StateOfflineCommFailed
	StateOfflineSecureFailed
	StateSetSCBK
)

func (s State) String() string {
	switch s {
	case StateOffline:
		return "OFFLINE"
	case StateIDCheck:
		return "ID_CHECK"
	case StateCapCheck:
		return "CAP_CHECK"
	case StateSCChallenge:
		return "SC_CHALLENGE"
	case StateSCCrypt:
		return "SC_CRYPT"
	case StateSCVerify:
		return "SC_VERIFY"
	case StateOnline:
		return "ONLINE"
	case StateOfflineCommFailed:
		return "OFFLINE_COMM_FAILED"
	case StateOfflineSecureFailed:
		return "OFFLINE_SECURE_FAILED"
	case StateSetSCBK:
		return "SET_SCBK"
	default:
		return "UNKNOWN"
	}
}

// Failed reports whether the state is a terminal failure awaiting backoff
func (s State) Failed() bool {
	return s == StateOfflineCommFailed || s == StateOfflineSecureFailed
}

// Handshaking reports whether the state belongs to the secure channel handshake
func (s State) Handshaking() bool {
	return s == StateSCChallenge || s == StateSCCrypt || s == StateSCVerify || s == StateSetSCBK
}
