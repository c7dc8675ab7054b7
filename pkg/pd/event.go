package pd

import (
	"time"

	"github.com/dbehnke/osdp-nexus/pkg/protocol"
)

// EventKind classifies what a PD reported
type EventKind int

const (
	EventCardRead EventKind = iota
	EventKeypad
	EventLocalStatus
	EventInputStatus
	EventOutputStatus
	EventReaderStatus
	EventManufacturer
	EventIdentity
	EventCapabilities
	EventComSettings
	EventCommandAck
	EventCommandNak
	EventCommandFailed
	EventUnknownReply
	EventTransparent
)

func (k EventKind) String() string {
	switch k {
	case EventCardRead:
		return "card_read"
	case EventKeypad:
		return "keypad"
	case EventLocalStatus:
		return "local_status"
	case EventInputStatus:
		return "input_status"
	case EventOutputStatus:
		return "output_status"
	case EventReaderStatus:
		return "reader_status"
	case EventManufacturer:
		return "manufacturer"
	case EventIdentity:
		return "identity"
	case EventCapabilities:
		return "capabilities"
	case EventComSettings:
		return "com_settings"
	case EventCommandAck:
		return "command_ack"
	case EventCommandNak:
		return "command_nak"
	case EventCommandFailed:
		return "command_failed"
	case EventUnknownReply:
		return "unknown_reply"
	case EventTransparent:
		return "transparent"
	default:
		return "unknown"
	}
}

// Tag groups kinds into card, keypad, tamper, command and generic
func (k EventKind) Tag() string {
	switch k {
	case EventCardRead:
		return "card"
	case EventKeypad:
		return "keypad"
	case EventLocalStatus, EventReaderStatus:
		return "tamper"
	case EventCommandAck, EventCommandNak, EventCommandFailed:
		return "command"
	default:
		return "generic"
	}
}

// Event is a decoded report from a PD or the outcome of a user command
type Event struct {
	Address int
	Kind    EventKind
	Reply   protocol.Reply   // nil for command_failed
	Command protocol.Command // set when the event answers a queued command
	Nak     protocol.NakCode
	Err     error
	Time    time.Time
}

// Transition records a session state change
type Transition struct {
	Address int
	From    State
	To      State
	At      time.Time
	Reason  error
}

// Outcome is what a session produced since it was last drained
type Outcome struct {
	Events      []Event
	Transitions []Transition
	// Reconfigure is set after a COMSET took effect; the owner must replace
	// the session with one built from this descriptor.
	Reconfigure *Info
}

func eventKindFor(r protocol.Reply) (EventKind, bool) {
	switch r.(type) {
	case protocol.CardRead, protocol.FormattedCard:
		return EventCardRead, true
	case protocol.Keypad:
		return EventKeypad, true
	case protocol.LocalStatus:
		return EventLocalStatus, true
	case protocol.InputStatus:
		return EventInputStatus, true
	case protocol.OutputStatus:
		return EventOutputStatus, true
	case protocol.ReaderStatus:
		return EventReaderStatus, true
	case protocol.MfgReply:
		return EventManufacturer, true
	case protocol.PDID:
		return EventIdentity, true
	case protocol.PDCap:
		return EventCapabilities, true
	case protocol.ComSettings:
		return EventComSettings, true
	case protocol.XRDReply:
		return EventTransparent, true
	default:
		return 0, false
	}
}
