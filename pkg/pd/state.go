package pd

import (
	"time"

	"github.com/dbehnke/osdp-nexus/pkg/logger"
	"github.com/dbehnke/osdp-nexus/pkg/protocol"
	"github.com/dbehnke/osdp-nexus/pkg/securechannel"
)

// replyHandler consumes an accepted reply and returns the next state
type replyHandler func(s *Session, now time.Time, ex *exchange, r protocol.Reply) State

// stateRow is one row of the transition table
type stateRow struct {
	// command builds what the state emits; nil uses the queue/poll logic
	command func(s *Session) (protocol.Command, *protocol.SecurityBlock, error)
	// replies lists accepted reply codes
	replies map[byte]replyHandler
	// any accepts every decodable reply not listed in replies
	any       replyHandler
	handshake bool
}

var transitions map[State]stateRow

func init() {
	transitions = map[State]stateRow{
		StateIDCheck: {
			command: func(*Session) (protocol.Command, *protocol.SecurityBlock, error) {
				return protocol.IDCommand{}, nil, nil
			},
			replies: map[byte]replyHandler{protocol.ReplyPDID: onIdentity},
		},
		StateCapCheck: {
			command: func(*Session) (protocol.Command, *protocol.SecurityBlock, error) {
				return protocol.CapCommand{}, nil, nil
			},
			replies: map[byte]replyHandler{protocol.ReplyPDCap: onCapabilities},
		},
		StateSCChallenge: {
			command:   challengeCommand,
			replies:   map[byte]replyHandler{protocol.ReplyCCrypt: onClientCryptogram, protocol.ReplyNak: onHandshakeNak},
			handshake: true,
		},
		StateSCCrypt: {
			command: func(s *Session) (protocol.Command, *protocol.SecurityBlock, error) {
				return protocol.ServerCryptogramCommand{Cryptogram: s.serverCryptogram}, &protocol.SecurityBlock{Type: protocol.SCS13, Data: s.keyIndicator()}, nil
			},
			replies:   map[byte]replyHandler{protocol.ReplyRMACI: onInitialRMAC, protocol.ReplyNak: onHandshakeNak},
			handshake: true,
		},
		StateSCVerify: {
			command: func(*Session) (protocol.Command, *protocol.SecurityBlock, error) {
				return protocol.PollCommand{}, nil, nil
			},
			replies:   map[byte]replyHandler{protocol.ReplyNak: onHandshakeNak},
			any:       onVerified,
			handshake: true,
		},
		StateSetSCBK: {
			command:   setSCBKCommand,
			replies:   map[byte]replyHandler{protocol.ReplyAck: onKeyProvisioned, protocol.ReplyNak: onHandshakeNak},
			handshake: true,
		},
		StateOnline: {
			any: onOnlineReply,
		},
	}
}

// keyIndicator is the handshake security block data: 0 when the default
// install key is in use, 1 otherwise
func (s *Session) keyIndicator() []byte {
	if s.sc.UsingDefaultKey() {
		return []byte{0x00}
	}
	return []byte{0x01}
}

func challengeCommand(s *Session) (protocol.Command, *protocol.SecurityBlock, error) {
	random, err := s.sc.Challenge()
	if err != nil {
		return nil, nil, err
	}
	return protocol.ChallengeCommand{Random: random}, &protocol.SecurityBlock{Type: protocol.SCS11, Data: s.keyIndicator()}, nil
}

// setSCBKCommand hands the PD its own base key over the install key session
func setSCBKCommand(s *Session) (protocol.Command, *protocol.SecurityBlock, error) {
	key, err := s.sc.ProvisionKey()
	if err != nil {
		return nil, nil, err
	}
	return protocol.KeySetCommand{Type: protocol.KeyTypeSCBK, Key: key[:]}, nil, nil
}

func onIdentity(s *Session, now time.Time, ex *exchange, r protocol.Reply) State {
	id := r.(protocol.PDID)
	s.id = &id
	s.log.Info("PD identified",
		logger.Int("address", s.info.Address),
		logger.Uint32("vendor", id.VendorCode),
		logger.Uint32("serial", id.Serial),
		logger.String("firmware", id.Firmware()))
	if s.info.Flags&FlagCapabilitiesKnown != 0 {
		return s.afterCapabilities(now)
	}
	return StateCapCheck
}

func onCapabilities(s *Session, now time.Time, ex *exchange, r protocol.Reply) State {
	caps := r.(protocol.PDCap)
	s.caps = &caps
	return s.afterCapabilities(now)
}

func onClientCryptogram(s *Session, now time.Time, ex *exchange, r protocol.Reply) State {
	cc := r.(protocol.ClientCryptogram)
	scrypt, err := s.sc.VerifyClientCryptogram(cc.ClientUID, cc.Random, securechannel.Key(cc.Cryptogram))
	if err != nil {
		return s.handshakeFailed(now, err)
	}
	s.serverCryptogram = scrypt
	return StateSCCrypt
}

func onInitialRMAC(s *Session, now time.Time, ex *exchange, r protocol.Reply) State {
	rmac := r.(protocol.InitialRMAC)
	if err := s.sc.VerifyInitialRMAC(securechannel.Key(rmac.RMAC)); err != nil {
		return s.handshakeFailed(now, err)
	}
	return StateSCVerify
}

func onHandshakeNak(s *Session, now time.Time, ex *exchange, r protocol.Reply) State {
	nak := r.(protocol.Nak)
	s.log.Warn("PD rejected secure channel handshake", logger.Int("address", s.info.Address), logger.String("reason", nak.Reason.String()))
	return s.handshakeFailed(now, ErrHandshakeRejected)
}

func onVerified(s *Session, now time.Time, ex *exchange, r protocol.Reply) State {
	s.scAttempts = 0
	s.report(now, ex, r)
	if s.sc.UsingDefaultKey() {
		s.log.Info("secure channel up on install key, provisioning SCBK", logger.Int("address", s.info.Address))
		return StateSetSCBK
	}
	s.log.Info("secure channel established", logger.Int("address", s.info.Address))
	return StateOnline
}

// onKeyProvisioned restarts the handshake with the key the PD just accepted
func onKeyProvisioned(s *Session, now time.Time, ex *exchange, r protocol.Reply) State {
	s.sc.UseDefaultKey(false)
	s.log.Info("PD accepted its SCBK, leaving install mode", logger.Int("address", s.info.Address))
	return StateSCChallenge
}

func onOnlineReply(s *Session, now time.Time, ex *exchange, r protocol.Reply) State {
	switch rep := r.(type) {
	case protocol.Ack:
		s.applyCommandEffects(ex, nil)
		if ex.user {
			s.emit(Event{Kind: EventCommandAck, Reply: rep, Command: ex.command, Time: now})
		}
	case protocol.Nak:
		if ex.user {
			s.emit(Event{Kind: EventCommandNak, Reply: rep, Command: ex.command, Nak: rep.Reason, Err: ErrCommandNotAcknowledged, Time: now})
		} else {
			s.log.Warn("PD NAKed poll", logger.Int("address", s.info.Address), logger.String("reason", rep.Reason.String()))
		}
	case protocol.ComSettings:
		s.applyCommandEffects(ex, &rep)
		s.report(now, ex, r)
	default:
		s.report(now, ex, r)
	}
	return StateOnline
}
