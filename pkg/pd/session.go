package pd

import (
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/dbehnke/osdp-nexus/pkg/logger"
	"github.com/dbehnke/osdp-nexus/pkg/protocol"
	"github.com/dbehnke/osdp-nexus/pkg/securechannel"
)

// exchange is a command on the wire, or waiting to be re-sent
type exchange struct {
	command protocol.Command
	user    bool
	frame   []byte
	seq     byte
	sentAt  time.Time
	timeout time.Duration
}

// Session is the state machine for one PD. It never touches the channel:
// the owner asks it for the next frame, feeds it reply frames and drains
// the events and transitions it produced.
type Session struct {
	info Info
	cfg  Config
	root *logger.Logger
	log  *logger.Logger
	sc   *securechannel.Channel // nil disables the secure channel
	rng  *rand.Rand

	state    State
	queue    *commandQueue
	inflight *exchange
	resend   *exchange

	seq          byte
	retries      int
	scAttempts   int
	// defaultKeyTried is set once install mode fell back to the default key
	defaultKeyTried bool
	failures     int
	retryAt      time.Time
	lastActivity time.Time

	id               *protocol.PDID
	caps             *protocol.PDCap
	serverCryptogram securechannel.Key

	out Outcome
}

// NewSession creates a session in the OFFLINE state. sc may be nil when
// no master key is configured.
func NewSession(info Info, cfg Config, sc *securechannel.Channel, log *logger.Logger) *Session {
	if log == nil {
		log = logger.Nop()
	}
	return &Session{
		info:  info,
		cfg:   cfg,
		root:  log,
		log:   log.WithComponent("pd").With(logger.String("pd", info.Label())),
		sc:    sc,
		rng:   rand.New(rand.NewSource(int64(info.Address) + 1)),
		state: StateOffline,
		queue: newCommandQueue(cfg.QueueLimit),
	}
}

// Reconfigured returns a session for the PD under a new descriptor, as
// after COMSET. The secure channel keeps its base key (including one
// installed by KEYSET) and queued commands carry over in order.
func (s *Session) Reconfigured(info Info) *Session {
	if s.sc != nil {
		s.sc.Reset()
	}
	next := NewSession(info, s.cfg, s.sc, s.root)
	next.queue.items = s.queue.clear()
	next.id, next.caps = s.id, s.caps
	return next
}

// Info returns the PD descriptor
func (s *Session) Info() Info { return s.info }

// Address returns the PD address
func (s *Session) Address() int { return s.info.Address }

// State returns the current session state
func (s *Session) State() State { return s.state }

// Identity returns the PDID report once ID_CHECK has completed
func (s *Session) Identity() (protocol.PDID, bool) {
	if s.id == nil {
		return protocol.PDID{}, false
	}
	return *s.id, true
}

// Capabilities returns the PDCAP report once CAP_CHECK has completed
func (s *Session) Capabilities() (protocol.PDCap, bool) {
	if s.caps == nil {
		return protocol.PDCap{}, false
	}
	return *s.caps, true
}

// SecureChannelEstablished reports whether traffic is currently protected
func (s *Session) SecureChannelEstablished() bool {
	return s.sc != nil && s.sc.Established()
}

// QueueLen returns the number of commands waiting to be sent
func (s *Session) QueueLen() int { return s.queue.len() }

// LastActivity returns when the PD last answered
func (s *Session) LastActivity() time.Time { return s.lastActivity }

// AwaitingReply reports whether a frame is on the wire
func (s *Session) AwaitingReply() bool { return s.inflight != nil }

// RetryAt returns when a failed session becomes eligible again
func (s *Session) RetryAt() time.Time { return s.retryAt }

// Ready reports whether the session can put a frame on the wire at now
func (s *Session) Ready(now time.Time) bool {
	if s.inflight != nil {
		return false
	}
	if s.state.Failed() {
		return !now.Before(s.retryAt)
	}
	return true
}

func requiresSecureChannel(c protocol.Command) bool {
	switch c.(type) {
	case protocol.ComSetCommand, protocol.KeySetCommand:
		return true
	}
	return false
}

// Enqueue validates a command and appends it to the FIFO
func (s *Session) Enqueue(c protocol.Command) error {
	if err := protocol.ValidateCommand(c); err != nil {
		return err
	}
	if s.state.Failed() {
		return ErrPDOffline
	}
	if requiresSecureChannel(c) && !s.SecureChannelEstablished() {
		return ErrSecureChannelRequired
	}
	return s.queue.push(c)
}

// ClearQueue drops all pending commands and returns how many were dropped
func (s *Session) ClearQueue() int {
	return len(s.queue.clear())
}

// Drain returns and resets what the session produced
func (s *Session) Drain() Outcome {
	out := s.out
	s.out = Outcome{}
	return out
}

// Next returns the next frame to transmit, or nil when nothing is due
func (s *Session) Next(now time.Time) []byte {
	if !s.Ready(now) {
		return nil
	}
	if s.state == StateOffline || s.state.Failed() {
		s.restart(now)
	}

	if ex := s.resend; ex != nil {
		s.resend = nil
		ex.sentAt = now
		s.inflight = ex
		return ex.frame
	}

	ex, err := s.buildExchange(now)
	if err != nil {
		s.log.Error("failed to build command", logger.Error(err))
		s.enterFailure(now, s.failureState(), err)
		return nil
	}
	ex.sentAt = now
	s.inflight = ex
	return ex.frame
}

// Tick expires the in-flight command when its reply is overdue
func (s *Session) Tick(now time.Time) {
	ex := s.inflight
	if ex == nil || now.Sub(ex.sentAt) < ex.timeout {
		return
	}
	s.log.Debug("reply timeout",
		logger.String("command", protocol.CommandName(ex.command.Code())),
		logger.Int("retry", s.retries+1))
	s.retry(now, &CommTimeoutError{
		Address:  s.info.Address,
		Command:  protocol.CommandName(ex.command.Code()),
		Attempts: s.retries + 1,
		Timeout:  ex.timeout,
	})
}

// ChannelDown forces the session offline after a transport failure
func (s *Session) ChannelDown(now time.Time, err error) {
	if s.state.Failed() {
		return
	}
	s.enterFailure(now, StateOfflineCommFailed, err)
}

// HandleFrame processes a frame addressed to this PD
func (s *Session) HandleFrame(now time.Time, f protocol.Frame) {
	ex := s.inflight
	if ex == nil {
		s.log.Debug("dropping unsolicited frame")
		return
	}
	if !f.IsReply() {
		return
	}

	p, err := protocol.ParsePacket(f)
	if err != nil {
		s.log.Debug("dropping unparsable reply", logger.Error(err))
		return
	}
	if p.Sequence != ex.seq {
		s.log.Debug("dropping reply with wrong sequence",
			logger.Int("expected", int(ex.seq)), logger.Int("got", int(p.Sequence)))
		return
	}

	data, err := s.unwrap(f, p)
	if err != nil {
		var sce *SecureChannelError
		if errors.As(err, &sce) {
			s.secureFailure(now, sce)
			return
		}
		s.retry(now, err)
		return
	}

	reply, err := protocol.DecodeReply(p.Code, data)
	if err != nil {
		var re *protocol.ReplyError
		if errors.As(err, &re) && re.Kind == protocol.UnknownType {
			// The PD answered, so the exchange is over. Retrying would only
			// replay the same reply until the PD was declared offline.
			s.log.Warn("unknown reply code", logger.Byte("code", p.Code))
			s.complete(now)
			s.emit(Event{Kind: EventUnknownReply, Err: err, Command: s.userCommand(ex), Time: now})
			return
		}
		s.retry(now, err)
		return
	}

	if _, busy := reply.(protocol.Busy); busy {
		s.retry(now, fmt.Errorf("%w: PD busy", ErrUnexpectedReply))
		return
	}

	row := transitions[s.state]
	handler, ok := row.replies[reply.Code()]
	if !ok {
		handler = row.any
	}
	if handler == nil {
		s.retry(now, fmt.Errorf("%w: %s in %s", ErrUnexpectedReply, protocol.ReplyName(reply.Code()), s.state))
		return
	}

	s.complete(now)
	s.transition(now, handler(s, now, ex, reply), nil)
}

// unwrap checks and strips the secure channel envelope of a reply
func (s *Session) unwrap(f protocol.Frame, p *protocol.Packet) ([]byte, error) {
	if !s.SecureChannelEstablished() {
		if p.SCB != nil && protocol.IsSecureBlockWithMAC(p.SCB.Type) {
			return nil, fmt.Errorf("%w: secure reply without a secure channel", ErrUnexpectedReply)
		}
		return p.Data, nil
	}

	if p.SCB == nil || (p.SCB.Type != protocol.SCS16 && p.SCB.Type != protocol.SCS18) {
		return nil, &SecureChannelError{Address: s.info.Address, Err: ErrInsecureReply}
	}
	if err := s.sc.VerifyInbound(protocol.MACInputFromRaw(f.Raw, p.UseCRC), p.MAC); err != nil {
		return nil, &SecureChannelError{Address: s.info.Address, Err: err}
	}
	if p.SCB.Type == protocol.SCS18 {
		data, err := s.sc.DecryptInbound(p.Data)
		if err != nil {
			return nil, &SecureChannelError{Address: s.info.Address, Err: err}
		}
		return data, nil
	}
	return p.Data, nil
}

func (s *Session) buildExchange(now time.Time) (*exchange, error) {
	row, ok := transitions[s.state]
	if !ok {
		return nil, fmt.Errorf("no command for state %s", s.state)
	}

	var (
		cmd  protocol.Command
		scb  *protocol.SecurityBlock
		user bool
		err  error
	)
	if row.command != nil {
		cmd, scb, err = row.command(s)
		if err != nil {
			return nil, err
		}
	} else {
		cmd, user = s.nextQueued(now)
	}

	frame, err := s.encode(cmd, scb)
	if err != nil {
		return nil, err
	}
	timeout := s.cfg.ReplyTimeout
	if row.handshake {
		timeout = s.cfg.HandshakeTimeout
	}
	return &exchange{command: cmd, user: user, frame: frame, seq: s.seq, timeout: timeout}, nil
}

// nextQueued pops the FIFO head, falling back to POLL
func (s *Session) nextQueued(now time.Time) (protocol.Command, bool) {
	for {
		c, ok := s.queue.pop()
		if !ok {
			return protocol.PollCommand{}, false
		}
		if requiresSecureChannel(c) && !s.SecureChannelEstablished() {
			s.emit(Event{Kind: EventCommandFailed, Command: c, Err: ErrSecureChannelRequired, Time: now})
			continue
		}
		return c, true
	}
}

func (s *Session) encode(cmd protocol.Command, scb *protocol.SecurityBlock) ([]byte, error) {
	data, err := cmd.MarshalData()
	if err != nil {
		return nil, err
	}
	p := &protocol.Packet{
		Address:  byte(s.info.Address),
		Sequence: s.seq,
		UseCRC:   s.cfg.UseCRC,
		SCB:      scb,
		Code:     cmd.Code(),
		Data:     data,
	}

	if scb == nil && s.SecureChannelEstablished() {
		p.SCB = &protocol.SecurityBlock{Type: protocol.SCS15}
		if len(data) > 0 {
			p.SCB.Type = protocol.SCS17
			if p.Data, err = s.sc.EncryptOutbound(data); err != nil {
				return nil, err
			}
		}
		if p.MAC, err = s.sc.SignOutbound(p.MACInput()); err != nil {
			return nil, err
		}
	}
	return p.Encode()
}

func (s *Session) restart(now time.Time) {
	s.seq = 0
	s.retries = 0
	s.scAttempts = 0
	s.defaultKeyTried = false
	s.inflight = nil
	s.resend = nil
	if s.sc != nil {
		s.sc.Reset()
		s.sc.UseDefaultKey(false)
	}
	s.transition(now, StateIDCheck, nil)
}

func (s *Session) complete(now time.Time) {
	s.inflight = nil
	s.retries = 0
	s.lastActivity = now
	s.advanceSeq()
}

func (s *Session) advanceSeq() {
	s.seq++
	if s.seq > 3 {
		s.seq = 1
	}
}

// retry schedules the in-flight frame for re-transmission or gives up.
// A frame is sent at most MaxRetries+1 times.
func (s *Session) retry(now time.Time, reason error) {
	ex := s.inflight
	s.inflight = nil
	s.retries++
	if s.retries > s.cfg.MaxRetries {
		if ex != nil && ex.user {
			s.emit(Event{Kind: EventCommandFailed, Command: ex.command, Err: reason, Time: now})
		}
		s.enterFailure(now, s.failureState(), reason)
		return
	}
	s.resend = ex
}

func (s *Session) failureState() State {
	if transitions[s.state].handshake {
		return StateOfflineSecureFailed
	}
	return StateOfflineCommFailed
}

// secureFailure drops the session keys after a MAC or decryption failure
func (s *Session) secureFailure(now time.Time, err *SecureChannelError) {
	ex := s.inflight
	s.inflight = nil
	s.resend = nil
	s.advanceSeq()
	s.log.Warn("secure channel failure", logger.Error(err))
	if ex != nil && ex.user {
		s.emit(Event{Kind: EventCommandFailed, Command: ex.command, Err: err, Time: now})
	}
	s.transition(now, s.handshakeFailed(now, err), err)
}

// handshakeFailed counts a failed handshake and picks the next state. In
// install mode the first failure is retried once with the default key
// without counting as an attempt.
func (s *Session) handshakeFailed(now time.Time, err error) State {
	if s.sc != nil {
		s.sc.Reset()
		if s.info.InstallMode() && !s.defaultKeyTried {
			s.defaultKeyTried = true
			s.sc.UseDefaultKey(true)
			s.log.Info("retrying secure channel with the install key", logger.Error(err))
			return StateSCChallenge
		}
		s.sc.UseDefaultKey(false)
	}
	s.scAttempts++
	if s.scAttempts >= s.cfg.MaxHandshakeAttempts {
		s.enterFailure(now, StateOfflineSecureFailed, &SecureChannelError{Address: s.info.Address, Err: err})
		return StateOfflineSecureFailed
	}
	s.log.Info("restarting secure channel handshake", logger.Int("attempt", s.scAttempts+1), logger.Error(err))
	return StateSCChallenge
}

func (s *Session) afterCapabilities(now time.Time) State {
	supported := s.caps == nil || s.caps.SupportsSecureChannel()
	switch {
	case s.sc != nil && supported:
		return StateSCChallenge
	case !s.info.SecureRequired():
		return StateOnline
	case s.sc == nil:
		s.enterFailure(now, StateOfflineSecureFailed, ErrNoMasterKey)
	default:
		s.enterFailure(now, StateOfflineSecureFailed, ErrSecureUnsupported)
	}
	return StateOfflineSecureFailed
}

// enterFailure moves to a failure state, flushing the queue and arming the backoff
func (s *Session) enterFailure(now time.Time, to State, reason error) {
	if ex := s.inflight; ex != nil && ex.user {
		s.emit(Event{Kind: EventCommandFailed, Command: ex.command, Err: reason, Time: now})
	}
	s.inflight = nil
	s.resend = nil
	for _, c := range s.queue.clear() {
		s.emit(Event{Kind: EventCommandFailed, Command: c, Err: ErrPDOffline, Time: now})
	}
	if s.sc != nil {
		s.sc.Reset()
	}
	s.failures++
	delay := NextBackoffDelay(s.cfg.Backoff, s.failures, s.rng)
	s.retryAt = now.Add(delay)
	s.log.Warn("PD offline", logger.String("state", to.String()), logger.Duration("retry_in", delay), logger.Error(reason))
	s.transition(now, to, reason)
}

func (s *Session) transition(now time.Time, to State, reason error) {
	if to == s.state {
		return
	}
	from := s.state
	s.state = to
	if to == StateOnline {
		s.failures = 0
	}
	s.out.Transitions = append(s.out.Transitions, Transition{Address: s.info.Address, From: from, To: to, At: now, Reason: reason})
	s.log.Info("PD state change", logger.String("from", from.String()), logger.String("to", to.String()))
}

func (s *Session) emit(ev Event) {
	ev.Address = s.info.Address
	s.out.Events = append(s.out.Events, ev)
}

func (s *Session) userCommand(ex *exchange) protocol.Command {
	if ex != nil && ex.user {
		return ex.command
	}
	return nil
}

// report surfaces a data-bearing reply as an event
func (s *Session) report(now time.Time, ex *exchange, r protocol.Reply) {
	kind, ok := eventKindFor(r)
	if !ok {
		return
	}
	s.emit(Event{Kind: kind, Reply: r, Command: s.userCommand(ex), Time: now})
}

// applyCommandEffects updates local state once the PD accepted COMSET or KEYSET
func (s *Session) applyCommandEffects(ex *exchange, com *protocol.ComSettings) {
	if ex == nil || !ex.user {
		return
	}
	switch c := ex.command.(type) {
	case protocol.KeySetCommand:
		if s.sc != nil {
			var k securechannel.Key
			copy(k[:], c.Key)
			s.sc.SetSCBK(k)
			s.log.Info("installed new secure channel base key")
		}
	case protocol.ComSetCommand:
		next := s.info
		next.Address, next.BaudRate = c.Address, c.BaudRate
		if com != nil {
			next.Address, next.BaudRate = com.Address, com.BaudRate
		}
		s.out.Reconfigure = &next
		s.log.Info("PD communication settings changed",
			logger.Int("new_address", next.Address), logger.Int("baud_rate", next.BaudRate))
	}
}
