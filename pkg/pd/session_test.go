package pd

import (
	"testing"
	"time"

	"github.com/dbehnke/osdp-nexus/pkg/pdsim"
	"github.com/dbehnke/osdp-nexus/pkg/protocol"
	"github.com/dbehnke/osdp-nexus/pkg/securechannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testMaster = securechannel.Key{0x30, 0x31, 0x32, 0x33, 0x34, 0x35, 0x36, 0x37, 0x38, 0x39, 0x3a, 0x3b, 0x3c, 0x3d, 0x3e, 0x3f}

func testDevice(secure bool, master securechannel.Key) *pdsim.Device {
	cfg := pdsim.Config{
		Address:  101,
		UID:      [8]byte{0xA1, 0xB2, 0xC3, 0x00, 0x01, 0x02, 0x03, 0x04},
		Identity: protocol.PDID{VendorCode: 0xA1B2C3, Model: 1, Version: 2, Serial: 0x01020304, FirmwareMajor: 1, FirmwareMinor: 4},
		Inputs:   2,
		Outputs:  2,
		Readers:  1,
	}
	if secure {
		return pdsim.NewFromMaster(cfg, master, nil)
	}
	return pdsim.New(cfg, nil)
}

type harness struct {
	t   *testing.T
	s   *Session
	dev *pdsim.Device
	now time.Time
	out Outcome
}

func newHarness(t *testing.T, cfg Config, secure bool, dev *pdsim.Device) *harness {
	var sc *securechannel.Channel
	if secure {
		sc = securechannel.NewCP(testMaster)
	}
	info := Info{Address: 101, Channel: "bus0", BaudRate: 9600}
	return &harness{
		t:   t,
		s:   NewSession(info, cfg, sc, nil),
		dev: dev,
		now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func (h *harness) drain() {
	o := h.s.Drain()
	h.out.Events = append(h.out.Events, o.Events...)
	h.out.Transitions = append(h.out.Transitions, o.Transitions...)
	if o.Reconfigure != nil {
		h.out.Reconfigure = o.Reconfigure
	}
}

// step sends the next frame to the device and feeds back its answer
func (h *harness) step() []byte {
	h.t.Helper()
	frame := h.s.Next(h.now)
	if frame == nil {
		h.drain()
		return nil
	}
	f, _, err := protocol.Decode(frame)
	require.NoError(h.t, err)
	if reply := h.dev.Handle(f); reply != nil {
		rf, _, err := protocol.Decode(reply)
		require.NoError(h.t, err)
		h.s.HandleFrame(h.now, rf)
	}
	h.drain()
	return frame
}

// timeout lets the in-flight frame expire
func (h *harness) timeout(d time.Duration) {
	h.now = h.now.Add(d)
	h.s.Tick(h.now)
	h.drain()
}

func (h *harness) bringUp() {
	h.t.Helper()
	for i := 0; i < 10 && h.s.State() != StateOnline; i++ {
		h.step()
	}
	require.Equal(h.t, StateOnline, h.s.State())
}

func (h *harness) states() []State {
	var out []State
	for _, tr := range h.out.Transitions {
		out = append(out, tr.To)
	}
	return out
}

func (h *harness) eventsOf(kind EventKind) []Event {
	var out []Event
	for _, ev := range h.out.Events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func TestSessionPlainBringUp(t *testing.T) {
	h := newHarness(t, DefaultConfig(), false, testDevice(false, testMaster))
	h.bringUp()

	assert.Equal(t, []State{StateIDCheck, StateCapCheck, StateOnline}, h.states())
	id, ok := h.s.Identity()
	require.True(t, ok)
	assert.Equal(t, uint32(0xA1B2C3), id.VendorCode)
	assert.Equal(t, "1.4.0", id.Firmware())
	caps, ok := h.s.Capabilities()
	require.True(t, ok)
	assert.False(t, caps.SupportsSecureChannel())
	assert.False(t, h.s.SecureChannelEstablished())
	assert.Equal(t, h.now, h.s.LastActivity())
}

func TestSessionSecureBringUp(t *testing.T) {
	dev := testDevice(true, testMaster)
	h := newHarness(t, DefaultConfig(), true, dev)
	h.bringUp()

	assert.Equal(t, []State{StateIDCheck, StateCapCheck, StateSCChallenge, StateSCCrypt, StateSCVerify, StateOnline}, h.states())
	assert.True(t, h.s.SecureChannelEstablished())
	assert.True(t, dev.SecureChannelEstablished())

	require.NoError(t, h.s.Enqueue(protocol.OutputCommand{OutputNo: 1, ControlCode: protocol.OutputPermanentOn}))
	frame := h.step()
	f, _, err := protocol.Decode(frame)
	require.NoError(t, err)
	p, err := protocol.ParsePacket(f)
	require.NoError(t, err)
	require.NotNil(t, p.SCB)
	assert.Equal(t, protocol.SCS17, p.SCB.Type, "commands with data are encrypted")

	acks := h.eventsOf(EventCommandAck)
	require.Len(t, acks, 1)
	assert.Equal(t, protocol.OutputCommand{OutputNo: 1, ControlCode: protocol.OutputPermanentOn}, acks[0].Command)
	assert.Equal(t, []bool{false, true}, dev.Outputs())

	// plain POLL secured without encryption
	frame = h.step()
	f, _, _ = protocol.Decode(frame)
	p, _ = protocol.ParsePacket(f)
	require.NotNil(t, p.SCB)
	assert.Equal(t, protocol.SCS15, p.SCB.Type)
	assert.Equal(t, StateOnline, h.s.State())
}

func TestSessionMismatchedKeyFailsHandshake(t *testing.T) {
	other := testMaster
	other[0] ^= 0xFF
	h := newHarness(t, DefaultConfig(), true, testDevice(true, other))

	for i := 0; i < 10 && !h.s.State().Failed(); i++ {
		h.step()
	}
	assert.Equal(t, StateOfflineSecureFailed, h.s.State())
	assert.NotContains(t, h.states(), StateSCCrypt)
	assert.False(t, h.s.SecureChannelEstablished())

	last := h.out.Transitions[len(h.out.Transitions)-1]
	assert.ErrorIs(t, last.Reason, securechannel.ErrCryptogramMismatch)
}

func TestSessionSecureRequiredWithoutSupport(t *testing.T) {
	h := newHarness(t, DefaultConfig(), true, testDevice(false, testMaster))
	h.s.info.Flags = FlagSecureRequired
	for i := 0; i < 5 && !h.s.State().Failed(); i++ {
		h.step()
	}
	assert.Equal(t, StateOfflineSecureFailed, h.s.State())
}

func TestSessionInsecureFallbackWhenUnsupported(t *testing.T) {
	h := newHarness(t, DefaultConfig(), true, testDevice(false, testMaster))
	h.bringUp()
	assert.NotContains(t, h.states(), StateSCChallenge)
	assert.False(t, h.s.SecureChannelEstablished())
}

func TestSessionFIFO(t *testing.T) {
	dev := testDevice(false, testMaster)
	h := newHarness(t, DefaultConfig(), false, dev)
	h.bringUp()

	cmds := []protocol.Command{
		protocol.LEDCommand{Reader: 0, LEDNumber: 0, ControlCode: 1, OnCount: 5, OffCount: 5, OnColor: protocol.LEDColorRed},
		protocol.BuzzerCommand{Reader: 0, ControlCode: 2, OnCount: 1, OffCount: 1, RepeatCount: 1},
		protocol.OutputCommand{OutputNo: 0, ControlCode: protocol.OutputPermanentOn},
	}
	for _, c := range cmds {
		require.NoError(t, h.s.Enqueue(c))
	}
	assert.Equal(t, 3, h.s.QueueLen())

	for range cmds {
		h.step()
	}
	h.step() // queue empty: POLL

	received := dev.Received()
	require.Len(t, received, 6) // ID, CAP, 3 commands, POLL
	assert.Equal(t, cmds, received[2:5])
	assert.Equal(t, protocol.PollCommand{}, received[5])
	assert.Len(t, h.eventsOf(EventCommandAck), 3)
}

func TestSessionAtMostOneInFlight(t *testing.T) {
	h := newHarness(t, DefaultConfig(), false, testDevice(false, testMaster))
	first := h.s.Next(h.now)
	require.NotNil(t, first)
	assert.True(t, h.s.AwaitingReply())
	assert.False(t, h.s.Ready(h.now))
	assert.Nil(t, h.s.Next(h.now), "no second frame while one is outstanding")

	h.timeout(h.s.cfg.ReplyTimeout - time.Millisecond)
	assert.True(t, h.s.AwaitingReply(), "not yet expired")

	h.timeout(time.Millisecond)
	assert.False(t, h.s.AwaitingReply())
	again := h.s.Next(h.now)
	assert.Equal(t, first, again, "retry re-sends the identical frame")
}

func TestSessionRetriesExhaustedGoesCommFailed(t *testing.T) {
	dev := testDevice(false, testMaster)
	h := newHarness(t, DefaultConfig(), false, dev)
	h.bringUp()

	out := protocol.OutputCommand{OutputNo: 0, ControlCode: protocol.OutputPermanentOn}
	require.NoError(t, h.s.Enqueue(out))
	require.NoError(t, h.s.Enqueue(protocol.BuzzerCommand{ControlCode: 1}))
	dev.SetSilent(true)

	var frames [][]byte
	for i := 0; i < h.s.cfg.MaxRetries; i++ {
		frames = append(frames, h.step())
		h.timeout(h.s.cfg.ReplyTimeout)
		require.Equal(t, StateOnline, h.s.State(), "still retrying after send %d", i+1)
	}
	frames = append(frames, h.step())
	h.timeout(h.s.cfg.ReplyTimeout)

	// the first send plus MaxRetries re-sends
	require.Len(t, frames, 4)
	for _, f := range frames[1:] {
		assert.Equal(t, frames[0], f)
	}

	assert.Equal(t, StateOfflineCommFailed, h.s.State())
	failed := h.eventsOf(EventCommandFailed)
	require.Len(t, failed, 2, "in-flight and queued commands are both reported")
	assert.Equal(t, out, failed[0].Command)
	var cte *CommTimeoutError
	assert.ErrorAs(t, failed[0].Err, &cte)
	assert.ErrorIs(t, failed[1].Err, ErrPDOffline)
	assert.Zero(t, h.s.QueueLen())

	assert.ErrorIs(t, h.s.Enqueue(out), ErrPDOffline)

	// backoff, then restart at ID_CHECK with sequence 0
	assert.False(t, h.s.Ready(h.now))
	h.now = h.s.RetryAt()
	dev.SetSilent(false)
	frame := h.step()
	f, _, err := protocol.Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, byte(0), f.Control.Sequence())
	assert.Equal(t, StateCapCheck, h.s.State())
}

func TestSessionChallengeSilenceGoesSecureFailed(t *testing.T) {
	dev := testDevice(true, testMaster)
	h := newHarness(t, DefaultConfig(), true, dev)
	h.step() // ID
	h.step() // CAP
	require.Equal(t, StateSCChallenge, h.s.State())

	dev.SetSilent(true)
	for i := 0; i <= h.s.cfg.MaxRetries; i++ {
		require.Equal(t, StateSCChallenge, h.s.State())
		require.NotNil(t, h.step())
		h.timeout(h.s.cfg.HandshakeTimeout)
	}
	assert.Equal(t, StateOfflineSecureFailed, h.s.State())
}

func TestSessionHandshakeUsesLongerTimeout(t *testing.T) {
	dev := testDevice(true, testMaster)
	h := newHarness(t, DefaultConfig(), true, dev)
	h.step()
	h.step()
	dev.SetSilent(true)
	h.step()

	h.timeout(h.s.cfg.ReplyTimeout)
	assert.True(t, h.s.AwaitingReply())
	h.timeout(h.s.cfg.HandshakeTimeout - h.s.cfg.ReplyTimeout)
	assert.False(t, h.s.AwaitingReply())
}

func TestSessionEnqueueValidation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.QueueLimit = 2
	h := newHarness(t, cfg, false, testDevice(false, testMaster))

	err := h.s.Enqueue(protocol.OutputCommand{OutputNo: 0, ControlCode: 99})
	assert.ErrorIs(t, err, protocol.ErrFieldOutOfRange)

	err = h.s.Enqueue(protocol.ComSetCommand{Address: 5, BaudRate: 9600})
	assert.ErrorIs(t, err, ErrSecureChannelRequired)
	err = h.s.Enqueue(protocol.KeySetCommand{Type: protocol.KeyTypeSCBK, Key: make([]byte, 16)})
	assert.ErrorIs(t, err, ErrSecureChannelRequired)

	require.NoError(t, h.s.Enqueue(protocol.PollCommand{}))
	require.NoError(t, h.s.Enqueue(protocol.PollCommand{}))
	assert.ErrorIs(t, h.s.Enqueue(protocol.PollCommand{}), ErrQueueFull)

	assert.Equal(t, 2, h.s.ClearQueue())
	assert.Zero(t, h.s.QueueLen())
}

func TestSessionNak(t *testing.T) {
	dev := testDevice(false, testMaster)
	dev.SetHandler(func(cmd protocol.Command) protocol.Reply {
		if _, ok := cmd.(protocol.TextCommand); ok {
			return protocol.Nak{Reason: protocol.NakRecord}
		}
		return nil
	})
	h := newHarness(t, DefaultConfig(), false, dev)
	h.bringUp()

	cmd := protocol.TextCommand{Reader: 0, ControlCode: protocol.TextPermanentNoWrap, OffsetRow: 1, OffsetCol: 1, Data: "hello"}
	require.NoError(t, h.s.Enqueue(cmd))
	h.step()

	naks := h.eventsOf(EventCommandNak)
	require.Len(t, naks, 1)
	assert.Equal(t, protocol.NakRecord, naks[0].Nak)
	assert.Equal(t, cmd, naks[0].Command)
	assert.ErrorIs(t, naks[0].Err, ErrCommandNotAcknowledged)
	assert.Equal(t, StateOnline, h.s.State())
}

func TestSessionPollDeliversEvents(t *testing.T) {
	dev := testDevice(false, testMaster)
	h := newHarness(t, DefaultConfig(), false, dev)
	h.bringUp()

	card := protocol.CardRead{Reader: 0, Format: 1, BitCount: 26, Data: []byte{0x01, 0x02, 0x03, 0xC0}}
	dev.QueueEvent(card)
	dev.QueueEvent(protocol.Keypad{Reader: 0, Keys: []byte("12#")})
	h.step()
	h.step()

	cards := h.eventsOf(EventCardRead)
	require.Len(t, cards, 1)
	assert.Equal(t, card, cards[0].Reply)
	assert.Nil(t, cards[0].Command)
	assert.Equal(t, 101, cards[0].Address)
	assert.Equal(t, "card", cards[0].Kind.Tag())

	keys := h.eventsOf(EventKeypad)
	require.Len(t, keys, 1)
	assert.Equal(t, []byte("12#"), keys[0].Reply.(protocol.Keypad).Keys)
}

func TestSessionIgnoresWrongSequence(t *testing.T) {
	h := newHarness(t, DefaultConfig(), false, testDevice(false, testMaster))
	require.NotNil(t, h.s.Next(h.now)) // ID with seq 0

	p := &protocol.Packet{Address: 101, Reply: true, Sequence: 2, UseCRC: true, Code: protocol.ReplyAck}
	raw, err := p.Encode()
	require.NoError(t, err)
	f, _, err := protocol.Decode(raw)
	require.NoError(t, err)

	h.s.HandleFrame(h.now, f)
	assert.True(t, h.s.AwaitingReply())
	assert.Equal(t, StateIDCheck, h.s.State())
}

func TestSessionBusyRetries(t *testing.T) {
	dev := testDevice(false, testMaster)
	busy := 1
	dev.SetHandler(func(cmd protocol.Command) protocol.Reply {
		if _, ok := cmd.(protocol.OutputCommand); ok && busy > 0 {
			busy--
			return protocol.Busy{}
		}
		return nil
	})
	h := newHarness(t, DefaultConfig(), false, dev)
	h.bringUp()

	require.NoError(t, h.s.Enqueue(protocol.OutputCommand{OutputNo: 0, ControlCode: protocol.OutputPermanentOn}))
	first := h.step()
	assert.Empty(t, h.eventsOf(EventCommandAck))
	second := h.step()
	assert.Equal(t, first, second, "BUSY re-sends the same frame")
	assert.Len(t, h.eventsOf(EventCommandAck), 1)
	assert.Equal(t, StateOnline, h.s.State())
}

func TestSessionUnknownReply(t *testing.T) {
	h := newHarness(t, DefaultConfig(), false, testDevice(false, testMaster))
	h.bringUp()
	require.NotNil(t, h.s.Next(h.now))
	seq := h.s.inflight.seq

	p := &protocol.Packet{Address: 101, Reply: true, Sequence: seq, UseCRC: true, Code: 0x7A, Data: []byte{1}}
	raw, err := p.Encode()
	require.NoError(t, err)
	f, _, err := protocol.Decode(raw)
	require.NoError(t, err)
	h.s.HandleFrame(h.now, f)
	h.drain()

	assert.False(t, h.s.AwaitingReply())
	require.Len(t, h.eventsOf(EventUnknownReply), 1)
	assert.ErrorIs(t, h.eventsOf(EventUnknownReply)[0].Err, protocol.ErrUnknownReply)
	assert.Equal(t, StateOnline, h.s.State())
}

func TestSessionTamperedMACForcesRehandshake(t *testing.T) {
	dev := testDevice(true, testMaster)
	h := newHarness(t, DefaultConfig(), true, dev)
	h.bringUp()

	frame := h.s.Next(h.now)
	require.NotNil(t, frame)
	f, _, err := protocol.Decode(frame)
	require.NoError(t, err)
	reply := dev.Handle(f)
	rf, _, err := protocol.Decode(reply)
	require.NoError(t, err)
	p, err := protocol.ParsePacket(rf)
	require.NoError(t, err)
	p.MAC[0] ^= 0x01
	tampered, err := p.Encode()
	require.NoError(t, err)
	tf, _, err := protocol.Decode(tampered)
	require.NoError(t, err)

	h.s.HandleFrame(h.now, tf)
	h.drain()
	assert.Equal(t, StateSCChallenge, h.s.State())
	assert.False(t, h.s.SecureChannelEstablished())
	last := h.out.Transitions[len(h.out.Transitions)-1]
	assert.ErrorIs(t, last.Reason, securechannel.ErrMACMismatch)

	h.bringUp()
	assert.True(t, h.s.SecureChannelEstablished())
}

func TestSessionKeySetInstallsNewKey(t *testing.T) {
	dev := testDevice(true, testMaster)
	h := newHarness(t, DefaultConfig(), true, dev)
	h.bringUp()

	newKey := []byte("0123456789abcdef")
	require.NoError(t, h.s.Enqueue(protocol.KeySetCommand{Type: protocol.KeyTypeSCBK, Key: newKey}))
	h.step()
	require.Len(t, h.eventsOf(EventCommandAck), 1)

	h.s.ChannelDown(h.now, assert.AnError)
	h.drain()
	require.Equal(t, StateOfflineCommFailed, h.s.State())
	h.now = h.s.RetryAt()
	h.bringUp()
	assert.True(t, h.s.SecureChannelEstablished(), "handshake succeeds with the new base key")
}

func TestSessionComSetReconfigures(t *testing.T) {
	dev := testDevice(true, testMaster)
	h := newHarness(t, DefaultConfig(), true, dev)
	h.bringUp()

	require.NoError(t, h.s.Enqueue(protocol.ComSetCommand{Address: 5, BaudRate: 115200}))
	h.step()

	require.NotNil(t, h.out.Reconfigure)
	assert.Equal(t, 5, h.out.Reconfigure.Address)
	assert.Equal(t, 115200, h.out.Reconfigure.BaudRate)
	assert.Equal(t, 5, dev.Address())
	require.Len(t, h.eventsOf(EventComSettings), 1)
}

func TestSessionChannelDown(t *testing.T) {
	h := newHarness(t, DefaultConfig(), false, testDevice(false, testMaster))
	h.bringUp()
	require.NoError(t, h.s.Enqueue(protocol.PollCommand{}))

	h.s.ChannelDown(h.now, assert.AnError)
	h.drain()
	assert.Equal(t, StateOfflineCommFailed, h.s.State())
	require.Len(t, h.eventsOf(EventCommandFailed), 1)
	assert.True(t, h.s.RetryAt().After(h.now))
}

func installModeDevice() *pdsim.Device {
	return pdsim.New(pdsim.Config{
		Address:     101,
		UID:         [8]byte{0xA1, 0xB2, 0xC3, 0x00, 0x01, 0x02, 0x03, 0x04},
		Identity:    protocol.PDID{VendorCode: 0xA1B2C3, Serial: 0x01020304},
		Outputs:     2,
		Readers:     1,
		InstallMode: true,
	}, nil)
}

// challenges returns the key indicator of every CHLNG in frames
func challenges(t *testing.T, frames [][]byte) []byte {
	t.Helper()
	var out []byte
	for _, raw := range frames {
		f, _, err := protocol.Decode(raw)
		require.NoError(t, err)
		p, err := protocol.ParsePacket(f)
		require.NoError(t, err)
		if p.Code == protocol.CmdChlng {
			require.NotNil(t, p.SCB)
			out = append(out, p.SCB.Data[0])
		}
	}
	return out
}

func TestSessionInstallModeProvisionsSCBK(t *testing.T) {
	dev := installModeDevice()
	h := newHarness(t, DefaultConfig(), true, dev)
	h.s.info.Flags = FlagInstallMode

	var frames [][]byte
	for i := 0; i < 20 && h.s.State() != StateOnline; i++ {
		frames = append(frames, h.step())
	}
	require.Equal(t, StateOnline, h.s.State())
	assert.Equal(t, []State{
		StateIDCheck, StateCapCheck,
		StateSCChallenge, StateSCCrypt, StateSCVerify, StateSetSCBK,
		StateSCChallenge, StateSCCrypt, StateSCVerify, StateOnline,
	}, h.states())
	assert.Equal(t, []byte{0x01, 0x00, 0x01}, challenges(t, frames), "own key, install key, provisioned key")

	scbk, ok := dev.SCBK()
	require.True(t, ok)
	assert.Equal(t, securechannel.DeriveSCBK(testMaster, [8]byte{0xA1, 0xB2, 0xC3, 0x00, 0x01, 0x02, 0x03, 0x04}), scbk)
	assert.False(t, dev.InstallMode())
	assert.True(t, h.s.SecureChannelEstablished())
	assert.False(t, h.s.sc.UsingDefaultKey())
	assert.Empty(t, h.eventsOf(EventCommandAck), "the provisioning KEYSET is not a user command")
}

func TestSessionInstallModeFallsBackOnce(t *testing.T) {
	other := testMaster
	other[3] ^= 0x55
	h := newHarness(t, DefaultConfig(), true, testDevice(true, other))
	h.s.info.Flags = FlagInstallMode

	var frames [][]byte
	for i := 0; i < 20 && !h.s.State().Failed(); i++ {
		frames = append(frames, h.step())
	}
	assert.Equal(t, StateOfflineSecureFailed, h.s.State())
	assert.Equal(t, []byte{0x01, 0x00, 0x01, 0x01}, challenges(t, frames),
		"the install key attempt does not count against the handshake limit")
	assert.NotContains(t, h.states(), StateSetSCBK)
}

func TestSessionReconfiguredKeepsKeyAndQueue(t *testing.T) {
	dev := testDevice(true, testMaster)
	h := newHarness(t, DefaultConfig(), true, dev)
	h.bringUp()

	newKey := securechannel.Key{0xC0, 0xFF, 0xEE, 0x01}
	require.NoError(t, h.s.Enqueue(protocol.KeySetCommand{Type: protocol.KeyTypeSCBK, Key: newKey[:]}))
	h.step()
	require.Len(t, h.eventsOf(EventCommandAck), 1)

	out := protocol.OutputCommand{OutputNo: 1, ControlCode: protocol.OutputPermanentOn}
	require.NoError(t, h.s.Enqueue(protocol.ComSetCommand{Address: 102, BaudRate: 9600}))
	require.NoError(t, h.s.Enqueue(out))
	h.step()
	require.NotNil(t, h.out.Reconfigure)
	assert.Equal(t, 102, h.out.Reconfigure.Address)

	h.s = h.s.Reconfigured(*h.out.Reconfigure)
	h.out = Outcome{}
	assert.Equal(t, 102, h.s.Address())
	assert.Equal(t, 1, h.s.QueueLen(), "commands queued behind COMSET survive")

	h.bringUp()
	assert.True(t, h.s.SecureChannelEstablished(), "handshake uses the key installed by KEYSET")
	scbk, _ := dev.SCBK()
	assert.Equal(t, newKey, scbk)

	h.step()
	acks := h.eventsOf(EventCommandAck)
	require.Len(t, acks, 1)
	assert.Equal(t, out, acks[0].Command)
	assert.Equal(t, []bool{false, true}, dev.Outputs())
}

func TestSessionRepeatedUnknownRepliesStayOnline(t *testing.T) {
	h := newHarness(t, DefaultConfig(), false, testDevice(false, testMaster))
	h.bringUp()
	require.NoError(t, h.s.Enqueue(protocol.LEDCommand{Reader: 0, LEDNumber: 0, ControlCode: 1, OnCount: 5, OffCount: 5, OnColor: protocol.LEDColorRed}))

	var seqs []byte
	for i := 0; i < h.s.cfg.MaxRetries+3; i++ {
		require.NotNil(t, h.s.Next(h.now))
		seq := h.s.inflight.seq
		seqs = append(seqs, seq)
		p := &protocol.Packet{Address: 101, Reply: true, Sequence: seq, UseCRC: true, Code: 0x7A}
		raw, err := p.Encode()
		require.NoError(t, err)
		f, _, err := protocol.Decode(raw)
		require.NoError(t, err)
		h.s.HandleFrame(h.now, f)
		h.drain()
	}

	assert.Equal(t, StateOnline, h.s.State())
	assert.Empty(t, h.eventsOf(EventCommandFailed))
	unknown := h.eventsOf(EventUnknownReply)
	require.Len(t, unknown, h.s.cfg.MaxRetries+3)
	assert.NotNil(t, unknown[0].Command, "the first answers the queued LED command")
	assert.Nil(t, unknown[1].Command)
	for i := 1; i < len(seqs); i++ {
		assert.NotEqual(t, seqs[i-1], seqs[i], "every unknown reply ends its exchange")
	}
}

func TestSessionTransparentReply(t *testing.T) {
	dev := testDevice(false, testMaster)
	h := newHarness(t, DefaultConfig(), false, dev)
	h.bringUp()

	cmd := protocol.XWRCommand{Op: protocol.XWRModeSet, NewMode: 1}
	require.NoError(t, h.s.Enqueue(cmd))
	h.step()

	evs := h.eventsOf(EventTransparent)
	require.Len(t, evs, 1)
	assert.Equal(t, cmd, evs[0].Command)
	assert.Equal(t, protocol.XRDReply{Op: protocol.XRDModeReport, Mode: 1}, evs[0].Reply)
	assert.Equal(t, "transparent", evs[0].Kind.String())
}

func TestEventKindTag(t *testing.T) {
	tags := map[EventKind]string{
		EventCardRead:      "card",
		EventKeypad:        "keypad",
		EventLocalStatus:   "tamper",
		EventReaderStatus:  "tamper",
		EventCommandAck:    "command",
		EventCommandNak:    "command",
		EventCommandFailed: "command",
		EventInputStatus:   "generic",
		EventTransparent:   "generic",
	}
	for kind, tag := range tags {
		assert.Equal(t, tag, kind.Tag(), kind.String())
	}
}
