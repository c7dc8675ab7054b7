package controlpanel

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dbehnke/osdp-nexus/internal/testhelpers"
	"github.com/dbehnke/osdp-nexus/pkg/pd"
	"github.com/dbehnke/osdp-nexus/pkg/pdsim"
	"github.com/dbehnke/osdp-nexus/pkg/protocol"
	"github.com/dbehnke/osdp-nexus/pkg/securechannel"
	"github.com/dbehnke/osdp-nexus/pkg/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var master = securechannel.Key{0x30, 0x31, 0x32, 0x33, 0x34, 0x35, 0x36, 0x37, 0x38, 0x39, 0x3a, 0x3b, 0x3c, 0x3d, 0x3e, 0x3f}

func device(address int, secure bool) *pdsim.Device {
	cfg := pdsim.Config{
		Address:  address,
		UID:      [8]byte{0xA1, 0xB2, 0xC3, 0, 0, 0, 0, byte(address)},
		Identity: protocol.PDID{VendorCode: 0xA1B2C3, Model: 1, Serial: uint32(address)},
		Inputs:   1,
		Outputs:  4,
		Readers:  1,
	}
	if secure {
		return pdsim.NewFromMaster(cfg, master, nil)
	}
	return pdsim.New(cfg, nil)
}

type fixture struct {
	t      *testing.T
	cp     *ControlPanel
	ch     *testhelpers.ScriptedChannel
	clock  *testhelpers.FakeClock
	events []pd.Event
	states []pd.Transition
}

func newFixture(t *testing.T, key *securechannel.Key, devices ...*pdsim.Device) *fixture {
	return newFixtureFlags(t, key, 0, devices...)
}

func newFixtureFlags(t *testing.T, key *securechannel.Key, flags pd.Flags, devices ...*pdsim.Device) *fixture {
	bus := pdsim.NewBus(nil, devices...)
	f := &fixture{
		t:     t,
		ch:    testhelpers.NewScriptedChannel(bus.Feed),
		clock: testhelpers.NewFakeClock(),
	}
	var infos []pd.Info
	for _, d := range devices {
		infos = append(infos, pd.Info{Address: d.Address(), Channel: "bus0", BaudRate: 9600, Flags: flags})
	}
	cp, err := New(infos, map[string]transport.Channel{"bus0": f.ch}, Options{
		MasterKey: key,
		Now:       f.clock.Now,
	})
	require.NoError(t, err)
	cp.SetEventCallback(func(_ int, ev pd.Event) { f.events = append(f.events, ev) })
	cp.SetStateCallback(func(_ int, tr pd.Transition) { f.states = append(f.states, tr) })
	f.cp = cp
	return f
}

// run advances one poll interval per refresh
func (f *fixture) run(n int) {
	for i := 0; i < n; i++ {
		f.clock.Advance(DefaultPollInterval)
		f.cp.Refresh()
	}
}

func (f *fixture) runUntil(cond func() bool, max int) {
	f.t.Helper()
	for i := 0; i < max && !cond(); i++ {
		f.run(1)
	}
	require.True(f.t, cond(), "condition not reached after %d refreshes", max)
}

func (f *fixture) allOnline() bool {
	for _, st := range f.cp.Status() {
		if st.State != pd.StateOnline.String() {
			return false
		}
	}
	return true
}

func (f *fixture) eventsOf(kind pd.EventKind) []pd.Event {
	var out []pd.Event
	for _, ev := range f.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func TestOutputCommandAckAtAddress101(t *testing.T) {
	dev := device(101, false)
	f := newFixture(t, nil, dev)
	f.runUntil(f.allOnline, 20)

	cmd := protocol.OutputCommand{OutputNo: 0, ControlCode: 1, TimerCount: 10}
	require.NoError(t, f.cp.SendCommand(0, cmd))
	f.runUntil(func() bool { return len(f.eventsOf(pd.EventCommandAck)) > 0 }, 10)

	var outs []*protocol.Packet
	for _, p := range f.ch.Packets() {
		if p.Code == protocol.CmdOut {
			outs = append(outs, p)
		}
	}
	require.Len(t, outs, 1, "exactly one OUT frame")
	assert.Equal(t, byte(101), outs[0].Address)
	assert.False(t, outs[0].Reply)
	assert.Equal(t, []byte{0x00, 0x01, 0x0A, 0x00}, outs[0].Data)

	acks := f.eventsOf(pd.EventCommandAck)
	require.Len(t, acks, 1)
	assert.Equal(t, cmd, acks[0].Command)
	assert.Equal(t, 101, acks[0].Address)
	assert.Empty(t, f.eventsOf(pd.EventCommandNak))
}

func TestOutputCommandNakAtAddress101(t *testing.T) {
	dev := device(101, false)
	dev.SetHandler(func(cmd protocol.Command) protocol.Reply {
		if _, ok := cmd.(protocol.OutputCommand); ok {
			return protocol.Nak{Reason: protocol.NakRecord}
		}
		return nil
	})
	f := newFixture(t, nil, dev)
	f.runUntil(f.allOnline, 20)

	require.NoError(t, f.cp.SendCommand(0, protocol.OutputCommand{OutputNo: 0, ControlCode: 1, TimerCount: 10}))
	f.runUntil(func() bool { return len(f.eventsOf(pd.EventCommandNak)) > 0 }, 10)

	naks := f.eventsOf(pd.EventCommandNak)
	require.Len(t, naks, 1)
	assert.Equal(t, protocol.NakRecord, naks[0].Nak)
	assert.Empty(t, f.eventsOf(pd.EventCommandAck))
	assert.Equal(t, pd.StateOnline.String(), f.cp.Status()[0].State)
}

func TestSecureChannelThroughControlPanel(t *testing.T) {
	dev := device(7, true)
	f := newFixture(t, &master, dev)
	f.runUntil(f.allOnline, 30)

	st := f.cp.Status()[0]
	assert.True(t, st.SecureChannel)
	assert.False(t, st.Handshaking)
	require.NotNil(t, st.Identity)
	assert.Equal(t, uint32(7), st.Identity.Serial)
	assert.NotEmpty(t, st.Capabilities)
	assert.True(t, dev.SecureChannelEstablished())

	var seen []pd.State
	for _, tr := range f.states {
		seen = append(seen, tr.To)
	}
	assert.Equal(t, []pd.State{pd.StateIDCheck, pd.StateCapCheck, pd.StateSCChallenge, pd.StateSCCrypt, pd.StateSCVerify, pd.StateOnline}, seen)

	require.NoError(t, f.cp.SendCommand(0, protocol.OutputCommand{OutputNo: 2, ControlCode: protocol.OutputPermanentOn}))
	f.runUntil(func() bool { return len(f.eventsOf(pd.EventCommandAck)) > 0 }, 10)
	assert.True(t, dev.Outputs()[2])
}

func TestSchedulerFairness(t *testing.T) {
	devs := []*pdsim.Device{device(1, false), device(2, false), device(3, false)}
	f := newFixture(t, nil, devs...)
	f.runUntil(f.allOnline, 30)

	// keep PD 1 busy with commands; the others must still be polled
	for i := 0; i < 10; i++ {
		require.NoError(t, f.cp.SendCommand(0, protocol.BuzzerCommand{ControlCode: 1}))
	}
	before := len(f.ch.Writes())
	f.run(60)

	counts := map[byte]int{}
	for _, p := range f.ch.Packets()[before:] {
		counts[p.Address]++
	}
	require.Len(t, counts, 3)
	lo, hi := counts[1], counts[1]
	for _, n := range counts {
		lo, hi = min(lo, n), max(hi, n)
	}
	assert.LessOrEqual(t, hi-lo, 1, "round robin keeps PDs within one frame of each other: %v", counts)
}

func TestAtMostOneFrameInFlightPerChannel(t *testing.T) {
	f := newFixture(t, nil, device(1, false), device(2, false))
	f.ch.Withhold(true)

	for i := 0; i < 15; i++ {
		f.clock.Advance(10 * time.Millisecond)
		f.cp.Refresh()
	}
	assert.Len(t, f.ch.Writes(), 1, "no second frame until the first is answered or times out")

	f.ch.Release()
	f.clock.Advance(10 * time.Millisecond)
	f.cp.Refresh()
	assert.Len(t, f.ch.Writes(), 2)
}

func TestFIFOThroughControlPanel(t *testing.T) {
	dev := device(9, false)
	f := newFixture(t, nil, dev)
	f.runUntil(f.allOnline, 20)

	cmds := []protocol.Command{
		protocol.OutputCommand{OutputNo: 0, ControlCode: protocol.OutputPermanentOn},
		protocol.OutputCommand{OutputNo: 1, ControlCode: protocol.OutputPermanentOn},
		protocol.OutputCommand{OutputNo: 0, ControlCode: protocol.OutputPermanentOff},
	}
	for _, c := range cmds {
		require.NoError(t, f.cp.SendCommand(0, c))
	}
	f.runUntil(func() bool { return len(f.eventsOf(pd.EventCommandAck)) == 3 }, 20)

	var sent []protocol.Command
	for _, c := range dev.Received() {
		if _, ok := c.(protocol.OutputCommand); ok {
			sent = append(sent, c)
		}
	}
	assert.Equal(t, cmds, sent)
	assert.Equal(t, []bool{false, true, false, false}, dev.Outputs())
}

func TestCallbackMaySubmitCommands(t *testing.T) {
	dev := device(3, false)
	f := newFixture(t, nil, dev)
	f.runUntil(f.allOnline, 20)

	var submitErr error
	f.cp.SetEventCallback(func(index int, ev pd.Event) {
		f.events = append(f.events, ev)
		if ev.Kind == pd.EventCardRead {
			submitErr = f.cp.SendCommand(index, protocol.LEDCommand{ControlCode: 1, OnCount: 3, OnColor: protocol.LEDColorGreen})
			// invalid commands are still rejected synchronously
			assert.Error(t, f.cp.SendCommand(index, protocol.OutputCommand{ControlCode: 42}))
			assert.Zero(t, f.cp.Status()[index].QueueLength, "queue untouched during dispatch")
		}
	})

	dev.QueueEvent(protocol.CardRead{Reader: 0, Format: 0, BitCount: 8, Data: []byte{0x5A}})
	f.runUntil(func() bool { return len(f.eventsOf(pd.EventCardRead)) > 0 }, 10)
	require.NoError(t, submitErr)

	f.runUntil(func() bool { return len(f.eventsOf(pd.EventCommandAck)) > 0 }, 10)
	_, isLED := f.eventsOf(pd.EventCommandAck)[0].Command.(protocol.LEDCommand)
	assert.True(t, isLED)
}

func TestChannelWriteFailureTakesPDsOffline(t *testing.T) {
	f := newFixture(t, nil, device(1, false), device(2, false))
	f.runUntil(f.allOnline, 30)
	require.NoError(t, f.cp.SendCommand(1, protocol.PollCommand{}))

	f.ch.FailWrites(errors.New("cable cut"))
	f.run(2)

	for _, st := range f.cp.Status() {
		assert.Equal(t, pd.StateOfflineCommFailed.String(), st.State)
	}
	require.Len(t, f.eventsOf(pd.EventCommandFailed), 1)
	assert.ErrorIs(t, f.cp.SendCommand(0, protocol.PollCommand{}), pd.ErrPDOffline)

	// recovers after the offline backoff once the channel works again
	f.ch.FailWrites(nil)
	f.run(40)
	assert.True(t, f.allOnline())
}

func TestComSetMovesPD(t *testing.T) {
	dev := device(20, true)
	f := newFixture(t, &master, dev)
	f.runUntil(f.allOnline, 30)

	require.NoError(t, f.cp.SendCommand(0, protocol.ComSetCommand{Address: 21, BaudRate: 9600}))
	f.runUntil(func() bool { return f.cp.Status()[0].Address == 21 }, 10)
	assert.Equal(t, 21, dev.Address())
	require.Len(t, f.eventsOf(pd.EventComSettings), 1)

	f.runUntil(f.allOnline, 30)
	assert.True(t, f.cp.Status()[0].SecureChannel)
	require.NoError(t, f.cp.SendCommandByAddress("bus0", 21, protocol.PollCommand{}))
	assert.ErrorIs(t, f.cp.SendCommandByAddress("bus0", 20, protocol.PollCommand{}), ErrUnknownPD)
}

func TestComSetRequiresSecureChannel(t *testing.T) {
	f := newFixture(t, nil, device(4, false))
	f.runUntil(f.allOnline, 20)
	err := f.cp.SendCommand(0, protocol.ComSetCommand{Address: 5, BaudRate: 9600})
	assert.ErrorIs(t, err, pd.ErrSecureChannelRequired)
}

func TestSendCommandValidation(t *testing.T) {
	f := newFixture(t, nil, device(1, false))

	assert.ErrorIs(t, f.cp.SendCommand(5, protocol.PollCommand{}), ErrUnknownPD)
	assert.ErrorIs(t, f.cp.SendCommand(-1, protocol.PollCommand{}), ErrUnknownPD)
	assert.ErrorIs(t, f.cp.SendCommand(0, protocol.OutputCommand{ControlCode: 9}), protocol.ErrFieldOutOfRange)
	assert.ErrorIs(t, f.cp.SendCommandByAddress("nope", 1, protocol.PollCommand{}), ErrUnknownChannel)

	require.NoError(t, f.cp.SendCommand(0, protocol.PollCommand{}))
	require.NoError(t, f.cp.SendCommand(0, protocol.PollCommand{}))
	n, err := f.cp.ClearQueue(0)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	_, err = f.cp.ClearQueue(3)
	assert.ErrorIs(t, err, ErrUnknownPD)

	require.NoError(t, f.cp.Close())
	assert.False(t, f.ch.IsOpen())
	assert.ErrorIs(t, f.cp.SendCommand(0, protocol.PollCommand{}), ErrClosed)
}

func TestNewRejectsBadConfiguration(t *testing.T) {
	ch := testhelpers.NewScriptedChannel(nil)
	channels := map[string]transport.Channel{"bus0": ch}

	_, err := New([]pd.Info{{Address: 1, Channel: "bus0"}, {Address: 1, Channel: "bus0"}}, channels, Options{})
	assert.Error(t, err, "duplicate address")

	_, err = New([]pd.Info{{Address: 1, Channel: "bus9"}}, channels, Options{})
	assert.ErrorIs(t, err, ErrUnknownChannel)

	_, err = New([]pd.Info{{Address: 0x7F, Channel: "bus0"}}, channels, Options{})
	assert.Error(t, err)

	_, err = New([]pd.Info{{Address: 1, Channel: "bus0", Flags: pd.FlagSecureRequired}}, channels, Options{})
	assert.ErrorIs(t, err, pd.ErrNoMasterKey)
}

func TestRefreshIsNoOpWhenNothingDue(t *testing.T) {
	f := newFixture(t, nil, device(1, false))
	f.cp.Refresh()
	require.Len(t, f.ch.Writes(), 1)

	// the reply arrives, but the poll interval has not elapsed
	f.cp.Refresh()
	assert.Len(t, f.ch.Writes(), 1)
}

func TestSchedulerRoundRobin(t *testing.T) {
	s := NewScheduler(3, time.Second)
	now := time.Unix(0, 0)
	all := func(int) bool { return true }

	var order []int
	for k := 0; k < 3; k++ {
		i, ok := s.Next(now, all)
		require.True(t, ok)
		order = append(order, i)
	}
	assert.Equal(t, []int{0, 1, 2}, order)

	_, ok := s.Next(now, all)
	assert.False(t, ok, "nothing eligible until the interval elapsed")

	i, ok := s.Next(now.Add(time.Second), func(i int) bool { return i != 0 })
	require.True(t, ok)
	assert.Equal(t, 1, i)

	s.Reset(2)
	assert.True(t, s.EligibleAt(2).IsZero())
}

func TestKeySetThenComSetComesBackOnline(t *testing.T) {
	dev := device(30, true)
	f := newFixture(t, &master, dev)
	f.runUntil(f.allOnline, 30)

	newKey := securechannel.Key{0x0F, 0x0E, 0x0D, 0x0C}
	require.NoError(t, f.cp.SendCommand(0, protocol.KeySetCommand{Type: protocol.KeyTypeSCBK, Key: newKey[:]}))
	f.runUntil(func() bool { return len(f.eventsOf(pd.EventCommandAck)) == 1 }, 10)

	require.NoError(t, f.cp.SendCommand(0, protocol.ComSetCommand{Address: 31, BaudRate: 9600}))
	f.runUntil(func() bool { return f.cp.Status()[0].Address == 31 }, 10)
	f.runUntil(f.allOnline, 30)

	assert.True(t, f.cp.Status()[0].SecureChannel)
	scbk, ok := dev.SCBK()
	require.True(t, ok)
	assert.Equal(t, newKey, scbk)
	for _, tr := range f.states {
		assert.False(t, tr.To.Failed(), "unexpected %s", tr.To)
	}
}

func TestComSetKeepsQueuedCommands(t *testing.T) {
	dev := device(40, true)
	f := newFixture(t, &master, dev)
	f.runUntil(f.allOnline, 30)

	out := protocol.OutputCommand{OutputNo: 1, ControlCode: protocol.OutputPermanentOn}
	require.NoError(t, f.cp.SendCommand(0, protocol.ComSetCommand{Address: 41, BaudRate: 9600}))
	require.NoError(t, f.cp.SendCommand(0, out))

	f.runUntil(func() bool { return len(f.eventsOf(pd.EventCommandAck)) == 1 }, 40)
	assert.Equal(t, out, f.eventsOf(pd.EventCommandAck)[0].Command)
	assert.Equal(t, 41, f.eventsOf(pd.EventCommandAck)[0].Address)
	assert.Equal(t, []bool{false, true, false, false}, dev.Outputs())
	assert.Empty(t, f.eventsOf(pd.EventCommandFailed))
	assert.Equal(t, 41, f.cp.Status()[0].Address)
}

func TestGarbledHeaderDoesNotStallBus(t *testing.T) {
	dev := device(9, false)
	f := newFixture(t, nil, dev)
	f.runUntil(f.allOnline, 20)

	// SOM, reply to address 1, LEN 0x04FF: a header for a frame that never comes
	f.ch.Inject([]byte{0x53, 0x81, 0xFF, 0x04, 0x04})
	f.run(20)

	for _, tr := range f.states {
		assert.NotEqual(t, pd.StateOfflineCommFailed, tr.To)
	}
	assert.True(t, f.allOnline())

	require.NoError(t, f.cp.SendCommand(0, protocol.OutputCommand{OutputNo: 0, ControlCode: protocol.OutputPermanentOn}))
	f.runUntil(func() bool { return len(f.eventsOf(pd.EventCommandAck)) == 1 }, 10)
}

func TestDeferredCommandFailureIsReported(t *testing.T) {
	dev := device(5, false)
	f := newFixture(t, nil, dev)
	f.runUntil(f.allOnline, 20)

	comset := protocol.ComSetCommand{Address: 6, BaudRate: 9600}
	f.cp.SetEventCallback(func(index int, ev pd.Event) {
		f.events = append(f.events, ev)
		if ev.Kind == pd.EventCardRead {
			assert.NoError(t, f.cp.SendCommand(index, comset), "accepted for later during dispatch")
		}
	})
	dev.QueueEvent(protocol.CardRead{Reader: 0, BitCount: 8, Data: []byte{0x5A}})
	f.runUntil(func() bool { return len(f.eventsOf(pd.EventCommandFailed)) > 0 }, 10)

	failed := f.eventsOf(pd.EventCommandFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, comset, failed[0].Command)
	assert.ErrorIs(t, failed[0].Err, pd.ErrSecureChannelRequired)
	assert.Equal(t, 5, failed[0].Address)
	assert.Equal(t, f.clock.Now(), failed[0].Time)
	assert.Equal(t, pd.StateOnline.String(), f.cp.Status()[0].State)
}

func TestInstallModeThroughControlPanel(t *testing.T) {
	uid := [8]byte{0xA1, 0xB2, 0xC3, 0, 0, 0, 0, 50}
	dev := pdsim.New(pdsim.Config{
		Address:     50,
		UID:         uid,
		Identity:    protocol.PDID{VendorCode: 0xA1B2C3, Serial: 50},
		Outputs:     1,
		Readers:     1,
		InstallMode: true,
	}, nil)
	f := newFixtureFlags(t, &master, pd.FlagInstallMode, dev)
	f.runUntil(f.allOnline, 60)

	assert.True(t, f.cp.Status()[0].SecureChannel)
	scbk, ok := dev.SCBK()
	require.True(t, ok)
	assert.Equal(t, securechannel.DeriveSCBK(master, uid), scbk)
	assert.False(t, dev.InstallMode())

	var states []pd.State
	for _, tr := range f.states {
		states = append(states, tr.To)
	}
	assert.Contains(t, states, pd.StateSetSCBK)
}

func TestReopenedChannelBringsPDsBack(t *testing.T) {
	dev := device(7, false)
	bus := pdsim.NewBus(nil, dev)

	var (
		mu      sync.Mutex
		blocked bool
		dials   int
		current *testhelpers.ScriptedChannel
	)
	dial := func(context.Context) (transport.Channel, error) {
		mu.Lock()
		defer mu.Unlock()
		if blocked {
			return nil, errors.New("bridge unreachable")
		}
		dials++
		current = testhelpers.NewScriptedChannel(bus.Feed)
		return current, nil
	}
	ch := transport.NewRedialer("bus0", dial, transport.RedialConfig{Interval: time.Millisecond, MaxInterval: 5 * time.Millisecond}, nil)
	require.Eventually(t, ch.IsOpen, 2*time.Second, time.Millisecond)

	f := &fixture{t: t, clock: testhelpers.NewFakeClock()}
	cp, err := New([]pd.Info{{Address: 7, Channel: "bus0", BaudRate: 9600}}, map[string]transport.Channel{"bus0": ch}, Options{Now: f.clock.Now})
	require.NoError(t, err)
	defer cp.Close()
	cp.SetEventCallback(func(_ int, ev pd.Event) { f.events = append(f.events, ev) })
	cp.SetStateCallback(func(_ int, tr pd.Transition) { f.states = append(f.states, tr) })
	f.cp = cp
	f.runUntil(f.allOnline, 20)

	mu.Lock()
	blocked = true
	require.NoError(t, current.Close())
	mu.Unlock()
	require.Eventually(t, func() bool { return !ch.IsOpen() }, 2*time.Second, time.Millisecond)
	f.run(1)
	assert.Equal(t, pd.StateOfflineCommFailed.String(), cp.Status()[0].State)

	mu.Lock()
	blocked = false
	mu.Unlock()
	require.Eventually(t, ch.IsOpen, 2*time.Second, time.Millisecond)
	f.runUntil(f.allOnline, 100)

	mu.Lock()
	assert.Equal(t, 2, dials)
	mu.Unlock()
	require.NoError(t, cp.SendCommand(0, protocol.OutputCommand{OutputNo: 0, ControlCode: protocol.OutputPermanentOn}))
	f.runUntil(func() bool { return len(f.eventsOf(pd.EventCommandAck)) == 1 }, 10)
}
