// Package controlpanel drives a set of PD sessions over shared channels.
// All progress happens inside Refresh; nothing blocks and no goroutines are
// started. Runner wraps a ControlPanel for use from concurrent code.
package controlpanel

import (
	"errors"
	"fmt"
	"time"

	"github.com/dbehnke/osdp-nexus/pkg/logger"
	"github.com/dbehnke/osdp-nexus/pkg/pd"
	"github.com/dbehnke/osdp-nexus/pkg/protocol"
	"github.com/dbehnke/osdp-nexus/pkg/securechannel"
	"github.com/dbehnke/osdp-nexus/pkg/transport"
)

var (
	ErrUnknownPD      = errors.New("controlpanel: unknown PD")
	ErrUnknownChannel = errors.New("controlpanel: unknown channel")
	ErrClosed         = errors.New("controlpanel: closed")
)

// DefaultPollInterval is the minimum time between two frames to the same PD
const DefaultPollInterval = 50 * time.Millisecond

// EventCallback receives PD events. index is the PD's position in the
// configuration.
type EventCallback func(index int, ev pd.Event)

// StateCallback receives PD state transitions
type StateCallback func(index int, tr pd.Transition)

// Options configures a ControlPanel
type Options struct {
	Logger       *logger.Logger
	Session      pd.Config
	PollInterval time.Duration
	// MasterKey enables the secure channel. Nil disables it for every PD.
	MasterKey *securechannel.Key
	Stats     Stats
	// Now is the clock, read once per Refresh
	Now func() time.Time
}

type bus struct {
	name     string
	ch       transport.Channel
	dec      *protocol.Decoder
	inflight *entry
	down     bool
	pds      []*entry
}

type entry struct {
	index   int
	session *pd.Session
	bus     *bus
}

// ControlPanel owns every PD session and the channels they share
type ControlPanel struct {
	opts  Options
	log   *logger.Logger
	stats Stats

	buses   []*bus
	byName  map[string]*bus
	entries []*entry
	sched   *Scheduler

	onEvent EventCallback
	onState StateCallback

	dispatching bool
	deferred    []func()
	closed      bool
	rxBuf       []byte
	// now is the clock reading of the current Refresh
	now time.Time
}

// New creates a control panel for pds, which reach their devices through
// the named channels. PD indexes follow the order of pds.
func New(pds []pd.Info, channels map[string]transport.Channel, opts Options) (*ControlPanel, error) {
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	if opts.Session == (pd.Config{}) {
		opts.Session = pd.DefaultConfig()
	}
	if err := opts.Session.Validate(); err != nil {
		return nil, fmt.Errorf("controlpanel: session config: %w", err)
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Stats == nil {
		opts.Stats = nopStats{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	cp := &ControlPanel{
		opts:   opts,
		log:    opts.Logger.WithComponent("controlpanel"),
		stats:  opts.Stats,
		byName: make(map[string]*bus),
		rxBuf:  make([]byte, 1024),
	}

	for i, info := range pds {
		if info.Address < 0 || info.Address > protocol.MaxAddress {
			return nil, fmt.Errorf("controlpanel: pd %d: address %d out of range", i, info.Address)
		}
		if info.SecureRequired() && opts.MasterKey == nil {
			return nil, fmt.Errorf("controlpanel: pd %d: %w", i, pd.ErrNoMasterKey)
		}
		b, ok := cp.byName[info.Channel]
		if !ok {
			ch, ok := channels[info.Channel]
			if !ok || ch == nil {
				return nil, fmt.Errorf("controlpanel: pd %d: %w %q", i, ErrUnknownChannel, info.Channel)
			}
			b = &bus{name: info.Channel, ch: ch, dec: protocol.NewDecoder(0)}
			cp.byName[info.Channel] = b
			cp.buses = append(cp.buses, b)
		}
		for _, other := range b.pds {
			if other.session.Address() == info.Address {
				return nil, fmt.Errorf("controlpanel: pd %d: address %d already used on channel %q", i, info.Address, info.Channel)
			}
		}
		e := &entry{index: i, bus: b, session: cp.newSession(info)}
		b.pds = append(b.pds, e)
		cp.entries = append(cp.entries, e)
	}
	cp.sched = NewScheduler(len(cp.entries), opts.PollInterval)

	cp.log.Info("control panel ready",
		logger.Int("pds", len(cp.entries)),
		logger.Int("channels", len(cp.buses)),
		logger.Bool("secure_channel", opts.MasterKey != nil))
	return cp, nil
}

func (cp *ControlPanel) newSession(info pd.Info) *pd.Session {
	var sc *securechannel.Channel
	if cp.opts.MasterKey != nil {
		sc = securechannel.NewCP(*cp.opts.MasterKey)
	}
	return pd.NewSession(info, cp.opts.Session, sc, cp.opts.Logger)
}

// SetEventCallback registers the event sink. It is invoked synchronously
// from Refresh.
func (cp *ControlPanel) SetEventCallback(fn EventCallback) { cp.onEvent = fn }

// SetStateCallback registers the state transition sink
func (cp *ControlPanel) SetStateCallback(fn StateCallback) { cp.onState = fn }

// NumPDs returns the number of configured PDs
func (cp *ControlPanel) NumPDs() int { return len(cp.entries) }

// SendCommand validates cmd and queues it for PD index. Calls made from
// inside a callback are validated now and queued once dispatch finishes.
func (cp *ControlPanel) SendCommand(index int, cmd protocol.Command) error {
	if cp.closed {
		return ErrClosed
	}
	if index < 0 || index >= len(cp.entries) {
		return fmt.Errorf("%w: index %d", ErrUnknownPD, index)
	}
	if err := protocol.ValidateCommand(cmd); err != nil {
		return err
	}
	if cp.dispatching {
		cp.deferred = append(cp.deferred, func() {
			if err := cp.enqueue(index, cmd); err != nil {
				cp.log.Warn("deferred command rejected", logger.Int("pd", index), logger.Error(err))
				cp.report(index, pd.Event{
					Address: cp.entries[index].session.Address(),
					Kind:    pd.EventCommandFailed,
					Command: cmd,
					Err:     err,
					Time:    cp.now,
				})
			}
		})
		return nil
	}
	return cp.enqueue(index, cmd)
}

// SendCommandByAddress queues cmd for the PD at address on the named channel
func (cp *ControlPanel) SendCommandByAddress(channel string, address int, cmd protocol.Command) error {
	b, ok := cp.byName[channel]
	if !ok {
		return fmt.Errorf("%w %q", ErrUnknownChannel, channel)
	}
	for _, e := range b.pds {
		if e.session.Address() == address {
			return cp.SendCommand(e.index, cmd)
		}
	}
	return fmt.Errorf("%w: address %d on %q", ErrUnknownPD, address, channel)
}

func (cp *ControlPanel) enqueue(index int, cmd protocol.Command) error {
	e := cp.entries[index]
	if err := e.session.Enqueue(cmd); err != nil {
		return err
	}
	cp.stats.QueueDepth(e.session.Address(), e.session.QueueLen())
	return nil
}

// ClearQueue drops the commands queued for PD index. A command already on
// the wire is not affected.
func (cp *ControlPanel) ClearQueue(index int) (int, error) {
	if index < 0 || index >= len(cp.entries) {
		return 0, fmt.Errorf("%w: index %d", ErrUnknownPD, index)
	}
	if cp.dispatching {
		pending := cp.entries[index].session.QueueLen()
		cp.deferred = append(cp.deferred, func() { cp.entries[index].session.ClearQueue() })
		return pending, nil
	}
	n := cp.entries[index].session.ClearQueue()
	cp.stats.QueueDepth(cp.entries[index].session.Address(), 0)
	return n, nil
}

// Refresh performs one scheduling pass: it reads every channel, routes
// replies, expires timeouts, sends at most one frame per idle channel and
// delivers the resulting events. It never blocks.
func (cp *ControlPanel) Refresh() {
	if cp.closed {
		return
	}
	now := cp.opts.Now()
	cp.now = now

	for _, b := range cp.buses {
		cp.receive(now, b)
	}
	for _, e := range cp.entries {
		waiting := e.session.AwaitingReply()
		e.session.Tick(now)
		if waiting && !e.session.AwaitingReply() && e.bus.inflight == e {
			cp.resync(e.bus)
		}
		cp.settle(e)
	}
	cp.deliver()

	for {
		i, ok := cp.sched.Next(now, func(i int) bool {
			e := cp.entries[i]
			return !e.bus.down && e.bus.inflight == nil && e.session.Ready(now)
		})
		if !ok {
			break
		}
		cp.transmit(now, cp.entries[i])
	}
	cp.deliver()
}

// settle releases the bus once the entry's session stopped waiting
func (cp *ControlPanel) settle(e *entry) {
	if e.bus.inflight == e && !e.session.AwaitingReply() {
		e.bus.inflight = nil
	}
}

// resync discards a partial frame left in the decoder by a reply that timed
// out. A corrupted LEN field would otherwise hold back every later reply.
func (cp *ControlPanel) resync(b *bus) {
	if n := b.dec.Resync(); n > 0 {
		cp.log.Debug("discarded stalled frame", logger.String("channel", b.name), logger.Int("bytes", n))
		cp.stats.FrameRejected(b.name, "stalled")
	}
}

func (cp *ControlPanel) receive(now time.Time, b *bus) {
	if !b.ch.IsOpen() {
		cp.busDown(now, b, transport.ErrClosed)
		return
	}
	if b.down {
		cp.log.Info("channel back up", logger.String("channel", b.name))
		b.down = false
	}

	for {
		n, err := b.ch.Read(cp.rxBuf)
		if err != nil {
			cp.busDown(now, b, err)
			return
		}
		if n == 0 {
			break
		}
		cp.stats.FrameReceived(b.name, n)
		b.dec.Write(cp.rxBuf[:n])
	}

	frames := b.dec.Frames(func(fe *protocol.FrameError) {
		cp.log.Debug("rejected frame", logger.String("channel", b.name), logger.Error(fe))
		cp.stats.FrameRejected(b.name, fe.Kind.String())
	})
	for _, f := range frames {
		if !f.IsReply() {
			// our own command echoed by a 2-wire RS-485 adapter
			continue
		}
		e := b.inflight
		if e == nil || byte(e.session.Address()) != f.PDAddress() {
			cp.log.Debug("dropping unsolicited reply",
				logger.String("channel", b.name), logger.Int("address", int(f.PDAddress())))
			continue
		}
		e.session.HandleFrame(now, f)
		cp.settle(e)
	}
}

func (cp *ControlPanel) transmit(now time.Time, e *entry) {
	frame := e.session.Next(now)
	if frame == nil {
		return
	}
	if _, err := e.bus.ch.Write(frame); err != nil {
		cp.log.Error("channel write failed", logger.String("channel", e.bus.name), logger.Error(err))
		cp.busDown(now, e.bus, err)
		return
	}
	e.bus.inflight = e
	cp.stats.FrameSent(e.bus.name, len(frame))
	if cp.log.Enabled("debug") {
		cp.log.Debug("frame sent", logger.Int("pd", e.index), logger.Hex("frame", frame))
	}
}

// busDown takes every PD on b offline after a channel failure
func (cp *ControlPanel) busDown(now time.Time, b *bus, err error) {
	if b.down {
		return
	}
	b.down = true
	b.inflight = nil
	b.dec.Reset()
	cp.log.Error("channel failed", logger.String("channel", b.name), logger.Error(err))
	for _, e := range b.pds {
		e.session.ChannelDown(now, err)
	}
}

// deliver drains every session and runs the callbacks. Commands submitted
// from a callback are applied after all callbacks returned.
func (cp *ControlPanel) deliver() {
	cp.dispatching = true
	for _, e := range cp.entries {
		out := e.session.Drain()
		for _, tr := range out.Transitions {
			cp.stats.StateChanged(tr.Address, tr.To.String())
			if cp.onState != nil {
				cp.onState(e.index, tr)
			}
		}
		for _, ev := range out.Events {
			cp.stats.EventDelivered(ev.Kind.String())
			if cp.onEvent != nil {
				cp.onEvent(e.index, ev)
			}
		}
		if out.Reconfigure != nil {
			info := *out.Reconfigure
			cp.deferred = append(cp.deferred, func() { cp.reconfigure(e, info) })
		}
	}
	cp.dispatching = false
	cp.runDeferred()
}

func (cp *ControlPanel) runDeferred() {
	for len(cp.deferred) > 0 {
		fns := cp.deferred
		cp.deferred = nil
		for _, fn := range fns {
			fn()
		}
	}
}

// report delivers an event raised by the control panel itself
func (cp *ControlPanel) report(index int, ev pd.Event) {
	cp.stats.EventDelivered(ev.Kind.String())
	if cp.onEvent == nil {
		return
	}
	prev := cp.dispatching
	cp.dispatching = true
	cp.onEvent(index, ev)
	cp.dispatching = prev
}

// reconfigure replaces a session after a COMSET took effect
func (cp *ControlPanel) reconfigure(e *entry, info pd.Info) {
	old := e.session.Info()
	if info.BaudRate != old.BaudRate {
		err := transport.ErrBaudUnsupported
		if bs, ok := e.bus.ch.(transport.BaudSetter); ok {
			err = bs.SetBaudRate(info.BaudRate)
		}
		switch {
		case errors.Is(err, transport.ErrBaudUnsupported):
			cp.log.Warn("channel cannot change baud rate", logger.String("channel", e.bus.name), logger.Int("baud_rate", info.BaudRate))
		case err != nil:
			cp.log.Error("failed to change baud rate", logger.String("channel", e.bus.name), logger.Error(err))
		}
	}
	if e.bus.inflight == e {
		e.bus.inflight = nil
	}
	e.session = e.session.Reconfigured(info)
	cp.sched.Reset(e.index)
	cp.stats.QueueDepth(info.Address, e.session.QueueLen())
	if info.Address != old.Address {
		cp.stats.Forget(old.Address)
	}
	cp.log.Info("PD reconfigured",
		logger.Int("pd", e.index),
		logger.Int("old_address", old.Address),
		logger.Int("new_address", info.Address),
		logger.Int("baud_rate", info.BaudRate))
}

// Close closes every channel. The control panel cannot be used afterwards.
func (cp *ControlPanel) Close() error {
	if cp.closed {
		return nil
	}
	cp.closed = true
	var errs []error
	for _, b := range cp.buses {
		if err := b.ch.Close(); err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", b.name, err))
		}
	}
	return errors.Join(errs...)
}
